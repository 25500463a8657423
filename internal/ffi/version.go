package ffi

import (
	"context"
	"fmt"
)

// Path returns the file the library was loaded from.
func (l *Library) Path() string { return l.path }

// VersionInfo describes the engine version and where it was loaded from.
func VersionInfo(ctx context.Context, e Engine, origin string) (string, error) {
	v, err := e.GetVersion(ctx)
	if err != nil {
		return "", fmt.Errorf("getVersion: %w", err)
	}
	return fmt.Sprintf("tring engine v%d using %s", v, origin), nil
}
