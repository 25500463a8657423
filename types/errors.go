package types

import (
	"fmt"
	"time"
)

var (
	_ error = EncodingError{}
	_ error = BoundsError{}
	_ error = NativeCallFailure{}
	_ error = TimeoutError{}
	_ error = RelayFailure{}
)

// EncodingError is returned when caller data cannot be placed into engine memory,
// either because the source has the wrong length or the allocation failed.
type EncodingError struct {
	Op  string `json:"op"`
	Msg string `json:"msg"`
	Err error  `json:"-"`
}

func (e EncodingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("encoding %s: %s: %v", e.Op, e.Msg, e.Err)
	}
	return fmt.Sprintf("encoding %s: %s", e.Op, e.Msg)
}

func (e EncodingError) Unwrap() error { return e.Err }

// BoundsError is returned when a decode would read outside the memory the
// referenced buffer is allowed to cover.
type BoundsError struct {
	Ptr    uint64 `json:"ptr"`
	Length uint64 `json:"length"`
	Limit  uint64 `json:"limit"`
}

func (e BoundsError) Error() string {
	return fmt.Sprintf("out of bounds read: %d bytes at 0x%x (limit %d)", e.Length, e.Ptr, e.Limit)
}

// NativeCallFailure reports an engine entry point that returned its failure sentinel.
type NativeCallFailure struct {
	Call   string `json:"call"`
	Result int64  `json:"result"`
}

func (e NativeCallFailure) Error() string {
	return fmt.Sprintf("native call %s failed with result %d", e.Call, e.Result)
}

// TimeoutError is returned when a callback-delivered result did not arrive in time.
type TimeoutError struct {
	Call  string        `json:"call"`
	After time.Duration `json:"after"`
}

func (e TimeoutError) Error() string {
	return fmt.Sprintf("%s: no result after %s", e.Call, e.After)
}

// RelayFailure wraps an I/O error of a relayed HTTP request.
type RelayFailure struct {
	RequestID uint32 `json:"request_id"`
	URL       string `json:"url"`
	Err       error  `json:"-"`
}

func (e RelayFailure) Error() string {
	return fmt.Sprintf("http relay request %d to %s: %v", e.RequestID, e.URL, e.Err)
}

func (e RelayFailure) Unwrap() error { return e.Err }
