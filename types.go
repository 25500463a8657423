package tring

import (
	"github.com/privacyresearch/tring/internal/api"
	"github.com/privacyresearch/tring/internal/ffi"
	"github.com/privacyresearch/tring/types"
)

// Engine is a loaded call engine, either the native library or a wasm build
type Engine = ffi.Engine

// Memory is the address space buffers are exchanged through
type Memory = ffi.Memory

// Ptr is an address in an engine's Memory
type Ptr = ffi.Ptr

// Handle identifies a native call endpoint
type Handle = ffi.Handle

// Callbacks is the slot table an engine invokes
type Callbacks = ffi.Callbacks

// CallLinkCallback receives the result of a call link parse
type CallLinkCallback = ffi.CallLinkCallback

// HTTPDoer performs the HTTP requests the engine asks the bridge to relay
type HTTPDoer = api.HTTPDoer

// Application receives the events of a call endpoint
type Application = types.Application

type (
	Config          = types.Config
	CallSession     = types.CallSession
	CallStatus      = types.CallStatus
	GroupCallClient = types.GroupCallClient
	GroupMember     = types.GroupMember
	PeekInfo        = types.PeekInfo
	Frame           = types.Frame
	MediaType       = types.MediaType
	BandwidthMode   = types.BandwidthMode
	PixelFormat     = types.PixelFormat
)

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config { return types.DefaultConfig() }

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (Config, error) { return types.LoadConfig(path) }

// IsTimeout reports whether err is a TimeoutError from a call link parse.
func IsTimeout(err error) bool { return api.IsTimeout(err) }
