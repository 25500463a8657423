// Package ffi describes the entry-point contract of the native call engine and
// the engine-shared memory that buffers cross. Backends implementing Engine
// live here (dynamic library through purego) and in internal/runtime (wasm
// build through wazero).
package ffi

import (
	"context"
)

// Ptr is an address in the engine's address space. Zero is the null pointer.
type Ptr uint64

// Handle identifies one native call endpoint. Zero is the engine's failure value.
type Handle int64

// DescriptorSize is the size of a buffer descriptor, which is also the size of
// one row slot in a 2D table: a u64 pointer followed by a u64 length.
const DescriptorSize = 16

// Buffer references Len bytes at Ptr in engine memory.
type Buffer struct {
	Ptr Ptr
	Len uint64
}

// Memory is the address space shared with the engine.
type Memory interface {
	// Alloc reserves size bytes. size may be zero, in which case a valid
	// pointer to an empty allocation is still returned.
	Alloc(size uint64) (Ptr, error)
	Free(p Ptr) error
	// Read copies n bytes starting at p.
	Read(p Ptr, n uint64) ([]byte, error)
	Write(p Ptr, data []byte) error
	// Limit returns how many bytes may be read starting at p, as far as the
	// memory can tell. Memories that cannot tell return math.MaxUint64.
	Limit(p Ptr) uint64
}

// Callbacks is the table of slots handed to CreateCallEndpoint. Every buffer
// argument is the address of a descriptor. Slots may be invoked on any thread
// and may run concurrently with calls into the engine.
type Callbacks struct {
	Status     func(ctx context.Context, callID, peerID uint64, direction, kind int32)
	Answer     func(ctx context.Context, desc Ptr)
	Offer      func(ctx context.Context, desc Ptr)
	Ice        func(ctx context.Context, desc Ptr)
	Generic    func(ctx context.Context, opcode int32, desc Ptr)
	VideoFrame func(ctx context.Context, data Ptr, width, height uint32, size uint64)
}

// Complete reports whether every slot is set.
func (c *Callbacks) Complete() bool {
	return c != nil && c.Status != nil && c.Answer != nil && c.Offer != nil &&
		c.Ice != nil && c.Generic != nil && c.VideoFrame != nil
}

// NopCallbacks returns a complete table whose slots do nothing.
func NopCallbacks() *Callbacks {
	return &Callbacks{
		Status:     func(context.Context, uint64, uint64, int32, int32) {},
		Answer:     func(context.Context, Ptr) {},
		Offer:      func(context.Context, Ptr) {},
		Ice:        func(context.Context, Ptr) {},
		Generic:    func(context.Context, int32, Ptr) {},
		VideoFrame: func(context.Context, Ptr, uint32, uint32, uint64) {},
	}
}

// CallLinkCallback receives the parsed root key: result points at a
// descriptor-shaped {ptr, count} pair. tag is the value passed to
// ParseCallLinkRootKey.
type CallLinkCallback func(ctx context.Context, tag uint64, result Ptr)

// Engine is the set of entry points exported by the native call engine.
// Buffer arguments are descriptor addresses produced by the wire codec.
// Return values are the raw engine results.
type Engine interface {
	Memory() Memory
	Close() error

	InitRingRTC(ctx context.Context, msg Ptr) (int64, error)
	GetVersion(ctx context.Context) (int64, error)
	CreateCallEndpoint(ctx context.Context, cb *Callbacks) (Handle, error)
	ReleaseCallEndpoint(ctx context.Context, h Handle) error
	SetSelfUUID(ctx context.Context, h Handle, uuid Ptr) (int64, error)

	ReceivedOffer(ctx context.Context, h Handle, peerID Ptr, callID uint64, mediaType int32,
		senderDevice, receiverDevice uint32, senderKey, receiverKey, opaque Ptr, ageSec uint64) (int64, error)
	ReceivedOpaqueMessage(ctx context.Context, h Handle, sender Ptr, senderDevice, localDevice uint32,
		opaque Ptr, ageSec uint64) (int64, error)
	ReceivedAnswer(ctx context.Context, h Handle, peerID Ptr, callID uint64, senderDevice uint32,
		senderKey, receiverKey, opaque Ptr) (int64, error)
	CreateOutgoingCall(ctx context.Context, h Handle, peerID Ptr, video bool, localDevice uint32, callID int64) (int64, error)
	ProceedCall(ctx context.Context, h Handle, callID uint64, bandwidth, audioLevelsMillis int32,
		iceUser, icePwd, hostname, ice Ptr) (int64, error)
	ReceivedIce(ctx context.Context, h Handle, callID uint64, senderDevice uint32, ice Ptr) error
	AcceptCall(ctx context.Context, h Handle, callID uint64) (int64, error)
	IgnoreCall(ctx context.Context, h Handle, callID uint64) (int64, error)
	HangupCall(ctx context.Context, h Handle) (int64, error)
	SignalMessageSent(ctx context.Context, h Handle, callID uint64) (int64, error)

	SetAudioInput(ctx context.Context, h Handle, index uint16) (int64, error)
	SetAudioOutput(ctx context.Context, h Handle, index uint16) (int64, error)
	SetOutgoingAudioEnabled(ctx context.Context, h Handle, enable bool) (int64, error)
	SetOutgoingVideoEnabled(ctx context.Context, h Handle, enable bool) (int64, error)
	SendVideoFrame(ctx context.Context, h Handle, width, height uint32, pixelFormat int32, raw Ptr) (int64, error)
	FillRemoteVideoFrame(ctx context.Context, h Handle, buf Ptr, capacity uint64) (int64, error)

	PeekGroupCall(ctx context.Context, h Handle, proof, members Ptr) (int64, error)
	ReceivedHTTPResponse(ctx context.Context, h Handle, requestID, status uint32, body Ptr) (int64, error)
	CreateGroupCallClient(ctx context.Context, h Handle, groupID, sfuURL, hkdf Ptr) (int64, error)
	SetOutgoingAudioMuted(ctx context.Context, h Handle, clientID uint32, muted bool) (int64, error)
	SetOutgoingVideoMuted(ctx context.Context, h Handle, clientID uint32, muted bool) (int64, error)
	SetDataMode(ctx context.Context, h Handle, clientID uint32, mode int32) (int64, error)
	GroupConnect(ctx context.Context, h Handle, clientID uint32) (int64, error)
	Join(ctx context.Context, h Handle, clientID uint32) (int64, error)
	Disconnect(ctx context.Context, h Handle, clientID uint32) (int64, error)
	SetMembershipProof(ctx context.Context, h Handle, clientID uint32, token Ptr) (int64, error)
	SetGroupMembers(ctx context.Context, h Handle, clientID uint32, members Ptr) (int64, error)
	RequestVideo(ctx context.Context, h Handle, clientID, demuxID uint32) (int64, error)

	// ParseCallLinkRootKey parses a NUL-terminated call link. The result is
	// delivered to cb, possibly after this call returns.
	ParseCallLinkRootKey(ctx context.Context, url Ptr, tag uint64, cb CallLinkCallback) error
}
