// Package testengine provides an in-process ffi.Engine that records every
// entry point call and lets tests fire engine callbacks.
package testengine

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/privacyresearch/tring/internal/ffi"
)

// DefaultHandle is the endpoint handle returned unless Engine.Handle is changed.
const DefaultHandle ffi.Handle = 0x7a11

// Call is one recorded entry point call. Buffer arguments are recorded as
// their decoded contents: []byte for buffers, [][]byte for row tables.
type Call struct {
	Name string
	Args []any
}

// RemoteFrame is a frame served by FillRemoteVideoFrame.
type RemoteFrame struct {
	Width, Height uint32
	Data          []byte
}

// Engine is a fake engine over ffi.HeapMemory. Set the exported fields before
// handing it to an endpoint.
type Engine struct {
	Mem *ffi.HeapMemory

	// Handle returned by CreateCallEndpoint.
	Handle ffi.Handle
	// ClientID returned by CreateGroupCallClient.
	ClientID int64
	Version  int64
	// CallLinkKey is delivered asynchronously after CallLinkDelay. A nil key
	// means the engine never answers.
	CallLinkKey   []byte
	CallLinkDelay time.Duration
	// OnCreate runs inside CreateCallEndpoint, before the handle is returned.
	OnCreate func(cb *ffi.Callbacks)
	// OnSignal runs for every signalMessageSent.
	OnSignal func(h ffi.Handle, callID uint64)
	// ScribbleOnSignal overwrites the payload of the last emitted event when it is
	// acknowledged, the way a real engine reuses its buffers.
	ScribbleOnSignal bool

	mu       sync.Mutex
	calls    []Call
	cb       *ffi.Callbacks
	frames   []RemoteFrame
	lastEmit []ffi.Ptr
	closed   bool

	signals atomic.Uint64
	wg      sync.WaitGroup
}

var _ ffi.Engine = (*Engine)(nil)

// New creates a fake engine with default results.
func New() *Engine {
	return &Engine{
		Mem:      ffi.NewHeapMemory(),
		Handle:   DefaultHandle,
		ClientID: 7,
		Version:  1,
	}
}

func (e *Engine) record(name string, args ...any) {
	e.mu.Lock()
	e.calls = append(e.calls, Call{Name: name, Args: args})
	e.mu.Unlock()
}

// Calls returns a copy of the recorded calls.
func (e *Engine) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Call(nil), e.calls...)
}

// Names returns the names of the recorded calls in order.
func (e *Engine) Names() []string {
	calls := e.Calls()
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Name
	}
	return names
}

// Find returns the recorded calls named name.
func (e *Engine) Find(name string) []Call {
	var out []Call
	for _, c := range e.Calls() {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// Signals returns the number of signalMessageSent calls.
func (e *Engine) Signals() uint64 { return e.signals.Load() }

// PushFrame queues a frame for FillRemoteVideoFrame.
func (e *Engine) PushFrame(f RemoteFrame) {
	e.mu.Lock()
	e.frames = append(e.frames, f)
	e.mu.Unlock()
}

func (e *Engine) readBuffer(desc ffi.Ptr) []byte {
	raw, err := e.Mem.Read(desc, ffi.DescriptorSize)
	if err != nil {
		panic(fmt.Sprintf("bad descriptor 0x%x: %v", uint64(desc), err))
	}
	p, n := binary.LittleEndian.Uint64(raw[0:8]), binary.LittleEndian.Uint64(raw[8:16])
	if n == 0 {
		return []byte{}
	}
	bz, err := e.Mem.Read(ffi.Ptr(p), n)
	if err != nil {
		panic(fmt.Sprintf("bad buffer 0x%x: %v", p, err))
	}
	return bz
}

func (e *Engine) readRows(desc ffi.Ptr) [][]byte {
	raw, err := e.Mem.Read(desc, ffi.DescriptorSize)
	if err != nil {
		panic(fmt.Sprintf("bad descriptor 0x%x: %v", uint64(desc), err))
	}
	tbl, count := binary.LittleEndian.Uint64(raw[0:8]), binary.LittleEndian.Uint64(raw[8:16])
	rows := make([][]byte, 0, count)
	for i := uint64(0); i < count; i++ {
		rows = append(rows, e.readBuffer(ffi.Ptr(tbl+i*ffi.DescriptorSize)))
	}
	return rows
}

// writeBuffer places b in engine memory the way the engine hands out buffers
// and returns the descriptor plus every allocation made.
func (e *Engine) writeBuffer(b []byte) (ffi.Ptr, []ffi.Ptr) {
	var allocs []ffi.Ptr
	var p ffi.Ptr
	if len(b) > 0 {
		p = e.mustAlloc(uint64(len(b)))
		allocs = append(allocs, p)
		e.mustWrite(p, b)
	}
	desc := e.mustAlloc(ffi.DescriptorSize)
	allocs = append(allocs, desc)
	e.mustWrite(desc, descriptor(p, uint64(len(b))))
	return desc, allocs
}

func (e *Engine) writeRows(rows [][]byte) (ffi.Ptr, []ffi.Ptr) {
	var allocs []ffi.Ptr
	table := make([]byte, 0, len(rows)*ffi.DescriptorSize)
	for _, row := range rows {
		var p ffi.Ptr
		if len(row) > 0 {
			p = e.mustAlloc(uint64(len(row)))
			allocs = append(allocs, p)
			e.mustWrite(p, row)
		}
		table = append(table, descriptor(p, uint64(len(row)))...)
	}
	tbl := e.mustAlloc(uint64(len(table)))
	allocs = append(allocs, tbl)
	e.mustWrite(tbl, table)
	desc := e.mustAlloc(ffi.DescriptorSize)
	allocs = append(allocs, desc)
	e.mustWrite(desc, descriptor(tbl, uint64(len(rows))))
	return desc, allocs
}

func descriptor(p ffi.Ptr, n uint64) []byte {
	out := binary.LittleEndian.AppendUint64(nil, uint64(p))
	return binary.LittleEndian.AppendUint64(out, n)
}

func (e *Engine) mustAlloc(n uint64) ffi.Ptr {
	p, err := e.Mem.Alloc(n)
	if err != nil {
		panic(err)
	}
	return p
}

func (e *Engine) mustWrite(p ffi.Ptr, b []byte) {
	if err := e.Mem.Write(p, b); err != nil {
		panic(err)
	}
}

func (e *Engine) free(allocs []ffi.Ptr) {
	for _, p := range allocs {
		_ = e.Mem.Free(p)
	}
}

func (e *Engine) callbacks() *ffi.Callbacks {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cb == nil {
		panic("no call endpoint created")
	}
	return e.cb
}

// emit hands a payload to a slot and releases it once the slot returned.
func (e *Engine) emit(desc ffi.Ptr, allocs []ffi.Ptr, fire func(ffi.Ptr)) {
	e.mu.Lock()
	e.lastEmit = allocs
	e.mu.Unlock()
	fire(desc)
	e.mu.Lock()
	e.lastEmit = nil
	e.mu.Unlock()
	e.free(allocs)
}

func (e *Engine) EmitStatus(ctx context.Context, callID, peerID uint64, direction, kind int32) {
	e.callbacks().Status(ctx, callID, peerID, direction, kind)
}

func (e *Engine) EmitAnswer(ctx context.Context, opaque []byte) {
	cb := e.callbacks()
	desc, allocs := e.writeBuffer(opaque)
	e.emit(desc, allocs, func(p ffi.Ptr) { cb.Answer(ctx, p) })
}

func (e *Engine) EmitOffer(ctx context.Context, opaque []byte) {
	cb := e.callbacks()
	desc, allocs := e.writeBuffer(opaque)
	e.emit(desc, allocs, func(p ffi.Ptr) { cb.Offer(ctx, p) })
}

// EmitIce fires the ice slot with one candidate.
func (e *Engine) EmitIce(ctx context.Context, candidate []byte) {
	cb := e.callbacks()
	desc, allocs := e.writeBuffer(candidate)
	e.emit(desc, allocs, func(p ffi.Ptr) { cb.Ice(ctx, p) })
}

// EmitIceList fires the ice slot with a row table.
func (e *Engine) EmitIceList(ctx context.Context, candidates [][]byte) {
	cb := e.callbacks()
	desc, allocs := e.writeRows(candidates)
	e.emit(desc, allocs, func(p ffi.Ptr) { cb.Ice(ctx, p) })
}

func (e *Engine) EmitGeneric(ctx context.Context, opcode int32, payload []byte) {
	cb := e.callbacks()
	desc, allocs := e.writeBuffer(payload)
	e.emit(desc, allocs, func(p ffi.Ptr) { cb.Generic(ctx, opcode, p) })
}

// EmitGenericRaw fires the generic slot with an arbitrary descriptor address.
func (e *Engine) EmitGenericRaw(ctx context.Context, opcode int32, desc ffi.Ptr) {
	e.callbacks().Generic(ctx, opcode, desc)
}

func (e *Engine) EmitVideoFrame(ctx context.Context, width, height uint32, data []byte) {
	cb := e.callbacks()
	p := e.mustAlloc(uint64(len(data)))
	e.mustWrite(p, data)
	e.emit(p, []ffi.Ptr{p}, func(p ffi.Ptr) { cb.VideoFrame(ctx, p, width, height, uint64(len(data))) })
}

// Wait blocks until asynchronous call link answers have been delivered.
func (e *Engine) Wait() { e.wg.Wait() }

func (e *Engine) Memory() ffi.Memory { return e.Mem }

func (e *Engine) Close() error {
	e.wg.Wait()
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

func (e *Engine) InitRingRTC(_ context.Context, msg ffi.Ptr) (int64, error) {
	e.record("initRingRTC", string(e.readBuffer(msg)))
	return 1, nil
}

func (e *Engine) GetVersion(context.Context) (int64, error) {
	e.record("getVersion")
	return e.Version, nil
}

func (e *Engine) CreateCallEndpoint(_ context.Context, cb *ffi.Callbacks) (ffi.Handle, error) {
	if !cb.Complete() {
		return 0, fmt.Errorf("incomplete callback table")
	}
	e.record("createCallEndpoint")
	e.mu.Lock()
	e.cb = cb
	e.mu.Unlock()
	if e.OnCreate != nil {
		e.OnCreate(cb)
	}
	return e.Handle, nil
}

func (e *Engine) ReleaseCallEndpoint(_ context.Context, h ffi.Handle) error {
	e.record("releaseCallEndpoint", h)
	return nil
}

func (e *Engine) SetSelfUUID(_ context.Context, h ffi.Handle, id ffi.Ptr) (int64, error) {
	e.record("setSelfUuid", e.readBuffer(id))
	return 1, nil
}

func (e *Engine) ReceivedOffer(_ context.Context, h ffi.Handle, peerID ffi.Ptr, callID uint64, mediaType int32,
	senderDevice, receiverDevice uint32, senderKey, receiverKey, opaque ffi.Ptr, ageSec uint64,
) (int64, error) {
	e.record("receivedOffer", string(e.readBuffer(peerID)), callID, mediaType, senderDevice, receiverDevice,
		e.readBuffer(senderKey), e.readBuffer(receiverKey), e.readBuffer(opaque), ageSec)
	return 1, nil
}

func (e *Engine) ReceivedOpaqueMessage(_ context.Context, h ffi.Handle, sender ffi.Ptr, senderDevice, localDevice uint32,
	opaque ffi.Ptr, ageSec uint64,
) (int64, error) {
	e.record("receivedOpaqueMessage", e.readBuffer(sender), senderDevice, localDevice, e.readBuffer(opaque), ageSec)
	return 1, nil
}

func (e *Engine) ReceivedAnswer(_ context.Context, h ffi.Handle, peerID ffi.Ptr, callID uint64, senderDevice uint32,
	senderKey, receiverKey, opaque ffi.Ptr,
) (int64, error) {
	e.record("receivedAnswer", string(e.readBuffer(peerID)), callID, senderDevice,
		e.readBuffer(senderKey), e.readBuffer(receiverKey), e.readBuffer(opaque))
	return 1, nil
}

func (e *Engine) CreateOutgoingCall(_ context.Context, h ffi.Handle, peerID ffi.Ptr, video bool, localDevice uint32, callID int64) (int64, error) {
	e.record("createOutgoingCall", string(e.readBuffer(peerID)), video, localDevice, callID)
	return 1, nil
}

func (e *Engine) ProceedCall(_ context.Context, h ffi.Handle, callID uint64, bandwidth, audioLevelsMillis int32,
	iceUser, icePwd, hostname, ice ffi.Ptr,
) (int64, error) {
	e.record("proceedCall", callID, bandwidth, audioLevelsMillis, string(e.readBuffer(iceUser)),
		string(e.readBuffer(icePwd)), string(e.readBuffer(hostname)), e.readRows(ice))
	return 1, nil
}

func (e *Engine) ReceivedIce(_ context.Context, h ffi.Handle, callID uint64, senderDevice uint32, ice ffi.Ptr) error {
	e.record("receivedIce", callID, senderDevice, e.readRows(ice))
	return nil
}

func (e *Engine) AcceptCall(_ context.Context, h ffi.Handle, callID uint64) (int64, error) {
	e.record("acceptCall", callID)
	return 1, nil
}

func (e *Engine) IgnoreCall(_ context.Context, h ffi.Handle, callID uint64) (int64, error) {
	e.record("ignoreCall", callID)
	return 1, nil
}

func (e *Engine) HangupCall(_ context.Context, h ffi.Handle) (int64, error) {
	e.record("hangupCall")
	return 1, nil
}

func (e *Engine) SignalMessageSent(_ context.Context, h ffi.Handle, callID uint64) (int64, error) {
	e.record("signalMessageSent", h, callID)
	e.signals.Inc()
	if e.ScribbleOnSignal {
		e.mu.Lock()
		for _, p := range e.lastEmit {
			if n := e.Mem.Limit(p); n > 0 {
				_ = e.Mem.Write(p, make([]byte, n))
			}
		}
		e.mu.Unlock()
	}
	if e.OnSignal != nil {
		e.OnSignal(h, callID)
	}
	return 1, nil
}

func (e *Engine) SetAudioInput(_ context.Context, h ffi.Handle, index uint16) (int64, error) {
	e.record("setAudioInput", index)
	return 1, nil
}

func (e *Engine) SetAudioOutput(_ context.Context, h ffi.Handle, index uint16) (int64, error) {
	e.record("setAudioOutput", index)
	return 1, nil
}

func (e *Engine) SetOutgoingAudioEnabled(_ context.Context, h ffi.Handle, enable bool) (int64, error) {
	e.record("setOutgoingAudioEnabled", enable)
	return 1, nil
}

func (e *Engine) SetOutgoingVideoEnabled(_ context.Context, h ffi.Handle, enable bool) (int64, error) {
	e.record("setOutgoingVideoEnabled", enable)
	return 1, nil
}

func (e *Engine) SendVideoFrame(_ context.Context, h ffi.Handle, width, height uint32, pixelFormat int32, raw ffi.Ptr) (int64, error) {
	e.record("sendVideoFrame", width, height, pixelFormat, e.readBuffer(raw))
	return 1, nil
}

func (e *Engine) FillRemoteVideoFrame(_ context.Context, h ffi.Handle, buf ffi.Ptr, capacity uint64) (int64, error) {
	e.record("fillRemoteVideoFrame", capacity)
	e.mu.Lock()
	if len(e.frames) == 0 {
		e.mu.Unlock()
		return 0, nil
	}
	f := e.frames[0]
	e.frames = e.frames[1:]
	e.mu.Unlock()
	data := f.Data
	if uint64(len(data)) > capacity {
		data = data[:capacity]
	}
	e.mustWrite(buf, data)
	return int64(f.Width)<<16 | int64(f.Height), nil
}

func (e *Engine) PeekGroupCall(_ context.Context, h ffi.Handle, proof, members ffi.Ptr) (int64, error) {
	e.record("peekGroupCall", e.readBuffer(proof), e.readBuffer(members))
	return 1, nil
}

func (e *Engine) ReceivedHTTPResponse(_ context.Context, h ffi.Handle, requestID, status uint32, body ffi.Ptr) (int64, error) {
	e.record("receivedHttpResponse", requestID, status, e.readBuffer(body))
	return 1, nil
}

func (e *Engine) CreateGroupCallClient(_ context.Context, h ffi.Handle, groupID, sfuURL, hkdf ffi.Ptr) (int64, error) {
	e.record("createGroupCallClient", e.readBuffer(groupID), string(e.readBuffer(sfuURL)), e.readBuffer(hkdf))
	return e.ClientID, nil
}

func (e *Engine) SetOutgoingAudioMuted(_ context.Context, h ffi.Handle, clientID uint32, muted bool) (int64, error) {
	e.record("setOutgoingAudioMuted", clientID, muted)
	return 1, nil
}

func (e *Engine) SetOutgoingVideoMuted(_ context.Context, h ffi.Handle, clientID uint32, muted bool) (int64, error) {
	e.record("setOutgoingVideoMuted", clientID, muted)
	return 1, nil
}

func (e *Engine) SetDataMode(_ context.Context, h ffi.Handle, clientID uint32, mode int32) (int64, error) {
	e.record("setDataMode", clientID, mode)
	return 1, nil
}

func (e *Engine) GroupConnect(_ context.Context, h ffi.Handle, clientID uint32) (int64, error) {
	e.record("group_connect", clientID)
	return 1, nil
}

func (e *Engine) Join(_ context.Context, h ffi.Handle, clientID uint32) (int64, error) {
	e.record("join", clientID)
	return 1, nil
}

func (e *Engine) Disconnect(_ context.Context, h ffi.Handle, clientID uint32) (int64, error) {
	e.record("disconnect", clientID)
	return 1, nil
}

func (e *Engine) SetMembershipProof(_ context.Context, h ffi.Handle, clientID uint32, token ffi.Ptr) (int64, error) {
	e.record("setMembershipProof", clientID, e.readBuffer(token))
	return 1, nil
}

func (e *Engine) SetGroupMembers(_ context.Context, h ffi.Handle, clientID uint32, members ffi.Ptr) (int64, error) {
	e.record("setGroupMembers", clientID, e.readBuffer(members))
	return 1, nil
}

func (e *Engine) RequestVideo(_ context.Context, h ffi.Handle, clientID, demuxID uint32) (int64, error) {
	e.record("requestVideo", clientID, demuxID)
	return 1, nil
}

func (e *Engine) ParseCallLinkRootKey(ctx context.Context, url ffi.Ptr, tag uint64, cb ffi.CallLinkCallback) error {
	e.record("parseCallLinkRootKey", string(e.readBuffer(url)), tag)
	if e.CallLinkKey == nil {
		return nil
	}
	key := append([]byte(nil), e.CallLinkKey...)
	delay := e.CallLinkDelay
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if delay > 0 {
			time.Sleep(delay)
		}
		desc, allocs := e.writeBuffer(key)
		cb(context.Background(), tag, desc)
		e.free(allocs)
	}()
	return nil
}
