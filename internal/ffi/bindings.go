package ffi

import (
	"context"
	"fmt"

	"github.com/ebitengine/purego"
	"go.uber.org/atomic"
)

// Library is an Engine served by the native engine shared library, loaded at
// run time without cgo. Every variable below is a Go function pointer whose
// calling convention matches the exported C function (see tring.h).
type Library struct {
	handle uintptr
	path   string
	mem    *CMemory

	callbacks atomic.Pointer[Callbacks]
	callLink  atomic.Pointer[CallLinkCallback]
	// C function pointers for the slots, created once per library
	slots  [6]uintptr
	linkCb uintptr

	initRingRTC             func(msg uintptr) int64
	getVersion              func() int64
	createCallEndpoint      func(status, answer, offer, ice, generic, video uintptr) int64
	releaseCallEndpoint     func(endpoint int64)
	setSelfUuid             func(endpoint int64, uuid uintptr) int64
	receivedOffer           func(endpoint int64, peerID uintptr, callID uint64, offerType int32, senderDevice, receiverDevice uint32, senderKey, receiverKey, opaque uintptr, ageSec uint64) int64
	receivedOpaqueMessage   func(endpoint int64, sender uintptr, senderDevice, localDevice uint32, opaque uintptr, ageSec uint64) int64
	receivedAnswer          func(endpoint int64, peerID uintptr, callID uint64, senderDevice uint32, senderKey, receiverKey, opaque uintptr) int64
	createOutgoingCall      func(endpoint int64, peerID uintptr, video bool, localDevice uint32, callID int64) int64
	proceedCall             func(endpoint int64, callID uint64, bandwidth, audioLevels int32, iceUser, icePwd, hostname, ice uintptr) int64
	receivedIce             func(endpoint int64, callID uint64, senderDevice uint32, ice uintptr)
	acceptCall              func(endpoint int64, callID uint64) int64
	ignoreCall              func(endpoint int64, callID uint64) int64
	hangupCall              func(endpoint int64) int64
	signalMessageSent       func(endpoint int64, callID uint64) int64
	setAudioInput           func(endpoint int64, index uint16) int64
	setAudioOutput          func(endpoint int64, index uint16) int64
	setOutgoingAudioEnabled func(endpoint int64, enable bool) int64
	setOutgoingVideoEnabled func(endpoint int64, enable bool) int64
	sendVideoFrame          func(endpoint int64, width, height uint32, pixelFormat int32, raw uintptr) int64
	fillRemoteVideoFrame    func(endpoint int64, buf uintptr, capacity uintptr) int64
	peekGroupCall           func(endpoint int64, proof, members uintptr) int64
	receivedHttpResponse    func(endpoint int64, requestID, status uint32, body uintptr) int64
	createGroupCallClient   func(endpoint int64, groupID, sfuURL, hkdf uintptr) int64
	setOutgoingAudioMuted   func(endpoint int64, clientID uint32, muted bool) int64
	setOutgoingVideoMuted   func(endpoint int64, clientID uint32, muted bool) int64
	setDataMode             func(endpoint int64, clientID uint32, mode int32) int64
	groupConnect            func(endpoint int64, clientID uint32) int64
	join                    func(endpoint int64, clientID uint32) int64
	disconnect              func(endpoint int64, clientID uint32) int64
	setMembershipProof      func(endpoint int64, clientID uint32, token uintptr) int64
	setGroupMembers         func(endpoint int64, clientID uint32, members uintptr) int64
	requestVideo            func(endpoint int64, clientID, demuxID uint32) int64
	callLinkParse           func(url, context, callback uintptr)
}

var _ Engine = (*Library)(nil)

// LoadLibrary opens the engine library at path and registers every entry point.
func LoadLibrary(path string) (lib *Library, err error) {
	mem, err := NewCMemory()
	if err != nil {
		return nil, err
	}
	h, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return nil, fmt.Errorf("could not open engine library %s: %w", path, err)
	}
	// RegisterLibFunc panics on a missing symbol
	defer func() {
		if rec := recover(); rec != nil {
			purego.Dlclose(h)
			lib, err = nil, fmt.Errorf("engine library %s: %v", path, rec)
		}
	}()

	l := &Library{handle: h, path: path, mem: mem}
	purego.RegisterLibFunc(&l.initRingRTC, h, "initRingRTC")
	purego.RegisterLibFunc(&l.getVersion, h, "getVersion")
	purego.RegisterLibFunc(&l.createCallEndpoint, h, "createCallEndpoint")
	purego.RegisterLibFunc(&l.releaseCallEndpoint, h, "releaseCallEndpoint")
	purego.RegisterLibFunc(&l.setSelfUuid, h, "setSelfUuid")
	purego.RegisterLibFunc(&l.receivedOffer, h, "receivedOffer")
	purego.RegisterLibFunc(&l.receivedOpaqueMessage, h, "receivedOpaqueMessage")
	purego.RegisterLibFunc(&l.receivedAnswer, h, "receivedAnswer")
	purego.RegisterLibFunc(&l.createOutgoingCall, h, "createOutgoingCall")
	purego.RegisterLibFunc(&l.proceedCall, h, "proceedCall")
	purego.RegisterLibFunc(&l.receivedIce, h, "receivedIce")
	purego.RegisterLibFunc(&l.acceptCall, h, "acceptCall")
	purego.RegisterLibFunc(&l.ignoreCall, h, "ignoreCall")
	purego.RegisterLibFunc(&l.hangupCall, h, "hangupCall")
	purego.RegisterLibFunc(&l.signalMessageSent, h, "signalMessageSent")
	purego.RegisterLibFunc(&l.setAudioInput, h, "setAudioInput")
	purego.RegisterLibFunc(&l.setAudioOutput, h, "setAudioOutput")
	purego.RegisterLibFunc(&l.setOutgoingAudioEnabled, h, "setOutgoingAudioEnabled")
	purego.RegisterLibFunc(&l.setOutgoingVideoEnabled, h, "setOutgoingVideoEnabled")
	purego.RegisterLibFunc(&l.sendVideoFrame, h, "sendVideoFrame")
	purego.RegisterLibFunc(&l.fillRemoteVideoFrame, h, "fillRemoteVideoFrame")
	purego.RegisterLibFunc(&l.peekGroupCall, h, "peekGroupCall")
	purego.RegisterLibFunc(&l.receivedHttpResponse, h, "receivedHttpResponse")
	purego.RegisterLibFunc(&l.createGroupCallClient, h, "createGroupCallClient")
	purego.RegisterLibFunc(&l.setOutgoingAudioMuted, h, "setOutgoingAudioMuted")
	purego.RegisterLibFunc(&l.setOutgoingVideoMuted, h, "setOutgoingVideoMuted")
	purego.RegisterLibFunc(&l.setDataMode, h, "setDataMode")
	purego.RegisterLibFunc(&l.groupConnect, h, "group_connect")
	purego.RegisterLibFunc(&l.join, h, "join")
	purego.RegisterLibFunc(&l.disconnect, h, "disconnect")
	purego.RegisterLibFunc(&l.setMembershipProof, h, "setMembershipProof")
	purego.RegisterLibFunc(&l.setGroupMembers, h, "setGroupMembers")
	purego.RegisterLibFunc(&l.requestVideo, h, "requestVideo")
	purego.RegisterLibFunc(&l.callLinkParse, h, "rtc_calllinks_CallLinkRootKey_parse")
	l.buildSlots()
	return l, nil
}

// buildSlots creates the C entry points for the callback slots. Their number
// is limited per process, so they are created once and dispatch to whatever
// Callbacks table is currently bound.
func (l *Library) buildSlots() {
	l.slots[0] = purego.NewCallback(func(callID, peerID, direction, kind uintptr) uintptr {
		if cb := l.callbacks.Load(); cb != nil {
			cb.Status(context.Background(), uint64(callID), uint64(peerID), int32(direction), int32(kind))
		}
		return 0
	})
	l.slots[1] = purego.NewCallback(func(desc uintptr) uintptr {
		if cb := l.callbacks.Load(); cb != nil {
			cb.Answer(context.Background(), Ptr(desc))
		}
		return 0
	})
	l.slots[2] = purego.NewCallback(func(desc uintptr) uintptr {
		if cb := l.callbacks.Load(); cb != nil {
			cb.Offer(context.Background(), Ptr(desc))
		}
		return 0
	})
	l.slots[3] = purego.NewCallback(func(desc uintptr) uintptr {
		if cb := l.callbacks.Load(); cb != nil {
			cb.Ice(context.Background(), Ptr(desc))
		}
		return 0
	})
	l.slots[4] = purego.NewCallback(func(opcode, desc uintptr) uintptr {
		if cb := l.callbacks.Load(); cb != nil {
			cb.Generic(context.Background(), int32(opcode), Ptr(desc))
		}
		return 0
	})
	l.slots[5] = purego.NewCallback(func(data, width, height, size uintptr) uintptr {
		if cb := l.callbacks.Load(); cb != nil {
			cb.VideoFrame(context.Background(), Ptr(data), uint32(width), uint32(height), uint64(size))
		}
		return 0
	})
	l.linkCb = purego.NewCallback(func(tag, result uintptr) uintptr {
		if cb := l.callLink.Load(); cb != nil {
			(*cb)(context.Background(), uint64(tag), Ptr(result))
		}
		return 0
	})
}

func (l *Library) Memory() Memory { return l.mem }

func (l *Library) Close() error {
	l.callbacks.Store(nil)
	l.callLink.Store(nil)
	return purego.Dlclose(l.handle)
}

func (l *Library) InitRingRTC(_ context.Context, msg Ptr) (int64, error) {
	return l.initRingRTC(uintptr(msg)), nil
}

func (l *Library) GetVersion(context.Context) (int64, error) {
	return l.getVersion(), nil
}

func (l *Library) CreateCallEndpoint(_ context.Context, cb *Callbacks) (Handle, error) {
	if !cb.Complete() {
		return 0, fmt.Errorf("callback table is incomplete")
	}
	// slots must be bound before the engine can fire them
	l.callbacks.Store(cb)
	h := l.createCallEndpoint(l.slots[0], l.slots[1], l.slots[2], l.slots[3], l.slots[4], l.slots[5])
	return Handle(h), nil
}

func (l *Library) ReleaseCallEndpoint(_ context.Context, h Handle) error {
	l.releaseCallEndpoint(int64(h))
	return nil
}

func (l *Library) SetSelfUUID(_ context.Context, h Handle, uuid Ptr) (int64, error) {
	return l.setSelfUuid(int64(h), uintptr(uuid)), nil
}

func (l *Library) ReceivedOffer(_ context.Context, h Handle, peerID Ptr, callID uint64, mediaType int32,
	senderDevice, receiverDevice uint32, senderKey, receiverKey, opaque Ptr, ageSec uint64,
) (int64, error) {
	return l.receivedOffer(int64(h), uintptr(peerID), callID, mediaType, senderDevice, receiverDevice,
		uintptr(senderKey), uintptr(receiverKey), uintptr(opaque), ageSec), nil
}

func (l *Library) ReceivedOpaqueMessage(_ context.Context, h Handle, sender Ptr, senderDevice, localDevice uint32,
	opaque Ptr, ageSec uint64,
) (int64, error) {
	return l.receivedOpaqueMessage(int64(h), uintptr(sender), senderDevice, localDevice, uintptr(opaque), ageSec), nil
}

func (l *Library) ReceivedAnswer(_ context.Context, h Handle, peerID Ptr, callID uint64, senderDevice uint32,
	senderKey, receiverKey, opaque Ptr,
) (int64, error) {
	return l.receivedAnswer(int64(h), uintptr(peerID), callID, senderDevice,
		uintptr(senderKey), uintptr(receiverKey), uintptr(opaque)), nil
}

func (l *Library) CreateOutgoingCall(_ context.Context, h Handle, peerID Ptr, video bool, localDevice uint32, callID int64) (int64, error) {
	return l.createOutgoingCall(int64(h), uintptr(peerID), video, localDevice, callID), nil
}

func (l *Library) ProceedCall(_ context.Context, h Handle, callID uint64, bandwidth, audioLevelsMillis int32,
	iceUser, icePwd, hostname, ice Ptr,
) (int64, error) {
	return l.proceedCall(int64(h), callID, bandwidth, audioLevelsMillis,
		uintptr(iceUser), uintptr(icePwd), uintptr(hostname), uintptr(ice)), nil
}

func (l *Library) ReceivedIce(_ context.Context, h Handle, callID uint64, senderDevice uint32, ice Ptr) error {
	l.receivedIce(int64(h), callID, senderDevice, uintptr(ice))
	return nil
}

func (l *Library) AcceptCall(_ context.Context, h Handle, callID uint64) (int64, error) {
	return l.acceptCall(int64(h), callID), nil
}

func (l *Library) IgnoreCall(_ context.Context, h Handle, callID uint64) (int64, error) {
	return l.ignoreCall(int64(h), callID), nil
}

func (l *Library) HangupCall(_ context.Context, h Handle) (int64, error) {
	return l.hangupCall(int64(h)), nil
}

func (l *Library) SignalMessageSent(_ context.Context, h Handle, callID uint64) (int64, error) {
	return l.signalMessageSent(int64(h), callID), nil
}

func (l *Library) SetAudioInput(_ context.Context, h Handle, index uint16) (int64, error) {
	return l.setAudioInput(int64(h), index), nil
}

func (l *Library) SetAudioOutput(_ context.Context, h Handle, index uint16) (int64, error) {
	return l.setAudioOutput(int64(h), index), nil
}

func (l *Library) SetOutgoingAudioEnabled(_ context.Context, h Handle, enable bool) (int64, error) {
	return l.setOutgoingAudioEnabled(int64(h), enable), nil
}

func (l *Library) SetOutgoingVideoEnabled(_ context.Context, h Handle, enable bool) (int64, error) {
	return l.setOutgoingVideoEnabled(int64(h), enable), nil
}

func (l *Library) SendVideoFrame(_ context.Context, h Handle, width, height uint32, pixelFormat int32, raw Ptr) (int64, error) {
	return l.sendVideoFrame(int64(h), width, height, pixelFormat, uintptr(raw)), nil
}

func (l *Library) FillRemoteVideoFrame(_ context.Context, h Handle, buf Ptr, capacity uint64) (int64, error) {
	return l.fillRemoteVideoFrame(int64(h), uintptr(buf), uintptr(capacity)), nil
}

func (l *Library) PeekGroupCall(_ context.Context, h Handle, proof, members Ptr) (int64, error) {
	return l.peekGroupCall(int64(h), uintptr(proof), uintptr(members)), nil
}

func (l *Library) ReceivedHTTPResponse(_ context.Context, h Handle, requestID, status uint32, body Ptr) (int64, error) {
	return l.receivedHttpResponse(int64(h), requestID, status, uintptr(body)), nil
}

func (l *Library) CreateGroupCallClient(_ context.Context, h Handle, groupID, sfuURL, hkdf Ptr) (int64, error) {
	return l.createGroupCallClient(int64(h), uintptr(groupID), uintptr(sfuURL), uintptr(hkdf)), nil
}

func (l *Library) SetOutgoingAudioMuted(_ context.Context, h Handle, clientID uint32, muted bool) (int64, error) {
	return l.setOutgoingAudioMuted(int64(h), clientID, muted), nil
}

func (l *Library) SetOutgoingVideoMuted(_ context.Context, h Handle, clientID uint32, muted bool) (int64, error) {
	return l.setOutgoingVideoMuted(int64(h), clientID, muted), nil
}

func (l *Library) SetDataMode(_ context.Context, h Handle, clientID uint32, mode int32) (int64, error) {
	return l.setDataMode(int64(h), clientID, mode), nil
}

func (l *Library) GroupConnect(_ context.Context, h Handle, clientID uint32) (int64, error) {
	return l.groupConnect(int64(h), clientID), nil
}

func (l *Library) Join(_ context.Context, h Handle, clientID uint32) (int64, error) {
	return l.join(int64(h), clientID), nil
}

func (l *Library) Disconnect(_ context.Context, h Handle, clientID uint32) (int64, error) {
	return l.disconnect(int64(h), clientID), nil
}

func (l *Library) SetMembershipProof(_ context.Context, h Handle, clientID uint32, token Ptr) (int64, error) {
	return l.setMembershipProof(int64(h), clientID, uintptr(token)), nil
}

func (l *Library) SetGroupMembers(_ context.Context, h Handle, clientID uint32, members Ptr) (int64, error) {
	return l.setGroupMembers(int64(h), clientID, uintptr(members)), nil
}

func (l *Library) RequestVideo(_ context.Context, h Handle, clientID, demuxID uint32) (int64, error) {
	return l.requestVideo(int64(h), clientID, demuxID), nil
}

func (l *Library) ParseCallLinkRootKey(_ context.Context, url Ptr, tag uint64, cb CallLinkCallback) error {
	l.callLink.Store(&cb)
	l.callLinkParse(uintptr(url), uintptr(tag), l.linkCb)
	return nil
}
