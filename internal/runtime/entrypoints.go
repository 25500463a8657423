package runtime

import (
	"context"
	"fmt"
	"math"

	"github.com/tetratelabs/wazero/api"

	"github.com/privacyresearch/tring/internal/ffi"
)

func handle(h ffi.Handle) uint64 { return api.EncodeI64(int64(h)) }

// ptr narrows an engine pointer to a guest offset. Pointers always come from
// the guest's memory manager, so they fit.
func ptr(p ffi.Ptr) uint64 { return api.EncodeU32(uint32(p)) }

func flag(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func (e *Engine) InitRingRTC(ctx context.Context, msg ffi.Ptr) (int64, error) {
	return e.callResult(ctx, "initRingRTC", ptr(msg))
}

func (e *Engine) GetVersion(ctx context.Context) (int64, error) {
	return e.callResult(ctx, "getVersion")
}

// CreateCallEndpoint binds cb to the host module slots. The guest imports the
// slots, so no function pointers cross.
func (e *Engine) CreateCallEndpoint(ctx context.Context, cb *ffi.Callbacks) (ffi.Handle, error) {
	if !cb.Complete() {
		return 0, fmt.Errorf("callback table is incomplete")
	}
	e.callbacks.Store(cb)
	h, err := e.callResult(ctx, "createCallEndpoint")
	return ffi.Handle(h), err
}

func (e *Engine) ReleaseCallEndpoint(ctx context.Context, h ffi.Handle) error {
	_, err := e.call(ctx, "releaseCallEndpoint", handle(h))
	return err
}

func (e *Engine) SetSelfUUID(ctx context.Context, h ffi.Handle, uuid ffi.Ptr) (int64, error) {
	return e.callResult(ctx, "setSelfUuid", handle(h), ptr(uuid))
}

func (e *Engine) ReceivedOffer(ctx context.Context, h ffi.Handle, peerID ffi.Ptr, callID uint64, mediaType int32,
	senderDevice, receiverDevice uint32, senderKey, receiverKey, opaque ffi.Ptr, ageSec uint64,
) (int64, error) {
	return e.callResult(ctx, "receivedOffer", handle(h), ptr(peerID), callID, api.EncodeI32(mediaType),
		api.EncodeU32(senderDevice), api.EncodeU32(receiverDevice), ptr(senderKey), ptr(receiverKey), ptr(opaque), ageSec)
}

func (e *Engine) ReceivedOpaqueMessage(ctx context.Context, h ffi.Handle, sender ffi.Ptr, senderDevice, localDevice uint32,
	opaque ffi.Ptr, ageSec uint64,
) (int64, error) {
	return e.callResult(ctx, "receivedOpaqueMessage", handle(h), ptr(sender), api.EncodeU32(senderDevice),
		api.EncodeU32(localDevice), ptr(opaque), ageSec)
}

func (e *Engine) ReceivedAnswer(ctx context.Context, h ffi.Handle, peerID ffi.Ptr, callID uint64, senderDevice uint32,
	senderKey, receiverKey, opaque ffi.Ptr,
) (int64, error) {
	return e.callResult(ctx, "receivedAnswer", handle(h), ptr(peerID), callID, api.EncodeU32(senderDevice),
		ptr(senderKey), ptr(receiverKey), ptr(opaque))
}

func (e *Engine) CreateOutgoingCall(ctx context.Context, h ffi.Handle, peerID ffi.Ptr, video bool, localDevice uint32, callID int64) (int64, error) {
	return e.callResult(ctx, "createOutgoingCall", handle(h), ptr(peerID), flag(video), api.EncodeU32(localDevice), api.EncodeI64(callID))
}

func (e *Engine) ProceedCall(ctx context.Context, h ffi.Handle, callID uint64, bandwidth, audioLevelsMillis int32,
	iceUser, icePwd, hostname, ice ffi.Ptr,
) (int64, error) {
	return e.callResult(ctx, "proceedCall", handle(h), callID, api.EncodeI32(bandwidth), api.EncodeI32(audioLevelsMillis),
		ptr(iceUser), ptr(icePwd), ptr(hostname), ptr(ice))
}

func (e *Engine) ReceivedIce(ctx context.Context, h ffi.Handle, callID uint64, senderDevice uint32, ice ffi.Ptr) error {
	_, err := e.call(ctx, "receivedIce", handle(h), callID, api.EncodeU32(senderDevice), ptr(ice))
	return err
}

func (e *Engine) AcceptCall(ctx context.Context, h ffi.Handle, callID uint64) (int64, error) {
	return e.callResult(ctx, "acceptCall", handle(h), callID)
}

func (e *Engine) IgnoreCall(ctx context.Context, h ffi.Handle, callID uint64) (int64, error) {
	return e.callResult(ctx, "ignoreCall", handle(h), callID)
}

func (e *Engine) HangupCall(ctx context.Context, h ffi.Handle) (int64, error) {
	return e.callResult(ctx, "hangupCall", handle(h))
}

func (e *Engine) SignalMessageSent(ctx context.Context, h ffi.Handle, callID uint64) (int64, error) {
	return e.callResult(ctx, "signalMessageSent", handle(h), callID)
}

func (e *Engine) SetAudioInput(ctx context.Context, h ffi.Handle, index uint16) (int64, error) {
	return e.callResult(ctx, "setAudioInput", handle(h), api.EncodeU32(uint32(index)))
}

func (e *Engine) SetAudioOutput(ctx context.Context, h ffi.Handle, index uint16) (int64, error) {
	return e.callResult(ctx, "setAudioOutput", handle(h), api.EncodeU32(uint32(index)))
}

func (e *Engine) SetOutgoingAudioEnabled(ctx context.Context, h ffi.Handle, enable bool) (int64, error) {
	return e.callResult(ctx, "setOutgoingAudioEnabled", handle(h), flag(enable))
}

func (e *Engine) SetOutgoingVideoEnabled(ctx context.Context, h ffi.Handle, enable bool) (int64, error) {
	return e.callResult(ctx, "setOutgoingVideoEnabled", handle(h), flag(enable))
}

func (e *Engine) SendVideoFrame(ctx context.Context, h ffi.Handle, width, height uint32, pixelFormat int32, raw ffi.Ptr) (int64, error) {
	return e.callResult(ctx, "sendVideoFrame", handle(h), api.EncodeU32(width), api.EncodeU32(height),
		api.EncodeI32(pixelFormat), ptr(raw))
}

func (e *Engine) FillRemoteVideoFrame(ctx context.Context, h ffi.Handle, buf ffi.Ptr, capacity uint64) (int64, error) {
	if capacity > math.MaxUint32 {
		capacity = math.MaxUint32
	}
	return e.callResult(ctx, "fillRemoteVideoFrame", handle(h), ptr(buf), capacity)
}

func (e *Engine) PeekGroupCall(ctx context.Context, h ffi.Handle, proof, members ffi.Ptr) (int64, error) {
	return e.callResult(ctx, "peekGroupCall", handle(h), ptr(proof), ptr(members))
}

func (e *Engine) ReceivedHTTPResponse(ctx context.Context, h ffi.Handle, requestID, status uint32, body ffi.Ptr) (int64, error) {
	return e.callResult(ctx, "receivedHttpResponse", handle(h), api.EncodeU32(requestID), api.EncodeU32(status), ptr(body))
}

func (e *Engine) CreateGroupCallClient(ctx context.Context, h ffi.Handle, groupID, sfuURL, hkdf ffi.Ptr) (int64, error) {
	return e.callResult(ctx, "createGroupCallClient", handle(h), ptr(groupID), ptr(sfuURL), ptr(hkdf))
}

func (e *Engine) SetOutgoingAudioMuted(ctx context.Context, h ffi.Handle, clientID uint32, muted bool) (int64, error) {
	return e.callResult(ctx, "setOutgoingAudioMuted", handle(h), api.EncodeU32(clientID), flag(muted))
}

func (e *Engine) SetOutgoingVideoMuted(ctx context.Context, h ffi.Handle, clientID uint32, muted bool) (int64, error) {
	return e.callResult(ctx, "setOutgoingVideoMuted", handle(h), api.EncodeU32(clientID), flag(muted))
}

func (e *Engine) SetDataMode(ctx context.Context, h ffi.Handle, clientID uint32, mode int32) (int64, error) {
	return e.callResult(ctx, "setDataMode", handle(h), api.EncodeU32(clientID), api.EncodeI32(mode))
}

func (e *Engine) GroupConnect(ctx context.Context, h ffi.Handle, clientID uint32) (int64, error) {
	return e.callResult(ctx, "group_connect", handle(h), api.EncodeU32(clientID))
}

func (e *Engine) Join(ctx context.Context, h ffi.Handle, clientID uint32) (int64, error) {
	return e.callResult(ctx, "join", handle(h), api.EncodeU32(clientID))
}

func (e *Engine) Disconnect(ctx context.Context, h ffi.Handle, clientID uint32) (int64, error) {
	return e.callResult(ctx, "disconnect", handle(h), api.EncodeU32(clientID))
}

func (e *Engine) SetMembershipProof(ctx context.Context, h ffi.Handle, clientID uint32, token ffi.Ptr) (int64, error) {
	return e.callResult(ctx, "setMembershipProof", handle(h), api.EncodeU32(clientID), ptr(token))
}

func (e *Engine) SetGroupMembers(ctx context.Context, h ffi.Handle, clientID uint32, members ffi.Ptr) (int64, error) {
	return e.callResult(ctx, "setGroupMembers", handle(h), api.EncodeU32(clientID), ptr(members))
}

func (e *Engine) RequestVideo(ctx context.Context, h ffi.Handle, clientID, demuxID uint32) (int64, error) {
	return e.callResult(ctx, "requestVideo", handle(h), api.EncodeU32(clientID), api.EncodeU32(demuxID))
}

// ParseCallLinkRootKey binds cb to the on_call_link slot and starts the parse.
// The guest may answer during the call or from a later one.
func (e *Engine) ParseCallLinkRootKey(ctx context.Context, url ffi.Ptr, tag uint64, cb ffi.CallLinkCallback) error {
	e.callLink.Store(&cb)
	_, err := e.call(ctx, "rtc_calllinks_CallLinkRootKey_parse", ptr(url), tag)
	return err
}
