package api

import (
	"context"
	"runtime/debug"

	"github.com/privacyresearch/tring/internal/ffi"
	"github.com/privacyresearch/tring/types"
)

// recoverPanic keeps a panic in a slot from unwinding into the engine.
func (e *Endpoint) recoverPanic(slot string) {
	if rec := recover(); rec != nil {
		e.log.Error().
			Str("slot", slot).
			Interface("panic", rec).
			Bytes("stack", debug.Stack()).
			Msg("panic in engine callback")
	}
}

// slots builds the callback table. Every slot acknowledges its event exactly
// once, after the payload was copied out and handed over, whatever happened
// in between.
func (e *Endpoint) slots() *ffi.Callbacks {
	return &ffi.Callbacks{
		Status:     e.onStatus,
		Answer:     e.onAnswer,
		Offer:      e.onOffer,
		Ice:        e.onIce,
		Generic:    e.onGeneric,
		VideoFrame: e.onVideoFrame,
	}
}

func (e *Endpoint) onStatus(ctx context.Context, callID, peerID uint64, direction, kind int32) {
	defer e.acks.signal(ctx)
	defer e.recoverPanic("status")

	st := types.CallStatus{CallID: callID, PeerID: peerID, Direction: direction, Type: kind}
	e.log.Debug().Uint64("call_id", callID).Int32("direction", direction).Int32("type", kind).Msg("status")
	e.app.StatusCallback(st)
}

func (e *Endpoint) onAnswer(ctx context.Context, desc ffi.Ptr) {
	defer e.acks.signal(ctx)
	defer e.recoverPanic("answer")

	opaque, err := e.codec.DecodeBuffer(desc)
	if err != nil {
		e.log.Error().Err(err).Msg("could not decode answer")
		return
	}
	e.app.AnswerCallback(opaque)
}

func (e *Endpoint) onOffer(ctx context.Context, desc ffi.Ptr) {
	defer e.acks.signal(ctx)
	defer e.recoverPanic("offer")

	opaque, err := e.codec.DecodeBuffer(desc)
	if err != nil {
		e.log.Error().Err(err).Msg("could not decode offer")
		return
	}
	e.app.OfferCallback(opaque)
}

func (e *Endpoint) onIce(ctx context.Context, desc ffi.Ptr) {
	defer e.acks.signal(ctx)
	defer e.recoverPanic("ice")

	var candidates [][]byte
	if e.opts.IceForm == types.IceFormList {
		rows, err := e.codec.DecodeBuffer2D(desc)
		if err != nil {
			e.log.Error().Err(err).Msg("could not decode ice candidates")
			return
		}
		candidates = rows
	} else {
		row, err := e.codec.DecodeBuffer(desc)
		if err != nil {
			e.log.Error().Err(err).Msg("could not decode ice candidate")
			return
		}
		candidates = [][]byte{row}
	}
	e.app.IceUpdateCallback(candidates)
}

func (e *Endpoint) onGeneric(ctx context.Context, opcode int32, desc ffi.Ptr) {
	defer e.acks.signal(ctx)
	defer e.recoverPanic("generic")

	payload, err := e.codec.DecodeBuffer(desc)
	if err != nil {
		e.log.Error().Err(err).Int32("opcode", opcode).Msg("could not read generic event")
		return
	}
	ev, err := DecodeEvent(opcode, payload)
	if err != nil {
		e.log.Error().Err(err).Int32("opcode", opcode).Msg("could not decode generic event")
		if id, ok := httpRequestID(payload); ok && opcode == types.OpHTTPRequest {
			e.submit("http relay", func(ctx context.Context) error {
				e.relay.reject(ctx, id, err)
				return nil
			})
		}
		return
	}
	e.handleEvent(ev)
}

func (e *Endpoint) onVideoFrame(ctx context.Context, data ffi.Ptr, width, height uint32, size uint64) {
	defer e.acks.signal(ctx)
	defer e.recoverPanic("video")

	raw, err := e.codec.DecodeRaw(data, size)
	if err != nil {
		e.log.Error().Err(err).Uint32("width", width).Uint32("height", height).Msg("could not copy video frame")
		return
	}
	e.frames.Push(types.Frame{Width: width, Height: height, PixelFormat: types.PixelRGBA, Data: raw})
}

// onCallLink receives parse results. It is not an endpoint slot and is not acknowledged.
func (e *Endpoint) onCallLink(_ context.Context, tag uint64, result ffi.Ptr) {
	defer e.recoverPanic("calllink")

	key, err := e.codec.DecodeBuffer(result)
	if err != nil {
		e.log.Error().Err(err).Uint64("context", tag).Msg("could not decode call link key")
		key = nil
	}
	if !e.links.deliver(tag, key) {
		e.log.Debug().Uint64("context", tag).Msg("discarding late call link result")
	}
}

// handleEvent routes a generic event. Anything that calls back into the engine
// goes through the executor.
func (e *Endpoint) handleEvent(ev types.Event) {
	switch ev := ev.(type) {
	case types.RingUpdate:
		e.session.setLocalGroupID(ev.GroupID)
		e.app.GroupCallUpdateRing(ev.GroupID, ev.RingID, ev.Sender, ev.Status)

	case types.ConnectionStateChange:
		e.app.ConnectionStateChanged(ev.ClientID, ev.State)

	case types.MembershipProofRequest:
		e.submit("setMembershipProof", func(ctx context.Context) error {
			token := e.app.RequestGroupMembershipToken(e.session.localGroupID())
			return e.setMembershipProof(ctx, ev.ClientID, token)
		})

	case types.GroupMembersRequest:
		members := e.app.RequestGroupMemberInfo(e.session.localGroupID())
		e.submit("setGroupMembers", func(ctx context.Context) error {
			return e.setGroupMembers(ctx, ev.ClientID, members)
		})

	case types.SendCallMessageRequest:
		e.app.SendOpaqueCallMessage(ev.Recipient, ev.Message, 0)

	case types.PeekChanged:
		if err := e.peeks.PutClient(ev.ClientID, ev.Info); err != nil {
			e.log.Error().Err(err).Int32("client_id", ev.ClientID).Msg("could not store peek info")
		}

	case types.PeekResult:
		if err := e.peeks.PutRequest(ev.RequestID, ev.Info); err != nil {
			e.log.Error().Err(err).Uint32("request_id", ev.RequestID).Msg("could not store peek result")
		}
		e.app.ReceivedGroupCallPeekForRingingCheck(ev.Info)

	case types.RemoteDevicesChanged:
		ids := ev.DemuxIDs
		e.submit("requestVideo", func(ctx context.Context) error {
			for _, id := range ids {
				if _, err := e.engine.RequestVideo(ctx, e.handle(), uint32(ev.ClientID), id); err != nil {
					return err
				}
			}
			return nil
		})
		e.app.UpdateRemoteDevices(ids)

	case types.HTTPRequest:
		e.submit("http relay", func(ctx context.Context) error {
			e.relay.serve(ctx, ev)
			return nil
		})

	default:
		e.log.Warn().Int32("opcode", ev.Opcode()).Msg("unhandled generic event")
	}
}

// submit runs task on the executor with the endpoint context, which is not
// tied to any callback, so the engine sees an ordinary outer call. Close
// cancels that context.
func (e *Endpoint) submit(name string, task func(ctx context.Context) error) {
	ok := e.exec.Submit(func() {
		if err := task(e.ctx); err != nil {
			e.log.Error().Err(err).Str("task", name).Msg("deferred engine call failed")
		}
	})
	if !ok {
		e.log.Warn().Str("task", name).Msg("endpoint closed, dropping deferred engine call")
	}
}
