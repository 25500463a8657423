package api

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/privacyresearch/tring/types"
)

// payloadOrder is the byte order of generic event payloads, header blocks and
// body prefixes.
var payloadOrder = binary.BigEndian

// reader walks a generic event payload. The first failed read sticks.
type reader struct {
	op  string
	buf []byte
	off int
	err error
}

func newReader(op string, buf []byte) *reader {
	return &reader{op: op, buf: buf}
}

func (r *reader) take(n uint64) []byte {
	if r.err != nil {
		return nil
	}
	if n > uint64(len(r.buf)-r.off) {
		r.err = types.EncodingError{
			Op:  r.op,
			Msg: fmt.Sprintf("need %d bytes at offset %d, payload has %d", n, r.off, len(r.buf)),
		}
		return nil
	}
	out := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return out
}

func (r *reader) u8() byte {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.take(4); b != nil {
		return payloadOrder.Uint32(b)
	}
	return 0
}

func (r *reader) i32() int32 { return int32(r.u32()) }

func (r *reader) u64() uint64 {
	if b := r.take(8); b != nil {
		return payloadOrder.Uint64(b)
	}
	return 0
}

// bytes copies n bytes out of the payload.
func (r *reader) bytes(n uint64) []byte {
	b := r.take(n)
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}

func (r *reader) uuid() uuid.UUID {
	var id uuid.UUID
	copy(id[:], r.take(16))
	return id
}

func (r *reader) remaining() int { return len(r.buf) - r.off }

// done fails when bytes are left over.
func (r *reader) done() error {
	if r.err == nil && r.remaining() != 0 {
		r.err = types.EncodingError{Op: r.op, Msg: fmt.Sprintf("%d trailing bytes", r.remaining())}
	}
	return r.err
}

// DecodeEvent turns one generic channel payload into its typed event.
func DecodeEvent(opcode int32, payload []byte) (types.Event, error) {
	switch opcode {
	case types.OpRingUpdate:
		return decodeRingUpdate(payload)
	case types.OpConnectionStateChange:
		r := newReader("connection state change", payload)
		ev := types.ConnectionStateChange{ClientID: r.i32(), State: r.i32()}
		return ev, r.done()
	case types.OpMembershipProof:
		r := newReader("membership proof request", payload)
		ev := types.MembershipProofRequest{ClientID: r.i32()}
		return ev, r.done()
	case types.OpGroupMembers:
		r := newReader("group members request", payload)
		ev := types.GroupMembersRequest{ClientID: r.i32()}
		return ev, r.done()
	case types.OpSendCallMessage:
		r := newReader("send call message", payload)
		ev := types.SendCallMessageRequest{Recipient: r.uuid()}
		ev.Message = r.bytes(uint64(r.u32()))
		return ev, r.done()
	case types.OpPeekChanged:
		r := newReader("peek changed", payload)
		ev := types.PeekChanged{ClientID: r.i32(), Info: readPeekInfo(r)}
		return ev, r.done()
	case types.OpPeekResult:
		r := newReader("peek result", payload)
		ev := types.PeekResult{RequestID: r.u32(), Info: readPeekInfo(r)}
		return ev, r.done()
	case types.OpRemoteDevicesChanged:
		return decodeRemoteDevices(payload)
	case types.OpHTTPRequest:
		return DecodeHTTPRequest(payload)
	default:
		return nil, types.EncodingError{Op: "generic event", Msg: fmt.Sprintf("unknown opcode %d", opcode)}
	}
}

// decodeRingUpdate: the sender takes whatever sits between the ring id and
// the trailing status byte.
func decodeRingUpdate(payload []byte) (types.Event, error) {
	r := newReader("ring update", payload)
	ev := types.RingUpdate{}
	ev.GroupID = r.bytes(uint64(r.u32()))
	ev.RingID = int64(r.u64())
	if r.err == nil && r.remaining() < 1 {
		return nil, types.EncodingError{Op: r.op, Msg: "missing status byte"}
	}
	ev.Sender = r.bytes(uint64(r.remaining() - 1))
	ev.Status = r.u8()
	return ev, r.done()
}

func decodeRemoteDevices(payload []byte) (types.Event, error) {
	r := newReader("remote devices changed", payload)
	ev := types.RemoteDevicesChanged{ClientID: r.i32()}
	count := r.u32()
	if r.err == nil && uint64(count)*4 > uint64(r.remaining()) {
		return nil, types.EncodingError{Op: r.op, Msg: fmt.Sprintf("%d demux ids do not fit in %d bytes", count, r.remaining())}
	}
	ev.DemuxIDs = make([]uint32, 0, count)
	for i := uint32(0); i < count; i++ {
		ev.DemuxIDs = append(ev.DemuxIDs, r.u32())
	}
	return ev, r.done()
}

func readPeekInfo(r *reader) types.PeekInfo {
	var info types.PeekInfo
	count := r.u32()
	if r.err == nil && uint64(count)*16 > uint64(r.remaining()) {
		r.err = types.EncodingError{Op: r.op, Msg: fmt.Sprintf("%d members do not fit in %d bytes", count, r.remaining())}
		return info
	}
	info.JoinedMembers = make([]uuid.UUID, 0, count)
	for i := uint32(0); i < count; i++ {
		info.JoinedMembers = append(info.JoinedMembers, r.uuid())
	}
	if r.u8() != 0 {
		creator := r.uuid()
		info.Creator = &creator
	}
	info.EraID = string(r.take(uint64(r.u32())))
	if r.u8() != 0 {
		max := r.u64()
		info.MaxDevices = &max
	}
	info.DeviceCount = r.u64()
	return info
}
