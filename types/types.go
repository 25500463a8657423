package types

import (
	"fmt"

	"github.com/google/uuid"
)

// MediaType of a 1:1 call.
type MediaType int32

const (
	MediaAudio MediaType = 0
	MediaVideo MediaType = 1
)

// BandwidthMode values understood by proceedCall and setDataMode.
type BandwidthMode int32

const (
	BandwidthVeryLow BandwidthMode = 0
	BandwidthLow     BandwidthMode = 1
	BandwidthNormal  BandwidthMode = 2
)

// BandwidthHigh is what the bridge asks for when proceeding with a 1:1 call.
const BandwidthHigh = BandwidthNormal

// PixelFormat of an outgoing video frame.
type PixelFormat int32

const (
	PixelI420 PixelFormat = 0
	PixelNV12 PixelFormat = 1
	// PixelRGBA marks frames pulled from the engine, which are always RGBA.
	PixelRGBA PixelFormat = -1
)

// FrameSize returns the number of bytes the engine reads for an outgoing frame.
func (p PixelFormat) FrameSize(width, height uint32) uint64 {
	size := uint64(width) * uint64(height) * 2
	if p == PixelNV12 {
		size *= 2
	}
	return size
}

// CallSession is the 1:1 call most recently announced by an offer or answer.
type CallSession struct {
	CallID           uint64 `json:"call_id"`
	PeerID           string `json:"peer_id"`
	SenderDeviceID   uint32 `json:"sender_device_id"`
	ReceiverDeviceID uint32 `json:"receiver_device_id"`
}

// GroupCallClient is the participation in a group call created through the bridge.
type GroupCallClient struct {
	ClientID int32  `json:"client_id"`
	GroupID  []byte `json:"group_id"`
	SFUURL   string `json:"sfu_url"`
	HKDF     []byte `json:"hkdf"`
}

// Frame is a decoded video frame.
type Frame struct {
	Width       uint32      `json:"width"`
	Height      uint32      `json:"height"`
	PixelFormat PixelFormat `json:"pixel_format"`
	Data        []byte      `json:"-"`
}

// MemberIDSize is the size of the opaque member id of a group member.
const MemberIDSize = 65

// GroupMemberSize is the size of one serialized group member.
const GroupMemberSize = 16 + MemberIDSize

// GroupMember is one entry of the member list handed to the engine.
type GroupMember struct {
	UserID   uuid.UUID `json:"user_id"`
	MemberID []byte    `json:"member_id"`
}

// EncodeGroupMembers serializes members in 81-byte chunks: user id followed by member id.
func EncodeGroupMembers(members []GroupMember) ([]byte, error) {
	out := make([]byte, 0, len(members)*GroupMemberSize)
	for i, m := range members {
		if len(m.MemberID) != MemberIDSize {
			return nil, EncodingError{
				Op:  "group members",
				Msg: fmt.Sprintf("member %d has a %d byte member id, expected %d", i, len(m.MemberID), MemberIDSize),
			}
		}
		out = append(out, m.UserID[:]...)
		out = append(out, m.MemberID...)
	}
	return out, nil
}

// PeekInfo describes the state of a group call.
type PeekInfo struct {
	JoinedMembers []uuid.UUID `json:"joined_members"`
	Creator       *uuid.UUID  `json:"creator,omitempty"`
	EraID         string      `json:"era_id"`
	MaxDevices    *uint64     `json:"max_devices,omitempty"`
	DeviceCount   uint64      `json:"device_count"`
}

// Contains reports whether user is among the joined members.
func (p PeekInfo) Contains(user uuid.UUID) bool {
	for _, m := range p.JoinedMembers {
		if m == user {
			return true
		}
	}
	return false
}
