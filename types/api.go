package types

import (
	"github.com/google/uuid"
)

// Application receives everything the engine reports and answers the engine's
// questions about group membership. Methods are invoked from engine threads
// and must not call back into the Bridge synchronously for the same event.
type Application interface {
	// StatusCallback reports call state changes, hangups and remote video toggles.
	StatusCallback(status CallStatus)
	// AnswerCallback hands over an opaque answer to send to the peer.
	AnswerCallback(opaque []byte)
	// OfferCallback hands over an opaque offer to send to the peer.
	OfferCallback(opaque []byte)
	// IceUpdateCallback hands over ICE candidates to send to the peer.
	IceUpdateCallback(candidates [][]byte)
	GroupCallUpdateRing(groupID []byte, ringID int64, sender []byte, status byte)
	// RequestGroupMembershipToken returns the membership proof for groupID.
	RequestGroupMembershipToken(groupID []byte) []byte
	// RequestGroupMemberInfo returns the members of groupID.
	RequestGroupMemberInfo(groupID []byte) []GroupMember
	SendOpaqueCallMessage(recipient uuid.UUID, message []byte, urgency int32)
	ReceivedGroupCallPeekForRingingCheck(info PeekInfo)
	UpdateRemoteDevices(demuxIDs []uint32)
	ConnectionStateChanged(clientID int32, state int32)
}

// NopApplication implements Application by ignoring every event.
// Embed it to implement only the callbacks you need.
type NopApplication struct{}

var _ Application = NopApplication{}

func (NopApplication) StatusCallback(CallStatus)                         {}
func (NopApplication) AnswerCallback([]byte)                             {}
func (NopApplication) OfferCallback([]byte)                              {}
func (NopApplication) IceUpdateCallback([][]byte)                        {}
func (NopApplication) GroupCallUpdateRing([]byte, int64, []byte, byte)   {}
func (NopApplication) RequestGroupMembershipToken([]byte) []byte         { return nil }
func (NopApplication) RequestGroupMemberInfo([]byte) []GroupMember       { return nil }
func (NopApplication) SendOpaqueCallMessage(uuid.UUID, []byte, int32)    {}
func (NopApplication) ReceivedGroupCallPeekForRingingCheck(PeekInfo)     {}
func (NopApplication) UpdateRemoteDevices([]uint32)                      {}
func (NopApplication) ConnectionStateChanged(int32, int32)               {}
