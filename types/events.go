package types

import (
	"github.com/google/uuid"
)

// Direction codes carried in the third argument of the status slot.
const (
	StatusIncoming    int32 = 0
	StatusOutgoing    int32 = 1
	StatusHangup      int32 = 11
	StatusRemoteVideo int32 = 22
)

// Remote video codes carried in the type argument when the direction is StatusRemoteVideo.
const (
	RemoteVideoEnabled  int32 = 31
	RemoteVideoDisabled int32 = 32
)

// CallState is the engine state reported as a multiple of ten.
type CallState int32

const (
	StateRinging    CallState = 1
	StateConnected  CallState = 2
	StateConnecting CallState = 3
	StateConcluded  CallState = 4
	StateIncoming   CallState = 5
	StateOutgoing   CallState = 6
	StateEnded      CallState = 7
)

var callStateNames = map[CallState]string{
	StateRinging:    "ringing",
	StateConnected:  "connected",
	StateConnecting: "connecting",
	StateConcluded:  "concluded",
	StateIncoming:   "incoming",
	StateOutgoing:   "outgoing",
	StateEnded:      "ended",
}

func (s CallState) String() string {
	if name, ok := callStateNames[s]; ok {
		return name
	}
	return "unknown"
}

// CallStatus is the raw content of one status slot invocation.
type CallStatus struct {
	CallID    uint64 `json:"call_id"`
	PeerID    uint64 `json:"peer_id"`
	Direction int32  `json:"direction"`
	Type      int32  `json:"type"`
}

// IsHangup reports a hangup; Type then holds the hangup type and PeerID the device id.
func (s CallStatus) IsHangup() bool { return s.Direction == StatusHangup }

// State decodes a state change. ok is false for any other kind of status.
func (s CallStatus) State() (state CallState, ok bool) {
	if s.Direction < 10 || s.Direction%10 != 0 {
		return 0, false
	}
	state = CallState(s.Direction / 10)
	_, ok = callStateNames[state]
	return state, ok
}

// RemoteVideo decodes a remote video toggle.
func (s CallStatus) RemoteVideo() (enabled bool, ok bool) {
	if s.Direction != StatusRemoteVideo {
		return false, false
	}
	return s.Type == RemoteVideoEnabled, true
}

// Opcodes of the generic event channel.
const (
	OpRingUpdate            int32 = 1
	OpConnectionStateChange int32 = 2
	OpMembershipProof       int32 = 3
	OpGroupMembers          int32 = 4
	OpSendCallMessage       int32 = 5
	OpPeekChanged           int32 = 6
	OpPeekResult            int32 = 7
	OpRemoteDevicesChanged  int32 = 8
	OpHTTPRequest           int32 = 9
)

// Event is a decoded generic event.
type Event interface {
	Opcode() int32
}

// RingUpdate reports a group ring.
type RingUpdate struct {
	GroupID []byte
	RingID  int64
	Sender  []byte
	Status  byte
}

// ConnectionStateChange reports the connection state of a group client.
type ConnectionStateChange struct {
	ClientID int32
	State    int32
}

// MembershipProofRequest asks for a membership token for the local group.
type MembershipProofRequest struct {
	ClientID int32
}

// GroupMembersRequest asks for the member list of the local group.
type GroupMembersRequest struct {
	ClientID int32
}

// SendCallMessageRequest asks the application to deliver an opaque message.
type SendCallMessageRequest struct {
	Recipient uuid.UUID
	Message   []byte
}

// PeekChanged carries new peek information for a group client.
type PeekChanged struct {
	ClientID int32
	Info     PeekInfo
}

// PeekResult answers a peekGroupCall request.
type PeekResult struct {
	RequestID uint32
	Info      PeekInfo
}

// RemoteDevicesChanged lists the demux ids of the remote devices of a group client.
type RemoteDevicesChanged struct {
	ClientID int32
	DemuxIDs []uint32
}

func (RingUpdate) Opcode() int32             { return OpRingUpdate }
func (ConnectionStateChange) Opcode() int32  { return OpConnectionStateChange }
func (MembershipProofRequest) Opcode() int32 { return OpMembershipProof }
func (GroupMembersRequest) Opcode() int32    { return OpGroupMembers }
func (SendCallMessageRequest) Opcode() int32 { return OpSendCallMessage }
func (PeekChanged) Opcode() int32            { return OpPeekChanged }
func (PeekResult) Opcode() int32             { return OpPeekResult }
func (RemoteDevicesChanged) Opcode() int32   { return OpRemoteDevicesChanged }
func (HTTPRequest) Opcode() int32            { return OpHTTPRequest }

// HTTPMethod is the method byte of a relayed request.
type HTTPMethod byte

const (
	MethodGet    HTTPMethod = 0
	MethodPut    HTTPMethod = 1
	MethodPost   HTTPMethod = 2
	MethodDelete HTTPMethod = 3
)

func (m HTTPMethod) String() string {
	switch m {
	case MethodGet:
		return "GET"
	case MethodPut:
		return "PUT"
	case MethodPost:
		return "POST"
	case MethodDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// HasBody reports whether the body section of the request carries a length prefix.
func (m HTTPMethod) HasBody() bool {
	return m == MethodPut || m == MethodPost
}

// RelayFailureStatus is reported to the engine when a relayed request produced no response.
const RelayFailureStatus uint32 = 0

// HTTPHeader is one entry of a relayed header block, in wire order.
type HTTPHeader struct {
	Name  string
	Value string
}

// HTTPRequest is a request the engine wants performed on its behalf.
type HTTPRequest struct {
	RequestID uint32
	Method    HTTPMethod
	URL       string
	Headers   []HTTPHeader
	Body      []byte
}
