package api

import (
	"go.uber.org/atomic"

	"github.com/privacyresearch/tring/types"
)

// noClient is the group client id while no group call client exists.
const noClient int32 = -1

// session holds the single-slot state shared between caller calls and engine
// callbacks. Each field is written by the caller side and read from callbacks;
// fields are individually consistent, not as a group.
type session struct {
	callID     atomic.Uint64
	clientID   atomic.Int32
	localGroup atomic.Value // []byte
	call       atomic.Value // types.CallSession
	group      atomic.Value // types.GroupCallClient
}

func newSession() *session {
	s := &session{}
	s.clientID.Store(noClient)
	return s
}

func (s *session) activeCallID() uint64 { return s.callID.Load() }

func (s *session) setCall(cs types.CallSession) {
	s.call.Store(cs)
	s.callID.Store(cs.CallID)
}

func (s *session) activeCall() (types.CallSession, bool) {
	cs, ok := s.call.Load().(types.CallSession)
	return cs, ok
}

func (s *session) groupClientID() int32 { return s.clientID.Load() }

func (s *session) hasGroupClient() bool { return s.clientID.Load() >= 0 }

func (s *session) setGroupClient(g types.GroupCallClient) {
	s.group.Store(g)
	s.clientID.Store(g.ClientID)
}

func (s *session) groupClient() (types.GroupCallClient, bool) {
	g, ok := s.group.Load().(types.GroupCallClient)
	return g, ok && s.hasGroupClient()
}

func (s *session) setLocalGroupID(id []byte) {
	s.localGroup.Store(append([]byte(nil), id...))
}

func (s *session) localGroupID() []byte {
	id, _ := s.localGroup.Load().([]byte)
	return id
}
