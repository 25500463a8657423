package api

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"go.uber.org/atomic"

	"github.com/privacyresearch/tring/internal/ffi"
)

// acker issues the message-sent signal the engine waits for before it delivers
// the next event. Signals raised before the endpoint handle exists are held
// back and flushed in order once the handle is bound. Once unbound, signals
// are dropped.
type acker struct {
	engine  ffi.Engine
	session *session
	log     zerolog.Logger

	mu      sync.Mutex
	handle  ffi.Handle
	pending []uint64
	unbound bool

	sent atomic.Uint64
}

func newAcker(engine ffi.Engine, s *session, log zerolog.Logger) *acker {
	return &acker{engine: engine, session: s, log: log}
}

// signal acknowledges one event, carrying the active call id.
func (a *acker) signal(ctx context.Context) {
	callID := a.session.activeCallID()
	a.mu.Lock()
	if a.unbound {
		a.mu.Unlock()
		a.log.Debug().Uint64("call_id", callID).Msg("endpoint released, dropping message-sent signal")
		return
	}
	h := a.handle
	if h == 0 {
		a.pending = append(a.pending, callID)
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()
	a.send(ctx, h, callID)
}

func (a *acker) send(ctx context.Context, h ffi.Handle, callID uint64) {
	if _, err := a.engine.SignalMessageSent(ctx, h, callID); err != nil {
		a.log.Error().Err(err).Uint64("call_id", callID).Msg("signalMessageSent failed")
	}
	a.sent.Inc()
}

// bind stores the endpoint handle and flushes held back signals.
func (a *acker) bind(ctx context.Context, h ffi.Handle) {
	a.mu.Lock()
	a.handle = h
	pending := a.pending
	a.pending = nil
	a.mu.Unlock()
	for _, callID := range pending {
		a.send(ctx, h, callID)
	}
}

// unbind forgets the handle before the endpoint is released.
func (a *acker) unbind() {
	a.mu.Lock()
	a.handle = 0
	a.pending = nil
	a.unbound = true
	a.mu.Unlock()
}

// count returns the number of signals delivered to the engine.
func (a *acker) count() uint64 { return a.sent.Load() }
