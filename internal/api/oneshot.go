package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/privacyresearch/tring/types"
)

// gate is a single-use result slot. The first delivery wins.
type gate struct {
	once   sync.Once
	result chan []byte
}

// oneshots maps the context values handed to the engine to the gate waiting
// for their result. The engine echoes the context back with the result, so one
// fixed callback serves every request.
type oneshots struct {
	latestID atomic.Uint64
	gates    sync.Map // uint64 -> *gate
}

// start registers a new gate and returns its context id. Ids start at 1.
func (o *oneshots) start() (uint64, *gate) {
	id := o.latestID.Inc()
	g := &gate{result: make(chan []byte, 1)}
	o.gates.Store(id, g)
	return id, g
}

// deliver releases the gate for id. Results for unknown or expired ids are
// dropped and deliver reports false.
func (o *oneshots) deliver(id uint64, result []byte) bool {
	v, ok := o.gates.LoadAndDelete(id)
	if !ok {
		return false
	}
	g := v.(*gate)
	delivered := false
	g.once.Do(func() {
		g.result <- result
		delivered = true
	})
	return delivered
}

// cancel forgets id so a late result is discarded.
func (o *oneshots) cancel(id uint64) {
	o.gates.Delete(id)
}

func (o *oneshots) pending() int {
	n := 0
	o.gates.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}

// wait blocks until the gate is released, timeout passes or ctx is done.
func (o *oneshots) wait(ctx context.Context, id uint64, g *gate, call string, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-g.result:
		return res, nil
	case <-timer.C:
		o.cancel(id)
		return nil, types.TimeoutError{Call: call, After: timeout}
	case <-ctx.Done():
		o.cancel(id)
		return nil, ctx.Err()
	}
}
