package api

import (
	"sync"

	"github.com/rs/zerolog"
)

// Executor runs submitted tasks one at a time, in submission order, on a
// single goroutine. Callback slots use it for every call back into the engine
// so the engine is never re-entered from its own callback thread.
type Executor struct {
	log zerolog.Logger

	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed bool
	done   chan struct{}
}

// NewExecutor starts the worker goroutine.
func NewExecutor(log zerolog.Logger) *Executor {
	e := &Executor{
		log:  log,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go e.run()
	return e
}

// Submit queues task. It reports false once the executor is closed.
func (e *Executor) Submit(task func()) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.queue = append(e.queue, task)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return true
}

// Close rejects new tasks, waits for the queued ones to finish and stops the worker.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		<-e.done
		return
	}
	e.closed = true
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	<-e.done
}

func (e *Executor) run() {
	defer close(e.done)
	for {
		e.mu.Lock()
		batch := e.queue
		e.queue = nil
		closed := e.closed
		e.mu.Unlock()

		for _, task := range batch {
			e.exec(task)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-e.wake
	}
}

func (e *Executor) exec(task func()) {
	defer func() {
		if rec := recover(); rec != nil {
			e.log.Error().Interface("panic", rec).Msg("executor task panicked")
		}
	}()
	task()
}
