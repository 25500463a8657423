package api

import (
	"context"
	"sync"

	"github.com/privacyresearch/tring/types"
)

// FrameQueue buffers decoded video frames between the video slot and consumers.
// It is unbounded: a stalled consumer makes it grow without limit.
type FrameQueue struct {
	mu     sync.Mutex
	frames []types.Frame
	// ready is closed and replaced whenever a frame is pushed
	ready chan struct{}
}

func NewFrameQueue() *FrameQueue {
	return &FrameQueue{ready: make(chan struct{})}
}

// Push appends f and wakes every waiting consumer.
func (q *FrameQueue) Push(f types.Frame) {
	q.mu.Lock()
	q.frames = append(q.frames, f)
	close(q.ready)
	q.ready = make(chan struct{})
	q.mu.Unlock()
}

// TryPop removes the oldest frame without waiting.
func (q *FrameQueue) TryPop() (types.Frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

func (q *FrameQueue) popLocked() (types.Frame, bool) {
	if len(q.frames) == 0 {
		return types.Frame{}, false
	}
	f := q.frames[0]
	q.frames[0] = types.Frame{}
	q.frames = q.frames[1:]
	return f, true
}

// Pop removes the oldest frame, waiting until one is available or ctx is done.
func (q *FrameQueue) Pop(ctx context.Context) (types.Frame, error) {
	for {
		q.mu.Lock()
		f, ok := q.popLocked()
		ready := q.ready
		q.mu.Unlock()
		if ok {
			return f, nil
		}
		select {
		case <-ready:
		case <-ctx.Done():
			return types.Frame{}, ctx.Err()
		}
	}
}

// Len returns the number of buffered frames.
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}
