package gateway

import (
	"sync"

	"github.com/polyvox-ai/polyvox/pkg/provider/stt"
)

// queuedFrame is one gated, resampled PCM chunk awaiting upstream delivery.
type queuedFrame struct {
	pcm  []byte
	meta stt.FrameMeta
}

// frameQueue is the bounded per-adapter audio queue. One producer (the
// session reader) pushes decoded frames, one consumer (the adapter writer
// goroutine) pops them in order, preserving byte ordering end to end.
//
// Byte-size thresholds: above soft the session pauses client reads; at hard
// the oldest frames are dropped for this adapter and the drop is flagged on
// the next transcript from its provider.
type frameQueue struct {
	mu   sync.Mutex
	cond *sync.Cond

	frames []queuedFrame
	bytes  int
	soft   int
	hard   int

	closed   bool
	degraded bool // a drop happened since the last transcript
	dropped  int  // total dropped frames, for logging
}

func newFrameQueue(soft, hard int) *frameQueue {
	if soft <= 0 {
		soft = 64 * 1024
	}
	if hard < soft {
		hard = 2 * soft
	}
	q := &frameQueue{soft: soft, hard: hard}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends a frame, evicting the oldest frames when the hard limit would
// be exceeded. Returns the number of frames dropped by this call.
func (q *frameQueue) push(f queuedFrame) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0
	}

	dropped := 0
	for q.bytes+len(f.pcm) > q.hard && len(q.frames) > 0 {
		q.bytes -= len(q.frames[0].pcm)
		q.frames = q.frames[1:]
		dropped++
	}
	if dropped > 0 {
		q.degraded = true
		q.dropped += dropped
	}

	q.frames = append(q.frames, f)
	q.bytes += len(f.pcm)
	q.cond.Signal()
	return dropped
}

// pop blocks until a frame is available or the queue is closed. The second
// return is false once the queue is closed and drained.
func (q *frameQueue) pop() (queuedFrame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.frames) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.frames) == 0 {
		return queuedFrame{}, false
	}
	f := q.frames[0]
	q.frames = q.frames[1:]
	q.bytes -= len(f.pcm)
	q.cond.Broadcast() // wake waitBelowSoft
	return f, true
}

// close wakes all waiters; pending frames may still be popped.
func (q *frameQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// overSoft reports whether the queue currently exceeds its soft limit.
func (q *frameQueue) overSoft() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes > q.soft
}

// waitBelowSoft blocks until the queue drains below the soft limit or is
// closed. The session calls this before its next socket read to pause the
// client when any adapter lags.
func (q *frameQueue) waitBelowSoft() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.bytes > q.soft && !q.closed {
		q.cond.Wait()
	}
}

// takeDegraded returns and clears the pending degraded flag. Called when a
// transcript for this adapter is about to be sent.
func (q *frameQueue) takeDegraded() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	d := q.degraded
	q.degraded = false
	return d
}

// droppedFrames returns the total number of frames evicted so far.
func (q *frameQueue) droppedFrames() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
