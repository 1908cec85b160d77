package eventbus

import (
	"context"
	"sync"
)

// overflowBuffer absorbs bursts on topics using the overflow delivery
// strategy: a fixed-size ring of envelopes drained into the subscriber
// channel by a dedicated goroutine, so a transcript or state burst is
// buffered instead of dropped.
type overflowBuffer struct {
	mu     sync.Mutex
	buf    []Envelope
	head   int // oldest buffered envelope
	count  int
	cap    int
	notify chan struct{} // pulsed on push so drainLoop wakes up
	done   chan struct{} // closed once drainLoop has exited
}

func newOverflowBuffer(maxSize int) *overflowBuffer {
	if maxSize <= 0 {
		maxSize = defaultMaxOverflow
	}
	return &overflowBuffer{
		buf:    make([]Envelope, maxSize),
		cap:    maxSize,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// push appends an envelope to the ring, reporting false when the ring is
// already full (the caller decides what dropping means for its policy).
func (o *overflowBuffer) push(env Envelope) bool {
	o.mu.Lock()
	if o.count >= o.cap {
		o.mu.Unlock()
		return false
	}
	o.buf[(o.head+o.count)%o.cap] = env
	o.count++
	o.mu.Unlock()

	select {
	case o.notify <- struct{}{}:
	default:
	}
	return true
}

// pop removes the oldest envelope, reporting false when the ring is empty.
func (o *overflowBuffer) pop() (Envelope, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.count == 0 {
		return Envelope{}, false
	}
	env := o.buf[o.head]
	o.buf[o.head] = Envelope{} // release the payload reference
	o.head = (o.head + 1) % o.cap
	o.count--
	return env, true
}

func (o *overflowBuffer) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.count
}

// drainLoop moves buffered envelopes into ch until ctx is cancelled, parking
// on the notify channel between sweeps.
func (o *overflowBuffer) drainLoop(ctx context.Context, ch chan<- Envelope) {
	defer close(o.done)
	for {
		for {
			env, ok := o.pop()
			if !ok {
				break
			}
			select {
			case ch <- env:
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-o.notify:
		case <-ctx.Done():
			return
		}
	}
}
