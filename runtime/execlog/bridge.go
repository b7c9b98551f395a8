package execlog

import (
	"context"
	"sync"
	"sync/atomic"
)

type (
	// Observer receives records forwarded by a Bridge, typically an execution
	// console UI or a stream sink. Post may block; the bridge isolates the
	// scheduler from that.
	Observer interface {
		Post(ctx context.Context, rec Record)
	}

	// Bridge forwards records to an out-of-core observer without ever
	// blocking the scheduler. Records are staged in a bounded ring buffer
	// drained by a single goroutine; on backpressure the oldest staged record
	// is dropped and counted.
	Bridge struct {
		observer Observer
		capacity int

		mu     sync.Mutex
		ring   []Record
		wake   chan struct{}
		closed bool

		dropped atomic.Uint64

		done chan struct{}
	}
)

const defaultBridgeCapacity = 1024

// NewBridge starts a bridge draining into observer. capacity bounds the ring
// buffer; values below 1 use the default. Close the bridge after removing it
// from the logger.
func NewBridge(observer Observer, capacity int) *Bridge {
	if capacity < 1 {
		capacity = defaultBridgeCapacity
	}
	b := &Bridge{
		observer: observer,
		capacity: capacity,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go b.drain()
	return b
}

// Handle implements Handler. It never blocks: when the ring is full the
// oldest record is dropped and the drop counter incremented.
func (b *Bridge) Handle(rec Record) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if len(b.ring) >= b.capacity {
		b.ring = b.ring[1:]
		b.dropped.Add(1)
	}
	b.ring = append(b.ring, rec)
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Dropped returns the number of records discarded under backpressure.
func (b *Bridge) Dropped() uint64 {
	return b.dropped.Load()
}

// Close stops the drain goroutine after flushing staged records.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
	<-b.done
}

func (b *Bridge) drain() {
	defer close(b.done)
	ctx := context.Background()
	for {
		b.mu.Lock()
		if len(b.ring) == 0 {
			if b.closed {
				b.mu.Unlock()
				return
			}
			b.mu.Unlock()
			<-b.wake
			continue
		}
		rec := b.ring[0]
		b.ring = b.ring[1:]
		b.mu.Unlock()
		b.observer.Post(ctx, rec)
	}
}
