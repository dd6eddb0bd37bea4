// Package bus is the single-consumer ordered event queue fronting the
// market-data dispatcher. Producers publish without blocking; a
// dedicated goroutine drains the queue and runs registered filters.
package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/yanun0323/errors"
)

var (
	ErrQueueFull   = errors.New("event queue full")
	ErrQueueClosed = errors.New("event queue closed")
)

// EventType is a bitmask event category.
type EventType uint32

const (
	EventTypeMarketData EventType = 1 << iota
	EventTypeProducerState
)

// Event is the unit passed through the bus.
type Event struct {
	Type EventType
	Data any
}

// Filter handles events whose type matches its registered mask.
// Returning true consumes the event and short-circuits the chain.
type Filter interface {
	OnEvent(e Event) bool
}

type filterEntry struct {
	mask   EventType
	filter Filter
}

// Bus is a bounded, non-blocking, single-consumer event queue.
// Per-source FIFO is preserved; global order across sources is not.
type Bus struct {
	ch      chan Event
	dropped atomic.Uint64

	// pubMu orders publishers against Close so nothing sends on the
	// closed channel.
	pubMu  sync.RWMutex
	closed bool

	mu      sync.Mutex
	filters atomic.Pointer[[]filterEntry]
}

// New allocates a bus with the given queue capacity.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 1
	}
	b := &Bus{ch: make(chan Event, capacity)}
	empty := make([]filterEntry, 0)
	b.filters.Store(&empty)
	return b
}

// AddFilter registers a filter for the event types in mask. The filter
// list is copy-on-write so dispatch reads it without locks.
func (b *Bus) AddFilter(f Filter, mask EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	curr := *b.filters.Load()
	next := make([]filterEntry, len(curr)+1)
	copy(next, curr)
	next[len(curr)] = filterEntry{mask: mask, filter: f}
	b.filters.Store(&next)
}

// TryPublish enqueues an event without blocking. On overflow the event
// is dropped and counted; the producer goroutine is never stalled.
func (b *Bus) TryPublish(e Event) error {
	b.pubMu.RLock()
	defer b.pubMu.RUnlock()
	if b.closed {
		return ErrQueueClosed
	}
	select {
	case b.ch <- e:
		return nil
	default:
		b.dropped.Add(1)
		return ErrQueueFull
	}
}

// Dropped returns the number of events dropped on overflow.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Close stops the bus from accepting new events.
func (b *Bus) Close() {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.ch)
	}
}

// Run drains events on the calling goroutine until the context is done
// or the bus is closed. All filter callbacks run here, giving listeners
// a strict per-source FIFO.
func (b *Bus) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-b.ch:
			if !ok {
				return
			}
			b.dispatch(e)
		}
	}
}

func (b *Bus) dispatch(e Event) {
	for _, entry := range *b.filters.Load() {
		if entry.mask&e.Type == 0 {
			continue
		}
		if entry.filter.OnEvent(e) {
			return
		}
	}
}
