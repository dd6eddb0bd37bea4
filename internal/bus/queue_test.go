package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type recordingFilter struct {
	mu      sync.Mutex
	events  []Event
	consume bool
	done    chan struct{}
}

func (f *recordingFilter) OnEvent(e Event) bool {
	f.mu.Lock()
	f.events = append(f.events, e)
	f.mu.Unlock()
	if f.done != nil {
		f.done <- struct{}{}
	}
	return f.consume
}

func (f *recordingFilter) seen() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Event(nil), f.events...)
}

func TestBusDispatchOrder(t *testing.T) {
	b := New(16)
	f := &recordingFilter{done: make(chan struct{}, 16)}
	b.AddFilter(f, EventTypeMarketData)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	for i := 0; i < 5; i++ {
		if err := b.TryPublish(Event{Type: EventTypeMarketData, Data: i}); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 5; i++ {
		<-f.done
	}

	events := f.seen()
	if len(events) != 5 {
		t.Fatalf("got %d events", len(events))
	}
	for i, e := range events {
		if e.Data.(int) != i {
			t.Fatalf("event %d out of order: %v", i, e.Data)
		}
	}
}

func TestBusMaskFiltering(t *testing.T) {
	b := New(16)
	ticks := &recordingFilter{done: make(chan struct{}, 16)}
	states := &recordingFilter{done: make(chan struct{}, 16)}
	b.AddFilter(ticks, EventTypeMarketData)
	b.AddFilter(states, EventTypeProducerState)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	b.TryPublish(Event{Type: EventTypeMarketData, Data: "tick"})
	b.TryPublish(Event{Type: EventTypeProducerState, Data: "state"})
	<-ticks.done
	<-states.done

	if got := ticks.seen(); len(got) != 1 || got[0].Data != "tick" {
		t.Fatalf("tick filter saw %v", got)
	}
	if got := states.seen(); len(got) != 1 || got[0].Data != "state" {
		t.Fatalf("state filter saw %v", got)
	}
}

func TestBusConsumeShortCircuits(t *testing.T) {
	b := New(16)
	first := &recordingFilter{consume: true, done: make(chan struct{}, 16)}
	second := &recordingFilter{}
	b.AddFilter(first, EventTypeMarketData)
	b.AddFilter(second, EventTypeMarketData)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	b.TryPublish(Event{Type: EventTypeMarketData, Data: "tick"})
	<-first.done

	if len(second.seen()) != 0 {
		t.Fatal("consumed event must not reach later filters")
	}
}

func TestBusOverflowDrops(t *testing.T) {
	b := New(2) // no consumer running
	if err := b.TryPublish(Event{Type: EventTypeMarketData}); err != nil {
		t.Fatal(err)
	}
	if err := b.TryPublish(Event{Type: EventTypeMarketData}); err != nil {
		t.Fatal(err)
	}
	err := b.TryPublish(Event{Type: EventTypeMarketData})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	if b.Dropped() != 1 {
		t.Fatalf("dropped = %d", b.Dropped())
	}
}

func TestBusClose(t *testing.T) {
	b := New(2)
	b.Close()
	b.Close() // idempotent
	if err := b.TryPublish(Event{Type: EventTypeMarketData}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("err = %v, want ErrQueueClosed", err)
	}

	// Run drains nothing and returns once the channel is closed.
	done := make(chan struct{})
	go func() {
		b.Run(context.Background())
		close(done)
	}()
	<-done
}

func TestBusCloseDuringPublish(t *testing.T) {
	b := New(4)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 1000; j++ {
				b.TryPublish(Event{Type: EventTypeMarketData, Data: j})
			}
		}()
	}
	close(start)
	b.Close()
	wg.Wait()

	if err := b.TryPublish(Event{Type: EventTypeMarketData}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("err = %v, want ErrQueueClosed", err)
	}
}
