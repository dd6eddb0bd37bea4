package md

import (
	"sync"
	"sync/atomic"

	"main/internal/exchangeable"
)

// Listener consumes dispatched ticks. Callbacks run on the single
// dispatcher goroutine; implementations must not block on I/O.
type Listener interface {
	OnMarketData(tick *MarketData)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(tick *MarketData)

func (f ListenerFunc) OnMarketData(tick *MarketData) { f(tick) }

// listenerHolder is the per-instrument dispatch record: trading times,
// the last accepted tick and a copy-on-write listener list. The listener
// slice is replaced, never mutated, so dispatch reads it without locks.
type listenerHolder struct {
	instrument   *exchangeable.Instrument
	tradingTimes *exchangeable.TradingTimes

	mu        sync.Mutex // guards listener list replacement
	listeners atomic.Pointer[[]Listener]
	lastData  atomic.Pointer[MarketData]
}

func newListenerHolder(instrument *exchangeable.Instrument, tradingDay exchangeable.Day) *listenerHolder {
	h := &listenerHolder{
		instrument:   instrument,
		tradingTimes: instrument.GetTradingTimes(tradingDay),
	}
	empty := make([]Listener, 0)
	h.listeners.Store(&empty)
	return h
}

// addListener appends under the holder lock by swapping in a fresh slice.
func (h *listenerHolder) addListener(l Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	curr := *h.listeners.Load()
	next := make([]Listener, len(curr)+1)
	copy(next, curr)
	next[len(curr)] = l
	h.listeners.Store(&next)
}

func (h *listenerHolder) getListeners() []Listener {
	return *h.listeners.Load()
}

func (h *listenerHolder) getLastData() *MarketData {
	return h.lastData.Load()
}

// checkTick applies the monotonic accept filter: a tick is accepted iff
// its update time advances, or ties with a strictly larger cumulative
// volume. Accepted ticks become the new lastData.
func (h *listenerHolder) checkTick(tick *MarketData) bool {
	last := h.lastData.Load()
	if last != nil {
		if tick.UpdateTimestamp < last.UpdateTimestamp {
			return false
		}
		if tick.UpdateTimestamp == last.UpdateTimestamp && tick.Volume <= last.Volume {
			return false
		}
	}
	h.lastData.Store(tick)
	return true
}
