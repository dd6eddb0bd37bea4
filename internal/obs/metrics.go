// Package obs collects lightweight pipeline counters.
package obs

import "sync/atomic"

// Metrics counts pipeline events. All methods are safe for concurrent
// use from producer goroutines and the dispatcher.
type Metrics struct {
	ticksPublished uint64
	staleDropped   uint64
	filterRejected uint64
	busDropped     uint64
	parseFailed    uint64
	listenerPanics uint64
	saveDropped    uint64
	saveErrors     uint64
}

// Snapshot is a point-in-time view of the counters.
type Snapshot struct {
	TicksPublished uint64 `json:"ticksPublished"`
	StaleDropped   uint64 `json:"staleDropped"`
	FilterRejected uint64 `json:"filterRejected"`
	BusDropped     uint64 `json:"busDropped"`
	ParseFailed    uint64 `json:"parseFailed"`
	ListenerPanics uint64 `json:"listenerPanics"`
	SaveDropped    uint64 `json:"saveDropped"`
	SaveErrors     uint64 `json:"saveErrors"`
}

func (m *Metrics) TickPublished()  { atomic.AddUint64(&m.ticksPublished, 1) }
func (m *Metrics) StaleDropped()   { atomic.AddUint64(&m.staleDropped, 1) }
func (m *Metrics) FilterRejected() { atomic.AddUint64(&m.filterRejected, 1) }
func (m *Metrics) BusDropped()     { atomic.AddUint64(&m.busDropped, 1) }
func (m *Metrics) ParseFailed()    { atomic.AddUint64(&m.parseFailed, 1) }
func (m *Metrics) ListenerPanic()  { atomic.AddUint64(&m.listenerPanics, 1) }
func (m *Metrics) SaveDropped()    { atomic.AddUint64(&m.saveDropped, 1) }
func (m *Metrics) SaveError()      { atomic.AddUint64(&m.saveErrors, 1) }

// Snapshot captures the current counter values.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		TicksPublished: atomic.LoadUint64(&m.ticksPublished),
		StaleDropped:   atomic.LoadUint64(&m.staleDropped),
		FilterRejected: atomic.LoadUint64(&m.filterRejected),
		BusDropped:     atomic.LoadUint64(&m.busDropped),
		ParseFailed:    atomic.LoadUint64(&m.parseFailed),
		ListenerPanics: atomic.LoadUint64(&m.listenerPanics),
		SaveDropped:    atomic.LoadUint64(&m.saveDropped),
		SaveErrors:     atomic.LoadUint64(&m.saveErrors),
	}
}
