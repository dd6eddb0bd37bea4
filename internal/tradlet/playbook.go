// Package tradlet defines the contracts between strategy tradlets and
// the playbook keeper that executes their orders.
package tradlet

import (
	"main/internal/exchangeable"
	"main/internal/md"
)

// PosDirection is the side of an opened position.
type PosDirection uint8

const (
	DirLong PosDirection = iota
	DirShort
)

func (d PosDirection) String() string {
	if d == DirShort {
		return "Short"
	}
	return "Long"
}

// OrderPriceType selects how the open order is priced.
type OrderPriceType uint8

const (
	LimitPrice OrderPriceType = iota
	AnyPrice
)

// PlaybookState is the lifecycle of one playbook.
type PlaybookState uint8

const (
	StateOpening PlaybookState = iota
	StateOpened
	StateFailed
	StateCanceling
	StateCanceled
	StateClosing
	StateClosed
)

func (s PlaybookState) String() string {
	switch s {
	case StateOpening:
		return "Opening"
	case StateOpened:
		return "Opened"
	case StateFailed:
		return "Failed"
	case StateCanceling:
		return "Canceling"
	case StateCanceled:
		return "Canceled"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// PlaybookStateTuple pairs a state with when it was entered.
type PlaybookStateTuple struct {
	State     PlaybookState
	Timestamp int64
}

// Playbook is one scripted round trip: open one position, hold, close.
type Playbook interface {
	ID() string
	Instrument() *exchangeable.Instrument
	StateTuple() PlaybookStateTuple
	Attr(name string) string

	// Open submits the entry order; valid once, in Opening.
	Open() error
}

// PlaybookBuilder carries everything needed to create a playbook.
type PlaybookBuilder struct {
	Instrument    *exchangeable.Instrument
	OpenDirection PosDirection
	Volume        int
	OpenPrice     md.Price
	PriceType     OrderPriceType
	Attrs         map[string]string
}

// PlaybookCloseReq asks the keeper to close a playbook; ActionID names
// the trigger for audit.
type PlaybookCloseReq struct {
	ActionID string
}

// PlaybookListener observes state transitions of playbooks it created.
type PlaybookListener interface {
	OnPlaybookStateChanged(pb Playbook, oldState PlaybookStateTuple)
}

// PlaybookKeeper owns playbook execution. Strategy code only ever
// creates, opens, closes and lists.
type PlaybookKeeper interface {
	CreatePlaybook(listener PlaybookListener, builder PlaybookBuilder) (Playbook, error)
	ClosePlaybook(pb Playbook, req PlaybookCloseReq) error
	// ActivePlaybooks returns non-terminal playbooks; filter may be nil.
	ActivePlaybooks(filter func(Playbook) bool) []Playbook
}
