// Package paper is an in-memory playbook keeper that fills limit
// orders against the live tick stream. It backs paper trading and the
// strategy tests.
package paper

import (
	"strconv"
	"sync"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/exchangeable"
	"main/internal/md"
	"main/internal/tradlet"
)

type playbook struct {
	keeper   *Keeper
	id       string
	builder  tradlet.PlaybookBuilder
	listener tradlet.PlaybookListener

	mu    sync.Mutex
	state tradlet.PlaybookStateTuple
}

func (p *playbook) ID() string { return p.id }

func (p *playbook) Instrument() *exchangeable.Instrument { return p.builder.Instrument }

func (p *playbook) StateTuple() tradlet.PlaybookStateTuple {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *playbook) Attr(name string) string { return p.builder.Attrs[name] }

// Open arms the playbook for fill matching against incoming ticks.
func (p *playbook) Open() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.State != tradlet.StateOpening {
		return errors.Errorf("playbook %s cannot open in state %s", p.id, p.state.State)
	}
	return nil
}

// changeState transitions and notifies outside the lock.
func (p *playbook) changeState(state tradlet.PlaybookState, ts int64) {
	p.mu.Lock()
	old := p.state
	if old.State == state {
		p.mu.Unlock()
		return
	}
	p.state = tradlet.PlaybookStateTuple{State: state, Timestamp: ts}
	p.mu.Unlock()
	if p.listener != nil {
		p.listener.OnPlaybookStateChanged(p, old)
	}
}

func (p *playbook) terminal() bool {
	switch p.StateTuple().State {
	case tradlet.StateFailed, tradlet.StateCanceled, tradlet.StateClosed:
		return true
	}
	return false
}

// Keeper simulates playbook execution: a limit open fills when the
// opposite side crosses the order price. It registers as a generic
// market-data listener.
type Keeper struct {
	mu        sync.Mutex
	seq       int64
	playbooks []*playbook
}

func New() *Keeper { return &Keeper{} }

func (k *Keeper) CreatePlaybook(listener tradlet.PlaybookListener, builder tradlet.PlaybookBuilder) (tradlet.Playbook, error) {
	if builder.Instrument == nil {
		return nil, errors.New("playbook builder missing instrument")
	}
	if builder.Volume <= 0 {
		return nil, errors.Errorf("playbook volume %d invalid", builder.Volume)
	}
	k.mu.Lock()
	k.seq++
	pb := &playbook{
		keeper:   k,
		id:       "pb_" + strconv.FormatInt(k.seq, 10),
		builder:  builder,
		listener: listener,
		state:    tradlet.PlaybookStateTuple{State: tradlet.StateOpening, Timestamp: time.Now().UnixMilli()},
	}
	k.playbooks = append(k.playbooks, pb)
	k.mu.Unlock()
	return pb, nil
}

func (k *Keeper) ClosePlaybook(pb tradlet.Playbook, req tradlet.PlaybookCloseReq) error {
	inner, ok := pb.(*playbook)
	if !ok || inner.keeper != k {
		return errors.Errorf("playbook %s is not managed by this keeper", pb.ID())
	}
	ts := time.Now().UnixMilli()
	switch inner.StateTuple().State {
	case tradlet.StateOpening:
		inner.changeState(tradlet.StateCanceled, ts)
	case tradlet.StateOpened:
		inner.changeState(tradlet.StateClosing, ts)
		inner.changeState(tradlet.StateClosed, ts)
	default:
		return errors.Errorf("playbook %s cannot close in state %s", pb.ID(), inner.StateTuple().State)
	}
	logs.Infof("playbook %s closed by %s", pb.ID(), req.ActionID)
	return nil
}

func (k *Keeper) ActivePlaybooks(filter func(tradlet.Playbook) bool) []tradlet.Playbook {
	k.mu.Lock()
	defer k.mu.Unlock()
	var result []tradlet.Playbook
	for _, pb := range k.playbooks {
		if pb.terminal() {
			continue
		}
		if filter == nil || filter(pb) {
			result = append(result, pb)
		}
	}
	return result
}

// OnMarketData fills armed limit opens whose price is crossed by the
// opposite side of the book.
func (k *Keeper) OnMarketData(tick *md.MarketData) {
	k.mu.Lock()
	pending := make([]*playbook, 0, len(k.playbooks))
	for _, pb := range k.playbooks {
		if pb.builder.Instrument == tick.Instrument && pb.StateTuple().State == tradlet.StateOpening {
			pending = append(pending, pb)
		}
	}
	k.mu.Unlock()

	for _, pb := range pending {
		if filled(pb.builder, tick) {
			pb.changeState(tradlet.StateOpened, tick.UpdateTimestamp)
		}
	}
}

func filled(b tradlet.PlaybookBuilder, tick *md.MarketData) bool {
	if b.PriceType == tradlet.AnyPrice {
		return true
	}
	if b.OpenDirection == tradlet.DirLong {
		return tick.LastAskPrice() <= b.OpenPrice
	}
	return tick.LastBidPrice() >= b.OpenPrice
}
