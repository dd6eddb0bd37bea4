package md

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/errors"

	"main/internal/exchangeable"
)

// Provider names of the built-in producer factories.
const (
	ProviderCTP  = "ctp"
	ProviderWeb  = "web"
	ProviderFile = "file"
)

// Errors surfaced for producer lifecycle failures.
var (
	ErrProducerDisconnected  = errors.New("ERR_MD_PRODUCER_DISCONNECTED")
	ErrProducerConnectFailed = errors.New("ERR_MD_PRODUCER_CONNECT_FAILED")
	ErrProducerCreateFailed  = errors.New("ERR_MD_PRODUCER_CREATE_FAILED")
)

// ConnState is the connection state of one producer.
type ConnState uint8

const (
	StateInitialized ConnState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateConnectFailed
)

func (s ConnState) String() string {
	switch s {
	case StateInitialized:
		return "Initialized"
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateDisconnected:
		return "Disconnected"
	case StateConnectFailed:
		return "ConnectFailed"
	default:
		return "Unknown"
	}
}

// Producer is one upstream market-data feed connection.
type Producer interface {
	ID() string
	Provider() string
	State() ConnState
	StateTime() int64
	ConnectCount() int64
	TickCount() int64

	// Connect is idempotent; it only acts in Initialized/Disconnected.
	Connect()
	// Close forces Disconnected and releases sockets.
	Close()
	// Subscribe registers instruments upstream; valid only in Connected.
	Subscribe(instruments []*exchangeable.Instrument)
	// ConfigEquals compares against a new raw config item canonically.
	ConfigEquals(cfg map[string]any) bool
}

// ProducerListener receives ticks and state changes from producers.
// Implementations must never block the producer's I/O goroutine.
type ProducerListener interface {
	OnMarketData(tick *MarketData)
	OnProducerStateChanged(p Producer, oldState ConnState)
}

// ProducerFactory builds a producer from one raw config item.
type ProducerFactory interface {
	Create(cfg map[string]any, listener ProducerListener) (Producer, error)
}

// FactoryRegistry maps provider name to factory. Populated at startup,
// effectively immutable afterwards.
type FactoryRegistry struct {
	mu        sync.RWMutex
	factories map[string]ProducerFactory
}

// NewFactoryRegistry creates an empty registry.
func NewFactoryRegistry() *FactoryRegistry {
	return &FactoryRegistry{factories: make(map[string]ProducerFactory)}
}

// Register installs a factory for a provider name.
func (r *FactoryRegistry) Register(provider string, factory ProducerFactory) {
	r.mu.Lock()
	r.factories[provider] = factory
	r.mu.Unlock()
}

// Providers returns the sorted registered provider names.
func (r *FactoryRegistry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create builds a producer from a raw config item. A missing provider
// key defaults to ctp the way the upstream feeds are usually deployed.
func (r *FactoryRegistry) Create(cfg map[string]any, listener ProducerListener) (Producer, error) {
	provider, _ := cfg["provider"].(string)
	if provider == "" {
		provider = ProviderCTP
	}
	r.mu.RLock()
	factory := r.factories[provider]
	r.mu.RUnlock()
	if factory == nil {
		return nil, errors.Wrapf(ErrProducerCreateFailed, "unsupported provider %q", provider)
	}
	return factory.Create(cfg, listener)
}

// ProducerBase carries the shared state machine and counters. Concrete
// producers embed it and drive transitions through changeState.
type ProducerBase struct {
	id       string
	provider string
	cfg      map[string]any
	listener ProducerListener
	self     Producer

	mu        sync.Mutex
	state     ConnState
	stateTime int64

	connectCount atomic.Int64
	tickCount    atomic.Int64
}

// NewProducerBase initializes the shared producer state from a config item.
func NewProducerBase(provider string, cfg map[string]any, listener ProducerListener) (*ProducerBase, error) {
	id, _ := cfg["id"].(string)
	if id == "" {
		return nil, errors.Wrap(ErrProducerCreateFailed, "producer config missing id")
	}
	return &ProducerBase{
		id:        id,
		provider:  provider,
		cfg:       cfg,
		listener:  listener,
		state:     StateInitialized,
		stateTime: time.Now().UnixMilli(),
	}, nil
}

func (b *ProducerBase) ID() string          { return b.id }
func (b *ProducerBase) Provider() string    { return b.provider }
func (b *ProducerBase) ConnectCount() int64 { return b.connectCount.Load() }
func (b *ProducerBase) TickCount() int64    { return b.tickCount.Load() }

// State returns the current connection state.
func (b *ProducerBase) State() ConnState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// StateTime returns when the current state was entered (ms since epoch).
func (b *ProducerBase) StateTime() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateTime
}

// ChangeState transitions to a new state and notifies the listener.
// Returns false when the state was already current.
func (b *ProducerBase) ChangeState(state ConnState) bool {
	b.mu.Lock()
	old := b.state
	if old == state {
		b.mu.Unlock()
		return false
	}
	b.state = state
	b.stateTime = time.Now().UnixMilli()
	if state == StateConnecting {
		b.connectCount.Add(1)
	}
	b.mu.Unlock()
	if b.listener != nil && b.self != nil {
		b.listener.OnProducerStateChanged(b.self, old)
	}
	return true
}

// Bind attaches the concrete producer so state-change callbacks report
// it instead of the embedded base.
func (b *ProducerBase) Bind(p Producer) { b.self = p }

// EmitTick counts and forwards one parsed tick.
func (b *ProducerBase) EmitTick(tick *MarketData) {
	b.tickCount.Add(1)
	if b.listener != nil {
		b.listener.OnMarketData(tick)
	}
}

// ConfigEquals compares the raw config maps canonically: same key set,
// values compared by their printed form.
func (b *ProducerBase) ConfigEquals(cfg map[string]any) bool {
	return ConfigEquals(b.cfg, cfg)
}

// Config returns the raw config item the producer was created from.
func (b *ProducerBase) Config() map[string]any { return b.cfg }

// ConfigEquals reports canonical equality of two raw config items.
func ConfigEquals(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for key, av := range a {
		bv, ok := b[key]
		if !ok {
			return false
		}
		if fmt.Sprint(av) != fmt.Sprint(bv) {
			return false
		}
	}
	return true
}
