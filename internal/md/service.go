package md

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/logs"

	"main/internal/bus"
	"main/internal/exchangeable"
	"main/internal/obs"
	"main/internal/ops"
)

// ProducerConnectTimeout closes producers stuck in Connecting.
const ProducerConnectTimeout = 15 * time.Second

// reloadInterval drives the periodic producer reload/reconnect task.
const reloadInterval = 15 * time.Second

// ServiceState is the market-data service lifecycle.
type ServiceState uint8

const (
	ServiceUnknown ServiceState = iota
	ServiceStarting
	ServiceReady
	ServiceStopped
)

// TimeService supplies the wall clock and the current trading day.
// Tests inject deterministic implementations.
type TimeService interface {
	CurrentTimeMillis() int64
	TradingDay() exchangeable.Day
}

// RealTimeService is the wall-clock TimeService.
type RealTimeService struct{}

func (RealTimeService) CurrentTimeMillis() int64 { return time.Now().UnixMilli() }

func (RealTimeService) TradingDay() exchangeable.Day {
	if day, ok := exchangeable.TradingDayAt(time.Now()); ok {
		return day
	}
	return exchangeable.NextTradingDay(exchangeable.DayOf(time.Now()))
}

// Account exposes the slice of a trading account the service needs for
// type-driven subscription.
type Account interface {
	ID() string
	QueryInstruments() ([]*exchangeable.Instrument, error)
}

// Deps wires the service collaborators.
type Deps struct {
	Config         *ops.Config
	Bus            *bus.Bus
	Metrics        *obs.Metrics
	Factories      *FactoryRegistry
	TimeService    TimeService
	PrimaryQuerier PrimaryQuerier
}

// Service orchestrates producers, subscriptions, dispatch, durable save
// and configuration reload.
type Service struct {
	cfg            *ops.Config
	bus            *bus.Bus
	metrics        *obs.Metrics
	factories      *FactoryRegistry
	timeService    TimeService
	primaryQuerier PrimaryQuerier

	dataDir        string
	saveData       bool
	saveMerged     bool
	staleThreshold int64 // ms

	state atomic.Uint32
	saver *Saver

	primaryInstruments  []*exchangeable.Instrument
	primaryInstruments2 []*exchangeable.Instrument

	// producers is replaced atomically by reload; individual producers
	// are internally thread-safe.
	producers        atomic.Pointer[map[string]Producer]
	reloadInProgress atomic.Bool

	holderLock       sync.RWMutex
	listenerHolders  map[*exchangeable.Instrument]*listenerHolder
	genericListeners atomic.Pointer[[]Listener]

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates the service in Unknown state.
func NewService(deps Deps) *Service {
	if deps.Metrics == nil {
		deps.Metrics = &obs.Metrics{}
	}
	if deps.TimeService == nil {
		deps.TimeService = RealTimeService{}
	}
	if deps.Factories == nil {
		deps.Factories = NewFactoryRegistry()
	}
	s := &Service{
		cfg:             deps.Config,
		bus:             deps.Bus,
		metrics:         deps.Metrics,
		factories:       deps.Factories,
		timeService:     deps.TimeService,
		primaryQuerier:  deps.PrimaryQuerier,
		dataDir:         deps.Config.DataDir(),
		listenerHolders: make(map[*exchangeable.Instrument]*listenerHolder),
	}
	empty := make([]Listener, 0)
	s.genericListeners.Store(&empty)
	producers := make(map[string]Producer)
	s.producers.Store(&producers)
	return s
}

// State returns the service lifecycle state.
func (s *Service) State() ServiceState { return ServiceState(s.state.Load()) }

func (s *Service) setState(state ServiceState) { s.state.Store(uint32(state)) }

// Metrics exposes the pipeline counters.
func (s *Service) Metrics() *obs.Metrics { return s.metrics }

// Init moves the service to Starting: resolves primary instruments,
// loads subscriptions and producers, registers the bus filter and
// starts the durable saver plus the periodic reload task.
func (s *Service) Init(ctx context.Context) error {
	s.setState(ServiceStarting)
	s.saveData = s.cfg.SaveData()
	s.saveMerged = s.cfg.SaveMerged()
	s.staleThreshold = s.cfg.StaleTickThreshold().Milliseconds()

	s.queryOrLoadPrimaryInstruments()
	all := s.reloadSubscriptions(nil, nil)
	logs.Infof("subscribe instruments: %v", all)

	if s.saveData {
		saver, err := NewSaver(s.dataDir, s.metrics)
		if err != nil {
			return err
		}
		s.saver = saver
	} else {
		logs.Info("market data save is disabled")
	}

	s.bus.AddFilter(s, bus.EventTypeMarketData)
	s.reloadProducers()

	ctx, s.cancel = context.WithCancel(ctx)
	if s.saver != nil {
		s.saver.Start(ctx)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.reloadLoop(ctx)
	}()
	return nil
}

// NotifyReady moves the service to Ready and connects producers that
// are still Initialized. Connect may block, so it runs off-thread.
func (s *Service) NotifyReady() {
	s.setState(ServiceReady)
	producers := *s.producers.Load()
	go func() {
		for _, p := range producers {
			if p.State() == StateInitialized {
				p.Connect()
			}
		}
	}()
}

// Close stops the service: flushes the saver, closes producers and logs
// their counters.
func (s *Service) Close() {
	s.setState(ServiceStopped)
	if s.cancel != nil {
		s.cancel()
	}
	if s.saver != nil {
		s.saver.Close()
	}
	for _, p := range *s.producers.Load() {
		p.Close()
		logs.Infof("producer %s state=%s connectCount=%d tickCount=%d",
			p.ID(), p.State(), p.ConnectCount(), p.TickCount())
	}
	s.wg.Wait()
}

func (s *Service) reloadLoop(ctx context.Context) {
	ticker := time.NewTicker(reloadInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reloadOnce()
		}
	}
}

// reloadOnce runs the producer reload and reconnect pass; concurrent
// reloads are skipped.
func (s *Service) reloadOnce() {
	if !s.reloadInProgress.CompareAndSwap(false, true) {
		return
	}
	defer s.reloadInProgress.Store(false)
	s.reloadProducers()
	s.reconnectProducers()
}

// GetLastData returns the last accepted tick of an instrument.
func (s *Service) GetLastData(instrument *exchangeable.Instrument) *MarketData {
	s.holderLock.RLock()
	holder := s.listenerHolders[instrument]
	s.holderLock.RUnlock()
	if holder == nil {
		return nil
	}
	return holder.getLastData()
}

// GetSubscriptions returns the currently subscribed instruments.
func (s *Service) GetSubscriptions() []*exchangeable.Instrument {
	s.holderLock.RLock()
	defer s.holderLock.RUnlock()
	result := make([]*exchangeable.Instrument, 0, len(s.listenerHolders))
	for instr := range s.listenerHolders {
		result = append(result, instr)
	}
	return result
}

// GetProducer returns a producer by id, nil when unknown.
func (s *Service) GetProducer(id string) Producer {
	return (*s.producers.Load())[id]
}

// AddSubscriptions registers instruments and, when Ready, subscribes
// them upstream.
func (s *Service) AddSubscriptions(instruments []*exchangeable.Instrument) {
	var added []*exchangeable.Instrument
	s.holderLock.Lock()
	for _, instr := range instruments {
		if _, ok := s.listenerHolders[instr]; ok {
			continue
		}
		s.listenerHolders[instr] = newListenerHolder(instr, s.timeService.TradingDay())
		added = append(added, instr)
	}
	s.holderLock.Unlock()
	if len(added) > 0 && s.State() == ServiceReady {
		s.producersSubscribe(added)
	}
}

// AddListener registers a listener for specific instruments, or as a
// generic listener receiving every accepted tick when none are given.
func (s *Service) AddListener(listener Listener, instruments ...*exchangeable.Instrument) {
	if len(instruments) == 0 {
		s.holderLock.Lock()
		curr := *s.genericListeners.Load()
		next := make([]Listener, len(curr)+1)
		copy(next, curr)
		next[len(curr)] = listener
		s.genericListeners.Store(&next)
		s.holderLock.Unlock()
		return
	}

	var subscribes []*exchangeable.Instrument
	s.holderLock.Lock()
	for _, instr := range instruments {
		holder := s.listenerHolders[instr]
		if holder == nil {
			holder = newListenerHolder(instr, s.timeService.TradingDay())
			s.listenerHolders[instr] = holder
			subscribes = append(subscribes, instr)
		}
		holder.addListener(listener)
	}
	s.holderLock.Unlock()

	if len(subscribes) > 0 {
		go s.producersSubscribe(subscribes)
	}
}

// OnEvent is the bus filter: the dispatch path for every published tick.
func (s *Service) OnEvent(e bus.Event) bool {
	tick, ok := e.Data.(*MarketData)
	if !ok {
		return false
	}
	// Stale-or-future guard.
	delta := s.timeService.CurrentTimeMillis() - tick.UpdateTimestamp
	if delta < 0 {
		delta = -delta
	}
	if delta >= s.staleThreshold {
		s.metrics.StaleDropped()
		return true
	}

	holder := s.getOrCreateListenerHolder(tick.Instrument)
	if holder == nil || !holder.checkTick(tick) {
		s.metrics.FilterRejected()
		return true
	}
	tick.PostProcess(holder.tradingTimes)

	for _, l := range *s.genericListeners.Load() {
		s.invokeListener(l, tick)
	}
	for _, l := range holder.getListeners() {
		s.invokeListener(l, tick)
	}

	if s.saveMerged && s.saveData && s.saver != nil {
		merged := tick.Clone()
		merged.ProducerID = "merged"
		s.saver.AsyncSave(merged)
	}
	return true
}

// invokeListener isolates one callback: a panicking listener is logged
// and never aborts dispatch for the others.
func (s *Service) invokeListener(l Listener, tick *MarketData) {
	defer func() {
		if r := recover(); r != nil {
			s.metrics.ListenerPanic()
			logs.Errorf("market data listener %T failed on %s: %+v", l, tick, r)
		}
	}()
	l.OnMarketData(tick)
}

// OnMarketData is the producer-tick path: publish to the bus and queue
// the raw tick for durable write.
func (s *Service) OnMarketData(tick *MarketData) {
	s.metrics.TickPublished()
	if err := s.bus.TryPublish(bus.Event{Type: bus.EventTypeMarketData, Data: tick}); err != nil {
		s.metrics.BusDropped()
	}
	if s.saveData && s.saver != nil {
		s.saver.AsyncSave(tick)
	}
}

// OnProducerStateChanged reacts to producer connection transitions.
func (s *Service) OnProducerStateChanged(p Producer, oldState ConnState) {
	switch p.State() {
	case StateConnected:
		instruments := s.GetSubscriptions()
		if len(instruments) > 0 {
			go p.Subscribe(instruments)
		}
	case StateDisconnected:
		logs.Errorf("%s: producer %s (was %s)", ErrProducerDisconnected, p.ID(), oldState)
	case StateConnectFailed:
		logs.Errorf("%s: producer %s (was %s)", ErrProducerConnectFailed, p.ID(), oldState)
	}
}

// OnAccountReady subscribes the account's instrument universe filtered
// by the configured subscriptionByTypes.
func (s *Service) OnAccountReady(account Account) {
	byTypes := s.cfg.SubscriptionByTypes()
	if byTypes == "" {
		return
	}
	wanted := make(map[exchangeable.InstrumentType]bool)
	for _, name := range strings.Split(byTypes, ",") {
		if t, ok := exchangeable.ParseInstrumentType(strings.TrimSpace(name)); ok {
			wanted[t] = true
		}
	}
	if len(wanted) == 0 {
		return
	}

	instruments, err := account.QueryInstruments()
	if err != nil {
		logs.Errorf("query account %s instruments failed: %+v", account.ID(), err)
		return
	}
	var toSub []*exchangeable.Instrument
	s.holderLock.RLock()
	for _, instr := range instruments {
		if wanted[instr.Type()] {
			if _, ok := s.listenerHolders[instr]; !ok {
				toSub = append(toSub, instr)
			}
		}
	}
	s.holderLock.RUnlock()
	if len(toSub) > 0 {
		logs.Infof("subscribe %s instruments from account %s: %v", byTypes, account.ID(), toSub)
		s.AddSubscriptions(toSub)
	}
}

// ReloadSubscriptionsAndSubscribe re-reads the subscription spec and
// subscribes any new instruments upstream. Config watchers call this.
func (s *Service) ReloadSubscriptionsAndSubscribe() {
	var added []*exchangeable.Instrument
	s.reloadSubscriptions(s.GetSubscriptions(), &added)
	if len(added) > 0 {
		s.producersSubscribe(added)
	}
}

// reloadSubscriptions parses the subscription spec grammar, registers
// holders for new instruments under the write lock and returns the full
// set. added, when non-nil, collects the newly registered instruments.
func (s *Service) reloadSubscriptions(current []*exchangeable.Instrument, added *[]*exchangeable.Instrument) []*exchangeable.Instrument {
	text := s.cfg.Subscriptions()
	resolved := make(map[*exchangeable.Instrument]bool)
	var order []*exchangeable.Instrument
	appendResolved := func(instr *exchangeable.Instrument) {
		if instr != nil && !resolved[instr] {
			resolved[instr] = true
			order = append(order, instr)
		}
	}

	for _, spec := range splitSpec(text) {
		if !strings.HasPrefix(spec, "$") {
			instr, err := exchangeable.FromString(spec)
			if err != nil {
				logs.Errorf("malformed subscription %q skipped: %+v", spec, err)
				continue
			}
			appendResolved(instr)
			continue
		}
		name := spec[1:]
		switch {
		case strings.EqualFold(name, "PrimaryInstruments") || strings.EqualFold(name, "PrimaryContracts"):
			for _, instr := range s.primaryInstruments {
				appendResolved(instr)
			}
		case strings.EqualFold(name, "PrimaryInstruments2") || strings.EqualFold(name, "PrimaryContracts2"):
			for _, instr := range s.primaryInstruments2 {
				appendResolved(instr)
			}
		default:
			instr := s.GetPrimaryInstrument(nil, name)
			if instr == nil {
				logs.Errorf("cannot resolve primary contract for %q", spec)
				continue
			}
			appendResolved(instr)
		}
	}

	all := make([]*exchangeable.Instrument, 0, len(current)+len(order))
	known := make(map[*exchangeable.Instrument]bool, len(current))
	for _, instr := range current {
		all = append(all, instr)
		known[instr] = true
	}
	var fresh []*exchangeable.Instrument
	for _, instr := range order {
		if known[instr] {
			continue
		}
		all = append(all, instr)
		fresh = append(fresh, instr)
	}
	if added != nil {
		*added = append(*added, fresh...)
	}

	if len(fresh) > 0 {
		s.holderLock.Lock()
		for _, instr := range fresh {
			if _, ok := s.listenerHolders[instr]; !ok {
				s.listenerHolders[instr] = newListenerHolder(instr, s.timeService.TradingDay())
			}
		}
		s.holderLock.Unlock()
		logs.Infof("total %d subscriptions loaded, %d added", len(all), len(fresh))
	}
	return all
}

func splitSpec(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return r == ',' || r == ';' || r == '\r' || r == '\n'
	})
	result := fields[:0]
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			result = append(result, f)
		}
	}
	return result
}

// producersSubscribe pushes instruments to every Connected producer.
func (s *Service) producersSubscribe(instruments []*exchangeable.Instrument) {
	if len(instruments) == 0 || s.State() != ServiceReady {
		return
	}
	var connected []Producer
	for _, p := range *s.producers.Load() {
		if p.State() == StateConnected {
			connected = append(connected, p)
		}
	}
	logs.Infof("subscribe %v to %d connected producers", instruments, len(connected))
	for _, p := range connected {
		p.Subscribe(instruments)
	}
}

// reconnectProducers reconnects Disconnected producers and force-closes
// any producer stuck in Connecting beyond the timeout.
func (s *Service) reconnectProducers() {
	now := time.Now().UnixMilli()
	for _, p := range *s.producers.Load() {
		switch p.State() {
		case StateDisconnected:
			p.Connect()
		case StateConnecting:
			if now-p.StateTime() > ProducerConnectTimeout.Milliseconds() {
				p.Close()
			}
		}
	}
}

// reloadProducers diffs the producer config list against the live map:
// unchanged configs keep their producer, changed ones are recreated,
// missing ones are closed, new ones are created.
func (s *Service) reloadProducers() {
	t0 := time.Now()
	curr := make(map[string]Producer, len(*s.producers.Load()))
	for id, p := range *s.producers.Load() {
		curr[id] = p
	}
	next := make(map[string]Producer)
	var created []Producer
	var addedIDs, deletedIDs []string

	configs := s.cfg.Producers()
	for _, itemCfg := range configs {
		id, _ := itemCfg["id"].(string)
		if id == "" {
			logs.Errorf("producer config without id skipped: %v", itemCfg)
			continue
		}
		p := curr[id]
		delete(curr, id)
		if p != nil {
			if p.ConfigEquals(itemCfg) {
				next[id] = p
				continue
			}
			p.Close()
			deletedIDs = append(deletedIDs, id)
		}
		p, err := s.factories.Create(itemCfg, s)
		if err != nil {
			logs.Errorf("create producer %s failed: %+v", id, err)
			continue
		}
		next[id] = p
		created = append(created, p)
		addedIDs = append(addedIDs, id)
	}
	for id, p := range curr {
		p.Close()
		deletedIDs = append(deletedIDs, id)
	}
	s.producers.Store(&next)

	if len(addedIDs) > 0 || len(deletedIDs) > 0 {
		logs.Infof("total %d producers loaded from %d config items in %s, added: %v, deleted: %v",
			len(next), len(configs), time.Since(t0), addedIDs, deletedIDs)
	}
	if s.State() == ServiceReady {
		for _, p := range created {
			go p.Connect()
		}
	}
}

func (s *Service) getOrCreateListenerHolder(instrument *exchangeable.Instrument) *listenerHolder {
	s.holderLock.RLock()
	holder := s.listenerHolders[instrument]
	s.holderLock.RUnlock()
	if holder != nil {
		return holder
	}
	s.holderLock.Lock()
	defer s.holderLock.Unlock()
	if holder = s.listenerHolders[instrument]; holder == nil {
		holder = newListenerHolder(instrument, s.timeService.TradingDay())
		s.listenerHolders[instrument] = holder
	}
	return holder
}
