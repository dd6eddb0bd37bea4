package cta

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/exchangeable"
	"main/internal/md"
	"main/internal/ta"
	"main/internal/tradlet"
)

// AttrRuleID tags a playbook with the rule that opened it.
const AttrRuleID = "ctaRuleId"

// ErrUnknownPath is returned for admin query paths the tradlet does
// not serve.
var ErrUnknownPath = errors.New("unknown query path")

// Config wires the tradlet collaborators.
type Config struct {
	GroupID     string
	AccountID   string
	HintFile    string
	Keeper      tradlet.PlaybookKeeper
	TAAccess    *ta.Access
	TimeService md.TimeService
	// RealTime enables the hint-file watcher; backtests leave it off.
	RealTime bool
}

// Tradlet executes hint rules: it watches ticks for entries and exits,
// drives playbooks through the keeper and persists rule state.
//
// All tick and playbook callbacks arrive on the single dispatcher
// goroutine; the file watcher is the only other writer and takes the
// same lock.
type Tradlet struct {
	groupID     string
	accountID   string
	hintFile    string
	stateFile   string
	keeper      tradlet.PlaybookKeeper
	taAccess    *ta.Access
	timeService md.TimeService

	mu          sync.Mutex
	hints       []*Hint
	ruleLogs    map[string]*RuleLog
	logOrder    []string
	toEnter     map[*exchangeable.Instrument][]*Rule
	activeRules map[string]*Rule
	activeOrder []string

	saveCh  chan struct{}
	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// New loads persisted rule state, parses the hint file and, in
// real-time mode, starts watching it for edits.
func New(cfg Config) (*Tradlet, error) {
	if cfg.Keeper == nil {
		return nil, errors.New("cta tradlet requires a playbook keeper")
	}
	if cfg.TimeService == nil {
		cfg.TimeService = md.RealTimeService{}
	}
	t := &Tradlet{
		groupID:     cfg.GroupID,
		accountID:   cfg.AccountID,
		hintFile:    cfg.HintFile,
		stateFile:   strings.TrimSuffix(cfg.HintFile, filepath.Ext(cfg.HintFile)) + ".json",
		keeper:      cfg.Keeper,
		taAccess:    cfg.TAAccess,
		timeService: cfg.TimeService,
		ruleLogs:    make(map[string]*RuleLog),
		toEnter:     make(map[*exchangeable.Instrument][]*Rule),
		activeRules: make(map[string]*Rule),
		saveCh:      make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	t.loadRuleLogs()
	if err := t.ReloadHints(); err != nil {
		return nil, err
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.saveLoop()
	}()

	if cfg.RealTime {
		if err := t.startWatcher(); err != nil {
			logs.Errorf("group %s watch %s failed: %+v", t.groupID, t.hintFile, err)
		}
	}
	return t, nil
}

// Close stops the watcher and flushes a final state save.
func (t *Tradlet) Close() {
	close(t.done)
	if t.watcher != nil {
		t.watcher.Close()
	}
	t.wg.Wait()
	t.saveHintLogs()
}

// SubscribedInstruments returns the instruments active rules need
// ticks for.
func (t *Tradlet) SubscribedInstruments() []*exchangeable.Instrument {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := make(map[*exchangeable.Instrument]bool)
	var result []*exchangeable.Instrument
	for _, id := range t.activeOrder {
		rule := t.activeRules[id]
		if rule != nil && !seen[rule.Hint.Instrument] {
			seen[rule.Hint.Instrument] = true
			result = append(result, rule.Hint.Instrument)
		}
	}
	return result
}

// OnMarketData evaluates one tick: close pass first, then at most one
// entry. Only open-market ticks are considered. Rule-log bookkeeping
// runs under the lock; keeper calls run outside it because the keeper
// calls back into OnPlaybookStateChanged.
func (t *Tradlet) OnMarketData(tick *md.MarketData) {
	if tick.MktStage != exchangeable.StageMarketOpen {
		return
	}
	playbooks := t.keeper.ActivePlaybooks(nil)

	t.mu.Lock()
	closes := t.planCloses(playbooks, tick)
	entry, discarded := t.planEntry(tick)
	t.mu.Unlock()

	changed := len(closes) > 0 || discarded
	for _, c := range closes {
		if err := t.keeper.ClosePlaybook(c.pb, c.req); err != nil {
			logs.Errorf("group %s close playbook %s failed: %+v", t.groupID, c.pb.ID(), err)
		}
		logs.Infof("group %s instrument %s rule %s closed playbook %s", t.groupID, tick.Instrument, c.ruleID, c.pb.ID())
	}
	if entry != nil {
		t.createPlaybookFromRule(entry, tick)
		changed = true
	}
	if changed {
		t.requestSave()
	}
}

type closeAction struct {
	pb     tradlet.Playbook
	req    tradlet.PlaybookCloseReq
	ruleID string
}

// planCloses checks every opened playbook on the tick's instrument
// against its rule's exits: stop, then take, then cutoff. Must run with
// the lock held.
func (t *Tradlet) planCloses(playbooks []tradlet.Playbook, tick *md.MarketData) []closeAction {
	var closes []closeAction
	for _, pb := range playbooks {
		if pb.Instrument() != tick.Instrument || pb.StateTuple().State != tradlet.StateOpened {
			continue
		}
		ruleID := pb.Attr(AttrRuleID)
		if ruleID == "" {
			continue
		}
		rule := t.activeRules[ruleID]
		if rule == nil {
			continue
		}
		var req *tradlet.PlaybookCloseReq
		switch {
		case rule.MatchStop(tick):
			req = &tradlet.PlaybookCloseReq{ActionID: "stopLoss@" + tick.LastPrice.String()}
			t.logChangeState(rule.ID, RuleStopLoss, tickTime(tick)+" 止损@"+tick.LastPrice.String())
			t.discardHintSiblings(rule, tick)
		case rule.MatchTake(tick):
			req = &tradlet.PlaybookCloseReq{ActionID: "takeProfit@" + tick.LastPrice.String()}
			t.logChangeState(rule.ID, RuleTakeProfit, tickTime(tick)+" 止盈@"+tick.LastPrice.String())
		case rule.MatchEnd(tick):
			req = &tradlet.PlaybookCloseReq{ActionID: "timeout@" + tick.LastPrice.String()}
			t.logChangeState(rule.ID, RuleTimeout, tickTime(tick)+" 超时@"+tick.LastPrice.String())
		}
		if req == nil {
			continue
		}
		t.removeActiveRule(rule.ID)
		closes = append(closes, closeAction{pb: pb, req: *req, ruleID: rule.ID})
	}
	return closes
}

// discardHintSiblings drops every pending alternative entry of the
// stopped rule's hint: the stop invalidated the whole thesis.
func (t *Tradlet) discardHintSiblings(rule *Rule, tick *md.MarketData) {
	for _, sibling := range rule.Hint.Rules {
		if sibling.ID == rule.ID {
			continue
		}
		log := t.ruleLogs[sibling.ID]
		if log == nil || log.State != RuleToEnter {
			continue
		}
		log.ChangeState(RuleDiscarded, tickTime(tick)+" Hint止损@"+tick.LastPrice.String())
		t.removePending(sibling)
		t.removeActiveRule(sibling.ID)
	}
}

// planEntry scans the pending rules of the tick's instrument: expired
// windows are discarded, the first strict match is returned as the one
// entry for this tick. Must run with the lock held.
func (t *Tradlet) planEntry(tick *md.MarketData) (entry *Rule, discarded bool) {
	rules := t.toEnter[tick.Instrument]
	if len(rules) == 0 {
		return nil, false
	}
	for _, rule := range append([]*Rule(nil), rules...) {
		if rule.Disabled {
			continue
		}
		log := t.ruleLogs[rule.ID]
		if log == nil || log.State != RuleToEnter {
			continue
		}
		if rule.MatchDiscard(tick) {
			t.removePending(rule)
			t.removeActiveRule(rule.ID)
			log.ChangeState(RuleDiscarded, tickTime(tick)+" 未进场撤@"+tick.LastPrice.String())
			discarded = true
			continue
		}
		if rule.MatchEnterStrict(tick, t.taAccess) {
			t.removePending(rule)
			return rule, discarded
		}
	}
	return nil, discarded
}

func (t *Tradlet) createPlaybookFromRule(rule *Rule, tick *md.MarketData) {
	price := tick.LastAskPrice()
	if rule.Dir == tradlet.DirShort {
		price = tick.LastBidPrice()
	}
	builder := tradlet.PlaybookBuilder{
		Instrument:    tick.Instrument,
		OpenDirection: rule.Dir,
		Volume:        rule.Volume,
		OpenPrice:     price,
		PriceType:     tradlet.LimitPrice,
		Attrs:         map[string]string{AttrRuleID: rule.ID},
	}
	pb, err := t.keeper.CreatePlaybook(t, builder)
	if err != nil {
		logs.Errorf("group %s instrument %s rule %s create playbook failed: %+v",
			t.groupID, tick.Instrument, rule.ID, err)
		// Already off the pending list; discard so the rule is not a
		// silent ToEnter zombie.
		t.mu.Lock()
		t.logChangeState(rule.ID, RuleDiscarded, tickTime(tick)+" 报单失败/未成交撤")
		t.removeActiveRule(rule.ID)
		t.mu.Unlock()
		return
	}
	t.mu.Lock()
	t.logChangeState(rule.ID, RuleOpening, tickTime(tick)+" 开仓@"+price.String())
	t.mu.Unlock()
	if err := pb.Open(); err != nil {
		logs.Errorf("group %s playbook %s open failed: %+v", t.groupID, pb.ID(), err)
	}
	logs.Infof("group %s instrument %s rule %s entered: %s", t.groupID, tick.Instrument, rule.ID, pb.ID())
}

// OnPlaybookStateChanged settles an Opening rule: a filled playbook
// moves it to Holding, a dead one discards it.
func (t *Tradlet) OnPlaybookStateChanged(pb tradlet.Playbook, oldState tradlet.PlaybookStateTuple) {
	ruleID := pb.Attr(AttrRuleID)
	if ruleID == "" {
		return
	}
	t.mu.Lock()
	log := t.ruleLogs[ruleID]
	changed := false
	if log != nil && log.State == RuleOpening {
		when := formatMillis(pb.StateTuple().Timestamp)
		switch pb.StateTuple().State {
		case tradlet.StateFailed, tradlet.StateCanceled, tradlet.StateCanceling:
			changed = log.ChangeState(RuleDiscarded, when+" 报单失败/未成交撤")
			t.removeActiveRule(ruleID)
		case tradlet.StateOpened:
			changed = log.ChangeState(RuleHolding, when+" 持仓中")
		}
	}
	t.mu.Unlock()
	if log != nil {
		logs.Infof("group %s rule %s state %s, playbook %s state %s",
			t.groupID, ruleID, log.State, pb.ID(), pb.StateTuple().State)
	}
	if changed {
		t.requestSave()
	}
}

// ReloadHints reparses the hint file and reconciles rule logs: new
// valid rules get fresh ToEnter logs, now-invalid live rules are
// discarded, done logs stay untouched. The rebuilt indexes replace the
// live ones in one swap.
func (t *Tradlet) ReloadHints() error {
	hints, err := LoadHints(t.hintFile)
	if err != nil {
		return err
	}
	tradingDay := t.timeService.TradingDay()

	t.mu.Lock()
	defer t.mu.Unlock()

	toEnter := make(map[*exchangeable.Instrument][]*Rule)
	activeRules := make(map[string]*Rule)
	var activeOrder, toEnterIDs []string
	changed := false

	for _, hint := range hints {
		hintValid := hint.Valid(tradingDay)
		for _, rule := range hint.Rules {
			ruleValid := hintValid && !rule.Disabled
			log := t.ruleLogs[rule.ID]
			if log == nil && ruleValid {
				log = NewRuleLog(rule)
				t.ruleLogs[rule.ID] = log
				t.logOrder = append(t.logOrder, rule.ID)
			}
			if !ruleValid {
				if log != nil && !log.State.Done() {
					log.ChangeState(RuleDiscarded, formatMillis(time.Now().UnixMilli())+" 规则禁用")
					changed = true
				}
				continue
			}
			if log.State == RuleToEnter {
				toEnter[hint.Instrument] = append(toEnter[hint.Instrument], rule)
				toEnterIDs = append(toEnterIDs, rule.ID)
			}
			if !log.State.Done() {
				activeRules[rule.ID] = rule
				activeOrder = append(activeOrder, rule.ID)
			}
		}
	}

	t.hints = hints
	t.toEnter = toEnter
	t.activeRules = activeRules
	t.activeOrder = activeOrder

	instruments := make([]*exchangeable.Instrument, 0, len(toEnter))
	for instr := range toEnter {
		instruments = append(instruments, instr)
	}
	logs.Infof("group %s loaded %d hints from %s, pending instruments: %v, pending rules: %v, active rules: %d",
		t.groupID, len(hints), t.hintFile, instruments, toEnterIDs, len(activeRules))

	if changed {
		t.requestSave()
	}
	return nil
}

// OnRequest serves read-only admin views as JSON.
func (t *Tradlet) OnRequest(path string) ([]byte, error) {
	switch strings.ToLower(path) {
	case "cta/hints":
		t.mu.Lock()
		defer t.mu.Unlock()
		return json.Marshal(t.hints)
	case "cta/rulelogs":
		t.mu.Lock()
		defer t.mu.Unlock()
		return json.Marshal(t.orderedLogs())
	case "cta/activerules":
		t.mu.Lock()
		defer t.mu.Unlock()
		rules := make([]*Rule, 0, len(t.activeOrder))
		for _, id := range t.activeOrder {
			if rule := t.activeRules[id]; rule != nil {
				rules = append(rules, rule)
			}
		}
		return json.Marshal(rules)
	case "cta/activeruleids":
		t.mu.Lock()
		defer t.mu.Unlock()
		return json.Marshal(t.activeOrder)
	case "cta/toenterinstruments":
		t.mu.Lock()
		defer t.mu.Unlock()
		ids := make([]string, 0, len(t.toEnter))
		for instr := range t.toEnter {
			ids = append(ids, instr.UniqueID())
		}
		return json.Marshal(ids)
	case "cta/loadrulelogs":
		t.loadRuleLogs()
		t.mu.Lock()
		defer t.mu.Unlock()
		return json.Marshal(t.orderedLogs())
	}
	return nil, errors.Wrapf(ErrUnknownPath, "%s", path)
}

// logChangeState must run with the lock held.
func (t *Tradlet) logChangeState(ruleID string, state RuleState, reason string) {
	if log := t.ruleLogs[ruleID]; log != nil {
		log.ChangeState(state, reason)
	}
}

func (t *Tradlet) removePending(rule *Rule) {
	instr := rule.Hint.Instrument
	rules := t.toEnter[instr]
	for i, r := range rules {
		if r.ID == rule.ID {
			t.toEnter[instr] = append(rules[:i], rules[i+1:]...)
			break
		}
	}
	if len(t.toEnter[instr]) == 0 {
		delete(t.toEnter, instr)
	}
}

func (t *Tradlet) removeActiveRule(ruleID string) {
	if _, ok := t.activeRules[ruleID]; !ok {
		return
	}
	delete(t.activeRules, ruleID)
	for i, id := range t.activeOrder {
		if id == ruleID {
			t.activeOrder = append(t.activeOrder[:i], t.activeOrder[i+1:]...)
			break
		}
	}
}

func (t *Tradlet) orderedLogs() []*RuleLog {
	result := make([]*RuleLog, 0, len(t.logOrder))
	for _, id := range t.logOrder {
		if log := t.ruleLogs[id]; log != nil {
			result = append(result, log)
		}
	}
	return result
}

type stateFileJSON struct {
	AccountID string     `json:"accountId"`
	RuleLogs  []*RuleLog `json:"ruleLogs"`
}

// loadRuleLogs rehydrates rule state from the sibling json file; a
// missing file is a clean start.
func (t *Tradlet) loadRuleLogs() {
	data, err := os.ReadFile(t.stateFile)
	if err != nil {
		if !os.IsNotExist(err) {
			logs.Errorf("group %s read rule logs %s failed: %+v", t.groupID, t.stateFile, err)
		}
		return
	}
	var file stateFileJSON
	if err := json.Unmarshal(data, &file); err != nil {
		logs.Errorf("group %s parse rule logs %s failed: %+v", t.groupID, t.stateFile, err)
		return
	}
	ruleLogs := make(map[string]*RuleLog, len(file.RuleLogs))
	order := make([]string, 0, len(file.RuleLogs))
	for _, log := range file.RuleLogs {
		ruleLogs[log.ID] = log
		order = append(order, log.ID)
	}
	t.mu.Lock()
	t.ruleLogs = ruleLogs
	t.logOrder = order
	t.mu.Unlock()
	logs.Infof("group %s loaded %d rule logs", t.groupID, len(ruleLogs))
}

// requestSave coalesces bursts of state changes into one write.
func (t *Tradlet) requestSave() {
	select {
	case t.saveCh <- struct{}{}:
	default:
	}
}

func (t *Tradlet) saveLoop() {
	for {
		select {
		case <-t.done:
			return
		case <-t.saveCh:
			t.saveHintLogs()
		}
	}
}

func (t *Tradlet) saveHintLogs() {
	t.mu.Lock()
	file := stateFileJSON{AccountID: t.accountID, RuleLogs: t.orderedLogs()}
	data, err := json.MarshalIndent(file, "", "  ")
	t.mu.Unlock()
	if err != nil {
		logs.Errorf("group %s marshal rule logs failed: %+v", t.groupID, err)
		return
	}
	if err := os.WriteFile(t.stateFile, data, 0o644); err != nil {
		logs.Errorf("group %s save rule logs %s failed: %+v", t.groupID, t.stateFile, err)
	}
}

func (t *Tradlet) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(t.hintFile)); err != nil {
		watcher.Close()
		return err
	}
	t.watcher = watcher
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.watchLoop()
	}()
	return nil
}

// watchLoop reloads hints on edits to the hint file. A failed reload
// keeps the previous rule set.
func (t *Tradlet) watchLoop() {
	for {
		select {
		case <-t.done:
			return
		case event, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if event.Name != t.hintFile || !event.Op.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			if err := t.ReloadHints(); err != nil {
				logs.Errorf("group %s reload hints %s failed: %+v", t.groupID, t.hintFile, err)
			}
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			logs.Errorf("group %s hint watcher error: %+v", t.groupID, err)
		}
	}
}

func tickTime(tick *md.MarketData) string {
	return formatMillis(tick.UpdateTimestamp)
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).In(exchangeable.CST).Format("2006-01-02 15:04:05")
}
