package cta

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/exchangeable"
	"main/internal/md"
	"main/internal/tradlet"
	"main/internal/tradlet/paper"
)

type fixedClock struct {
	now int64
	day exchangeable.Day
}

func (c fixedClock) CurrentTimeMillis() int64     { return c.now }
func (c fixedClock) TradingDay() exchangeable.Day { return c.day }

const scenarioHints = `
<hints>
  <hint id="h1" instrument="ru1901">
    <rule id="h1r1" dir="long" enterLow="11000" enterHigh="11100" stop="10900" take="11500" endTime="14:55"/>
    <rule id="h1r2" dir="long" enterLow="10800" enterHigh="10850" stop="10600"/>
  </hint>
</hints>`

func newTestTradlet(t *testing.T, doc string) (*Tradlet, *paper.Keeper) {
	t.Helper()
	keeper := paper.New()
	tr, err := New(Config{
		GroupID:     "g1",
		AccountID:   "sim01",
		HintFile:    writeHintFile(t, doc),
		Keeper:      keeper,
		TimeService: fixedClock{now: atMinute(9, 0).UnixMilli(), day: 20181203},
	})
	require.NoError(t, err)
	t.Cleanup(tr.Close)
	return tr, keeper
}

func atMinute(hour, min int) time.Time {
	return time.Date(2018, time.December, 3, hour, min, 0, 0, exchangeable.CST)
}

// dispatch mirrors the live listener order: the keeper fills before the
// strategy evaluates.
func dispatch(keeper *paper.Keeper, tr *Tradlet, tick *md.MarketData) {
	keeper.OnMarketData(tick)
	tr.OnMarketData(tick)
}

func ruleState(t *testing.T, tr *Tradlet, id string) RuleState {
	t.Helper()
	tr.mu.Lock()
	defer tr.mu.Unlock()
	log := tr.ruleLogs[id]
	require.NotNil(t, log, "rule log %s", id)
	return log.State
}

func lastReason(t *testing.T, tr *Tradlet, id string) string {
	t.Helper()
	tr.mu.Lock()
	defer tr.mu.Unlock()
	log := tr.ruleLogs[id]
	require.NotNil(t, log, "rule log %s", id)
	return log.Changes[len(log.Changes)-1].Reason
}

func TestEntryAndFill(t *testing.T) {
	ru := exchangeable.MustFromString("ru1901")
	tr, keeper := newTestTradlet(t, scenarioHints)

	assert.Equal(t, []*exchangeable.Instrument{ru}, tr.SubscribedInstruments())

	// In-band tick arms one playbook for the first matching rule.
	dispatch(keeper, tr, openTick(ru, atMinute(9, 5), 11050_0000))
	playbooks := keeper.ActivePlaybooks(nil)
	require.Len(t, playbooks, 1)
	pb := playbooks[0]
	assert.Equal(t, tradlet.StateOpening, pb.StateTuple().State)
	assert.Equal(t, "h1r1", pb.Attr(AttrRuleID))
	assert.Equal(t, RuleOpening, ruleState(t, tr, "h1r1"))
	assert.Contains(t, lastReason(t, tr, "h1r1"), "开仓@11050")
	assert.Equal(t, RuleToEnter, ruleState(t, tr, "h1r2"))

	// The fill arrives on the next tick and settles the rule.
	dispatch(keeper, tr, openTick(ru, atMinute(9, 6), 11040_0000))
	assert.Equal(t, tradlet.StateOpened, pb.StateTuple().State)
	assert.Equal(t, RuleHolding, ruleState(t, tr, "h1r1"))
	assert.Contains(t, lastReason(t, tr, "h1r1"), "持仓中")
}

func TestStopLossDiscardsHintSiblings(t *testing.T) {
	ru := exchangeable.MustFromString("ru1901")
	tr, keeper := newTestTradlet(t, scenarioHints)

	dispatch(keeper, tr, openTick(ru, atMinute(9, 5), 11050_0000))
	dispatch(keeper, tr, openTick(ru, atMinute(9, 6), 11040_0000))
	require.Equal(t, RuleHolding, ruleState(t, tr, "h1r1"))

	// 10850 breaches the stop and sits inside the sibling's entry band;
	// the stop wins and the sibling never enters.
	dispatch(keeper, tr, openTick(ru, atMinute(9, 10), 10850_0000))

	assert.Equal(t, RuleStopLoss, ruleState(t, tr, "h1r1"))
	assert.Contains(t, lastReason(t, tr, "h1r1"), "止损@10850")
	assert.Equal(t, RuleDiscarded, ruleState(t, tr, "h1r2"))
	assert.Contains(t, lastReason(t, tr, "h1r2"), "Hint止损@10850")

	assert.Empty(t, keeper.ActivePlaybooks(nil))
	assert.Empty(t, tr.SubscribedInstruments())
}

func TestTakeProfitSparesSiblings(t *testing.T) {
	ru := exchangeable.MustFromString("ru1901")
	tr, keeper := newTestTradlet(t, scenarioHints)

	dispatch(keeper, tr, openTick(ru, atMinute(9, 5), 11050_0000))
	dispatch(keeper, tr, openTick(ru, atMinute(9, 6), 11040_0000))
	dispatch(keeper, tr, openTick(ru, atMinute(10, 0), 11500_0000))

	assert.Equal(t, RuleTakeProfit, ruleState(t, tr, "h1r1"))
	assert.Contains(t, lastReason(t, tr, "h1r1"), "止盈@11500")
	assert.Equal(t, RuleToEnter, ruleState(t, tr, "h1r2"))
	assert.Empty(t, keeper.ActivePlaybooks(nil))
}

func TestHoldingTimeout(t *testing.T) {
	ru := exchangeable.MustFromString("ru1901")
	tr, keeper := newTestTradlet(t, scenarioHints)

	dispatch(keeper, tr, openTick(ru, atMinute(9, 5), 11050_0000))
	dispatch(keeper, tr, openTick(ru, atMinute(9, 6), 11040_0000))
	dispatch(keeper, tr, openTick(ru, atMinute(14, 56), 11200_0000))

	assert.Equal(t, RuleTimeout, ruleState(t, tr, "h1r1"))
	assert.Contains(t, lastReason(t, tr, "h1r1"), "超时@11200")
	assert.Empty(t, keeper.ActivePlaybooks(nil))
}

func TestEntryWindowExpiry(t *testing.T) {
	ru := exchangeable.MustFromString("ru1901")
	tr, keeper := newTestTradlet(t, `
<hints>
  <hint id="h1" instrument="ru1901">
    <rule id="h1r1" dir="long" enterLow="11000" enterHigh="11100" discardTime="14:30"/>
  </hint>
</hints>`)

	// Before the cutoff an out-of-band tick changes nothing.
	dispatch(keeper, tr, openTick(ru, atMinute(9, 5), 12000_0000))
	assert.Equal(t, RuleToEnter, ruleState(t, tr, "h1r1"))

	dispatch(keeper, tr, openTick(ru, atMinute(14, 30), 12000_0000))
	assert.Equal(t, RuleDiscarded, ruleState(t, tr, "h1r1"))
	assert.Contains(t, lastReason(t, tr, "h1r1"), "未进场撤@12000")
	assert.Empty(t, keeper.ActivePlaybooks(nil))
	assert.Empty(t, tr.SubscribedInstruments())
}

func TestCanceledPlaybookDiscardsRule(t *testing.T) {
	ru := exchangeable.MustFromString("ru1901")
	tr, keeper := newTestTradlet(t, scenarioHints)

	dispatch(keeper, tr, openTick(ru, atMinute(9, 5), 11050_0000))
	playbooks := keeper.ActivePlaybooks(nil)
	require.Len(t, playbooks, 1)

	require.NoError(t, keeper.ClosePlaybook(playbooks[0], tradlet.PlaybookCloseReq{ActionID: "manual"}))

	assert.Equal(t, RuleDiscarded, ruleState(t, tr, "h1r1"))
	assert.Contains(t, lastReason(t, tr, "h1r1"), "报单失败/未成交撤")
}

// failingKeeper rejects every create; close and list are inert.
type failingKeeper struct{}

func (failingKeeper) CreatePlaybook(tradlet.PlaybookListener, tradlet.PlaybookBuilder) (tradlet.Playbook, error) {
	return nil, errors.New("keeper unavailable")
}

func (failingKeeper) ClosePlaybook(tradlet.Playbook, tradlet.PlaybookCloseReq) error { return nil }

func (failingKeeper) ActivePlaybooks(func(tradlet.Playbook) bool) []tradlet.Playbook { return nil }

func TestCreateFailureDiscardsRule(t *testing.T) {
	ru := exchangeable.MustFromString("ru1901")
	tr, err := New(Config{
		GroupID:     "g1",
		AccountID:   "sim01",
		HintFile:    writeHintFile(t, scenarioHints),
		Keeper:      failingKeeper{},
		TimeService: fixedClock{now: atMinute(9, 0).UnixMilli(), day: 20181203},
	})
	require.NoError(t, err)
	t.Cleanup(tr.Close)

	tr.OnMarketData(openTick(ru, atMinute(9, 5), 11050_0000))

	// The rule must not stay a pending ToEnter zombie.
	assert.Equal(t, RuleDiscarded, ruleState(t, tr, "h1r1"))
	assert.Contains(t, lastReason(t, tr, "h1r1"), "报单失败/未成交撤")

	// The sibling keeps its own entry chance.
	assert.Equal(t, RuleToEnter, ruleState(t, tr, "h1r2"))
	tr.mu.Lock()
	pending := len(tr.toEnter[ru])
	tr.mu.Unlock()
	assert.Equal(t, 1, pending)
}

func TestOneEntryPerTick(t *testing.T) {
	ru := exchangeable.MustFromString("ru1901")
	tr, keeper := newTestTradlet(t, `
<hints>
  <hint id="h1" instrument="ru1901">
    <rule id="h1r1" dir="long" enterLow="11000" enterHigh="11100"/>
    <rule id="h1r2" dir="long" enterLow="11000" enterHigh="11100"/>
  </hint>
</hints>`)

	dispatch(keeper, tr, openTick(ru, atMinute(9, 5), 11050_0000))
	assert.Len(t, keeper.ActivePlaybooks(nil), 1)
	assert.Equal(t, RuleOpening, ruleState(t, tr, "h1r1"))
	assert.Equal(t, RuleToEnter, ruleState(t, tr, "h1r2"))
}

func TestIgnoresNonOpenTicks(t *testing.T) {
	ru := exchangeable.MustFromString("ru1901")
	tr, keeper := newTestTradlet(t, scenarioHints)

	tick := openTick(ru, atMinute(10, 20), 11050_0000)
	tick.MktStage = exchangeable.StageMarketBreak
	dispatch(keeper, tr, tick)

	assert.Empty(t, keeper.ActivePlaybooks(nil))
	assert.Equal(t, RuleToEnter, ruleState(t, tr, "h1r1"))
}

func TestHintValidityWindow(t *testing.T) {
	tr, _ := newTestTradlet(t, `
<hints>
  <hint id="h1" instrument="ru1901" begin="2019-01-02">
    <rule id="h1r1" dir="long" enterLow="11000" enterHigh="11100"/>
  </hint>
</hints>`)

	// The hint starts after the current trading day: nothing is active
	// and no rule log is created.
	assert.Empty(t, tr.SubscribedInstruments())
	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Empty(t, tr.ruleLogs)
}

func TestRestartRecovery(t *testing.T) {
	ru := exchangeable.MustFromString("ru1901")
	dir := t.TempDir()
	path := filepath.Join(dir, "g1-cta-hints.xml")
	require.NoError(t, os.WriteFile(path, []byte(scenarioHints), 0o644))
	clock := fixedClock{now: atMinute(9, 0).UnixMilli(), day: 20181203}

	keeper := paper.New()
	first, err := New(Config{GroupID: "g1", AccountID: "sim01", HintFile: path, Keeper: keeper, TimeService: clock})
	require.NoError(t, err)

	dispatch(keeper, first, openTick(ru, atMinute(9, 5), 11050_0000))
	dispatch(keeper, first, openTick(ru, atMinute(9, 6), 11040_0000))
	dispatch(keeper, first, openTick(ru, atMinute(9, 10), 10850_0000))
	first.Close()

	stateFile := filepath.Join(dir, "g1-cta-hints.json")
	data, err := os.ReadFile(stateFile)
	require.NoError(t, err)
	var persisted stateFileJSON
	require.NoError(t, json.Unmarshal(data, &persisted))
	assert.Equal(t, "sim01", persisted.AccountID)
	require.Len(t, persisted.RuleLogs, 2)

	// A fresh tradlet over the same files resumes the done states and
	// re-pends nothing.
	second, err := New(Config{GroupID: "g1", AccountID: "sim01", HintFile: path, Keeper: paper.New(), TimeService: clock})
	require.NoError(t, err)
	defer second.Close()

	assert.Equal(t, RuleStopLoss, ruleState(t, second, "h1r1"))
	assert.Equal(t, RuleDiscarded, ruleState(t, second, "h1r2"))
	assert.Empty(t, second.SubscribedInstruments())
}

func TestReloadHints(t *testing.T) {
	ru := exchangeable.MustFromString("ru1901")
	dir := t.TempDir()
	path := filepath.Join(dir, "g1-cta-hints.xml")
	require.NoError(t, os.WriteFile(path, []byte(scenarioHints), 0o644))

	keeper := paper.New()
	tr, err := New(Config{GroupID: "g1", HintFile: path, Keeper: keeper,
		TimeService: fixedClock{now: atMinute(9, 0).UnixMilli(), day: 20181203}})
	require.NoError(t, err)
	defer tr.Close()

	// Disable the first rule and add a new one, then reload.
	require.NoError(t, os.WriteFile(path, []byte(`
<hints>
  <hint id="h1" instrument="ru1901">
    <rule id="h1r1" dir="long" enterLow="11000" enterHigh="11100" disabled="true"/>
    <rule id="h1r2" dir="long" enterLow="10800" enterHigh="10850"/>
    <rule id="h1r3" dir="short" enterLow="11600" enterHigh="11700"/>
  </hint>
</hints>`), 0o644))
	require.NoError(t, tr.ReloadHints())

	assert.Equal(t, RuleDiscarded, ruleState(t, tr, "h1r1"))
	assert.Contains(t, lastReason(t, tr, "h1r1"), "规则禁用")
	assert.Equal(t, RuleToEnter, ruleState(t, tr, "h1r2"))
	assert.Equal(t, RuleToEnter, ruleState(t, tr, "h1r3"))
	assert.Equal(t, []*exchangeable.Instrument{ru}, tr.SubscribedInstruments())

	// A broken edit keeps the previous rule set.
	require.NoError(t, os.WriteFile(path, []byte("<hints><hint"), 0o644))
	require.Error(t, tr.ReloadHints())
	assert.Equal(t, RuleToEnter, ruleState(t, tr, "h1r2"))
}

func TestOnRequest(t *testing.T) {
	tr, _ := newTestTradlet(t, scenarioHints)

	raw, err := tr.OnRequest("cta/ruleLogs")
	require.NoError(t, err)
	var logs []*RuleLog
	require.NoError(t, json.Unmarshal(raw, &logs))
	require.Len(t, logs, 2)
	assert.Equal(t, "h1r1", logs[0].ID)

	raw, err = tr.OnRequest("cta/activeRuleIds")
	require.NoError(t, err)
	assert.JSONEq(t, `["h1r1","h1r2"]`, string(raw))

	raw, err = tr.OnRequest("cta/toEnterInstruments")
	require.NoError(t, err)
	assert.JSONEq(t, `["ru1901"]`, string(raw))

	raw, err = tr.OnRequest("cta/hints")
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(raw), `"id":"h1"`))

	_, err = tr.OnRequest("cta/nope")
	require.Error(t, err)
}
