// Package cta runs declarative entry/exit rules loaded from a hint
// file against the live tick stream, one playbook per triggered rule.
package cta

import (
	"encoding/xml"
	"os"
	"time"

	"github.com/yanun0323/errors"

	"main/internal/exchangeable"
	"main/internal/md"
	"main/internal/ta"
	"main/internal/tradlet"
)

// Hint is one trade thesis on one instrument: a validity window and an
// ordered list of alternative entry rules. Immutable after load.
type Hint struct {
	ID         string                   `json:"id"`
	Instrument *exchangeable.Instrument `json:"instrument"`
	Begin      exchangeable.Day         `json:"begin"`
	End        exchangeable.Day         `json:"end"`
	Rules      []*Rule                  `json:"rules"`
}

// Valid reports whether the hint applies on the given trading day.
func (h *Hint) Valid(tradingDay exchangeable.Day) bool {
	if h.Begin != 0 && tradingDay < h.Begin {
		return false
	}
	if h.End != 0 && tradingDay > h.End {
		return false
	}
	return true
}

// Rule is one concrete entry with its own exits. All prices are
// fixed-point; zero means the bound is not set.
type Rule struct {
	ID       string               `json:"id"`
	Hint     *Hint                `json:"-"`
	Dir      tradlet.PosDirection `json:"dir"`
	Volume   int                  `json:"volume"`
	Disabled bool                 `json:"disabled"`

	EnterLow  md.Price `json:"enterLow"`
	EnterHigh md.Price `json:"enterHigh"`
	Stop      md.Price `json:"stop"`
	Take      md.Price `json:"take"`

	// Minute-of-day cutoffs in exchange-local time; 0 means none.
	DiscardTime int `json:"discardTime"`
	EndTime     int `json:"endTime"`

	// SMAPeriod gates entry on the minute-close moving average; the
	// rule only enters with the trend, 0 disables the gate.
	SMAPeriod int `json:"smaPeriod"`
}

// MatchEnter reports whether the last price sits inside the entry band.
func (r *Rule) MatchEnter(tick *md.MarketData) bool {
	if r.EnterLow == 0 && r.EnterHigh == 0 {
		return false
	}
	if r.EnterLow != 0 && tick.LastPrice < r.EnterLow {
		return false
	}
	if r.EnterHigh != 0 && tick.LastPrice > r.EnterHigh {
		return false
	}
	return true
}

// MatchEnterStrict is MatchEnter plus the optional indicator gate: a
// long enters at or above its moving average, a short at or below.
// Without enough bar history the gate holds the entry back.
func (r *Rule) MatchEnterStrict(tick *md.MarketData, access *ta.Access) bool {
	if !r.MatchEnter(tick) {
		return false
	}
	if r.SMAPeriod <= 0 {
		return true
	}
	if access == nil {
		return false
	}
	sma, ok := access.SMA(tick.Instrument, r.SMAPeriod)
	if !ok {
		return false
	}
	last := tick.LastPrice.Float64()
	if r.Dir == tradlet.DirLong {
		return last >= sma
	}
	return last <= sma
}

// MatchDiscard reports whether the entry window has expired.
func (r *Rule) MatchDiscard(tick *md.MarketData) bool {
	return r.DiscardTime > 0 && minuteOfDay(tick.UpdateTimestamp) >= r.DiscardTime
}

// MatchStop reports whether the stop-loss level is breached.
func (r *Rule) MatchStop(tick *md.MarketData) bool {
	if r.Stop == 0 {
		return false
	}
	if r.Dir == tradlet.DirLong {
		return tick.LastPrice <= r.Stop
	}
	return tick.LastPrice >= r.Stop
}

// MatchTake reports whether the take-profit level is reached.
func (r *Rule) MatchTake(tick *md.MarketData) bool {
	if r.Take == 0 {
		return false
	}
	if r.Dir == tradlet.DirLong {
		return tick.LastPrice >= r.Take
	}
	return tick.LastPrice <= r.Take
}

// MatchEnd reports whether the holding cutoff time has passed.
func (r *Rule) MatchEnd(tick *md.MarketData) bool {
	return r.EndTime > 0 && minuteOfDay(tick.UpdateTimestamp) >= r.EndTime
}

func minuteOfDay(ms int64) int {
	t := time.UnixMilli(ms).In(exchangeable.CST)
	return t.Hour()*60 + t.Minute()
}

type hintsXML struct {
	XMLName xml.Name  `xml:"hints"`
	Hints   []hintXML `xml:"hint"`
}

type hintXML struct {
	ID         string    `xml:"id,attr"`
	Instrument string    `xml:"instrument,attr"`
	Begin      string    `xml:"begin,attr"`
	End        string    `xml:"end,attr"`
	Rules      []ruleXML `xml:"rule"`
}

type ruleXML struct {
	ID          string `xml:"id,attr"`
	Dir         string `xml:"dir,attr"`
	Volume      int    `xml:"volume,attr"`
	Disabled    bool   `xml:"disabled,attr"`
	EnterLow    string `xml:"enterLow,attr"`
	EnterHigh   string `xml:"enterHigh,attr"`
	Stop        string `xml:"stop,attr"`
	Take        string `xml:"take,attr"`
	DiscardTime string `xml:"discardTime,attr"`
	EndTime     string `xml:"endTime,attr"`
	SMAPeriod   int    `xml:"smaPeriod,attr"`
}

// LoadHints parses the hint file. A malformed hint or rule fails the
// whole load so a live rule set is never half-replaced.
func LoadHints(path string) ([]*Hint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read hints %s", path)
	}
	var doc hintsXML
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrapf(err, "parse hints %s", path)
	}

	hints := make([]*Hint, 0, len(doc.Hints))
	for _, hx := range doc.Hints {
		hint, err := buildHint(hx)
		if err != nil {
			return nil, err
		}
		hints = append(hints, hint)
	}
	return hints, nil
}

func buildHint(hx hintXML) (*Hint, error) {
	if hx.ID == "" {
		return nil, errors.New("hint missing id")
	}
	instr, err := exchangeable.FromString(hx.Instrument)
	if err != nil {
		return nil, errors.Wrapf(err, "hint %s", hx.ID)
	}
	hint := &Hint{ID: hx.ID, Instrument: instr}
	if hint.Begin, err = parseDayAttr(hx.Begin); err != nil {
		return nil, errors.Wrapf(err, "hint %s begin", hx.ID)
	}
	if hint.End, err = parseDayAttr(hx.End); err != nil {
		return nil, errors.Wrapf(err, "hint %s end", hx.ID)
	}
	for _, rx := range hx.Rules {
		rule, err := buildRule(hint, rx)
		if err != nil {
			return nil, err
		}
		hint.Rules = append(hint.Rules, rule)
	}
	if len(hint.Rules) == 0 {
		return nil, errors.Errorf("hint %s has no rules", hx.ID)
	}
	return hint, nil
}

func buildRule(hint *Hint, rx ruleXML) (*Rule, error) {
	if rx.ID == "" {
		return nil, errors.Errorf("hint %s: rule missing id", hint.ID)
	}
	rule := &Rule{
		ID:        rx.ID,
		Hint:      hint,
		Volume:    rx.Volume,
		Disabled:  rx.Disabled,
		SMAPeriod: rx.SMAPeriod,
	}
	switch rx.Dir {
	case "", "long", "Long":
		rule.Dir = tradlet.DirLong
	case "short", "Short":
		rule.Dir = tradlet.DirShort
	default:
		return nil, errors.Errorf("rule %s: bad dir %q", rx.ID, rx.Dir)
	}
	if rule.Volume <= 0 {
		rule.Volume = 1
	}
	var err error
	if rule.EnterLow, err = parsePriceAttr(rx.EnterLow); err != nil {
		return nil, errors.Wrapf(err, "rule %s enterLow", rx.ID)
	}
	if rule.EnterHigh, err = parsePriceAttr(rx.EnterHigh); err != nil {
		return nil, errors.Wrapf(err, "rule %s enterHigh", rx.ID)
	}
	if rule.Stop, err = parsePriceAttr(rx.Stop); err != nil {
		return nil, errors.Wrapf(err, "rule %s stop", rx.ID)
	}
	if rule.Take, err = parsePriceAttr(rx.Take); err != nil {
		return nil, errors.Wrapf(err, "rule %s take", rx.ID)
	}
	if rule.DiscardTime, err = parseMinuteAttr(rx.DiscardTime); err != nil {
		return nil, errors.Wrapf(err, "rule %s discardTime", rx.ID)
	}
	if rule.EndTime, err = parseMinuteAttr(rx.EndTime); err != nil {
		return nil, errors.Wrapf(err, "rule %s endTime", rx.ID)
	}
	return rule, nil
}

func parseDayAttr(s string) (exchangeable.Day, error) {
	if s == "" {
		return 0, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", s, exchangeable.CST); err == nil {
		return exchangeable.DayOf(t), nil
	}
	return exchangeable.ParseDay(s)
}

func parsePriceAttr(s string) (md.Price, error) {
	if s == "" {
		return 0, nil
	}
	return md.ParsePrice(s)
}

// parseMinuteAttr parses "14:55" into minutes past midnight.
func parseMinuteAttr(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}
