package exchangeable

import (
	"strings"
	"sync"
	"time"
)

// MarketTimeStage classifies an instant inside a trading day.
type MarketTimeStage uint8

const (
	StageUnknown MarketTimeStage = iota
	StagePreOpen
	StageAuctionOrdering
	StageAuctionMatching
	StageMarketOpen
	StageMarketBreak
	StageMarketClose
)

func (s MarketTimeStage) String() string {
	switch s {
	case StagePreOpen:
		return "PreOpen"
	case StageAuctionOrdering:
		return "AuctionOrdering"
	case StageAuctionMatching:
		return "AuctionMatching"
	case StageMarketOpen:
		return "MarketOpen"
	case StageMarketBreak:
		return "MarketBreak"
	case StageMarketClose:
		return "MarketClose"
	default:
		return "Unknown"
	}
}

// MarketType is the session segment: day or night.
type MarketType uint8

const (
	MarketDay MarketType = iota + 1
	MarketNight
)

func (m MarketType) String() string {
	switch m {
	case MarketDay:
		return "Day"
	case MarketNight:
		return "Night"
	default:
		return "Unknown"
	}
}

// MarketInfo is the resolved market context of one instant.
type MarketInfo struct {
	Segment    MarketType
	HasSegment bool
	Stage      MarketTimeStage
	TradingDay Day
}

// minute-of-day; values past 1440 mean "next calendar day".
type hhmm int

type minuteRange struct{ start, end hhmm }

// sessionSpec is calendar data for one commodity on one exchange.
// day spans are trading spans; gaps between them are market breaks.
// nightEnd == 0 means the commodity has no night session; night
// sessions start at 21:00.
type sessionSpec struct {
	day      []minuteRange
	nightEnd hhmm
}

const nightStart hhmm = 21 * 60

// Exchange is a futures exchange with its trading calendar.
type Exchange struct {
	name     string
	sessions map[string]sessionSpec

	mu      sync.RWMutex
	ttCache map[ttKey]*TradingTimes
}

type ttKey struct {
	instrument int32
	day        Day
}

func (e *Exchange) Name() string   { return e.name }
func (e *Exchange) String() string { return e.name }

var (
	shfeDay  = []minuteRange{{9 * 60, 10*60 + 15}, {10*60 + 30, 11*60 + 30}, {13*60 + 30, 15 * 60}}
	czceDay  = shfeDay
	dceDay   = shfeDay
	cffexDay = []minuteRange{{9*60 + 30, 11*60 + 30}, {13 * 60, 15 * 60}}
)

// Session tables are data, not code: breaks (SHFE 10:15 pause), night
// close times and day spans vary per commodity and change over time by
// exchange notice.
var (
	SHFE = &Exchange{
		name:    "SHFE",
		ttCache: make(map[ttKey]*TradingTimes),
		sessions: map[string]sessionSpec{
			"au": {day: shfeDay, nightEnd: 26*60 + 30},
			"ag": {day: shfeDay, nightEnd: 26*60 + 30},
			"cu": {day: shfeDay, nightEnd: 25 * 60},
			"al": {day: shfeDay, nightEnd: 25 * 60},
			"zn": {day: shfeDay, nightEnd: 25 * 60},
			"pb": {day: shfeDay, nightEnd: 25 * 60},
			"ni": {day: shfeDay, nightEnd: 25 * 60},
			"sn": {day: shfeDay, nightEnd: 25 * 60},
			"rb": {day: shfeDay, nightEnd: 23 * 60},
			"hc": {day: shfeDay, nightEnd: 23 * 60},
			"ru": {day: shfeDay, nightEnd: 23 * 60},
			"bu": {day: shfeDay, nightEnd: 23 * 60},
			"fu": {day: shfeDay, nightEnd: 23 * 60},
			"sp": {day: shfeDay, nightEnd: 23 * 60},
			"wr": {day: shfeDay},
		},
	}
	INE = &Exchange{
		name:    "INE",
		ttCache: make(map[ttKey]*TradingTimes),
		sessions: map[string]sessionSpec{
			"sc": {day: shfeDay, nightEnd: 26*60 + 30},
			"nr": {day: shfeDay, nightEnd: 23 * 60},
			"lu": {day: shfeDay, nightEnd: 23 * 60},
			"bc": {day: shfeDay, nightEnd: 25 * 60},
		},
	}
	DCE = &Exchange{
		name:    "DCE",
		ttCache: make(map[ttKey]*TradingTimes),
		sessions: map[string]sessionSpec{
			"a": {day: dceDay, nightEnd: 23 * 60}, "b": {day: dceDay, nightEnd: 23 * 60},
			"c": {day: dceDay, nightEnd: 23 * 60}, "cs": {day: dceDay, nightEnd: 23 * 60},
			"m": {day: dceDay, nightEnd: 23 * 60}, "y": {day: dceDay, nightEnd: 23 * 60},
			"p": {day: dceDay, nightEnd: 23 * 60}, "i": {day: dceDay, nightEnd: 23 * 60},
			"j": {day: dceDay, nightEnd: 23 * 60}, "jm": {day: dceDay, nightEnd: 23 * 60},
			"eg": {day: dceDay, nightEnd: 23 * 60}, "eb": {day: dceDay, nightEnd: 23 * 60},
			"l": {day: dceDay, nightEnd: 23 * 60}, "v": {day: dceDay, nightEnd: 23 * 60},
			"pp": {day: dceDay, nightEnd: 23 * 60}, "pg": {day: dceDay, nightEnd: 23 * 60},
			"rr": {day: dceDay, nightEnd: 23 * 60},
			"jd": {day: dceDay}, "lh": {day: dceDay}, "fb": {day: dceDay}, "bb": {day: dceDay},
		},
	}
	CZCE = &Exchange{
		name:    "CZCE",
		ttCache: make(map[ttKey]*TradingTimes),
		sessions: map[string]sessionSpec{
			"ap": {day: czceDay}, "cj": {day: czceDay}, "ur": {day: czceDay},
			"sf": {day: czceDay}, "sm": {day: czceDay}, "wh": {day: czceDay},
			"pk": {day: czceDay},
			"cf": {day: czceDay, nightEnd: 23 * 60}, "cy": {day: czceDay, nightEnd: 23 * 60},
			"fg": {day: czceDay, nightEnd: 23 * 60}, "ma": {day: czceDay, nightEnd: 23 * 60},
			"oi": {day: czceDay, nightEnd: 23 * 60}, "pf": {day: czceDay, nightEnd: 23 * 60},
			"rm": {day: czceDay, nightEnd: 23 * 60}, "sa": {day: czceDay, nightEnd: 23 * 60},
			"sr": {day: czceDay, nightEnd: 23 * 60}, "ta": {day: czceDay, nightEnd: 23 * 60},
			"zc": {day: czceDay, nightEnd: 23 * 60},
		},
	}
	CFFEX = &Exchange{
		name:    "CFFEX",
		ttCache: make(map[ttKey]*TradingTimes),
		sessions: map[string]sessionSpec{
			"ic": {day: cffexDay}, "if": {day: cffexDay}, "ih": {day: cffexDay}, "im": {day: cffexDay},
			"t": {day: cffexDay}, "tf": {day: cffexDay}, "ts": {day: cffexDay},
		},
	}

	exchanges = []*Exchange{SHFE, INE, DCE, CZCE, CFFEX}
)

// ExchangeByName resolves an exchange by its (case-insensitive) name.
func ExchangeByName(name string) *Exchange {
	name = strings.ToUpper(name)
	for _, e := range exchanges {
		if e.name == name {
			return e
		}
	}
	return nil
}

// DetectExchange resolves the exchange listing a commodity root.
func DetectExchange(commodity string) *Exchange {
	commodity = strings.ToLower(commodity)
	for _, e := range exchanges {
		if _, ok := e.sessions[commodity]; ok {
			return e
		}
	}
	return nil
}

// holidays are exchange closures beyond weekends (data, not code).
var holidays = func() map[Day]struct{} {
	list := []Day{
		// 2016
		20160101, 20160208, 20160209, 20160210, 20160211, 20160212,
		20160404, 20160502, 20160609, 20160610, 20160915, 20160916,
		20161003, 20161004, 20161005, 20161006, 20161007,
		// 2017
		20170102, 20170127, 20170130, 20170131, 20170201, 20170202,
		20170403, 20170404, 20170501, 20170529, 20170530,
		20171002, 20171003, 20171004, 20171005, 20171006,
		// 2018
		20180101, 20180215, 20180216, 20180219, 20180220, 20180221,
		20180405, 20180406, 20180430, 20180501, 20180618,
		20180924, 20181001, 20181002, 20181003, 20181004, 20181005,
		// 2019
		20190101, 20190204, 20190205, 20190206, 20190207, 20190208,
		20190405, 20190501, 20190502, 20190503, 20190607,
		20190913, 20191001, 20191002, 20191003, 20191004, 20191007,
	}
	m := make(map[Day]struct{}, len(list))
	for _, d := range list {
		m[d] = struct{}{}
	}
	return m
}()

// IsTradingDay reports whether the exchanges are open on the given day.
func IsTradingDay(d Day) bool {
	switch DayStart(d).Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	_, holiday := holidays[d]
	return !holiday
}

// NextTradingDay returns the first trading day strictly after d.
func NextTradingDay(d Day) Day {
	for {
		d = AddDays(d, 1)
		if IsTradingDay(d) {
			return d
		}
	}
}

// PrevTradingDay returns the last trading day strictly before d.
func PrevTradingDay(d Day) Day {
	for {
		d = AddDays(d, -1)
		if IsTradingDay(d) {
			return d
		}
	}
}

// TradingDayAt attributes a wall-clock instant to a trading day; night
// sessions belong to the next business day. ok is false on weekends and
// holidays with no session in progress.
func TradingDayAt(t time.Time) (Day, bool) {
	t = t.In(CST)
	d := DayOf(t)
	minutes := hhmm(t.Hour()*60 + t.Minute())
	switch {
	case minutes >= nightStart-5:
		return NextTradingDay(d), true
	case minutes < 3*60:
		if IsTradingDay(d) {
			return d, true
		}
		return NextTradingDay(d), true
	default:
		if !IsTradingDay(d) {
			return 0, false
		}
		return d, true
	}
}

// GetTradingTimes returns the cached span table for (instrument, day),
// or nil when the day is not a trading day or the commodity is unknown.
func (e *Exchange) GetTradingTimes(instrument *Instrument, tradingDay Day) *TradingTimes {
	key := ttKey{instrument: instrument.UniqueIntID(), day: tradingDay}
	e.mu.RLock()
	tt, ok := e.ttCache[key]
	e.mu.RUnlock()
	if ok {
		return tt
	}

	spec, ok := e.sessions[instrument.Contract()]
	if !ok || !IsTradingDay(tradingDay) {
		return nil
	}
	tt = buildTradingTimes(instrument, tradingDay, spec)

	e.mu.Lock()
	e.ttCache[key] = tt
	e.mu.Unlock()
	return tt
}

func (e *Exchange) detectMarketInfo(instrument *Instrument, ms int64) (MarketInfo, bool) {
	day, ok := TradingDayAt(time.UnixMilli(ms))
	if !ok {
		return MarketInfo{}, false
	}
	tt := e.GetTradingTimes(instrument, day)
	if tt == nil {
		return MarketInfo{}, false
	}
	seg, hasSeg := tt.SegmentType(ms)
	return MarketInfo{
		Segment:    seg,
		HasSegment: hasSeg,
		Stage:      tt.TimeStage(ms),
		TradingDay: day,
	}, true
}
