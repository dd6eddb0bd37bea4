package exchangeable

import (
	"sort"
	"time"
)

// Span is one contiguous stretch of a trading day with a single stage.
type Span struct {
	Segment MarketType
	Stage   MarketTimeStage
	Start   int64 // ms since epoch, inclusive
	End     int64 // ms since epoch, exclusive
}

// TradingTimes is the ordered, non-overlapping span table of one
// instrument on one trading day. Lookups are binary searches; the table
// is immutable after construction.
type TradingTimes struct {
	instrument *Instrument
	tradingDay Day
	spans      []Span
}

func (tt *TradingTimes) Instrument() *Instrument { return tt.instrument }
func (tt *TradingTimes) TradingDay() Day         { return tt.tradingDay }
func (tt *TradingTimes) Spans() []Span           { return tt.spans }

// TimeStage resolves the stage at an instant. Instants before the first
// span (or between the night close and the day pre-auction) are PreOpen;
// instants past the last span are MarketClose.
func (tt *TradingTimes) TimeStage(ms int64) MarketTimeStage {
	if len(tt.spans) == 0 {
		return StageUnknown
	}
	if ms < tt.spans[0].Start {
		return StagePreOpen
	}
	if ms >= tt.spans[len(tt.spans)-1].End {
		return StageMarketClose
	}
	idx := tt.search(ms)
	if idx < 0 {
		return StagePreOpen
	}
	return tt.spans[idx].Stage
}

// SegmentType resolves the day/night segment covering an instant.
func (tt *TradingTimes) SegmentType(ms int64) (MarketType, bool) {
	idx := tt.search(ms)
	if idx < 0 {
		return 0, false
	}
	return tt.spans[idx].Segment, true
}

// TradingTimeInSegment returns the milliseconds of market-open time
// elapsed inside the segment at the given instant, 0 before the segment
// starts trading.
func (tt *TradingTimes) TradingTimeInSegment(ms int64, segment MarketType) int64 {
	var elapsed int64
	for _, sp := range tt.spans {
		if sp.Segment != segment || sp.Stage != StageMarketOpen {
			continue
		}
		if ms <= sp.Start {
			break
		}
		end := sp.End
		if ms < end {
			end = ms
		}
		elapsed += end - sp.Start
	}
	return elapsed
}

// search finds the span covering ms, -1 when ms falls in no span.
func (tt *TradingTimes) search(ms int64) int {
	idx := sort.Search(len(tt.spans), func(i int) bool { return tt.spans[i].End > ms })
	if idx == len(tt.spans) || ms < tt.spans[idx].Start {
		return -1
	}
	return idx
}

const auctionOrderingLead = 5 // minutes before open
const auctionMatchingLead = 1

func buildTradingTimes(instrument *Instrument, tradingDay Day, spec sessionSpec) *TradingTimes {
	var spans []Span

	if spec.nightEnd > 0 {
		nightBase := DayStart(PrevTradingDay(tradingDay))
		spans = append(spans, auctionSpans(nightBase, nightStart, MarketNight)...)
		spans = append(spans, Span{
			Segment: MarketNight,
			Stage:   StageMarketOpen,
			Start:   minuteMillis(nightBase, nightStart),
			End:     minuteMillis(nightBase, spec.nightEnd),
		})
	}

	dayBase := DayStart(tradingDay)
	if len(spec.day) > 0 {
		spans = append(spans, auctionSpans(dayBase, spec.day[0].start, MarketDay)...)
		for i, r := range spec.day {
			if i > 0 {
				spans = append(spans, Span{
					Segment: MarketDay,
					Stage:   StageMarketBreak,
					Start:   minuteMillis(dayBase, spec.day[i-1].end),
					End:     minuteMillis(dayBase, r.start),
				})
			}
			spans = append(spans, Span{
				Segment: MarketDay,
				Stage:   StageMarketOpen,
				Start:   minuteMillis(dayBase, r.start),
				End:     minuteMillis(dayBase, r.end),
			})
		}
	}

	return &TradingTimes{instrument: instrument, tradingDay: tradingDay, spans: spans}
}

func auctionSpans(base time.Time, open hhmm, segment MarketType) []Span {
	return []Span{
		{
			Segment: segment,
			Stage:   StageAuctionOrdering,
			Start:   minuteMillis(base, open-auctionOrderingLead),
			End:     minuteMillis(base, open-auctionMatchingLead),
		},
		{
			Segment: segment,
			Stage:   StageAuctionMatching,
			Start:   minuteMillis(base, open-auctionMatchingLead),
			End:     minuteMillis(base, open),
		},
	}
}

func minuteMillis(base time.Time, m hhmm) int64 {
	return base.Add(time.Duration(m) * time.Minute).UnixMilli()
}
