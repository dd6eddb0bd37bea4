// Package ta builds minute bars from accepted ticks and computes
// technical indicators over them.
package ta

import (
	"sync"

	"github.com/markcheno/go-talib"

	"main/internal/exchangeable"
	"main/internal/md"
)

// maxBars bounds per-instrument history. 500 minute bars cover more
// than a full trading day of any domestic session.
const maxBars = 500

const minuteMillis = 60_000

// Bar is one finished minute bar.
type Bar struct {
	Minute int64 // minute start, ms since epoch
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

type series struct {
	bars    []Bar
	current *Bar
	lastVol int64
}

// Access aggregates ticks into per-instrument minute bars and answers
// indicator queries. It registers as a generic market-data listener.
type Access struct {
	mu     sync.RWMutex
	series map[*exchangeable.Instrument]*series
}

func NewAccess() *Access {
	return &Access{series: make(map[*exchangeable.Instrument]*series)}
}

// OnMarketData folds one accepted tick into the instrument's bars. The
// bar closes when a tick from a later minute arrives.
func (a *Access) OnMarketData(tick *md.MarketData) {
	minute := tick.UpdateTimestamp / minuteMillis * minuteMillis
	price := tick.LastPrice.Float64()

	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.series[tick.Instrument]
	if s == nil {
		s = &series{}
		a.series[tick.Instrument] = s
	}

	if s.current != nil && minute > s.current.Minute {
		s.bars = append(s.bars, *s.current)
		if len(s.bars) > maxBars {
			s.bars = s.bars[len(s.bars)-maxBars:]
		}
		s.current = nil
	}
	barVol := tick.Volume - s.lastVol
	if barVol < 0 {
		barVol = 0 // session rollover resets cumulative volume
	}
	s.lastVol = tick.Volume

	if s.current == nil {
		s.current = &Bar{Minute: minute, Open: price, High: price, Low: price, Close: price, Volume: barVol}
		return
	}
	if price > s.current.High {
		s.current.High = price
	}
	if price < s.current.Low {
		s.current.Low = price
	}
	s.current.Close = price
	s.current.Volume += barVol
}

// Bars returns a copy of the finished bars for an instrument.
func (a *Access) Bars(instrument *exchangeable.Instrument) []Bar {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s := a.series[instrument]
	if s == nil {
		return nil
	}
	out := make([]Bar, len(s.bars))
	copy(out, s.bars)
	return out
}

// closes returns the close series including the forming bar's latest price.
func (a *Access) closes(instrument *exchangeable.Instrument) []float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s := a.series[instrument]
	if s == nil {
		return nil
	}
	out := make([]float64, 0, len(s.bars)+1)
	for _, b := range s.bars {
		out = append(out, b.Close)
	}
	if s.current != nil {
		out = append(out, s.current.Close)
	}
	return out
}

// SMA returns the latest simple moving average over period minute
// closes; ok is false until enough history accumulated.
func (a *Access) SMA(instrument *exchangeable.Instrument, period int) (float64, bool) {
	closePrices := a.closes(instrument)
	if period <= 0 || len(closePrices) < period {
		return 0, false
	}
	result := talib.Sma(closePrices, period)
	return result[len(result)-1], true
}

// RSI returns the latest relative strength index over period minute
// closes; ok is false until enough history accumulated.
func (a *Access) RSI(instrument *exchangeable.Instrument, period int) (float64, bool) {
	closePrices := a.closes(instrument)
	if period <= 0 || len(closePrices) <= period {
		return 0, false
	}
	result := talib.Rsi(closePrices, period)
	return result[len(result)-1], true
}

// ATR returns the latest average true range over period minute bars.
func (a *Access) ATR(instrument *exchangeable.Instrument, period int) (float64, bool) {
	a.mu.RLock()
	s := a.series[instrument]
	var highs, lows, closePrices []float64
	if s != nil {
		highs = make([]float64, 0, len(s.bars))
		lows = make([]float64, 0, len(s.bars))
		closePrices = make([]float64, 0, len(s.bars))
		for _, b := range s.bars {
			highs = append(highs, b.High)
			lows = append(lows, b.Low)
			closePrices = append(closePrices, b.Close)
		}
	}
	a.mu.RUnlock()
	if period <= 0 || len(closePrices) <= period {
		return 0, false
	}
	result := talib.Atr(highs, lows, closePrices, period)
	return result[len(result)-1], true
}
