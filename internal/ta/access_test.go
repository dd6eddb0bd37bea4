package ta

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/exchangeable"
	"main/internal/md"
)

func tick(instr *exchangeable.Instrument, at time.Time, price md.Price, volume int64) *md.MarketData {
	return &md.MarketData{
		Instrument:      instr,
		UpdateTimestamp: at.UnixMilli(),
		LastPrice:       price,
		Volume:          volume,
	}
}

func TestBarAggregation(t *testing.T) {
	ru := exchangeable.MustFromString("ru1901")
	a := NewAccess()
	base := time.Date(2018, time.December, 3, 9, 0, 0, 0, exchangeable.CST)

	// Three ticks in minute 0, one in minute 1 closing the first bar.
	a.OnMarketData(tick(ru, base.Add(1*time.Second), 100_0000, 10))
	a.OnMarketData(tick(ru, base.Add(20*time.Second), 105_0000, 25))
	a.OnMarketData(tick(ru, base.Add(40*time.Second), 98_0000, 40))
	a.OnMarketData(tick(ru, base.Add(61*time.Second), 101_0000, 50))

	bars := a.Bars(ru)
	require.Len(t, bars, 1)
	bar := bars[0]
	assert.Equal(t, base.UnixMilli(), bar.Minute)
	assert.Equal(t, 100.0, bar.Open)
	assert.Equal(t, 105.0, bar.High)
	assert.Equal(t, 98.0, bar.Low)
	assert.Equal(t, 98.0, bar.Close)
	assert.Equal(t, int64(40), bar.Volume)
}

func TestBarVolumeRollover(t *testing.T) {
	ru := exchangeable.MustFromString("ru1901")
	a := NewAccess()
	base := time.Date(2018, time.December, 3, 9, 0, 0, 0, exchangeable.CST)

	a.OnMarketData(tick(ru, base, 100_0000, 1000))
	// Cumulative volume resets at session rollover; the delta must not go
	// negative.
	a.OnMarketData(tick(ru, base.Add(time.Minute), 100_0000, 5))
	a.OnMarketData(tick(ru, base.Add(time.Minute+time.Second), 100_0000, 9))
	a.OnMarketData(tick(ru, base.Add(2*time.Minute), 100_0000, 12))

	bars := a.Bars(ru)
	require.Len(t, bars, 2)
	assert.Equal(t, int64(1000), bars[0].Volume)
	assert.Equal(t, int64(4), bars[1].Volume) // 0 after reset, then +4
}

func TestSMA(t *testing.T) {
	ru := exchangeable.MustFromString("ru1901")
	a := NewAccess()
	base := time.Date(2018, time.December, 3, 9, 0, 0, 0, exchangeable.CST)

	if _, ok := a.SMA(ru, 3); ok {
		t.Fatal("SMA must not be ready without history")
	}

	// Closes 10, 20, 30; the third is the forming bar.
	a.OnMarketData(tick(ru, base, 10_0000, 1))
	a.OnMarketData(tick(ru, base.Add(time.Minute), 20_0000, 2))
	a.OnMarketData(tick(ru, base.Add(2*time.Minute), 30_0000, 3))

	got, ok := a.SMA(ru, 3)
	require.True(t, ok)
	assert.InDelta(t, 20.0, got, 1e-9)

	if _, ok := a.SMA(ru, 4); ok {
		t.Fatal("period longer than history must not be ready")
	}
	if _, ok := a.SMA(ru, 0); ok {
		t.Fatal("non-positive period must not be ready")
	}
}

func TestIndicatorsUnknownInstrument(t *testing.T) {
	a := NewAccess()
	zn := exchangeable.MustFromString("zn1609")
	if _, ok := a.SMA(zn, 1); ok {
		t.Fatal("unknown instrument should have no SMA")
	}
	if _, ok := a.RSI(zn, 1); ok {
		t.Fatal("unknown instrument should have no RSI")
	}
	if _, ok := a.ATR(zn, 1); ok {
		t.Fatal("unknown instrument should have no ATR")
	}
	assert.Nil(t, a.Bars(zn))
}
