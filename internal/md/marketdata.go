package md

import (
	"strconv"
	"strings"

	"github.com/yanun0323/errors"

	"main/internal/exchangeable"
)

// MarketData is one market-data update: top-of-book quote plus the
// cumulative day volume and open interest. Instances are immutable after
// PostProcess; the dispatcher shares them read-only with listeners.
type MarketData struct {
	Instrument *exchangeable.Instrument
	ProducerID string

	// UpdateTimestamp is assigned by the upstream source,
	// ReceiveTimestamp locally at ingest. Both ms since epoch.
	UpdateTimestamp  int64
	ReceiveTimestamp int64

	LastPrice Price
	BidPrice1 Price
	AskPrice1 Price

	BidVolume1   int64
	AskVolume1   int64
	Volume       int64
	OpenInterest int64

	MktStage   exchangeable.MarketTimeStage
	TradingDay exchangeable.Day
}

// PostProcess stamps the derived market stage and trading day from the
// holder's trading times. Called once, before dispatch.
func (m *MarketData) PostProcess(tt *exchangeable.TradingTimes) {
	if tt == nil {
		return
	}
	m.MktStage = tt.TimeStage(m.UpdateTimestamp)
	m.TradingDay = tt.TradingDay()
}

// Clone returns a shallow copy; used for the merged-save path so the
// original tick stays immutable.
func (m *MarketData) Clone() *MarketData {
	clone := *m
	return &clone
}

// LastAskPrice is the price a buyer pays right now.
func (m *MarketData) LastAskPrice() Price {
	if m.AskPrice1 > 0 {
		return m.AskPrice1
	}
	return m.LastPrice
}

// LastBidPrice is the price a seller receives right now.
func (m *MarketData) LastBidPrice() Price {
	if m.BidPrice1 > 0 {
		return m.BidPrice1
	}
	return m.LastPrice
}

// AppendCSV appends the durable one-line representation:
// producerId, instrumentId, updateTimestamp, lastPrice, bidPrice1,
// askPrice1, bidVolume1, askVolume1, volume, openInterest.
func (m *MarketData) AppendCSV(dst []byte) []byte {
	dst = append(dst, m.ProducerID...)
	dst = append(dst, ',')
	dst = append(dst, m.Instrument.UniqueID()...)
	dst = append(dst, ',')
	dst = strconv.AppendInt(dst, m.UpdateTimestamp, 10)
	dst = append(dst, ',')
	dst = append(dst, m.LastPrice.String()...)
	dst = append(dst, ',')
	dst = append(dst, m.BidPrice1.String()...)
	dst = append(dst, ',')
	dst = append(dst, m.AskPrice1.String()...)
	dst = append(dst, ',')
	dst = strconv.AppendInt(dst, m.BidVolume1, 10)
	dst = append(dst, ',')
	dst = strconv.AppendInt(dst, m.AskVolume1, 10)
	dst = append(dst, ',')
	dst = strconv.AppendInt(dst, m.Volume, 10)
	dst = append(dst, ',')
	dst = strconv.AppendInt(dst, m.OpenInterest, 10)
	dst = append(dst, '\n')
	return dst
}

// ParseCSV parses one saver line back into a tick. ReceiveTimestamp is
// left zero; replay paths stamp it on publish.
func ParseCSV(line string) (*MarketData, error) {
	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) != 10 {
		return nil, errors.Errorf("csv tick: want 10 fields, got %d", len(fields))
	}
	instrument, err := exchangeable.FromString(fields[1])
	if err != nil {
		return nil, errors.Wrap(err, "csv tick instrument")
	}
	tick := &MarketData{ProducerID: fields[0], Instrument: instrument}
	if tick.UpdateTimestamp, err = strconv.ParseInt(fields[2], 10, 64); err != nil {
		return nil, errors.Wrap(err, "csv tick timestamp")
	}
	if tick.LastPrice, err = ParsePrice(fields[3]); err != nil {
		return nil, err
	}
	if tick.BidPrice1, err = ParsePrice(fields[4]); err != nil {
		return nil, err
	}
	if tick.AskPrice1, err = ParsePrice(fields[5]); err != nil {
		return nil, err
	}
	ints := []*int64{&tick.BidVolume1, &tick.AskVolume1, &tick.Volume, &tick.OpenInterest}
	for i, dst := range ints {
		if *dst, err = strconv.ParseInt(fields[6+i], 10, 64); err != nil {
			return nil, errors.Wrapf(err, "csv tick field %d", 6+i)
		}
	}
	return tick, nil
}

func (m *MarketData) String() string {
	return m.Instrument.UniqueID() + "@" + strconv.FormatInt(m.UpdateTimestamp, 10) +
		" last=" + m.LastPrice.String() + " vol=" + strconv.FormatInt(m.Volume, 10)
}
