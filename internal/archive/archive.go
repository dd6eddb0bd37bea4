// Package archive writes accepted ticks to PostgreSQL in batches for
// offline research. It is optional; without a DSN the service runs on
// CSV files alone.
package archive

import (
	"context"
	"sync"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/md"
	"main/internal/obs"
	"main/pkg/conn"
)

const (
	queueSize     = 8192
	batchSize     = 256
	flushInterval = time.Second
)

// TickRecord is one archived tick row.
type TickRecord struct {
	ID              uint64 `gorm:"primaryKey;autoIncrement"`
	ProducerID      string `gorm:"size:64"`
	Instrument      string `gorm:"size:32;index:idx_tick_day_instrument"`
	TradingDay      int32  `gorm:"index:idx_tick_day_instrument"`
	UpdateTimestamp int64
	LastPrice       int64
	BidPrice1       int64
	AskPrice1       int64
	BidVolume1      int64
	AskVolume1      int64
	Volume          int64
	OpenInterest    int64
}

func (TickRecord) TableName() string { return "market_ticks" }

// Archiver batches ticks into PostgreSQL off the dispatch goroutine.
// It registers as a generic market-data listener.
type Archiver struct {
	client  *conn.Client
	metrics *obs.Metrics

	ch     chan *md.MarketData
	closed sync.Once
	wg     sync.WaitGroup
}

// New connects and migrates the tick table.
func New(dsn string, metrics *obs.Metrics) (*Archiver, error) {
	if dsn == "" {
		return nil, errors.New("archive requires a dsn")
	}
	client, err := conn.Open(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "connect archive database")
	}
	if err := client.DB().AutoMigrate(&TickRecord{}); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "migrate tick table")
	}
	if metrics == nil {
		metrics = &obs.Metrics{}
	}
	return &Archiver{
		client:  client,
		metrics: metrics,
		ch:      make(chan *md.MarketData, queueSize),
	}, nil
}

// Start launches the batch writer.
func (a *Archiver) Start(ctx context.Context) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.run(ctx)
	}()
}

// OnMarketData enqueues one accepted tick; a full queue drops it.
func (a *Archiver) OnMarketData(tick *md.MarketData) {
	select {
	case a.ch <- tick:
	default:
		a.metrics.SaveDropped()
	}
}

// Close flushes pending batches and closes the pool.
func (a *Archiver) Close() {
	a.closed.Do(func() { close(a.ch) })
	a.wg.Wait()
	if err := a.client.Close(); err != nil {
		logs.Errorf("close archive database: %+v", err)
	}
}

func (a *Archiver) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]TickRecord, 0, batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := a.client.DB().WithContext(ctx).Create(&batch).Error; err != nil {
			a.metrics.SaveError()
			logs.Errorf("archive batch of %d ticks failed: %+v", len(batch), err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case tick, ok := <-a.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, toRecord(tick))
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			flush()
			return
		}
	}
}

func toRecord(tick *md.MarketData) TickRecord {
	return TickRecord{
		ProducerID:      tick.ProducerID,
		Instrument:      tick.Instrument.UniqueID(),
		TradingDay:      tick.TradingDay,
		UpdateTimestamp: tick.UpdateTimestamp,
		LastPrice:       int64(tick.LastPrice),
		BidPrice1:       int64(tick.BidPrice1),
		AskPrice1:       int64(tick.AskPrice1),
		BidVolume1:      tick.BidVolume1,
		AskVolume1:      tick.AskVolume1,
		Volume:          tick.Volume,
		OpenInterest:    tick.OpenInterest,
	}
}
