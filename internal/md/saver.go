package md

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yanun0323/logs"

	"main/internal/exchangeable"
	"main/internal/obs"
)

const (
	saverQueueSize     = 8192
	saverFlushInterval = 5 * time.Second
)

// Saver appends ticks to per-(tradingDay, instrument) CSV files from a
// buffered queue. One goroutine owns all file handles; enqueueing never
// blocks the dispatcher or producer goroutines.
type Saver struct {
	dir     string
	metrics *obs.Metrics

	ch      chan *MarketData
	wg      sync.WaitGroup
	started uint32

	// mu orders enqueues against Close so nothing sends on the closed
	// channel.
	mu     sync.Mutex
	closed bool

	writers map[saverKey]*saverFile
	buf     []byte
}

type saverKey struct {
	day        exchangeable.Day
	instrument int32
}

type saverFile struct {
	f *os.File
	w *bufio.Writer
}

// NewSaver creates a saver rooted at dir.
func NewSaver(dir string, metrics *obs.Metrics) (*Saver, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Saver{
		dir:     dir,
		metrics: metrics,
		ch:      make(chan *MarketData, saverQueueSize),
		writers: make(map[saverKey]*saverFile),
	}, nil
}

// Start runs the writer loop in a new goroutine.
func (s *Saver) Start(ctx context.Context) {
	if !atomic.CompareAndSwapUint32(&s.started, 0, 1) {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// AsyncSave enqueues a tick without blocking; drops with a counter on
// overflow.
func (s *Saver) AsyncSave(tick *MarketData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- tick:
	default:
		s.metrics.SaveDropped()
	}
}

// Close drains pending ticks, flushes and closes every file.
func (s *Saver) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Saver) run(ctx context.Context) {
	flush := time.NewTicker(saverFlushInterval)
	defer flush.Stop()
	defer s.closeAll()

	for {
		select {
		case <-ctx.Done():
			s.drain()
			return
		case tick, ok := <-s.ch:
			if !ok {
				return
			}
			s.write(tick)
		case <-flush.C:
			s.flushAll()
		}
	}
}

func (s *Saver) drain() {
	for {
		select {
		case tick, ok := <-s.ch:
			if !ok {
				return
			}
			s.write(tick)
		default:
			return
		}
	}
}

func (s *Saver) write(tick *MarketData) {
	day := tick.TradingDay
	if day == 0 {
		var ok bool
		if day, ok = exchangeable.TradingDayAt(time.UnixMilli(tick.UpdateTimestamp)); !ok {
			day = exchangeable.DayOfMillis(tick.UpdateTimestamp)
		}
	}
	key := saverKey{day: day, instrument: tick.Instrument.UniqueIntID()}
	sf := s.writers[key]
	if sf == nil {
		dayDir := filepath.Join(s.dir, exchangeable.FormatDay(day))
		if err := os.MkdirAll(dayDir, 0o755); err != nil {
			s.metrics.SaveError()
			logs.Errorf("saver mkdir %s, err: %+v", dayDir, err)
			return
		}
		path := filepath.Join(dayDir, tick.Instrument.UniqueID()+".csv")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			s.metrics.SaveError()
			logs.Errorf("saver open %s, err: %+v", path, err)
			return
		}
		sf = &saverFile{f: f, w: bufio.NewWriterSize(f, 64*1024)}
		s.writers[key] = sf
	}

	s.buf = tick.AppendCSV(s.buf[:0])
	if _, err := sf.w.Write(s.buf); err != nil {
		s.metrics.SaveError()
		logs.Errorf("saver write %s, err: %+v", tick.Instrument, err)
	}
}

func (s *Saver) flushAll() {
	for _, sf := range s.writers {
		if err := sf.w.Flush(); err != nil {
			s.metrics.SaveError()
		}
	}
}

func (s *Saver) closeAll() {
	for _, sf := range s.writers {
		_ = sf.w.Flush()
		_ = sf.f.Close()
	}
}
