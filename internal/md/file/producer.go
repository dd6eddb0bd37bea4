// Package file implements a market-data producer replaying recorded
// CSV tick files.
package file

import (
	"bufio"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/exchangeable"
	"main/internal/md"
)

// Factory builds file producers from config items with a "path" key
// pointing at one CSV file or a directory of them. An optional "speed"
// scales replay pacing; 0 replays without pacing.
type Factory struct{}

func (Factory) Create(cfg map[string]any, listener md.ProducerListener) (md.Producer, error) {
	base, err := md.NewProducerBase(md.ProviderFile, cfg, listener)
	if err != nil {
		return nil, err
	}
	path, _ := cfg["path"].(string)
	if path == "" {
		return nil, errors.Wrapf(md.ErrProducerCreateFailed, "file producer %s missing path", base.ID())
	}
	speed := 0.0
	switch v := cfg["speed"].(type) {
	case float64:
		speed = v
	case int:
		speed = float64(v)
	case string:
		speed, _ = strconv.ParseFloat(v, 64)
	}
	p := &Producer{
		ProducerBase: base,
		path:         path,
		speed:        speed,
		filter:       make(map[*exchangeable.Instrument]bool),
	}
	p.Bind(p)
	return p, nil
}

// Producer replays recorded CSV ticks in timestamp order with the
// producer id rewritten to its own.
type Producer struct {
	*md.ProducerBase

	path  string
	speed float64

	mu     sync.Mutex
	filter map[*exchangeable.Instrument]bool
	stop   chan struct{}
}

func (p *Producer) Connect() {
	switch p.State() {
	case md.StateInitialized, md.StateDisconnected, md.StateConnectFailed:
	default:
		return
	}
	if _, err := os.Stat(p.path); err != nil {
		logs.Errorf("producer %s path %s: %+v", p.ID(), p.path, err)
		p.ChangeState(md.StateConnectFailed)
		return
	}
	if !p.ChangeState(md.StateConnecting) {
		return
	}
	p.mu.Lock()
	p.stop = make(chan struct{})
	stop := p.stop
	p.mu.Unlock()
	go p.replay(stop)
}

// Subscribe narrows replay to the given instruments. With no
// subscriptions every recorded instrument is replayed.
func (p *Producer) Subscribe(instruments []*exchangeable.Instrument) {
	p.mu.Lock()
	for _, instr := range instruments {
		p.filter[instr] = true
	}
	p.mu.Unlock()
}

func (p *Producer) Close() {
	p.mu.Lock()
	if p.stop != nil {
		select {
		case <-p.stop:
		default:
			close(p.stop)
		}
	}
	p.mu.Unlock()
	p.ChangeState(md.StateDisconnected)
}

func (p *Producer) replay(stop <-chan struct{}) {
	files, err := collectFiles(p.path)
	if err != nil || len(files) == 0 {
		logs.Errorf("producer %s found no tick files under %s: %+v", p.ID(), p.path, err)
		p.ChangeState(md.StateConnectFailed)
		return
	}
	p.ChangeState(md.StateConnected)

	var lastTs int64
	for _, file := range files {
		if !p.replayFile(file, stop, &lastTs) {
			break
		}
	}
	select {
	case <-stop:
	default:
		p.ChangeState(md.StateDisconnected)
	}
}

func (p *Producer) replayFile(path string, stop <-chan struct{}, lastTs *int64) bool {
	f, err := os.Open(path)
	if err != nil {
		logs.Errorf("producer %s open %s: %+v", p.ID(), path, err)
		return true
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64<<10), 64<<10)
	for scanner.Scan() {
		select {
		case <-stop:
			return false
		default:
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		tick, err := md.ParseCSV(line)
		if err != nil {
			logs.Errorf("producer %s skip malformed row in %s: %+v", p.ID(), path, err)
			continue
		}
		if !p.wants(tick.Instrument) {
			continue
		}
		if p.speed > 0 && *lastTs > 0 && tick.UpdateTimestamp > *lastTs {
			delay := time.Duration(float64(tick.UpdateTimestamp-*lastTs)/p.speed) * time.Millisecond
			select {
			case <-stop:
				return false
			case <-time.After(delay):
			}
		}
		*lastTs = tick.UpdateTimestamp
		tick.ProducerID = p.ID()
		tick.ReceiveTimestamp = time.Now().UnixMilli()
		p.EmitTick(tick)
	}
	return true
}

func (p *Producer) wants(instr *exchangeable.Instrument) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.filter) == 0 || p.filter[instr]
}

// collectFiles returns the csv files under path sorted by name, which
// sorts recorded days chronologically.
func collectFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(p, ".csv") {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}
