// Package web implements a market-data producer fed by a websocket
// JSON tick stream.
package web

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/yanun0323/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/exchangeable"
	"main/internal/md"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
	// readTimeout bounds a silent upstream; ping keeps a healthy one alive.
	readTimeout  = 60 * time.Second
	pingInterval = 20 * time.Second
)

// tickMessage is the upstream wire format. Prices arrive as decimal
// strings or bare numbers depending on the feed.
type tickMessage struct {
	InstrumentID string    `json:"instrumentId"`
	Timestamp    int64     `json:"timestamp"`
	LastPrice    wirePrice `json:"lastPrice"`
	BidPrice1    wirePrice `json:"bidPrice1"`
	AskPrice1    wirePrice `json:"askPrice1"`
	BidVolume1   int64     `json:"bidVolume1"`
	AskVolume1   int64     `json:"askVolume1"`
	Volume       int64     `json:"volume"`
	OpenInterest int64     `json:"openInterest"`
}

// wirePrice tolerates both encodings: bare numbers are re-quoted so
// decimal keeps the exact digits either way.
type wirePrice struct {
	decimal.Decimal
}

func (w *wirePrice) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] != '"' {
		if string(data) == "null" {
			return nil
		}
		quoted := make([]byte, 0, len(data)+2)
		quoted = append(quoted, '"')
		quoted = append(quoted, data...)
		quoted = append(quoted, '"')
		data = quoted
	}
	return json.Unmarshal(data, &w.Decimal)
}

type subscribeMessage struct {
	Op          string   `json:"op"`
	Instruments []string `json:"instruments"`
}

// Factory builds web producers from config items with a "url" key.
type Factory struct{}

func (Factory) Create(cfg map[string]any, listener md.ProducerListener) (md.Producer, error) {
	base, err := md.NewProducerBase(md.ProviderWeb, cfg, listener)
	if err != nil {
		return nil, err
	}
	url, _ := cfg["url"].(string)
	if url == "" {
		return nil, errors.Wrapf(md.ErrProducerCreateFailed, "web producer %s missing url", base.ID())
	}
	p := &Producer{
		ProducerBase: base,
		url:          url,
	}
	p.Bind(p)
	return p, nil
}

// Producer streams ticks from one websocket endpoint. One reader
// goroutine per connection; writes are serialized by writeMu.
type Producer struct {
	*md.ProducerBase

	url string

	writeMu sync.Mutex
	conn    *websocket.Conn
	closed  bool
}

// Connect moves to Connecting and dials off-thread. No-op unless the
// producer is Initialized or Disconnected.
func (p *Producer) Connect() {
	switch p.State() {
	case md.StateInitialized, md.StateDisconnected, md.StateConnectFailed:
	default:
		return
	}
	if !p.ChangeState(md.StateConnecting) {
		return
	}
	go p.run()
}

func (p *Producer) run() {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.Dial(p.url, nil)
	if err != nil {
		logs.Errorf("producer %s dial %s failed: %+v", p.ID(), p.url, err)
		p.ChangeState(md.StateConnectFailed)
		return
	}

	p.writeMu.Lock()
	if p.closed {
		p.writeMu.Unlock()
		conn.Close()
		return
	}
	p.conn = conn
	p.writeMu.Unlock()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	p.ChangeState(md.StateConnected)

	stopPing := make(chan struct{})
	go p.pingLoop(conn, stopPing)
	p.readLoop(conn)
	close(stopPing)

	p.writeMu.Lock()
	if p.conn == conn {
		p.conn = nil
	}
	closed := p.closed
	p.writeMu.Unlock()
	conn.Close()
	if !closed {
		p.ChangeState(md.StateDisconnected)
	}
}

func (p *Producer) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.writeMu.Lock()
			if p.conn != conn {
				p.writeMu.Unlock()
				return
			}
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			p.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (p *Producer) readLoop(conn *websocket.Conn) {
	for {
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return
		}
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if !p.isClosed() {
				logs.Errorf("producer %s read failed: %+v", p.ID(), err)
			}
			return
		}
		tick, err := p.parseTick(payload)
		if err != nil {
			logs.Errorf("producer %s malformed tick skipped: %+v", p.ID(), err)
			continue
		}
		if tick != nil {
			p.EmitTick(tick)
		}
	}
}

// parseTick converts one wire message. Non-tick frames (no
// instrumentId) are ignored, returning (nil, nil).
func (p *Producer) parseTick(payload []byte) (*md.MarketData, error) {
	var msg tickMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, errors.Wrap(err, "unmarshal tick")
	}
	if msg.InstrumentID == "" {
		return nil, nil
	}
	instr, err := exchangeable.FromString(msg.InstrumentID)
	if err != nil {
		return nil, err
	}
	tick := &md.MarketData{
		Instrument:       instr,
		ProducerID:       p.ID(),
		UpdateTimestamp:  msg.Timestamp,
		ReceiveTimestamp: time.Now().UnixMilli(),
		BidVolume1:       msg.BidVolume1,
		AskVolume1:       msg.AskVolume1,
		Volume:           msg.Volume,
		OpenInterest:     msg.OpenInterest,
	}
	if tick.LastPrice, err = parsePriceField(msg.LastPrice); err != nil {
		return nil, err
	}
	if tick.BidPrice1, err = parsePriceField(msg.BidPrice1); err != nil {
		return nil, err
	}
	if tick.AskPrice1, err = parsePriceField(msg.AskPrice1); err != nil {
		return nil, err
	}
	return tick, nil
}

// parsePriceField converts one wire price; absent fields stay zero.
func parsePriceField(w wirePrice) (md.Price, error) {
	s := w.String()
	if s == "" {
		return 0, nil
	}
	return md.ParsePrice(s)
}

// Subscribe sends the subscribe op for the given instruments.
func (p *Producer) Subscribe(instruments []*exchangeable.Instrument) {
	if len(instruments) == 0 || p.State() != md.StateConnected {
		return
	}
	ids := make([]string, len(instruments))
	for i, instr := range instruments {
		ids[i] = instr.UniqueID()
	}
	payload, err := json.Marshal(subscribeMessage{Op: "subscribe", Instruments: ids})
	if err != nil {
		logs.Errorf("producer %s marshal subscribe failed: %+v", p.ID(), err)
		return
	}

	p.writeMu.Lock()
	conn := p.conn
	if conn != nil {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		err = conn.WriteMessage(websocket.TextMessage, payload)
	}
	p.writeMu.Unlock()
	if err != nil {
		logs.Errorf("producer %s subscribe write failed: %+v", p.ID(), err)
	}
}

// Close tears down the socket and ends the producer permanently.
func (p *Producer) Close() {
	p.writeMu.Lock()
	p.closed = true
	conn := p.conn
	p.conn = nil
	p.writeMu.Unlock()
	if conn != nil {
		conn.Close()
	}
	p.ChangeState(md.StateDisconnected)
}

func (p *Producer) isClosed() bool {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.closed
}
