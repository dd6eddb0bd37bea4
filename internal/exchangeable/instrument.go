package exchangeable

import (
	"encoding/json"
	"strings"
	"sync"
	"unicode"

	"github.com/yanun0323/errors"
)

// InstrumentType classifies a tradable instrument.
type InstrumentType uint8

const (
	TypeFuture InstrumentType = iota
	TypeOption
)

func (t InstrumentType) String() string {
	switch t {
	case TypeFuture:
		return "Future"
	case TypeOption:
		return "Option"
	}
	return "Unknown"
}

// ParseInstrumentType resolves a type by its name, case-insensitive.
func ParseInstrumentType(name string) (InstrumentType, bool) {
	switch strings.ToLower(name) {
	case "future":
		return TypeFuture, true
	case "option":
		return TypeOption, true
	}
	return TypeFuture, false
}

// Instrument identifies a tradable contract: an exchange, a commodity
// root and a delivery month, e.g. "zn1609" on SHFE, plus an optional
// strike tail for options ("cu1906C47000").
//
// Instruments are interned: FromString returns the same pointer for the
// same unique id, so pointer equality and map keying are O(1).
type Instrument struct {
	id       int32
	exchange *Exchange
	contract string
	uniqueID string
	typ      InstrumentType
}

var registry = struct {
	sync.RWMutex
	byUniqueID map[string]*Instrument
	byIntID    []*Instrument
}{
	byUniqueID: make(map[string]*Instrument),
}

// FromString resolves an instrument from its unique id, optionally
// prefixed with an exchange name ("SHFE.zn1609"). The commodity root
// determines the exchange when no prefix is given.
func FromString(s string) (*Instrument, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty instrument id")
	}

	var exchangeName string
	if idx := strings.IndexByte(s, '.'); idx > 0 {
		exchangeName = s[:idx]
		s = s[idx+1:]
	}

	contract, _, typ, ok := splitContract(s)
	if !ok {
		return nil, errors.Errorf("malformed instrument id: %s", s)
	}

	var exchange *Exchange
	if exchangeName != "" {
		exchange = ExchangeByName(exchangeName)
		if exchange == nil {
			return nil, errors.Errorf("unknown exchange: %s", exchangeName)
		}
	} else {
		exchange = DetectExchange(contract)
		if exchange == nil {
			return nil, errors.Errorf("cannot detect exchange for instrument: %s", s)
		}
	}

	uniqueID := canonicalID(exchange, s)

	registry.RLock()
	instr := registry.byUniqueID[uniqueID]
	registry.RUnlock()
	if instr != nil {
		return instr, nil
	}

	registry.Lock()
	defer registry.Unlock()
	if instr = registry.byUniqueID[uniqueID]; instr != nil {
		return instr, nil
	}
	instr = &Instrument{
		id:       int32(len(registry.byIntID)),
		exchange: exchange,
		contract: contract,
		uniqueID: s,
		typ:      typ,
	}
	registry.byUniqueID[uniqueID] = instr
	registry.byIntID = append(registry.byIntID, instr)
	return instr, nil
}

// MustFromString is FromString for statically known instrument ids.
func MustFromString(s string) *Instrument {
	instr, err := FromString(s)
	if err != nil {
		panic(err)
	}
	return instr
}

// UniqueIntID returns the dense process-wide id of the instrument.
func (i *Instrument) UniqueIntID() int32 { return i.id }

// UniqueID returns the canonical string id, e.g. "zn1609".
func (i *Instrument) UniqueID() string { return i.uniqueID }

// Exchange returns the exchange the instrument trades on.
func (i *Instrument) Exchange() *Exchange { return i.exchange }

// Contract returns the commodity root, e.g. "zn".
func (i *Instrument) Contract() string { return i.contract }

// Type reports whether the instrument is a future or an option.
func (i *Instrument) Type() InstrumentType { return i.typ }

func (i *Instrument) String() string { return i.uniqueID }

// MarshalJSON renders the instrument as its unique id string.
func (i *Instrument) MarshalJSON() ([]byte, error) {
	return json.Marshal(i.uniqueID)
}

// DetectMarketInfo maps an instant to the segment, stage and trading day
// the exchange attributes it to. ok is false outside any trading day.
func (i *Instrument) DetectMarketInfo(t int64) (MarketInfo, bool) {
	return i.exchange.detectMarketInfo(i, t)
}

// GetTradingTimes returns the span table for one trading day, or nil when
// the day is not a trading day for this instrument.
func (i *Instrument) GetTradingTimes(tradingDay int32) *TradingTimes {
	return i.exchange.GetTradingTimes(i, tradingDay)
}

func canonicalID(exchange *Exchange, code string) string {
	// CZCE codes are case-significant upward; others are lowercase.
	if exchange == CZCE {
		return exchange.Name() + "." + strings.ToUpper(code)
	}
	return exchange.Name() + "." + strings.ToLower(code)
}

// splitContract separates the commodity root from the delivery digits
// and recognizes an option strike tail ("C47000", "-C-2600").
func splitContract(s string) (contract string, digits string, typ InstrumentType, ok bool) {
	cut := -1
	for idx, r := range s {
		if unicode.IsDigit(r) {
			cut = idx
			break
		}
		if !unicode.IsLetter(r) {
			return "", "", TypeFuture, false
		}
	}
	if cut <= 0 {
		return "", "", TypeFuture, false
	}
	end := cut
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end-cut < 3 || end-cut > 4 {
		return "", "", TypeFuture, false
	}
	contract, digits = strings.ToLower(s[:cut]), s[cut:end]
	if end == len(s) {
		return contract, digits, TypeFuture, true
	}
	if !optionTail(s[end:]) {
		return "", "", TypeFuture, false
	}
	return contract, digits, TypeOption, true
}

// optionTail matches "[- ]C|P[-]strike" after the delivery month.
func optionTail(s string) bool {
	if s == "" {
		return false
	}
	if s[0] == '-' {
		s = s[1:]
	}
	if s == "" {
		return false
	}
	switch s[0] {
	case 'C', 'P', 'c', 'p':
		s = s[1:]
	default:
		return false
	}
	if s != "" && s[0] == '-' {
		s = s[1:]
	}
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
