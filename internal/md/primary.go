package md

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/yanun0323/logs"

	"main/internal/exchangeable"
)

const (
	primaryInstrumentsFile  = "primaryInstruments.txt"
	primaryInstruments2File = "primaryInstruments2.txt"
)

// PrimaryQuerier resolves the most-liquid contract per commodity from a
// live source: top contract per commodity, and top-3 per commodity.
type PrimaryQuerier interface {
	QueryPrimaryInstruments() (top []*exchangeable.Instrument, top3 []*exchangeable.Instrument, err error)
}

// queryOrLoadPrimaryInstruments attempts a live query and persists the
// result; on failure it falls back to the last persisted lists.
func (s *Service) queryOrLoadPrimaryInstruments() {
	saved := loadInstrumentLines(filepath.Join(s.dataDir, primaryInstrumentsFile))
	saved2 := loadInstrumentLines(filepath.Join(s.dataDir, primaryInstruments2File))

	if s.primaryQuerier != nil {
		top, top3, err := s.primaryQuerier.QueryPrimaryInstruments()
		if err == nil && len(top) > 0 {
			s.primaryInstruments = top
			s.primaryInstruments2 = top3
			saveInstrumentLines(filepath.Join(s.dataDir, primaryInstrumentsFile), top)
			saveInstrumentLines(filepath.Join(s.dataDir, primaryInstruments2File), top3)
			return
		}
		if err != nil {
			logs.Errorf("query primary instruments failed, reuse saved: %+v", err)
		}
	}
	s.primaryInstruments = saved
	s.primaryInstruments2 = saved2
}

// GetPrimaryInstruments returns the top contract per commodity.
func (s *Service) GetPrimaryInstruments() []*exchangeable.Instrument {
	return s.primaryInstruments
}

// GetPrimaryInstrument resolves the Nth primary contract for a
// commodity; "au" is the first, "au2" the second, up to "au9".
func (s *Service) GetPrimaryInstrument(exchange *exchangeable.Exchange, commodity string) *exchangeable.Instrument {
	if commodity == "" {
		return nil
	}
	occurrence := 1
	if last := commodity[len(commodity)-1]; last >= '1' && last <= '9' {
		occurrence = int(last - '0')
		commodity = commodity[:len(commodity)-1]
	}
	commodity = strings.ToLower(commodity)
	if exchange == nil {
		exchange = exchangeable.DetectExchange(commodity)
	}

	list := s.primaryInstruments
	if occurrence > 1 {
		list = s.primaryInstruments2
	}
	seen := 0
	for _, instr := range list {
		if instr.Exchange() == exchange && strings.EqualFold(instr.Contract(), commodity) {
			seen++
			if seen >= occurrence {
				return instr
			}
		}
	}
	return nil
}

func loadInstrumentLines(path string) []*exchangeable.Instrument {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var result []*exchangeable.Instrument
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		instr, err := exchangeable.FromString(line)
		if err != nil {
			continue
		}
		result = append(result, instr)
	}
	return result
}

func saveInstrumentLines(path string, instruments []*exchangeable.Instrument) {
	var b strings.Builder
	for _, instr := range instruments {
		b.WriteString(instr.UniqueID())
		b.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		logs.Errorf("save %s, err: %+v", path, err)
	}
}
