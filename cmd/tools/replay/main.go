// Replay inspects recorded tick CSV files: prints each tick and
// per-instrument stats, and flags monotonic-order violations the
// dispatch filter would reject.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"main/internal/exchangeable"
	"main/internal/md"
)

type instrumentStats struct {
	ticks      int
	violations int
	firstTs    int64
	lastTs     int64
	lastVolume int64
	low, high  md.Price
}

func main() {
	dir := flag.String("dir", "data", "recorded data directory")
	day := flag.String("day", "", "trading day (yyyymmdd), required")
	verbose := flag.Bool("v", false, "print every tick")
	flag.Parse()

	if *day == "" {
		log.Fatal("missing -day")
	}
	if _, err := exchangeable.ParseDay(*day); err != nil {
		log.Fatalf("bad -day: %v", err)
	}

	dayDir := filepath.Join(*dir, *day)
	entries, err := os.ReadDir(dayDir)
	if err != nil {
		log.Fatalf("read %s: %v", dayDir, err)
	}

	stats := make(map[string]*instrumentStats)
	total := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".csv") {
			continue
		}
		n, err := replayFile(filepath.Join(dayDir, entry.Name()), stats, *verbose)
		if err != nil {
			log.Fatalf("replay %s: %v", entry.Name(), err)
		}
		total += n
	}

	ids := make([]string, 0, len(stats))
	for id := range stats {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		s := stats[id]
		fmt.Printf("%-16s ticks=%-8d span=%dms range=%s..%s violations=%d\n",
			id, s.ticks, s.lastTs-s.firstTs, s.low, s.high, s.violations)
	}
	fmt.Printf("total %d ticks, %d instruments\n", total, len(stats))
}

func replayFile(path string, stats map[string]*instrumentStats, verbose bool) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64<<10), 64<<10)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		tick, err := md.ParseCSV(line)
		if err != nil {
			return n, err
		}
		n++
		if verbose {
			fmt.Println(tick)
		}
		record(stats, tick)
	}
	return n, scanner.Err()
}

func record(stats map[string]*instrumentStats, tick *md.MarketData) {
	id := tick.Instrument.UniqueID()
	s := stats[id]
	if s == nil {
		s = &instrumentStats{firstTs: tick.UpdateTimestamp, low: tick.LastPrice, high: tick.LastPrice}
		stats[id] = s
	}
	if s.ticks > 0 {
		accepted := tick.UpdateTimestamp > s.lastTs ||
			(tick.UpdateTimestamp == s.lastTs && tick.Volume > s.lastVolume)
		if !accepted {
			s.violations++
		}
	}
	s.ticks++
	s.lastTs = tick.UpdateTimestamp
	s.lastVolume = tick.Volume
	if tick.LastPrice < s.low {
		s.low = tick.LastPrice
	}
	if tick.LastPrice > s.high {
		s.high = tick.LastPrice
	}
}
