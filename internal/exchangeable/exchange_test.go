package exchangeable

import (
	"testing"
	"time"
)

func cstMillis(year int, month time.Month, day, hour, min, sec int) int64 {
	return time.Date(year, month, day, hour, min, sec, 0, CST).UnixMilli()
}

func TestTimeStage(t *testing.T) {
	zn := MustFromString("zn1609")
	ru := MustFromString("ru1901")

	tests := []struct {
		name  string
		instr *Instrument
		at    int64
		want  MarketTimeStage
	}{
		{"shfe morning break", zn, cstMillis(2016, time.September, 2, 10, 15, 1), StageMarketBreak},
		{"before morning break", zn, cstMillis(2016, time.September, 2, 10, 14, 59), StageMarketOpen},
		{"after morning break", zn, cstMillis(2016, time.September, 2, 10, 30, 0), StageMarketOpen},
		{"lunch break", zn, cstMillis(2016, time.September, 2, 12, 0, 0), StageMarketBreak},
		{"night open", ru, cstMillis(2018, time.November, 30, 21, 1, 1), StageMarketOpen},
		{"night auction ordering", ru, cstMillis(2018, time.November, 30, 20, 56, 0), StageAuctionOrdering},
		{"night auction matching", ru, cstMillis(2018, time.November, 30, 20, 59, 30), StageAuctionMatching},
		{"gap between night close and day auction", ru, cstMillis(2018, time.December, 3, 6, 0, 0), StagePreOpen},
		{"day auction ordering", ru, cstMillis(2018, time.December, 3, 8, 56, 0), StageAuctionOrdering},
		{"day open", ru, cstMillis(2018, time.December, 3, 9, 1, 1), StageMarketOpen},
		{"afternoon open", ru, cstMillis(2018, time.December, 3, 14, 1, 1), StageMarketOpen},
		{"after close", ru, cstMillis(2018, time.December, 3, 15, 1, 1), StageMarketClose},
	}

	for _, tc := range tests {
		info, ok := tc.instr.DetectMarketInfo(tc.at)
		if !ok {
			t.Fatalf("%s: DetectMarketInfo not ok", tc.name)
		}
		if info.Stage != tc.want {
			t.Fatalf("%s: stage = %s, want %s", tc.name, info.Stage, tc.want)
		}
	}
}

func TestSegmentType(t *testing.T) {
	zn := MustFromString("zn1703")
	ru := MustFromString("ru1901")

	tests := []struct {
		name    string
		instr   *Instrument
		at      int64
		want    MarketType
		hasSeg  bool
		wantDay Day
	}{
		{"day segment", zn, cstMillis(2017, time.March, 3, 9, 0, 0), MarketDay, true, 20170303},
		{"night segment", zn, cstMillis(2017, time.March, 3, 21, 0, 0), MarketNight, true, 20170306},
		{"friday night trades monday", ru, cstMillis(2018, time.November, 30, 21, 1, 1), MarketNight, true, 20181203},
		{"afternoon", ru, cstMillis(2018, time.December, 3, 14, 1, 1), MarketDay, true, 20181203},
		{"no segment after close", ru, cstMillis(2018, time.December, 3, 15, 1, 1), 0, false, 20181203},
	}

	for _, tc := range tests {
		info, ok := tc.instr.DetectMarketInfo(tc.at)
		if !ok {
			t.Fatalf("%s: DetectMarketInfo not ok", tc.name)
		}
		if info.HasSegment != tc.hasSeg {
			t.Fatalf("%s: hasSegment = %v, want %v", tc.name, info.HasSegment, tc.hasSeg)
		}
		if tc.hasSeg && info.Segment != tc.want {
			t.Fatalf("%s: segment = %s, want %s", tc.name, info.Segment, tc.want)
		}
		if info.TradingDay != tc.wantDay {
			t.Fatalf("%s: tradingDay = %d, want %d", tc.name, info.TradingDay, tc.wantDay)
		}
	}
}

func TestTradingTimeInSegment(t *testing.T) {
	ru := MustFromString("ru1901")
	tt := ru.GetTradingTimes(20181203)
	if tt == nil {
		t.Fatal("GetTradingTimes returned nil for 20181203")
	}

	tests := []struct {
		name    string
		at      int64
		segment MarketType
		want    int64
	}{
		{"61s into night", cstMillis(2018, time.November, 30, 21, 1, 1), MarketNight, 61_000},
		{"61s into day", cstMillis(2018, time.December, 3, 9, 1, 1), MarketDay, 61_000},
		{"break excluded", cstMillis(2018, time.December, 3, 10, 20, 0), MarketDay, 75 * 60_000},
		{"full day session", cstMillis(2018, time.December, 3, 15, 0, 0), MarketDay, (75 + 60 + 90) * 60_000},
	}

	for _, tc := range tests {
		got := tt.TradingTimeInSegment(tc.at, tc.segment)
		if got != tc.want {
			t.Fatalf("%s: TradingTimeInSegment = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestTradingDayAt(t *testing.T) {
	tests := []struct {
		name string
		at   time.Time
		want Day
		ok   bool
	}{
		{"friday morning", time.Date(2018, time.November, 30, 10, 0, 0, 0, CST), 20181130, true},
		{"friday before auction", time.Date(2018, time.November, 30, 20, 54, 0, 0, CST), 20181130, true},
		{"friday at auction start", time.Date(2018, time.November, 30, 20, 55, 0, 0, CST), 20181203, true},
		{"friday night", time.Date(2018, time.November, 30, 22, 0, 0, 0, CST), 20181203, true},
		{"saturday past midnight", time.Date(2018, time.December, 1, 1, 30, 0, 0, CST), 20181203, true},
		{"saturday noon", time.Date(2018, time.December, 1, 12, 0, 0, 0, CST), 0, false},
		{"holiday noon", time.Date(2019, time.January, 1, 12, 0, 0, 0, CST), 0, false},
	}

	for _, tc := range tests {
		got, ok := TradingDayAt(tc.at)
		if ok != tc.ok {
			t.Fatalf("%s: ok = %v, want %v", tc.name, ok, tc.ok)
		}
		if ok && got != tc.want {
			t.Fatalf("%s: day = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestTradingDayCalendar(t *testing.T) {
	if IsTradingDay(20181201) { // Saturday
		t.Fatal("20181201 should not be a trading day")
	}
	if IsTradingDay(20190101) { // New Year
		t.Fatal("20190101 should not be a trading day")
	}
	if !IsTradingDay(20181203) {
		t.Fatal("20181203 should be a trading day")
	}

	tests := []struct {
		from, next, prev Day
	}{
		{20181130, 20181203, 20181129}, // weekend
		{20180214, 20180222, 20180213}, // spring festival
		{20181231, 20190102, 20181228}, // new year
	}
	for _, tc := range tests {
		if got := NextTradingDay(tc.from); got != tc.next {
			t.Fatalf("NextTradingDay(%d) = %d, want %d", tc.from, got, tc.next)
		}
		if got := PrevTradingDay(tc.from); got != tc.prev {
			t.Fatalf("PrevTradingDay(%d) = %d, want %d", tc.from, got, tc.prev)
		}
	}
}

func TestGetTradingTimesNonTradingDay(t *testing.T) {
	zn := MustFromString("zn1609")
	if tt := zn.GetTradingTimes(20181201); tt != nil {
		t.Fatal("expected nil span table on a Saturday")
	}
	if tt := zn.GetTradingTimes(20190101); tt != nil {
		t.Fatal("expected nil span table on a holiday")
	}
}

func TestDayHelpers(t *testing.T) {
	at := time.Date(2018, time.December, 3, 23, 59, 59, 0, CST)
	if got := DayOf(at); got != 20181203 {
		t.Fatalf("DayOf = %d, want 20181203", got)
	}
	if got := DayOfMillis(at.UnixMilli()); got != 20181203 {
		t.Fatalf("DayOfMillis = %d, want 20181203", got)
	}

	start := DayStart(20181203)
	if start.Hour() != 0 || DayOf(start) != 20181203 {
		t.Fatalf("DayStart round trip failed: %v", start)
	}

	if got := AddDays(20181231, 1); got != 20190101 {
		t.Fatalf("AddDays across year = %d, want 20190101", got)
	}
	if got := AddDays(20181201, -1); got != 20181130 {
		t.Fatalf("AddDays backwards = %d, want 20181130", got)
	}

	d, err := ParseDay("20181203")
	if err != nil || d != 20181203 {
		t.Fatalf("ParseDay = %d, %v", d, err)
	}
	if _, err := ParseDay("2018-12-03"); err == nil {
		t.Fatal("ParseDay should reject dashed dates")
	}
	if got := FormatDay(20181203); got != "20181203" {
		t.Fatalf("FormatDay = %q", got)
	}
}
