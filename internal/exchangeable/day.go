package exchangeable

import (
	"fmt"
	"time"
)

// CST is the exchange-local zone for all supported exchanges.
var CST = time.FixedZone("CST", 8*3600)

// Day is a calendar day encoded as yyyymmdd.
type Day = int32

// DayOf encodes the calendar date of t (in CST) as yyyymmdd.
func DayOf(t time.Time) Day {
	t = t.In(CST)
	return Day(t.Year()*10000 + int(t.Month())*100 + t.Day())
}

// DayOfMillis encodes the calendar date of a millisecond epoch timestamp.
func DayOfMillis(ms int64) Day {
	return DayOf(time.UnixMilli(ms))
}

// DayStart returns midnight CST of the encoded day.
func DayStart(d Day) time.Time {
	return time.Date(int(d)/10000, time.Month(int(d)/100%100), int(d)%100, 0, 0, 0, 0, CST)
}

// AddDays shifts an encoded day by n calendar days.
func AddDays(d Day, n int) Day {
	return DayOf(DayStart(d).AddDate(0, 0, n))
}

// ParseDay parses "20181203" into an encoded day.
func ParseDay(s string) (Day, error) {
	t, err := time.ParseInLocation("20060102", s, CST)
	if err != nil {
		return 0, err
	}
	return DayOf(t), nil
}

// FormatDay renders an encoded day as "20181203".
func FormatDay(d Day) string {
	return fmt.Sprintf("%08d", d)
}
