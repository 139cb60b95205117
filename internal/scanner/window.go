package scanner

import (
	"fmt"
	"time"
)

// MonthDay is a stored calendar boundary without a year.
type MonthDay struct {
	Month int
	Day   int
}

func (md MonthDay) Valid() bool {
	if md.Month < 1 || md.Month > 12 || md.Day < 1 {
		return false
	}
	// day 0 of the next month is the last day of this one; leap years count as 29.
	last := time.Date(2024, time.Month(md.Month)+1, 0, 0, 0, 0, 0, time.UTC).Day()
	return md.Day <= last
}

func (md MonthDay) String() string { return fmt.Sprintf("%02d/%02d", md.Month, md.Day) }

// DateWindow lists every weekday from max(start, tomorrow) through end
// inclusive. The year is tomorrow's year. The result is empty when the
// clamped start is after end or either boundary is not a real date.
func DateWindow(start, end MonthDay, now time.Time) []time.Time {
	loc := now.Location()
	tomorrow := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, loc)
	year := tomorrow.Year()

	first, ok := onYear(start, year, loc)
	if !ok {
		return nil
	}
	last, ok := onYear(end, year, loc)
	if !ok {
		return nil
	}
	if first.Before(tomorrow) {
		first = tomorrow
	}

	var out []time.Time
	for d := first; !d.After(last); d = d.AddDate(0, 0, 1) {
		if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		out = append(out, d)
	}
	return out
}

func onYear(md MonthDay, year int, loc *time.Location) (time.Time, bool) {
	if !md.Valid() {
		return time.Time{}, false
	}
	t := time.Date(year, time.Month(md.Month), md.Day, 0, 0, 0, 0, loc)
	// Feb 29 outside a leap year normalizes into March.
	if int(t.Month()) != md.Month {
		return time.Time{}, false
	}
	return t, true
}
