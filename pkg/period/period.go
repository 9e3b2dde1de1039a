package period

import (
	"time"
)

// Kind identifies a consolidation period length.
type Kind string

const (
	Daily   Kind = "daily"
	Weekly  Kind = "weekly"
	Monthly Kind = "monthly"
)

// Kinds lists every consolidation period, shortest first.
var Kinds = []Kind{Daily, Weekly, Monthly}

const (
	daySeconds  = 24 * 60 * 60
	weekSeconds = 7 * daySeconds
)

// Anchor returns the start of the period containing t, as epoch seconds.
// Days anchor at UTC midnight, weeks at Monday (ISO week), months at the
// first of the month.
func (k Kind) Anchor(t time.Time) int64 {
	u := t.UTC()
	switch k {
	case Weekly:
		// Weekday is Sunday-based; shift so Monday is day zero.
		back := (int(u.Weekday()) + 6) % 7
		u = u.AddDate(0, 0, -back)
	case Monthly:
		u = time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).Unix()
}

// Next returns the start of the period following the one starting at ts.
// Month arithmetic assumes ts is a first-of-month anchor.
func (k Kind) Next(ts int64) int64 {
	switch k {
	case Daily:
		return ts + daySeconds
	case Weekly:
		return ts + weekSeconds
	default:
		return time.Unix(ts, 0).UTC().AddDate(0, 1, 0).Unix()
	}
}

// Prev returns the start of the period preceding the one starting at ts.
func (k Kind) Prev(ts int64) int64 {
	switch k {
	case Daily:
		return ts - daySeconds
	case Weekly:
		return ts - weekSeconds
	default:
		return time.Unix(ts, 0).UTC().AddDate(0, -1, 0).Unix()
	}
}

// Seconds returns the length of the period starting at ts.
func (k Kind) Seconds(ts int64) int64 {
	switch k {
	case Daily:
		return daySeconds
	case Weekly:
		return weekSeconds
	default:
		return k.Next(ts) - ts
	}
}

// Valid reports whether k names a known consolidation period.
func (k Kind) Valid() bool {
	switch k {
	case Daily, Weekly, Monthly:
		return true
	}
	return false
}

// YearStart returns the first of January of t's year, as epoch seconds.
func YearStart(t time.Time) int64 {
	u := t.UTC()
	return time.Date(u.Year(), 1, 1, 0, 0, 0, 0, time.UTC).Unix()
}

// YearSeconds returns the length of the year starting at ts.
func YearSeconds(ts int64) int64 {
	return time.Unix(ts, 0).UTC().AddDate(1, 0, 0).Unix() - ts
}
