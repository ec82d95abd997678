// Package period models the reference month ("mesAno") used by the
// Portal da Transparência API.
package period

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Layout is the textual form expected by the API query parameter mesAno.
const Layout = "200601"

// ErrInvalidPeriod is returned when a string is not a valid YYYYMM period.
var ErrInvalidPeriod = errors.New("invalid reference period")

// Period is a calendar year-month.
type Period struct {
	Year  int
	Month time.Month
}

// New returns the period for year and month.
func New(year int, month time.Month) Period {
	return Period{Year: year, Month: month}
}

// Parse parses a YYYYMM string.
func Parse(s string) (Period, error) {
	if len(s) != 6 {
		return Period{}, fmt.Errorf("%w: %q (want YYYYMM)", ErrInvalidPeriod, s)
	}
	year, err := strconv.Atoi(s[:4])
	if err != nil {
		return Period{}, fmt.Errorf("%w: %q: %v", ErrInvalidPeriod, s, err)
	}
	month, err := strconv.Atoi(s[4:])
	if err != nil {
		return Period{}, fmt.Errorf("%w: %q: %v", ErrInvalidPeriod, s, err)
	}
	if year < 1 || month < 1 || month > 12 {
		return Period{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
	}
	return Period{Year: year, Month: time.Month(month)}, nil
}

// MustParse is like Parse but panics on error. Intended for tests and constants.
func MustParse(s string) Period {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

// FromTime returns the period containing t.
func FromTime(t time.Time) Period {
	return Period{Year: t.Year(), Month: t.Month()}
}

// String formats the period as YYYYMM.
func (p Period) String() string {
	return fmt.Sprintf("%04d%02d", p.Year, int(p.Month))
}

// Date returns the first day of the period at midnight UTC.
func (p Period) Date() time.Time {
	return time.Date(p.Year, p.Month, 1, 0, 0, 0, 0, time.UTC)
}

// IsZero reports whether p is the zero Period.
func (p Period) IsZero() bool {
	return p.Year == 0 && p.Month == 0
}

// Before reports whether p is strictly earlier than o.
func (p Period) Before(o Period) bool {
	if p.Year != o.Year {
		return p.Year < o.Year
	}
	return p.Month < o.Month
}

// Next returns the following month.
func (p Period) Next() Period {
	return FromTime(p.Date().AddDate(0, 1, 0))
}

// Range returns every period from 'from' to 'to', both inclusive.
// It returns nil when to is before from.
func Range(from, to Period) []Period {
	if to.Before(from) {
		return nil
	}
	var out []Period
	for p := from; !to.Before(p); p = p.Next() {
		out = append(out, p)
	}
	return out
}

// Year returns the twelve periods of a calendar year.
func Year(year int) []Period {
	return Range(New(year, time.January), New(year, time.December))
}
