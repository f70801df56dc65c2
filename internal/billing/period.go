package billing

import (
	"fmt"
	"time"
)

const periodLayout = "2006-01"

// Period identifies a monthly billing cycle.
type Period struct {
	Year  int
	Month time.Month
}

// NewPeriod validates and builds a Period.
func NewPeriod(year int, month time.Month) (Period, error) {
	if year < 1 || year > 9999 {
		return Period{}, fmt.Errorf("period year %d out of range: %w", year, ErrInvalidState)
	}
	if month < time.January || month > time.December {
		return Period{}, fmt.Errorf("period month %d out of range: %w", month, ErrInvalidState)
	}
	return Period{Year: year, Month: month}, nil
}

// ParsePeriod parses a "YYYY-MM" key.
func ParsePeriod(s string) (Period, error) {
	t, err := time.Parse(periodLayout, s)
	if err != nil {
		return Period{}, fmt.Errorf("invalid period %q: %w", s, ErrInvalidState)
	}
	return NewPeriod(t.Year(), t.Month())
}

// MustParsePeriod is ParsePeriod for constants and tests.
func MustParsePeriod(s string) Period {
	p, err := ParsePeriod(s)
	if err != nil {
		panic(err)
	}
	return p
}

// PeriodOf returns the period containing t's calendar date.
func PeriodOf(t time.Time) Period {
	return Period{Year: t.Year(), Month: t.Month()}
}

func (p Period) String() string {
	return fmt.Sprintf("%04d-%02d", p.Year, int(p.Month))
}

func (p Period) IsZero() bool {
	return p.Year == 0 && p.Month == 0
}

// AddMonths shifts the period by n months (n may be negative).
func (p Period) AddMonths(n int) Period {
	idx := p.Year*12 + int(p.Month-1) + n
	return Period{Year: idx / 12, Month: time.Month(idx%12 + 1)}
}

func (p Period) Next() Period {
	return p.AddMonths(1)
}

func (p Period) Before(o Period) bool {
	return p.Compare(o) < 0
}

// Compare returns -1, 0 or +1.
func (p Period) Compare(o Period) int {
	switch {
	case p.Year < o.Year, p.Year == o.Year && p.Month < o.Month:
		return -1
	case p == o:
		return 0
	default:
		return 1
	}
}

// DaysIn returns the number of days in the period's month.
func (p Period) DaysIn() int {
	return time.Date(p.Year, p.Month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// DueDay clamps dueDay to the length of the month.
func (p Period) DueDay(dueDay int) int {
	if dueDay < 1 {
		return 1
	}
	if n := p.DaysIn(); dueDay > n {
		return n
	}
	return dueDay
}

// DueDate pins the period to the given due day of month.
func (p Period) DueDate(dueDay int) time.Time {
	return time.Date(p.Year, p.Month, p.DueDay(dueDay), 0, 0, 0, 0, time.UTC)
}

func (p Period) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Period) UnmarshalText(b []byte) error {
	parsed, err := ParsePeriod(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// DateOf truncates t to its calendar date at UTC midnight, keeping the
// date as seen in t's own location.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
