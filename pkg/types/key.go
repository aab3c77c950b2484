// Package types provides the key domain shared by schemes, planners, and
// transports: calendar-date keys, optional bounds, and half-open ranges.
package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const secondsPerDay = 24 * 60 * 60

// Key is a calendar date in UTC, stored as days since 1970-01-01.
// Keys order the same way the dates do.
type Key int64

// Date returns the key for the given calendar date. Out-of-range months and
// days are normalized the way time.Date normalizes them.
func Date(year int, month time.Month, day int) Key {
	return FromTime(time.Date(year, month, day, 0, 0, 0, 0, time.UTC))
}

// MonthStart returns the key for the first day of the given month.
func MonthStart(year int, month time.Month) Key {
	return Date(year, month, 1)
}

// FromTime truncates t to its UTC calendar date.
func FromTime(t time.Time) Key {
	y, m, d := t.UTC().Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return Key(midnight.Unix() / secondsPerDay)
}

// ParseKey parses "2006-01-02" or the month shorthand "2006-01".
func ParseKey(s string) (Key, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return FromTime(t), nil
	}
	if t, err := time.Parse("2006-01", s); err == nil {
		return FromTime(t), nil
	}
	return 0, fmt.Errorf("types: invalid date key %q (want YYYY-MM-DD or YYYY-MM)", s)
}

// MustParseKey is ParseKey for literals in tests and seed data.
func MustParseKey(s string) Key {
	k, err := ParseKey(s)
	if err != nil {
		panic(err)
	}
	return k
}

// Time returns midnight UTC of the key's date.
func (k Key) Time() time.Time {
	return time.Unix(int64(k)*secondsPerDay, 0).UTC()
}

func (k Key) Year() int { return k.Time().Year() }

func (k Key) Month() time.Month { return k.Time().Month() }

// IsMonthStart reports whether the key falls on the first day of a month.
func (k Key) IsMonthStart() bool { return k.Time().Day() == 1 }

// AddMonths returns the first day of the month n months after k's month.
func (k Key) AddMonths(n int) Key {
	t := k.Time()
	return MonthStart(t.Year(), t.Month()+time.Month(n))
}

// String renders the key as YYYY-MM-DD.
func (k Key) String() string {
	return k.Time().Format("2006-01-02")
}

// MarshalText implements encoding.TextMarshaler.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Key) UnmarshalText(b []byte) error {
	parsed, err := ParseKey(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Bound is an optional key. The zero value is unbounded.
type Bound struct {
	key    Key
	finite bool
}

// At returns a finite bound at k.
func At(k Key) Bound {
	return Bound{key: k, finite: true}
}

// Unbounded returns the infinite bound. Whether it means -inf or +inf
// depends on which side of an interval it is used.
func Unbounded() Bound {
	return Bound{}
}

// ParseBound parses a date key; "", "*", "inf", "+inf" and "-inf" are
// unbounded.
func ParseBound(s string) (Bound, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "*", "inf", "+inf", "-inf", "unbounded":
		return Unbounded(), nil
	}
	k, err := ParseKey(s)
	if err != nil {
		return Bound{}, err
	}
	return At(k), nil
}

// Key returns the bound's key and whether it is finite.
func (b Bound) Key() (Key, bool) {
	return b.key, b.finite
}

func (b Bound) IsUnbounded() bool { return !b.finite }

// Equal compares two bounds; all unbounded values are equal.
func (b Bound) Equal(o Bound) bool {
	if b.finite != o.finite {
		return false
	}
	return !b.finite || b.key == o.key
}

func (b Bound) String() string {
	if !b.finite {
		return "inf"
	}
	return b.key.String()
}

// MarshalJSON encodes an unbounded bound as null.
func (b Bound) MarshalJSON() ([]byte, error) {
	if !b.finite {
		return []byte("null"), nil
	}
	return json.Marshal(b.key.String())
}

// UnmarshalJSON accepts null, "" or a date string.
func (b *Bound) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*b = Unbounded()
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("types: bound must be a date string or null: %w", err)
	}
	parsed, err := ParseBound(s)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}
