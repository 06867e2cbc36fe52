// Package isoduration parses ISO-8601 durations such as "P1W", "P1D" or
// "P1Y2M3DT4H5M6S" and applies them to calendar times.
package isoduration

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var pattern = regexp.MustCompile(`^P(?:(\d+)Y)?(?:(\d+)M)?(?:(\d+)W)?(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?)?$`)

// Duration is a calendar-aware duration. Years, months and days are applied
// with time.AddDate so month lengths and DST are respected.
type Duration struct {
	Years, Months, Weeks, Days int
	Hours, Minutes, Seconds    int
}

// Parse parses an ISO-8601 duration. Fractions and negative values are not
// supported.
func Parse(s string) (Duration, error) {
	m := pattern.FindStringSubmatch(s)
	if m == nil || s == "P" || s[len(s)-1] == 'T' {
		return Duration{}, fmt.Errorf("invalid ISO-8601 duration %q", s)
	}

	fields := make([]int, 7)
	for i := range fields {
		if m[i+1] == "" {
			continue
		}
		v, err := strconv.Atoi(m[i+1])
		if err != nil {
			return Duration{}, fmt.Errorf("invalid ISO-8601 duration %q: %w", s, err)
		}
		fields[i] = v
	}
	return Duration{
		Years: fields[0], Months: fields[1], Weeks: fields[2], Days: fields[3],
		Hours: fields[4], Minutes: fields[5], Seconds: fields[6],
	}, nil
}

// MustParse is Parse for constants. It panics on malformed input.
func MustParse(s string) Duration {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Shift returns t moved forward by d.
func (d Duration) Shift(t time.Time) time.Time {
	t = t.AddDate(d.Years, d.Months, d.Weeks*7+d.Days)
	return t.Add(time.Duration(d.Hours)*time.Hour +
		time.Duration(d.Minutes)*time.Minute +
		time.Duration(d.Seconds)*time.Second)
}

// IsZero reports whether every component is zero.
func (d Duration) IsZero() bool {
	return d == Duration{}
}

func (d Duration) String() string {
	s := "P"
	for _, p := range []struct {
		v    int
		unit string
	}{{d.Years, "Y"}, {d.Months, "M"}, {d.Weeks, "W"}, {d.Days, "D"}} {
		if p.v != 0 {
			s += strconv.Itoa(p.v) + p.unit
		}
	}
	if d.Hours != 0 || d.Minutes != 0 || d.Seconds != 0 {
		s += "T"
		for _, p := range []struct {
			v    int
			unit string
		}{{d.Hours, "H"}, {d.Minutes, "M"}, {d.Seconds, "S"}} {
			if p.v != 0 {
				s += strconv.Itoa(p.v) + p.unit
			}
		}
	}
	if s == "P" {
		return "PT0S"
	}
	return s
}
