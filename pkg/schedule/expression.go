// Package schedule evaluates schedule-rule expressions in UTC.
//
// Two forms are accepted: the six-field rule form
//
//	cron(minutes hours day-of-month month day-of-week year)
//
// where one of the day fields must be "?" and day-of-week counts SUN=1..SAT=7,
// and a plain five-field cron string with the usual SUN=0 numbering. A
// rate(N unit) expression is accepted as well.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var fieldParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Expression is a parsed schedule. It implements cron.Schedule, so it can be
// handed to a cron.Cron directly.
type Expression struct {
	raw   string
	sched cron.Schedule
	years yearSet
}

// Parse parses a schedule expression.
func Parse(expr string) (*Expression, error) {
	raw := strings.TrimSpace(expr)
	switch {
	case strings.HasPrefix(raw, "cron(") && strings.HasSuffix(raw, ")"):
		return parseRuleCron(raw, raw[len("cron("):len(raw)-1])
	case strings.HasPrefix(raw, "rate(") && strings.HasSuffix(raw, ")"):
		return parseRate(raw, raw[len("rate("):len(raw)-1])
	default:
		sched, err := fieldParser.Parse("CRON_TZ=UTC " + raw)
		if err != nil {
			return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
		}
		return &Expression{raw: raw, sched: sched}, nil
	}
}

// MustParse is Parse that panics on error. For constants and tests.
func MustParse(expr string) *Expression {
	e, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return e
}

func parseRuleCron(raw, body string) (*Expression, error) {
	fields := strings.Fields(body)
	if len(fields) != 6 {
		return nil, fmt.Errorf("invalid cron expression %q: expected 6 fields, got %d", raw, len(fields))
	}
	minute, hour, dom, month, dow, year := fields[0], fields[1], fields[2], fields[3], fields[4], fields[5]

	if (dom == "?") == (dow == "?") {
		return nil, fmt.Errorf("invalid cron expression %q: exactly one of day-of-month and day-of-week must be '?'", raw)
	}
	for _, f := range fields {
		if strings.ContainsAny(f, "LW#") && !isNamed(f) {
			return nil, fmt.Errorf("invalid cron expression %q: L, W and # are not supported", raw)
		}
	}

	convertedDow, err := shiftDow(dow)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", raw, err)
	}
	years, err := parseYears(year)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", raw, err)
	}

	spec := strings.Join([]string{minute, hour, dom, month, convertedDow}, " ")
	sched, err := fieldParser.Parse("CRON_TZ=UTC " + spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", raw, err)
	}
	return &Expression{raw: raw, sched: sched, years: years}, nil
}

func parseRate(raw, body string) (*Expression, error) {
	parts := strings.Fields(body)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid rate expression %q", raw)
	}
	n, err := strconv.Atoi(parts[0])
	if err != nil || n <= 0 {
		return nil, fmt.Errorf("invalid rate expression %q: value must be a positive integer", raw)
	}
	unit := strings.TrimSuffix(parts[1], "s")
	var d time.Duration
	switch unit {
	case "minute":
		d = time.Minute
	case "hour":
		d = time.Hour
	case "day":
		d = 24 * time.Hour
	default:
		return nil, fmt.Errorf("invalid rate expression %q: unknown unit %q", raw, parts[1])
	}
	if (n == 1) != (parts[1] == unit) {
		return nil, fmt.Errorf("invalid rate expression %q: use %q for a value of 1 and the plural otherwise", raw, unit)
	}
	return &Expression{raw: raw, sched: cron.Every(time.Duration(n) * d)}, nil
}

// isNamed reports whether a field is made only of month or weekday names
// (which may legitimately contain W, as in WED).
func isNamed(f string) bool {
	for _, tok := range strings.FieldsFunc(f, func(r rune) bool { return r == ',' || r == '-' || r == '/' }) {
		if _, err := strconv.Atoi(tok); err == nil {
			return false
		}
		if tok == "L" || tok == "W" || strings.Contains(tok, "#") {
			return false
		}
	}
	return true
}

// shiftDow converts rule day-of-week numbers (SUN=1..SAT=7) to cron numbers (SUN=0..SAT=6).
func shiftDow(field string) (string, error) {
	if field == "?" || field == "*" {
		return "*", nil
	}
	var out []string
	for _, part := range strings.Split(field, ",") {
		rangePart, step, hasStep := strings.Cut(part, "/")
		lo, hi, isRange := strings.Cut(rangePart, "-")

		conv := func(tok string) (string, error) {
			if tok == "*" {
				return tok, nil
			}
			n, err := strconv.Atoi(tok)
			if err != nil {
				return tok, nil // named day
			}
			if n < 1 || n > 7 {
				return "", fmt.Errorf("day-of-week %d out of range 1-7", n)
			}
			return strconv.Itoa(n - 1), nil
		}

		a, err := conv(lo)
		if err != nil {
			return "", err
		}
		s := a
		if isRange {
			b, err := conv(hi)
			if err != nil {
				return "", err
			}
			s += "-" + b
		}
		if hasStep {
			s += "/" + step
		}
		out = append(out, s)
	}
	return strings.Join(out, ","), nil
}

// String returns the expression as written.
func (e *Expression) String() string {
	return e.raw
}

// Next returns the first activation strictly after t, in UTC. It returns the
// zero time when no activation remains (a year field entirely in the past).
func (e *Expression) Next(t time.Time) time.Time {
	next := t.UTC()
	for i := 0; i < maxYearSkips; i++ {
		next = e.sched.Next(next)
		if next.IsZero() {
			return next
		}
		next = next.UTC()
		if e.years.contains(next.Year()) {
			return next
		}
		if e.years.max() < next.Year() {
			return time.Time{}
		}
		// Jump to just before the start of the next allowed year.
		start := time.Date(e.years.after(next.Year()), time.January, 1, 0, 0, 0, 0, time.UTC)
		next = start.Add(-time.Second)
	}
	return time.Time{}
}

// Ticks returns every activation in (from, to].
func (e *Expression) Ticks(from, to time.Time) []time.Time {
	var ticks []time.Time
	for t := e.Next(from); !t.IsZero() && !t.After(to); t = e.Next(t) {
		ticks = append(ticks, t)
	}
	return ticks
}

const maxYearSkips = 200

// yearSet restricts activations to some years. A nil set allows every year.
type yearSet map[int]bool

func parseYears(field string) (yearSet, error) {
	if field == "*" || field == "?" {
		return nil, nil
	}
	set := make(yearSet)
	for _, part := range strings.Split(field, ",") {
		lo, hi, isRange := strings.Cut(part, "-")
		a, err := strconv.Atoi(lo)
		if err != nil {
			return nil, fmt.Errorf("invalid year %q", part)
		}
		b := a
		if isRange {
			if b, err = strconv.Atoi(hi); err != nil || b < a {
				return nil, fmt.Errorf("invalid year range %q", part)
			}
		}
		if a < 1970 || b > 2199 {
			return nil, fmt.Errorf("year %q out of range 1970-2199", part)
		}
		for y := a; y <= b; y++ {
			set[y] = true
		}
	}
	return set, nil
}

func (s yearSet) contains(y int) bool {
	return s == nil || s[y]
}

func (s yearSet) max() int {
	if s == nil {
		return 1 << 30
	}
	m := 0
	for y := range s {
		if y > m {
			m = y
		}
	}
	return m
}

// after returns the smallest allowed year greater than y.
func (s yearSet) after(y int) int {
	best := 1 << 30
	for c := range s {
		if c > y && c < best {
			best = c
		}
	}
	return best
}
