// Package schedule defines the fixed weekly slot template for at-home washes.
// The template is plain configuration: the availability calculator and the
// admission handler receive it explicitly instead of reading global state.
package schedule

import (
	"fmt"
	"sort"
	"time"
)

const (
	DateFormat = "2006-01-02"
	TimeFormat = "15:04"
)

// WeekTemplate maps a weekday to its ordered list of bookable HH:MM slots.
// A missing or empty entry means the day is closed.
type WeekTemplate map[time.Weekday][]string

// Default returns the production template: closed Sundays, a short Saturday
// morning (08:00-11:00), and full weekdays (08:00-17:00), hourly.
func Default() WeekTemplate {
	weekday := hourly(8, 17)
	return WeekTemplate{
		time.Monday:    weekday,
		time.Tuesday:   weekday,
		time.Wednesday: weekday,
		time.Thursday:  weekday,
		time.Friday:    weekday,
		time.Saturday:  hourly(8, 11),
		time.Sunday:    nil,
	}
}

// New builds a template from per-day slot lists, validating and sorting each.
// Typically fed from SLOT_TEMPLATE_* environment variables.
func New(weekday, saturday, sunday []string) (WeekTemplate, error) {
	wd, err := normalizeSlots(weekday)
	if err != nil {
		return nil, fmt.Errorf("weekday slots: %w", err)
	}
	sat, err := normalizeSlots(saturday)
	if err != nil {
		return nil, fmt.Errorf("saturday slots: %w", err)
	}
	sun, err := normalizeSlots(sunday)
	if err != nil {
		return nil, fmt.Errorf("sunday slots: %w", err)
	}
	return WeekTemplate{
		time.Monday:    wd,
		time.Tuesday:   wd,
		time.Wednesday: wd,
		time.Thursday:  wd,
		time.Friday:    wd,
		time.Saturday:  sat,
		time.Sunday:    sun,
	}, nil
}

// SlotsFor returns the ordered slot list for a date's weekday. The returned
// slice is shared; callers must not mutate it.
func (t WeekTemplate) SlotsFor(date time.Time) []string {
	return t[date.Weekday()]
}

// Closed reports whether the date's weekday has no bookable slots.
func (t WeekTemplate) Closed(date time.Time) bool {
	return len(t[date.Weekday()]) == 0
}

// HasSlot reports whether hhmm is one of the template slots for the date.
func (t WeekTemplate) HasSlot(date time.Time, hhmm string) bool {
	for _, s := range t[date.Weekday()] {
		if s == hhmm {
			return true
		}
	}
	return false
}

// ParseDate parses a calendar date in YYYY-MM-DD form. Scheduled dates carry
// no timezone; midnight UTC is used as the canonical representation.
func ParseDate(s string) (time.Time, error) {
	d, err := time.ParseInLocation(DateFormat, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD)", s)
	}
	return d, nil
}

func normalizeSlots(raw []string) ([]string, error) {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		clock, err := time.Parse(TimeFormat, s)
		if err != nil {
			return nil, fmt.Errorf("invalid slot time %q (want HH:MM)", s)
		}
		canonical := clock.Format(TimeFormat)
		if _, dup := seen[canonical]; dup {
			continue
		}
		seen[canonical] = struct{}{}
		out = append(out, canonical)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func hourly(firstHour, lastHour int) []string {
	var out []string
	for h := firstHour; h <= lastHour; h++ {
		out = append(out, fmt.Sprintf("%02d:00", h))
	}
	return out
}
