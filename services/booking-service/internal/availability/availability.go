// Package availability computes free/booked slot summaries from the weekly
// template and the set of occupied times. It performs no I/O: results are a
// pure function of the inputs, so calls are idempotent and safe to repeat.
package availability

import (
	"iter"
	"time"

	"github.com/Salveishonn/wash-on-demand-eco-sub002/services/booking-service/internal/schedule"
)

const (
	StatusAvailable = "available"
	StatusBooked    = "booked"
)

type Slot struct {
	Time   string `json:"time"`
	Status string `json:"status"`
}

type DaySummary struct {
	Date           string `json:"date"`
	Closed         bool   `json:"closed"`
	TotalSlots     int    `json:"total_slots"`
	AvailableSlots int    `json:"available_slots"`
	Slots          []Slot `json:"slots"`
}

// ForDate classifies every template slot of the date as booked or available.
// occupied holds the HH:MM times already taken by non-cancelled reservations.
func ForDate(tmpl schedule.WeekTemplate, date time.Time, occupied map[string]bool) DaySummary {
	summary := DaySummary{
		Date:  date.Format(schedule.DateFormat),
		Slots: []Slot{},
	}
	slots := tmpl.SlotsFor(date)
	if len(slots) == 0 {
		summary.Closed = true
		return summary
	}

	summary.TotalSlots = len(slots)
	for _, hhmm := range slots {
		status := StatusAvailable
		if occupied[hhmm] {
			status = StatusBooked
		} else {
			summary.AvailableSlots++
		}
		summary.Slots = append(summary.Slots, Slot{Time: hhmm, Status: status})
	}
	return summary
}

// ForRange applies the template to every date in the inclusive range,
// ascending. occupiedByDate is keyed by YYYY-MM-DD, typically loaded with a
// single batched query. from after to yields an empty slice, not an error.
func ForRange(tmpl schedule.WeekTemplate, from, to time.Time, occupiedByDate map[string]map[string]bool) []DaySummary {
	var out []DaySummary
	for date := range Dates(from, to) {
		out = append(out, ForDate(tmpl, date, occupiedByDate[date.Format(schedule.DateFormat)]))
	}
	return out
}

// Dates yields every calendar date from from through to, inclusive. The
// sequence is finite and restartable; an inverted range yields nothing.
func Dates(from, to time.Time) iter.Seq[time.Time] {
	return func(yield func(time.Time) bool) {
		for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
			if !yield(d) {
				return
			}
		}
	}
}
