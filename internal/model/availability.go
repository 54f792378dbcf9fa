package model

import "time"

type AvailabilityStatus string

const (
	AvailabilityAvailable   AvailabilityStatus = "available"
	AvailabilityUnavailable AvailabilityStatus = "unavailable"
)

type RecurringPattern string

const (
	PatternWeekly   RecurringPattern = "weekly"
	PatternBiweekly RecurringPattern = "biweekly"
	PatternMonthly  RecurringPattern = "monthly"
)

// AvailabilityRule is one row of a therapist's recurring weekly schedule:
// one (therapist, day-of-week, time-slot) combination. The whole weekly set
// is replaced atomically when the therapist edits their schedule.
type AvailabilityRule struct {
	ID                   string
	TherapistID          string
	DayOfWeek            time.Weekday
	TimeSlotID           string
	Status               AvailabilityStatus
	MaxConcurrentClients int
	Pattern              RecurringPattern
	EffectiveFrom        Date  // anchor for biweekly/monthly cadence
	EndsOn               *Date // nil = open-ended
}

// AppliesOn reports whether the rule is in effect on the given date.
// Weekly rules always apply on their weekday; biweekly rules apply on
// alternating weeks counted from the anchor; monthly rules apply on the
// first matching weekday occurrence of each month relative to the anchor.
func (r AvailabilityRule) AppliesOn(d Date) bool {
	if d.Weekday() != r.DayOfWeek {
		return false
	}
	if r.EndsOn != nil && d.After(*r.EndsOn) {
		return false
	}
	if !r.EffectiveFrom.IsZero() && d.Before(r.EffectiveFrom) {
		return false
	}
	switch r.Pattern {
	case PatternBiweekly:
		if r.EffectiveFrom.IsZero() {
			return true
		}
		weeks := d.DaysSince(r.EffectiveFrom) / 7
		return weeks%2 == 0
	case PatternMonthly:
		if r.EffectiveFrom.IsZero() {
			return true
		}
		// Same weekday-of-month ordinal as the anchor (e.g. 2nd Tuesday).
		return (d.Day-1)/7 == (r.EffectiveFrom.Day-1)/7
	default:
		return true
	}
}
