package model

type OverrideType string

const (
	OverrideDayOff      OverrideType = "day_off"
	OverrideTimeOff     OverrideType = "time_off"
	OverrideCustomHours OverrideType = "custom_hours"
)

func (t OverrideType) Valid() bool {
	switch t {
	case OverrideDayOff, OverrideTimeOff, OverrideCustomHours:
		return true
	}
	return false
}

// ScheduleOverride is a date-specific exception layered on top of a
// therapist's recurring weekly schedule. AffectedSlots meaning depends on
// the type: slots to remove for time_off, the full replacement set for
// custom_hours, ignored for day_off.
type ScheduleOverride struct {
	ID             string
	TherapistID    string
	Date           Date
	Type           OverrideType
	AffectedSlots  []string
	Reason         string
	IsRecurring    bool
	RecurringUntil *Date
}
