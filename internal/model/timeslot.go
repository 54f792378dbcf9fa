package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeSlot is a named time-of-day interval shared by all therapists.
// Slots are immutable once referenced by an appointment; administration
// of the catalog happens outside the scheduling core.
type TimeSlot struct {
	ID              string
	StartTime       string // local wall clock, "HH:MM"
	EndTime         string // local wall clock, "HH:MM"
	DurationMinutes int
	IsStandard      bool
	SortOrder       int
}

// StartOn resolves the slot's start instant on the given date in loc.
func (s TimeSlot) StartOn(d Date, loc *time.Location) (time.Time, error) {
	h, m, err := ParseClock(s.StartTime)
	if err != nil {
		return time.Time{}, err
	}
	return d.At(h, m, loc), nil
}

// EndOn resolves the slot's end instant on the given date in loc.
func (s TimeSlot) EndOn(d Date, loc *time.Location) (time.Time, error) {
	h, m, err := ParseClock(s.EndTime)
	if err != nil {
		return time.Time{}, err
	}
	return d.At(h, m, loc), nil
}

// ParseClock parses a wall-clock string like "09:00" into hour and minute.
func ParseClock(s string) (hour, minute int, err error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid clock time %q (want HH:MM)", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid clock time %q (want HH:MM)", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid clock time %q (want HH:MM)", s)
	}
	return hour, minute, nil
}
