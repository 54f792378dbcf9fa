package projection

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mindfulpath/scheduling/internal/availability"
	"github.com/mindfulpath/scheduling/internal/model"
	"github.com/mindfulpath/scheduling/internal/profile"
)

// Resolver supplies per-date effective slot sets.
type Resolver interface {
	Resolve(ctx context.Context, therapistID string, d model.Date) (availability.Resolution, error)
}

// AppointmentSource lists non-cancelled appointments for booked-marking.
type AppointmentSource interface {
	ListByDateRange(ctx context.Context, therapistID string, from, to model.Date) ([]model.Appointment, error)
}

// Query selects the projection range and display options. Timezone is the
// client's IANA zone; empty means the therapist's own zone.
type Query struct {
	Start           model.Date
	End             model.Date
	Timezone        string
	DurationMinutes int // 0 = no duration filter
}

// Slot is a display-ready bookable slot. Identity stays keyed by the
// therapist-local Date and TimeSlotID; LocalDate is the client-frame
// calendar day, which timezone conversion may shift.
type Slot struct {
	TherapistID     string    `json:"therapist_id"`
	Date            string    `json:"date"`
	TimeSlotID      string    `json:"time_slot_id"`
	StartsAt        time.Time `json:"starts_at"`
	EndsAt          time.Time `json:"ends_at"`
	LocalDate       string    `json:"local_date"`
	StartLabel      string    `json:"start_label"`
	EndLabel        string    `json:"end_label"`
	DurationMinutes int       `json:"duration_minutes"`
	IsBooked        bool      `json:"is_booked"`
}

// Projection is a range result. Partial reports that one or more dates
// failed to resolve and were skipped; FailedDates lists them so callers
// that need completeness can tell.
type Projection struct {
	Slots       []Slot   `json:"slots"`
	Partial     bool     `json:"partial"`
	FailedDates []string `json:"failed_dates,omitempty"`
}

// Service expands effective availability over a date range into
// display-ready, timezone-converted slots.
type Service struct {
	resolver Resolver
	appts    AppointmentSource
	profiles profile.Source
	logger   *slog.Logger
}

func NewService(resolver Resolver, appts AppointmentSource, profiles profile.Source, logger *slog.Logger) *Service {
	return &Service{resolver: resolver, appts: appts, profiles: profiles, logger: logger}
}

const maxProjectionDays = 120

// Project expands the therapist's availability over [q.Start, q.End].
// A date whose resolution fails is logged and skipped; the remainder of
// the range still projects, with the gap surfaced on the result.
func (s *Service) Project(ctx context.Context, therapistID string, q Query) (Projection, error) {
	if q.Start.IsZero() || q.End.IsZero() || q.End.Before(q.Start) {
		return Projection{}, fmt.Errorf("invalid date range %s..%s", q.Start, q.End)
	}
	if q.Start.DaysSince(q.End) < -maxProjectionDays {
		return Projection{}, fmt.Errorf("date range exceeds %d days", maxProjectionDays)
	}

	prof, err := s.profiles.Get(ctx, therapistID)
	if err != nil {
		return Projection{}, fmt.Errorf("load therapist profile: %w", err)
	}
	therapistLoc := prof.Location()

	clientLoc := therapistLoc
	if q.Timezone != "" {
		loc, err := time.LoadLocation(q.Timezone)
		if err != nil {
			return Projection{}, fmt.Errorf("unknown timezone %q", q.Timezone)
		}
		clientLoc = loc
	}

	appts, err := s.appts.ListByDateRange(ctx, therapistID, q.Start, q.End)
	if err != nil {
		return Projection{}, fmt.Errorf("load appointments: %w", err)
	}
	booked := make(map[string]int)
	for _, a := range appts {
		if a.Active() {
			booked[a.ScheduledDate.String()+"/"+a.TimeSlotID]++
		}
	}

	var out Projection
	for d := q.Start; !d.After(q.End); d = d.AddDays(1) {
		res, err := s.resolver.Resolve(ctx, therapistID, d)
		if err != nil {
			s.logger.Warn("slot projection skipped date",
				"therapist_id", therapistID, "date", d.String(), "err", err)
			out.Partial = true
			out.FailedDates = append(out.FailedDates, d.String())
			continue
		}
		for _, slotID := range res.EffectiveSlots {
			slot := res.SlotsByID[slotID]
			if q.DurationMinutes > 0 && slot.DurationMinutes != q.DurationMinutes {
				continue
			}
			start, err := slot.StartOn(d, therapistLoc)
			if err != nil {
				continue
			}
			end, err := slot.EndOn(d, therapistLoc)
			if err != nil {
				continue
			}
			localStart := start.In(clientLoc)
			out.Slots = append(out.Slots, Slot{
				TherapistID:     therapistID,
				Date:            d.String(),
				TimeSlotID:      slotID,
				StartsAt:        localStart,
				EndsAt:          end.In(clientLoc),
				LocalDate:       model.DateOf(localStart).String(),
				StartLabel:      localStart.Format("3:04 PM"),
				EndLabel:        end.In(clientLoc).Format("3:04 PM"),
				DurationMinutes: slot.DurationMinutes,
				IsBooked:        booked[d.String()+"/"+slotID] > 0,
			})
		}
	}
	return out, nil
}

// CalendarCounts returns a date -> open-slot-count map for calendar
// rendering, keyed by the therapist-local date string.
func (s *Service) CalendarCounts(ctx context.Context, therapistID string, q Query) (map[string]int, Projection, error) {
	proj, err := s.Project(ctx, therapistID, q)
	if err != nil {
		return nil, Projection{}, err
	}
	counts := make(map[string]int)
	for d := q.Start; !d.After(q.End); d = d.AddDays(1) {
		counts[d.String()] = 0
	}
	for _, slot := range proj.Slots {
		if !slot.IsBooked {
			counts[slot.Date]++
		}
	}
	return counts, proj, nil
}

// SearchQuery finds open slots across several therapists matching
// preference filters.
type SearchQuery struct {
	TherapistIDs    []string
	Start           model.Date
	End             model.Date
	Timezone        string
	DurationMinutes int
	DaysOfWeek      []time.Weekday // empty = any day
	EarliestStart   string         // "HH:MM" in the client frame, "" = any
	LatestStart     string
	Limit           int
}

const defaultSearchLimit = 50

// Search composes per-therapist projections into a single "find any open
// slot" result, dropping booked slots and applying day/time preferences.
// Per-therapist failures degrade the result the same way per-date failures
// degrade a projection.
func (s *Service) Search(ctx context.Context, q SearchQuery) (Projection, error) {
	limit := q.Limit
	if limit <= 0 || limit > defaultSearchLimit {
		limit = defaultSearchLimit
	}

	wantDay := make(map[time.Weekday]bool, len(q.DaysOfWeek))
	for _, d := range q.DaysOfWeek {
		wantDay[d] = true
	}

	var out Projection
	for _, therapistID := range q.TherapistIDs {
		proj, err := s.Project(ctx, therapistID, Query{
			Start:           q.Start,
			End:             q.End,
			Timezone:        q.Timezone,
			DurationMinutes: q.DurationMinutes,
		})
		if err != nil {
			s.logger.Warn("slot search skipped therapist", "therapist_id", therapistID, "err", err)
			out.Partial = true
			continue
		}
		if proj.Partial {
			out.Partial = true
			out.FailedDates = append(out.FailedDates, proj.FailedDates...)
		}
		for _, slot := range proj.Slots {
			if slot.IsBooked {
				continue
			}
			if len(wantDay) > 0 && !wantDay[slot.StartsAt.Weekday()] {
				continue
			}
			if !withinClockBounds(slot.StartsAt, q.EarliestStart, q.LatestStart) {
				continue
			}
			out.Slots = append(out.Slots, slot)
			if len(out.Slots) >= limit {
				return out, nil
			}
		}
	}
	return out, nil
}

func withinClockBounds(t time.Time, earliest, latest string) bool {
	minutes := t.Hour()*60 + t.Minute()
	if earliest != "" {
		if h, m, err := model.ParseClock(earliest); err == nil && minutes < h*60+m {
			return false
		}
	}
	if latest != "" {
		if h, m, err := model.ParseClock(latest); err == nil && minutes > h*60+m {
			return false
		}
	}
	return true
}
