package conflict

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mindfulpath/scheduling/internal/availability"
	"github.com/mindfulpath/scheduling/internal/model"
)

// AppointmentReader lists the non-cancelled appointments for a therapist
// on one calendar date. The booking transaction supplies a tx-bound
// implementation so the authoritative re-check sees transaction-consistent
// reads; the advisory pre-check reads from the pool.
type AppointmentReader interface {
	ListActiveByDate(ctx context.Context, therapistID string, d model.Date) ([]model.Appointment, error)
}

// Resolver is the availability source the detector checks slot membership
// against.
type Resolver interface {
	Resolve(ctx context.Context, therapistID string, d model.Date) (availability.Resolution, error)
}

// TimezoneSource resolves a therapist's local timezone for advance-window
// arithmetic.
type TimezoneSource interface {
	Location(ctx context.Context, therapistID string) (*time.Location, error)
}

// Window holds the externally configured advance-notice limits.
type Window struct {
	MaxAdvanceDays  int
	MinAdvanceHours int
}

// Detector accumulates every applicable booking conflict for a request.
// It never short-circuits and never returns business conditions as errors:
// the caller always gets the complete, decidable conflict list. The same
// detector runs standalone (advisory, for UI display) and inside the
// booking transaction (authoritative); both paths share this logic so the
// pre-check can never pass something the commit-time check would reject.
type Detector struct {
	resolver  Resolver
	timezones TimezoneSource
	window    Window
	logger    *slog.Logger
	now       func() time.Time
}

func NewDetector(resolver Resolver, timezones TimezoneSource, window Window, logger *slog.Logger) *Detector {
	return &Detector{
		resolver:  resolver,
		timezones: timezones,
		window:    window,
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock overrides the detector's clock. Test hook.
func (d *Detector) WithClock(now func() time.Time) *Detector {
	d.now = now
	return d
}

// Check runs every applicable validation and returns all conflicts found.
// Infrastructure read failures are logged and reported as a
// verification_failed conflict so the response stays decidable.
func (d *Detector) Check(ctx context.Context, req model.BookingRequest, appts AppointmentReader) []model.Conflict {
	var conflicts []model.Conflict
	now := d.now()

	loc := time.UTC
	if d.timezones != nil {
		l, err := d.timezones.Location(ctx, req.TherapistID)
		if err != nil {
			if d.logger != nil {
				d.logger.Warn("therapist timezone lookup failed; using UTC",
					"therapist_id", req.TherapistID, "err", err)
			}
		} else {
			loc = l
		}
	}

	if d.window.MaxAdvanceDays > 0 {
		latest := model.DateOf(now.In(loc)).AddDays(d.window.MaxAdvanceDays)
		if req.Date.After(latest) {
			conflicts = append(conflicts, model.Conflict{
				Code:    model.ConflictTooAdvance,
				Message: fmt.Sprintf("appointments can be booked at most %d days in advance", d.window.MaxAdvanceDays),
			})
		}
	}

	res, resErr := d.resolver.Resolve(ctx, req.TherapistID, req.Date)
	if resErr != nil {
		if d.logger != nil {
			d.logger.Error("availability resolution failed during conflict check",
				"therapist_id", req.TherapistID, "date", req.Date.String(), "err", resErr)
		}
		conflicts = append(conflicts, model.Conflict{
			Code:    model.ConflictVerificationFailed,
			Message: "unable to verify availability, please try again",
		})
	}

	// Minimum-notice check uses the slot's wall-clock start when the slot is
	// known; otherwise start of day, which is the stricter reading.
	if d.window.MinAdvanceHours > 0 {
		startAt := req.Date.In(loc)
		if resErr == nil {
			if slot, ok := res.SlotsByID[req.TimeSlotID]; ok {
				if t, err := slot.StartOn(req.Date, loc); err == nil {
					startAt = t
				}
			}
		}
		if startAt.Before(now.Add(time.Duration(d.window.MinAdvanceHours) * time.Hour)) {
			conflicts = append(conflicts, model.Conflict{
				Code:    model.ConflictTooSoon,
				Message: fmt.Sprintf("appointments require at least %d hours notice", d.window.MinAdvanceHours),
			})
		}
	}

	if resErr == nil && !res.Contains(req.TimeSlotID) {
		conflicts = append(conflicts, model.Conflict{
			Code:    model.ConflictUnavailable,
			Message: "the requested time slot is not available on this date",
		})
	}

	existing, err := appts.ListActiveByDate(ctx, req.TherapistID, req.Date)
	if err != nil {
		if d.logger != nil {
			d.logger.Error("appointment lookup failed during conflict check",
				"therapist_id", req.TherapistID, "date", req.Date.String(), "err", err)
		}
		conflicts = append(conflicts, model.Conflict{
			Code:    model.ConflictVerificationFailed,
			Message: "unable to verify existing appointments, please try again",
		})
		return conflicts
	}

	var overlapping []model.Appointment
	for _, a := range existing {
		if a.TimeSlotID == req.TimeSlotID && a.Active() {
			overlapping = append(overlapping, a)
		}
	}
	if len(overlapping) == 0 {
		return conflicts
	}

	if req.SessionType != model.SessionGroup {
		// Any overlap is fatal for singleton session types, whatever the
		// other appointment's type is.
		conflicts = append(conflicts, model.Conflict{
			Code:                     model.ConflictOverlap,
			Message:                  "this time slot is already booked",
			ConflictingAppointmentID: overlapping[0].ID,
		})
		return conflicts
	}

	groupCount := 0
	for _, a := range overlapping {
		if a.SessionType != model.SessionGroup {
			conflicts = append(conflicts, model.Conflict{
				Code:                     model.ConflictOverlap,
				Message:                  "cannot book different session types in the same slot",
				ConflictingAppointmentID: a.ID,
			})
			return conflicts
		}
		groupCount++
	}

	capacity := req.SessionType.DefaultCapacity()
	if resErr == nil {
		if rule, ok := res.RulesBySlot[req.TimeSlotID]; ok && rule.MaxConcurrentClients > 0 {
			capacity = rule.MaxConcurrentClients
		}
	}
	if groupCount >= capacity {
		conflicts = append(conflicts, model.Conflict{
			Code:                     model.ConflictOverlap,
			Message:                  fmt.Sprintf("group session capacity exceeded (%d/%d)", groupCount, capacity),
			ConflictingAppointmentID: overlapping[0].ID,
		})
	}
	return conflicts
}
