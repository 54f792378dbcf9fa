package availability

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/mindfulpath/scheduling/internal/catalog"
	"github.com/mindfulpath/scheduling/internal/model"
)

// ScheduleStore supplies a therapist's recurring rules and same-day
// overrides.
type ScheduleStore interface {
	ListWeekly(ctx context.Context, therapistID string, dow time.Weekday) ([]model.AvailabilityRule, error)
	ListOverrides(ctx context.Context, therapistID string, d model.Date) ([]model.ScheduleOverride, error)
}

// Resolution is the effective bookable slot set for one therapist on one
// calendar date, along with the inputs that produced it.
type Resolution struct {
	TherapistID    string
	Date           model.Date
	RegularSlots   []string
	Overrides      []model.ScheduleOverride
	EffectiveSlots []string
	// SlotsByID indexes the catalog entries for the effective set.
	SlotsByID map[string]model.TimeSlot
	// RulesBySlot indexes the availability rules behind the regular set,
	// so capacity checks can read max_concurrent_clients.
	RulesBySlot map[string]model.AvailabilityRule
}

// Contains reports whether the slot id is in the effective set.
func (r Resolution) Contains(slotID string) bool {
	for _, id := range r.EffectiveSlots {
		if id == slotID {
			return true
		}
	}
	return false
}

// Resolver combines recurring weekly availability with date-specific
// overrides into the effective bookable slot set. Resolution is a pure
// function of its inputs: identical reads yield identical results.
type Resolver struct {
	schedule ScheduleStore
	catalog  catalog.Provider
	logger   *slog.Logger
}

func NewResolver(schedule ScheduleStore, cat catalog.Provider, logger *slog.Logger) *Resolver {
	return &Resolver{schedule: schedule, catalog: cat, logger: logger}
}

// Override precedence is deterministic and type-ranked: custom_hours
// replaces the regular set, time_off subtracts from it, day_off clears
// everything. Applying strongest last makes day_off dominate regardless of
// how many other overrides exist for the day.
func overrideRank(t model.OverrideType) int {
	switch t {
	case model.OverrideCustomHours:
		return 0
	case model.OverrideTimeOff:
		return 1
	case model.OverrideDayOff:
		return 2
	default:
		return 3
	}
}

// Resolve computes the effective slot set for the therapist on the given
// date. Infrastructure failures propagate as errors; callers that want
// view-only degradation handle them explicitly.
func (r *Resolver) Resolve(ctx context.Context, therapistID string, d model.Date) (Resolution, error) {
	slots, err := r.catalog.List(ctx)
	if err != nil {
		return Resolution{}, fmt.Errorf("load slot catalog: %w", err)
	}
	catalogByID := make(map[string]model.TimeSlot, len(slots))
	sortOrder := make(map[string]int, len(slots))
	for _, s := range slots {
		catalogByID[s.ID] = s
		sortOrder[s.ID] = s.SortOrder
	}

	rules, err := r.schedule.ListWeekly(ctx, therapistID, d.Weekday())
	if err != nil {
		return Resolution{}, fmt.Errorf("load weekly availability: %w", err)
	}

	rulesBySlot := make(map[string]model.AvailabilityRule)
	var regular []string
	for _, rule := range rules {
		if rule.Status != model.AvailabilityAvailable || !rule.AppliesOn(d) {
			continue
		}
		if _, ok := catalogByID[rule.TimeSlotID]; !ok {
			// Rule references a slot no longer in the catalog; skip rather
			// than surface a phantom slot.
			if r.logger != nil {
				r.logger.Warn("availability rule references unknown slot",
					"therapist_id", therapistID, "time_slot_id", rule.TimeSlotID)
			}
			continue
		}
		if _, dup := rulesBySlot[rule.TimeSlotID]; dup {
			continue
		}
		rulesBySlot[rule.TimeSlotID] = rule
		regular = append(regular, rule.TimeSlotID)
	}

	overrides, err := r.schedule.ListOverrides(ctx, therapistID, d)
	if err != nil {
		return Resolution{}, fmt.Errorf("load schedule overrides: %w", err)
	}
	sort.SliceStable(overrides, func(i, j int) bool {
		return overrideRank(overrides[i].Type) < overrideRank(overrides[j].Type)
	})

	effective := make(map[string]struct{}, len(regular))
	for _, id := range regular {
		effective[id] = struct{}{}
	}
	for _, o := range overrides {
		switch o.Type {
		case model.OverrideCustomHours:
			effective = make(map[string]struct{}, len(o.AffectedSlots))
			for _, id := range o.AffectedSlots {
				if _, ok := catalogByID[id]; ok {
					effective[id] = struct{}{}
				}
			}
		case model.OverrideTimeOff:
			for _, id := range o.AffectedSlots {
				delete(effective, id)
			}
		case model.OverrideDayOff:
			effective = map[string]struct{}{}
		}
	}

	ids := make([]string, 0, len(effective))
	slotsByID := make(map[string]model.TimeSlot, len(effective))
	for id := range effective {
		ids = append(ids, id)
		slotsByID[id] = catalogByID[id]
	}
	sort.Slice(ids, func(i, j int) bool { return sortOrder[ids[i]] < sortOrder[ids[j]] })

	sort.Slice(regular, func(i, j int) bool { return sortOrder[regular[i]] < sortOrder[regular[j]] })

	return Resolution{
		TherapistID:    therapistID,
		Date:           d,
		RegularSlots:   regular,
		Overrides:      overrides,
		EffectiveSlots: ids,
		SlotsByID:      slotsByID,
		RulesBySlot:    rulesBySlot,
	}, nil
}
