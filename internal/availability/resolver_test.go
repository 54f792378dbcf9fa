package availability

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/mindfulpath/scheduling/internal/model"
)

type fakeSchedule struct {
	rules     []model.AvailabilityRule
	overrides []model.ScheduleOverride
	rulesErr  error
	ovErr     error
}

func (f *fakeSchedule) ListWeekly(_ context.Context, _ string, dow time.Weekday) ([]model.AvailabilityRule, error) {
	if f.rulesErr != nil {
		return nil, f.rulesErr
	}
	var out []model.AvailabilityRule
	for _, r := range f.rules {
		if r.DayOfWeek == dow {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeSchedule) ListOverrides(_ context.Context, _ string, _ model.Date) ([]model.ScheduleOverride, error) {
	if f.ovErr != nil {
		return nil, f.ovErr
	}
	return f.overrides, nil
}

type fakeCatalog struct {
	slots []model.TimeSlot
	err   error
}

func (f *fakeCatalog) List(_ context.Context) ([]model.TimeSlot, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.slots, nil
}

func (f *fakeCatalog) Get(_ context.Context, id string) (model.TimeSlot, error) {
	for _, s := range f.slots {
		if s.ID == id {
			return s, nil
		}
	}
	return model.TimeSlot{}, errors.New("not found")
}

func standardCatalog() *fakeCatalog {
	return &fakeCatalog{slots: []model.TimeSlot{
		{ID: "slot-0900", StartTime: "09:00", EndTime: "10:00", DurationMinutes: 60, SortOrder: 1},
		{ID: "slot-1000", StartTime: "10:00", EndTime: "11:00", DurationMinutes: 60, SortOrder: 2},
		{ID: "slot-1400", StartTime: "14:00", EndTime: "15:00", DurationMinutes: 60, SortOrder: 3},
	}}
}

func mondayRules(slots ...string) []model.AvailabilityRule {
	var rules []model.AvailabilityRule
	for _, id := range slots {
		rules = append(rules, model.AvailabilityRule{
			TherapistID: "t1",
			DayOfWeek:   time.Monday,
			TimeSlotID:  id,
			Status:      model.AvailabilityAvailable,
			Pattern:     model.PatternWeekly,
		})
	}
	return rules
}

// 2026-03-02 is a Monday.
var monday = model.Date{Year: 2026, Month: time.March, Day: 2}

func TestResolve_RegularOnly(t *testing.T) {
	r := NewResolver(&fakeSchedule{rules: mondayRules("slot-1000", "slot-0900")}, standardCatalog(), nil)

	res, err := r.Resolve(context.Background(), "t1", monday)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"slot-0900", "slot-1000"}
	if !reflect.DeepEqual(res.EffectiveSlots, want) {
		t.Fatalf("expected %v, got %v", want, res.EffectiveSlots)
	}
	if !res.Contains("slot-0900") || res.Contains("slot-1400") {
		t.Fatalf("Contains mismatch: %v", res.EffectiveSlots)
	}
}

func TestResolve_Idempotent(t *testing.T) {
	sched := &fakeSchedule{
		rules: mondayRules("slot-0900", "slot-1000"),
		overrides: []model.ScheduleOverride{
			{Type: model.OverrideTimeOff, AffectedSlots: []string{"slot-1000"}},
		},
	}
	r := NewResolver(sched, standardCatalog(), nil)

	first, err := r.Resolve(context.Background(), "t1", monday)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := r.Resolve(context.Background(), "t1", monday)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(first.EffectiveSlots, second.EffectiveSlots) {
		t.Fatalf("resolution not idempotent: %v vs %v", first.EffectiveSlots, second.EffectiveSlots)
	}
}

func TestResolve_DayOffDominates(t *testing.T) {
	sched := &fakeSchedule{
		rules: mondayRules("slot-0900", "slot-1000"),
		overrides: []model.ScheduleOverride{
			// day_off listed first; custom_hours would re-add slots if applied
			// after it in listing order. Type rank must make day_off win.
			{Type: model.OverrideDayOff},
			{Type: model.OverrideCustomHours, AffectedSlots: []string{"slot-1400"}},
		},
	}
	r := NewResolver(sched, standardCatalog(), nil)

	res, err := r.Resolve(context.Background(), "t1", monday)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.EffectiveSlots) != 0 {
		t.Fatalf("expected empty effective set, got %v", res.EffectiveSlots)
	}
}

func TestResolve_CustomHoursReplaces(t *testing.T) {
	sched := &fakeSchedule{
		rules: mondayRules("slot-0900", "slot-1000"),
		overrides: []model.ScheduleOverride{
			{Type: model.OverrideCustomHours, AffectedSlots: []string{"slot-1400"}},
		},
	}
	r := NewResolver(sched, standardCatalog(), nil)

	res, err := r.Resolve(context.Background(), "t1", monday)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(res.EffectiveSlots, []string{"slot-1400"}) {
		t.Fatalf("expected exactly the custom slots, got %v", res.EffectiveSlots)
	}
}

func TestResolve_TimeOffSubtractsAfterCustomHours(t *testing.T) {
	sched := &fakeSchedule{
		rules: mondayRules("slot-0900"),
		overrides: []model.ScheduleOverride{
			// time_off listed first, but custom_hours must apply before it so
			// the subtraction acts on the replaced set.
			{Type: model.OverrideTimeOff, AffectedSlots: []string{"slot-1000"}},
			{Type: model.OverrideCustomHours, AffectedSlots: []string{"slot-1000", "slot-1400"}},
		},
	}
	r := NewResolver(sched, standardCatalog(), nil)

	res, err := r.Resolve(context.Background(), "t1", monday)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(res.EffectiveSlots, []string{"slot-1400"}) {
		t.Fatalf("expected time_off applied after custom_hours, got %v", res.EffectiveSlots)
	}
}

func TestResolve_BiweeklyCadence(t *testing.T) {
	anchor := monday
	rules := []model.AvailabilityRule{{
		TherapistID:   "t1",
		DayOfWeek:     time.Monday,
		TimeSlotID:    "slot-0900",
		Status:        model.AvailabilityAvailable,
		Pattern:       model.PatternBiweekly,
		EffectiveFrom: anchor,
	}}
	r := NewResolver(&fakeSchedule{rules: rules}, standardCatalog(), nil)

	onWeek, err := r.Resolve(context.Background(), "t1", anchor.AddDays(14))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(onWeek.EffectiveSlots) != 1 {
		t.Fatalf("anchor+14d should be an on-week, got %v", onWeek.EffectiveSlots)
	}

	offWeek, err := r.Resolve(context.Background(), "t1", anchor.AddDays(7))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(offWeek.EffectiveSlots) != 0 {
		t.Fatalf("anchor+7d should be an off-week, got %v", offWeek.EffectiveSlots)
	}
}

func TestResolve_UnknownCatalogSlotSkipped(t *testing.T) {
	r := NewResolver(&fakeSchedule{rules: mondayRules("slot-0900", "slot-gone")}, standardCatalog(), nil)

	res, err := r.Resolve(context.Background(), "t1", monday)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(res.EffectiveSlots, []string{"slot-0900"}) {
		t.Fatalf("expected phantom slot dropped, got %v", res.EffectiveSlots)
	}
}

func TestResolve_CatalogFailurePropagates(t *testing.T) {
	r := NewResolver(&fakeSchedule{}, &fakeCatalog{err: errors.New("connection refused")}, nil)

	if _, err := r.Resolve(context.Background(), "t1", monday); err == nil {
		t.Fatal("expected catalog failure to propagate as an error")
	}
}

func TestResolve_OverrideReadFailurePropagates(t *testing.T) {
	sched := &fakeSchedule{rules: mondayRules("slot-0900"), ovErr: errors.New("timeout")}
	r := NewResolver(sched, standardCatalog(), nil)

	if _, err := r.Resolve(context.Background(), "t1", monday); err == nil {
		t.Fatal("expected override read failure to propagate as an error")
	}
}
