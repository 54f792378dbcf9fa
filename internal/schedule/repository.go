package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mindfulpath/scheduling/internal/model"
)

// db is the pool surface the repository needs; both *postgres.Pool and a
// mock pool satisfy it.
type db interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repository persists a therapist's recurring weekly availability and
// date-specific overrides. Both are owned exclusively by the therapist;
// authorization is enforced upstream.
type Repository struct {
	pool db
}

func NewRepository(pool db) *Repository {
	return &Repository{pool: pool}
}

// ListWeekly returns the therapist's available rules for one weekday.
// Rows with status=unavailable are excluded at the query; they exist only
// as explicit "off" markers in the editing UI.
func (r *Repository) ListWeekly(ctx context.Context, therapistID string, dow time.Weekday) ([]model.AvailabilityRule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, therapist_id, day_of_week, time_slot_id, status, max_concurrent_clients,
			recurring_pattern, effective_from, ends_on
		FROM therapist_availability
		WHERE therapist_id = $1 AND day_of_week = $2 AND status = 'available'
	`, therapistID, int(dow))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRules(rows)
}

// ListOverrides returns overrides in effect for the therapist on one
// calendar date: exact-date overrides plus weekly-recurring overrides
// anchored on the same weekday that have not yet expired.
func (r *Repository) ListOverrides(ctx context.Context, therapistID string, d model.Date) ([]model.ScheduleOverride, error) {
	day := d.In(time.UTC)
	rows, err := r.pool.Query(ctx, `
		SELECT id, therapist_id, override_date, override_type, affected_slots, reason, is_recurring, recurring_until
		FROM schedule_overrides
		WHERE therapist_id = $1
			AND (override_date = $2
				OR (is_recurring
					AND override_date <= $2
					AND EXTRACT(DOW FROM override_date) = $3
					AND (recurring_until IS NULL OR recurring_until >= $2)))
		ORDER BY created_at ASC
	`, therapistID, day, int(d.Weekday()))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var overrides []model.ScheduleOverride
	for rows.Next() {
		o, err := scanOverride(rows)
		if err != nil {
			return nil, err
		}
		overrides = append(overrides, o)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return overrides, nil
}

// ReplaceWeekly swaps the therapist's entire weekly schedule in one
// transaction: delete-all-then-recreate, the way schedule edits arrive from
// the onboarding wizard. The (day_of_week, time_slot_id) uniqueness
// invariant is checked before any row is written.
func (r *Repository) ReplaceWeekly(ctx context.Context, therapistID string, rules []model.AvailabilityRule) error {
	seen := make(map[string]struct{}, len(rules))
	for _, rule := range rules {
		key := fmt.Sprintf("%d/%s", rule.DayOfWeek, rule.TimeSlotID)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("duplicate availability rule for weekday %d slot %s", rule.DayOfWeek, rule.TimeSlotID)
		}
		seen[key] = struct{}{}
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM therapist_availability WHERE therapist_id = $1`, therapistID); err != nil {
		return err
	}

	for _, rule := range rules {
		id := rule.ID
		if id == "" {
			id = uuid.NewString()
		}
		pattern := rule.Pattern
		if pattern == "" {
			pattern = model.PatternWeekly
		}
		var endsOn *time.Time
		if rule.EndsOn != nil {
			t := rule.EndsOn.In(time.UTC)
			endsOn = &t
		}
		var effectiveFrom *time.Time
		if !rule.EffectiveFrom.IsZero() {
			t := rule.EffectiveFrom.In(time.UTC)
			effectiveFrom = &t
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO therapist_availability
				(id, therapist_id, day_of_week, time_slot_id, status, max_concurrent_clients, recurring_pattern, effective_from, ends_on)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, id, therapistID, int(rule.DayOfWeek), rule.TimeSlotID, string(rule.Status),
			rule.MaxConcurrentClients, string(pattern), effectiveFrom, endsOn); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (r *Repository) CreateOverride(ctx context.Context, o *model.ScheduleOverride) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	var until *time.Time
	if o.RecurringUntil != nil {
		t := o.RecurringUntil.In(time.UTC)
		until = &t
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO schedule_overrides
			(id, therapist_id, override_date, override_type, affected_slots, reason, is_recurring, recurring_until)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, o.ID, o.TherapistID, o.Date.In(time.UTC), string(o.Type), o.AffectedSlots, o.Reason, o.IsRecurring, until)
	return err
}

func (r *Repository) DeleteOverride(ctx context.Context, therapistID, overrideID string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM schedule_overrides WHERE id = $1 AND therapist_id = $2
	`, overrideID, therapistID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) ListOverridesInRange(ctx context.Context, therapistID string, from, to model.Date) ([]model.ScheduleOverride, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, therapist_id, override_date, override_type, affected_slots, reason, is_recurring, recurring_until
		FROM schedule_overrides
		WHERE therapist_id = $1 AND override_date >= $2 AND override_date <= $3
		ORDER BY override_date ASC
	`, therapistID, from.In(time.UTC), to.In(time.UTC))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var overrides []model.ScheduleOverride
	for rows.Next() {
		o, err := scanOverride(rows)
		if err != nil {
			return nil, err
		}
		overrides = append(overrides, o)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return overrides, nil
}

func scanRules(rows pgx.Rows) ([]model.AvailabilityRule, error) {
	var rules []model.AvailabilityRule
	for rows.Next() {
		var rule model.AvailabilityRule
		var dow int
		var status, pattern string
		var effectiveFrom, endsOn *time.Time
		if err := rows.Scan(&rule.ID, &rule.TherapistID, &dow, &rule.TimeSlotID, &status,
			&rule.MaxConcurrentClients, &pattern, &effectiveFrom, &endsOn); err != nil {
			return nil, err
		}
		rule.DayOfWeek = time.Weekday(dow)
		rule.Status = model.AvailabilityStatus(status)
		rule.Pattern = model.RecurringPattern(pattern)
		if effectiveFrom != nil {
			rule.EffectiveFrom = model.DateOf(*effectiveFrom)
		}
		if endsOn != nil {
			d := model.DateOf(*endsOn)
			rule.EndsOn = &d
		}
		rules = append(rules, rule)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return rules, nil
}

func scanOverride(rows pgx.Rows) (model.ScheduleOverride, error) {
	var o model.ScheduleOverride
	var date time.Time
	var typ string
	var until *time.Time
	if err := rows.Scan(&o.ID, &o.TherapistID, &date, &typ, &o.AffectedSlots, &o.Reason, &o.IsRecurring, &until); err != nil {
		return model.ScheduleOverride{}, err
	}
	o.Date = model.DateOf(date)
	o.Type = model.OverrideType(typ)
	if until != nil {
		d := model.DateOf(*until)
		o.RecurringUntil = &d
	}
	return o, nil
}
