package catalog

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/mindfulpath/scheduling/internal/model"
	"github.com/mindfulpath/scheduling/internal/postgres"
)

// ErrNotFound is returned when a slot id is not in the catalog.
var ErrNotFound = errors.New("time slot not found")

// Provider is the read-only time-slot catalog interface consumed by the
// resolver and projection service.
type Provider interface {
	List(ctx context.Context) ([]model.TimeSlot, error)
	Get(ctx context.Context, id string) (model.TimeSlot, error)
}

type Repository struct {
	pool *postgres.Pool
}

func NewRepository(pool *postgres.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) List(ctx context.Context) ([]model.TimeSlot, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, start_time, end_time, duration_minutes, is_standard, sort_order
		FROM time_slots
		ORDER BY sort_order ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var slots []model.TimeSlot
	for rows.Next() {
		var s model.TimeSlot
		if err := rows.Scan(&s.ID, &s.StartTime, &s.EndTime, &s.DurationMinutes, &s.IsStandard, &s.SortOrder); err != nil {
			return nil, err
		}
		slots = append(slots, s)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return slots, nil
}

func (r *Repository) Get(ctx context.Context, id string) (model.TimeSlot, error) {
	var s model.TimeSlot
	err := r.pool.QueryRow(ctx, `
		SELECT id, start_time, end_time, duration_minutes, is_standard, sort_order
		FROM time_slots
		WHERE id = $1
	`, id).Scan(&s.ID, &s.StartTime, &s.EndTime, &s.DurationMinutes, &s.IsStandard, &s.SortOrder)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.TimeSlot{}, ErrNotFound
	}
	if err != nil {
		return model.TimeSlot{}, err
	}
	return s, nil
}
