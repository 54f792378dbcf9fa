package profile

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mindfulpath/scheduling/internal/postgres"
)

var ErrNotFound = errors.New("therapist profile not found")

// TherapistProfile carries the pricing and timezone context the scheduling
// core needs from the profile subsystem. Everything else about a therapist
// lives outside this service.
type TherapistProfile struct {
	TherapistID        string
	HourlyRate         int64 // minor units
	Currency           string
	Timezone           string
	BufferMinutes      int
	MaxDailyHours      int
	AdvanceBookingDays int
}

// Location resolves the therapist's IANA timezone, defaulting to UTC when
// unset or unknown.
func (p TherapistProfile) Location() *time.Location {
	if p.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Source is the profile provider interface consumed by conflict detection,
// projection, and booking pricing defaults.
type Source interface {
	Get(ctx context.Context, therapistID string) (TherapistProfile, error)
}

// LocationSource adapts a Source to the timezone lookup interface the
// conflict detector consumes.
type LocationSource struct {
	src Source
}

func NewLocationSource(src Source) *LocationSource {
	return &LocationSource{src: src}
}

func (s *LocationSource) Location(ctx context.Context, therapistID string) (*time.Location, error) {
	p, err := s.src.Get(ctx, therapistID)
	if err != nil {
		return nil, err
	}
	return p.Location(), nil
}

type Repository struct {
	pool *postgres.Pool
}

func NewRepository(pool *postgres.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Get(ctx context.Context, therapistID string) (TherapistProfile, error) {
	var p TherapistProfile
	err := r.pool.QueryRow(ctx, `
		SELECT therapist_id, hourly_rate, currency, timezone, buffer_minutes, max_daily_hours, advance_booking_days
		FROM therapist_profiles
		WHERE therapist_id = $1
	`, therapistID).Scan(
		&p.TherapistID,
		&p.HourlyRate,
		&p.Currency,
		&p.Timezone,
		&p.BufferMinutes,
		&p.MaxDailyHours,
		&p.AdvanceBookingDays,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return TherapistProfile{}, ErrNotFound
	}
	if err != nil {
		return TherapistProfile{}, err
	}
	return p, nil
}
