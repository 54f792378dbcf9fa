package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mindfulpath/scheduling/internal/model"
)

const appointmentColumns = `
	id, therapist_id, client_id, scheduled_for, scheduled_date, time_slot_id, duration_minutes,
	status, session_type, payment_amount, payment_currency, payment_status,
	COALESCE(payment_provider_ref, ''), COALESCE(client_notes, ''),
	COALESCE(rescheduled_from, ''), COALESCE(cancel_reason, ''),
	cancelled_at, created_at, updated_at`

// querier is the subset of pgx that both the pool and a transaction
// implement; reads work identically against either.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// db is the pool surface the repository needs; both *postgres.Pool and a
// mock pool satisfy it.
type db interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

// AppointmentRepository persists appointments. Writes happen inside the
// booking transaction; reads come from the pool or, for the authoritative
// in-transaction re-check, from the transaction itself.
type AppointmentRepository struct {
	pool db
}

func NewAppointmentRepository(pool db) *AppointmentRepository {
	return &AppointmentRepository{pool: pool}
}

func (r *AppointmentRepository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// Reader returns a pool-backed appointment reader for the advisory
// pre-check.
func (r *AppointmentRepository) Reader() *Reader {
	return &Reader{q: r.pool}
}

// TxReader returns a transaction-bound reader so the in-transaction
// re-check sees transaction-consistent rows.
func (r *AppointmentRepository) TxReader(tx pgx.Tx) *Reader {
	return &Reader{q: tx}
}

type Reader struct {
	q querier
}

func (rd *Reader) ListActiveByDate(ctx context.Context, therapistID string, d model.Date) ([]model.Appointment, error) {
	rows, err := rd.q.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE therapist_id = $1
			AND scheduled_date = $2
			AND status <> 'cancelled'
		ORDER BY scheduled_for ASC
	`, therapistID, d.In(time.UTC))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAppointments(rows)
}

// AcquireSlotLock serializes competing bookings for the same
// (therapist, date, slot) inside the transaction. Released automatically
// at commit or rollback.
func (r *AppointmentRepository) AcquireSlotLock(ctx context.Context, tx pgx.Tx, therapistID string, d model.Date, slotID string) error {
	key := therapistID + "/" + d.String() + "/" + slotID
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key)
	return err
}

func (r *AppointmentRepository) Insert(ctx context.Context, tx pgx.Tx, appt *model.Appointment) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO appointments
			(id, therapist_id, client_id, scheduled_for, scheduled_date, time_slot_id, duration_minutes,
			status, session_type, payment_amount, payment_currency, payment_status, payment_provider_ref,
			client_notes, rescheduled_from, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, appt.ID, appt.TherapistID, appt.ClientID, appt.ScheduledFor, appt.ScheduledDate.In(time.UTC),
		appt.TimeSlotID, appt.DurationMinutes, string(appt.Status), string(appt.SessionType),
		appt.Payment.Amount, appt.Payment.Currency, string(appt.Payment.Status), nullIfEmpty(appt.Payment.ProviderRef),
		appt.ClientNotes, nullIfEmpty(appt.RescheduledFrom), appt.CreatedAt, appt.UpdatedAt)
	return err
}

func (r *AppointmentRepository) Get(ctx context.Context, id string) (model.Appointment, error) {
	return r.getBy(ctx, r.pool, id, "")
}

func (r *AppointmentRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (model.Appointment, error) {
	return r.getBy(ctx, tx, id, " FOR UPDATE")
}

func (r *AppointmentRepository) getBy(ctx context.Context, q querier, id, suffix string) (model.Appointment, error) {
	row := q.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1`+suffix, id)
	return scanAppointment(row)
}

// UpdateSchedule moves an appointment to a new slot/time as part of a
// reschedule: status resets to pending and rescheduled_from records the
// prior booking.
func (r *AppointmentRepository) UpdateSchedule(ctx context.Context, tx pgx.Tx, id string, scheduledFor time.Time, d model.Date, slotID string, durationMinutes int, rescheduledFrom string) error {
	_, err := tx.Exec(ctx, `
		UPDATE appointments
		SET scheduled_for = $2,
			scheduled_date = $3,
			time_slot_id = $4,
			duration_minutes = $5,
			status = 'pending',
			rescheduled_from = $6,
			updated_at = now()
		WHERE id = $1
	`, id, scheduledFor, d.In(time.UTC), slotID, durationMinutes, nullIfEmpty(rescheduledFrom))
	return err
}

func (r *AppointmentRepository) UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status model.AppointmentStatus, reason string) error {
	if status == model.StatusCancelled {
		_, err := tx.Exec(ctx, `
			UPDATE appointments
			SET status = 'cancelled', cancel_reason = $2, cancelled_at = now(), updated_at = now()
			WHERE id = $1
		`, id, reason)
		return err
	}
	_, err := tx.Exec(ctx, `
		UPDATE appointments
		SET status = $2, updated_at = now()
		WHERE id = $1
	`, id, string(status))
	return err
}

// ListByDateRange returns all non-cancelled appointments for the therapist
// with scheduled_date in [from, to], for projection booked-marking.
func (r *AppointmentRepository) ListByDateRange(ctx context.Context, therapistID string, from, to model.Date) ([]model.Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE therapist_id = $1
			AND scheduled_date >= $2
			AND scheduled_date <= $3
			AND status <> 'cancelled'
		ORDER BY scheduled_for ASC
	`, therapistID, from.In(time.UTC), to.In(time.UTC))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAppointments(rows)
}

// UpdatePaymentStatus records the payment subsystem's verdict for the
// appointment identified by the provider reference. Returns the matched
// appointment id, or "" when no appointment carries the reference.
func (r *AppointmentRepository) UpdatePaymentStatus(ctx context.Context, tx pgx.Tx, providerRef string, status model.PaymentStatus) (string, error) {
	var id string
	err := tx.QueryRow(ctx, `
		UPDATE appointments
		SET payment_status = $2, updated_at = now()
		WHERE payment_provider_ref = $1
		RETURNING id
	`, providerRef, string(status)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// IsConflict reports whether the error is the database backstop rejecting
// a double booking (partial unique index or exclusion constraint).
func IsConflict(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == "23505" || pgErr.Code == "23P01")
}

func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func scanAppointments(rows pgx.Rows) ([]model.Appointment, error) {
	var appts []model.Appointment
	for rows.Next() {
		appt, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		appts = append(appts, appt)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return appts, nil
}

func scanAppointment(row pgx.Row) (model.Appointment, error) {
	var a model.Appointment
	var scheduledDate time.Time
	var status, sessionType, paymentStatus string
	var cancelledAt *time.Time
	if err := row.Scan(
		&a.ID,
		&a.TherapistID,
		&a.ClientID,
		&a.ScheduledFor,
		&scheduledDate,
		&a.TimeSlotID,
		&a.DurationMinutes,
		&status,
		&sessionType,
		&a.Payment.Amount,
		&a.Payment.Currency,
		&paymentStatus,
		&a.Payment.ProviderRef,
		&a.ClientNotes,
		&a.RescheduledFrom,
		&a.CancelReason,
		&cancelledAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	); err != nil {
		return model.Appointment{}, err
	}
	a.ScheduledDate = model.DateOf(scheduledDate)
	a.Status = model.AppointmentStatus(status)
	a.SessionType = model.SessionType(sessionType)
	a.Payment.Status = model.PaymentStatus(paymentStatus)
	a.CancelledAt = cancelledAt
	return a, nil
}
