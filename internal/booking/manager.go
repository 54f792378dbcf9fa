package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mindfulpath/scheduling/internal/conflict"
	"github.com/mindfulpath/scheduling/internal/metrics"
	"github.com/mindfulpath/scheduling/internal/model"
	"github.com/mindfulpath/scheduling/internal/outbox"
	"github.com/mindfulpath/scheduling/internal/profile"
	"github.com/mindfulpath/scheduling/internal/storage"
)

// AppointmentStore is the persistence surface the manager drives. The
// concrete implementation is storage.AppointmentRepository; tests inject
// fakes.
type AppointmentStore interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Reader() conflict.AppointmentReader
	TxReader(tx pgx.Tx) conflict.AppointmentReader
	AcquireSlotLock(ctx context.Context, tx pgx.Tx, therapistID string, d model.Date, slotID string) error
	Insert(ctx context.Context, tx pgx.Tx, appt *model.Appointment) error
	Get(ctx context.Context, id string) (model.Appointment, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (model.Appointment, error)
	UpdateSchedule(ctx context.Context, tx pgx.Tx, id string, scheduledFor time.Time, d model.Date, slotID string, durationMinutes int, rescheduledFrom string) error
	UpdateStatus(ctx context.Context, tx pgx.Tx, id string, status model.AppointmentStatus, reason string) error
}

// Checker runs conflict detection against a given appointment reader.
type Checker interface {
	Check(ctx context.Context, req model.BookingRequest, appts conflict.AppointmentReader) []model.Conflict
}

// OutboxWriter records a domain event in the booking transaction.
type OutboxWriter interface {
	Insert(ctx context.Context, tx pgx.Tx, evt outbox.Event) error
}

// SlotResolver resolves the requested slot's start instant in the
// therapist's timezone.
type SlotResolver interface {
	Get(ctx context.Context, id string) (model.TimeSlot, error)
}

// Result is the outcome of a booking operation. Conflicts and Err are
// mutually exclusive with Success; structured conflicts are preserved even
// when the in-transaction re-check is what rejected the request.
type Result struct {
	Success       bool             `json:"success"`
	AppointmentID string           `json:"appointment_id,omitempty"`
	Conflicts     []model.Conflict `json:"conflicts,omitempty"`
	Err           string           `json:"error,omitempty"`
}

func failure(msg string) Result { return Result{Err: msg} }

func conflicted(conflicts []model.Conflict) Result { return Result{Conflicts: conflicts} }

// conflictError carries the typed conflict list out of the transaction
// closure so callers keep the same structured contract as the pre-check.
type conflictError struct {
	conflicts []model.Conflict
}

func (e *conflictError) Error() string {
	return "booking conflict detected during final check"
}

// Manager commits appointments with a two-phase check-then-write protocol.
// The pool-backed pre-check is a fast-path optimization only; correctness
// comes from re-running the identical detector inside the transaction under
// a per-slot advisory lock, with a partial unique index as the database
// backstop.
type Manager struct {
	store    AppointmentStore
	detector Checker
	outbox   OutboxWriter
	profiles profile.Source
	slots    SlotResolver
	metrics  *metrics.SchedulingMetrics
	logger   *slog.Logger
	now      func() time.Time
}

func NewManager(store AppointmentStore, detector Checker, outboxRepo OutboxWriter, profiles profile.Source, slots SlotResolver, m *metrics.SchedulingMetrics, logger *slog.Logger) *Manager {
	return &Manager{
		store:    store,
		detector: detector,
		outbox:   outboxRepo,
		profiles: profiles,
		slots:    slots,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the manager's clock. Test hook.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Check runs advisory conflict detection without touching a transaction.
// UI surfaces call this for slot-picker feedback.
func (m *Manager) Check(ctx context.Context, req model.BookingRequest) []model.Conflict {
	conflicts := m.detector.Check(ctx, req, m.store.Reader())
	for _, c := range conflicts {
		m.metrics.ObserveConflict(string(c.Code))
	}
	return conflicts
}

// Create books a new appointment. Returns a Result whose Conflicts carry
// every reason the booking cannot proceed; Err is reserved for
// infrastructure failures and not-found conditions.
func (m *Manager) Create(ctx context.Context, req model.BookingRequest) Result {
	if err := validateRequest(&req); err != nil {
		return failure(err.Error())
	}

	prof, err := m.profiles.Get(ctx, req.TherapistID)
	if err != nil {
		if errors.Is(err, profile.ErrNotFound) {
			return failure("therapist profile not found")
		}
		m.logger.Error("profile lookup failed", "therapist_id", req.TherapistID, "err", err)
		return failure("unable to load therapist profile")
	}

	slot, err := m.slots.Get(ctx, req.TimeSlotID)
	if err != nil {
		return failure("time slot not found")
	}
	if req.DurationMinutes <= 0 {
		req.DurationMinutes = slot.DurationMinutes
	}
	applyPricingDefaults(&req, prof)

	// Fast path: reject obviously conflicting requests without opening a
	// transaction. Inherently racy; never the correctness guarantee.
	if conflicts := m.detector.Check(ctx, req, m.store.Reader()); len(conflicts) > 0 {
		for _, c := range conflicts {
			m.metrics.ObserveConflict(string(c.Code))
		}
		m.metrics.ObserveBooking("create", "conflict")
		return conflicted(conflicts)
	}

	loc := prof.Location()
	scheduledFor, err := slot.StartOn(req.Date, loc)
	if err != nil {
		return failure(err.Error())
	}

	now := m.now().UTC()
	appt := &model.Appointment{
		ID:              uuid.NewString(),
		TherapistID:     req.TherapistID,
		ClientID:        req.ClientID,
		ScheduledFor:    scheduledFor,
		ScheduledDate:   req.Date,
		TimeSlotID:      req.TimeSlotID,
		DurationMinutes: req.DurationMinutes,
		Status:          model.StatusPending,
		SessionType:     req.SessionType,
		Payment:         req.Payment,
		ClientNotes:     req.ClientNotes,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	start := m.now()
	err = m.inTx(ctx, func(tx pgx.Tx) error {
		if err := m.store.AcquireSlotLock(ctx, tx, req.TherapistID, req.Date, req.TimeSlotID); err != nil {
			return err
		}
		// Authoritative re-check against transaction-consistent reads:
		// guards the window between the pre-check and this write.
		if conflicts := m.detector.Check(ctx, req, m.store.TxReader(tx)); len(conflicts) > 0 {
			return &conflictError{conflicts: conflicts}
		}
		if err := m.store.Insert(ctx, tx, appt); err != nil {
			return err
		}
		return m.outbox.Insert(ctx, tx, appointmentEvent(outbox.EventBooked, appt, nil))
	})
	m.metrics.ObserveCommitLatency(m.now().Sub(start).Seconds())

	if err != nil {
		return m.writeFailure("create", appt.ID, err)
	}

	m.metrics.ObserveBooking("create", "success")
	return Result{Success: true, AppointmentID: appt.ID}
}

// Reschedule moves an existing appointment to a new slot/date using the
// same two-phase protocol. The appointment keeps its identity; status
// resets to pending and rescheduled_from records the prior booking id.
func (m *Manager) Reschedule(ctx context.Context, appointmentID string, req model.BookingRequest) Result {
	current, err := m.store.Get(ctx, appointmentID)
	if err != nil {
		if storage.IsNotFound(err) {
			return failure("appointment not found")
		}
		m.logger.Error("appointment lookup failed", "appointment_id", appointmentID, "err", err)
		return failure("unable to load appointment")
	}
	if current.Status.Terminal() || current.Status == model.StatusInProgress {
		return failure(fmt.Sprintf("appointment in status %s cannot be rescheduled", current.Status))
	}

	req.TherapistID = current.TherapistID
	req.ClientID = current.ClientID
	if req.SessionType == "" {
		req.SessionType = current.SessionType
	}
	if err := validateRequest(&req); err != nil {
		return failure(err.Error())
	}

	prof, err := m.profiles.Get(ctx, req.TherapistID)
	if err != nil {
		m.logger.Error("profile lookup failed", "therapist_id", req.TherapistID, "err", err)
		return failure("unable to load therapist profile")
	}
	slot, err := m.slots.Get(ctx, req.TimeSlotID)
	if err != nil {
		return failure("time slot not found")
	}
	if req.DurationMinutes <= 0 {
		req.DurationMinutes = slot.DurationMinutes
	}

	// The appointment being moved must not conflict with itself.
	preReader := excludeAppointment(m.store.Reader(), appointmentID)
	if conflicts := m.detector.Check(ctx, req, preReader); len(conflicts) > 0 {
		for _, c := range conflicts {
			m.metrics.ObserveConflict(string(c.Code))
		}
		m.metrics.ObserveBooking("reschedule", "conflict")
		return conflicted(conflicts)
	}

	scheduledFor, err := slot.StartOn(req.Date, prof.Location())
	if err != nil {
		return failure(err.Error())
	}

	err = m.inTx(ctx, func(tx pgx.Tx) error {
		if err := m.store.AcquireSlotLock(ctx, tx, req.TherapistID, req.Date, req.TimeSlotID); err != nil {
			return err
		}
		locked, err := m.store.GetForUpdate(ctx, tx, appointmentID)
		if err != nil {
			return err
		}
		if locked.Status.Terminal() || locked.Status == model.StatusInProgress {
			return fmt.Errorf("appointment in status %s cannot be rescheduled", locked.Status)
		}
		if conflicts := m.detector.Check(ctx, req, excludeAppointment(m.store.TxReader(tx), appointmentID)); len(conflicts) > 0 {
			return &conflictError{conflicts: conflicts}
		}
		if err := m.store.UpdateSchedule(ctx, tx, appointmentID, scheduledFor, req.Date, req.TimeSlotID, req.DurationMinutes, appointmentID); err != nil {
			return err
		}
		locked.ScheduledFor = scheduledFor
		locked.ScheduledDate = req.Date
		locked.TimeSlotID = req.TimeSlotID
		locked.DurationMinutes = req.DurationMinutes
		return m.outbox.Insert(ctx, tx, appointmentEvent(outbox.EventRescheduled, &locked, map[string]any{
			"previous_date":    current.ScheduledDate.String(),
			"previous_slot_id": current.TimeSlotID,
		}))
	})
	if err != nil {
		return m.writeFailure("reschedule", appointmentID, err)
	}

	m.metrics.ObserveBooking("reschedule", "success")
	return Result{Success: true, AppointmentID: appointmentID}
}

// Cancel is a direct status transition. It never re-runs conflict
// detection; freed capacity is visible to future checks because they
// filter on status != cancelled. Cancelling an already-cancelled
// appointment is a no-op success.
func (m *Manager) Cancel(ctx context.Context, appointmentID, reason string) Result {
	var result Result
	err := m.inTx(ctx, func(tx pgx.Tx) error {
		appt, err := m.store.GetForUpdate(ctx, tx, appointmentID)
		if err != nil {
			return err
		}
		if appt.Status == model.StatusCancelled {
			result = Result{Success: true, AppointmentID: appointmentID}
			return nil
		}
		if !model.CanTransition(appt.Status, model.StatusCancelled) {
			return fmt.Errorf("appointment in status %s cannot be cancelled", appt.Status)
		}
		if err := m.store.UpdateStatus(ctx, tx, appointmentID, model.StatusCancelled, reason); err != nil {
			return err
		}
		result = Result{Success: true, AppointmentID: appointmentID}
		return m.outbox.Insert(ctx, tx, appointmentEvent(outbox.EventCancelled, &appt, map[string]any{
			"reason": reason,
		}))
	})
	if err != nil {
		return m.writeFailure("cancel", appointmentID, err)
	}
	m.metrics.ObserveBooking("cancel", "success")
	return result
}

// Transition advances the appointment status state machine
// (confirm, start, complete, no-show).
func (m *Manager) Transition(ctx context.Context, appointmentID string, to model.AppointmentStatus) Result {
	if to == model.StatusCancelled {
		return m.Cancel(ctx, appointmentID, "")
	}
	err := m.inTx(ctx, func(tx pgx.Tx) error {
		appt, err := m.store.GetForUpdate(ctx, tx, appointmentID)
		if err != nil {
			return err
		}
		if !model.CanTransition(appt.Status, to) {
			return fmt.Errorf("invalid status transition %s -> %s", appt.Status, to)
		}
		if err := m.store.UpdateStatus(ctx, tx, appointmentID, to, ""); err != nil {
			return err
		}
		return m.outbox.Insert(ctx, tx, appointmentEvent(outbox.EventStatusChanged, &appt, map[string]any{
			"from": string(appt.Status),
			"to":   string(to),
		}))
	})
	if err != nil {
		return m.writeFailure("transition", appointmentID, err)
	}
	m.metrics.ObserveBooking("transition", "success")
	return Result{Success: true, AppointmentID: appointmentID}
}

func (m *Manager) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := m.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (m *Manager) writeFailure(operation, appointmentID string, err error) Result {
	var ce *conflictError
	if errors.As(err, &ce) {
		for _, c := range ce.conflicts {
			m.metrics.ObserveConflict(string(c.Code))
		}
		m.metrics.ObserveBooking(operation, "conflict")
		return conflicted(ce.conflicts)
	}
	if storage.IsConflict(err) {
		// Database backstop fired before our re-check saw the competing row.
		m.metrics.ObserveBooking(operation, "conflict")
		return conflicted([]model.Conflict{{
			Code:    model.ConflictOverlap,
			Message: "this time slot was just booked, please pick another",
		}})
	}
	if storage.IsNotFound(err) {
		m.metrics.ObserveBooking(operation, "error")
		return failure("appointment not found")
	}
	m.logger.Error("booking transaction failed", "operation", operation, "appointment_id", appointmentID, "err", err)
	m.metrics.ObserveBooking(operation, "error")
	return failure(err.Error())
}

func validateRequest(req *model.BookingRequest) error {
	if req.TherapistID == "" || req.ClientID == "" || req.TimeSlotID == "" {
		return errors.New("therapist_id, client_id and time_slot_id are required")
	}
	if req.Date.IsZero() {
		return errors.New("date is required")
	}
	if req.SessionType == "" {
		req.SessionType = model.SessionIndividual
	}
	if !req.SessionType.Valid() {
		return fmt.Errorf("unknown session type %q", req.SessionType)
	}
	return nil
}

func applyPricingDefaults(req *model.BookingRequest, prof profile.TherapistProfile) {
	if req.Payment.Currency == "" {
		req.Payment.Currency = prof.Currency
	}
	if req.Payment.Amount == 0 && prof.HourlyRate > 0 && req.DurationMinutes > 0 {
		req.Payment.Amount = prof.HourlyRate * int64(req.DurationMinutes) / 60
	}
	if req.Payment.Status == "" {
		if req.Payment.ProviderRef != "" {
			req.Payment.Status = model.PaymentPending
		} else {
			req.Payment.Status = model.PaymentUnpaid
		}
	}
}

func appointmentEvent(eventType string, appt *model.Appointment, extra map[string]any) outbox.Event {
	payload := map[string]any{
		"appointment_id": appt.ID,
		"therapist_id":   appt.TherapistID,
		"client_id":      appt.ClientID,
		"scheduled_for":  appt.ScheduledFor.UTC().Format(time.RFC3339),
		"scheduled_date": appt.ScheduledDate.String(),
		"time_slot_id":   appt.TimeSlotID,
		"session_type":   string(appt.SessionType),
	}
	for k, v := range extra {
		payload[k] = v
	}
	raw, _ := json.Marshal(payload)
	return outbox.Event{
		AggregateType: "appointment",
		AggregateID:   appt.ID,
		EventType:     eventType,
		Payload:       raw,
	}
}

// storeAdapter lets the concrete repository satisfy AppointmentStore,
// whose reader methods return the detector's interface type.
type storeAdapter struct {
	*storage.AppointmentRepository
}

func NewStore(repo *storage.AppointmentRepository) AppointmentStore {
	return storeAdapter{repo}
}

func (s storeAdapter) Reader() conflict.AppointmentReader {
	return s.AppointmentRepository.Reader()
}

func (s storeAdapter) TxReader(tx pgx.Tx) conflict.AppointmentReader {
	return s.AppointmentRepository.TxReader(tx)
}

// excludingReader filters one appointment id out of reads, so a reschedule
// does not conflict with the row it is moving.
type excludingReader struct {
	inner     conflict.AppointmentReader
	excludeID string
}

func excludeAppointment(inner conflict.AppointmentReader, id string) conflict.AppointmentReader {
	return &excludingReader{inner: inner, excludeID: id}
}

func (r *excludingReader) ListActiveByDate(ctx context.Context, therapistID string, d model.Date) ([]model.Appointment, error) {
	appts, err := r.inner.ListActiveByDate(ctx, therapistID, d)
	if err != nil {
		return nil, err
	}
	filtered := appts[:0]
	for _, a := range appts {
		if a.ID != r.excludeID {
			filtered = append(filtered, a)
		}
	}
	return filtered, nil
}
