package model

import "time"

type AppointmentStatus string

const (
	StatusPending    AppointmentStatus = "pending"
	StatusConfirmed  AppointmentStatus = "confirmed"
	StatusInProgress AppointmentStatus = "in_progress"
	StatusCompleted  AppointmentStatus = "completed"
	StatusCancelled  AppointmentStatus = "cancelled"
	StatusNoShow     AppointmentStatus = "no_show"
)

func (s AppointmentStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

var statusTransitions = map[AppointmentStatus][]AppointmentStatus{
	StatusPending:    {StatusConfirmed, StatusCancelled, StatusNoShow},
	StatusConfirmed:  {StatusInProgress, StatusCancelled, StatusNoShow},
	StatusInProgress: {StatusCompleted},
}

// CanTransition reports whether the appointment status state machine
// permits moving from one status to another. Terminal states have no
// outgoing transitions.
func CanTransition(from, to AppointmentStatus) bool {
	for _, next := range statusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type SessionType string

const (
	SessionIndividual   SessionType = "individual"
	SessionGroup        SessionType = "group"
	SessionConsultation SessionType = "consultation"
	SessionFollowUp     SessionType = "follow_up"
)

func (t SessionType) Valid() bool {
	switch t {
	case SessionIndividual, SessionGroup, SessionConsultation, SessionFollowUp:
		return true
	}
	return false
}

// GroupSessionCapacity is the fallback cap on concurrent group bookings in
// one slot, used when the availability rule does not carry its own
// max_concurrent_clients.
const GroupSessionCapacity = 8

// DefaultCapacity returns how many concurrent appointments of this type a
// slot admits absent a per-rule override. Everything except group sessions
// is a singleton.
func (t SessionType) DefaultCapacity() int {
	if t == SessionGroup {
		return GroupSessionCapacity
	}
	return 1
}

type PaymentStatus string

const (
	PaymentUnpaid   PaymentStatus = "unpaid"
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

// Payment is the payment block recorded on an appointment. The scheduling
// core records the reference supplied by the payment subsystem and checks
// nothing beyond the status field.
type Payment struct {
	Amount      int64 // minor units
	Currency    string
	Status      PaymentStatus
	ProviderRef string
}

type Appointment struct {
	ID              string
	TherapistID     string
	ClientID        string
	ScheduledFor    time.Time
	ScheduledDate   Date // therapist-local calendar day; slot identity key
	TimeSlotID      string
	DurationMinutes int
	Status          AppointmentStatus
	SessionType     SessionType
	Payment         Payment
	ClientNotes     string
	RescheduledFrom string
	CancelReason    string
	CancelledAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Active reports whether the appointment still occupies its slot for
// conflict purposes. Cancellation is a status change, not a delete, so
// conflict checks filter on this rather than row existence.
func (a Appointment) Active() bool {
	return a.Status != StatusCancelled
}
