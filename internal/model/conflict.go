package model

type ConflictCode string

const (
	// ConflictTooAdvance: requested date beyond the maximum advance window.
	ConflictTooAdvance ConflictCode = "too_advance"
	// ConflictTooSoon: requested time inside the minimum notice window.
	ConflictTooSoon ConflictCode = "too_soon"
	// ConflictUnavailable: slot not in the therapist's effective set.
	ConflictUnavailable ConflictCode = "unavailable"
	// ConflictOverlap: slot occupied, capacity exhausted, or session types mixed.
	ConflictOverlap ConflictCode = "overlap"
	// ConflictVerificationFailed: an infrastructure read failed; availability
	// could not be verified. Always decidable for the caller, never a panic.
	ConflictVerificationFailed ConflictCode = "verification_failed"
)

// Conflict is a structured, user-correctable reason a booking cannot
// proceed. Conflicts are returned as data, never raised as errors.
type Conflict struct {
	Code                     ConflictCode `json:"code"`
	Message                  string       `json:"message"`
	ConflictingAppointmentID string       `json:"conflicting_appointment_id,omitempty"`
}

// BookingRequest is the input to conflict detection and appointment
// creation. Date is the therapist-local calendar day.
type BookingRequest struct {
	TherapistID     string
	ClientID        string
	TimeSlotID      string
	Date            Date
	DurationMinutes int
	SessionType     SessionType
	ClientNotes     string
	Payment         Payment
}
