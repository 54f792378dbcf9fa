package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mindfulpath/scheduling/internal/booking"
	"github.com/mindfulpath/scheduling/internal/model"
	"github.com/mindfulpath/scheduling/internal/projection"
)

// BookingService is the booking manager surface the handlers call.
type BookingService interface {
	Check(ctx context.Context, req model.BookingRequest) []model.Conflict
	Create(ctx context.Context, req model.BookingRequest) booking.Result
	Reschedule(ctx context.Context, appointmentID string, req model.BookingRequest) booking.Result
	Cancel(ctx context.Context, appointmentID, reason string) booking.Result
	Transition(ctx context.Context, appointmentID string, to model.AppointmentStatus) booking.Result
}

// ProjectionService is the read-side slot projection surface.
type ProjectionService interface {
	Project(ctx context.Context, therapistID string, q projection.Query) (projection.Projection, error)
	CalendarCounts(ctx context.Context, therapistID string, q projection.Query) (map[string]int, projection.Projection, error)
	Search(ctx context.Context, q projection.SearchQuery) (projection.Projection, error)
}

// ScheduleStore manages a therapist's weekly rules and overrides.
type ScheduleStore interface {
	ReplaceWeekly(ctx context.Context, therapistID string, rules []model.AvailabilityRule) error
	CreateOverride(ctx context.Context, o *model.ScheduleOverride) error
	DeleteOverride(ctx context.Context, therapistID, overrideID string) (bool, error)
	ListOverridesInRange(ctx context.Context, therapistID string, from, to model.Date) ([]model.ScheduleOverride, error)
}

type SchedulingHandler struct {
	bookings   BookingService
	projection ProjectionService
	schedule   ScheduleStore
	logger     *slog.Logger
}

func NewSchedulingHandler(bookings BookingService, proj ProjectionService, schedule ScheduleStore, logger *slog.Logger) *SchedulingHandler {
	return &SchedulingHandler{
		bookings:   bookings,
		projection: proj,
		schedule:   schedule,
		logger:     logger,
	}
}

type bookingRequestDTO struct {
	TherapistID     string `json:"therapist_id"`
	ClientID        string `json:"client_id"`
	TimeSlotID      string `json:"time_slot_id"`
	Date            string `json:"date"`
	DurationMinutes int    `json:"duration_minutes"`
	SessionType     string `json:"session_type"`
	ClientNotes     string `json:"client_notes"`
	PaymentRef      string `json:"payment_ref"`
	PaymentAmount   int64  `json:"payment_amount"`
	PaymentCurrency string `json:"payment_currency"`
}

func (dto bookingRequestDTO) toModel() (model.BookingRequest, string) {
	therapistID := strings.TrimSpace(dto.TherapistID)
	clientID := strings.TrimSpace(dto.ClientID)
	slotID := strings.TrimSpace(dto.TimeSlotID)
	if therapistID == "" || clientID == "" || slotID == "" {
		return model.BookingRequest{}, "therapist_id, client_id and time_slot_id are required"
	}
	d, err := model.ParseDate(strings.TrimSpace(dto.Date))
	if err != nil {
		return model.BookingRequest{}, err.Error()
	}
	return model.BookingRequest{
		TherapistID:     therapistID,
		ClientID:        clientID,
		TimeSlotID:      slotID,
		Date:            d,
		DurationMinutes: dto.DurationMinutes,
		SessionType:     model.SessionType(strings.TrimSpace(dto.SessionType)),
		ClientNotes:     strings.TrimSpace(dto.ClientNotes),
		Payment: model.Payment{
			Amount:      dto.PaymentAmount,
			Currency:    strings.TrimSpace(dto.PaymentCurrency),
			ProviderRef: strings.TrimSpace(dto.PaymentRef),
		},
	}, ""
}

// CreateBooking handles POST /api/v1/bookings.
func (h *SchedulingHandler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var dto bookingRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req, msg := dto.toModel()
	if msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}
	h.writeResult(w, h.bookings.Create(r.Context(), req), http.StatusCreated)
}

// CheckBooking handles POST /api/v1/bookings/check: the advisory conflict
// check used by slot pickers. Always 200 with the (possibly empty) list.
func (h *SchedulingHandler) CheckBooking(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var dto bookingRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req, msg := dto.toModel()
	if msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}
	conflicts := h.bookings.Check(r.Context(), req)
	if conflicts == nil {
		conflicts = []model.Conflict{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})
}

type rescheduleDTO struct {
	AppointmentID string `json:"appointment_id"`
	bookingRequestDTO
}

// Reschedule handles POST /api/v1/bookings/reschedule.
func (h *SchedulingHandler) Reschedule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var dto rescheduleDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	id := strings.TrimSpace(dto.AppointmentID)
	if id == "" {
		http.Error(w, "appointment_id required", http.StatusBadRequest)
		return
	}
	d, err := model.ParseDate(strings.TrimSpace(dto.Date))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req := model.BookingRequest{
		TimeSlotID:      strings.TrimSpace(dto.TimeSlotID),
		Date:            d,
		DurationMinutes: dto.DurationMinutes,
		SessionType:     model.SessionType(strings.TrimSpace(dto.SessionType)),
	}
	if req.TimeSlotID == "" {
		http.Error(w, "time_slot_id required", http.StatusBadRequest)
		return
	}
	h.writeResult(w, h.bookings.Reschedule(r.Context(), id, req), http.StatusOK)
}

type cancelDTO struct {
	AppointmentID string `json:"appointment_id"`
	Reason        string `json:"reason"`
}

// Cancel handles POST /api/v1/bookings/cancel.
func (h *SchedulingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var dto cancelDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	id := strings.TrimSpace(dto.AppointmentID)
	if id == "" {
		http.Error(w, "appointment_id required", http.StatusBadRequest)
		return
	}
	h.writeResult(w, h.bookings.Cancel(r.Context(), id, strings.TrimSpace(dto.Reason)), http.StatusOK)
}

type transitionDTO struct {
	AppointmentID string `json:"appointment_id"`
	Status        string `json:"status"`
}

// Transition handles POST /api/v1/bookings/status.
func (h *SchedulingHandler) Transition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var dto transitionDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	id := strings.TrimSpace(dto.AppointmentID)
	status := model.AppointmentStatus(strings.TrimSpace(dto.Status))
	if id == "" || status == "" {
		http.Error(w, "appointment_id and status required", http.StatusBadRequest)
		return
	}
	h.writeResult(w, h.bookings.Transition(r.Context(), id, status), http.StatusOK)
}

// Slots handles GET /api/v1/public/slots?therapist_id=&start=&end=&tz=&duration=.
func (h *SchedulingHandler) Slots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	therapistID, q, msg := projectionQueryFromRequest(r)
	if msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}
	proj, err := h.projection.Project(r.Context(), therapistID, q)
	if err != nil {
		h.logger.Error("slot projection failed", "therapist_id", therapistID, "err", err)
		http.Error(w, "failed to load slots", http.StatusInternalServerError)
		return
	}
	if proj.Slots == nil {
		proj.Slots = []projection.Slot{}
	}
	writeJSON(w, http.StatusOK, proj)
}

// Calendar handles GET /api/v1/public/calendar: date -> open-slot-count map
// for calendar rendering.
func (h *SchedulingHandler) Calendar(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	therapistID, q, msg := projectionQueryFromRequest(r)
	if msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}
	counts, proj, err := h.projection.CalendarCounts(r.Context(), therapistID, q)
	if err != nil {
		h.logger.Error("calendar projection failed", "therapist_id", therapistID, "err", err)
		http.Error(w, "failed to load calendar", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"counts":  counts,
		"partial": proj.Partial,
	})
}

// Search handles GET /api/v1/public/slots/search across therapists.
func (h *SchedulingHandler) Search(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	qv := r.URL.Query()
	therapists := splitCSV(qv.Get("therapist_ids"))
	if len(therapists) == 0 {
		http.Error(w, "therapist_ids required", http.StatusBadRequest)
		return
	}
	start, err := model.ParseDate(strings.TrimSpace(qv.Get("start")))
	if err != nil {
		http.Error(w, "invalid start date", http.StatusBadRequest)
		return
	}
	end, err := model.ParseDate(strings.TrimSpace(qv.Get("end")))
	if err != nil {
		http.Error(w, "invalid end date", http.StatusBadRequest)
		return
	}
	sq := projection.SearchQuery{
		TherapistIDs:    therapists,
		Start:           start,
		End:             end,
		Timezone:        strings.TrimSpace(qv.Get("tz")),
		DurationMinutes: atoiDefault(qv.Get("duration"), 0),
		EarliestStart:   strings.TrimSpace(qv.Get("earliest")),
		LatestStart:     strings.TrimSpace(qv.Get("latest")),
		Limit:           atoiDefault(qv.Get("limit"), 0),
	}
	for _, raw := range splitCSV(qv.Get("days")) {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 && n <= 6 {
			sq.DaysOfWeek = append(sq.DaysOfWeek, time.Weekday(n))
		}
	}
	proj, err := h.projection.Search(r.Context(), sq)
	if err != nil {
		h.logger.Error("slot search failed", "err", err)
		http.Error(w, "failed to search slots", http.StatusInternalServerError)
		return
	}
	if proj.Slots == nil {
		proj.Slots = []projection.Slot{}
	}
	writeJSON(w, http.StatusOK, proj)
}

type weeklyRuleDTO struct {
	DayOfWeek            int    `json:"day_of_week"`
	TimeSlotID           string `json:"time_slot_id"`
	Status               string `json:"status"`
	MaxConcurrentClients int    `json:"max_concurrent_clients"`
	RecurringPattern     string `json:"recurring_pattern"`
	EffectiveFrom        string `json:"effective_from"`
	EndsOn               string `json:"ends_on"`
}

type replaceScheduleDTO struct {
	TherapistID string          `json:"therapist_id"`
	Rules       []weeklyRuleDTO `json:"rules"`
}

// ReplaceSchedule handles PUT /api/v1/therapists/schedule: the atomic
// delete-all-then-recreate weekly schedule edit.
func (h *SchedulingHandler) ReplaceSchedule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var dto replaceScheduleDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	therapistID := strings.TrimSpace(dto.TherapistID)
	if therapistID == "" {
		http.Error(w, "therapist_id required", http.StatusBadRequest)
		return
	}
	rules := make([]model.AvailabilityRule, 0, len(dto.Rules))
	for _, rd := range dto.Rules {
		if rd.DayOfWeek < 0 || rd.DayOfWeek > 6 {
			http.Error(w, "day_of_week must be 0-6", http.StatusBadRequest)
			return
		}
		slotID := strings.TrimSpace(rd.TimeSlotID)
		if slotID == "" {
			http.Error(w, "time_slot_id required on every rule", http.StatusBadRequest)
			return
		}
		rule := model.AvailabilityRule{
			TherapistID:          therapistID,
			DayOfWeek:            time.Weekday(rd.DayOfWeek),
			TimeSlotID:           slotID,
			Status:               model.AvailabilityStatus(defaultString(rd.Status, string(model.AvailabilityAvailable))),
			MaxConcurrentClients: rd.MaxConcurrentClients,
			Pattern:              model.RecurringPattern(defaultString(rd.RecurringPattern, string(model.PatternWeekly))),
		}
		if rd.EffectiveFrom != "" {
			d, err := model.ParseDate(rd.EffectiveFrom)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			rule.EffectiveFrom = d
		}
		if rd.EndsOn != "" {
			d, err := model.ParseDate(rd.EndsOn)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			rule.EndsOn = &d
		}
		rules = append(rules, rule)
	}
	if err := h.schedule.ReplaceWeekly(r.Context(), therapistID, rules); err != nil {
		if strings.Contains(err.Error(), "duplicate availability rule") {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("schedule replace failed", "therapist_id", therapistID, "err", err)
		http.Error(w, "failed to update schedule", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": len(rules)})
}

type overrideDTO struct {
	TherapistID    string   `json:"therapist_id"`
	Date           string   `json:"date"`
	Type           string   `json:"type"`
	AffectedSlots  []string `json:"affected_slots"`
	Reason         string   `json:"reason"`
	IsRecurring    bool     `json:"is_recurring"`
	RecurringUntil string   `json:"recurring_until"`
}

// Overrides handles /api/v1/therapists/overrides: POST create, GET list,
// DELETE remove.
func (h *SchedulingHandler) Overrides(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.createOverride(w, r)
	case http.MethodGet:
		h.listOverrides(w, r)
	case http.MethodDelete:
		h.deleteOverride(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *SchedulingHandler) createOverride(w http.ResponseWriter, r *http.Request) {
	var dto overrideDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	therapistID := strings.TrimSpace(dto.TherapistID)
	if therapistID == "" {
		http.Error(w, "therapist_id required", http.StatusBadRequest)
		return
	}
	d, err := model.ParseDate(strings.TrimSpace(dto.Date))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	typ := model.OverrideType(strings.TrimSpace(dto.Type))
	if !typ.Valid() {
		http.Error(w, "type must be day_off, time_off or custom_hours", http.StatusBadRequest)
		return
	}
	if typ != model.OverrideDayOff && len(dto.AffectedSlots) == 0 {
		http.Error(w, "affected_slots required for this override type", http.StatusBadRequest)
		return
	}
	o := model.ScheduleOverride{
		TherapistID:   therapistID,
		Date:          d,
		Type:          typ,
		AffectedSlots: dto.AffectedSlots,
		Reason:        strings.TrimSpace(dto.Reason),
		IsRecurring:   dto.IsRecurring,
	}
	if dto.RecurringUntil != "" {
		until, err := model.ParseDate(dto.RecurringUntil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		o.RecurringUntil = &until
	}
	if err := h.schedule.CreateOverride(r.Context(), &o); err != nil {
		h.logger.Error("override create failed", "therapist_id", therapistID, "err", err)
		http.Error(w, "failed to create override", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"override_id": o.ID})
}

func (h *SchedulingHandler) listOverrides(w http.ResponseWriter, r *http.Request) {
	qv := r.URL.Query()
	therapistID := strings.TrimSpace(qv.Get("therapist_id"))
	if therapistID == "" {
		http.Error(w, "therapist_id required", http.StatusBadRequest)
		return
	}
	from, err := model.ParseDate(strings.TrimSpace(qv.Get("start")))
	if err != nil {
		http.Error(w, "invalid start date", http.StatusBadRequest)
		return
	}
	to, err := model.ParseDate(strings.TrimSpace(qv.Get("end")))
	if err != nil {
		http.Error(w, "invalid end date", http.StatusBadRequest)
		return
	}
	overrides, err := h.schedule.ListOverridesInRange(r.Context(), therapistID, from, to)
	if err != nil {
		h.logger.Error("override list failed", "therapist_id", therapistID, "err", err)
		http.Error(w, "failed to list overrides", http.StatusInternalServerError)
		return
	}
	items := make([]map[string]any, 0, len(overrides))
	for _, o := range overrides {
		item := map[string]any{
			"override_id":    o.ID,
			"date":           o.Date.String(),
			"type":           string(o.Type),
			"affected_slots": o.AffectedSlots,
			"reason":         o.Reason,
			"is_recurring":   o.IsRecurring,
		}
		if o.RecurringUntil != nil {
			item["recurring_until"] = o.RecurringUntil.String()
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *SchedulingHandler) deleteOverride(w http.ResponseWriter, r *http.Request) {
	qv := r.URL.Query()
	therapistID := strings.TrimSpace(qv.Get("therapist_id"))
	overrideID := strings.TrimSpace(qv.Get("override_id"))
	if therapistID == "" || overrideID == "" {
		http.Error(w, "therapist_id and override_id required", http.StatusBadRequest)
		return
	}
	deleted, err := h.schedule.DeleteOverride(r.Context(), therapistID, overrideID)
	if err != nil {
		h.logger.Error("override delete failed", "override_id", overrideID, "err", err)
		http.Error(w, "failed to delete override", http.StatusInternalServerError)
		return
	}
	if !deleted {
		http.Error(w, "override not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeResult maps a booking result onto HTTP: successStatus on success,
// 409 with the structured conflict list, 422 for request errors.
func (h *SchedulingHandler) writeResult(w http.ResponseWriter, res booking.Result, successStatus int) {
	switch {
	case res.Success:
		writeJSON(w, successStatus, res)
	case len(res.Conflicts) > 0:
		writeJSON(w, http.StatusConflict, res)
	default:
		writeJSON(w, http.StatusUnprocessableEntity, res)
	}
}

func projectionQueryFromRequest(r *http.Request) (string, projection.Query, string) {
	qv := r.URL.Query()
	therapistID := strings.TrimSpace(qv.Get("therapist_id"))
	if therapistID == "" {
		return "", projection.Query{}, "therapist_id required"
	}
	start, err := model.ParseDate(strings.TrimSpace(qv.Get("start")))
	if err != nil {
		return "", projection.Query{}, "invalid start date"
	}
	end, err := model.ParseDate(strings.TrimSpace(qv.Get("end")))
	if err != nil {
		return "", projection.Query{}, "invalid end date"
	}
	return therapistID, projection.Query{
		Start:           start,
		End:             end,
		Timezone:        strings.TrimSpace(qv.Get("tz")),
		DurationMinutes: atoiDefault(qv.Get("duration"), 0),
	}, ""
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func atoiDefault(raw string, fallback int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func defaultString(s, fallback string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
