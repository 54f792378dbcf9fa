package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mindfulpath/scheduling/internal/booking"
	"github.com/mindfulpath/scheduling/internal/model"
	"github.com/mindfulpath/scheduling/internal/projection"
)

type fakeBookings struct {
	checkConflicts []model.Conflict
	createResult   booking.Result
	lastRequest    model.BookingRequest
	lastCancelID   string
	lastReason     string
}

func (f *fakeBookings) Check(_ context.Context, req model.BookingRequest) []model.Conflict {
	f.lastRequest = req
	return f.checkConflicts
}

func (f *fakeBookings) Create(_ context.Context, req model.BookingRequest) booking.Result {
	f.lastRequest = req
	return f.createResult
}

func (f *fakeBookings) Reschedule(_ context.Context, id string, req model.BookingRequest) booking.Result {
	f.lastRequest = req
	return booking.Result{Success: true, AppointmentID: id}
}

func (f *fakeBookings) Cancel(_ context.Context, id, reason string) booking.Result {
	f.lastCancelID = id
	f.lastReason = reason
	return booking.Result{Success: true, AppointmentID: id}
}

func (f *fakeBookings) Transition(_ context.Context, id string, _ model.AppointmentStatus) booking.Result {
	return booking.Result{Success: true, AppointmentID: id}
}

type fakeProjection struct {
	proj projection.Projection
}

func (f *fakeProjection) Project(_ context.Context, _ string, _ projection.Query) (projection.Projection, error) {
	return f.proj, nil
}

func (f *fakeProjection) CalendarCounts(_ context.Context, _ string, _ projection.Query) (map[string]int, projection.Projection, error) {
	return map[string]int{"2026-03-05": 2}, f.proj, nil
}

func (f *fakeProjection) Search(_ context.Context, _ projection.SearchQuery) (projection.Projection, error) {
	return f.proj, nil
}

type fakeSchedules struct {
	replaced   []model.AvailabilityRule
	replaceErr error
	created    *model.ScheduleOverride
	deleted    bool
}

func (f *fakeSchedules) ReplaceWeekly(_ context.Context, _ string, rules []model.AvailabilityRule) error {
	if f.replaceErr != nil {
		return f.replaceErr
	}
	f.replaced = rules
	return nil
}

func (f *fakeSchedules) CreateOverride(_ context.Context, o *model.ScheduleOverride) error {
	o.ID = "ov-1"
	f.created = o
	return nil
}

func (f *fakeSchedules) DeleteOverride(_ context.Context, _, _ string) (bool, error) {
	return f.deleted, nil
}

func (f *fakeSchedules) ListOverridesInRange(_ context.Context, _ string, _, _ model.Date) ([]model.ScheduleOverride, error) {
	return []model.ScheduleOverride{{ID: "ov-1", Type: model.OverrideDayOff, Date: model.Date{Year: 2026, Month: time.March, Day: 5}}}, nil
}

func newTestHandler(b *fakeBookings, p *fakeProjection, s *fakeSchedules) *SchedulingHandler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewSchedulingHandler(b, p, s, logger)
}

func postJSON(t *testing.T, h http.HandlerFunc, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestCreateBooking_Success(t *testing.T) {
	bookings := &fakeBookings{createResult: booking.Result{Success: true, AppointmentID: "appt-1"}}
	h := newTestHandler(bookings, &fakeProjection{}, &fakeSchedules{})

	rec := postJSON(t, h.CreateBooking, "/api/v1/bookings", map[string]any{
		"therapist_id": "t1",
		"client_id":    "c1",
		"time_slot_id": "slot-0900",
		"date":         "2026-03-05",
		"session_type": "individual",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var res booking.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if res.AppointmentID != "appt-1" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if bookings.lastRequest.Date.String() != "2026-03-05" {
		t.Fatalf("date not parsed: %+v", bookings.lastRequest)
	}
}

func TestCreateBooking_ConflictMapsTo409(t *testing.T) {
	bookings := &fakeBookings{createResult: booking.Result{Conflicts: []model.Conflict{
		{Code: model.ConflictOverlap, Message: "taken"},
	}}}
	h := newTestHandler(bookings, &fakeProjection{}, &fakeSchedules{})

	rec := postJSON(t, h.CreateBooking, "/api/v1/bookings", map[string]any{
		"therapist_id": "t1",
		"client_id":    "c1",
		"time_slot_id": "slot-0900",
		"date":         "2026-03-05",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "overlap") {
		t.Fatalf("conflict code missing from body: %s", rec.Body.String())
	}
}

func TestCreateBooking_ErrorMapsTo422(t *testing.T) {
	bookings := &fakeBookings{createResult: booking.Result{Err: "therapist profile not found"}}
	h := newTestHandler(bookings, &fakeProjection{}, &fakeSchedules{})

	rec := postJSON(t, h.CreateBooking, "/api/v1/bookings", map[string]any{
		"therapist_id": "t1",
		"client_id":    "c1",
		"time_slot_id": "slot-0900",
		"date":         "2026-03-05",
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestCreateBooking_BadRequests(t *testing.T) {
	h := newTestHandler(&fakeBookings{}, &fakeProjection{}, &fakeSchedules{})

	rec := postJSON(t, h.CreateBooking, "/api/v1/bookings", map[string]any{
		"therapist_id": "t1",
		"date":         "2026-03-05",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing ids should 400, got %d", rec.Code)
	}

	rec = postJSON(t, h.CreateBooking, "/api/v1/bookings", map[string]any{
		"therapist_id": "t1",
		"client_id":    "c1",
		"time_slot_id": "slot-0900",
		"date":         "March 5th",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad date should 400, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/bookings", nil)
	rec2 := httptest.NewRecorder()
	h.CreateBooking(rec2, req)
	if rec2.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET should 405, got %d", rec2.Code)
	}
}

func TestCheckBooking_AlwaysOKWithList(t *testing.T) {
	bookings := &fakeBookings{checkConflicts: []model.Conflict{{Code: model.ConflictTooSoon, Message: "too soon"}}}
	h := newTestHandler(bookings, &fakeProjection{}, &fakeSchedules{})

	rec := postJSON(t, h.CheckBooking, "/api/v1/bookings/check", map[string]any{
		"therapist_id": "t1",
		"client_id":    "c1",
		"time_slot_id": "slot-0900",
		"date":         "2026-03-05",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("check is advisory and should 200, got %d", rec.Code)
	}
	var body struct {
		Conflicts []model.Conflict `json:"conflicts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if len(body.Conflicts) != 1 || body.Conflicts[0].Code != model.ConflictTooSoon {
		t.Fatalf("unexpected conflicts: %+v", body.Conflicts)
	}
}

func TestCancel(t *testing.T) {
	bookings := &fakeBookings{}
	h := newTestHandler(bookings, &fakeProjection{}, &fakeSchedules{})

	rec := postJSON(t, h.Cancel, "/api/v1/bookings/cancel", map[string]any{
		"appointment_id": "appt-1",
		"reason":         "client request",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if bookings.lastCancelID != "appt-1" || bookings.lastReason != "client request" {
		t.Fatalf("cancel args lost: %q %q", bookings.lastCancelID, bookings.lastReason)
	}
}

func TestSlots_QueryValidation(t *testing.T) {
	h := newTestHandler(&fakeBookings{}, &fakeProjection{}, &fakeSchedules{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/public/slots?start=2026-03-05&end=2026-03-06", nil)
	rec := httptest.NewRecorder()
	h.Slots(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing therapist_id should 400, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/public/slots?therapist_id=t1&start=2026-03-05&end=2026-03-06", nil)
	rec = httptest.NewRecorder()
	h.Slots(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"slots":[]`) {
		t.Fatalf("empty projection should serialize an empty list: %s", rec.Body.String())
	}
}

func TestSearch_ParsesPreferences(t *testing.T) {
	h := newTestHandler(&fakeBookings{}, &fakeProjection{}, &fakeSchedules{})

	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/public/slots/search?therapist_ids=t1,t2&start=2026-03-05&end=2026-03-11&days=1,3&earliest=09:00&latest=12:00&limit=10", nil)
	rec := httptest.NewRecorder()
	h.Search(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/public/slots/search?start=2026-03-05&end=2026-03-11", nil)
	rec = httptest.NewRecorder()
	h.Search(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing therapist_ids should 400, got %d", rec.Code)
	}
}

func TestReplaceSchedule(t *testing.T) {
	schedules := &fakeSchedules{}
	h := newTestHandler(&fakeBookings{}, &fakeProjection{}, schedules)

	raw, _ := json.Marshal(map[string]any{
		"therapist_id": "t1",
		"rules": []map[string]any{
			{"day_of_week": 1, "time_slot_id": "slot-0900"},
			{"day_of_week": 1, "time_slot_id": "slot-1000", "recurring_pattern": "biweekly", "effective_from": "2026-03-02"},
		},
	})
	req := httptest.NewRequest(http.MethodPut, "/api/v1/therapists/schedule", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	h.ReplaceSchedule(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(schedules.replaced) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(schedules.replaced))
	}
	if schedules.replaced[0].Status != model.AvailabilityAvailable {
		t.Fatalf("status should default to available, got %s", schedules.replaced[0].Status)
	}
	if schedules.replaced[1].Pattern != model.PatternBiweekly {
		t.Fatalf("pattern not parsed: %s", schedules.replaced[1].Pattern)
	}
}

func TestReplaceSchedule_InvalidDay(t *testing.T) {
	h := newTestHandler(&fakeBookings{}, &fakeProjection{}, &fakeSchedules{})

	raw, _ := json.Marshal(map[string]any{
		"therapist_id": "t1",
		"rules":        []map[string]any{{"day_of_week": 9, "time_slot_id": "slot-0900"}},
	})
	req := httptest.NewRequest(http.MethodPut, "/api/v1/therapists/schedule", bytes.NewReader(raw))
	rec := httptest.NewRecorder()
	h.ReplaceSchedule(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestOverrides_CreateListDelete(t *testing.T) {
	schedules := &fakeSchedules{deleted: true}
	h := newTestHandler(&fakeBookings{}, &fakeProjection{}, schedules)

	rec := postJSON(t, h.Overrides, "/api/v1/therapists/overrides", map[string]any{
		"therapist_id": "t1",
		"date":         "2026-03-05",
		"type":         "time_off",
		"affected_slots": []string{
			"slot-0900",
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if schedules.created == nil || schedules.created.Type != model.OverrideTimeOff {
		t.Fatalf("override not recorded: %+v", schedules.created)
	}

	// time_off without slots is rejected; day_off without slots is fine.
	rec = postJSON(t, h.Overrides, "/api/v1/therapists/overrides", map[string]any{
		"therapist_id": "t1",
		"date":         "2026-03-05",
		"type":         "time_off",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("time_off needs affected_slots, got %d", rec.Code)
	}
	rec = postJSON(t, h.Overrides, "/api/v1/therapists/overrides", map[string]any{
		"therapist_id": "t1",
		"date":         "2026-03-05",
		"type":         "day_off",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("day_off needs no slots, got %d: %s", rec.Code, rec.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/therapists/overrides?therapist_id=t1&start=2026-03-01&end=2026-03-31", nil)
	recList := httptest.NewRecorder()
	h.Overrides(recList, req)
	if recList.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recList.Code)
	}
	if !strings.Contains(recList.Body.String(), "ov-1") {
		t.Fatalf("override missing from list: %s", recList.Body.String())
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/v1/therapists/overrides?therapist_id=t1&override_id=ov-1", nil)
	recDel := httptest.NewRecorder()
	h.Overrides(recDel, req)
	if recDel.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", recDel.Code)
	}

	schedules.deleted = false
	req = httptest.NewRequest(http.MethodDelete, "/api/v1/therapists/overrides?therapist_id=t1&override_id=ov-nope", nil)
	recMiss := httptest.NewRecorder()
	h.Overrides(recMiss, req)
	if recMiss.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recMiss.Code)
	}
}

func TestCalendar(t *testing.T) {
	h := newTestHandler(&fakeBookings{}, &fakeProjection{}, &fakeSchedules{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/public/calendar?therapist_id=t1&start=2026-03-05&end=2026-03-05", nil)
	rec := httptest.NewRecorder()
	h.Calendar(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"2026-03-05":2`) {
		t.Fatalf("calendar counts missing: %s", rec.Body.String())
	}
}
