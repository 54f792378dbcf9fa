package payments

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

	"github.com/jackc/pgx/v5"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/mindfulpath/scheduling/internal/model"
)

const testSecret = "whsec_test_secret"

type stubTx struct {
	pgx.Tx
	committed bool
}

func (t *stubTx) Commit(_ context.Context) error {
	t.committed = true
	return nil
}

func (t *stubTx) Rollback(_ context.Context) error { return nil }

type fakeEvents struct {
	tx   *stubTx
	seen map[string]bool
}

func newFakeEvents() *fakeEvents {
	return &fakeEvents{tx: &stubTx{}, seen: make(map[string]bool)}
}

func (f *fakeEvents) Begin(_ context.Context) (pgx.Tx, error) { return f.tx, nil }

func (f *fakeEvents) Record(_ context.Context, _ pgx.Tx, evt ProviderEvent) error {
	if f.seen[evt.ProviderEventID] {
		return ErrDuplicateEvent
	}
	f.seen[evt.ProviderEventID] = true
	return nil
}

type fakePayments struct {
	ref    string
	status model.PaymentStatus
	match  string // appointment id to return, "" = no match
}

func (f *fakePayments) UpdatePaymentStatus(_ context.Context, _ pgx.Tx, providerRef string, status model.PaymentStatus) (string, error) {
	f.ref = providerRef
	f.status = status
	return f.match, nil
}

func signedRequest(t *testing.T, eventID, eventType, intentID string) *http.Request {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":          eventID,
		"object":      "event",
		"created":     time.Now().Unix(),
		"type":        eventType,
		"api_version": "2024-06-20",
		"data": map[string]any{
			"object": map[string]any{
				"id":     intentID,
				"object": "payment_intent",
			},
		},
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/webhook", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	return req
}

func newTestHandler(events EventStore, appts AppointmentPaymentStore) *WebhookHandler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewWebhookHandler(events, appts, logger, testSecret, 5*time.Minute)
}

func TestWebhook_PaymentSucceeded(t *testing.T) {
	events := newFakeEvents()
	appts := &fakePayments{match: "appt-1"}
	h := newTestHandler(events, appts)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, "evt_1", "payment_intent.succeeded", "pi_123"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if appts.ref != "pi_123" || appts.status != model.PaymentPaid {
		t.Fatalf("expected pi_123 marked paid, got %q %q", appts.ref, appts.status)
	}
	if !events.tx.committed {
		t.Fatal("expected the webhook transaction to commit")
	}
}

func TestWebhook_PaymentFailed(t *testing.T) {
	appts := &fakePayments{match: "appt-1"}
	h := newTestHandler(newFakeEvents(), appts)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, "evt_2", "payment_intent.payment_failed", "pi_456"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if appts.status != model.PaymentFailed {
		t.Fatalf("expected failed status, got %q", appts.status)
	}
}

func TestWebhook_DuplicateEventIgnored(t *testing.T) {
	events := newFakeEvents()
	appts := &fakePayments{match: "appt-1"}
	h := newTestHandler(events, appts)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, "evt_dup", "payment_intent.succeeded", "pi_123"))
	if rec.Code != http.StatusOK {
		t.Fatalf("first delivery should 200, got %d", rec.Code)
	}

	appts.ref = ""
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, "evt_dup", "payment_intent.succeeded", "pi_123"))
	if rec.Code != http.StatusOK {
		t.Fatalf("replay should still 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "duplicate") {
		t.Fatalf("replay should report duplicate: %s", rec.Body.String())
	}
	if appts.ref != "" {
		t.Fatal("replay must not touch the appointment again")
	}
}

func TestWebhook_InvalidSignature(t *testing.T) {
	h := newTestHandler(newFakeEvents(), &fakePayments{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/webhook", strings.NewReader(`{"id":"evt_x"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad signature, got %d", rec.Code)
	}
}

func TestWebhook_MissingSignature(t *testing.T) {
	h := newTestHandler(newFakeEvents(), &fakePayments{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/webhook", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestWebhook_UnconfiguredSecret(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewWebhookHandler(newFakeEvents(), &fakePayments{}, logger, "", 0)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, "evt_3", "payment_intent.succeeded", "pi_1"))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when no secret is configured, got %d", rec.Code)
	}
}

func TestWebhook_UnhandledEventTypeAcknowledged(t *testing.T) {
	appts := &fakePayments{}
	h := newTestHandler(newFakeEvents(), appts)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, "evt_4", "customer.created", "cus_1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("unhandled event types must be acknowledged, got %d", rec.Code)
	}
	if appts.ref != "" {
		t.Fatal("unhandled event must not touch appointments")
	}
}
