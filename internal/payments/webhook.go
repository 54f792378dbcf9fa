package payments

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/mindfulpath/scheduling/internal/model"
)

// AppointmentPaymentStore updates the payment status on the appointment
// carrying the provider reference.
type AppointmentPaymentStore interface {
	UpdatePaymentStatus(ctx context.Context, tx pgx.Tx, providerRef string, status model.PaymentStatus) (string, error)
}

// EventStore records processed provider events for durable idempotency.
type EventStore interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Record(ctx context.Context, tx pgx.Tx, evt ProviderEvent) error
}

// WebhookHandler receives Stripe webhooks and records payment outcomes on
// appointments. Signature verification is the authentication; the endpoint
// carries no session auth.
type WebhookHandler struct {
	events        EventStore
	appointments  AppointmentPaymentStore
	logger        *slog.Logger
	signingSecret string
	tolerance     time.Duration
}

func NewWebhookHandler(events EventStore, appointments AppointmentPaymentStore, logger *slog.Logger, signingSecret string, tolerance time.Duration) *WebhookHandler {
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	return &WebhookHandler{
		events:        events,
		appointments:  appointments,
		logger:        logger,
		signingSecret: signingSecret,
		tolerance:     tolerance,
	}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if strings.TrimSpace(h.signingSecret) == "" {
		http.Error(w, "payment webhook not configured", http.StatusServiceUnavailable)
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		http.Error(w, "missing Stripe-Signature header", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MiB hard cap
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	evt, err := webhook.ConstructEventWithTolerance(body, sigHeader, h.signingSecret, h.tolerance)
	if err != nil {
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	evtType := string(evt.Type)
	h.logger.Info("payment provider event received",
		"provider", "stripe",
		"provider_event_id", evt.ID,
		"event_type", evtType,
	)

	ctx := r.Context()
	tx, err := h.events.Begin(ctx)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := h.events.Record(ctx, tx, ProviderEvent{
		Provider:        "stripe",
		ProviderEventID: evt.ID,
		EventType:       evtType,
		Payload:         body,
	}); err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			h.logger.Info("payment provider event duplicate ignored", "provider_event_id", evt.ID)
			writeJSON(w, http.StatusOK, map[string]any{"status": "duplicate"})
			return
		}
		http.Error(w, "failed to record provider event", http.StatusInternalServerError)
		return
	}

	status, ref := paymentOutcome(evt)
	if status != "" && ref != "" {
		appointmentID, err := h.appointments.UpdatePaymentStatus(ctx, tx, ref, status)
		if err != nil {
			http.Error(w, "failed to update payment status", http.StatusInternalServerError)
			return
		}
		if appointmentID == "" {
			h.logger.Warn("payment event matched no appointment", "provider_ref", ref, "event_type", evtType)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		http.Error(w, "failed to commit", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "processed"})
}

// paymentOutcome maps a Stripe event to the appointment payment status it
// implies and the payment-intent reference it concerns. Unhandled event
// types are acknowledged without effect.
func paymentOutcome(evt stripe.Event) (model.PaymentStatus, string) {
	switch string(evt.Type) {
	case "payment_intent.succeeded":
		return model.PaymentPaid, intentID(evt)
	case "payment_intent.payment_failed":
		return model.PaymentFailed, intentID(evt)
	case "charge.refunded":
		var ch stripe.Charge
		if err := json.Unmarshal(evt.Data.Raw, &ch); err != nil {
			return "", ""
		}
		if ch.PaymentIntent == nil {
			return "", ""
		}
		return model.PaymentRefunded, ch.PaymentIntent.ID
	default:
		return "", ""
	}
}

func intentID(evt stripe.Event) string {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(evt.Data.Raw, &pi); err != nil {
		return ""
	}
	return pi.ID
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
