package payments

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mindfulpath/scheduling/internal/postgres"
)

// ErrDuplicateEvent marks a provider event that was already processed.
var ErrDuplicateEvent = errors.New("provider event already processed")

// ProviderEvent is one received payment-provider webhook event. Idempotency
// is durable: the table is keyed by (provider, provider_event_id), so
// replays are rejected across restarts and across service instances.
type ProviderEvent struct {
	Provider        string
	ProviderEventID string
	EventType       string
	Payload         []byte
}

type EventsRepository struct {
	pool *postgres.Pool
}

func NewEventsRepository(pool *postgres.Pool) *EventsRepository {
	return &EventsRepository{pool: pool}
}

func (r *EventsRepository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// Record inserts the event, returning ErrDuplicateEvent when the provider
// event id has been seen before. Runs inside the webhook transaction so a
// failed handler leaves no processed marker behind.
func (r *EventsRepository) Record(ctx context.Context, tx pgx.Tx, evt ProviderEvent) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO payment_provider_events (provider, provider_event_id, event_type, payload)
		VALUES ($1, $2, $3, $4)
	`, evt.Provider, evt.ProviderEventID, evt.EventType, evt.Payload)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateEvent
	}
	return err
}
