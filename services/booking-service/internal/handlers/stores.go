package handlers

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Salveishonn/wash-on-demand-eco-sub002/libs/events"
	"github.com/Salveishonn/wash-on-demand-eco-sub002/services/booking-service/internal/model"
)

// ReservationStore is the slice of the reservation repository the handlers
// need. Satisfied by *storage.ReservationRepository.
type ReservationStore interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Create(ctx context.Context, tx pgx.Tx, res *model.Reservation) (string, error)
	OccupiedTimes(ctx context.Context, date string) (map[string]bool, error)
	OccupiedTimesInRange(ctx context.Context, from, to string) (map[string]map[string]bool, error)
	ListByDate(ctx context.Context, date string, limit int) ([]model.Reservation, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (model.Reservation, error)
	Cancel(ctx context.Context, tx pgx.Tx, id, reason string) (time.Time, error)
}

// SubscriptionStore reads and debits the local subscription projection.
// Satisfied by *storage.SubscriptionRepository.
type SubscriptionStore interface {
	Get(ctx context.Context, id string) (model.Subscription, bool, error)
	RedeemWash(ctx context.Context, tx pgx.Tx, id string) (remaining int, ok bool, err error)
}

// EventOutbox records domain events inside the caller's transaction.
// Satisfied by *events.Outbox.
type EventOutbox interface {
	Insert(ctx context.Context, tx pgx.Tx, evt events.Event) error
}
