// Package cycles grants each active subscription its monthly wash allowance.
// A cycle row per (subscription, month) is the idempotency anchor: however
// many times generation runs for a month, the allowance is granted once.
package cycles

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Salveishonn/wash-on-demand-eco-sub002/libs/events"
	"github.com/Salveishonn/wash-on-demand-eco-sub002/services/billing-service/internal/plans"
	"github.com/Salveishonn/wash-on-demand-eco-sub002/services/billing-service/internal/storage"
)

const MonthFormat = "2006-01"

// Store is the slice of the billing repository the generator needs.
// Satisfied by *storage.Repository.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	GetSubscriptionForUpdate(ctx context.Context, tx pgx.Tx, id string) (storage.Subscription, bool, error)
	ListActiveForUpdate(ctx context.Context, tx pgx.Tx, limit int) ([]storage.Subscription, error)
	InsertCycle(ctx context.Context, tx pgx.Tx, c storage.Cycle) (bool, error)
	GetCycle(ctx context.Context, tx pgx.Tx, subscriptionID, cycleMonth string) (storage.Cycle, bool, error)
	UpdateSubscription(ctx context.Context, tx pgx.Tx, s storage.Subscription) error
}

// EventSink records domain events inside the caller's transaction.
// Satisfied by *events.Outbox.
type EventSink interface {
	Insert(ctx context.Context, tx pgx.Tx, evt events.Event) error
}

type Generator struct {
	store  Store
	outbox EventSink
	logger *slog.Logger
}

func NewGenerator(store Store, outbox EventSink, logger *slog.Logger) *Generator {
	return &Generator{store: store, outbox: outbox, logger: logger}
}

// Period returns the calendar-month window containing t: the first instant
// of t's month through the first instant of the next, both UTC.
func Period(t time.Time) (start, end time.Time) {
	u := t.UTC()
	start = time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// Ensure grants sub its allowance for the month containing at. It returns
// false without side effects when the cycle already exists. On a fresh grant
// it rolls the subscription's period forward and emits
// billing.cycle.generated.v1; unused washes from the previous cycle do not
// carry over.
func (g *Generator) Ensure(ctx context.Context, tx pgx.Tx, sub storage.Subscription, at time.Time) (bool, error) {
	plan := plans.ForTier(sub.Tier)
	start, end := Period(at)
	month := start.Format(MonthFormat)

	created, err := g.store.InsertCycle(ctx, tx, storage.Cycle{
		SubscriptionID: sub.ID,
		CycleMonth:     month,
		WashesGranted:  plan.WashesPerCycle,
		PeriodStart:    start,
		PeriodEnd:      end,
	})
	if err != nil || !created {
		return false, err
	}

	sub.CurrentPeriodStart = &start
	sub.CurrentPeriodEnd = &end
	if err := g.store.UpdateSubscription(ctx, tx, sub); err != nil {
		return false, err
	}

	payload, err := json.Marshal(map[string]any{
		"subscription_id":      sub.ID,
		"tier":                 plan.Tier,
		"cycle_month":          month,
		"washes_per_cycle":     plan.WashesPerCycle,
		"current_period_start": start.Format(time.RFC3339),
		"current_period_end":   end.Format(time.RFC3339),
	})
	if err != nil {
		return false, err
	}
	if err := g.outbox.Insert(ctx, tx, events.Event{
		AggregateType: "subscription",
		AggregateID:   sub.ID,
		EventType:     "billing.cycle.generated.v1",
		Payload:       payload,
	}); err != nil {
		return false, err
	}
	return true, nil
}

// ErrSubscriptionNotFound is returned by Generate for an unknown id.
var ErrSubscriptionNotFound = errors.New("subscription not found")

// Generate grants one subscription its allowance for the month containing at
// in its own transaction. The returned cycle is the stored row either way;
// created distinguishes a fresh grant from a replay.
func (g *Generator) Generate(ctx context.Context, subscriptionID string, at time.Time) (storage.Cycle, bool, error) {
	tx, err := g.store.Begin(ctx)
	if err != nil {
		return storage.Cycle{}, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	sub, found, err := g.store.GetSubscriptionForUpdate(ctx, tx, subscriptionID)
	if err != nil {
		return storage.Cycle{}, false, err
	}
	if !found {
		return storage.Cycle{}, false, ErrSubscriptionNotFound
	}

	created, err := g.Ensure(ctx, tx, sub, at)
	if err != nil {
		return storage.Cycle{}, false, err
	}

	start, _ := Period(at)
	cycle, found, err := g.store.GetCycle(ctx, tx, sub.ID, start.Format(MonthFormat))
	if err != nil {
		return storage.Cycle{}, false, err
	}
	if !found {
		return storage.Cycle{}, false, errors.New("cycle row missing after generation")
	}
	if err := tx.Commit(ctx); err != nil {
		return storage.Cycle{}, false, err
	}
	return cycle, created, nil
}

// GenerateAll runs Ensure for every active subscription for the month
// containing at. Row locks are taken with SKIP LOCKED so concurrent runs
// partition the set rather than colliding.
func (g *Generator) GenerateAll(ctx context.Context, at time.Time, batch int) (generated, skipped int, err error) {
	tx, err := g.store.Begin(ctx)
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	subs, err := g.store.ListActiveForUpdate(ctx, tx, batch)
	if err != nil {
		return 0, 0, err
	}
	for _, sub := range subs {
		created, err := g.Ensure(ctx, tx, sub, at)
		if err != nil {
			return generated, skipped, err
		}
		if created {
			generated++
		} else {
			skipped++
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return generated, skipped, err
	}
	if generated > 0 {
		g.logger.Info("subscription cycles generated", "month", at.UTC().Format(MonthFormat), "generated", generated, "skipped", skipped)
	}
	return generated, skipped, nil
}
