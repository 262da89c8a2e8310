// Package subscriptions encapsulates subscription state transitions and
// their side effects (outbox events, first-cycle grant). Keeping this out of
// the HTTP handlers makes it reusable for webhook and renewal flows.
package subscriptions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Salveishonn/wash-on-demand-eco-sub002/libs/events"
	"github.com/Salveishonn/wash-on-demand-eco-sub002/services/billing-service/internal/cycles"
	"github.com/Salveishonn/wash-on-demand-eco-sub002/services/billing-service/internal/plans"
	"github.com/Salveishonn/wash-on-demand-eco-sub002/services/billing-service/internal/storage"
)

type Service struct {
	repo      *storage.Repository
	outbox    *events.Outbox
	generator *cycles.Generator
}

func New(repo *storage.Repository, outbox *events.Outbox, generator *cycles.Generator) *Service {
	return &Service{repo: repo, outbox: outbox, generator: generator}
}

type Activation struct {
	CustomerName         string
	CustomerEmail        string
	Tier                 string
	StripeCustomerID     string
	StripeSubscriptionID string
}

// ApplyActivated creates or reactivates the subscription behind a completed
// checkout or a provider subscription update, emits
// billing.subscription.activated.v1, and grants the first cycle immediately
// so the customer can book without waiting for the next generation run.
func (s *Service) ApplyActivated(ctx context.Context, tx pgx.Tx, act Activation, activatedAt time.Time) (storage.Subscription, error) {
	plan := plans.ForTier(act.Tier)
	start, end := cycles.Period(activatedAt)

	sub, found, err := s.repo.GetSubscriptionByStripeID(ctx, tx, act.StripeSubscriptionID)
	if err != nil {
		return storage.Subscription{}, err
	}
	if found {
		alreadyCurrent := sub.Status == "active" && sub.Tier == plan.Tier
		sub.Tier = plan.Tier
		sub.Status = "active"
		sub.StripeCustomerID = act.StripeCustomerID
		if err := s.repo.UpdateSubscription(ctx, tx, sub); err != nil {
			return storage.Subscription{}, err
		}
		// Provider retries and no-op updates must not fan out again.
		if alreadyCurrent {
			return sub, nil
		}
	} else {
		sub = storage.Subscription{
			CustomerName:         act.CustomerName,
			CustomerEmail:        act.CustomerEmail,
			Tier:                 plan.Tier,
			Status:               "active",
			Provider:             "stripe",
			StripeCustomerID:     act.StripeCustomerID,
			StripeSubscriptionID: act.StripeSubscriptionID,
			CurrentPeriodStart:   &start,
			CurrentPeriodEnd:     &end,
		}
		id, err := s.repo.CreateSubscription(ctx, tx, sub)
		if err != nil {
			return storage.Subscription{}, err
		}
		sub.ID = id
	}

	payload, err := json.Marshal(map[string]any{
		"subscription_id":      sub.ID,
		"customer_email":       sub.CustomerEmail,
		"tier":                 plan.Tier,
		"status":               "active",
		"washes_per_cycle":     plan.WashesPerCycle,
		"current_period_start": start.Format(time.RFC3339),
		"current_period_end":   end.Format(time.RFC3339),
		"activated_at":         activatedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return storage.Subscription{}, err
	}
	if err := s.outbox.Insert(ctx, tx, events.Event{
		AggregateType: "subscription",
		AggregateID:   sub.ID,
		EventType:     "billing.subscription.activated.v1",
		Payload:       payload,
	}); err != nil {
		return storage.Subscription{}, err
	}

	if _, err := s.generator.Ensure(ctx, tx, sub, activatedAt); err != nil {
		return storage.Subscription{}, err
	}
	return sub, nil
}

// ApplyStatus moves the subscription to a terminal or degraded state
// (canceled, payment_failed, paused) and emits the matching event.
func (s *Service) ApplyStatus(ctx context.Context, tx pgx.Tx, stripeSubscriptionID, status string, at time.Time) error {
	sub, found, err := s.repo.GetSubscriptionByStripeID(ctx, tx, stripeSubscriptionID)
	if err != nil {
		return err
	}
	if !found || sub.Status == status {
		return nil
	}
	sub.Status = status
	if err := s.repo.UpdateSubscription(ctx, tx, sub); err != nil {
		return err
	}

	eventType := "billing.subscription.canceled.v1"
	if status != "canceled" {
		eventType = "billing.subscription.status_changed.v1"
	}
	payload, err := json.Marshal(map[string]any{
		"subscription_id": sub.ID,
		"status":          status,
		"occurred_at":     at.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	return s.outbox.Insert(ctx, tx, events.Event{
		AggregateType: "subscription",
		AggregateID:   sub.ID,
		EventType:     eventType,
		Payload:       payload,
	})
}
