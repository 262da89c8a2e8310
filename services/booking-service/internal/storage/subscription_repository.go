package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Salveishonn/wash-on-demand-eco-sub002/libs/db"
	"github.com/Salveishonn/wash-on-demand-eco-sub002/services/booking-service/internal/model"
)

type SubscriptionRepository struct {
	pool *db.Pool
}

func NewSubscriptionRepository(pool *db.Pool) *SubscriptionRepository {
	return &SubscriptionRepository{pool: pool}
}

func (r *SubscriptionRepository) Get(ctx context.Context, id string) (model.Subscription, bool, error) {
	var s model.Subscription
	var cps, cpe *time.Time
	err := r.pool.QueryRow(ctx, `
		SELECT id::text, tier, status, washes_remaining, washes_used_in_cycle,
			current_period_start, current_period_end, updated_at
		FROM subscriptions
		WHERE id = $1
	`, id).Scan(&s.ID, &s.Tier, &s.Status, &s.WashesRemaining, &s.WashesUsedInCycle, &cps, &cpe, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Subscription{}, false, nil
		}
		return model.Subscription{}, false, err
	}
	s.CurrentPeriodStart = cps
	s.CurrentPeriodEnd = cpe
	return s, true, nil
}

// RedeemWash consumes one wash credit as a single conditional update: the
// status and remaining-credit checks are part of the statement, so two
// concurrent admissions against a last credit cannot both succeed. No row
// updated means the quota check failed.
func (r *SubscriptionRepository) RedeemWash(ctx context.Context, tx pgx.Tx, id string) (remaining int, ok bool, err error) {
	err = tx.QueryRow(ctx, `
		UPDATE subscriptions
		SET washes_remaining = washes_remaining - 1,
			washes_used_in_cycle = washes_used_in_cycle + 1,
			updated_at = now()
		WHERE id = $1 AND status = 'active' AND washes_remaining > 0
		RETURNING washes_remaining
	`, id).Scan(&remaining)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return remaining, true, nil
}

// Upsert applies a billing event to the local projection.
func (r *SubscriptionRepository) Upsert(ctx context.Context, tx pgx.Tx, s model.Subscription) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO subscriptions (id, tier, status, washes_remaining, washes_used_in_cycle, current_period_start, current_period_end)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id)
		DO UPDATE SET tier = EXCLUDED.tier,
		              status = EXCLUDED.status,
		              washes_remaining = EXCLUDED.washes_remaining,
		              washes_used_in_cycle = EXCLUDED.washes_used_in_cycle,
		              current_period_start = EXCLUDED.current_period_start,
		              current_period_end = EXCLUDED.current_period_end,
		              updated_at = now()
	`, s.ID, s.Tier, s.Status, s.WashesRemaining, s.WashesUsedInCycle, s.CurrentPeriodStart, s.CurrentPeriodEnd)
	return err
}

// SetStatus updates only the lifecycle status (cancellations, payment
// failures) without touching counters.
func (r *SubscriptionRepository) SetStatus(ctx context.Context, tx pgx.Tx, id, status string) error {
	_, err := tx.Exec(ctx, `
		UPDATE subscriptions
		SET status = $2, updated_at = now()
		WHERE id = $1
	`, id, status)
	return err
}
