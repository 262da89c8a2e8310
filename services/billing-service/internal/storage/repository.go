package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Salveishonn/wash-on-demand-eco-sub002/libs/db"
)

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

type Subscription struct {
	ID                   string
	CustomerName         string
	CustomerEmail        string
	Tier                 string
	Status               string
	Provider             string
	StripeCustomerID     string
	StripeSubscriptionID string
	CurrentPeriodStart   *time.Time
	CurrentPeriodEnd     *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

const subscriptionColumns = `id::text, customer_name, customer_email, tier, status, provider,
	       COALESCE(stripe_customer_id, ''), COALESCE(stripe_subscription_id, ''),
	       current_period_start, current_period_end, created_at, updated_at`

func (r *Repository) CreateSubscription(ctx context.Context, tx pgx.Tx, s Subscription) (string, error) {
	var id string
	err := tx.QueryRow(ctx, `
		INSERT INTO subscriptions
			(customer_name, customer_email, tier, status, provider, stripe_customer_id, stripe_subscription_id, current_period_start, current_period_end)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id::text
	`, s.CustomerName, s.CustomerEmail, s.Tier, s.Status, defaultIfEmpty(s.Provider, "stripe"),
		nullIfEmpty(s.StripeCustomerID), nullIfEmpty(s.StripeSubscriptionID), s.CurrentPeriodStart, s.CurrentPeriodEnd).Scan(&id)
	return id, err
}

func (r *Repository) UpdateSubscription(ctx context.Context, tx pgx.Tx, s Subscription) error {
	_, err := tx.Exec(ctx, `
		UPDATE subscriptions
		SET tier = $2,
		    status = $3,
		    stripe_customer_id = COALESCE($4, stripe_customer_id),
		    stripe_subscription_id = COALESCE($5, stripe_subscription_id),
		    current_period_start = COALESCE($6, current_period_start),
		    current_period_end = COALESCE($7, current_period_end),
		    updated_at = now()
		WHERE id = $1
	`, s.ID, s.Tier, s.Status, nullIfEmpty(s.StripeCustomerID), nullIfEmpty(s.StripeSubscriptionID), s.CurrentPeriodStart, s.CurrentPeriodEnd)
	return err
}

func (r *Repository) GetSubscription(ctx context.Context, id string) (Subscription, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE id = $1
	`, id)
	return scanSubscription(row)
}

func (r *Repository) GetSubscriptionByStripeID(ctx context.Context, tx pgx.Tx, stripeSubscriptionID string) (Subscription, bool, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE stripe_subscription_id = $1
		FOR UPDATE
	`, stripeSubscriptionID)
	s, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Subscription{}, false, nil
		}
		return Subscription{}, false, err
	}
	return s, true, nil
}

func (r *Repository) GetSubscriptionForUpdate(ctx context.Context, tx pgx.Tx, id string) (Subscription, bool, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE id = $1
		FOR UPDATE
	`, id)
	s, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Subscription{}, false, nil
		}
		return Subscription{}, false, err
	}
	return s, true, nil
}

func (r *Repository) ListSubscriptions(ctx context.Context, status string, limit int) ([]Subscription, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
	`
	args := []any{}
	if strings.TrimSpace(status) != "" {
		query += ` WHERE status = $1 ORDER BY created_at DESC LIMIT $2`
		args = append(args, status, limit)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $1`
		args = append(args, limit)
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

// ListActiveForUpdate locks a batch of active subscriptions so concurrent
// cycle generators split the work instead of repeating it.
func (r *Repository) ListActiveForUpdate(ctx context.Context, tx pgx.Tx, limit int) ([]Subscription, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := tx.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE status = 'active'
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

// ListDueForRenewal locks active subscriptions whose paid period ended on or
// before now.
func (r *Repository) ListDueForRenewal(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]Subscription, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := tx.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE status = 'active' AND current_period_end IS NOT NULL AND current_period_end <= $1
		ORDER BY current_period_end
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

type Cycle struct {
	ID             int64
	SubscriptionID string
	CycleMonth     string // YYYY-MM
	WashesGranted  int
	PeriodStart    time.Time
	PeriodEnd      time.Time
	CreatedAt      time.Time
}

// InsertCycle records a monthly allowance grant. The unique key on
// (subscription_id, cycle_month) makes generation idempotent: false means the
// cycle already existed and nothing was written.
func (r *Repository) InsertCycle(ctx context.Context, tx pgx.Tx, c Cycle) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO subscription_cycles (subscription_id, cycle_month, washes_granted, period_start, period_end)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (subscription_id, cycle_month) DO NOTHING
	`, c.SubscriptionID, c.CycleMonth, c.WashesGranted, c.PeriodStart, c.PeriodEnd)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) GetCycle(ctx context.Context, tx pgx.Tx, subscriptionID, cycleMonth string) (Cycle, bool, error) {
	var c Cycle
	err := tx.QueryRow(ctx, `
		SELECT id, subscription_id::text, cycle_month, washes_granted, period_start, period_end, created_at
		FROM subscription_cycles
		WHERE subscription_id = $1 AND cycle_month = $2
	`, subscriptionID, cycleMonth).Scan(&c.ID, &c.SubscriptionID, &c.CycleMonth, &c.WashesGranted, &c.PeriodStart, &c.PeriodEnd, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Cycle{}, false, nil
	}
	if err != nil {
		return Cycle{}, false, err
	}
	return c, true, nil
}

func (r *Repository) ListCycles(ctx context.Context, subscriptionID string, limit int) ([]Cycle, error) {
	if limit <= 0 || limit > 100 {
		limit = 12
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, subscription_id::text, cycle_month, washes_granted, period_start, period_end, created_at
		FROM subscription_cycles
		WHERE subscription_id = $1
		ORDER BY cycle_month DESC
		LIMIT $2
	`, subscriptionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cycles []Cycle
	for rows.Next() {
		var c Cycle
		if err := rows.Scan(&c.ID, &c.SubscriptionID, &c.CycleMonth, &c.WashesGranted, &c.PeriodStart, &c.PeriodEnd, &c.CreatedAt); err != nil {
			return nil, err
		}
		cycles = append(cycles, c)
	}
	return cycles, rows.Err()
}

// RecordRedemption keeps billing's ledger of washes consumed, fed from
// booking events. The reservation id is the idempotency key.
func (r *Repository) RecordRedemption(ctx context.Context, tx pgx.Tx, subscriptionID, reservationID string, redeemedAt time.Time) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO wash_redemptions (reservation_id, subscription_id, redeemed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (reservation_id) DO NOTHING
	`, reservationID, subscriptionID, redeemedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

type CheckoutSession struct {
	StripeSessionID string
	CustomerName    string
	CustomerEmail   string
	Tier            string
	Status          string
	URL             string
	SubscriptionID  string
	CompletedAt     *time.Time
	ExpiredAt       *time.Time
	UpdatedAt       time.Time
}

func (r *Repository) UpsertCheckoutSession(ctx context.Context, tx pgx.Tx, s CheckoutSession) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO checkout_sessions (stripe_session_id, customer_name, customer_email, tier, status, url)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (stripe_session_id)
		DO UPDATE SET status = EXCLUDED.status,
		              url = EXCLUDED.url,
		              updated_at = now()
	`, s.StripeSessionID, s.CustomerName, s.CustomerEmail, s.Tier, s.Status, nullIfEmpty(s.URL))
	return err
}

func (r *Repository) MarkCheckoutSessionCompleted(ctx context.Context, tx pgx.Tx, stripeSessionID string, completedAt time.Time, subscriptionID string) error {
	_, err := tx.Exec(ctx, `
		UPDATE checkout_sessions
		SET status = 'completed',
		    completed_at = $2,
		    subscription_id = COALESCE($3, subscription_id),
		    updated_at = now()
		WHERE stripe_session_id = $1
	`, stripeSessionID, completedAt, nullIfEmpty(subscriptionID))
	return err
}

func (r *Repository) MarkCheckoutSessionExpired(ctx context.Context, tx pgx.Tx, stripeSessionID string, expiredAt time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE checkout_sessions
		SET status = 'expired',
		    expired_at = $2,
		    updated_at = now()
		WHERE stripe_session_id = $1
	`, stripeSessionID, expiredAt)
	return err
}

func (r *Repository) GetCheckoutSession(ctx context.Context, stripeSessionID string) (CheckoutSession, error) {
	var s CheckoutSession
	err := r.pool.QueryRow(ctx, `
		SELECT stripe_session_id, customer_name, customer_email, tier, status,
		       COALESCE(url, ''), COALESCE(subscription_id::text, ''),
		       completed_at, expired_at, updated_at
		FROM checkout_sessions
		WHERE stripe_session_id = $1
	`, stripeSessionID).Scan(&s.StripeSessionID, &s.CustomerName, &s.CustomerEmail, &s.Tier, &s.Status,
		&s.URL, &s.SubscriptionID, &s.CompletedAt, &s.ExpiredAt, &s.UpdatedAt)
	if err != nil {
		return CheckoutSession{}, err
	}
	return s, nil
}

type ProviderEvent struct {
	Provider        string
	ProviderEventID string
	EventType       string
	Payload         []byte
}

var ErrDuplicateProviderEvent = errors.New("duplicate provider event")

func (r *Repository) InsertProviderEvent(ctx context.Context, tx pgx.Tx, evt ProviderEvent) error {
	var payload any
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO provider_events (provider, provider_event_id, event_type, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, provider_event_id) DO NOTHING
	`, evt.Provider, evt.ProviderEventID, evt.EventType, payload)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateProviderEvent
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (Subscription, error) {
	var s Subscription
	err := row.Scan(&s.ID, &s.CustomerName, &s.CustomerEmail, &s.Tier, &s.Status, &s.Provider,
		&s.StripeCustomerID, &s.StripeSubscriptionID, &s.CurrentPeriodStart, &s.CurrentPeriodEnd, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return Subscription{}, err
	}
	return s, nil
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func defaultIfEmpty(s string, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}
