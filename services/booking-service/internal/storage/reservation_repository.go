package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Salveishonn/wash-on-demand-eco-sub002/libs/db"
	"github.com/Salveishonn/wash-on-demand-eco-sub002/services/booking-service/internal/model"
	"github.com/Salveishonn/wash-on-demand-eco-sub002/services/booking-service/internal/schedule"
)

type ReservationRepository struct {
	pool *db.Pool
}

func NewReservationRepository(pool *db.Pool) *ReservationRepository {
	return &ReservationRepository{pool: pool}
}

func (r *ReservationRepository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// Create inserts the reservation and returns its id. A partial unique index
// over (slot_date, slot_time) for non-cancelled rows rejects a second booking
// of the same slot; callers detect that with IsSlotTaken.
func (r *ReservationRepository) Create(ctx context.Context, tx pgx.Tx, res *model.Reservation) (string, error) {
	id := uuid.NewString()
	_, err := tx.Exec(ctx, `
		INSERT INTO reservations
			(id, customer_name, customer_email, customer_phone, service, address, slot_date, slot_time, status, payment_status, subscription_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, id, res.CustomerName, res.CustomerEmail, res.CustomerPhone, res.Service, res.Address,
		res.Date, res.Time, res.Status, res.PaymentStatus, nullIfEmpty(res.SubscriptionID))
	if err != nil {
		return "", err
	}
	return id, nil
}

// OccupiedTimes returns the HH:MM slots held by non-cancelled reservations
// on one date.
func (r *ReservationRepository) OccupiedTimes(ctx context.Context, date string) (map[string]bool, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT slot_time
		FROM reservations
		WHERE slot_date = $1 AND status <> 'cancelled'
	`, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	occupied := map[string]bool{}
	for rows.Next() {
		var hhmm string
		if err := rows.Scan(&hhmm); err != nil {
			return nil, err
		}
		occupied[hhmm] = true
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return occupied, nil
}

// OccupiedTimesInRange loads every occupied slot between from and to
// inclusive with a single query, keyed by date then time.
func (r *ReservationRepository) OccupiedTimesInRange(ctx context.Context, from, to string) (map[string]map[string]bool, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT slot_date, slot_time
		FROM reservations
		WHERE slot_date >= $1 AND slot_date <= $2 AND status <> 'cancelled'
		ORDER BY slot_date ASC
	`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	occupied := map[string]map[string]bool{}
	for rows.Next() {
		var date time.Time
		var hhmm string
		if err := rows.Scan(&date, &hhmm); err != nil {
			return nil, err
		}
		key := date.Format(schedule.DateFormat)
		if occupied[key] == nil {
			occupied[key] = map[string]bool{}
		}
		occupied[key][hhmm] = true
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return occupied, nil
}

func (r *ReservationRepository) ListByDate(ctx context.Context, date string, limit int) ([]model.Reservation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, customer_name, customer_email, customer_phone, service, address,
			slot_date, slot_time, status, payment_status, COALESCE(subscription_id::text, ''),
			COALESCE(cancellation_reason, ''), cancelled_at, created_at
		FROM reservations
		WHERE slot_date = $1
		ORDER BY slot_time ASC
		LIMIT $2
	`, date, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func (r *ReservationRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (model.Reservation, error) {
	row := tx.QueryRow(ctx, `
		SELECT id::text, customer_name, customer_email, customer_phone, service, address,
			slot_date, slot_time, status, payment_status, COALESCE(subscription_id::text, ''),
			COALESCE(cancellation_reason, ''), cancelled_at, created_at
		FROM reservations
		WHERE id = $1
		FOR UPDATE
	`, id)
	return scanReservation(row)
}

func (r *ReservationRepository) Cancel(ctx context.Context, tx pgx.Tx, id, reason string) (time.Time, error) {
	var cancelledAt time.Time
	err := tx.QueryRow(ctx, `
		UPDATE reservations
		SET status = 'cancelled',
			cancelled_at = now(),
			cancellation_reason = $2
		WHERE id = $1
		RETURNING cancelled_at
	`, id, reason).Scan(&cancelledAt)
	return cancelledAt, err
}

// IsSlotTaken reports whether err is the unique violation raised when a
// non-cancelled reservation already occupies the (date, time) pair.
func IsSlotTaken(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "reservations_slot_taken"
}

func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReservation(row rowScanner) (model.Reservation, error) {
	var res model.Reservation
	var date time.Time
	var cancelledAt *time.Time
	err := row.Scan(
		&res.ID,
		&res.CustomerName,
		&res.CustomerEmail,
		&res.CustomerPhone,
		&res.Service,
		&res.Address,
		&date,
		&res.Time,
		&res.Status,
		&res.PaymentStatus,
		&res.SubscriptionID,
		&res.CancelReason,
		&cancelledAt,
		&res.CreatedAt,
	)
	if err != nil {
		return model.Reservation{}, err
	}
	res.Date = date.Format(schedule.DateFormat)
	res.CancelledAt = cancelledAt
	return res, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
