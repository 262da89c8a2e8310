// Package storage persists the delivery log: one row per attempt to reach a
// customer or the operator about a reservation.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Salveishonn/wash-on-demand-eco-sub002/libs/db"
)

// Notification kinds. Confirmation goes to the customer; the admin kinds go
// to the operator's configured channels.
const (
	KindConfirmation = "confirmation"
	KindAdminAlert   = "admin_alert"
	KindCancellation = "cancellation"
)

const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
)

const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// Notification is one delivery attempt. Payload carries the slot context
// (date, time, service) so the log is readable without joining bookings.
type Notification struct {
	ID            string
	ReservationID string
	Kind          string
	Channel       string
	Recipient     string
	Payload       map[string]any
	Status        string
	CreatedAt     time.Time
}

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Insert(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return err
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO notifications (reservation_id, kind, channel, recipient, payload, status)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, n.ReservationID, n.Kind, n.Channel, n.Recipient, payload, n.Status)
	return err
}

// ListByReservation returns the delivery log for one reservation, oldest
// first, for the ops endpoint.
func (r *Repository) ListByReservation(ctx context.Context, reservationID string) ([]Notification, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, reservation_id, kind, channel, recipient, payload, status, created_at
		FROM notifications
		WHERE reservation_id = $1
		ORDER BY created_at ASC
	`, reservationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		var payload []byte
		if err := rows.Scan(&n.ID, &n.ReservationID, &n.Kind, &n.Channel, &n.Recipient, &payload, &n.Status, &n.CreatedAt); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &n.Payload); err != nil {
				return nil, err
			}
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
