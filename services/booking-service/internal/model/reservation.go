package model

import "time"

const (
	ReservationPending   = "pending"
	ReservationConfirmed = "confirmed"
	ReservationCancelled = "cancelled"

	PaymentPending  = "pending"
	PaymentApproved = "approved"
)

type Reservation struct {
	ID             string
	CustomerName   string
	CustomerEmail  string
	CustomerPhone  string
	Service        string
	Address        string
	Date           string // YYYY-MM-DD, no timezone component
	Time           string // HH:MM, one of the template slots
	Status         string
	PaymentStatus  string
	SubscriptionID string
	CancelReason   string
	CancelledAt    *time.Time
	CreatedAt      time.Time
}
