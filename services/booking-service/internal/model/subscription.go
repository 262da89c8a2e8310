package model

import "time"

const (
	SubscriptionPending       = "pending"
	SubscriptionActive        = "active"
	SubscriptionPaused        = "paused"
	SubscriptionCanceled      = "canceled"
	SubscriptionPaymentFailed = "payment_failed"
)

// Subscription is the booking-side projection of billing's subscription
// state, maintained by consuming billing events. Wash redemption runs against
// this copy so the quota check and decrement are one atomic statement here.
type Subscription struct {
	ID                 string
	Tier               string
	Status             string
	WashesRemaining    int
	WashesUsedInCycle  int
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	UpdatedAt          time.Time
}
