package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Salveishonn/wash-on-demand-eco-sub002/libs/events"
	"github.com/Salveishonn/wash-on-demand-eco-sub002/services/booking-service/internal/model"
	"github.com/Salveishonn/wash-on-demand-eco-sub002/services/booking-service/internal/schedule"
	"github.com/Salveishonn/wash-on-demand-eco-sub002/services/booking-service/internal/storage"
)

type BookingHandler struct {
	reservations  ReservationStore
	subscriptions SubscriptionStore
	outbox        EventOutbox
	template      schedule.WeekTemplate
	logger        *slog.Logger
}

func NewBookingHandler(reservations ReservationStore, subscriptions SubscriptionStore, outbox EventOutbox, template schedule.WeekTemplate, logger *slog.Logger) *BookingHandler {
	return &BookingHandler{
		reservations:  reservations,
		subscriptions: subscriptions,
		outbox:        outbox,
		template:      template,
		logger:        logger,
	}
}

type createReservationRequest struct {
	CustomerName    string `json:"customer_name"`
	CustomerEmail   string `json:"customer_email"`
	CustomerPhone   string `json:"customer_phone"`
	Service         string `json:"service"`
	Address         string `json:"address"`
	Date            string `json:"date"`
	Time            string `json:"time"`
	UseSubscription bool   `json:"use_subscription"`
	SubscriptionID  string `json:"subscription_id"`
}

type reservationItem struct {
	ReservationID  string `json:"reservation_id"`
	CustomerName   string `json:"customer_name"`
	CustomerEmail  string `json:"customer_email"`
	CustomerPhone  string `json:"customer_phone"`
	Service        string `json:"service"`
	Address        string `json:"address,omitempty"`
	Date           string `json:"date"`
	Time           string `json:"time"`
	Status         string `json:"status"`
	PaymentStatus  string `json:"payment_status"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	CancelledAt    string `json:"cancelled_at,omitempty"`
	CreatedAt      string `json:"created_at"`
}

type createReservationResponse struct {
	Reservation reservationItem `json:"reservation"`
	Message     string          `json:"message"`
}

// Create admits a booking. Preconditions are checked in a fixed order so
// clients always get the most specific error: customer data, then service and
// slot shape, then schedule membership, then subscription state. The wash
// debit, the reservation insert, and the outbox events commit in one
// transaction; the slot-uniqueness index is the final arbiter under races.
func (h *BookingHandler) Create(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req createReservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "invalid json body")
		return
	}
	req.CustomerName = strings.TrimSpace(req.CustomerName)
	req.CustomerEmail = strings.TrimSpace(req.CustomerEmail)
	req.CustomerPhone = strings.TrimSpace(req.CustomerPhone)
	req.Service = strings.TrimSpace(req.Service)
	req.Address = strings.TrimSpace(req.Address)
	req.Date = strings.TrimSpace(req.Date)
	req.Time = strings.TrimSpace(req.Time)
	req.SubscriptionID = strings.TrimSpace(req.SubscriptionID)

	for _, f := range []struct{ name, value string }{
		{"customer_name", req.CustomerName},
		{"customer_email", req.CustomerEmail},
		{"customer_phone", req.CustomerPhone},
	} {
		if f.value == "" {
			writeValidationError(w, "missing customer data: "+f.name+" is required")
			return
		}
	}
	if req.Service == "" {
		writeValidationError(w, "service is required")
		return
	}

	date, err := schedule.ParseDate(req.Date)
	if err != nil {
		writeValidationError(w, "date must be YYYY-MM-DD")
		return
	}
	if h.template.Closed(date) {
		writeValidationError(w, "no service on the selected date")
		return
	}
	if !h.template.HasSlot(date, req.Time) {
		writeValidationError(w, "time is not an offered slot for the selected date")
		return
	}

	// Read the projection before opening the transaction so a stale or
	// exhausted subscription gets a precise error instead of a generic
	// redemption failure.
	if req.UseSubscription {
		if req.SubscriptionID == "" {
			writeValidationError(w, "subscription_id is required when use_subscription is set")
			return
		}
		sub, found, err := h.subscriptions.Get(r.Context(), req.SubscriptionID)
		if err != nil {
			writePersistenceError(w, "failed to load subscription")
			return
		}
		switch {
		case !found:
			writeQuotaError(w, http.StatusUnprocessableEntity, "subscription not found")
			return
		case sub.Status != model.SubscriptionActive:
			writeQuotaError(w, http.StatusUnprocessableEntity, "subscription is not active")
			return
		case sub.WashesRemaining <= 0:
			writeQuotaError(w, http.StatusUnprocessableEntity, "no washes remaining in the current cycle")
			return
		}
	}

	res := &model.Reservation{
		CustomerName:  req.CustomerName,
		CustomerEmail: req.CustomerEmail,
		CustomerPhone: req.CustomerPhone,
		Service:       req.Service,
		Address:       req.Address,
		Date:          req.Date,
		Time:          req.Time,
		Status:        model.ReservationPending,
		PaymentStatus: model.PaymentPending,
	}
	if req.UseSubscription {
		res.SubscriptionID = req.SubscriptionID
		res.Status = model.ReservationConfirmed
		res.PaymentStatus = model.PaymentApproved
	}

	ctx := r.Context()
	tx, err := h.reservations.Begin(ctx)
	if err != nil {
		writePersistenceError(w, "db error")
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	remaining := 0
	if req.UseSubscription {
		// Conditional debit: status and remaining credits are re-checked
		// inside the statement, so a concurrent booking cannot overdraw.
		rem, ok, err := h.subscriptions.RedeemWash(ctx, tx, req.SubscriptionID)
		if err != nil {
			writePersistenceError(w, "failed to redeem wash")
			return
		}
		if !ok {
			writeQuotaError(w, http.StatusUnprocessableEntity, "no washes remaining in the current cycle")
			return
		}
		remaining = rem
	}

	id, err := h.reservations.Create(ctx, tx, res)
	if err != nil {
		if storage.IsSlotTaken(err) {
			writeQuotaError(w, http.StatusConflict, "slot no longer available")
			return
		}
		h.logger.Error("reservation insert failed", "date", req.Date, "time", req.Time, "err", err)
		writePersistenceError(w, "failed to create reservation")
		return
	}
	res.ID = id

	if err := h.insertCreatedEvents(ctx, tx, res, remaining); err != nil {
		writePersistenceError(w, "failed to record booking event")
		return
	}

	if err := tx.Commit(ctx); err != nil {
		if storage.IsSlotTaken(err) {
			writeQuotaError(w, http.StatusConflict, "slot no longer available")
			return
		}
		writePersistenceError(w, "failed to commit")
		return
	}

	writeJSON(w, http.StatusCreated, createReservationResponse{
		Reservation: toReservationItem(*res),
		Message:     fmt.Sprintf("Booking received! We'll see you on %s at %s.", res.Date, res.Time),
	})
}

func (h *BookingHandler) insertCreatedEvents(ctx context.Context, tx pgx.Tx, res *model.Reservation, remaining int) error {
	payload, err := json.Marshal(map[string]any{
		"reservation_id":  res.ID,
		"customer_name":   res.CustomerName,
		"customer_email":  res.CustomerEmail,
		"customer_phone":  res.CustomerPhone,
		"service":         res.Service,
		"address":         res.Address,
		"date":            res.Date,
		"time":            res.Time,
		"status":          res.Status,
		"payment_status":  res.PaymentStatus,
		"subscription_id": res.SubscriptionID,
	})
	if err != nil {
		return err
	}
	if err := h.outbox.Insert(ctx, tx, events.Event{
		AggregateType: "reservation",
		AggregateID:   res.ID,
		EventType:     "booking.reservation.created.v1",
		Payload:       payload,
	}); err != nil {
		return err
	}

	if res.SubscriptionID == "" {
		return nil
	}
	redeemed, err := json.Marshal(map[string]any{
		"subscription_id":  res.SubscriptionID,
		"reservation_id":   res.ID,
		"date":             res.Date,
		"time":             res.Time,
		"washes_remaining": remaining,
	})
	if err != nil {
		return err
	}
	return h.outbox.Insert(ctx, tx, events.Event{
		AggregateType: "subscription",
		AggregateID:   res.SubscriptionID,
		EventType:     "booking.wash.redeemed.v1",
		Payload:       redeemed,
	})
}

func toReservationItem(res model.Reservation) reservationItem {
	item := reservationItem{
		ReservationID:  res.ID,
		CustomerName:   res.CustomerName,
		CustomerEmail:  res.CustomerEmail,
		CustomerPhone:  res.CustomerPhone,
		Service:        res.Service,
		Address:        res.Address,
		Date:           res.Date,
		Time:           res.Time,
		Status:         res.Status,
		PaymentStatus:  res.PaymentStatus,
		SubscriptionID: res.SubscriptionID,
	}
	if !res.CreatedAt.IsZero() {
		item.CreatedAt = res.CreatedAt.UTC().Format(time.RFC3339)
	}
	if res.CancelledAt != nil {
		item.CancelledAt = res.CancelledAt.UTC().Format(time.RFC3339)
	}
	return item
}
