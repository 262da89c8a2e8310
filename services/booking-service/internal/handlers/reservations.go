package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Salveishonn/wash-on-demand-eco-sub002/libs/events"
	"github.com/Salveishonn/wash-on-demand-eco-sub002/services/booking-service/internal/model"
	"github.com/Salveishonn/wash-on-demand-eco-sub002/services/booking-service/internal/schedule"
	"github.com/Salveishonn/wash-on-demand-eco-sub002/services/booking-service/internal/storage"
)

type ReservationsHandler struct {
	reservations ReservationStore
	outbox       EventOutbox
	logger       *slog.Logger
}

func NewReservationsHandler(reservations ReservationStore, outbox EventOutbox, logger *slog.Logger) *ReservationsHandler {
	return &ReservationsHandler{reservations: reservations, outbox: outbox, logger: logger}
}

type cancelReservationRequest struct {
	ReservationID string `json:"reservation_id"`
	Reason        string `json:"reason"`
}

type cancelReservationResponse struct {
	ReservationID string `json:"reservation_id"`
	Status        string `json:"status"`
	CancelledAt   string `json:"cancelled_at"`
}

func (h *ReservationsHandler) List(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	dateStr := strings.TrimSpace(r.URL.Query().Get("date"))
	if dateStr == "" {
		writeValidationError(w, "date is required")
		return
	}
	if _, err := schedule.ParseDate(dateStr); err != nil {
		writeValidationError(w, "date must be YYYY-MM-DD")
		return
	}

	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	list, err := h.reservations.ListByDate(r.Context(), dateStr, limit)
	if err != nil {
		h.logger.Error("reservation list failed", "date", dateStr, "err", err)
		writePersistenceError(w, "failed to list reservations")
		return
	}

	items := make([]reservationItem, 0, len(list))
	for _, res := range list {
		items = append(items, toReservationItem(res))
	}
	writeJSON(w, http.StatusOK, items)
}

// Cancel marks a reservation cancelled and frees its slot. Cancelling an
// already-cancelled reservation is a no-op that returns the recorded time.
func (h *ReservationsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req cancelReservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, "invalid json body")
		return
	}
	req.ReservationID = strings.TrimSpace(req.ReservationID)
	req.Reason = strings.TrimSpace(req.Reason)
	if req.ReservationID == "" {
		writeValidationError(w, "reservation_id is required")
		return
	}

	ctx := r.Context()
	tx, err := h.reservations.Begin(ctx)
	if err != nil {
		writePersistenceError(w, "db error")
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	res, err := h.reservations.GetForUpdate(ctx, tx, req.ReservationID)
	if err != nil {
		if storage.IsNotFound(err) {
			writeError(w, http.StatusNotFound, codeValidation, "reservation not found")
			return
		}
		writePersistenceError(w, "failed to load reservation")
		return
	}

	if res.Status == model.ReservationCancelled && res.CancelledAt != nil {
		writeJSON(w, http.StatusOK, cancelReservationResponse{
			ReservationID: res.ID,
			Status:        model.ReservationCancelled,
			CancelledAt:   res.CancelledAt.UTC().Format(time.RFC3339),
		})
		return
	}

	cancelledAt, err := h.reservations.Cancel(ctx, tx, res.ID, req.Reason)
	if err != nil {
		writePersistenceError(w, "failed to cancel reservation")
		return
	}

	payload, err := json.Marshal(map[string]any{
		"reservation_id":  res.ID,
		"date":            res.Date,
		"time":            res.Time,
		"subscription_id": res.SubscriptionID,
		"reason":          req.Reason,
		"cancelled_at":    cancelledAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		writePersistenceError(w, "failed to build cancellation event")
		return
	}
	if err := h.outbox.Insert(ctx, tx, events.Event{
		AggregateType: "reservation",
		AggregateID:   res.ID,
		EventType:     "booking.reservation.cancelled.v1",
		Payload:       payload,
	}); err != nil {
		writePersistenceError(w, "failed to record cancellation event")
		return
	}

	if err := tx.Commit(ctx); err != nil {
		writePersistenceError(w, "failed to commit")
		return
	}

	writeJSON(w, http.StatusOK, cancelReservationResponse{
		ReservationID: res.ID,
		Status:        model.ReservationCancelled,
		CancelledAt:   cancelledAt.UTC().Format(time.RFC3339),
	})
}
