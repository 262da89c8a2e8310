// Package handlers exposes the delivery log over HTTP so operators can see
// what was sent for a booking without digging through the mail relay.
package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Salveishonn/wash-on-demand-eco-sub002/services/notification-service/internal/storage"
)

type DeliveryLog interface {
	ListByReservation(ctx context.Context, reservationID string) ([]storage.Notification, error)
}

type DeliveriesHandler struct {
	log    DeliveryLog
	logger *slog.Logger
}

func NewDeliveriesHandler(log DeliveryLog, logger *slog.Logger) *DeliveriesHandler {
	return &DeliveriesHandler{log: log, logger: logger}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type deliveryItem struct {
	ID            string         `json:"id"`
	ReservationID string         `json:"reservation_id"`
	Kind          string         `json:"kind"`
	Channel       string         `json:"channel"`
	Recipient     string         `json:"recipient"`
	Payload       map[string]any `json:"payload,omitempty"`
	Status        string         `json:"status"`
	CreatedAt     string         `json:"created_at"`
}

func (h *DeliveriesHandler) List(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	reservationID := strings.TrimSpace(r.URL.Query().Get("reservation_id"))
	if reservationID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "reservation_id is required", Code: "validation_error"})
		return
	}

	rows, err := h.log.ListByReservation(r.Context(), reservationID)
	if err != nil {
		h.logger.Error("delivery log lookup failed", "reservation_id", reservationID, "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "failed to list notifications", Code: "persistence_error"})
		return
	}

	items := make([]deliveryItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, deliveryItem{
			ID:            row.ID,
			ReservationID: row.ReservationID,
			Kind:          row.Kind,
			Channel:       row.Channel,
			Recipient:     row.Recipient,
			Payload:       row.Payload,
			Status:        row.Status,
			CreatedAt:     row.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, items)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "failed to build response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
