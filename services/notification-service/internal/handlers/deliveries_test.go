package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Salveishonn/wash-on-demand-eco-sub002/services/notification-service/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

type stubLog struct {
	rows []storage.Notification
	err  error
	got  string
}

func (s *stubLog) ListByReservation(ctx context.Context, reservationID string) ([]storage.Notification, error) {
	s.got = reservationID
	return s.rows, s.err
}

func TestDeliveriesList(t *testing.T) {
	log := &stubLog{rows: []storage.Notification{
		{
			ID:            "9a1f",
			ReservationID: "res-42",
			Kind:          storage.KindConfirmation,
			Channel:       storage.ChannelEmail,
			Recipient:     "maja@example.com",
			Status:        storage.StatusSent,
			CreatedAt:     time.Date(2026, 9, 4, 8, 30, 0, 0, time.UTC),
		},
		{
			ID:            "9a20",
			ReservationID: "res-42",
			Kind:          storage.KindAdminAlert,
			Channel:       storage.ChannelSMS,
			Recipient:     "+4741111111",
			Status:        storage.StatusFailed,
			CreatedAt:     time.Date(2026, 9, 4, 8, 30, 1, 0, time.UTC),
		},
	}}
	h := NewDeliveriesHandler(log, testLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/notifications?reservation_id=res-42", nil)
	rec := httptest.NewRecorder()
	h.List(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if log.got != "res-42" {
		t.Fatalf("expected lookup by res-42, got %q", log.got)
	}
	var items []deliveryItem
	if err := json.Unmarshal(rec.Body.Bytes(), &items); err != nil {
		t.Fatalf("bad response: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].Channel != storage.ChannelEmail || items[0].Status != storage.StatusSent {
		t.Fatalf("unexpected first item: %+v", items[0])
	}
	if items[1].CreatedAt != "2026-09-04T08:30:01Z" {
		t.Fatalf("expected RFC3339 timestamp, got %q", items[1].CreatedAt)
	}
}

func TestDeliveriesListRequiresReservationID(t *testing.T) {
	h := NewDeliveriesHandler(&stubLog{}, testLogger())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/notifications", nil)
	rec := httptest.NewRecorder()
	h.List(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response: %v", err)
	}
	if resp.Code != "validation_error" {
		t.Fatalf("expected validation_error, got %q", resp.Code)
	}
}

func TestDeliveriesListStorageError(t *testing.T) {
	h := NewDeliveriesHandler(&stubLog{err: errors.New("conn refused")}, testLogger())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/notifications?reservation_id=res-42", nil)
	rec := httptest.NewRecorder()
	h.List(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestDeliveriesListMethodNotAllowed(t *testing.T) {
	h := NewDeliveriesHandler(&stubLog{}, testLogger())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/notifications?reservation_id=res-42", nil)
	rec := httptest.NewRecorder()
	h.List(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestDeliveriesListEmpty(t *testing.T) {
	h := NewDeliveriesHandler(&stubLog{}, testLogger())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/notifications?reservation_id=res-0", nil)
	rec := httptest.NewRecorder()
	h.List(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := rec.Body.String(); body != "[]" {
		t.Fatalf("expected empty array, got %q", body)
	}
}
