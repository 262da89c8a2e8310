package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Salveishonn/wash-on-demand-eco-sub002/libs/events"
	"github.com/Salveishonn/wash-on-demand-eco-sub002/services/booking-service/internal/model"
	"github.com/Salveishonn/wash-on-demand-eco-sub002/services/booking-service/internal/schedule"
)

var testLogger = slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// fakeTx satisfies pgx.Tx through embedding; only Commit and Rollback are
// exercised by the handlers.
type fakeTx struct {
	pgx.Tx
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Commit(context.Context) error { t.committed = true; return nil }
func (t *fakeTx) Rollback(context.Context) error {
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}

type stubReservations struct {
	tx            *fakeTx
	occupied      map[string]bool
	occupiedRange map[string]map[string]bool
	occupiedErr   error

	createID  string
	createErr error
	created   []*model.Reservation

	listed  []model.Reservation
	listErr error

	getRes model.Reservation
	getErr error

	cancelledAt time.Time
	cancelErr   error
}

func (s *stubReservations) Begin(context.Context) (pgx.Tx, error) {
	s.tx = &fakeTx{}
	return s.tx, nil
}

func (s *stubReservations) Create(_ context.Context, _ pgx.Tx, res *model.Reservation) (string, error) {
	if s.createErr != nil {
		return "", s.createErr
	}
	s.created = append(s.created, res)
	return s.createID, nil
}

func (s *stubReservations) OccupiedTimes(context.Context, string) (map[string]bool, error) {
	return s.occupied, s.occupiedErr
}

func (s *stubReservations) OccupiedTimesInRange(context.Context, string, string) (map[string]map[string]bool, error) {
	return s.occupiedRange, s.occupiedErr
}

func (s *stubReservations) ListByDate(context.Context, string, int) ([]model.Reservation, error) {
	return s.listed, s.listErr
}

func (s *stubReservations) GetForUpdate(context.Context, pgx.Tx, string) (model.Reservation, error) {
	return s.getRes, s.getErr
}

func (s *stubReservations) Cancel(context.Context, pgx.Tx, string, string) (time.Time, error) {
	return s.cancelledAt, s.cancelErr
}

type stubSubscriptions struct {
	sub    model.Subscription
	found  bool
	getErr error

	redeemRemaining int
	redeemOK        bool
	redeemErr       error
	redeemCalls     int
}

func (s *stubSubscriptions) Get(context.Context, string) (model.Subscription, bool, error) {
	return s.sub, s.found, s.getErr
}

func (s *stubSubscriptions) RedeemWash(context.Context, pgx.Tx, string) (int, bool, error) {
	s.redeemCalls++
	return s.redeemRemaining, s.redeemOK, s.redeemErr
}

type stubOutbox struct {
	events    []events.Event
	insertErr error
}

func (s *stubOutbox) Insert(_ context.Context, _ pgx.Tx, evt events.Event) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	s.events = append(s.events, evt)
	return nil
}

func decodeError(t *testing.T, rw *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	if err := json.Unmarshal(rw.Body.Bytes(), &resp); err != nil {
		t.Fatalf("error body is not json: %v (%s)", err, rw.Body.String())
	}
	return resp
}

func TestAvailabilityRejectsMalformedDate(t *testing.T) {
	h := NewAvailabilityHandler(&stubReservations{}, schedule.Default(), testLogger)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/public/availability?date=31-12-2026", nil)
	rw := httptest.NewRecorder()
	h.Get(rw, req)
	if rw.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rw.Code)
	}
	if resp := decodeError(t, rw); resp.Code != "validation_error" {
		t.Fatalf("expected validation_error, got %q", resp.Code)
	}
}

func TestAvailabilityClosedDay(t *testing.T) {
	repo := &stubReservations{occupiedErr: context.DeadlineExceeded}
	h := NewAvailabilityHandler(repo, schedule.Default(), testLogger)

	// 2026-09-06 is a Sunday; the repository must not be queried at all.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/public/availability?date=2026-09-06", nil)
	rw := httptest.NewRecorder()
	h.Get(rw, req)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rw.Code, rw.Body.String())
	}
	var day struct {
		Closed     bool `json:"closed"`
		TotalSlots int  `json:"total_slots"`
	}
	if err := json.Unmarshal(rw.Body.Bytes(), &day); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if !day.Closed || day.TotalSlots != 0 {
		t.Fatalf("expected closed day with zero slots, got %+v", day)
	}
}

func TestAvailabilitySaturdayCountsBookedSlot(t *testing.T) {
	repo := &stubReservations{occupied: map[string]bool{"09:00": true}}
	h := NewAvailabilityHandler(repo, schedule.Default(), testLogger)

	// 2026-09-05 is a Saturday.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/public/availability?date=2026-09-05", nil)
	rw := httptest.NewRecorder()
	h.Get(rw, req)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Code)
	}
	var day struct {
		TotalSlots     int `json:"total_slots"`
		AvailableSlots int `json:"available_slots"`
		Slots          []struct {
			Time   string `json:"time"`
			Status string `json:"status"`
		} `json:"slots"`
	}
	if err := json.Unmarshal(rw.Body.Bytes(), &day); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if day.TotalSlots != 4 || day.AvailableSlots != 3 {
		t.Fatalf("expected 4 total / 3 available, got %d/%d", day.TotalSlots, day.AvailableSlots)
	}
	for _, s := range day.Slots {
		want := "available"
		if s.Time == "09:00" {
			want = "booked"
		}
		if s.Status != want {
			t.Fatalf("slot %s: expected %s, got %s", s.Time, want, s.Status)
		}
	}
}

func TestAvailabilityRangeValidation(t *testing.T) {
	h := NewAvailabilityHandler(&stubReservations{}, schedule.Default(), testLogger)

	cases := []struct {
		name string
		url  string
	}{
		{"missing params", "/api/v1/public/availability"},
		{"oversized range", "/api/v1/public/availability?from=2026-01-01&to=2026-12-31"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rw := httptest.NewRecorder()
			h.Get(rw, httptest.NewRequest(http.MethodGet, tc.url, nil))
			if rw.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rw.Code)
			}
		})
	}
}

func TestAvailabilityInvertedRangeIsEmpty(t *testing.T) {
	h := NewAvailabilityHandler(&stubReservations{}, schedule.Default(), testLogger)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/public/availability?from=2026-09-10&to=2026-09-01", nil)
	rw := httptest.NewRecorder()
	h.Get(rw, req)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Code)
	}
	if body := strings.TrimSpace(rw.Body.String()); body != "[]" {
		t.Fatalf("expected empty list, got %q", body)
	}
}

func TestAvailabilityRange(t *testing.T) {
	repo := &stubReservations{occupiedRange: map[string]map[string]bool{
		"2026-09-05": {"08:00": true},
	}}
	h := NewAvailabilityHandler(repo, schedule.Default(), testLogger)

	// Friday through Sunday: open, open, closed.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/public/availability?from=2026-09-04&to=2026-09-06", nil)
	rw := httptest.NewRecorder()
	h.Get(rw, req)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Code)
	}
	var days []struct {
		Date           string `json:"date"`
		Closed         bool   `json:"closed"`
		AvailableSlots int    `json:"available_slots"`
	}
	if err := json.Unmarshal(rw.Body.Bytes(), &days); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if len(days) != 3 {
		t.Fatalf("expected 3 days, got %d", len(days))
	}
	if days[0].Date != "2026-09-04" || days[0].AvailableSlots != 10 {
		t.Fatalf("unexpected friday: %+v", days[0])
	}
	if days[1].AvailableSlots != 3 {
		t.Fatalf("expected saturday with 3 free slots, got %+v", days[1])
	}
	if !days[2].Closed {
		t.Fatalf("expected sunday closed, got %+v", days[2])
	}
}

func validCreateBody() map[string]any {
	return map[string]any{
		"customer_name":  "Dana Fisher",
		"customer_email": "dana@example.com",
		"customer_phone": "+972501234567",
		"service":        "exterior-eco-wash",
		"address":        "12 Herzl St, Tel Aviv",
		"date":           "2026-09-05",
		"time":           "09:00",
	}
}

func postBooking(t *testing.T, h *BookingHandler, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/public/bookings", strings.NewReader(string(raw)))
	rw := httptest.NewRecorder()
	h.Create(rw, req)
	return rw
}

func TestCreateBookingValidation(t *testing.T) {
	h := NewBookingHandler(&stubReservations{}, &stubSubscriptions{}, &stubOutbox{}, schedule.Default(), testLogger)

	cases := []struct {
		name     string
		mutate   func(map[string]any)
		contains string
	}{
		{"missing name", func(b map[string]any) { b["customer_name"] = " " }, "missing customer data"},
		{"missing email", func(b map[string]any) { delete(b, "customer_email") }, "missing customer data"},
		{"missing phone", func(b map[string]any) { b["customer_phone"] = "" }, "missing customer data"},
		{"missing service", func(b map[string]any) { b["service"] = "" }, "service is required"},
		{"malformed date", func(b map[string]any) { b["date"] = "09/05/2026" }, "YYYY-MM-DD"},
		{"closed day", func(b map[string]any) { b["date"] = "2026-09-06" }, "no service"},
		{"unknown slot", func(b map[string]any) { b["time"] = "13:00" }, "not an offered slot"},
		{"half hour slot", func(b map[string]any) { b["time"] = "09:30" }, "not an offered slot"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := validCreateBody()
			tc.mutate(body)
			rw := postBooking(t, h, body)
			if rw.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rw.Code, rw.Body.String())
			}
			resp := decodeError(t, rw)
			if resp.Code != "validation_error" {
				t.Fatalf("expected validation_error, got %q", resp.Code)
			}
			if !strings.Contains(resp.Error, tc.contains) {
				t.Fatalf("expected message containing %q, got %q", tc.contains, resp.Error)
			}
		})
	}
}

func TestCreateBookingPayPerWash(t *testing.T) {
	repo := &stubReservations{createID: "res-1"}
	subs := &stubSubscriptions{}
	out := &stubOutbox{}
	h := NewBookingHandler(repo, subs, out, schedule.Default(), testLogger)

	rw := postBooking(t, h, validCreateBody())
	if rw.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rw.Code, rw.Body.String())
	}

	var resp createReservationResponse
	if err := json.Unmarshal(rw.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if resp.Reservation.ReservationID != "res-1" {
		t.Fatalf("expected reservation id res-1, got %q", resp.Reservation.ReservationID)
	}
	if resp.Reservation.Status != "pending" || resp.Reservation.PaymentStatus != "pending" {
		t.Fatalf("expected pending/pending, got %s/%s", resp.Reservation.Status, resp.Reservation.PaymentStatus)
	}
	if !strings.Contains(resp.Message, "2026-09-05") || !strings.Contains(resp.Message, "09:00") {
		t.Fatalf("confirmation message missing slot details: %q", resp.Message)
	}

	if subs.redeemCalls != 0 {
		t.Fatalf("pay-per-wash booking must not touch subscriptions, got %d redeem calls", subs.redeemCalls)
	}
	if len(out.events) != 1 || out.events[0].EventType != "booking.reservation.created.v1" {
		t.Fatalf("expected a single created event, got %+v", out.events)
	}
	if !repo.tx.committed {
		t.Fatal("expected transaction commit")
	}
}

func TestCreateBookingWithSubscription(t *testing.T) {
	repo := &stubReservations{createID: "res-2"}
	subs := &stubSubscriptions{
		sub:             model.Subscription{ID: "sub-1", Status: model.SubscriptionActive, WashesRemaining: 2},
		found:           true,
		redeemRemaining: 1,
		redeemOK:        true,
	}
	out := &stubOutbox{}
	h := NewBookingHandler(repo, subs, out, schedule.Default(), testLogger)

	body := validCreateBody()
	body["use_subscription"] = true
	body["subscription_id"] = "sub-1"
	rw := postBooking(t, h, body)
	if rw.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rw.Code, rw.Body.String())
	}

	var resp createReservationResponse
	if err := json.Unmarshal(rw.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if resp.Reservation.Status != "confirmed" || resp.Reservation.PaymentStatus != "approved" {
		t.Fatalf("expected confirmed/approved, got %s/%s", resp.Reservation.Status, resp.Reservation.PaymentStatus)
	}
	if subs.redeemCalls != 1 {
		t.Fatalf("expected one redeem call, got %d", subs.redeemCalls)
	}
	if len(out.events) != 2 {
		t.Fatalf("expected created + redeemed events, got %d", len(out.events))
	}
	if out.events[1].EventType != "booking.wash.redeemed.v1" {
		t.Fatalf("expected wash redeemed event, got %q", out.events[1].EventType)
	}
	var redeemed struct {
		WashesRemaining int `json:"washes_remaining"`
	}
	if err := json.Unmarshal(out.events[1].Payload, &redeemed); err != nil {
		t.Fatalf("bad redeemed payload: %v", err)
	}
	if redeemed.WashesRemaining != 1 {
		t.Fatalf("expected 1 wash remaining in event, got %d", redeemed.WashesRemaining)
	}
}

func TestCreateBookingSubscriptionQuota(t *testing.T) {
	cases := []struct {
		name string
		subs *stubSubscriptions
		want string
	}{
		{"unknown subscription", &stubSubscriptions{found: false}, "subscription not found"},
		{
			"paused subscription",
			&stubSubscriptions{sub: model.Subscription{Status: model.SubscriptionPaused, WashesRemaining: 3}, found: true},
			"not active",
		},
		{
			"exhausted quota",
			&stubSubscriptions{sub: model.Subscription{Status: model.SubscriptionActive, WashesRemaining: 0}, found: true},
			"no washes remaining",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewBookingHandler(&stubReservations{}, tc.subs, &stubOutbox{}, schedule.Default(), testLogger)
			body := validCreateBody()
			body["use_subscription"] = true
			body["subscription_id"] = "sub-x"
			rw := postBooking(t, h, body)
			if rw.Code != http.StatusUnprocessableEntity {
				t.Fatalf("expected 422, got %d: %s", rw.Code, rw.Body.String())
			}
			resp := decodeError(t, rw)
			if resp.Code != "quota_error" {
				t.Fatalf("expected quota_error, got %q", resp.Code)
			}
			if !strings.Contains(resp.Error, tc.want) {
				t.Fatalf("expected message containing %q, got %q", tc.want, resp.Error)
			}
		})
	}
}

func TestCreateBookingLosesRedeemRace(t *testing.T) {
	// The projection read says one credit remains, but the conditional
	// update finds none: a concurrent booking won the last wash.
	repo := &stubReservations{createID: "res-3"}
	subs := &stubSubscriptions{
		sub:      model.Subscription{ID: "sub-1", Status: model.SubscriptionActive, WashesRemaining: 1},
		found:    true,
		redeemOK: false,
	}
	h := NewBookingHandler(repo, subs, &stubOutbox{}, schedule.Default(), testLogger)

	body := validCreateBody()
	body["use_subscription"] = true
	body["subscription_id"] = "sub-1"
	rw := postBooking(t, h, body)
	if rw.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rw.Code)
	}
	if len(repo.created) != 0 {
		t.Fatal("reservation must not be created when the debit fails")
	}
	if !repo.tx.rolledBack {
		t.Fatal("expected transaction rollback")
	}
}

func TestCreateBookingSlotConflict(t *testing.T) {
	repo := &stubReservations{createErr: &pgconn.PgError{Code: "23505", ConstraintName: "reservations_slot_taken"}}
	h := NewBookingHandler(repo, &stubSubscriptions{}, &stubOutbox{}, schedule.Default(), testLogger)

	rw := postBooking(t, h, validCreateBody())
	if rw.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rw.Code, rw.Body.String())
	}
	resp := decodeError(t, rw)
	if resp.Code != "quota_error" {
		t.Fatalf("expected quota_error, got %q", resp.Code)
	}
	if !strings.Contains(resp.Error, "slot no longer available") {
		t.Fatalf("unexpected message %q", resp.Error)
	}
}

func TestListReservations(t *testing.T) {
	cancelled := time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)
	repo := &stubReservations{listed: []model.Reservation{
		{ID: "res-1", CustomerName: "Dana", Date: "2026-09-05", Time: "08:00", Status: "confirmed", PaymentStatus: "approved", CreatedAt: cancelled},
		{ID: "res-2", CustomerName: "Omer", Date: "2026-09-05", Time: "09:00", Status: "cancelled", PaymentStatus: "pending", CancelledAt: &cancelled, CreatedAt: cancelled},
	}}
	h := NewReservationsHandler(repo, &stubOutbox{}, testLogger)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/reservations?date=2026-09-05", nil)
	rw := httptest.NewRecorder()
	h.List(rw, req)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Code)
	}
	var items []reservationItem
	if err := json.Unmarshal(rw.Body.Bytes(), &items); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 reservations, got %d", len(items))
	}
	if items[1].CancelledAt == "" {
		t.Fatal("expected cancelled_at on cancelled reservation")
	}
}

func TestCancelReservation(t *testing.T) {
	cancelledAt := time.Date(2026, 9, 2, 14, 30, 0, 0, time.UTC)
	repo := &stubReservations{
		getRes:      model.Reservation{ID: "res-1", Date: "2026-09-05", Time: "09:00", Status: "confirmed", SubscriptionID: "sub-1"},
		cancelledAt: cancelledAt,
	}
	out := &stubOutbox{}
	h := NewReservationsHandler(repo, out, testLogger)

	body := `{"reservation_id":"res-1","reason":"customer request"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/reservations/cancel", strings.NewReader(body))
	rw := httptest.NewRecorder()
	h.Cancel(rw, req)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rw.Code, rw.Body.String())
	}
	var resp cancelReservationResponse
	if err := json.Unmarshal(rw.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if resp.Status != "cancelled" || resp.CancelledAt != "2026-09-02T14:30:00Z" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if len(out.events) != 1 || out.events[0].EventType != "booking.reservation.cancelled.v1" {
		t.Fatalf("expected cancellation event, got %+v", out.events)
	}
	if !repo.tx.committed {
		t.Fatal("expected commit")
	}
}

func TestCancelReservationIdempotent(t *testing.T) {
	cancelledAt := time.Date(2026, 9, 2, 14, 30, 0, 0, time.UTC)
	repo := &stubReservations{
		getRes: model.Reservation{ID: "res-1", Status: "cancelled", CancelledAt: &cancelledAt},
	}
	out := &stubOutbox{}
	h := NewReservationsHandler(repo, out, testLogger)

	body := `{"reservation_id":"res-1"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/reservations/cancel", strings.NewReader(body))
	rw := httptest.NewRecorder()
	h.Cancel(rw, req)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rw.Code)
	}
	if len(out.events) != 0 {
		t.Fatal("repeat cancel must not emit another event")
	}
}
