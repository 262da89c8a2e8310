package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"

	"github.com/Salveishonn/wash-on-demand-eco-sub002/libs/events"
	"github.com/Salveishonn/wash-on-demand-eco-sub002/services/notification-service/internal/email"
	"github.com/Salveishonn/wash-on-demand-eco-sub002/services/notification-service/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

type fakeTx struct {
	pgx.Tx
	committed  bool
	rolledBack bool
}

func (f *fakeTx) Commit(ctx context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(ctx context.Context) error {
	if !f.committed {
		f.rolledBack = true
	}
	return nil
}

type stubPool struct {
	txs []*fakeTx
}

func (s *stubPool) Begin(ctx context.Context) (pgx.Tx, error) {
	tx := &fakeTx{}
	s.txs = append(s.txs, tx)
	return tx, nil
}

type stubStore struct {
	rows []storage.Notification
}

func (s *stubStore) Insert(ctx context.Context, n storage.Notification) error {
	s.rows = append(s.rows, n)
	return nil
}

type stubOutbox struct {
	events []events.Event
}

func (s *stubOutbox) Insert(ctx context.Context, tx pgx.Tx, evt events.Event) error {
	s.events = append(s.events, evt)
	return nil
}

type stubEmail struct {
	sent []email.Message
	err  error
}

func (s *stubEmail) Send(msg email.Message) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

type stubSMS struct {
	sent []struct{ to, body string }
	err  error
}

func (s *stubSMS) Send(ctx context.Context, to, body string) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, struct{ to, body string }{to, body})
	return nil
}

func (s *stubSMS) ProviderID() string { return "stub" }

func sampleEvent() ReservationEvent {
	return ReservationEvent{
		ReservationID: "res-42",
		CustomerName:  "Maja Olsen",
		CustomerEmail: "maja@example.com",
		CustomerPhone: "+4740000000",
		Service:       "exterior-wash",
		Address:       "Granveien 12, Oslo",
		Date:          "2026-09-04",
		Time:          "09:00",
	}
}

func newTestNotifier(pool *stubPool, store *stubStore, outbox *stubOutbox, em *stubEmail, sm *stubSMS) *Notifier {
	return New(pool, store, outbox, em, sm, testLogger(), "admin@washonwheels.local", "+4741111111")
}

func TestReservationCreatedSendsAll(t *testing.T) {
	pool := &stubPool{}
	store := &stubStore{}
	outbox := &stubOutbox{}
	em := &stubEmail{}
	sm := &stubSMS{}
	n := newTestNotifier(pool, store, outbox, em, sm)

	if err := n.HandleReservationCreated(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(em.sent) != 2 {
		t.Fatalf("expected 2 emails, got %d", len(em.sent))
	}
	if em.sent[0].To != "maja@example.com" {
		t.Fatalf("expected confirmation to customer, got %s", em.sent[0].To)
	}
	if !strings.Contains(em.sent[0].Body, "2026-09-04") || !strings.Contains(em.sent[0].Body, "09:00") {
		t.Fatalf("confirmation body missing slot: %q", em.sent[0].Body)
	}
	if em.sent[0].ReservationID != "res-42" {
		t.Fatalf("expected reservation id on message, got %q", em.sent[0].ReservationID)
	}
	if em.sent[1].To != "admin@washonwheels.local" {
		t.Fatalf("expected admin alert, got %s", em.sent[1].To)
	}
	if len(sm.sent) != 1 || sm.sent[0].to != "+4741111111" {
		t.Fatalf("expected admin sms, got %+v", sm.sent)
	}

	if len(store.rows) != 3 {
		t.Fatalf("expected 3 recorded notifications, got %d", len(store.rows))
	}
	for _, row := range store.rows {
		if row.Status != storage.StatusSent {
			t.Fatalf("expected status sent, got %s", row.Status)
		}
		if row.ReservationID != "res-42" {
			t.Fatalf("unexpected reservation id %s", row.ReservationID)
		}
	}

	if len(outbox.events) != 3 {
		t.Fatalf("expected 3 outbox events, got %d", len(outbox.events))
	}
	for _, evt := range outbox.events {
		if evt.EventType != "notification.sent.v1" {
			t.Fatalf("expected notification.sent.v1, got %s", evt.EventType)
		}
	}
	for _, tx := range pool.txs {
		if !tx.committed {
			t.Fatal("expected outbox tx to be committed")
		}
	}
}

func TestReservationCreatedEmailFailure(t *testing.T) {
	pool := &stubPool{}
	store := &stubStore{}
	outbox := &stubOutbox{}
	em := &stubEmail{err: errors.New("smtp: connection refused")}
	sm := &stubSMS{}
	n := newTestNotifier(pool, store, outbox, em, sm)

	if err := n.HandleReservationCreated(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// the sms path is independent of the failing email sender
	if len(sm.sent) != 1 {
		t.Fatalf("expected admin sms despite email failure, got %d", len(sm.sent))
	}

	var failed, sent int
	for _, evt := range outbox.events {
		switch evt.EventType {
		case "notification.failed.v1":
			failed++
			var payload map[string]any
			if err := json.Unmarshal(evt.Payload, &payload); err != nil {
				t.Fatalf("bad payload: %v", err)
			}
			if payload["error_reason"] != "smtp: connection refused" {
				t.Fatalf("expected error_reason in payload, got %v", payload["error_reason"])
			}
		case "notification.sent.v1":
			sent++
		}
	}
	if failed != 2 || sent != 1 {
		t.Fatalf("expected 2 failed and 1 sent event, got %d failed %d sent", failed, sent)
	}
}

func TestReservationCreatedSkipsBlankRecipients(t *testing.T) {
	pool := &stubPool{}
	store := &stubStore{}
	outbox := &stubOutbox{}
	em := &stubEmail{}
	sm := &stubSMS{}
	n := New(pool, store, outbox, em, sm, testLogger(), "", "")

	evt := sampleEvent()
	evt.CustomerEmail = ""
	if err := n.HandleReservationCreated(context.Background(), evt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(em.sent) != 0 || len(sm.sent) != 0 || len(store.rows) != 0 {
		t.Fatalf("expected no deliveries, got %d emails %d sms %d rows", len(em.sent), len(sm.sent), len(store.rows))
	}
}

func TestReservationCancelledAlertsAdmin(t *testing.T) {
	pool := &stubPool{}
	store := &stubStore{}
	outbox := &stubOutbox{}
	em := &stubEmail{}
	sm := &stubSMS{}
	n := newTestNotifier(pool, store, outbox, em, sm)

	evt := sampleEvent()
	evt.Reason = "customer request"
	if err := n.HandleReservationCancelled(context.Background(), evt); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(em.sent) != 1 {
		t.Fatalf("expected 1 email, got %d", len(em.sent))
	}
	if !strings.Contains(em.sent[0].Body, "customer request") {
		t.Fatalf("expected reason in body, got %q", em.sent[0].Body)
	}
	if len(store.rows) != 1 || store.rows[0].Kind != storage.KindCancellation {
		t.Fatalf("expected cancellation row, got %+v", store.rows)
	}
}

func TestConfirmationMessageSubscription(t *testing.T) {
	evt := sampleEvent()
	evt.SubscriptionID = "sub-9"
	_, body := ConfirmationMessage(evt)
	if !strings.Contains(body, "wash credit") {
		t.Fatalf("expected subscription mention, got %q", body)
	}
	if !strings.Contains(body, "exterior wash") {
		t.Fatalf("expected humanized service name, got %q", body)
	}
}
