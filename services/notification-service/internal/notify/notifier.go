// Package notify turns booking events into customer confirmations and admin
// alerts, records every delivery attempt, and reports the outcome on the bus.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Salveishonn/wash-on-demand-eco-sub002/libs/events"
	"github.com/Salveishonn/wash-on-demand-eco-sub002/services/notification-service/internal/email"
	"github.com/Salveishonn/wash-on-demand-eco-sub002/services/notification-service/internal/sms"
	"github.com/Salveishonn/wash-on-demand-eco-sub002/services/notification-service/internal/storage"
)

type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type NotificationStore interface {
	Insert(ctx context.Context, n storage.Notification) error
}

type EventOutbox interface {
	Insert(ctx context.Context, tx pgx.Tx, evt events.Event) error
}

type ReservationEvent struct {
	ReservationID  string `json:"reservation_id"`
	CustomerName   string `json:"customer_name"`
	CustomerEmail  string `json:"customer_email"`
	CustomerPhone  string `json:"customer_phone"`
	Service        string `json:"service"`
	Address        string `json:"address"`
	Date           string `json:"date"`
	Time           string `json:"time"`
	SubscriptionID string `json:"subscription_id"`
	Reason         string `json:"reason"`
}

type Notifier struct {
	pool       TxBeginner
	repo       NotificationStore
	outbox     EventOutbox
	email      email.Sender
	sms        sms.Sender
	logger     *slog.Logger
	adminEmail string
	adminPhone string
}

func New(pool TxBeginner, repo NotificationStore, outbox EventOutbox, emailSender email.Sender, smsSender sms.Sender, logger *slog.Logger, adminEmail, adminPhone string) *Notifier {
	return &Notifier{
		pool:       pool,
		repo:       repo,
		outbox:     outbox,
		email:      emailSender,
		sms:        smsSender,
		logger:     logger,
		adminEmail: strings.TrimSpace(adminEmail),
		adminPhone: strings.TrimSpace(adminPhone),
	}
}

// HandleReservationCreated confirms the booking to the customer and alerts
// the operator. Deliveries are independent: a failed admin SMS does not
// block the customer confirmation.
func (n *Notifier) HandleReservationCreated(ctx context.Context, evt ReservationEvent) error {
	if evt.ReservationID == "" || evt.Date == "" || evt.Time == "" {
		n.logger.Error("missing reservation fields in event")
		return nil
	}

	if evt.CustomerEmail != "" {
		subject, body := ConfirmationMessage(evt)
		n.deliverEmail(ctx, evt, storage.KindConfirmation, evt.CustomerEmail, subject, body)
	}
	if n.adminEmail != "" {
		subject, body := AdminAlertMessage(evt)
		n.deliverEmail(ctx, evt, storage.KindAdminAlert, n.adminEmail, subject, body)
	}
	if n.adminPhone != "" {
		n.deliverSMS(ctx, evt, storage.KindAdminAlert, n.adminPhone, AdminAlertSMS(evt))
	}
	return nil
}

// HandleReservationCancelled alerts the operator that a slot opened up.
func (n *Notifier) HandleReservationCancelled(ctx context.Context, evt ReservationEvent) error {
	if evt.ReservationID == "" {
		return nil
	}
	if n.adminEmail != "" {
		subject, body := CancellationMessage(evt)
		n.deliverEmail(ctx, evt, storage.KindCancellation, n.adminEmail, subject, body)
	}
	return nil
}

// ConfirmationMessage builds the customer-facing booking confirmation.
func ConfirmationMessage(evt ReservationEvent) (subject, body string) {
	subject = "Your wash is booked"
	greeting := "Hi"
	if evt.CustomerName != "" {
		greeting = "Hi " + evt.CustomerName
	}
	body = fmt.Sprintf("%s,\n\nYour %s is confirmed for %s at %s.", greeting, serviceLabel(evt.Service), evt.Date, evt.Time)
	if evt.Address != "" {
		body += fmt.Sprintf("\nWe'll come to: %s.", evt.Address)
	}
	if evt.SubscriptionID != "" {
		body += "\nOne wash credit was used from your subscription."
	}
	body += "\n\nSee you soon!"
	return subject, body
}

// AdminAlertMessage builds the operator notification for a new booking.
func AdminAlertMessage(evt ReservationEvent) (subject, body string) {
	subject = fmt.Sprintf("New booking: %s %s", evt.Date, evt.Time)
	body = fmt.Sprintf("Reservation %s\nCustomer: %s (%s, %s)\nService: %s\nSlot: %s %s",
		evt.ReservationID, evt.CustomerName, evt.CustomerEmail, evt.CustomerPhone,
		serviceLabel(evt.Service), evt.Date, evt.Time)
	if evt.Address != "" {
		body += "\nAddress: " + evt.Address
	}
	if evt.SubscriptionID != "" {
		body += "\nPaid with subscription " + evt.SubscriptionID
	}
	return subject, body
}

func AdminAlertSMS(evt ReservationEvent) string {
	return fmt.Sprintf("New booking %s %s: %s (%s)", evt.Date, evt.Time, evt.CustomerName, serviceLabel(evt.Service))
}

// CancellationMessage builds the operator notification for a cancellation.
func CancellationMessage(evt ReservationEvent) (subject, body string) {
	subject = fmt.Sprintf("Booking cancelled: %s %s", evt.Date, evt.Time)
	body = fmt.Sprintf("Reservation %s was cancelled; the %s %s slot is open again.", evt.ReservationID, evt.Date, evt.Time)
	if evt.Reason != "" {
		body += "\nReason: " + evt.Reason
	}
	return subject, body
}

func serviceLabel(service string) string {
	if service == "" {
		return "wash"
	}
	return strings.ReplaceAll(service, "-", " ")
}

func (n *Notifier) deliverEmail(ctx context.Context, evt ReservationEvent, kind, recipient, subject, body string) {
	status := storage.StatusSent
	reason := ""
	err := n.email.Send(email.Message{
		To:            recipient,
		Subject:       subject,
		Body:          body,
		ReservationID: evt.ReservationID,
	})
	if err != nil {
		status = storage.StatusFailed
		reason = err.Error()
		n.logger.Error("email send failed", "err", err, "recipient", recipient, "kind", kind)
	}
	n.record(ctx, evt, kind, storage.ChannelEmail, recipient, status, reason, "smtp")
}

func (n *Notifier) deliverSMS(ctx context.Context, evt ReservationEvent, kind, recipient, body string) {
	status := storage.StatusSent
	reason := ""
	if err := n.sms.Send(ctx, recipient, body); err != nil {
		status = storage.StatusFailed
		reason = err.Error()
		n.logger.Error("sms send failed", "err", err, "recipient", recipient, "kind", kind)
	}
	n.record(ctx, evt, kind, storage.ChannelSMS, recipient, status, reason, n.sms.ProviderID())
}

func (n *Notifier) record(ctx context.Context, evt ReservationEvent, kind, channel, recipient, status, reason, providerID string) {
	if err := n.repo.Insert(ctx, storage.Notification{
		ReservationID: evt.ReservationID,
		Kind:          kind,
		Channel:       channel,
		Recipient:     recipient,
		Payload:       map[string]any{"date": evt.Date, "time": evt.Time, "service": evt.Service},
		Status:        status,
	}); err != nil {
		n.logger.Error("failed to persist notification", "err", err)
	}

	eventType := "notification.sent.v1"
	fields := map[string]any{
		"reservation_id": evt.ReservationID,
		"kind":           kind,
		"channel":        channel,
		"provider_id":    providerID,
	}
	if status == storage.StatusFailed {
		eventType = "notification.failed.v1"
		fields["error_reason"] = reason
		fields["failed_at"] = time.Now().UTC().Format(time.RFC3339)
	} else {
		fields["sent_at"] = time.Now().UTC().Format(time.RFC3339)
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		n.logger.Error("failed to build notification event", "err", err)
		return
	}

	tx, err := n.pool.Begin(ctx)
	if err != nil {
		n.logger.Error("failed to open tx for notification event", "err", err)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := n.outbox.Insert(ctx, tx, events.Event{
		AggregateType: "notification",
		AggregateID:   evt.ReservationID,
		EventType:     eventType,
		Payload:       payload,
	}); err != nil {
		n.logger.Error("failed to enqueue notification event", "err", err)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		n.logger.Error("failed to commit notification event", "err", err)
	}
}
