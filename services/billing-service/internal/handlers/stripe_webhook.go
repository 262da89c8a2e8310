package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"

	"github.com/Salveishonn/wash-on-demand-eco-sub002/services/billing-service/internal/storage"
	"github.com/Salveishonn/wash-on-demand-eco-sub002/services/billing-service/internal/subscriptions"
)

// StripeWebhook handles Stripe events. No other auth applies to this path;
// signature verification is the auth.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.stripeWebhookSecret == "" {
		writeError(w, http.StatusServiceUnavailable, "not_configured", "stripe webhook not configured")
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "missing Stripe-Signature header")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1 MiB hard cap
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "failed to read request body")
		return
	}

	evt, err := webhook.ConstructEventWithTolerance(body, sigHeader, h.stripeWebhookSecret, h.stripeWebhookTolerance)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid signature")
		return
	}

	occurredAt := time.Unix(evt.Created, 0).UTC()
	evtType := string(evt.Type)
	h.logger.Info("billing provider event received",
		"provider", "stripe",
		"provider_event_id", evt.ID,
		"event_type", evtType,
		"occurred_at", occurredAt.Format(time.RFC3339),
	)

	tx, err := h.repo.Begin(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "persistence_error", "db error")
		return
	}
	defer func() { _ = tx.Rollback(r.Context()) }()

	// Idempotency: ignore replayed Stripe events.
	if err := h.repo.InsertProviderEvent(r.Context(), tx, storage.ProviderEvent{
		Provider:        "stripe",
		ProviderEventID: evt.ID,
		EventType:       evtType,
		Payload:         body,
	}); err != nil {
		if errors.Is(err, storage.ErrDuplicateProviderEvent) {
			h.logger.Info("billing provider event duplicate ignored", "provider", "stripe", "provider_event_id", evt.ID, "event_type", evtType)
			writeJSON(w, http.StatusOK, map[string]any{"status": "duplicate"})
			_ = tx.Commit(r.Context())
			return
		}
		writeError(w, http.StatusInternalServerError, "persistence_error", "failed to record provider event")
		return
	}

	switch evtType {
	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(evt.Data.Raw, &session); err != nil {
			h.logger.Error("stripe: invalid checkout session payload", "err", err)
			break
		}
		tier := strings.TrimSpace(strings.ToLower(session.Metadata["tier"]))
		if tier == "" {
			h.logger.Warn("stripe: missing tier metadata on checkout session")
			break
		}
		act := subscriptions.Activation{
			CustomerName:  strings.TrimSpace(session.Metadata["customer_name"]),
			CustomerEmail: strings.TrimSpace(session.Metadata["customer_email"]),
			Tier:          tier,
		}
		if act.CustomerEmail == "" && session.CustomerEmail != "" {
			act.CustomerEmail = session.CustomerEmail
		}
		if session.Customer != nil {
			act.StripeCustomerID = session.Customer.ID
		}
		if session.Subscription != nil {
			act.StripeSubscriptionID = session.Subscription.ID
		}
		sub, err := h.subSvc.ApplyActivated(r.Context(), tx, act, occurredAt)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "persistence_error", "failed to apply activation")
			return
		}
		_ = h.repo.MarkCheckoutSessionCompleted(r.Context(), tx, session.ID, occurredAt, sub.ID)

	case "checkout.session.expired":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(evt.Data.Raw, &session); err != nil {
			h.logger.Error("stripe: invalid checkout session payload", "err", err)
			break
		}
		_ = h.repo.MarkCheckoutSessionExpired(r.Context(), tx, session.ID, occurredAt)

	case "customer.subscription.updated":
		var sub stripe.Subscription
		if err := json.Unmarshal(evt.Data.Raw, &sub); err != nil {
			h.logger.Error("stripe: invalid subscription payload", "err", err)
			break
		}
		tier := strings.TrimSpace(strings.ToLower(sub.Metadata["tier"]))
		switch sub.Status {
		case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
			if tier == "" {
				h.logger.Warn("stripe: missing tier metadata on subscription")
				break
			}
			act := subscriptions.Activation{
				CustomerName:         strings.TrimSpace(sub.Metadata["customer_name"]),
				CustomerEmail:        strings.TrimSpace(sub.Metadata["customer_email"]),
				Tier:                 tier,
				StripeSubscriptionID: sub.ID,
			}
			if sub.Customer != nil {
				act.StripeCustomerID = sub.Customer.ID
			}
			if _, err := h.subSvc.ApplyActivated(r.Context(), tx, act, occurredAt); err != nil {
				writeError(w, http.StatusInternalServerError, "persistence_error", "failed to apply activation")
				return
			}
		case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid:
			if err := h.subSvc.ApplyStatus(r.Context(), tx, sub.ID, "payment_failed", occurredAt); err != nil {
				writeError(w, http.StatusInternalServerError, "persistence_error", "failed to apply status")
				return
			}
		case stripe.SubscriptionStatusPaused:
			if err := h.subSvc.ApplyStatus(r.Context(), tx, sub.ID, "paused", occurredAt); err != nil {
				writeError(w, http.StatusInternalServerError, "persistence_error", "failed to apply status")
				return
			}
		}

	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(evt.Data.Raw, &sub); err != nil {
			h.logger.Error("stripe: invalid subscription payload", "err", err)
			break
		}
		if err := h.subSvc.ApplyStatus(r.Context(), tx, sub.ID, "canceled", occurredAt); err != nil {
			writeError(w, http.StatusInternalServerError, "persistence_error", "failed to apply cancellation")
			return
		}

	case "invoice.payment_failed":
		var inv stripe.Invoice
		if err := json.Unmarshal(evt.Data.Raw, &inv); err != nil {
			h.logger.Error("stripe: invalid invoice payload", "err", err)
			break
		}
		if inv.Subscription == nil {
			break
		}
		if err := h.subSvc.ApplyStatus(r.Context(), tx, inv.Subscription.ID, "payment_failed", occurredAt); err != nil {
			writeError(w, http.StatusInternalServerError, "persistence_error", "failed to apply status")
			return
		}
	}

	if err := tx.Commit(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "persistence_error", "failed to commit")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
