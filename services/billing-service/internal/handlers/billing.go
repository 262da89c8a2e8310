package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stripe/stripe-go/v79"
	checkoutsession "github.com/stripe/stripe-go/v79/checkout/session"
	stripesubscription "github.com/stripe/stripe-go/v79/subscription"

	"github.com/Salveishonn/wash-on-demand-eco-sub002/libs/events"
	"github.com/Salveishonn/wash-on-demand-eco-sub002/services/billing-service/internal/cycles"
	"github.com/Salveishonn/wash-on-demand-eco-sub002/services/billing-service/internal/plans"
	"github.com/Salveishonn/wash-on-demand-eco-sub002/services/billing-service/internal/storage"
	"github.com/Salveishonn/wash-on-demand-eco-sub002/services/billing-service/internal/subscriptions"
)

type Handler struct {
	repo                   *storage.Repository
	outbox                 *events.Outbox
	subSvc                 *subscriptions.Service
	generator              *cycles.Generator
	logger                 *slog.Logger
	stripeWebhookSecret    string
	stripeWebhookTolerance time.Duration
	stripeSecretKey        string
	stripePrices           map[string]string
	checkoutSuccessURL     string
	checkoutCancelURL      string
}

type Config struct {
	StripeWebhookSecret           string
	StripeWebhookToleranceSeconds int
	StripeSecretKey               string
	StripePriceLite               string
	StripePricePlus               string
	StripePricePro                string
	CheckoutSuccessURL            string
	CheckoutCancelURL             string
}

func New(repo *storage.Repository, outbox *events.Outbox, subSvc *subscriptions.Service, generator *cycles.Generator, logger *slog.Logger, cfg Config) *Handler {
	tolSeconds := cfg.StripeWebhookToleranceSeconds
	if tolSeconds <= 0 {
		tolSeconds = 300
	}
	return &Handler{
		repo:                   repo,
		outbox:                 outbox,
		subSvc:                 subSvc,
		generator:              generator,
		logger:                 logger,
		stripeWebhookSecret:    strings.TrimSpace(cfg.StripeWebhookSecret),
		stripeWebhookTolerance: time.Duration(tolSeconds) * time.Second,
		stripeSecretKey:        strings.TrimSpace(cfg.StripeSecretKey),
		stripePrices: map[string]string{
			plans.TierLite: strings.TrimSpace(cfg.StripePriceLite),
			plans.TierPlus: strings.TrimSpace(cfg.StripePricePlus),
			plans.TierPro:  strings.TrimSpace(cfg.StripePricePro),
		},
		checkoutSuccessURL: strings.TrimSpace(cfg.CheckoutSuccessURL),
		checkoutCancelURL:  strings.TrimSpace(cfg.CheckoutCancelURL),
	}
}

type checkoutRequest struct {
	Tier          string `json:"tier"`
	CustomerName  string `json:"customer_name"`
	CustomerEmail string `json:"customer_email"`
	SuccessURL    string `json:"success_url,omitempty"`
	CancelURL     string `json:"cancel_url,omitempty"`
}

// Checkout starts a Stripe subscription checkout for one of the wash plans.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.stripeSecretKey == "" {
		writeError(w, http.StatusInternalServerError, "not_configured", "stripe checkout not configured (STRIPE_SECRET_KEY missing)")
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid json body")
		return
	}
	tier := strings.TrimSpace(strings.ToLower(req.Tier))
	req.CustomerName = strings.TrimSpace(req.CustomerName)
	req.CustomerEmail = strings.TrimSpace(req.CustomerEmail)
	if !plans.Known(tier) {
		writeError(w, http.StatusBadRequest, "validation_error", "unsupported tier")
		return
	}
	if req.CustomerName == "" || req.CustomerEmail == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "customer_name and customer_email are required")
		return
	}

	priceID := h.stripePrices[tier]
	if priceID == "" {
		writeError(w, http.StatusInternalServerError, "not_configured", "stripe price id not configured for tier")
		return
	}

	successURL := strings.TrimSpace(req.SuccessURL)
	if successURL == "" {
		successURL = h.checkoutSuccessURL
	}
	cancelURL := strings.TrimSpace(req.CancelURL)
	if cancelURL == "" {
		cancelURL = h.checkoutCancelURL
	}
	if successURL == "" || cancelURL == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "success_url and cancel_url are required (or configure default URLs)")
		return
	}

	stripe.Key = h.stripeSecretKey

	params := &stripe.CheckoutSessionParams{
		Mode:          stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		SuccessURL:    stripe.String(successURL),
		CancelURL:     stripe.String(cancelURL),
		CustomerEmail: stripe.String(req.CustomerEmail),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: map[string]string{
			"customer_name":  req.CustomerName,
			"customer_email": req.CustomerEmail,
			"tier":           tier,
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{
				"customer_name":  req.CustomerName,
				"customer_email": req.CustomerEmail,
				"tier":           tier,
			},
		},
	}
	if idemKey := strings.TrimSpace(r.Header.Get("Idempotency-Key")); idemKey != "" {
		params.IdempotencyKey = stripe.String(idemKey)
	}

	sess, err := checkoutsession.New(params)
	if err != nil {
		h.logger.Error("stripe checkout session create failed", "err", err)
		writeError(w, http.StatusBadGateway, "persistence_error", "failed to create checkout session")
		return
	}

	tx, err := h.repo.Begin(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "persistence_error", "db error")
		return
	}
	defer func() { _ = tx.Rollback(r.Context()) }()
	if err := h.repo.UpsertCheckoutSession(r.Context(), tx, storage.CheckoutSession{
		StripeSessionID: sess.ID,
		CustomerName:    req.CustomerName,
		CustomerEmail:   req.CustomerEmail,
		Tier:            tier,
		Status:          "created",
		URL:             sess.URL,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, "persistence_error", "failed to persist checkout session")
		return
	}
	if err := tx.Commit(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "persistence_error", "failed to commit")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sess.ID,
		"url":        sess.URL,
	})
}

// CheckoutSessionStatus is public: Stripe redirects the customer back
// without auth. It returns non-sensitive state only.
func (h *Handler) CheckoutSessionStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "session_id is required")
		return
	}

	sess, err := h.repo.GetCheckoutSession(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "validation_error", "not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "persistence_error", "failed to load session")
		return
	}

	resp := map[string]any{
		"session_id": sess.StripeSessionID,
		"tier":       sess.Tier,
		"status":     sess.Status,
		"updated_at": sess.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if sess.SubscriptionID != "" {
		resp["subscription_id"] = sess.SubscriptionID
	}
	if sess.CompletedAt != nil {
		resp["completed_at"] = sess.CompletedAt.UTC().Format(time.RFC3339)
	}
	if sess.ExpiredAt != nil {
		resp["expired_at"] = sess.ExpiredAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) GetSubscriptions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if id := strings.TrimSpace(r.URL.Query().Get("subscription_id")); id != "" {
		sub, err := h.repo.GetSubscription(r.Context(), id)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				writeError(w, http.StatusNotFound, "validation_error", "subscription not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "persistence_error", "failed to load subscription")
			return
		}
		cyclesList, err := h.repo.ListCycles(r.Context(), id, 12)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "persistence_error", "failed to load cycles")
			return
		}
		writeJSON(w, http.StatusOK, subscriptionDetail(sub, cyclesList))
		return
	}

	status := strings.TrimSpace(r.URL.Query().Get("status"))
	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	subs, err := h.repo.ListSubscriptions(r.Context(), status, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "persistence_error", "failed to list subscriptions")
		return
	}
	items := make([]map[string]any, 0, len(subs))
	for _, sub := range subs {
		items = append(items, subscriptionItem(sub))
	}
	writeJSON(w, http.StatusOK, items)
}

type generateCyclesRequest struct {
	SubscriptionID string `json:"subscription_id,omitempty"` // omitted: every active subscription
	Month          string `json:"month,omitempty"`           // YYYY-MM, defaults to current
}

func cycleItem(c storage.Cycle) map[string]any {
	return map[string]any{
		"subscription_id": c.SubscriptionID,
		"cycle_month":     c.CycleMonth,
		"washes_granted":  c.WashesGranted,
		"period_start":    c.PeriodStart.UTC().Format(time.RFC3339),
		"period_end":      c.PeriodEnd.UTC().Format(time.RFC3339),
	}
}

// GenerateCycles grants the monthly wash allowance. With a subscription_id it
// targets one subscription and reports whether the cycle was newly created;
// without one it sweeps every active subscription. Safe to call repeatedly
// for the same month.
func (h *Handler) GenerateCycles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req generateCyclesRequest
	_ = json.NewDecoder(r.Body).Decode(&req) // optional body

	at := time.Now().UTC()
	if raw := strings.TrimSpace(req.Month); raw != "" {
		parsed, err := time.Parse(cycles.MonthFormat, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "month must be YYYY-MM")
			return
		}
		at = parsed
	}

	if id := strings.TrimSpace(req.SubscriptionID); id != "" {
		cycle, created, err := h.generator.Generate(r.Context(), id, at)
		if err != nil {
			if errors.Is(err, cycles.ErrSubscriptionNotFound) {
				writeError(w, http.StatusNotFound, "validation_error", "subscription not found")
				return
			}
			h.logger.Error("cycle generation failed", "err", err, "subscription_id", id)
			writeError(w, http.StatusInternalServerError, "persistence_error", "cycle generation failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"cycle":   cycleItem(cycle),
			"created": created,
		})
		return
	}

	generated, skipped, err := h.generator.GenerateAll(r.Context(), at, 1000)
	if err != nil {
		h.logger.Error("cycle generation failed", "err", err)
		writeError(w, http.StatusInternalServerError, "persistence_error", "cycle generation failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"month":     at.Format(cycles.MonthFormat),
		"generated": generated,
		"skipped":   skipped,
	})
}

type cancelSubscriptionRequest struct {
	SubscriptionID string `json:"subscription_id"`
}

func (h *Handler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.stripeSecretKey == "" {
		writeError(w, http.StatusInternalServerError, "not_configured", "stripe billing not configured (STRIPE_SECRET_KEY missing)")
		return
	}

	var req cancelSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid json body")
		return
	}
	req.SubscriptionID = strings.TrimSpace(req.SubscriptionID)
	if req.SubscriptionID == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "subscription_id is required")
		return
	}

	sub, err := h.repo.GetSubscription(r.Context(), req.SubscriptionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "validation_error", "subscription not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "persistence_error", "failed to load subscription")
		return
	}
	stripeSubID := strings.TrimSpace(sub.StripeSubscriptionID)
	if stripeSubID == "" {
		writeError(w, http.StatusConflict, "quota_error", "no stripe subscription id on record")
		return
	}

	idemKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if idemKey == "" {
		// Deterministic fallback prevents accidental duplicates when
		// clients don't send Idempotency-Key.
		idemKey = "cancel:" + sub.ID + ":" + stripeSubID
	}

	stripe.Key = h.stripeSecretKey
	cancelParams := &stripe.SubscriptionCancelParams{}
	cancelParams.IdempotencyKey = stripe.String(idemKey)

	if _, err := stripesubscription.Cancel(stripeSubID, cancelParams); err != nil {
		h.logger.Error("stripe subscription cancel failed", "err", err, "stripe_subscription_id", stripeSubID)
		writeError(w, http.StatusBadGateway, "persistence_error", "failed to cancel subscription")
		return
	}

	now := time.Now().UTC()
	tx, err := h.repo.Begin(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "persistence_error", "db error")
		return
	}
	defer func() { _ = tx.Rollback(r.Context()) }()

	payload, _ := json.Marshal(map[string]any{
		"subscription_id":        sub.ID,
		"stripe_subscription_id": stripeSubID,
		"idempotency_key":        idemKey,
		"canceled_at":            now.Format(time.RFC3339),
	})
	if err := h.repo.InsertProviderEvent(r.Context(), tx, storage.ProviderEvent{
		Provider:        "internal",
		ProviderEventID: idemKey,
		EventType:       "subscription.cancel",
		Payload:         payload,
	}); err != nil {
		if errors.Is(err, storage.ErrDuplicateProviderEvent) {
			writeJSON(w, http.StatusOK, map[string]any{"status": "duplicate"})
			_ = tx.Commit(r.Context())
			return
		}
		writeError(w, http.StatusInternalServerError, "persistence_error", "failed to record cancellation")
		return
	}

	if err := h.subSvc.ApplyStatus(r.Context(), tx, stripeSubID, "canceled", now); err != nil {
		writeError(w, http.StatusInternalServerError, "persistence_error", "failed to apply cancellation")
		return
	}

	if err := tx.Commit(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "persistence_error", "failed to commit")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func subscriptionItem(sub storage.Subscription) map[string]any {
	plan := plans.ForTier(sub.Tier)
	item := map[string]any{
		"subscription_id":  sub.ID,
		"customer_name":    sub.CustomerName,
		"customer_email":   sub.CustomerEmail,
		"tier":             sub.Tier,
		"status":           sub.Status,
		"washes_per_cycle": plan.WashesPerCycle,
		"created_at":       sub.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at":       sub.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if sub.CurrentPeriodStart != nil {
		item["current_period_start"] = sub.CurrentPeriodStart.UTC().Format(time.RFC3339)
	}
	if sub.CurrentPeriodEnd != nil {
		item["current_period_end"] = sub.CurrentPeriodEnd.UTC().Format(time.RFC3339)
	}
	return item
}

func subscriptionDetail(sub storage.Subscription, cyclesList []storage.Cycle) map[string]any {
	detail := subscriptionItem(sub)
	items := make([]map[string]any, 0, len(cyclesList))
	for _, c := range cyclesList {
		items = append(items, map[string]any{
			"cycle_month":    c.CycleMonth,
			"washes_granted": c.WashesGranted,
			"period_start":   c.PeriodStart.UTC().Format(time.RFC3339),
			"period_end":     c.PeriodEnd.UTC().Format(time.RFC3339),
		})
	}
	detail["cycles"] = items
	return detail
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errCode, msg string) {
	writeJSON(w, code, map[string]string{"error": msg, "code": errCode})
}
