package handlers

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTestHandler(cfg Config) *Handler {
	return New(nil, nil, nil, nil, testLogger(), cfg)
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) (message, code string) {
	t.Helper()
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("invalid error body: %v", err)
	}
	return body.Error, body.Code
}

func TestCheckoutNotConfigured(t *testing.T) {
	h := newTestHandler(Config{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout", strings.NewReader(`{"tier":"lite"}`))
	rec := httptest.NewRecorder()
	h.Checkout(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if _, code := decodeError(t, rec); code != "not_configured" {
		t.Fatalf("expected not_configured, got %s", code)
	}
}

func TestCheckoutValidation(t *testing.T) {
	h := newTestHandler(Config{StripeSecretKey: "sk_test_x"})
	cases := []struct {
		name string
		body string
	}{
		{"unknown tier", `{"tier":"mega","customer_name":"A","customer_email":"a@b.c"}`},
		{"missing customer", `{"tier":"lite"}`},
		{"bad json", `{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			h.Checkout(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if _, code := decodeError(t, rec); code != "validation_error" {
				t.Fatalf("expected validation_error, got %s", code)
			}
		})
	}
}

func TestCheckoutMissingPriceID(t *testing.T) {
	h := newTestHandler(Config{StripeSecretKey: "sk_test_x", StripePriceLite: "price_x"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout",
		strings.NewReader(`{"tier":"pro","customer_name":"A","customer_email":"a@b.c"}`))
	rec := httptest.NewRecorder()
	h.Checkout(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if _, code := decodeError(t, rec); code != "not_configured" {
		t.Fatalf("expected not_configured, got %s", code)
	}
}

func TestStripeWebhookNotConfigured(t *testing.T) {
	h := newTestHandler(Config{})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	h.StripeWebhook(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestStripeWebhookSignature(t *testing.T) {
	h := newTestHandler(Config{StripeWebhookSecret: "whsec_test"})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	h.StripeWebhook(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing signature: expected 400, got %d", rec.Code)
	}
	if msg, _ := decodeError(t, rec); !strings.Contains(msg, "Stripe-Signature") {
		t.Fatalf("expected message naming the header, got %q", msg)
	}

	req = httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(`{"id":"evt_1"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	rec = httptest.NewRecorder()
	h.StripeWebhook(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("forged signature: expected 400, got %d", rec.Code)
	}
}

func TestGenerateCyclesRejectsBadMonth(t *testing.T) {
	h := newTestHandler(Config{})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/cycles/generate", strings.NewReader(`{"month":"march"}`))
	rec := httptest.NewRecorder()
	h.GenerateCycles(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if msg, _ := decodeError(t, rec); !strings.Contains(msg, "YYYY-MM") {
		t.Fatalf("expected format hint, got %q", msg)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h := newTestHandler(Config{})
	endpoints := []struct {
		name string
		fn   http.HandlerFunc
	}{
		{"checkout", h.Checkout},
		{"webhook", h.StripeWebhook},
		{"generate", h.GenerateCycles},
		{"cancel", h.CancelSubscription},
	}
	for _, ep := range endpoints {
		t.Run(ep.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			rec := httptest.NewRecorder()
			ep.fn(rec, req)
			if rec.Code != http.StatusMethodNotAllowed {
				t.Fatalf("expected 405, got %d", rec.Code)
			}
		})
	}
}
