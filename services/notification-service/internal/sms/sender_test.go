package sms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWebhookSenderPostsGatewayMessage(t *testing.T) {
	var got gatewayMessage
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("bad request body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := NewWebhookSender(srv.URL, "secret-token")
	if err := s.Send(context.Background(), "+4741111111", "New booking 2026-09-04 09:00"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.To != "+4741111111" {
		t.Fatalf("expected recipient, got %q", got.To)
	}
	if got.Source != "wash-booking" {
		t.Fatalf("expected wash-booking source, got %q", got.Source)
	}
	if auth != "Bearer secret-token" {
		t.Fatalf("expected bearer token, got %q", auth)
	}
}

func TestWebhookSenderGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	s := NewWebhookSender(srv.URL, "")
	err := s.Send(context.Background(), "+4741111111", "hello")
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("expected gateway status error, got %v", err)
	}
}

func TestWebhookSenderRequiresURL(t *testing.T) {
	s := NewWebhookSender("  ", "")
	if err := s.Send(context.Background(), "+4741111111", "hello"); err == nil {
		t.Fatal("expected error without url")
	}
}

func TestNoopSender(t *testing.T) {
	s := NewNoopSender()
	if err := s.Send(context.Background(), "+4741111111", "hello"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.ProviderID() != "noop" {
		t.Fatalf("expected noop provider id, got %q", s.ProviderID())
	}
}
