// Package sms delivers operator alerts about bookings. The webhook sender
// posts to whatever SMS gateway the deployment fronts with an HTTP hook; the
// noop sender stands in when no gateway is configured so booking alerts
// degrade to email only.
package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type Sender interface {
	Send(ctx context.Context, to string, body string) error
	ProviderID() string
}

// gatewayMessage is the webhook contract. Source lets a shared gateway tell
// booking alerts apart from other traffic.
type gatewayMessage struct {
	To      string `json:"to"`
	Message string `json:"message"`
	Source  string `json:"source"`
}

type WebhookSender struct {
	url    string
	token  string
	client *http.Client
}

func NewWebhookSender(url string, token string) *WebhookSender {
	return &WebhookSender{
		url:    strings.TrimSpace(url),
		token:  strings.TrimSpace(token),
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (s *WebhookSender) ProviderID() string { return "webhook" }

func (s *WebhookSender) Send(ctx context.Context, to string, body string) error {
	if s.url == "" {
		return errors.New("sms webhook url not configured")
	}
	raw, err := json.Marshal(gatewayMessage{
		To:      to,
		Message: body,
		Source:  "wash-booking",
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sms gateway returned %d", resp.StatusCode)
	}
	return nil
}

// NoopSender drops messages. Keeps the notifier wiring uniform when
// SMS_PROVIDER is unset.
type NoopSender struct{}

func NewNoopSender() *NoopSender { return &NoopSender{} }

func (s *NoopSender) ProviderID() string { return "noop" }

func (s *NoopSender) Send(context.Context, string, string) error { return nil }
