// Command stripe-webhook-sim posts signed Stripe test events at the billing
// service so the webhook path can be exercised without a Stripe account.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v79/webhook"
)

func main() {
	var (
		baseURL = flag.String("base-url", getenv("BASE_URL", "http://localhost:8082"), "billing service base url")
		evtType = flag.String("type", getenv("STRIPE_EVENT_TYPE", "checkout.session.completed"), "stripe event type")
		name    = flag.String("customer-name", getenv("CUSTOMER_NAME", "Test Customer"), "customer_name metadata")
		email   = flag.String("customer-email", getenv("CUSTOMER_EMAIL", "test@example.com"), "customer_email metadata")
		tier    = flag.String("tier", getenv("TIER", "lite"), "tier metadata (lite, plus, pro)")
		subID   = flag.String("subscription-id", getenv("STRIPE_SUBSCRIPTION_ID", "sub_test_123"), "stripe subscription id")
		status  = flag.String("status", getenv("SUBSCRIPTION_STATUS", "active"), "subscription status for subscription events")
		secret  = flag.String("secret", getenv("STRIPE_WEBHOOK_SECRET", ""), "stripe webhook signing secret (whsec_...)")
	)
	flag.Parse()

	if strings.TrimSpace(*secret) == "" {
		fatal("STRIPE_WEBHOOK_SECRET is required")
	}

	now := time.Now().UTC()
	eventID := fmt.Sprintf("evt_test_%d", now.UnixNano())

	payload, err := buildEventJSON(eventID, *evtType, now, *name, *email, *tier, *subID, *status)
	if err != nil {
		fatal(err.Error())
	}

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    *secret,
		Timestamp: now,
		Scheme:    "v1",
	})

	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(*baseURL, "/")+"/webhooks/stripe", bytes.NewReader(payload))
	if err != nil {
		fatal(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", signed.Header)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatal(err.Error())
	}
	defer resp.Body.Close()

	fmt.Printf("status=%d\n", resp.StatusCode)
}

func buildEventJSON(eventID, eventType string, t time.Time, name, email, tier, subID, status string) ([]byte, error) {
	created := t.Unix()
	metadata := map[string]any{
		"customer_name":  name,
		"customer_email": email,
		"tier":           tier,
	}
	switch eventType {
	case "checkout.session.completed", "checkout.session.expired":
		return json.Marshal(map[string]any{
			"id":          eventID,
			"object":      "event",
			"created":     created,
			"type":        eventType,
			"api_version": "2024-06-20",
			"data": map[string]any{
				"object": map[string]any{
					"id":             "cs_test_123",
					"object":         "checkout.session",
					"customer_email": email,
					"customer":       map[string]any{"id": "cus_test_123"},
					"subscription":   map[string]any{"id": subID},
					"metadata":       metadata,
				},
			},
		})
	case "customer.subscription.updated", "customer.subscription.deleted":
		return json.Marshal(map[string]any{
			"id":          eventID,
			"object":      "event",
			"created":     created,
			"type":        eventType,
			"api_version": "2024-06-20",
			"data": map[string]any{
				"object": map[string]any{
					"id":       subID,
					"object":   "subscription",
					"status":   status,
					"customer": map[string]any{"id": "cus_test_123"},
					"metadata": metadata,
				},
			},
		})
	case "invoice.payment_failed":
		return json.Marshal(map[string]any{
			"id":          eventID,
			"object":      "event",
			"created":     created,
			"type":        eventType,
			"api_version": "2024-06-20",
			"data": map[string]any{
				"object": map[string]any{
					"id":           "in_test_123",
					"object":       "invoice",
					"subscription": map[string]any{"id": subID},
				},
			},
		})
	default:
		return nil, fmt.Errorf("unsupported event type: %s", eventType)
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(2)
}
