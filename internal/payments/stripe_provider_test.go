package payments

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v78"
)

type fakeIntents struct {
	newParams *stripe.PaymentIntentParams
	intent    *stripe.PaymentIntent
	err       error
}

func (f *fakeIntents) New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	f.newParams = params
	return f.intent, f.err
}

func (f *fakeIntents) Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return f.intent, f.err
}

func TestStripeProviderCreateOrder(t *testing.T) {
	intents := &fakeIntents{intent: &stripe.PaymentIntent{
		ID:           "pi_123",
		Amount:       50000,
		Currency:     stripe.Currency("inr"),
		Status:       stripe.PaymentIntentStatusRequiresPaymentMethod,
		ClientSecret: "pi_123_secret",
		Created:      1_700_000_000,
	}}
	var events []string
	provider, err := NewStripeProvider(StripeProviderConfig{
		Intents:   intents,
		AccountID: "acct_1",
		Logger: func(_ context.Context, event string, _ map[string]any) {
			events = append(events, event)
		},
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	order, err := provider.CreateOrder(context.Background(), CreateOrderRequest{
		Amount:         50000,
		Currency:       "INR",
		Receipt:        "shipment draft",
		Notes:          map[string]string{"profile": "uid-1"},
		IdempotencyKey: "create:uid-1:1",
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if order.ID != "pi_123" || order.Amount != 50000 || order.Currency != "INR" || order.Status != StatusPending {
		t.Fatalf("unexpected order %+v", order)
	}
	if !order.CreatedAt.Equal(time.Unix(1_700_000_000, 0)) {
		t.Fatalf("unexpected created at %s", order.CreatedAt)
	}
	params := intents.newParams
	if params == nil || *params.Currency != "inr" || *params.Amount != 50000 || params.Metadata["profile"] != "uid-1" {
		t.Fatalf("unexpected params %+v", params)
	}
	if params.IdempotencyKey == nil || *params.IdempotencyKey != "create:uid-1:1" {
		t.Fatalf("expected idempotency key to be set")
	}
	if params.StripeAccount == nil || *params.StripeAccount != "acct_1" {
		t.Fatalf("expected connected account to be set")
	}
	if len(events) != 1 || events[0] != "payments.stripe.order.created" {
		t.Fatalf("unexpected log events %v", events)
	}
}

func TestStripeProviderWrapsErrors(t *testing.T) {
	provider, err := NewStripeProvider(StripeProviderConfig{Intents: &fakeIntents{err: errors.New("card_declined")}})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	if _, err := provider.CreateOrder(context.Background(), CreateOrderRequest{Amount: 1, Currency: "INR"}); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := provider.CreateOrder(context.Background(), CreateOrderRequest{Currency: "INR"}); err == nil {
		t.Fatalf("expected error for zero amount")
	}
}

func TestStripeProviderLookupPayment(t *testing.T) {
	provider, err := NewStripeProvider(StripeProviderConfig{Intents: &fakeIntents{intent: &stripe.PaymentIntent{
		ID:       "pi_123",
		Amount:   50000,
		Currency: stripe.Currency("inr"),
		Status:   stripe.PaymentIntentStatusSucceeded,
		LatestCharge: &stripe.Charge{
			ID:       "ch_1",
			Paid:     true,
			Captured: true,
			Created:  1_700_000_100,
		},
	}}})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	details, err := provider.LookupPayment(context.Background(), LookupRequest{PaymentID: "pi_123"})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if details.Status != StatusSucceeded || !details.Captured || details.PaymentID != "ch_1" || details.OrderID != "pi_123" {
		t.Fatalf("unexpected details %+v", details)
	}
	if details.CapturedAt == nil || !details.CapturedAt.Equal(time.Unix(1_700_000_100, 0)) {
		t.Fatalf("unexpected captured at %v", details.CapturedAt)
	}
}

func TestNewStripeProviderRequiresKey(t *testing.T) {
	if _, err := NewStripeProvider(StripeProviderConfig{}); err == nil {
		t.Fatalf("expected error without api key")
	}
}
