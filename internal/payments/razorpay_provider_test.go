package payments

import (
	"context"
	"errors"
	"testing"
)

type fakeRazorpayOrders struct {
	data map[string]interface{}
	body map[string]interface{}
	err  error
}

func (f *fakeRazorpayOrders) Create(data map[string]interface{}, _ map[string]string) (map[string]interface{}, error) {
	f.data = data
	return f.body, f.err
}

type fakeRazorpayPayments struct {
	fetched string
	body    map[string]interface{}
	err     error
}

func (f *fakeRazorpayPayments) Fetch(id string, _ map[string]interface{}, _ map[string]string) (map[string]interface{}, error) {
	f.fetched = id
	return f.body, f.err
}

func TestRazorpayProviderCreateOrder(t *testing.T) {
	orders := &fakeRazorpayOrders{body: map[string]interface{}{
		"id":         "order_Nx1",
		"amount":     float64(50000),
		"currency":   "INR",
		"status":     "created",
		"created_at": float64(1_700_000_000),
	}}
	var events []string
	provider, err := NewRazorpayProvider(RazorpayProviderConfig{
		Orders:   orders,
		Payments: &fakeRazorpayPayments{},
		Logger: func(_ context.Context, event string, _ map[string]any) {
			events = append(events, event)
		},
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	order, err := provider.CreateOrder(context.Background(), CreateOrderRequest{
		Amount:         50000,
		Currency:       "inr",
		IdempotencyKey: "create:uid-1:a-very-long-idempotency-key-beyond-forty-chars",
		Notes:          map[string]string{"profile": "uid-1"},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if order.ID != "order_Nx1" || order.Provider != ProviderRazorpay || order.Amount != 50000 || order.Currency != "INR" || order.Status != StatusPending {
		t.Fatalf("unexpected order %+v", order)
	}
	if order.CreatedAt.Unix() != 1_700_000_000 {
		t.Fatalf("unexpected created at %s", order.CreatedAt)
	}
	if orders.data["amount"] != int64(50000) || orders.data["currency"] != "INR" {
		t.Fatalf("unexpected request %+v", orders.data)
	}
	if receipt, _ := orders.data["receipt"].(string); len(receipt) != razorpayReceiptLimit {
		t.Fatalf("expected receipt trimmed to %d chars, got %q", razorpayReceiptLimit, receipt)
	}
	if len(events) != 1 || events[0] != "payments.razorpay.order.created" {
		t.Fatalf("unexpected log events %v", events)
	}
}

func TestRazorpayProviderCreateOrderErrors(t *testing.T) {
	orders := &fakeRazorpayOrders{err: errors.New("BAD_REQUEST_ERROR")}
	provider, err := NewRazorpayProvider(RazorpayProviderConfig{Orders: orders, Payments: &fakeRazorpayPayments{}})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	if _, err := provider.CreateOrder(context.Background(), CreateOrderRequest{Amount: 0, Currency: "INR"}); err == nil {
		t.Fatalf("expected error for zero amount")
	}
	if _, err := provider.CreateOrder(context.Background(), CreateOrderRequest{Amount: 100, Currency: "INR"}); err == nil {
		t.Fatalf("expected api error to surface")
	}
	orders.err = nil
	orders.body = map[string]interface{}{"amount": float64(100)}
	if _, err := provider.CreateOrder(context.Background(), CreateOrderRequest{Amount: 100, Currency: "INR"}); err == nil {
		t.Fatalf("expected error for response without id")
	}
}

func TestRazorpayProviderLookupPayment(t *testing.T) {
	payments := &fakeRazorpayPayments{body: map[string]interface{}{
		"id":         "pay_1",
		"order_id":   "order_1",
		"status":     "captured",
		"amount":     float64(50000),
		"currency":   "INR",
		"captured":   true,
		"created_at": float64(1_700_000_100),
	}}
	provider, err := NewRazorpayProvider(RazorpayProviderConfig{Orders: &fakeRazorpayOrders{}, Payments: payments})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	details, err := provider.LookupPayment(context.Background(), LookupRequest{PaymentID: " pay_1 "})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if payments.fetched != "pay_1" {
		t.Fatalf("expected trimmed payment id, got %q", payments.fetched)
	}
	if details.Status != StatusSucceeded || !details.Captured || details.CapturedAt == nil || details.OrderID != "order_1" || details.Amount != 50000 {
		t.Fatalf("unexpected details %+v", details)
	}

	payments.body["status"] = "failed"
	payments.body["captured"] = false
	details, err = provider.LookupPayment(context.Background(), LookupRequest{PaymentID: "pay_1"})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if details.Status != StatusFailed || details.CapturedAt != nil {
		t.Fatalf("expected failed payment, got %+v", details)
	}
}

func TestNewRazorpayProviderRequiresKeys(t *testing.T) {
	if _, err := NewRazorpayProvider(RazorpayProviderConfig{KeyID: "rzp_test"}); err == nil {
		t.Fatalf("expected error without key secret")
	}
}
