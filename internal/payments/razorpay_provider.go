package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	razorpay "github.com/razorpay/razorpay-go"
)

// ProviderRazorpay and ProviderStripe are the provider keys the Manager routes on.
const (
	ProviderRazorpay = "razorpay"
	ProviderStripe   = "stripe"
)

// receipts longer than this are rejected by the Orders API.
const razorpayReceiptLimit = 40

// RazorpayLogger defines the logging contract for Razorpay provider operations.
type RazorpayLogger func(ctx context.Context, event string, fields map[string]any)

type razorpayOrdersAPI interface {
	Create(data map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
}

type razorpayPaymentsAPI interface {
	Fetch(paymentID string, queryParams map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
}

// RazorpayProviderConfig configures the RazorpayProvider.
type RazorpayProviderConfig struct {
	KeyID     string
	KeySecret string
	Logger    RazorpayLogger
	Clock     func() time.Time
	Orders    razorpayOrdersAPI
	Payments  razorpayPaymentsAPI
}

// RazorpayProvider implements Provider over Razorpay Orders. The order id is what the
// checkout.js widget is opened against.
type RazorpayProvider struct {
	orders   razorpayOrdersAPI
	payments razorpayPaymentsAPI
	clock    func() time.Time
	logger   RazorpayLogger
}

// NewRazorpayProvider constructs a Razorpay Provider using the given configuration.
func NewRazorpayProvider(cfg RazorpayProviderConfig) (*RazorpayProvider, error) {
	orders, payments := cfg.Orders, cfg.Payments
	if orders == nil || payments == nil {
		keyID, secret := strings.TrimSpace(cfg.KeyID), strings.TrimSpace(cfg.KeySecret)
		if keyID == "" || secret == "" {
			return nil, errors.New("razorpay: key id and key secret are required")
		}
		client := razorpay.NewClient(keyID, secret)
		if orders == nil {
			orders = client.Order
		}
		if payments == nil {
			payments = client.Payment
		}
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &RazorpayProvider{
		orders:   orders,
		payments: payments,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CreateOrder creates a Razorpay order for the amount in minor units.
func (p *RazorpayProvider) CreateOrder(ctx context.Context, req CreateOrderRequest) (Order, error) {
	if p == nil {
		return Order{}, errors.New("razorpay: provider is nil")
	}
	if req.Amount <= 0 {
		return Order{}, errors.New("razorpay: amount must be positive")
	}
	if err := ctx.Err(); err != nil {
		return Order{}, err
	}

	data := map[string]interface{}{
		"amount":   req.Amount,
		"currency": strings.ToUpper(strings.TrimSpace(req.Currency)),
	}
	receipt := strings.TrimSpace(req.Receipt)
	if receipt == "" {
		receipt = strings.TrimSpace(req.IdempotencyKey)
	}
	if len(receipt) > razorpayReceiptLimit {
		receipt = receipt[:razorpayReceiptLimit]
	}
	if receipt != "" {
		data["receipt"] = receipt
	}
	if len(req.Notes) > 0 {
		notes := make(map[string]interface{}, len(req.Notes))
		for k, v := range req.Notes {
			notes[k] = v
		}
		data["notes"] = notes
	}

	body, err := p.orders.Create(data, nil)
	if err != nil {
		return Order{}, fmt.Errorf("razorpay: create order: %w", err)
	}
	id := mapString(body, "id")
	if id == "" {
		return Order{}, errors.New("razorpay: create order: response without id")
	}
	p.logger(ctx, "payments.razorpay.order.created", map[string]any{
		"order":    id,
		"amount":   mapInt64(body, "amount"),
		"currency": mapString(body, "currency"),
	})

	createdAt := p.clock()
	if ts := mapInt64(body, "created_at"); ts > 0 {
		createdAt = time.Unix(ts, 0).UTC()
	}
	return Order{
		ID:        id,
		Provider:  ProviderRazorpay,
		Amount:    mapInt64(body, "amount"),
		Currency:  strings.ToUpper(mapString(body, "currency")),
		Status:    razorpayOrderStatus(mapString(body, "status")),
		CreatedAt: createdAt,
	}, nil
}

// LookupPayment fetches a Razorpay payment.
func (p *RazorpayProvider) LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("razorpay: provider is nil")
	}
	if err := ctx.Err(); err != nil {
		return PaymentDetails{}, err
	}
	body, err := p.payments.Fetch(strings.TrimSpace(req.PaymentID), nil, nil)
	if err != nil {
		return PaymentDetails{}, fmt.Errorf("razorpay: fetch payment: %w", err)
	}
	return razorpayPaymentDetails(body), nil
}

func razorpayOrderStatus(status string) Status {
	if status == "paid" {
		return StatusSucceeded
	}
	return StatusPending
}

// authorized payments are auto-captured by the account's capture settings.
func razorpayPaymentStatus(status string) Status {
	switch status {
	case "authorized", "captured":
		return StatusSucceeded
	case "failed", "refunded":
		return StatusFailed
	default:
		return StatusPending
	}
}

func razorpayPaymentDetails(body map[string]interface{}) PaymentDetails {
	status := mapString(body, "status")
	captured, _ := body["captured"].(bool)
	var capturedAt *time.Time
	if captured {
		if ts := mapInt64(body, "created_at"); ts > 0 {
			t := time.Unix(ts, 0).UTC()
			capturedAt = &t
		}
	}
	return PaymentDetails{
		Provider:   ProviderRazorpay,
		PaymentID:  mapString(body, "id"),
		OrderID:    mapString(body, "order_id"),
		Status:     razorpayPaymentStatus(status),
		Amount:     mapInt64(body, "amount"),
		Currency:   strings.ToUpper(mapString(body, "currency")),
		Captured:   captured,
		CapturedAt: capturedAt,
	}
}

func mapString(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func mapInt64(m map[string]interface{}, key string) int64 {
	switch v := m[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	}
	return 0
}
