package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrPaymentUnverified is returned when a reported completion does not match what the
// provider recorded.
var ErrPaymentUnverified = errors.New("payments: payment could not be verified")

// Completion is what the browser reports once the checkout widget finishes.
type Completion struct {
	Provider  string
	OrderID   string
	PaymentID string
	Signature string
	Amount    int64
	Currency  string
}

// Verifier checks completions against the provider that created the order. Providers with
// a signing secret must present a valid signature; every completion is then confirmed with
// a payment lookup.
type Verifier struct {
	manager    *Manager
	signatures map[string]*SignatureVerifier
}

// NewVerifier builds a Verifier. signatures is keyed by provider.
func NewVerifier(manager *Manager, signatures map[string]*SignatureVerifier) (*Verifier, error) {
	if manager == nil {
		return nil, errors.New("payments: manager is required")
	}
	keyed := make(map[string]*SignatureVerifier, len(signatures))
	for k, v := range signatures {
		if v != nil {
			keyed[strings.ToLower(strings.TrimSpace(k))] = v
		}
	}
	return &Verifier{manager: manager, signatures: keyed}, nil
}

// DefaultProvider returns the provider used when a completion names none.
func (v *Verifier) DefaultProvider() string {
	key, _, err := v.manager.resolveProvider(PaymentContext{})
	if err != nil {
		return ""
	}
	return key
}

// VerifySignature checks only the completion signature. It fails for providers without one.
func (v *Verifier) VerifySignature(c Completion) error {
	provider := v.providerKey(c.Provider)
	sig, ok := v.signatures[provider]
	if !ok {
		return fmt.Errorf("%w: %s completions are not signed", ErrUnsupportedProvider, provider)
	}
	return sig.Verify(c.OrderID, c.PaymentID, c.Signature)
}

// VerifyPayment reports whether c describes a successful payment of its order.
func (v *Verifier) VerifyPayment(ctx context.Context, c Completion) error {
	provider := v.providerKey(c.Provider)
	orderID, paymentID := strings.TrimSpace(c.OrderID), strings.TrimSpace(c.PaymentID)
	if orderID == "" || paymentID == "" {
		return ErrSignatureMissing
	}
	lookup, ok := v.manager.providers[provider]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedProvider, provider)
	}
	if sig, ok := v.signatures[provider]; ok {
		if err := sig.Verify(orderID, paymentID, c.Signature); err != nil {
			return err
		}
	}

	details, err := lookup.LookupPayment(ctx, LookupRequest{PaymentID: paymentID})
	if err != nil {
		return fmt.Errorf("payments: lookup %s payment: %w", provider, err)
	}
	switch {
	case details.Status != StatusSucceeded:
		return fmt.Errorf("%w: status %s", ErrPaymentUnverified, details.Status)
	case details.OrderID != orderID:
		return fmt.Errorf("%w: payment belongs to order %q", ErrPaymentUnverified, details.OrderID)
	case c.Amount > 0 && details.Amount != c.Amount:
		return fmt.Errorf("%w: amount %d, expected %d", ErrPaymentUnverified, details.Amount, c.Amount)
	case c.Currency != "" && !strings.EqualFold(details.Currency, strings.TrimSpace(c.Currency)):
		return fmt.Errorf("%w: currency %s, expected %s", ErrPaymentUnverified, details.Currency, c.Currency)
	}
	return nil
}

func (v *Verifier) providerKey(provider string) string {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		provider = v.DefaultProvider()
	}
	return provider
}
