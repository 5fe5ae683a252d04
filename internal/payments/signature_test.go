package payments

import (
	"errors"
	"testing"
)

func TestSignatureVerifier(t *testing.T) {
	v, err := NewSignatureVerifier("whsec_test")
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	sig := v.Sign("order_1", "pay_1")
	if len(sig) != 64 {
		t.Fatalf("expected hex sha256, got %q", sig)
	}
	if err := v.Verify("order_1", "pay_1", sig); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := v.Verify("order_1", "pay_2", sig); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if err := v.Verify("order_1", "", sig); !errors.Is(err, ErrSignatureMissing) {
		t.Fatalf("expected missing, got %v", err)
	}
	if _, err := NewSignatureVerifier(" "); err == nil {
		t.Fatalf("expected error for empty secret")
	}
}
