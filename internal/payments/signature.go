package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

var (
	ErrSignatureMismatch = errors.New("payments: payment signature mismatch")
	ErrSignatureMissing  = errors.New("payments: payment signature fields are required")
)

// SignatureVerifier checks the Razorpay checkout signature, an HMAC-SHA256 of
// "orderId|paymentId" keyed with the account's key secret.
type SignatureVerifier struct {
	secret []byte
}

func NewSignatureVerifier(secret string) (*SignatureVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("payments: signing secret is required")
	}
	return &SignatureVerifier{secret: []byte(secret)}, nil
}

// Sign returns the expected hex signature.
func (v *SignatureVerifier) Sign(orderID, paymentID string) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(orderID + "|" + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches orderID and paymentID.
func (v *SignatureVerifier) Verify(orderID, paymentID, signature string) error {
	orderID, paymentID, signature = strings.TrimSpace(orderID), strings.TrimSpace(paymentID), strings.TrimSpace(signature)
	if orderID == "" || paymentID == "" || signature == "" {
		return ErrSignatureMissing
	}
	expected := v.Sign(orderID, paymentID)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(signature))) {
		return ErrSignatureMismatch
	}
	return nil
}
