// Package checkout coordinates one portal window's payment lifecycle: the persisted session,
// the state broadcast to every window of the profile, the gateway widget and order finalisation.
package checkout

import (
	"encoding/json"
	"time"
)

// Storage keys shared by every window of a profile.
const (
	StateKey   = "freightfox.payment.state"
	SessionKey = "freightfox.payment.session"
)

// DefaultSessionTTL is how long an interrupted checkout stays recoverable.
const DefaultSessionTTL = 30 * time.Minute

// State is a payment lifecycle state.
type State string

const (
	StateIdle           State = "idle"
	StateInitiated      State = "initiated"
	StateProcessing     State = "processing"
	StateAuthenticating State = "authenticating"
	StateRedirected     State = "redirected"
	StateSuccess        State = "success"
	StateFailed         State = "failed"
	StateCancelled      State = "cancelled"
)

// Valid reports whether s is a known lifecycle state.
func (s State) Valid() bool {
	switch s {
	case StateIdle, StateInitiated, StateProcessing, StateAuthenticating, StateRedirected,
		StateSuccess, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Active reports whether a checkout attempt is still in flight.
func (s State) Active() bool {
	switch s {
	case StateInitiated, StateProcessing, StateAuthenticating, StateRedirected:
		return true
	}
	return false
}

// Terminal reports whether the attempt has ended.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailed || s == StateCancelled
}

// Error codes carried in PaymentState.Error.
const (
	CodeInitialization  = "INITIALIZATION_ERROR"
	CodeInvalidResponse = "INVALID_RESPONSE"
	CodePaymentFailed   = "PAYMENT_FAILED"
)

type ErrorInfo struct {
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`
}

// PaymentState is the latest lifecycle snapshot. Only one is retained per profile.
type PaymentState struct {
	State     State      `json:"state"`
	Timestamp int64      `json:"timestamp"`
	SessionID string     `json:"sessionId,omitempty"`
	PaymentID string     `json:"paymentId,omitempty"`
	OrderID   string     `json:"orderId,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
}

// StateData is the optional payload attached to a published state.
type StateData struct {
	SessionID string
	PaymentID string
	OrderID   string
	Error     *ErrorInfo
}

func (p PaymentState) data() StateData {
	return StateData{SessionID: p.SessionID, PaymentID: p.PaymentID, OrderID: p.OrderID, Error: p.Error}
}

// PaymentSession is the durable record of one checkout attempt, used to resume after a reload.
type PaymentSession struct {
	Provider     string          `json:"provider,omitempty"`
	OrderID      string          `json:"orderId"`
	ClientSecret string          `json:"clientSecret,omitempty"`
	Amount       int64           `json:"amount"`
	Currency     string          `json:"currency"`
	FormSnapshot json.RawMessage `json:"formSnapshot,omitempty"`
	SavedAt      time.Time       `json:"savedAt"`
	ExpiresAt    time.Time       `json:"expiresAt"`
}

// Remaining returns how long the session stays valid after now.
func (s PaymentSession) Remaining(now time.Time) time.Duration {
	if d := s.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}
