package checkout

import (
	"errors"
	"fmt"
)

var (
	ErrScriptLoad             = errors.New("checkout: gateway script failed to load")
	ErrGatewayInit            = errors.New("checkout: gateway initialisation failed")
	ErrPaymentFailed          = errors.New("checkout: payment failed")
	ErrInvalidPaymentResponse = errors.New("checkout: success response without payment id")
	ErrPaymentUnverified      = errors.New("checkout: payment completion could not be verified")
	ErrOrderPersistence       = errors.New("checkout: payment captured but order not saved")

	ErrInvalidOptions         = errors.New("checkout: invalid checkout options")
	ErrInvalidTransition      = errors.New("checkout: invalid state transition")
	ErrStaleEvent             = errors.New("checkout: event belongs to a superseded attempt")
	ErrUnknownEvent           = errors.New("checkout: unknown gateway event")
	ErrMalformedPayload       = errors.New("checkout: malformed gateway payload")
	ErrUnknownInstance        = errors.New("checkout: unknown gateway instance")
	ErrSessionExpired         = errors.New("checkout: payment session expired")
	ErrFinalizationInProgress = errors.New("checkout: payment is already being finalised")
	ErrCoordinatorClosed      = errors.New("checkout: coordinator closed")
)

// ScriptLoadError is returned once every script load attempt has failed.
type ScriptLoadError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *ScriptLoadError) Error() string {
	return fmt.Sprintf("checkout: load %s failed after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *ScriptLoadError) Unwrap() error        { return e.Err }
func (e *ScriptLoadError) Is(target error) bool { return target == ErrScriptLoad }

// GatewayInitError wraps a failure to construct or open the gateway widget.
type GatewayInitError struct {
	Err error
}

func (e *GatewayInitError) Error() string {
	return fmt.Sprintf("checkout: gateway initialisation: %v", e.Err)
}

func (e *GatewayInitError) Unwrap() error        { return e.Err }
func (e *GatewayInitError) Is(target error) bool { return target == ErrGatewayInit }

// PaymentFailedError carries the gateway's reason for a failed payment, verbatim.
type PaymentFailedError struct {
	Code        string
	Description string
	PaymentID   string
}

func (e *PaymentFailedError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("checkout: payment failed (%s)", e.Code)
	}
	return fmt.Sprintf("checkout: payment failed (%s): %s", e.Code, e.Description)
}

func (e *PaymentFailedError) Is(target error) bool { return target == ErrPaymentFailed }

// OrderPersistenceError means money moved but the shipment was not written. It needs reconciliation.
type OrderPersistenceError struct {
	PaymentID        string
	OrderID          string
	ReconciliationID string
	Err              error
}

func (e *OrderPersistenceError) Error() string {
	return fmt.Sprintf("checkout: payment %s captured but order not saved: %v", e.PaymentID, e.Err)
}

func (e *OrderPersistenceError) Unwrap() error        { return e.Err }
func (e *OrderPersistenceError) Is(target error) bool { return target == ErrOrderPersistence }

// stateError maps a surfaced error onto the failed state's error block.
func stateError(err error) *ErrorInfo {
	var failed *PaymentFailedError
	switch {
	case errors.As(err, &failed):
		return &ErrorInfo{Code: failed.Code, Description: failed.Description}
	case errors.Is(err, ErrInvalidPaymentResponse):
		return &ErrorInfo{Code: CodeInvalidResponse, Description: "Payment response did not include a payment id"}
	case errors.Is(err, ErrPaymentUnverified):
		return &ErrorInfo{Code: CodeInvalidResponse, Description: "Payment could not be verified with the gateway"}
	case errors.Is(err, ErrScriptLoad):
		return &ErrorInfo{Code: CodeInitialization, Description: "Payment gateway could not be loaded"}
	case errors.Is(err, ErrGatewayInit):
		return &ErrorInfo{Code: CodeInitialization, Description: "Payment gateway could not be started"}
	default:
		return &ErrorInfo{Code: CodePaymentFailed, Description: err.Error()}
	}
}
