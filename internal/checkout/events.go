package checkout

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// EventKind names a lifecycle event. Gateway-originated kinds use the SDK's own event names.
type EventKind string

const (
	EventOpened     EventKind = "checkout.opened"
	EventInitFailed EventKind = "checkout.init_failed"
	EventSubmit     EventKind = "payment.submit"
	EventRedirect   EventKind = "payment.external_website_redirect"
	EventAuthorized EventKind = "payment.authorized"
	EventFailed     EventKind = "payment.failed"
	EventSuccess    EventKind = "payment.success"
	EventDismiss    EventKind = "modal.ondismiss"
)

// gatewayEvents are the names an instance subscribes to with On.
var gatewayEvents = []EventKind{EventFailed, EventSubmit, EventRedirect, EventAuthorized}

// Event is the validated input to Reduce.
type Event struct {
	Kind      EventKind
	SessionID string
	OrderID   string
	PaymentID string
	Signature string
	Method    string
	Error     *ErrorInfo
}

type successPayload struct {
	PaymentID string `json:"razorpay_payment_id"`
	OrderID   string `json:"razorpay_order_id"`
	Signature string `json:"razorpay_signature"`
}

// intentPayload is the confirmPayment result relayed for Stripe widgets. The intent id
// doubles as the order id.
type intentPayload struct {
	PaymentIntent json.RawMessage `json:"payment_intent"`
}

type failurePayload struct {
	Error *struct {
		Code        string `json:"code"`
		Description string `json:"description"`
		Source      string `json:"source"`
		Step        string `json:"step"`
		Reason      string `json:"reason"`
		Metadata    struct {
			OrderID   string `json:"order_id"`
			PaymentID string `json:"payment_id"`
		} `json:"metadata"`
	} `json:"error"`
}

type submitPayload struct {
	Method string `json:"method"`
}

type authorizedPayload struct {
	PaymentID string `json:"razorpay_payment_id"`
	OrderID   string `json:"razorpay_order_id"`
}

// ParseGatewayEvent converts a native callback payload into an Event. Payloads that do not
// match the shape expected for the event name are rejected.
func ParseGatewayEvent(name string, payload json.RawMessage) (Event, error) {
	kind := EventKind(strings.TrimSpace(name))
	trimmed := bytes.TrimSpace(payload)
	empty := len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
	if !empty && trimmed[0] != '{' {
		return Event{}, fmt.Errorf("%w: %s payload must be an object", ErrMalformedPayload, kind)
	}

	switch kind {
	case EventSuccess:
		if !empty && hasField(trimmed, "payment_intent") {
			return parseIntentSuccess(kind, trimmed)
		}
		var body successPayload
		if !empty {
			dec := json.NewDecoder(bytes.NewReader(trimmed))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&body); err != nil {
				return Event{}, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, kind, err)
			}
		}
		return Event{
			Kind:      kind,
			PaymentID: strings.TrimSpace(body.PaymentID),
			OrderID:   strings.TrimSpace(body.OrderID),
			Signature: strings.TrimSpace(body.Signature),
		}, nil

	case EventFailed:
		var body failurePayload
		if empty {
			return Event{}, fmt.Errorf("%w: %s requires an error object", ErrMalformedPayload, kind)
		}
		if err := json.Unmarshal(trimmed, &body); err != nil {
			return Event{}, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, kind, err)
		}
		if body.Error == nil || strings.TrimSpace(body.Error.Code) == "" {
			return Event{}, fmt.Errorf("%w: %s requires error.code", ErrMalformedPayload, kind)
		}
		description := strings.TrimSpace(body.Error.Description)
		if description == "" {
			description = strings.TrimSpace(body.Error.Reason)
		}
		return Event{
			Kind:      kind,
			PaymentID: strings.TrimSpace(body.Error.Metadata.PaymentID),
			OrderID:   strings.TrimSpace(body.Error.Metadata.OrderID),
			Error:     &ErrorInfo{Code: strings.TrimSpace(body.Error.Code), Description: description},
		}, nil

	case EventSubmit:
		var body submitPayload
		if !empty {
			if err := json.Unmarshal(trimmed, &body); err != nil {
				return Event{}, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, kind, err)
			}
		}
		return Event{Kind: kind, Method: strings.TrimSpace(body.Method)}, nil

	case EventAuthorized:
		var body authorizedPayload
		if !empty {
			if err := json.Unmarshal(trimmed, &body); err != nil {
				return Event{}, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, kind, err)
			}
		}
		return Event{Kind: kind, PaymentID: strings.TrimSpace(body.PaymentID), OrderID: strings.TrimSpace(body.OrderID)}, nil

	case EventRedirect, EventDismiss:
		return Event{Kind: kind}, nil
	}
	return Event{}, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
}

func hasField(object []byte, name string) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(object, &fields); err != nil {
		return false
	}
	_, ok := fields[name]
	return ok
}

func parseIntentSuccess(kind EventKind, payload []byte) (Event, error) {
	var body intentPayload
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		return Event{}, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, kind, err)
	}
	var intent struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body.PaymentIntent, &intent); err != nil {
		return Event{}, fmt.Errorf("%w: %s: payment_intent: %v", ErrMalformedPayload, kind, err)
	}
	id := strings.TrimSpace(intent.ID)
	return Event{Kind: kind, PaymentID: id, OrderID: id}, nil
}
