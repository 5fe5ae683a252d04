package checkout

import (
	"fmt"
	"time"
)

// Reduce applies ev to cur and returns the next state. It has no side effects.
//
// Opening (or failing to open) always starts a new attempt. Every other event requires an
// active attempt with a matching session id; terminal states accept nothing but a new attempt.
func Reduce(cur PaymentState, ev Event, now time.Time) (PaymentState, error) {
	ts := now.UnixMilli()
	if ts < cur.Timestamp {
		ts = cur.Timestamp
	}

	switch ev.Kind {
	case EventOpened:
		if ev.SessionID == "" {
			return cur, fmt.Errorf("%w: open without session id", ErrInvalidTransition)
		}
		if cur.SessionID == ev.SessionID && cur.State != StateIdle {
			return cur, fmt.Errorf("%w: session %s already opened", ErrInvalidTransition, ev.SessionID)
		}
		return PaymentState{State: StateInitiated, Timestamp: ts, SessionID: ev.SessionID, OrderID: ev.OrderID}, nil

	case EventInitFailed:
		info := ev.Error
		if info == nil {
			info = &ErrorInfo{Code: CodeInitialization}
		}
		return PaymentState{State: StateFailed, Timestamp: ts, SessionID: ev.SessionID, OrderID: ev.OrderID, Error: info}, nil
	}

	if !cur.State.Active() {
		return cur, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, ev.Kind, cur.State)
	}
	if ev.SessionID != "" && ev.SessionID != cur.SessionID {
		return cur, ErrStaleEvent
	}

	next := cur
	next.Timestamp = ts
	if ev.OrderID != "" && next.OrderID == "" {
		next.OrderID = ev.OrderID
	}

	switch ev.Kind {
	case EventSubmit:
		if cur.State != StateInitiated && cur.State != StateAuthenticating {
			return cur, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, ev.Kind, cur.State)
		}
		next.State = StateAuthenticating

	case EventRedirect:
		if cur.State == StateProcessing {
			return cur, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, ev.Kind, cur.State)
		}
		next.State = StateRedirected

	case EventAuthorized:
		next.State = StateProcessing
		if ev.PaymentID != "" {
			next.PaymentID = ev.PaymentID
		}

	case EventSuccess:
		if ev.PaymentID == "" {
			return cur, ErrInvalidPaymentResponse
		}
		next.State = StateSuccess
		next.PaymentID = ev.PaymentID
		next.Error = nil

	case EventFailed:
		next.State = StateFailed
		if ev.PaymentID != "" {
			next.PaymentID = ev.PaymentID
		}
		next.Error = ev.Error
		if next.Error == nil {
			next.Error = &ErrorInfo{Code: CodePaymentFailed}
		}

	case EventDismiss:
		next.State = StateCancelled

	default:
		return cur, fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Kind)
	}
	return next, nil
}
