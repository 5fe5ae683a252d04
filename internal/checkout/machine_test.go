package checkout

import (
	"errors"
	"testing"
	"time"
)

func TestReduceHappyPath(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	state := PaymentState{State: StateIdle}

	steps := []struct {
		ev   Event
		want State
	}{
		{Event{Kind: EventOpened, SessionID: "s1", OrderID: "order_1"}, StateInitiated},
		{Event{Kind: EventSubmit}, StateAuthenticating},
		{Event{Kind: EventRedirect}, StateRedirected},
		{Event{Kind: EventAuthorized, PaymentID: "pay_1"}, StateProcessing},
		{Event{Kind: EventSuccess, PaymentID: "pay_1"}, StateSuccess},
	}
	for i, step := range steps {
		next, err := Reduce(state, step.ev, now.Add(time.Duration(i)*time.Millisecond))
		if err != nil {
			t.Fatalf("step %d (%s): %v", i, step.ev.Kind, err)
		}
		if next.State != step.want {
			t.Fatalf("step %d: expected %s, got %s", i, step.want, next.State)
		}
		state = next
	}
	if state.PaymentID != "pay_1" || state.OrderID != "order_1" || state.SessionID != "s1" {
		t.Fatalf("unexpected final state %+v", state)
	}
}

func TestReduceRejectsTransitionsAfterTerminal(t *testing.T) {
	now := time.Now()
	for _, terminal := range []State{StateSuccess, StateFailed, StateCancelled} {
		cur := PaymentState{State: terminal, SessionID: "s1", Timestamp: now.UnixMilli()}
		for _, kind := range []EventKind{EventSubmit, EventRedirect, EventAuthorized, EventFailed, EventDismiss} {
			if _, err := Reduce(cur, Event{Kind: kind, Error: &ErrorInfo{Code: "X"}}, now); !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("%s from %s: expected ErrInvalidTransition, got %v", kind, terminal, err)
			}
		}
		next, err := Reduce(cur, Event{Kind: EventOpened, SessionID: "s2"}, now)
		if err != nil {
			t.Fatalf("new attempt after %s: %v", terminal, err)
		}
		if next.State != StateInitiated || next.SessionID != "s2" {
			t.Fatalf("expected fresh initiated attempt, got %+v", next)
		}
	}
}

func TestReduceRejectsReopeningSameSession(t *testing.T) {
	cur := PaymentState{State: StateFailed, SessionID: "s1"}
	if _, err := Reduce(cur, Event{Kind: EventOpened, SessionID: "s1"}, time.Now()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestReduceSuccessRequiresPaymentID(t *testing.T) {
	cur := PaymentState{State: StateInitiated, SessionID: "s1"}
	next, err := Reduce(cur, Event{Kind: EventSuccess}, time.Now())
	if !errors.Is(err, ErrInvalidPaymentResponse) {
		t.Fatalf("expected ErrInvalidPaymentResponse, got %v", err)
	}
	if next.State != StateInitiated {
		t.Fatalf("state must not change, got %s", next.State)
	}
}

func TestReduceRejectsStaleSession(t *testing.T) {
	cur := PaymentState{State: StateAuthenticating, SessionID: "s2"}
	if _, err := Reduce(cur, Event{Kind: EventDismiss, SessionID: "s1"}, time.Now()); !errors.Is(err, ErrStaleEvent) {
		t.Fatalf("expected ErrStaleEvent, got %v", err)
	}
}

func TestReduceOrderingRules(t *testing.T) {
	now := time.Now()
	if _, err := Reduce(PaymentState{State: StateProcessing, SessionID: "s"}, Event{Kind: EventSubmit}, now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("submit from processing: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := Reduce(PaymentState{State: StateProcessing, SessionID: "s"}, Event{Kind: EventRedirect}, now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("redirect from processing: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := Reduce(PaymentState{State: StateIdle}, Event{Kind: EventSubmit}, now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("submit from idle: expected ErrInvalidTransition, got %v", err)
	}
	failed, err := Reduce(PaymentState{State: StateRedirected, SessionID: "s"}, Event{Kind: EventFailed}, now)
	if err != nil {
		t.Fatalf("fail from redirected: %v", err)
	}
	if failed.Error == nil || failed.Error.Code != CodePaymentFailed {
		t.Fatalf("expected default failure code, got %+v", failed.Error)
	}
}

func TestReduceInitFailureStartsFailedAttempt(t *testing.T) {
	next, err := Reduce(PaymentState{State: StateIdle}, Event{Kind: EventInitFailed, SessionID: "s1", OrderID: "order_1"}, time.Now())
	if err != nil {
		t.Fatalf("init failure: %v", err)
	}
	if next.State != StateFailed || next.Error == nil || next.Error.Code != CodeInitialization {
		t.Fatalf("unexpected state %+v", next)
	}
}

func TestReduceTimestampNeverGoesBackwards(t *testing.T) {
	cur := PaymentState{State: StateInitiated, SessionID: "s", Timestamp: 5_000}
	next, err := Reduce(cur, Event{Kind: EventSubmit}, time.UnixMilli(4_000))
	if err != nil {
		t.Fatalf("reduce: %v", err)
	}
	if next.Timestamp != 5_000 {
		t.Fatalf("expected timestamp to stay at 5000, got %d", next.Timestamp)
	}
}
