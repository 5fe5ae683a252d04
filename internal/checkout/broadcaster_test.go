package checkout

import (
	"context"
	"math/rand"
	"testing"
)

func TestHasActivePaymentTracksLatestState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	all := []State{StateIdle, StateInitiated, StateProcessing, StateAuthenticating, StateRedirected, StateSuccess, StateFailed, StateCancelled}
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		state := all[rng.Intn(len(all))]
		if _, ok := h.states.Publish(ctx, state, StateData{}); !ok {
			t.Fatalf("publish %s failed", state)
		}
		want := state == StateInitiated || state == StateProcessing || state == StateAuthenticating || state == StateRedirected
		if got := h.states.HasActivePayment(ctx); got != want {
			t.Fatalf("after %s: expected HasActivePayment=%v, got %v", state, want, got)
		}
	}
}

func TestPublishIgnoresUnknownState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.states.Publish(ctx, StateProcessing, StateData{})

	if _, ok := h.states.Publish(ctx, State("refunding"), StateData{}); ok {
		t.Fatalf("expected unknown state to be rejected")
	}
	if got := h.states.Current(ctx).State; got != StateProcessing {
		t.Fatalf("expected state to stay processing, got %s", got)
	}
}

func TestPublishDeliversSynchronouslyOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	rec := newStateRecorder()
	unsubscribe := h.states.Subscribe(rec.record)

	ps, ok := h.states.Publish(ctx, StateFailed, StateData{SessionID: "s1", Error: &ErrorInfo{Code: "BAD_REQUEST_ERROR", Description: "<b>Card</b> declined"}})
	if !ok {
		t.Fatalf("publish failed")
	}
	if seq := rec.sequence(); len(seq) != 1 || seq[0] != StateFailed {
		t.Fatalf("expected synchronous delivery of failed, got %v", seq)
	}
	if ps.Error.Description != "Card declined" {
		t.Fatalf("expected sanitised description, got %q", ps.Error.Description)
	}
	if ps.Timestamp != h.clock.Now().UnixMilli() {
		t.Fatalf("expected timestamp from clock, got %d", ps.Timestamp)
	}

	unsubscribe()
	unsubscribe()
	h.states.Publish(ctx, StateIdle, StateData{})
	if n := len(rec.sequence()); n != 1 {
		t.Fatalf("expected no delivery after unsubscribe, got %d states", n)
	}
}

func TestSubscriberPanicDoesNotStopDelivery(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	rec := newStateRecorder()
	h.states.Subscribe(func(PaymentState) { panic("ui bug") })
	h.states.Subscribe(rec.record)

	if _, ok := h.states.Publish(ctx, StateInitiated, StateData{}); !ok {
		t.Fatalf("publish failed")
	}
	if seq := rec.sequence(); len(seq) != 1 {
		t.Fatalf("expected healthy subscriber to receive state, got %v", seq)
	}
}

func TestCrossWindowSubscriberReceivesState(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	tabB, err := h.memory.Open("uid-1", "tab-b")
	if err != nil {
		t.Fatalf("open tab b: %v", err)
	}
	statesB, err := NewBroadcaster(BroadcasterDeps{Storage: tabB, Clock: h.clock})
	if err != nil {
		t.Fatalf("broadcaster b: %v", err)
	}
	defer statesB.Close()

	rec := newStateRecorder()
	statesB.Subscribe(rec.record)

	h.states.Publish(ctx, StateProcessing, StateData{SessionID: "s1", OrderID: "order_1"})
	rec.wait(t)
	got := rec.last(t)
	if got.State != StateProcessing || got.OrderID != "order_1" {
		t.Fatalf("unexpected state in tab b: %+v", got)
	}
	if !statesB.HasActivePayment(ctx) {
		t.Fatalf("expected tab b to see an active payment")
	}

	if err := h.states.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	rec.wait(t)
	if got := rec.last(t); got.State != StateIdle {
		t.Fatalf("expected idle after clear in tab b, got %s", got.State)
	}
}

func TestMalformedRemoteStateIsSkipped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	tabB, _ := h.memory.Open("uid-1", "tab-b")

	rec := newStateRecorder()
	h.states.Subscribe(rec.record)

	if err := tabB.Set(ctx, StateKey, []byte(`{"state":`)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := tabB.Set(ctx, StateKey, []byte(`{"state":"redirected","timestamp":1}`)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	rec.wait(t)
	if seq := rec.sequence(); len(seq) != 1 || seq[0] != StateRedirected {
		t.Fatalf("expected only the valid state, got %v", seq)
	}
	if got := h.states.Current(ctx).State; got != StateRedirected {
		t.Fatalf("expected current redirected, got %s", got)
	}
}

func TestPublishKeepsPlainTextVerbatim(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	description := `Card declined: amount < limit & "retry" isn't allowed`
	ps, ok := h.states.Publish(ctx, StateFailed, StateData{Error: &ErrorInfo{Code: "BAD_REQUEST_ERROR", Description: description}})
	if !ok {
		t.Fatalf("publish failed")
	}
	if ps.Error.Description != description {
		t.Fatalf("expected description verbatim, got %q", ps.Error.Description)
	}
	if got := h.states.Current(ctx); got.Error == nil || got.Error.Description != description {
		t.Fatalf("expected stored description verbatim, got %+v", got.Error)
	}
}
