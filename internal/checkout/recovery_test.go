package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func newTestRecovery(t *testing.T, h *harness) *RecoveryFlow {
	t.Helper()
	r, err := NewRecoveryFlow(RecoveryDeps{Sessions: h.sessions, States: h.states, Opener: h.adapter, Clock: h.clock})
	if err != nil {
		t.Fatalf("new recovery: %v", err)
	}
	return r
}

func TestRecoveryCheckAndDiscard(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := newTestRecovery(t, h)

	if err := h.sessions.Save(ctx, PaymentSession{OrderID: "order_2", Amount: 10000, Currency: "INR"}, 0); err != nil {
		t.Fatalf("save: %v", err)
	}
	h.clock.Advance(5 * time.Minute)

	offer := r.Check(ctx)
	if !offer.Available || offer.Session == nil {
		t.Fatalf("expected recoverable session")
	}
	if offer.Session.OrderID != "order_2" || offer.Session.Amount != 10000 || offer.Session.Currency != "INR" {
		t.Fatalf("unexpected session %+v", offer.Session)
	}
	if offer.Remaining != 25*time.Minute || offer.RemainingMs != (25*time.Minute).Milliseconds() {
		t.Fatalf("expected 25m remaining, got %s", offer.Remaining)
	}
	if got := h.states.Current(ctx).State; got != StateIdle || len(h.gateway.instances) != 0 {
		t.Fatalf("check must never resume on its own")
	}

	rec := newStateRecorder()
	h.states.Subscribe(rec.record)
	if err := r.Discard(ctx); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if r.Check(ctx).Available {
		t.Fatalf("expected no session after discard")
	}
	if seq := rec.sequence(); len(seq) != 1 || seq[0] != StateIdle {
		t.Fatalf("expected idle published on discard, got %v", seq)
	}
}

func TestRecoveryResumeReusesOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := newTestRecovery(t, h)

	snapshot := json.RawMessage(`{"serviceLevel":"express"}`)
	if err := h.sessions.Save(ctx, PaymentSession{OrderID: "order_2", Amount: 10000, Currency: "INR", FormSnapshot: snapshot}, 0); err != nil {
		t.Fatalf("save: %v", err)
	}
	session := *r.Check(ctx).Session

	var restored json.RawMessage
	inst, err := r.Resume(ctx, session, func(raw json.RawMessage) error {
		restored = raw
		return nil
	}, Handlers{})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if string(restored) != string(snapshot) {
		t.Fatalf("expected form restored from snapshot, got %s", restored)
	}
	if inst.OrderID != "order_2" {
		t.Fatalf("expected same order id, got %s", inst.OrderID)
	}
	opts := h.gateway.last(t).opts
	if opts.OrderID != "order_2" || opts.Amount != 10000 || opts.Currency != "INR" {
		t.Fatalf("unexpected reopened options %+v", opts)
	}
}

func TestRecoveryResumeExpiredSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := newTestRecovery(t, h)
	if err := h.sessions.Save(ctx, PaymentSession{OrderID: "order_2", Amount: 10000, Currency: "INR"}, time.Minute); err != nil {
		t.Fatalf("save: %v", err)
	}
	session := *r.Check(ctx).Session
	h.clock.Advance(time.Minute)

	if _, err := r.Resume(ctx, session, nil, Handlers{}); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	if len(h.gateway.instances) != 0 {
		t.Fatalf("expected no widget for expired session")
	}
}

func TestRecoveryCountdownDiscardsAtZero(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := newTestRecovery(t, h)
	if err := h.sessions.Save(ctx, PaymentSession{OrderID: "order_2", Amount: 10000, Currency: "INR"}, 3*time.Second); err != nil {
		t.Fatalf("save: %v", err)
	}
	session := *r.Check(ctx).Session

	var ticks []time.Duration
	if err := r.Countdown(ctx, session, func(d time.Duration) { ticks = append(ticks, d) }); err != nil {
		t.Fatalf("countdown: %v", err)
	}
	want := []time.Duration{3 * time.Second, 2 * time.Second, time.Second, 0}
	if len(ticks) != len(want) {
		t.Fatalf("expected ticks %v, got %v", want, ticks)
	}
	for i := range want {
		if ticks[i] != want[i] {
			t.Fatalf("expected ticks %v, got %v", want, ticks)
		}
	}
	if r.Check(ctx).Available {
		t.Fatalf("expected session discarded at zero")
	}
}

func TestRecoveryCountdownStopsWhenDiscardedElsewhere(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := newTestRecovery(t, h)
	if err := h.sessions.Save(ctx, PaymentSession{OrderID: "order_2", Amount: 10000, Currency: "INR"}, time.Minute); err != nil {
		t.Fatalf("save: %v", err)
	}
	session := *r.Check(ctx).Session

	ticks := 0
	err := r.Countdown(ctx, session, func(time.Duration) {
		ticks++
		if ticks == 2 {
			_ = h.sessions.Clear(ctx)
		}
	})
	if err != nil {
		t.Fatalf("countdown: %v", err)
	}
	if ticks != 2 {
		t.Fatalf("expected countdown to stop after discard, got %d ticks", ticks)
	}
}

func TestRecoveryCountdownFollowsResumedSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := newTestRecovery(t, h)
	if err := h.sessions.Save(ctx, PaymentSession{OrderID: "order_2", Amount: 10000, Currency: "INR"}, 3*time.Second); err != nil {
		t.Fatalf("save: %v", err)
	}
	stale := *r.Check(ctx).Session

	var ticks []time.Duration
	err := r.Countdown(ctx, stale, func(d time.Duration) {
		ticks = append(ticks, d)
		if len(ticks) == 2 {
			// a resume in another window re-saves the session with a fresh expiry
			if err := h.sessions.Save(ctx, PaymentSession{OrderID: "order_2", Amount: 10000, Currency: "INR"}, 3*time.Second); err != nil {
				t.Fatalf("resave: %v", err)
			}
		}
	})
	if err != nil {
		t.Fatalf("countdown: %v", err)
	}
	want := []time.Duration{3 * time.Second, 2 * time.Second, 2 * time.Second, time.Second, 0}
	if len(ticks) != len(want) {
		t.Fatalf("expected ticks %v, got %v", want, ticks)
	}
	for i := range want {
		if ticks[i] != want[i] {
			t.Fatalf("expected ticks %v, got %v", want, ticks)
		}
	}
}

func TestRecoveryCountdownStopsWhenOrderReplaced(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	r := newTestRecovery(t, h)
	if err := h.sessions.Save(ctx, PaymentSession{OrderID: "order_2", Amount: 10000, Currency: "INR"}, time.Minute); err != nil {
		t.Fatalf("save: %v", err)
	}
	session := *r.Check(ctx).Session
	if err := h.sessions.Save(ctx, PaymentSession{OrderID: "order_3", Amount: 10000, Currency: "INR"}, time.Minute); err != nil {
		t.Fatalf("save: %v", err)
	}
	ticks := 0
	if err := r.Countdown(ctx, session, func(time.Duration) { ticks++ }); err != nil {
		t.Fatalf("countdown: %v", err)
	}
	if ticks != 0 || !r.Check(ctx).Available {
		t.Fatalf("expected countdown to leave the newer session alone, ticks %d", ticks)
	}
}
