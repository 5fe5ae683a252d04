package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Opener starts a checkout; satisfied by *Adapter.
type Opener interface {
	Open(ctx context.Context, opts OpenOptions, handlers Handlers) (*Instance, error)
}

// RecoveryDeps wires a RecoveryFlow.
type RecoveryDeps struct {
	Sessions *SessionStore
	States   *Broadcaster
	Opener   Opener
	Clock    Clock
	Logger   *zap.Logger
}

// RecoveryFlow offers an interrupted checkout back to the user. It never resumes on its own.
type RecoveryFlow struct {
	sessions *SessionStore
	states   *Broadcaster
	opener   Opener
	clock    Clock
	logger   *zap.Logger
}

// Recovery is what the dialog shows on mount.
type Recovery struct {
	Available   bool            `json:"available"`
	Session     *PaymentSession `json:"session,omitempty"`
	Remaining   time.Duration   `json:"-"`
	RemainingMs int64           `json:"remainingMs"`
}

func NewRecoveryFlow(deps RecoveryDeps) (*RecoveryFlow, error) {
	if deps.Sessions == nil || deps.States == nil {
		return nil, errors.New("recovery flow: session store and broadcaster are required")
	}
	if deps.Opener == nil {
		return nil, errors.New("recovery flow: opener is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecoveryFlow{
		sessions: deps.Sessions,
		states:   deps.States,
		opener:   deps.Opener,
		clock:    clockOrDefault(deps.Clock),
		logger:   logger,
	}, nil
}

// Check looks for a recoverable session.
func (r *RecoveryFlow) Check(ctx context.Context) Recovery {
	session, ok := r.sessions.Get(ctx)
	if !ok {
		return Recovery{}
	}
	remaining := session.Remaining(r.clock.Now())
	return Recovery{
		Available:   true,
		Session:     &session,
		Remaining:   remaining,
		RemainingMs: remaining.Milliseconds(),
	}
}

// Resume restores the form from the session snapshot and reopens the checkout for the same
// order. No new order is created.
func (r *RecoveryFlow) Resume(ctx context.Context, session PaymentSession, restore func(json.RawMessage) error, handlers Handlers) (*Instance, error) {
	stored, ok := r.sessions.Get(ctx)
	if !ok || stored.OrderID != session.OrderID {
		return nil, ErrSessionExpired
	}
	if restore != nil {
		if err := restore(stored.FormSnapshot); err != nil {
			return nil, err
		}
	}
	r.logger.Info("checkout: resuming payment session", zap.String("order_id", stored.OrderID))
	return r.opener.Open(ctx, OpenOptions{
		Provider:     stored.Provider,
		OrderID:      stored.OrderID,
		ClientSecret: stored.ClientSecret,
		Amount:       stored.Amount,
		Currency:     stored.Currency,
		FormSnapshot: stored.FormSnapshot,
	}, handlers)
}

// Discard drops the session and resets every window to idle.
func (r *RecoveryFlow) Discard(ctx context.Context) error {
	if err := r.sessions.Clear(ctx); err != nil {
		return err
	}
	r.states.Publish(ctx, StateIdle, StateData{})
	return nil
}

// Countdown reports the remaining validity of the session for order on every tick and discards
// it once it runs out. The stored session is re-read on every tick, so a resume that extends it
// extends the countdown. It returns when ctx is done, the session expires, or the session is
// gone or replaced by another order.
func (r *RecoveryFlow) Countdown(ctx context.Context, session PaymentSession, tick func(time.Duration)) error {
	latest := session
	for {
		now := r.clock.Now()
		current, ok := r.sessions.Get(ctx)
		switch {
		case ok && current.OrderID == latest.OrderID:
			latest = current
		case ok:
			return nil
		case latest.Remaining(now) > 0:
			return nil
		}

		remaining := latest.Remaining(now)
		if remaining <= 0 {
			if tick != nil {
				tick(0)
			}
			r.logger.Info("checkout: payment session expired", zap.String("order_id", latest.OrderID))
			return r.Discard(ctx)
		}
		if tick != nil {
			tick(remaining)
		}

		wait := time.Second
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.clock.After(wait):
		}
	}
}
