package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"html"
	"sync"

	"github.com/microcosm-cc/bluemonday"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/freightfox/portal/internal/platform/kv"
)

const instrumentationName = "github.com/freightfox/portal/internal/checkout"

// BroadcasterDeps wires a Broadcaster.
type BroadcasterDeps struct {
	Storage kv.Store
	Clock   Clock
	Logger  *zap.Logger
	Meter   metric.Meter
}

// Broadcaster publishes lifecycle states to this window's subscribers synchronously and to
// other windows of the profile through shared storage.
type Broadcaster struct {
	storage     kv.Store
	clock       Clock
	logger      *zap.Logger
	policy      *bluemonday.Policy
	transitions metric.Int64Counter

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]func(PaymentState)

	stopWatch func()
}

func NewBroadcaster(deps BroadcasterDeps) (*Broadcaster, error) {
	if deps.Storage == nil {
		return nil, errors.New("broadcaster: storage is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(instrumentationName)
	}
	transitions, err := meter.Int64Counter("checkout.state.transitions",
		metric.WithDescription("Payment lifecycle states published, by state"))
	if err != nil {
		return nil, err
	}

	b := &Broadcaster{
		storage:     deps.Storage,
		clock:       clockOrDefault(deps.Clock),
		logger:      logger,
		policy:      bluemonday.StrictPolicy(),
		transitions: transitions,
		subs:        make(map[uint64]func(PaymentState)),
	}
	stop, err := deps.Storage.Watch(StateKey, b.onRemoteChange)
	if err != nil {
		return nil, err
	}
	b.stopWatch = stop
	return b, nil
}

// Publish stamps and stores a new state, then delivers it to this window's subscribers
// before returning. Unknown states are logged and ignored.
func (b *Broadcaster) Publish(ctx context.Context, state State, data StateData) (PaymentState, bool) {
	if !state.Valid() {
		b.logger.Warn("checkout: ignoring unknown payment state", zap.String("state", string(state)))
		return PaymentState{}, false
	}
	return b.publish(ctx, PaymentState{
		State:     state,
		SessionID: data.SessionID,
		PaymentID: data.PaymentID,
		OrderID:   data.OrderID,
		Error:     data.Error,
	})
}

func (b *Broadcaster) publish(ctx context.Context, ps PaymentState) (PaymentState, bool) {
	if ps.Timestamp == 0 {
		ps.Timestamp = b.clock.Now().UnixMilli()
	}
	if ps.Error != nil {
		ps.Error = &ErrorInfo{
			Code:        plainText(b.policy, ps.Error.Code),
			Description: plainText(b.policy, ps.Error.Description),
		}
	}

	payload, err := json.Marshal(ps)
	if err != nil {
		b.logger.Error("checkout: encode payment state", zap.Error(err))
		return PaymentState{}, false
	}
	if err := b.storage.Set(ctx, StateKey, payload); err != nil {
		b.logger.Error("checkout: store payment state", zap.String("state", string(ps.State)), zap.Error(err))
		return PaymentState{}, false
	}
	b.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", string(ps.State))))
	b.dispatch(ps)
	return ps, true
}

// Subscribe registers fn for every state published by any window of the profile.
func (b *Broadcaster) Subscribe(fn func(PaymentState)) func() {
	if fn == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Current returns the latest stored state, or idle when none is stored or it is unreadable.
func (b *Broadcaster) Current(ctx context.Context) PaymentState {
	raw, ok, err := b.storage.Get(ctx, StateKey)
	if err != nil {
		b.logger.Warn("checkout: read payment state", zap.Error(err))
		return PaymentState{State: StateIdle}
	}
	if !ok {
		return PaymentState{State: StateIdle}
	}
	ps, ok := decodeState(raw)
	if !ok {
		return PaymentState{State: StateIdle}
	}
	return ps
}

// HasActivePayment reports whether the latest state belongs to an attempt still in flight.
func (b *Broadcaster) HasActivePayment(ctx context.Context) bool {
	return b.Current(ctx).State.Active()
}

// Clear drops the stored state. Other windows observe idle; local subscribers are not notified.
func (b *Broadcaster) Clear(ctx context.Context) error {
	return b.storage.Remove(ctx, StateKey)
}

// Close stops listening for other windows.
func (b *Broadcaster) Close() {
	if b.stopWatch != nil {
		b.stopWatch()
	}
	b.mu.Lock()
	b.subs = make(map[uint64]func(PaymentState))
	b.mu.Unlock()
}

func (b *Broadcaster) onRemoteChange(change kv.Change) {
	if change.Removed() {
		b.dispatch(PaymentState{State: StateIdle, Timestamp: b.clock.Now().UnixMilli()})
		return
	}
	ps, ok := decodeState(change.NewValue)
	if !ok {
		b.logger.Debug("checkout: skipping malformed state from another window", zap.String("origin", change.Origin))
		return
	}
	b.dispatch(ps)
}

func (b *Broadcaster) dispatch(ps PaymentState) {
	b.mu.Lock()
	subs := make([]func(PaymentState), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.Unlock()

	for _, fn := range subs {
		b.deliver(fn, ps)
	}
}

func (b *Broadcaster) deliver(fn func(PaymentState), ps PaymentState) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("checkout: state subscriber panicked", zap.Any("panic", r), zap.String("state", string(ps.State)))
		}
	}()
	fn(ps)
}

func decodeState(raw []byte) (PaymentState, bool) {
	var ps PaymentState
	if err := json.Unmarshal(raw, &ps); err != nil {
		return PaymentState{}, false
	}
	if !ps.State.Valid() {
		return PaymentState{}, false
	}
	return ps, true
}

// plainText strips markup from s. Entities the policy escapes are decoded again, so the result
// is the text itself; renderers escape it.
func plainText(policy *bluemonday.Policy, s string) string {
	return html.UnescapeString(policy.Sanitize(s))
}
