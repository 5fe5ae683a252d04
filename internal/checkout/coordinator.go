package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/freightfox/portal/internal/domain"
	"github.com/freightfox/portal/internal/platform/idempotency"
	"github.com/freightfox/portal/internal/platform/kv"
)

// Coordinator is the payment surface of one window of one profile.
type Coordinator struct {
	profile string
	window  string
	logger  *zap.Logger

	sessions  *SessionStore
	states    *Broadcaster
	adapter   *Adapter
	recovery  *RecoveryFlow
	finalizer *Finalizer
	notices   *NoticeBoard
	bridge    *BridgeGateway
	surface   *HeadlessSurface
}

// SubscribeToPaymentStateChanges registers fn for states published by any window.
func (c *Coordinator) SubscribeToPaymentStateChanges(fn func(PaymentState)) func() {
	return c.states.Subscribe(fn)
}

// OpenCheckout opens the gateway for opts. The form snapshot must hold the OrderDraft that is
// written once the payment succeeds, priced at the amount being charged.
func (c *Coordinator) OpenCheckout(ctx context.Context, opts OpenOptions, handlers Handlers) (*Instance, error) {
	draft, err := DecodeDraft(opts.FormSnapshot)
	if err == nil && (draft.Cost.Total != opts.Amount || !strings.EqualFold(strings.TrimSpace(draft.Cost.Currency), strings.TrimSpace(opts.Currency))) {
		err = fmt.Errorf("%w: draft costs %d %s, checkout charges %d %s",
			ErrInvalidOptions, draft.Cost.Total, draft.Cost.Currency, opts.Amount, opts.Currency)
	}
	if err != nil {
		c.logger.Warn("checkout: open rejected", zap.Error(err))
		return nil, err
	}
	return c.adapter.Open(ctx, opts, c.routeSuccess(draft, handlers))
}

// GetRecoverableSession returns the interrupted session, or nil.
func (c *Coordinator) GetRecoverableSession(ctx context.Context) *PaymentSession {
	return c.recovery.Check(ctx).Session
}

// Recovery returns the recovery offer including remaining validity.
func (c *Coordinator) Recovery(ctx context.Context) Recovery {
	return c.recovery.Check(ctx)
}

// Resume reopens the stored session for the same order.
func (c *Coordinator) Resume(ctx context.Context, restore func(json.RawMessage) error, handlers Handlers) (*Instance, error) {
	session, ok := c.sessions.Get(ctx)
	if !ok {
		return nil, ErrSessionExpired
	}
	draft, err := DecodeDraft(session.FormSnapshot)
	if err != nil {
		return nil, err
	}
	return c.recovery.Resume(ctx, session, restore, c.routeSuccess(draft, handlers))
}

// Discard drops the stored session and resets every window to idle.
func (c *Coordinator) Discard(ctx context.Context) error {
	c.adapter.Close()
	return c.recovery.Discard(ctx)
}

// Countdown runs the recovery countdown for the stored session.
func (c *Coordinator) Countdown(ctx context.Context, tick func(time.Duration)) error {
	session, ok := c.sessions.Get(ctx)
	if !ok {
		return ErrSessionExpired
	}
	return c.recovery.Countdown(ctx, session, tick)
}

// Finalize writes the order for an already captured payment once the provider confirms it.
// It is idempotent per payment id.
func (c *Coordinator) Finalize(ctx context.Context, result PaymentResult, draft OrderDraft) (FinalizeResult, error) {
	draft.OwnerUID = c.profile
	return c.finalizer.Finalize(ctx, result, draft)
}

// CloseCheckout closes the live widget, if any.
func (c *Coordinator) CloseCheckout() { c.adapter.Close() }

// State returns the latest published state.
func (c *Coordinator) State(ctx context.Context) PaymentState { return c.states.Current(ctx) }

// HasActivePayment reports whether an attempt is in flight in any window.
func (c *Coordinator) HasActivePayment(ctx context.Context) bool {
	return c.states.HasActivePayment(ctx)
}

// Notice returns the profile's outstanding reconciliation notice, if a finalisation failed in
// any window and support has not resolved it yet.
func (c *Coordinator) Notice(ctx context.Context) *domain.ReconciliationNotice {
	return c.notices.Current(ctx)
}

// Widget returns the widget the browser shim should render.
func (c *Coordinator) Widget() (BridgeWidget, bool) { return c.bridge.Widget() }

// DispatchGatewayEvent relays a native callback reported by the browser shim.
func (c *Coordinator) DispatchGatewayEvent(instanceID, event string, payload json.RawMessage) error {
	return c.bridge.Deliver(instanceID, event, payload)
}

// Diagnostics is the pre-flight report for the current window.
type Diagnostics struct {
	PopupBlocked bool       `json:"popupBlocked"`
	Visibility   Visibility `json:"visibility"`
}

func (c *Coordinator) Diagnostics(ctx context.Context) Diagnostics {
	return Diagnostics{
		PopupBlocked: c.adapter.DetectPopupBlocker(ctx),
		Visibility:   c.adapter.CheckVisibility(ctx),
	}
}

// ReportSurface records the shim's popup and frame observations.
func (c *Coordinator) ReportSurface(popupBlocked bool, frame *Frame) {
	c.surface.ReportPopup(popupBlocked)
	c.surface.ReportFrame(frame)
}

// Close shuts the window's widget and stops cross-window delivery.
func (c *Coordinator) Close() {
	c.adapter.Close()
	c.states.Close()
}

func (c *Coordinator) routeSuccess(draft OrderDraft, handlers Handlers) Handlers {
	routed := handlers
	draft.OwnerUID = c.profile
	routed.OnSuccess = func(ctx context.Context, result PaymentResult) {
		if _, err := c.finalizer.finalizeVerified(ctx, result, draft); err != nil {
			if handlers.OnError != nil {
				handlers.OnError(ctx, err)
			}
			return
		}
		if handlers.OnSuccess != nil {
			handlers.OnSuccess(ctx, result)
		}
	}
	return routed
}

// RegistryDeps holds what every coordinator shares.
type RegistryDeps struct {
	Storage         kv.Opener
	Loader          ScriptLoader
	Repository      ShipmentRepository
	Reconciliations ReconciliationSink
	Idempotency     idempotency.Store
	Notifier        OrderPaidNotifier
	Verifier        PaymentVerifier
	Clock           Clock
	Logger          *zap.Logger
	Meter           metric.Meter
	Config          AdapterConfig
}

// Registry hands out one Coordinator per profile and window.
type Registry struct {
	deps RegistryDeps

	mu           sync.Mutex
	coordinators map[string]*Coordinator
	closed       bool
}

func NewRegistry(deps RegistryDeps) (*Registry, error) {
	if deps.Storage == nil {
		return nil, errors.New("checkout registry: storage is required")
	}
	if deps.Loader == nil {
		return nil, errors.New("checkout registry: script loader is required")
	}
	if deps.Repository == nil || deps.Reconciliations == nil {
		return nil, errors.New("checkout registry: shipment repository and reconciliation sink are required")
	}
	if deps.Verifier == nil {
		return nil, errors.New("checkout registry: payment verifier is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Idempotency == nil {
		deps.Idempotency = idempotency.NewMemoryStore()
	}
	return &Registry{deps: deps, coordinators: make(map[string]*Coordinator)}, nil
}

// For returns the coordinator for profileID's window, creating it on first use.
func (r *Registry) For(profileID, windowID string) (*Coordinator, error) {
	profileID, windowID = strings.TrimSpace(profileID), strings.TrimSpace(windowID)
	key := profileID + "\x00" + windowID

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrCoordinatorClosed
	}
	if c, ok := r.coordinators[key]; ok {
		return c, nil
	}
	c, err := r.build(profileID, windowID)
	if err != nil {
		return nil, err
	}
	r.coordinators[key] = c
	return c, nil
}

// Release closes and forgets one window's coordinator.
func (r *Registry) Release(profileID, windowID string) {
	key := strings.TrimSpace(profileID) + "\x00" + strings.TrimSpace(windowID)
	r.mu.Lock()
	c, ok := r.coordinators[key]
	delete(r.coordinators, key)
	r.mu.Unlock()
	if ok {
		c.Close()
	}
}

// Close closes every coordinator.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	coordinators := r.coordinators
	r.coordinators = make(map[string]*Coordinator)
	r.mu.Unlock()
	for _, c := range coordinators {
		c.Close()
	}
}

func (r *Registry) build(profileID, windowID string) (*Coordinator, error) {
	store, err := r.deps.Storage.Open(profileID, windowID)
	if err != nil {
		return nil, err
	}
	logger := r.deps.Logger.With(zap.String("window_id", windowID))

	sessions, err := NewSessionStore(SessionStoreDeps{Storage: store, Clock: r.deps.Clock, Logger: logger, TTL: r.deps.Config.SessionTTL})
	if err != nil {
		return nil, err
	}
	states, err := NewBroadcaster(BroadcasterDeps{Storage: store, Clock: r.deps.Clock, Logger: logger, Meter: r.deps.Meter})
	if err != nil {
		return nil, err
	}
	bridge := NewBridgeGateway()
	surface := NewHeadlessSurface()
	adapter, err := NewAdapter(AdapterDeps{
		Gateway:  bridge,
		Loader:   r.deps.Loader,
		Overlays: surface,
		Popups:   surface,
		Frames:   surface,
		Sessions: sessions,
		States:   states,
		Verifier: r.deps.Verifier,
		Clock:    r.deps.Clock,
		Logger:   logger,
		Meter:    r.deps.Meter,
		Config:   r.deps.Config,
	})
	if err != nil {
		states.Close()
		return nil, err
	}
	recovery, err := NewRecoveryFlow(RecoveryDeps{Sessions: sessions, States: states, Opener: adapter, Clock: r.deps.Clock, Logger: logger})
	if err != nil {
		states.Close()
		return nil, err
	}
	notices, err := NewNoticeBoard(NoticeBoardDeps{Storage: store, Reconciliations: r.deps.Reconciliations, Logger: logger})
	if err != nil {
		states.Close()
		return nil, err
	}
	finalizer, err := NewFinalizer(FinalizerDeps{
		Repository:      r.deps.Repository,
		Reconciliations: r.deps.Reconciliations,
		Idempotency:     r.deps.Idempotency,
		Notifier:        r.deps.Notifier,
		Verifier:        r.deps.Verifier,
		Notices:         notices,
		Sessions:        sessions,
		States:          states,
		Clock:           r.deps.Clock,
		Logger:          logger,
	})
	if err != nil {
		states.Close()
		return nil, err
	}

	return &Coordinator{
		profile:   profileID,
		window:    windowID,
		logger:    logger,
		sessions:  sessions,
		states:    states,
		adapter:   adapter,
		recovery:  recovery,
		finalizer: finalizer,
		notices:   notices,
		bridge:    bridge,
		surface:   surface,
	}, nil
}
