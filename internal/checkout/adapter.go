package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/googleapis/gax-go/v2"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/text/currency"

	"github.com/freightfox/portal/internal/payments"
)

// GatewayOptions mirrors the SDK constructor options.
type GatewayOptions struct {
	Key          string            `json:"key"`
	Amount       int64             `json:"amount"`
	Currency     string            `json:"currency"`
	OrderID      string            `json:"order_id"`
	ClientSecret string            `json:"client_secret,omitempty"`
	Name         string            `json:"name,omitempty"`
	Description  string            `json:"description,omitempty"`
	Prefill      Prefill           `json:"prefill"`
	Notes        map[string]string `json:"notes,omitempty"`
	Theme        Theme             `json:"theme"`
	Modal        ModalOptions      `json:"modal"`

	// InstanceID is the adapter's handle for the widget; callbacks are routed by it.
	InstanceID string `json:"-"`
	Provider   string `json:"-"`
	ScriptURL  string `json:"-"`

	// Handler receives the completion payload.
	Handler func(payload json.RawMessage) `json:"-"`
}

type Prefill struct {
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
	Contact string `json:"contact,omitempty"`
}

type Theme struct {
	Color string `json:"color,omitempty"`
}

type ModalOptions struct {
	Escape        bool   `json:"escape"`
	BackdropClose bool   `json:"backdropclose"`
	OnDismiss     func() `json:"-"`
}

// Gateway constructs checkout widgets.
type Gateway interface {
	New(ctx context.Context, opts GatewayOptions) (GatewayInstance, error)
}

// GatewayInstance is one native widget.
type GatewayInstance interface {
	On(event string, fn func(payload json.RawMessage))
	Open() error
	Close() error
}

// PaymentVerifier confirms with the provider that a reported completion really paid the order.
type PaymentVerifier interface {
	VerifyPayment(ctx context.Context, completion payments.Completion) error
}

// OpenOptions describes the checkout to open. Provider selects the widget; empty means the
// default provider. ClientSecret is required by providers that confirm client side.
type OpenOptions struct {
	Provider     string            `json:"provider,omitempty"`
	OrderID      string            `json:"orderId"`
	ClientSecret string            `json:"clientSecret,omitempty"`
	Amount       int64             `json:"amount"`
	Currency     string            `json:"currency"`
	Description  string            `json:"description,omitempty"`
	Prefill      Prefill           `json:"prefill"`
	Notes        map[string]string `json:"notes,omitempty"`
	FormSnapshot json.RawMessage   `json:"formSnapshot,omitempty"`
}

// PaymentResult is the gateway's completion payload.
type PaymentResult struct {
	Provider  string `json:"provider,omitempty"`
	PaymentID string `json:"paymentId"`
	OrderID   string `json:"orderId"`
	Signature string `json:"signature"`
}

// Handlers receive the outcome of an attempt. All fields are optional.
type Handlers struct {
	OnSuccess    func(ctx context.Context, result PaymentResult)
	OnError      func(ctx context.Context, err error)
	OnModalClose func(ctx context.Context)
}

// GatewayProfile is what the browser needs to render one provider's widget.
type GatewayProfile struct {
	Key          string
	ScriptURL    string
	FramePattern string
}

// AdapterConfig holds gateway settings. Key, ScriptURL and FramePattern describe the default
// provider's widget; Gateways adds widgets for other providers.
type AdapterConfig struct {
	DefaultProvider string
	Key             string
	ScriptURL       string
	FramePattern    string
	Gateways        map[string]GatewayProfile
	MaxAttempts     int
	Backoff         time.Duration
	OverlayZIndex   int
	SessionTTL      time.Duration
	MerchantName    string
	ThemeColor      string
}

const (
	defaultMaxAttempts   = 3
	defaultBackoff       = time.Second
	defaultOverlayZIndex = 2147483646
)

var defaultProfiles = map[string]GatewayProfile{
	payments.ProviderRazorpay: {ScriptURL: "https://checkout.razorpay.com/v1/checkout.js", FramePattern: "api.razorpay.com"},
	payments.ProviderStripe:   {ScriptURL: "https://js.stripe.com/v3/", FramePattern: "js.stripe.com"},
}

// AdapterDeps wires an Adapter.
type AdapterDeps struct {
	Gateway  Gateway
	Loader   ScriptLoader
	Overlays OverlayHost
	Popups   PopupOpener
	Frames   FrameLocator
	Sessions *SessionStore
	States   *Broadcaster
	Verifier PaymentVerifier
	Clock    Clock
	Logger   *zap.Logger
	Meter    metric.Meter
	Config   AdapterConfig
}

// Adapter owns the single live gateway widget of a window and turns its callbacks into states.
type Adapter struct {
	gateway  Gateway
	loader   ScriptLoader
	overlays OverlayHost
	popups   PopupOpener
	frames   FrameLocator
	sessions *SessionStore
	states   *Broadcaster
	verifier PaymentVerifier
	clock    Clock
	logger   *zap.Logger
	attempts metric.Int64Counter
	cfg      AdapterConfig
	profiles map[string]GatewayProfile

	// openMu serialises Open so that only one widget is ever built at a time.
	openMu sync.Mutex

	mu     sync.Mutex
	active *Instance
}

// Instance is the handle for one opened widget.
type Instance struct {
	ID        string
	SessionID string
	OrderID   string
	Provider  string
	Amount    int64
	Currency  string

	native   GatewayInstance
	overlay  Overlay
	handlers Handlers

	// guarded by Adapter.mu
	state  PaymentState
	closed bool
}

func NewAdapter(deps AdapterDeps) (*Adapter, error) {
	if deps.Gateway == nil {
		return nil, errors.New("checkout adapter: gateway is required")
	}
	if deps.Loader == nil {
		return nil, errors.New("checkout adapter: script loader is required")
	}
	if deps.Overlays == nil {
		return nil, errors.New("checkout adapter: overlay host is required")
	}
	if deps.Sessions == nil || deps.States == nil {
		return nil, errors.New("checkout adapter: session store and broadcaster are required")
	}
	if deps.Verifier == nil {
		return nil, errors.New("checkout adapter: payment verifier is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(instrumentationName)
	}
	attempts, err := meter.Int64Counter("checkout.script.attempts",
		metric.WithDescription("Gateway script load attempts, by outcome"))
	if err != nil {
		return nil, err
	}

	cfg := deps.Config
	cfg.DefaultProvider = strings.ToLower(strings.TrimSpace(cfg.DefaultProvider))
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = payments.ProviderRazorpay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = defaultBackoff
	}
	if cfg.OverlayZIndex <= 0 {
		cfg.OverlayZIndex = defaultOverlayZIndex
	}
	profiles, err := gatewayProfiles(cfg)
	if err != nil {
		return nil, err
	}

	return &Adapter{
		gateway:  deps.Gateway,
		loader:   deps.Loader,
		overlays: deps.Overlays,
		popups:   deps.Popups,
		frames:   deps.Frames,
		sessions: deps.Sessions,
		states:   deps.States,
		verifier: deps.Verifier,
		clock:    clockOrDefault(deps.Clock),
		logger:   logger,
		attempts: attempts,
		cfg:      cfg,
		profiles: profiles,
	}, nil
}

func gatewayProfiles(cfg AdapterConfig) (map[string]GatewayProfile, error) {
	profiles := make(map[string]GatewayProfile, len(cfg.Gateways)+1)
	for name, profile := range cfg.Gateways {
		profiles[strings.ToLower(strings.TrimSpace(name))] = profile
	}
	if _, ok := profiles[cfg.DefaultProvider]; !ok || cfg.Key != "" {
		profiles[cfg.DefaultProvider] = GatewayProfile{Key: cfg.Key, ScriptURL: cfg.ScriptURL, FramePattern: cfg.FramePattern}
	}
	for name, profile := range profiles {
		defaults := defaultProfiles[name]
		if profile.ScriptURL == "" {
			profile.ScriptURL = defaults.ScriptURL
		}
		if profile.FramePattern == "" {
			profile.FramePattern = defaults.FramePattern
		}
		if profile.ScriptURL == "" {
			return nil, fmt.Errorf("checkout adapter: no checkout script for provider %q", name)
		}
		profiles[name] = profile
	}
	return profiles, nil
}

// Open replaces any live widget with a new one for opts and returns as soon as it is shown.
// The outcome arrives through handlers and the broadcaster. Concurrent calls are serialised;
// the last one to run owns the window's widget.
func (a *Adapter) Open(ctx context.Context, opts OpenOptions, handlers Handlers) (*Instance, error) {
	if err := validateOpenOptions(&opts, a.cfg.DefaultProvider); err != nil {
		a.logger.Warn("checkout: open rejected", zap.Error(err))
		return nil, err
	}
	profile, ok := a.profiles[opts.Provider]
	if !ok {
		err := fmt.Errorf("%w: provider %q has no checkout widget", ErrInvalidOptions, opts.Provider)
		a.logger.Warn("checkout: open rejected", zap.Error(err))
		return nil, err
	}

	a.openMu.Lock()
	defer a.openMu.Unlock()
	a.Close()

	session := PaymentSession{
		Provider:     opts.Provider,
		OrderID:      opts.OrderID,
		ClientSecret: opts.ClientSecret,
		Amount:       opts.Amount,
		Currency:     opts.Currency,
		FormSnapshot: opts.FormSnapshot,
	}
	if err := a.sessions.Save(ctx, session, a.cfg.SessionTTL); err != nil {
		a.logger.Warn("checkout: session not persisted", zap.String("order_id", opts.OrderID), zap.Error(err))
	}

	inst := &Instance{
		ID:        ulid.Make().String(),
		SessionID: ulid.Make().String(),
		OrderID:   opts.OrderID,
		Provider:  opts.Provider,
		Amount:    opts.Amount,
		Currency:  opts.Currency,
		handlers:  handlers,
	}
	logger := a.logger.With(zap.String("session_id", inst.SessionID), zap.String("order_id", inst.OrderID), zap.String("provider", inst.Provider))

	if err := a.loadScript(ctx, profile.ScriptURL, logger); err != nil {
		return nil, a.failInit(ctx, inst, err)
	}

	overlay, err := a.overlays.InsertOverlay(a.cfg.OverlayZIndex)
	if err != nil {
		return nil, a.failInit(ctx, inst, &GatewayInitError{Err: fmt.Errorf("insert overlay: %w", err)})
	}
	inst.overlay = overlay

	native, err := a.gateway.New(ctx, GatewayOptions{
		Key:          profile.Key,
		Amount:       opts.Amount,
		Currency:     opts.Currency,
		OrderID:      opts.OrderID,
		ClientSecret: opts.ClientSecret,
		Name:         a.cfg.MerchantName,
		Description:  opts.Description,
		Prefill:      opts.Prefill,
		Notes:        opts.Notes,
		Theme:        Theme{Color: a.cfg.ThemeColor},
		Modal: ModalOptions{
			OnDismiss: func() { a.dispatch(inst, Event{Kind: EventDismiss}) },
		},
		InstanceID: inst.ID,
		Provider:   inst.Provider,
		ScriptURL:  profile.ScriptURL,
		Handler:    func(payload json.RawMessage) { a.handleNative(inst, string(EventSuccess), payload) },
	})
	if err != nil {
		overlay.Remove()
		return nil, a.failInit(ctx, inst, &GatewayInitError{Err: err})
	}
	inst.native = native
	for _, kind := range gatewayEvents {
		name := string(kind)
		native.On(name, func(payload json.RawMessage) { a.handleNative(inst, name, payload) })
	}

	initiated, err := Reduce(a.states.Current(ctx), Event{Kind: EventOpened, SessionID: inst.SessionID, OrderID: inst.OrderID}, a.clock.Now())
	if err != nil {
		a.teardown(inst)
		return nil, err
	}

	a.mu.Lock()
	prev := a.active
	if prev != nil {
		prev.closed = true
	}
	inst.state = initiated
	a.active = inst
	a.mu.Unlock()
	if prev != nil {
		a.teardown(prev)
	}

	a.states.publish(ctx, initiated)

	if err := native.Open(); err != nil {
		a.mu.Lock()
		if a.active == inst {
			a.active = nil
		}
		inst.closed = true
		a.mu.Unlock()
		a.teardown(inst)
		return nil, a.failInit(ctx, inst, &GatewayInitError{Err: fmt.Errorf("open widget: %w", err)})
	}
	logger.Info("checkout: widget opened", zap.String("instance_id", inst.ID))
	return inst, nil
}

// Close tears down the live widget and its overlay. It is safe to call at any time.
func (a *Adapter) Close() {
	a.mu.Lock()
	inst := a.active
	a.active = nil
	if inst != nil {
		inst.closed = true
	}
	a.mu.Unlock()
	if inst != nil {
		a.teardown(inst)
	}
}

// Active returns the live instance, if any.
func (a *Adapter) Active() *Instance {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// DetectPopupBlocker reports whether a blank popup was prevented from opening.
func (a *Adapter) DetectPopupBlocker(ctx context.Context) bool {
	if a.popups == nil {
		return false
	}
	opened, err := a.popups.TryPopup(ctx)
	if err != nil {
		a.logger.Debug("checkout: popup check failed", zap.Error(err))
		return true
	}
	return !opened
}

// CheckVisibility reports whether the gateway frame is likely visible. The frame is never modified.
func (a *Adapter) CheckVisibility(ctx context.Context) Visibility {
	if a.frames == nil {
		return Visibility{Reason: ReasonNotFound}
	}
	provider := a.cfg.DefaultProvider
	if inst := a.Active(); inst != nil {
		provider = inst.Provider
	}
	frame, ok, err := a.frames.FindFrame(ctx, a.profiles[provider].FramePattern)
	if err != nil {
		a.logger.Debug("checkout: visibility check failed", zap.Error(err))
		return Visibility{Reason: ReasonNotFound}
	}
	if !ok {
		return Visibility{Reason: ReasonNotFound}
	}
	return evaluateFrame(frame)
}

func (a *Adapter) loadScript(ctx context.Context, url string, logger *zap.Logger) error {
	var lastErr error
	for attempt := 1; attempt <= a.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			a.loader.Remove(url)
			if err := gax.Sleep(ctx, a.cfg.Backoff); err != nil {
				return &ScriptLoadError{URL: url, Attempts: attempt - 1, Err: err}
			}
		}
		lastErr = a.loader.Load(ctx, url)
		outcome := "ok"
		if lastErr != nil {
			outcome = "error"
		}
		a.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
		if lastErr == nil {
			return nil
		}
		logger.Warn("checkout: gateway script load failed", zap.Int("attempt", attempt), zap.Error(lastErr))
	}
	return &ScriptLoadError{URL: url, Attempts: a.cfg.MaxAttempts, Err: lastErr}
}

// failInit surfaces an initialisation failure as failed/INITIALIZATION_ERROR. The session is kept.
func (a *Adapter) failInit(ctx context.Context, inst *Instance, err error) error {
	a.logger.Error("checkout: gateway initialisation failed", zap.String("session_id", inst.SessionID), zap.Error(err))
	failed, _ := Reduce(a.states.Current(ctx), Event{
		Kind:      EventInitFailed,
		SessionID: inst.SessionID,
		OrderID:   inst.OrderID,
		Error:     stateError(err),
	}, a.clock.Now())
	a.states.publish(ctx, failed)
	if inst.handlers.OnError != nil {
		inst.handlers.OnError(ctx, err)
	}
	return err
}

func (a *Adapter) handleNative(inst *Instance, name string, payload json.RawMessage) {
	ev, err := ParseGatewayEvent(name, payload)
	if err != nil {
		a.logger.Warn("checkout: rejected gateway payload", zap.String("event", name), zap.Error(err))
		return
	}
	a.dispatch(inst, ev)
}

// dispatch applies ev to inst. Events for a superseded or closed instance are dropped.
// A success is only applied once the provider confirms it; otherwise it becomes
// failed/INVALID_RESPONSE.
func (a *Adapter) dispatch(inst *Instance, ev Event) {
	ctx := context.Background()
	ev.SessionID = inst.SessionID

	if !a.live(inst) {
		a.logger.Debug("checkout: ignoring event from superseded widget", zap.String("event", string(ev.Kind)), zap.String("instance_id", inst.ID))
		return
	}

	var surfaced error
	if ev.Kind == EventSuccess {
		if ev.PaymentID == "" {
			a.logger.Error("checkout: success callback without payment id", zap.String("session_id", inst.SessionID), zap.String("order_id", inst.OrderID))
			surfaced = ErrInvalidPaymentResponse
		} else if err := a.verify(ctx, inst, ev); err != nil {
			a.logger.Error("checkout: payment completion rejected",
				zap.String("session_id", inst.SessionID),
				zap.String("order_id", inst.OrderID),
				zap.String("payment_id", ev.PaymentID),
				zap.Error(err))
			surfaced = err
		}
		if surfaced != nil {
			ev = Event{Kind: EventFailed, SessionID: inst.SessionID, Error: stateError(surfaced)}
		}
	}

	a.mu.Lock()
	if inst.closed || a.active != inst {
		a.mu.Unlock()
		a.logger.Debug("checkout: ignoring event from superseded widget", zap.String("event", string(ev.Kind)), zap.String("instance_id", inst.ID))
		return
	}
	next, err := Reduce(inst.state, ev, a.clock.Now())
	if err != nil {
		a.mu.Unlock()
		a.logger.Warn("checkout: gateway event rejected", zap.String("event", string(ev.Kind)), zap.String("state", string(inst.state.State)), zap.Error(err))
		return
	}
	inst.state = next
	terminal := next.State.Terminal()
	if terminal {
		inst.closed = true
		a.active = nil
	}
	a.mu.Unlock()

	if terminal {
		a.teardown(inst)
	}
	a.states.publish(ctx, next)

	h := inst.handlers
	switch next.State {
	case StateSuccess:
		if h.OnSuccess != nil {
			h.OnSuccess(ctx, PaymentResult{Provider: inst.Provider, PaymentID: next.PaymentID, OrderID: inst.OrderID, Signature: ev.Signature})
		}
	case StateFailed:
		if surfaced == nil {
			surfaced = &PaymentFailedError{Code: next.Error.Code, Description: next.Error.Description, PaymentID: next.PaymentID}
		}
		if h.OnError != nil {
			h.OnError(ctx, surfaced)
		}
	case StateCancelled:
		if h.OnModalClose != nil {
			h.OnModalClose(ctx)
		}
	}
}

func (a *Adapter) live(inst *Instance) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !inst.closed && a.active == inst
}

// verify checks a success callback against the order the widget was opened for.
func (a *Adapter) verify(ctx context.Context, inst *Instance, ev Event) error {
	if ev.OrderID != "" && ev.OrderID != inst.OrderID {
		return fmt.Errorf("%w: completion names order %q", ErrPaymentUnverified, ev.OrderID)
	}
	err := a.verifier.VerifyPayment(ctx, payments.Completion{
		Provider:  inst.Provider,
		OrderID:   inst.OrderID,
		PaymentID: ev.PaymentID,
		Signature: ev.Signature,
		Amount:    inst.Amount,
		Currency:  inst.Currency,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPaymentUnverified, err)
	}
	return nil
}

func (a *Adapter) teardown(inst *Instance) {
	if inst.native != nil {
		if err := inst.native.Close(); err != nil {
			a.logger.Debug("checkout: widget close failed", zap.String("instance_id", inst.ID), zap.Error(err))
		}
	}
	if inst.overlay != nil {
		inst.overlay.Remove()
	}
}

func validateOpenOptions(opts *OpenOptions, defaultProvider string) error {
	opts.Provider = strings.ToLower(strings.TrimSpace(opts.Provider))
	if opts.Provider == "" {
		opts.Provider = defaultProvider
	}
	opts.OrderID = strings.TrimSpace(opts.OrderID)
	if opts.OrderID == "" {
		return fmt.Errorf("%w: order id is required", ErrInvalidOptions)
	}
	if opts.Provider == payments.ProviderStripe && strings.TrimSpace(opts.ClientSecret) == "" {
		return fmt.Errorf("%w: client secret is required for %s", ErrInvalidOptions, opts.Provider)
	}
	if opts.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidOptions)
	}
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(opts.Currency)))
	if err != nil {
		return fmt.Errorf("%w: currency %q", ErrInvalidOptions, opts.Currency)
	}
	opts.Currency = unit.String()
	return nil
}
