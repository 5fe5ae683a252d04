package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/freightfox/portal/internal/domain"
	"github.com/freightfox/portal/internal/payments"
	"github.com/freightfox/portal/internal/platform/kv"
)

// fakeClock only moves when told to. After advances the clock by d and fires at once.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.Advance(d)
	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return ch
}

type fakeLoader struct {
	mu       sync.Mutex
	failures int
	loads    int
	removes  int
}

func (l *fakeLoader) Load(context.Context, string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loads++
	if l.failures < 0 || l.loads <= l.failures {
		return errors.New("script onerror")
	}
	return nil
}

func (l *fakeLoader) Remove(string) {
	l.mu.Lock()
	l.removes++
	l.mu.Unlock()
}

type fakeGateway struct {
	mu        sync.Mutex
	instances []*fakeInstance
	err       error
}

func (g *fakeGateway) New(_ context.Context, opts GatewayOptions) (GatewayInstance, error) {
	if g.err != nil {
		return nil, g.err
	}
	inst := &fakeInstance{opts: opts, handlers: make(map[string]func(json.RawMessage))}
	g.mu.Lock()
	g.instances = append(g.instances, inst)
	g.mu.Unlock()
	return inst, nil
}

func (g *fakeGateway) live() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, inst := range g.instances {
		if inst.isOpen() {
			n++
		}
	}
	return n
}

func (g *fakeGateway) last(t *testing.T) *fakeInstance {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.instances) == 0 {
		t.Fatalf("no gateway instance created")
	}
	return g.instances[len(g.instances)-1]
}

type fakeInstance struct {
	opts GatewayOptions

	mu       sync.Mutex
	handlers map[string]func(json.RawMessage)
	opened   bool
	closed   bool
}

func (i *fakeInstance) On(event string, fn func(json.RawMessage)) {
	i.mu.Lock()
	i.handlers[event] = fn
	i.mu.Unlock()
}

func (i *fakeInstance) Open() error {
	i.mu.Lock()
	i.opened = true
	i.mu.Unlock()
	return nil
}

func (i *fakeInstance) Close() error {
	i.mu.Lock()
	i.closed = true
	i.mu.Unlock()
	return nil
}

func (i *fakeInstance) isOpen() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.opened && !i.closed
}

func (i *fakeInstance) emit(event string, payload string) {
	i.mu.Lock()
	fn := i.handlers[event]
	i.mu.Unlock()
	if fn != nil {
		fn(json.RawMessage(payload))
	}
}

func (i *fakeInstance) succeed(payload string) { i.opts.Handler(json.RawMessage(payload)) }

func (i *fakeInstance) dismiss() { i.opts.Modal.OnDismiss() }

type fakeRepo struct {
	mu        sync.Mutex
	created   []domain.Shipment
	statuses  map[string]domain.ShipmentStatus
	createErr error
}

func (r *fakeRepo) CreateOrder(_ context.Context, s domain.Shipment) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, s)
	if r.createErr != nil {
		return "", r.createErr
	}
	return s.ID, nil
}

func (r *fakeRepo) UpdateOrderStatus(_ context.Context, id string, status domain.ShipmentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.statuses == nil {
		r.statuses = make(map[string]domain.ShipmentStatus)
	}
	r.statuses[id] = status
	return nil
}

func (r *fakeRepo) calls() []domain.Shipment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Shipment(nil), r.created...)
}

type fakeRecon struct {
	mu       sync.Mutex
	notices  []domain.ReconciliationNotice
	resolved map[string]bool
}

func (r *fakeRecon) RecordReconciliation(_ context.Context, n domain.ReconciliationNotice) error {
	r.mu.Lock()
	r.notices = append(r.notices, n)
	r.mu.Unlock()
	return nil
}

func (r *fakeRecon) Get(_ context.Context, id string) (domain.ReconciliationNotice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.notices {
		if n.ID == id {
			n.Resolved = r.resolved[id]
			return n, nil
		}
	}
	return domain.ReconciliationNotice{}, errors.New("notice not found")
}

func (r *fakeRecon) resolve(id string) {
	r.mu.Lock()
	if r.resolved == nil {
		r.resolved = make(map[string]bool)
	}
	r.resolved[id] = true
	r.mu.Unlock()
}

// fakeVerifier accepts every completion unless err is set.
type fakeVerifier struct {
	mu   sync.Mutex
	err  error
	seen []payments.Completion
}

func (v *fakeVerifier) VerifyPayment(_ context.Context, c payments.Completion) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.seen = append(v.seen, c)
	return v.err
}

func (v *fakeVerifier) calls() []payments.Completion {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]payments.Completion(nil), v.seen...)
}

// fakePSP answers payment lookups from a fixed table, keyed by payment id.
type fakePSP struct {
	mu       sync.Mutex
	payments map[string]payments.PaymentDetails
}

func (p *fakePSP) capture(paymentID, orderID string, amount int64, currency string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.payments == nil {
		p.payments = make(map[string]payments.PaymentDetails)
	}
	p.payments[paymentID] = payments.PaymentDetails{
		Provider:  payments.ProviderRazorpay,
		PaymentID: paymentID,
		OrderID:   orderID,
		Status:    payments.StatusSucceeded,
		Amount:    amount,
		Currency:  currency,
		Captured:  true,
	}
}

func (p *fakePSP) CreateOrder(context.Context, payments.CreateOrderRequest) (payments.Order, error) {
	return payments.Order{}, errors.New("not used")
}

func (p *fakePSP) LookupPayment(_ context.Context, req payments.LookupRequest) (payments.PaymentDetails, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	details, ok := p.payments[req.PaymentID]
	if !ok {
		return payments.PaymentDetails{}, errors.New("payment not found")
	}
	return details, nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []domain.OrderPaidEvent
	err    error
}

func (n *fakeNotifier) NotifyOrderPaid(_ context.Context, e domain.OrderPaidEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	return n.err
}

// stateRecorder collects states delivered to a subscriber.
type stateRecorder struct {
	mu     sync.Mutex
	states []PaymentState
	signal chan struct{}
}

func newStateRecorder() *stateRecorder {
	return &stateRecorder{signal: make(chan struct{}, 32)}
}

func (r *stateRecorder) record(ps PaymentState) {
	r.mu.Lock()
	r.states = append(r.states, ps)
	r.mu.Unlock()
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

func (r *stateRecorder) sequence() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, 0, len(r.states))
	for _, ps := range r.states {
		out = append(out, ps.State)
	}
	return out
}

func (r *stateRecorder) last(t *testing.T) PaymentState {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		t.Fatalf("no state recorded")
	}
	return r.states[len(r.states)-1]
}

func (r *stateRecorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.signal:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for state")
	}
}

// harness wires one window's components over in-memory storage.
type harness struct {
	clock    *fakeClock
	memory   *kv.Memory
	store    kv.Store
	sessions *SessionStore
	states   *Broadcaster
	gateway  *fakeGateway
	loader   *fakeLoader
	verifier *fakeVerifier
	surface  *HeadlessSurface
	adapter  *Adapter
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:    newFakeClock(),
		memory:   kv.NewMemory(),
		gateway:  &fakeGateway{},
		loader:   &fakeLoader{},
		verifier: &fakeVerifier{},
		surface:  NewHeadlessSurface(),
	}
	t.Cleanup(func() { _ = h.memory.Close() })

	store, err := h.memory.Open("uid-1", "tab-a")
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	h.store = store
	h.sessions, err = NewSessionStore(SessionStoreDeps{Storage: store, Clock: h.clock})
	if err != nil {
		t.Fatalf("new session store: %v", err)
	}
	h.states, err = NewBroadcaster(BroadcasterDeps{Storage: store, Clock: h.clock})
	if err != nil {
		t.Fatalf("new broadcaster: %v", err)
	}
	t.Cleanup(h.states.Close)
	h.adapter, err = NewAdapter(AdapterDeps{
		Gateway:  h.gateway,
		Loader:   h.loader,
		Overlays: h.surface,
		Popups:   h.surface,
		Frames:   h.surface,
		Sessions: h.sessions,
		States:   h.states,
		Verifier: h.verifier,
		Clock:    h.clock,
		Config:   AdapterConfig{Key: "rzp_test_key", Backoff: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return h
}

func testDraft() OrderDraft {
	return OrderDraft{
		ServiceLevel: "express",
		Sender:       domain.Address{Name: "Asha Rao", Line1: "12 MG Road", City: "Bengaluru", State: "KA", PostalCode: "560001", Country: "IN"},
		Recipient:    domain.Address{Name: "Vikram Shah", Line1: "4 Marine Drive", City: "Mumbai", State: "MH", PostalCode: "400002", Country: "IN"},
		Package:      domain.PackageDetails{Description: "Documents", WeightGrams: 500, Quantity: 1},
		Cost:         domain.CostBreakdown{Currency: "INR", BaseFare: 40000, Tax: 10000, Total: 50000},
	}
}

func testSnapshot(t *testing.T) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(testDraft())
	if err != nil {
		t.Fatalf("marshal draft: %v", err)
	}
	return raw
}
