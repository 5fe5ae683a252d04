package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/freightfox/portal/internal/domain"
	"github.com/freightfox/portal/internal/payments"
	"github.com/freightfox/portal/internal/platform/idempotency"
)

// ShipmentRepository persists shipment records.
type ShipmentRepository interface {
	CreateOrder(ctx context.Context, shipment domain.Shipment) (string, error)
	UpdateOrderStatus(ctx context.Context, shipmentID string, status domain.ShipmentStatus) error
}

// ReconciliationSink keeps captured-but-unsaved payments for support follow-up.
type ReconciliationSink interface {
	RecordReconciliation(ctx context.Context, notice domain.ReconciliationNotice) error
	Get(ctx context.Context, id string) (domain.ReconciliationNotice, error)
}

// OrderPaidNotifier announces paid orders downstream.
type OrderPaidNotifier interface {
	NotifyOrderPaid(ctx context.Context, event domain.OrderPaidEvent) error
}

// OrderDraft is the shipment form as captured before checkout.
type OrderDraft struct {
	OwnerUID     string                `json:"-"`
	ServiceLevel string                `json:"serviceLevel"`
	Sender       domain.Address        `json:"sender"`
	Recipient    domain.Address        `json:"recipient"`
	Package      domain.PackageDetails `json:"package"`
	Cost         domain.CostBreakdown  `json:"cost"`
}

// DecodeDraft reads an OrderDraft out of a form snapshot.
func DecodeDraft(snapshot json.RawMessage) (OrderDraft, error) {
	var draft OrderDraft
	if len(snapshot) == 0 {
		return draft, fmt.Errorf("%w: form snapshot is empty", ErrInvalidOptions)
	}
	if err := json.Unmarshal(snapshot, &draft); err != nil {
		return draft, fmt.Errorf("%w: form snapshot: %v", ErrInvalidOptions, err)
	}
	return draft, nil
}

// FinalizeResult describes the written shipment.
type FinalizeResult struct {
	ShipmentID string `json:"shipmentId"`
	Replayed   bool   `json:"replayed"`
}

// FinalizerDeps wires a Finalizer.
type FinalizerDeps struct {
	Repository      ShipmentRepository
	Reconciliations ReconciliationSink
	Idempotency     idempotency.Store
	Notifier        OrderPaidNotifier
	Verifier        PaymentVerifier
	Notices         *NoticeBoard
	Sessions        *SessionStore
	States          *Broadcaster
	Clock           Clock
	Logger          *zap.Logger
	IdempotencyTTL  time.Duration
	NewID           func() string
}

// Finalizer writes the shipment for a successful payment exactly once.
type Finalizer struct {
	repo     ShipmentRepository
	recon    ReconciliationSink
	keys     idempotency.Store
	notifier OrderPaidNotifier
	verifier PaymentVerifier
	notices  *NoticeBoard
	sessions *SessionStore
	states   *Broadcaster
	clock    Clock
	logger   *zap.Logger
	ttl      time.Duration
	newID    func() string
	policy   *bluemonday.Policy
}

func NewFinalizer(deps FinalizerDeps) (*Finalizer, error) {
	if deps.Repository == nil {
		return nil, errors.New("order finalizer: shipment repository is required")
	}
	if deps.Reconciliations == nil {
		return nil, errors.New("order finalizer: reconciliation sink is required")
	}
	if deps.Sessions == nil || deps.States == nil {
		return nil, errors.New("order finalizer: session store and broadcaster are required")
	}
	if deps.Verifier == nil {
		return nil, errors.New("order finalizer: payment verifier is required")
	}
	keys := deps.Idempotency
	if keys == nil {
		keys = idempotency.NewMemoryStore()
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := deps.IdempotencyTTL
	if ttl <= 0 {
		ttl = idempotency.DefaultTTL
	}
	newID := deps.NewID
	if newID == nil {
		newID = func() string { return ulid.Make().String() }
	}
	return &Finalizer{
		repo:     deps.Repository,
		recon:    deps.Reconciliations,
		keys:     keys,
		notifier: deps.Notifier,
		verifier: deps.Verifier,
		notices:  deps.Notices,
		sessions: deps.Sessions,
		states:   deps.States,
		clock:    clockOrDefault(deps.Clock),
		logger:   logger,
		ttl:      ttl,
		newID:    newID,
		policy:   bluemonday.StrictPolicy(),
	}, nil
}

// Finalize confirms result with the provider, then writes the shipment for it. A replay of the
// same payment returns the shipment written the first time. If the write fails, the payment is
// recorded for reconciliation and an *OrderPersistenceError is returned; the broadcast state is
// left untouched.
func (f *Finalizer) Finalize(ctx context.Context, result PaymentResult, draft OrderDraft) (FinalizeResult, error) {
	result.PaymentID = strings.TrimSpace(result.PaymentID)
	if result.PaymentID == "" {
		f.logger.Error("checkout: refusing to finalise order without payment id", zap.String("order_id", result.OrderID))
		return FinalizeResult{}, ErrInvalidPaymentResponse
	}
	err := f.verifier.VerifyPayment(ctx, payments.Completion{
		Provider:  result.Provider,
		OrderID:   strings.TrimSpace(result.OrderID),
		PaymentID: result.PaymentID,
		Signature: strings.TrimSpace(result.Signature),
		Amount:    draft.Cost.Total,
		Currency:  draft.Cost.Currency,
	})
	if err != nil {
		f.logger.Error("checkout: refusing to finalise unverified payment",
			zap.String("payment_id", result.PaymentID), zap.String("order_id", result.OrderID), zap.Error(err))
		return FinalizeResult{}, fmt.Errorf("%w: %w", ErrPaymentUnverified, err)
	}
	return f.finalizeVerified(ctx, result, draft)
}

// finalizeVerified writes the shipment for a result the adapter has already verified.
func (f *Finalizer) finalizeVerified(ctx context.Context, result PaymentResult, draft OrderDraft) (FinalizeResult, error) {
	result.PaymentID = strings.TrimSpace(result.PaymentID)
	if result.PaymentID == "" {
		return FinalizeResult{}, ErrInvalidPaymentResponse
	}
	logger := f.logger.With(zap.String("payment_id", result.PaymentID), zap.String("order_id", result.OrderID))

	now := f.clock.Now().UTC()
	key := "payment:" + result.PaymentID
	fingerprint := idempotency.Fingerprint(result.PaymentID, result.OrderID)

	reservation, err := f.keys.Reserve(ctx, key, fingerprint, now, f.ttl)
	if err != nil {
		if errors.Is(err, idempotency.ErrFingerprintMismatch) {
			logger.Error("checkout: payment id reused for a different order", zap.Error(err))
		}
		return FinalizeResult{}, f.persistenceFailure(ctx, logger, result, draft, err)
	}
	switch reservation.State {
	case idempotency.ReservationStateCompleted:
		logger.Info("checkout: order already finalised", zap.String("shipment_id", reservation.Record.Result))
		f.clearArtifacts(ctx, logger, result.PaymentID)
		return FinalizeResult{ShipmentID: reservation.Record.Result, Replayed: true}, nil
	case idempotency.ReservationStatePending:
		return FinalizeResult{}, ErrFinalizationInProgress
	}

	shipment := f.buildShipment(result, draft, now)
	shipmentID, err := f.repo.CreateOrder(ctx, shipment)
	if err != nil {
		if releaseErr := f.keys.Release(ctx, key); releaseErr != nil {
			logger.Warn("checkout: release finalisation key", zap.Error(releaseErr))
		}
		return FinalizeResult{}, f.persistenceFailure(ctx, logger, result, draft, err)
	}
	if err := f.keys.Complete(ctx, key, fingerprint, shipmentID, f.clock.Now().UTC(), f.ttl); err != nil {
		logger.Warn("checkout: mark finalisation complete", zap.String("shipment_id", shipmentID), zap.Error(err))
	}
	logger.Info("checkout: order finalised", zap.String("shipment_id", shipmentID))

	f.clearArtifacts(ctx, logger, result.PaymentID)
	f.announce(ctx, logger, shipmentID, shipment)
	return FinalizeResult{ShipmentID: shipmentID}, nil
}

func (f *Finalizer) buildShipment(result PaymentResult, draft OrderDraft, now time.Time) domain.Shipment {
	currency := strings.ToUpper(strings.TrimSpace(draft.Cost.Currency))
	pkg := draft.Package
	pkg.Description = plainText(f.policy, pkg.Description)
	return domain.Shipment{
		ID:           f.newID(),
		OwnerUID:     draft.OwnerUID,
		Status:       domain.ShipmentStatusBooked,
		ServiceLevel: strings.TrimSpace(draft.ServiceLevel),
		Sender:       f.cleanAddress(draft.Sender),
		Recipient:    f.cleanAddress(draft.Recipient),
		Package:      pkg,
		Cost:         draft.Cost,
		Payment: domain.PaymentRecord{
			ID:        result.PaymentID,
			OrderID:   result.OrderID,
			Signature: result.Signature,
			Status:    domain.PaymentStatusCaptured,
			Amount:    draft.Cost.Total,
			Currency:  currency,
			PaidAt:    now,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (f *Finalizer) cleanAddress(a domain.Address) domain.Address {
	a.Name = plainText(f.policy, strings.TrimSpace(a.Name))
	a.Company = plainText(f.policy, strings.TrimSpace(a.Company))
	a.Line1 = plainText(f.policy, strings.TrimSpace(a.Line1))
	a.Line2 = plainText(f.policy, strings.TrimSpace(a.Line2))
	return a
}

func (f *Finalizer) persistenceFailure(ctx context.Context, logger *zap.Logger, result PaymentResult, draft OrderDraft, cause error) error {
	notice := domain.ReconciliationNotice{
		ID:        f.newID(),
		OwnerUID:  draft.OwnerUID,
		PaymentID: result.PaymentID,
		OrderID:   result.OrderID,
		Amount:    draft.Cost.Total,
		Currency:  strings.ToUpper(draft.Cost.Currency),
		Reason:    cause.Error(),
		CreatedAt: f.clock.Now().UTC(),
	}
	if raw, err := json.Marshal(draft); err == nil {
		notice.Draft = raw
	}
	if err := f.recon.RecordReconciliation(ctx, notice); err != nil {
		logger.Error("checkout: reconciliation notice not recorded", zap.Error(err))
		notice.ID = ""
	}
	if f.notices != nil {
		if err := f.notices.Post(ctx, notice); err != nil {
			logger.Warn("checkout: reconciliation notice not shared", zap.Error(err))
		}
	}
	logger.Error("payment captured but order not saved",
		zap.String("reconciliation_id", notice.ID),
		zap.Int64("amount", notice.Amount),
		zap.String("currency", notice.Currency),
		zap.Error(cause))
	return &OrderPersistenceError{
		PaymentID:        result.PaymentID,
		OrderID:          result.OrderID,
		ReconciliationID: notice.ID,
		Err:              cause,
	}
}

func (f *Finalizer) clearArtifacts(ctx context.Context, logger *zap.Logger, paymentID string) {
	if f.notices != nil {
		f.notices.Settle(ctx, paymentID)
	}
	if err := f.sessions.Clear(ctx); err != nil {
		logger.Warn("checkout: clear payment session", zap.Error(err))
	}
	if err := f.states.Clear(ctx); err != nil {
		logger.Warn("checkout: reset payment state", zap.Error(err))
	}
}

// announce publishes order.paid and confirms the shipment once downstream has it. Failures are
// logged; the shipment stays booked.
func (f *Finalizer) announce(ctx context.Context, logger *zap.Logger, shipmentID string, shipment domain.Shipment) {
	if f.notifier == nil {
		return
	}
	event := domain.OrderPaidEvent{
		ShipmentID: shipmentID,
		OwnerUID:   shipment.OwnerUID,
		OrderID:    shipment.Payment.OrderID,
		PaymentID:  shipment.Payment.ID,
		Amount:     shipment.Payment.Amount,
		Currency:   shipment.Payment.Currency,
		PaidAt:     shipment.Payment.PaidAt,
	}
	if err := f.notifier.NotifyOrderPaid(ctx, event); err != nil {
		logger.Warn("checkout: order paid notification failed", zap.String("shipment_id", shipmentID), zap.Error(err))
		return
	}
	if err := f.repo.UpdateOrderStatus(ctx, shipmentID, domain.ShipmentStatusConfirmed); err != nil {
		logger.Warn("checkout: confirm shipment", zap.String("shipment_id", shipmentID), zap.Error(err))
	}
}
