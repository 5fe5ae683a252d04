package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/freightfox/portal/internal/domain"
	pfirestore "github.com/freightfox/portal/internal/platform/firestore"
)

const reconciliationCollection = "payment_reconciliations"

// ReconciliationRepository stores captured payments whose shipment could not be written.
type ReconciliationRepository struct {
	provider *pfirestore.Provider
}

func NewReconciliationRepository(provider *pfirestore.Provider) (*ReconciliationRepository, error) {
	if provider == nil {
		return nil, errors.New("reconciliation repository requires firestore provider")
	}
	return &ReconciliationRepository{provider: provider}, nil
}

type reconciliationDocument struct {
	OwnerUID   string     `firestore:"ownerUid"`
	PaymentID  string     `firestore:"paymentId"`
	OrderID    string     `firestore:"orderId"`
	Amount     int64      `firestore:"amount"`
	Currency   string     `firestore:"currency"`
	Reason     string     `firestore:"reason"`
	Draft      string     `firestore:"draft,omitempty"`
	Resolved   bool       `firestore:"resolved"`
	ResolvedAt *time.Time `firestore:"resolvedAt,omitempty"`
	CreatedAt  time.Time  `firestore:"createdAt"`
}

// RecordReconciliation writes notice keyed by its id.
func (r *ReconciliationRepository) RecordReconciliation(ctx context.Context, notice domain.ReconciliationNotice) error {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return err
	}
	coll := client.Collection(reconciliationCollection)
	var ref *firestore.DocumentRef
	if id := strings.TrimSpace(notice.ID); id != "" {
		ref = coll.Doc(id)
	} else {
		ref = coll.NewDoc()
	}
	createdAt := notice.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = ref.Set(ctx, reconciliationDocument{
		OwnerUID:  notice.OwnerUID,
		PaymentID: notice.PaymentID,
		OrderID:   notice.OrderID,
		Amount:    notice.Amount,
		Currency:  notice.Currency,
		Reason:    notice.Reason,
		Draft:     string(notice.Draft),
		CreatedAt: createdAt.UTC(),
	})
	return pfirestore.WrapError("reconciliations.record", err)
}

// Get loads one notice by id.
func (r *ReconciliationRepository) Get(ctx context.Context, id string) (domain.ReconciliationNotice, error) {
	ref, err := r.doc(ctx, id)
	if err != nil {
		return domain.ReconciliationNotice{}, err
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		return domain.ReconciliationNotice{}, pfirestore.WrapError("reconciliations.get", err)
	}
	var doc reconciliationDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.ReconciliationNotice{}, pfirestore.WrapError("reconciliations.decode", err)
	}
	return domain.ReconciliationNotice{
		ID:        snap.Ref.ID,
		OwnerUID:  doc.OwnerUID,
		PaymentID: doc.PaymentID,
		OrderID:   doc.OrderID,
		Amount:    doc.Amount,
		Currency:  doc.Currency,
		Reason:    doc.Reason,
		Draft:     []byte(doc.Draft),
		Resolved:  doc.Resolved,
		CreatedAt: doc.CreatedAt,
	}, nil
}

// Resolve marks a notice as worked. Resolving twice is not an error.
func (r *ReconciliationRepository) Resolve(ctx context.Context, id string) error {
	ref, err := r.doc(ctx, id)
	if err != nil {
		return err
	}
	_, err = ref.Update(ctx, []firestore.Update{
		{Path: "resolved", Value: true},
		{Path: "resolvedAt", Value: time.Now().UTC()},
	})
	return pfirestore.WrapError("reconciliations.resolve", err)
}

func (r *ReconciliationRepository) doc(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("reconciliation repository: id is required")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(reconciliationCollection).Doc(id), nil
}
