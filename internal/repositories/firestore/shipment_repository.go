package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/freightfox/portal/internal/domain"
	pfirestore "github.com/freightfox/portal/internal/platform/firestore"
)

const shipmentsCollection = "shipments"

// ShipmentRepository persists shipment orders in Firestore.
type ShipmentRepository struct {
	provider *pfirestore.Provider
	now      func() time.Time
}

// NewShipmentRepository constructs a Firestore-backed shipment repository.
func NewShipmentRepository(provider *pfirestore.Provider) (*ShipmentRepository, error) {
	if provider == nil {
		return nil, errors.New("shipment repository requires firestore provider")
	}
	return &ShipmentRepository{provider: provider, now: time.Now}, nil
}

// CreateOrder writes a new shipment. The write fails with a conflict if the id already exists.
func (r *ShipmentRepository) CreateOrder(ctx context.Context, shipment domain.Shipment) (string, error) {
	coll, err := r.collection(ctx)
	if err != nil {
		return "", err
	}
	var ref *firestore.DocumentRef
	if id := strings.TrimSpace(shipment.ID); id != "" {
		ref = coll.Doc(id)
	} else {
		ref = coll.NewDoc()
	}

	doc := encodeShipment(shipment)
	now := r.now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	if _, err := ref.Create(ctx, doc); err != nil {
		return "", pfirestore.WrapError("shipments.create", err)
	}
	return ref.ID, nil
}

// UpdateOrderStatus sets the shipment status.
func (r *ShipmentRepository) UpdateOrderStatus(ctx context.Context, shipmentID string, status domain.ShipmentStatus) error {
	id := strings.TrimSpace(shipmentID)
	if id == "" {
		return errors.New("shipment repository: shipment id is required")
	}
	coll, err := r.collection(ctx)
	if err != nil {
		return err
	}
	_, err = coll.Doc(id).Update(ctx, []firestore.Update{
		{Path: "status", Value: string(status)},
		{Path: "updatedAt", Value: r.now().UTC()},
	})
	return pfirestore.WrapError("shipments.updateStatus", err)
}

// Get loads one shipment.
func (r *ShipmentRepository) Get(ctx context.Context, shipmentID string) (domain.Shipment, error) {
	coll, err := r.collection(ctx)
	if err != nil {
		return domain.Shipment{}, err
	}
	snap, err := coll.Doc(strings.TrimSpace(shipmentID)).Get(ctx)
	if err != nil {
		return domain.Shipment{}, pfirestore.WrapError("shipments.get", err)
	}
	var doc shipmentDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Shipment{}, fmt.Errorf("decode shipment %s: %w", snap.Ref.ID, err)
	}
	return doc.toDomain(snap.Ref.ID), nil
}

func (r *ShipmentRepository) collection(ctx context.Context) (*firestore.CollectionRef, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(shipmentsCollection), nil
}

type addressDocument struct {
	Name       string `firestore:"name"`
	Company    string `firestore:"company,omitempty"`
	Phone      string `firestore:"phone"`
	Email      string `firestore:"email,omitempty"`
	Line1      string `firestore:"line1"`
	Line2      string `firestore:"line2,omitempty"`
	City       string `firestore:"city"`
	State      string `firestore:"state"`
	PostalCode string `firestore:"postalCode"`
	Country    string `firestore:"country"`
}

type packageDocument struct {
	Description   string `firestore:"description"`
	WeightGrams   int64  `firestore:"weightGrams"`
	LengthCm      int64  `firestore:"lengthCm"`
	WidthCm       int64  `firestore:"widthCm"`
	HeightCm      int64  `firestore:"heightCm"`
	Quantity      int    `firestore:"quantity"`
	DeclaredValue int64  `firestore:"declaredValue"`
	Fragile       bool   `firestore:"fragile"`
}

type costDocument struct {
	Currency      string `firestore:"currency"`
	BaseFare      int64  `firestore:"baseFare"`
	FuelSurcharge int64  `firestore:"fuelSurcharge"`
	Insurance     int64  `firestore:"insurance"`
	Tax           int64  `firestore:"tax"`
	Discount      int64  `firestore:"discount"`
	Total         int64  `firestore:"total"`
}

type paymentDocument struct {
	ID        string    `firestore:"id"`
	OrderID   string    `firestore:"orderId"`
	Signature string    `firestore:"signature"`
	Status    string    `firestore:"status"`
	Amount    int64     `firestore:"amount"`
	Currency  string    `firestore:"currency"`
	PaidAt    time.Time `firestore:"paidAt"`
}

type shipmentDocument struct {
	OwnerUID     string          `firestore:"ownerUid"`
	Status       string          `firestore:"status"`
	ServiceLevel string          `firestore:"serviceLevel"`
	Sender       addressDocument `firestore:"sender"`
	Recipient    addressDocument `firestore:"recipient"`
	Package      packageDocument `firestore:"package"`
	Cost         costDocument    `firestore:"cost"`
	Payment      paymentDocument `firestore:"payment"`
	CreatedAt    time.Time       `firestore:"createdAt"`
	UpdatedAt    time.Time       `firestore:"updatedAt"`
}

func encodeShipment(s domain.Shipment) shipmentDocument {
	return shipmentDocument{
		OwnerUID:     s.OwnerUID,
		Status:       string(s.Status),
		ServiceLevel: s.ServiceLevel,
		Sender:       addressDocument(s.Sender),
		Recipient:    addressDocument(s.Recipient),
		Package:      packageDocument(s.Package),
		Cost:         costDocument(s.Cost),
		Payment: paymentDocument{
			ID:        s.Payment.ID,
			OrderID:   s.Payment.OrderID,
			Signature: s.Payment.Signature,
			Status:    string(s.Payment.Status),
			Amount:    s.Payment.Amount,
			Currency:  s.Payment.Currency,
			PaidAt:    s.Payment.PaidAt.UTC(),
		},
		CreatedAt: s.CreatedAt.UTC(),
		UpdatedAt: s.UpdatedAt.UTC(),
	}
}

func (d shipmentDocument) toDomain(id string) domain.Shipment {
	return domain.Shipment{
		ID:           id,
		OwnerUID:     d.OwnerUID,
		Status:       domain.ShipmentStatus(d.Status),
		ServiceLevel: d.ServiceLevel,
		Sender:       domain.Address(d.Sender),
		Recipient:    domain.Address(d.Recipient),
		Package:      domain.PackageDetails(d.Package),
		Cost:         domain.CostBreakdown(d.Cost),
		Payment: domain.PaymentRecord{
			ID:        d.Payment.ID,
			OrderID:   d.Payment.OrderID,
			Signature: d.Payment.Signature,
			Status:    domain.PaymentStatus(d.Payment.Status),
			Amount:    d.Payment.Amount,
			Currency:  d.Payment.Currency,
			PaidAt:    d.Payment.PaidAt,
		},
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}
