package firestore

import (
	"testing"
	"time"

	"github.com/freightfox/portal/internal/domain"
)

func TestNewRepositoriesRequireProvider(t *testing.T) {
	if _, err := NewShipmentRepository(nil); err == nil {
		t.Fatalf("expected error for nil provider")
	}
	if _, err := NewReconciliationRepository(nil); err == nil {
		t.Fatalf("expected error for nil provider")
	}
}

func TestShipmentDocumentPreservesPayment(t *testing.T) {
	paidAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.FixedZone("IST", 5*3600+1800))
	in := domain.Shipment{
		OwnerUID: "uid-1",
		Status:   domain.ShipmentStatusBooked,
		Sender:   domain.Address{Name: "Asha", City: "Pune"},
		Cost:     domain.CostBreakdown{Currency: "INR", Total: 500},
		Payment:  domain.PaymentRecord{ID: "pay_1", OrderID: "order_1", Status: domain.PaymentStatusCaptured, Amount: 500, PaidAt: paidAt},
	}

	out := encodeShipment(in).toDomain("shp_1")
	if out.ID != "shp_1" {
		t.Fatalf("expected id shp_1, got %s", out.ID)
	}
	if out.Payment.ID != "pay_1" || out.Payment.Status != domain.PaymentStatusCaptured {
		t.Fatalf("unexpected payment: %+v", out.Payment)
	}
	if out.Payment.PaidAt.Location() != time.UTC || !out.Payment.PaidAt.Equal(paidAt) {
		t.Fatalf("expected paidAt normalised to UTC, got %v", out.Payment.PaidAt)
	}
	if out.Sender.City != "Pune" {
		t.Fatalf("unexpected sender: %+v", out.Sender)
	}
}
