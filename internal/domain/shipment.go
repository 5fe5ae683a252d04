package domain

import "time"

// ShipmentStatus represents the lifecycle state of a booked shipment.
type ShipmentStatus string

const (
	// ShipmentStatusBooked is set when a paid shipment is first written.
	ShipmentStatusBooked ShipmentStatus = "booked"
	// ShipmentStatusConfirmed is set once downstream systems have been told the order was paid.
	ShipmentStatusConfirmed ShipmentStatus = "confirmed"
)

// PaymentStatus mirrors the gateway's view of the embedded payment.
type PaymentStatus string

const (
	PaymentStatusCaptured PaymentStatus = "captured"
)

// Address is a sender or recipient block on a shipment.
type Address struct {
	Name       string `json:"name"`
	Company    string `json:"company,omitempty"`
	Phone      string `json:"phone"`
	Email      string `json:"email,omitempty"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
}

// PackageDetails describes the consignment. Dimensions are centimetres, weight is grams.
type PackageDetails struct {
	Description   string `json:"description"`
	WeightGrams   int64  `json:"weightGrams"`
	LengthCm      int64  `json:"lengthCm"`
	WidthCm       int64  `json:"widthCm"`
	HeightCm      int64  `json:"heightCm"`
	Quantity      int    `json:"quantity"`
	DeclaredValue int64  `json:"declaredValue"`
	Fragile       bool   `json:"fragile,omitempty"`
}

// CostBreakdown is the quote captured before checkout, in minor currency units.
type CostBreakdown struct {
	Currency      string `json:"currency"`
	BaseFare      int64  `json:"baseFare"`
	FuelSurcharge int64  `json:"fuelSurcharge"`
	Insurance     int64  `json:"insurance"`
	Tax           int64  `json:"tax"`
	Discount      int64  `json:"discount"`
	Total         int64  `json:"total"`
}

// PaymentRecord is the payment sub-record embedded in a shipment.
type PaymentRecord struct {
	ID        string        `json:"id"`
	OrderID   string        `json:"orderId"`
	Signature string        `json:"signature"`
	Status    PaymentStatus `json:"status"`
	Amount    int64         `json:"amount"`
	Currency  string        `json:"currency"`
	PaidAt    time.Time     `json:"paidAt"`
}

// Shipment is the order record created once a payment is confirmed.
type Shipment struct {
	ID           string         `json:"id"`
	OwnerUID     string         `json:"ownerUid"`
	Status       ShipmentStatus `json:"status"`
	ServiceLevel string         `json:"serviceLevel"`
	Sender       Address        `json:"sender"`
	Recipient    Address        `json:"recipient"`
	Package      PackageDetails `json:"package"`
	Cost         CostBreakdown  `json:"cost"`
	Payment      PaymentRecord  `json:"payment"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// OrderPaidEvent is announced after a shipment has been written for a captured payment.
type OrderPaidEvent struct {
	ShipmentID string    `json:"shipmentId"`
	OwnerUID   string    `json:"ownerUid"`
	OrderID    string    `json:"orderId"`
	PaymentID  string    `json:"paymentId"`
	Amount     int64     `json:"amount"`
	Currency   string    `json:"currency"`
	PaidAt     time.Time `json:"paidAt"`
}

// ReconciliationNotice records a captured payment whose shipment could not be saved.
// Support works these by payment id; they are never retried automatically.
type ReconciliationNotice struct {
	ID        string    `json:"id"`
	OwnerUID  string    `json:"ownerUid"`
	PaymentID string    `json:"paymentId"`
	OrderID   string    `json:"orderId"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	Reason    string    `json:"reason"`
	Draft     []byte    `json:"draft,omitempty"`
	Resolved  bool      `json:"resolved"`
	CreatedAt time.Time `json:"createdAt"`
}
