package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/freightfox/portal/internal/domain"
)

func TestOrderPaidPublisherPublishesMessage(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	topic, err := client.CreateTopic(ctx, "order-paid")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}

	publisher, err := NewOrderPaidPublisher(topic)
	if err != nil {
		t.Fatalf("NewOrderPaidPublisher: %v", err)
	}
	defer publisher.Stop()

	event := domain.OrderPaidEvent{
		ShipmentID: "shp_01",
		OwnerUID:   "profile-1",
		OrderID:    "order_1",
		PaymentID:  "pay_1",
		Amount:     50000,
		Currency:   "INR",
		PaidAt:     time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC),
	}
	if err := publisher.NotifyOrderPaid(ctx, event); err != nil {
		t.Fatalf("NotifyOrderPaid: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	var payload domain.OrderPaidEvent
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.PaymentID != "pay_1" || payload.ShipmentID != "shp_01" {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if attr := messages[0].Attributes["paymentId"]; attr != "pay_1" {
		t.Fatalf("expected paymentId attribute, got %q", attr)
	}
	if _, ok := messages[0].Attributes["ownerUid"]; ok {
		t.Fatalf("owner uid must not be exposed as an attribute")
	}
}

func TestNewOrderPaidPublisherRequiresTopic(t *testing.T) {
	if _, err := NewOrderPaidPublisher(nil); err == nil {
		t.Fatalf("expected error for nil topic")
	}
}
