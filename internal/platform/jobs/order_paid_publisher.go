package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/freightfox/portal/internal/domain"
)

// OrderPaidPublisher announces paid shipments on a Pub/Sub topic.
type OrderPaidPublisher struct {
	topic *pubsub.Topic
}

func NewOrderPaidPublisher(topic *pubsub.Topic) (*OrderPaidPublisher, error) {
	if topic == nil {
		return nil, errors.New("order paid publisher: topic is required")
	}
	return &OrderPaidPublisher{topic: topic}, nil
}

// NotifyOrderPaid publishes the event and waits for the server acknowledgement.
// The payment id doubles as the ordering-independent de-duplication attribute for subscribers.
func (p *OrderPaidPublisher) NotifyOrderPaid(ctx context.Context, event domain.OrderPaidEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal order paid event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "shipmentId", event.ShipmentID)
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "paymentId", event.PaymentID)
	setAttr(attrs, "currency", event.Currency)
	setAttr(attrs, "eventType", "order.paid")

	result := p.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish order paid: %w", err)
	}
	return nil
}

// Stop flushes pending messages; call during shutdown.
func (p *OrderPaidPublisher) Stop() {
	p.topic.Stop()
}

func setAttr(attrs map[string]string, key, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
