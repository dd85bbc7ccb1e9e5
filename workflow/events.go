package workflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/diging/edrop-connector/config"
	"github.com/diging/edrop-connector/models"
	"github.com/diging/edrop-connector/utils"
)

const (
	EventOrderInitiated    = "order.initiated"
	EventOrderSubmitFailed = "order.submit_failed"
	EventOrderShipped      = "order.shipped"
)

// OrderEvent is published after an order changes state.
type OrderEvent struct {
	Type          string             `json:"type"`
	RecordId      string             `json:"record_id"`
	OrderNumber   string             `json:"order_number"`
	Status        models.OrderStatus `json:"status"`
	Message       string             `json:"message,omitempty"`
	CorrelationId string             `json:"correlation_id,omitempty"`
	OccurredAt    time.Time          `json:"occurred_at"`
}

func newOrderEvent(ctx context.Context, eventType string, order *models.Order, message string) OrderEvent {
	cid, _ := utils.GetCorrelationIdFromContext(ctx)
	ev := OrderEvent{
		Type:          eventType,
		Message:       message,
		CorrelationId: cid,
		OccurredAt:    time.Now().UTC(),
	}
	if order != nil {
		ev.RecordId = order.RecordId
		ev.OrderNumber = order.Number()
		ev.Status = order.Status
	}
	return ev
}

// PubSubPublisher publishes order events to a Pub/Sub topic.
type PubSubPublisher struct {
	Topic   string
	publish func(ctx context.Context, topic string, data []byte, attributes map[string]string) (string, error)
}

func NewPubSubPublisher(topic string) *PubSubPublisher {
	return &PubSubPublisher{Topic: topic, publish: config.PublishWithResult}
}

func (p *PubSubPublisher) Publish(ctx context.Context, ev OrderEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = p.publish(ctx, p.Topic, data, map[string]string{
		"type":         ev.Type,
		"order_number": ev.OrderNumber,
	})
	return err
}

// NopPublisher drops events. Used when no topic is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, OrderEvent) error { return nil }
