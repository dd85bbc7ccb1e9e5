package workflow

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/diging/edrop-connector/models"
	"github.com/diging/edrop-connector/utils"
)

func TestPubSubPublisherEncodesEvent(t *testing.T) {
	var gotTopic string
	var gotData []byte
	var gotAttrs map[string]string
	p := &PubSubPublisher{Topic: "order-events", publish: func(ctx context.Context, topic string, data []byte, attributes map[string]string) (string, error) {
		gotTopic, gotData, gotAttrs = topic, data, attributes
		return "msg-1", nil
	}}

	number := "EDROP-00014"
	ctx := utils.SetCorrelationIdInContext(context.Background(), "cid-1")
	order := &models.Order{RecordId: "14", OrderNumber: &number, Status: models.OrderStatusShipped}
	if err := p.Publish(ctx, newOrderEvent(ctx, EventOrderShipped, order, "2025-02-14")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if gotTopic != "order-events" || gotAttrs["type"] != EventOrderShipped || gotAttrs["order_number"] != number {
		t.Fatalf("topic=%q attrs=%v", gotTopic, gotAttrs)
	}
	var ev OrderEvent
	if err := json.Unmarshal(gotData, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.RecordId != "14" || ev.Status != models.OrderStatusShipped || ev.CorrelationId != "cid-1" || ev.Message != "2025-02-14" {
		t.Fatalf("event = %+v", ev)
	}
}
