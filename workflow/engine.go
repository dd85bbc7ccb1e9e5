package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/diging/edrop-connector/config"
	"github.com/diging/edrop-connector/edc"
	"github.com/diging/edrop-connector/fulfiller"
	"github.com/diging/edrop-connector/models"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/diging/edrop-connector/workflow")

// OrderStore is the part of the ledger the engine drives.
type OrderStore interface {
	CreateIfAbsent(ctx context.Context, input models.NewOrder) (*models.Order, bool, error)
	MarkInitiated(ctx context.Context, order *models.Order) (*models.Order, error)
	MarkFailedSubmission(ctx context.Context, order *models.Order, cause error, uncertain bool) (*models.Order, error)
	ApplyShippingInfo(ctx context.Context, info models.ShippingInfo) (bool, error)
	ListInFlight(ctx context.Context) ([]models.Order, error)
	FindByOrderNumbers(ctx context.Context, orderNumbers []string) ([]models.Order, error)
	GetByRecordId(ctx context.Context, recordId string) (*models.Order, error)
}

type AuditLogger interface {
	StartOrderLog(ctx context.Context, recordId string) (*models.OrderLog, error)
	AttachOrderNumber(ctx context.Context, log *models.OrderLog, orderNumber string) error
	StartRunLog(ctx context.Context, runId string) (*models.RunLog, error)
	Append(ctx context.Context, log models.AuditLog, channel models.Channel, level models.Level, message string) error
	Complete(ctx context.Context, log models.AuditLog) error
}

type FulfillerClient interface {
	SubmitOrder(ctx context.Context, req fulfiller.OrderRequest) (fulfiller.SubmitResult, error)
	ConfirmOrders(ctx context.Context, orderNumbers []string) (map[string]fulfiller.Confirmation, error)
}

type EDCClient interface {
	ReadRecord(ctx context.Context, recordId string, fields []string) (edc.Record, bool, error)
	WriteOrderNumber(ctx context.Context, recordId, orderNumber string, orderDate time.Time) error
	WriteShippingInfo(ctx context.Context, records []edc.ShippingRecord) (bool, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, ev OrderEvent) error
}

// Options carries the EDC field layout the engine needs.
type Options struct {
	ReadyField string
	ReadyValue string
	Address    AddressFields
}

func OptionsFromSettings(s config.EDCSettings) Options {
	return Options{
		ReadyField: s.ReadyField,
		ReadyValue: s.ReadyValue,
		Address:    AddressFieldsFromSettings(s),
	}
}

// Engine moves orders through their lifecycle: it places orders on request
// and reconciles in-flight orders against vendor confirmations.
type Engine struct {
	Orders    OrderStore
	Logs      AuditLogger
	Fulfiller FulfillerClient
	EDC       EDCClient
	Events    EventPublisher
	Logger    *logrus.Logger
	Options   Options
	Now       func() time.Time

	tracer trace.Tracer
}

func NewEngine(orders OrderStore, logs AuditLogger, vendor FulfillerClient, edcClient EDCClient, events EventPublisher, opts Options) *Engine {
	if events == nil {
		events = NopPublisher{}
	}
	if opts.ReadyField == "" {
		opts.ReadyField = "contact_complete"
	}
	if opts.ReadyValue == "" {
		opts.ReadyValue = "2"
	}
	if opts.Address.RecordId == "" {
		opts.Address = DefaultAddressFields()
	}
	return &Engine{
		Orders:    orders,
		Logs:      logs,
		Fulfiller: vendor,
		EDC:       edcClient,
		Events:    events,
		Logger:    config.GetLogger(),
		Options:   opts,
		Now:       func() time.Time { return time.Now().UTC() },
		tracer:    tracer,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now().UTC()
}

// settleTimeout bounds ledger and audit writes that must finish after the
// caller has gone away.
const settleTimeout = 30 * time.Second

// settle detaches ctx from its caller's cancellation. Once an order has left
// PENDING its state and its log are written on a settled context so that a
// dropped request cannot strand the order.
func settle(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}

// note appends to an audit log. A failed append never changes the outcome of
// the operation that produced the message. Appending to a completed log is a
// lifecycle bug and is logged as an error.
func (e *Engine) note(ctx context.Context, log models.AuditLog, channel models.Channel, level models.Level, format string, args ...interface{}) {
	if log == nil {
		return
	}
	ctx, cancel := settle(ctx)
	defer cancel()
	msg := fmt.Sprintf(format, args...)
	err := e.Logs.Append(ctx, log, channel, level, msg)
	switch {
	case err == nil:
	case errors.Is(err, models.ErrLogAppendAfterComplete):
		config.LogError(e.Logger, "workflow", "note", "append to completed audit log", logrus.Fields{"log": log.LogFields(), "message": msg}, err)
	default:
		e.Logger.WithFields(log.LogFields()).WithError(err).Warn("audit log append failed: " + msg)
	}
}

func (e *Engine) complete(ctx context.Context, log models.AuditLog) {
	if log == nil {
		return
	}
	ctx, cancel := settle(ctx)
	defer cancel()
	if err := e.Logs.Complete(ctx, log); err != nil {
		config.LogError(e.Logger, "workflow", "complete", "complete audit log", log.LogFields(), err)
	}
}

func (e *Engine) publish(ctx context.Context, eventType string, order *models.Order, message string) {
	ctx, cancel := settle(ctx)
	defer cancel()
	ev := newOrderEvent(ctx, eventType, order, message)
	if err := e.Events.Publish(ctx, ev); err != nil {
		e.Logger.WithFields(logrus.Fields{
			"event":        eventType,
			"order_number": ev.OrderNumber,
		}).WithError(err).Warn("order event publish failed")
	}
}

func (e *Engine) isReady(rec edc.Record) bool {
	return strings.TrimSpace(rec[e.Options.ReadyField]) == e.Options.ReadyValue
}

func orderFields(order *models.Order) logrus.Fields {
	if order == nil {
		return nil
	}
	return logrus.Fields{
		"record_id":    order.RecordId,
		"order_number": order.Number(),
		"status":       order.Status,
	}
}
