package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/diging/edrop-connector/config"
	"github.com/diging/edrop-connector/edc"
	"github.com/diging/edrop-connector/models"
	"github.com/diging/edrop-connector/utils"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RunReport summarizes one confirmation check.
type RunReport struct {
	RunId      string            `json:"run_id"`
	InFlight   int               `json:"in_flight"`
	Confirmed  int               `json:"confirmed"`
	Shipped    []string          `json:"shipped"`
	EDCWritten bool              `json:"edc_written"`
	Errors     map[string]string `json:"errors,omitempty"`
}

func (r *RunReport) addError(key string, err error) {
	if r.Errors == nil {
		r.Errors = map[string]string{}
	}
	r.Errors[key] = err.Error()
}

// Reconcile asks the vendor about every in-flight order, moves shipped
// orders to SHIPPED and writes their shipping data back to the EDC.
// Only a failed vendor call or ledger read aborts the run. Per-order and
// EDC failures are logged and reported.
func (e *Engine) Reconcile(ctx context.Context) (report RunReport, err error) {
	report = RunReport{RunId: uuid.NewString(), Shipped: []string{}}
	ctx = utils.SetRunIdInContext(ctx, report.RunId)
	ctx, span := e.tracer.Start(ctx, "workflow.Reconcile", trace.WithAttributes(attribute.String("run_id", report.RunId)))
	defer func() {
		span.SetAttributes(
			attribute.Int("in_flight", report.InFlight),
			attribute.Int("shipped", len(report.Shipped)),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	rlog, err := e.Logs.StartRunLog(ctx, report.RunId)
	if err != nil {
		return report, fmt.Errorf("start run log: %w", err)
	}
	defer e.complete(ctx, rlog)
	e.note(ctx, rlog, models.ChannelScheduler, models.LevelInfo, "confirmation check started")

	inFlight, err := e.Orders.ListInFlight(ctx)
	if err != nil {
		e.note(ctx, rlog, models.ChannelOrders, models.LevelError, "could not list in-flight orders: %v", err)
		return report, fmt.Errorf("list in-flight orders: %w", err)
	}
	report.InFlight = len(inFlight)
	if len(inFlight) == 0 {
		e.note(ctx, rlog, models.ChannelOrders, models.LevelInfo, "no in-flight orders, nothing to check")
		return report, nil
	}

	numbers := make([]string, 0, len(inFlight))
	for _, o := range inFlight {
		if n := o.Number(); n != "" {
			numbers = append(numbers, n)
		}
	}
	sort.Strings(numbers)
	e.note(ctx, rlog, models.ChannelOrders, models.LevelInfo, "checking %d orders: %s", len(numbers), strings.Join(numbers, ", "))

	confirmations, err := e.Fulfiller.ConfirmOrders(ctx, numbers)
	if err != nil {
		e.note(ctx, rlog, models.ChannelFulfiller, models.LevelError, "confirmation request failed: %v", err)
		return report, fmt.Errorf("%w: %w", ErrVendorUnreachable, err)
	}
	report.Confirmed = len(confirmations)
	if len(confirmations) == 0 {
		e.note(ctx, rlog, models.ChannelFulfiller, models.LevelInfo, "no confirmations yet")
		return report, nil
	}

	requested := make(map[string]bool, len(numbers))
	for _, n := range numbers {
		requested[n] = true
	}
	for n := range confirmations {
		if !requested[n] {
			e.note(ctx, rlog, models.ChannelFulfiller, models.LevelWarning, "ignoring confirmation for unknown order %s", n)
		}
	}

	for _, n := range numbers {
		c, ok := confirmations[n]
		if !ok {
			continue
		}
		if strings.TrimSpace(c.ShipDate) == "" {
			e.note(ctx, rlog, models.ChannelFulfiller, models.LevelInfo, "order %s confirmed but not shipped yet", n)
			continue
		}
		moved, err := e.Orders.ApplyShippingInfo(ctx, models.ShippingInfo{
			OrderNumber:      n,
			ShipDate:         c.ShipDate,
			OutboundTracking: c.Tracking,
			ReturnTracking:   c.ReturnTracking,
			TubeSerials:      c.TubeSerials,
		})
		if err != nil {
			e.note(ctx, rlog, models.ChannelOrders, models.LevelError, "could not apply shipping info to %s: %v", n, err)
			config.LogError(e.Logger, "workflow", "Reconcile", "apply shipping info", map[string]string{"order_number": n, "run_id": report.RunId}, err)
			report.addError(n, err)
			continue
		}
		if moved {
			e.note(ctx, rlog, models.ChannelOrders, models.LevelInfo, "order %s shipped on %s", n, c.ShipDate)
			report.Shipped = append(report.Shipped, n)
		}
	}

	if len(report.Shipped) == 0 {
		return report, nil
	}

	shipped, err := e.Orders.FindByOrderNumbers(ctx, report.Shipped)
	if err != nil {
		e.note(ctx, rlog, models.ChannelOrders, models.LevelError, "%v: could not load shipped orders: %v", ErrEDCWritebackFailed, err)
		report.addError("edc", fmt.Errorf("%w: %w", ErrEDCWritebackFailed, err))
		return report, nil
	}
	records := make([]edc.ShippingRecord, 0, len(shipped))
	for _, o := range shipped {
		records = append(records, edc.ShippingRecord{
			RecordId:       o.RecordId,
			OrderNumber:    o.Number(),
			ShipDate:       o.ShipDate,
			Tracking:       o.OutboundTracking,
			ReturnTracking: o.ReturnTracking,
			TubeSerials:    o.TubeSerials,
		})
	}
	sent, err := e.EDC.WriteShippingInfo(ctx, records)
	if err != nil {
		e.note(ctx, rlog, models.ChannelEDC, models.LevelError, "%v: %v", ErrEDCWritebackFailed, err)
		config.LogError(e.Logger, "workflow", "Reconcile", "write shipping info", map[string]interface{}{"orders": report.Shipped, "run_id": report.RunId}, err)
		report.addError("edc", fmt.Errorf("%w: %w", ErrEDCWritebackFailed, err))
	} else if sent {
		report.EDCWritten = true
		e.note(ctx, rlog, models.ChannelEDC, models.LevelInfo, "stored shipping info for %d records", len(records))
	}

	for i := range shipped {
		e.publish(ctx, EventOrderShipped, &shipped[i], shipped[i].ShipDate)
	}
	return report, nil
}
