package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/diging/edrop-connector/config"
	"github.com/diging/edrop-connector/fulfiller"
	"github.com/diging/edrop-connector/models"
	"github.com/diging/edrop-connector/utils"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Outcome string

const (
	OutcomeOK            Outcome = "ok"
	OutcomeNotReady      Outcome = "not-ready"
	OutcomeAlreadyPlaced Outcome = "already-placed"
	OutcomeRejected      Outcome = "rejected"
)

// PlaceRequest is one inbound order trigger for a participant record.
type PlaceRequest struct {
	RecordId    string
	ProjectId   string
	ProjectUrl  string
	EdcUrl      string
	InitiatedBy string
}

type PlaceResult struct {
	Outcome Outcome
	Order   *models.Order
}

// PlaceOrder places the kit order for a record at most once. A record that
// is not ready, or whose order was already placed, is an expected outcome
// and returns a nil error.
func (e *Engine) PlaceOrder(ctx context.Context, req PlaceRequest) (res PlaceResult, err error) {
	recordId := strings.TrimSpace(req.RecordId)
	ctx, span := e.tracer.Start(ctx, "workflow.PlaceOrder", trace.WithAttributes(attribute.String("record_id", recordId)))
	defer func() {
		span.SetAttributes(attribute.String("outcome", string(res.Outcome)))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if recordId == "" {
		return PlaceResult{Outcome: OutcomeRejected}, errors.New("record id is required")
	}
	ctx = utils.SetRecordIdInContext(ctx, recordId)

	olog, err := e.Logs.StartOrderLog(ctx, recordId)
	if err != nil {
		return PlaceResult{Outcome: OutcomeRejected}, fmt.Errorf("start order log: %w", err)
	}
	defer e.complete(ctx, olog)

	who := req.InitiatedBy
	if who == "" {
		who = "unknown user"
	}
	e.note(ctx, olog, models.ChannelOrders, models.LevelInfo, "order requested for record %s by %s (project %s)", recordId, who, req.ProjectId)

	rec, found, err := e.EDC.ReadRecord(ctx, recordId, e.Options.Address.exportFields(e.Options.ReadyField))
	if err != nil {
		e.note(ctx, olog, models.ChannelEDC, models.LevelError, "could not read record %s: %v", recordId, err)
		return PlaceResult{Outcome: OutcomeRejected}, fmt.Errorf("%w: %w", ErrEDCUnreachable, err)
	}
	if !found {
		e.note(ctx, olog, models.ChannelEDC, models.LevelWarning, "record %s not found", recordId)
		return PlaceResult{Outcome: OutcomeNotReady}, nil
	}
	if !e.isReady(rec) {
		e.note(ctx, olog, models.ChannelOrders, models.LevelInfo, "record %s not ready: %s is %q, want %q",
			recordId, e.Options.ReadyField, rec[e.Options.ReadyField], e.Options.ReadyValue)
		return PlaceResult{Outcome: OutcomeNotReady}, nil
	}

	order, created, err := e.Orders.CreateIfAbsent(ctx, models.NewOrder{
		RecordId:    recordId,
		ProjectId:   req.ProjectId,
		ProjectUrl:  req.ProjectUrl,
		EdcUrl:      req.EdcUrl,
		InitiatedBy: req.InitiatedBy,
	})
	if err != nil {
		e.note(ctx, olog, models.ChannelOrders, models.LevelError, "could not create order: %v", err)
		return PlaceResult{Outcome: OutcomeRejected}, fmt.Errorf("create order: %w", err)
	}
	if order.IsPlaced() {
		e.attach(ctx, olog, order.Number())
		e.note(ctx, olog, models.ChannelOrders, models.LevelInfo, "order %s already placed (%s), nothing to do", order.Number(), order.Status)
		return PlaceResult{Outcome: OutcomeAlreadyPlaced, Order: order}, nil
	}
	if order.SubmitUncertain {
		e.attach(ctx, olog, order.Number())
		e.note(ctx, olog, models.ChannelOrders, models.LevelError, "order %s has an unconfirmed earlier submission, refusing to resubmit", order.Number())
		return PlaceResult{Outcome: OutcomeRejected, Order: order}, fmt.Errorf("order %s: %w", order.Number(), ErrSubmissionUncertain)
	}
	if created {
		e.note(ctx, olog, models.ChannelOrders, models.LevelInfo, "created order for record %s", recordId)
	} else {
		e.note(ctx, olog, models.ChannelOrders, models.LevelInfo, "retrying pending order %s", order.Number())
	}

	initiated, err := e.Orders.MarkInitiated(ctx, order)
	if err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			if cur, gerr := e.Orders.GetByRecordId(ctx, recordId); gerr == nil && cur.IsPlaced() {
				e.attach(ctx, olog, cur.Number())
				e.note(ctx, olog, models.ChannelOrders, models.LevelInfo, "order %s was placed by a concurrent request", cur.Number())
				return PlaceResult{Outcome: OutcomeAlreadyPlaced, Order: cur}, nil
			}
		}
		e.note(ctx, olog, models.ChannelOrders, models.LevelError, "could not mark order initiated: %v", err)
		return PlaceResult{Outcome: OutcomeRejected, Order: order}, fmt.Errorf("mark initiated: %w", err)
	}
	number := initiated.Number()
	e.attach(ctx, olog, number)
	span.SetAttributes(attribute.String("order_number", number))

	// From here on the order is INITIATED. Whatever happens to the caller,
	// the ledger must end up PENDING (retryable or uncertain) or stay
	// INITIATED with the vendor's acceptance recorded.
	sctx, cancel := settle(ctx)
	defer cancel()

	if cerr := ctx.Err(); cerr != nil {
		return e.abandonSubmission(sctx, olog, initiated, cerr)
	}

	address := e.Options.Address.toAddress(rec)
	e.note(ctx, olog, models.ChannelFulfiller, models.LevelInfo, "submitting order %s (attempt %d)", number, initiated.SubmitAttempts)
	result, subErr := e.Fulfiller.SubmitOrder(ctx, fulfiller.OrderRequest{OrderNumber: number, Address: address})
	if subErr == nil && !result.OK {
		subErr = &fulfiller.Error{Op: "submit", StatusCode: result.StatusCode, Rejected: true, Message: result.Message}
	}
	if subErr != nil {
		return e.failSubmission(sctx, olog, initiated, subErr)
	}

	e.note(sctx, olog, models.ChannelFulfiller, models.LevelInfo, "order %s accepted: %s", number, result.Message)

	orderedAt := e.now()
	if initiated.OrderedAt != nil {
		orderedAt = *initiated.OrderedAt
	}
	if err := e.EDC.WriteOrderNumber(sctx, recordId, number, orderedAt); err != nil {
		e.note(ctx, olog, models.ChannelEDC, models.LevelError, "%v: order number %s for record %s: %v", ErrEDCWritebackFailed, number, recordId, err)
		config.LogError(e.Logger, "workflow", "PlaceOrder", "write order number", orderFields(initiated), err)
	} else {
		e.note(ctx, olog, models.ChannelEDC, models.LevelInfo, "stored order number %s on record %s", number, recordId)
	}

	e.publish(sctx, EventOrderInitiated, initiated, result.Message)
	e.note(sctx, olog, models.ChannelOrders, models.LevelInfo, "order %s initiated", number)
	return PlaceResult{Outcome: OutcomeOK, Order: initiated}, nil
}

// failSubmission records a submission the vendor did not accept. ctx must
// already be settled; the caller's context may be gone by now.
func (e *Engine) failSubmission(ctx context.Context, olog *models.OrderLog, order *models.Order, cause error) (PlaceResult, error) {
	uncertain := true
	var ferr *fulfiller.Error
	if errors.As(cause, &ferr) && ferr.Rejected {
		uncertain = false
	}
	sentinel := ErrVendorRejected
	if uncertain {
		sentinel = ErrVendorUnreachable
	}
	e.note(ctx, olog, models.ChannelFulfiller, models.LevelError, "order %s not accepted: %v", order.Number(), cause)

	failed, err := e.Orders.MarkFailedSubmission(ctx, order, cause, uncertain)
	if err != nil {
		e.note(ctx, olog, models.ChannelOrders, models.LevelError, "could not record failed submission of %s: %v", order.Number(), err)
		config.LogError(e.Logger, "workflow", "failSubmission", "mark failed submission", orderFields(order), err)
		return PlaceResult{Outcome: OutcomeRejected, Order: order}, fmt.Errorf("%w: %w", sentinel, errors.Join(cause, err))
	}
	if uncertain {
		e.note(ctx, olog, models.ChannelOrders, models.LevelWarning, "order %s outcome unknown, resubmission blocked until cleared", order.Number())
	} else {
		e.note(ctx, olog, models.ChannelOrders, models.LevelInfo, "order %s back to %s, a new request will retry it", order.Number(), failed.Status)
	}
	e.publish(ctx, EventOrderSubmitFailed, failed, cause.Error())
	return PlaceResult{Outcome: OutcomeRejected, Order: failed}, fmt.Errorf("%w: %w", sentinel, cause)
}

// abandonSubmission returns an order to PENDING when the caller went away
// between MarkInitiated and the vendor call. Nothing was sent, so the order
// stays retryable. ctx must already be settled.
func (e *Engine) abandonSubmission(ctx context.Context, olog *models.OrderLog, order *models.Order, cause error) (PlaceResult, error) {
	e.note(ctx, olog, models.ChannelOrders, models.LevelWarning, "request for order %s cancelled before submission: %v", order.Number(), cause)
	reverted, err := e.Orders.MarkFailedSubmission(ctx, order, cause, false)
	if err != nil {
		config.LogError(e.Logger, "workflow", "abandonSubmission", "revert initiated order", orderFields(order), err)
		return PlaceResult{Outcome: OutcomeRejected, Order: order}, fmt.Errorf("order %s: %w", order.Number(), errors.Join(cause, err))
	}
	return PlaceResult{Outcome: OutcomeRejected, Order: reverted}, fmt.Errorf("order %s not submitted: %w", order.Number(), cause)
}

func (e *Engine) attach(ctx context.Context, olog *models.OrderLog, number string) {
	if number == "" || (olog.OrderNumber != nil && *olog.OrderNumber == number) {
		return
	}
	ctx, cancel := settle(ctx)
	defer cancel()
	if err := e.Logs.AttachOrderNumber(ctx, olog, number); err != nil {
		e.Logger.WithFields(olog.LogFields()).WithError(err).Warn("attach order number to log failed")
	}
}
