package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const DefaultOrderNumberPrefix = "EDROP-"

// OrderLedger owns every Order row and every status transition.
// Transitions are compare-and-set on the persisted status, so two callers
// racing on the same order cannot both succeed.
type OrderLedger struct {
	DB           *gorm.DB
	NumberPrefix string
	Now          func() time.Time
}

func NewOrderLedger(db *gorm.DB, numberPrefix string) *OrderLedger {
	if numberPrefix == "" {
		numberPrefix = DefaultOrderNumberPrefix
	}
	return &OrderLedger{DB: db, NumberPrefix: numberPrefix, Now: func() time.Time { return time.Now().UTC() }}
}

func (l *OrderLedger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now().UTC()
}

// FormatOrderNumber renders prefix + id zero-padded to five digits.
func FormatOrderNumber(prefix string, id uint) string {
	return fmt.Sprintf("%s%05d", prefix, id)
}

// CreateIfAbsent is the only de-duplication gate for orders. It returns the
// existing order for the record when there is one (placed orders are returned
// untouched, PENDING orders are reused), and otherwise inserts a PENDING order.
// created is true only when a new row was inserted by this call.
func (l *OrderLedger) CreateIfAbsent(ctx context.Context, input NewOrder) (order *Order, created bool, err error) {
	recordId := strings.TrimSpace(input.RecordId)
	if recordId == "" {
		return nil, false, errors.New("record id is required")
	}

	var out Order
	err = l.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Order
		err := tx.Where("record_id = ?", recordId).Take(&existing).Error
		if err == nil {
			out = existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		o := Order{
			RecordId:    recordId,
			ProjectId:   input.ProjectId,
			ProjectUrl:  input.ProjectUrl,
			EdcUrl:      input.EdcUrl,
			InitiatedBy: input.InitiatedBy,
			Status:      OrderStatusPending,
		}
		if err := tx.Create(&o).Error; err != nil {
			return err
		}
		out = o
		created = true
		return nil
	})
	if err == nil {
		return &out, created, nil
	}
	if !isDuplicateKeyErr(err) {
		return nil, false, err
	}

	// Lost the insert race on uniq_orders_record_id; the winner's row is committed.
	winner, gerr := l.GetByRecordId(ctx, recordId)
	if gerr != nil {
		return nil, false, gerr
	}
	return winner, false, nil
}

// MarkInitiated moves a PENDING order to INITIATED, assigning its order number
// on the first attempt. A retained number from an earlier attempt is reused.
func (l *OrderLedger) MarkInitiated(ctx context.Context, order *Order) (*Order, error) {
	if order == nil {
		return nil, ErrOrderNotFound
	}
	return l.transition(ctx, "id = ?", order.ID, OrderStatusPending, OrderStatusInitiated, func(cur *Order, now time.Time) map[string]interface{} {
		updates := map[string]interface{}{
			"ordered_at":      now,
			"submit_attempts": gorm.Expr("submit_attempts + 1"),
		}
		if cur.OrderNumber == nil {
			updates["order_number"] = FormatOrderNumber(l.NumberPrefix, cur.ID)
		}
		return updates
	})
}

// MarkFailedSubmission returns an INITIATED order to PENDING after the vendor
// did not accept it. The order number is retained. uncertain records that the
// vendor outcome is unknown, which blocks automatic resubmission.
func (l *OrderLedger) MarkFailedSubmission(ctx context.Context, order *Order, cause error, uncertain bool) (*Order, error) {
	if order == nil {
		return nil, ErrOrderNotFound
	}
	msg := "submission failed"
	if cause != nil {
		msg = cause.Error()
	}
	return l.transition(ctx, "id = ?", order.ID, OrderStatusInitiated, OrderStatusPending, func(cur *Order, now time.Time) map[string]interface{} {
		return map[string]interface{}{
			"last_submit_error": &msg,
			"submit_uncertain":  uncertain,
		}
	})
}

// ApplyShippingInfo moves an INITIATED order to SHIPPED and stores the
// tracking data. A confirmation without a ship date is not a shipment and
// returns false without touching the order.
func (l *OrderLedger) ApplyShippingInfo(ctx context.Context, info ShippingInfo) (bool, error) {
	if strings.TrimSpace(info.ShipDate) == "" {
		return false, nil
	}
	if strings.TrimSpace(info.OrderNumber) == "" {
		return false, ErrOrderNotFound
	}
	_, err := l.transition(ctx, "order_number = ?", info.OrderNumber, OrderStatusInitiated, OrderStatusShipped, func(cur *Order, now time.Time) map[string]interface{} {
		return map[string]interface{}{
			"ship_date":         info.ShipDate,
			"outbound_tracking": datatypes.JSONSlice[string](nonNilStrings(info.OutboundTracking)),
			"return_tracking":   datatypes.JSONSlice[string](nonNilStrings(info.ReturnTracking)),
			"tube_serials":      datatypes.JSONSlice[string](nonNilStrings(info.TubeSerials)),
			"shipped_at":        now,
		}
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// MarkDone closes a SHIPPED order. Only operators complete orders.
func (l *OrderLedger) MarkDone(ctx context.Context, orderNumber string) (*Order, error) {
	return l.transition(ctx, "order_number = ?", orderNumber, OrderStatusShipped, OrderStatusDone, func(cur *Order, now time.Time) map[string]interface{} {
		return map[string]interface{}{"completed_at": now}
	})
}

// ClearSubmitUncertain re-enables submission for a PENDING order whose last
// outcome was unknown, once an operator has checked the vendor side.
func (l *OrderLedger) ClearSubmitUncertain(ctx context.Context, orderNumber string) (*Order, error) {
	return l.transition(ctx, "order_number = ?", orderNumber, OrderStatusPending, OrderStatusPending, func(cur *Order, now time.Time) map[string]interface{} {
		return map[string]interface{}{"submit_uncertain": false}
	})
}

func (l *OrderLedger) transition(ctx context.Context, where string, arg interface{}, from, to OrderStatus, build func(cur *Order, now time.Time) map[string]interface{}) (*Order, error) {
	var out Order
	err := l.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur Order
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where(where, arg).Take(&cur).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %v", ErrOrderNotFound, arg)
		}
		if err != nil {
			return err
		}
		if cur.Status != from {
			return fmt.Errorf("%w: order %d is %s, want %s for %s", ErrInvalidTransition, cur.ID, cur.Status, from, to)
		}

		updates := build(&cur, l.now())
		updates["status"] = to
		res := tx.Model(&Order{}).Where("id = ? AND status = ?", cur.ID, from).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: order %d changed concurrently", ErrInvalidTransition, cur.ID)
		}
		return tx.Where("id = ?", cur.ID).Take(&out).Error
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (l *OrderLedger) ListInFlight(ctx context.Context) ([]Order, error) {
	return l.ListOrders(ctx, OrderStatusInitiated)
}

// ListOrders returns orders in id order, filtered by status unless status is empty.
func (l *OrderLedger) ListOrders(ctx context.Context, status OrderStatus) ([]Order, error) {
	q := l.DB.WithContext(ctx).Model(&Order{})
	if status != "" {
		if !status.IsValid() {
			return nil, fmt.Errorf("unknown order status %q", status)
		}
		q = q.Where("status = ?", status)
	}
	var orders []Order
	if err := q.Order("id ASC").Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

func (l *OrderLedger) FindByOrderNumbers(ctx context.Context, orderNumbers []string) ([]Order, error) {
	if len(orderNumbers) == 0 {
		return nil, nil
	}
	var orders []Order
	if err := l.DB.WithContext(ctx).Where("order_number IN ?", orderNumbers).Order("id ASC").Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

func (l *OrderLedger) GetByOrderNumber(ctx context.Context, orderNumber string) (*Order, error) {
	return l.getOne(ctx, "order_number = ?", orderNumber)
}

func (l *OrderLedger) GetByRecordId(ctx context.Context, recordId string) (*Order, error) {
	return l.getOne(ctx, "record_id = ?", recordId)
}

func (l *OrderLedger) getOne(ctx context.Context, where string, arg interface{}) (*Order, error) {
	var o Order
	err := l.DB.WithContext(ctx).Where(where, arg).Take(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %v", ErrOrderNotFound, arg)
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
