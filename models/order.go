package models

import (
	"time"

	"gorm.io/datatypes"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusInitiated OrderStatus = "INITIATED"
	OrderStatusShipped   OrderStatus = "SHIPPED"
	OrderStatusDone      OrderStatus = "DONE"
)

func (s OrderStatus) IsValid() bool {
	switch s {
	case OrderStatusPending, OrderStatusInitiated, OrderStatusShipped, OrderStatusDone:
		return true
	}
	return false
}

// Order is the local record of one kit shipment for one participant record.
// Unique constraints: record_id, order_number.
type Order struct {
	ID          uint    `gorm:"primary_key" json:"id"`
	RecordId    string  `gorm:"size:64;not null;uniqueIndex:uniq_orders_record_id" json:"record_id"`
	ProjectId   string  `gorm:"size:64" json:"project_id"`
	ProjectUrl  string  `gorm:"size:255" json:"project_url"`
	EdcUrl      string  `gorm:"size:255" json:"edc_url"`
	InitiatedBy string  `gorm:"size:100" json:"initiated_by"`
	OrderNumber *string `gorm:"size:32;uniqueIndex:uniq_orders_order_number" json:"order_number"`

	Status OrderStatus `gorm:"size:20;not null;index" json:"status"`

	ShipDate         string                      `gorm:"size:32" json:"ship_date"`
	OutboundTracking datatypes.JSONSlice[string] `json:"outbound_tracking"`
	ReturnTracking   datatypes.JSONSlice[string] `json:"return_tracking"`
	TubeSerials      datatypes.JSONSlice[string] `json:"tube_serials"`

	SubmitAttempts  int     `gorm:"not null;default:0" json:"submit_attempts"`
	LastSubmitError *string `gorm:"type:text" json:"last_submit_error"`
	SubmitUncertain bool    `gorm:"not null;default:false" json:"submit_uncertain"`

	OrderedAt   *time.Time `json:"ordered_at"`
	ShippedAt   *time.Time `json:"shipped_at"`
	CompletedAt *time.Time `json:"completed_at"`
	CreatedAt   time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// NewOrder carries the inbound trigger context for an order request.
type NewOrder struct {
	RecordId    string `json:"record_id" validate:"required"`
	ProjectId   string `json:"project_id"`
	ProjectUrl  string `json:"project_url"`
	EdcUrl      string `json:"edc_url"`
	InitiatedBy string `json:"initiated_by"`
}

// ShippingInfo is a vendor shipping confirmation for one order.
type ShippingInfo struct {
	OrderNumber      string   `json:"order_number"`
	ShipDate         string   `json:"ship_date"`
	OutboundTracking []string `json:"outbound_tracking"`
	ReturnTracking   []string `json:"return_tracking"`
	TubeSerials      []string `json:"tube_serials"`
}

// IsPlaced reports whether the order has left PENDING, i.e. it was
// accepted by the vendor at least once and must not be submitted again.
func (o *Order) IsPlaced() bool {
	return o != nil && o.Status != OrderStatusPending && o.OrderNumber != nil
}

// Number returns the order number or "" if none has been assigned.
func (o *Order) Number() string {
	if o == nil || o.OrderNumber == nil {
		return ""
	}
	return *o.OrderNumber
}
