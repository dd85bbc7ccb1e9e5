package models

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Channel names one of the four text streams of an audit log.
type Channel string

const (
	ChannelScheduler Channel = "scheduler"
	ChannelOrders    Channel = "orders"
	ChannelFulfiller Channel = "fulfiller"
	ChannelEDC       Channel = "edc"
)

type Level string

const (
	LevelDebug   Level = "DEBUG"
	LevelInfo    Level = "INFO"
	LevelWarning Level = "WARNING"
	LevelError   Level = "ERROR"
)

type channelColumn struct {
	column string
	field  func(e *LogEntry) *string
}

var channelColumns = map[Channel]channelColumn{
	ChannelScheduler: {column: "scheduler_log", field: func(e *LogEntry) *string { return &e.SchedulerLog }},
	ChannelOrders:    {column: "orders_log", field: func(e *LogEntry) *string { return &e.OrdersLog }},
	ChannelFulfiller: {column: "fulfiller_log", field: func(e *LogEntry) *string { return &e.FulfillerLog }},
	ChannelEDC:       {column: "edc_log", field: func(e *LogEntry) *string { return &e.EdcLog }},
}

func (c Channel) IsValid() bool {
	_, ok := channelColumns[c]
	return ok
}

// LogEntry is the body shared by order logs and run logs. Channels are
// append-only; once IsComplete is set the entry is frozen.
type LogEntry struct {
	SchedulerLog string     `gorm:"type:text" json:"scheduler_log"`
	OrdersLog    string     `gorm:"type:text" json:"orders_log"`
	FulfillerLog string     `gorm:"type:text" json:"fulfiller_log"`
	EdcLog       string     `gorm:"type:text" json:"edc_log"`
	StartTime    time.Time  `gorm:"not null" json:"start_time"`
	EndTime      *time.Time `json:"end_time"`
	IsComplete   bool       `gorm:"not null;default:false;index" json:"is_complete"`
	// OpenKey is set while the entry is open and cleared on completion. Its
	// unique index allows one open log per key.
	OpenKey *string `gorm:"size:64;uniqueIndex" json:"-"`
}

// Text returns the accumulated text of one channel.
func (e LogEntry) Text(c Channel) string {
	col, ok := channelColumns[c]
	if !ok {
		return ""
	}
	return *col.field(&e)
}

// OrderLog narrates one order flow for a record. The order number is attached
// once the ledger assigns it.
type OrderLog struct {
	ID          uint     `gorm:"primary_key" json:"id"`
	RecordId    string   `gorm:"size:64;not null;index" json:"record_id"`
	OrderNumber *string  `gorm:"size:32;index" json:"order_number"`
	LogEntry    `gorm:"embedded"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OrderLog) TableName() string { return "order_logs" }

// RunLog narrates one confirmation check run.
type RunLog struct {
	ID        uint   `gorm:"primary_key" json:"id"`
	RunId     string `gorm:"size:36;not null;uniqueIndex:uniq_run_logs_run_id" json:"run_id"`
	LogEntry  `gorm:"embedded"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (RunLog) TableName() string { return "run_logs" }

// AuditLog is a handle to an open order log or run log.
type AuditLog interface {
	logTable() string
	logID() uint
	entry() *LogEntry
	LogFields() logrus.Fields
}

func (l *OrderLog) logTable() string  { return OrderLog{}.TableName() }
func (l *OrderLog) logID() uint       { return l.ID }
func (l *OrderLog) entry() *LogEntry  { return &l.LogEntry }
func (l *OrderLog) LogFields() logrus.Fields {
	f := logrus.Fields{"log": "order", "record_id": l.RecordId}
	if l.OrderNumber != nil {
		f["order_number"] = *l.OrderNumber
	}
	return f
}

func (l *RunLog) logTable() string { return RunLog{}.TableName() }
func (l *RunLog) logID() uint      { return l.ID }
func (l *RunLog) entry() *LogEntry { return &l.LogEntry }
func (l *RunLog) LogFields() logrus.Fields {
	return logrus.Fields{"log": "run", "run_id": l.RunId}
}
