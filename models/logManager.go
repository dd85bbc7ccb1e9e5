package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LogManager creates, appends to and completes audit logs. Every append is
// mirrored to the process logger.
type LogManager struct {
	DB     *gorm.DB
	Logger *logrus.Logger
	Now    func() time.Time
}

func NewLogManager(db *gorm.DB, logger *logrus.Logger) *LogManager {
	return &LogManager{DB: db, Logger: logger, Now: func() time.Time { return time.Now().UTC() }}
}

func (m *LogManager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now().UTC()
}

// StartOrderLog opens a log for recordId, completing any log still open for it.
// Concurrent starts for one record conflict on the open key and are retried,
// so at most one log per record is open at any time.
func (m *LogManager) StartOrderLog(ctx context.Context, recordId string) (*OrderLog, error) {
	var out OrderLog
	err := retryLockConflict(ctx, func() error {
		now := m.now()
		key := recordId
		out = OrderLog{RecordId: recordId, LogEntry: LogEntry{StartTime: now, OpenKey: &key}}
		return m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Model(&OrderLog{}).
				Where("open_key = ?", key).
				Updates(closedColumns(now)).Error; err != nil {
				return err
			}
			return tx.Create(&out).Error
		})
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// AttachOrderNumber links an order log to the number the ledger assigned.
func (m *LogManager) AttachOrderNumber(ctx context.Context, log *OrderLog, orderNumber string) error {
	if log == nil || orderNumber == "" {
		return nil
	}
	if err := m.DB.WithContext(ctx).Model(&OrderLog{}).Where("id = ?", log.ID).
		Update("order_number", orderNumber).Error; err != nil {
		return err
	}
	log.OrderNumber = &orderNumber
	return nil
}

// StartRunLog opens a log for one confirmation run. Only one run log is open
// at a time; a stale one left by a crashed run is completed first.
func (m *LogManager) StartRunLog(ctx context.Context, runId string) (*RunLog, error) {
	var out RunLog
	err := retryLockConflict(ctx, func() error {
		now := m.now()
		key := runLogOpenKey
		out = RunLog{RunId: runId, LogEntry: LogEntry{StartTime: now, OpenKey: &key}}
		return m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Model(&RunLog{}).
				Where("open_key = ?", key).
				Updates(closedColumns(now)).Error; err != nil {
				return err
			}
			return tx.Create(&out).Error
		})
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

const runLogOpenKey = "confirmation-run"

const startLogAttempts = 10

func closedColumns(now time.Time) map[string]interface{} {
	return map[string]interface{}{"is_complete": true, "end_time": now, "open_key": nil, "updated_at": now}
}

// retryLockConflict reruns fn when it lost a race for an open key: a
// duplicate key, an InnoDB deadlock or lock wait timeout, or a busy SQLite.
func retryLockConflict(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= startLogAttempts; attempt++ {
		if err = fn(); err == nil || !isLockConflictErr(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(attempt) * 25 * time.Millisecond):
		}
	}
	return err
}

// Append adds one line to a channel of an open log.
func (m *LogManager) Append(ctx context.Context, log AuditLog, channel Channel, level Level, message string) error {
	col, ok := channelColumns[channel]
	if !ok {
		return fmt.Errorf("unknown log channel %q", channel)
	}
	if log == nil {
		return errors.New("log is nil")
	}

	line := fmt.Sprintf("%s %s: %s\n", m.now().Format("2006-01-02 15:04:05"), level, message)
	var text string
	err := m.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur LogEntry
		if err := tx.Table(log.logTable()).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", log.logID()).
			Take(&cur).Error; err != nil {
			return err
		}
		if cur.IsComplete {
			return ErrLogAppendAfterComplete
		}
		text = *col.field(&cur) + line
		return tx.Table(log.logTable()).Where("id = ?", log.logID()).
			Updates(map[string]interface{}{col.column: text, "updated_at": m.now()}).Error
	})
	if err != nil {
		return err
	}
	*col.field(log.entry()) = text

	m.mirror(log, channel, level, message)
	return nil
}

func (m *LogManager) mirror(log AuditLog, channel Channel, level Level, message string) {
	if m.Logger == nil {
		return
	}
	e := m.Logger.WithFields(log.LogFields()).WithField("channel", string(channel))
	switch level {
	case LevelDebug:
		e.Debug(message)
	case LevelWarning:
		e.Warn(message)
	case LevelError:
		e.Error(message)
	default:
		e.Info(message)
	}
}

// Complete freezes a log. Completing an already complete log is a no-op.
func (m *LogManager) Complete(ctx context.Context, log AuditLog) error {
	if log == nil {
		return nil
	}
	now := m.now()
	res := m.DB.WithContext(ctx).Table(log.logTable()).
		Where("id = ? AND is_complete = ?", log.logID(), false).
		Updates(closedColumns(now))
	if res.Error != nil {
		return res.Error
	}
	e := log.entry()
	e.IsComplete = true
	e.OpenKey = nil
	if e.EndTime == nil {
		e.EndTime = &now
	}
	return nil
}

// PurgeRunLogs deletes completed run logs that started before olderThan.
func (m *LogManager) PurgeRunLogs(ctx context.Context, olderThan time.Time) (int64, error) {
	res := m.DB.WithContext(ctx).
		Where("is_complete = ? AND start_time < ?", true, olderThan).
		Delete(&RunLog{})
	return res.RowsAffected, res.Error
}

func (m *LogManager) ListRunLogs(ctx context.Context, limit int) ([]RunLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var logs []RunLog
	if err := m.DB.WithContext(ctx).Order("id DESC").Limit(limit).Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

// OrderLogs returns every log written for a record, oldest first.
func (m *LogManager) OrderLogs(ctx context.Context, recordId string) ([]OrderLog, error) {
	var logs []OrderLog
	if err := m.DB.WithContext(ctx).Where("record_id = ?", recordId).Order("id ASC").Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}
