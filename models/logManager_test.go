package models_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/diging/edrop-connector/models"
	"github.com/sirupsen/logrus"
)

func newLogManager(t *testing.T) *models.LogManager {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(&strings.Builder{})
	return models.NewLogManager(openTestDB(t), logger)
}

func TestAppendWritesToChannel(t *testing.T) {
	ctx := context.Background()
	lm := newLogManager(t)

	log, err := lm.StartOrderLog(ctx, "42")
	if err != nil {
		t.Fatalf("StartOrderLog: %v", err)
	}
	if err := lm.Append(ctx, log, models.ChannelOrders, models.LevelInfo, "placing order"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := lm.Append(ctx, log, models.ChannelEDC, models.LevelError, "record read failed"); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := lm.Append(ctx, log, models.ChannelOrders, models.LevelInfo, "done"); err != nil {
		t.Fatalf("Append: %v", err)
	}

	stored, err := lm.OrderLogs(ctx, "42")
	if err != nil || len(stored) != 1 {
		t.Fatalf("OrderLogs = %d, %v", len(stored), err)
	}
	orders := stored[0].Text(models.ChannelOrders)
	if !strings.Contains(orders, "INFO: placing order\n") || !strings.HasSuffix(orders, "INFO: done\n") {
		t.Fatalf("orders channel = %q", orders)
	}
	if !strings.Contains(stored[0].Text(models.ChannelEDC), "ERROR: record read failed") {
		t.Fatalf("edc channel = %q", stored[0].Text(models.ChannelEDC))
	}
	if stored[0].Text(models.ChannelFulfiller) != "" || stored[0].Text(models.ChannelScheduler) != "" {
		t.Fatalf("untouched channels must stay empty")
	}
	if log.Text(models.ChannelOrders) != orders {
		t.Fatalf("in-memory handle out of sync: %q", log.Text(models.ChannelOrders))
	}

	if err := lm.Append(ctx, log, models.Channel("smtp"), models.LevelInfo, "x"); err == nil {
		t.Fatalf("expected error for unknown channel")
	}
}

func TestCompleteIsTerminal(t *testing.T) {
	ctx := context.Background()
	lm := newLogManager(t)

	log, err := lm.StartRunLog(ctx, "run-1")
	if err != nil {
		t.Fatalf("StartRunLog: %v", err)
	}
	if err := lm.Complete(ctx, log); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if !log.IsComplete || log.EndTime == nil {
		t.Fatalf("handle not marked complete: %+v", log.LogEntry)
	}
	firstEnd := *log.EndTime

	if err := lm.Append(ctx, log, models.ChannelScheduler, models.LevelInfo, "late"); !errors.Is(err, models.ErrLogAppendAfterComplete) {
		t.Fatalf("append after complete err = %v", err)
	}
	if err := lm.Complete(ctx, log); err != nil {
		t.Fatalf("second Complete: %v", err)
	}
	if !log.EndTime.Equal(firstEnd) {
		t.Fatalf("second Complete moved end time")
	}

	runs, err := lm.ListRunLogs(ctx, 10)
	if err != nil || len(runs) != 1 {
		t.Fatalf("ListRunLogs = %d, %v", len(runs), err)
	}
	if runs[0].Text(models.ChannelScheduler) != "" {
		t.Fatalf("rejected append leaked into storage: %q", runs[0].Text(models.ChannelScheduler))
	}
}

func TestStartOrderLogAutoClosesOpenLog(t *testing.T) {
	ctx := context.Background()
	lm := newLogManager(t)

	first, err := lm.StartOrderLog(ctx, "7")
	if err != nil {
		t.Fatalf("StartOrderLog: %v", err)
	}
	other, err := lm.StartOrderLog(ctx, "8")
	if err != nil {
		t.Fatalf("StartOrderLog other: %v", err)
	}
	second, err := lm.StartOrderLog(ctx, "7")
	if err != nil {
		t.Fatalf("StartOrderLog again: %v", err)
	}

	if err := lm.Append(ctx, first, models.ChannelOrders, models.LevelInfo, "stale"); !errors.Is(err, models.ErrLogAppendAfterComplete) {
		t.Fatalf("append to auto-closed log err = %v", err)
	}
	if err := lm.Append(ctx, second, models.ChannelOrders, models.LevelInfo, "fresh"); err != nil {
		t.Fatalf("append to new log: %v", err)
	}
	if err := lm.Append(ctx, other, models.ChannelOrders, models.LevelInfo, "other record"); err != nil {
		t.Fatalf("log of another record must stay open: %v", err)
	}

	logs, _ := lm.OrderLogs(ctx, "7")
	if len(logs) != 2 || !logs[0].IsComplete || logs[0].EndTime == nil || logs[1].IsComplete {
		t.Fatalf("unexpected logs: %+v", logs)
	}
}

func TestAttachOrderNumber(t *testing.T) {
	ctx := context.Background()
	lm := newLogManager(t)

	log, _ := lm.StartOrderLog(ctx, "11")
	if err := lm.AttachOrderNumber(ctx, log, "EDROP-00011"); err != nil {
		t.Fatalf("AttachOrderNumber: %v", err)
	}
	logs, _ := lm.OrderLogs(ctx, "11")
	if logs[0].OrderNumber == nil || *logs[0].OrderNumber != "EDROP-00011" {
		t.Fatalf("order number not stored: %+v", logs[0])
	}
	if log.LogFields()["order_number"] != "EDROP-00011" {
		t.Fatalf("log fields = %v", log.LogFields())
	}
}

func TestStartRunLogClosesStaleRunAndPurge(t *testing.T) {
	ctx := context.Background()
	lm := newLogManager(t)

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	lm.Now = func() time.Time { return base }
	stale, err := lm.StartRunLog(ctx, "run-old")
	if err != nil {
		t.Fatalf("StartRunLog: %v", err)
	}

	lm.Now = func() time.Time { return base.Add(10 * 24 * time.Hour) }
	current, err := lm.StartRunLog(ctx, "run-new")
	if err != nil {
		t.Fatalf("StartRunLog: %v", err)
	}
	if err := lm.Append(ctx, stale, models.ChannelScheduler, models.LevelInfo, "x"); !errors.Is(err, models.ErrLogAppendAfterComplete) {
		t.Fatalf("stale run log should be closed, err = %v", err)
	}

	n, err := lm.PurgeRunLogs(ctx, base.Add(3*24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeRunLogs: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d, want 1", n)
	}
	runs, _ := lm.ListRunLogs(ctx, 0)
	if len(runs) != 1 || runs[0].RunId != current.RunId {
		t.Fatalf("unexpected remaining runs: %+v", runs)
	}

	// Open logs survive the purge regardless of age.
	n, err = lm.PurgeRunLogs(ctx, base.Add(100*24*time.Hour))
	if err != nil || n != 0 {
		t.Fatalf("open run log purged: n=%d err=%v", n, err)
	}
}

func TestStartOrderLogConcurrentStartsLeaveOneOpenLog(t *testing.T) {
	ctx := context.Background()
	lm := newLogManager(t)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = lm.StartOrderLog(ctx, "21")
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
	}

	logs, err := lm.OrderLogs(ctx, "21")
	if err != nil || len(logs) != n {
		t.Fatalf("logs = %d err = %v", len(logs), err)
	}
	open := 0
	for _, l := range logs {
		if !l.IsComplete {
			open++
		}
	}
	if open != 1 {
		t.Fatalf("%d open logs for one record, want 1", open)
	}
}

func TestOpenKeyRejectsSecondOpenLog(t *testing.T) {
	ctx := context.Background()
	lm := newLogManager(t)

	first, err := lm.StartOrderLog(ctx, "22")
	if err != nil {
		t.Fatalf("StartOrderLog: %v", err)
	}
	key := "22"
	dup := models.OrderLog{RecordId: "22", LogEntry: models.LogEntry{StartTime: time.Now(), OpenKey: &key}}
	if err := lm.DB.WithContext(ctx).Create(&dup).Error; err == nil {
		t.Fatalf("second open log for a record was stored")
	}

	if err := lm.Complete(ctx, first); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if first.OpenKey != nil {
		t.Fatalf("open key kept after completion")
	}
	if _, err := lm.StartOrderLog(ctx, "22"); err != nil {
		t.Fatalf("StartOrderLog after completion: %v", err)
	}
}
