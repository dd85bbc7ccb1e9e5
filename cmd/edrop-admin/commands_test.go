package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/diging/edrop-connector/config"
	"github.com/diging/edrop-connector/models"
	"github.com/diging/edrop-connector/utils"
	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestRuntime(t *testing.T) (*runtime, *bytes.Buffer, *gorm.DB) {
	t.Helper()
	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), config.GormConfig())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	out := &bytes.Buffer{}
	rt := &runtime{
		out:          out,
		openDB:       func() (*gorm.DB, error) { return db, nil },
		loadSettings: func() (config.Settings, error) { return config.Settings{}, nil },
	}
	return rt, out, db
}

func run(t *testing.T, rt *runtime, args ...string) error {
	t.Helper()
	return newApp(rt).RunContext(context.Background(), append([]string{"edrop-admin"}, args...))
}

func shippedOrder(t *testing.T, db *gorm.DB, recordId string) string {
	t.Helper()
	ctx := context.Background()
	ledger := models.NewOrderLedger(db, "")
	order, _, err := ledger.CreateIfAbsent(ctx, models.NewOrder{RecordId: recordId})
	if err != nil {
		t.Fatalf("CreateIfAbsent: %v", err)
	}
	order, err = ledger.MarkInitiated(ctx, order)
	if err != nil {
		t.Fatalf("MarkInitiated: %v", err)
	}
	if _, err := ledger.ApplyShippingInfo(ctx, models.ShippingInfo{
		OrderNumber:      order.Number(),
		ShipDate:         "2025-02-14",
		OutboundTracking: []string{"1Z12345"},
	}); err != nil {
		t.Fatalf("ApplyShippingInfo: %v", err)
	}
	return order.Number()
}

func TestOrderCommands(t *testing.T) {
	rt, out, db := newTestRuntime(t)
	if err := run(t, rt, "migrate"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	number := shippedOrder(t, db, "14")

	out.Reset()
	if err := run(t, rt, "list-orders", "--status", "shipped"); err != nil {
		t.Fatalf("list-orders: %v", err)
	}
	if !strings.Contains(out.String(), number) || !strings.Contains(out.String(), "SHIPPED") {
		t.Fatalf("list output = %q", out.String())
	}
	if err := run(t, rt, "list-orders", "--status", "lost"); err == nil {
		t.Fatalf("unknown status accepted")
	}

	if err := run(t, rt, "complete-order", "--order", number); err != nil {
		t.Fatalf("complete-order: %v", err)
	}
	order, err := models.NewOrderLedger(db, "").GetByOrderNumber(context.Background(), number)
	if err != nil || order.Status != models.OrderStatusDone {
		t.Fatalf("order = %+v err = %v", order, err)
	}
	if err := run(t, rt, "complete-order", "--order", number); err == nil {
		t.Fatalf("completing a DONE order succeeded")
	}
	if err := run(t, rt, "complete-order"); err == nil {
		t.Fatalf("missing --order accepted")
	}
}

func TestExportOrdersCommand(t *testing.T) {
	rt, _, db := newTestRuntime(t)
	if err := run(t, rt, "migrate"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	number := shippedOrder(t, db, "14")

	path := filepath.Join(t.TempDir(), "orders.xlsx")
	if err := run(t, rt, "export-orders", "--out", path); err != nil {
		t.Fatalf("export-orders: %v", err)
	}
	f, err := excelize.OpenFile(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	rows, err := f.GetRows("Orders")
	if err != nil || len(rows) != 2 || rows[1][0] != number {
		t.Fatalf("rows = %v err = %v", rows, err)
	}
}

func TestPurgeRunsCommand(t *testing.T) {
	rt, out, _ := newTestRuntime(t)
	if err := run(t, rt, "migrate"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	out.Reset()
	if err := run(t, rt, "purge-runs", "--days", "7"); err != nil {
		t.Fatalf("purge-runs: %v", err)
	}
	if strings.TrimSpace(out.String()) != "deleted 0 run logs" {
		t.Fatalf("output = %q", out.String())
	}
	if err := run(t, rt, "purge-runs", "--days", "-1"); err == nil {
		t.Fatalf("negative days accepted")
	}
}

func TestIssueToken(t *testing.T) {
	t.Setenv("API_SECRET", "cli-secret")
	rt, out, _ := newTestRuntime(t)
	if err := run(t, rt, "issue-token", "--subject", "ops", "--ttl", "1h"); err != nil {
		t.Fatalf("issue-token: %v", err)
	}
	token, err := utils.JwtValidate(strings.TrimSpace(out.String()))
	if err != nil {
		t.Fatalf("JwtValidate: %v", err)
	}
	claims, ok := token.Claims.(*utils.AdminClaim)
	if !ok || claims.Subject != "ops" || claims.Role != utils.AdminRole {
		t.Fatalf("claims = %+v", token.Claims)
	}

	t.Setenv("API_SECRET", "")
	if err := run(t, rt, "issue-token", "--subject", "ops"); err == nil {
		t.Fatalf("issued a token without API_SECRET")
	}
}
