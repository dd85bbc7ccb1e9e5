package reports

import (
	"context"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/diging/edrop-connector/config"
	"github.com/diging/edrop-connector/models"
	"github.com/diging/edrop-connector/utils"
	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"
)

const OrdersSheet = "Orders"

// ExcelExporter is one spreadsheet row.
type ExcelExporter interface {
	GetCellValues() []interface{}
}

var OrderHeadings = []string{
	"OrderNumber", "RecordId", "ProjectId", "Status", "SubmitAttempts", "SubmitUncertain",
	"OrderedAt", "ShipDate", "Tracking", "ReturnTracking", "TubeSerials", "ShippedAt", "CompletedAt",
}

type orderRow struct {
	order models.Order
}

func (r orderRow) GetCellValues() []interface{} {
	o := r.order
	return []interface{}{
		o.Number(),
		o.RecordId,
		o.ProjectId,
		string(o.Status),
		o.SubmitAttempts,
		o.SubmitUncertain,
		formatTime(o.OrderedAt),
		o.ShipDate,
		strings.Join(o.OutboundTracking, ", "),
		strings.Join(o.ReturnTracking, ", "),
		strings.Join(o.TubeSerials, ", "),
		formatTime(o.ShippedAt),
		formatTime(o.CompletedAt),
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

// OrdersWorkbook renders orders as a single-sheet workbook, one row per order.
func OrdersWorkbook(ctx context.Context, orders []models.Order) (*excelize.File, error) {
	started := time.Now()
	rows := make([]ExcelExporter, 0, len(orders))
	for _, o := range orders {
		rows = append(rows, orderRow{order: o})
	}
	f, err := newWorkbook(OrdersSheet, rows, OrderHeadings...)
	logSlowReport(ctx, "orders", started, map[string]any{"rows": len(orders)})
	return f, err
}

// WriteOrders streams the orders workbook to w.
func WriteOrders(ctx context.Context, w io.Writer, orders []models.Order) error {
	f, err := OrdersWorkbook(ctx, orders)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Write(w)
}

// SaveOrders writes the orders workbook to filename.
func SaveOrders(ctx context.Context, filename string, orders []models.Order) error {
	f, err := OrdersWorkbook(ctx, orders)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.SaveAs(filename)
}

func newWorkbook(sheetName string, data []ExcelExporter, headings ...string) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return nil, err
	}

	for i, h := range headings {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, err
		}
		if err := f.SetCellValue(sheetName, cell, h); err != nil {
			return nil, err
		}
	}

	rowNo := 2
	for _, d := range data {
		for i, value := range d.GetCellValues() {
			cell, err := excelize.CoordinatesToCellName(i+1, rowNo)
			if err != nil {
				return nil, err
			}
			if err := f.SetCellValue(sheetName, cell, value); err != nil {
				return nil, err
			}
		}
		rowNo++
	}
	return f, nil
}

func reportSlowMs() int64 {
	// Env: REPORT_SLOW_MS (default 500ms)
	ms := int64(500)
	if v := strings.TrimSpace(os.Getenv("REPORT_SLOW_MS")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			ms = n
		}
	}
	return ms
}

func logSlowReport(ctx context.Context, name string, started time.Time, extra map[string]any) {
	d := time.Since(started)
	if d.Milliseconds() < reportSlowMs() {
		return
	}
	cid, _ := utils.GetCorrelationIdFromContext(ctx)
	config.GetLogger().WithFields(logrus.Fields{
		"report":         name,
		"ms":             d.Milliseconds(),
		"correlation_id": cid,
		"extra":          extra,
	}).Warn("slow report")
}
