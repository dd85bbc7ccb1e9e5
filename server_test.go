package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/diging/edrop-connector/config"
	"github.com/diging/edrop-connector/models"
	"github.com/diging/edrop-connector/models/reports"
	"github.com/diging/edrop-connector/utils"
	"github.com/diging/edrop-connector/workflow"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"
)

type stubPlacer struct {
	mu       sync.Mutex
	requests []workflow.PlaceRequest
	result   workflow.PlaceResult
	err      error
}

func (s *stubPlacer) PlaceOrder(ctx context.Context, req workflow.PlaceRequest) (workflow.PlaceResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	return s.result, s.err
}

type stubOrders struct {
	orders map[string]*models.Order
}

func (s *stubOrders) ListOrders(ctx context.Context, status models.OrderStatus) ([]models.Order, error) {
	var out []models.Order
	for _, o := range s.orders {
		if status == "" || o.Status == status {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (s *stubOrders) GetByOrderNumber(ctx context.Context, orderNumber string) (*models.Order, error) {
	if o, ok := s.orders[orderNumber]; ok {
		return o, nil
	}
	return nil, fmt.Errorf("%w: %s", models.ErrOrderNotFound, orderNumber)
}

func (s *stubOrders) MarkDone(ctx context.Context, orderNumber string) (*models.Order, error) {
	o, err := s.GetByOrderNumber(ctx, orderNumber)
	if err != nil {
		return nil, err
	}
	if o.Status != models.OrderStatusShipped {
		return nil, fmt.Errorf("%w: order is %s", models.ErrInvalidTransition, o.Status)
	}
	o.Status = models.OrderStatusDone
	return o, nil
}

func (s *stubOrders) ClearSubmitUncertain(ctx context.Context, orderNumber string) (*models.Order, error) {
	o, err := s.GetByOrderNumber(ctx, orderNumber)
	if err != nil {
		return nil, err
	}
	o.SubmitUncertain = false
	return o, nil
}

type stubLogs struct{}

func (stubLogs) OrderLogs(ctx context.Context, recordId string) ([]models.OrderLog, error) {
	return []models.OrderLog{{RecordId: recordId}}, nil
}

func (stubLogs) ListRunLogs(ctx context.Context, limit int) ([]models.RunLog, error) {
	return []models.RunLog{{RunId: "run-1"}}, nil
}

type stubRunner struct {
	report workflow.RunReport
	err    error
}

func (s stubRunner) RunOnce(ctx context.Context) (workflow.RunReport, error) {
	return s.report, s.err
}

func newTestApp(t *testing.T) (*application, *stubPlacer, *stubOrders) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	t.Setenv("API_SECRET", "test-secret")

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	number := "EDROP-00014"
	placer := &stubPlacer{}
	orders := &stubOrders{orders: map[string]*models.Order{
		number: {ID: 14, RecordId: "14", OrderNumber: &number, Status: models.OrderStatusShipped},
	}}
	app := &application{
		settings: config.Settings{EDC: config.EDCSettings{ReadyField: "contact_complete", ReadyValue: "2"}},
		logger:   logger,
	}
	app.svc.Store(&services{
		engine:    placer,
		orders:    orders,
		logs:      stubLogs{},
		scheduler: stubRunner{report: workflow.RunReport{RunId: "run-2", Shipped: []string{}}},
	})
	return app, placer, orders
}

func postForm(r http.Handler, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func adminRequest(t *testing.T, r http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	token, err := utils.JwtGenerate("operator", time.Hour)
	if err != nil {
		t.Fatalf("JwtGenerate: %v", err)
	}
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return body
}

func TestReadinessGate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	r := newRouter(&application{logger: logger}, nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("healthz = %d", w.Code)
	}
	if w := postForm(r, "/api/order/initiate", url.Values{"record": {"1"}}); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("initiate before ready = %d", w.Code)
	}
}

func TestInitiateOrder(t *testing.T) {
	app, placer, _ := newTestApp(t)
	number := "EDROP-00001"
	placer.result = workflow.PlaceResult{
		Outcome: workflow.OutcomeOK,
		Order:   &models.Order{RecordId: "123", OrderNumber: &number, Status: models.OrderStatusInitiated},
	}
	r := newRouter(app, nil)

	w := postForm(r, "/api/order/initiate", url.Values{
		"record":           {"123"},
		"project_id":       {"77"},
		"redcap_url":       {"https://redcap.example.org/"},
		"username":         {"coordinator"},
		"instrument":       {"contact"},
		"contact_complete": {"2"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	if body["outcome"] != "ok" || body["order_number"] != number {
		t.Fatalf("body = %v", body)
	}
	if len(placer.requests) != 1 {
		t.Fatalf("PlaceOrder called %d times", len(placer.requests))
	}
	got := placer.requests[0]
	if got.RecordId != "123" || got.ProjectId != "77" || got.EdcUrl != "https://redcap.example.org/" || got.InitiatedBy != "coordinator" {
		t.Fatalf("request = %+v", got)
	}
	if w.Header().Get("x-correlation-id") == "" {
		t.Fatalf("missing correlation id header")
	}
}

func TestInitiateOrderPrefilter(t *testing.T) {
	app, placer, _ := newTestApp(t)
	r := newRouter(app, nil)

	w := postForm(r, "/api/order/initiate", url.Values{"record": {"123"}, "contact_complete": {"0"}})
	if w.Code != http.StatusOK || decode(t, w)["outcome"] != "not-ready" {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	if len(placer.requests) != 0 {
		t.Fatalf("PlaceOrder called for filtered trigger")
	}
}

func TestInitiateOrderValidation(t *testing.T) {
	app, placer, _ := newTestApp(t)
	r := newRouter(app, nil)

	if w := postForm(r, "/api/order/initiate", url.Values{"project_id": {"77"}}); w.Code != http.StatusBadRequest {
		t.Fatalf("missing record: status = %d", w.Code)
	}
	if len(placer.requests) != 0 {
		t.Fatalf("PlaceOrder called for invalid trigger")
	}
}

func TestInitiateOrderErrorStatus(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"rejected", fmt.Errorf("%w: bad address", workflow.ErrVendorRejected), http.StatusUnprocessableEntity},
		{"uncertain", fmt.Errorf("order EDROP-00001: %w", workflow.ErrSubmissionUncertain), http.StatusUnprocessableEntity},
		{"vendor down", fmt.Errorf("%w: timeout", workflow.ErrVendorUnreachable), http.StatusServiceUnavailable},
		{"edc down", fmt.Errorf("%w: 500", workflow.ErrEDCUnreachable), http.StatusServiceUnavailable},
		{"transition", fmt.Errorf("mark initiated: %w", models.ErrInvalidTransition), http.StatusInternalServerError},
	}
	for _, c := range cases {
		app, placer, _ := newTestApp(t)
		placer.result = workflow.PlaceResult{Outcome: workflow.OutcomeRejected}
		placer.err = c.err
		w := postForm(newRouter(app, nil), "/api/order/initiate", url.Values{"record": {"9"}})
		if w.Code != c.want {
			t.Fatalf("%s: status = %d, want %d", c.name, w.Code, c.want)
		}
		if decode(t, w)["outcome"] != "rejected" {
			t.Fatalf("%s: body = %s", c.name, w.Body.String())
		}
	}
}

func TestAdminRoutesRequireToken(t *testing.T) {
	app, _, _ := newTestApp(t)
	r := newRouter(app, nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/orders", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestAdminOrderRoutes(t *testing.T) {
	app, placer, orders := newTestApp(t)
	r := newRouter(app, nil)

	if w := adminRequest(t, r, http.MethodGet, "/api/orders?status=shipped"); w.Code != http.StatusOK {
		t.Fatalf("list = %d %s", w.Code, w.Body.String())
	} else if list := decode(t, w)["orders"].([]interface{}); len(list) != 1 {
		t.Fatalf("orders = %v", list)
	}
	if w := adminRequest(t, r, http.MethodGet, "/api/orders?status=LOST"); w.Code != http.StatusBadRequest {
		t.Fatalf("bad status filter = %d", w.Code)
	}
	if w := adminRequest(t, r, http.MethodGet, "/api/orders/EDROP-00014"); w.Code != http.StatusOK || decode(t, w)["record_id"] != "14" {
		t.Fatalf("get = %d %s", w.Code, w.Body.String())
	}
	if w := adminRequest(t, r, http.MethodGet, "/api/orders/EDROP-99999"); w.Code != http.StatusNotFound {
		t.Fatalf("get missing = %d", w.Code)
	}
	if w := adminRequest(t, r, http.MethodGet, "/api/orders/EDROP-00014/logs"); w.Code != http.StatusOK {
		t.Fatalf("logs = %d", w.Code)
	}

	if w := adminRequest(t, r, http.MethodPost, "/api/orders/EDROP-00014/complete"); w.Code != http.StatusOK {
		t.Fatalf("complete = %d %s", w.Code, w.Body.String())
	}
	if orders.orders["EDROP-00014"].Status != models.OrderStatusDone {
		t.Fatalf("order not completed")
	}
	if w := adminRequest(t, r, http.MethodPost, "/api/orders/EDROP-00014/complete"); w.Code != http.StatusConflict {
		t.Fatalf("complete twice = %d", w.Code)
	}

	placer.result = workflow.PlaceResult{Outcome: workflow.OutcomeAlreadyPlaced}
	if w := adminRequest(t, r, http.MethodPost, "/api/records/14/retry"); w.Code != http.StatusOK {
		t.Fatalf("retry = %d", w.Code)
	}
	if len(placer.requests) != 1 || placer.requests[0].RecordId != "14" || placer.requests[0].InitiatedBy != "operator" {
		t.Fatalf("retry request = %+v", placer.requests)
	}
}

func TestAdminConfirmationRoutes(t *testing.T) {
	app, _, _ := newTestApp(t)
	r := newRouter(app, nil)

	if w := adminRequest(t, r, http.MethodPost, "/api/confirmations/run"); w.Code != http.StatusOK || decode(t, w)["run_id"] != "run-2" {
		t.Fatalf("run = %d %s", w.Code, w.Body.String())
	}
	app.current().scheduler = stubRunner{err: workflow.ErrRunInProgress}
	if w := adminRequest(t, r, http.MethodPost, "/api/confirmations/run"); w.Code != http.StatusConflict {
		t.Fatalf("run while busy = %d", w.Code)
	}
	if w := adminRequest(t, r, http.MethodGet, "/api/runs?limit=5"); w.Code != http.StatusOK {
		t.Fatalf("runs = %d", w.Code)
	}
	if w := adminRequest(t, r, http.MethodGet, "/api/runs?limit=0"); w.Code != http.StatusBadRequest {
		t.Fatalf("runs bad limit = %d", w.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	app, _, _ := newTestApp(t)
	w := httptest.NewRecorder()
	newRouter(app, nil).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if w.Code != http.StatusNotFound || decode(t, w)["error"] != "route not found" {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
}

func TestExportOrders(t *testing.T) {
	app, _, _ := newTestApp(t)
	r := newRouter(app, nil)

	w := adminRequest(t, r, http.MethodGet, "/api/reports/orders.xlsx")
	if w.Code != http.StatusOK {
		t.Fatalf("export = %d %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != xlsxContentType {
		t.Fatalf("content type = %q", ct)
	}
	f, err := excelize.OpenReader(w.Body)
	if err != nil {
		t.Fatalf("open workbook: %v", err)
	}
	defer f.Close()
	rows, err := f.GetRows(reports.OrdersSheet)
	if err != nil || len(rows) != 2 || rows[1][0] != "EDROP-00014" {
		t.Fatalf("rows = %v err = %v", rows, err)
	}

	if w := adminRequest(t, r, http.MethodGet, "/api/reports/orders.xlsx?status=nope"); w.Code != http.StatusBadRequest {
		t.Fatalf("bad status = %d", w.Code)
	}
}
