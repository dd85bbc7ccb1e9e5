package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/diging/edrop-connector/config"
	"github.com/diging/edrop-connector/models"
	"github.com/diging/edrop-connector/models/reports"
	"github.com/diging/edrop-connector/utils"
	"github.com/diging/edrop-connector/workflow"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

var validate = validator.New()

type orderPlacer interface {
	PlaceOrder(ctx context.Context, req workflow.PlaceRequest) (workflow.PlaceResult, error)
}

type orderReader interface {
	ListOrders(ctx context.Context, status models.OrderStatus) ([]models.Order, error)
	GetByOrderNumber(ctx context.Context, orderNumber string) (*models.Order, error)
	MarkDone(ctx context.Context, orderNumber string) (*models.Order, error)
	ClearSubmitUncertain(ctx context.Context, orderNumber string) (*models.Order, error)
}

type logReader interface {
	OrderLogs(ctx context.Context, recordId string) ([]models.OrderLog, error)
	ListRunLogs(ctx context.Context, limit int) ([]models.RunLog, error)
}

type confirmationRunner interface {
	RunOnce(ctx context.Context) (workflow.RunReport, error)
}

// services is everything that needs the database. It is installed once the
// database is connected; until then app routes answer 503.
type services struct {
	engine    orderPlacer
	orders    orderReader
	logs      logReader
	scheduler confirmationRunner
}

type application struct {
	settings config.Settings
	logger   *logrus.Logger
	svc      atomic.Pointer[services]
}

func (a *application) current() *services {
	return a.svc.Load()
}

// initiateRequest is the REDCap Data Entry Trigger form post.
type initiateRequest struct {
	Record     string `form:"record" validate:"required,max=64"`
	ProjectId  string `form:"project_id" validate:"max=64"`
	ProjectUrl string `form:"project_url" validate:"max=255"`
	RedcapUrl  string `form:"redcap_url" validate:"max=255"`
	Username   string `form:"username" validate:"max=100"`
	Instrument string `form:"instrument"`
}

func placeResponse(res workflow.PlaceResult) gin.H {
	body := gin.H{"outcome": res.Outcome}
	if res.Order != nil {
		body["record_id"] = res.Order.RecordId
		body["order_number"] = res.Order.Number()
		body["status"] = res.Order.Status
	}
	return body
}

func placeErrorStatus(err error) int {
	switch {
	case errors.Is(err, workflow.ErrVendorUnreachable), errors.Is(err, workflow.ErrEDCUnreachable):
		return http.StatusServiceUnavailable
	case errors.Is(err, workflow.ErrVendorRejected), errors.Is(err, workflow.ErrSubmissionUncertain):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (a *application) writePlaceResult(c *gin.Context, res workflow.PlaceResult, err error) {
	if err != nil {
		status := placeErrorStatus(err)
		body := placeResponse(res)
		body["error"] = err.Error()
		if status == http.StatusInternalServerError {
			_ = c.Error(err)
		}
		c.JSON(status, body)
		return
	}
	c.JSON(http.StatusOK, placeResponse(res))
}

func initiateOrderHandler(app *application) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req initiateRequest
		if err := c.ShouldBind(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		req.Record = strings.TrimSpace(req.Record)
		if err := validate.Struct(req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "fields": utils.ProcessValidationErrors(err)})
			return
		}

		if config.WebhookPrefilterEnabled() {
			field := app.settings.EDC.ReadyField
			if posted, ok := c.GetPostForm(field); ok && strings.TrimSpace(posted) != app.settings.EDC.ReadyValue {
				c.JSON(http.StatusOK, gin.H{"outcome": workflow.OutcomeNotReady})
				return
			}
		}

		ctx := c.Request.Context()
		res, err := app.current().engine.PlaceOrder(ctx, workflow.PlaceRequest{
			RecordId:    req.Record,
			ProjectId:   req.ProjectId,
			ProjectUrl:  req.ProjectUrl,
			EdcUrl:      req.RedcapUrl,
			InitiatedBy: req.Username,
		})
		if err != nil {
			cid, _ := utils.GetCorrelationIdFromContext(ctx)
			config.LogError(app.logger, "main", "initiateOrderHandler", "place order", gin.H{"record_id": req.Record, "correlation_id": cid}, err)
		}
		app.writePlaceResult(c, res, err)
	}
}

func retryOrderHandler(app *application) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		subject, _ := utils.GetAdminSubjectFromContext(ctx)
		res, err := app.current().engine.PlaceOrder(ctx, workflow.PlaceRequest{
			RecordId:    c.Param("recordId"),
			InitiatedBy: subject,
		})
		app.writePlaceResult(c, res, err)
	}
}

// statusFilter reads the optional ?status= query. ok is false once a 400
// has been written.
func statusFilter(c *gin.Context) (models.OrderStatus, bool) {
	status := models.OrderStatus(strings.ToUpper(strings.TrimSpace(c.Query("status"))))
	if status != "" && !status.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + string(status)})
		return "", false
	}
	return status, true
}

func listOrdersHandler(app *application) gin.HandlerFunc {
	return func(c *gin.Context) {
		status, ok := statusFilter(c)
		if !ok {
			return
		}
		orders, err := app.current().orders.ListOrders(c.Request.Context(), status)
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list orders"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"orders": orders})
	}
}

func orderNotFoundOr500(c *gin.Context, err error) {
	switch {
	case errors.Is(err, models.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
	case errors.Is(err, models.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func getOrderHandler(app *application) gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := app.current().orders.GetByOrderNumber(c.Request.Context(), c.Param("orderNumber"))
		if err != nil {
			orderNotFoundOr500(c, err)
			return
		}
		c.JSON(http.StatusOK, order)
	}
}

func orderLogsHandler(app *application) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		svc := app.current()
		order, err := svc.orders.GetByOrderNumber(ctx, c.Param("orderNumber"))
		if err != nil {
			orderNotFoundOr500(c, err)
			return
		}
		logs, err := svc.logs.OrderLogs(ctx, order.RecordId)
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load logs"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"order_number": order.Number(), "logs": logs})
	}
}

func completeOrderHandler(app *application) gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := app.current().orders.MarkDone(c.Request.Context(), c.Param("orderNumber"))
		if err != nil {
			orderNotFoundOr500(c, err)
			return
		}
		c.JSON(http.StatusOK, order)
	}
}

func clearUncertainHandler(app *application) gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := app.current().orders.ClearSubmitUncertain(c.Request.Context(), c.Param("orderNumber"))
		if err != nil {
			orderNotFoundOr500(c, err)
			return
		}
		subject, _ := utils.GetAdminSubjectFromContext(c.Request.Context())
		app.logger.WithFields(logrus.Fields{
			"order_number": order.Number(),
			"admin":        subject,
		}).Warn("submission uncertainty cleared")
		c.JSON(http.StatusOK, order)
	}
}

func runConfirmationsHandler(app *application) gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := app.current().scheduler.RunOnce(c.Request.Context())
		switch {
		case errors.Is(err, workflow.ErrRunInProgress):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, workflow.ErrVendorUnreachable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "report": report})
		case err != nil:
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "report": report})
		default:
			c.JSON(http.StatusOK, report)
		}
	}
}

func listRunsHandler(app *application) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 50
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 || n > 500 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
				return
			}
			limit = n
		}
		runs, err := app.current().logs.ListRunLogs(c.Request.Context(), limit)
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list runs"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"runs": runs})
	}
}

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

func exportOrdersHandler(app *application) gin.HandlerFunc {
	return func(c *gin.Context) {
		status, ok := statusFilter(c)
		if !ok {
			return
		}
		ctx := c.Request.Context()
		orders, err := app.current().orders.ListOrders(ctx, status)
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not list orders"})
			return
		}
		f, err := reports.OrdersWorkbook(ctx, orders)
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not build report"})
			return
		}
		defer f.Close()
		c.Header("Content-Disposition", `attachment; filename="orders.xlsx"`)
		c.Header("Content-Type", xlsxContentType)
		c.Status(http.StatusOK)
		if err := f.Write(c.Writer); err != nil {
			_ = c.Error(err)
		}
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}
