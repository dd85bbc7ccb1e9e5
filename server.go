package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/diging/edrop-connector/config"
	"github.com/diging/edrop-connector/middlewares"
	"github.com/diging/edrop-connector/models"
	"github.com/diging/edrop-connector/utils"
	"github.com/diging/edrop-connector/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const defaultPort = "8080"

// newRouter builds the HTTP surface. limiter may be nil.
func newRouter(app *application, limiter *middlewares.RateLimiter) *gin.Engine {
	r := gin.New()
	// Correlation IDs: reuse the caller's or generate one per request.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Header("x-correlation-id", cid)
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate app endpoints until the database is connected.
		if app.current() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if config.IsProduction() {
		if allowedOrigins == "" {
			// Deny all cross-origin requests when no allowlist is configured.
			corsConfig.AllowOriginFunc = func(string) bool { return false }
		} else {
			corsConfig.AllowOrigins = config.SplitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization", "x-correlation-id")
	corsConfig.AddExposeHeaders("Content-Length", "x-correlation-id")
	corsConfig.AllowCredentials = !corsConfig.AllowAllOrigins
	r.Use(cors.New(corsConfig))

	r.Use(customErrorLogger(app.logger))
	r.Use(gin.Recovery())

	webhook := r.Group("/api/order")
	if limiter != nil {
		webhook.Use(limiter.RateLimitMiddleware)
	}
	webhook.POST("/initiate", initiateOrderHandler(app))

	admin := r.Group("/api", middlewares.AdminAuthMiddleware())
	admin.GET("/orders", listOrdersHandler(app))
	admin.GET("/orders/:orderNumber", getOrderHandler(app))
	admin.GET("/orders/:orderNumber/logs", orderLogsHandler(app))
	admin.POST("/orders/:orderNumber/complete", completeOrderHandler(app))
	admin.POST("/orders/:orderNumber/clear-uncertain", clearUncertainHandler(app))
	admin.POST("/records/:recordId/retry", retryOrderHandler(app))
	admin.POST("/confirmations/run", runConfirmationsHandler(app))
	admin.GET("/runs", listRunsHandler(app))
	admin.GET("/reports/orders.xlsx", exportOrdersHandler(app))

	r.NoRoute(customNotFoundHandler)
	return r
}

// newServices wires the ledger, audit log, vendor clients and engine on db.
func newServices(db *gorm.DB, settings config.Settings, events workflow.EventPublisher, logger *logrus.Logger) (*services, *workflow.ConfirmationScheduler) {
	stack := workflow.NewStack(db, settings, config.GetRedisLock(), events, logger)
	return &services{
		engine:    stack.Engine,
		orders:    stack.Ledger,
		logs:      stack.Logs,
		scheduler: stack.Scheduler,
	}, stack.Scheduler
}

func newEventPublisher(ctx context.Context, settings config.Settings, logger *logrus.Logger) workflow.EventPublisher {
	topic := strings.TrimSpace(settings.OrderEventsTopic)
	if topic == "" {
		return workflow.NopPublisher{}
	}
	if config.CreateEventsTopic() {
		client, err := config.GetClient(ctx)
		if err == nil {
			_, err = config.CreateTopicIfNotExists(ctx, client, topic)
		}
		if err != nil {
			config.LogError(logger, "main", "newEventPublisher", "create events topic", topic, err)
		}
	}
	return workflow.NewPubSubPublisher(topic)
}

func newRateLimiter() *middlewares.RateLimiter {
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") || !config.RedisConfigured() {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     os.Getenv("REDIS_ADDRESS"),
		Password: os.Getenv("REDIS_PASSWORD"),
	})
	limit := int64(600)
	if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			limit = n
		}
	}
	windowSec := int64(60)
	if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			windowSec = n
		}
	}
	return middlewares.NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()
	settings, err := config.LoadSettings()
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "settings"}).Fatal(err.Error())
	}
	if config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	app := &application{settings: settings, logger: logger}
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: newRouter(app, newRateLimiter()),
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry(sigCtx)

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	if !config.SkipMigrations() {
		if err := models.MigrateTable(db); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Fatal(err.Error())
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	svc, scheduler := newServices(db, settings, newEventPublisher(sigCtx, settings, logger), logger)
	app.svc.Store(svc)

	workersCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	if config.SchedulerEnabled() {
		go scheduler.Run(workersCtx)
	} else {
		logger.WithFields(logrus.Fields{"field": "scheduler"}).Warn("CONFIRMATION_SCHEDULER_ENABLED=false; confirmation checks run only on demand")
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on port ", port)
	log.Println("Server started successfully")

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so no new check starts while draining.
	cancelWorkers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
	config.ClosePubSub()
}

// customErrorLogger logs only requests that recorded errors.
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
			logger.WithFields(logrus.Fields{
				"path":           c.FullPath(),
				"correlation_id": cid,
			}).Error(c.Errors.String())
		}
	}
}
