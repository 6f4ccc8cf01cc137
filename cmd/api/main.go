package main

// @title LeadFlow API
// @version 1.0
// @description Drip-campaign orchestration engine: immutable plans, polled execution, reply-aware branching.

// @host localhost:8080
// @BasePath /api/v1

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	sentryecho "github.com/getsentry/sentry-go/echo"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/leadflowhq/leadflow/config"
	"github.com/leadflowhq/leadflow/pkg/container"
	custommiddleware "github.com/leadflowhq/leadflow/pkg/middleware"
)

func main() {
	// Load configuration
	cfg := config.Load()
	log.Printf("🔧 Configuration loaded (environment: %s)", cfg.APIEnvironment)

	// Initialize Sentry for error tracking
	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Environment:      cfg.SentryEnvironment,
			TracesSampleRate: 1.0,
			AttachStacktrace: true,
		})
		if err != nil {
			log.Printf("⚠️  Failed to initialize Sentry: %v", err)
		} else {
			log.Printf("✅ Sentry initialized (environment: %s)", cfg.SentryEnvironment)
			defer sentry.Flush(2 * time.Second)
		}
	} else {
		log.Printf("ℹ️  Sentry disabled (no DSN configured)")
	}

	// Provider read clients are wired here when mailbox ingestion is
	// enabled for a deployment. Without them the webhook routes still
	// answer validation handshakes but drop notifications.
	c, err := container.New(cfg, nil, nil)
	if err != nil {
		log.Fatalf("❌ Failed to initialize application: %v", err)
	}
	defer c.Close()

	// Initialize Echo
	e := echo.New()
	e.HideBanner = true

	// Global middleware
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus: true,
		LogURI:    true,
		LogError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Printf("[%s] %s - Status: %d", c.Request().Method, v.URI, v.Status)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	// Sentry error tracking middleware (if configured)
	if cfg.SentryDSN != "" {
		e.Use(sentryecho.New(sentryecho.Options{
			Repanic: true,
		}))
	}

	// Prometheus metrics middleware
	e.Use(c.Metrics.Middleware())

	e.Use(middleware.Gzip())
	e.Use(middleware.Secure())

	// Global rate limiting, with a tighter lid on webhook deliveries
	globalRateLimiter := custommiddleware.NewRateLimiter(300, 50)
	webhookRateLimiter := custommiddleware.NewRateLimiter(120, 20)
	e.Use(globalRateLimiter.RateLimitMiddleware())

	// Health check endpoints (public)
	e.GET("/", func(ec echo.Context) error {
		return ec.JSON(http.StatusOK, map[string]any{
			"name":        "LeadFlow API",
			"version":     "0.1.0",
			"status":      "running",
			"environment": cfg.APIEnvironment,
			"timestamp":   time.Now().Unix(),
		})
	})

	e.GET("/health", func(ec echo.Context) error {
		if err := c.DB.Ping(ec.Request().Context()); err != nil {
			return ec.JSON(http.StatusServiceUnavailable, map[string]any{
				"status":   "unhealthy",
				"database": "down",
			})
		}
		if _, err := c.Cache.Redis.Ping(ec.Request().Context()).Result(); err != nil {
			return ec.JSON(http.StatusServiceUnavailable, map[string]any{
				"status": "unhealthy",
				"cache":  "down",
			})
		}
		return ec.JSON(http.StatusOK, map[string]any{
			"status":   "healthy",
			"database": "up",
			"cache":    "up",
		})
	})

	// Prometheus metrics endpoint (public)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// API v1 routes
	v1 := e.Group("/api/v1")

	plansGroup := v1.Group("/plans")
	plansGroup.POST("", c.PlanHandler.CreatePlan)
	plansGroup.POST("/validate", c.PlanHandler.ValidatePlan)
	plansGroup.GET("/:hash", c.PlanHandler.GetPlan)

	enrollmentsGroup := v1.Group("/enrollments")
	enrollmentsGroup.POST("", c.EnrollmentHandler.CreateEnrollment)
	enrollmentsGroup.GET("/:id", c.EnrollmentHandler.GetEnrollment)
	enrollmentsGroup.POST("/:id/stop", c.EnrollmentHandler.StopEnrollment)

	suppressionsGroup := v1.Group("/suppressions")
	suppressionsGroup.POST("", c.SuppressionHandler.CreateSuppression)
	suppressionsGroup.GET("", c.SuppressionHandler.CheckSuppression)

	mailboxesGroup := v1.Group("/mailboxes")
	mailboxesGroup.POST("", c.MailboxHandler.RegisterMailbox)
	mailboxesGroup.GET("/:provider/:id", c.MailboxHandler.GetMailbox)

	webhooksGroup := v1.Group("/webhooks")
	webhooksGroup.Use(webhookRateLimiter.RateLimitMiddleware())
	webhooksGroup.POST("/gmail", c.WebhookHandler.HandleGmail)
	webhooksGroup.POST("/outlook", c.WebhookHandler.HandleOutlook)

	// Start the due-instance poller
	if err := c.Poller.Start(); err != nil {
		log.Fatalf("❌ Failed to start poller: %v", err)
	}
	log.Printf("⏰ Poller started (interval: %s, lease TTL: %s)", cfg.PollInterval, cfg.LeaseTTL)

	// Start server
	address := fmt.Sprintf("%s:%s", cfg.APIHost, cfg.APIPort)
	log.Printf("🚀 LeadFlow API starting on %s", address)
	log.Printf("📝 Log level: %s, Log format: %s", cfg.LogLevel, cfg.LogFormat)

	// Graceful shutdown
	go func() {
		if err := e.Start(address); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("🛑 Shutting down server...")

	// Stop the poller before closing connections so in-flight ticks
	// finish under their leases
	c.Poller.Stop()
	log.Println("✅ Poller stopped")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(ctx); err != nil {
		log.Fatalf("❌ Server forced to shutdown: %v", err)
	}

	log.Println("✅ Server gracefully stopped")
}
