package container

import (
	"fmt"

	"github.com/leadflowhq/leadflow/config"
	"github.com/leadflowhq/leadflow/pkg/api/handlers"
	"github.com/leadflowhq/leadflow/pkg/cache"
	"github.com/leadflowhq/leadflow/pkg/database"
	"github.com/leadflowhq/leadflow/pkg/duration"
	"github.com/leadflowhq/leadflow/pkg/engine"
	"github.com/leadflowhq/leadflow/pkg/inbound"
	"github.com/leadflowhq/leadflow/pkg/logger"
	"github.com/leadflowhq/leadflow/pkg/metrics"
	"github.com/leadflowhq/leadflow/pkg/scheduler"
	"github.com/leadflowhq/leadflow/pkg/sender"
	"github.com/leadflowhq/leadflow/pkg/suppression"
	"github.com/leadflowhq/leadflow/pkg/webhookauth"
)

// Container holds all application dependencies
type Container struct {
	Config  *config.Config
	Logger  logger.Logger
	Metrics *metrics.Metrics

	// Infrastructure
	DB    *database.Client
	Cache *cache.Client

	// Engine
	Store       engine.Store
	Engine      *engine.Engine
	Poller      *engine.Poller
	Scheduler   *scheduler.Scheduler
	Sender      sender.Sender
	Suppression *suppression.Service

	// Inbound
	InboundStore    inbound.Store
	Registry        *inbound.Registry
	Matcher         *inbound.Matcher
	GmailIngestor   *inbound.GmailIngestor
	OutlookIngestor *inbound.OutlookIngestor
	Verifier        *webhookauth.Verifier

	// Handlers
	PlanHandler        *handlers.PlanHandler
	EnrollmentHandler  *handlers.EnrollmentHandler
	SuppressionHandler *handlers.SuppressionHandler
	WebhookHandler     *handlers.WebhookHandler
	MailboxHandler     *handlers.MailboxHandler
}

// New creates and initializes all application dependencies.
// gmailAPI and graphAPI are the provider read clients; they are passed
// in so deployments without one of the providers can leave it nil and
// simply not register the corresponding mailboxes.
func New(cfg *config.Config, gmailAPI inbound.GmailAPI, graphAPI inbound.GraphAPI) (*Container, error) {
	c := &Container{
		Config:  cfg,
		Logger:  logger.New(cfg.LogLevel, cfg.LogFormat),
		Metrics: metrics.New(),
	}

	if err := c.initInfrastructure(); err != nil {
		return nil, err
	}
	if err := c.initEngine(); err != nil {
		return nil, err
	}
	c.initInbound(gmailAPI, graphAPI)
	c.initHandlers()

	c.Logger.Info("Container initialized successfully",
		"environment", cfg.APIEnvironment,
		"database", "connected",
		"cache", "connected")

	return c, nil
}

// initInfrastructure initializes database and cache connections
func (c *Container) initInfrastructure() error {
	var err error

	c.DB, err = database.NewClient(c.Config.DatabaseURL)
	if err != nil {
		c.Logger.Error("Failed to connect to database", "error", err)
		return err
	}

	c.Cache, err = cache.NewClient(c.Config.RedisURL)
	if err != nil {
		c.Logger.Error("Failed to connect to cache", "error", err)
		return err
	}

	return nil
}

// initEngine wires the campaign execution path: store, lease lock,
// scheduler, sender, suppression, engine and its poller.
func (c *Container) initEngine() error {
	c.Store = engine.NewSQLStore(c.DB)
	c.Scheduler = scheduler.New(c.Logger, c.Metrics)
	c.Suppression = suppression.NewService(c.DB, c.Cache)
	c.Sender = sender.NewSendGridSender(
		c.Config.SendGridAPIKey,
		c.Config.EmailFrom,
		c.Config.EmailFromName,
		c.Logger)

	window := duration.Window{
		Start: c.Config.QuietHoursStart,
		End:   c.Config.QuietHoursEnd,
	}
	if err := window.Validate(); err != nil {
		return fmt.Errorf("invalid quiet hours configuration: %w", err)
	}

	lock := engine.NewLeaseLock(c.Cache, c.Config.LeaseTTL)
	c.Engine = engine.New(c.Store, lock, c.Scheduler, c.Sender, c.Suppression,
		c.Logger, c.Metrics, engine.Config{
			MaxSendAttempts:   c.Config.MaxSendAttempts,
			RetryBackoffBase:  c.Config.RetryBackoffBase,
			RetryBackoffCap:   c.Config.RetryBackoffCap,
			SendTimeout:       c.Config.SendTimeout,
			RecheckInterval:   c.Config.RecheckInterval,
			DefaultTimezone:   c.Config.DefaultTimezone,
			DefaultQuietHours: window,
		})
	c.Poller = engine.NewPoller(c.Engine, c.Store, c.Logger, c.Config.PollInterval)

	return nil
}

// initInbound wires reply ingestion: registry, idempotency ledger,
// matcher and the two provider ingestors.
func (c *Container) initInbound(gmailAPI inbound.GmailAPI, graphAPI inbound.GraphAPI) {
	c.InboundStore = inbound.NewSQLStore(c.DB)
	c.Registry = inbound.NewRegistry(c.DB)

	ledger := inbound.NewLedger(c.Cache)
	c.Matcher = inbound.NewMatcher(c.InboundStore, ledger, c.Engine,
		c.Logger, c.Metrics, c.Config.HeuristicLookback)

	if gmailAPI != nil {
		c.GmailIngestor = inbound.NewGmailIngestor(gmailAPI, c.Registry, c.Matcher, c.Logger)
	}
	if graphAPI != nil {
		c.OutlookIngestor = inbound.NewOutlookIngestor(graphAPI, c.Registry, c.Matcher, c.Logger)
	}

	if c.Config.GmailWebhookPublicKey != "" {
		v, err := webhookauth.NewVerifier(
			c.Config.GmailWebhookPublicKey,
			c.Config.WebhookMaxAge,
			c.Config.WebhookFutureSkew)
		if err != nil {
			c.Logger.Error("Failed to parse webhook public key, signature checks disabled", "error", err)
		} else {
			c.Verifier = v
		}
	} else {
		c.Logger.Warn("No webhook public key configured, signature checks disabled")
	}
}

// initHandlers initializes all HTTP handlers
func (c *Container) initHandlers() {
	c.PlanHandler = handlers.NewPlanHandler(c.Store)
	c.EnrollmentHandler = handlers.NewEnrollmentHandler(c.Engine, c.Store)
	c.SuppressionHandler = handlers.NewSuppressionHandler(c.Suppression)
	c.MailboxHandler = handlers.NewMailboxHandler(c.Registry)
	c.WebhookHandler = handlers.NewWebhookHandler(
		c.Verifier,
		c.Config.GraphClientState,
		c.GmailIngestor,
		c.OutlookIngestor,
		c.Metrics,
		c.Logger)
}

// Close releases infrastructure connections.
func (c *Container) Close() {
	if c.Poller != nil {
		c.Poller.Stop()
	}
	if c.Cache != nil {
		c.Cache.Close()
	}
	if c.DB != nil {
		c.DB.Close()
	}
}
