package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Campaign metrics
	TicksTotal           *prometheus.CounterVec
	SendsTotal           *prometheus.CounterVec
	SendAttemptDuration  prometheus.Histogram
	SchedulingFallbacks  prometheus.Counter
	QuietHourDeferrals   prometheus.Counter
	InstancesCompleted   prometheus.Counter
	InstancesFailed      prometheus.Counter

	// Webhook / reply metrics
	WebhookRejections *prometheus.CounterVec
	RepliesMatched    *prometheus.CounterVec
	RepliesAmbiguous  prometheus.Counter
	DuplicateEvents   prometheus.Counter
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),

		TicksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaign_ticks_total",
				Help: "Total number of campaign instance ticks",
			},
			[]string{"result"}, // advanced, completed, retrying, failed, paused, skipped
		),
		SendsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaign_sends_total",
				Help: "Total number of send attempts by outcome",
			},
			[]string{"outcome"}, // sent, retrying, failed
		),
		SendAttemptDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "campaign_send_attempt_duration_seconds",
			Help:    "Provider send call latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		SchedulingFallbacks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "campaign_scheduling_fallbacks_total",
			Help: "Node delays that failed to parse at tick time (plan-authoring defect)",
		}),
		QuietHourDeferrals: promauto.NewCounter(prometheus.CounterOpts{
			Name: "campaign_quiet_hour_deferrals_total",
			Help: "Wake times pushed forward by a quiet-hours window",
		}),
		InstancesCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "campaign_instances_completed_total",
			Help: "Campaign instances that reached a terminal node",
		}),
		InstancesFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "campaign_instances_failed_total",
			Help: "Campaign instances that exhausted send retries",
		}),

		WebhookRejections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_rejections_total",
				Help: "Inbound webhooks rejected by the trust boundary",
			},
			[]string{"provider", "reason"},
		),
		RepliesMatched: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "replies_matched_total",
				Help: "Inbound thread events matched to campaign instances",
			},
			[]string{"provider", "method"}, // thread_id, heuristic
		),
		RepliesAmbiguous: promauto.NewCounter(prometheus.CounterOpts{
			Name: "replies_ambiguous_total",
			Help: "Inbound replies that matched more than one plausible instance",
		}),
		DuplicateEvents: promauto.NewCounter(prometheus.CounterOpts{
			Name: "webhook_duplicate_events_total",
			Help: "Webhook deliveries ignored by the idempotency ledger",
		}),
	}

	return m
}

// Middleware creates an Echo middleware for Prometheus metrics
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			path := c.Path() // Use route pattern, not actual path

			err := next(c)

			status := c.Response().Status
			duration := time.Since(start).Seconds()

			m.HTTPRequestsTotal.WithLabelValues(req.Method, path, strconv.Itoa(status)).Inc()
			m.HTTPRequestDuration.WithLabelValues(req.Method, path, strconv.Itoa(status)).Observe(duration)

			return err
		}
	}
}

// RecordTick increments the tick counter for a result
func (m *Metrics) RecordTick(result string) {
	m.TicksTotal.WithLabelValues(result).Inc()
}

// RecordSend increments the send counter for an outcome and records latency
func (m *Metrics) RecordSend(outcome string, duration time.Duration) {
	m.SendsTotal.WithLabelValues(outcome).Inc()
	m.SendAttemptDuration.Observe(duration.Seconds())
}

// RecordWebhookRejection increments the rejection counter for a reason
func (m *Metrics) RecordWebhookRejection(provider, reason string) {
	m.WebhookRejections.WithLabelValues(provider, reason).Inc()
}

// RecordReplyMatched increments the matched-reply counter
func (m *Metrics) RecordReplyMatched(provider, method string) {
	m.RepliesMatched.WithLabelValues(provider, method).Inc()
}
