package scheduler

import (
	"time"

	"github.com/leadflowhq/leadflow/pkg/duration"
	"github.com/leadflowhq/leadflow/pkg/logger"
	"github.com/leadflowhq/leadflow/pkg/metrics"
	"github.com/leadflowhq/leadflow/pkg/plan"
)

// Scheduler computes when a node becomes eligible to fire: the node's
// delay added to a base instant, then deferred out of the tenant's
// quiet-hours window. Pure arithmetic, no shared state.
type Scheduler struct {
	logger  logger.Logger
	metrics *metrics.Metrics
}

// New creates a scheduler. metrics may be nil in tests.
func New(log logger.Logger, m *metrics.Metrics) *Scheduler {
	if log == nil {
		log = logger.Default()
	}
	return &Scheduler{logger: log, metrics: m}
}

// ComputeNextWake returns base + node delay, adjusted for quiet hours.
// An unparseable delay does not block the campaign: the node becomes
// eligible at base, and the defect is logged and counted so plan
// authors can be told about it. A delay of zero means eligible
// immediately, still subject to quiet-hours suppression.
func (s *Scheduler) ComputeNextWake(node *plan.Node, tz string, window duration.Window, base time.Time) time.Time {
	delay, err := duration.Parse(node.Schedule.Delay)
	if err != nil {
		s.logger.Warn("node delay failed to parse, scheduling immediately",
			"node_id", node.ID,
			"delay", node.Schedule.Delay,
			"error", err)
		if s.metrics != nil {
			s.metrics.SchedulingFallbacks.Inc()
		}
		delay = 0
	}

	wake := base.Add(delay)

	adjusted, err := duration.ApplyQuietHours(wake, tz, window)
	if err != nil {
		s.logger.Warn("quiet-hours adjustment skipped",
			"node_id", node.ID,
			"timezone", tz,
			"error", err)
		return wake
	}
	if !adjusted.Equal(wake) {
		s.logger.Debug("wake deferred by quiet hours",
			"node_id", node.ID,
			"from", wake,
			"to", adjusted)
		if s.metrics != nil {
			s.metrics.QuietHourDeferrals.Inc()
		}
	}

	return adjusted
}
