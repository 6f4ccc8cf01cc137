package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/leadflowhq/leadflow/pkg/duration"
	"github.com/leadflowhq/leadflow/pkg/logger"
	"github.com/leadflowhq/leadflow/pkg/metrics"
	"github.com/leadflowhq/leadflow/pkg/plan"
	"github.com/leadflowhq/leadflow/pkg/scheduler"
	"github.com/leadflowhq/leadflow/pkg/sender"
)

// Suppressor is the unsubscribe/suppression capability consulted before
// every send attempt.
type Suppressor interface {
	IsSuppressed(ctx context.Context, tenantID, address string) (bool, error)
}

// Config tunes retry and scheduling behavior.
type Config struct {
	MaxSendAttempts  int
	RetryBackoffBase time.Duration
	RetryBackoffCap  time.Duration
	SendTimeout      time.Duration
	// RecheckInterval is the wake cadence for instances waiting only on
	// an event condition (reply_received with no timer alternative).
	RecheckInterval time.Duration

	DefaultTimezone   string
	DefaultQuietHours duration.Window
}

// Engine drives the campaign state machine: on each tick it fires the
// current node's action if it hasn't fired yet, then evaluates the
// node's transitions in declared order.
type Engine struct {
	store      Store
	lock       *LeaseLock
	scheduler  *scheduler.Scheduler
	sender     sender.Sender
	suppressor Suppressor
	logger     logger.Logger
	metrics    *metrics.Metrics
	cfg        Config

	now func() time.Time
}

// New creates an engine. metrics may be nil in tests.
func New(store Store, lock *LeaseLock, sched *scheduler.Scheduler, snd sender.Sender,
	sup Suppressor, log logger.Logger, m *metrics.Metrics, cfg Config) *Engine {
	if log == nil {
		log = logger.Default()
	}
	if cfg.MaxSendAttempts <= 0 {
		cfg.MaxSendAttempts = 5
	}
	if cfg.RetryBackoffBase <= 0 {
		cfg.RetryBackoffBase = time.Minute
	}
	if cfg.RetryBackoffCap <= 0 {
		cfg.RetryBackoffCap = time.Hour
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.RecheckInterval <= 0 {
		cfg.RecheckInterval = time.Hour
	}
	return &Engine{
		store:      store,
		lock:       lock,
		scheduler:  sched,
		sender:     snd,
		suppressor: sup,
		logger:     log,
		metrics:    m,
		cfg:        cfg,
		now:        time.Now,
	}
}

// EnrollParams describes a contact entering a campaign.
type EnrollParams struct {
	TenantID     string
	ContactID    string
	LeadID       string
	ContactEmail string
	PlanHash     string
}

// Enroll creates an active instance at the plan's start node with its
// first wake computed through the scheduler.
func (e *Engine) Enroll(ctx context.Context, params EnrollParams) (*Instance, error) {
	p, err := e.store.GetPlan(ctx, params.PlanHash)
	if err != nil {
		return nil, err
	}

	startNode, ok := p.FindNode(p.StartNodeID)
	if !ok {
		return nil, fmt.Errorf("plan %s has no start node", params.PlanHash)
	}

	tz, window := e.calendar(p)
	wake := e.scheduler.ComputeNextWake(startNode, tz, window, e.now())

	inst := &Instance{
		ID:            uuid.New(),
		TenantID:      params.TenantID,
		ContactID:     params.ContactID,
		LeadID:        params.LeadID,
		ContactEmail:  strings.ToLower(params.ContactEmail),
		Channel:       plan.ChannelEmail,
		PlanRef:       plan.Ref{Version: p.Version, Hash: params.PlanHash},
		CurrentNodeID: p.StartNodeID,
		Status:        StatusActive,
		NextWakeAt:    &wake,
	}

	if err := e.store.CreateInstance(ctx, inst); err != nil {
		return nil, err
	}

	e.logger.Info("contact enrolled",
		"instance_id", inst.ID,
		"tenant_id", inst.TenantID,
		"plan_hash", params.PlanHash,
		"next_wake_at", wake)

	return inst, nil
}

// Stop pauses an instance (manual cancel / unsubscribe collaborator).
func (e *Engine) Stop(ctx context.Context, instanceID uuid.UUID) error {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status != StatusActive {
		return nil
	}
	inst.Status = StatusPaused
	inst.NextWakeAt = nil
	return e.store.UpdateInstance(ctx, inst)
}

// WakeNow re-arms an active instance so the next poll evaluates its
// transitions immediately. Called by the reply matcher after a matched
// inbound event.
func (e *Engine) WakeNow(ctx context.Context, instanceID uuid.UUID) error {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status != StatusActive {
		return nil
	}
	now := e.now()
	inst.NextWakeAt = &now
	return e.store.UpdateInstance(ctx, inst)
}

// Tick processes one due instance under its lease. Overlapping ticks on
// the same instance are excluded by the lease; a tick that cannot take
// it simply skips, the holder is already doing the work.
func (e *Engine) Tick(ctx context.Context, instanceID uuid.UUID) error {
	lease, ok, err := e.lock.Acquire(ctx, instanceID)
	if err != nil {
		return err
	}
	if !ok {
		e.recordTick("skipped")
		return nil
	}
	defer lease.Release(ctx)

	result, err := e.tick(ctx, instanceID)
	e.recordTick(result)
	return err
}

func (e *Engine) tick(ctx context.Context, instanceID uuid.UUID) (string, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return "error", err
	}
	if inst.Status != StatusActive {
		return "noop", nil
	}
	now := e.now()
	if inst.NextWakeAt == nil || inst.NextWakeAt.After(now) {
		return "noop", nil
	}

	p, err := e.store.GetPlan(ctx, inst.PlanRef.Hash)
	if err != nil {
		return "error", fmt.Errorf("instance %s: %w", inst.ID, err)
	}
	node, ok := p.FindNode(inst.CurrentNodeID)
	if !ok {
		// The plan is pinned by hash, so this indicates corrupted state.
		inst.Status = StatusFailed
		inst.NextWakeAt = nil
		if err := e.store.UpdateInstance(ctx, inst); err != nil {
			return "error", err
		}
		e.logger.Error("current node missing from pinned plan",
			"instance_id", inst.ID, "node_id", inst.CurrentNodeID)
		return "failed", nil
	}

	latest, err := e.store.LatestAttempt(ctx, inst.ID, node.ID)
	if err != nil {
		return "error", err
	}

	if latest != nil && latest.Outcome == OutcomeSent {
		return e.evaluateTick(ctx, inst, p, node, latest, now)
	}
	return e.sendTick(ctx, inst, p, node, latest, now)
}

// sendTick fires the node's send action and, on success, evaluates its
// transitions.
func (e *Engine) sendTick(ctx context.Context, inst *Instance, p *plan.Plan,
	node *plan.Node, latest *Attempt, now time.Time) (string, error) {

	suppressed, err := e.suppressor.IsSuppressed(ctx, inst.TenantID, inst.ContactEmail)
	if err != nil {
		return "error", fmt.Errorf("suppression check failed: %w", err)
	}
	if suppressed {
		inst.Status = StatusPaused
		inst.NextWakeAt = nil
		if err := e.store.UpdateInstance(ctx, inst); err != nil {
			return "error", err
		}
		e.logger.Info("instance paused, contact suppressed",
			"instance_id", inst.ID, "contact", inst.ContactEmail)
		return "paused", nil
	}

	attemptNumber := 1
	if latest != nil {
		attemptNumber = latest.AttemptNumber + 1
	}

	msg := e.renderMessage(inst, node, attemptNumber)

	sendCtx, cancel := context.WithTimeout(ctx, e.cfg.SendTimeout)
	started := time.Now()
	res, sendErr := e.sender.Send(sendCtx, msg)
	cancel()
	elapsed := time.Since(started)

	att := &Attempt{
		ID:            uuid.New(),
		InstanceID:    inst.ID,
		NodeID:        node.ID,
		AttemptNumber: attemptNumber,
		Subject:       msg.Subject,
	}

	if sendErr != nil {
		return e.handleSendFailure(ctx, inst, att, sendErr, now, elapsed)
	}

	sentAt := now
	att.Outcome = OutcomeSent
	att.ProviderMessageID = res.ProviderMessageID
	att.ProviderThreadID = res.ProviderThreadID
	att.SentAt = &sentAt
	inst.LastSentAt = &sentAt
	e.recordSend(string(OutcomeSent), elapsed)

	result := e.planNextState(ctx, inst, p, node, sentAt, now)
	if err := e.store.ApplyTick(ctx, inst, att); err != nil {
		return "error", err
	}

	e.logger.Info("node fired",
		"instance_id", inst.ID,
		"node_id", node.ID,
		"attempt", attemptNumber,
		"provider_message_id", res.ProviderMessageID,
		"result", result)

	return result, nil
}

func (e *Engine) handleSendFailure(ctx context.Context, inst *Instance, att *Attempt,
	sendErr error, now time.Time, elapsed time.Duration) (string, error) {

	att.LastError = sendErr.Error()

	if !sender.IsTransient(sendErr) || att.AttemptNumber >= e.cfg.MaxSendAttempts {
		att.Outcome = OutcomeFailed
		inst.Status = StatusFailed
		inst.NextWakeAt = nil
		if err := e.store.ApplyTick(ctx, inst, att); err != nil {
			return "error", err
		}
		e.recordSend(string(OutcomeFailed), elapsed)
		if e.metrics != nil {
			e.metrics.InstancesFailed.Inc()
		}
		e.logger.Error("send failed permanently",
			"instance_id", inst.ID,
			"node_id", att.NodeID,
			"attempt", att.AttemptNumber,
			"error", sendErr)
		return "failed", nil
	}

	att.Outcome = OutcomeRetrying
	wait := backoff(e.cfg.RetryBackoffBase, e.cfg.RetryBackoffCap, att.AttemptNumber)
	next := now.Add(wait)
	inst.NextWakeAt = &next
	if err := e.store.ApplyTick(ctx, inst, att); err != nil {
		return "error", err
	}
	e.recordSend(string(OutcomeRetrying), elapsed)
	e.logger.Warn("send failed, retrying",
		"instance_id", inst.ID,
		"node_id", att.NodeID,
		"attempt", att.AttemptNumber,
		"retry_in", wait,
		"error", sendErr)
	return "retrying", nil
}

// evaluateTick re-evaluates the transitions of a node that has already
// fired, without resending.
func (e *Engine) evaluateTick(ctx context.Context, inst *Instance, p *plan.Plan,
	node *plan.Node, sent *Attempt, now time.Time) (string, error) {

	sentAt := now
	if sent.SentAt != nil {
		sentAt = *sent.SentAt
	}

	result := e.planNextState(ctx, inst, p, node, sentAt, now)
	if err := e.store.ApplyTick(ctx, inst, nil); err != nil {
		return "error", err
	}
	return result, nil
}

// planNextState evaluates the node's transitions against the recorded
// reply state and mutates the instance in memory; callers persist it.
// Returns the tick result label.
func (e *Engine) planNextState(ctx context.Context, inst *Instance, p *plan.Plan,
	node *plan.Node, sentAt, now time.Time) string {

	if len(node.Transitions) == 0 {
		e.complete(inst)
		return "completed"
	}

	hasReply, err := e.store.HasReplySince(ctx, inst.ID, sentAt)
	if err != nil {
		e.logger.Error("reply lookup failed, treating as no reply",
			"instance_id", inst.ID, "error", err)
		hasReply = false
	}

	var earliest *time.Time
	pending := false

	for _, tr := range node.Transitions {
		switch tr.Condition.Type {
		case plan.ConditionAlways:
			return e.advance(inst, p, tr.Target, now)

		case plan.ConditionReplyReceived:
			if hasReply {
				return e.advance(inst, p, tr.Target, now)
			}
			pending = true

		case plan.ConditionNoReplyAfter:
			if hasReply {
				continue // definitively unmatched
			}
			resolved, err := p.ResolveTimer(tr.Condition.After)
			if err != nil {
				// Validation rejects this at load time; tolerate it here
				// as an immediate timer rather than wedging the instance.
				e.logger.Warn("unresolvable transition timer",
					"instance_id", inst.ID, "after", tr.Condition.After)
				return e.advance(inst, p, tr.Target, now)
			}
			d, _ := duration.Parse(resolved)
			deadline := sentAt.Add(d)
			if !now.Before(deadline) {
				return e.advance(inst, p, tr.Target, now)
			}
			pending = true
			if earliest == nil || deadline.Before(*earliest) {
				earliest = &deadline
			}
		}
	}

	if !pending {
		// Every transition evaluated definitively unmatched.
		e.complete(inst)
		return "completed"
	}

	if earliest == nil {
		recheck := now.Add(e.cfg.RecheckInterval)
		earliest = &recheck
	}
	inst.NextWakeAt = earliest
	return "waiting"
}

func (e *Engine) advance(inst *Instance, p *plan.Plan, target string, now time.Time) string {
	if target == plan.TargetEnd {
		e.complete(inst)
		return "completed"
	}

	next, ok := p.FindNode(target)
	if !ok {
		// Unreachable for validated plans.
		e.complete(inst)
		return "completed"
	}

	tz, window := e.calendar(p)
	wake := e.scheduler.ComputeNextWake(next, tz, window, now)
	inst.CurrentNodeID = target
	inst.NextWakeAt = &wake
	return "advanced"
}

func (e *Engine) complete(inst *Instance) {
	inst.Status = StatusCompleted
	inst.NextWakeAt = nil
	if e.metrics != nil {
		e.metrics.InstancesCompleted.Inc()
	}
}

func (e *Engine) calendar(p *plan.Plan) (string, duration.Window) {
	tz := p.Timezone
	if tz == "" {
		tz = e.cfg.DefaultTimezone
	}
	window := p.QuietHours
	if window.IsZero() {
		window = e.cfg.DefaultQuietHours
	}
	return tz, window
}

func (e *Engine) renderMessage(inst *Instance, node *plan.Node, attemptNumber int) sender.Message {
	r := strings.NewReplacer(
		"{{contact_email}}", inst.ContactEmail,
		"{{contact_id}}", inst.ContactID,
	)
	return sender.Message{
		TenantID:       inst.TenantID,
		ContactID:      inst.ContactID,
		NodeID:         node.ID,
		To:             inst.ContactEmail,
		Subject:        r.Replace(node.Subject),
		Body:           r.Replace(node.Body),
		IdempotencyKey: fmt.Sprintf("%s:%s:%d", inst.ID, node.ID, attemptNumber),
	}
}

func (e *Engine) recordTick(result string) {
	if e.metrics != nil {
		e.metrics.RecordTick(result)
	}
}

func (e *Engine) recordSend(outcome string, elapsed time.Duration) {
	if e.metrics != nil {
		e.metrics.RecordSend(outcome, elapsed)
	}
}
