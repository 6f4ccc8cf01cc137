package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/leadflowhq/leadflow/pkg/logger"
)

// Poller repeatedly scans for due instances and ticks them. It is the
// only driver of the engine: reply ingestion merely re-arms wake times
// and lets the next poll pick them up.
type Poller struct {
	engine      *Engine
	store       Store
	cron        *cron.Cron
	logger      logger.Logger
	interval    time.Duration
	batchSize   int
	concurrency int
}

// NewPoller creates a poller driven by a cron schedule.
func NewPoller(eng *Engine, store Store, log logger.Logger, interval time.Duration) *Poller {
	if log == nil {
		log = logger.Default()
	}
	return &Poller{
		engine:      eng,
		store:       store,
		cron:        cron.New(),
		logger:      log,
		interval:    interval,
		batchSize:   200,
		concurrency: 8,
	}
}

// Start registers and starts the polling schedule.
func (p *Poller) Start() error {
	spec := fmt.Sprintf("@every %s", p.interval)
	_, err := p.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.interval*2)
		defer cancel()
		p.PollOnce(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule poller: %w", err)
	}

	p.cron.Start()
	p.logger.Info("campaign poller started", "interval", p.interval)
	return nil
}

// Stop stops the polling schedule and waits for running jobs.
func (p *Poller) Stop() {
	ctx := p.cron.Stop()
	<-ctx.Done()
	p.logger.Info("campaign poller stopped")
}

// PollOnce scans one batch of due instances and ticks them. Ticks for
// different instances run in parallel; the per-instance lease keeps
// concurrent polls from double-processing any one of them.
func (p *Poller) PollOnce(ctx context.Context) {
	ids, err := p.store.ListDue(ctx, time.Now(), p.batchSize)
	if err != nil {
		p.logger.Error("failed to scan due instances", "error", err)
		return
	}
	if len(ids) == 0 {
		return
	}

	p.logger.Debug("ticking due instances", "count", len(ids))

	sem := make(chan struct{}, p.concurrency)
	var wg sync.WaitGroup
	for _, id := range ids {
		sem <- struct{}{}
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := p.engine.Tick(ctx, id); err != nil {
				p.logger.Error("tick failed", "instance_id", id, "error", err)
			}
		}(id)
	}
	wg.Wait()
}
