package whatsapp

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const reconcileTimeout = 10 * time.Minute

// Scheduler runs the periodic reconcile pass that repairs message counters
// drifted by interleaved live and historical writes.
type Scheduler struct {
	cron    *cron.Cron
	manager *Manager
}

// NewScheduler registers the reconcile job. An empty schedule disables it.
func NewScheduler(manager *Manager, schedule string) (*Scheduler, error) {
	sch := &Scheduler{
		cron:    cron.New(),
		manager: manager,
	}
	if schedule == "" {
		return sch, nil
	}

	_, err := sch.cron.AddFunc(schedule, sch.reconcile)
	if err != nil {
		return nil, err
	}
	zap.L().Info("reconcile job scheduled", zap.String("schedule", schedule))
	return sch, nil
}

func (s *Scheduler) reconcile() {
	ctx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
	defer cancel()

	start := time.Now()
	s.manager.ReconcileAll(ctx)
	zap.L().Debug("reconcile job completed", zap.Duration("took", time.Since(start)))
}

// Start starts the scheduler in its own goroutine
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the scheduler and waits for a running job to finish or ctx to expire
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}
