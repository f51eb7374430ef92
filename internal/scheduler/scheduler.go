// Package scheduler drives the time-based billing sweeps: overdue
// invoices, lapsed estimates, and due recurring templates. An external
// trigger is not required; the run loop ticks on a fixed interval and
// every sweep is idempotent against being invoked twice for the same
// period.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/smallbiznis/tradebill/internal/clock"
	estimatedomain "github.com/smallbiznis/tradebill/internal/estimate/domain"
	invoicedomain "github.com/smallbiznis/tradebill/internal/invoice/domain"
	obsmetrics "github.com/smallbiznis/tradebill/internal/observability/metrics"
	recurringdomain "github.com/smallbiznis/tradebill/internal/recurring/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobMarkOverdue       = "mark_overdue"
	JobExpireEstimates   = "expire_estimates"
	JobGenerateRecurring = "generate_recurring"
)

var ErrInvalidConfig = errors.New("scheduler: missing required dependency")

type Params struct {
	fx.In

	Log          *zap.Logger
	Clock        clock.Clock
	InvoiceSvc   invoicedomain.Service
	EstimateSvc  estimatedomain.Service
	RecurringSvc recurringdomain.Service
	Config       Config `optional:"true"`
}

type Scheduler struct {
	log          *zap.Logger
	cfg          Config
	clock        clock.Clock
	invoiceSvc   invoicedomain.Service
	estimateSvc  estimatedomain.Service
	recurringSvc recurringdomain.Service
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Clock == nil || p.InvoiceSvc == nil || p.EstimateSvc == nil || p.RecurringSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:          p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:          p.Config.withDefaults(),
		clock:        p.Clock,
		invoiceSvc:   p.InvoiceSvc,
		estimateSvc:  p.EstimateSvc,
		recurringSvc: p.RecurringSvc,
	}, nil
}

func (s *Scheduler) runJob(parent context.Context, name, resource string, fn func(ctx context.Context, asOf time.Time, batchSize int) (int, error)) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	processed, err := fn(ctx, start, s.cfg.BatchSize)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	schedMetrics.AddBatchProcessed(name, resource, processed)

	if err == nil {
		if processed > 0 {
			s.log.Info("job processed batch",
				zap.String("job", name),
				zap.Int("processed", processed),
			)
		}
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		schedMetrics.IncJobTimeout(name)
		s.log.Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", s.cfg.JobTimeout),
			zap.Error(err),
		)
		return nil
	}

	schedMetrics.IncJobError(name, err)
	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce executes every enabled sweep for the current tick. Job
// failures are joined rather than short-circuiting so one broken sweep
// does not starve the others.
func (s *Scheduler) RunOnce(parent context.Context) error {
	jobs := []struct {
		Name     string
		Resource string
		Run      func(ctx context.Context, asOf time.Time, batchSize int) (int, error)
	}{
		{JobMarkOverdue, "invoices", s.invoiceSvc.MarkOverdueDue},
		{JobExpireEstimates, "estimates", s.estimateSvc.ExpireDue},
		{JobGenerateRecurring, "recurring_invoices", s.recurringSvc.GenerateDue},
	}

	var err error
	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, job.Resource, job.Run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// Empty EnabledJobs means every job runs (monolith mode).
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}
