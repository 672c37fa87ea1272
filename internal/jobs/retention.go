// Package jobs runs scheduled maintenance for the billing store.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// EventPruner deletes webhook de-duplication records older than a cutoff.
type EventPruner interface {
	PruneWebhookEvents(ctx context.Context, cutoff time.Time) (int64, error)
}

// Retention prunes applied webhook events once Stripe can no longer redeliver them.
type Retention struct {
	db        EventPruner
	retention time.Duration
	timeout   time.Duration
	log       logrus.FieldLogger
	now       func() time.Time
}

// NewRetention creates a retention job keeping events for retention.
func NewRetention(db EventPruner, retention time.Duration, log logrus.FieldLogger) *Retention {
	return &Retention{
		db:        db,
		retention: retention,
		timeout:   time.Minute,
		log:       log,
		now:       time.Now,
	}
}

// Run prunes once and returns the number of deleted records.
func (r *Retention) Run(ctx context.Context) (int64, error) {
	if r.retention <= 0 {
		return 0, fmt.Errorf("retention must be positive, got %s", r.retention)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cutoff := r.now().Add(-r.retention)
	deleted, err := r.db.PruneWebhookEvents(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune webhook events: %w", err)
	}
	return deleted, nil
}

// Scheduler runs the retention job on a cron schedule.
type Scheduler struct {
	cron *cron.Cron
	log  logrus.FieldLogger
}

// NewScheduler registers job under schedule (standard cron syntax or descriptors
// such as "@daily").
func NewScheduler(schedule string, job *Retention, log logrus.FieldLogger) (*Scheduler, error) {
	c := cron.New()

	_, err := c.AddFunc(schedule, func() {
		deleted, err := job.Run(context.Background())
		if err != nil {
			log.WithError(err).Error("webhook event retention failed")
			return
		}
		log.WithField("deleted", deleted).Info("pruned applied webhook events")
	})
	if err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", schedule, err)
	}

	return &Scheduler{cron: c, log: log}, nil
}

// Start runs the scheduler in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the scheduler and waits for a running job to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.log.Warn("retention job still running at shutdown")
	}
}
