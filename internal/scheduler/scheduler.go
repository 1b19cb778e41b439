// Package scheduler runs QuestionPipe's periodic housekeeping jobs.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/BTreeMap/QuestionPipe/internal/metrics"
)

// Housekeeping defaults.
const (
	DefaultDedupRetention = 7 * 24 * time.Hour
	DefaultPurgeSchedule  = "17 3 * * *"
	purgeTimeout          = 5 * time.Minute
)

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// Standard 5-field parser (min, hour, dom, month, dow) with panic recovery.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// InboundPurger deletes inbound dedup records received before a cutoff.
type InboundPurger interface {
	PurgeInbound(ctx context.Context, before time.Time) (int64, error)
}

// DedupJanitor removes inbound dedup records once redelivery is no longer
// possible.
type DedupJanitor struct {
	purger    InboundPurger
	retention time.Duration
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewDedupJanitor creates a janitor keeping records for retention
// (DefaultDedupRetention when zero).
func NewDedupJanitor(purger InboundPurger, retention time.Duration, m *metrics.Metrics) *DedupJanitor {
	if retention <= 0 {
		retention = DefaultDedupRetention
	}
	return &DedupJanitor{purger: purger, retention: retention, metrics: m, now: time.Now}
}

// Purge deletes records older than the retention window and returns how many
// were removed.
func (j *DedupJanitor) Purge(ctx context.Context) (int64, error) {
	cutoff := j.now().Add(-j.retention)
	n, err := j.purger.PurgeInbound(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge inbound dedup records: %w", err)
	}
	j.metrics.DedupPurged(n)
	slog.Info("DedupJanitor.Purge: removed expired records", "count", n, "cutoff", cutoff)
	return n, nil
}

// Schedule registers the purge on s using a cron expression
// (DefaultPurgeSchedule when empty).
func (j *DedupJanitor) Schedule(s *Scheduler, expr string) error {
	if expr == "" {
		expr = DefaultPurgeSchedule
	}
	return s.AddJob(expr, func() {
		ctx, cancel := context.WithTimeout(context.Background(), purgeTimeout)
		defer cancel()
		if _, err := j.Purge(ctx); err != nil {
			slog.Error("DedupJanitor: scheduled purge failed", "error", err)
		}
	})
}
