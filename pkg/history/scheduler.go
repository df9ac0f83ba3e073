package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// retentionSchedule runs the day-scale sweeps nightly.
const retentionSchedule = "17 2 * * *"

// RetentionConfig bounds day-scale history retention.
type RetentionConfig struct {
	// HistoryRetentionDays deletes records older than this many days.
	HistoryRetentionDays int `yaml:"history_retention_days"`

	// QueryTextRedactionDays scrubs SQL text from records older than this
	// many days. Zero disables redaction.
	QueryTextRedactionDays int `yaml:"query_text_redaction_days"`
}

// Scheduler runs the retention sweeps on a cron schedule. Sweep failures
// are logged and retried on the next run, never surfaced to request paths.
type Scheduler struct {
	store  *Store
	cfg    RetentionConfig
	logger *slog.Logger
	cron   *cron.Cron
}

// NewScheduler creates a retention scheduler for store.
func NewScheduler(store *Store, cfg RetentionConfig, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:  store,
		cfg:    cfg,
		logger: logger,
		cron:   cron.New(),
	}
}

// Start registers the nightly sweep and starts the scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(retentionSchedule, s.Sweep); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Sweep runs one purge and redaction pass.
func (s *Scheduler) Sweep() {
	ctx := context.Background()
	now := time.Now()

	if s.cfg.HistoryRetentionDays > 0 {
		cutoff := now.AddDate(0, 0, -s.cfg.HistoryRetentionDays)
		n, err := s.store.PurgeOlderThan(ctx, cutoff)
		if err != nil {
			s.logger.Error("history purge failed", "error", err)
		} else if n > 0 {
			s.logger.Info("history purged", "records", n)
		}
	}

	if s.cfg.QueryTextRedactionDays > 0 {
		cutoff := now.AddDate(0, 0, -s.cfg.QueryTextRedactionDays)
		n, err := s.store.RedactOlderThan(ctx, cutoff)
		if err != nil {
			s.logger.Error("history redaction failed", "error", err)
		} else if n > 0 {
			s.logger.Info("history sql text redacted", "records", n)
		}
	}
}
