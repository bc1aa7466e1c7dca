// Package worker holds the periodic maintenance loops.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/custody/internal/infra/storage"
	"github.com/vietddude/custody/internal/withdrawal"
)

// ExpirerConfig holds the expiry windows.
type ExpirerConfig struct {
	// ReviewWindow is how long a manual review may stay unanswered before
	// the withdrawal is rejected and its funds released.
	ReviewWindow time.Duration `yaml:"review_window"`

	// Interval between sweeps.
	Interval time.Duration `yaml:"interval"`
}

// Expirer sweeps up state that outlived its usefulness: stale manual reviews,
// spent replay-protection records and settled risk assessments. It also
// re-drives withdrawals parked in signing, so a reorg that knocked a
// transaction out of the chain does not leave the withdrawal stalled until
// the next restart.
type Expirer struct {
	cfg         ExpirerConfig
	orch        *withdrawal.Orchestrator
	operations  storage.OperationRepository
	assessments storage.RiskAssessmentRepository
	log         *slog.Logger
}

// NewExpirer creates an expirer worker.
func NewExpirer(
	cfg ExpirerConfig,
	orch *withdrawal.Orchestrator,
	operations storage.OperationRepository,
	assessments storage.RiskAssessmentRepository,
	log *slog.Logger,
) *Expirer {
	if log == nil {
		log = slog.Default()
	}
	if cfg.ReviewWindow <= 0 {
		cfg.ReviewWindow = 24 * time.Hour
	}
	if cfg.Interval <= 0 {
		cfg.Interval = min(cfg.ReviewWindow/10, time.Hour)
		cfg.Interval = max(cfg.Interval, time.Minute)
	}
	return &Expirer{
		cfg:         cfg,
		orch:        orch,
		operations:  operations,
		assessments: assessments,
		log:         log,
	}
}

// Start runs the sweep loop until the context ends.
func (e *Expirer) Start(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	e.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweep(ctx)
		}
	}
}

func (e *Expirer) sweep(ctx context.Context) {
	if n, err := e.orch.Resume(ctx); err != nil {
		e.log.Error("failed to resume in-flight withdrawals", "error", err)
	} else if n > 0 {
		e.log.Info("resumed in-flight withdrawals", "count", n)
	}

	expired, err := e.orch.ExpireStaleReviews(ctx, e.cfg.ReviewWindow)
	if err != nil {
		e.log.Error("failed to expire stale manual reviews", "error", err)
	} else if expired > 0 {
		e.log.Info("expired stale manual reviews", "count", expired)
	}

	now := time.Now()
	if n, err := e.operations.PurgeExpired(ctx, now); err != nil {
		e.log.Error("failed to purge operation records", "error", err)
	} else if n > 0 {
		e.log.Debug("purged expired operation records", "count", n)
	}

	if n, err := e.assessments.PurgeExpired(ctx, now); err != nil {
		e.log.Error("failed to purge risk assessments", "error", err)
	} else if n > 0 {
		e.log.Debug("purged expired risk assessments", "count", n)
	}
}
