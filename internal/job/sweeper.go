package job

import (
	"context"
	"log/slog"
	"time"
)

// Refunder returns held escrow funds to the requester. Implemented by the
// escrow coordinator; declared here to keep the dependency one-way.
type Refunder interface {
	RefundToRequester(ctx context.Context, jobID string) error
}

// Sweeper periodically expires OPEN jobs past their deadline and re-drives
// refunds for held escrows whose job already reached a terminal state. It
// is idempotent and its failures are non-fatal.
type Sweeper struct {
	service  *Service
	refunder Refunder
	interval time.Duration
}

// NewSweeper creates a Sweeper. refunder may be nil (demo mode without a
// chain); expiry transitions still run.
func NewSweeper(service *Service, refunder Refunder, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{service: service, refunder: refunder, interval: interval}
}

// Run blocks until ctx is cancelled, sweeping once per interval.
func (sw *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sw.sweep(ctx)
		}
	}
}

func (sw *Sweeper) sweep(ctx context.Context) {
	expired, err := sw.service.store.ExpiredOpenJobs(ctx, sw.service.now())
	if err != nil {
		slog.Error("sweeper: list expired jobs", "error", err)
	}
	for _, j := range expired {
		if _, err := sw.service.Expire(ctx, j.ID); err != nil {
			slog.Warn("sweeper: expire job", "job_id", j.ID, "error", err)
			continue
		}
		slog.Info("sweeper: job expired", "job_id", j.ID)
	}

	if sw.refunder == nil {
		return
	}

	// Held escrows attached to terminal jobs: a cancel or expiry whose
	// refund did not land, or the transitions above. Refund is
	// idempotent at the ledger (held -> refunded is conditional), so
	// retrying here is safe.
	held, err := sw.service.store.HeldEscrowsForTerminalJobs(ctx)
	if err != nil {
		slog.Error("sweeper: list held escrows", "error", err)
		return
	}
	for _, rec := range held {
		if err := sw.refunder.RefundToRequester(ctx, rec.JobID); err != nil {
			slog.Warn("sweeper: refund escrow", "job_id", rec.JobID, "error", err)
			continue
		}
		slog.Info("sweeper: escrow refunded", "job_id", rec.JobID)
	}
}
