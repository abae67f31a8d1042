package store

import (
	"context"
	"errors"
	"time"

	"github.com/botmarket/botmarket/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrStateConflict is returned by conditional updates when the row's
// current status no longer matches the caller's expectation.
var ErrStateConflict = errors.New("status precondition failed")

// JobMutation is the set of fields a state transition may write. Status is
// always written; pointer fields are written only when non-nil.
type JobMutation struct {
	Status       models.JobStatus
	WorkerWallet *string
	Result       *string
	DepositTxSig *string
	PaymentTxSig *string
	ClaimedAt    *time.Time
	CompletedAt  *time.Time
	PaidAt       *time.Time
}

// Store is the data access interface. All database operations go through
// here. UpdateJobIf is the only job mutation primitive: it applies the
// mutation iff the row's current status equals expected, which serializes
// concurrent transitions per job without a separate lock service.
type Store interface {
	Ping(ctx context.Context) error

	InsertJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListJobs(ctx context.Context, status models.JobStatus) ([]*models.Job, error)
	UpdateJobIf(ctx context.Context, id string, expected models.JobStatus, mut JobMutation) (*models.Job, error)
	ExpiredOpenJobs(ctx context.Context, now time.Time) ([]*models.Job, error)

	// InsertEscrow creates the held record and consumes the deposit
	// transaction signature in one atomic step. ErrDuplicateKey signals
	// either a replayed signature or a second deposit for the job.
	InsertEscrow(ctx context.Context, rec *models.EscrowRecord) error
	GetEscrow(ctx context.Context, jobID string) (*models.EscrowRecord, error)
	// SettleEscrow moves the record from one status to another,
	// recording the settlement transaction. ErrStateConflict when the
	// record is not in the expected status.
	SettleEscrow(ctx context.Context, jobID string, from, to models.EscrowStatus, txSig string, workerWallet *string, at time.Time) (*models.EscrowRecord, error)
	ListEscrows(ctx context.Context) ([]*models.EscrowRecord, error)
	// HeldEscrowsForTerminalJobs returns held records whose job already
	// reached CANCELLED or EXPIRED; the sweeper re-drives their refunds.
	HeldEscrowsForTerminalJobs(ctx context.Context) ([]*models.EscrowRecord, error)
}
