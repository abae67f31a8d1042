// Package job enforces the lifecycle state machine. The service is the only
// mutator of job state; every transition goes through the store's
// conditional update, so concurrent callers serialize per job and losers
// get a state error.
package job

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/botmarket/botmarket/internal/events"
	"github.com/botmarket/botmarket/internal/fault"
	"github.com/botmarket/botmarket/internal/metrics"
	"github.com/botmarket/botmarket/internal/store"
	"github.com/botmarket/botmarket/pkg/models"
)

const (
	maxTitleLen       = 200
	maxDescriptionLen = 5000
	maxResultLen      = 100000
	maxBountyUSDC     = 1000.0
)

// Service validates transition preconditions, applies them via the store,
// and publishes lifecycle events after commit.
type Service struct {
	store  store.Store
	bus    events.Publisher
	expiry time.Duration
	now    func() time.Time
}

// NewService creates a Service. expiry is how long created jobs stay
// claimable before the sweeper may expire them.
func NewService(s store.Store, bus events.Publisher, expiry time.Duration) *Service {
	return &Service{
		store:  s,
		bus:    bus,
		expiry: expiry,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CreateParams is the validated input for a new job.
type CreateParams struct {
	Title           string
	Description     string
	Tags            []string
	BountyUSDC      float64
	RequesterWallet string
}

// Create inserts a new PENDING_DEPOSIT job. The atomic bounty is computed
// here, once; neither bounty field mutates afterwards.
func (s *Service) Create(ctx context.Context, p CreateParams) (*models.Job, error) {
	if err := validateCreate(p); err != nil {
		return nil, err
	}

	now := s.now()
	job := &models.Job{
		ID:              models.NewJobID(),
		Title:           strings.TrimSpace(p.Title),
		Description:     p.Description,
		Tags:            p.Tags,
		BountyUSDC:      p.BountyUSDC,
		BountyAtomic:    models.ToAtomic(p.BountyUSDC),
		RequesterWallet: p.RequesterWallet,
		Status:          models.StatusPendingDeposit,
		CreatedAt:       now,
		ExpiresAt:       now.Add(s.expiry),
	}

	if err := s.store.InsertJob(ctx, job); err != nil {
		return nil, fault.Wrap(fault.Internal, "failed to create job", err)
	}
	metrics.JobsCreated.Inc()
	return job, nil
}

func validateCreate(p CreateParams) error {
	title := strings.TrimSpace(p.Title)
	if title == "" || len(title) > maxTitleLen {
		return fault.Newf(fault.Validation, "title must be 1-%d characters", maxTitleLen)
	}
	if p.Description == "" || len(p.Description) > maxDescriptionLen {
		return fault.Newf(fault.Validation, "description must be 1-%d characters", maxDescriptionLen)
	}
	if p.BountyUSDC <= 0 || p.BountyUSDC > maxBountyUSDC {
		return fault.Newf(fault.Validation, "bounty must be greater than 0 and at most %.0f USDC", maxBountyUSDC)
	}
	if models.ToAtomic(p.BountyUSDC) < 1 {
		return fault.New(fault.Validation, "bounty is below the smallest token unit")
	}
	if p.RequesterWallet == "" {
		return fault.New(fault.Validation, "requester_wallet is required")
	}
	return nil
}

// Activate moves PENDING_DEPOSIT to OPEN after the deposit is verified.
func (s *Service) Activate(ctx context.Context, id, depositTxSig string) (*models.Job, error) {
	job, err := s.store.UpdateJobIf(ctx, id, models.StatusPendingDeposit, store.JobMutation{
		Status:       models.StatusOpen,
		DepositTxSig: &depositTxSig,
	})
	if err != nil {
		return nil, s.transitionErr(ctx, id, err, "job is not awaiting a deposit")
	}

	s.publish(events.TypeJobNew, job)
	return job, nil
}

// Claim binds a worker to an OPEN job. Exactly one of any set of
// concurrent claimers wins; the rest receive a state error.
func (s *Service) Claim(ctx context.Context, id, workerWallet string) (*models.Job, error) {
	if workerWallet == "" {
		return nil, fault.New(fault.Validation, "worker_wallet is required")
	}

	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.RequesterWallet == workerWallet {
		return nil, fault.New(fault.Validation, "requester cannot claim their own job")
	}

	now := s.now()
	updated, err := s.store.UpdateJobIf(ctx, id, models.StatusOpen, store.JobMutation{
		Status:       models.StatusClaimed,
		WorkerWallet: &workerWallet,
		ClaimedAt:    &now,
	})
	if err != nil {
		return nil, s.transitionErr(ctx, id, err, "job is not open for claims")
	}

	s.publish(events.TypeJobClaimed, updated)
	return updated, nil
}

// Complete stores the result of a CLAIMED job. Only the bound worker may
// complete it.
func (s *Service) Complete(ctx context.Context, id, workerWallet, result string) (*models.Job, error) {
	if result == "" || len(result) > maxResultLen {
		return nil, fault.Newf(fault.Validation, "result must be 1-%d characters", maxResultLen)
	}

	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.WorkerWallet == nil || *job.WorkerWallet != workerWallet {
		return nil, fault.New(fault.Authorization, "only the claiming worker can complete this job")
	}

	now := s.now()
	updated, err := s.store.UpdateJobIf(ctx, id, models.StatusClaimed, store.JobMutation{
		Status:      models.StatusCompleted,
		Result:      &result,
		CompletedAt: &now,
	})
	if err != nil {
		return nil, s.transitionErr(ctx, id, err, "job is not claimed")
	}

	s.publish(events.TypeJobCompleted, updated)
	return updated, nil
}

// Cancel terminates a PENDING_DEPOSIT or OPEN job. Only the requester may
// cancel. Escrow refunds are driven by the caller after the transition
// commits.
func (s *Service) Cancel(ctx context.Context, id, requesterWallet string) (*models.Job, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.RequesterWallet != requesterWallet {
		return nil, fault.New(fault.Authorization, "only the requester can cancel this job")
	}
	if job.Status != models.StatusPendingDeposit && job.Status != models.StatusOpen {
		return nil, fault.New(fault.State, "only unclaimed jobs can be cancelled")
	}

	updated, err := s.store.UpdateJobIf(ctx, id, job.Status, store.JobMutation{
		Status: models.StatusCancelled,
	})
	if err != nil {
		return nil, s.transitionErr(ctx, id, err, "only unclaimed jobs can be cancelled")
	}
	return updated, nil
}

// Expire moves an OPEN job past its deadline to EXPIRED.
func (s *Service) Expire(ctx context.Context, id string) (*models.Job, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !job.ExpiresAt.Before(s.now()) {
		return nil, fault.New(fault.State, "job has not reached its deadline")
	}

	updated, err := s.store.UpdateJobIf(ctx, id, models.StatusOpen, store.JobMutation{
		Status: models.StatusExpired,
	})
	if err != nil {
		return nil, s.transitionErr(ctx, id, err, "job is not open")
	}
	return updated, nil
}

// MarkPaid settles a COMPLETED job with its payment transaction. Calling
// it on a job that is already PAID is an idempotent success: the stored
// row is returned unchanged, keeping retried settlements and the
// paywall/escrow race harmless.
func (s *Service) MarkPaid(ctx context.Context, id, txSig string) (*models.Job, error) {
	now := s.now()
	job, err := s.store.UpdateJobIf(ctx, id, models.StatusCompleted, store.JobMutation{
		Status:       models.StatusPaid,
		PaymentTxSig: &txSig,
		PaidAt:       &now,
	})
	if errors.Is(err, store.ErrStateConflict) {
		current, getErr := s.store.GetJob(ctx, id)
		if getErr == nil && current.Status == models.StatusPaid {
			return current, nil
		}
		return nil, fault.New(fault.State, "job has no completed result to settle")
	}
	if err != nil {
		return nil, s.transitionErr(ctx, id, err, "job has no completed result to settle")
	}

	s.publish(events.TypeJobPaid, job)
	return job, nil
}

// Get loads a job by id.
func (s *Service) Get(ctx context.Context, id string) (*models.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fault.New(fault.NotFound, "job not found")
	}
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "failed to load job", err)
	}
	return job, nil
}

// List returns jobs, optionally filtered by status, newest first.
func (s *Service) List(ctx context.Context, status models.JobStatus) ([]*models.Job, error) {
	if status != "" && !models.ValidStatus(status) {
		return nil, fault.Newf(fault.Validation, "unknown status %q", status)
	}
	jobs, err := s.store.ListJobs(ctx, status)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "failed to list jobs", err)
	}
	return jobs, nil
}

func (s *Service) transitionErr(ctx context.Context, id string, err error, stateMsg string) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fault.New(fault.NotFound, "job not found")
	case errors.Is(err, store.ErrStateConflict):
		return fault.New(fault.State, stateMsg)
	default:
		return fault.Wrap(fault.Internal, fmt.Sprintf("failed to update job %s", id), err)
	}
}

func (s *Service) publish(eventType string, job *models.Job) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{
		Type:      eventType,
		Data:      job,
		Timestamp: s.now(),
	})
}
