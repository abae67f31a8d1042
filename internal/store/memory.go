package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/botmarket/botmarket/pkg/models"
)

// MemoryStore is the in-memory Store implementation. It serves tests and
// DEMO_MODE runs without a database. A single mutex guards all maps; every
// returned row is a copy, so callers never alias internal state.
type MemoryStore struct {
	mu           sync.Mutex
	jobs         map[string]*models.Job
	escrows      map[string]*models.EscrowRecord
	usedDeposits map[string]string
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:         make(map[string]*models.Job),
		escrows:      make(map[string]*models.EscrowRecord),
		usedDeposits: make(map[string]string),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func copyJob(j *models.Job) *models.Job {
	c := *j
	if j.Tags != nil {
		c.Tags = append([]string(nil), j.Tags...)
	}
	return &c
}

func copyEscrow(e *models.EscrowRecord) *models.EscrowRecord {
	c := *e
	return &c
}

func (s *MemoryStore) InsertJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return ErrDuplicateKey
	}
	s.jobs[job.ID] = copyJob(job)
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyJob(job), nil
}

func (s *MemoryStore) ListJobs(ctx context.Context, status models.JobStatus) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []*models.Job
	for _, job := range s.jobs {
		if status == "" || job.Status == status {
			jobs = append(jobs, copyJob(job))
		}
	}
	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
	})
	return jobs, nil
}

func (s *MemoryStore) UpdateJobIf(ctx context.Context, id string, expected models.JobStatus, mut JobMutation) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if job.Status != expected {
		return nil, ErrStateConflict
	}

	job.Status = mut.Status
	if mut.WorkerWallet != nil {
		job.WorkerWallet = mut.WorkerWallet
	}
	if mut.Result != nil {
		job.Result = mut.Result
	}
	if mut.DepositTxSig != nil {
		job.DepositTxSig = mut.DepositTxSig
	}
	if mut.PaymentTxSig != nil {
		job.PaymentTxSig = mut.PaymentTxSig
	}
	if mut.ClaimedAt != nil {
		job.ClaimedAt = mut.ClaimedAt
	}
	if mut.CompletedAt != nil {
		job.CompletedAt = mut.CompletedAt
	}
	if mut.PaidAt != nil {
		job.PaidAt = mut.PaidAt
	}
	return copyJob(job), nil
}

func (s *MemoryStore) ExpiredOpenJobs(ctx context.Context, now time.Time) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var jobs []*models.Job
	for _, job := range s.jobs {
		if job.Status == models.StatusOpen && job.ExpiresAt.Before(now) {
			jobs = append(jobs, copyJob(job))
		}
	}
	return jobs, nil
}

func (s *MemoryStore) InsertEscrow(ctx context.Context, rec *models.EscrowRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, used := s.usedDeposits[rec.DepositTxSig]; used {
		return ErrDuplicateKey
	}
	if _, exists := s.escrows[rec.JobID]; exists {
		return ErrDuplicateKey
	}
	s.usedDeposits[rec.DepositTxSig] = rec.JobID
	s.escrows[rec.JobID] = copyEscrow(rec)
	return nil
}

func (s *MemoryStore) GetEscrow(ctx context.Context, jobID string) (*models.EscrowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.escrows[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyEscrow(rec), nil
}

func (s *MemoryStore) SettleEscrow(ctx context.Context, jobID string, from, to models.EscrowStatus, txSig string, workerWallet *string, at time.Time) (*models.EscrowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.escrows[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.Status != from {
		return nil, ErrStateConflict
	}

	rec.Status = to
	rec.SettleTxSig = &txSig
	settledAt := at
	rec.SettledAt = &settledAt
	if workerWallet != nil {
		rec.WorkerWallet = workerWallet
	}
	return copyEscrow(rec), nil
}

func (s *MemoryStore) ListEscrows(ctx context.Context) ([]*models.EscrowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var recs []*models.EscrowRecord
	for _, rec := range s.escrows {
		recs = append(recs, copyEscrow(rec))
	}
	sort.Slice(recs, func(i, k int) bool {
		return recs[i].CreatedAt.After(recs[k].CreatedAt)
	})
	return recs, nil
}

func (s *MemoryStore) HeldEscrowsForTerminalJobs(ctx context.Context) ([]*models.EscrowRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var recs []*models.EscrowRecord
	for jobID, rec := range s.escrows {
		if rec.Status != models.EscrowHeld {
			continue
		}
		job, ok := s.jobs[jobID]
		if !ok {
			continue
		}
		if job.Status == models.StatusCancelled || job.Status == models.StatusExpired {
			recs = append(recs, copyEscrow(rec))
		}
	}
	return recs, nil
}
