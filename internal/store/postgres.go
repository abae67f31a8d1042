package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/botmarket/botmarket/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5. Conditional
// job updates rely on UPDATE ... WHERE status = $expected RETURNING *,
// which makes the database the per-job serializer.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const jobColumns = `id, title, description, tags, bounty_usdc, bounty_atomic,
	requester_wallet, worker_wallet, status, result, deposit_tx_sig,
	payment_tx_sig, created_at, claimed_at, completed_at, paid_at, expires_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.Title, &j.Description, &j.Tags, &j.BountyUSDC,
		&j.BountyAtomic, &j.RequesterWallet, &j.WorkerWallet, &j.Status,
		&j.Result, &j.DepositTxSig, &j.PaymentTxSig, &j.CreatedAt,
		&j.ClaimedAt, &j.CompletedAt, &j.PaidAt, &j.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// --- Jobs ---

func (s *PostgresStore) InsertJob(ctx context.Context, job *models.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, title, description, tags, bounty_usdc, bounty_atomic,
		   requester_wallet, worker_wallet, status, result, deposit_tx_sig,
		   payment_tx_sig, created_at, claimed_at, completed_at, paid_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		job.ID, job.Title, job.Description, job.Tags, job.BountyUSDC, job.BountyAtomic,
		job.RequesterWallet, job.WorkerWallet, job.Status, job.Result, job.DepositTxSig,
		job.PaymentTxSig, job.CreatedAt, job.ClaimedAt, job.CompletedAt, job.PaidAt, job.ExpiresAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, status models.JobStatus) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) UpdateJobIf(ctx context.Context, id string, expected models.JobStatus, mut JobMutation) (*models.Job, error) {
	sets := []string{"status = $3"}
	args := []any{id, expected, mut.Status}

	add := func(col string, val any) {
		args = append(args, val)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if mut.WorkerWallet != nil {
		add("worker_wallet", *mut.WorkerWallet)
	}
	if mut.Result != nil {
		add("result", *mut.Result)
	}
	if mut.DepositTxSig != nil {
		add("deposit_tx_sig", *mut.DepositTxSig)
	}
	if mut.PaymentTxSig != nil {
		add("payment_tx_sig", *mut.PaymentTxSig)
	}
	if mut.ClaimedAt != nil {
		add("claimed_at", *mut.ClaimedAt)
	}
	if mut.CompletedAt != nil {
		add("completed_at", *mut.CompletedAt)
	}
	if mut.PaidAt != nil {
		add("paid_at", *mut.PaidAt)
	}

	query := `UPDATE jobs SET ` + strings.Join(sets, ", ") +
		` WHERE id = $1 AND status = $2 RETURNING ` + jobColumns

	job, err := scanJob(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		// Row missing or precondition failed; disambiguate for the caller.
		if _, getErr := s.GetJob(ctx, id); errors.Is(getErr, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrStateConflict
	}
	if err != nil {
		if isDuplicateKeyError(err) {
			return nil, ErrDuplicateKey
		}
		return nil, fmt.Errorf("update job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) ExpiredOpenJobs(ctx context.Context, now time.Time) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = $1 AND expires_at < $2`,
		models.StatusOpen, now)
	if err != nil {
		return nil, fmt.Errorf("list expired jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// --- Escrows ---

const escrowColumns = `job_id, requester_wallet, worker_wallet, amount_atomic,
	deposit_tx_sig, status, settle_tx_sig, settled_at, created_at`

func scanEscrow(row pgx.Row) (*models.EscrowRecord, error) {
	var e models.EscrowRecord
	err := row.Scan(&e.JobID, &e.RequesterWallet, &e.WorkerWallet,
		&e.AmountAtomic, &e.DepositTxSig, &e.Status, &e.SettleTxSig,
		&e.SettledAt, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresStore) InsertEscrow(ctx context.Context, rec *models.EscrowRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin escrow insert: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO used_deposits (tx_sig, job_id, created_at) VALUES ($1, $2, $3)`,
		rec.DepositTxSig, rec.JobID, rec.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("consume deposit tx: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO escrows (job_id, requester_wallet, worker_wallet, amount_atomic,
		   deposit_tx_sig, status, settle_tx_sig, settled_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.JobID, rec.RequesterWallet, rec.WorkerWallet, rec.AmountAtomic,
		rec.DepositTxSig, rec.Status, rec.SettleTxSig, rec.SettledAt, rec.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("insert escrow: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetEscrow(ctx context.Context, jobID string) (*models.EscrowRecord, error) {
	rec, err := scanEscrow(s.pool.QueryRow(ctx,
		`SELECT `+escrowColumns+` FROM escrows WHERE job_id = $1`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get escrow: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) SettleEscrow(ctx context.Context, jobID string, from, to models.EscrowStatus, txSig string, workerWallet *string, at time.Time) (*models.EscrowRecord, error) {
	rec, err := scanEscrow(s.pool.QueryRow(ctx,
		`UPDATE escrows SET status = $3, settle_tx_sig = $4, settled_at = $5,
		   worker_wallet = COALESCE($6, worker_wallet)
		 WHERE job_id = $1 AND status = $2
		 RETURNING `+escrowColumns, jobID, from, to, txSig, at, workerWallet))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetEscrow(ctx, jobID); errors.Is(getErr, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrStateConflict
	}
	if err != nil {
		return nil, fmt.Errorf("settle escrow: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) ListEscrows(ctx context.Context) ([]*models.EscrowRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+escrowColumns+` FROM escrows ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list escrows: %w", err)
	}
	defer rows.Close()

	var recs []*models.EscrowRecord
	for rows.Next() {
		rec, err := scanEscrow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan escrow: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *PostgresStore) HeldEscrowsForTerminalJobs(ctx context.Context) ([]*models.EscrowRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT e.job_id, e.requester_wallet, e.worker_wallet, e.amount_atomic,
		   e.deposit_tx_sig, e.status, e.settle_tx_sig, e.settled_at, e.created_at
		 FROM escrows e JOIN jobs j ON j.id = e.job_id
		 WHERE e.status = $1 AND j.status IN ($2, $3)`,
		models.EscrowHeld, models.StatusCancelled, models.StatusExpired)
	if err != nil {
		return nil, fmt.Errorf("list held escrows: %w", err)
	}
	defer rows.Close()

	var recs []*models.EscrowRecord
	for rows.Next() {
		rec, err := scanEscrow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan escrow: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// isDuplicateKeyError checks for PostgreSQL unique constraint violations.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
