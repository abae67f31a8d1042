// Package escrow binds off-chain job state to on-chain value movements:
// verifying deposits into the escrow wallet, releasing funds to workers
// with the platform fee split, and refunding requesters.
package escrow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/botmarket/botmarket/internal/cache"
	"github.com/botmarket/botmarket/internal/chain"
	"github.com/botmarket/botmarket/internal/fault"
	"github.com/botmarket/botmarket/internal/job"
	"github.com/botmarket/botmarket/internal/metrics"
	"github.com/botmarket/botmarket/internal/store"
	"github.com/botmarket/botmarket/pkg/models"
)

const usedDepositTTL = 24 * time.Hour

// Config is the payment topology: where deposits land, where fees go, and
// the fee rate in basis points.
type Config struct {
	EscrowWallet   string
	PlatformWallet string
	Mint           string
	FeeBasisPoints int64
}

// Split divides an atomic amount into the worker's share and the platform
// fee. Integer division; the remainder stays with the worker.
func Split(amount, feeBasisPoints int64) (worker, fee int64) {
	fee = amount * feeBasisPoints / 10000
	return amount - fee, fee
}

// Coordinator orchestrates deposit verification and settlement. A keyed
// per-job mutex serializes the verify/sign/submit sequence so release and
// refund can never build conflicting transactions from the escrow account
// for the same job.
type Coordinator struct {
	store store.Store
	chain chain.Adapter
	jobs  *job.Service
	cache cache.Cache
	cfg   Config

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewCoordinator creates a Coordinator. cache may be nil; the store's
// unique constraint alone then carries replay protection.
func NewCoordinator(s store.Store, adapter chain.Adapter, jobs *job.Service, c cache.Cache, cfg Config) *Coordinator {
	return &Coordinator{
		store: s,
		chain: adapter,
		jobs:  jobs,
		cache: c,
		cfg:   cfg,
		locks: make(map[string]*sync.Mutex),
	}
}

func (c *Coordinator) jobLock(jobID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[jobID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[jobID] = l
	}
	return l
}

// WorkerAmount returns the share of amount a worker receives after the
// configured fee.
func (c *Coordinator) WorkerAmount(amount int64) int64 {
	if c.cfg.PlatformWallet == "" {
		return amount
	}
	worker, _ := Split(amount, c.cfg.FeeBasisPoints)
	return worker
}

// VerifyDeposit checks that txSig is an unused, confirmed transaction that
// moved at least expectedAtomic units of the configured mint into the
// escrow wallet, then records the held escrow. The requester is advisory:
// the recipient and amount are what qualify a deposit.
func (c *Coordinator) VerifyDeposit(ctx context.Context, jobID, requester string, expectedAtomic int64, txSig string) error {
	l := c.jobLock(jobID)
	l.Lock()
	defer l.Unlock()

	if c.cache != nil {
		if _, used, err := c.cache.Get(ctx, cache.UsedDepositKey(txSig)); err == nil && used {
			return fault.New(fault.PaymentInvalid, "deposit transaction already used")
		}
	}
	if _, err := c.store.GetEscrow(ctx, jobID); err == nil {
		return fault.New(fault.PaymentInvalid, "job already has a deposit")
	} else if !errors.Is(err, store.ErrNotFound) {
		return fault.Wrap(fault.Internal, "failed to check escrow", err)
	}

	tx, err := c.chain.GetConfirmed(ctx, txSig)
	if err != nil {
		metrics.PaymentFailures.WithLabelValues(string(fault.PaymentBackend)).Inc()
		return fault.Wrap(fault.PaymentBackend, "deposit transaction could not be fetched", err)
	}

	delta := tx.OwnerDelta(c.cfg.EscrowWallet, c.cfg.Mint)
	if delta < expectedAtomic {
		metrics.PaymentFailures.WithLabelValues(string(fault.PaymentInvalid)).Inc()
		return fault.New(fault.PaymentInvalid, "deposit does not cover the bounty")
	}
	if sender := tx.Sender(c.cfg.Mint); sender != "" && sender != requester {
		slog.Warn("deposit sender differs from requester",
			"job_id", jobID, "sender", sender, "requester", requester)
	}

	rec := &models.EscrowRecord{
		JobID:           jobID,
		RequesterWallet: requester,
		AmountAtomic:    expectedAtomic,
		DepositTxSig:    txSig,
		Status:          models.EscrowHeld,
		CreatedAt:       time.Now().UTC(),
	}
	if err := c.store.InsertEscrow(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			return fault.New(fault.PaymentInvalid, "deposit transaction already used")
		}
		return fault.Wrap(fault.Internal, "failed to record escrow", err)
	}

	if c.cache != nil {
		if _, err := c.cache.SetNXWithTTL(ctx, cache.UsedDepositKey(txSig), []byte(jobID), usedDepositTTL); err != nil {
			slog.Warn("cache used-deposit marker", "tx_sig", txSig, "error", err)
		}
	}

	metrics.DepositsVerified.Inc()
	return nil
}

// ReleaseToWorker pays out a held escrow: one chain transaction moving the
// worker's share and the platform fee, then the ledger flip and the job's
// terminal transition. A release that confirmed on a previous attempt but
// failed to mark the job paid is completed here without moving funds
// again.
func (c *Coordinator) ReleaseToWorker(ctx context.Context, jobID, workerWallet string) (*models.Job, error) {
	l := c.jobLock(jobID)
	l.Lock()
	defer l.Unlock()

	rec, err := c.store.GetEscrow(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fault.New(fault.NotFound, "no escrow held for this job")
	}
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "failed to load escrow", err)
	}

	switch rec.Status {
	case models.EscrowHeld:
		// fall through to the transfer
	case models.EscrowReleased:
		// Funds already moved; reconcile the job row.
		if rec.SettleTxSig == nil {
			return nil, fault.New(fault.Internal, "escrow released without a settlement transaction")
		}
		return c.jobs.MarkPaid(ctx, jobID, *rec.SettleTxSig)
	default:
		return nil, fault.New(fault.State, "escrow is no longer held")
	}

	workerAmount, platformFee := Split(rec.AmountAtomic, c.cfg.FeeBasisPoints)
	outputs := []chain.TransferOutput{{To: workerWallet, Amount: workerAmount}}
	if platformFee > 0 && c.cfg.PlatformWallet != "" {
		outputs = append(outputs, chain.TransferOutput{To: c.cfg.PlatformWallet, Amount: platformFee})
	} else {
		outputs[0].Amount = rec.AmountAtomic
	}

	txSig, err := c.chain.Transfer(ctx, chain.TransferRequest{
		Mint:                    c.cfg.Mint,
		Outputs:                 outputs,
		CreateRecipientAccounts: true,
	})
	if err != nil {
		metrics.PaymentFailures.WithLabelValues(string(fault.PaymentBackend)).Inc()
		return nil, fault.Wrap(fault.PaymentBackend, "escrow release failed", err)
	}

	now := time.Now().UTC()
	if _, err := c.store.SettleEscrow(ctx, jobID, models.EscrowHeld, models.EscrowReleased, txSig, &workerWallet, now); err != nil {
		// Funds moved but the ledger flip lost a race or failed. Keep
		// going: the job transition below is what callers observe, and
		// the next attempt reconciles via the released branch above.
		slog.Error("settle escrow after release", "job_id", jobID, "tx_sig", txSig, "error", err)
	}

	paid, err := c.jobs.MarkPaid(ctx, jobID, txSig)
	if err != nil {
		return nil, err
	}
	metrics.JobsPaid.WithLabelValues("escrow").Inc()
	return paid, nil
}

// RefundToRequester returns the full held amount to the requester, no fee.
// Already-refunded escrows are a no-op success, which keeps the sweeper's
// retries harmless.
func (c *Coordinator) RefundToRequester(ctx context.Context, jobID string) error {
	l := c.jobLock(jobID)
	l.Lock()
	defer l.Unlock()

	rec, err := c.store.GetEscrow(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fault.Wrap(fault.Internal, "failed to load escrow", err)
	}

	switch rec.Status {
	case models.EscrowHeld:
	case models.EscrowRefunded:
		return nil
	default:
		return fault.New(fault.State, "escrow was already released")
	}

	txSig, err := c.chain.Transfer(ctx, chain.TransferRequest{
		Mint:                    c.cfg.Mint,
		Outputs:                 []chain.TransferOutput{{To: rec.RequesterWallet, Amount: rec.AmountAtomic}},
		CreateRecipientAccounts: true,
	})
	if err != nil {
		metrics.PaymentFailures.WithLabelValues(string(fault.PaymentBackend)).Inc()
		return fault.Wrap(fault.PaymentBackend, "escrow refund failed", err)
	}

	now := time.Now().UTC()
	if _, err := c.store.SettleEscrow(ctx, jobID, models.EscrowHeld, models.EscrowRefunded, txSig, nil, now); err != nil {
		slog.Error("settle escrow after refund", "job_id", jobID, "tx_sig", txSig, "error", err)
		return fault.Wrap(fault.Internal, "refund sent but ledger update failed", err)
	}

	metrics.EscrowRefunds.Inc()
	return nil
}
