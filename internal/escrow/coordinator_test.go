package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botmarket/botmarket/internal/chain"
	"github.com/botmarket/botmarket/internal/chain/chainmock"
	"github.com/botmarket/botmarket/internal/fault"
	"github.com/botmarket/botmarket/internal/job"
	"github.com/botmarket/botmarket/internal/store"
	"github.com/botmarket/botmarket/pkg/models"
)

const (
	escrowWallet   = "escrow-wallet-1111"
	platformWallet = "platform-wallet-2222"
	requesterW     = "requester-wallet-3333"
	workerW        = "worker-wallet-4444"
	mint           = "usdc-mint-5555"
)

type fixture struct {
	store *store.MemoryStore
	chain *chainmock.Adapter
	jobs  *job.Service
	coord *Coordinator
}

func newFixture(t *testing.T, feeBps int64) *fixture {
	t.Helper()
	s := store.NewMemoryStore()
	adapter := &chainmock.Adapter{}
	jobs := job.NewService(s, nil, 72*time.Hour)

	platform := platformWallet
	if feeBps == 0 {
		platform = ""
	}
	coord := NewCoordinator(s, adapter, jobs, nil, Config{
		EscrowWallet:   escrowWallet,
		PlatformWallet: platform,
		Mint:           mint,
		FeeBasisPoints: feeBps,
	})
	return &fixture{store: s, chain: adapter, jobs: jobs, coord: coord}
}

// depositTx scripts the chain to report amount atomic units arriving at
// the escrow wallet.
func (f *fixture) depositTx(amount int64) {
	f.chain.GetConfirmedFn = func(ctx context.Context, txSig string) (*chain.ConfirmedTransaction, error) {
		return &chain.ConfirmedTransaction{
			Pre: []chain.TokenBalance{
				{Owner: escrowWallet, Mint: mint, Amount: 500},
				{Owner: requesterW, Mint: mint, Amount: amount},
			},
			Post: []chain.TokenBalance{
				{Owner: escrowWallet, Mint: mint, Amount: 500 + amount},
				{Owner: requesterW, Mint: mint, Amount: 0},
			},
		}, nil
	}
}

func (f *fixture) newJob(t *testing.T, bounty float64) *models.Job {
	t.Helper()
	j, err := f.jobs.Create(context.Background(), job.CreateParams{
		Title: "t", Description: "d", BountyUSDC: bounty, RequesterWallet: requesterW,
	})
	require.NoError(t, err)
	return j
}

func TestVerifyDeposit_RecordsHeldEscrow(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	j := f.newJob(t, 0.1)
	f.depositTx(100000)

	err := f.coord.VerifyDeposit(ctx, j.ID, requesterW, j.BountyAtomic, "dep_sig_1")
	require.NoError(t, err)

	rec, err := f.store.GetEscrow(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowHeld, rec.Status)
	assert.Equal(t, int64(100000), rec.AmountAtomic)
	assert.Equal(t, "dep_sig_1", rec.DepositTxSig)
}

func TestVerifyDeposit_RejectsReplayAcrossJobs(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	j1 := f.newJob(t, 0.1)
	j2 := f.newJob(t, 0.1)
	f.depositTx(100000)

	require.NoError(t, f.coord.VerifyDeposit(ctx, j1.ID, requesterW, j1.BountyAtomic, "dep_sig_x"))

	err := f.coord.VerifyDeposit(ctx, j2.ID, requesterW, j2.BountyAtomic, "dep_sig_x")
	require.Error(t, err)
	assert.Equal(t, fault.PaymentInvalid, fault.KindOf(err))
	assert.Contains(t, err.Error(), "already used")
}

func TestVerifyDeposit_RejectsSecondDepositForJob(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	j := f.newJob(t, 0.1)
	f.depositTx(100000)

	require.NoError(t, f.coord.VerifyDeposit(ctx, j.ID, requesterW, j.BountyAtomic, "dep_sig_1"))

	err := f.coord.VerifyDeposit(ctx, j.ID, requesterW, j.BountyAtomic, "dep_sig_2")
	assert.Equal(t, fault.PaymentInvalid, fault.KindOf(err))
}

func TestVerifyDeposit_RejectsInsufficientAmount(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	j := f.newJob(t, 0.1)
	f.depositTx(99999)

	err := f.coord.VerifyDeposit(ctx, j.ID, requesterW, j.BountyAtomic, "dep_sig_1")
	assert.Equal(t, fault.PaymentInvalid, fault.KindOf(err))

	_, err = f.store.GetEscrow(ctx, j.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestVerifyDeposit_ChainErrorIsPaymentBackend(t *testing.T) {
	f := newFixture(t, 0)
	j := f.newJob(t, 0.1)
	f.chain.GetConfirmedFn = func(ctx context.Context, txSig string) (*chain.ConfirmedTransaction, error) {
		return nil, errors.New("rpc timeout")
	}

	err := f.coord.VerifyDeposit(context.Background(), j.ID, requesterW, j.BountyAtomic, "dep_sig_1")
	assert.Equal(t, fault.PaymentBackend, fault.KindOf(err))
}

// openClaimedCompleted drives a job with verified deposit to COMPLETED.
func openClaimedCompleted(t *testing.T, f *fixture, bounty float64) *models.Job {
	t.Helper()
	ctx := context.Background()
	j := f.newJob(t, bounty)
	f.depositTx(j.BountyAtomic)
	require.NoError(t, f.coord.VerifyDeposit(ctx, j.ID, requesterW, j.BountyAtomic, "dep_"+j.ID))
	_, err := f.jobs.Activate(ctx, j.ID, "dep_"+j.ID)
	require.NoError(t, err)
	_, err = f.jobs.Claim(ctx, j.ID, workerW)
	require.NoError(t, err)
	completed, err := f.jobs.Complete(ctx, j.ID, workerW, "RESULT")
	require.NoError(t, err)
	return completed
}

func TestRelease_FeeSplitInOneTransaction(t *testing.T) {
	f := newFixture(t, 500) // 5%
	ctx := context.Background()
	j := openClaimedCompleted(t, f, 0.1)

	paid, err := f.coord.ReleaseToWorker(ctx, j.ID, workerW)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaid, paid.Status)

	require.Len(t, f.chain.Transfers, 1)
	req := f.chain.Transfers[0]
	require.Len(t, req.Outputs, 2)
	assert.Equal(t, workerW, req.Outputs[0].To)
	assert.Equal(t, int64(95000), req.Outputs[0].Amount)
	assert.Equal(t, platformWallet, req.Outputs[1].To)
	assert.Equal(t, int64(5000), req.Outputs[1].Amount)

	rec, err := f.store.GetEscrow(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowReleased, rec.Status)
	require.NotNil(t, rec.SettleTxSig)
	require.NotNil(t, paid.PaymentTxSig)
	assert.Equal(t, *rec.SettleTxSig, *paid.PaymentTxSig)
}

func TestRelease_NoFeeSendsFullAmount(t *testing.T) {
	f := newFixture(t, 0)
	j := openClaimedCompleted(t, f, 0.1)

	_, err := f.coord.ReleaseToWorker(context.Background(), j.ID, workerW)
	require.NoError(t, err)

	require.Len(t, f.chain.Transfers, 1)
	req := f.chain.Transfers[0]
	require.Len(t, req.Outputs, 1)
	assert.Equal(t, int64(100000), req.Outputs[0].Amount)
}

func TestRelease_RemainderGoesToWorker(t *testing.T) {
	worker, fee := Split(100001, 500)
	assert.Equal(t, int64(5000), fee)
	assert.Equal(t, int64(95001), worker)
	assert.Equal(t, int64(100001), worker+fee)
}

func TestRelease_ChainFailureLeavesEscrowHeld(t *testing.T) {
	f := newFixture(t, 500)
	ctx := context.Background()
	j := openClaimedCompleted(t, f, 0.1)

	f.chain.TransferFn = func(ctx context.Context, req chain.TransferRequest) (string, error) {
		return "", errors.New("blockhash expired")
	}

	_, err := f.coord.ReleaseToWorker(ctx, j.ID, workerW)
	require.Error(t, err)
	assert.Equal(t, fault.PaymentBackend, fault.KindOf(err))

	rec, err := f.store.GetEscrow(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowHeld, rec.Status)

	current, err := f.jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, current.Status)
}

func TestRelease_AlreadyReleasedReconcilesJob(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	j := openClaimedCompleted(t, f, 0.1)

	_, err := f.coord.ReleaseToWorker(ctx, j.ID, workerW)
	require.NoError(t, err)

	// A second release attempt must not move funds again.
	paid, err := f.coord.ReleaseToWorker(ctx, j.ID, workerW)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaid, paid.Status)
	assert.Len(t, f.chain.Transfers, 1)
}

func TestRefund_FullAmountNoFee(t *testing.T) {
	f := newFixture(t, 500)
	ctx := context.Background()
	j := f.newJob(t, 0.1)
	f.depositTx(j.BountyAtomic)
	require.NoError(t, f.coord.VerifyDeposit(ctx, j.ID, requesterW, j.BountyAtomic, "dep_sig_1"))

	require.NoError(t, f.coord.RefundToRequester(ctx, j.ID))

	require.Len(t, f.chain.Transfers, 1)
	req := f.chain.Transfers[0]
	require.Len(t, req.Outputs, 1)
	assert.Equal(t, requesterW, req.Outputs[0].To)
	assert.Equal(t, int64(100000), req.Outputs[0].Amount)

	rec, err := f.store.GetEscrow(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EscrowRefunded, rec.Status)
}

func TestRefund_IdempotentAndNoEscrowIsNoop(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	j := f.newJob(t, 0.1)
	f.depositTx(j.BountyAtomic)
	require.NoError(t, f.coord.VerifyDeposit(ctx, j.ID, requesterW, j.BountyAtomic, "dep_sig_1"))

	require.NoError(t, f.coord.RefundToRequester(ctx, j.ID))
	require.NoError(t, f.coord.RefundToRequester(ctx, j.ID))
	assert.Len(t, f.chain.Transfers, 1)

	// A job with no escrow refunds as a no-op.
	other := f.newJob(t, 0.2)
	require.NoError(t, f.coord.RefundToRequester(ctx, other.ID))
	assert.Len(t, f.chain.Transfers, 1)
}

func TestRefund_ReleasedEscrowIsStateError(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	j := openClaimedCompleted(t, f, 0.1)

	_, err := f.coord.ReleaseToWorker(ctx, j.ID, workerW)
	require.NoError(t, err)

	err = f.coord.RefundToRequester(ctx, j.ID)
	assert.Equal(t, fault.State, fault.KindOf(err))
}
