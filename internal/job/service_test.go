package job

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botmarket/botmarket/internal/events"
	"github.com/botmarket/botmarket/internal/fault"
	"github.com/botmarket/botmarket/internal/store"
	"github.com/botmarket/botmarket/pkg/models"
)

const (
	walletA = "requester-wallet-aaaa"
	walletB = "worker-wallet-bbbb"
	walletC = "worker-wallet-cccc"
)

// capturedBus records published events for assertions.
type capturedBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *capturedBus) Publish(evt events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, evt)
}

func (b *capturedBus) types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.events))
	for i, e := range b.events {
		out[i] = e.Type
	}
	return out
}

func newTestService(t *testing.T) (*Service, *capturedBus) {
	t.Helper()
	bus := &capturedBus{}
	return NewService(store.NewMemoryStore(), bus, 72*time.Hour), bus
}

func createOpenJob(t *testing.T, svc *Service) *models.Job {
	t.Helper()
	ctx := context.Background()
	j, err := svc.Create(ctx, CreateParams{
		Title:           "summarize dataset",
		Description:     "summarize the attached dataset",
		BountyUSDC:      0.1,
		RequesterWallet: walletA,
	})
	require.NoError(t, err)
	require.Equal(t, models.StatusPendingDeposit, j.Status)

	opened, err := svc.Activate(ctx, j.ID, "deposit_sig_1")
	require.NoError(t, err)
	require.Equal(t, models.StatusOpen, opened.Status)
	return opened
}

func TestCreate_ComputesAtomicBounty(t *testing.T) {
	svc, _ := newTestService(t)

	j, err := svc.Create(context.Background(), CreateParams{
		Title:           "t",
		Description:     "d",
		BountyUSDC:      0.1,
		RequesterWallet: walletA,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(100000), j.BountyAtomic)
	assert.Equal(t, 0.1, j.BountyUSDC)
	assert.Regexp(t, `^job_[0-9a-f]{8}$`, j.ID)
	assert.Equal(t, models.StatusPendingDeposit, j.Status)
}

func TestCreate_BountyBoundaries(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	base := CreateParams{Title: "t", Description: "d", RequesterWallet: walletA}

	ok := base
	ok.BountyUSDC = 1000.0
	j, err := svc.Create(ctx, ok)
	require.NoError(t, err)
	assert.Equal(t, int64(1000_000000), j.BountyAtomic)

	over := base
	over.BountyUSDC = 1000.000001
	_, err = svc.Create(ctx, over)
	require.Error(t, err)
	assert.Equal(t, fault.Validation, fault.KindOf(err))

	tiny := base
	tiny.BountyUSDC = 0.000001
	j, err = svc.Create(ctx, tiny)
	require.NoError(t, err)
	assert.Equal(t, int64(1), j.BountyAtomic)

	zero := base
	zero.BountyUSDC = 0
	_, err = svc.Create(ctx, zero)
	assert.Equal(t, fault.Validation, fault.KindOf(err))
}

func TestCreate_LengthLimits(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	longTitle := make([]byte, maxTitleLen+1)
	for i := range longTitle {
		longTitle[i] = 'a'
	}
	_, err := svc.Create(ctx, CreateParams{
		Title: string(longTitle), Description: "d", BountyUSDC: 1, RequesterWallet: walletA,
	})
	assert.Equal(t, fault.Validation, fault.KindOf(err))

	_, err = svc.Create(ctx, CreateParams{
		Title: "t", Description: "", BountyUSDC: 1, RequesterWallet: walletA,
	})
	assert.Equal(t, fault.Validation, fault.KindOf(err))
}

func TestLifecycle_HappyPath(t *testing.T) {
	svc, bus := newTestService(t)
	ctx := context.Background()

	j := createOpenJob(t, svc)

	claimed, err := svc.Claim(ctx, j.ID, walletB)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClaimed, claimed.Status)
	require.NotNil(t, claimed.WorkerWallet)
	assert.Equal(t, walletB, *claimed.WorkerWallet)
	require.NotNil(t, claimed.ClaimedAt)

	completed, err := svc.Complete(ctx, j.ID, walletB, "RESULT")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, completed.Status)
	require.NotNil(t, completed.CompletedAt)

	paid, err := svc.MarkPaid(ctx, j.ID, "payment_sig_1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaid, paid.Status)
	require.NotNil(t, paid.PaymentTxSig)
	assert.Equal(t, "payment_sig_1", *paid.PaymentTxSig)

	// Timestamps are monotone along the lifecycle.
	assert.False(t, paid.CreatedAt.After(*paid.ClaimedAt))
	assert.False(t, paid.ClaimedAt.After(*paid.CompletedAt))
	assert.False(t, paid.CompletedAt.After(*paid.PaidAt))

	assert.Equal(t,
		[]string{events.TypeJobNew, events.TypeJobClaimed, events.TypeJobCompleted, events.TypeJobPaid},
		bus.types())
}

func TestClaim_RequesterCannotClaimOwnJob(t *testing.T) {
	svc, _ := newTestService(t)
	j := createOpenJob(t, svc)

	_, err := svc.Claim(context.Background(), j.ID, walletA)
	assert.Equal(t, fault.Validation, fault.KindOf(err))
}

func TestClaim_RaceHasExactlyOneWinner(t *testing.T) {
	svc, _ := newTestService(t)
	j := createOpenJob(t, svc)

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Claim(context.Background(), j.ID, walletB)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else {
			assert.Equal(t, fault.State, fault.KindOf(err))
		}
	}
	assert.Equal(t, 1, winners)
}

func TestComplete_OnlyBoundWorker(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	j := createOpenJob(t, svc)

	_, err := svc.Claim(ctx, j.ID, walletB)
	require.NoError(t, err)

	_, err = svc.Complete(ctx, j.ID, walletC, "RESULT")
	assert.Equal(t, fault.Authorization, fault.KindOf(err))
}

func TestComplete_ResultLengthBoundary(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	j := createOpenJob(t, svc)
	_, err := svc.Claim(ctx, j.ID, walletB)
	require.NoError(t, err)

	atLimit := make([]byte, maxResultLen)
	for i := range atLimit {
		atLimit[i] = 'x'
	}
	_, err = svc.Complete(ctx, j.ID, walletB, string(atLimit))
	require.NoError(t, err)

	svc2, _ := newTestService(t)
	j2 := createOpenJob(t, svc2)
	_, err = svc2.Claim(ctx, j2.ID, walletB)
	require.NoError(t, err)

	overLimit := string(atLimit) + "x"
	_, err = svc2.Complete(ctx, j2.ID, walletB, overLimit)
	assert.Equal(t, fault.Validation, fault.KindOf(err))
}

func TestMarkPaid_IdempotentOnPaid(t *testing.T) {
	svc, bus := newTestService(t)
	ctx := context.Background()
	j := createOpenJob(t, svc)
	_, err := svc.Claim(ctx, j.ID, walletB)
	require.NoError(t, err)
	_, err = svc.Complete(ctx, j.ID, walletB, "RESULT")
	require.NoError(t, err)

	first, err := svc.MarkPaid(ctx, j.ID, "sig_first")
	require.NoError(t, err)

	second, err := svc.MarkPaid(ctx, j.ID, "sig_second")
	require.NoError(t, err)
	require.NotNil(t, second.PaymentTxSig)
	assert.Equal(t, *first.PaymentTxSig, *second.PaymentTxSig)

	// Exactly one job.paid event.
	paidEvents := 0
	for _, typ := range bus.types() {
		if typ == events.TypeJobPaid {
			paidEvents++
		}
	}
	assert.Equal(t, 1, paidEvents)
}

func TestMarkPaid_RequiresCompleted(t *testing.T) {
	svc, _ := newTestService(t)
	j := createOpenJob(t, svc)

	_, err := svc.MarkPaid(context.Background(), j.ID, "sig")
	assert.Equal(t, fault.State, fault.KindOf(err))
}

func TestCancel_OnlyRequesterAndOnlyUnclaimed(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	j := createOpenJob(t, svc)

	_, err := svc.Cancel(ctx, j.ID, walletB)
	assert.Equal(t, fault.Authorization, fault.KindOf(err))

	_, err = svc.Claim(ctx, j.ID, walletB)
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, j.ID, walletA)
	assert.Equal(t, fault.State, fault.KindOf(err))
}

func TestCancel_PendingDeposit(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	j, err := svc.Create(ctx, CreateParams{
		Title: "t", Description: "d", BountyUSDC: 1, RequesterWallet: walletA,
	})
	require.NoError(t, err)

	cancelled, err := svc.Cancel(ctx, j.ID, walletA)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)
}

func TestExpire_OnlyPastDeadline(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	j := createOpenJob(t, svc)

	_, err := svc.Expire(ctx, j.ID)
	assert.Equal(t, fault.State, fault.KindOf(err))

	svc.now = func() time.Time { return time.Now().UTC().Add(100 * time.Hour) }
	expired, err := svc.Expire(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, expired.Status)
}

func TestInvalidTransitionsRejected(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	j, err := svc.Create(ctx, CreateParams{
		Title: "t", Description: "d", BountyUSDC: 1, RequesterWallet: walletA,
	})
	require.NoError(t, err)

	// PENDING_DEPOSIT cannot be claimed or completed.
	_, err = svc.Claim(ctx, j.ID, walletB)
	assert.Equal(t, fault.State, fault.KindOf(err))

	// Unknown job.
	_, err = svc.Claim(ctx, "job_ffffffff", walletB)
	assert.Equal(t, fault.NotFound, fault.KindOf(err))
}

func TestList_FilterAndOrder(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	createOpenJob(t, svc)
	_, err := svc.Create(ctx, CreateParams{
		Title: "t2", Description: "d2", BountyUSDC: 2, RequesterWallet: walletA,
	})
	require.NoError(t, err)

	open, err := svc.List(ctx, models.StatusOpen)
	require.NoError(t, err)
	require.Len(t, open, 1)

	all, err := svc.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)

	_, err = svc.List(ctx, models.JobStatus("BOGUS"))
	assert.Equal(t, fault.Validation, fault.KindOf(err))
}
