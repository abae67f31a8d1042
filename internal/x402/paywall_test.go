package x402

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botmarket/botmarket/internal/chain"
	"github.com/botmarket/botmarket/internal/chain/chainmock"
	"github.com/botmarket/botmarket/internal/job"
	"github.com/botmarket/botmarket/internal/store"
	"github.com/botmarket/botmarket/pkg/models"
)

const (
	requesterW = "requester-wallet-aaaa"
	workerW    = "worker-wallet-bbbb"
	mint       = "usdc-mint-cccc"
	network    = "devnet"
)

type releaseFn func(ctx context.Context, jobID, workerWallet string) (*models.Job, error)

func (f releaseFn) ReleaseToWorker(ctx context.Context, jobID, workerWallet string) (*models.Job, error) {
	return f(ctx, jobID, workerWallet)
}

type env struct {
	jobs    *job.Service
	adapter *chainmock.Adapter
	router  http.Handler
}

func newEnv(t *testing.T, release Releaser) *env {
	t.Helper()
	s := store.NewMemoryStore()
	jobs := job.NewService(s, nil, 72*time.Hour)
	adapter := &chainmock.Adapter{}

	pw := NewPaywall(jobs, release, adapter, Config{
		Network: network,
		Mint:    mint,
	})

	r := chi.NewRouter()
	r.Get("/api/v1/results/{jobID}", pw.ServeResult)

	return &env{jobs: jobs, adapter: adapter, router: r}
}

func (e *env) completedJob(t *testing.T) *models.Job {
	t.Helper()
	ctx := context.Background()
	j, err := e.jobs.Create(ctx, job.CreateParams{
		Title: "t", Description: "d", BountyUSDC: 0.1, RequesterWallet: requesterW,
	})
	require.NoError(t, err)
	_, err = e.jobs.Activate(ctx, j.ID, "dep_sig")
	require.NoError(t, err)
	_, err = e.jobs.Claim(ctx, j.ID, workerW)
	require.NoError(t, err)
	completed, err := e.jobs.Complete(ctx, j.ID, workerW, "RESULT")
	require.NoError(t, err)
	return completed
}

func (e *env) get(t *testing.T, jobID string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/results/"+jobID, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func paymentHeader(t *testing.T, serialized string) string {
	t.Helper()
	h, err := EncodeHeader(Payment{SerializedTransaction: serialized})
	require.NoError(t, err)
	return h
}

func TestServeResult_ChallengeForCompletedJob(t *testing.T) {
	e := newEnv(t, nil)
	j := e.completedJob(t)

	rec := e.get(t, j.ID, nil)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	header := rec.Header().Get(HeaderPaymentRequired)
	require.NotEmpty(t, header)

	var challenge PaymentRequired
	require.NoError(t, DecodeHeader(header, &challenge))
	require.Len(t, challenge.Accepts, 1)
	accept := challenge.Accepts[0]
	assert.Equal(t, SchemeExact, accept.Scheme)
	assert.Equal(t, network, accept.Network)
	assert.Equal(t, "100000", accept.MaxAmountRequired)
	assert.Equal(t, mint, accept.Asset)
	assert.Equal(t, workerW, accept.PayTo)
	require.NotNil(t, challenge.Breakdown)
	assert.Equal(t, int64(100000), challenge.Breakdown.Total)
	assert.Equal(t, int64(100000), challenge.Breakdown.Worker.Amount)
}

func TestServeResult_PaymentSettles(t *testing.T) {
	e := newEnv(t, nil)
	j := e.completedJob(t)

	e.adapter.SubmitBase64Fn = func(ctx context.Context, encoded string) (string, error) {
		return "paysig_1", nil
	}
	e.adapter.GetConfirmedFn = func(ctx context.Context, txSig string) (*chain.ConfirmedTransaction, error) {
		return &chain.ConfirmedTransaction{
			Pre:  []chain.TokenBalance{{Owner: workerW, Mint: mint, Amount: 0}},
			Post: []chain.TokenBalance{{Owner: workerW, Mint: mint, Amount: 100000}},
		}, nil
	}

	rec := e.get(t, j.ID, map[string]string{
		HeaderPayment: paymentHeader(t, "c2lnbmVkLXR4"),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var env struct {
		Data struct {
			Result  string `json:"result"`
			Payment struct {
				TxSig string `json:"tx_sig"`
			} `json:"payment"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	assert.Equal(t, "RESULT", env.Data.Result)
	assert.Equal(t, "paysig_1", env.Data.Payment.TxSig)

	var receipt PaymentResponse
	require.NoError(t, DecodeHeader(rec.Header().Get(HeaderPaymentResponse), &receipt))
	assert.True(t, receipt.Success)
	assert.Equal(t, "paysig_1", receipt.TxSig)

	current, err := e.jobs.Get(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaid, current.Status)
}

func TestServeResult_InsufficientPaymentReChallenges(t *testing.T) {
	e := newEnv(t, nil)
	j := e.completedJob(t)

	e.adapter.GetConfirmedFn = func(ctx context.Context, txSig string) (*chain.ConfirmedTransaction, error) {
		return &chain.ConfirmedTransaction{
			Post: []chain.TokenBalance{{Owner: workerW, Mint: mint, Amount: 99999}},
		}, nil
	}

	rec := e.get(t, j.ID, map[string]string{
		HeaderPayment: paymentHeader(t, "c2lnbmVkLXR4"),
	})
	// Never 400: the challenge is re-issued so the client can retry.
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(HeaderPaymentRequired))

	current, err := e.jobs.Get(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, current.Status)
}

func TestServeResult_MalformedPaymentHeaderReChallenges(t *testing.T) {
	e := newEnv(t, nil)
	j := e.completedJob(t)

	rec := e.get(t, j.ID, map[string]string{HeaderPayment: "!!not-base64!!"})
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(HeaderPaymentRequired))
}

func TestServeResult_DuplicateSettlementIsIdempotent(t *testing.T) {
	e := newEnv(t, nil)
	j := e.completedJob(t)

	e.adapter.SubmitBase64Fn = func(ctx context.Context, encoded string) (string, error) {
		return "paysig_dup", nil
	}
	e.adapter.GetConfirmedFn = func(ctx context.Context, txSig string) (*chain.ConfirmedTransaction, error) {
		return &chain.ConfirmedTransaction{
			Post: []chain.TokenBalance{{Owner: workerW, Mint: mint, Amount: 100000}},
		}, nil
	}

	headers := map[string]string{HeaderPayment: paymentHeader(t, "c2lnbmVkLXR4")}
	first := e.get(t, j.ID, headers)
	require.Equal(t, http.StatusOK, first.Code)

	second := e.get(t, j.ID, headers)
	require.Equal(t, http.StatusOK, second.Code)

	current, err := e.jobs.Get(context.Background(), j.ID)
	require.NoError(t, err)
	require.NotNil(t, current.PaymentTxSig)
	assert.Equal(t, "paysig_dup", *current.PaymentTxSig)
}

func TestServeResult_SubmitFailureIsBadGateway(t *testing.T) {
	e := newEnv(t, nil)
	j := e.completedJob(t)

	e.adapter.SubmitBase64Fn = func(ctx context.Context, encoded string) (string, error) {
		return "", errors.New("rpc down")
	}

	rec := e.get(t, j.ID, map[string]string{
		HeaderPayment: paymentHeader(t, "c2lnbmVkLXR4"),
	})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestServeResult_EscrowReleasePath(t *testing.T) {
	released := 0
	var e *env
	release := releaseFn(func(ctx context.Context, jobID, workerWallet string) (*models.Job, error) {
		released++
		assert.Equal(t, workerW, workerWallet)
		return e.jobs.MarkPaid(ctx, jobID, "release_sig_1")
	})
	e = newEnv(t, release)
	j := e.completedJob(t)

	rec := e.get(t, j.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, released)

	var env struct {
		Data struct {
			Result  string `json:"result"`
			Payment struct {
				TxSig string `json:"tx_sig"`
			} `json:"payment"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	assert.Equal(t, "RESULT", env.Data.Result)
	assert.Equal(t, "release_sig_1", env.Data.Payment.TxSig)
}

func TestServeResult_PaidJobReturnsCachedResult(t *testing.T) {
	e := newEnv(t, nil)
	j := e.completedJob(t)
	_, err := e.jobs.MarkPaid(context.Background(), j.ID, "sig_done")
	require.NoError(t, err)

	rec := e.get(t, j.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "RESULT")
}

func TestServeResult_StateErrors(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	j, err := e.jobs.Create(ctx, job.CreateParams{
		Title: "t", Description: "d", BountyUSDC: 0.1, RequesterWallet: requesterW,
	})
	require.NoError(t, err)

	rec := e.get(t, j.ID, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	cancelled, err := e.jobs.Cancel(ctx, j.ID, requesterW)
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, cancelled.Status)

	rec = e.get(t, j.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "gone")

	rec = e.get(t, "job_missing0", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
