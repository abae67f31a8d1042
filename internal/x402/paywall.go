package x402

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/botmarket/botmarket/internal/api/response"
	"github.com/botmarket/botmarket/internal/chain"
	"github.com/botmarket/botmarket/internal/escrow"
	"github.com/botmarket/botmarket/internal/fault"
	"github.com/botmarket/botmarket/internal/metrics"
	"github.com/botmarket/botmarket/pkg/models"
)

// JobService is the slice of the job service the paywall depends on.
type JobService interface {
	Get(ctx context.Context, id string) (*models.Job, error)
	MarkPaid(ctx context.Context, id, txSig string) (*models.Job, error)
}

// Releaser settles a COMPLETED job from held escrow. Returns a not_found
// fault when no escrow exists for the job.
type Releaser interface {
	ReleaseToWorker(ctx context.Context, jobID, workerWallet string) (*models.Job, error)
}

// Config names the payment rails advertised in the 402 challenge.
type Config struct {
	Network        string
	Mint           string
	PlatformWallet string
	FeeBasisPoints int64
}

// Paywall serves GET /results/{jobID}: the result body once the job is
// settled, a 402 challenge while payment is outstanding, and inline
// settlement when the client presents a signed transaction.
type Paywall struct {
	jobs    JobService
	release Releaser
	chain   chain.Adapter
	cfg     Config
}

// NewPaywall creates a Paywall. release and adapter may be nil in demo
// mode; the challenge is still issued, the escrow path is skipped when
// release is nil, and a presented payment answers payment_backend when
// adapter is nil.
func NewPaywall(jobs JobService, release Releaser, adapter chain.Adapter, cfg Config) *Paywall {
	return &Paywall{jobs: jobs, release: release, chain: adapter, cfg: cfg}
}

// ServeResult is the handler for the result-retrieval endpoint.
func (p *Paywall) ServeResult(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := p.jobs.Get(r.Context(), jobID)
	if err != nil {
		response.Fault(w, err)
		return
	}

	switch job.Status {
	case models.StatusPendingDeposit, models.StatusOpen:
		response.Fault(w, fault.New(fault.State, "job has no result yet"))
		return
	case models.StatusClaimed:
		response.Fault(w, fault.New(fault.State, "job is still being worked on"))
		return
	case models.StatusCancelled, models.StatusExpired:
		response.Error(w, http.StatusNotFound, "gone", "job was cancelled or expired", nil)
		return
	case models.StatusPaid:
		p.writeResult(w, job)
		return
	}

	// COMPLETED: settle via escrow if one is held, otherwise paywall.
	if p.release != nil && job.WorkerWallet != nil {
		paid, err := p.release.ReleaseToWorker(r.Context(), jobID, *job.WorkerWallet)
		switch {
		case err == nil:
			p.writeResult(w, paid)
			return
		case fault.Is(err, fault.NotFound):
			// no escrow held; fall through to the direct payment path
		default:
			response.Fault(w, err)
			return
		}
	}

	header := r.Header.Get(HeaderPayment)
	if header == "" {
		p.challenge(w, job)
		return
	}
	p.settle(w, r, job, header)
}

func (p *Paywall) requiredAmount(job *models.Job) (int64, *Breakdown) {
	if job.WorkerWallet == nil {
		return job.BountyAtomic, nil
	}
	worker := *job.WorkerWallet
	if p.cfg.PlatformWallet == "" || p.cfg.FeeBasisPoints == 0 {
		return job.BountyAtomic, &Breakdown{
			Total:  job.BountyAtomic,
			Worker: Party{Address: worker, Amount: job.BountyAtomic},
		}
	}
	workerAmount, fee := escrow.Split(job.BountyAtomic, p.cfg.FeeBasisPoints)
	return workerAmount, &Breakdown{
		Total:  job.BountyAtomic,
		Worker: Party{Address: worker, Amount: workerAmount},
		Platform: &Party{
			Address: p.cfg.PlatformWallet,
			Amount:  fee,
			Percent: p.cfg.FeeBasisPoints / 100,
		},
	}
}

// challenge answers 402 with the payment requirements. Re-issued verbatim
// after a failed settlement so clients can always retry.
func (p *Paywall) challenge(w http.ResponseWriter, job *models.Job) {
	payTo := ""
	if job.WorkerWallet != nil {
		payTo = *job.WorkerWallet
	}
	_, breakdown := p.requiredAmount(job)

	header, err := EncodeHeader(PaymentRequired{
		Accepts: []Accept{{
			Scheme:            SchemeExact,
			Network:           p.cfg.Network,
			MaxAmountRequired: strconv.FormatInt(job.BountyAtomic, 10),
			Asset:             p.cfg.Mint,
			PayTo:             payTo,
		}},
		Breakdown: breakdown,
	})
	if err != nil {
		response.Fault(w, fault.Wrap(fault.Internal, "failed to build payment challenge", err))
		return
	}

	w.Header().Set(HeaderPaymentRequired, header)
	response.Error(w, http.StatusPaymentRequired, string(fault.PaymentRequired),
		"payment required to retrieve this result", nil)
}

// settle submits the presented transaction, verifies the worker received
// their share, and marks the job paid. Verification failures re-issue the
// challenge rather than answering 400, preserving the retry semantic.
func (p *Paywall) settle(w http.ResponseWriter, r *http.Request, job *models.Job, header string) {
	if p.chain == nil {
		response.Fault(w, fault.New(fault.PaymentBackend, "direct payment is not available"))
		return
	}

	var payment Payment
	if err := DecodeHeader(header, &payment); err != nil || payment.SerializedTransaction == "" {
		metrics.PaymentFailures.WithLabelValues(string(fault.PaymentInvalid)).Inc()
		p.challenge(w, job)
		return
	}

	txSig, err := p.chain.SubmitBase64(r.Context(), payment.SerializedTransaction)
	if err != nil {
		response.Fault(w, fault.Wrap(fault.PaymentBackend, "payment submission failed", err))
		return
	}
	if err := p.chain.Confirm(r.Context(), txSig); err != nil {
		response.Fault(w, fault.Wrap(fault.PaymentBackend, "payment confirmation failed", err))
		return
	}

	confirmed, err := p.chain.GetConfirmed(r.Context(), txSig)
	if err != nil {
		response.Fault(w, fault.Wrap(fault.PaymentBackend, "payment could not be verified", err))
		return
	}

	required, breakdown := p.requiredAmount(job)
	worker := ""
	if job.WorkerWallet != nil {
		worker = *job.WorkerWallet
	}
	if confirmed.OwnerDelta(worker, p.cfg.Mint) < required {
		metrics.PaymentFailures.WithLabelValues(string(fault.PaymentInvalid)).Inc()
		p.challenge(w, job)
		return
	}

	paid, err := p.jobs.MarkPaid(r.Context(), job.ID, txSig)
	if err != nil {
		response.Fault(w, err)
		return
	}
	metrics.JobsPaid.WithLabelValues("paywall").Inc()

	receipt, err := EncodeHeader(PaymentResponse{TxSig: txSig, Success: true, Breakdown: breakdown})
	if err == nil {
		w.Header().Set(HeaderPaymentResponse, receipt)
	}
	p.writeResult(w, paid)
}

func (p *Paywall) writeResult(w http.ResponseWriter, job *models.Job) {
	result := ""
	if job.Result != nil {
		result = *job.Result
	}
	txSig := ""
	if job.PaymentTxSig != nil {
		txSig = *job.PaymentTxSig
	}
	response.JSON(w, map[string]any{
		"job_id": job.ID,
		"result": result,
		"payment": map[string]any{
			"tx_sig": txSig,
		},
	})
}
