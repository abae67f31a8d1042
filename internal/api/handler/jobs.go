// Package handler translates HTTP requests into service calls. Handlers
// validate shape and syntax; lifecycle preconditions live in the job
// service.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/botmarket/botmarket/internal/api/response"
	"github.com/botmarket/botmarket/internal/fault"
	"github.com/botmarket/botmarket/internal/job"
	"github.com/botmarket/botmarket/pkg/models"
)

// JobService is the slice of the job service the handlers depend on.
type JobService interface {
	Create(ctx context.Context, p job.CreateParams) (*models.Job, error)
	Activate(ctx context.Context, id, depositTxSig string) (*models.Job, error)
	Claim(ctx context.Context, id, workerWallet string) (*models.Job, error)
	Complete(ctx context.Context, id, workerWallet, result string) (*models.Job, error)
	Cancel(ctx context.Context, id, requesterWallet string) (*models.Job, error)
	Get(ctx context.Context, id string) (*models.Job, error)
	List(ctx context.Context, status models.JobStatus) ([]*models.Job, error)
}

// EscrowService verifies deposits and drives refunds.
type EscrowService interface {
	VerifyDeposit(ctx context.Context, jobID, requester string, expectedAtomic int64, txSig string) error
	RefundToRequester(ctx context.Context, jobID string) error
}

// Config carries what the handlers advertise to clients.
type Config struct {
	// EscrowWallet is where deposits go; returned in the create response.
	EscrowWallet string
	Mint         string
	// ValidateAddress checks wallet address syntax. Nil skips the check.
	ValidateAddress func(string) error
	// ValidateSignature checks transaction signature syntax. Nil skips.
	ValidateSignature func(string) error
}

// Jobs bundles the job endpoints.
type Jobs struct {
	svc    JobService
	escrow EscrowService
	cfg    Config
}

// NewJobs creates the job handlers. escrow may be nil in demo mode.
func NewJobs(svc JobService, escrow EscrowService, cfg Config) *Jobs {
	return &Jobs{svc: svc, escrow: escrow, cfg: cfg}
}

func (h *Jobs) checkAddress(addr string) error {
	if h.cfg.ValidateAddress == nil || addr == "" {
		return nil
	}
	if err := h.cfg.ValidateAddress(addr); err != nil {
		return fault.New(fault.Validation, err.Error())
	}
	return nil
}

// Create handles POST /jobs.
func (h *Jobs) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title           string   `json:"title"`
		Description     string   `json:"description"`
		BountyUSDC      float64  `json:"bounty_usdc"`
		RequesterWallet string   `json:"requester_wallet"`
		Tags            []string `json:"tags"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Fault(w, fault.New(fault.Validation, "invalid JSON body"))
		return
	}
	if err := h.checkAddress(req.RequesterWallet); err != nil {
		response.Fault(w, err)
		return
	}

	created, err := h.svc.Create(r.Context(), job.CreateParams{
		Title:           req.Title,
		Description:     req.Description,
		Tags:            req.Tags,
		BountyUSDC:      req.BountyUSDC,
		RequesterWallet: req.RequesterWallet,
	})
	if err != nil {
		response.Fault(w, err)
		return
	}

	response.Created(w, map[string]any{
		"job": created,
		"escrow": map[string]any{
			"deposit_to":    h.cfg.EscrowWallet,
			"amount_atomic": created.BountyAtomic,
			"instructions": "Transfer the atomic amount of the asset to the deposit address, " +
				"then POST the transaction signature to /jobs/" + created.ID + "/deposit",
		},
	})
}

// Deposit handles POST /jobs/{id}/deposit: verify the on-chain deposit
// and open the job.
func (h *Jobs) Deposit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		DepositTxSig string `json:"deposit_tx_sig"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DepositTxSig == "" {
		response.Fault(w, fault.New(fault.Validation, "deposit_tx_sig is required"))
		return
	}
	if h.cfg.ValidateSignature != nil {
		if err := h.cfg.ValidateSignature(req.DepositTxSig); err != nil {
			response.Fault(w, fault.New(fault.Validation, err.Error()))
			return
		}
	}

	j, err := h.svc.Get(r.Context(), id)
	if err != nil {
		response.Fault(w, err)
		return
	}
	if j.Status != models.StatusPendingDeposit {
		response.Fault(w, fault.New(fault.State, "job is not awaiting a deposit"))
		return
	}

	if h.escrow == nil {
		response.Fault(w, fault.New(fault.PaymentBackend, "deposits are not available"))
		return
	}
	if err := h.escrow.VerifyDeposit(r.Context(), j.ID, j.RequesterWallet, j.BountyAtomic, req.DepositTxSig); err != nil {
		response.Fault(w, err)
		return
	}

	opened, err := h.svc.Activate(r.Context(), id, req.DepositTxSig)
	if err != nil {
		response.Fault(w, err)
		return
	}
	response.JSON(w, map[string]any{"job": opened})
}

// Activate handles POST /jobs/{id}/activate. Registered only in demo
// mode: it opens the job with no on-chain verification.
func (h *Jobs) Activate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	opened, err := h.svc.Activate(r.Context(), id, "demo_deposit_"+id)
	if err != nil {
		response.Fault(w, err)
		return
	}
	response.JSON(w, map[string]any{"job": opened})
}

// Claim handles POST /jobs/{id}/claim.
func (h *Jobs) Claim(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		WorkerWallet string `json:"worker_wallet"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Fault(w, fault.New(fault.Validation, "invalid JSON body"))
		return
	}
	if err := h.checkAddress(req.WorkerWallet); err != nil {
		response.Fault(w, err)
		return
	}

	claimed, err := h.svc.Claim(r.Context(), id, req.WorkerWallet)
	if err != nil {
		response.Fault(w, err)
		return
	}
	response.JSON(w, map[string]any{"job": claimed})
}

// Complete handles POST /jobs/{id}/complete.
func (h *Jobs) Complete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Result       string `json:"result"`
		WorkerWallet string `json:"worker_wallet"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Fault(w, fault.New(fault.Validation, "invalid JSON body"))
		return
	}

	completed, err := h.svc.Complete(r.Context(), id, req.WorkerWallet, req.Result)
	if err != nil {
		response.Fault(w, err)
		return
	}
	response.JSON(w, map[string]any{"job": completed})
}

// Cancel handles POST /jobs/{id}/cancel. The refund, when escrow is held,
// runs after the terminal transition commits; a refund failure leaves the
// job cancelled and is retried by the sweeper.
func (h *Jobs) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		RequesterWallet string `json:"requester_wallet"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Fault(w, fault.New(fault.Validation, "invalid JSON body"))
		return
	}

	cancelled, err := h.svc.Cancel(r.Context(), id, req.RequesterWallet)
	if err != nil {
		response.Fault(w, err)
		return
	}

	refundPending := false
	if h.escrow != nil {
		if err := h.escrow.RefundToRequester(r.Context(), id); err != nil {
			slog.Warn("refund after cancel", "job_id", id, "error", err)
			refundPending = true
		}
	}
	response.JSON(w, map[string]any{"job": cancelled, "refund_pending": refundPending})
}

// List handles GET /jobs with an optional status filter.
func (h *Jobs) List(w http.ResponseWriter, r *http.Request) {
	status := models.JobStatus(r.URL.Query().Get("status"))
	jobs, err := h.svc.List(r.Context(), status)
	if err != nil {
		response.Fault(w, err)
		return
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}
	response.JSON(w, map[string]any{"jobs": jobs})
}

// ListOpen handles GET /jobs/open.
func (h *Jobs) ListOpen(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.svc.List(r.Context(), models.StatusOpen)
	if err != nil {
		response.Fault(w, err)
		return
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}
	response.JSON(w, map[string]any{"jobs": jobs})
}

// Get handles GET /jobs/{id}.
func (h *Jobs) Get(w http.ResponseWriter, r *http.Request) {
	j, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		response.Fault(w, err)
		return
	}
	response.JSON(w, map[string]any{"job": j})
}
