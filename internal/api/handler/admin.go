package handler

import (
	"context"
	"net/http"

	"github.com/botmarket/botmarket/internal/api/response"
	"github.com/botmarket/botmarket/internal/fault"
	"github.com/botmarket/botmarket/pkg/models"
)

// AdminStore is the read-only slice of the store the admin endpoints use.
type AdminStore interface {
	ListJobs(ctx context.Context, status models.JobStatus) ([]*models.Job, error)
	ListEscrows(ctx context.Context) ([]*models.EscrowRecord, error)
}

// Admin bundles the operator reporting endpoints.
type Admin struct {
	store AdminStore
}

// NewAdmin creates the admin handlers.
func NewAdmin(store AdminStore) *Admin {
	return &Admin{store: store}
}

// Escrows handles GET /admin/escrows.
func (h *Admin) Escrows(w http.ResponseWriter, r *http.Request) {
	recs, err := h.store.ListEscrows(r.Context())
	if err != nil {
		response.Fault(w, fault.Wrap(fault.Internal, "failed to list escrows", err))
		return
	}
	if recs == nil {
		recs = []*models.EscrowRecord{}
	}
	response.JSON(w, map[string]any{"escrows": recs})
}

// Stats handles GET /admin/stats: job counts per status and totals held
// in escrow.
func (h *Admin) Stats(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.store.ListJobs(r.Context(), "")
	if err != nil {
		response.Fault(w, fault.Wrap(fault.Internal, "failed to list jobs", err))
		return
	}
	recs, err := h.store.ListEscrows(r.Context())
	if err != nil {
		response.Fault(w, fault.Wrap(fault.Internal, "failed to list escrows", err))
		return
	}

	byStatus := map[models.JobStatus]int{}
	var bountyAtomicTotal int64
	for _, j := range jobs {
		byStatus[j.Status]++
		bountyAtomicTotal += j.BountyAtomic
	}

	var heldAtomic, releasedAtomic, refundedAtomic int64
	for _, rec := range recs {
		switch rec.Status {
		case models.EscrowHeld:
			heldAtomic += rec.AmountAtomic
		case models.EscrowReleased:
			releasedAtomic += rec.AmountAtomic
		case models.EscrowRefunded:
			refundedAtomic += rec.AmountAtomic
		}
	}

	response.JSON(w, map[string]any{
		"jobs": map[string]any{
			"total":     len(jobs),
			"by_status": byStatus,
		},
		"escrow": map[string]any{
			"held_atomic":     heldAtomic,
			"released_atomic": releasedAtomic,
			"refunded_atomic": refundedAtomic,
		},
		"bounty_atomic_total": bountyAtomicTotal,
	})
}
