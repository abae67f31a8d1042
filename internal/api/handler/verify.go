package handler

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/botmarket/botmarket/internal/api/response"
	"github.com/botmarket/botmarket/internal/fault"
)

const previewLen = 200

// Verify handles GET /jobs/{id}/verify: the requester's pre-payment
// integrity check. Exposes the result's sha256 and a short preview without
// releasing the full text.
func (h *Jobs) Verify(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	j, err := h.svc.Get(r.Context(), id)
	if err != nil {
		response.Fault(w, err)
		return
	}
	if j.Result == nil {
		response.Fault(w, fault.New(fault.State, "job has no result yet"))
		return
	}

	result := *j.Result
	sum := sha256.Sum256([]byte(result))
	preview := result
	if runes := []rune(result); len(runes) > previewLen {
		preview = string(runes[:previewLen])
	}

	response.JSON(w, map[string]any{
		"result_hash":   hex.EncodeToString(sum[:]),
		"result_length": len(result),
		"preview":       preview,
		"payment": map[string]any{
			"bounty_usdc":      j.BountyUSDC,
			"payment_endpoint": "/api/v1/results/" + j.ID,
		},
	})
}

// VerifyHash handles POST /jobs/{id}/verify-hash: the post-payment check
// that the delivered result matches the hash seen before paying.
func (h *Jobs) VerifyHash(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		ExpectedHash string `json:"expected_hash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ExpectedHash == "" {
		response.Fault(w, fault.New(fault.Validation, "expected_hash is required"))
		return
	}

	j, err := h.svc.Get(r.Context(), id)
	if err != nil {
		response.Fault(w, err)
		return
	}
	if j.Result == nil {
		response.Fault(w, fault.New(fault.State, "job has no result yet"))
		return
	}

	sum := sha256.Sum256([]byte(*j.Result))
	actual := hex.EncodeToString(sum[:])
	matches := subtle.ConstantTimeCompare([]byte(actual), []byte(req.ExpectedHash)) == 1

	response.JSON(w, map[string]any{"hash_matches": matches})
}
