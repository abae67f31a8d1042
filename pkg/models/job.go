package models

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math"
	"time"
)

// JobStatus is the lifecycle state of a job. Transitions are enforced by the
// job service; rows never move backwards.
type JobStatus string

const (
	StatusPendingDeposit JobStatus = "PENDING_DEPOSIT"
	StatusOpen           JobStatus = "OPEN"
	StatusClaimed        JobStatus = "CLAIMED"
	StatusCompleted      JobStatus = "COMPLETED"
	StatusPaid           JobStatus = "PAID"
	StatusCancelled      JobStatus = "CANCELLED"
	StatusExpired        JobStatus = "EXPIRED"
)

// ValidStatus reports whether s is one of the known lifecycle states.
func ValidStatus(s JobStatus) bool {
	switch s {
	case StatusPendingDeposit, StatusOpen, StatusClaimed, StatusCompleted,
		StatusPaid, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Terminal reports whether s is a sink state.
func Terminal(s JobStatus) bool {
	return s == StatusPaid || s == StatusCancelled || s == StatusExpired
}

// AtomicPerUSDC is the token's native precision: 10^6 atomic units per
// display unit.
const AtomicPerUSDC = 1_000_000

// Job is the central entity of the marketplace. BountyAtomic is the
// authoritative amount for all payment math; BountyUSDC exists for display
// and is never used in arithmetic after creation.
type Job struct {
	ID              string     `db:"id"               json:"id"`
	Title           string     `db:"title"            json:"title"`
	Description     string     `db:"description"      json:"description"`
	Tags            []string   `db:"tags"             json:"tags,omitempty"`
	BountyUSDC      float64    `db:"bounty_usdc"      json:"bounty_usdc"`
	BountyAtomic    int64      `db:"bounty_atomic"    json:"bounty_atomic"`
	RequesterWallet string     `db:"requester_wallet" json:"requester_wallet"`
	WorkerWallet    *string    `db:"worker_wallet"    json:"worker_wallet,omitempty"`
	Status          JobStatus  `db:"status"           json:"status"`
	Result          *string    `db:"result"           json:"-"`
	DepositTxSig    *string    `db:"deposit_tx_sig"   json:"deposit_tx_sig,omitempty"`
	PaymentTxSig    *string    `db:"payment_tx_sig"   json:"payment_tx_sig,omitempty"`
	CreatedAt       time.Time  `db:"created_at"       json:"created_at"`
	ClaimedAt       *time.Time `db:"claimed_at"       json:"claimed_at,omitempty"`
	CompletedAt     *time.Time `db:"completed_at"     json:"completed_at,omitempty"`
	PaidAt          *time.Time `db:"paid_at"          json:"paid_at,omitempty"`
	ExpiresAt       time.Time  `db:"expires_at"       json:"expires_at"`
}

// NewJobID returns an id of the form job_ + 8 hex chars.
func NewJobID() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("read random bytes: %v", err))
	}
	return "job_" + hex.EncodeToString(b[:])
}

// ToAtomic converts a display-unit bounty to atomic units, rounding to the
// nearest atom.
func ToAtomic(usdc float64) int64 {
	return int64(math.Round(usdc * AtomicPerUSDC))
}
