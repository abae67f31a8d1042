package models

import "time"

// EscrowStatus is the state of funds held against a job.
type EscrowStatus string

const (
	EscrowHeld     EscrowStatus = "held"
	EscrowReleased EscrowStatus = "released"
	EscrowRefunded EscrowStatus = "refunded"
)

// EscrowRecord tracks a verified on-chain deposit held against a job. At
// most one record exists per job, and each deposit transaction funds at
// most one record. SettleTxSig and SettledAt are written exactly once, on
// the transition out of held (the release to the worker or the refund to
// the requester).
type EscrowRecord struct {
	JobID           string       `db:"job_id"           json:"job_id"`
	RequesterWallet string       `db:"requester_wallet" json:"requester_wallet"`
	WorkerWallet    *string      `db:"worker_wallet"    json:"worker_wallet,omitempty"`
	AmountAtomic    int64        `db:"amount_atomic"    json:"amount_atomic"`
	DepositTxSig    string       `db:"deposit_tx_sig"   json:"deposit_tx_sig"`
	Status          EscrowStatus `db:"status"           json:"status"`
	SettleTxSig     *string      `db:"settle_tx_sig"    json:"settle_tx_sig,omitempty"`
	SettledAt       *time.Time   `db:"settled_at"       json:"settled_at,omitempty"`
	CreatedAt       time.Time    `db:"created_at"       json:"created_at"`
}
