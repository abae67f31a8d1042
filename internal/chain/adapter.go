// Package chain abstracts the blockchain behind a small adapter: submit a
// signed transaction, await confirmation, read token balance movements of a
// confirmed transaction, and build signed transfers out of the escrow
// account. Swapping networks should touch only this package.
package chain

import "context"

// TokenBalance is one pre- or post-transaction token account balance,
// reduced to what settlement verification needs.
type TokenBalance struct {
	AccountIndex uint16
	Owner        string
	Mint         string
	Amount       int64
}

// ConfirmedTransaction carries the token balance snapshots of a confirmed
// transaction.
type ConfirmedTransaction struct {
	Slot uint64
	Pre  []TokenBalance
	Post []TokenBalance
}

// OwnerDelta returns the net atomic-unit change across all of owner's
// token accounts for mint.
func (tx *ConfirmedTransaction) OwnerDelta(owner, mint string) int64 {
	var delta int64
	for _, b := range tx.Post {
		if b.Owner == owner && b.Mint == mint {
			delta += b.Amount
		}
	}
	for _, b := range tx.Pre {
		if b.Owner == owner && b.Mint == mint {
			delta -= b.Amount
		}
	}
	return delta
}

// Sender returns the owner whose balance of mint decreased, if exactly one
// such owner exists. Advisory: verification never depends on it.
func (tx *ConfirmedTransaction) Sender(mint string) string {
	owners := map[string]int64{}
	for _, b := range tx.Pre {
		if b.Mint == mint {
			owners[b.Owner] -= b.Amount
		}
	}
	for _, b := range tx.Post {
		if b.Mint == mint {
			owners[b.Owner] += b.Amount
		}
	}
	sender := ""
	for owner, d := range owners {
		if d < 0 {
			if sender != "" {
				return ""
			}
			sender = owner
		}
	}
	return sender
}

// TransferOutput is one recipient of a transfer built from the escrow
// account.
type TransferOutput struct {
	To     string
	Amount int64
}

// TransferRequest describes a single transaction moving tokens out of the
// escrow account to one or more recipients.
type TransferRequest struct {
	Mint    string
	Outputs []TransferOutput
	// CreateRecipientAccounts adds an associated-token-account create
	// instruction for any recipient whose token account is absent.
	CreateRecipientAccounts bool
}

// Adapter is the boundary to the chain. All methods are long-running
// (seconds); callers must not hold state-machine locks across them.
type Adapter interface {
	// SubmitBase64 broadcasts an already-signed, base64-encoded
	// transaction and returns its signature.
	SubmitBase64(ctx context.Context, encoded string) (string, error)
	// Confirm blocks until txSig reaches confirmed commitment or the
	// context deadline passes.
	Confirm(ctx context.Context, txSig string) error
	// GetConfirmed fetches the confirmed transaction's token balance
	// snapshots.
	GetConfirmed(ctx context.Context, txSig string) (*ConfirmedTransaction, error)
	// AssociatedTokenAccount derives the token account address for an
	// owner/mint pair.
	AssociatedTokenAccount(owner, mint string) (string, error)
	// Transfer builds, signs with the escrow key, submits, and confirms a
	// multi-recipient token transfer. Returns the transaction signature.
	Transfer(ctx context.Context, req TransferRequest) (string, error)
}
