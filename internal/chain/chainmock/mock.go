// Package chainmock provides a scripted chain adapter for tests. Each
// method delegates to an optional function field; unset fields succeed:
// SubmitBase64 and Transfer return generated signatures, Confirm returns
// nil, and GetConfirmed returns a transaction with no balances.
package chainmock

import (
	"context"
	"fmt"
	"sync"

	"github.com/botmarket/botmarket/internal/chain"
)

type Adapter struct {
	mu sync.Mutex

	SubmitBase64Fn func(ctx context.Context, encoded string) (string, error)
	ConfirmFn      func(ctx context.Context, txSig string) error
	GetConfirmedFn func(ctx context.Context, txSig string) (*chain.ConfirmedTransaction, error)
	TransferFn     func(ctx context.Context, req chain.TransferRequest) (string, error)

	Transfers []chain.TransferRequest
	Submitted []string
}

var _ chain.Adapter = (*Adapter)(nil)

func (m *Adapter) SubmitBase64(ctx context.Context, encoded string) (string, error) {
	m.mu.Lock()
	m.Submitted = append(m.Submitted, encoded)
	m.mu.Unlock()
	if m.SubmitBase64Fn != nil {
		return m.SubmitBase64Fn(ctx, encoded)
	}
	return fmt.Sprintf("mocksig_%d", len(m.Submitted)), nil
}

func (m *Adapter) Confirm(ctx context.Context, txSig string) error {
	if m.ConfirmFn != nil {
		return m.ConfirmFn(ctx, txSig)
	}
	return nil
}

func (m *Adapter) GetConfirmed(ctx context.Context, txSig string) (*chain.ConfirmedTransaction, error) {
	if m.GetConfirmedFn != nil {
		return m.GetConfirmedFn(ctx, txSig)
	}
	return &chain.ConfirmedTransaction{}, nil
}

func (m *Adapter) AssociatedTokenAccount(owner, mint string) (string, error) {
	return "ata_" + owner[:minInt(8, len(owner))], nil
}

func (m *Adapter) Transfer(ctx context.Context, req chain.TransferRequest) (string, error) {
	m.mu.Lock()
	m.Transfers = append(m.Transfers, req)
	n := len(m.Transfers)
	m.mu.Unlock()
	if m.TransferFn != nil {
		return m.TransferFn(ctx, req)
	}
	return fmt.Sprintf("mockrelease_%d", n), nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
