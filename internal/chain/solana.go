package chain

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/botmarket/botmarket/internal/config"
	"github.com/botmarket/botmarket/internal/metrics"
)

const (
	confirmPollInterval = 2 * time.Second
	usdcDecimals        = 6
)

// SolanaClient implements Adapter against a Solana RPC endpoint. The escrow
// private key is held here and used only to sign Transfer transactions.
type SolanaClient struct {
	rpc       *rpc.Client
	escrowKey solana.PrivateKey
	escrowPub solana.PublicKey
	timeout   time.Duration
}

// NewSolanaClient connects to the configured RPC endpoint and loads the
// escrow signing key.
func NewSolanaClient(chainCfg config.ChainConfig, escrowCfg config.EscrowConfig) (*SolanaClient, error) {
	key, err := solana.PrivateKeyFromBase58(escrowCfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("parse escrow private key: %w", err)
	}

	pub := key.PublicKey()
	if escrowCfg.Wallet != "" && pub.String() != escrowCfg.Wallet {
		return nil, fmt.Errorf("ESCROW_PRIVATE_KEY does not match ESCROW_WALLET %s", escrowCfg.Wallet)
	}

	return &SolanaClient{
		rpc:       rpc.New(chainCfg.RPCURL),
		escrowKey: key,
		escrowPub: pub,
		timeout:   chainCfg.Timeout,
	}, nil
}

func (c *SolanaClient) SubmitBase64(ctx context.Context, encoded string) (string, error) {
	if _, err := base64.StdEncoding.DecodeString(encoded); err != nil {
		return "", fmt.Errorf("decode transaction: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	sig, err := c.rpc.SendEncodedTransaction(ctx, encoded)
	metrics.ObserveChainOp("submit", time.Since(start))
	if err != nil {
		return "", fmt.Errorf("submit transaction: %w", err)
	}
	return sig.String(), nil
}

func (c *SolanaClient) Confirm(ctx context.Context, txSig string) error {
	sig, err := solana.SignatureFromBase58(txSig)
	if err != nil {
		return fmt.Errorf("parse signature: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	defer func() { metrics.ObserveChainOp("confirm", time.Since(start)) }()

	ticker := time.NewTicker(confirmPollInterval)
	defer ticker.Stop()

	for {
		out, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
		if err == nil && len(out.Value) > 0 && out.Value[0] != nil {
			st := out.Value[0]
			if st.Err != nil {
				return fmt.Errorf("transaction %s failed on chain: %v", txSig, st.Err)
			}
			if st.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				st.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("confirm %s: %w", txSig, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *SolanaClient) GetConfirmed(ctx context.Context, txSig string) (*ConfirmedTransaction, error) {
	sig, err := solana.SignatureFromBase58(txSig)
	if err != nil {
		return nil, fmt.Errorf("parse signature: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	maxVersion := uint64(0)
	start := time.Now()
	out, err := c.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     rpc.CommitmentConfirmed,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	metrics.ObserveChainOp("get_transaction", time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", txSig, err)
	}
	if out == nil || out.Meta == nil {
		return nil, fmt.Errorf("transaction %s has no metadata", txSig)
	}
	if out.Meta.Err != nil {
		return nil, fmt.Errorf("transaction %s failed on chain: %v", txSig, out.Meta.Err)
	}

	return &ConfirmedTransaction{
		Slot: out.Slot,
		Pre:  convertBalances(out.Meta.PreTokenBalances),
		Post: convertBalances(out.Meta.PostTokenBalances),
	}, nil
}

func (c *SolanaClient) AssociatedTokenAccount(owner, mint string) (string, error) {
	ownerPub, err := solana.PublicKeyFromBase58(owner)
	if err != nil {
		return "", fmt.Errorf("parse owner address: %w", err)
	}
	mintPub, err := solana.PublicKeyFromBase58(mint)
	if err != nil {
		return "", fmt.Errorf("parse mint address: %w", err)
	}
	ata, _, err := solana.FindAssociatedTokenAddress(ownerPub, mintPub)
	if err != nil {
		return "", fmt.Errorf("derive associated token account: %w", err)
	}
	return ata.String(), nil
}

func (c *SolanaClient) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	mintPub, err := solana.PublicKeyFromBase58(req.Mint)
	if err != nil {
		return "", fmt.Errorf("parse mint address: %w", err)
	}

	sourceATA, _, err := solana.FindAssociatedTokenAddress(c.escrowPub, mintPub)
	if err != nil {
		return "", fmt.Errorf("derive escrow token account: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var instructions []solana.Instruction
	for _, out := range req.Outputs {
		recipient, err := solana.PublicKeyFromBase58(out.To)
		if err != nil {
			return "", fmt.Errorf("parse recipient address %s: %w", out.To, err)
		}
		destATA, _, err := solana.FindAssociatedTokenAddress(recipient, mintPub)
		if err != nil {
			return "", fmt.Errorf("derive recipient token account: %w", err)
		}

		if req.CreateRecipientAccounts {
			exists, err := c.accountExists(ctx, destATA)
			if err != nil {
				return "", err
			}
			if !exists {
				instructions = append(instructions,
					associatedtokenaccount.NewCreateInstruction(c.escrowPub, recipient, mintPub).Build())
			}
		}

		instructions = append(instructions,
			token.NewTransferCheckedInstruction(
				uint64(out.Amount),
				usdcDecimals,
				sourceATA,
				mintPub,
				destATA,
				c.escrowPub,
				nil,
			).Build())
	}

	blockhash, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return "", fmt.Errorf("get latest blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(instructions, blockhash.Value.Blockhash,
		solana.TransactionPayer(c.escrowPub))
	if err != nil {
		return "", fmt.Errorf("build transaction: %w", err)
	}

	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(c.escrowPub) {
			return &c.escrowKey
		}
		return nil
	}); err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}

	start := time.Now()
	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	metrics.ObserveChainOp("submit", time.Since(start))
	if err != nil {
		return "", fmt.Errorf("submit transfer: %w", err)
	}

	if err := c.Confirm(ctx, sig.String()); err != nil {
		return "", err
	}
	return sig.String(), nil
}

func (c *SolanaClient) accountExists(ctx context.Context, addr solana.PublicKey) (bool, error) {
	out, err := c.rpc.GetAccountInfo(ctx, addr)
	if errors.Is(err, rpc.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get account info %s: %w", addr, err)
	}
	return out != nil && out.Value != nil, nil
}

func convertBalances(in []rpc.TokenBalance) []TokenBalance {
	out := make([]TokenBalance, 0, len(in))
	for _, b := range in {
		if b.UiTokenAmount == nil {
			continue
		}
		amount, err := strconv.ParseInt(b.UiTokenAmount.Amount, 10, 64)
		if err != nil {
			continue
		}
		owner := ""
		if b.Owner != nil {
			owner = b.Owner.String()
		}
		out = append(out, TokenBalance{
			AccountIndex: b.AccountIndex,
			Owner:        owner,
			Mint:         b.Mint.String(),
			Amount:       amount,
		})
	}
	return out
}
