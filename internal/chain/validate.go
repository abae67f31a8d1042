package chain

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// ValidateAddress checks base58 wallet address syntax.
func ValidateAddress(addr string) error {
	if _, err := solana.PublicKeyFromBase58(addr); err != nil {
		return fmt.Errorf("invalid wallet address %q", addr)
	}
	return nil
}

// ValidateSignature checks base58 transaction signature syntax.
func ValidateSignature(sig string) error {
	if _, err := solana.SignatureFromBase58(sig); err != nil {
		return fmt.Errorf("invalid transaction signature %q", sig)
	}
	return nil
}
