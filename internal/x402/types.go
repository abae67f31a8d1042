// Package x402 implements the HTTP 402 payment pattern for result
// retrieval: the server answers with a machine-readable challenge in
// X-Payment-Required, and the client retries with a signed transaction in
// X-Payment.
package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

const (
	HeaderPaymentRequired = "X-Payment-Required"
	HeaderPayment         = "X-Payment"
	HeaderPaymentResponse = "X-Payment-Response"

	// SchemeExact means the payment must transfer at least the exact
	// amount to the named recipient.
	SchemeExact = "exact"
)

// Accept is one way the server will accept payment.
type Accept struct {
	Scheme            string `json:"scheme"`
	Network           string `json:"network"`
	MaxAmountRequired string `json:"maxAmountRequired"`
	Asset             string `json:"asset"`
	PayTo             string `json:"payTo"`
}

// Party is one recipient in a payment breakdown.
type Party struct {
	Address string `json:"address"`
	Amount  int64  `json:"amount"`
	Percent int64  `json:"percent,omitempty"`
}

// Breakdown describes how the total splits between worker and platform.
type Breakdown struct {
	Total    int64  `json:"total"`
	Worker   Party  `json:"worker"`
	Platform *Party `json:"platform,omitempty"`
}

// PaymentRequired is the challenge payload carried by X-Payment-Required.
type PaymentRequired struct {
	Accepts   []Accept   `json:"accepts"`
	Breakdown *Breakdown `json:"breakdown,omitempty"`
}

// Payment is the client's payload carried by X-Payment.
type Payment struct {
	// SerializedTransaction is the base64 bytes of a fully signed chain
	// transaction.
	SerializedTransaction string `json:"serializedTransaction"`
}

// PaymentResponse is the settlement receipt carried by X-Payment-Response.
type PaymentResponse struct {
	TxSig     string     `json:"txSig"`
	Success   bool       `json:"success"`
	Breakdown *Breakdown `json:"breakdown,omitempty"`
}

// EncodeHeader marshals v to base64(JSON) for a payment header.
func EncodeHeader(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal payment header: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeHeader unmarshals a base64(JSON) payment header into v.
func DecodeHeader(header string, v any) error {
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return fmt.Errorf("decode payment header: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("unmarshal payment header: %w", err)
	}
	return nil
}
