package payment

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

const (
	// Scheme is the only payment scheme this module speaks: an exact
	// EIP-3009 transferWithAuthorization for the quoted amount.
	Scheme = "exact"
	// Version is the x402 protocol version advertised in challenges.
	Version = 2
)

// Requirements is the 402 challenge body. Amount is in atomic units of
// Asset; no decimal conversion ever happens past config load.
type Requirements struct {
	Scheme            string `json:"scheme"`
	X402Version       int    `json:"x402Version"`
	Network           string `json:"network"`
	Amount            string `json:"amount"`
	PayTo             string `json:"payTo"`
	Asset             string `json:"asset"`
	MaxTimeoutSeconds int64  `json:"maxTimeoutSeconds,omitempty"`
	ExpiresAt         int64  `json:"expiresAt,omitempty"`
	Nonce             string `json:"nonce,omitempty"`
	Extra             *Extra `json:"extra,omitempty"`
}

// Extra carries the token's EIP-712 domain overrides.
type Extra struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// Authorization mirrors the EIP-3009 TransferWithAuthorization struct.
// Numeric fields are base-10 strings, Nonce is 0x-prefixed bytes32.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// Payload is the scheme-specific proof.
type Payload struct {
	Authorization Authorization `json:"authorization"`
	Signature     string        `json:"signature"`
}

// SignedPayment is what the client attaches to its retried request.
type SignedPayment struct {
	Payload  Payload      `json:"payload"`
	Accepted Requirements `json:"accepted"`
}

// VerificationResult is the facilitator's verdict on a SignedPayment.
type VerificationResult struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
	Payer  string `json:"payer,omitempty"`
}

// SettlementResult is the facilitator's report on a transfer submission.
type SettlementResult struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
}

// PaymentResponse is the receipt returned in the X-PAYMENT-RESPONSE header.
type PaymentResponse struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
}

// Challenge is a 402 body: the requirements inline, plus the reason a
// previous proof was refused, if any.
type Challenge struct {
	Requirements
	Error string `json:"error,omitempty"`
	Code  Kind   `json:"code,omitempty"`
}

// Wire names shared by client and server.
const (
	HeaderAuthenticate    = "WWW-Authenticate"
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
	AuthScheme            = "x402"
)

// Validate checks the fields a client needs before it can sign.
func (r *Requirements) Validate() error {
	switch {
	case r.PayTo == "":
		return NewError(KindMalformedRequirements, "payTo is required", nil)
	case r.Amount == "":
		return NewError(KindMalformedRequirements, "amount is required", nil)
	case r.Asset == "":
		return NewError(KindMalformedRequirements, "asset is required", nil)
	case r.Network == "":
		return NewError(KindMalformedRequirements, "network is required", nil)
	}
	if _, err := ParseAtomic(r.Amount); err != nil {
		return NewError(KindMalformedRequirements, "amount must be atomic units", err)
	}
	if !common.IsHexAddress(r.PayTo) {
		return NewError(KindMalformedRequirements, "payTo is not an address", nil)
	}
	if !common.IsHexAddress(r.Asset) {
		return NewError(KindMalformedRequirements, "asset is not an address", nil)
	}
	return nil
}

// Matches reports whether o describes the same offer as r, including the
// token domain in extra. Challenge freshness fields (nonce, expiry) are not
// compared.
func (r *Requirements) Matches(o *Requirements) bool {
	if r.Scheme != o.Scheme || r.Network != o.Network {
		return false
	}
	if !strings.EqualFold(r.PayTo, o.PayTo) || !strings.EqualFold(r.Asset, o.Asset) {
		return false
	}
	// extra selects the signing domain.
	if (r.Extra == nil) != (o.Extra == nil) || (r.Extra != nil && *r.Extra != *o.Extra) {
		return false
	}
	a, err := ParseAtomic(r.Amount)
	if err != nil {
		return false
	}
	b, err := ParseAtomic(o.Amount)
	if err != nil {
		return false
	}
	return a.Cmp(b) == 0
}

// ParseAtomic parses a non-negative base-10 integer amount.
func ParseAtomic(s string) (*big.Int, error) {
	if s == "" || strings.HasPrefix(s, "+") {
		return nil, errInvalidAtomic(s)
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 {
		return nil, errInvalidAtomic(s)
	}
	return n, nil
}
