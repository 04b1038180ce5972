// Package guard admits requests to a protected handler only after their
// attached payment has been verified and settled by a Facilitator.
package guard

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-paygate/internal/payment"
)

// Facilitator verifies and settles signed payments. Nonce replay protection
// is the facilitator's job; the guard keeps no replay state.
type Facilitator interface {
	Verify(ctx context.Context, p *payment.SignedPayment, req *payment.Requirements) (*payment.VerificationResult, error)
	Settle(ctx context.Context, p *payment.SignedPayment) (*payment.SettlementResult, error)
}

// Config is the static offer the guard quotes for every request.
type Config struct {
	Network string
	PayTo   string
	// Amount is the price in atomic units of Asset.
	Amount       string
	Asset        string
	AssetName    string
	AssetVersion string
	// MaxTimeout is how long an issued challenge stays acceptable.
	MaxTimeout time.Duration
	// FacilitatorTimeout bounds each verify and settle call.
	FacilitatorTimeout time.Duration
	// SettleFailureStatus is the HTTP status for SETTLEMENT_FAILED:
	// 402 (default) or 400.
	SettleFailureStatus int
}

// Admission describes a settled payment; handlers read it from the
// request context.
type Admission struct {
	Payer       string
	Amount      string
	Network     string
	Transaction string
	Nonce       string
	SettledAt   time.Time
}

// Guard runs the per-request payment state machine.
type Guard struct {
	cfg Config
	fac Facilitator
	log *zap.Logger
	now func() time.Time
}

func New(cfg Config, fac Facilitator, log *zap.Logger) (*Guard, error) {
	if fac == nil {
		return nil, fmt.Errorf("facilitator is required")
	}
	n, err := payment.LookupNetwork(cfg.Network)
	if err != nil {
		return nil, err
	}
	if cfg.Asset == "" {
		cfg.Asset = n.Asset
	}
	if cfg.AssetName == "" {
		cfg.AssetName = n.TokenName
	}
	if cfg.AssetVersion == "" {
		cfg.AssetVersion = n.TokenVersion
	}
	if !common.IsHexAddress(cfg.PayTo) {
		return nil, fmt.Errorf("pay-to %q is not an address", cfg.PayTo)
	}
	if !common.IsHexAddress(cfg.Asset) {
		return nil, fmt.Errorf("asset %q is not an address (no default for network %s)", cfg.Asset, cfg.Network)
	}
	if _, err := payment.ParseAtomic(cfg.Amount); err != nil {
		return nil, fmt.Errorf("price: %w", err)
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = 5 * time.Minute
	}
	if cfg.FacilitatorTimeout <= 0 {
		cfg.FacilitatorTimeout = 30 * time.Second
	}
	switch cfg.SettleFailureStatus {
	case 0:
		cfg.SettleFailureStatus = 402
	case 400, 402:
	default:
		return nil, fmt.Errorf("settle failure status must be 400 or 402, got %d", cfg.SettleFailureStatus)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Guard{cfg: cfg, fac: fac, log: log, now: time.Now}, nil
}

// offer is the configured requirements without challenge freshness fields.
func (g *Guard) offer() payment.Requirements {
	r := payment.Requirements{
		Scheme:            payment.Scheme,
		X402Version:       payment.Version,
		Network:           g.cfg.Network,
		Amount:            g.cfg.Amount,
		PayTo:             g.cfg.PayTo,
		Asset:             g.cfg.Asset,
		MaxTimeoutSeconds: int64(g.cfg.MaxTimeout / time.Second),
	}
	if g.cfg.AssetName != "" || g.cfg.AssetVersion != "" {
		r.Extra = &payment.Extra{Name: g.cfg.AssetName, Version: g.cfg.AssetVersion}
	}
	return r
}

// CreateRequirements issues a fresh challenge: the configured offer plus a
// random challenge nonce and an expiry derived from the clock.
func (g *Guard) CreateRequirements() payment.Requirements {
	r := g.offer()
	r.ExpiresAt = g.now().Add(g.cfg.MaxTimeout).Unix()
	r.Nonce = newChallengeNonce()
	return r
}

func newChallengeNonce() string {
	b := make([]byte, 16)
	// crypto/rand.Read does not fail on supported platforms.
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Verify checks that p answers the current offer, then asks the
// facilitator. A mismatch is an invalid verdict, not an error, and never
// reaches the facilitator.
func (g *Guard) Verify(ctx context.Context, p *payment.SignedPayment) (*payment.VerificationResult, error) {
	offer := g.offer()
	if !offer.Matches(&p.Accepted) {
		return &payment.VerificationResult{Reason: "accepted requirements do not match the current offer"}, nil
	}
	// Every issued challenge carries expiresAt; a proof without one did not
	// come from a challenge.
	if p.Accepted.ExpiresAt == 0 {
		return &payment.VerificationResult{Reason: "payment requirements missing expiry"}, nil
	}
	if g.now().Unix() > p.Accepted.ExpiresAt {
		return &payment.VerificationResult{Reason: "payment requirements expired"}, nil
	}
	auth := &p.Payload.Authorization
	if !strings.EqualFold(auth.To, offer.PayTo) {
		return &payment.VerificationResult{Reason: "authorization payee does not match pay-to"}, nil
	}
	if !sameAmount(auth.Value, offer.Amount) {
		return &payment.VerificationResult{Reason: "authorization value does not match amount"}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.FacilitatorTimeout)
	defer cancel()
	res, err := g.fac.Verify(ctx, p, &offer)
	if err != nil {
		return nil, facilitatorError("verify", err)
	}
	return res, nil
}

// Settle submits p to the facilitator exactly once.
func (g *Guard) Settle(ctx context.Context, p *payment.SignedPayment) (*payment.SettlementResult, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.FacilitatorTimeout)
	defer cancel()
	res, err := g.fac.Settle(ctx, p)
	if err != nil {
		return nil, facilitatorError("settle", err)
	}
	return res, nil
}

// Process drives VERIFYING → VERIFIED → SETTLING → SETTLED for one request.
// Any other terminal state is returned as a *payment.Error.
func (g *Guard) Process(ctx context.Context, p *payment.SignedPayment) (*Admission, error) {
	log := g.log.With(
		zap.String("payer", p.Payload.Authorization.From),
		zap.String("nonce", p.Payload.Authorization.Nonce),
		zap.String("network", p.Accepted.Network),
	)

	vr, err := g.Verify(ctx, p)
	if err != nil {
		log.Warn("payment verify failed", zap.Error(err))
		return nil, err
	}
	if !vr.Valid {
		reason := vr.Reason
		if reason == "" {
			reason = "payment invalid"
		}
		log.Info("payment invalid", zap.String("reason", reason))
		return nil, payment.NewError(payment.KindVerificationFailed, reason, nil)
	}

	// Settlement, once submitted, runs to completion regardless of the
	// caller going away.
	sr, err := g.Settle(context.WithoutCancel(ctx), p)
	if err != nil {
		log.Error("payment settle failed", zap.Error(err))
		return nil, err
	}
	if !sr.Success {
		reason := sr.Reason
		if reason == "" {
			reason = "settlement failed"
		}
		log.Warn("payment settlement rejected", zap.String("reason", reason))
		return nil, payment.NewError(payment.KindSettlementFailed, reason, nil)
	}

	payer := sr.Payer
	if payer == "" {
		payer = vr.Payer
	}
	if payer == "" {
		payer = p.Payload.Authorization.From
	}
	network := sr.Network
	if network == "" {
		network = g.cfg.Network
	}
	log.Info("payment settled", zap.String("tx", sr.Transaction))
	return &Admission{
		Payer:       payer,
		Amount:      p.Payload.Authorization.Value,
		Network:     network,
		Transaction: sr.Transaction,
		Nonce:       p.Payload.Authorization.Nonce,
		SettledAt:   g.now(),
	}, nil
}

func sameAmount(a, b string) bool {
	x, err := payment.ParseAtomic(a)
	if err != nil {
		return false
	}
	y, err := payment.ParseAtomic(b)
	if err != nil {
		return false
	}
	return x.Cmp(y) == 0
}

// facilitatorError keeps typed transport errors and files anything else
// under network failure: the facilitator answered with something unusable.
func facilitatorError(op string, err error) error {
	if payment.KindOf(err) != "" {
		return err
	}
	if payment.IsTimeout(err) {
		return payment.NewError(payment.KindTimeout, "facilitator "+op, err)
	}
	return payment.NewError(payment.KindNetwork, "facilitator "+op, err)
}

// validateProof enforces the proof schema before any facilitator call.
func validateProof(p *payment.SignedPayment) error {
	a := &p.Payload.Authorization
	switch {
	case p.Payload.Signature == "":
		return payment.NewError(payment.KindMalformedPayment, "signature is required", nil)
	case a.From == "" || a.To == "" || a.Value == "" || a.Nonce == "":
		return payment.NewError(payment.KindMalformedPayment, "authorization is incomplete", nil)
	case a.ValidAfter == "" || a.ValidBefore == "":
		return payment.NewError(payment.KindMalformedPayment, "authorization validity window is required", nil)
	case p.Accepted.Network == "" || p.Accepted.Amount == "" || p.Accepted.PayTo == "" || p.Accepted.Asset == "":
		return payment.NewError(payment.KindMalformedPayment, "accepted requirements are required", nil)
	}
	return nil
}

type admissionKey struct{}

// WithAdmission returns ctx carrying a.
func WithAdmission(ctx context.Context, a *Admission) context.Context {
	return context.WithValue(ctx, admissionKey{}, a)
}

// FromContext returns the Admission stored by the guard, if any.
func FromContext(ctx context.Context) (*Admission, bool) {
	a, ok := ctx.Value(admissionKey{}).(*Admission)
	return a, ok && a != nil
}
