package facilitator

import (
	"context"
	"crypto/rand"
	"encoding/hex"

	"go.uber.org/zap"

	"github.com/0gfoundation/0g-paygate/internal/payment"
)

// Approver accepts every well-formed payment without checking signatures or
// moving funds. It is selected by config for local development only.
type Approver struct {
	log *zap.Logger
}

func NewApprover(log *zap.Logger) *Approver {
	if log == nil {
		log = zap.NewNop()
	}
	log.Warn("facilitator: approve mode, payments are NOT verified or settled")
	return &Approver{log: log}
}

func (a *Approver) Verify(_ context.Context, p *payment.SignedPayment, _ *payment.Requirements) (*payment.VerificationResult, error) {
	return &payment.VerificationResult{Valid: true, Payer: p.Payload.Authorization.From}, nil
}

func (a *Approver) Settle(_ context.Context, p *payment.SignedPayment) (*payment.SettlementResult, error) {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	tx := "0x" + hex.EncodeToString(b)
	a.log.Debug("facilitator: approved without settlement",
		zap.String("payer", p.Payload.Authorization.From),
		zap.String("tx", tx),
	)
	return &payment.SettlementResult{
		Success:     true,
		Transaction: tx,
		Network:     p.Accepted.Network,
		Payer:       p.Payload.Authorization.From,
	}, nil
}
