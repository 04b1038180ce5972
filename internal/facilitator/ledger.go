package facilitator

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-paygate/internal/payment"
)

const (
	// NonceKeyFmt marks an authorization nonce as consumed.
	NonceKeyFmt = "x402:nonce:%s:%s" // %s = payer (lowercase), nonce (lowercase hex)
	// SettlementQueueKey holds queued Settlement records for the submitter.
	SettlementQueueKey = "x402:settlement:queue"

	// minNonceTTL keeps a claim alive even for windows that already closed.
	minNonceTTL = time.Hour
)

// Settlement is a verified authorization waiting to be submitted on chain.
type Settlement struct {
	Network       string                `json:"network"`
	Asset         string                `json:"asset"`
	Payer         string                `json:"payer"`
	Authorization payment.Authorization `json:"authorization"`
	Signature     string                `json:"signature"`
	Digest        string                `json:"digest"`
	QueuedAt      int64                 `json:"queued_at"`
}

// Ledger is a self-hosted facilitator. It verifies signatures offline,
// claims each authorization nonce once in Redis and queues the signed
// payment for an out-of-band submitter.
type Ledger struct {
	rdb *redis.Client
	log *zap.Logger
	now func() time.Time
}

func NewLedger(rdb *redis.Client, log *zap.Logger) *Ledger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{rdb: rdb, log: log, now: time.Now}
}

func nonceKey(a *payment.Authorization) string {
	return fmt.Sprintf(NonceKeyFmt, strings.ToLower(a.From), strings.ToLower(a.Nonce))
}

func invalid(reason string) *payment.VerificationResult {
	return &payment.VerificationResult{Reason: reason}
}

// Verify checks p against req without touching chain state: the recovered
// signer, payee, value, validity window and nonce freshness.
func (l *Ledger) Verify(ctx context.Context, p *payment.SignedPayment, req *payment.Requirements) (*payment.VerificationResult, error) {
	res, _, err := l.check(p, req)
	if err != nil || !res.Valid {
		return res, err
	}

	used, err := l.rdb.Exists(ctx, nonceKey(&p.Payload.Authorization)).Result()
	if err != nil {
		return nil, payment.TransportError("ledger nonce lookup", err)
	}
	if used > 0 {
		return invalid("nonce already used"), nil
	}
	return res, nil
}

// check validates p against req and returns the signed digest.
func (l *Ledger) check(p *payment.SignedPayment, req *payment.Requirements) (*payment.VerificationResult, [32]byte, error) {
	var digest [32]byte
	a := &p.Payload.Authorization

	domain, err := payment.DomainFor(req)
	if err != nil {
		return nil, digest, err
	}
	digest, err = a.Digest(domain)
	if err != nil {
		return invalid("malformed authorization: " + err.Error()), digest, nil
	}
	signer, err := payment.RecoverAuthorizer(a, domain, p.Payload.Signature)
	if err != nil {
		return invalid("invalid signature"), digest, nil
	}
	if !strings.EqualFold(signer.Hex(), a.From) {
		return invalid("signature does not match authorizer"), digest, nil
	}
	if !strings.EqualFold(a.To, req.PayTo) {
		return invalid("authorization payee does not match pay-to"), digest, nil
	}
	value, _ := payment.ParseAtomic(a.Value)
	price, err := payment.ParseAtomic(req.Amount)
	if err != nil {
		return nil, digest, payment.NewError(payment.KindMalformedRequirements, "amount", err)
	}
	if value.Cmp(price) != 0 {
		return invalid("authorization value does not match amount"), digest, nil
	}

	now := big.NewInt(l.now().Unix())
	after, _ := payment.ParseAtomic(a.ValidAfter)
	before, _ := payment.ParseAtomic(a.ValidBefore)
	if now.Cmp(after) < 0 {
		return invalid("authorization not yet valid"), digest, nil
	}
	if now.Cmp(before) >= 0 {
		return invalid("authorization expired"), digest, nil
	}
	return &payment.VerificationResult{Valid: true, Payer: signer.Hex()}, digest, nil
}

// Settle re-checks p against the requirements it accepted, claims the
// nonce with SETNX and queues the settlement. The transaction reference is
// the EIP-712 digest.
func (l *Ledger) Settle(ctx context.Context, p *payment.SignedPayment) (*payment.SettlementResult, error) {
	res, digest, err := l.check(p, &p.Accepted)
	if err != nil {
		return nil, err
	}
	if !res.Valid {
		return &payment.SettlementResult{Reason: res.Reason, Network: p.Accepted.Network}, nil
	}

	a := &p.Payload.Authorization
	key := nonceKey(a)
	claimed, err := l.rdb.SetNX(ctx, key, hexutil.Encode(digest[:]), l.nonceTTL(a)).Result()
	if err != nil {
		return nil, payment.TransportError("ledger nonce claim", err)
	}
	if !claimed {
		l.log.Warn("ledger: nonce replay", zap.String("payer", a.From), zap.String("nonce", a.Nonce))
		return &payment.SettlementResult{Reason: "nonce already used", Network: p.Accepted.Network, Payer: res.Payer}, nil
	}

	tx := hexutil.Encode(digest[:])
	raw, err := json.Marshal(Settlement{
		Network:       p.Accepted.Network,
		Asset:         p.Accepted.Asset,
		Payer:         res.Payer,
		Authorization: *a,
		Signature:     p.Payload.Signature,
		Digest:        tx,
		QueuedAt:      l.now().Unix(),
	})
	if err != nil {
		l.rdb.Del(ctx, key)
		return nil, fmt.Errorf("marshal settlement: %w", err)
	}
	if err := l.rdb.RPush(ctx, SettlementQueueKey, raw).Err(); err != nil {
		// Release the claim so the payer can retry the same authorization.
		l.rdb.Del(ctx, key)
		return nil, payment.TransportError("ledger enqueue", err)
	}

	l.log.Info("ledger: settlement queued",
		zap.String("payer", res.Payer),
		zap.String("nonce", a.Nonce),
		zap.String("tx", tx),
	)
	return &payment.SettlementResult{Success: true, Transaction: tx, Network: p.Accepted.Network, Payer: res.Payer}, nil
}

// nonceTTL keeps the claim until the authorization can no longer be used.
func (l *Ledger) nonceTTL(a *payment.Authorization) time.Duration {
	before, err := payment.ParseAtomic(a.ValidBefore)
	if err != nil || !before.IsInt64() {
		return minNonceTTL
	}
	ttl := time.Unix(before.Int64(), 0).Sub(l.now())
	if ttl < minNonceTTL {
		return minNonceTTL
	}
	return ttl
}

// QueueDepth returns the number of settlements awaiting submission.
func (l *Ledger) QueueDepth(ctx context.Context) (int64, error) {
	return l.rdb.LLen(ctx, SettlementQueueKey).Result()
}

// Pending returns up to n queued settlements without removing them.
func (l *Ledger) Pending(ctx context.Context, n int64) ([]Settlement, error) {
	if n <= 0 {
		return nil, nil
	}
	raws, err := l.rdb.LRange(ctx, SettlementQueueKey, 0, n-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Settlement, 0, len(raws))
	for _, raw := range raws {
		var s Settlement
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			l.log.Error("ledger: unmarshal settlement", zap.String("raw", raw), zap.Error(err))
			continue
		}
		out = append(out, s)
	}
	return out, nil
}
