// Package facilitator implements the verify/settle boundary the payment guard
// delegates to: a remote x402 facilitator over HTTP, a Redis-backed ledger
// and an always-approve stub.
package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/0gfoundation/0g-paygate/internal/payment"
)

const maxResponseBytes = 1 << 20

// request is the body of POST /verify and POST /settle.
type request struct {
	X402Version         int                    `json:"x402Version"`
	PaymentPayload      *payment.SignedPayment `json:"paymentPayload"`
	PaymentRequirements *payment.Requirements  `json:"paymentRequirements"`
}

type verifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

type settleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	Payer       string `json:"payer,omitempty"`
}

// Remote is an HTTP client for a hosted x402 facilitator.
type Remote struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	retries int
	log     *zap.Logger
}

// NewRemote returns a client for baseURL. timeout bounds each attempt;
// retries is the number of extra attempts after a transport failure or a
// 502/503/504.
func NewRemote(baseURL string, timeout time.Duration, retries int, log *zap.Logger) *Remote {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if retries < 0 {
		retries = 0
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Remote{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		timeout: timeout,
		retries: retries,
		log:     log,
	}
}

func (r *Remote) Verify(ctx context.Context, p *payment.SignedPayment, req *payment.Requirements) (*payment.VerificationResult, error) {
	var out verifyResponse
	if err := r.call(ctx, "/verify", request{X402Version: payment.Version, PaymentPayload: p, PaymentRequirements: req}, &out); err != nil {
		return nil, err
	}
	return &payment.VerificationResult{Valid: out.IsValid, Reason: out.InvalidReason, Payer: out.Payer}, nil
}

// Settle submits p against the requirements it accepted. A retried settle
// cannot double-charge: the authorization nonce is single-use on chain.
func (r *Remote) Settle(ctx context.Context, p *payment.SignedPayment) (*payment.SettlementResult, error) {
	var out settleResponse
	if err := r.call(ctx, "/settle", request{X402Version: payment.Version, PaymentPayload: p, PaymentRequirements: &p.Accepted}, &out); err != nil {
		return nil, err
	}
	return &payment.SettlementResult{
		Success:     out.Success,
		Transaction: out.Transaction,
		Reason:      out.ErrorReason,
		Network:     out.Network,
		Payer:       out.Payer,
	}, nil
}

func (r *Remote) call(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", path, err)
	}

	var lastErr error
	for attempt := 0; attempt <= r.retries; attempt++ {
		if attempt > 0 {
			r.log.Warn("retrying facilitator call",
				zap.String("path", path),
				zap.Int("attempt", attempt+1),
				zap.Error(lastErr),
			)
		}
		retry, err := r.attempt(ctx, path, raw, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry || ctx.Err() != nil {
			break
		}
	}
	return lastErr
}

// attempt performs one POST. retry reports whether the failure is
// transient.
func (r *Remote) attempt(ctx context.Context, path string, raw []byte, out any) (retry bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return false, payment.NewError(payment.KindNetwork, "build facilitator request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return true, payment.TransportError("facilitator "+strings.TrimPrefix(path, "/"), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return true, payment.TransportError("read facilitator response", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusBadRequest && json.Valid(body):
		// Facilitators answer an explicit rejection with 400 and a verdict body.
	case resp.StatusCode == http.StatusBadGateway,
		resp.StatusCode == http.StatusServiceUnavailable,
		resp.StatusCode == http.StatusGatewayTimeout:
		return true, &payment.Error{Kind: payment.KindUnexpectedStatus, Reason: "facilitator " + strings.TrimPrefix(path, "/"), Status: resp.StatusCode}
	default:
		return false, &payment.Error{Kind: payment.KindUnexpectedStatus, Reason: "facilitator " + strings.TrimPrefix(path, "/"), Status: resp.StatusCode}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return false, &payment.Error{Kind: payment.KindUnexpectedStatus, Reason: "decode facilitator response", Status: resp.StatusCode, Cause: err}
	}
	return false, nil
}
