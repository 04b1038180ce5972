// Package negotiator is the client half of the 402 flow: it detects a
// payment challenge, signs an authorization for it and retries once with
// the proof attached.
package negotiator

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-paygate/internal/payment"
)

const (
	defaultTTL     = time.Hour
	defaultTimeout = 30 * time.Second
	maxBodyBytes   = 10 << 20

	// clockSkew backdates validAfter so a verifier whose clock runs
	// slightly behind still sees a fresh authorization as valid.
	clockSkew = time.Minute
)

// Response is the final answer from the endpoint.
type Response struct {
	Status int
	Body   []byte
	// Paid is true when the body was released by a payment.
	Paid    bool
	Receipt *payment.PaymentResponse
}

// Options configure a Negotiator. Zero values pick the defaults.
type Options struct {
	Signer     Signer
	HTTPClient *http.Client
	// Timeout bounds each HTTP request when HTTPClient is nil.
	Timeout time.Duration
	// TTL is the length of the authorization validity window.
	TTL    time.Duration
	Logger *zap.Logger
}

// Negotiator performs request → 402 → sign → single retry.
type Negotiator struct {
	signer Signer
	http   *http.Client
	ttl    time.Duration
	log    *zap.Logger
	now    func() time.Time
	rand   io.Reader

	// maxBody caps response bodies; a larger body is an error, never a
	// truncated result.
	maxBody int64
}

func New(opts Options) *Negotiator {
	n := &Negotiator{
		signer: opts.Signer,
		http:   opts.HTTPClient,
		ttl:    opts.TTL,
		log:    opts.Logger,
		now:    time.Now,
		rand:   rand.Reader,

		maxBody: maxBodyBytes,
	}
	if n.http == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		n.http = &http.Client{Timeout: timeout}
	}
	if n.ttl <= 0 {
		n.ttl = defaultTTL
	}
	if n.log == nil {
		n.log = zap.NewNop()
	}
	return n
}

// Negotiate POSTs body to endpoint. body must marshal to a JSON object.
// On a 402 it pays and retries exactly once; every failure is a
// *payment.Error and never a fabricated success.
func (n *Negotiator) Negotiate(ctx context.Context, endpoint string, body any) (*Response, error) {
	fields, err := toObject(body)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal request body: %w", err)
	}

	log := n.log.With(zap.String("endpoint", endpoint))
	log.Info("negotiate: initial request")
	status, header, respBody, err := n.post(ctx, endpoint, raw)
	if err != nil {
		return nil, err
	}
	switch {
	case status >= 200 && status < 300:
		log.Info("negotiate: no payment required", zap.Int("status", status))
		return &Response{Status: status, Body: respBody}, nil
	case status != http.StatusPaymentRequired:
		return nil, &payment.Error{Kind: payment.KindUnexpectedStatus, Reason: "initial request", Status: status}
	}

	req, err := ParseRequirements(respBody)
	if err != nil {
		return nil, err
	}
	log.Info("negotiate: payment required",
		zap.String("network", req.Network),
		zap.String("amount", req.Amount),
		zap.String("pay_to", req.PayTo),
		zap.String("www_authenticate", header.Get(payment.HeaderAuthenticate)),
	)

	signed, err := n.Sign(req)
	if err != nil {
		return nil, err
	}
	fields["payload"] = signed.Payload
	fields["accepted"] = signed.Accepted
	retryRaw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal retry body: %w", err)
	}

	log.Info("negotiate: retrying with payment",
		zap.String("payer", signed.Payload.Authorization.From),
		zap.String("nonce", signed.Payload.Authorization.Nonce),
	)
	status, header, respBody, err = n.post(ctx, endpoint, retryRaw)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, retryError(status, respBody)
	}

	resp := &Response{Status: status, Body: respBody, Paid: true}
	if v := header.Get(payment.HeaderPaymentResponse); v != "" {
		var receipt payment.PaymentResponse
		if err := payment.DecodeHeader(v, &receipt); err != nil {
			log.Warn("negotiate: unreadable payment receipt", zap.Error(err))
		} else {
			resp.Receipt = &receipt
		}
	}
	log.Info("negotiate: paid", zap.Int("status", status))
	return resp, nil
}

// ParseRequirements decodes a 402 body and checks the fields a payment
// needs.
func ParseRequirements(body []byte) (*payment.Requirements, error) {
	var req payment.Requirements
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, payment.NewError(payment.KindMalformedRequirements, "402 body is not JSON requirements", err)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

// Sign builds and signs an authorization answering req. The returned
// payment's Accepted is req, unchanged.
func (n *Negotiator) Sign(req *payment.Requirements) (*payment.SignedPayment, error) {
	if n.signer == nil {
		return nil, payment.NewError(payment.KindSigning, "no signing key configured", nil)
	}
	domain, err := payment.DomainFor(req)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, 32)
	if _, err := io.ReadFull(n.rand, nonce); err != nil {
		return nil, payment.NewError(payment.KindSigning, "generate nonce", err)
	}
	now := n.now()
	auth := payment.Authorization{
		From:        n.signer.Address().Hex(),
		To:          req.PayTo,
		Value:       req.Amount,
		ValidAfter:  strconv.FormatInt(now.Add(-clockSkew).Unix(), 10),
		ValidBefore: strconv.FormatInt(now.Add(n.ttl).Unix(), 10),
		Nonce:       hexutil.Encode(nonce),
	}
	sig, err := n.signer.SignAuthorization(&auth, domain)
	if err != nil {
		return nil, payment.NewError(payment.KindSigning, "sign authorization", err)
	}
	return &payment.SignedPayment{
		Payload:  payment.Payload{Authorization: auth, Signature: sig},
		Accepted: *req,
	}, nil
}

func (n *Negotiator) post(ctx context.Context, endpoint string, raw []byte) (int, http.Header, []byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return 0, nil, nil, payment.NewError(payment.KindNetwork, "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := n.http.Do(httpReq)
	if err != nil {
		return 0, nil, nil, payment.TransportError("POST "+endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, n.maxBody+1))
	if err != nil {
		return 0, nil, nil, payment.TransportError("read response", err)
	}
	if int64(len(body)) > n.maxBody {
		return 0, nil, nil, &payment.Error{
			Kind:   payment.KindUnexpectedStatus,
			Reason: fmt.Sprintf("response body exceeds %d bytes", n.maxBody),
			Status: resp.StatusCode,
		}
	}
	return resp.StatusCode, resp.Header, body, nil
}

// retryError classifies a failed paid retry. A 402 carrying a verdict code
// keeps that kind; anything else is an unexpected status.
func retryError(status int, body []byte) error {
	var msg struct {
		Error string       `json:"error"`
		Code  payment.Kind `json:"code"`
	}
	_ = json.Unmarshal(body, &msg)

	kind := payment.KindUnexpectedStatus
	switch msg.Code {
	case payment.KindVerificationFailed, payment.KindSettlementFailed:
		kind = msg.Code
	}
	reason := msg.Error
	if reason == "" {
		reason = "paid retry rejected"
	}
	return &payment.Error{Kind: kind, Reason: reason, Status: status}
}

// toObject converts body to a mutable JSON object.
func toObject(body any) (map[string]any, error) {
	if body == nil {
		return map[string]any{}, nil
	}
	var raw []byte
	switch b := body.(type) {
	case []byte:
		raw = b
	case json.RawMessage:
		raw = b
	case string:
		raw = []byte(b)
	default:
		var err error
		if raw, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("request body must be a JSON object: %w", err)
	}
	if fields == nil {
		fields = map[string]any{}
	}
	if _, ok := fields["payload"]; ok {
		return nil, errors.New(`request body must not carry a "payload" field`)
	}
	return fields, nil
}
