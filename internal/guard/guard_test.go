package guard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-paygate/internal/payment"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	testPayTo   = "0x2222222222222222222222222222222222222222"
	testPayer   = "0x1111111111111111111111111111111111111111"
	testNetwork = "base-sepolia"
	testAmount  = "100000"
)

var testNow = time.Unix(1_750_000_000, 0)

// ── helpers ───────────────────────────────────────────────────────────────────

// mockFacilitator answers with VerifyFunc/SettleFunc and counts calls.
type mockFacilitator struct {
	VerifyFunc  func(ctx context.Context, p *payment.SignedPayment, req *payment.Requirements) (*payment.VerificationResult, error)
	SettleFunc  func(ctx context.Context, p *payment.SignedPayment) (*payment.SettlementResult, error)
	verifyCalls atomic.Int32
	settleCalls atomic.Int32
}

func (m *mockFacilitator) Verify(ctx context.Context, p *payment.SignedPayment, req *payment.Requirements) (*payment.VerificationResult, error) {
	m.verifyCalls.Add(1)
	if m.VerifyFunc != nil {
		return m.VerifyFunc(ctx, p, req)
	}
	return &payment.VerificationResult{Valid: true, Payer: p.Payload.Authorization.From}, nil
}

func (m *mockFacilitator) Settle(ctx context.Context, p *payment.SignedPayment) (*payment.SettlementResult, error) {
	m.settleCalls.Add(1)
	if m.SettleFunc != nil {
		return m.SettleFunc(ctx, p)
	}
	return &payment.SettlementResult{Success: true, Transaction: "0xfeed", Network: testNetwork, Payer: p.Payload.Authorization.From}, nil
}

func newTestGuard(t *testing.T, fac Facilitator, mutate ...func(*Config)) *Guard {
	t.Helper()
	cfg := Config{Network: testNetwork, PayTo: testPayTo, Amount: testAmount}
	for _, m := range mutate {
		m(&cfg)
	}
	g, err := New(cfg, fac, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	g.now = func() time.Time { return testNow }
	return g
}

// testProof answers a fresh challenge from g. The signature is opaque to the
// guard; the mock facilitator decides validity.
func testProof(g *Guard) *payment.SignedPayment {
	req := g.CreateRequirements()
	return &payment.SignedPayment{
		Payload: payment.Payload{
			Authorization: payment.Authorization{
				From:        testPayer,
				To:          req.PayTo,
				Value:       req.Amount,
				ValidAfter:  "0",
				ValidBefore: "99999999999",
				Nonce:       "0x" + strings.Repeat("ab", 32),
			},
			Signature: "0x" + strings.Repeat("11", 65),
		},
		Accepted: req,
	}
}

// proofBody merges the proof into a handler body.
func proofBody(t *testing.T, p *payment.SignedPayment, extra map[string]any) []byte {
	t.Helper()
	body := map[string]any{}
	for k, v := range extra {
		body[k] = v
	}
	if p != nil {
		body["payload"] = p.Payload
		body["accepted"] = p.Accepted
	}
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

type testRouter struct {
	*gin.Engine
	handled atomic.Int32
}

func newTestRouter(g *Guard) *testRouter {
	tr := &testRouter{Engine: gin.New()}
	tr.POST("/process", g.Middleware(), func(c *gin.Context) {
		tr.handled.Add(1)
		var req struct {
			Prompt string `json:"prompt" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		adm, ok := FromContext(c.Request.Context())
		if !ok {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "no admission"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"prompt": req.Prompt, "payer": adm.Payer, "tx": adm.Transaction})
	})
	return tr
}

func (tr *testRouter) post(body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/process", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	tr.ServeHTTP(w, req)
	return w
}

func decodeChallenge(t *testing.T, w *httptest.ResponseRecorder) payment.Challenge {
	t.Helper()
	var ch payment.Challenge
	if err := json.Unmarshal(w.Body.Bytes(), &ch); err != nil {
		t.Fatalf("decode challenge: %v (body %s)", err, w.Body.String())
	}
	return ch
}

// ── Challenge ─────────────────────────────────────────────────────────────────

func TestMiddleware_NoProofChallenges(t *testing.T) {
	fac := &mockFacilitator{}
	g := newTestGuard(t, fac)
	tr := newTestRouter(g)

	w := tr.post([]byte(`{"prompt":"hello"}`))
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d: %s", w.Code, w.Body.String())
	}
	ch := decodeChallenge(t, w)
	if ch.Amount != testAmount || !strings.EqualFold(ch.PayTo, testPayTo) || ch.Network != testNetwork {
		t.Errorf("unexpected requirements: %+v", ch.Requirements)
	}
	if ch.Asset == "" || ch.Scheme != payment.Scheme || ch.X402Version != payment.Version {
		t.Errorf("incomplete requirements: %+v", ch.Requirements)
	}
	if ch.ExpiresAt != testNow.Add(5*time.Minute).Unix() || ch.Nonce == "" {
		t.Errorf("challenge freshness: expiresAt=%d nonce=%q", ch.ExpiresAt, ch.Nonce)
	}
	if got := w.Header().Get(payment.HeaderAuthenticate); got != `x402 version="2" network="base-sepolia"` {
		t.Errorf("WWW-Authenticate: got %q", got)
	}
	if tr.handled.Load() != 0 || fac.verifyCalls.Load() != 0 {
		t.Error("no-proof request must not reach the handler or facilitator")
	}
}

func TestMiddleware_EmptyBodyChallenges(t *testing.T) {
	tr := newTestRouter(newTestGuard(t, &mockFacilitator{}))
	if w := tr.post(nil); w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", w.Code)
	}
}

func TestCreateRequirements_FreshNonce(t *testing.T) {
	g := newTestGuard(t, &mockFacilitator{})
	a, b := g.CreateRequirements(), g.CreateRequirements()
	if a.Nonce == b.Nonce {
		t.Error("each challenge should carry a distinct nonce")
	}
	if a.Extra == nil || a.Extra.Name != "USDC" || a.Extra.Version != "2" {
		t.Errorf("token domain defaults: %+v", a.Extra)
	}
}

// ── Admit ─────────────────────────────────────────────────────────────────────

func TestMiddleware_ValidProofAdmits(t *testing.T) {
	fac := &mockFacilitator{}
	g := newTestGuard(t, fac)
	tr := newTestRouter(g)

	w := tr.post(proofBody(t, testProof(g), map[string]any{"prompt": "summarize"}))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["prompt"] != "summarize" || resp["payer"] != testPayer || resp["tx"] != "0xfeed" {
		t.Errorf("handler response: %v", resp)
	}

	var receipt payment.PaymentResponse
	if err := payment.DecodeHeader(w.Header().Get(payment.HeaderPaymentResponse), &receipt); err != nil {
		t.Fatalf("decode receipt: %v", err)
	}
	if !receipt.Success || receipt.Transaction != "0xfeed" || receipt.Payer != testPayer {
		t.Errorf("receipt: %+v", receipt)
	}
	if fac.verifyCalls.Load() != 1 || fac.settleCalls.Load() != 1 {
		t.Errorf("verify=%d settle=%d, want 1/1", fac.verifyCalls.Load(), fac.settleCalls.Load())
	}
}

func TestVerify_PassesOfferToFacilitator(t *testing.T) {
	var got *payment.Requirements
	fac := &mockFacilitator{
		VerifyFunc: func(_ context.Context, p *payment.SignedPayment, req *payment.Requirements) (*payment.VerificationResult, error) {
			got = req
			return &payment.VerificationResult{Valid: true}, nil
		},
	}
	g := newTestGuard(t, fac)
	if _, err := g.Verify(context.Background(), testProof(g)); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got == nil || got.Amount != testAmount || got.Nonce != "" {
		t.Errorf("facilitator should see the configured offer, got %+v", got)
	}
}

// ── Invalid proofs ────────────────────────────────────────────────────────────

func TestMiddleware_TamperedAmountRechallenges(t *testing.T) {
	fac := &mockFacilitator{}
	g := newTestGuard(t, fac)
	tr := newTestRouter(g)

	p := testProof(g)
	p.Accepted.Amount = "1"
	p.Payload.Authorization.Value = "1"

	w := tr.post(proofBody(t, p, map[string]any{"prompt": "x"}))
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", w.Code)
	}
	ch := decodeChallenge(t, w)
	if ch.Code != payment.KindVerificationFailed || ch.Error == "" {
		t.Errorf("expected verification_failed with reason, got %+v", ch)
	}
	if ch.Amount != testAmount {
		t.Errorf("fresh challenge should quote the configured amount, got %s", ch.Amount)
	}
	if fac.verifyCalls.Load() != 0 || fac.settleCalls.Load() != 0 || tr.handled.Load() != 0 {
		t.Error("tampered offer must be rejected before the facilitator and handler")
	}
}

func TestMiddleware_ValueBelowPriceRechallenges(t *testing.T) {
	fac := &mockFacilitator{}
	g := newTestGuard(t, fac)
	p := testProof(g)
	p.Payload.Authorization.Value = "99999"

	w := newTestRouter(g).post(proofBody(t, p, nil))
	if w.Code != http.StatusPaymentRequired || fac.verifyCalls.Load() != 0 {
		t.Fatalf("expected local rejection, got %d (verify calls %d)", w.Code, fac.verifyCalls.Load())
	}
}

func TestMiddleware_WrongPayeeRechallenges(t *testing.T) {
	fac := &mockFacilitator{}
	g := newTestGuard(t, fac)
	p := testProof(g)
	p.Payload.Authorization.To = "0x3333333333333333333333333333333333333333"

	if w := newTestRouter(g).post(proofBody(t, p, nil)); w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", w.Code)
	}
}

func TestMiddleware_ExpiredRequirements(t *testing.T) {
	fac := &mockFacilitator{}
	g := newTestGuard(t, fac)
	p := testProof(g)
	g.now = func() time.Time { return testNow.Add(6 * time.Minute) }

	w := newTestRouter(g).post(proofBody(t, p, nil))
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", w.Code)
	}
	if ch := decodeChallenge(t, w); !strings.Contains(ch.Error, "expired") {
		t.Errorf("reason: %q", ch.Error)
	}
	if fac.verifyCalls.Load() != 0 {
		t.Error("expired challenge must not reach the facilitator")
	}
}

func TestMiddleware_MissingExpiryRechallenges(t *testing.T) {
	fac := &mockFacilitator{}
	g := newTestGuard(t, fac)
	p := testProof(g)
	p.Accepted.ExpiresAt = 0

	w := newTestRouter(g).post(proofBody(t, p, nil))
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", w.Code)
	}
	if ch := decodeChallenge(t, w); !strings.Contains(ch.Error, "expiry") {
		t.Errorf("reason: %q", ch.Error)
	}
	if fac.verifyCalls.Load() != 0 {
		t.Error("a proof without expiry must not reach the facilitator")
	}
}

func TestMiddleware_InvalidVerdictNeverRunsHandler(t *testing.T) {
	fac := &mockFacilitator{
		VerifyFunc: func(context.Context, *payment.SignedPayment, *payment.Requirements) (*payment.VerificationResult, error) {
			return &payment.VerificationResult{Valid: false, Reason: "invalid signature"}, nil
		},
	}
	g := newTestGuard(t, fac)
	tr := newTestRouter(g)

	w := tr.post(proofBody(t, testProof(g), map[string]any{"prompt": "x"}))
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", w.Code)
	}
	if ch := decodeChallenge(t, w); ch.Error != "invalid signature" {
		t.Errorf("reason: %q", ch.Error)
	}
	if tr.handled.Load() != 0 || fac.settleCalls.Load() != 0 {
		t.Error("invalid payment must not settle or run the handler")
	}
}

// ── Settlement ────────────────────────────────────────────────────────────────

func TestMiddleware_SettlementFailure(t *testing.T) {
	for _, status := range []int{0, http.StatusBadRequest} {
		fac := &mockFacilitator{
			SettleFunc: func(context.Context, *payment.SignedPayment) (*payment.SettlementResult, error) {
				return &payment.SettlementResult{Success: false, Reason: "insufficient funds"}, nil
			},
		}
		g := newTestGuard(t, fac, func(c *Config) { c.SettleFailureStatus = status })
		tr := newTestRouter(g)

		w := tr.post(proofBody(t, testProof(g), map[string]any{"prompt": "x"}))
		want := http.StatusPaymentRequired
		if status != 0 {
			want = status
		}
		if w.Code != want {
			t.Fatalf("status %d: expected %d, got %d", status, want, w.Code)
		}
		var body map[string]string
		_ = json.Unmarshal(w.Body.Bytes(), &body)
		if body["error"] != "insufficient funds" || body["code"] != "settlement_failed" {
			t.Errorf("body: %v", body)
		}
		if !strings.HasPrefix(body["request_id"], "req_") {
			t.Errorf("request_id: %q", body["request_id"])
		}
		if tr.handled.Load() != 0 {
			t.Error("handler must not run after settlement failure")
		}
		if n := fac.settleCalls.Load(); n != 1 {
			t.Errorf("settle called %d times, want 1", n)
		}
	}
}

func TestProcess_SettleSurvivesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var settleErr error
	fac := &mockFacilitator{
		VerifyFunc: func(context.Context, *payment.SignedPayment, *payment.Requirements) (*payment.VerificationResult, error) {
			cancel()
			return &payment.VerificationResult{Valid: true}, nil
		},
		SettleFunc: func(ctx context.Context, _ *payment.SignedPayment) (*payment.SettlementResult, error) {
			settleErr = ctx.Err()
			return &payment.SettlementResult{Success: true, Transaction: "0xabc"}, nil
		},
	}
	g := newTestGuard(t, fac)
	adm, err := g.Process(ctx, testProof(g))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if settleErr != nil {
		t.Errorf("settle context should not inherit cancellation, got %v", settleErr)
	}
	if adm.Payer != testPayer || adm.Network != testNetwork || adm.Transaction != "0xabc" {
		t.Errorf("admission: %+v", adm)
	}
}

// ── Facilitator failures ──────────────────────────────────────────────────────

func TestMiddleware_FacilitatorErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"unreachable", errors.New("connection refused"), http.StatusBadGateway},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"typed network", payment.NewError(payment.KindNetwork, "dial", nil), http.StatusBadGateway},
		{"typed timeout", payment.NewError(payment.KindTimeout, "read", nil), http.StatusGatewayTimeout},
		{"bad gateway", &payment.Error{Kind: payment.KindUnexpectedStatus, Status: 500}, http.StatusBadGateway},
		{"internal", payment.NewError(payment.KindSigning, "boom", nil), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fac := &mockFacilitator{
				VerifyFunc: func(context.Context, *payment.SignedPayment, *payment.Requirements) (*payment.VerificationResult, error) {
					return nil, tc.err
				},
			}
			g := newTestGuard(t, fac)
			tr := newTestRouter(g)
			w := tr.post(proofBody(t, testProof(g), nil))
			if w.Code != tc.want {
				t.Errorf("expected %d, got %d: %s", tc.want, w.Code, w.Body.String())
			}
			if tr.handled.Load() != 0 || fac.settleCalls.Load() != 0 {
				t.Error("verify failure must not settle or run the handler")
			}
		})
	}
}

func TestMiddleware_SettleTimeout(t *testing.T) {
	fac := &mockFacilitator{
		SettleFunc: func(context.Context, *payment.SignedPayment) (*payment.SettlementResult, error) {
			return nil, context.DeadlineExceeded
		},
	}
	g := newTestGuard(t, fac)
	if w := newTestRouter(g).post(proofBody(t, testProof(g), nil)); w.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", w.Code)
	}
}

// ── Malformed ─────────────────────────────────────────────────────────────────

func TestMiddleware_MalformedProof(t *testing.T) {
	fac := &mockFacilitator{}
	g := newTestGuard(t, fac)
	tr := newTestRouter(g)

	noSig := testProof(g)
	noSig.Payload.Signature = ""
	noNonce := testProof(g)
	noNonce.Payload.Authorization.Nonce = ""

	cases := map[string][]byte{
		"not json":       []byte(`{"payload":`),
		"array body":     []byte(`[1,2]`),
		"missing accept": []byte(`{"payload":{"signature":"0x"}}`),
		"payload string": []byte(`{"payload":"abc","accepted":{"network":"base-sepolia"}}`),
		"no signature":   proofBody(t, noSig, nil),
		"no nonce":       proofBody(t, noNonce, nil),
	}
	for name, body := range cases {
		w := tr.post(body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", name, w.Code)
		}
	}
	if fac.verifyCalls.Load() != 0 || tr.handled.Load() != 0 {
		t.Error("malformed proofs must not reach the facilitator or handler")
	}
}

// ── Construction ──────────────────────────────────────────────────────────────

func TestNew_Validation(t *testing.T) {
	base := Config{Network: testNetwork, PayTo: testPayTo, Amount: testAmount}
	cases := map[string]func(c *Config){
		"bad payTo":       func(c *Config) { c.PayTo = "nope" },
		"unknown network": func(c *Config) { c.Network = "mars" },
		"no asset":        func(c *Config) { c.Network = "eip155:999999" },
		"decimal amount":  func(c *Config) { c.Amount = "0.10" },
		"bad status":      func(c *Config) { c.SettleFailureStatus = 500 },
	}
	for name, mutate := range cases {
		cfg := base
		mutate(&cfg)
		if _, err := New(cfg, &mockFacilitator{}, nil); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
	if _, err := New(base, nil, nil); err == nil {
		t.Error("nil facilitator: expected error")
	}
}
