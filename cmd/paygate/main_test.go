package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-paygate/internal/config"
	"github.com/0gfoundation/0g-paygate/internal/facilitator"
	"github.com/0gfoundation/0g-paygate/internal/guard"
	"github.com/0gfoundation/0g-paygate/internal/negotiator"
	"github.com/0gfoundation/0g-paygate/internal/payment"
	"github.com/0gfoundation/0g-paygate/internal/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// Fixed deterministic test key (not used anywhere outside tests)
const testPrivKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

// ── helpers ───────────────────────────────────────────────────────────────────

func testConfig(mode string) *config.Config {
	cfg := &config.Config{}
	cfg.Payment.Network = "base-sepolia"
	cfg.Payment.PayTo = "0x2222222222222222222222222222222222222222"
	cfg.Payment.PriceAtomic = "100000"
	cfg.Payment.MaxTimeoutSec = 300
	cfg.Payment.SettleFailureStatus = http.StatusPaymentRequired
	cfg.Facilitator.Mode = mode
	cfg.Facilitator.TimeoutSec = 5
	cfg.Service.Type = service.KindWriter
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config) *httptest.Server {
	t.Helper()
	fac, ledger, err := newFacilitator(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("newFacilitator: %v", err)
	}
	g, err := guard.New(cfg.Guard(), fac, zap.NewNop())
	if err != nil {
		t.Fatalf("guard.New: %v", err)
	}
	h, err := service.New(cfg.Service.Type, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(newRouter(cfg, g, h, ledger))
	t.Cleanup(srv.Close)
	return srv
}

func healthz(t *testing.T, srv *httptest.Server) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body map[string]any
	json.NewDecoder(resp.Body).Decode(&body) //nolint:errcheck
	return resp.StatusCode, body
}

// ── newFacilitator ────────────────────────────────────────────────────────────

func TestNewFacilitator_Modes(t *testing.T) {
	remote := testConfig(config.ModeRemote)
	remote.Facilitator.URL = "http://facilitator.invalid"
	fac, ledger, err := newFacilitator(context.Background(), remote, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := fac.(*facilitator.Remote); !ok || ledger != nil {
		t.Errorf("remote mode: got %T ledger=%v", fac, ledger)
	}

	fac, _, err = newFacilitator(context.Background(), testConfig(config.ModeApprove), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := fac.(*facilitator.Approver); !ok {
		t.Errorf("approve mode: got %T", fac)
	}

	mr := miniredis.RunT(t)
	lc := testConfig(config.ModeLedger)
	lc.Redis.Addr = mr.Addr()
	fac, ledger, err = newFacilitator(context.Background(), lc, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := fac.(*facilitator.Ledger); !ok || ledger == nil {
		t.Errorf("ledger mode: got %T ledger=%v", fac, ledger)
	}
}

func TestNewFacilitator_RedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(config.ModeLedger)
	cfg.Redis.Addr = mr.Addr()
	mr.Close()
	if _, _, err := newFacilitator(context.Background(), cfg, zap.NewNop()); err == nil {
		t.Fatal("expected redis ping error")
	}
}

// ── HTTP ──────────────────────────────────────────────────────────────────────

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, testConfig(config.ModeApprove))
	code, body := healthz(t, srv)
	if code != http.StatusOK || body["ok"] != true {
		t.Fatalf("healthz: %d %v", code, body)
	}
	if _, ok := body["pending_settlements"]; ok {
		t.Error("queue depth is only reported in ledger mode")
	}
}

func TestHealthz_LedgerQueue(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(config.ModeLedger)
	cfg.Redis.Addr = mr.Addr()
	srv := newTestServer(t, cfg)

	code, body := healthz(t, srv)
	if code != http.StatusOK || body["pending_settlements"] != float64(0) {
		t.Fatalf("healthz: %d %v", code, body)
	}

	mr.Close()
	if code, _ := healthz(t, srv); code != http.StatusServiceUnavailable {
		t.Errorf("healthz with redis down: %d", code)
	}
}

func TestProcess_Unpaid(t *testing.T) {
	srv := newTestServer(t, testConfig(config.ModeApprove))
	resp, err := http.Post(srv.URL+"/process", "application/json", bytes.NewBufferString(`{"prompt":"tides"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Error("WWW-Authenticate missing")
	}
	var ch payment.Challenge
	if err := json.NewDecoder(resp.Body).Decode(&ch); err != nil {
		t.Fatal(err)
	}
	if ch.Amount != "100000" || ch.PayTo != "0x2222222222222222222222222222222222222222" {
		t.Errorf("requirements: %+v", ch.Requirements)
	}
}

func TestProcess_PaidThroughLedger(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(config.ModeLedger)
	cfg.Redis.Addr = mr.Addr()
	srv := newTestServer(t, cfg)

	signer, err := negotiator.KeySignerFromHex(testPrivKeyHex)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := negotiator.New(negotiator.Options{Signer: signer}).
		Negotiate(context.Background(), srv.URL+"/process", map[string]any{"prompt": "tides"})
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if !resp.Paid || resp.Status != http.StatusOK {
		t.Fatalf("response: %+v", resp)
	}
	var body service.ProcessResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		t.Fatal(err)
	}
	if body.Payer != signer.Address().Hex() || body.Transaction == "" {
		t.Errorf("body: %+v", body)
	}

	_, health := healthz(t, srv)
	if health["pending_settlements"] != float64(1) {
		t.Errorf("pending settlements: %v", health["pending_settlements"])
	}
}
