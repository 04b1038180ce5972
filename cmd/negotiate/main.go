// cmd/negotiate calls an x402-protected endpoint, paying for it if the
// server answers 402.
//
// Usage:
//
//	PRIVATE_KEY=0x<key> \
//	go run ./cmd/negotiate/ \
//	  -url  http://localhost:3000/process \
//	  -body '{"prompt":"tides of the Bay of Fundy"}'
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/0gfoundation/0g-paygate/internal/negotiator"
)

func main() {
	url := flag.String("url", "http://localhost:3000/process", "protected endpoint")
	body := flag.String("body", `{"prompt":"hello"}`, "JSON object to send")
	keyHex := flag.String("key", "", "payer private key (hex); defaults to $PRIVATE_KEY")
	ttl := flag.Duration("ttl", time.Hour, "authorization validity window")
	timeout := flag.Duration("timeout", 30*time.Second, "per-request timeout")
	flag.Parse()

	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	if err := run(context.Background(), os.Stdout, log, *url, *body, *keyHex, *ttl, *timeout); err != nil {
		log.Error("negotiate failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, out io.Writer, log *zap.Logger, url, body, keyHex string, ttl, timeout time.Duration) error {
	if keyHex == "" {
		keyHex = os.Getenv("PRIVATE_KEY")
	}
	if keyHex == "" {
		return fmt.Errorf("no payer key: pass -key or set PRIVATE_KEY")
	}
	signer, err := negotiator.KeySignerFromHex(keyHex)
	if err != nil {
		return err
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return fmt.Errorf("parse -body: %w", err)
	}

	neg := negotiator.New(negotiator.Options{
		Signer:  signer,
		Timeout: timeout,
		TTL:     ttl,
		Logger:  log,
	})
	log.Info("negotiating", zap.String("url", url), zap.String("payer", signer.Address().Hex()))

	resp, err := neg.Negotiate(ctx, url, payload)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "status:  %d\n", resp.Status)
	fmt.Fprintf(out, "paid:    %t\n", resp.Paid)
	if r := resp.Receipt; r != nil {
		fmt.Fprintf(out, "tx:      %s\n", r.Transaction)
		fmt.Fprintf(out, "network: %s\n", r.Network)
	}
	fmt.Fprintf(out, "body:    %s\n", resp.Body)
	return nil
}
