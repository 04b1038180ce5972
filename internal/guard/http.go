package guard

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-paygate/internal/payment"
)

// AdmissionKey is the gin context key holding the *Admission.
const AdmissionKey = "x402_admission"

// proofEnvelope is the part of the request body the guard owns. All other
// fields belong to the protected handler.
type proofEnvelope struct {
	Payload  *json.RawMessage      `json:"payload"`
	Accepted *payment.Requirements `json:"accepted"`
}

// Middleware returns a Gin handler that gates the rest of the chain on a
// settled payment.
func (g *Guard) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			g.reject(c, payment.NewError(payment.KindMalformedPayment, "read body", err))
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		proof, err := parseProof(body)
		if err != nil {
			g.reject(c, err)
			return
		}
		if proof == nil {
			g.challenge(c, "", "")
			return
		}

		adm, err := g.Process(c.Request.Context(), proof)
		if err != nil {
			g.reject(c, err)
			return
		}

		receipt, err := payment.EncodeHeader(payment.PaymentResponse{
			Success:     true,
			Transaction: adm.Transaction,
			Network:     adm.Network,
			Payer:       adm.Payer,
		})
		if err != nil {
			g.log.Warn("payment receipt not encoded", zap.String("tx", adm.Transaction), zap.Error(err))
		} else {
			c.Header(payment.HeaderPaymentResponse, receipt)
		}
		c.Set(AdmissionKey, adm)
		c.Request = c.Request.WithContext(WithAdmission(c.Request.Context(), adm))
		c.Next()
	}
}

// parseProof returns nil, nil when no proof is attached.
func parseProof(body []byte) (*payment.SignedPayment, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}
	var env proofEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, payment.NewError(payment.KindMalformedPayment, "request body must be a JSON object", err)
	}
	if env.Payload == nil {
		return nil, nil
	}
	if env.Accepted == nil {
		return nil, payment.NewError(payment.KindMalformedPayment, "accepted requirements are required", nil)
	}
	p := &payment.SignedPayment{Accepted: *env.Accepted}
	if err := json.Unmarshal(*env.Payload, &p.Payload); err != nil {
		return nil, payment.NewError(payment.KindMalformedPayment, "invalid payment payload", err)
	}
	if err := validateProof(p); err != nil {
		return nil, err
	}
	return p, nil
}

// challenge answers 402 with a fresh set of requirements.
func (g *Guard) challenge(c *gin.Context, code payment.Kind, reason string) {
	req := g.CreateRequirements()
	c.Header(payment.HeaderAuthenticate, payment.Authenticate(&req))
	g.log.Info("payment challenge issued",
		zap.String("path", c.Request.URL.Path),
		zap.String("network", req.Network),
		zap.String("amount", req.Amount),
		zap.String("reason", reason),
	)
	c.AbortWithStatusJSON(http.StatusPaymentRequired, payment.Challenge{
		Requirements: req,
		Error:        reason,
		Code:         code,
	})
}

// reject maps a failed state to its HTTP status. The handler never runs.
func (g *Guard) reject(c *gin.Context, err error) {
	var pe *payment.Error
	if !errors.As(err, &pe) {
		g.log.Error("payment guard internal error", zap.Error(err))
		abortError(c, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}
	switch pe.Kind {
	case payment.KindVerificationFailed:
		g.challenge(c, pe.Kind, pe.Reason)
	case payment.KindSettlementFailed:
		abortError(c, g.cfg.SettleFailureStatus, string(pe.Kind), pe.Reason)
	case payment.KindMalformedPayment:
		abortError(c, http.StatusBadRequest, string(pe.Kind), pe.Reason)
	case payment.KindTimeout:
		abortError(c, http.StatusGatewayTimeout, string(pe.Kind), "facilitator timed out")
	case payment.KindNetwork:
		abortError(c, http.StatusBadGateway, string(pe.Kind), "facilitator unreachable")
	case payment.KindUnexpectedStatus:
		g.log.Error("facilitator returned unexpected status", zap.Error(err))
		abortError(c, http.StatusBadGateway, string(pe.Kind), "facilitator error")
	default:
		g.log.Error("payment guard internal error", zap.Error(err))
		abortError(c, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func abortError(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error":      msg,
		"code":       code,
		"request_id": "req_" + uuid.NewString(),
	})
}
