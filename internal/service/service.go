// Package service is the paid work behind the payment guard.
package service

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-paygate/internal/guard"
)

// Service kinds.
const (
	KindResearcher = "researcher"
	KindWriter     = "writer"
)

// ProcessRequest is the only accepted request schema; payment fields in the
// same body belong to the guard.
type ProcessRequest struct {
	Prompt string `json:"prompt" binding:"required"`
}

type ProcessResponse struct {
	Result      string `json:"result"`
	Payer       string `json:"payer"`
	Transaction string `json:"transaction"`
}

type Handler struct {
	kind string
	log  *zap.Logger
}

func New(kind string, log *zap.Logger) (*Handler, error) {
	switch kind {
	case KindResearcher, KindWriter:
	default:
		return nil, fmt.Errorf("unknown service kind %q", kind)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{kind: kind, log: log}, nil
}

// Work produces the service output for prompt.
func (h *Handler) Work(prompt string) string {
	if h.kind == KindWriter {
		return "[DRAFT-CONTENT]: Creative summary of " + prompt + " written in high-quality prose."
	}
	return "[RESEARCH-DATA]: Deep dive analysis on " + prompt + ". Validated sources."
}

// Validate rejects a request that does not match ProcessRequest before any
// payment is taken. The body is restored for the next handler.
func (h *Handler) Validate() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "read body"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		var req ProcessRequest
		if err := json.Unmarshal(body, &req); err != nil || req.Prompt == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "prompt is required"})
			return
		}
		c.Next()
	}
}

// Process handles POST /process. It must run behind guard.Middleware.
func (h *Handler) Process(c *gin.Context) {
	adm, ok := guard.FromContext(c.Request.Context())
	if !ok {
		h.log.Error("process reached without a settled payment")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "payment context missing"})
		return
	}

	var req ProcessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "prompt is required"})
		return
	}

	h.log.Info("processing paid request",
		zap.String("service", h.kind),
		zap.String("payer", adm.Payer),
		zap.String("tx", adm.Transaction),
	)
	c.JSON(http.StatusOK, ProcessResponse{
		Result:      h.Work(req.Prompt),
		Payer:       adm.Payer,
		Transaction: adm.Transaction,
	})
}
