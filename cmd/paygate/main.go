package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/0gfoundation/0g-paygate/internal/config"
	"github.com/0gfoundation/0g-paygate/internal/facilitator"
	"github.com/0gfoundation/0g-paygate/internal/guard"
	"github.com/0gfoundation/0g-paygate/internal/service"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Facilitator ───────────────────────────────────────────────────────────
	fac, ledger, err := newFacilitator(ctx, cfg, log)
	if err != nil {
		log.Fatal("facilitator init failed", zap.Error(err))
	}

	// ── Guard + service ───────────────────────────────────────────────────────
	g, err := guard.New(cfg.Guard(), fac, log)
	if err != nil {
		log.Fatal("guard init failed", zap.Error(err))
	}
	h, err := service.New(cfg.Service.Type, log)
	if err != nil {
		log.Fatal("service init failed", zap.Error(err))
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: newRouter(cfg, g, h, ledger),
	}
	go func() {
		log.Info("HTTP server starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("service", cfg.Service.Type),
			zap.String("facilitator", cfg.Facilitator.Mode),
			zap.String("price", cfg.Payment.PriceAtomic),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── gRPC server (optional) ────────────────────────────────────────────────
	var gsrv *grpc.Server
	if cfg.GRPC.Port > 0 {
		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
		if err != nil {
			log.Fatal("gRPC listen failed", zap.Error(err))
		}
		gsrv = newGRPCServer(g, h)
		go func() {
			log.Info("gRPC server starting", zap.Int("port", cfg.GRPC.Port))
			if err := gsrv.Serve(lis); err != nil {
				log.Error("gRPC server error", zap.Error(err))
			}
		}()
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if gsrv != nil {
		gsrv.GracefulStop()
	}
	log.Info("shutdown complete")
}

// newFacilitator builds the facilitator selected by FACILITATOR_MODE. The
// ledger is also returned in ledger mode so /healthz can report its queue.
func newFacilitator(ctx context.Context, cfg *config.Config, log *zap.Logger) (guard.Facilitator, *facilitator.Ledger, error) {
	switch cfg.Facilitator.Mode {
	case config.ModeRemote:
		return facilitator.NewRemote(cfg.Facilitator.URL, cfg.FacilitatorTimeout(), cfg.Facilitator.Retries, log), nil, nil
	case config.ModeLedger:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		l := facilitator.NewLedger(rdb, log)
		return l, l, nil
	case config.ModeApprove:
		return facilitator.NewApprover(log), nil, nil
	}
	return nil, nil, fmt.Errorf("unknown facilitator mode %q", cfg.Facilitator.Mode)
}

func newRouter(cfg *config.Config, g *guard.Guard, h *service.Handler, ledger *facilitator.Ledger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		body := gin.H{
			"ok":          true,
			"service":     cfg.Service.Type,
			"network":     cfg.Payment.Network,
			"facilitator": cfg.Facilitator.Mode,
		}
		if ledger != nil {
			depth, err := ledger.QueueDepth(c.Request.Context())
			if err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"ok": false, "error": "settlement queue unavailable"})
				return
			}
			body["pending_settlements"] = depth
		}
		c.JSON(http.StatusOK, body)
	})
	r.POST("/process", h.Validate(), g.Middleware(), h.Process)
	return r
}

func newGRPCServer(g *guard.Guard, h *service.Handler) *grpc.Server {
	s := grpc.NewServer(grpc.UnaryInterceptor(g.UnaryServerInterceptor()))
	service.RegisterAgentServer(s, h.GRPC())
	return s
}
