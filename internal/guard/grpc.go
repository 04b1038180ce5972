package guard

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/0gfoundation/0g-paygate/internal/payment"
)

// UnaryServerInterceptor gates unary RPCs the same way Middleware gates
// HTTP routes. The proof travels in x-payment metadata; a challenge is a
// FailedPrecondition status carrying the requirements in an ErrorInfo
// detail and in the x-payment-required trailer.
func (g *Guard) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		vals := md.Get(payment.MetadataKeyPayment)
		if len(vals) == 0 {
			return nil, g.grpcChallenge(ctx, info.FullMethod, "", "")
		}

		var proof payment.SignedPayment
		if err := payment.DecodeHeader(vals[0], &proof); err != nil {
			return nil, status.Error(codes.InvalidArgument, "invalid x-payment metadata")
		}
		if err := validateProof(&proof); err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}

		adm, err := g.Process(ctx, &proof)
		if err != nil {
			return nil, g.grpcReject(ctx, info.FullMethod, err)
		}

		resp, err := handler(WithAdmission(ctx, adm), req)
		if err != nil {
			return nil, err
		}
		encoded, err := payment.EncodeHeader(payment.PaymentResponse{
			Success:     true,
			Transaction: adm.Transaction,
			Network:     adm.Network,
			Payer:       adm.Payer,
		})
		if err != nil {
			g.log.Warn("payment receipt not encoded",
				zap.String("method", info.FullMethod),
				zap.String("tx", adm.Transaction),
				zap.Error(err),
			)
			return resp, nil
		}
		// Fails only without a server transport stream, e.g. direct calls in tests.
		_ = grpc.SetTrailer(ctx, metadata.Pairs(payment.MetadataKeyPaymentResponse, encoded))
		return resp, nil
	}
}

func (g *Guard) grpcChallenge(ctx context.Context, method string, code payment.Kind, reason string) error {
	req := g.CreateRequirements()
	ch := &payment.Challenge{Requirements: req, Error: reason, Code: code}
	st, err := payment.ChallengeStatus(ch)
	if err != nil {
		return status.Error(codes.Internal, "encode payment requirements")
	}
	if encoded, err := payment.EncodeHeader(ch); err == nil {
		_ = grpc.SetTrailer(ctx, metadata.Pairs(payment.MetadataKeyPaymentRequired, encoded))
	}
	g.log.Info("payment challenge issued",
		zap.String("method", method),
		zap.String("network", req.Network),
		zap.String("amount", req.Amount),
		zap.String("reason", reason),
	)
	return st.Err()
}

func (g *Guard) grpcReject(ctx context.Context, method string, err error) error {
	switch payment.KindOf(err) {
	case payment.KindVerificationFailed:
		return g.grpcChallenge(ctx, method, payment.KindVerificationFailed, reasonOf(err))
	case payment.KindSettlementFailed:
		return status.Error(codes.FailedPrecondition, "settlement_failed: "+reasonOf(err))
	case payment.KindMalformedPayment:
		return status.Error(codes.InvalidArgument, reasonOf(err))
	case payment.KindTimeout:
		return status.Error(codes.DeadlineExceeded, "facilitator timed out")
	case payment.KindNetwork:
		return status.Error(codes.Unavailable, "facilitator unreachable")
	case payment.KindUnexpectedStatus:
		g.log.Error("facilitator returned unexpected status", zap.String("method", method), zap.Error(err))
		return status.Error(codes.Unavailable, "facilitator error")
	default:
		g.log.Error("payment guard internal error", zap.String("method", method), zap.Error(err))
		return status.Error(codes.Internal, "internal error")
	}
}

func reasonOf(err error) string {
	if pe, ok := err.(*payment.Error); ok {
		return pe.Reason
	}
	return err.Error()
}
