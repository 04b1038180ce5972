package negotiator

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/0gfoundation/0g-paygate/internal/payment"
)

// UnaryClientInterceptor pays for unary RPCs the way Negotiate pays for HTTP
// requests: on a payment-required status it signs the carried requirements
// and retries the call once with x-payment metadata.
func (n *Negotiator) UnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		err := invoker(ctx, method, req, reply, cc, opts...)
		ch, ok := payment.ChallengeFromStatus(err)
		if !ok {
			return err
		}
		if err := ch.Requirements.Validate(); err != nil {
			return err
		}

		signed, err := n.Sign(&ch.Requirements)
		if err != nil {
			return err
		}
		encoded, err := payment.EncodeHeader(signed)
		if err != nil {
			return payment.NewError(payment.KindSigning, "encode payment", err)
		}
		n.log.Info("negotiate: retrying rpc with payment",
			zap.String("method", method),
			zap.String("payer", signed.Payload.Authorization.From),
			zap.String("nonce", signed.Payload.Authorization.Nonce),
		)

		ctx = metadata.AppendToOutgoingContext(ctx, payment.MetadataKeyPayment, encoded)
		err = invoker(ctx, method, req, reply, cc, opts...)
		if again, ok := payment.ChallengeFromStatus(err); ok {
			reason := again.Error
			if reason == "" {
				reason = "paid retry rejected"
			}
			return &payment.Error{Kind: payment.KindVerificationFailed, Reason: reason, Cause: err}
		}
		return err
	}
}
