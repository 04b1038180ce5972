package payment

import (
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// gRPC metadata keys. Values are base64 JSON, as in the HTTP headers.
const (
	MetadataKeyPayment         = "x-payment"
	MetadataKeyPaymentRequired = "x-payment-required"
	MetadataKeyPaymentResponse = "x-payment-response"
)

// ErrorInfo fields attached to a payment-required status.
const (
	ErrorInfoDomain          = "x402"
	ErrorInfoReason          = "PAYMENT_REQUIRED"
	ErrorInfoKeyRequirements = "requirements"
)

// ChallengeStatus builds the FailedPrecondition status for a challenge.
func ChallengeStatus(ch *Challenge) (*status.Status, error) {
	encoded, err := EncodeHeader(ch)
	if err != nil {
		return nil, err
	}
	msg := "payment required"
	if ch.Error != "" {
		msg += ": " + ch.Error
	}
	return status.New(codes.FailedPrecondition, msg).WithDetails(&errdetails.ErrorInfo{
		Reason: ErrorInfoReason,
		Domain: ErrorInfoDomain,
		Metadata: map[string]string{
			ErrorInfoKeyRequirements: encoded,
		},
	})
}

// ChallengeFromStatus extracts the challenge carried by a payment-required
// status.
func ChallengeFromStatus(err error) (*Challenge, bool) {
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.FailedPrecondition {
		return nil, false
	}
	for _, d := range st.Details() {
		info, ok := d.(*errdetails.ErrorInfo)
		if !ok || info.GetReason() != ErrorInfoReason || info.GetDomain() != ErrorInfoDomain {
			continue
		}
		var ch Challenge
		if err := DecodeHeader(info.GetMetadata()[ErrorInfoKeyRequirements], &ch); err != nil {
			return nil, false
		}
		return &ch, true
	}
	return nil, false
}
