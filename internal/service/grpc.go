package service

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/0gfoundation/0g-paygate/internal/guard"
)

const (
	AgentServiceName  = "paygate.v1.Agent"
	ProcessFullMethod = "/" + AgentServiceName + "/Process"
)

// AgentServer is the gRPC face of the service. Messages are
// google.protobuf.Struct with the same fields as the HTTP JSON bodies.
type AgentServer interface {
	Process(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

// RegisterAgentServer registers srv on s.
func RegisterAgentServer(s grpc.ServiceRegistrar, srv AgentServer) {
	s.RegisterService(&agentServiceDesc, srv)
}

var agentServiceDesc = grpc.ServiceDesc{
	ServiceName: AgentServiceName,
	HandlerType: (*AgentServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Process", Handler: processHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "paygate/v1/agent.proto",
}

func processHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	// Schema violations are rejected before the interceptor chain, so a
	// malformed call is never charged.
	if _, err := promptOf(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AgentServer).Process(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ProcessFullMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(AgentServer).Process(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func promptOf(in *structpb.Struct) (string, error) {
	prompt := in.GetFields()["prompt"].GetStringValue()
	if prompt == "" {
		return "", status.Error(codes.InvalidArgument, "prompt is required")
	}
	return prompt, nil
}

// GRPC adapts h to AgentServer.
func (h *Handler) GRPC() AgentServer { return grpcAgent{h} }

type grpcAgent struct{ h *Handler }

func (a grpcAgent) Process(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	adm, ok := guard.FromContext(ctx)
	if !ok {
		return nil, status.Error(codes.Internal, "payment context missing")
	}
	prompt, err := promptOf(in)
	if err != nil {
		return nil, err
	}
	a.h.log.Info("processing paid rpc",
		zap.String("service", a.h.kind),
		zap.String("payer", adm.Payer),
		zap.String("tx", adm.Transaction),
	)
	out, err := structpb.NewStruct(map[string]any{
		"result":      a.h.Work(prompt),
		"payer":       adm.Payer,
		"transaction": adm.Transaction,
	})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}
