package umbilicalrpc

import (
	"context"

	"google.golang.org/grpc"
)

// Agent is implemented by the launch-agent binary (out of scope for
// this supervisor core, which only ever dials this interface). It is
// the server-side mirror of umbilical.AgentClient.
type Agent interface {
	Launch(ctx context.Context, req launchRequest) (launchResponse, error)
	Stop(ctx context.Context, req stopRequest) error
	SendInput(ctx context.Context, req sendInputRequest) error
	CloseFd(ctx context.Context, req closeFdRequest) error
	SendTelemetryCommand(ctx context.Context, req telemetryCommandRequest) error

	// Events streams envelopes to send for the lifetime of the call;
	// it should return when ctx is cancelled.
	Events(ctx context.Context, send func(eventEnvelope) error) error
}

const serviceName = "umbilicalrpc.LaunchAgent"

func launchHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	var req launchRequest
	if err := dec(&req); err != nil {
		return nil, err
	}
	resp, err := srv.(Agent).Launch(ctx, req)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func stopHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	var req stopRequest
	if err := dec(&req); err != nil {
		return nil, err
	}
	if err := srv.(Agent).Stop(ctx, req); err != nil {
		return nil, err
	}
	return &empty{}, nil
}

func sendInputHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	var req sendInputRequest
	if err := dec(&req); err != nil {
		return nil, err
	}
	if err := srv.(Agent).SendInput(ctx, req); err != nil {
		return nil, err
	}
	return &empty{}, nil
}

func closeFdHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	var req closeFdRequest
	if err := dec(&req); err != nil {
		return nil, err
	}
	if err := srv.(Agent).CloseFd(ctx, req); err != nil {
		return nil, err
	}
	return &empty{}, nil
}

func sendTelemetryCommandHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	var req telemetryCommandRequest
	if err := dec(&req); err != nil {
		return nil, err
	}
	if err := srv.(Agent).SendTelemetryCommand(ctx, req); err != nil {
		return nil, err
	}
	return &empty{}, nil
}

func eventsHandler(srv any, stream grpc.ServerStream) error {
	var req eventsRequest
	if err := stream.RecvMsg(&req); err != nil {
		return err
	}
	return srv.(Agent).Events(stream.Context(), func(ev eventEnvelope) error {
		return stream.SendMsg(&ev)
	})
}

// serviceDesc is the hand-written analogue of a protoc-generated
// _ServiceDesc; it wires method names to handlers above so grpc-go can
// dispatch without any generated code.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Agent)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Launch", Handler: launchHandler},
		{MethodName: "Stop", Handler: stopHandler},
		{MethodName: "SendInput", Handler: sendInputHandler},
		{MethodName: "CloseFd", Handler: closeFdHandler},
		{MethodName: "SendTelemetryCommand", Handler: sendTelemetryCommandHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Events",
			Handler:       eventsHandler,
			ServerStreams: true,
		},
	},
}

// RegisterAgentServer registers an Agent implementation on s.
func RegisterAgentServer(s *grpc.Server, agent Agent) {
	s.RegisterService(&serviceDesc, agent)
}
