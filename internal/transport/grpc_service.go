package transport

import (
	"context"
	"encoding/json"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mohammadhprp/modguard/internal/handler"
	"github.com/mohammadhprp/modguard/internal/limiter"
	"github.com/mohammadhprp/modguard/internal/service"
)

// RateLimitServiceName is the fully qualified gRPC service name
const RateLimitServiceName = "modguard.v1.RateLimit"

// RateLimitServer is the gRPC surface of the rate limit facade. Messages are
// google.protobuf.Struct carrying the same fields as the HTTP JSON bodies.
type RateLimitServer interface {
	Check(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Usage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Reset(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListConfigs(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RegisterConfig(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type rateLimitCall func(RateLimitServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

// RateLimitServiceDesc describes modguard.v1.RateLimit for grpc.Server.RegisterService
var RateLimitServiceDesc = grpc.ServiceDesc{
	ServiceName: RateLimitServiceName,
	HandlerType: (*RateLimitServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Check", Handler: unaryHandler("Check", RateLimitServer.Check)},
		{MethodName: "Usage", Handler: unaryHandler("Usage", RateLimitServer.Usage)},
		{MethodName: "Reset", Handler: unaryHandler("Reset", RateLimitServer.Reset)},
		{MethodName: "ListConfigs", Handler: unaryHandler("ListConfigs", RateLimitServer.ListConfigs)},
		{MethodName: "RegisterConfig", Handler: unaryHandler("RegisterConfig", RateLimitServer.RegisterConfig)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "modguard/v1/ratelimit.proto",
}

func fullMethod(method string) string {
	return "/" + RateLimitServiceName + "/" + method
}

func unaryHandler(method string, call rateLimitCall) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(RateLimitServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod(method),
		}
		handle := func(ctx context.Context, req any) (any, error) {
			return call(srv.(RateLimitServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handle)
	}
}

// UsageRequest addresses one identifier under one config
type UsageRequest struct {
	Config     string `json:"config"`
	Identifier string `json:"identifier"`
	Privileged bool   `json:"privileged"`
}

// ResetResponse reports whether state was cleared
type ResetResponse struct {
	Reset bool `json:"reset"`
}

// ConfigsResponse lists every registered config
type ConfigsResponse struct {
	Configs map[string]limiter.Config `json:"configs"`
}

// RateLimitServiceImpl implements RateLimitServer over the facade
type RateLimitServiceImpl struct {
	rateLimitService *service.RateLimitService
}

// Check counts one request
func (rs *RateLimitServiceImpl) Check(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req handler.CheckRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}

	decision, err := rs.rateLimitService.CheckEvent(ctx, service.Event{
		ConfigName: req.Config,
		Identifier: req.Identifier,
		Privileged: req.Privileged,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeStruct(handler.NewCheckResponse(decision))
}

// Usage reports state without counting
func (rs *RateLimitServiceImpl) Usage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req UsageRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}

	snapshot, err := rs.rateLimitService.GetUsageInfo(ctx, req.Config, service.Identifier(req.Identifier, req.Privileged))
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeStruct(snapshot)
}

// Reset clears counter and block
func (rs *RateLimitServiceImpl) Reset(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req UsageRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}

	ok, err := rs.rateLimitService.ResetLimit(ctx, req.Config, service.Identifier(req.Identifier, req.Privileged))
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeStruct(ResetResponse{Reset: ok})
}

// ListConfigs returns every registered config
func (rs *RateLimitServiceImpl) ListConfigs(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return encodeStruct(ConfigsResponse{Configs: rs.rateLimitService.ListConfigs()})
}

// RegisterConfig adds a named config
func (rs *RateLimitServiceImpl) RegisterConfig(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var cfg limiter.Config
	if err := decodeStruct(in, &cfg); err != nil {
		return nil, err
	}

	registered, err := rs.rateLimitService.RegisterConfig(cfg)
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeStruct(registered)
}

// toStatus maps service errors to gRPC status codes
func toStatus(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, service.ErrUnknownConfig):
		code = codes.NotFound
	case errors.Is(err, service.ErrDuplicateConfig):
		code = codes.AlreadyExists
	case errors.Is(err, service.ErrEmptyIdentifier),
		errors.Is(err, limiter.ErrInvalidConfig),
		errors.Is(err, limiter.ErrInvalidStrategy):
		code = codes.InvalidArgument
	case errors.Is(err, service.ErrStoreUnavailable):
		code = codes.Unavailable
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

// decodeStruct maps a Struct onto a JSON-tagged Go value
func decodeStruct(in *structpb.Struct, v any) error {
	raw, err := in.MarshalJSON()
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	return nil
}

// encodeStruct maps a JSON-tagged Go value onto a Struct
func encodeStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}
