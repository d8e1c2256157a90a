package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mohammadhprp/modguard/internal/handler"
	"github.com/mohammadhprp/modguard/internal/limiter"
	"github.com/mohammadhprp/modguard/internal/service"
)

// Client calls a remote modguard.v1.RateLimit service
type Client struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
}

// NewClient dials target. Insecure transport credentials are used unless
// opts supply others.
func NewClient(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return &Client{conn: conn, health: healthpb.NewHealthClient(conn)}, nil
}

// Close releases the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// Check counts one request
func (c *Client) Check(ctx context.Context, req handler.CheckRequest) (handler.CheckResponse, error) {
	var resp handler.CheckResponse
	err := c.invoke(ctx, "Check", req, &resp)
	return resp, err
}

// Usage fetches a usage snapshot
func (c *Client) Usage(ctx context.Context, req UsageRequest) (service.UsageSnapshot, error) {
	var resp service.UsageSnapshot
	err := c.invoke(ctx, "Usage", req, &resp)
	return resp, err
}

// Reset clears counter and block
func (c *Client) Reset(ctx context.Context, req UsageRequest) (bool, error) {
	var resp ResetResponse
	err := c.invoke(ctx, "Reset", req, &resp)
	return resp.Reset, err
}

// ListConfigs lists every registered config
func (c *Client) ListConfigs(ctx context.Context) (map[string]limiter.Config, error) {
	var resp ConfigsResponse
	err := c.invoke(ctx, "ListConfigs", struct{}{}, &resp)
	return resp.Configs, err
}

// RegisterConfig adds a named config on the server
func (c *Client) RegisterConfig(ctx context.Context, cfg limiter.Config) (limiter.Config, error) {
	var resp limiter.Config
	err := c.invoke(ctx, "RegisterConfig", cfg, &resp)
	return resp, err
}

// Healthy reports whether the server's store is reachable
func (c *Client) Healthy(ctx context.Context) (bool, error) {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: RateLimitServiceName})
	if err != nil {
		return false, err
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	in, err := encodeStruct(req)
	if err != nil {
		return err
	}

	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod(method), in, out); err != nil {
		return err
	}

	raw, err := out.MarshalJSON()
	if err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if err := json.Unmarshal(raw, resp); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	return nil
}
