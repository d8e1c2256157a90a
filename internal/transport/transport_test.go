package transport_test

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/mohammadhprp/modguard/internal/handler"
	"github.com/mohammadhprp/modguard/internal/limiter"
	"github.com/mohammadhprp/modguard/internal/service"
	"github.com/mohammadhprp/modguard/internal/storage"
	"github.com/mohammadhprp/modguard/internal/transport"
)

func newServerConfig(t *testing.T) transport.ServerConfig {
	t.Helper()

	store := storage.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	logger := zaptest.NewLogger(t)
	svc, err := service.NewRateLimitService(store, nil, logger)
	require.NoError(t, err)

	return transport.ServerConfig{
		Address:        "bufnet",
		RateLimit:      svc,
		Health:         service.NewHealthService(store, logger, time.Second),
		Logger:         logger,
		HealthInterval: 10 * time.Millisecond,
	}
}

func newBufClient(t *testing.T) *transport.Client {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := transport.NewGRPCServer(newServerConfig(t))
	srv.Serve(lis)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})

	client, err := transport.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestHTTPServer_Routes(t *testing.T) {
	srv := transport.NewHTTPServer(newServerConfig(t))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := `{"config":"user-messages","identifier":"42"}`
	resp, err = http.Post(ts.URL+"/ratelimit/check", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "9", resp.Header.Get("X-RateLimit-Remaining"))

	resp, err = http.Get(ts.URL + "/ratelimit/usage/user-messages/42")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/ratelimit/configs")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGRPC_CheckDenyAndReset(t *testing.T) {
	client := newBufClient(t)
	ctx := context.Background()

	_, err := client.RegisterConfig(ctx, limiter.Config{
		Name:          "test",
		MaxRequests:   2,
		WindowSeconds: 60,
		Strategy:      limiter.StrategySlidingWindow,
	})
	require.NoError(t, err)

	req := handler.CheckRequest{Config: "test", Identifier: "42"}
	for i := 0; i < 2; i++ {
		resp, err := client.Check(ctx, req)
		require.NoError(t, err)
		assert.True(t, resp.Allowed, "request %d", i+1)
	}

	resp, err := client.Check(ctx, req)
	require.NoError(t, err)
	assert.False(t, resp.Allowed)
	assert.True(t, resp.Blocked)
	assert.EqualValues(t, 300, resp.RetryAfter)

	usage, err := client.Usage(ctx, transport.UsageRequest{Config: "test", Identifier: "42"})
	require.NoError(t, err)
	assert.Equal(t, "user:42", usage.Identifier)
	assert.True(t, usage.Blocked)
	require.NotNil(t, usage.BlockedUntil)

	ok, err := client.Reset(ctx, transport.UsageRequest{Config: "test", Identifier: "42"})
	require.NoError(t, err)
	assert.True(t, ok)

	resp, err = client.Check(ctx, req)
	require.NoError(t, err)
	assert.True(t, resp.Allowed)
	assert.EqualValues(t, 1, resp.Remaining)
}

func TestGRPC_ListConfigs(t *testing.T) {
	client := newBufClient(t)

	configs, err := client.ListConfigs(context.Background())
	require.NoError(t, err)
	assert.Contains(t, configs, service.ConfigUserMessages)
	assert.Equal(t, int64(10), configs[service.ConfigUserMessages].MaxRequests)
	assert.Equal(t, limiter.StrategyTokenBucket, configs[service.ConfigUserMessages].Strategy)
}

func TestGRPC_ErrorCodes(t *testing.T) {
	client := newBufClient(t)
	ctx := context.Background()

	_, err := client.Check(ctx, handler.CheckRequest{Config: "missing", Identifier: "42"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = client.Check(ctx, handler.CheckRequest{Config: service.ConfigUserMessages})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.RegisterConfig(ctx, limiter.Config{Name: service.ConfigUserMessages, MaxRequests: 1, WindowSeconds: 1})
	assert.Equal(t, codes.AlreadyExists, status.Code(err))

	_, err = client.RegisterConfig(ctx, limiter.Config{Name: "bad", MaxRequests: 1, WindowSeconds: 1, Strategy: "nope"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGRPC_Health(t *testing.T) {
	client := newBufClient(t)

	healthy, err := client.Healthy(context.Background())
	require.NoError(t, err)
	assert.True(t, healthy)
}
