package cli_test

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammadhprp/modguard/internal/cli"
	"github.com/mohammadhprp/modguard/internal/handler"
	"github.com/mohammadhprp/modguard/internal/limiter"
	"github.com/mohammadhprp/modguard/internal/service"
)

func setupRedis(t *testing.T) *miniredis.Miniredis {
	t.Helper()

	mr := miniredis.RunT(t)
	t.Setenv("REDIS_HOST", mr.Host())
	t.Setenv("REDIS_PORT", mr.Port())
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("RATELIMIT_LIMITS_FILE", "")
	return mr
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	cmd := cli.NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeLimits(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "limits.yaml")
	content := `limits:
  - name: cli-test
    max_requests: 1
    window_seconds: 60
    strategy: sliding_window
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestCheck_DeniesAndBlocks(t *testing.T) {
	mr := setupRedis(t)
	limits := writeLimits(t)

	out, err := run(t, "check", "cli-test", "42", "--limits", limits)
	require.NoError(t, err)
	var resp handler.CheckResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.True(t, resp.Allowed)

	out, err = run(t, "check", "cli-test", "42", "--limits", limits)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.False(t, resp.Allowed)
	assert.True(t, resp.Blocked)

	assert.True(t, mr.Exists("ratelimit:blocked:user:42"))
}

func TestUsageAndReset(t *testing.T) {
	mr := setupRedis(t)
	limits := writeLimits(t)

	_, err := run(t, "check", "cli-test", "7", "--privileged", "--limits", limits)
	require.NoError(t, err)

	out, err := run(t, "usage", "cli-test", "7", "--privileged", "--limits", limits)
	require.NoError(t, err)
	var snapshot service.UsageSnapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snapshot))
	assert.Equal(t, "admin:7", snapshot.Identifier)
	assert.Equal(t, int64(1), snapshot.Count)
	assert.Equal(t, int64(0), snapshot.Remaining)

	out, err = run(t, "reset", "cli-test", "7", "--privileged", "--limits", limits)
	require.NoError(t, err)
	var reset map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &reset))
	assert.Equal(t, true, reset["reset"])
	assert.Equal(t, "admin:7", reset["identifier"])

	assert.False(t, mr.Exists("ratelimit:cli-test:sliding:admin:7"))
}

func TestConfigs(t *testing.T) {
	setupRedis(t)

	out, err := run(t, "configs", "--limits", writeLimits(t))
	require.NoError(t, err)

	var configs map[string]limiter.Config
	require.NoError(t, json.Unmarshal([]byte(out), &configs))
	assert.Len(t, configs, 5)
	assert.Equal(t, limiter.StrategySlidingWindow, configs["cli-test"].Strategy)
	assert.Equal(t, int64(5), configs[service.ConfigExpensiveAnalysis].MaxRequests)
}

func TestCheck_UnknownConfig(t *testing.T) {
	setupRedis(t)

	_, err := run(t, "check", "missing", "42")
	assert.ErrorIs(t, err, service.ErrUnknownConfig)
}

func TestCheck_WrongArgs(t *testing.T) {
	setupRedis(t)

	_, err := run(t, "check", "only-config")
	assert.Error(t, err)
}

func TestRedisUnreachable(t *testing.T) {
	mr := setupRedis(t)
	mr.Close()

	_, err := run(t, "configs")
	assert.Error(t, err)
}
