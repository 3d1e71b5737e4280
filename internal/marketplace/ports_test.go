package marketplace

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// stubRunner is a CommandRunner returning canned remote output.
type stubRunner struct {
	out   string
	err   error
	calls int
}

func (r *stubRunner) Run(ctx context.Context, host string, port int, command string) (string, error) {
	r.calls++
	if r.err != nil {
		return "", r.err
	}
	return r.out, nil
}

func portServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
}

func TestResolveExternalPort_FromStatusPortMap(t *testing.T) {
	server := portServer(t, `{"instances": {
		"id": 12345,
		"actual_status": "running",
		"ports": {"5070/tcp": [{"HostIp": "0.0.0.0", "HostPort": "10087"}]}
	}}`)
	defer server.Close()

	runner := &stubRunner{}
	c := NewClient(testMarketplaceConfig(server.URL), zap.NewNop()).WithRunner(runner)
	port, err := c.ResolveExternalPort(context.Background(), "12345", 5070)

	require.NoError(t, err)
	assert.Equal(t, 10087, port)
	// The port map answered; SSH was never needed.
	assert.Zero(t, runner.calls)
}

func TestResolveExternalPort_FromExtraEnv(t *testing.T) {
	server := portServer(t, `{"instances": {
		"id": 12345,
		"actual_status": "running",
		"extra_env": [["VAST_TCP_PORT_5070", "10099"], ["OTHER", "x"]]
	}}`)
	defer server.Close()

	c := NewClient(testMarketplaceConfig(server.URL), zap.NewNop()).WithRunner(&stubRunner{})
	port, err := c.ResolveExternalPort(context.Background(), "12345", 5070)

	require.NoError(t, err)
	assert.Equal(t, 10099, port)
}

func TestResolveExternalPort_FromRemoteEnviron(t *testing.T) {
	server := portServer(t, `{"instances": {
		"id": 12345,
		"actual_status": "running",
		"ssh_host": "203.0.113.7",
		"ssh_port": 41234
	}}`)
	defer server.Close()

	runner := &stubRunner{out: "PATH=/usr/bin\nVAST_TCP_PORT_5070=10111\nHOME=/root\n"}
	c := NewClient(testMarketplaceConfig(server.URL), zap.NewNop()).WithRunner(runner)
	port, err := c.ResolveExternalPort(context.Background(), "12345", 5070)

	require.NoError(t, err)
	assert.Equal(t, 10111, port)
	assert.Equal(t, 1, runner.calls)
}

func TestResolveExternalPort_HostNetworkingFallback(t *testing.T) {
	server := portServer(t, `{"instances": {
		"id": 12345,
		"actual_status": "running",
		"host_networking": true
	}}`)
	defer server.Close()

	c := NewClient(testMarketplaceConfig(server.URL), zap.NewNop()).WithRunner(&stubRunner{})
	port, err := c.ResolveExternalPort(context.Background(), "12345", 5070)

	require.NoError(t, err)
	assert.Equal(t, 5070, port)
}

func TestResolveExternalPort_AllSourcesEmpty(t *testing.T) {
	server := portServer(t, `{"instances": {
		"id": 12345,
		"actual_status": "running",
		"ssh_host": "203.0.113.7",
		"ssh_port": 41234
	}}`)
	defer server.Close()

	runner := &stubRunner{err: errors.New("connection refused")}
	c := NewClient(testMarketplaceConfig(server.URL), zap.NewNop()).WithRunner(runner)
	_, err := c.ResolveExternalPort(context.Background(), "12345", 5070)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPortUnresolved)
	// Three status poll attempts configured.
	assert.Equal(t, 3, runner.calls)
}

func TestResolveExternalPort_MappingAppearsLate(t *testing.T) {
	var hits int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&hits, 1) < 3 {
			fmt.Fprint(w, `{"instances": {"id": 12345, "actual_status": "loading"}}`)
			return
		}
		fmt.Fprint(w, `{"instances": {
			"id": 12345,
			"actual_status": "running",
			"ports": {"5070/tcp": [{"HostIp": "0.0.0.0", "HostPort": "10087"}]}
		}}`)
	}))
	defer server.Close()

	c := NewClient(testMarketplaceConfig(server.URL), zap.NewNop()).WithRunner(&stubRunner{})
	port, err := c.ResolveExternalPort(context.Background(), "12345", 5070)

	require.NoError(t, err)
	assert.Equal(t, 10087, port)
	assert.EqualValues(t, 3, atomic.LoadInt64(&hits))
}
