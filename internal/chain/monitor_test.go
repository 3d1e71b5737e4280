package chain

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sprinterhq/sprinter/internal/config"
	"github.com/sprinterhq/sprinter/models"
)

func testChainConfig(url string) config.ChainConfig {
	return config.ChainConfig{
		NodeURL:        url,
		BlockTime:      6 * time.Second,
		RequestTimeout: time.Second,
		MaxRetries:     2,
	}
}

func epochPayload(height, pocStart, pocValidationEnd int64) string {
	return fmt.Sprintf(`{
		"block_height": %d,
		"phase": "INFERENCE",
		"latest_epoch": {"index": 7},
		"next_epoch_stages": {
			"epoch_index": 8,
			"poc_start": %d,
			"poc_validation_end": %d
		}
	}`, height, pocStart, pocValidationEnd)
}

func TestNextWindow_Math(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/epochs/latest", r.URL.Path)
		_, _ = w.Write([]byte(epochPayload(1000, 1100, 1200)))
	}))
	defer server.Close()

	m := NewMonitor(testChainConfig(server.URL), 30*time.Minute, zap.NewNop())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	window, err := m.NextWindow(context.Background())
	require.NoError(t, err)

	// 100 blocks at 6s each puts the start 10 minutes out.
	assert.Equal(t, int64(8), window.EpochIndex)
	assert.Equal(t, now.Add(10*time.Minute), window.StartsAt)
	assert.Equal(t, now.Add(20*time.Minute), window.EndsAt)
	assert.Equal(t, now.Add(-20*time.Minute), window.LeadAt)
	assert.Equal(t, 10*time.Minute, window.Duration())
}

func TestNextWindow_PastStartClampsToNow(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Chain already past poc_start; the phase is effectively live.
		_, _ = w.Write([]byte(epochPayload(1150, 1100, 1200)))
	}))
	defer server.Close()

	m := NewMonitor(testChainConfig(server.URL), 30*time.Minute, zap.NewNop())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	window, err := m.NextWindow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, now, window.StartsAt)
	assert.True(t, window.InLead(now))
}

func TestNextWindow_MissingStages(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"block_height": 1000, "latest_epoch": {"index": 7}, "next_epoch_stages": {}}`))
	}))
	defer server.Close()

	m := NewMonitor(testChainConfig(server.URL), time.Minute, zap.NewNop())
	_, err := m.NextWindow(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing next stage heights")
}

func TestNextWindow_InconsistentStages(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(epochPayload(1000, 1200, 1100)))
	}))
	defer server.Close()

	m := NewMonitor(testChainConfig(server.URL), time.Minute, zap.NewNop())
	_, err := m.NextWindow(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inconsistent stage heights")
}

func TestCurrentEpoch_RetriesTransientFailures(t *testing.T) {
	var hits int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&hits, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(epochPayload(1000, 1100, 1200)))
	}))
	defer server.Close()

	m := NewMonitor(testChainConfig(server.URL), time.Minute, zap.NewNop())
	status, err := m.CurrentEpoch(context.Background())

	require.NoError(t, err)
	assert.Equal(t, int64(1000), status.BlockHeight)
	assert.EqualValues(t, 2, atomic.LoadInt64(&hits))
}

func TestCurrentEpoch_ClientErrorIsFinal(t *testing.T) {
	var hits int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	m := NewMonitor(testChainConfig(server.URL), time.Minute, zap.NewNop())
	_, err := m.CurrentEpoch(context.Background())

	require.Error(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt64(&hits))
}

func TestCurrentEpoch_RetryBudgetExhaustion(t *testing.T) {
	var hits int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	m := NewMonitor(testChainConfig(server.URL), time.Minute, zap.NewNop())
	_, err := m.CurrentEpoch(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry budget")
	// Initial attempt plus MaxRetries retries.
	assert.EqualValues(t, 3, atomic.LoadInt64(&hits))
}

func TestPoCWindow_InLead(t *testing.T) {
	now := time.Now()
	w := &models.PoCWindow{
		LeadAt:   now.Add(-time.Minute),
		StartsAt: now.Add(10 * time.Minute),
		EndsAt:   now.Add(20 * time.Minute),
	}
	assert.True(t, w.InLead(now))
	assert.False(t, w.InLead(now.Add(-2*time.Minute)))
	assert.False(t, w.InLead(now.Add(21*time.Minute)))
}
