package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWaitUntilReady_EventuallyReady(t *testing.T) {
	var hits int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&hits, 1)
		w.Header().Set("Content-Type", "application/json")
		if n < 4 {
			// Application still loading models.
			_, _ = w.Write([]byte(`{"state": "LOADING"}`))
			return
		}
		_, _ = w.Write([]byte(`{"state": "POW"}`))
	}))
	defer server.Close()

	p := NewProber(time.Second, zap.NewNop())
	err := p.WaitUntilReady(context.Background(), server.URL, time.Second, time.Millisecond)

	require.NoError(t, err)
	assert.EqualValues(t, 4, atomic.LoadInt64(&hits))
}

func TestWaitUntilReady_AllReadyStates(t *testing.T) {
	for _, state := range []string{"STOPPED", "INFERENCE", "POW"} {
		t.Run(state, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"state": "` + state + `"}`))
			}))
			defer server.Close()

			p := NewProber(time.Second, zap.NewNop())
			err := p.WaitUntilReady(context.Background(), server.URL, time.Second, time.Millisecond)
			assert.NoError(t, err)
		})
	}
}

func TestWaitUntilReady_NeverReadyTimesOut(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"state": "LOADING"}`))
	}))
	defer server.Close()

	p := NewProber(time.Second, zap.NewNop())
	err := p.WaitUntilReady(context.Background(), server.URL, 30*time.Millisecond, time.Millisecond)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimedOut)
}

func TestWaitUntilReady_ConnectionRefusedIsNotFatal(t *testing.T) {
	// Nothing listens here; the prober must keep retrying until timeout
	// instead of failing on the first refused connection.
	p := NewProber(time.Second, zap.NewNop())
	err := p.WaitUntilReady(context.Background(), "http://127.0.0.1:1", 30*time.Millisecond, time.Millisecond)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimedOut)
}

func TestWaitUntilReady_Non200IsNotReady(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	p := NewProber(time.Second, zap.NewNop())
	err := p.WaitUntilReady(context.Background(), server.URL, 30*time.Millisecond, time.Millisecond)

	assert.ErrorIs(t, err, ErrTimedOut)
}

func TestWaitUntilReady_CanceledContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"state": "LOADING"}`))
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewProber(time.Second, zap.NewNop())
	err := p.WaitUntilReady(ctx, server.URL, time.Minute, time.Millisecond)

	// Shutdown cancellation surfaces as cancellation, not as a timeout.
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTimedOut)
}
