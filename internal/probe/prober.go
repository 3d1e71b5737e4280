// Package probe polls a remote application's own state endpoint until it
// reports ready. The marketplace's "instance running" signal is an
// infrastructure-level fact and says nothing about the application, which
// may still be downloading model assets; only the application's reported
// state counts.
package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// ErrTimedOut is returned when the application never reports a ready state
// within the deadline.
var ErrTimedOut = errors.New("application did not become ready before the deadline")

// readyStates are the application states that mean "up and serving". A
// freshly booted node settles into one of these once its models are loaded.
var readyStates = map[string]bool{
	"STOPPED":   true,
	"INFERENCE": true,
	"POW":       true,
}

type stateResponse struct {
	State string `json:"state"`
}

// Prober polls an HTTP state endpoint.
type Prober struct {
	http   *http.Client
	logger *zap.Logger
}

// NewProber creates a prober. requestTimeout bounds each individual poll.
func NewProber(requestTimeout time.Duration, logger *zap.Logger) *Prober {
	return &Prober{
		http:   &http.Client{Timeout: requestTimeout},
		logger: logger,
	}
}

// WaitUntilReady polls stateURL every interval until the application
// reports a ready state or timeout elapses. Connection refused/reset while
// the remote container boots is expected and treated as "not yet ready";
// every failed attempt is logged with its cause for postmortem diagnosis.
func (p *Prober) WaitUntilReady(ctx context.Context, stateURL string, timeout, interval time.Duration) error {
	deadline := time.Now().Add(timeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	start := time.Now()
	attempt := 0
	for {
		attempt++

		state, err := p.fetchState(ctx, stateURL)
		switch {
		case err != nil:
			p.logger.Debug("readiness probe failed",
				zap.String("url", stateURL),
				zap.Int("attempt", attempt),
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(err))
		case readyStates[state]:
			p.logger.Info("application is ready",
				zap.String("url", stateURL),
				zap.String("state", state),
				zap.Int("attempts", attempt),
				zap.Duration("elapsed", time.Since(start)))
			return nil
		default:
			p.logger.Debug("application not ready yet",
				zap.String("url", stateURL),
				zap.String("state", state),
				zap.Int("attempt", attempt),
				zap.Duration("elapsed", time.Since(start)))
		}

		select {
		case <-ctx.Done():
			// A canceled parent (shutdown) is not a readiness timeout.
			if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ctx.Err()
			}
			p.logger.Warn("readiness probing gave up",
				zap.String("url", stateURL),
				zap.Int("attempts", attempt),
				zap.Duration("elapsed", time.Since(start)))
			return fmt.Errorf("%w (after %s, %d attempts)", ErrTimedOut, time.Since(start).Round(time.Second), attempt)
		case <-time.After(interval):
		}
	}
}

func (p *Prober) fetchState(ctx context.Context, stateURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, stateURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("state endpoint returned %d", resp.StatusCode)
	}

	var body stateResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode state response: %w", err)
	}
	return body.State, nil
}
