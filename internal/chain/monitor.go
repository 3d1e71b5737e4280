// Package chain polls the blockchain's public epoch endpoint and predicts
// when the next proof-of-compute phase opens.
package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/sprinterhq/sprinter/internal/config"
	"github.com/sprinterhq/sprinter/models"
)

// Monitor computes best-effort PoC window predictions from on-chain block
// heights. Predictions are recomputed each polling cycle and a newer one
// simply supersedes the prior one.
type Monitor struct {
	cfg      config.ChainConfig
	leadTime time.Duration
	http     *http.Client
	logger   *zap.Logger

	// now is replaceable in tests.
	now func() time.Time
}

// NewMonitor creates a window monitor. leadTime is subtracted from the
// predicted phase start to produce the provisioning signal.
func NewMonitor(cfg config.ChainConfig, leadTime time.Duration, logger *zap.Logger) *Monitor {
	return &Monitor{
		cfg:      cfg,
		leadTime: leadTime,
		http:     &http.Client{Timeout: cfg.RequestTimeout},
		logger:   logger,
		now:      time.Now,
	}
}

// CurrentEpoch fetches the chain's latest epoch payload, retrying transient
// failures with exponential backoff up to the configured budget. Budget
// exhaustion surfaces as an error so the caller can skip the cycle instead
// of silently missing the PoC.
func (m *Monitor) CurrentEpoch(ctx context.Context) (*models.EpochStatus, error) {
	url := m.cfg.NodeURL + "/api/v1/epochs/latest"

	var status models.EpochStatus
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		resp, err := m.http.Do(req)
		if err != nil {
			m.logger.Warn("epoch fetch failed", zap.Error(err))
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			err := fmt.Errorf("chain endpoint returned %d: %s", resp.StatusCode, body)
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return backoff.Permanent(err)
			}
			m.logger.Warn("epoch fetch failed", zap.Error(err))
			return err
		}

		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode epoch payload: %w", err))
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(m.cfg.MaxRetries)),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, fmt.Errorf("epoch fetch exhausted retry budget: %w", err)
	}
	return &status, nil
}

// NextWindow predicts the next PoC phase from the current epoch payload.
// Block heights are converted to wall-clock times using the configured
// average block interval; the result is an estimate, not a guarantee.
func (m *Monitor) NextWindow(ctx context.Context) (*models.PoCWindow, error) {
	status, err := m.CurrentEpoch(ctx)
	if err != nil {
		return nil, err
	}
	return m.windowFromEpoch(status)
}

func (m *Monitor) windowFromEpoch(status *models.EpochStatus) (*models.PoCWindow, error) {
	stages := status.NextStages
	if stages.PoCStart == 0 || stages.PoCValidationEnd == 0 {
		return nil, fmt.Errorf("epoch payload is missing next stage heights (epoch %d)", status.LatestEpoch.Index)
	}
	if stages.PoCValidationEnd < stages.PoCStart {
		return nil, fmt.Errorf("inconsistent stage heights: poc_start %d after poc_validation_end %d",
			stages.PoCStart, stages.PoCValidationEnd)
	}

	now := m.now()
	blocksToStart := stages.PoCStart - status.BlockHeight
	if blocksToStart < 0 {
		blocksToStart = 0
	}
	startsAt := now.Add(time.Duration(blocksToStart) * m.cfg.BlockTime)
	endsAt := startsAt.Add(time.Duration(stages.PoCValidationEnd-stages.PoCStart) * m.cfg.BlockTime)

	window := &models.PoCWindow{
		EpochIndex: stages.EpochIndex,
		LeadAt:     startsAt.Add(-m.leadTime),
		StartsAt:   startsAt,
		EndsAt:     endsAt,
		ComputedAt: now,
	}

	m.logger.Debug("computed PoC window",
		zap.Int64("epoch", window.EpochIndex),
		zap.Int64("block_height", status.BlockHeight),
		zap.Int64("poc_start_block", stages.PoCStart),
		zap.Duration("time_to_poc", startsAt.Sub(now)),
		zap.Duration("poc_duration", window.Duration()))
	return window, nil
}
