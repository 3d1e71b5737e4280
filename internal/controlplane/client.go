// Package controlplane wraps the network node's admin API for registering
// and unregistering compute nodes, and for reading their PoC status.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/sprinterhq/sprinter/internal/config"
	"github.com/sprinterhq/sprinter/models"
)

// APIError is a non-2xx response from the admin API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("control plane returned %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether the failure may clear on retry. A 4xx is a
// request-shape problem and never retried.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500
}

// Client talks to the control plane's node admin API.
type Client struct {
	cfg    config.ControlPlaneConfig
	http   *http.Client
	logger *zap.Logger
}

// NewClient creates an admin API client.
func NewClient(cfg config.ControlPlaneConfig, logger *zap.Logger) *Client {
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.RequestTimeout},
		logger: logger,
	}
}

// Register submits a node descriptor. Transient failures are retried with
// exponential backoff up to the configured budget; explicit rejections
// surface immediately.
func (c *Client) Register(ctx context.Context, rec models.NodeRegistration) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal registration: %w", err)
	}

	err = c.retry(ctx, func() error {
		return c.do(ctx, http.MethodPost, "/admin/v1/nodes", payload, nil)
	})
	if err != nil {
		return fmt.Errorf("node registration failed: %w", err)
	}

	c.logger.Info("node registered",
		zap.String("node_id", rec.ID),
		zap.String("host", rec.Host),
		zap.Int("poc_port", rec.PoCPort))
	return nil
}

// Unregister removes a node. Idempotent: a node that is already absent
// (404) counts as success.
func (c *Client) Unregister(ctx context.Context, nodeID string) error {
	path := "/admin/v1/nodes/" + nodeID

	err := c.retry(ctx, func() error {
		err := c.do(ctx, http.MethodDelete, path, nil, nil)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			c.logger.Info("node already unregistered", zap.String("node_id", nodeID))
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("node unregistration failed: %w", err)
	}

	c.logger.Info("node unregistered", zap.String("node_id", nodeID))
	return nil
}

// ListNodes returns all registered nodes with their runtime state.
func (c *Client) ListNodes(ctx context.Context) ([]models.RegisteredNode, error) {
	var nodes []models.RegisteredNode
	err := c.retry(ctx, func() error {
		return c.do(ctx, http.MethodGet, "/admin/v1/nodes", nil, &nodes)
	})
	if err != nil {
		return nil, fmt.Errorf("node listing failed: %w", err)
	}
	return nodes, nil
}

// NodeStatus looks up a single node in the control plane listing. The
// second return value reports whether the node is currently known.
func (c *Client) NodeStatus(ctx context.Context, nodeID string) (*models.RegisteredNode, bool, error) {
	nodes, err := c.ListNodes(ctx)
	if err != nil {
		return nil, false, err
	}
	for i := range nodes {
		if nodes[i].Node.ID == nodeID {
			return &nodes[i], true, nil
		}
	}
	return nil, false, nil
}

// retry wraps an operation in the bounded backoff policy, marking explicit
// 4xx rejections permanent.
func (c *Client) retry(ctx context.Context, op func() error) error {
	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Temporary() {
			return backoff.Permanent(err)
		}
		c.logger.Warn("control plane call failed, will retry", zap.Error(err))
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.cfg.MaxRetries)),
		ctx,
	)
	return backoff.Retry(wrapped, policy)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.AdminURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("control plane request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Message: string(msg)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
