// Package marketplace wraps the GPU marketplace's rental REST API: offer
// search, instance create/status/destroy and external port resolution.
//
// The marketplace bills for every second an instance exists, so callers own
// a hard obligation: once CreateInstance succeeds, DestroyInstance must be
// attempted on every exit path.
package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"github.com/sprinterhq/sprinter/internal/config"
	"github.com/sprinterhq/sprinter/models"
)

// ErrNoOffers is returned by SearchOffers when nothing on the marketplace
// matches the configured rental filter.
var ErrNoOffers = errors.New("no offers match the rental filter")

// APIError is a non-2xx response from the marketplace API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("marketplace API returned %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether the failure is worth retrying. Explicit 4xx
// rejections describe a request-shape problem and are final.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500
}

// ProvisioningError wraps a failed instance creation.
type ProvisioningError struct {
	OfferID string
	Err     error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning from offer %s failed: %v", e.OfferID, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// Client talks to a vast.ai-style GPU marketplace.
type Client struct {
	cfg    config.MarketplaceConfig
	http   *http.Client
	runner CommandRunner
	logger *zap.Logger
}

// NewClient creates a marketplace client. The command runner is used only
// for the remote-environment port-resolution fallback and may be replaced
// in tests.
func NewClient(cfg config.MarketplaceConfig, logger *zap.Logger) *Client {
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.RequestTimeout},
		runner: NewSSHRunner(cfg.SSHUser, cfg.ExpandedSSHKeyPath()),
		logger: logger,
	}
}

// WithRunner replaces the remote command runner. Intended for tests.
func (c *Client) WithRunner(r CommandRunner) *Client {
	c.runner = r
	return c
}

// searchQuery is the marketplace's offer filter document. Each field is a
// comparison clause, e.g. {"gte": 24}.
type searchQuery map[string]map[string]interface{}

type searchResponse struct {
	Offers []offerPayload `json:"offers"`
}

type offerPayload struct {
	ID        int64   `json:"id"`
	GPUName   string  `json:"gpu_name"`
	NumGPUs   int     `json:"num_gpus"`
	GPURAM    int     `json:"gpu_ram"`
	DPHTotal  float64 `json:"dph_total"`
	DiskSpace float64 `json:"disk_space"`
	InetUp    float64 `json:"inet_up"`
	InetDown  float64 `json:"inet_down"`
	HostID    int64   `json:"host_id"`
	Verified  bool    `json:"verified"`
}

// SearchOffers queries rentable machines matching the configured GPU
// filter, sorted by price ascending.
func (c *Client) SearchOffers(ctx context.Context) ([]models.Offer, error) {
	query := searchQuery{
		"verified":   {"eq": true},
		"external":   {"eq": false},
		"rentable":   {"eq": true},
		"num_gpus":   {"eq": c.cfg.NumGPUs},
		"gpu_ram":    {"gte": c.cfg.MinVRAMGb},
		"dph_total":  {"lte": c.cfg.MaxPricePerHour},
		"disk_space": {"gte": c.cfg.DiskSizeGb},
	}
	if c.cfg.GPUType != "" && c.cfg.GPUType != "ANY" {
		query["gpu_name"] = map[string]interface{}{"eq": c.cfg.GPUType}
	}

	var resp searchResponse
	if err := c.do(ctx, http.MethodPost, "/bundles/", query, &resp); err != nil {
		return nil, fmt.Errorf("offer search failed: %w", err)
	}
	if len(resp.Offers) == 0 {
		return nil, ErrNoOffers
	}

	offers := make([]models.Offer, 0, len(resp.Offers))
	for _, o := range resp.Offers {
		offers = append(offers, models.Offer{
			ID:           strconv.FormatInt(o.ID, 10),
			GPUName:      o.GPUName,
			GPUCount:     o.NumGPUs,
			GPURAMGb:     o.GPURAM,
			PricePerHour: o.DPHTotal,
			DiskSpaceGb:  int(o.DiskSpace),
			InetUpMbps:   o.InetUp,
			InetDownMbps: o.InetDown,
			HostID:       o.HostID,
			Verified:     o.Verified,
		})
	}
	sort.Slice(offers, func(i, j int) bool {
		return offers[i].PricePerHour < offers[j].PricePerHour
	})

	c.logger.Info("offer search completed",
		zap.Int("offers", len(offers)),
		zap.String("gpu_type", c.cfg.GPUType),
		zap.Float64("max_price", c.cfg.MaxPricePerHour))
	return offers, nil
}

type createResponse struct {
	Success     bool   `json:"success"`
	NewContract int64  `json:"new_contract"`
	Msg         string `json:"msg"`
}

// CreateInstance rents the given offer with the configured container image
// and port declaration. The returned instance is in Provisioning state;
// its port mapping is not resolved yet.
func (c *Client) CreateInstance(ctx context.Context, offer *models.Offer) (*models.Instance, error) {
	body := map[string]interface{}{
		"client_id": "me",
		"image":     c.cfg.Image,
		"disk":      c.cfg.DiskSizeGb,
		"label":     c.cfg.Label,
		// Marketplace-style port publication: the provider assigns an
		// arbitrary external mapping for the declared internal port.
		"env": map[string]string{
			fmt.Sprintf("-p %d:%d", c.cfg.ExposedPort, c.cfg.ExposedPort): "1",
		},
	}

	var resp createResponse
	path := fmt.Sprintf("/asks/%s/", offer.ID)
	if err := c.do(ctx, http.MethodPut, path, body, &resp); err != nil {
		return nil, &ProvisioningError{OfferID: offer.ID, Err: err}
	}
	if !resp.Success {
		return nil, &ProvisioningError{OfferID: offer.ID, Err: fmt.Errorf("marketplace rejected the request: %s", resp.Msg)}
	}

	inst := &models.Instance{
		InstanceID:   strconv.FormatInt(resp.NewContract, 10),
		OfferID:      offer.ID,
		InternalPort: c.cfg.ExposedPort,
		GPUName:      offer.GPUName,
		GPUCount:     offer.GPUCount,
		PricePerHour: offer.PricePerHour,
		State:        models.InstanceProvisioning,
	}
	c.logger.Info("instance created",
		zap.String("instance_id", inst.InstanceID),
		zap.String("offer_id", offer.ID),
		zap.Float64("price_per_hour", offer.PricePerHour))
	return inst, nil
}

type statusResponse struct {
	Instances models.InstanceStatus `json:"instances"`
}

// GetInstance fetches the raw marketplace status for an instance. The
// "running" signal here is infrastructure-level only; application readiness
// is the prober's job.
func (c *Client) GetInstance(ctx context.Context, instanceID string) (*models.InstanceStatus, error) {
	var resp statusResponse
	path := fmt.Sprintf("/instances/%s/", instanceID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("instance status failed: %w", err)
	}
	return &resp.Instances, nil
}

type listResponse struct {
	Instances []models.InstanceStatus `json:"instances"`
}

// ListInstances returns every instance owned by the account. Used by the
// orphan cleanup command.
func (c *Client) ListInstances(ctx context.Context) ([]models.InstanceStatus, error) {
	var resp listResponse
	if err := c.do(ctx, http.MethodGet, "/instances/", nil, &resp); err != nil {
		return nil, fmt.Errorf("instance listing failed: %w", err)
	}
	return resp.Instances, nil
}

// DestroyInstance deletes a rented instance. Idempotent: destroying an
// already-destroyed or unknown instance is treated as already-satisfied.
func (c *Client) DestroyInstance(ctx context.Context, instanceID string) error {
	path := fmt.Sprintf("/instances/%s/", instanceID)
	err := c.do(ctx, http.MethodDelete, path, nil, nil)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			c.logger.Info("instance already gone", zap.String("instance_id", instanceID))
			return nil
		}
		return fmt.Errorf("instance destroy failed: %w", err)
	}
	c.logger.Info("instance destroyed", zap.String("instance_id", instanceID))
	return nil
}

// do issues an authenticated request and decodes the JSON response into
// out (when non-nil).
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	url := fmt.Sprintf("%s%s?api_key=%s", c.cfg.APIURL, path, c.cfg.APIKey)

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("marketplace request failed: %w", err)
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
