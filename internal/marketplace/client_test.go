package marketplace

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sprinterhq/sprinter/internal/config"
	"github.com/sprinterhq/sprinter/models"
)

func testMarketplaceConfig(url string) config.MarketplaceConfig {
	return config.MarketplaceConfig{
		APIURL:             url,
		APIKey:             "test-key",
		GPUType:            "RTX_4090",
		NumGPUs:            2,
		MinVRAMGb:          24,
		MaxPricePerHour:    1.0,
		DiskSizeGb:         50,
		Image:              "nvidia/cuda:12.1.0-base-ubuntu22.04",
		ExposedPort:        5070,
		Label:              "sprinter-poc",
		RequestTimeout:     time.Second,
		StatusPollInterval: time.Millisecond,
		StatusPollAttempts: 3,
	}
}

func TestSearchOffers_FilterAndSorting(t *testing.T) {
	var gotQuery map[string]map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/bundles/", r.URL.Path)
		require.Equal(t, "test-key", r.URL.Query().Get("api_key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotQuery))

		_, _ = w.Write([]byte(`{"offers": [
			{"id": 1, "gpu_name": "RTX 4090", "num_gpus": 2, "gpu_ram": 24, "dph_total": 0.80, "verified": true},
			{"id": 2, "gpu_name": "RTX 4090", "num_gpus": 2, "gpu_ram": 24, "dph_total": 0.40, "verified": true}
		]}`))
	}))
	defer server.Close()

	c := NewClient(testMarketplaceConfig(server.URL), zap.NewNop())
	offers, err := c.SearchOffers(context.Background())

	require.NoError(t, err)
	require.Len(t, offers, 2)

	// Sorted by price ascending.
	assert.Equal(t, "2", offers[0].ID)
	assert.InDelta(t, 0.40, offers[0].PricePerHour, 1e-9)

	// Rental filter made it onto the wire.
	assert.Equal(t, map[string]interface{}{"eq": "RTX_4090"}, gotQuery["gpu_name"])
	assert.Equal(t, map[string]interface{}{"eq": float64(2)}, gotQuery["num_gpus"])
	assert.Equal(t, map[string]interface{}{"gte": float64(24)}, gotQuery["gpu_ram"])
	assert.Equal(t, map[string]interface{}{"lte": float64(1.0)}, gotQuery["dph_total"])
	assert.Equal(t, map[string]interface{}{"eq": true}, gotQuery["rentable"])
}

func TestSearchOffers_AnyGPUSkipsNameFilter(t *testing.T) {
	var gotQuery map[string]map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotQuery))
		_, _ = w.Write([]byte(`{"offers": [{"id": 1, "gpu_name": "A100", "num_gpus": 2, "gpu_ram": 40, "dph_total": 0.9}]}`))
	}))
	defer server.Close()

	cfg := testMarketplaceConfig(server.URL)
	cfg.GPUType = "ANY"

	c := NewClient(cfg, zap.NewNop())
	_, err := c.SearchOffers(context.Background())

	require.NoError(t, err)
	assert.NotContains(t, gotQuery, "gpu_name")
}

func TestSearchOffers_EmptyResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"offers": []}`))
	}))
	defer server.Close()

	c := NewClient(testMarketplaceConfig(server.URL), zap.NewNop())
	_, err := c.SearchOffers(context.Background())

	assert.ErrorIs(t, err, ErrNoOffers)
}

func TestCreateInstance(t *testing.T) {
	var gotBody map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/asks/7001/", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = w.Write([]byte(`{"success": true, "new_contract": 12345}`))
	}))
	defer server.Close()

	c := NewClient(testMarketplaceConfig(server.URL), zap.NewNop())
	offer := &models.Offer{ID: "7001", GPUName: "RTX 4090", GPUCount: 2, PricePerHour: 0.40}
	inst, err := c.CreateInstance(context.Background(), offer)

	require.NoError(t, err)
	assert.Equal(t, "12345", inst.InstanceID)
	assert.Equal(t, "7001", inst.OfferID)
	assert.Equal(t, 5070, inst.InternalPort)
	assert.Equal(t, models.InstanceProvisioning, inst.State)

	assert.Equal(t, "me", gotBody["client_id"])
	assert.Equal(t, "sprinter-poc", gotBody["label"])
	env, ok := gotBody["env"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, env, "-p 5070:5070")
}

func TestCreateInstance_Rejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success": false, "msg": "instance sold"}`))
	}))
	defer server.Close()

	c := NewClient(testMarketplaceConfig(server.URL), zap.NewNop())
	_, err := c.CreateInstance(context.Background(), &models.Offer{ID: "7001"})

	require.Error(t, err)
	var provErr *ProvisioningError
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, "7001", provErr.OfferID)
	assert.Contains(t, err.Error(), "instance sold")
}

func TestGetInstance(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/instances/12345/", r.URL.Path)
		_, _ = w.Write([]byte(`{"instances": {
			"id": 12345,
			"actual_status": "running",
			"ssh_host": "203.0.113.7",
			"ssh_port": 41234,
			"total_cost": 0.12
		}}`))
	}))
	defer server.Close()

	c := NewClient(testMarketplaceConfig(server.URL), zap.NewNop())
	status, err := c.GetInstance(context.Background(), "12345")

	require.NoError(t, err)
	assert.True(t, status.Running())
	assert.Equal(t, "203.0.113.7", status.SSHHost)
	assert.InDelta(t, 0.12, status.TotalCost, 1e-9)
}

func TestDestroyInstance_NotFoundIsSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	c := NewClient(testMarketplaceConfig(server.URL), zap.NewNop())
	err := c.DestroyInstance(context.Background(), "12345")

	assert.NoError(t, err)
}

func TestDestroyInstance_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := NewClient(testMarketplaceConfig(server.URL), zap.NewNop())
	err := c.DestroyInstance(context.Background(), "12345")

	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.Temporary())
}

func TestAPIError_Temporary(t *testing.T) {
	assert.True(t, (&APIError{StatusCode: 503}).Temporary())
	assert.False(t, (&APIError{StatusCode: 400}).Temporary())
	assert.False(t, (&APIError{StatusCode: 404}).Temporary())
}
