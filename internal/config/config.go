// Package config provides configuration management for Sprinter.
//
// This package handles loading configuration from multiple sources:
//   - YAML configuration files
//   - Environment variables (with SPR_ prefix)
//   - .env files
//   - Default values
//
// # Configuration Sources Priority
//
// Configuration is loaded in the following order (later sources override earlier ones):
//  1. Default values (hardcoded)
//  2. Configuration files (./config.yaml, ./configs/config.yaml, ~/.sprinter/config.yaml, /etc/sprinter/config.yaml)
//  3. .env files
//  4. Environment variables (SPR_ prefix)
//
// # Usage Example
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Chain node: %s\n", cfg.Chain.NodeURL)
//
// # Environment Variables
//
// Environment variables override all other configuration sources.
// Use SPR_ prefix and underscores for nested keys:
//   - SPR_MARKETPLACE_API_KEY=...
//   - SPR_SCHEDULER_LEAD_TIME=30m
//   - SPR_PROXY_PORT=8080
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the root configuration structure for Sprinter.
type Config struct {
	// Marketplace contains the GPU marketplace API settings and rental filter
	Marketplace MarketplaceConfig `mapstructure:"marketplace"`

	// Chain contains the blockchain query endpoint settings
	Chain ChainConfig `mapstructure:"chain"`

	// ControlPlane contains the node admin API settings
	ControlPlane ControlPlaneConfig `mapstructure:"control_plane"`

	// Scheduler contains the PoC lifecycle timing policy
	Scheduler SchedulerConfig `mapstructure:"scheduler"`

	// Node contains the registration descriptor submitted to the control plane
	Node NodeConfig `mapstructure:"node"`

	// Proxy contains the inference-forwarding proxy settings
	Proxy ProxyConfig `mapstructure:"proxy"`

	// Logging contains logging settings
	Logging LoggingConfig `mapstructure:"logging"`
}

// MarketplaceConfig contains the GPU marketplace API settings and the
// rental filter applied when searching offers.
type MarketplaceConfig struct {
	// APIURL is the marketplace REST base URL
	APIURL string `mapstructure:"api_url" validate:"required,url"`

	// APIKey authenticates marketplace requests
	APIKey string `mapstructure:"api_key"`

	// GPUType is the GPU model filter ("ANY" disables the filter)
	GPUType string `mapstructure:"gpu_type"`

	// NumGPUs is the required GPU count per machine
	NumGPUs int `mapstructure:"num_gpus" validate:"min=1"`

	// MinVRAMGb is the minimum VRAM per GPU in gigabytes
	MinVRAMGb int `mapstructure:"min_vram_gb"`

	// MaxPricePerHour is the rental price ceiling in USD
	MaxPricePerHour float64 `mapstructure:"max_price_per_hour" validate:"gt=0"`

	// DiskSizeGb is the requested disk allocation
	DiskSizeGb int `mapstructure:"disk_size_gb"`

	// Image is the container image the instance runs
	Image string `mapstructure:"image" validate:"required"`

	// ExposedPort is the container-internal port the application listens
	// on. The marketplace may remap it externally; never assume identity.
	ExposedPort int `mapstructure:"exposed_port" validate:"min=1,max=65535"`

	// Label tags instances created by this process so orphans can be found
	Label string `mapstructure:"label"`

	// RequestTimeout bounds individual marketplace API calls
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// StatusPollInterval and StatusPollAttempts bound the port-mapping
	// resolution loop against the instance status endpoint
	StatusPollInterval time.Duration `mapstructure:"status_poll_interval"`
	StatusPollAttempts int           `mapstructure:"status_poll_attempts"`

	// SSHUser and SSHKeyPath configure the remote-command fallback used
	// to read port mappings from the container's own environment
	SSHUser    string `mapstructure:"ssh_user"`
	SSHKeyPath string `mapstructure:"ssh_key_path"`
}

// ChainConfig contains the blockchain public query endpoint settings.
type ChainConfig struct {
	// NodeURL is the chain node base URL
	NodeURL string `mapstructure:"node_url" validate:"required,url"`

	// BlockTime is the average block interval used to convert block
	// heights into wall-clock predictions
	BlockTime time.Duration `mapstructure:"block_time"`

	// RequestTimeout bounds individual chain queries
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// MaxRetries bounds the retry budget for a single epoch fetch
	MaxRetries int `mapstructure:"max_retries"`
}

// ControlPlaneConfig contains the node admin API settings.
type ControlPlaneConfig struct {
	// AdminURL is the control plane admin API base URL
	AdminURL string `mapstructure:"admin_url" validate:"required,url"`

	// RequestTimeout bounds individual admin API calls
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// MaxRetries bounds the retry budget for transient failures
	MaxRetries int `mapstructure:"max_retries"`
}

// SchedulerConfig contains the PoC lifecycle timing policy.
type SchedulerConfig struct {
	// LeadTime is how long before a predicted PoC start provisioning begins
	LeadTime time.Duration `mapstructure:"lead_time"`

	// CheckInterval is the chain polling cadence while idle
	CheckInterval time.Duration `mapstructure:"check_interval"`

	// StartupTimeout bounds the wait for application readiness. Generous
	// on purpose: first boot may download large model assets.
	StartupTimeout time.Duration `mapstructure:"startup_timeout"`

	// ProbeInterval is the readiness polling cadence
	ProbeInterval time.Duration `mapstructure:"probe_interval"`

	// ProbeRequestTimeout bounds each individual readiness request
	ProbeRequestTimeout time.Duration `mapstructure:"probe_request_timeout"`

	// PhaseTimeout is the safety margin added past the predicted phase end
	// before the cycle is forcibly torn down
	PhaseTimeout time.Duration `mapstructure:"phase_timeout"`

	// PhasePollInterval is the cadence of completion checks while Active
	PhasePollInterval time.Duration `mapstructure:"phase_poll_interval"`

	// ProvisionAttempts bounds create retries within one cycle
	ProvisionAttempts int `mapstructure:"provision_attempts"`

	// ProvisionRetryWait separates create retries
	ProvisionRetryWait time.Duration `mapstructure:"provision_retry_wait"`

	// MaxDailySpend is the USD ceiling across all cycles of one UTC day;
	// once reached, new cycles are skipped until the counter resets
	MaxDailySpend float64 `mapstructure:"max_daily_spend"`
}

// NodeConfig contains the registration descriptor submitted to the
// control plane for the rented instance.
type NodeConfig struct {
	// IDPrefix prefixes generated node identifiers
	IDPrefix string `mapstructure:"id_prefix"`

	// PoCModel is the model the node advertises for PoC work
	PoCModel string `mapstructure:"poc_model" validate:"required"`

	// APISegment is the node's admin/PoC path segment (e.g. /api/v1)
	APISegment string `mapstructure:"api_segment"`

	// InferenceSegment is the node's OpenAI-compatible path segment (e.g. /v1)
	InferenceSegment string `mapstructure:"inference_segment"`

	// MaxConcurrent is the advertised concurrency limit
	MaxConcurrent int `mapstructure:"max_concurrent"`

	// HardwareType and HardwareCount describe the advertised accelerators
	HardwareType  string `mapstructure:"hardware_type"`
	HardwareCount int    `mapstructure:"hardware_count"`
}

// ProxyConfig contains the inference-forwarding proxy settings.
type ProxyConfig struct {
	// Host is the bind address
	Host string `mapstructure:"host"`

	// Port is the listen port
	Port int `mapstructure:"port" validate:"min=1,max=65535"`

	// PublicHost is the address advertised to the control plane when the
	// proxy registers itself (defaults to Host when empty)
	PublicHost string `mapstructure:"public_host"`

	// UpstreamURL is the hosted inference API base URL
	UpstreamURL string `mapstructure:"upstream_url" validate:"required,url"`

	// UpstreamAPIKey authenticates forwarded requests
	UpstreamAPIKey string `mapstructure:"upstream_api_key"`

	// Model is the model name served through the proxy
	Model string `mapstructure:"model"`

	// ForwardTimeout bounds one forwarded inference request
	ForwardTimeout time.Duration `mapstructure:"forward_timeout"`

	// RateLimit is the maximum requests per second per client
	RateLimit int `mapstructure:"rate_limit"`

	// Register announces the proxy to the control plane on startup
	Register bool `mapstructure:"register"`

	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error)
	Level string `mapstructure:"level"`

	// Format is the log format (json, console)
	Format string `mapstructure:"format"`

	// Output is the log output destination (stdout, stderr or a file path)
	Output string `mapstructure:"output"`
}

// Load reads configuration from a file and environment variables.
// If cfgFile is empty, it searches for config.yaml in standard locations.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (SPR_ prefix)
//  2. .env file
//  3. Configuration file
//  4. Default values
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.sprinter")
		v.AddConfigPath("/etc/sprinter")
	}

	if err := v.ReadInConfig(); err != nil {
		// An explicitly specified file may legitimately not exist yet; any
		// other read error is fatal either way.
		if cfgFile != "" {
			if !isFileNotFoundError(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		} else {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.MergeInConfig() // Ignore error if .env file doesn't exist

	v.SetEnvPrefix("SPR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("marketplace.api_url", "https://console.vast.ai/api/v0")
	// Secrets default to empty so the env override is always visible to
	// viper's key registry.
	v.SetDefault("marketplace.api_key", "")
	v.SetDefault("marketplace.gpu_type", "RTX_4090")
	v.SetDefault("marketplace.num_gpus", 2)
	v.SetDefault("marketplace.min_vram_gb", 24)
	v.SetDefault("marketplace.max_price_per_hour", 1.0)
	v.SetDefault("marketplace.disk_size_gb", 50)
	v.SetDefault("marketplace.image", "nvidia/cuda:12.1.0-base-ubuntu22.04")
	v.SetDefault("marketplace.exposed_port", 5070)
	v.SetDefault("marketplace.label", "sprinter-poc")
	v.SetDefault("marketplace.request_timeout", "30s")
	v.SetDefault("marketplace.status_poll_interval", "10s")
	v.SetDefault("marketplace.status_poll_attempts", 18)
	v.SetDefault("marketplace.ssh_user", "root")
	v.SetDefault("marketplace.ssh_key_path", "$HOME/.ssh/id_rsa")

	v.SetDefault("chain.node_url", "http://node2.gonka.ai:8000")
	v.SetDefault("chain.block_time", "6s")
	v.SetDefault("chain.request_timeout", "10s")
	v.SetDefault("chain.max_retries", 3)

	v.SetDefault("control_plane.admin_url", "http://localhost:9200")
	v.SetDefault("control_plane.request_timeout", "30s")
	v.SetDefault("control_plane.max_retries", 4)

	v.SetDefault("scheduler.lead_time", "30m")
	v.SetDefault("scheduler.check_interval", "5m")
	v.SetDefault("scheduler.startup_timeout", "30m")
	v.SetDefault("scheduler.probe_interval", "5s")
	v.SetDefault("scheduler.probe_request_timeout", "10s")
	v.SetDefault("scheduler.phase_timeout", "15m")
	v.SetDefault("scheduler.phase_poll_interval", "30s")
	v.SetDefault("scheduler.provision_attempts", 3)
	v.SetDefault("scheduler.provision_retry_wait", "30s")
	v.SetDefault("scheduler.max_daily_spend", 2.0)

	v.SetDefault("node.id_prefix", "sprinter-node")
	v.SetDefault("node.poc_model", "Qwen/Qwen2.5-7B-Instruct")
	v.SetDefault("node.api_segment", "/api/v1")
	v.SetDefault("node.inference_segment", "/v1")
	v.SetDefault("node.max_concurrent", 100)
	v.SetDefault("node.hardware_type", "RTX_4090")
	v.SetDefault("node.hardware_count", 1)

	v.SetDefault("proxy.host", "0.0.0.0")
	v.SetDefault("proxy.port", 8080)
	v.SetDefault("proxy.public_host", "")
	v.SetDefault("proxy.upstream_url", "https://api.hyperbolic.xyz")
	v.SetDefault("proxy.upstream_api_key", "")
	v.SetDefault("proxy.model", "Qwen/QwQ-32B")
	v.SetDefault("proxy.forward_timeout", "5m")
	v.SetDefault("proxy.rate_limit", 100)
	v.SetDefault("proxy.register", false)
	v.SetDefault("proxy.read_timeout", "30s")
	v.SetDefault("proxy.write_timeout", "6m")
	v.SetDefault("proxy.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

var structValidator = validator.New()

func validate(cfg *Config) error {
	if err := structValidator.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return fmt.Errorf("field %s failed %q validation", f.Namespace(), f.Tag())
		}
		return err
	}

	if cfg.Scheduler.LeadTime <= 0 {
		return fmt.Errorf("scheduler lead_time must be positive")
	}
	if cfg.Scheduler.StartupTimeout <= 0 {
		return fmt.Errorf("scheduler startup_timeout must be positive")
	}
	if cfg.Chain.BlockTime <= 0 {
		return fmt.Errorf("chain block_time must be positive")
	}

	return nil
}

// ExpandedSSHKeyPath returns the marketplace SSH key path with $HOME expanded.
func (c *MarketplaceConfig) ExpandedSSHKeyPath() string {
	return strings.Replace(c.SSHKeyPath, "$HOME", os.Getenv("HOME"), 1)
}

// isFileNotFoundError checks if an error is a file not found error.
func isFileNotFoundError(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return errors.Is(pathErr, os.ErrNotExist)
	}
	return false
}
