// Package proxy implements the stateless inference-forwarding proxy: it
// exposes the compute-node HTTP surface the control plane expects (health,
// state, admin toggles, OpenAI-compatible inference) while forwarding the
// actual inference work to a hosted third-party API.
package proxy

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sprinterhq/sprinter/internal/config"
	"github.com/sprinterhq/sprinter/internal/controlplane"
	"github.com/sprinterhq/sprinter/models"
)

// Node states reported through the /state endpoint. The proxy serves
// steady-state inference, so it boots in NodeStateInference.
const (
	NodeStateStopped   = "STOPPED"
	NodeStateInference = "INFERENCE"
	NodeStatePoW       = "POW"
)

// Server is the proxy HTTP server.
type Server struct {
	echo      *echo.Echo
	cfg       config.ProxyConfig
	nodeCfg   config.NodeConfig
	forwarder *Forwarder
	registrar *controlplane.Client
	logger    *zap.Logger

	mu     sync.RWMutex
	state  string
	nodeID string
}

// New creates a proxy server. registrar may be nil when control-plane
// self-registration is disabled.
func New(cfg config.ProxyConfig, nodeCfg config.NodeConfig, registrar *controlplane.Client, logger *zap.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:      e,
		cfg:       cfg,
		nodeCfg:   nodeCfg,
		forwarder: NewForwarder(cfg, logger),
		registrar: registrar,
		logger:    logger,
		state:     NodeStateInference,
		nodeID:    models.GenerateID(nodeCfg.IDPrefix),
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures Echo middleware.
func (s *Server) setupMiddleware() {
	s.echo.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "[${time_rfc3339}] ${status} ${method} ${uri} (${latency_human})\n",
	}))

	s.echo.Use(middleware.Recover())

	if s.cfg.RateLimit > 0 {
		s.echo.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(
			rate.Limit(s.cfg.RateLimit),
		)))
	}
}

// setupRoutes wires the compute-node surface. Health and state are also
// reachable under the versioned API segment because the control plane
// probes both shapes.
func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/v1/health", s.handleHealth)
	s.echo.GET("/api/v1/state", s.handleState)
	s.echo.POST("/api/v1/stop", s.handleStop)
	s.echo.POST("/api/v1/inference/up", s.handleInferenceUp)

	s.echo.GET("/v1/models", s.handleModels)
	s.echo.POST("/v1/chat/completions", s.handleChatCompletions)
}

// Start runs the HTTP server and, when enabled, announces the proxy to
// the control plane. Blocks until the server stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.logger.Info("starting inference proxy",
		zap.String("addr", addr),
		zap.String("model", s.cfg.Model),
		zap.String("upstream", s.cfg.UpstreamURL),
		zap.String("node_id", s.nodeID))

	s.echo.Server.ReadTimeout = s.cfg.ReadTimeout
	s.echo.Server.WriteTimeout = s.cfg.WriteTimeout

	if s.cfg.Register && s.registrar != nil {
		if err := s.register(); err != nil {
			// Registration failure is survivable: the proxy still serves
			// whoever reaches it, and the operator can register manually.
			s.logger.Error("control plane registration failed", zap.Error(err))
		}
	}

	err := s.echo.Start(addr)
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully, unregistering first so the control
// plane stops routing to an endpoint about to disappear.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cfg.Register && s.registrar != nil {
		if err := s.registrar.Unregister(ctx, s.nodeID); err != nil {
			s.logger.Error("control plane unregistration failed", zap.Error(err))
		}
	}

	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("error shutting down proxy: %w", err)
	}
	s.logger.Info("proxy shutdown complete")
	return nil
}

// NodeID returns the identifier the proxy registers under.
func (s *Server) NodeID() string {
	return s.nodeID
}

func (s *Server) register() error {
	host := s.cfg.PublicHost
	if host == "" {
		host = s.cfg.Host
	}

	rec := models.NodeRegistration{
		ID:               s.nodeID,
		Host:             host,
		InferencePort:    s.cfg.Port,
		InferenceSegment: s.nodeCfg.InferenceSegment,
		PoCPort:          s.cfg.Port,
		PoCSegment:       s.nodeCfg.APISegment,
		MaxConcurrent:    s.nodeCfg.MaxConcurrent,
		Models: map[string]models.ModelEntry{
			s.cfg.Model: {Args: []string{}},
		},
		Hardware: []models.HardwareEntry{
			{Type: s.nodeCfg.HardwareType, Count: s.nodeCfg.HardwareCount},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ReadTimeout)
	defer cancel()
	return s.registrar.Register(ctx, rec)
}

func (s *Server) currentState() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Server) setState(state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}
