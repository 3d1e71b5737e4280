package proxy

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// handleHealth reports liveness.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"state":     s.currentState(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleState reports the node state the control plane's readiness probes
// look for.
func (s *Server) handleState(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"state": s.currentState(),
	})
}

// handleStop acknowledges the control plane's stop command. The proxy has
// no GPU work to wind down, so this only flips the advertised state.
func (s *Server) handleStop(c echo.Context) error {
	s.setState(NodeStateStopped)
	s.logger.Info("stop requested, state set to STOPPED")
	return c.JSON(http.StatusOK, map[string]string{"status": "stopped"})
}

// handleInferenceUp brings the node back into inference-serving state.
func (s *Server) handleInferenceUp(c echo.Context) error {
	s.setState(NodeStateInference)
	s.logger.Info("inference up requested, state set to INFERENCE")
	return c.JSON(http.StatusOK, map[string]string{"status": "inference"})
}

// handleModels lists the single model the proxy serves, in the
// OpenAI-compatible shape clients expect.
func (s *Server) handleModels(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"object": "list",
		"data": []map[string]interface{}{
			{
				"id":       s.cfg.Model,
				"object":   "model",
				"owned_by": "sprinter",
			},
		},
	})
}

// handleChatCompletions forwards an inference request to the upstream API.
func (s *Server) handleChatCompletions(c echo.Context) error {
	if s.currentState() == NodeStateStopped {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "node is stopped")
	}
	return s.forwarder.Forward(c)
}
