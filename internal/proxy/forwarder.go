package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/sprinterhq/sprinter/internal/config"
)

// Forwarder relays OpenAI-compatible inference requests to the upstream
// hosted API, rewriting the model name and injecting the upstream
// credential. Responses stream through unbuffered so token-by-token
// output reaches the caller as it arrives.
type Forwarder struct {
	cfg    config.ProxyConfig
	http   *http.Client
	logger *zap.Logger
}

// NewForwarder creates a forwarder for the configured upstream.
func NewForwarder(cfg config.ProxyConfig, logger *zap.Logger) *Forwarder {
	return &Forwarder{
		cfg: cfg,
		// No client timeout: streaming completions legitimately run long.
		// The per-request context set in Forward bounds the call instead.
		http:   &http.Client{},
		logger: logger,
	}
}

// Forward relays one chat-completion request upstream and copies the
// response back verbatim, including SSE streams.
func (f *Forwarder) Forward(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}

	rewritten, streaming, err := f.rewriteModel(body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx := c.Request().Context()
	if f.cfg.ForwardTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.ForwardTimeout)
		defer cancel()
	}

	url := strings.TrimSuffix(f.cfg.UpstreamURL, "/") + "/v1/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(rewritten)))
	if err != nil {
		return fmt.Errorf("error building upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if f.cfg.UpstreamAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.cfg.UpstreamAPIKey)
	}

	resp, err := f.http.Do(req)
	if err != nil {
		f.logger.Error("upstream request failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadGateway, "upstream request failed")
	}
	defer resp.Body.Close()

	f.logger.Debug("forwarded chat completion",
		zap.Int("status", resp.StatusCode),
		zap.Bool("streaming", streaming))

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = echo.MIMEApplicationJSON
	}

	if streaming {
		return f.stream(c, resp, contentType)
	}

	return c.Stream(resp.StatusCode, contentType, resp.Body)
}

// stream copies the upstream body to the client flushing after every read
// so SSE chunks are not held back by response buffering.
func (f *Forwarder) stream(c echo.Context, resp *http.Response, contentType string) error {
	w := c.Response()
	w.Header().Set(echo.HeaderContentType, contentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(resp.StatusCode)

	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			w.Flush()
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// rewriteModel replaces the requested model with the upstream's model name
// and reports whether the caller asked for a streamed response.
func (f *Forwarder) rewriteModel(body []byte) ([]byte, bool, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, false, err
	}

	payload["model"] = f.cfg.Model

	streaming := false
	if v, ok := payload["stream"].(bool); ok {
		streaming = v
	}

	out, err := json.Marshal(payload)
	if err != nil {
		return nil, false, err
	}
	return out, streaming, nil
}
