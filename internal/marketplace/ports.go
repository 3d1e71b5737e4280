package marketplace

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/sprinterhq/sprinter/models"
)

// ErrPortUnresolved is returned when no source yields the external mapping
// of the application port within the polling budget. A wrong guess here
// makes the rest of the cycle fail opaquely, so no default is ever assumed.
var ErrPortUnresolved = errors.New("external port mapping could not be resolved")

// ResolveExternalPort determines the externally reachable port the
// marketplace assigned to the declared internal port. The mapping is not
// reliably exposed anywhere, so three sources are tried in order on each
// status poll:
//
//  1. the docker-style port map on the instance status response,
//  2. the provider-injected VAST_TCP_PORT_<port> variable read from the
//     container process's own environment over SSH (shell-level environment
//     inheritance is not guaranteed, so /proc/1/environ is the source),
//  3. the declared internal port, accepted only when the status reports
//     host networking (internal and external then coincide).
//
// It fails with ErrPortUnresolved once the attempt budget is exhausted.
func (c *Client) ResolveExternalPort(ctx context.Context, instanceID string, internalPort int) (int, error) {
	portKey, err := nat.NewPort("tcp", strconv.Itoa(internalPort))
	if err != nil {
		return 0, fmt.Errorf("invalid internal port %d: %w", internalPort, err)
	}

	attempts := c.cfg.StatusPollAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		status, err := c.GetInstance(ctx, instanceID)
		if err != nil {
			c.logger.Warn("status poll failed during port resolution",
				zap.String("instance_id", instanceID),
				zap.Int("attempt", attempt),
				zap.Error(err))
		} else {
			// Source 1: mapped ports field on the status response.
			if bindings, ok := status.Ports[string(portKey)]; ok && len(bindings) > 0 {
				if port, err := strconv.Atoi(bindings[0].HostPort); err == nil && port > 0 {
					c.logger.Info("external port resolved from status port map",
						zap.String("instance_id", instanceID),
						zap.Int("internal_port", internalPort),
						zap.Int("external_port", port))
					return port, nil
				}
			}

			// Source 2: provider variable in the container's own environment.
			if port, ok := c.portFromRemoteEnv(ctx, status, internalPort); ok {
				c.logger.Info("external port resolved from container environment",
					zap.String("instance_id", instanceID),
					zap.Int("internal_port", internalPort),
					zap.Int("external_port", port))
				return port, nil
			}

			// Source 3: host networking means no remapping happened.
			if status.HostNetworking {
				c.logger.Warn("falling back to internal port: instance reports host networking",
					zap.String("instance_id", instanceID),
					zap.Int("port", internalPort))
				return internalPort, nil
			}
		}

		if attempt < attempts {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(c.cfg.StatusPollInterval):
			}
		}
	}

	return 0, fmt.Errorf("%w for instance %s after %d attempts (internal port %d)",
		ErrPortUnresolved, instanceID, attempts, internalPort)
}

// portFromRemoteEnv extracts VAST_TCP_PORT_<port> first from the status
// payload's extra_env pairs, then by reading the container init process's
// environment over SSH.
func (c *Client) portFromRemoteEnv(ctx context.Context, status *models.InstanceStatus, internalPort int) (int, bool) {
	key := fmt.Sprintf("VAST_TCP_PORT_%d", internalPort)

	for _, pair := range status.ExtraEnv {
		if len(pair) == 2 && pair[0] == key {
			if port, err := strconv.Atoi(pair[1]); err == nil && port > 0 {
				return port, true
			}
		}
	}

	if c.runner == nil || status.SSHHost == "" || status.SSHPort == 0 {
		return 0, false
	}

	// The login shell does not necessarily inherit the container's
	// environment; the init process's environ is authoritative.
	out, err := c.runner.Run(ctx, status.SSHHost, status.SSHPort,
		"tr '\\0' '\\n' < /proc/1/environ")
	if err != nil {
		c.logger.Debug("remote environment read failed", zap.Error(err))
		return 0, false
	}

	prefix := key + "="
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, prefix) {
			if port, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, prefix))); err == nil && port > 0 {
				return port, true
			}
		}
	}
	return 0, false
}
