package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sprinterhq/sprinter/internal/controlplane"
	"github.com/sprinterhq/sprinter/internal/logging"
	"github.com/sprinterhq/sprinter/internal/proxy"
)

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Start the inference-forwarding proxy",
	Long: `Start an HTTP server that exposes the compute-node surface the
control plane expects while forwarding inference requests to a hosted
third-party API. Useful for serving inference without holding a GPU
rental between PoC windows.`,
	RunE: runProxy,
}

func runProxy(cmd *cobra.Command, args []string) error {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	var registrar *controlplane.Client
	if cfg.Proxy.Register {
		registrar = controlplane.NewClient(cfg.ControlPlane, logger)
	}

	server := proxy.New(cfg.Proxy, cfg.Node, registrar, logger)

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)
	defer stop()

	errChan := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			cfg.Proxy.ShutdownTimeout,
		)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("proxy shutdown error: %w", err)
		}
		return nil

	case err := <-errChan:
		return fmt.Errorf("proxy error: %w", err)
	}
}
