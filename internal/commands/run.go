package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sprinterhq/sprinter/internal/chain"
	"github.com/sprinterhq/sprinter/internal/controlplane"
	"github.com/sprinterhq/sprinter/internal/logging"
	"github.com/sprinterhq/sprinter/internal/marketplace"
	"github.com/sprinterhq/sprinter/internal/probe"
	"github.com/sprinterhq/sprinter/internal/scheduler"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the PoC lifecycle scheduler",
	Long: `Watch the chain for upcoming proof-of-compute windows and run the
rent/register/wait/unregister/destroy cycle for each one. Runs until
interrupted; a shutdown signal still tears down any live instance.`,
	RunE: runScheduler,
}

func runScheduler(cmd *cobra.Command, args []string) error {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Marketplace.APIKey == "" {
		return fmt.Errorf("marketplace api_key is required (set SPR_MARKETPLACE_API_KEY)")
	}

	market := marketplace.NewClient(cfg.Marketplace, logger)
	registrar := controlplane.NewClient(cfg.ControlPlane, logger)
	prober := probe.NewProber(cfg.Scheduler.ProbeRequestTimeout, logger)
	monitor := chain.NewMonitor(cfg.Chain, cfg.Scheduler.LeadTime, logger)

	sched := scheduler.New(cfg.Scheduler, cfg.Node, market, registrar, prober, monitor, logger)

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)
	defer stop()

	if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
