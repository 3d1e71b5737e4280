package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sprinterhq/sprinter/internal/chain"
	"github.com/sprinterhq/sprinter/internal/logging"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current epoch and the predicted PoC window",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	monitor := chain.NewMonitor(cfg.Chain, cfg.Scheduler.LeadTime, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	epoch, err := monitor.CurrentEpoch(ctx)
	if err != nil {
		return fmt.Errorf("failed to query chain: %w", err)
	}

	fmt.Printf("Chain:         %s\n", cfg.Chain.NodeURL)
	fmt.Printf("Block height:  %d\n", epoch.BlockHeight)
	fmt.Printf("Current phase: %s\n", epoch.Phase)
	fmt.Printf("Epoch:         %d\n", epoch.LatestEpoch.Index)

	window, err := monitor.NextWindow(ctx)
	if err != nil {
		return fmt.Errorf("failed to predict next window: %w", err)
	}

	now := time.Now()
	fmt.Printf("\nNext PoC window (epoch %d):\n", window.EpochIndex)
	fmt.Printf("  Starts:    %s (in %s)\n",
		window.StartsAt.Format(time.RFC3339),
		window.StartsAt.Sub(now).Round(time.Second))
	fmt.Printf("  Ends:      %s\n", window.EndsAt.Format(time.RFC3339))
	fmt.Printf("  Duration:  %s\n", window.Duration().Round(time.Second))
	fmt.Printf("  Provision: %s (lead %s)\n",
		window.LeadAt.Format(time.RFC3339),
		cfg.Scheduler.LeadTime)

	if window.InLead(now) {
		fmt.Println("\nProvisioning window is OPEN.")
	}
	return nil
}
