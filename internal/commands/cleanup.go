package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sprinterhq/sprinter/internal/logging"
	"github.com/sprinterhq/sprinter/internal/marketplace"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Destroy orphaned instances left on the marketplace",
	Long: `Find instances on the marketplace account that carry this project's
label and destroy them. Use after a crash or kill -9 that may have left
a rental running; a live instance bills until it is destroyed.`,
	RunE: runCleanup,
}

var cleanupDryRun bool

func init() {
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "list orphans without destroying them")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	client := marketplace.NewClient(cfg.Marketplace, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	instances, err := client.ListInstances(ctx)
	if err != nil {
		return err
	}

	var orphans int
	var failed int
	for _, inst := range instances {
		if inst.Label != cfg.Marketplace.Label {
			continue
		}
		orphans++

		id := inst.ID.String()
		fmt.Printf("orphan %s: %dx %s (%s) total cost $%.3f\n",
			id, inst.GPUCount, inst.GPUName, inst.ActualStatus, inst.TotalCost)

		if cleanupDryRun {
			continue
		}
		if err := client.DestroyInstance(ctx, id); err != nil {
			fmt.Printf("  destroy failed: %v\n", err)
			failed++
		}
	}

	switch {
	case orphans == 0:
		fmt.Println("No orphaned instances found.")
	case cleanupDryRun:
		fmt.Printf("%d orphaned instance(s) found (dry run, nothing destroyed).\n", orphans)
	case failed > 0:
		return fmt.Errorf("%d of %d orphaned instance(s) could not be destroyed", failed, orphans)
	default:
		fmt.Printf("%d orphaned instance(s) destroyed.\n", orphans)
	}
	return nil
}
