package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sprinterhq/sprinter/internal/logging"
	"github.com/sprinterhq/sprinter/internal/marketplace"
)

var offersCmd = &cobra.Command{
	Use:   "offers",
	Short: "List marketplace offers matching the rental filter",
	RunE:  runOffers,
}

var offersLimit int

func init() {
	offersCmd.Flags().IntVar(&offersLimit, "limit", 10, "maximum offers to display")
}

func runOffers(cmd *cobra.Command, args []string) error {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	client := marketplace.NewClient(cfg.Marketplace, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	offers, err := client.SearchOffers(ctx)
	if err != nil {
		if errors.Is(err, marketplace.ErrNoOffers) {
			fmt.Println("No offers match the rental filter.")
			return nil
		}
		return err
	}

	fmt.Printf("Found %d offers (filter: %dx %s, >=%dGB VRAM, <=$%.2f/hr):\n\n",
		len(offers),
		cfg.Marketplace.NumGPUs,
		cfg.Marketplace.GPUType,
		cfg.Marketplace.MinVRAMGb,
		cfg.Marketplace.MaxPricePerHour)

	fmt.Printf("%-12s %-20s %5s %8s %10s %10s\n",
		"OFFER", "GPU", "COUNT", "VRAM", "PRICE/HR", "VERIFIED")
	for i, o := range offers {
		if i >= offersLimit {
			fmt.Printf("... and %d more\n", len(offers)-offersLimit)
			break
		}
		fmt.Printf("%-12s %-20s %5d %7dG $%9.3f %10t\n",
			o.ID, o.GPUName, o.GPUCount, o.GPURAMGb, o.PricePerHour, o.Verified)
	}
	return nil
}
