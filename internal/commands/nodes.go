package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sprinterhq/sprinter/internal/controlplane"
	"github.com/sprinterhq/sprinter/internal/logging"
)

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List nodes registered with the control plane",
	RunE:  runNodes,
}

func runNodes(cmd *cobra.Command, args []string) error {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	client := controlplane.NewClient(cfg.ControlPlane, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	nodes, err := client.ListNodes(ctx)
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		fmt.Println("No nodes registered.")
		return nil
	}

	fmt.Printf("%-40s %-24s %8s %8s %-12s\n",
		"NODE", "HOST", "INF", "POC", "POC STATUS")
	for _, n := range nodes {
		fmt.Printf("%-40s %-24s %8d %8d %-12s\n",
			n.Node.ID,
			n.Node.Host,
			n.Node.InferencePort,
			n.Node.PoCPort,
			n.State.PoCCurrentStatus)
	}
	return nil
}
