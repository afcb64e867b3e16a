package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/affandar/toygres/internal/client"
)

var getHistory bool

var getCmd = &cobra.Command{
	Use:   "get <k8s-name>",
	Short: "Show a Postgres instance's current status",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

func init() {
	rootCmd.AddCommand(getCmd)
	getCmd.Flags().BoolVar(&getHistory, "history", false, "also print the instance's event history")
}

func runGet(cmd *cobra.Command, args []string) error {
	k8sName := args[0]
	ctx := cmd.Context()

	cl, closeFn, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	inst, err := cl.Get(ctx, k8sName)
	if err != nil {
		if client.IsNotFound(err) {
			return fmt.Errorf("no instance named %s", k8sName)
		}
		return fmt.Errorf("get instance: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s v%d\t%s\n", inst.InstanceID, inst.OrchestrationName, inst.Version, inst.Status)

	if getHistory {
		events, err := cl.History(ctx, k8sName)
		if err != nil {
			return fmt.Errorf("get history: %w", err)
		}
		for _, ev := range events {
			fmt.Fprintf(cmd.OutOrStdout(), "  [%d] %s\n", ev.EventID, ev.Kind)
		}
	}

	return nil
}
