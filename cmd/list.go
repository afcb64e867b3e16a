package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/affandar/toygres/internal/historystore"
)

var (
	listStatus            string
	listOrchestrationName string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List orchestration instances",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status (Running, Completed, Failed, ContinuedAsNew)")
	listCmd.Flags().StringVar(&listOrchestrationName, "orchestration", "", "filter by orchestration name")
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cl, closeFn, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	filter := historystore.ListFilter{
		Status:            historystore.Status(listStatus),
		OrchestrationName: listOrchestrationName,
		Limit:             100,
	}
	instances, err := cl.List(ctx, filter)
	if err != nil {
		return fmt.Errorf("list instances: %w", err)
	}

	for _, inst := range instances {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s v%d\t%s\n", inst.InstanceID, inst.OrchestrationName, inst.Version, inst.Status)
	}
	return nil
}
