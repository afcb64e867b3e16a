package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/affandar/toygres/internal/lifecycle"
)

var deleteCmd = &cobra.Command{
	Use:   "delete <k8s-name>",
	Short: "Tear down a Postgres instance",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

func init() {
	rootCmd.AddCommand(deleteCmd)
}

func runDelete(cmd *cobra.Command, args []string) error {
	k8sName := args[0]
	ctx := cmd.Context()

	cl, closeFn, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	input := lifecycle.DeleteInstanceInput{K8sName: k8sName}
	deleteInstanceID := k8sName + "-delete"
	if err := cl.Start(ctx, deleteInstanceID, lifecycle.OrchestrationDeleteInstance, lifecycle.Version, input); err != nil {
		return fmt.Errorf("start delete_instance: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "instance %s: deletion started\n", k8sName)
	return nil
}
