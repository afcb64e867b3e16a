package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/affandar/toygres/internal/lifecycle"
)

var (
	createUserName        string
	createRegion          string
	createNamespace       string
	createPassword        string
	createPostgresVersion string
	createStorageSizeGB   int
	createUseLoadBalancer bool
	createDNSLabel        string
)

var createCmd = &cobra.Command{
	Use:   "create <k8s-name>",
	Short: "Provision a new Postgres instance",
	Args:  cobra.ExactArgs(1),
	RunE:  runCreate,
}

func init() {
	rootCmd.AddCommand(createCmd)
	createCmd.Flags().StringVar(&createUserName, "user", "", "user-facing name for the instance (required)")
	createCmd.Flags().StringVar(&createRegion, "region", "local", "region to provision in")
	createCmd.Flags().StringVar(&createNamespace, "namespace", "", "namespace recorded in the instance's catalog row (defaults to \"default\"); Kubernetes resources are always created in the server's configured namespace, not this one")
	createCmd.Flags().StringVar(&createPassword, "password", "", "Postgres superuser password (defaults to a fixed built-in password)")
	createCmd.Flags().StringVar(&createPostgresVersion, "postgres-version", "", "Postgres image tag (defaults to 16)")
	createCmd.Flags().IntVar(&createStorageSizeGB, "storage-size-gb", 0, "PVC storage request in GiB (defaults to 10)")
	createCmd.Flags().BoolVar(&createUseLoadBalancer, "load-balancer", false, "provision a public LoadBalancer Service instead of ClusterIP")
	createCmd.Flags().StringVar(&createDNSLabel, "dns-label", "", "public DNS label, only meaningful with --load-balancer")
	_ = createCmd.MarkFlagRequired("user")
}

func runCreate(cmd *cobra.Command, args []string) error {
	k8sName := args[0]
	ctx := cmd.Context()

	cl, closeFn, err := newClient(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	input := lifecycle.CreateInstanceInput{
		K8sName:         k8sName,
		UserName:        createUserName,
		Region:          createRegion,
		Namespace:       createNamespace,
		Password:        createPassword,
		PostgresVersion: createPostgresVersion,
		StorageSizeGB:   createStorageSizeGB,
		UseLoadBalancer: createUseLoadBalancer,
		DNSLabel:        createDNSLabel,
	}
	if err := cl.Start(ctx, k8sName, lifecycle.OrchestrationCreateInstance, lifecycle.Version, input); err != nil {
		return fmt.Errorf("start create_instance: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "instance %s: creation started\n", k8sName)
	return nil
}
