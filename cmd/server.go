package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/affandar/toygres/internal/activities"
	"github.com/affandar/toygres/internal/activities/cms"
	"github.com/affandar/toygres/internal/activities/kube"
	"github.com/affandar/toygres/internal/activityworker"
	"github.com/affandar/toygres/internal/client"
	"github.com/affandar/toygres/internal/config"
	"github.com/affandar/toygres/internal/engine"
	"github.com/affandar/toygres/internal/historystore"
	"github.com/affandar/toygres/internal/httpapi"
	"github.com/affandar/toygres/internal/lifecycle"
	"github.com/affandar/toygres/internal/migrate"
	"github.com/affandar/toygres/pkg/logging"

	"github.com/jackc/pgx/v5/pgxpool"
)

var serverKubeconfig string

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the engine dispatcher, activity worker pool, and HTTP API",
	Long: `server applies both Postgres schemas, then runs three things in one
process: the orchestration dispatcher, the activity worker pool, and the
HTTP API (spec.md §4/§6). Configuration is read entirely from the
environment (see internal/config).`,
	Args: cobra.NoArgs,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().StringVar(&serverKubeconfig, "kubeconfig", "", "path to a kubeconfig file; defaults to in-cluster config")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("server: load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := migrate.ApplyWorkflowSchema(ctx, cfg.WorkflowDBURL); err != nil {
		return fmt.Errorf("server: apply workflow schema: %w", err)
	}
	if err := migrate.ApplyCMSSchema(ctx, cfg.EffectiveCMSDBURL()); err != nil {
		return fmt.Errorf("server: apply cms schema: %w", err)
	}

	workflowPool, err := pgxpool.New(ctx, cfg.WorkflowDBURL)
	if err != nil {
		return fmt.Errorf("server: open workflow pool: %w", err)
	}
	defer workflowPool.Close()

	cmsPool, err := pgxpool.New(ctx, cfg.EffectiveCMSDBURL())
	if err != nil {
		return fmt.Errorf("server: open cms pool: %w", err)
	}
	defer cmsPool.Close()

	store := historystore.New(workflowPool)
	orchestrationRegistry := engine.NewRegistry()
	lifecycle.Register(orchestrationRegistry)

	cl := client.New(store)

	clientset, err := buildKubernetesClient(serverKubeconfig)
	if err != nil {
		return fmt.Errorf("server: build kubernetes client: %w", err)
	}

	activityRegistry := activityworker.NewRegistry()
	kube.New(clientset, cfg.KubeNamespace).RegisterAll(activityRegistry)
	cms.New(cmsPool).RegisterAll(activityRegistry)
	activities.NewSignalCatalog(cl).RegisterAll(activityRegistry)

	dispatcher := engine.NewDispatcher(store, orchestrationRegistry, cfg.EngineOrchestrationWorkers, cfg.OrchestratorLockDuration(), cfg.DispatchIdleDuration())
	worker := activityworker.New(store, activityRegistry, cfg.EngineActivityWorkers, cfg.ActivityLockDuration(), cfg.DispatchIdleDuration())

	dispatcher.Start(ctx)
	dispatcher.StartTimerPoller(ctx, cfg.TimerPollDuration())
	worker.Start(ctx)

	handler := httpapi.NewHandler(cl, slog.Default())
	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: handler.Routes()}

	serveErrCh := make(chan error, 1)
	go func() {
		logging.Info("server", "http api listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrCh <- err
			return
		}
		serveErrCh <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErrCh:
		if err != nil {
			return fmt.Errorf("server: http api: %w", err)
		}
	}

	logging.Info("server", "shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.DispatchIdleDuration()*10)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)

	dispatcher.Wait()
	worker.Wait()
	return nil
}

func buildKubernetesClient(kubeconfig string) (kubernetes.Interface, error) {
	restCfg, err := buildKubernetesConfig(kubeconfig)
	if err != nil {
		return nil, err
	}
	return kubernetes.NewForConfig(restCfg)
}

func buildKubernetesConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig != "" {
		return clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	return rest.InClusterConfig()
}
