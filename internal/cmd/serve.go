package cmd

import (
	"context"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/trainctl/internal/observability"
	"github.com/3leaps/trainctl/internal/server"
	"github.com/3leaps/trainctl/internal/server/handlers"
	"github.com/3leaps/trainctl/pkg/jobregistry"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a read-only job status API",
	Long: `Serve a read-only HTTP API over the job registry.

Endpoints:
  GET /health, /health/live, /health/ready, /health/startup
  GET /version
  GET /metrics                      Prometheus metrics for the server
  GET /jobs[?state=]                job records, newest first
  GET /jobs/{id}                    one record (prefix ids accepted)
  GET /jobs/{id}/tail?n=            last n log lines
  GET /jobs/{id}/diagnosis          diagnosis of a failed or unknown job

Examples:
  trainctl serve
  trainctl serve --host 0.0.0.0 --port 9000`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Listen host (default: server.host)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (default: server.port)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := currentConfig(cmd.Context())
	if err != nil {
		return err
	}
	host := cfg.Server.Host
	if serveHost != "" {
		host = serveHost
	}
	port := cfg.Server.Port
	if servePort != 0 {
		port = servePort
	}

	store := openStore(cfg)

	initHealth(store)

	srv := server.New(host, port,
		server.WithJobs(handlers.NewJobsHandler(store)),
		server.WithLogger(observability.CLILogger),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", err)
		}
		return nil
	case <-cmd.Context().Done():
	}

	observability.CLILogger.Info("Shutting down server", zap.Duration("timeout", cfg.Server.ShutdownTimeout))
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return exitError(foundry.ExitSignalInt, "Server shutdown incomplete", err)
	}
	if err := <-errCh; err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", err)
	}
	return nil
}

// initHealth installs the process health manager. Readiness depends on the
// job store being readable.
func initHealth(store *jobregistry.Store) *handlers.HealthManager {
	handlers.InitHealthManager(versionInfo.Version)
	hm := handlers.GetHealthManager()
	hm.RegisterChecker("store", handlers.StoreChecker{Store: store})
	return hm
}
