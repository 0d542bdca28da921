package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-tagger/internal/config"
	"github.com/kozaktomas/face-tagger/internal/constants"
	"github.com/kozaktomas/face-tagger/internal/logger"
	"github.com/kozaktomas/face-tagger/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start the face resolution HTTP API.

Endpoints:
  POST /api/v1/events          process an event envelope {"Records":[{"body":"..."}]}
  POST /api/v1/images          process one image message
  GET  /api/v1/persons/{name}  read a registered identity
  POST /api/v1/reconcile       sweep orphan vectors (?purge=true&dry_run=true)
  GET  /api/v1/health          health check
  GET  /metrics                Prometheus metrics

Set WEB_API_TOKEN to require "Authorization: Bearer <token>" on /api/v1 routes.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 8080, "Port to listen on")
	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().String("api-token", "", "Bearer token required on API routes (defaults to WEB_API_TOKEN)")
}

// resolveServeOptions resolves port, host and token from flags and environment variables.
func resolveServeOptions(cmd *cobra.Command) web.Options {
	opts := web.Options{
		Port:           mustGetInt(cmd, "port"),
		Host:           mustGetString(cmd, "host"),
		APIToken:       mustGetString(cmd, "api-token"),
		AllowedOrigins: os.Getenv("WEB_ALLOWED_ORIGINS"),
	}
	if opts.APIToken == "" {
		opts.APIToken = os.Getenv("WEB_API_TOKEN")
	}
	if envPort := os.Getenv("WEB_PORT"); envPort != "" {
		fmt.Sscanf(envPort, "%d", &opts.Port)
	}
	if envHost := os.Getenv("WEB_HOST"); envHost != "" {
		opts.Host = envHost
	}
	return opts
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logger.Named("serve")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	deps := web.Deps{
		Service:       a.service,
		Metrics:       a.metrics.Handler(),
		DefaultBucket: cfg.AWS.Bucket,
	}
	if rc := a.service.Reconciler(); rc != nil {
		deps.Reconciler = rc
	}
	opts := resolveServeOptions(cmd)
	if opts.APIToken == "" {
		log.Warn().Msg("no API token configured, API routes are open")
	}
	server := web.NewServer(deps, opts)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("error during shutdown")
		}
	}()

	return server.Start()
}
