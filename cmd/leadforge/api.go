package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/leadforge/leadforge/pkg/api"
	"github.com/leadforge/leadforge/pkg/auth"
	"github.com/leadforge/leadforge/pkg/federation"
	"github.com/leadforge/leadforge/pkg/log"
	"github.com/leadforge/leadforge/pkg/portal/indiamart"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Run the control-plane HTTP/WebSocket API",
	Long: `api serves the control plane: per-slot status/config/leads
endpoints, remote-login screencast sessions, and the cluster federation
routes that forward to the other nodes in the node registry.`,
	RunE: runAPI,
}

func init() {
	apiCmd.Flags().String("slots-root", envOr("SLOTS_ROOT", "./slots"), "Root directory of slot subdirectories")
	apiCmd.Flags().String("listen-addr", envOr("LISTEN_ADDR", ":8080"), "HTTP listen address")
	apiCmd.Flags().String("node-id", envOr("NODE_ID", "local"), "This node's id in the node registry")
	apiCmd.Flags().String("node-name", envOr("NODE_NAME", ""), "This node's display name")
	apiCmd.Flags().String("node-registry", envOr("NODE_REGISTRY_FILE", "./nodes.yaml"), "Path to the node registry YAML")
	apiCmd.Flags().String("clients-file", envOr("CLIENTS_FILE", "./clients.yaml"), "Path to the client slot-access grant YAML")
	apiCmd.Flags().String("auth-secret", envOr("AUTH_SECRET", ""), "HS256 signing secret for control-plane bearer tokens")
	apiCmd.Flags().Duration("token-ttl", envHours("TOKEN_TTL_HOURS", 24*time.Hour), "Bearer token lifetime")
	apiCmd.Flags().Bool("metrics", envOr("METRICS_ENABLED", "") != "", "Mount /metrics")

	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
	slotsRoot, _ := cmd.Flags().GetString("slots-root")
	listenAddr, _ := cmd.Flags().GetString("listen-addr")
	nodeID, _ := cmd.Flags().GetString("node-id")
	nodeName, _ := cmd.Flags().GetString("node-name")
	registryPath, _ := cmd.Flags().GetString("node-registry")
	clientsPath, _ := cmd.Flags().GetString("clients-file")
	secret, _ := cmd.Flags().GetString("auth-secret")
	ttl, _ := cmd.Flags().GetDuration("token-ttl")
	metricsEnabled, _ := cmd.Flags().GetBool("metrics")

	logger := log.WithComponent("api")

	if secret == "" {
		return fmt.Errorf("auth-secret (or AUTH_SECRET) is required")
	}

	registry, err := federation.LoadRegistry(registryPath)
	if err != nil {
		return fmt.Errorf("load node registry: %w", err)
	}
	authz, err := auth.LoadAuthorizer(clientsPath)
	if err != nil {
		return fmt.Errorf("load clients file: %w", err)
	}

	issuer := auth.NewIssuer(secret, ttl)
	router := federation.NewRouter(nodeID, registry, issuer)
	adapter := indiamart.New()

	srv := api.NewServer(slotsRoot, router, issuer, authz, adapter)
	if metricsEnabled {
		srv.EnableMetrics()
	}

	httpServer := &http.Server{
		Addr:    listenAddr,
		Handler: srv.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", listenAddr).Str("node_id", nodeID).Str("node_name", nodeName).Msg("api serving")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(ctx)
}

// envHours parses an env var named in hours (TOKEN_TTL_HOURS=24), unlike
// envDuration's bare-integer-as-seconds convention used by the supervisor
// tunables.
func envHours(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var hours int
	if _, err := fmt.Sscanf(v, "%d", &hours); err == nil {
		return time.Duration(hours) * time.Hour
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return def
}
