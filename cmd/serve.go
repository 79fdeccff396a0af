package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"onbehalf/internal/config"
	"onbehalf/internal/delegation"
	"onbehalf/internal/server"
	"onbehalf/pkg/logging"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
)

var (
	serveConfigPath string
	serveDebug      bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the delegation broker",
	Long: `Start the delegation broker.

Loads config.yaml, registers the configured delegation modules, and
serves them as MCP tools over streamable HTTP. On shutdown all cached
credentials are discarded.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveConfigPath, "config-path", "", "Configuration directory (default: ~/.config/onbehalf)")
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug logging")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	level := logging.LevelInfo
	if serveDebug {
		level = logging.LevelDebug
	}
	logging.Init(level, os.Stderr)

	configPath := serveConfigPath
	if configPath == "" {
		var err error
		configPath, err = config.GetDefaultConfigPath()
		if err != nil {
			return err
		}
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	registry, err := delegation.BuildRegistry(cfg, delegation.BuildOptions{})
	if err != nil {
		return err
	}
	defer registry.Close()

	broker := server.NewBroker(cfg.Server, registry,
		server.WithVersion(rootCmd.Version),
		server.WithSessionTimeout(cfg.SessionIdleTimeout()))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := broker.Start(ctx); err != nil {
		return fmt.Errorf("failed to start broker: %w", err)
	}
	logging.Info("Serve", "Broker listening on %s", broker.Endpoint())

	// Best-effort readiness notification when running under systemd.
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logging.Debug("Serve", "systemd notify skipped: %v", err)
	}

	<-ctx.Done()
	logging.Info("Serve", "Shutdown signal received")

	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		logging.Debug("Serve", "systemd notify skipped: %v", err)
	}

	if err := broker.Stop(cmd.Context()); err != nil {
		return fmt.Errorf("error during shutdown: %w", err)
	}
	return nil
}
