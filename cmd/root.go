package cmd

import (
	"errors"
	"os"

	"onbehalf/internal/api"

	"github.com/spf13/cobra"
)

// Exit codes for CLI commands.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error.
	ExitCodeError = 1
	// ExitCodeConfigError indicates the configuration failed to load or
	// validate.
	ExitCodeConfigError = 2
)

// rootCmd is the base command for the onbehalf broker.
var rootCmd = &cobra.Command{
	Use:   "onbehalf",
	Short: "Delegated-access broker for agent tool calls",
	Long: `onbehalf brokers delegated access for AI agent tool calls: it
converts a caller's bearer token into downstream credentials (RFC 8693
token exchange, Kerberos constrained delegation, database run-as
directives) without ever handing the caller's token to a downstream
system.

Modules are declared in config.yaml; 'onbehalf serve' exposes them as
MCP tools over streamable HTTP.`,
	// Handled errors should not trigger a usage dump.
	SilenceUsage: true,
}

// SetVersion injects the build version from the main package.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the CLI. Called by main.main().
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "onbehalf version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(getExitCode(err))
	}
}

// getExitCode maps error types to semantic exit codes for scripting.
func getExitCode(err error) int {
	var delegErr *api.DelegationError
	if errors.As(err, &delegErr) && delegErr.Code == api.ErrConfiguration {
		return ExitCodeConfigError
	}
	return ExitCodeError
}
