package cmd

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"onbehalf/internal/api"
	"onbehalf/internal/config"
	"onbehalf/pkg/logging"

	"github.com/briandowns/spinner"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

const checkProbeTimeout = 5 * time.Second

var checkConfigPath string

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the configured delegation backends are reachable",
	Long: `Verify the configured delegation backends are reachable.

For every enabled module the relevant upstream is probed: token
endpoints for tokenExchange and sql modules, the KDC for kerberos
modules. Allow-list files are checked for readability. No credentials
are acquired.`,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkConfigPath, "config-path", "", "Configuration directory (default: ~/.config/onbehalf)")
	rootCmd.AddCommand(checkCmd)
}

type checkResult struct {
	module string
	kind   string
	target string
	err    error
}

func runCheck(cmd *cobra.Command, args []string) error {
	logging.Init(logging.LevelWarn, os.Stderr)

	configPath := checkConfigPath
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

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = " Probing delegation backends..."
	s.Start()

	var results []checkResult
	for _, moduleCfg := range cfg.Modules {
		if !moduleCfg.Enabled {
			continue
		}
		results = append(results, probeModule(cmd.Context(), moduleCfg)...)
	}
	s.Stop()

	if len(results) == 0 {
		fmt.Println("No enabled modules configured.")
		return nil
	}

	renderCheckTable(results)

	for _, result := range results {
		if result.err != nil {
			return fmt.Errorf("%d of %d checks failed", countFailed(results), len(results))
		}
	}
	return nil
}

func probeModule(ctx context.Context, moduleCfg config.ModuleConfig) []checkResult {
	switch api.ModuleKind(moduleCfg.Kind) {
	case api.ModuleKindTokenExchange:
		endpoint := moduleCfg.TokenExchange.TokenEndpoint
		return []checkResult{{
			module: moduleCfg.Name,
			kind:   moduleCfg.Kind,
			target: endpoint,
			err:    probeHTTP(ctx, endpoint),
		}}
	case api.ModuleKindKerberos:
		krb := moduleCfg.Kerberos
		kdcAddr := net.JoinHostPort(krb.KDCHost, strconv.Itoa(krb.KDCPort))
		results := []checkResult{{
			module: moduleCfg.Name,
			kind:   moduleCfg.Kind,
			target: "kdc " + kdcAddr,
			err:    probeTCP(ctx, kdcAddr),
		}}
		if krb.AllowedTargetsFile != "" {
			results = append(results, checkResult{
				module: moduleCfg.Name,
				kind:   moduleCfg.Kind,
				target: "allow-list " + krb.AllowedTargetsFile,
				err:    probeAllowListFile(krb.AllowedTargetsFile),
			})
		}
		return results
	case api.ModuleKindSQL:
		endpoint := moduleCfg.SQL.TokenExchange.TokenEndpoint
		return []checkResult{{
			module: moduleCfg.Name,
			kind:   moduleCfg.Kind,
			target: endpoint,
			err:    probeHTTP(ctx, endpoint),
		}}
	default:
		return []checkResult{{
			module: moduleCfg.Name,
			kind:   moduleCfg.Kind,
			target: "-",
			err:    fmt.Errorf("unknown module kind %q", moduleCfg.Kind),
		}}
	}
}

// probeHTTP checks that the token endpoint answers HTTP at all. Any
// status code counts as reachable since unauthenticated probes are
// expected to be rejected.
func probeHTTP(ctx context.Context, endpoint string) error {
	ctx, cancel := context.WithTimeout(ctx, checkProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return nil
}

func probeTCP(ctx context.Context, addr string) error {
	dialer := net.Dialer{Timeout: checkProbeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

func probeAllowListFile(path string) error {
	allowList, err := config.NewAllowListFromFile(path)
	if err != nil {
		return err
	}
	if allowList.Len() == 0 {
		return fmt.Errorf("allow-list file %s contains no targets", path)
	}
	return nil
}

func renderCheckTable(results []checkResult) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{
		text.FgHiCyan.Sprint("MODULE"),
		text.FgHiCyan.Sprint("KIND"),
		text.FgHiCyan.Sprint("TARGET"),
		text.FgHiCyan.Sprint("STATUS"),
	})

	for _, result := range results {
		status := text.FgGreen.Sprint("ok")
		if result.err != nil {
			status = text.FgRed.Sprintf("failed: %v", result.err)
		}
		t.AppendRow(table.Row{result.module, result.kind, result.target, status})
	}
	t.Render()
}

func countFailed(results []checkResult) int {
	failed := 0
	for _, result := range results {
		if result.err != nil {
			failed++
		}
	}
	return failed
}
