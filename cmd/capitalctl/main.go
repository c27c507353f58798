// Command capitalctl runs reconciliations and operator commands against the
// capital engine's store without going through the HTTP API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"github.com/fidus/capital-engine/internal/app"
	"github.com/fidus/capital-engine/internal/config"
	"github.com/fidus/capital-engine/internal/report"
)

// Set by ldflags at build time
var (
	Version   = "dev"
	BuildTime = "unknown"
)

type cli struct {
	cfg  *config.Config
	app  *app.App
	open func(ctx context.Context, cfg *config.Config) (*app.App, error)

	brokerDir string
	registry  string
	currency  string
	logLevel  string
	workers   int
	raw       bool
	jsonOut   bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := &cli{open: func(ctx context.Context, cfg *config.Config) (*app.App, error) {
		return app.New(ctx, cfg, nil)
	}}
	if err := c.root().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func (c *cli) root() *cobra.Command {
	root := &cobra.Command{
		Use:           "capitalctl",
		Short:         "Capital reconciliation and allocation tooling",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if c.app != nil {
				c.app.Close()
			}
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&c.brokerDir, "broker-dir", "", "broker bridge data directory (overrides BROKER_DATA_DIR)")
	f.StringVar(&c.registry, "registry", "", "account registry file (overrides REGISTRY_FILE)")
	f.StringVar(&c.currency, "currency", "", "report currency (overrides REPORT_CURRENCY)")
	f.StringVar(&c.logLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	f.IntVar(&c.workers, "workers", 0, "reconciliation concurrency (overrides RECONCILE_WORKERS)")
	f.BoolVar(&c.raw, "raw", false, "print plain markdown instead of styled terminal output")
	f.BoolVar(&c.jsonOut, "json", false, "print JSON instead of markdown")

	root.AddCommand(
		c.reconcileCmd(),
		c.accountCmd(),
		c.allocationCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			// Overrides the root hook: no store is opened.
			PersistentPreRun: func(*cobra.Command, []string) {},
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "capitalctl %s (built %s)\n", Version, BuildTime)
			},
		},
	)
	return root
}

func (c *cli) setup(cmd *cobra.Command) error {
	c.cfg = config.Load()
	f := cmd.Flags()
	if f.Changed("broker-dir") {
		c.cfg.BrokerDir = c.brokerDir
	}
	if f.Changed("registry") {
		c.cfg.RegistryFile = c.registry
	}
	if f.Changed("currency") {
		c.cfg.Currency = c.currency
	}
	if f.Changed("log-level") {
		c.cfg.LogLevel = c.logLevel
	}
	if f.Changed("workers") && c.workers > 0 {
		c.cfg.Workers = c.workers
	}

	// Logs go to stderr so reports can be piped.
	slog.SetDefault(config.NewLogger(cmd.ErrOrStderr(), c.cfg.LogLevel))

	a, err := c.open(cmd.Context(), c.cfg)
	if err != nil {
		return err
	}
	c.app = a
	return nil
}

func (c *cli) formatter() report.Formatter {
	return report.NewFormatter(c.cfg.Currency)
}

// emit prints v as JSON when --json is set, otherwise renders md.
func (c *cli) emit(w io.Writer, v any, md string) error {
	if c.jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	return c.render(w, md)
}

func (c *cli) render(w io.Writer, md string) error {
	if c.raw {
		_, err := io.WriteString(w, md)
		return err
	}
	out, err := glamour.Render(md, "dark")
	if err != nil {
		return fmt.Errorf("render: %w", err)
	}
	_, err = io.WriteString(w, out)
	return err
}
