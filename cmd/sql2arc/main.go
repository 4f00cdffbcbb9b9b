package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/fairagro/sql2arc/pkg/config"
	"github.com/fairagro/sql2arc/pkg/connector/registry"

	// Register the source and sinks
	_ "github.com/fairagro/sql2arc/pkg/connector/destinations/arcapi"
	_ "github.com/fairagro/sql2arc/pkg/connector/destinations/discard"
	_ "github.com/fairagro/sql2arc/pkg/connector/destinations/s3"
	_ "github.com/fairagro/sql2arc/pkg/connector/sources/postgresql"
)

var version = "0.1.0"

// Exit codes
const (
	exitOK            = 0
	exitAborted       = 1
	exitRecordsFailed = 2
)

// exitError carries a process exit code through cobra
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit code %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

type rootFlags struct {
	configPath string
	logLevel   string
	dryRun     bool
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:   "sql2arc",
		Short: "Convert investigations from a SQL database into ARCs",
		Long: `sql2arc streams investigations with their studies, assays, contacts and
publications out of PostgreSQL, converts each one into an ARC (RO-Crate
JSON-LD) and uploads it to the ARC API or an S3 bucket.

A JSON-LD run report is written to stdout and optionally to report_path.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConversion(cmd.Context(), flags, cmd.OutOrStdout())
		},
	}

	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", config.DefaultPath, "Path to the YAML configuration file")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides the config")
	root.PersistentFlags().BoolVar(&flags.dryRun, "dry-run", false, "Convert only and discard the ARCs instead of uploading")

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the conversion (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConversion(cmd.Context(), flags, cmd.OutOrStdout())
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "sql2arc v%s\n", version)
			fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List available sources and sinks",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Sources:")
			for _, name := range registry.ListSources() {
				fmt.Fprintf(out, "  - %s\n", name)
			}
			fmt.Fprintln(out, "Sinks:")
			for _, name := range registry.ListDestinations() {
				fmt.Fprintf(out, "  - %s\n", name)
			}
		},
	})

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			data, err := config.Marshal(cfg.Redacted())
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})
	root.AddCommand(configCmd)

	return root
}

// loadConfig reads the configuration and applies the command line overrides
func loadConfig(flags *rootFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.logLevel != "" {
		cfg.LogLevel = flags.logLevel
	}
	if flags.dryRun {
		cfg.Sink.Type = config.SinkDiscard
	}
	return cfg, nil
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if stderrors.As(err, &ee) {
		return ee.code
	}
	return exitAborted
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()

	if err != nil {
		var ee *exitError
		if !stderrors.As(err, &ee) || ee.err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
	}
	os.Exit(exitCode(err))
}
