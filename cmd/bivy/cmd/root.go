// Package cmd provides the CLI commands for bivy.
package cmd

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/bivy/internal/app"
	"github.com/Aman-CERP/bivy/internal/config"
	berrors "github.com/Aman-CERP/bivy/internal/errors"
	"github.com/Aman-CERP/bivy/internal/logging"
	"github.com/Aman-CERP/bivy/internal/output"
	"github.com/Aman-CERP/bivy/pkg/version"
)

// globalOptions holds the persistent flags.
type globalOptions struct {
	dir    string
	debug  bool
	format string
}

var (
	globals        globalOptions
	loggingCleanup func()
)

// NewRootCmd creates the root command for the bivy CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bivy",
		Short: "Keep search indexes in step with your database",
		Long: `Bivy mirrors database rows into search indexes.

Committed creates, updates and deletes become jobs; a worker executes them
against every index the row's model is bound to. Models, indexes and the
job queue are declared in .bivy.yaml.`,
		Version:           version.Version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: setupLogging,
		PersistentPostRun: func(*cobra.Command, []string) {
			if loggingCleanup != nil {
				loggingCleanup()
				loggingCleanup = nil
			}
		},
	}
	cmd.SetVersionTemplate("bivy version {{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&globals.dir, "dir", "C", ".", "Project directory holding .bivy.yaml")
	cmd.PersistentFlags().BoolVar(&globals.debug, "debug", false, "Enable debug logging to ~/.bivy/logs/")
	cmd.PersistentFlags().StringVarP(&globals.format, "format", "f", "auto", "Output format: auto, text, json")

	cmd.AddCommand(newWorkerCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newReindexCmd())
	cmd.AddCommand(newBrowseCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newQueueCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

// setupLogging logs warnings to stderr, or everything to the log file with --debug.
func setupLogging(_ *cobra.Command, _ []string) error {
	cfg := logging.Config{Level: "warn"}
	if globals.debug {
		cfg = logging.DebugConfig()
	}
	logger, cleanup, err := logging.Setup(cfg)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	loggingCleanup = cleanup
	slog.SetDefault(logger)
	if globals.debug {
		slog.Debug("debug_logging_enabled",
			slog.String("log_file", cfg.FilePath),
			slog.String("version", version.Version))
	}
	return nil
}

func loadConfig() (*config.Config, error) {
	return config.Load(globals.dir)
}

// openApp needs a project config: without one no models are declared.
func openApp() (*app.App, error) {
	if path, ok := config.ProjectConfigPath(globals.dir); !ok {
		return nil, berrors.New(berrors.ErrCodeConfigNotFound, fmt.Sprintf("no project config at %s", path), nil).
			WithSuggestion("run 'bivy config init' to create one")
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.New(cfg, slog.Default(), app.Options{})
}

func newWriter(cmd *cobra.Command) (*output.Writer, error) {
	f, err := output.ParseFormat(globals.format)
	if err != nil {
		return nil, err
	}
	return output.New(cmd.OutOrStdout(), f), nil
}

// parseKey reads a primary key argument; integers stay integers.
func parseKey(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	return s
}
