package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Aman-CERP/bivy/configs"
	"github.com/Aman-CERP/bivy/internal/config"
	berrors "github.com/Aman-CERP/bivy/internal/errors"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage project configuration",
		Long: `Manage the project configuration file.

Configuration precedence (lowest to highest):
  1. Hardcoded defaults
  2. User config (~/.config/bivy/config.yaml)
  3. Project config (.bivy.yaml)
  4. Environment variables (BIVY_*)`,
		Example: `  # Create .bivy.yaml in the current directory
  bivy config init

  # Show effective configuration
  bivy config show --json

  # Print config file paths
  bivy config path`,
	}

	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigPathCmd())

	return cmd
}

func newConfigInitCmd() *cobra.Command {
	var force bool
	var plain bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create .bivy.yaml from the commented template",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConfigInit(cmd, force, plain)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing configuration (a backup is kept)")
	cmd.Flags().BoolVar(&plain, "plain", false, "Write every default value without the template's comments")

	return cmd
}

func runConfigInit(cmd *cobra.Command, force, plain bool) error {
	out, err := newWriter(cmd)
	if err != nil {
		return err
	}

	path, exists := config.ProjectConfigPath(globals.dir)
	if exists {
		if !force {
			return berrors.ValidationError(fmt.Sprintf("%s already exists", path), nil).
				WithSuggestion("use --force to overwrite it")
		}
		backup, err := config.BackupFile(path)
		if err != nil {
			return fmt.Errorf("failed to back up %s: %w", path, err)
		}
		out.Successf("Backed up existing config to %s", backup)
	}

	if plain {
		if err := config.NewConfig().WriteYAML(path); err != nil {
			return err
		}
	} else if err := os.WriteFile(path, []byte(configs.ProjectConfigTemplate), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	out.Successf("Created %s", path)
	out.Success("Add indexes and models, then run 'bivy worker'")
	return nil
}

func newConfigShowCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		Long:  `Show the configuration after merging defaults, user config, project config and environment.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(cfg)
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(cfg)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print config file paths",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			project, ok := config.ProjectConfigPath(globals.dir)
			if !ok {
				project += " (missing)"
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "user:    %s\n", config.GetUserConfigPath())
			fmt.Fprintf(w, "project: %s\n", project)
			return nil
		},
	}
}
