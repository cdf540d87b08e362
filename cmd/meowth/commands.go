package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that connects to Slack and
// answers mentions until interrupted.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		env        string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect to Slack and answer mentions",
		Long: `Connect to Slack over Socket Mode and answer mentions.

The server will:
1. Load configuration from the specified file (or meowth.yaml)
2. Verify the bot token with auth.test
3. Load the tool registry
4. Start the Socket Mode listener
5. Serve /metrics and /healthz when server.addr is set
6. Reload tools when the config file changes and server.watch_config is set

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  meowth serve

  # Start with the production overrides
  meowth serve --config /etc/meowth/meowth.yaml --env production

  # Start with debug logging
  meowth serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), env, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML or JSON5 configuration file")
	cmd.Flags().StringVarP(&env, "env", "e", "", "Environment override to apply (default $MEOWTH_ENV)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (verbose output)")
	return cmd
}

// =============================================================================
// Tools Commands
// =============================================================================

func buildToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Inspect configured tools",
	}
	cmd.AddCommand(buildToolsListCmd())
	return cmd
}

func buildToolsListCmd() *cobra.Command {
	var (
		configPath string
		env        string
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tools the registry would load",
		Example: `  meowth tools list
  meowth tools list --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToolsList(cmd.OutOrStdout(), resolveConfigPath(configPath), env, asJSON)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	cmd.Flags().StringVarP(&env, "env", "e", "", "Environment override to apply")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print tool definitions as JSON")
	return cmd
}

// =============================================================================
// Config Commands
// =============================================================================

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate and describe configuration",
	}
	cmd.AddCommand(buildConfigValidateCmd(), buildConfigSchemaCmd())
	return cmd
}

func buildConfigValidateCmd() *cobra.Command {
	var (
		configPath string
		env        string
		show       bool
	)
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd.OutOrStdout(), resolveConfigPath(configPath), env, show)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to configuration file")
	cmd.Flags().StringVarP(&env, "env", "e", "", "Environment override to apply")
	cmd.Flags().BoolVar(&show, "show", false, "Print the effective config with secrets redacted")
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schema for the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigSchema(cmd.OutOrStdout())
		},
	}
}

// =============================================================================
// Version Command
// =============================================================================

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "meowth "+versionString())
		},
	}
}
