// Package main provides the CLI entry point for Meowth, a Slack bot that
// answers mentions with an LLM that can call tools over the thread.
//
// # Basic Usage
//
// Start the bot:
//
//	meowth serve --config meowth.yaml
//
// Check a config file without connecting:
//
//	meowth config validate --config meowth.yaml
//
// # Environment Variables
//
//   - MEOWTH_CONFIG: Path to configuration file (default: meowth.yaml)
//   - MEOWTH_ENV: Environment override applied from the config's environments block
//
// Config files usually reference SLACK_BOT_TOKEN, SLACK_APP_TOKEN and
// OPENAI_API_KEY through ${VAR} expansion; a .env file next to the process
// is loaded first.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "meowth.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "meowth",
		Short: "Meowth - Slack assistant with tool-calling LLM replies",
		Long: `Meowth listens for mentions over Slack Socket Mode, reads the thread,
lets an LLM call tools such as channel history and summarization, and
replies in the thread.`,
		Version:      versionString(),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildToolsCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func versionString() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)
}

// resolveConfigPath prefers an explicit flag, then $MEOWTH_CONFIG, then the
// default file name.
func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" && path != defaultConfigPath {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("MEOWTH_CONFIG")); env != "" {
		return env
	}
	return defaultConfigPath
}
