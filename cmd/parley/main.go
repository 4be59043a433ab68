// Package main provides the CLI entry point for Parley, a durable multi-agent
// conversation engine.
//
// Parley drives per-thread event queues that orchestrate conversations between
// users, LLM-backed agents (Anthropic, OpenAI), and tools (native file tools,
// OpenAPI-generated tools, MCP servers).
//
// # Basic Usage
//
// Start an interactive conversation:
//
//	parley chat --agents agents.yaml
//
// Send a single message:
//
//	parley send "Hello @Albert" --agents agents.yaml
//
// Inspect a thread's event queue:
//
//	parley queue <thread-id>
//
// # Environment Variables
//
//   - PARLEY_CONFIG: Path to configuration file (default: parley.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key for Claude models
//   - OPENAI_API_KEY: OpenAI API key for GPT models
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// A missing .env is fine; explicit environment always wins.
	_ = godotenv.Load()

	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "parley",
		Short: "Parley - durable multi-agent conversation engine",
		Long: `Parley orchestrates conversations between users, LLM-backed agents, and
tools through a durable per-thread event queue.

Supported LLM providers: Anthropic (Claude), OpenAI (GPT)
Tool sources: native file tools, OpenAPI documents, MCP servers`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildChatCmd(),
		buildSendCmd(),
		buildQueueCmd(),
	)

	return rootCmd
}

// resolveConfigPath applies the PARLEY_CONFIG override.
func resolveConfigPath(path string) string {
	if env := os.Getenv("PARLEY_CONFIG"); env != "" && path == defaultConfigName {
		return env
	}
	return path
}

const defaultConfigName = "parley.yaml"
