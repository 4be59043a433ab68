// commands.go contains the cobra command definitions and their flag
// configurations. Each builder wires a command to its handler in runtime.go.
package main

import (
	"github.com/spf13/cobra"
)

// buildChatCmd creates the "chat" command: an interactive conversation that
// reuses one thread for the whole session.
func buildChatCmd() *cobra.Command {
	var (
		configPath string
		agentsPath string
		sessionID  string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation",
		Long: `Start an interactive conversation with the configured agents.

All messages of one chat session go to the same thread, so agents keep
their history across turns. Use @name to address a specific agent; with a
single agent, messages route to it automatically.`,
		Example: `  # Chat with agents defined in agents.yaml
  parley chat --agents agents.yaml

  # Resume a named session
  parley chat --agents agents.yaml --session support-42`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			return runChat(cmd, configPath, agentsPath, sessionID, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to YAML configuration file")
	cmd.Flags().StringVarP(&agentsPath, "agents", "a", "", "Path to YAML agent definitions")
	cmd.Flags().StringVar(&sessionID, "session", "", "Session id; the same id resumes the same thread")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

// buildSendCmd creates the "send" command: one message in, the resulting
// conversation out.
func buildSendCmd() *cobra.Command {
	var (
		configPath string
		agentsPath string
		threadID   string
		externalID string
		senderID   string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "send [message]",
		Short: "Send one message and print the replies",
		Args:  cobra.ExactArgs(1),
		Example: `  # One-shot question
  parley send "@Albert summarize the design" --agents agents.yaml

  # Continue an existing thread
  parley send "and the open risks?" --thread 6b9f... --agents agents.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			return runSend(cmd, configPath, agentsPath, sendOptions{
				Content:    args[0],
				ThreadID:   threadID,
				ExternalID: externalID,
				SenderID:   senderID,
			}, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to YAML configuration file")
	cmd.Flags().StringVarP(&agentsPath, "agents", "a", "", "Path to YAML agent definitions")
	cmd.Flags().StringVar(&threadID, "thread", "", "Thread id to continue")
	cmd.Flags().StringVar(&externalID, "external-id", "", "External thread id to resolve or create")
	cmd.Flags().StringVar(&senderID, "sender", "user", "Sender id for the message")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

// buildQueueCmd creates the "queue" command for inspecting a thread's events.
func buildQueueCmd() *cobra.Command {
	var (
		configPath string
		status     string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "queue [thread-id]",
		Short: "List a thread's queue events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath = resolveConfigPath(configPath)
			return runQueue(cmd, configPath, args[0], status, limit)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigName, "Path to YAML configuration file")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending, processing, completed, failed)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum events to list")

	return cmd
}
