// runtime.go assembles the engine and its collaborators from configuration
// and implements the command handlers.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/engine"
	"github.com/parleyhq/parley/internal/llm"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/queue"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/tools"
	"github.com/parleyhq/parley/pkg/models"
)

// runtime holds the assembled process-wide collaborators.
type runtime struct {
	cfg     *config.Config
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	store   store.Store
	queue   queue.Queue
	llm     *llm.Registry
	tools   *tools.Registry
	janitor *queue.Janitor

	mcpSources []*tools.MCPSource
}

// newRuntime loads configuration and builds the store, queue, LLM registry,
// and tool registry. A missing config file falls back to defaults so local
// sqlite runs work without any setup.
func newRuntime(ctx context.Context, configPath string, debug bool) (*runtime, error) {
	var cfg *config.Config
	if _, err := os.Stat(configPath); err == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
	}

	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
	})

	rt := &runtime{
		cfg:     cfg,
		logger:  logger,
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
		tracer:  observability.NewTracer(),
	}

	if err := rt.openStorage(); err != nil {
		return nil, err
	}

	registry, err := llm.NewRegistryFromConfig(cfg.LLM, logger, rt.metrics, rt.tracer)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.llm = registry

	rt.tools = tools.NewRegistry(cfg.Tools, logger, rt.metrics, rt.tracer)
	rt.registerTools(ctx)

	janitor, err := queue.NewJanitor(rt.queue, logger, cfg.Engine.ExpirySchedule)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("invalid expiry schedule: %w", err)
	}
	rt.janitor = janitor
	janitor.Start()

	return rt, nil
}

// openStorage builds the store and queue for the configured driver. Postgres
// and sqlite share one connection pool between the two.
func (rt *runtime) openStorage() error {
	switch rt.cfg.Database.Driver {
	case "postgres":
		st, err := store.NewPostgresStore(store.PostgresConfig{
			URL:             rt.cfg.Database.URL,
			MaxOpenConns:    rt.cfg.Database.MaxConnections,
			ConnMaxLifetime: rt.cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			return fmt.Errorf("open postgres store: %w", err)
		}
		q, err := queue.NewPostgresQueue(st.DB())
		if err != nil {
			st.Close()
			return fmt.Errorf("open postgres queue: %w", err)
		}
		rt.store, rt.queue = st, q
	case "sqlite":
		st, err := store.NewSQLiteStore(rt.cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("open sqlite store: %w", err)
		}
		q, err := queue.NewSQLiteQueue(st.DB())
		if err != nil {
			st.Close()
			return fmt.Errorf("open sqlite queue: %w", err)
		}
		rt.store, rt.queue = st, q
	case "memory":
		rt.store = store.NewMemoryStore()
		rt.queue = queue.NewMemoryQueue()
	default:
		return fmt.Errorf("unknown database driver %q", rt.cfg.Database.Driver)
	}
	return nil
}

// registerTools assembles the tool registry from every configured source.
// A failing source is logged and skipped; the conversation still works with
// the remaining tools.
func (rt *runtime) registerTools(ctx context.Context) {
	for _, t := range tools.FileTools(rt.cfg.Tools.FileRoot) {
		rt.tools.Register(t)
	}

	for _, api := range rt.cfg.Tools.APIs {
		generated, err := tools.OpenAPITools(api)
		if err != nil {
			rt.logger.Warn(ctx, "skipping openapi source", "name", api.Name, "error", err)
			continue
		}
		for _, t := range generated {
			rt.tools.Register(t)
		}
	}

	for _, server := range rt.cfg.Tools.MCPServers {
		src, err := tools.NewMCPSource(server, rt.logger)
		if err != nil {
			rt.logger.Warn(ctx, "skipping mcp server", "name", server.Name, "error", err)
			continue
		}
		remote, err := src.Tools(ctx)
		if err != nil {
			rt.logger.Warn(ctx, "mcp server unavailable", "name", server.Name, "error", err)
			_ = src.Close()
			continue
		}
		for _, t := range remote {
			rt.tools.RegisterMCP(t)
		}
		rt.mcpSources = append(rt.mcpSources, src)
	}
}

func (rt *runtime) Close() {
	if rt.janitor != nil {
		rt.janitor.Stop()
	}
	for _, src := range rt.mcpSources {
		_ = src.Close()
	}
	if rt.queue != nil {
		_ = rt.queue.Close()
	}
	if rt.store != nil {
		_ = rt.store.Close()
	}
}

// newEngine builds an engine over the runtime with the given agents and hooks.
func (rt *runtime) newEngine(agents []*models.AgentConfig, hooks engine.Hooks) (*engine.Engine, error) {
	return engine.New(engine.Options{
		Config:  rt.cfg.Engine,
		Store:   rt.store,
		Queue:   rt.queue,
		Agents:  agents,
		Tools:   rt.tools,
		LLM:     rt.llm,
		Hooks:   hooks,
		Logger:  rt.logger,
		Metrics: rt.metrics,
		Tracer:  rt.tracer,
	})
}

// agentsFile is the on-disk agent definition format.
type agentsFile struct {
	Agents []agentSpec `yaml:"agents"`
}

type agentSpec struct {
	Name          string   `yaml:"name"`
	Role          string   `yaml:"role"`
	Personality   string   `yaml:"personality"`
	Instructions  string   `yaml:"instructions"`
	Description   string   `yaml:"description"`
	Type          string   `yaml:"type"`
	AllowedTools  []string `yaml:"allowed_tools"`
	AllowedAgents []string `yaml:"allowed_agents"`

	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

// loadAgents reads agent definitions from a YAML file. An empty path yields a
// single unrestricted assistant.
func loadAgents(path string) ([]*models.AgentConfig, error) {
	if strings.TrimSpace(path) == "" {
		return []*models.AgentConfig{{
			Name: "Assistant",
			Role: "general assistant",
		}}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agents file: %w", err)
	}
	var file agentsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse agents file: %w", err)
	}
	if len(file.Agents) == 0 {
		return nil, fmt.Errorf("agents file %s defines no agents", path)
	}

	out := make([]*models.AgentConfig, 0, len(file.Agents))
	for _, spec := range file.Agents {
		out = append(out, &models.AgentConfig{
			Name:          spec.Name,
			Role:          spec.Role,
			Personality:   spec.Personality,
			Instructions:  spec.Instructions,
			Description:   spec.Description,
			AgentType:     models.AgentType(spec.Type),
			AllowedTools:  spec.AllowedTools,
			AllowedAgents: spec.AllowedAgents,
			LLMOptions: models.LLMOptions{
				Provider:    spec.Provider,
				Model:       spec.Model,
				MaxTokens:   spec.MaxTokens,
				Temperature: spec.Temperature,
			},
		})
	}
	return out, nil
}

// chatHooks prints the conversation as it unfolds.
func chatHooks(out io.Writer) engine.Hooks {
	return engine.Hooks{
		OnMessageSent: func(_ context.Context, m *models.Message) *models.Message {
			fmt.Fprintf(out, "%s: %s\n", m.SenderID, m.Content)
			return nil
		},
		OnToolCalling: func(_ context.Context, c *engine.ToolCalling) *engine.ToolCalling {
			fmt.Fprintf(out, "  [%s -> %s]\n", c.AgentName, c.ToolName)
			return nil
		},
	}
}

func runChat(cmd *cobra.Command, configPath, agentsPath, sessionID string, debug bool) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, configPath, debug)
	if err != nil {
		return err
	}
	defer rt.Close()

	agents, err := loadAgents(agentsPath)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	eng, err := rt.newEngine(agents, chatHooks(out))
	if err != nil {
		return err
	}

	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	names := make([]string, 0, len(agents))
	for _, a := range agents {
		names = append(names, a.Name)
	}
	fmt.Fprintf(out, "Session %s with agents: %s\n", sessionID, strings.Join(names, ", "))
	fmt.Fprintln(out, `Type a message, "exit" to quit. Address agents with @name.`)

	scanner := bufio.NewScanner(cmd.InOrStdin())
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}
		if ctx.Err() != nil {
			break
		}

		if _, err := eng.CreateThread(ctx, engine.CreateThreadRequest{
			ThreadExternalID: sessionID,
			Content:          line,
		}); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
	return scanner.Err()
}

// sendOptions carries the flags of the send command.
type sendOptions struct {
	Content    string
	ThreadID   string
	ExternalID string
	SenderID   string
}

func runSend(cmd *cobra.Command, configPath, agentsPath string, opts sendOptions, debug bool) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(ctx, configPath, debug)
	if err != nil {
		return err
	}
	defer rt.Close()

	agents, err := loadAgents(agentsPath)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	eng, err := rt.newEngine(agents, chatHooks(out))
	if err != nil {
		return err
	}

	res, err := eng.CreateThread(ctx, engine.CreateThreadRequest{
		ThreadID:         opts.ThreadID,
		ThreadExternalID: opts.ExternalID,
		SenderID:         opts.SenderID,
		Content:          opts.Content,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "thread: %s\n", res.ThreadID)
	return nil
}

func runQueue(cmd *cobra.Command, configPath, threadID, status string, limit int) error {
	ctx := cmd.Context()

	rt, err := newRuntime(ctx, configPath, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	events, err := rt.queue.ListByThread(ctx, threadID, models.EventStatus(status), limit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(events) == 0 {
		fmt.Fprintln(out, "No events.")
		return nil
	}

	fmt.Fprintf(out, "%-38s %-12s %-11s %-20s %s\n", "ID", "TYPE", "STATUS", "CREATED", "FAILURE")
	for _, ev := range events {
		fmt.Fprintf(out, "%-38s %-12s %-11s %-20s %s\n",
			ev.ID, ev.Type, ev.Status,
			ev.CreatedAt.Format(time.RFC3339), ev.FailureReason)
	}
	return nil
}
