package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/observability"
)

// ErrUnknownTool is returned when executing a tool the registry does not hold.
var ErrUnknownTool = errors.New("tools: unknown tool")

type entry struct {
	tool Tool
	mcp  bool
}

// Registry holds the assembled tool set and executes tools with schema
// validation and per-tool timeouts. Registration happens at startup;
// execution is concurrent.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry

	cfg     config.ToolsConfig
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// NewRegistry creates an empty registry. Logger, metrics and tracer are
// optional.
func NewRegistry(cfg config.ToolsConfig, logger *observability.Logger, metrics *observability.Metrics, tracer *observability.Tracer) *Registry {
	return &Registry{
		entries: make(map[string]entry),
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		tracer:  tracer,
	}
}

// Register adds a tool, replacing any previous tool with the same name.
func (r *Registry) Register(t Tool) {
	r.register(t, false)
}

// RegisterMCP adds an MCP-backed tool. MCP tools get the shorter MCP
// default timeout.
func (r *Registry) RegisterMCP(t Tool) {
	r.register(t, true)
}

func (r *Registry) register(t Tool, mcp bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[t.Name()] = entry{tool: t, mcp: mcp}
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e.tool, ok
}

// All returns every registered tool sorted by name.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Select returns the tools an agent may use. A nil allow list means
// unrestricted; an empty non-nil list means none.
func (r *Registry) Select(allowed []string) []Tool {
	if allowed == nil {
		return r.All()
	}
	permitted := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		permitted[name] = true
	}
	var out []Tool
	for _, t := range r.All() {
		if permitted[t.Name()] {
			out = append(out, t)
		}
	}
	return out
}

// Execute validates the arguments against the tool's schema and runs the
// tool under its configured timeout. Schema violations and execution
// failures come back as error results so the agent can self-correct; only
// infrastructure problems (unknown tool, hard execution errors) return an
// error.
func (r *Registry) Execute(ctx context.Context, name string, params []byte) (*Result, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	if err := ValidateParams(e.tool.Schema(), params); err != nil {
		r.record(name, "error", 0)
		return Errorf("%v", err), nil
	}

	timeout := r.cfg.ToolTimeout(name, e.mcp)
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ctx, finish := r.startSpan(ctx, name)

	start := time.Now()
	result, err := e.tool.Execute(ctx, params)
	elapsed := time.Since(start)

	if finish != nil {
		finish(err)
	}

	status := "success"
	if err != nil || (result != nil && result.IsError) {
		status = "error"
	}
	r.record(name, status, elapsed.Seconds())

	if err != nil {
		if r.logger != nil {
			r.logger.Error(ctx, "tool execution failed", "tool", name, "error", err)
		}
		return nil, fmt.Errorf("failed to execute tool %s: %w", name, err)
	}
	if r.logger != nil {
		r.logger.Debug(ctx, "tool executed", "tool", name, "status", status, "duration_ms", elapsed.Milliseconds())
	}
	return result, nil
}

func (r *Registry) record(name, status string, seconds float64) {
	if r.metrics != nil {
		r.metrics.RecordToolExecution(name, status, seconds)
	}
}

func (r *Registry) startSpan(ctx context.Context, name string) (context.Context, func(error)) {
	if r.tracer == nil {
		return ctx, nil
	}
	ctx, span := r.tracer.StartTool(ctx, name)
	return ctx, func(err error) {
		observability.EndSpan(span, err)
	}
}
