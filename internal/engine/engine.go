// Package engine is the event-driven scheduler at the heart of parley: it
// drives each conversation thread's durable event queue to quiescence,
// strictly serial within a thread and concurrent across threads.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/catalog"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/llm"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/prompt"
	"github.com/parleyhq/parley/internal/queue"
	"github.com/parleyhq/parley/internal/router"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/tools"
	"github.com/parleyhq/parley/pkg/models"
)

// historyLimit bounds how much ancestor-chain history one agent turn sees.
const historyLimit = 50

// Options collects the engine's collaborators. Store, Queue, and Agents are
// required; the rest are optional.
type Options struct {
	Config  config.EngineConfig
	Store   store.Store
	Queue   queue.Queue
	Agents  []*models.AgentConfig
	Tools   *tools.Registry
	LLM     llm.Service
	Hooks   Hooks
	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer

	// ActiveTask, when set, is surfaced to every agentic agent in its
	// system prompt for the lifetime of the session.
	ActiveTask *models.Task
}

// Engine wires the worker, the processors, and their dependencies.
type Engine struct {
	cfg        config.EngineConfig
	store      store.Store
	queue      queue.Queue
	agents     *catalog.Agents
	tools      *tools.Registry
	llm        llm.Service
	router     *router.Router
	prompts    *prompt.Builder
	hooks      Hooks
	task       *models.Task
	logger     *observability.Logger
	metrics    *observability.Metrics
	tracer     *observability.Tracer
	processors processorRegistry
}

// New validates the agent set and assembles the engine. Fails fast on
// configuration errors such as an empty agent list or duplicate names.
func New(opts Options) (*Engine, error) {
	agents, err := catalog.NewAgents(opts.Agents)
	if err != nil {
		return nil, err
	}
	if opts.Store == nil || opts.Queue == nil {
		return nil, fmt.Errorf("engine: store and queue are required")
	}
	if opts.Tools == nil {
		opts.Tools = tools.NewRegistry(config.ToolsConfig{}, opts.Logger, opts.Metrics, opts.Tracer)
	}
	if opts.Config.MaxStepsPerRun <= 0 {
		opts.Config.MaxStepsPerRun = config.Default().Engine.MaxStepsPerRun
	}

	e := &Engine{
		cfg:     opts.Config,
		store:   opts.Store,
		queue:   opts.Queue,
		agents:  agents,
		tools:   opts.Tools,
		llm:     opts.LLM,
		router:  router.New(),
		prompts: prompt.New(),
		hooks:   opts.Hooks,
		task:    opts.ActiveTask,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
	}
	e.processors = processorRegistry{
		models.EventMessage:    &messageProcessor{e},
		models.EventToolCall:   &toolCallProcessor{e},
		models.EventToolResult: &toolResultProcessor{e},
	}
	return e, nil
}

// CreateThreadRequest is the session entry point input.
type CreateThreadRequest struct {
	// ThreadID resolves an exact thread; ThreadExternalID resolves the
	// active thread with that external id, creating one when absent.
	ThreadID         string
	ThreadExternalID string

	SenderID   string
	SenderType models.SenderType
	Content    string

	ThreadName     string
	ParentThreadID string
	Participants   []string
	User           *models.User
}

// CreateThreadResult reports the enqueued event and its thread.
type CreateThreadResult struct {
	QueueID  string
	Status   string
	ThreadID string
}

// CreateThread resolves or creates the thread, enqueues the initial MESSAGE
// event, and drives the thread's queue to quiescence before returning.
func (e *Engine) CreateThread(ctx context.Context, req CreateThreadRequest) (*CreateThreadResult, error) {
	if req.SenderID == "" {
		req.SenderID = "user"
	}
	if req.SenderType == "" {
		req.SenderType = models.SenderUser
	}

	thread, err := e.resolveThread(ctx, &req)
	if err != nil {
		return nil, err
	}

	var userID string
	if req.User != nil {
		user, err := e.store.UpsertUser(ctx, req.User)
		if err != nil {
			return nil, fmt.Errorf("failed to upsert user: %w", err)
		}
		userID = user.ID
	}

	ev := models.NewMessageEvent(thread.ID, models.MessagePayload{
		SenderID:   req.SenderID,
		SenderType: req.SenderType,
		Content:    req.Content,
		UserID:     userID,
	})
	ev.TraceID = uuid.NewString()
	if e.cfg.EventTTL > 0 {
		ev.TTLMs = e.cfg.EventTTL.Milliseconds()
	}

	ev, err = e.queue.Add(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue message: %w", err)
	}

	if err := e.RunThread(ctx, thread.ID); err != nil {
		if e.logger != nil {
			e.logger.Error(ctx, "thread run halted", "thread_id", thread.ID, "error", err)
		}
	}

	return &CreateThreadResult{
		QueueID:  ev.ID,
		Status:   "queued",
		ThreadID: thread.ID,
	}, nil
}

func (e *Engine) resolveThread(ctx context.Context, req *CreateThreadRequest) (*models.Thread, error) {
	participants := req.Participants
	if len(participants) == 0 {
		participants = append([]string{req.SenderID}, e.agents.Names()...)
	}
	spec := store.ThreadSpec{
		ExternalID:     req.ThreadExternalID,
		Name:           req.ThreadName,
		Participants:   participants,
		ParentThreadID: req.ParentThreadID,
	}

	if req.ThreadID != "" {
		return e.store.FindOrCreateThread(ctx, req.ThreadID, spec)
	}

	if req.ThreadExternalID != "" {
		thread, err := e.store.GetThreadByExternalID(ctx, req.ThreadExternalID)
		if err == nil {
			return thread, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	return e.store.FindOrCreateThread(ctx, uuid.NewString(), spec)
}
