package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/observability"
)

const mcpProtocolVersion = "2024-11-05"

// MCPSource connects to one MCP server and wraps its tools. Command-based
// servers run as stdio subprocesses via mcp-go; URL-based servers speak
// JSON-RPC over HTTP.
type MCPSource struct {
	cfg    config.MCPServerConfig
	logger *observability.Logger

	mu        sync.Mutex
	stdio     *client.Client
	http      *mcpHTTPClient
	tools     []Tool
	connected bool
}

// NewMCPSource creates a source from configuration. Exactly one of Command
// and URL must be set.
func NewMCPSource(cfg config.MCPServerConfig, logger *observability.Logger) (*MCPSource, error) {
	if cfg.Command == "" && cfg.URL == "" {
		return nil, fmt.Errorf("mcp server %s: either command or url is required", cfg.Name)
	}
	if cfg.Command != "" && cfg.URL != "" {
		return nil, fmt.Errorf("mcp server %s: command and url are mutually exclusive", cfg.Name)
	}
	return &MCPSource{cfg: cfg, logger: logger}, nil
}

// Tools connects lazily and returns the server's tools.
func (s *MCPSource) Tools(ctx context.Context) ([]Tool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		var err error
		if s.cfg.Command != "" {
			err = s.connectStdio(ctx)
		} else {
			err = s.connectHTTP(ctx)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to connect to MCP server %s: %w", s.cfg.Name, err)
		}
	}

	return s.tools, nil
}

// Close shuts down the stdio subprocess if one is running.
func (s *MCPSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdio != nil {
		return s.stdio.Close()
	}
	return nil
}

func (s *MCPSource) connectStdio(ctx context.Context) error {
	env := make([]string, 0, len(s.cfg.Env))
	for k, v := range s.cfg.Env {
		env = append(env, k+"="+v)
	}

	mcpClient, err := client.NewStdioMCPClient(s.cfg.Command, env, s.cfg.Args...)
	if err != nil {
		return fmt.Errorf("failed to create MCP client: %w", err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		return fmt.Errorf("failed to start MCP client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "parley", Version: "0.1.0"}
	initReq.Params.ProtocolVersion = mcpProtocolVersion

	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to initialize MCP session: %w", err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to list tools: %w", err)
	}

	var tools []Tool
	for _, mcpTool := range listResp.Tools {
		schema, err := json.Marshal(mcpTool.InputSchema)
		if err != nil {
			continue
		}
		tools = append(tools, &remoteTool{
			source: s,
			name:   mcpTool.Name,
			desc:   mcpTool.Description,
			schema: schema,
		})
	}

	s.stdio = mcpClient
	s.tools = tools
	s.connected = true

	if s.logger != nil {
		s.logger.Info(ctx, "connected to MCP server",
			"server", s.cfg.Name, "transport", "stdio", "tools", len(tools))
	}
	return nil
}

func (s *MCPSource) connectHTTP(ctx context.Context) error {
	s.http = &mcpHTTPClient{
		url:     s.cfg.URL,
		headers: s.cfg.Headers,
		client:  &http.Client{Timeout: 30 * time.Second},
	}

	initResp, err := s.http.call(ctx, "initialize", map[string]any{
		"protocolVersion": mcpProtocolVersion,
		"clientInfo":      map[string]any{"name": "parley", "version": "0.1.0"},
		"capabilities":    map[string]any{},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize MCP session: %w", err)
	}
	if initResp.Error != nil {
		return fmt.Errorf("MCP initialize error: %s", initResp.Error.Message)
	}

	listResp, err := s.http.call(ctx, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("failed to list tools: %w", err)
	}
	if listResp.Error != nil {
		return fmt.Errorf("MCP tools/list error: %s", listResp.Error.Message)
	}

	var listing struct {
		Tools []struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			InputSchema json.RawMessage `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(listResp.Result, &listing); err != nil {
		return fmt.Errorf("unexpected tools/list response: %w", err)
	}

	var tools []Tool
	for _, t := range listing.Tools {
		schema := t.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		tools = append(tools, &remoteTool{
			source: s,
			name:   t.Name,
			desc:   t.Description,
			schema: schema,
		})
	}

	s.tools = tools
	s.connected = true

	if s.logger != nil {
		s.logger.Info(ctx, "connected to MCP server",
			"server", s.cfg.Name, "transport", "http", "tools", len(tools))
	}
	return nil
}

// callTool dispatches over whichever transport the source connected with.
func (s *MCPSource) callTool(ctx context.Context, name string, args map[string]any) (*Result, error) {
	s.mu.Lock()
	stdio, httpc := s.stdio, s.http
	s.mu.Unlock()

	if stdio != nil {
		req := mcp.CallToolRequest{}
		req.Params.Name = name
		req.Params.Arguments = args

		resp, err := stdio.CallTool(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("MCP call failed: %w", err)
		}
		return mcpResult(resp.IsError, resp.Content), nil
	}

	if httpc != nil {
		resp, err := httpc.call(ctx, "tools/call", map[string]any{
			"name":      name,
			"arguments": args,
		})
		if err != nil {
			return nil, fmt.Errorf("MCP call failed: %w", err)
		}
		if resp.Error != nil {
			return Errorf("%s", resp.Error.Message), nil
		}
		var result struct {
			IsError bool              `json:"isError"`
			Content []mcp.TextContent `json:"content"`
		}
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			return nil, fmt.Errorf("unexpected tools/call response: %w", err)
		}
		contents := make([]mcp.Content, len(result.Content))
		for i, c := range result.Content {
			contents[i] = c
		}
		return mcpResult(result.IsError, contents), nil
	}

	return nil, fmt.Errorf("MCP server %s is not connected", s.cfg.Name)
}

func mcpResult(isError bool, content []mcp.Content) *Result {
	var texts []string
	for _, c := range content {
		if text, ok := c.(mcp.TextContent); ok {
			texts = append(texts, text.Text)
		}
	}
	return &Result{Content: strings.Join(texts, "\n"), IsError: isError}
}

// remoteTool wraps one remote MCP tool as a Tool.
type remoteTool struct {
	source *MCPSource
	name   string
	desc   string
	schema json.RawMessage
}

func (t *remoteTool) Name() string            { return t.name }
func (t *remoteTool) Description() string     { return t.desc }
func (t *remoteTool) Schema() json.RawMessage { return t.schema }

func (t *remoteTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var args map[string]any
	if err := json.Unmarshal(params, &args); err != nil {
		return Errorf("invalid parameters: %v", err), nil
	}
	return t.source.callTool(ctx, t.name, args)
}

// mcpHTTPClient is a minimal JSON-RPC 2.0 client for HTTP MCP servers. It
// tracks the session id header used by the streamable HTTP transport.
type mcpHTTPClient struct {
	url     string
	headers map[string]string
	client  *http.Client

	sessionMu sync.RWMutex
	sessionID string
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *mcpHTTPClient) call(ctx context.Context, method string, params any) (*jsonRPCResponse, error) {
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.url, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	c.sessionMu.RLock()
	sessionID := c.sessionID
	c.sessionMu.RUnlock()
	if sessionID != "" {
		req.Header.Set("mcp-session-id", sessionID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if newSession := resp.Header.Get("mcp-session-id"); newSession != "" {
		c.sessionMu.Lock()
		c.sessionID = newSession
		c.sessionMu.Unlock()
	}

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("HTTP error %d: %s", resp.StatusCode, string(respBody))
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var rpcResp jsonRPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &rpcResp, nil
}
