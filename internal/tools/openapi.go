package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/parleyhq/parley/internal/config"
)

// openapiDoc is the subset of an OpenAPI 3 document the generator reads.
// YAML parsing also covers JSON documents.
type openapiDoc struct {
	Servers []struct {
		URL string `yaml:"url"`
	} `yaml:"servers"`
	Paths map[string]map[string]*openapiOperation `yaml:"paths"`
}

type openapiOperation struct {
	OperationID string             `yaml:"operationId"`
	Summary     string             `yaml:"summary"`
	Description string             `yaml:"description"`
	Parameters  []openapiParameter `yaml:"parameters"`
	RequestBody *openapiBody       `yaml:"requestBody"`
}

type openapiParameter struct {
	Name        string         `yaml:"name"`
	In          string         `yaml:"in"`
	Required    bool           `yaml:"required"`
	Description string         `yaml:"description"`
	Schema      map[string]any `yaml:"schema"`
}

type openapiBody struct {
	Required bool `yaml:"required"`
	Content  map[string]struct {
		Schema map[string]any `yaml:"schema"`
	} `yaml:"content"`
}

var openapiMethods = []string{"get", "post", "put", "patch", "delete"}

// OpenAPITools generates one tool per operationId from an OpenAPI document.
// Path and query parameters and the JSON request body properties are merged
// into a single flat argument object; Execute splits them back out.
func OpenAPITools(cfg config.APIConfig) ([]Tool, error) {
	data, err := os.ReadFile(cfg.SpecPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read OpenAPI document: %w", err)
	}

	var doc openapiDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse OpenAPI document: %w", err)
	}

	baseURL := cfg.BaseURL
	if baseURL == "" && len(doc.Servers) > 0 {
		baseURL = doc.Servers[0].URL
	}
	if baseURL == "" {
		return nil, fmt.Errorf("OpenAPI document %s has no server URL and no base_url configured", cfg.SpecPath)
	}
	baseURL = strings.TrimRight(baseURL, "/")

	client := &http.Client{Timeout: 30 * time.Second}

	var tools []Tool
	for path, operations := range doc.Paths {
		for _, method := range openapiMethods {
			op := operations[method]
			if op == nil || op.OperationID == "" {
				continue
			}
			tools = append(tools, newAPITool(client, baseURL, path, method, op, cfg.Headers))
		}
	}
	return tools, nil
}

// apiTool invokes one HTTP operation.
type apiTool struct {
	client  *http.Client
	name    string
	desc    string
	schema  json.RawMessage
	baseURL string
	path    string
	method  string
	headers map[string]string

	pathParams  map[string]bool
	queryParams map[string]bool
	hasBody     bool
}

func newAPITool(client *http.Client, baseURL, path, method string, op *openapiOperation, headers map[string]string) *apiTool {
	t := &apiTool{
		client:      client,
		name:        op.OperationID,
		desc:        op.Summary,
		baseURL:     baseURL,
		path:        path,
		method:      strings.ToUpper(method),
		headers:     headers,
		pathParams:  make(map[string]bool),
		queryParams: make(map[string]bool),
	}
	if t.desc == "" {
		t.desc = op.Description
	}
	if t.desc == "" {
		t.desc = fmt.Sprintf("%s %s", t.method, path)
	}

	properties := make(map[string]any)
	var required []string

	for _, p := range op.Parameters {
		schema := p.Schema
		if schema == nil {
			schema = map[string]any{"type": "string"}
		}
		if p.Description != "" {
			merged := make(map[string]any, len(schema)+1)
			for k, v := range schema {
				merged[k] = v
			}
			merged["description"] = p.Description
			schema = merged
		}
		properties[p.Name] = schema
		switch p.In {
		case "path":
			t.pathParams[p.Name] = true
			required = append(required, p.Name)
		case "query":
			t.queryParams[p.Name] = true
			if p.Required {
				required = append(required, p.Name)
			}
		}
	}

	if op.RequestBody != nil {
		for contentType, content := range op.RequestBody.Content {
			if !strings.HasPrefix(contentType, "application/json") {
				continue
			}
			t.hasBody = true
			if props, ok := content.Schema["properties"].(map[string]any); ok {
				for name, schema := range props {
					properties[name] = schema
				}
			}
			if reqs, ok := content.Schema["required"].([]any); ok {
				for _, r := range reqs {
					if name, ok := r.(string); ok {
						required = append(required, name)
					}
				}
			}
			break
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	data, err := json.Marshal(schema)
	if err != nil {
		data = []byte(`{"type":"object"}`)
	}
	t.schema = data

	return t
}

func (t *apiTool) Name() string            { return t.name }
func (t *apiTool) Description() string     { return t.desc }
func (t *apiTool) Schema() json.RawMessage { return t.schema }

func (t *apiTool) Execute(ctx context.Context, params json.RawMessage) (*Result, error) {
	var args map[string]any
	if err := json.Unmarshal(params, &args); err != nil {
		return Errorf("invalid parameters: %v", err), nil
	}

	path := t.path
	query := url.Values{}
	body := make(map[string]any)

	for name, value := range args {
		switch {
		case t.pathParams[name]:
			path = strings.ReplaceAll(path, "{"+name+"}", url.PathEscape(fmt.Sprint(value)))
		case t.queryParams[name]:
			query.Set(name, fmt.Sprint(value))
		default:
			body[name] = value
		}
	}

	fullURL := t.baseURL + path
	if encoded := query.Encode(); encoded != "" {
		fullURL += "?" + encoded
	}

	var reqBody io.Reader
	if t.hasBody && len(body) > 0 {
		payload, err := json.Marshal(body)
		if err != nil {
			return Errorf("encode request body: %v", err), nil
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, t.method, fullURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", t.name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return Errorf("API error %d: %s", resp.StatusCode, string(respBody)), nil
	}
	return Text(string(respBody)), nil
}
