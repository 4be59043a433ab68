package tools

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/parleyhq/parley/internal/config"
)

const weatherSpec = `
openapi: "3.0.0"
info:
  title: Weather
  version: "1.0"
servers:
  - url: http://example.invalid
paths:
  /cities/{city}/weather:
    get:
      operationId: getWeather
      summary: Get current weather for a city
      parameters:
        - name: city
          in: path
          required: true
          schema:
            type: string
        - name: units
          in: query
          schema:
            type: string
  /reports:
    post:
      operationId: createReport
      requestBody:
        required: true
        content:
          application/json:
            schema:
              type: object
              properties:
                city:
                  type: string
                summary:
                  type: string
              required: [city]
`

func writeSpec(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "weather.yaml")
	if err := os.WriteFile(path, []byte(weatherSpec), 0o644); err != nil {
		t.Fatalf("write spec: %v", err)
	}
	return path
}

func TestOpenAPIToolsGeneratesPerOperation(t *testing.T) {
	generated, err := OpenAPITools(config.APIConfig{Name: "weather", SpecPath: writeSpec(t)})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	byName := make(map[string]Tool)
	for _, tool := range generated {
		byName[tool.Name()] = tool
	}
	if len(byName) != 2 {
		t.Fatalf("tool count = %d, want 2", len(byName))
	}
	if _, ok := byName["getWeather"]; !ok {
		t.Fatal("getWeather missing")
	}
	if _, ok := byName["createReport"]; !ok {
		t.Fatal("createReport missing")
	}

	var schema struct {
		Properties map[string]any `json:"properties"`
		Required   []string       `json:"required"`
	}
	if err := json.Unmarshal(byName["getWeather"].Schema(), &schema); err != nil {
		t.Fatalf("schema: %v", err)
	}
	if _, ok := schema.Properties["city"]; !ok {
		t.Fatal("path parameter missing from schema")
	}
	if _, ok := schema.Properties["units"]; !ok {
		t.Fatal("query parameter missing from schema")
	}
	if len(schema.Required) != 1 || schema.Required[0] != "city" {
		t.Fatalf("required = %v, want [city]", schema.Required)
	}
}

func TestAPIToolExecute(t *testing.T) {
	var gotPath, gotQuery, gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	generated, err := OpenAPITools(config.APIConfig{
		Name:     "weather",
		SpecPath: writeSpec(t),
		BaseURL:  server.URL,
		Headers:  map[string]string{"X-Api-Key": "test"},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	byName := make(map[string]Tool)
	for _, tool := range generated {
		byName[tool.Name()] = tool
	}

	res, err := byName["getWeather"].Execute(context.Background(), json.RawMessage(`{"city":"Oslo","units":"metric"}`))
	if err != nil || res.IsError {
		t.Fatalf("get: err=%v result=%+v", err, res)
	}
	if gotPath != "/cities/Oslo/weather" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotQuery != "units=metric" {
		t.Fatalf("query = %q", gotQuery)
	}

	res, err = byName["createReport"].Execute(context.Background(), json.RawMessage(`{"city":"Oslo","summary":"clear"}`))
	if err != nil || res.IsError {
		t.Fatalf("post: err=%v result=%+v", err, res)
	}
	var body map[string]string
	if err := json.Unmarshal([]byte(gotBody), &body); err != nil {
		t.Fatalf("request body not JSON: %q", gotBody)
	}
	if body["city"] != "Oslo" || body["summary"] != "clear" {
		t.Fatalf("request body = %v", body)
	}
}

func TestAPIToolSurfacesHTTPErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such city", http.StatusNotFound)
	}))
	defer server.Close()

	generated, err := OpenAPITools(config.APIConfig{Name: "weather", SpecPath: writeSpec(t), BaseURL: server.URL})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	var getWeather Tool
	for _, tool := range generated {
		if tool.Name() == "getWeather" {
			getWeather = tool
		}
	}

	res, err := getWeather.Execute(context.Background(), json.RawMessage(`{"city":"Atlantis"}`))
	if err != nil {
		t.Fatalf("HTTP error should be an error result: %v", err)
	}
	if !res.IsError {
		t.Fatalf("result = %+v, want error result", res)
	}
}
