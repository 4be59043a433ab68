package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const maxReadBytes = 200000

// resolver resolves and validates root-relative paths.
type resolver struct {
	Root string
}

// resolve returns an absolute, cleaned path confined to the root.
func (r resolver) resolve(path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", fmt.Errorf("path is required")
	}
	rootAbs, err := filepath.Abs(r.Root)
	if err != nil {
		return "", fmt.Errorf("resolve file root: %w", err)
	}
	var target string
	if filepath.IsAbs(clean) {
		target = filepath.Clean(clean)
	} else {
		target = filepath.Join(rootAbs, clean)
	}
	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	rel, err := filepath.Rel(rootAbs, targetAbs)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("path escapes file root")
	}
	return targetAbs, nil
}

// FileTools returns the native filesystem tools confined to root. An empty
// root disables them.
func FileTools(root string) []Tool {
	if strings.TrimSpace(root) == "" {
		return nil
	}
	r := resolver{Root: root}
	return []Tool{
		&readFileTool{resolver: r},
		&writeFileTool{resolver: r},
		&listDirectoryTool{resolver: r},
	}
}

type readFileInput struct {
	Path     string `json:"path" jsonschema:"description=Path to the file relative to the file root"`
	Offset   int64  `json:"offset,omitempty" jsonschema:"description=Byte offset to start reading from,minimum=0"`
	MaxBytes int    `json:"max_bytes,omitempty" jsonschema:"description=Maximum bytes to read,minimum=0"`
}

type readFileTool struct {
	resolver resolver
}

func (t *readFileTool) Name() string { return "read_file" }

func (t *readFileTool) Description() string {
	return "Read a file from the workspace with optional offset and byte limit."
}

func (t *readFileTool) Schema() json.RawMessage {
	return schemaFor(&readFileInput{})
}

func (t *readFileTool) Execute(_ context.Context, params json.RawMessage) (*Result, error) {
	var input readFileInput
	if err := json.Unmarshal(params, &input); err != nil {
		return Errorf("invalid parameters: %v", err), nil
	}
	if input.Offset < 0 {
		return Errorf("offset must be >= 0"), nil
	}

	resolved, err := t.resolver.resolve(input.Path)
	if err != nil {
		return Errorf("%v", err), nil
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return Errorf("read file: %v", err), nil
	}

	if input.Offset > int64(len(data)) {
		return Text(""), nil
	}
	data = data[input.Offset:]

	limit := maxReadBytes
	if input.MaxBytes > 0 && input.MaxBytes < limit {
		limit = input.MaxBytes
	}
	if len(data) > limit {
		data = data[:limit]
	}

	return Text(string(data)), nil
}

type writeFileInput struct {
	Path    string `json:"path" jsonschema:"description=Path to the file relative to the file root"`
	Content string `json:"content" jsonschema:"description=Full content to write"`
}

type writeFileTool struct {
	resolver resolver
}

func (t *writeFileTool) Name() string { return "write_file" }

func (t *writeFileTool) Description() string {
	return "Write content to a file in the workspace, creating parent directories as needed."
}

func (t *writeFileTool) Schema() json.RawMessage {
	return schemaFor(&writeFileInput{})
}

func (t *writeFileTool) Execute(_ context.Context, params json.RawMessage) (*Result, error) {
	var input writeFileInput
	if err := json.Unmarshal(params, &input); err != nil {
		return Errorf("invalid parameters: %v", err), nil
	}

	resolved, err := t.resolver.resolve(input.Path)
	if err != nil {
		return Errorf("%v", err), nil
	}

	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return Errorf("create directories: %v", err), nil
	}
	if err := os.WriteFile(resolved, []byte(input.Content), 0o644); err != nil {
		return Errorf("write file: %v", err), nil
	}

	return Text(fmt.Sprintf("wrote %d bytes to %s", len(input.Content), input.Path)), nil
}

type listDirectoryInput struct {
	Path string `json:"path,omitempty" jsonschema:"description=Directory to list relative to the file root; defaults to the root"`
}

type listDirectoryTool struct {
	resolver resolver
}

func (t *listDirectoryTool) Name() string { return "list_directory" }

func (t *listDirectoryTool) Description() string {
	return "List the entries of a directory in the workspace."
}

func (t *listDirectoryTool) Schema() json.RawMessage {
	return schemaFor(&listDirectoryInput{})
}

func (t *listDirectoryTool) Execute(_ context.Context, params json.RawMessage) (*Result, error) {
	var input listDirectoryInput
	if err := json.Unmarshal(params, &input); err != nil {
		return Errorf("invalid parameters: %v", err), nil
	}
	if input.Path == "" {
		input.Path = "."
	}

	resolved, err := t.resolver.resolve(input.Path)
	if err != nil {
		return Errorf("%v", err), nil
	}

	entries, err := os.ReadDir(resolved)
	if err != nil {
		return Errorf("read directory: %v", err), nil
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)

	return Text(strings.Join(names, "\n")), nil
}
