package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/forgeflow/forgeflow/internal/corpus"
)

// FetchSpecTool is the codegen agent's "fetch_spec" tool:
// given a service name and endpoint path, returns the corpus's endpoint
// document so the agent can read its parameter schema before emitting a
// call to it.
type FetchSpecTool struct {
	Loader *corpus.Loader
}

// NewFetchSpecTool creates a FetchSpecTool over loader.
func NewFetchSpecTool(loader *corpus.Loader) *FetchSpecTool {
	return &FetchSpecTool{Loader: loader}
}

func (t *FetchSpecTool) Name() string { return "fetch_spec" }

func (t *FetchSpecTool) Description() string {
	return "Fetch the documented parameter and response schema for one service endpoint."
}

func (t *FetchSpecTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"service": map[string]any{"type": "string"},
			"path":    map[string]any{"type": "string"},
		},
		"required": []string{"service", "path"},
	}
}

type fetchSpecInput struct {
	Service string `json:"service"`
	Path    string `json:"path"`
}

func (t *FetchSpecTool) Execute(_ context.Context, input any) (any, error) {
	args, err := decodeArgs[fetchSpecInput](input)
	if err != nil {
		return nil, fmt.Errorf("fetch_spec: %w", err)
	}
	doc := t.Loader.Get(args.Service, args.Path)
	if doc == nil {
		return nil, fmt.Errorf("fetch_spec: no endpoint documented for %s %s", args.Service, args.Path)
	}
	return doc, nil
}

// decodeArgs converts the loosely-typed tool-call argument (either a
// raw JSON string from the LLM or an already-decoded map) into T.
func decodeArgs[T any](input any) (T, error) {
	var out T
	switch v := input.(type) {
	case string:
		if err := json.Unmarshal([]byte(v), &out); err != nil {
			return out, fmt.Errorf("parse arguments: %w", err)
		}
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return out, fmt.Errorf("re-marshal arguments: %w", err)
		}
		if err := json.Unmarshal(b, &out); err != nil {
			return out, fmt.Errorf("parse arguments: %w", err)
		}
	}
	return out, nil
}
