// Package tools implements the fixed five-tool set the code-generation
// agent drives: fetch_spec, fetch_web_page, write_file, read_file, and
// finish.
package tools

import "context"

// Tool is a tool the code-generation agent may invoke during its
// bounded turn loop.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]any
	Execute(ctx context.Context, input any) (any, error)
}
