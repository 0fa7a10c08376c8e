// Package packager is the deployment handoff contract: on success the
// pipeline hands over the final artifact text, the DAG, the required
// environment variables, and a run report with the debug history. The
// bundle is also expressible as an A2A-style agent message (role +
// typed parts) so a remote packager can consume it over an agent
// protocol surface.
package packager

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/forgeflow/forgeflow/internal/pipeline"
	"github.com/forgeflow/forgeflow/internal/scaffold"
)

// Bundle is everything the external packager receives.
type Bundle struct {
	Name        string                 `json:"name"`
	Artifact    string                 `json:"artifact"`
	Tests       string                 `json:"tests,omitempty"`
	DAG         *pipeline.WorkflowDAG  `json:"dag"`
	RequiredEnv []string               `json:"required_env,omitempty"`
	Report      []pipeline.DebugRecord `json:"report,omitempty"`
}

// Packager consumes a completed bundle. Its contract is opaque to the
// pipeline core; the core only promises the bundle's contents.
type Packager interface {
	Package(ctx context.Context, b *Bundle) error
}

// FromState assembles the handoff bundle from a completed pipeline state.
func FromState(st *pipeline.PipelineState) (*Bundle, error) {
	if st.Artifact == nil || st.DAG == nil {
		return nil, fmt.Errorf("packager: state %s has no completed artifact", st.CorrelationID)
	}
	return &Bundle{
		Name:        st.DAG.Name,
		Artifact:    st.Artifact.Source,
		Tests:       st.Artifact.StepSources[scaffold.TestFileName],
		DAG:         st.DAG,
		RequiredEnv: st.DAG.RequiredEnv,
		Report:      st.DebugHistory,
	}, nil
}

// Part is one typed segment of an A2A-style handoff message.
type Part struct {
	Kind     string `json:"kind"`
	Text     string `json:"text,omitempty"`
	Data     any    `json:"data,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// Message is the A2A-style envelope a remote packager receives.
type Message struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// TextPart builds a plain-text part.
func TextPart(text string) Part {
	return Part{Kind: "text", Text: text}
}

// DataPart builds a structured-data part.
func DataPart(data any, mimeType string) Part {
	return Part{Kind: "data", Data: data, MimeType: mimeType}
}

// A2AMessage renders the bundle as an agent message: the artifact as a
// text part, the DAG and report as JSON data parts.
func (b *Bundle) A2AMessage() Message {
	return Message{
		Role: "agent",
		Parts: []Part{
			TextPart(b.Artifact),
			DataPart(b.DAG, "application/json"),
			DataPart(map[string]any{
				"required_env": b.RequiredEnv,
				"report":       b.Report,
			}, "application/json"),
		},
	}
}

// Dir writes deployable assets into a per-workflow directory under a
// root path: the artifact source, its smoke tests, the DAG, the run
// report, and an .env.example naming each required variable.
type Dir struct {
	Root string
}

// NewDir creates a directory packager rooted at root, creating it if
// absent.
func NewDir(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("packager: create output dir: %w", err)
	}
	return &Dir{Root: root}, nil
}

// Package writes the bundle's assets to disk.
func (d *Dir) Package(_ context.Context, b *Bundle) error {
	dir := filepath.Join(d.Root, b.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("packager: create workflow dir: %w", err)
	}

	files := map[string][]byte{
		"main.go": []byte(b.Artifact),
	}
	if b.Tests != "" {
		files["main_test.go"] = []byte(b.Tests)
	}

	dagJSON, err := json.MarshalIndent(b.DAG, "", "  ")
	if err != nil {
		return fmt.Errorf("packager: marshal dag: %w", err)
	}
	files["workflow.json"] = dagJSON

	report, err := json.MarshalIndent(map[string]any{
		"required_env": b.RequiredEnv,
		"debug_report": b.Report,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("packager: marshal report: %w", err)
	}
	files["report.json"] = report

	var env []byte
	for _, name := range b.RequiredEnv {
		env = append(env, []byte(name+"=\n")...)
	}
	if len(env) > 0 {
		files[".env.example"] = env
	}

	for name, contents := range files {
		if err := os.WriteFile(filepath.Join(dir, name), contents, 0o644); err != nil {
			return fmt.Errorf("packager: write %s: %w", name, err)
		}
	}
	return nil
}
