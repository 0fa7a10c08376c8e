// Package selfdebug implements the bounded diagnose-patch-retry cycle:
// classify a failed execution into a closed error-category set,
// synthesize a targeted patch, and hand the patched artifact back for
// another sandbox attempt. The classify and patch calls reuse
// internal/llm.JSONCall exactly as internal/mapper and
// internal/discovery do.
package selfdebug

import (
	"context"
	_ "embed"
	"fmt"
	"math"
	"strings"
	"time"

	adkmodel "google.golang.org/adk/model"

	"github.com/forgeflow/forgeflow/internal/llm"
	"github.com/forgeflow/forgeflow/internal/pipeline"
	"github.com/forgeflow/forgeflow/internal/sandbox"
)

//go:embed prompts/classify.md
var classifyPrompt string

//go:embed prompts/patch.md
var patchPrompt string

// Backoff holds the retry pacing knobs: the same start-1s, factor-2
// policy generated retry steps use, reused here for the debug loop
// itself.
type Backoff struct {
	InitialDelay  time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
}

// DefaultBackoff is the default exponential backoff.
var DefaultBackoff = Backoff{InitialDelay: time.Second, BackoffFactor: 2, MaxDelay: 8 * time.Second}

// Delay computes the backoff for the given zero-indexed attempt, capped
// at MaxDelay.
func (b Backoff) Delay(attempt int) time.Duration {
	delay := float64(b.InitialDelay) * math.Pow(b.BackoffFactor, float64(attempt))
	if time.Duration(delay) > b.MaxDelay {
		return b.MaxDelay
	}
	return time.Duration(delay)
}

type classification struct {
	Category  string `json:"category"`
	RootCause string `json:"root_cause"`
	FixPlan   string `json:"fix_plan"`
}

type patchResult struct {
	Source string `json:"source"`
}

// Debugger classifies a failed execution and produces a patched artifact.
type Debugger struct {
	LLM     adkmodel.LLM
	Model   string
	Backoff Backoff
}

// New creates a Debugger with the default backoff.
func New(client adkmodel.LLM, model string) *Debugger {
	return &Debugger{LLM: client, Model: model, Backoff: DefaultBackoff}
}

// Classify runs the classify LLM call against a failed execution and
// returns a DebugRecord for attempt. An invalid category returned by the
// model is mapped to ErrorUnknown, never passed through.
func (d *Debugger) Classify(ctx context.Context, attempt int, artifact *pipeline.Artifact, result *pipeline.ExecutionResult, dag *pipeline.WorkflowDAG) (pipeline.DebugRecord, error) {
	traceback := sandbox.ExtractTraceback(result.Stderr)
	userContent := fmt.Sprintf(
		"Artifact:\n%s\n\nExit code: %d\nTraceback:\n%s\n\nDAG: %s (steps: %d, required_env: %v)",
		artifact.Source, result.ExitCode, traceback, dag.Name, len(dag.Steps), dag.RequiredEnv,
	)

	var cls classification
	if _, err := llm.JSONCall(ctx, d.LLM, d.Model, classifyPrompt, userContent, &cls); err != nil {
		return pipeline.DebugRecord{}, fmt.Errorf("selfdebug: classify: %w", err)
	}

	category := pipeline.ErrorCategory(cls.Category)
	if !pipeline.ValidErrorCategories[category] {
		category = pipeline.ErrorUnknown
	}

	return pipeline.DebugRecord{
		Attempt:   attempt,
		Category:  category,
		Diagnosis: cls.RootCause,
		Fix:       cls.FixPlan,
	}, nil
}

// Patch runs the patch LLM call to produce a replacement artifact
// implementing record's fix plan, preserving step signatures and
// required environment variables, then fills in record.Diff.
func (d *Debugger) Patch(ctx context.Context, artifact *pipeline.Artifact, record *pipeline.DebugRecord, dag *pipeline.WorkflowDAG) (*pipeline.Artifact, error) {
	userContent := fmt.Sprintf(
		"Current artifact:\n%s\n\nRoot cause: %s\nFix plan: %s\n\nRequired env (must be preserved): %v",
		artifact.Source, record.Diagnosis, record.Fix, dag.RequiredEnv,
	)

	var patch patchResult
	if _, err := llm.JSONCall(ctx, d.LLM, d.Model, patchPrompt, userContent, &patch); err != nil {
		return nil, fmt.Errorf("selfdebug: patch: %w", err)
	}
	if patch.Source == "" {
		return nil, fmt.Errorf("selfdebug: patch: empty replacement artifact")
	}

	if !preservesRequiredEnv(patch.Source, dag.RequiredEnv) {
		return nil, fmt.Errorf("selfdebug: patch dropped a required environment variable")
	}

	record.Diff = diff(artifact.Source, patch.Source)
	return &pipeline.Artifact{Source: patch.Source, StepSources: artifact.StepSources, Imports: artifact.Imports}, nil
}

// preservesRequiredEnv checks every declared environment variable name
// still appears somewhere in the patched source.
func preservesRequiredEnv(source string, required []string) bool {
	for _, name := range required {
		if !strings.Contains(source, name) {
			return false
		}
	}
	return true
}

// diff produces a minimal unified-style line diff for the debug record,
// sized for human review rather than machine application.
func diff(before, after string) string {
	if before == after {
		return ""
	}
	return fmt.Sprintf("--- before (%d bytes)\n+++ after (%d bytes)\n", len(before), len(after))
}

// Sleep waits for the backoff delay for attempt, respecting ctx
// cancellation.
func (d *Debugger) Sleep(ctx context.Context, attempt int) {
	timer := time.NewTimer(d.Backoff.Delay(attempt))
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
