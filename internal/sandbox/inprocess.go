package sandbox

import (
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"time"

	"github.com/forgeflow/forgeflow/internal/pipeline"
)

// InProcessValidator is the fallback backend for hosts without a
// container runtime: it parses the artifact into a syntax tree and
// validates structure, imports, and per-step signature. It never
// executes the artifact and never performs network operations.
//
// Go has no safe dynamic-invocation primitive short of actually
// compiling and running the binary, so the dry run is the strongest
// in-process check available without a build step: confirming each
// step function exists with the exact signature the orchestrator calls
// it with.
type InProcessValidator struct{}

// NewInProcessValidator creates an InProcessValidator.
func NewInProcessValidator() *InProcessValidator { return &InProcessValidator{} }

func (v *InProcessValidator) Run(_ context.Context, artifact *pipeline.Artifact, dag *pipeline.WorkflowDAG, _ map[string]string, _ time.Duration) (*pipeline.ExecutionResult, error) {
	start := time.Now()

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "artifact.go", artifact.Source, parser.AllErrors)
	if err != nil {
		return &pipeline.ExecutionResult{
			ExitCode: 1,
			Stderr:   fmt.Sprintf("syntax error: %v", err),
			Elapsed:  time.Since(start),
		}, nil
	}

	if file.Name == nil || file.Name.Name != "main" {
		return &pipeline.ExecutionResult{
			ExitCode: 1,
			Stderr:   "artifact must declare package main",
			Elapsed:  time.Since(start),
		}, nil
	}

	funcs := make(map[string]*ast.FuncDecl)
	hasMain := false
	for _, decl := range file.Decls {
		if fn, ok := decl.(*ast.FuncDecl); ok {
			funcs[fn.Name.Name] = fn
			if fn.Name.Name == "main" {
				hasMain = true
			}
		}
	}
	if !hasMain {
		return &pipeline.ExecutionResult{
			ExitCode: 1,
			Stderr:   "artifact has no orchestrator entrypoint (func main)",
			Elapsed:  time.Since(start),
		}, nil
	}

	var steps []pipeline.StepStatus
	for _, step := range dag.Steps {
		if step.Type == pipeline.StepTrigger {
			continue
		}
		fn, ok := funcs[step.ID]
		if !ok || !hasStepSignature(fn) {
			return &pipeline.ExecutionResult{
				ExitCode: 1,
				Stderr:   fmt.Sprintf("missing or malformed step function for %q: expected func %s(ctx map[string]any) (any, error)", step.ID, step.ID),
				Elapsed:  time.Since(start),
				Steps:    steps,
			}, nil
		}
		steps = append(steps, pipeline.StepStatus{StepID: step.ID, Status: "validated", At: time.Now()})
	}

	return &pipeline.ExecutionResult{
		ExitCode: 0,
		Stdout:   "in-process validator: structural checks passed, no network operations performed",
		Elapsed:  time.Since(start),
		Steps:    steps,
	}, nil
}

// hasStepSignature reports whether fn looks like func(ctx map[string]any) (any, error).
func hasStepSignature(fn *ast.FuncDecl) bool {
	if fn.Type.Params == nil || len(fn.Type.Params.List) != 1 {
		return false
	}
	if fn.Type.Results == nil || len(fn.Type.Results.List) != 2 {
		return false
	}
	if _, ok := fn.Type.Params.List[0].Type.(*ast.MapType); !ok {
		return false
	}
	return true
}
