// Package scaffold produces the basic smoke tests of pipeline stage 7:
// one happy-path test per workflow step, exercising the step function
// with a seeded context map. Generation is deterministic template
// rendering, not an LLM call — the step signature is fixed by the code
// generator's contract, so there is nothing for a model to decide here.
package scaffold

import (
	"fmt"
	"strings"

	"github.com/forgeflow/forgeflow/internal/pipeline"
)

// TestFileName is the key the generated test source is stored under in
// the artifact's step-source fragments, and the filename the packager
// writes it out as next to the artifact.
const TestFileName = "main_test.go"

// Generate renders a smoke-test companion file for the artifact and
// records it under artifact.StepSources[TestFileName]. Each non-trigger
// step gets one test invoking the step function with a context seeded
// from its dependencies' ids, asserting only that the happy path returns
// without error and produces a non-nil result.
func Generate(artifact *pipeline.Artifact, dag *pipeline.WorkflowDAG) string {
	var sb strings.Builder
	sb.WriteString("package main\n\nimport \"testing\"\n")

	for _, step := range dag.Steps {
		if step.Type == pipeline.StepTrigger {
			continue
		}
		fmt.Fprintf(&sb, "\nfunc Test_%s_happy_path(t *testing.T) {\n", sanitize(step.ID))
		sb.WriteString("\tctx := map[string]any{\n")
		sb.WriteString("\t\t\"trigger\": map[string]any{},\n")
		for _, dep := range step.DependsOn {
			fmt.Fprintf(&sb, "\t\t%q: map[string]any{},\n", dep)
		}
		sb.WriteString("\t}\n")
		fmt.Fprintf(&sb, "\tresult, err := %s(ctx)\n", step.ID)
		sb.WriteString("\tif err != nil {\n\t\tt.Fatalf(\"step failed: %v\", err)\n\t}\n")
		sb.WriteString("\tif result == nil {\n\t\tt.Fatal(\"step returned no result\")\n\t}\n")
		sb.WriteString("}\n")
	}

	source := sb.String()
	if artifact.StepSources == nil {
		artifact.StepSources = make(map[string]string)
	}
	artifact.StepSources[TestFileName] = source
	return source
}

// sanitize maps a step id onto a valid Go identifier fragment.
func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}
