// Package mapper synthesizes the input-binding expression for each edge
// of a planned DAG: a pure value transformation from a producer step's
// output schema into a consumer step's input fields. The synthesized
// expression must compile and reference only fields the producer
// declares; anything else is rejected before it reaches the code
// generator.
package mapper

import (
	"context"
	_ "embed"
	"fmt"
	"regexp"
	"strings"

	"github.com/expr-lang/expr"
	adkmodel "google.golang.org/adk/model"

	"github.com/forgeflow/forgeflow/internal/llm"
	"github.com/forgeflow/forgeflow/internal/pipeline"
)

//go:embed prompts/bind.md
var bindPrompt string

type bindingResult struct {
	Expression string `json:"expression"`
}

// Mapper synthesizes and validates binding expressions for DAG edges.
type Mapper struct {
	LLM   adkmodel.LLM
	Model string
}

// New creates a Mapper.
func New(client adkmodel.LLM, model string) *Mapper {
	return &Mapper{LLM: client, Model: model}
}

// BindStep synthesizes the input-binding expression for one consumer
// step, given its producer ancestors' output schemas and the user's
// description, then validates it compiles against an env built only
// from the producer fields, so an expression can never reference
// fields absent from the producer's schema.
func (m *Mapper) BindStep(ctx context.Context, dag *pipeline.WorkflowDAG, step *pipeline.WorkflowStep, description string) (string, error) {
	if len(step.DependsOn) == 0 {
		return "", nil
	}

	schemas := make(map[string][]string)
	for _, depID := range step.DependsOn {
		if dep := dag.StepByID(depID); dep != nil {
			schemas[dep.ID] = dep.OutputSchema
		}
	}

	userContent := fmt.Sprintf(
		"Consumer step: %s\nConsumer description: %s\nProducer output schemas: %s\n",
		step.ID, description, formatSchemas(schemas),
	)

	var result bindingResult
	if _, err := llm.JSONCall(ctx, m.LLM, m.Model, bindPrompt, userContent, &result); err != nil {
		return "", fmt.Errorf("mapper: synthesize binding for %s: %w", step.ID, err)
	}

	if err := Validate(result.Expression, schemas); err != nil {
		return "", fmt.Errorf("mapper: invalid binding for %s: %w", step.ID, err)
	}
	return result.Expression, nil
}

// fieldRef matches a "<step_id>.output.<field>" reference so Validate
// can check it against the producer's declared schema. expr's own
// compiler accepts any key on a map[string]any environment, so it
// cannot by itself reject references to undeclared producer fields —
// this regex scan does.
var fieldRef = regexp.MustCompile(`\b([A-Za-z_][\w]*)\.output\.([A-Za-z_][\w]*)\b`)

// Validate compiles expression against an environment built from the
// given producer schemas (rejecting syntax errors), and separately
// checks every "step.output.field" reference names a field the schema
// actually declares.
func Validate(expression string, schemas map[string][]string) error {
	if strings.TrimSpace(expression) == "" {
		return fmt.Errorf("empty binding expression")
	}

	env := buildEnv(schemas)
	program, err := expr.Compile(expression, expr.Env(env))
	if err != nil {
		return fmt.Errorf("compile: %w", err)
	}
	if _, err := expr.Run(program, env); err != nil {
		return fmt.Errorf("evaluate against sample env: %w", err)
	}

	for _, m := range fieldRef.FindAllStringSubmatch(expression, -1) {
		stepID, field := m[1], m[2]
		fields, ok := schemas[stepID]
		if !ok {
			return fmt.Errorf("references unknown producer step %q", stepID)
		}
		if !contains(fields, field) {
			return fmt.Errorf("references field %q not declared in %s's output schema", field, stepID)
		}
	}
	return nil
}

func contains(fields []string, field string) bool {
	for _, f := range fields {
		if f == field {
			return true
		}
	}
	return false
}

// buildEnv constructs a synthetic environment: one nested map per
// producer step id, with every declared output field set to a sample
// string value, so expr.Compile can type-check field references without
// a live pipeline run.
func buildEnv(schemas map[string][]string) map[string]any {
	env := make(map[string]any)
	for stepID, fields := range schemas {
		output := make(map[string]any, len(fields))
		for _, f := range fields {
			output[f] = "sample"
		}
		env[stepID] = map[string]any{"output": output}
	}
	return env
}

func formatSchemas(schemas map[string][]string) string {
	var sb strings.Builder
	for stepID, fields := range schemas {
		fmt.Fprintf(&sb, "%s.output: %s\n", stepID, strings.Join(fields, ", "))
	}
	return sb.String()
}
