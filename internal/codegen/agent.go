// Package codegen implements the tool-calling code-generation agent: a
// bounded turn loop that drives an LLM provider through the fixed
// five-tool set in internal/tools until it calls "finish" with a
// complete artifact. The driver holds the transcript and executes every
// side effect itself; the model only ever requests tool calls.
package codegen

import (
	_ "embed"
	"context"
	"fmt"
	"strings"

	"github.com/forgeflow/forgeflow/internal/eventbus"
	"github.com/forgeflow/forgeflow/internal/llm"
	"github.com/forgeflow/forgeflow/internal/pipeline"
	"github.com/forgeflow/forgeflow/internal/tools"
)

//go:embed prompts/system.md
var systemPrompt string

// ErrBudgetExceeded marks a tool-loop ceiling hit: fatal, never
// silently retried.
var ErrBudgetExceeded = fmt.Errorf("tool-invocation budget exceeded")

// DefaultMaxTurnsPerStep and DefaultMaxTurnsTotal are the loop's hard
// ceilings.
const (
	DefaultMaxTurnsPerStep = 8
	DefaultMaxTurnsTotal   = 40
)

// Agent drives the bounded tool-calling loop that produces a workflow's
// generated artifact.
type Agent struct {
	Provider        llm.Provider
	Model           string
	Tools           *tools.Registry
	Bus             *eventbus.Bus
	MaxTurnsPerStep int
	MaxTurnsTotal   int
}

// New creates an Agent with the default turn ceilings.
func New(provider llm.Provider, model string, reg *tools.Registry, bus *eventbus.Bus) *Agent {
	return &Agent{
		Provider:        provider,
		Model:           model,
		Tools:           reg,
		Bus:             bus,
		MaxTurnsPerStep: DefaultMaxTurnsPerStep,
		MaxTurnsTotal:   DefaultMaxTurnsTotal,
	}
}

// toolDefs is the fixed tool set the agent ever offers the model,
// regardless of DAG content.
func (a *Agent) toolDefs() []llm.ToolDefinition {
	var defs []llm.ToolDefinition
	for _, t := range a.Tools.List() {
		defs = append(defs, llm.ToolDefinition{Name: t.Name(), Description: t.Description(), Parameters: t.InputSchema()})
	}
	return defs
}

// Generate runs the tool-calling loop to produce a single artifact
// implementing dag, with the given per-step input-binding expressions.
// It fails closed if the ceiling is
// exceeded without a "finish" call, and treats two consecutive malformed
// turns (neither a tool call nor a finish) as fatal.
func (a *Agent) Generate(ctx context.Context, correlationID string, dag *pipeline.WorkflowDAG, bindings map[string]string) (*pipeline.Artifact, error) {
	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleUser, Content: describeDAG(dag, bindings)},
	}
	toolDefs := a.toolDefs()

	perStepTurns := make(map[string]int)
	totalTurns := 0
	malformedRetries := 0

	for {
		if totalTurns >= a.MaxTurnsTotal {
			return nil, fmt.Errorf("codegen: %w: exceeded total ceiling (%d) without finish", ErrBudgetExceeded, a.MaxTurnsTotal)
		}

		resp, err := a.Provider.ChatCompletion(ctx, &llm.ChatRequest{Model: a.Model, Messages: messages, Tools: toolDefs})
		if err != nil {
			return nil, fmt.Errorf("codegen: chat completion: %w", err)
		}

		if len(resp.ToolCalls) == 0 {
			// A turn with neither a tool call nor an explicit finish is
			// malformed: retried once, then fatal.
			if strings.TrimSpace(resp.Content) == "" {
				malformedRetries++
				if malformedRetries > 1 {
					return nil, fmt.Errorf("codegen: malformed response with no tool call or content, twice in a row")
				}
				messages = append(messages, llm.Message{Role: llm.RoleUser,
					Content: "Your last turn produced neither a tool call nor a finished artifact. Call a tool, or call finish with the artifact text."})
				continue
			}
			// A bare text reply is treated as the artifact itself, the
			// same leniency AgentNode.Execute shows when a turn returns
			// content with no tool calls.
			return &pipeline.Artifact{Source: resp.Content}, nil
		}

		messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})

		for _, tc := range resp.ToolCalls {
			totalTurns++
			stepID := currentStepHint(tc)
			perStepTurns[stepID]++
			if perStepTurns[stepID] > a.MaxTurnsPerStep {
				return nil, fmt.Errorf("codegen: %w: exceeded per-step ceiling (%d) for %q", ErrBudgetExceeded, a.MaxTurnsPerStep, stepID)
			}

			a.publish(correlationID, tc)

			if tc.Name == "finish" {
				result, err := a.Tools.Execute(ctx, "finish", tc.Arguments)
				if err != nil {
					return nil, fmt.Errorf("codegen: finish: %w", err)
				}
				source, _ := result.(string)
				return &pipeline.Artifact{Source: source}, nil
			}

			result, err := a.Tools.Execute(ctx, tc.Name, tc.Arguments)
			var resultStr string
			if err != nil {
				resultStr = fmt.Sprintf("Error: %v", err)
			} else {
				resultStr = fmt.Sprintf("%v", result)
			}
			messages = append(messages, llm.Message{Role: llm.RoleTool, Content: resultStr, ToolCallID: tc.ID})
		}
		malformedRetries = 0
	}
}

func (a *Agent) publish(correlationID string, tc llm.ToolCall) {
	if a.Bus == nil {
		return
	}
	a.Bus.Publish(eventbus.Event{
		CorrelationID: correlationID,
		Stage:         string(pipeline.StageCodegen),
		Type:          eventbus.EventToolCalling,
		Data:          map[string]any{"tool": tc.Name, "args": tc.Arguments},
	})
}

// currentStepHint extracts a rough step id from a fetch_spec/write_file
// call's arguments for per-step ceiling bookkeeping; calls that don't
// name a step (e.g. fetch_web_page) are bucketed under "".
func currentStepHint(tc llm.ToolCall) string {
	if tc.Name != "write_file" && tc.Name != "fetch_spec" {
		return ""
	}
	// A cheap scan avoids a second JSON decode purely for bookkeeping;
	// worst case this undercounts into the "" bucket, which only makes
	// the per-step ceiling more permissive, never less safe than the
	// global ceiling above it.
	if idx := strings.Index(tc.Arguments, `"path"`); idx >= 0 {
		rest := tc.Arguments[idx:]
		if start := strings.Index(rest, `:`); start >= 0 {
			rest = rest[start+1:]
			rest = strings.TrimLeft(rest, " \"")
			if end := strings.IndexAny(rest, "\","); end >= 0 {
				return rest[:end]
			}
		}
	}
	return ""
}

// describeDAG renders the planned DAG and its per-edge bindings into the
// user-turn content the model starts from.
func describeDAG(dag *pipeline.WorkflowDAG, bindings map[string]string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Workflow: %s\nTrigger: %s\nRequired environment variables: %s\n\nSteps:\n",
		dag.Name, dag.Trigger, strings.Join(dag.RequiredEnv, ", "))
	for _, s := range dag.Steps {
		fmt.Fprintf(&sb, "- id=%s name=%q type=%s depends_on=%v error_policy=%s endpoint=%s\n",
			s.ID, s.Name, s.Type, s.DependsOn, s.ErrorPolicy, s.EndpointID)
		if b, ok := bindings[s.ID]; ok && b != "" {
			fmt.Fprintf(&sb, "  input binding: %s\n", b)
		}
	}
	return sb.String()
}
