// Package conversation implements stage 1 of the pipeline: extracting
// a structured RequirementRecord from free text and deciding whether
// confidence suffices to continue or whether to request clarification.
// Extraction is a single structured-JSON LLM call built from an
// embedded prompt template, with a stricter-reminder retry before a
// parse failure becomes fatal.
package conversation

import (
	"context"
	_ "embed"
	"fmt"

	adkmodel "google.golang.org/adk/model"

	"github.com/forgeflow/forgeflow/internal/llm"
	"github.com/forgeflow/forgeflow/internal/pipeline"
)

//go:embed prompts/extract.md
var extractPrompt string

const retryReminder = "\n\nIMPORTANT: your previous response was not valid JSON. Respond with ONLY the JSON object described above, no commentary, no markdown fences."

type extraction struct {
	Summary        string            `json:"summary"`
	Trigger        string            `json:"trigger"`
	Actions        []extractedAction `json:"actions"`
	Clarifications []string          `json:"clarifications"`
}

type extractedAction struct {
	ID          string            `json:"id"`
	Verb        string            `json:"verb"`
	ServiceHint string            `json:"service_hint"`
	Params      map[string]string `json:"params"`
	After       []string          `json:"after"`
}

// Message is one turn of the accumulated conversation history.
type Message struct {
	Role    string
	Content string
}

// Engine extracts requirement records from conversation history.
type Engine struct {
	LLM   adkmodel.LLM
	Model string
}

// New creates a conversation Engine.
func New(client adkmodel.LLM, model string) *Engine {
	return &Engine{LLM: client, Model: model}
}

// ServiceResolver reports whether a named service has any candidates in
// the discovery corpus, used by Confidence's third signal.
type ServiceResolver func(service string) bool

// Extract runs the structured-JSON extraction call, retrying once with a
// stricter reminder on parse failure, and returns the
// requirement record plus its computed confidence.
func (e *Engine) Extract(ctx context.Context, history []Message, latest string, resolver ServiceResolver) (*pipeline.RequirementRecord, error) {
	userContent := formatHistory(history, latest)

	var ext extraction
	_, err := llm.JSONCall(ctx, e.LLM, e.Model, extractPrompt, userContent, &ext)
	if err != nil {
		_, err = llm.JSONCall(ctx, e.LLM, e.Model, extractPrompt+retryReminder, userContent, &ext)
		if err != nil {
			return nil, fmt.Errorf("conversation: %w: %w", pipeline.ErrSchemaParseFailure, err)
		}
	}

	req := &pipeline.RequirementRecord{
		Summary:        ext.Summary,
		Trigger:        ext.Trigger,
		Clarifications: ext.Clarifications,
	}
	for _, a := range ext.Actions {
		req.Actions = append(req.Actions, pipeline.Action{
			ID: a.ID, Verb: a.Verb, ServiceHint: a.ServiceHint, Params: a.Params, After: a.After,
		})
	}
	req.Confidence = Confidence(req, resolver)
	return req, nil
}

// Confidence computes the extraction confidence from three weighted
// signals: presence of each action's required parameters,
// presence of a trigger, and whether requested services resolve to
// candidates in the API corpus. Each signal contributes a fixed share of
// the total so no single missing field can alone sink confidence below
// the clarification threshold when the others are strong.
func Confidence(req *pipeline.RequirementRecord, resolver ServiceResolver) float64 {
	const (
		triggerWeight = 0.3
		paramsWeight  = 0.4
		serviceWeight = 0.3
	)

	var score float64
	if req.Trigger != "" {
		score += triggerWeight
	}

	if len(req.Actions) == 0 {
		return score
	}

	var paramsScore, serviceScore float64
	for _, a := range req.Actions {
		if len(a.Params) > 0 {
			paramsScore++
		}
		if a.ServiceHint == "" || resolver == nil || resolver(a.ServiceHint) {
			serviceScore++
		}
	}
	score += paramsWeight * (paramsScore / float64(len(req.Actions)))
	score += serviceWeight * (serviceScore / float64(len(req.Actions)))
	return score
}

func formatHistory(history []Message, latest string) string {
	out := ""
	for _, m := range history {
		out += m.Role + ": " + m.Content + "\n"
	}
	out += "user: " + latest
	return out
}
