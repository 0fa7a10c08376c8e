package conversation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forgeflow/forgeflow/internal/llm"
	"github.com/forgeflow/forgeflow/internal/pipeline"
)

func TestEngine_Extract_HappySlackPost(t *testing.T) {
	mock := llm.NewMockLLM(`{"summary": "post to slack", "trigger": "manual",
		"actions": [{"id": "a1", "verb": "send message", "service_hint": "slack", "params": {"channel": "#general", "text": "Hello"}}],
		"clarifications": []}`)
	e := New(mock, "model-a")

	req, err := e.Extract(context.Background(), nil, "Send 'Hello' to Slack channel #general.", func(string) bool { return true })
	require.NoError(t, err)
	require.Len(t, req.Actions, 1)
	require.GreaterOrEqual(t, req.Confidence, 0.75)
}

func TestEngine_Extract_RetriesOnceOnParseFailure(t *testing.T) {
	mock := llm.NewMockLLM("not json", `{"summary": "x", "trigger": "manual", "actions": [], "clarifications": []}`)
	e := New(mock, "model-a")

	req, err := e.Extract(context.Background(), nil, "do something", nil)
	require.NoError(t, err)
	require.NotNil(t, req)
	require.Equal(t, 2, mock.Calls())
}

func TestEngine_Extract_FatalAfterSecondParseFailure(t *testing.T) {
	mock := llm.NewMockLLM("not json", "still not json")
	e := New(mock, "model-a")

	_, err := e.Extract(context.Background(), nil, "do something", nil)
	require.ErrorIs(t, err, pipeline.ErrSchemaParseFailure)
}

func TestConfidence_ZeroActionsIsLow(t *testing.T) {
	req := &pipeline.RequirementRecord{Trigger: "manual"}
	require.Less(t, Confidence(req, nil), 0.75)
}

func TestConfidence_MissingServiceLowersScore(t *testing.T) {
	req := &pipeline.RequirementRecord{
		Trigger: "manual",
		Actions: []pipeline.Action{{ID: "a1", Verb: "send", ServiceHint: "unknown_service", Params: map[string]string{"x": "y"}}},
	}
	withUnknown := Confidence(req, func(string) bool { return false })
	withKnown := Confidence(req, func(string) bool { return true })
	require.Less(t, withUnknown, withKnown)
}
