package codegen

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forgeflow/forgeflow/internal/eventbus"
	"github.com/forgeflow/forgeflow/internal/llm"
	"github.com/forgeflow/forgeflow/internal/pipeline"
	"github.com/forgeflow/forgeflow/internal/tools"
)

func testDAG() *pipeline.WorkflowDAG {
	return &pipeline.WorkflowDAG{
		Name:        "test_workflow",
		Trigger:     "manual",
		RequiredEnv: []string{"SLACK_BOT_TOKEN"},
		Steps: []pipeline.WorkflowStep{
			{ID: "trigger", Name: "Trigger", Type: pipeline.StepTrigger},
			{ID: "a1", Name: "send message", Type: pipeline.StepAPICall, DependsOn: []string{"trigger"}, EndpointID: "slack.chat.postMessage", ErrorPolicy: pipeline.ErrorPolicyRetry},
		},
	}
}

func TestAgent_Generate_FinishOnFirstTurn(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(tools.FinishTool{})

	provider := &llm.MockProvider{Responses: []llm.ChatResponse{
		{ToolCalls: []llm.ToolCall{{ID: "1", Name: "finish", Arguments: `{"artifact": "package main\n\nfunc main() {}\n"}`}}},
	}}

	agent := New(provider, "model-a", reg, eventbus.NewBus())
	artifact, err := agent.Generate(context.Background(), "corr-1", testDAG(), map[string]string{})
	require.NoError(t, err)
	require.Contains(t, artifact.Source, "package main")
}

func TestAgent_Generate_ToolThenFinish(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(tools.FinishTool{})
	fs, err := tools.NewWorkspaceFS(t.TempDir())
	require.NoError(t, err)
	reg.Register(tools.NewWriteFileTool(fs))

	provider := &llm.MockProvider{Responses: []llm.ChatResponse{
		{ToolCalls: []llm.ToolCall{{ID: "1", Name: "write_file", Arguments: `{"path": "a1.go", "contents": "func a1() {}"}`}}},
		{ToolCalls: []llm.ToolCall{{ID: "2", Name: "finish", Arguments: `{"artifact": "package main\nfunc a1() {}\nfunc main() {}\n"}`}}},
	}}

	agent := New(provider, "model-a", reg, eventbus.NewBus())
	artifact, err := agent.Generate(context.Background(), "corr-1", testDAG(), map[string]string{})
	require.NoError(t, err)
	require.Contains(t, artifact.Source, "func a1()")
}

func TestAgent_Generate_ExceedsTotalCeiling(t *testing.T) {
	reg := tools.NewRegistry()
	fs, err := tools.NewWorkspaceFS(t.TempDir())
	require.NoError(t, err)
	reg.Register(tools.NewWriteFileTool(fs))

	var responses []llm.ChatResponse
	for i := 0; i < 50; i++ {
		responses = append(responses, llm.ChatResponse{ToolCalls: []llm.ToolCall{{ID: "x", Name: "write_file", Arguments: `{"path": "x.go", "contents": "x"}`}}})
	}
	provider := &llm.MockProvider{Responses: responses}

	agent := New(provider, "model-a", reg, eventbus.NewBus())
	agent.MaxTurnsTotal = 5
	_, err = agent.Generate(context.Background(), "corr-1", testDAG(), map[string]string{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "ceiling")
}
