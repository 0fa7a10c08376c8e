package packager

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeflow/forgeflow/internal/pipeline"
	"github.com/forgeflow/forgeflow/internal/scaffold"
)

func completedState() *pipeline.PipelineState {
	return &pipeline.PipelineState{
		CorrelationID: "corr-1",
		Stage:         pipeline.StageDeploy,
		Artifact: &pipeline.Artifact{
			Source: "package main\nfunc main() {}",
			StepSources: map[string]string{
				scaffold.TestFileName: "package main\nimport \"testing\"\nfunc TestNoop(t *testing.T) {}",
			},
		},
		DAG: &pipeline.WorkflowDAG{
			Name:        "slack_notify",
			Trigger:     "manual",
			RequiredEnv: []string{"SLACK_BOT_TOKEN"},
			Steps: []pipeline.WorkflowStep{
				{ID: "trigger", Type: pipeline.StepTrigger},
				{ID: "a1", Type: pipeline.StepAPICall},
			},
		},
		DebugHistory: []pipeline.DebugRecord{
			{Attempt: 1, Category: pipeline.ErrorImport, Diagnosis: "missing import"},
		},
	}
}

func TestFromState(t *testing.T) {
	b, err := FromState(completedState())
	require.NoError(t, err)
	assert.Equal(t, "slack_notify", b.Name)
	assert.Contains(t, b.Artifact, "func main()")
	assert.Contains(t, b.Tests, "TestNoop")
	assert.Equal(t, []string{"SLACK_BOT_TOKEN"}, b.RequiredEnv)
	require.Len(t, b.Report, 1)
}

func TestFromState_NoArtifact(t *testing.T) {
	_, err := FromState(&pipeline.PipelineState{CorrelationID: "corr-2"})
	require.Error(t, err)
}

func TestA2AMessage(t *testing.T) {
	b, err := FromState(completedState())
	require.NoError(t, err)

	msg := b.A2AMessage()
	assert.Equal(t, "agent", msg.Role)
	require.Len(t, msg.Parts, 3)
	assert.Equal(t, "text", msg.Parts[0].Kind)
	assert.Equal(t, b.Artifact, msg.Parts[0].Text)
	assert.Equal(t, "application/json", msg.Parts[1].MimeType)
}

func TestDir_Package(t *testing.T) {
	root := t.TempDir()
	d, err := NewDir(root)
	require.NoError(t, err)

	b, err := FromState(completedState())
	require.NoError(t, err)
	require.NoError(t, d.Package(context.Background(), b))

	dir := filepath.Join(root, "slack_notify")
	src, err := os.ReadFile(filepath.Join(dir, "main.go"))
	require.NoError(t, err)
	assert.Contains(t, string(src), "func main()")

	var dag pipeline.WorkflowDAG
	data, err := os.ReadFile(filepath.Join(dir, "workflow.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &dag))
	assert.Len(t, dag.Steps, 2)

	env, err := os.ReadFile(filepath.Join(dir, ".env.example"))
	require.NoError(t, err)
	assert.Equal(t, "SLACK_BOT_TOKEN=\n", string(env))

	_, err = os.Stat(filepath.Join(dir, "main_test.go"))
	assert.NoError(t, err)
}
