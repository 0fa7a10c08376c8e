package scaffold

import (
	"go/parser"
	"go/token"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeflow/forgeflow/internal/pipeline"
)

func testDAG() *pipeline.WorkflowDAG {
	return &pipeline.WorkflowDAG{
		Name:    "notify",
		Trigger: "manual",
		Steps: []pipeline.WorkflowStep{
			{ID: "trigger", Type: pipeline.StepTrigger},
			{ID: "step_1", Type: pipeline.StepAPICall, DependsOn: []string{"trigger"}},
			{ID: "step_2", Type: pipeline.StepAPICall, DependsOn: []string{"trigger", "step_1"}},
		},
	}
}

func TestGenerate_OneTestPerStep(t *testing.T) {
	artifact := &pipeline.Artifact{Source: "package main\nfunc main() {}"}
	source := Generate(artifact, testDAG())

	assert.Contains(t, source, "func Test_step_1_happy_path")
	assert.Contains(t, source, "func Test_step_2_happy_path")
	assert.NotContains(t, source, "Test_trigger", "trigger steps have no function to exercise")
	assert.Equal(t, source, artifact.StepSources[TestFileName])
}

func TestGenerate_SeedsDependencyContext(t *testing.T) {
	artifact := &pipeline.Artifact{}
	source := Generate(artifact, testDAG())

	// step_2's context must carry both of its parents.
	idx := strings.Index(source, "Test_step_2_happy_path")
	require.Greater(t, idx, 0)
	assert.Contains(t, source[idx:], `"step_1": map[string]any{}`)
}

func TestGenerate_ProducesParsableGo(t *testing.T) {
	artifact := &pipeline.Artifact{}
	source := Generate(artifact, testDAG())

	fset := token.NewFileSet()
	_, err := parser.ParseFile(fset, TestFileName, source, parser.AllErrors)
	require.NoError(t, err)
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "send_slack_msg", sanitize("send-slack.msg"))
}
