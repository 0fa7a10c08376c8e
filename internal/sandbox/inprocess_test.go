package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forgeflow/forgeflow/internal/pipeline"
)

func testDAG() *pipeline.WorkflowDAG {
	return &pipeline.WorkflowDAG{
		Name: "wf",
		Steps: []pipeline.WorkflowStep{
			{ID: "trigger", Type: pipeline.StepTrigger},
			{ID: "a1", Type: pipeline.StepAPICall},
		},
	}
}

func TestInProcessValidator_Valid(t *testing.T) {
	src := `package main

func a1(ctx map[string]any) (any, error) {
	return nil, nil
}

func main() {}
`
	v := NewInProcessValidator()
	res, err := v.Run(context.Background(), &pipeline.Artifact{Source: src}, testDAG(), nil, time.Second)
	require.NoError(t, err)
	require.True(t, res.Success())
	require.Len(t, res.Steps, 1)
}

func TestInProcessValidator_SyntaxError(t *testing.T) {
	v := NewInProcessValidator()
	res, err := v.Run(context.Background(), &pipeline.Artifact{Source: "package main\nfunc {"}, testDAG(), nil, time.Second)
	require.NoError(t, err)
	require.False(t, res.Success())
}

func TestInProcessValidator_MissingStepFunction(t *testing.T) {
	src := `package main

func main() {}
`
	v := NewInProcessValidator()
	res, err := v.Run(context.Background(), &pipeline.Artifact{Source: src}, testDAG(), nil, time.Second)
	require.NoError(t, err)
	require.False(t, res.Success())
	require.Contains(t, res.Stderr, "a1")
}
