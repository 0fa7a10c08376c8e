// Package sandbox isolates artifact execution: a process whose
// environment contains only the DAG's declared variables, with a
// wall-clock timeout and captured stdout/stderr. The artifact is
// written to a temp location, run under a context timeout, and its
// streams captured and capped.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/forgeflow/forgeflow/internal/pipeline"
)

// MaxOutputSize caps stdout/stderr returned from a run.
const MaxOutputSize = 100 * 1024

// Backend runs a built artifact in isolation and returns its execution
// result. Two backends implement it: Container (preferred) and
// InProcessValidator (fallback).
type Backend interface {
	Run(ctx context.Context, artifact *pipeline.Artifact, dag *pipeline.WorkflowDAG, env map[string]string, timeout time.Duration) (*pipeline.ExecutionResult, error)
}

// Container runs the artifact inside a fresh, ephemeral Docker container
// per execution: the artifact mounted read-only, credentials injected as
// environment variables, and a memory cap. It shells out to
// `docker run` under a context timeout and captures/truncates both
// output streams.
type Container struct {
	Image    string // e.g. "golang:1.24-alpine"
	MemoryMB int
}

// NewContainer creates a Container backend. A zero MemoryMB means no cap
// is passed to docker.
func NewContainer(image string, memoryMB int) *Container {
	return &Container{Image: image, MemoryMB: memoryMB}
}

func (c *Container) Run(ctx context.Context, artifact *pipeline.Artifact, dag *pipeline.WorkflowDAG, env map[string]string, timeout time.Duration) (*pipeline.ExecutionResult, error) {
	tmpDir, err := os.MkdirTemp("", "forgeflow-artifact-*")
	if err != nil {
		return nil, fmt.Errorf("sandbox: create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	artifactPath := tmpDir + "/main.go"
	if err := os.WriteFile(artifactPath, []byte(artifact.Source), 0o644); err != nil {
		return nil, fmt.Errorf("sandbox: write artifact: %w", err)
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{"run", "--rm",
		"--mount", fmt.Sprintf("type=bind,source=%s,target=/workflow,readonly", tmpDir),
	}
	if c.MemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", c.MemoryMB))
	}
	for _, name := range dag.RequiredEnv {
		if v, ok := env[name]; ok {
			args = append(args, "-e", name+"="+v)
		}
	}
	args = append(args, c.Image, "go", "run", "/workflow/main.go")

	cmd := exec.CommandContext(execCtx, "docker", args...)
	cmd.Env = []string{} // container's own env is scoped by -e flags, not inherited

	start := time.Now()
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()
	elapsed := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else if execCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("sandbox: %w", context.DeadlineExceeded)
		} else {
			return nil, fmt.Errorf("sandbox: run container: %w", runErr)
		}
	}

	return &pipeline.ExecutionResult{
		ExitCode: exitCode,
		Stdout:   truncate(stdout.String()),
		Stderr:   truncate(stderr.String()),
		Elapsed:  elapsed,
	}, nil
}

func truncate(s string) string {
	if len(s) > MaxOutputSize {
		return s[:MaxOutputSize] + "\n... [truncated at 100KB]"
	}
	return s
}

// ExtractTraceback does a best-effort extraction of the last exception
// block from stderr. It looks for the last
// blank-line-delimited block containing "panic:" or "Error" and returns
// that, or the trailing N lines if no marker is found.
func ExtractTraceback(stderr string) string {
	lines := strings.Split(strings.TrimRight(stderr, "\n"), "\n")
	if len(lines) == 0 {
		return ""
	}
	lastMarker := -1
	for i, l := range lines {
		if strings.Contains(l, "panic:") || strings.Contains(l, "Error") || strings.Contains(l, "Traceback") {
			lastMarker = i
		}
	}
	if lastMarker == -1 {
		if len(lines) > 20 {
			lines = lines[len(lines)-20:]
		}
		return strings.Join(lines, "\n")
	}
	return strings.Join(lines[lastMarker:], "\n")
}
