package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeflow/forgeflow/internal/eventbus"
	"github.com/forgeflow/forgeflow/internal/pipeline"
	"github.com/forgeflow/forgeflow/internal/schedule"
)

// testStages is a minimal stage table: every stage is a no-op that fills
// in just enough state for the runner's conditional edges.
func testStages() map[pipeline.Stage]pipeline.StageFunc {
	fill := func(_ context.Context, st *pipeline.PipelineState) error { return nil }
	return map[pipeline.Stage]pipeline.StageFunc{
		pipeline.StageConversation: func(_ context.Context, st *pipeline.PipelineState) error {
			st.Requirement = &pipeline.RequirementRecord{
				Actions:    []pipeline.Action{{ID: "a1", Verb: "send message"}},
				Confidence: 0.9,
			}
			return nil
		},
		pipeline.StageAPIDiscovery: func(_ context.Context, st *pipeline.PipelineState) error {
			st.Discovered = []pipeline.DiscoveredEndpoint{{ActionID: "a1", EndpointID: "slack./chat.postMessage", MatchScore: 0.9}}
			return nil
		},
		pipeline.StagePlanner: func(_ context.Context, st *pipeline.PipelineState) error {
			st.DAG = &pipeline.WorkflowDAG{Name: "wf", Steps: []pipeline.WorkflowStep{{ID: "trigger", Type: pipeline.StepTrigger}}}
			return nil
		},
		pipeline.StageMapper: fill,
		pipeline.StageCodegen: func(_ context.Context, st *pipeline.PipelineState) error {
			st.Artifact = &pipeline.Artifact{Source: "package main\nfunc main() {}"}
			return nil
		},
		pipeline.StageSecurity:     fill,
		pipeline.StageTestScaffold: fill,
		pipeline.StageSandboxExecute: func(_ context.Context, st *pipeline.PipelineState) error {
			st.LastResult = &pipeline.ExecutionResult{ExitCode: 0}
			return nil
		},
		pipeline.StageSelfDebug: fill,
		pipeline.StageDeploy:    fill,
	}
}

func newTestServer(t *testing.T, auth *Auth) (*Server, *eventbus.Bus, *pipeline.Runner) {
	t.Helper()
	bus := eventbus.NewBus()
	runner := pipeline.NewRunner(bus, pipeline.NewMemoryStore(), testStages(), pipeline.DefaultRunnerConfig())
	sched := schedule.NewService(func(context.Context, string) error { return nil })
	return NewServer(bus, runner, sched, auth), bus, runner
}

func TestHealthOpenWithoutAuth(t *testing.T) {
	srv, _, _ := newTestServer(t, NewAuth("test-secret"))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthGuardsAPI(t *testing.T) {
	auth := NewAuth("test-secret")
	srv, _, _ := newTestServer(t, auth)
	h := srv.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/runs/some-id", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/runs/some-id", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := auth.IssueToken("ops", time.Minute)
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/api/runs/some-id", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code, "authenticated request reaches the handler")
}

func TestAuth_ExpiredToken(t *testing.T) {
	auth := NewAuth("test-secret")
	token, err := auth.IssueToken("ops", -time.Minute)
	require.NoError(t, err)

	srv, _, _ := newTestServer(t, auth)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/runs/x", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStartRunAndPollState(t *testing.T) {
	srv, _, runner := newTestServer(t, nil)
	h := srv.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/api/runs", strings.NewReader(`{"message":"post hello to slack"}`)))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	id := resp["correlation_id"]
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		st, ok, _ := runner.State(id)
		return ok && st.Stage == pipeline.StageDone
	}, 5*time.Second, 10*time.Millisecond)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/runs/"+id, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var st pipeline.PipelineState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, pipeline.StageDone, st.Stage)
}

func TestStartRun_BadBody(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/api/runs", bytes.NewReader([]byte(`{}`))))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRun_NotFound(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/runs/unknown", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResume_ConflictWhenNotWaiting(t *testing.T) {
	srv, _, runner := newTestServer(t, nil)
	h := srv.Handler()

	st, err := runner.Run(context.Background(), "post hello")
	require.NoError(t, err)
	require.Equal(t, pipeline.StageDone, st.Stage)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/api/runs/"+st.CorrelationID+"/resume",
		strings.NewReader(`{"type":"clarify","message":"use #general"}`)))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCancel_NotFound(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/api/runs/unknown/cancel", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScheduleEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	h := srv.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/api/schedules", strings.NewReader(
		`{"request":"send the weekly digest","cron_expr":"0 9 * * 1"}`)))
	require.Equal(t, http.StatusCreated, rec.Code)
	var sched schedule.Schedule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sched))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/schedules", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var list []schedule.Schedule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("DELETE", "/api/schedules/"+sched.ID, nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/api/schedules", strings.NewReader(
		`{"request":"x","cron_expr":"bad"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStreamEvents(t *testing.T) {
	srv, bus, _ := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", ts.URL+"/api/runs/corr-42/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Keep publishing until the stream delivers; the subscription is
	// registered just after the handler flushes its headers.
	pubCtx, stopPub := context.WithCancel(context.Background())
	defer stopPub()
	go func() {
		for {
			select {
			case <-pubCtx.Done():
				return
			case <-time.After(10 * time.Millisecond):
				bus.Publish(eventbus.Event{CorrelationID: "corr-other", Stage: "planner", Type: eventbus.EventStageStarted})
				bus.Publish(eventbus.Event{CorrelationID: "corr-42", Stage: "planner", Type: eventbus.EventStageStarted})
			}
		}
	}()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev eventbus.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		assert.Equal(t, "corr-42", ev.CorrelationID, "events for other runs are filtered out")
		assert.Equal(t, eventbus.EventStageStarted, ev.Type)
		break
	}
	require.NoError(t, scanner.Err())
}
