package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgeflow/forgeflow/internal/eventbus"
)

// StageFunc executes one pipeline stage against the live state record.
// Implementations mutate only the fields their stage owns (the
// conversation stage writes Requirement, discovery writes Discovered,
// and so on); the runner owns Stage, Seq, Failure, checkpointing, and
// every event emission around the call.
type StageFunc func(ctx context.Context, st *PipelineState) error

// RunnerConfig carries the runner's bounded-retry and gating
// parameters.
type RunnerConfig struct {
	ConfidenceThreshold float64
	MaxClarifyQuestions int
	MaxDebugAttempts    int
	PipelineTimeout     time.Duration
	// StageRetries bounds silent re-attempts of a stage that raised a
	// resource error.
	StageRetries int
	RetryBackoff time.Duration
}

// DefaultRunnerConfig returns the recommended defaults.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		ConfidenceThreshold: 0.75,
		MaxClarifyQuestions: 2,
		MaxDebugAttempts:    3,
		PipelineTimeout:     180 * time.Second,
		StageRetries:        2,
		RetryBackoff:        time.Second,
	}
}

// Runner drives the ten-stage state machine: stages evaluated in order
// over an explicit edge table, two back-edges (clarification and
// self-debug), checkpointed state between stages, and a progress event
// at every transition.
type Runner struct {
	bus    *eventbus.Bus
	store  Store
	stages map[Stage]StageFunc
	cfg    RunnerConfig

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewRunner creates a Runner over the given event bus, checkpoint store,
// and stage table. The table must contain an entry for every
// non-terminal stage the transition graph can reach.
func NewRunner(bus *eventbus.Bus, store Store, stages map[Stage]StageFunc, cfg RunnerConfig) *Runner {
	return &Runner{
		bus:     bus,
		store:   store,
		stages:  stages,
		cfg:     cfg,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Run starts a fresh pipeline for one natural-language request and
// drives it until it reaches a terminal stage or suspends for
// clarification. The returned state's Stage field tells the caller which
// of the three it was.
func (r *Runner) Run(ctx context.Context, request string) (*PipelineState, error) {
	if request == "" {
		return nil, fmt.Errorf("pipeline: empty request")
	}
	st := &PipelineState{
		CorrelationID: uuid.NewString(),
		Stage:         StageConversation,
		Request:       request,
		CreatedAt:     time.Now(),
	}
	return r.drive(ctx, st)
}

// Start begins a run asynchronously and returns its correlation id
// immediately, so callers (the HTTP control plane) can subscribe to the
// event stream while the pipeline is still driving. The initial state is
// checkpointed before Start returns, making the id immediately
// resolvable. The drive detaches from the caller's context — an HTTP
// request ending must not cancel the pipeline; Cancel does that.
func (r *Runner) Start(request string) (string, error) {
	if request == "" {
		return "", fmt.Errorf("pipeline: empty request")
	}
	st := &PipelineState{
		CorrelationID: uuid.NewString(),
		Stage:         StageConversation,
		Request:       request,
		CreatedAt:     time.Now(),
	}
	if err := r.checkpoint(st); err != nil {
		return "", err
	}
	go func() {
		if _, err := r.drive(context.Background(), st); err != nil {
			slog.Warn("pipeline: run ended with error", "correlation_id", st.CorrelationID, "error", err)
		}
	}()
	return st.CorrelationID, nil
}

// Resume rehydrates a suspended pipeline from its checkpoint, appends
// the user's clarification answer, and re-enters the conversation
// stage. Resuming a correlation id with no checkpoint is an input
// error; the pipeline does not start.
func (r *Runner) Resume(ctx context.Context, correlationID, message string) (*PipelineState, error) {
	st, ok, err := r.store.Load(correlationID)
	if err != nil {
		return nil, fmt.Errorf("pipeline: load checkpoint: %w", err)
	}
	if !ok {
		return nil, ErrNoCheckpoint
	}
	if st.Stage != StageClarificationWait {
		return nil, fmt.Errorf("pipeline: cannot resume %s from stage %q", correlationID, st.Stage)
	}

	st.Messages = append(st.Messages, message)
	st.Stage = StageConversation
	return r.drive(ctx, st)
}

// Cancel aborts a running pipeline. Cancellation is observed at the next
// suspension point; the sandbox backend's context is a child of the
// cancelled one, so an in-flight execution is terminated with it.
func (r *Runner) Cancel(correlationID string) bool {
	r.mu.Lock()
	cancel, ok := r.cancels[correlationID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// State returns a snapshot of the latest checkpoint for correlationID.
func (r *Runner) State(correlationID string) (*PipelineState, bool, error) {
	return r.store.Load(correlationID)
}

// drive advances the state machine until a terminal stage or a
// clarification suspension. One correlation id is advanced by exactly
// one drive call at a time.
func (r *Runner) drive(ctx context.Context, st *PipelineState) (*PipelineState, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.PipelineTimeout)
	defer cancel()

	r.mu.Lock()
	r.cancels[st.CorrelationID] = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.cancels, st.CorrelationID)
		r.mu.Unlock()
	}()

	for st.Stage != StageDone && st.Stage != StageFailed {
		if err := ctx.Err(); err != nil {
			return r.interrupted(ctx, st, err)
		}

		if st.Stage == StageClarificationWait {
			r.suspend(st)
			return st, r.checkpoint(st)
		}

		fn, ok := r.stages[st.Stage]
		if !ok {
			return st, fmt.Errorf("pipeline: no handler registered for stage %q", st.Stage)
		}

		r.publish(st, eventbus.EventStageStarted, "running", nil, "")
		err := r.execWithRetry(ctx, fn, st)
		if err != nil {
			if ctx.Err() != nil {
				return r.interrupted(ctx, st, ctx.Err())
			}
			if routed := r.routeError(st, err); routed {
				if cerr := r.checkpoint(st); cerr != nil {
					return st, cerr
				}
				continue
			}
			return st, r.checkpoint(st)
		}

		r.publish(st, eventbus.EventStageCompleted, "running", r.stagePayload(st), "")
		if st.Stage == StageSelfDebug && len(st.DebugHistory) > 0 {
			rec := st.DebugHistory[len(st.DebugHistory)-1]
			r.publish(st, eventbus.EventDebugDiagnosed, "running", rec, rec.Diagnosis)
		}

		next, failure := r.next(st)
		if failure != nil {
			r.fail(st, failure)
		} else {
			st.Stage = next
		}
		st.UpdatedAt = time.Now()
		if err := r.checkpoint(st); err != nil {
			return st, err
		}
	}

	if st.Stage == StageDone {
		r.publish(st, eventbus.EventStageCompleted, "deployed", nil, "workflow deployed")
	}
	return st, nil
}

// execWithRetry runs fn, silently re-attempting it on resource errors
// only, with a growing backoff.
func (r *Runner) execWithRetry(ctx context.Context, fn StageFunc, st *PipelineState) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx, st)
		var se *StageError
		if err == nil || !errors.As(err, &se) || !se.Retryable() || attempt >= r.cfg.StageRetries {
			return err
		}
		delay := r.cfg.RetryBackoff * time.Duration(attempt+1)
		slog.Warn("pipeline: stage raised resource error, retrying",
			"correlation_id", st.CorrelationID, "stage", st.Stage, "attempt", attempt+1, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// routeError decides what a stage error means for the state machine.
// Artifact errors feed the self-debug back-edge while the attempt budget
// lasts; everything else is terminal. Returns true when the pipeline
// should continue driving.
func (r *Runner) routeError(st *PipelineState, err error) bool {
	r.publish(st, eventbus.EventStageFailed, "running", nil, err.Error())

	var se *StageError
	if errors.As(err, &se) && se.Kind == KindArtifact && st.DebugAttempts < r.cfg.MaxDebugAttempts {
		st.Stage = StageSelfDebug
		st.UpdatedAt = time.Now()
		return true
	}

	category := ErrorUnknown
	rootCause := err.Error()
	if se != nil {
		if se.Category != "" {
			category = se.Category
		}
		if se.Cause != nil {
			rootCause = se.Cause.Error()
		}
	}
	r.fail(st, &Failure{Stage: st.Stage, Category: category, RootCause: rootCause})
	return false
}

// next is the edge table: given a completed stage, it returns the
// stage to enter, or a Failure when a conditional edge leads to the
// failed terminal.
func (r *Runner) next(st *PipelineState) (Stage, *Failure) {
	switch st.Stage {
	case StageConversation:
		if st.Requirement == nil || len(st.Requirement.Actions) == 0 {
			return "", &Failure{Stage: StageConversation, Category: ErrorMissingParam,
				RootCause: "no actions could be extracted from the request"}
		}
		// Confidence exactly at the threshold proceeds.
		if st.Requirement.Confidence < r.cfg.ConfidenceThreshold {
			return StageClarificationWait, nil
		}
		return StageAPIDiscovery, nil

	case StageAPIDiscovery:
		if len(st.Discovered) == 0 {
			return "", &Failure{Stage: StageAPIDiscovery, Category: ErrorMissingParam,
				RootCause: "no action could be matched to a documented endpoint"}
		}
		return StagePlanner, nil

	case StagePlanner:
		return StageMapper, nil
	case StageMapper:
		return StageCodegen, nil
	case StageCodegen:
		return StageSecurity, nil
	case StageSecurity:
		return StageTestScaffold, nil
	case StageTestScaffold:
		return StageSandboxExecute, nil

	case StageSandboxExecute:
		if st.LastResult.Success() {
			return StageDeploy, nil
		}
		if st.DebugAttempts >= r.cfg.MaxDebugAttempts {
			return "", r.exhaustedFailure(st)
		}
		return StageSelfDebug, nil

	case StageSelfDebug:
		if st.DebugAttempts >= r.cfg.MaxDebugAttempts {
			return "", r.exhaustedFailure(st)
		}
		// The patched artifact goes back through the security scanner
		// before it reaches the sandbox again.
		return StageSecurity, nil

	case StageDeploy:
		return StageDone, nil
	}
	return "", &Failure{Stage: st.Stage, Category: ErrorUnknown, RootCause: "no transition defined"}
}

// exhaustedFailure surfaces the last debug record's category when the
// attempt budget runs out.
func (r *Runner) exhaustedFailure(st *PipelineState) *Failure {
	f := &Failure{Stage: StageSelfDebug, Category: ErrorUnknown,
		RootCause: fmt.Sprintf("debug attempt budget (%d) exhausted", r.cfg.MaxDebugAttempts)}
	if len(st.DebugHistory) > 0 {
		last := st.DebugHistory[len(st.DebugHistory)-1]
		f.Category = last.Category
		f.RootCause = last.Diagnosis
	}
	return f
}

// suspend publishes the clarification-needed event, trimming the
// question list to the configured ceiling.
func (r *Runner) suspend(st *PipelineState) {
	questions := st.Requirement.Clarifications
	if len(questions) > r.cfg.MaxClarifyQuestions {
		questions = questions[:r.cfg.MaxClarifyQuestions]
	}
	var plan []string
	for _, a := range st.Requirement.Actions {
		plan = append(plan, a.Verb)
	}
	r.publish(st, eventbus.EventClarifyNeeded, "waiting_clarification", map[string]any{
		"questions":        questions,
		"current_plan":     plan,
		"original_request": st.Request,
	}, "")
}

// interrupted handles deadline and cancellation at a suspension point:
// the partial artifact is discarded, the checkpoint retained for audit,
// and either a TIMEOUT failure or a cancelled terminal event emitted.
func (r *Runner) interrupted(ctx context.Context, st *PipelineState, cause error) (*PipelineState, error) {
	st.Artifact = nil
	if errors.Is(cause, context.DeadlineExceeded) {
		r.fail(st, &Failure{Stage: st.Stage, Category: ErrorTimeout, RootCause: "pipeline timeout exceeded"})
		return st, r.checkpoint(st)
	}
	st.UpdatedAt = time.Now()
	r.publish(st, eventbus.EventCancelled, "cancelled", nil, "pipeline cancelled")
	return st, r.checkpoint(st)
}

func (r *Runner) fail(st *PipelineState, f *Failure) {
	st.Failure = f
	st.Stage = StageFailed
	st.UpdatedAt = time.Now()
	data := map[string]any{"category": f.Category, "root_cause": f.RootCause, "failed_stage": f.Stage}
	if len(st.DebugHistory) > 0 {
		data["last_debug_record"] = st.DebugHistory[len(st.DebugHistory)-1]
	}
	r.publish(st, eventbus.EventStageFailed, "failed", data, f.RootCause)
}

// stagePayload attaches the stage-specific payload of the event
// contract (e.g. the discovered endpoint list for discovery).
func (r *Runner) stagePayload(st *PipelineState) any {
	switch st.Stage {
	case StageAPIDiscovery:
		return st.Discovered
	case StagePlanner:
		if st.DAG != nil {
			return map[string]any{"steps": len(st.DAG.Steps), "warnings": st.DAG.Warnings}
		}
	case StageSandboxExecute:
		if st.LastResult != nil {
			return map[string]any{"exit_code": st.LastResult.ExitCode, "elapsed": st.LastResult.Elapsed.String()}
		}
	case StageSelfDebug:
		if len(st.DebugHistory) > 0 {
			return st.DebugHistory[len(st.DebugHistory)-1]
		}
	}
	return nil
}

func (r *Runner) publish(st *PipelineState, typ eventbus.EventType, phase string, data any, msg string) {
	seq := r.bus.NextSeq(st.CorrelationID)
	st.Seq = seq
	r.bus.Publish(eventbus.Event{
		CorrelationID: st.CorrelationID,
		Seq:           seq,
		Stage:         string(st.Stage),
		Type:          typ,
		Phase:         phase,
		Data:          data,
		Message:       msg,
	})
}

func (r *Runner) checkpoint(st *PipelineState) error {
	if err := r.store.Save(st); err != nil {
		return fmt.Errorf("pipeline: checkpoint %s: %w", st.CorrelationID, err)
	}
	return nil
}
