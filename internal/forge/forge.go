// Package forge assembles the ten-stage table the pipeline runner
// drives: it binds each stage engine (conversation, discovery, planner,
// mapper, codegen, security, scaffold, sandbox, self-debug, packager)
// into a pipeline.StageFunc and classifies each engine's errors by
// origin. This is the one place that knows every stage package; the
// packages themselves only know the shared types.
package forge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	adkmodel "google.golang.org/adk/model"

	"github.com/forgeflow/forgeflow/internal/codegen"
	"github.com/forgeflow/forgeflow/internal/config"
	"github.com/forgeflow/forgeflow/internal/conversation"
	"github.com/forgeflow/forgeflow/internal/corpus"
	"github.com/forgeflow/forgeflow/internal/discovery"
	"github.com/forgeflow/forgeflow/internal/embedding"
	"github.com/forgeflow/forgeflow/internal/eventbus"
	"github.com/forgeflow/forgeflow/internal/llm"
	"github.com/forgeflow/forgeflow/internal/mapper"
	"github.com/forgeflow/forgeflow/internal/packager"
	"github.com/forgeflow/forgeflow/internal/pipeline"
	"github.com/forgeflow/forgeflow/internal/planner"
	"github.com/forgeflow/forgeflow/internal/sandbox"
	"github.com/forgeflow/forgeflow/internal/scaffold"
	"github.com/forgeflow/forgeflow/internal/secrets"
	"github.com/forgeflow/forgeflow/internal/security"
	"github.com/forgeflow/forgeflow/internal/selfdebug"
	"github.com/forgeflow/forgeflow/internal/tools"
)

// serviceEnv maps a corpus service name to the environment variables a
// generated workflow needs to call it.
var serviceEnv = map[string][]string{
	"slack":  {"SLACK_BOT_TOKEN"},
	"gmail":  {"GMAIL_ADDRESS", "GMAIL_APP_PASSWORD"},
	"google": {"GOOGLE_API_KEY"},
}

// Deps are the process-wide singletons the stage table closes over:
// all are read-only or request-parallel-safe after startup.
type Deps struct {
	LLM      adkmodel.LLM
	Provider llm.Provider
	Loader   *corpus.Loader
	Embedder embedding.Embedder
	Backend  sandbox.Backend
	Secrets  secrets.Resolver
	Packager packager.Packager
	Bus      *eventbus.Bus
}

// Forge holds the assembled stage engines.
type Forge struct {
	deps  Deps
	cfg   *config.Config
	conv  *conversation.Engine
	disc  *discovery.Engine
	maps  *mapper.Mapper
	code  *codegen.Agent
	debug *selfdebug.Debugger
}

// New builds the stage engines from deps and cfg. The discovery engine's
// vector index must already be populated (NewDiscovery at startup)
// before Stages' discovery handler runs.
func New(deps Deps, cfg *config.Config, disc *discovery.Engine) (*Forge, error) {
	fs, err := tools.NewWorkspaceFS(cfg.Sandbox.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("forge: %w", err)
	}
	reg := tools.NewRegistry()
	reg.Register(tools.NewFetchSpecTool(deps.Loader))
	reg.Register(tools.NewFetchWebPageTool(cfg.Pipeline.EnableWebFetch))
	reg.Register(tools.NewWriteFileTool(fs))
	reg.Register(tools.NewReadFileTool(fs))
	reg.Register(tools.FinishTool{})

	agent := codegen.New(deps.Provider, cfg.LLM.Model, reg, deps.Bus)
	agent.MaxTurnsPerStep = cfg.Pipeline.ToolLoopCeilingStep
	agent.MaxTurnsTotal = cfg.Pipeline.ToolLoopCeilingTotal

	return &Forge{
		deps:  deps,
		cfg:   cfg,
		conv:  conversation.New(deps.LLM, cfg.LLM.Model),
		disc:  disc,
		maps:  mapper.New(deps.LLM, cfg.LLM.Model),
		code:  agent,
		debug: selfdebug.New(deps.LLM, cfg.LLM.Model),
	}, nil
}

// NewDiscovery builds the discovery engine over a freshly built index,
// wiring the credential gate from the secret resolver.
func NewDiscovery(ctx context.Context, deps Deps, cfg *config.Config) (*discovery.Engine, error) {
	index, err := discovery.BuildIndex(ctx, deps.Loader, deps.Embedder)
	if err != nil {
		return nil, err
	}
	eng := discovery.NewEngine(index, deps.Loader, deps.Embedder, deps.LLM, cfg.LLM.Model, deps.Bus)
	eng.TopK = cfg.Discovery.TopK
	eng.Floor = cfg.Discovery.SimilarityFloor
	eng.CredentialGate = func(service string) bool {
		vars, ok := serviceEnv[service]
		if !ok {
			return true // services with no known credential are not gated
		}
		return len(secrets.Missing(deps.Secrets, vars)) == 0
	}
	return eng, nil
}

// Stages returns the stage table for pipeline.NewRunner.
func (f *Forge) Stages() map[pipeline.Stage]pipeline.StageFunc {
	return map[pipeline.Stage]pipeline.StageFunc{
		pipeline.StageConversation:   f.converse,
		pipeline.StageAPIDiscovery:   f.discover,
		pipeline.StagePlanner:        f.plan,
		pipeline.StageMapper:         f.mapBindings,
		pipeline.StageCodegen:        f.generate,
		pipeline.StageSecurity:       f.scan,
		pipeline.StageTestScaffold:   f.scaffold,
		pipeline.StageSandboxExecute: f.execute,
		pipeline.StageSelfDebug:      f.selfDebug,
		pipeline.StageDeploy:         f.deploy,
	}
}

func (f *Forge) llmCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, time.Duration(f.cfg.Pipeline.LLMCallTimeoutSec)*time.Second)
}

func (f *Forge) converse(ctx context.Context, st *pipeline.PipelineState) error {
	history := []conversation.Message{{Role: "user", Content: st.Request}}
	latest := st.Request
	for _, m := range st.Messages {
		history = append(history, conversation.Message{Role: "user", Content: m})
		latest = m
	}

	cctx, cancel := f.llmCtx(ctx)
	defer cancel()
	req, err := f.conv.Extract(cctx, history[:len(history)-1], latest, f.deps.Loader.HasService)
	if err != nil {
		return classifyLLMErr(pipeline.StageConversation, err)
	}
	st.Requirement = req
	return nil
}

func (f *Forge) discover(ctx context.Context, st *pipeline.PipelineState) error {
	cctx, cancel := f.llmCtx(ctx)
	defer cancel()
	discovered, _, err := f.disc.Resolve(cctx, st.CorrelationID, st.Requirement)
	if err != nil {
		return classifyLLMErr(pipeline.StageAPIDiscovery, err)
	}
	st.Discovered = discovered

	// Actions that missed the similarity floor are dropped from the plan
	// and surfaced to the user as skipped assumed defaults.
	matched := make(map[string]bool)
	for _, d := range discovered {
		if d.MatchScore >= f.disc.Floor {
			matched[d.ActionID] = true
		}
	}
	for _, a := range st.Requirement.Actions {
		if !matched[a.ID] {
			st.Requirement.AssumedDefaults = append(st.Requirement.AssumedDefaults,
				fmt.Sprintf("skipped: no matching API found for %q", a.Verb))
		}
	}
	return nil
}

func (f *Forge) plan(_ context.Context, st *pipeline.PipelineState) error {
	var kept []pipeline.DiscoveredEndpoint
	for _, d := range st.Discovered {
		if d.MatchScore >= f.disc.Floor {
			kept = append(kept, d)
		}
	}

	dag, err := planner.Plan(st.Requirement, kept)
	if err != nil {
		return pipeline.NewStageError(pipeline.StagePlanner, pipeline.KindContent, pipeline.ErrorSchemaMismatch, err)
	}

	// Enrich steps with the corpus's response schemas and collect the
	// environment variables the bound services need.
	envSet := make(map[string]bool)
	for i := range dag.Steps {
		step := &dag.Steps[i]
		if step.EndpointID == "" {
			continue
		}
		doc := f.deps.Loader.ByID(step.EndpointID)
		if doc == nil {
			continue
		}
		step.OutputSchema = doc.Response
		for _, v := range serviceEnv[doc.Service] {
			envSet[v] = true
		}
	}
	for _, v := range []string{"SLACK_BOT_TOKEN", "GMAIL_ADDRESS", "GMAIL_APP_PASSWORD", "GOOGLE_API_KEY"} {
		if envSet[v] {
			dag.RequiredEnv = append(dag.RequiredEnv, v)
		}
	}
	st.DAG = dag
	return nil
}

func (f *Forge) mapBindings(ctx context.Context, st *pipeline.PipelineState) error {
	for i := range st.DAG.Steps {
		step := &st.DAG.Steps[i]
		if step.Type == pipeline.StepTrigger {
			continue
		}
		cctx, cancel := f.llmCtx(ctx)
		expr, err := f.maps.BindStep(cctx, st.DAG, step, step.Description)
		cancel()
		if err != nil {
			return classifyLLMErr(pipeline.StageMapper, err)
		}
		step.InputExpr = expr
	}
	return nil
}

func (f *Forge) generate(ctx context.Context, st *pipeline.PipelineState) error {
	bindings := make(map[string]string)
	for _, s := range st.DAG.Steps {
		if s.InputExpr != "" {
			bindings[s.ID] = s.InputExpr
		}
	}
	artifact, err := f.code.Generate(ctx, st.CorrelationID, st.DAG, bindings)
	if err != nil {
		if errors.Is(err, codegen.ErrBudgetExceeded) {
			return pipeline.NewStageError(pipeline.StageCodegen, pipeline.KindBudget, pipeline.ErrorUnknown, err)
		}
		return classifyLLMErr(pipeline.StageCodegen, err)
	}
	st.Artifact = artifact
	return nil
}

func (f *Forge) scan(_ context.Context, st *pipeline.PipelineState) error {
	violations := security.Scan(st.Artifact.Source, f.cfg.Sandbox.OutputDir)
	if security.Passed(violations) {
		return nil
	}

	var lines []string
	for _, v := range violations {
		lines = append(lines, fmt.Sprintf("line %d: %s: %s", v.Line, v.Category, v.Text))
	}
	// The violation listing doubles as the failure context the
	// self-debugger classifies from.
	st.LastResult = &pipeline.ExecutionResult{
		ExitCode: 1,
		Stderr:   "security review rejected the artifact:\n" + strings.Join(lines, "\n"),
	}
	return pipeline.NewStageError(pipeline.StageSecurity, pipeline.KindArtifact, pipeline.ErrorSecurityViolation,
		fmt.Errorf("%d blocking violation(s): %s", len(violations), strings.Join(lines, "; ")))
}

func (f *Forge) scaffold(_ context.Context, st *pipeline.PipelineState) error {
	scaffold.Generate(st.Artifact, st.DAG)
	return nil
}

func (f *Forge) execute(ctx context.Context, st *pipeline.PipelineState) error {
	env := make(map[string]string)
	for _, name := range st.DAG.RequiredEnv {
		if v, ok := f.deps.Secrets.Lookup(name); ok {
			env[name] = v
		}
	}

	timeout := time.Duration(f.cfg.Sandbox.TimeoutSeconds) * time.Second
	result, err := f.deps.Backend.Run(ctx, st.Artifact, st.DAG, env, timeout)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			// The sandbox's own wall clock expired, not the pipeline's:
			// a debuggable artifact failure, not a terminal one.
			st.LastResult = &pipeline.ExecutionResult{
				ExitCode: 124,
				Stderr:   fmt.Sprintf("execution exceeded the %s sandbox timeout", timeout),
				Elapsed:  timeout,
			}
			return nil
		}
		return pipeline.NewStageError(pipeline.StageSandboxExecute, pipeline.KindResource, pipeline.ErrorNetwork, err)
	}
	st.LastResult = result
	return nil
}

func (f *Forge) selfDebug(ctx context.Context, st *pipeline.PipelineState) error {
	st.DebugAttempts++

	cctx, cancel := f.llmCtx(ctx)
	record, err := f.debug.Classify(cctx, st.DebugAttempts, st.Artifact, st.LastResult, st.DAG)
	cancel()
	if err != nil {
		return classifyLLMErr(pipeline.StageSelfDebug, err)
	}

	cctx, cancel = f.llmCtx(ctx)
	patched, err := f.debug.Patch(cctx, st.Artifact, &record, st.DAG)
	cancel()
	if err != nil {
		return classifyLLMErr(pipeline.StageSelfDebug, err)
	}

	st.DebugHistory = append(st.DebugHistory, record)
	st.Artifact = patched
	return nil
}

func (f *Forge) deploy(ctx context.Context, st *pipeline.PipelineState) error {
	bundle, err := packager.FromState(st)
	if err != nil {
		return pipeline.NewStageError(pipeline.StageDeploy, pipeline.KindContent, pipeline.ErrorUnknown, err)
	}
	if err := f.deps.Packager.Package(ctx, bundle); err != nil {
		return pipeline.NewStageError(pipeline.StageDeploy, pipeline.KindResource, pipeline.ErrorUnknown, err)
	}
	return nil
}

// classifyLLMErr maps a stage engine's error by origin:
// schema parse failures are content errors (one structured retry happens
// inside the engine, so here they are already fatal); deadline expiry is
// a TIMEOUT; anything else from an LLM/embedding call is a resource
// error eligible for the runner's silent retry.
func classifyLLMErr(stage pipeline.Stage, err error) error {
	switch {
	case errors.Is(err, pipeline.ErrSchemaParseFailure):
		return pipeline.NewStageError(stage, pipeline.KindContent, pipeline.ErrorSchemaMismatch, err)
	case errors.Is(err, context.DeadlineExceeded):
		return pipeline.NewStageError(stage, pipeline.KindContent, pipeline.ErrorTimeout, err)
	default:
		return pipeline.NewStageError(stage, pipeline.KindResource, pipeline.ErrorNetwork, err)
	}
}
