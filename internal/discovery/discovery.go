// Package discovery resolves each action in a requirement record to a
// best-match API endpoint by cosine-similarity retrieval over the
// embedded corpus followed by an LLM rerank. The corpus is embedded
// once at startup; per-action queries are answered from the in-memory
// index, with the LLM breaking ties only when more than one candidate
// survives filtering.
package discovery

import (
	"context"
	_ "embed"
	"fmt"
	"sort"
	"strings"

	adkmodel "google.golang.org/adk/model"

	"github.com/forgeflow/forgeflow/internal/corpus"
	"github.com/forgeflow/forgeflow/internal/embedding"
	"github.com/forgeflow/forgeflow/internal/eventbus"
	"github.com/forgeflow/forgeflow/internal/llm"
	"github.com/forgeflow/forgeflow/internal/pipeline"
	"github.com/forgeflow/forgeflow/internal/vectorindex"
)

//go:embed prompts/select.md
var selectPrompt string

// TopK is the default number of candidates retrieved per action.
const TopK = 5

// SimilarityFloor is the recommended top-1 match-score floor below which
// an action is dropped from the plan.
const SimilarityFloor = 0.5

// Engine performs retrieval + LLM rerank for each action in a requirement record.
type Engine struct {
	Index     *vectorindex.Index
	Loader    *corpus.Loader
	Embedder  embedding.Embedder
	LLM       adkmodel.LLM
	Model     string
	Bus       *eventbus.Bus
	TopK      int
	Floor     float64

	// CredentialGate reports whether the credentials a service needs are
	// present in the environment. Services failing the gate are filtered
	// out of the candidate set with a discovery.skipped event; the run
	// continues without them. A nil gate admits every service.
	CredentialGate func(service string) bool
}

// NewEngine creates a discovery Engine with default TopK and Floor;
// callers may override either field after construction.
func NewEngine(idx *vectorindex.Index, loader *corpus.Loader, emb embedding.Embedder, client adkmodel.LLM, model string, bus *eventbus.Bus) *Engine {
	return &Engine{
		Index:    idx,
		Loader:   loader,
		Embedder: emb,
		LLM:      client,
		Model:    model,
		Bus:      bus,
		TopK:     TopK,
		Floor:    SimilarityFloor,
	}
}

type selectionResult struct {
	BestID        string  `json:"best_id"`
	MatchScore    float64 `json:"match_score"`
	Justification string  `json:"justification"`
}

// Resolve runs discovery for every action in req, returning the
// discovered endpoints plus an overall verdict ("" = all above floor,
// "discovery.miss" = all below, "discovery.partial" = a mix).
func (e *Engine) Resolve(ctx context.Context, correlationID string, req *pipeline.RequirementRecord) ([]pipeline.DiscoveredEndpoint, string, error) {
	var discovered []pipeline.DiscoveredEndpoint
	hit, miss := 0, 0

	skipped := make(map[string]bool)
	for _, action := range req.Actions {
		d, err := e.resolveAction(ctx, action, skipped, correlationID)
		if err != nil {
			return nil, "", fmt.Errorf("discovery: resolve action %s: %w", action.ID, err)
		}
		if d == nil {
			miss++
			continue
		}
		if d.MatchScore < e.Floor {
			miss++
			e.publish(correlationID, eventbus.EventDiscoveryMiss, action.ID, "top-1 match score below floor")
		} else {
			hit++
		}
		discovered = append(discovered, *d)
	}

	switch {
	case miss == 0:
		return discovered, "", nil
	case hit == 0:
		return discovered, "discovery.miss", nil
	default:
		e.publish(correlationID, eventbus.EventDiscoveryPart, "", "some actions fell below the similarity floor")
		return discovered, "discovery.partial", nil
	}
}

// resolveAction retrieves the top-K candidates for one action and asks
// the LLM to rank them, returning nil (not an error) when no candidate
// survives the service-exclusion filter.
func (e *Engine) resolveAction(ctx context.Context, action pipeline.Action, skipped map[string]bool, correlationID string) (*pipeline.DiscoveredEndpoint, error) {
	query := buildQuery(action)
	vec, err := e.Embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	matches, err := e.Index.TopK(vec, e.TopK*3) // overfetch, then filter exclusions
	if err != nil {
		return nil, fmt.Errorf("retrieve candidates: %w", err)
	}

	filtered := make([]vectorindex.Match, 0, len(matches))
	for _, m := range matches {
		doc, ok := m.Entry.Ref.(*corpus.EndpointDoc)
		if !ok || isExcluded(doc.Service, action.ExcludedSvc) {
			continue
		}
		if e.CredentialGate != nil && !e.CredentialGate(doc.Service) {
			if !skipped[doc.Service] {
				skipped[doc.Service] = true
				e.publish(correlationID, eventbus.EventDiscoverySkip, action.ID,
					fmt.Sprintf("service %s skipped: missing credentials", doc.Service))
			}
			continue
		}
		filtered = append(filtered, m)
		if len(filtered) >= e.TopK {
			break
		}
	}
	if len(filtered) == 0 {
		return nil, nil
	}

	// A single candidate at or above the floor is selected outright; the
	// rerank call only earns its cost when there is a choice to make.
	if len(filtered) == 1 && filtered[0].Similarity >= e.Floor {
		doc := filtered[0].Entry.Ref.(*corpus.EndpointDoc)
		return &pipeline.DiscoveredEndpoint{
			ActionID:      action.ID,
			EndpointID:    filtered[0].Entry.ID,
			MatchScore:    filtered[0].Similarity,
			Justification: fmt.Sprintf("only candidate for %s %s", doc.Service, doc.Path),
			Similarity:    filtered[0].Similarity,
		}, nil
	}

	userContent := fmt.Sprintf("Action: %s\nCandidates:\n%s", query, formatCandidates(filtered))
	var sel selectionResult
	if _, err := llm.JSONCall(ctx, e.LLM, e.Model, selectPrompt, userContent, &sel); err != nil {
		return nil, fmt.Errorf("rank candidates: %w", err)
	}

	best := sel
	bestSim := 0.0
	for _, m := range filtered {
		if m.Entry.ID == best.BestID {
			bestSim = m.Similarity
			break
		}
	}
	if bestSim == 0 && len(filtered) > 0 {
		bestSim = filtered[0].Similarity
		if best.BestID == "" {
			best.BestID = filtered[0].Entry.ID
		}
	}

	return &pipeline.DiscoveredEndpoint{
		ActionID:      action.ID,
		EndpointID:    best.BestID,
		MatchScore:    best.MatchScore,
		Justification: best.Justification,
		Similarity:    bestSim,
	}, nil
}

func (e *Engine) publish(correlationID string, typ eventbus.EventType, actionID, msg string) {
	if e.Bus == nil {
		return
	}
	e.Bus.Publish(eventbus.Event{
		CorrelationID: correlationID,
		Stage:         string(pipeline.StageAPIDiscovery),
		Type:          typ,
		Message:       msg,
		Data:          map[string]any{"action_id": actionID},
	})
}

// buildQuery constructs the compound retrieval query string combining
// the action verb, its parameters, and the service hint.
func buildQuery(a pipeline.Action) string {
	var sb strings.Builder
	sb.WriteString(a.Verb)
	if a.ServiceHint != "" {
		sb.WriteString(" ")
		sb.WriteString(a.ServiceHint)
	}
	keys := make([]string, 0, len(a.Params))
	for k := range a.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(" ")
		sb.WriteString(k)
		sb.WriteString(" ")
		sb.WriteString(a.Params[k])
	}
	return sb.String()
}

func isExcluded(service string, excluded []string) bool {
	for _, s := range excluded {
		if s == service {
			return true
		}
	}
	return false
}

func formatCandidates(matches []vectorindex.Match) string {
	var sb strings.Builder
	for _, m := range matches {
		doc, ok := m.Entry.Ref.(*corpus.EndpointDoc)
		if !ok {
			continue
		}
		fmt.Fprintf(&sb, "- id=%s service=%s path=%s similarity=%.3f description=%s\n",
			m.Entry.ID, doc.Service, doc.Path, m.Similarity, doc.Description)
	}
	return sb.String()
}
