// Package planner turns a requirement record plus its discovered
// endpoints into an acyclic, depth-ordered WorkflowDAG. Dependencies
// come from two signals only — explicit data references and
// "after"/"when"/"then" control phrasing — and the depth assignment
// groups independent steps into common parallel levels.
package planner

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/forgeflow/forgeflow/internal/pipeline"
)

// controlWords are the phrasings that signal a control dependency
// ("after" / "when" / "then" of another action).
var controlWords = regexp.MustCompile(`(?i)\b(after|when|then)\b`)

// Plan builds a WorkflowDAG from a requirement record and its resolved
// endpoints. Steps are emitted in deterministic order: the trigger
// first, then actions in the order they were described.
func Plan(req *pipeline.RequirementRecord, discovered []pipeline.DiscoveredEndpoint) (*pipeline.WorkflowDAG, error) {
	byAction := make(map[string]pipeline.DiscoveredEndpoint, len(discovered))
	for _, d := range discovered {
		byAction[d.ActionID] = d
	}

	dag := &pipeline.WorkflowDAG{
		Name:        "generated_workflow",
		Trigger:     req.Trigger,
		ErrorPolicy: pipeline.ErrorPolicyRetry,
	}

	triggerID := "trigger"
	dag.Steps = append(dag.Steps, pipeline.WorkflowStep{
		ID:          triggerID,
		Name:        "Trigger",
		Description: req.Trigger,
		Type:        pipeline.StepTrigger,
		Depth:       0,
		ErrorPolicy: pipeline.ErrorPolicyAbort,
	})

	// Skipped actions (no discovered endpoint meeting the floor) are
	// dropped from the DAG; the caller
	// is responsible for reporting them in "assumed defaults".
	var kept []pipeline.Action
	for _, a := range req.Actions {
		if _, ok := byAction[a.ID]; ok {
			kept = append(kept, a)
		}
	}

	for _, a := range kept {
		deps := inferDependencies(a, kept, triggerID)
		dag.Steps = append(dag.Steps, pipeline.WorkflowStep{
			ID:          a.ID,
			Name:        a.Verb,
			Description: describeAction(a),
			Type:        pipeline.StepAPICall,
			EndpointID:  byAction[a.ID].EndpointID,
			DependsOn:   deps,
			ErrorPolicy: pipeline.ErrorPolicyRetry,
		})
	}

	if err := assignDepths(dag); err != nil {
		return nil, err
	}
	return dag, nil
}

// inferDependencies resolves the two dependency signals: explicit data
// references to a named output of an earlier
// action, and control phrasing ("after"/"when"/"then") naming an earlier
// action's verb. Actions with neither signal depend only on the trigger.
func inferDependencies(a pipeline.Action, all []pipeline.Action, triggerID string) []string {
	var deps []string
	seen := make(map[string]bool)

	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			deps = append(deps, id)
		}
	}

	for _, other := range all {
		if other.ID == a.ID {
			break // only earlier actions in textual order can be dependencies
		}
		if referencesOutputOf(a, other) {
			add(other.ID)
			continue
		}
		if len(a.After) > 0 {
			for _, ref := range a.After {
				if strings.EqualFold(ref, other.ID) || strings.EqualFold(ref, other.Verb) {
					add(other.ID)
				}
			}
		} else if controlWords.MatchString(a.Verb) && strings.Contains(strings.ToLower(a.Verb), strings.ToLower(other.Verb)) {
			add(other.ID)
		}
	}

	if len(deps) == 0 {
		deps = append(deps, triggerID)
	}
	return deps
}

// referencesOutputOf reports whether any of a's parameter values
// mentions a step-output placeholder for other, e.g. "{{step_1.output}}".
func referencesOutputOf(a, other pipeline.Action) bool {
	placeholder := "{{" + other.ID + "."
	for _, v := range a.Params {
		if strings.Contains(v, placeholder) {
			return true
		}
	}
	return false
}

func describeAction(a pipeline.Action) string {
	if a.ServiceHint != "" {
		return fmt.Sprintf("%s via %s", a.Verb, a.ServiceHint)
	}
	return a.Verb
}

// assignDepths computes each step's depth (0 for the trigger, else
// 1+max(depth(dep)) over its dependencies), breaking cycles by dropping
// the offending back-reference from the later step in textual order.
func assignDepths(dag *pipeline.WorkflowDAG) error {
	index := make(map[string]int, len(dag.Steps))
	for i, s := range dag.Steps {
		index[s.ID] = i
	}

	depth := make([]int, len(dag.Steps))
	state := make([]int, len(dag.Steps)) // 0=unvisited 1=visiting 2=done

	var visit func(i int) error
	visit = func(i int) error {
		if state[i] == 2 {
			return nil
		}
		if state[i] == 1 {
			return fmt.Errorf("cycle at step %s", dag.Steps[i].ID)
		}
		state[i] = 1

		max := -1
		kept := dag.Steps[i].DependsOn[:0:0]
		for _, depID := range dag.Steps[i].DependsOn {
			j, ok := index[depID]
			if !ok || j >= i {
				// Forward or dangling reference from a later step: drop
				// it and warn, per the cycle-breaking rule.
				dag.Warnings = append(dag.Warnings,
					fmt.Sprintf("dropped back-reference from %s to %s to preserve acyclicity", dag.Steps[i].ID, depID))
				continue
			}
			if err := visit(j); err != nil {
				dag.Warnings = append(dag.Warnings,
					fmt.Sprintf("dropped dependency from %s to %s to break a cycle", dag.Steps[i].ID, depID))
				continue
			}
			kept = append(kept, depID)
			if depth[j] > max {
				max = depth[j]
			}
		}
		dag.Steps[i].DependsOn = kept
		depth[i] = max + 1
		dag.Steps[i].Depth = depth[i]
		state[i] = 2
		return nil
	}

	for i := range dag.Steps {
		if err := visit(i); err != nil {
			return err
		}
	}
	return nil
}

// ParallelGroups partitions step ids by depth: steps at the same depth
// with no dependency on one another may run concurrently.
func ParallelGroups(dag *pipeline.WorkflowDAG) map[int][]string {
	groups := make(map[int][]string)
	for _, s := range dag.Steps {
		groups[s.Depth] = append(groups[s.Depth], s.ID)
	}
	for d := range groups {
		sort.Strings(groups[d])
	}
	return groups
}
