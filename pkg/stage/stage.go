// Package stage executes one pipeline stage: input guardrails, a concurrent
// fan of sub-agent invocations, a merge of their outputs, and output
// guardrails. A stage either fully succeeds or fails as a unit.
package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"reqgenie/pkg/guardrail"
	"reqgenie/pkg/invoke"
	"reqgenie/pkg/llmerrors"
	"reqgenie/pkg/logx"
	"reqgenie/pkg/proto"
)

// UnavailableError reports that a sub-agent's capability was unreachable.
type UnavailableError struct {
	Stage proto.Stage
	Agent string
	Err   error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("stage %s unavailable: agent %s: %v", e.Stage, e.Agent, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// SchemaMismatchError reports that a sub-agent kept producing malformed
// structured output after the adapter's corrective retry.
type SchemaMismatchError struct {
	Stage proto.Stage
	Agent string
	Raw   string
	Err   error
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("stage %s schema mismatch: agent %s: %v", e.Stage, e.Agent, e.Err)
}

func (e *SchemaMismatchError) Unwrap() error { return e.Err }

// GuardrailError reports that a guardrail rejected the stage input or output.
type GuardrailError struct {
	Stage   proto.Stage
	Phase   string // "input" or "output"
	Verdict proto.GuardrailVerdict
}

func (e *GuardrailError) Error() string {
	return fmt.Sprintf("stage %s %s guardrail failed: %s", e.Stage, e.Phase, e.Verdict.Reasoning)
}

// SubResult pairs a sub-agent with its invocation outcome.
type SubResult struct {
	Def invoke.AgentDef
	Res invoke.Result
}

// Merge folds the sub-agent outcomes into the stage payload. At least one of
// payload/raw must be non-empty; a merge may set both when the payload
// enriches the text.
type Merge func(results []SubResult) (payload json.RawMessage, raw string, err error)

// Spec describes one stage execution.
type Spec struct {
	Stage  proto.Stage
	Agents []invoke.AgentDef
	// InputGuards run against the stage input before any agent is invoked.
	InputGuards []guardrail.Guardrail
	// OutputGuards run against the merged stage output.
	OutputGuards []guardrail.Guardrail
	// Merge folds sub-agent outcomes; nil means Single.
	Merge Merge
	// AllowRawFallback degrades a schema-mismatched sub-agent to its raw
	// text instead of failing the stage. Only set where downstream
	// consumers can work with plain text.
	AllowRawFallback bool
}

// Executor runs stage specs for one pipeline run.
type Executor struct {
	invoker *invoke.Invoker
	runID   string
	events  chan<- proto.RunEvent
	logger  *logx.Logger
}

// NewExecutor creates an executor bound to a run. events may be nil.
func NewExecutor(invoker *invoke.Invoker, runID string, events chan<- proto.RunEvent, logger *logx.Logger) *Executor {
	if logger == nil {
		logger = logx.NewLogger(runID)
	}
	return &Executor{invoker: invoker, runID: runID, events: events, logger: logger}
}

// Run executes the stage against the input. The returned StageResult is
// always non-nil and records the outcome; the error, when non-nil, carries
// the typed failure for the orchestrator's policy decisions.
func (e *Executor) Run(ctx context.Context, spec Spec, input string) (*proto.StageResult, error) {
	started := time.Now().UTC()
	res := &proto.StageResult{
		Stage:   spec.Stage,
		Started: started,
	}

	fail := func(err error, verdict *proto.GuardrailVerdict) (*proto.StageResult, error) {
		res.Status = proto.StageFailed
		res.Err = err.Error()
		res.Verdict = verdict
		res.Finished = time.Now().UTC()
		return res, err
	}

	// Input guardrails gate the work before any agent call is spent.
	if len(spec.InputGuards) > 0 {
		verdict, err := guardrail.CheckAll(ctx, spec.InputGuards, input)
		if err != nil {
			return fail(fmt.Errorf("stage %s: %w", spec.Stage, err), nil)
		}
		if !verdict.Passed {
			return fail(&GuardrailError{Stage: spec.Stage, Phase: "input", Verdict: verdict}, &verdict)
		}
	}

	subResults, traces, err := e.invokeAll(ctx, spec, input)
	res.Agents = traces
	if err != nil {
		return fail(err, nil)
	}

	merge := spec.Merge
	if merge == nil {
		merge = Single
	}
	payload, raw, err := merge(subResults)
	if err != nil {
		return fail(fmt.Errorf("stage %s merge: %w", spec.Stage, err), nil)
	}
	res.Payload = payload
	res.Raw = raw

	if len(spec.OutputGuards) > 0 {
		verdict, err := guardrail.CheckAll(ctx, spec.OutputGuards, res.Text())
		if err != nil {
			return fail(fmt.Errorf("stage %s: %w", spec.Stage, err), nil)
		}
		if !verdict.Passed {
			return fail(&GuardrailError{Stage: spec.Stage, Phase: "output", Verdict: verdict}, &verdict)
		}
	}

	res.Status = proto.StageSucceeded
	res.Finished = time.Now().UTC()
	return res, nil
}

// invokeAll runs all sub-agents concurrently. The stage is all-or-nothing:
// the first failure cancels the siblings and fails the stage.
func (e *Executor) invokeAll(ctx context.Context, spec Spec, input string) ([]SubResult, []proto.AgentTrace, error) {
	results := make([]SubResult, len(spec.Agents))
	errs := make([]string, len(spec.Agents))

	g, gctx := errgroup.WithContext(ctx)
	for i := range spec.Agents {
		i := i
		def := spec.Agents[i]
		g.Go(func() error {
			r, err := e.invoker.Invoke(gctx, e.runID, spec.Stage, def, input, e.events)
			results[i] = SubResult{Def: def, Res: r}
			if err != nil {
				if spec.AllowRawFallback && llmerrors.IsSchemaMismatch(err) {
					e.logger.DebugDomain(spec.Stage.String(), "agent %s degraded to raw output", def.Name)
					results[i].Res.Output = nil
					return nil
				}
				errs[i] = err.Error()
				return e.wrap(spec.Stage, def.Name, err)
			}
			return nil
		})
	}
	err := g.Wait()

	// Every invoked sub-agent gets a trace, failures included. Siblings
	// cancelled before their goroutine stored a result are skipped.
	traces := make([]proto.AgentTrace, 0, len(spec.Agents))
	for i := range results {
		if results[i].Def.Name == "" {
			continue
		}
		trace := proto.AgentTrace{
			Agent:    results[i].Def.Name,
			Attempts: results[i].Res.Attempts,
			Duration: results[i].Res.Duration,
			Err:      errs[i],
		}
		traces = append(traces, trace)
	}

	if err != nil {
		return nil, traces, err
	}
	return results, traces, nil
}

// wrap converts an adapter error into the stage-level typed error.
func (e *Executor) wrap(stg proto.Stage, agent string, err error) error {
	var classified *llmerrors.Error
	if errors.As(err, &classified) && classified.Type == llmerrors.ErrorTypeSchemaMismatch {
		return &SchemaMismatchError{Stage: stg, Agent: agent, Raw: classified.RawOutput, Err: err}
	}
	if llmerrors.IsUnavailable(err) {
		return &UnavailableError{Stage: stg, Agent: agent, Err: err}
	}
	return fmt.Errorf("stage %s: agent %s: %w", stg, agent, err)
}
