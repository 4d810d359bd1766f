// Package guardrail evaluates candidate stage inputs and outputs before the
// pipeline commits to them. Structural guardrails are deterministic; judge
// guardrails delegate the decision to an agent.
package guardrail

import (
	"context"
	"fmt"
	"strings"

	"reqgenie/pkg/invoke"
	"reqgenie/pkg/proto"
	"reqgenie/pkg/utils"
)

// Guardrail checks a candidate value and returns a verdict. Implementations
// never mutate run state; they only observe the content they are given.
//
// A non-nil error means the guardrail itself could not run (for judge
// guardrails, the judging agent was unreachable). That is an evaluation
// failure, not a tripwire.
type Guardrail interface {
	Name() string
	Check(ctx context.Context, content string) (proto.GuardrailVerdict, error)
}

// CheckAll runs guardrails in order and merges their verdicts. It stops at
// the first tripwire since the caller will not use the content anyway.
func CheckAll(ctx context.Context, guards []Guardrail, content string) (proto.GuardrailVerdict, error) {
	verdict := proto.GuardrailVerdict{Passed: true}
	for _, g := range guards {
		v, err := g.Check(ctx, content)
		if err != nil {
			return verdict, fmt.Errorf("guardrail %s: %w", g.Name(), err)
		}
		verdict.Merge(v)
		if verdict.TripwireTriggered {
			return verdict, nil
		}
	}
	return verdict, nil
}

// MinWords requires the content to contain at least N words. Trips the
// wire on failure: a too-short requirement is not worth elaborating.
type MinWords struct {
	Min int
}

// Name implements Guardrail.
func (g MinWords) Name() string { return "min_words" }

// Check implements Guardrail.
func (g MinWords) Check(_ context.Context, content string) (proto.GuardrailVerdict, error) {
	words := len(strings.Fields(content))
	if words < g.Min {
		return proto.GuardrailVerdict{
			Passed:            false,
			Reasoning:         fmt.Sprintf("content has %d words, need at least %d", words, g.Min),
			TripwireTriggered: true,
		}, nil
	}
	return proto.GuardrailVerdict{Passed: true}, nil
}

// MaxTokens rejects content whose token count exceeds the limit. Counting
// uses the same tokenizer as the metrics layer.
type MaxTokens struct {
	Limit int
}

// Name implements Guardrail.
func (g MaxTokens) Name() string { return "max_tokens" }

// Check implements Guardrail.
func (g MaxTokens) Check(_ context.Context, content string) (proto.GuardrailVerdict, error) {
	counter, err := utils.NewTokenCounter("gpt-4")
	if err != nil {
		return proto.GuardrailVerdict{}, fmt.Errorf("tokenizer unavailable: %w", err)
	}
	if !counter.ValidateTokenLimit(content, g.Limit) {
		return proto.GuardrailVerdict{
			Passed:            false,
			Reasoning:         fmt.Sprintf("content has %d tokens, limit is %d", counter.CountTokens(content), g.Limit),
			TripwireTriggered: true,
		}, nil
	}
	return proto.GuardrailVerdict{Passed: true}, nil
}

// RequiredSections requires each named section header to appear in the
// content. Fails without tripping: the producing agent may be re-prompted or
// the stage marked failed, but the run itself is not poisoned.
type RequiredSections struct {
	Sections []string
}

// Name implements Guardrail.
func (g RequiredSections) Name() string { return "required_sections" }

// Check implements Guardrail.
func (g RequiredSections) Check(_ context.Context, content string) (proto.GuardrailVerdict, error) {
	lower := strings.ToLower(content)
	var missing []string
	for _, section := range g.Sections {
		if !strings.Contains(lower, strings.ToLower(section)) {
			missing = append(missing, section)
		}
	}
	if len(missing) > 0 {
		return proto.GuardrailVerdict{
			Passed:    false,
			Reasoning: fmt.Sprintf("missing required sections: %s", strings.Join(missing, ", ")),
		}, nil
	}
	return proto.GuardrailVerdict{Passed: true}, nil
}

// JudgeVerdict is the structured output schema for judge guardrail agents.
type JudgeVerdict struct {
	IsValid   bool   `json:"is_valid"`
	Reasoning string `json:"reasoning"`
}

// Judge delegates the check to an agent. The agent decides validity; the
// Tripwire flag decides whether an invalid verdict poisons the whole run or
// only the stage being guarded.
type Judge struct {
	Invoker *invoke.Invoker
	Def     invoke.AgentDef
	RunID   string
	Stage   proto.Stage
	// Tripwire escalates a failed verdict to a run abort.
	Tripwire bool
}

// Name implements Guardrail.
func (g *Judge) Name() string { return g.Def.Name }

// Check implements Guardrail.
func (g *Judge) Check(ctx context.Context, content string) (proto.GuardrailVerdict, error) {
	def := g.Def
	if def.NewOutput == nil {
		def.NewOutput = func() any { return &JudgeVerdict{} }
	}

	res, err := g.Invoker.Invoke(ctx, g.RunID, g.Stage, def, content, nil)
	if err != nil {
		return proto.GuardrailVerdict{}, fmt.Errorf("judge invocation failed: %w", err)
	}

	verdict, ok := res.Output.(*JudgeVerdict)
	if !ok {
		return proto.GuardrailVerdict{}, fmt.Errorf("judge returned unexpected output type %T", res.Output)
	}

	return proto.GuardrailVerdict{
		Passed:            verdict.IsValid,
		Reasoning:         verdict.Reasoning,
		TripwireTriggered: !verdict.IsValid && g.Tripwire,
	}, nil
}
