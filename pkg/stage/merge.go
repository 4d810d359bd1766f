package stage

import (
	"encoding/json"
	"fmt"
	"strings"

	"reqgenie/pkg/agents"
)

// Single passes through the lone sub-agent's output. The default merge.
func Single(results []SubResult) (json.RawMessage, string, error) {
	if len(results) != 1 {
		return nil, "", fmt.Errorf("single merge expects exactly one sub-agent, got %d", len(results))
	}
	return marshalResult(&results[0])
}

// Texts concatenates free-text sub-agent outputs in declaration order,
// each under a header naming the agent. Used when elaboration runs a
// functional and an NFR sub-agent side by side.
func Texts(results []SubResult) (json.RawMessage, string, error) {
	if len(results) == 1 {
		return marshalResult(&results[0])
	}
	var sb strings.Builder
	for i := range results {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "## %s\n\n%s", results[i].Def.Name, results[i].Res.Raw)
	}
	return nil, sb.String(), nil
}

// Evaluations folds validator verdicts: the combined score passes only if
// every validator passed, feedback is concatenated, and improvement areas
// are the union in first-seen order.
func Evaluations(results []SubResult) (json.RawMessage, string, error) {
	combined := agents.Evaluation{Score: "pass"}
	var feedback []string
	seen := make(map[string]bool)

	for i := range results {
		ev, ok := results[i].Res.Output.(*agents.Evaluation)
		if !ok {
			return nil, "", fmt.Errorf("validator %s produced %T, want *agents.Evaluation",
				results[i].Def.Name, results[i].Res.Output)
		}
		if !ev.Passed() {
			combined.Score = "needs_improvement"
		}
		if ev.Feedback != "" {
			feedback = append(feedback, fmt.Sprintf("[%s] %s", results[i].Def.Name, ev.Feedback))
		}
		for _, area := range ev.ImprovementAreas {
			if !seen[area] {
				seen[area] = true
				combined.ImprovementAreas = append(combined.ImprovementAreas, area)
			}
		}
	}
	combined.Feedback = strings.Join(feedback, "\n")

	payload, err := json.Marshal(&combined)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal combined evaluation: %w", err)
	}
	return payload, "", nil
}

// Final combines the finalizer's consolidated document with the use-case
// generator's structured cases. The raw text stays the document so output
// guardrails and downstream stages consume it unchanged; the payload carries
// the document plus the cases.
func Final(results []SubResult) (json.RawMessage, string, error) {
	doc := agents.FinalDocument{}
	for i := range results {
		switch out := results[i].Res.Output.(type) {
		case nil:
			if doc.Document != "" {
				return nil, "", fmt.Errorf("final merge got two document producers (%s)", results[i].Def.Name)
			}
			doc.Document = results[i].Res.Raw
		case *agents.UseCaseSet:
			doc.UseCases = append(doc.UseCases, out.Cases...)
		default:
			return nil, "", fmt.Errorf("finalizer sub-agent %s produced %T", results[i].Def.Name, out)
		}
	}
	if doc.Document == "" {
		return nil, "", fmt.Errorf("final merge got no document producer")
	}
	payload, err := json.Marshal(&doc)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal final document: %w", err)
	}
	return payload, doc.Document, nil
}

// TestSuites unions generated test cases by ID in declaration order. The
// first case wins on ID collision.
func TestSuites(results []SubResult) (json.RawMessage, string, error) {
	combined := agents.TestSuite{}
	seen := make(map[string]bool)

	for i := range results {
		suite, ok := results[i].Res.Output.(*agents.TestSuite)
		if !ok {
			// A degraded sub-agent contributes nothing to the union.
			if results[i].Res.Output == nil && results[i].Res.Raw != "" {
				continue
			}
			return nil, "", fmt.Errorf("generator %s produced %T, want *agents.TestSuite",
				results[i].Def.Name, results[i].Res.Output)
		}
		for _, c := range suite.Cases {
			if seen[c.ID] {
				continue
			}
			seen[c.ID] = true
			combined.Cases = append(combined.Cases, c)
		}
	}

	if len(combined.Cases) == 0 {
		// Every generator degraded to raw text; fall back to the texts merge.
		return Texts(results)
	}

	payload, err := json.Marshal(&combined)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal combined test suite: %w", err)
	}
	return payload, "", nil
}

// marshalResult turns one invocation result into the payload/raw pair.
func marshalResult(r *SubResult) (json.RawMessage, string, error) {
	if r.Res.Output == nil {
		return nil, r.Res.Raw, nil
	}
	payload, err := json.Marshal(r.Res.Output)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal %s output: %w", r.Def.Name, err)
	}
	return payload, "", nil
}
