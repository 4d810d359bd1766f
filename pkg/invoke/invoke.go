// Package invoke adapts specialized agent definitions onto LLM clients.
// It owns the structured-output contract: strict JSON decoding with exactly
// one corrective retry, raw-text fallback, and unavailability classification.
package invoke

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"reqgenie/pkg/llm"
	"reqgenie/pkg/llm/middleware/metrics"
	"reqgenie/pkg/llmerrors"
	"reqgenie/pkg/logx"
	"reqgenie/pkg/proto"
)

// AgentDef describes one specialized agent: its instructions, sampling
// parameters, and optional output schema.
type AgentDef struct {
	// Name identifies the agent in traces, events, and wrapped errors.
	Name string
	// Instructions is the system prompt.
	Instructions string
	// MaxTokens bounds the completion length. Zero means llm.DefaultMaxTokens.
	MaxTokens int
	// Temperature is the sampling temperature. Zero means llm.TemperatureDefault.
	Temperature float32
	// NewOutput allocates the structured output value to decode into.
	// Nil means the agent produces free text.
	NewOutput func() any
}

// Validator is implemented by structured outputs that carry semantic
// constraints beyond JSON well-formedness.
type Validator interface {
	Validate() error
}

// Result is the outcome of one agent invocation.
type Result struct {
	// Output is the decoded structured value, nil for free-text agents and
	// for raw-text fallbacks.
	Output any
	// Raw is the verbatim completion text.
	Raw string
	// Attempts counts underlying LLM calls (1, or 2 after a corrective retry).
	Attempts int
	// Duration covers all attempts.
	Duration time.Duration
}

// Invoker executes agent definitions against a single LLM client chain.
// Safe for concurrent use.
type Invoker struct {
	client llm.LLMClient
	logger *logx.Logger
}

// NewInvoker creates an invoker on top of a (usually middleware-wrapped) client.
func NewInvoker(client llm.LLMClient, logger *logx.Logger) *Invoker {
	if logger == nil {
		logger = logx.NewLogger("invoke")
	}
	return &Invoker{client: client, logger: logger}
}

// correctiveHint is appended on the single schema-mismatch retry.
const correctiveHint = "Your previous response could not be parsed as JSON matching the expected schema (%v). " +
	"Respond again with only the JSON object, no prose and no code fences."

// Invoke runs one agent against the input text.
//
// Free-text agents return the completion verbatim. Structured agents decode
// the completion strictly; on a malformed response the invoker retries
// exactly once with a corrective hint, and if the retry is still malformed
// it returns a schema-mismatch error carrying the raw text so the caller can
// decide whether to fall back to it. Transport failures and timeouts are
// never retried here.
//
// When events is non-nil the completion is streamed and each delta is
// emitted as a partial-output event. Deltas are advisory; the returned
// Result is authoritative.
func (iv *Invoker) Invoke(ctx context.Context, runID string, stage proto.Stage, def AgentDef, input string, events chan<- proto.RunEvent) (Result, error) {
	start := time.Now()

	ctx = metrics.WithScope(ctx, metrics.Scope{
		RunID: runID,
		Stage: stage.String(),
		Agent: def.Name,
	})

	messages := []llm.CompletionMessage{
		llm.NewSystemMessage(def.Instructions),
		llm.NewUserMessage(input),
	}

	raw, err := iv.complete(ctx, runID, stage, def, messages, events)
	if err != nil {
		return Result{Raw: raw, Attempts: 1, Duration: time.Since(start)}, err
	}

	if def.NewOutput == nil {
		return Result{Raw: raw, Attempts: 1, Duration: time.Since(start)}, nil
	}

	output, decodeErr := decodeOutput(def, raw)
	if decodeErr == nil {
		return Result{Output: output, Raw: raw, Attempts: 1, Duration: time.Since(start)}, nil
	}

	iv.logger.DebugDomain(stage.String(), "agent %s produced malformed output, retrying once: %v", def.Name, decodeErr)

	// One corrective retry: echo the bad response and ask for schema-clean JSON.
	retryMessages := append(messages,
		llm.CompletionMessage{Role: llm.RoleAssistant, Content: raw},
		llm.NewUserMessage(fmt.Sprintf(correctiveHint, decodeErr)),
	)

	retryRaw, retryErr := iv.complete(ctx, runID, stage, def, retryMessages, events)
	if retryErr != nil {
		return Result{Raw: raw, Attempts: 2, Duration: time.Since(start)}, retryErr
	}

	output, decodeErr = decodeOutput(def, retryRaw)
	if decodeErr != nil {
		return Result{Raw: retryRaw, Attempts: 2, Duration: time.Since(start)},
			llmerrors.NewSchemaMismatch(retryRaw, decodeErr)
	}

	return Result{Output: output, Raw: retryRaw, Attempts: 2, Duration: time.Since(start)}, nil
}

// complete performs one LLM call, streaming when events is set.
func (iv *Invoker) complete(ctx context.Context, runID string, stage proto.Stage, def AgentDef, messages []llm.CompletionMessage, events chan<- proto.RunEvent) (string, error) {
	req := llm.NewCompletionRequest(messages)
	if def.MaxTokens > 0 {
		req.MaxTokens = def.MaxTokens
	}
	if def.Temperature > 0 {
		req.Temperature = def.Temperature
	}

	if events == nil {
		resp, err := iv.client.Complete(ctx, req)
		if err != nil {
			return "", iv.classify(def, err)
		}
		return resp.Content, nil
	}

	stream, err := iv.client.Stream(ctx, req)
	if err != nil {
		return "", iv.classify(def, err)
	}

	var sb strings.Builder
	for chunk := range stream {
		if chunk.Error != nil {
			return sb.String(), iv.classify(def, chunk.Error)
		}
		if chunk.Content != "" {
			sb.WriteString(chunk.Content)
			ev := proto.NewRunEvent(proto.EventPartialOutput, runID, stage)
			ev.Agent = def.Name
			ev.Delta = chunk.Content
			select {
			case events <- ev:
			default:
				// Slow consumers drop deltas; the final result is authoritative.
			}
		}
		if chunk.Done {
			break
		}
	}
	return sb.String(), nil
}

// classify wraps provider errors with the agent identity. Unclassified
// transport-looking errors become unavailability so the stage layer has a
// single failure mode for unreachable capabilities.
func (iv *Invoker) classify(def AgentDef, err error) error {
	if llmerrors.TypeOf(err) == llmerrors.ErrorTypeUnknown {
		err = llmerrors.NewErrorWithCause(llmerrors.ErrorTypeUnavailable, err, "agent call failed")
	}
	return fmt.Errorf("agent %s: %w", def.Name, err)
}

// decodeOutput strictly decodes raw into a fresh output value, tolerating
// code fences around the JSON body.
func decodeOutput(def AgentDef, raw string) (any, error) {
	output := def.NewOutput()

	body := stripFences(raw)
	dec := json.NewDecoder(strings.NewReader(body))
	if err := dec.Decode(output); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	// Reject trailing non-whitespace content after the JSON value.
	if dec.More() {
		return nil, fmt.Errorf("trailing content after JSON value")
	}

	if v, ok := output.(Validator); ok {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("schema constraint violated: %w", err)
		}
	}

	return output, nil
}

// stripFences removes a surrounding markdown code fence if present.
func stripFences(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.Index(trimmed, "\n"); idx >= 0 {
		// Drop the language tag line ("json", "python", ...).
		trimmed = trimmed[idx+1:]
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
