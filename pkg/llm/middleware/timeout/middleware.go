// Package timeout provides per-call timeout middleware for LLM clients.
package timeout

import (
	"context"
	"errors"
	"time"

	"reqgenie/pkg/llm"
	"reqgenie/pkg/llmerrors"
)

// Middleware returns a middleware that bounds every Complete call with the
// given timeout. Expiry is classified as agent unavailability so the stage
// layer treats a slow provider exactly like an unreachable one.
//
// Stream calls pass through unbounded; streamed deltas are a latency
// optimization and remain governed by the caller's context.
func Middleware(timeout time.Duration) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				callCtx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()

				resp, err := next.Complete(callCtx, req)
				if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
					return llm.CompletionResponse{}, llmerrors.NewErrorWithCause(
						llmerrors.ErrorTypeUnavailable, err, "call exceeded the per-call timeout")
				}
				return resp, err //nolint:wrapcheck // Middleware passes through errors unchanged
			},
			next.Stream,
			next.GetModelName,
		)
	}
}
