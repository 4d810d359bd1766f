// Package limit bounds the number of concurrent model calls. Fan-out runs
// several agents at once; without a bound a single run can exhaust a
// provider's connection or rate allowance.
package limit

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"

	"reqgenie/pkg/llm"
)

// Middleware returns a middleware that allows at most maxConcurrent calls
// in flight, counting both completions and streams. Waiters honor context
// cancellation.
func Middleware(maxConcurrent int64) llm.Middleware {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	sem := semaphore.NewWeighted(maxConcurrent)

	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				if err := sem.Acquire(ctx, 1); err != nil {
					return llm.CompletionResponse{}, fmt.Errorf("waiting for call slot: %w", err)
				}
				defer sem.Release(1)
				return next.Complete(ctx, req)
			},
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				if err := sem.Acquire(ctx, 1); err != nil {
					return nil, fmt.Errorf("waiting for call slot: %w", err)
				}
				ch, err := next.Stream(ctx, req)
				if err != nil {
					sem.Release(1)
					return nil, err
				}

				// Hold the slot until the stream finishes.
				out := make(chan llm.StreamChunk)
				go func() {
					defer close(out)
					defer sem.Release(1)
					for chunk := range ch {
						out <- chunk
					}
				}()
				return out, nil
			},
			next.GetModelName,
		)
	}
}
