package agent

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/meowth/internal/backoff"
	"github.com/haasonsaas/meowth/internal/observability"
	"github.com/haasonsaas/meowth/internal/ratelimit"
	"github.com/haasonsaas/meowth/internal/tools"
)

// executor runs the tool calls of one LLM turn.
type executor struct {
	limiter     *ratelimit.Limiter
	concurrency int
	retry       backoff.Policy
	maxAttempts int
	logger      *observability.Logger
	tracer      *observability.Tracer
}

// executeAll runs calls concurrently and returns their results in call
// order. It returns only once every call has finished; a failing call never
// cancels its siblings.
func (e *executor) executeAll(ctx context.Context, snap *tools.Snapshot, calls []ToolCall) []tools.ExecutionResult {
	results := make([]tools.ExecutionResult, len(calls))
	if len(calls) == 0 {
		return results
	}

	var g errgroup.Group
	if e.concurrency > 0 {
		g.SetLimit(e.concurrency)
	}
	for i, call := range calls {
		g.Go(func() error {
			results[i] = e.execute(ctx, snap, call)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// execute resolves and runs one call. Idempotent tools are retried on
// transient failures; other tools run exactly once.
func (e *executor) execute(ctx context.Context, snap *tools.Snapshot, call ToolCall) tools.ExecutionResult {
	ctx, span := e.tracer.TraceToolExecution(ctx, call.Name)
	defer span.End()

	tool, err := snap.Lookup(call.Name)
	if err != nil {
		now := time.Now()
		observability.RecordError(span, err)
		return tools.ExecutionResult{
			CallID:     call.ID,
			Tool:       call.Name,
			Status:     tools.StatusError,
			Err:        err,
			StartedAt:  now,
			FinishedAt: now,
		}
	}

	attempts := 1
	if tool.Idempotent() {
		attempts = e.maxAttempts
	}

	var last tools.ExecutionResult
	_, _ = backoff.Retry(ctx, backoff.Options{
		Policy:      e.retry,
		MaxAttempts: attempts,
		Retryable:   retryableTool,
		OnRetry: func(attempt int, err error) {
			e.logger.Info(ctx, "retrying tool call", "tool", tool.Name(), "attempt", attempt, "error", err)
		},
	}, func(ctx context.Context, _ int) (struct{}, error) {
		last = e.invoke(ctx, tool, call)
		if last.OK() {
			return struct{}{}, nil
		}
		return struct{}{}, last.Err
	})

	if last.Status == "" {
		// Retry returned before the first attempt because ctx was done.
		now := time.Now()
		last = tools.ExecutionResult{
			CallID:     call.ID,
			Tool:       tool.Name(),
			Status:     tools.StatusCancelled,
			Err:        ctx.Err(),
			StartedAt:  now,
			FinishedAt: now,
		}
	}
	if !last.OK() {
		observability.RecordError(span, last.Err)
	}
	return last
}

// invoke runs the tool once, charging it to its rate limit key when the
// parameters are valid.
func (e *executor) invoke(ctx context.Context, tool *tools.Tool, call ToolCall) tools.ExecutionResult {
	key := tool.RateLimitKey()
	if e.limiter == nil || key == "" {
		return tool.Invoke(ctx, call.ID, call.Arguments)
	}
	if _, err := tool.Validate(call.Arguments); err != nil {
		return tool.Invoke(ctx, call.ID, call.Arguments)
	}

	var res tools.ExecutionResult
	err := e.limiter.Do(ctx, key, func(ctx context.Context) error {
		res = tool.Invoke(ctx, call.ID, call.Arguments)
		return res.Err
	})
	if res.Status == "" {
		now := time.Now()
		res = tools.ExecutionResult{
			CallID:     call.ID,
			Tool:       tool.Name(),
			Status:     tools.StatusCancelled,
			Err:        err,
			StartedAt:  now,
			FinishedAt: now,
		}
	}
	return res
}

func retryableTool(err error) bool {
	var eerr *tools.ExecutionError
	return errors.As(err, &eerr) && eerr.Retryable()
}

func asValidation(err error) (*tools.InputValidationError, bool) {
	var verr *tools.InputValidationError
	ok := errors.As(err, &verr)
	return verr, ok
}

func asExecution(err error) (*tools.ExecutionError, bool) {
	var eerr *tools.ExecutionError
	ok := errors.As(err, &eerr)
	return eerr, ok
}

func asNotFound(err error) (*tools.NotFoundError, bool) {
	var nerr *tools.NotFoundError
	ok := errors.As(err, &nerr)
	return nerr, ok
}
