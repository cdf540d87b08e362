package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/meowth/internal/observability"
)

// Status is the terminal state of one tool invocation.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// ExecutionResult records one invocation. Exactly one of Output and Err is
// meaningful: Output when Status is StatusSuccess, Err otherwise.
type ExecutionResult struct {
	ID         string
	CallID     string
	Tool       string
	Status     Status
	Output     string
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration is how long the invocation ran.
func (r ExecutionResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// OK reports whether the invocation succeeded.
func (r ExecutionResult) OK() bool {
	return r.Status == StatusSuccess
}

// Invoke validates params and runs the handler under the tool's timeout.
// Parameters that fail validation yield StatusError with an
// *InputValidationError and the handler is never called.
func (t *Tool) Invoke(ctx context.Context, callID string, params json.RawMessage) ExecutionResult {
	result := ExecutionResult{
		ID:        uuid.NewString(),
		CallID:    callID,
		Tool:      t.spec.Name,
		StartedAt: time.Now(),
	}
	ctx = observability.AddToolCallID(ctx, callID)

	finish := func(status Status, output string, err error) ExecutionResult {
		result.Status = status
		result.FinishedAt = time.Now()
		if status == StatusSuccess {
			result.Output = output
		} else {
			result.Err = err
		}
		metricStatus := string(status)
		var verr *InputValidationError
		if errors.As(err, &verr) {
			metricStatus = "invalid_input"
		}
		t.metrics.RecordToolExecution(t.spec.Name, metricStatus, result.Duration().Seconds())
		return result
	}

	if !t.enabled || t.handler == nil {
		return finish(StatusError, "", &NotFoundError{Tool: t.spec.Name})
	}

	validated, err := t.Validate(params)
	if err != nil {
		t.logger.Debug(ctx, "tool parameters rejected", "tool", t.spec.Name, "error", err)
		return finish(StatusError, "", err)
	}

	timeout := t.spec.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	toolCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type execResult struct {
		output string
		err    error
	}
	resultChan := make(chan execResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultChan <- execResult{err: fmt.Errorf("%w: %v", ErrToolPanic, r)}
			}
		}()
		output, err := t.handler.Execute(toolCtx, validated)
		select {
		case resultChan <- execResult{output: output, err: err}:
		default:
		}
	}()

	var res execResult
	select {
	case <-toolCtx.Done():
	case res = <-resultChan:
	}

	switch {
	case res.err == nil && toolCtx.Err() == nil:
		return finish(StatusSuccess, res.output, nil)
	case ctx.Err() != nil:
		return finish(StatusCancelled, "", ctx.Err())
	case errors.Is(toolCtx.Err(), context.DeadlineExceeded):
		t.logger.Warn(ctx, "tool execution timed out", "tool", t.spec.Name, "timeout", timeout.String())
		return finish(StatusTimeout, "", &ExecutionError{
			Tool:       t.spec.Name,
			Kind:       KindTimeout,
			Idempotent: t.spec.Idempotent,
			Err:        fmt.Errorf("tool execution timed out after %v: %w", timeout, context.DeadlineExceeded),
		})
	default:
		return finish(StatusError, "", NewExecutionError(t.spec.Name, t.spec.Idempotent, res.err))
	}
}
