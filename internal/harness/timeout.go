package harness

import (
	"context"
	"time"
)

type timeoutExecutor struct {
	inner   Executor
	timeout time.Duration
}

// WithTimeout bounds each turn with a deadline. A zero or negative
// timeout returns the executor unchanged.
func WithTimeout(inner Executor, timeout time.Duration) Executor {
	if timeout <= 0 {
		return inner
	}
	return &timeoutExecutor{inner: inner, timeout: timeout}
}

func (t *timeoutExecutor) ExecuteTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	turnCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.inner.ExecuteTurn(turnCtx, req)
}
