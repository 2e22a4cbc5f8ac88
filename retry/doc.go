// Package retry provides the bounded retry primitive shared by the upload,
// download, and realtime connection paths.
//
// Two backoff shapes are supported: linear (BaseDelay * attempt) for body
// transfers, and capped exponential (min(BaseDelay * 2^attempt, MaxDelay))
// for connection establishment. Each call site configures its own Policy:
//
//	policy := retry.Policy{
//	    MaxAttempts: 3,
//	    BaseDelay:   time.Second,
//	    Backoff:     retry.BackoffLinear,
//	}
//	err := policy.Do(ctx, func(ctx context.Context) error {
//	    return uploadChunk(ctx, i)
//	})
//
// When the budget is spent, Do returns *ExhaustedError wrapping the last
// underlying error. Context cancellation always aborts the loop immediately
// and propagates the context error unwrapped.
package retry
