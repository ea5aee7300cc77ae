package oliver

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// RequestQueue throttles outbound model calls to a fixed global rate with
// concurrency 1, protecting the upstream API from bursty request rates no
// matter how many users are chatting at once. Dispatch start times are at
// least the configured interval apart; beyond submission order there's no
// fairness guarantee.
type RequestQueue struct {
	limiter *rate.Limiter

	// dispatchMu enforces global concurrency 1
	dispatchMu sync.Mutex

	inFlight atomic.Int64
	logger   *slog.Logger
	mu       sync.RWMutex // protects limiter swap
}

// NewRequestQueue creates a queue with the configured minimum spacing
// between dispatches.
func NewRequestQueue(config *QueueConfig, logger *slog.Logger) *RequestQueue {
	if logger == nil {
		logger = slog.Default()
	}
	interval := config.Interval
	if interval <= 0 {
		interval = DefaultQueueInterval
	}
	return &RequestQueue{
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		logger:  logger.With(loggerNameKey, "queue"),
	}
}

// Dispatch runs task once the rate limiter allows it and no other task is
// executing. It returns the task's result, or the context's error if the
// wait is abandoned before dispatch.
func (q *RequestQueue) Dispatch(
	ctx context.Context,
	task func(context.Context) (string, error),
) (string, error) {
	q.dispatchMu.Lock()
	defer q.dispatchMu.Unlock()

	queuedAt := time.Now()
	if err := q.waitOnLimiter(ctx); err != nil {
		return "", err
	}

	q.inFlight.Add(1)
	defer q.inFlight.Add(-1)

	q.logger.DebugContext(
		ctx,
		"dispatching model call",
		"queued_for", time.Since(queuedAt),
	)
	return task(ctx)
}

// InFlight reports whether a task is currently executing.
func (q *RequestQueue) InFlight() int64 {
	return q.inFlight.Load()
}

// waitOnLimiter waits for the rate limiter to allow the next request,
// returning any error from the limiter itself.
func (q *RequestQueue) waitOnLimiter(ctx context.Context) error {
	// `rate.Limiter` does not specify that it's safe to concurrently call
	// `Wait` and `SetLimit`, so the limiter is read under the lock rather
	// than held across the wait.
	q.mu.RLock()
	limiter := q.limiter
	q.mu.RUnlock()
	return limiter.Wait(ctx)
}
