package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ecanturk/notify-dispatch/internal/observability"
	"github.com/ecanturk/notify-dispatch/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultBatchLimit  = 100
	defaultParallelism = 8
)

// BatchResult aggregates what a single dispatch run did.
type BatchResult struct {
	Claimed int `json:"claimed"`
	Sent    int `json:"sent"`
	Retried int `json:"retried"`
	Failed  int `json:"failed"`
	Dropped int `json:"dropped"`
}

// Runner claims due notifications and dispatches them through the engine
// with bounded parallelism. Multiple runners may execute concurrently; the
// atomic claim guarantees no notification is handed to two of them.
type Runner struct {
	notifications repository.NotificationStore
	engine        *DispatchEngine
	logger        *zap.Logger
	metrics       *observability.Metrics
	batchLimit    int
	parallelism   int
	now           func() time.Time
}

func NewRunner(
	notifications repository.NotificationStore,
	engine *DispatchEngine,
	batchLimit int,
	parallelism int,
	logger *zap.Logger,
) (*Runner, error) {
	if notifications == nil {
		return nil, fmt.Errorf("notification store is required")
	}
	if engine == nil {
		return nil, fmt.Errorf("dispatch engine is required")
	}
	if batchLimit < 1 {
		batchLimit = defaultBatchLimit
	}
	if parallelism < 1 {
		parallelism = defaultParallelism
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Runner{
		notifications: notifications,
		engine:        engine,
		logger:        logger,
		batchLimit:    batchLimit,
		parallelism:   parallelism,
		now:           time.Now,
	}, nil
}

func (r *Runner) SetMetrics(metrics *observability.Metrics) {
	if r == nil {
		return
	}
	r.metrics = metrics
	if r.engine != nil {
		r.engine.SetMetrics(metrics)
	}
}

// RunDueBatch claims up to batchLimit due notifications and dispatches each
// exactly once. Individual attempt errors are logged and counted as dropped;
// only the claim itself can fail the run.
func (r *Runner) RunDueBatch(ctx context.Context, trigger string) (BatchResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	claimed, err := r.notifications.ClaimDue(ctx, r.now().UTC(), r.batchLimit)
	if err != nil {
		return BatchResult{}, fmt.Errorf("failed to claim due notifications: %w", err)
	}

	if r.metrics != nil {
		r.metrics.ObserveClaimBatchSize(len(claimed))
		r.metrics.IncDispatchRun(trigger)
	}
	if len(claimed) == 0 {
		return BatchResult{}, nil
	}

	var sent, retried, failed, dropped atomic.Int64

	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)
	for i := range claimed {
		notification := claimed[i]
		g.Go(func() error {
			result, attemptErr := r.engine.Attempt(groupCtx, notification)
			if attemptErr != nil {
				r.logger.Error("dispatch attempt failed",
					zap.String("notificationId", notification.ID),
					zap.Error(attemptErr),
				)
			}
			switch result {
			case AttemptSent:
				sent.Add(1)
			case AttemptRetried:
				retried.Add(1)
			case AttemptFailed:
				failed.Add(1)
			default:
				dropped.Add(1)
			}
			return nil
		})
	}
	// Goroutines never return errors; Wait only joins them.
	_ = g.Wait()

	result := BatchResult{
		Claimed: len(claimed),
		Sent:    int(sent.Load()),
		Retried: int(retried.Load()),
		Failed:  int(failed.Load()),
		Dropped: int(dropped.Load()),
	}

	r.logger.Info("dispatch run completed",
		zap.String("trigger", trigger),
		zap.Int("claimed", result.Claimed),
		zap.Int("sent", result.Sent),
		zap.Int("retried", result.Retried),
		zap.Int("failed", result.Failed),
		zap.Int("dropped", result.Dropped),
	)

	return result, nil
}
