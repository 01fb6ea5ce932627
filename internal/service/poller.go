package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const defaultPollInterval = 5 * time.Second

// PollTrigger drives dispatch runs on a fixed interval. It is one of two
// trigger strategies; the other is the one-shot HTTP endpoint used when an
// external cron owns the cadence.
type PollTrigger struct {
	runner   *Runner
	logger   *zap.Logger
	interval time.Duration

	// lastRunAt is a watermark for logs only; claims always re-derive the
	// due set from the store.
	lastRunAt time.Time
}

func NewPollTrigger(runner *Runner, interval time.Duration, logger *zap.Logger) *PollTrigger {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &PollTrigger{
		runner:   runner,
		logger:   logger,
		interval: interval,
	}
}

// Start runs an initial scan, then one per tick until ctx is cancelled.
func (p *PollTrigger) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	p.runOnce(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.runOnce(ctx)
		}
	}
}

func (p *PollTrigger) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	result, err := p.runner.RunDueBatch(ctx, "poll")
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.logger.Error("poll dispatch run failed", zap.Error(err))
		return
	}

	now := time.Now().UTC()
	if result.Claimed > 0 {
		p.logger.Debug("poll dispatch run claimed work",
			zap.Int("claimed", result.Claimed),
			zap.Time("previousRunAt", p.lastRunAt),
		)
	}
	p.lastRunAt = now
}
