package sync

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Poller periodically re-fetches the open conversation so missed
// realtime pushes converge within one interval. Merges are idempotent,
// so overlap with the realtime channel is harmless.
type Poller struct {
	engine   *Engine
	logger   *zap.Logger
	interval time.Duration
	cancel   context.CancelFunc
}

func NewPoller(engine *Engine, logger *zap.Logger, interval time.Duration) *Poller {
	return &Poller{
		engine:   engine,
		logger:   logger.Named("poller"),
		interval: interval,
	}
}

// Start begins the catch-up loop.
func (p *Poller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	go p.loop(ctx)
}

// Stop stops the loop.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *Poller) loop(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			open := p.engine.store.OpenConversation()
			if open == "" {
				continue
			}
			if err := p.engine.FetchHistory(ctx, open); err != nil {
				p.logger.Debug("catch-up fetch failed", zap.String("conversation", open), zap.Error(err))
			}
		}
	}
}
