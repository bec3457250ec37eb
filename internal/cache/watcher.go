package cache

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/pigeon/internal/bus"
	"github.com/matheus3301/pigeon/internal/store"
)

// Watcher polls the signal counter and replays the recent-message
// window into the store when it advances. Replayed merges are
// idempotent, so re-reading the whole window is safe.
type Watcher struct {
	db       *DB
	store    *store.Store
	bus      *bus.Bus
	logger   *zap.Logger
	interval time.Duration

	last int64
}

func NewWatcher(db *DB, st *store.Store, b *bus.Bus, logger *zap.Logger, interval time.Duration) *Watcher {
	return &Watcher{
		db:       db,
		store:    st,
		bus:      b,
		logger:   logger.Named("cache_watcher"),
		interval: interval,
	}
}

// Run polls until the context is cancelled. The starting counter is
// captured first so a fresh watcher does not re-announce history the
// store already has from bootstrap.
func (w *Watcher) Run(ctx context.Context) {
	if counter, err := w.db.Counter(); err == nil {
		w.last = counter
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.checkOnce()
		}
	}
}

func (w *Watcher) checkOnce() {
	counter, err := w.db.Counter()
	if err != nil {
		w.logger.Warn("signal read failed", zap.Error(err))
		return
	}
	if counter <= w.last {
		return
	}
	w.last = counter

	messages, err := w.db.Recent()
	if err != nil {
		w.logger.Warn("replay read failed", zap.Error(err))
		return
	}

	merged := 0
	for _, msg := range messages {
		if w.store.ApplyInboundMessage(msg) {
			merged++
			w.bus.Publish(bus.Event{
				Kind:      bus.KindMessageUpserted,
				Timestamp: time.Now(),
				Payload: map[string]string{
					"conversation_id": msg.ConversationID,
					"identity":        msg.ID,
				},
			})
		}
	}

	w.bus.Publish(bus.Event{Kind: bus.KindSignal, Timestamp: time.Now(), Payload: counter})
	if merged > 0 {
		w.logger.Debug("replayed cached messages", zap.Int("merged", merged), zap.Int64("counter", counter))
	}
}
