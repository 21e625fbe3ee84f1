package persistence

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/basket/turfbot/internal/bus"
)

// recorderBuffer sizes the recorder's subscription. Publishers wait when it
// is full, so terminal events are never dropped behind a burst of queries.
const recorderBuffer = 1024

// Recorder copies connection and session lifecycle events from the bus into
// the journal.
type Recorder struct {
	store  *Store
	bus    *bus.Bus
	sub    *bus.Subscription
	logger *slog.Logger
}

// NewRecorder subscribes immediately so no event published after it returns
// is missed, even before Run starts. Run must follow, or publishers stall
// once the buffer fills.
func NewRecorder(store *Store, b *bus.Bus, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:  store,
		bus:    b,
		sub:    b.SubscribeLossless("", recorderBuffer),
		logger: logger.With("component", "journal"),
	}
}

// Run writes events until ctx is done, then flushes what is already buffered.
// Write failures are logged and skipped.
func (r *Recorder) Run(ctx context.Context) error {
	defer r.bus.Unsubscribe(r.sub)
	// Writes outlive cancellation so shutdown does not lose close events.
	writeCtx := context.WithoutCancel(ctx)
	for {
		select {
		case ev, ok := <-r.sub.Ch():
			if !ok {
				return nil
			}
			r.record(writeCtx, ev)
		case <-ctx.Done():
			r.drain(writeCtx)
			return nil
		}
	}
}

func (r *Recorder) drain(ctx context.Context) {
	for {
		select {
		case ev, ok := <-r.sub.Ch():
			if !ok {
				return
			}
			r.record(ctx, ev)
		default:
			return
		}
	}
}

func (r *Recorder) record(ctx context.Context, ev bus.Event) {
	if err := r.apply(ctx, ev); err != nil {
		r.logger.Warn("journal write failed", "topic", ev.Topic, "error", err)
	}
}

func (r *Recorder) apply(ctx context.Context, ev bus.Event) error {
	switch p := ev.Payload.(type) {
	case bus.ConnectionEvent:
		switch ev.Topic {
		case bus.TopicConnectionOpened:
			return r.store.RecordConnectionOpened(ctx, p.ConnID, p.RemoteAddr, p.Path, p.At)
		case bus.TopicConnectionClosed:
			return r.store.RecordConnectionClosed(ctx, p.ConnID, p.At)
		}
	case bus.SessionEvent:
		switch ev.Topic {
		case bus.TopicSessionCreated:
			return r.store.RecordSessionCreated(ctx, p.ConnID, p.SessionID, p.Bot, p.Deck, p.At)
		case bus.TopicSessionQueried:
			return r.store.RecordSessionQueried(ctx, p.SessionID, p.Queries, p.At)
		case bus.TopicSessionFinalized:
			return r.store.RecordSessionFinalized(ctx, p.SessionID, p.Queries, p.At)
		}
	default:
		return fmt.Errorf("unexpected payload %T", ev.Payload)
	}
	return nil
}
