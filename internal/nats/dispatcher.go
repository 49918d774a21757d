package natsjs

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailsync/internal/eventstore/sqlite"
)

// OutboxStore is the outbox side of the mailbox store
type OutboxStore interface {
	DequeueOutbox(ctx context.Context, limit int) ([]sqlite.OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error
	PruneOutbox(ctx context.Context, age time.Duration) (int, error)
}

// EventPublisher publishes one deduplicated event
type EventPublisher interface {
	Publish(subject string, payload []byte, msgID string) error
}

// Dispatcher drains the outbox into JetStream
type Dispatcher struct {
	Store     OutboxStore
	Publisher EventPublisher
	BatchSize int
	Backoff   time.Duration
	Idle      time.Duration
	Logger    zerolog.Logger

	// Retention is how long published entries are kept; zero keeps them forever
	Retention time.Duration

	// PruneEvery spaces out prune passes, default one hour
	PruneEvery time.Duration
}

// Run continuously dispatches messages from outbox until ctx is done
func (d *Dispatcher) Run(ctx context.Context) {
	idle := d.Idle
	if idle <= 0 {
		idle = 500 * time.Millisecond
	}
	pruneEvery := d.PruneEvery
	if pruneEvery <= 0 {
		pruneEvery = time.Hour
	}
	var lastPrune time.Time

	for {
		if d.Retention > 0 && time.Since(lastPrune) >= pruneEvery {
			if _, err := d.Prune(ctx); err != nil {
				d.Logger.Error().Err(err).Msg("prune outbox")
			}
			lastPrune = time.Now()
		}

		n, err := d.DispatchOnce(ctx)
		if err != nil {
			d.Logger.Error().Err(err).Msg("dequeue outbox")
		}

		wait := time.Duration(0)
		switch {
		case err != nil:
			wait = time.Second
		case n == 0:
			wait = idle
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// DispatchOnce publishes one batch and returns how many entries it handled
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	batch := d.BatchSize
	if batch <= 0 {
		batch = 100
	}
	backoff := d.Backoff
	if backoff <= 0 {
		backoff = 10 * time.Second
	}

	messages, err := d.Store.DequeueOutbox(ctx, batch)
	if err != nil {
		return 0, err
	}

	for _, msg := range messages {
		if err := d.Publisher.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
			d.Logger.Warn().Err(err).Int64("outbox_id", msg.ID).Msg("publish failed, will retry")
			if err := d.Store.MarkOutboxRetry(ctx, msg.ID, backoff); err != nil {
				d.Logger.Error().Err(err).Int64("outbox_id", msg.ID).Msg("mark outbox retry")
			}
			continue
		}
		if err := d.Store.MarkPublished(ctx, msg.ID); err != nil {
			d.Logger.Error().Err(err).Int64("outbox_id", msg.ID).Msg("mark published")
		}
	}
	return len(messages), nil
}

// Prune deletes published entries older than Retention
func (d *Dispatcher) Prune(ctx context.Context) (int, error) {
	if d.Retention <= 0 {
		return 0, nil
	}
	n, err := d.Store.PruneOutbox(ctx, d.Retention)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		d.Logger.Debug().Int("deleted", n).Dur("retention", d.Retention).Msg("outbox pruned")
	}
	return n, nil
}
