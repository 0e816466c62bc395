package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"content-pipeline/internal/models"
	"content-pipeline/internal/queue"
	"content-pipeline/internal/store"
)

// Poll runs one cycle against the oldest eligible item and returns how long
// to wait before the next one.
func (p *Processor) Poll(ctx context.Context) (time.Duration, error) {
	return p.Delay(p.RunOnce(ctx, Target{})), nil
}

// Consume takes the next notification from the stage's input queue. Messages
// are hints: the item is re-checked against the store before it is processed,
// and an empty queue falls back to Poll so nothing is stranded by a lost
// notification.
func (p *Processor) Consume(ctx context.Context) (time.Duration, error) {
	if p.stage.InputQueue == "" {
		return p.Poll(ctx)
	}
	if p.stage.Gated() {
		throttled, err := p.gate.Check(ctx, p.stage.Name, p.backlogPredicate(), p.ceiling)
		if err != nil {
			p.log.Error("backpressure check", zap.Error(err))
			return p.failure, nil
		}
		if throttled {
			return p.throttle, nil
		}
	}

	msg, err := p.notifier.Pop(ctx, p.stage.InputQueue)
	if err != nil {
		if errors.Is(err, queue.ErrMalformed) {
			p.log.Warn("dropping malformed notification", zap.Error(err))
			return 0, nil
		}
		p.log.Warn("queue unavailable, scanning store", zap.Error(err))
		return p.Poll(ctx)
	}
	if msg == nil {
		return p.Poll(ctx)
	}
	if msg.Hostname != "" && msg.Hostname != p.locator.Hostname() {
		p.log.Debug("taking work produced on another host",
			zap.Int64("content_id", msg.ContentID), zap.String("from", msg.Hostname))
	}

	res := p.RunOnce(ctx, Target{ID: msg.ContentID})
	switch res.Outcome {
	case OutcomeFailed, OutcomeRateLimited:
		if err := msg.Nack(ctx, true); err != nil {
			p.log.Warn("requeue notification", zap.Int64("content_id", msg.ContentID), zap.Error(err))
		}
	default:
		if err := msg.Ack(ctx); err != nil {
			p.log.Warn("ack notification", zap.Int64("content_id", msg.ContentID), zap.Error(err))
		}
	}
	return p.Delay(res), nil
}

// Regenerate archives an item's current output and clears its flags so the
// pipeline produces it again from the first stage.
func Regenerate(ctx context.Context, st Store, id int64, now time.Time) (models.ContentItem, error) {
	item, err := st.Update(ctx, id, func(item *models.ContentItem) error {
		item.Supersede(now)
		return nil
	})
	if errors.Is(err, store.ErrNoChange) {
		return item, nil
	}
	return item, err
}
