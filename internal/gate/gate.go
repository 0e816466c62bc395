package gate

import (
	"context"
	"fmt"

	"content-pipeline/internal/store"
	"content-pipeline/internal/telemetry"
)

// Counter counts items matching a predicate.
type Counter interface {
	Count(ctx context.Context, p store.Predicate) (int, error)
}

// Gate caps how many items may sit between a stage and its throttled successors.
type Gate struct {
	counter Counter
}

func New(counter Counter) *Gate {
	return &Gate{counter: counter}
}

// ShouldThrottle counts items with every requiredTrue flag set and none of
// requiredNotTrueForCompletion set. It reports true once that count reaches
// ceiling. A non-positive ceiling disables the gate.
func (g *Gate) ShouldThrottle(ctx context.Context, requiredTrue, requiredNotTrueForCompletion []string, ceiling int) (bool, int, error) {
	return g.throttled(ctx, store.Predicate{
		RequiredTrue:    requiredTrue,
		RequiredNotTrue: requiredNotTrueForCompletion,
	}, ceiling)
}

func (g *Gate) throttled(ctx context.Context, backlog store.Predicate, ceiling int) (bool, int, error) {
	if ceiling <= 0 {
		return false, 0, nil
	}
	n, err := g.counter.Count(ctx, backlog)
	if err != nil {
		return false, 0, fmt.Errorf("count backlog: %w", err)
	}
	return n >= ceiling, n, nil
}

// Check evaluates a stage's backlog predicate, which may also narrow by
// content type, and records the backlog gauge.
func (g *Gate) Check(ctx context.Context, stage string, backlog store.Predicate, ceiling int) (bool, error) {
	throttled, n, err := g.throttled(ctx, backlog, ceiling)
	if err != nil {
		return false, err
	}
	telemetry.BacklogGauge.WithLabelValues(stage).Set(float64(n))
	if throttled {
		telemetry.ThrottledCounter.WithLabelValues(stage).Inc()
	}
	return throttled, nil
}
