package artifact

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"content-pipeline/internal/models"
	"content-pipeline/internal/pipeline"
	"content-pipeline/internal/store"
	"content-pipeline/internal/telemetry"
)

// CheckStore is the store surface the consistency checker needs.
type CheckStore interface {
	ListBatch(ctx context.Context, p store.Predicate, afterID int64, limit int) ([]models.ContentItem, error)
	Update(ctx context.Context, id int64, mutate func(*models.ContentItem) error) (models.ContentItem, error)
}

// CheckSummary reports the outcome of one sweep.
type CheckSummary struct {
	Checked int `json:"checked"`
	Valid   int `json:"valid"`
	Skipped int `json:"skipped"`
	Flagged int `json:"flagged"`
	Updated int `json:"updated"`
}

// Checker sweeps items whose flags claim an artifact exists and resets the
// ones whose file is gone.
type Checker struct {
	store     CheckStore
	pipe      *pipeline.Pipeline
	locator   *Locator
	log       *zap.Logger
	batchSize int
}

func NewChecker(st CheckStore, pipe *pipeline.Pipeline, locator *Locator, log *zap.Logger) *Checker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Checker{store: st, pipe: pipe, locator: locator, log: log, batchSize: store.DefaultBatchSize}
}

// Check verifies every artifact of kind owned by this host. Records owned by
// other hosts are counted as skipped.
func (c *Checker) Check(ctx context.Context, kind models.ArtifactKind) (CheckSummary, error) {
	var sum CheckSummary
	producer, ok := c.pipe.Producer(kind)
	if !ok {
		return sum, fmt.Errorf("no stage produces %s", kind)
	}
	flag := producer.CompletionFlag
	pred := store.Predicate{RequiredTrue: []string{flag}}

	var after int64
	for {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		batch, err := c.store.ListBatch(ctx, pred, after, c.batchSize)
		if err != nil {
			return sum, fmt.Errorf("list %s items: %w", flag, err)
		}
		if len(batch) == 0 {
			break
		}
		after = batch[len(batch)-1].ID

		for _, item := range batch {
			sum.Checked++
			rec, ok := item.ArtifactFor(kind)
			if ok && rec.Hostname != "" && rec.Hostname != c.locator.Hostname() {
				sum.Skipped++
				continue
			}
			if ok {
				if err := Verify(c.locator.Path(kind, rec.Filename), rec); err == nil {
					sum.Valid++
					continue
				} else if !Recoverable(err) {
					return sum, err
				}
			}
			sum.Flagged++
			changed, err := c.reset(ctx, item.ID, kind, flag, rec, ok)
			if err != nil {
				return sum, err
			}
			if changed {
				sum.Updated++
			}
		}
	}
	c.log.Info("consistency check finished",
		zap.String("kind", string(kind)),
		zap.Int("checked", sum.Checked),
		zap.Int("valid", sum.Valid),
		zap.Int("skipped", sum.Skipped),
		zap.Int("flagged", sum.Flagged),
		zap.Int("updated", sum.Updated),
	)
	return sum, nil
}

// reset clears the record and invalidates flag unless the row's artifact no
// longer matches what the sweep read.
func (c *Checker) reset(ctx context.Context, id int64, kind models.ArtifactKind, flag string, swept models.Artifact, hadRecord bool) (bool, error) {
	var changed []string
	_, err := c.store.Update(ctx, id, func(item *models.ContentItem) error {
		if !item.Status.IsTrue(flag) {
			return store.ErrNoChange
		}
		if rec, ok := item.ArtifactFor(kind); ok != hadRecord || (ok && !sameArtifact(rec, swept)) {
			return store.ErrNoChange
		}
		item.ClearArtifact(kind)
		changed = c.pipe.Invalidate(item, flag)
		return nil
	})
	if errors.Is(err, store.ErrNoChange) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reset %s on content %d: %w", flag, id, err)
	}
	for _, f := range changed {
		telemetry.ConsistencyResets.WithLabelValues(f).Inc()
	}
	c.log.Warn("artifact missing, flags reset", zap.Int64("content_id", id), zap.String("kind", string(kind)), zap.Strings("flags", changed))
	return true, nil
}

func sameArtifact(a, b models.Artifact) bool {
	return a.Filename == b.Filename && a.Hostname == b.Hostname && a.SHA256 == b.SHA256 && a.Size == b.Size
}
