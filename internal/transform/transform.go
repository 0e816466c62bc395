package transform

import (
	"context"
	"errors"

	"content-pipeline/internal/models"
)

var (
	ErrRateLimited        = errors.New("transform rate limited")
	ErrServiceUnavailable = errors.New("transform service unavailable")
	ErrBadResponse        = errors.New("transform bad response")
	ErrIOFailure          = errors.New("transform io failure")
)

// Retryable reports whether the failure is transient and the item should be
// retried on a later pass.
func Retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrServiceUnavailable)
}

// Request is what a stage hands to its transform.
type Request struct {
	Stage string
	Item  models.ContentItem
	// Inputs holds local paths of the localized input artifacts.
	Inputs map[models.ArtifactKind]string
	// Outputs holds the canonical paths the transform must write.
	Outputs map[models.ArtifactKind]string
}

// Result is what a successful transform produced. Artifacts lists the
// written output paths by kind; the remaining fields are merged into the
// item when set.
type Result struct {
	Artifacts map[models.ArtifactKind]string
	Durations map[models.ArtifactKind]float64
	Title     string
	Segments  []models.Segment
	Meta      map[string]any
}

// Transform performs a stage's external operation.
type Transform interface {
	Transform(ctx context.Context, req Request) (Result, error)
}

// Func adapts a function to Transform.
type Func func(ctx context.Context, req Request) (Result, error)

func (f Func) Transform(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}
