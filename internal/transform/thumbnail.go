package transform

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"

	"content-pipeline/internal/models"
)

// Thumbnail wraps an image generator and crops its output to a fixed frame,
// re-encoded as PNG in place.
type Thumbnail struct {
	Next   Transform
	Width  int
	Height int
}

func NewThumbnail(next Transform, width, height int) *Thumbnail {
	if width <= 0 && height <= 0 {
		width, height = 1280, 720
	}
	return &Thumbnail{Next: next, Width: width, Height: height}
}

func (t *Thumbnail) Transform(ctx context.Context, req Request) (Result, error) {
	res, err := t.Next.Transform(ctx, req)
	if err != nil {
		return res, err
	}
	path, ok := res.Artifacts[models.ArtifactThumbnail]
	if !ok {
		return res, nil
	}
	if err := t.normalise(path); err != nil {
		return Result{}, err
	}
	return res, nil
}

func (t *Thumbnail) normalise(path string) error {
	img, err := imaging.Open(path)
	if err != nil {
		return fmt.Errorf("%w: decode thumbnail: %v", ErrBadResponse, err)
	}
	var out image.Image
	if t.Width > 0 && t.Height > 0 {
		out = imaging.Fill(img, t.Width, t.Height, imaging.Center, imaging.Lanczos)
	} else {
		out = imaging.Resize(img, t.Width, t.Height, imaging.Lanczos)
	}
	if err := imaging.Save(out, path); err != nil {
		return fmt.Errorf("%w: encode thumbnail: %v", ErrIOFailure, err)
	}
	return nil
}
