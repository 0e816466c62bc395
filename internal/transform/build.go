package transform

import (
	"fmt"
	"time"

	"content-pipeline/internal/models"
)

// Spec selects and configures a stage's transform.
type Spec struct {
	Stage    string
	Command  []string
	Endpoint string
	Timeout  time.Duration
	Retries  int
	Backoff  time.Duration
	Outputs  []models.ArtifactKind
}

// Build returns the transform for a stage: a command when one is configured,
// otherwise an HTTP endpoint. Thumbnail producers are wrapped with the
// normaliser.
func Build(spec Spec) (Transform, error) {
	var t Transform
	switch {
	case len(spec.Command) > 0:
		cmd, err := NewCommand(spec.Command, spec.Timeout)
		if err != nil {
			return nil, err
		}
		t = cmd
	case spec.Endpoint != "":
		t = NewHTTP(spec.Endpoint, spec.Timeout, spec.Retries, spec.Backoff)
	default:
		return nil, fmt.Errorf("stage %s has neither a command nor an endpoint configured", spec.Stage)
	}
	for _, kind := range spec.Outputs {
		if kind == models.ArtifactThumbnail {
			return NewThumbnail(t, 1280, 720), nil
		}
	}
	return t, nil
}
