package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"content-pipeline/internal/models"
)

// HTTP posts the item to a generation service. A JSON reply is merged into
// the item; any other reply body is written to the stage's single output.
// 429 and 503 replies are retried a few times before giving up.
type HTTP struct {
	Endpoint    string
	Client      *http.Client
	Retries     int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	MaxBytes    int64
}

func NewHTTP(endpoint string, timeout time.Duration, retries int, backoff time.Duration) *HTTP {
	return &HTTP{
		Endpoint:    endpoint,
		Client:      &http.Client{Timeout: timeout},
		Retries:     retries,
		BackoffBase: backoff,
		BackoffMax:  time.Minute,
		MaxBytes:    512 * 1024 * 1024,
	}
}

type httpRequest struct {
	Stage     string                         `json:"stage"`
	ContentID int64                          `json:"content_id"`
	Title     string                         `json:"title"`
	Segments  []models.Segment               `json:"segments"`
	Meta      map[string]any                 `json:"meta,omitempty"`
	Inputs    map[models.ArtifactKind]string `json:"inputs,omitempty"`
	Outputs   map[models.ArtifactKind]string `json:"outputs,omitempty"`
}

type httpResponse struct {
	Title     string                          `json:"title"`
	Segments  []models.Segment                `json:"segments"`
	Meta      map[string]any                  `json:"meta"`
	Durations map[models.ArtifactKind]float64 `json:"durations"`
}

func (h *HTTP) Transform(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(httpRequest{
		Stage:     req.Stage,
		ContentID: req.Item.ID,
		Title:     req.Item.Title,
		Segments:  req.Item.Segments,
		Meta:      req.Item.Meta,
		Inputs:    req.Inputs,
		Outputs:   req.Outputs,
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: encode request: %v", ErrIOFailure, err)
	}

	var lastErr error
	for attempt := 0; attempt <= h.Retries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, h.retryDelay(lastErr, attempt)); err != nil {
				return Result{}, err
			}
		}
		res, err := h.do(ctx, body, req)
		if err == nil || !Retryable(err) {
			return res, err
		}
		lastErr = err
	}
	return Result{}, lastErr
}

type retryAfterError struct {
	err   error
	delay time.Duration
}

func (e *retryAfterError) Error() string { return e.err.Error() }
func (e *retryAfterError) Unwrap() error { return e.err }

func (h *HTTP) retryDelay(lastErr error, attempt int) time.Duration {
	var ra *retryAfterError
	if errors.As(lastErr, &ra) && ra.delay > 0 {
		return ra.delay
	}
	return backoffWithJitter(h.BackoffBase, h.BackoffMax, attempt)
}

func (h *HTTP) do(ctx context.Context, body []byte, req Request) (Result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("%w: build request: %v", ErrIOFailure, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := h.Client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return Result{}, &retryAfterError{err: fmt.Errorf("%w: %s", ErrRateLimited, resp.Status), delay: retryAfter(resp)}
	case resp.StatusCode == http.StatusServiceUnavailable:
		return Result{}, &retryAfterError{err: fmt.Errorf("%w: %s", ErrServiceUnavailable, resp.Status), delay: retryAfter(resp)}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, fmt.Errorf("%w: %s: %s", ErrBadResponse, resp.Status, bytes.TrimSpace(snippet))
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var parsed httpResponse
		if err := json.NewDecoder(io.LimitReader(resp.Body, h.MaxBytes)).Decode(&parsed); err != nil {
			return Result{}, fmt.Errorf("%w: decode reply: %v", ErrBadResponse, err)
		}
		res := Result{Title: parsed.Title, Segments: parsed.Segments, Meta: parsed.Meta, Durations: parsed.Durations}
		if len(req.Outputs) > 0 {
			// The service wrote the outputs itself, on a shared path.
			res.Artifacts = make(map[models.ArtifactKind]string, len(req.Outputs))
			for kind, out := range req.Outputs {
				if err := checkFresh(out, time.Time{}); err != nil {
					return Result{}, err
				}
				res.Artifacts[kind] = out
			}
		}
		return res, nil
	}

	if len(req.Outputs) != 1 {
		return Result{}, fmt.Errorf("%w: binary reply needs exactly one output, stage declares %d", ErrBadResponse, len(req.Outputs))
	}
	for kind, out := range req.Outputs {
		if err := writeBody(out, io.LimitReader(resp.Body, h.MaxBytes)); err != nil {
			return Result{}, err
		}
		return Result{Artifacts: map[models.ArtifactKind]string{kind: out}}, nil
	}
	return Result{}, nil
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

func writeBody(path string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: create dirs: %v", ErrIOFailure, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".transform-*")
	if err != nil {
		return fmt.Errorf("%w: temp file: %v", ErrIOFailure, err)
	}
	defer os.Remove(tmp.Name())
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrIOFailure, path, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: empty reply body", ErrBadResponse)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("%w: %v", ErrIOFailure, err)
	}
	return nil
}
