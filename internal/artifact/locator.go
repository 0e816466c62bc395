package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"content-pipeline/internal/models"
	"content-pipeline/internal/telemetry"
)

var (
	// ErrArtifactMissing means the record or the file it points at does not exist.
	ErrArtifactMissing = errors.New("artifact missing")
	// ErrLocalityTransfer means every puller failed to copy the file here.
	ErrLocalityTransfer = errors.New("locality transfer failed")
	// ErrTransferTruncated means a copied file is empty or does not match its record.
	ErrTransferTruncated = errors.New("transferred artifact truncated")
)

// Puller copies remotePath on host to localPath.
type Puller interface {
	Name() string
	Pull(ctx context.Context, host, remotePath, localPath string) error
}

// Locator resolves artifact records to files on this host.
type Locator struct {
	hostname     string
	baseDir      string
	pullers      []Puller
	log          *zap.Logger
	waitAttempts int
	waitInterval time.Duration
}

// NewLocator builds a locator. Pullers are tried in order for remote artifacts.
func NewLocator(hostname, baseDir string, log *zap.Logger, pullers ...Puller) *Locator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Locator{
		hostname:     hostname,
		baseDir:      baseDir,
		pullers:      pullers,
		log:          log,
		waitAttempts: 1,
	}
}

// WithFileWait makes same-host lookups poll for a file that has not appeared yet.
func (l *Locator) WithFileWait(attempts int, interval time.Duration) *Locator {
	if attempts < 1 {
		attempts = 1
	}
	l.waitAttempts = attempts
	l.waitInterval = interval
	return l
}

func (l *Locator) Hostname() string { return l.hostname }

func (l *Locator) BaseDir() string { return l.baseDir }

// Path returns the canonical path of an artifact on every host.
func (l *Locator) Path(kind models.ArtifactKind, filename string) string {
	return filepath.Join(l.baseDir, kind.Dir(), filename)
}

// Describe builds the record for a file produced on this host.
func (l *Locator) Describe(path string) (models.Artifact, error) {
	sum, size, err := Digest(path)
	if err != nil {
		return models.Artifact{}, err
	}
	if size == 0 {
		return models.Artifact{}, fmt.Errorf("%w: %s is empty", ErrArtifactMissing, path)
	}
	return models.Artifact{
		Filename: filepath.Base(path),
		Hostname: l.hostname,
		SHA256:   sum,
		Size:     size,
	}, nil
}

// EnsureLocal makes the artifact available at expectedPath. Records owned by
// this host are returned as is once the file exists. Records owned elsewhere
// are pulled and verified against the recorded size and checksum.
func (l *Locator) EnsureLocal(ctx context.Context, rec models.Artifact, expectedPath string) (string, error) {
	if rec.Filename == "" {
		return "", fmt.Errorf("%w: no record for %s", ErrArtifactMissing, expectedPath)
	}
	if rec.Hostname == "" || rec.Hostname == l.hostname {
		if err := l.waitForFile(ctx, expectedPath); err != nil {
			return "", err
		}
		return expectedPath, nil
	}

	// A previous cycle may already have copied it.
	if Verify(expectedPath, rec) == nil {
		return expectedPath, nil
	}
	if len(l.pullers) == 0 {
		return "", fmt.Errorf("%w: %s is on %s and no puller is configured", ErrLocalityTransfer, expectedPath, rec.Hostname)
	}

	var errs []error
	for _, p := range l.pullers {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := p.Pull(ctx, rec.Hostname, expectedPath, expectedPath); err != nil {
			telemetry.TransferCounter.WithLabelValues(p.Name(), "failed").Inc()
			l.log.Warn("artifact pull failed", zap.String("puller", p.Name()), zap.String("host", rec.Hostname), zap.String("path", expectedPath), zap.Error(err))
			errs = append(errs, fmt.Errorf("%w via %s: %v", ErrLocalityTransfer, p.Name(), err))
			continue
		}
		if err := Verify(expectedPath, rec); err != nil {
			telemetry.TransferCounter.WithLabelValues(p.Name(), "truncated").Inc()
			_ = os.Remove(expectedPath)
			errs = append(errs, fmt.Errorf("via %s: %w", p.Name(), err))
			continue
		}
		telemetry.TransferCounter.WithLabelValues(p.Name(), "ok").Inc()
		l.log.Info("artifact localized", zap.String("puller", p.Name()), zap.String("host", rec.Hostname), zap.String("path", expectedPath))
		return expectedPath, nil
	}
	return "", fmt.Errorf("localize %s from %s: %w", expectedPath, rec.Hostname, errors.Join(errs...))
}

func (l *Locator) waitForFile(ctx context.Context, path string) error {
	for attempt := 1; ; attempt++ {
		info, err := os.Stat(path)
		if err == nil && info.Size() > 0 {
			return nil
		}
		if attempt >= l.waitAttempts {
			return fmt.Errorf("%w: %s", ErrArtifactMissing, path)
		}
		timer := time.NewTimer(l.waitInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Verify checks that path exists, is non-empty and matches the record's size
// and checksum when those are known.
func Verify(path string, rec models.Artifact) error {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrArtifactMissing, path)
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%w: %s is empty", ErrTransferTruncated, path)
	}
	if rec.Size > 0 && info.Size() != rec.Size {
		return fmt.Errorf("%w: %s has %d bytes, want %d", ErrTransferTruncated, path, info.Size(), rec.Size)
	}
	if rec.SHA256 == "" {
		return nil
	}
	sum, _, err := Digest(path)
	if err != nil {
		return err
	}
	if sum != rec.SHA256 {
		return fmt.Errorf("%w: %s checksum mismatch", ErrTransferTruncated, path)
	}
	return nil
}

// Digest returns the hex SHA-256 and size of a file.
func Digest(path string) (string, int64, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", 0, fmt.Errorf("%w: %s", ErrArtifactMissing, path)
	}
	if err != nil {
		return "", 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Recoverable reports whether err should trigger a self-healing reset of the
// producing stage.
func Recoverable(err error) bool {
	return errors.Is(err, ErrArtifactMissing) || errors.Is(err, ErrLocalityTransfer) || errors.Is(err, ErrTransferTruncated)
}
