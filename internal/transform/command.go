package transform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"content-pipeline/internal/models"
)

// exitTempFail is EX_TEMPFAIL from sysexits.h.
const exitTempFail = 75

// Command runs an external program. Arguments may reference
// {input.<kind>}, {output.<kind>}, {id}, {padded_id}, {title} and {text}.
type Command struct {
	Argv    []string
	Timeout time.Duration
}

func NewCommand(argv []string, timeout time.Duration) (*Command, error) {
	if len(argv) == 0 {
		return nil, errors.New("command transform needs a program")
	}
	return &Command{Argv: argv, Timeout: timeout}, nil
}

func (c *Command) Transform(ctx context.Context, req Request) (Result, error) {
	args, err := expandArgs(c.Argv, req)
	if err != nil {
		return Result{}, err
	}
	for _, out := range req.Outputs {
		if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
			return Result{}, fmt.Errorf("%w: create output dir: %v", ErrIOFailure, err)
		}
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	// Filesystem timestamps can be coarser than the clock.
	started := time.Now().Add(-time.Second)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		msg := tail(stderr.String(), 512)
		switch {
		case errors.As(err, &exitErr) && exitErr.ExitCode() == exitTempFail:
			return Result{}, fmt.Errorf("%w: %s: %s", ErrServiceUnavailable, args[0], msg)
		case errors.As(err, &exitErr):
			return Result{}, fmt.Errorf("%w: %s exited %d: %s", ErrBadResponse, args[0], exitErr.ExitCode(), msg)
		default:
			return Result{}, fmt.Errorf("%w: run %s: %v", ErrIOFailure, args[0], err)
		}
	}

	res := Result{Artifacts: make(map[models.ArtifactKind]string, len(req.Outputs))}
	for kind, out := range req.Outputs {
		if err := checkFresh(out, started); err != nil {
			return Result{}, err
		}
		res.Artifacts[kind] = out
	}
	return res, nil
}

// checkFresh rejects outputs that are missing, empty or left over from an
// earlier run.
func checkFresh(path string, since time.Time) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: output %s: %v", ErrIOFailure, path, err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%w: output %s is empty", ErrIOFailure, path)
	}
	if info.ModTime().Before(since) {
		return fmt.Errorf("%w: output %s was not written by this run", ErrIOFailure, path)
	}
	return nil
}

func expandArgs(argv []string, req Request) ([]string, error) {
	vars := map[string]string{
		"{id}":        strconv.FormatInt(req.Item.ID, 10),
		"{padded_id}": req.Item.PaddedID(),
		"{title}":     req.Item.Title,
		"{text}":      req.Item.Text(),
		"{stage}":     req.Stage,
	}
	for kind, p := range req.Inputs {
		vars["{input."+string(kind)+"}"] = p
	}
	for kind, p := range req.Outputs {
		vars["{output."+string(kind)+"}"] = p
	}
	out := make([]string, len(argv))
	for i, arg := range argv {
		expanded := arg
		for k, v := range vars {
			expanded = strings.ReplaceAll(expanded, k, v)
		}
		if strings.Contains(expanded, "{input.") || strings.Contains(expanded, "{output.") {
			return nil, fmt.Errorf("%w: unresolved placeholder in %q", ErrIOFailure, arg)
		}
		out[i] = expanded
	}
	return out, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
