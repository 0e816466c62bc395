package artifact

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Rsync pulls files over ssh with the rsync binary.
type Rsync struct {
	Path string
	User string
	Args []string

	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func NewRsync(path, user string, args []string) *Rsync {
	if path == "" {
		path = "rsync"
	}
	if len(args) == 0 {
		args = []string{"-a"}
	}
	return &Rsync{Path: path, User: user, Args: args, run: runCommand}
}

func (r *Rsync) Name() string { return "rsync" }

func (r *Rsync) Pull(ctx context.Context, host, remotePath, localPath string) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("create dirs: %w", err)
	}
	src := host + ":" + remotePath
	if r.User != "" {
		src = r.User + "@" + src
	}
	args := append(append([]string(nil), r.Args...), src, localPath)
	out, err := r.run(ctx, r.Path, args...)
	if err != nil {
		return fmt.Errorf("rsync %s: %w: %s", src, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}
