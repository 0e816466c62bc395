package main

import (
	"os"
	"path/filepath"
	"testing"
)

func writeStages(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stages.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write stages: %v", err)
	}
	return path
}
