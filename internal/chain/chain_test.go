package chain

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestGitCommitReturnsHead(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not found in PATH")
	}
	ctx := context.Background()
	g := NewGit(t.TempDir())
	if err := g.Init(ctx, "e1", "Wedding"); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := g.Init(ctx, "e1", "Wedding"); err != nil {
		t.Fatalf("second init: %v", err)
	}

	ref, err := g.Commit(ctx, Entry{
		EventID:     "e1",
		EventName:   "Wedding",
		StepID:      "s1",
		StepName:    "Flowers",
		VendorEmail: "florist@example.com",
		Files:       []string{"abc.jpg"},
		Timestamp:   time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC),
		LedgerHash:  "deadbeef",
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(ref) != 40 {
		t.Fatalf("expected a full commit hash, got %q", ref)
	}
	meta, err := os.ReadFile(filepath.Join(g.Dir, "e1", "steps", "s1", "metadata.json"))
	if err != nil {
		t.Fatalf("read metadata: %v", err)
	}
	if !strings.Contains(string(meta), "florist@example.com") {
		t.Fatalf("metadata missing vendor: %s", meta)
	}
	summary, err := os.ReadFile(filepath.Join(g.Dir, "e1", "SUMMARY.md"))
	if err != nil {
		t.Fatalf("read summary: %v", err)
	}
	if !strings.Contains(string(summary), "**Flowers**") {
		t.Fatalf("summary missing step: %s", summary)
	}
}

func TestNoop(t *testing.T) {
	ref, err := Noop{}.Commit(context.Background(), Entry{})
	if err != nil || ref != "" {
		t.Fatalf("noop commit = %q, %v", ref, err)
	}
}
