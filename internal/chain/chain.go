// Package chain mirrors ledger entries into an external tamper-evident history.
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Entry is the content mirrored for one completed step.
type Entry struct {
	EventID     string    `json:"event_id"`
	EventName   string    `json:"event_name"`
	StepID      string    `json:"step_id"`
	StepName    string    `json:"step_name"`
	VendorEmail string    `json:"vendor_email"`
	Files       []string  `json:"files"`
	Comments    string    `json:"comments,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	LedgerHash  string    `json:"ledger_hash"`
}

type Store interface {
	Init(ctx context.Context, eventID, eventName string) error
	// Commit records e and returns the external reference of the new position.
	Commit(ctx context.Context, e Entry) (string, error)
}

// Noop mirrors nothing. Ledger entries keep a null external reference.
type Noop struct{}

func (Noop) Init(context.Context, string, string) error { return nil }

func (Noop) Commit(context.Context, Entry) (string, error) { return "", nil }

// Git keeps one local git repository per event under Dir.
type Git struct {
	Dir         string
	AuthorName  string
	AuthorEmail string
}

func NewGit(dir string) *Git {
	return &Git{Dir: dir, AuthorName: "GitDone", AuthorEmail: "noreply@gitdone.local"}
}

func (g *Git) repoDir(eventID string) string {
	return filepath.Join(g.Dir, eventID)
}

// Init creates the event repository with an initial commit. Existing repositories are left alone.
func (g *Git) Init(ctx context.Context, eventID, eventName string) error {
	dir := g.repoDir(eventID)
	if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	if _, err := g.git(ctx, dir, "init", "--quiet"); err != nil {
		return fmt.Errorf("git init: %w", err)
	}
	readme := fmt.Sprintf("# %s\n\nEvent %s. Each commit records one completed step.\n", eventName, eventID)
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte(readme), 0o644); err != nil {
		return fmt.Errorf("write readme: %w", err)
	}
	if _, err := g.git(ctx, dir, "add", "README.md"); err != nil {
		return fmt.Errorf("git add: %w", err)
	}
	if _, err := g.git(ctx, dir, "commit", "--quiet", "-m", "Initialize event "+eventName); err != nil {
		return fmt.Errorf("git commit: %w", err)
	}
	return nil
}

// Commit writes steps/<id>/metadata.json, appends to SUMMARY.md and returns the new HEAD.
func (g *Git) Commit(ctx context.Context, e Entry) (string, error) {
	dir := g.repoDir(e.EventID)
	stepDir := filepath.Join(dir, "steps", e.StepID)
	if err := os.MkdirAll(stepDir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir: %w", err)
	}
	meta, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(stepDir, "metadata.json"), append(meta, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("write metadata: %w", err)
	}
	if err := appendSummary(filepath.Join(dir, "SUMMARY.md"), e); err != nil {
		return "", fmt.Errorf("write summary: %w", err)
	}
	if _, err := g.git(ctx, dir, "add", "-A"); err != nil {
		return "", fmt.Errorf("git add: %w", err)
	}
	msg := fmt.Sprintf("Complete step %s\n\nVendor: %s\nLedger: %s", e.StepName, e.VendorEmail, e.LedgerHash)
	if _, err := g.git(ctx, dir, "commit", "--quiet", "-m", msg); err != nil {
		return "", fmt.Errorf("git commit: %w", err)
	}
	out, err := g.git(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse: %w", err)
	}
	return strings.TrimSpace(out), nil
}

func appendSummary(path string, e Entry) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	line := fmt.Sprintf("- %s: **%s** completed by %s (%d files)\n", e.Timestamp.UTC().Format(time.RFC3339), e.StepName, e.VendorEmail, len(e.Files))
	_, err = f.WriteString(line)
	return err
}

func (g *Git) git(ctx context.Context, dir string, args ...string) (string, error) {
	full := append([]string{"-c", "user.name=" + g.AuthorName, "-c", "user.email=" + g.AuthorEmail, "-c", "commit.gpgsign=false"}, args...)
	cmd := exec.CommandContext(ctx, "git", full...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
