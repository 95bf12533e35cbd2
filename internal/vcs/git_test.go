package vcs

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

type scriptedRunner struct {
	mu      sync.Mutex
	calls   []string
	outputs map[string]string
	fail    map[string]bool
}

func (r *scriptedRunner) Run(_ context.Context, cmd Command) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := strings.Join(cmd.Args, " ")
	r.calls = append(r.calls, key)
	if r.fail[key] {
		return []byte(r.outputs[key]), errors.New("exit status 1")
	}
	return []byte(r.outputs[key]), nil
}

func TestGit_SyncWithoutRemote(t *testing.T) {
	t.Parallel()
	r := &scriptedRunner{fail: map[string]bool{"remote get-url origin": true}}
	g := NewGit(r)

	if err := g.Sync(context.Background(), "/work"); err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	for _, c := range r.calls {
		if strings.HasPrefix(c, "pull") {
			t.Errorf("pulled without a remote: %v", r.calls)
		}
	}
}

func TestGit_SyncFailureCarriesOutput(t *testing.T) {
	t.Parallel()
	r := &scriptedRunner{
		outputs: map[string]string{"pull --ff-only origin": "fatal: Not possible to fast-forward"},
		fail:    map[string]bool{"pull --ff-only origin": true},
	}
	err := NewGit(r).Sync(context.Background(), "/work")
	if err == nil || !strings.Contains(err.Error(), "fast-forward") {
		t.Errorf("Sync() error = %v", err)
	}
}

func TestGit_CommitLogParsing(t *testing.T) {
	t.Parallel()
	r := &scriptedRunner{outputs: map[string]string{
		"log --format=%H%x1f%an%x1f%s abc..HEAD": "h2\x1fAda\x1fsecond change\nh1\x1fAda\x1ffirst: with colon",
	}}
	commits, err := NewGit(r).CommitLog(context.Background(), "/work", "abc")
	if err != nil {
		t.Fatalf("CommitLog() error = %v", err)
	}
	if len(commits) != 2 || commits[0].Hash != "h2" || commits[1].Subject != "first: with colon" {
		t.Errorf("CommitLog() = %+v", commits)
	}
}

func TestGit_IsRepo(t *testing.T) {
	t.Parallel()
	yes := &scriptedRunner{outputs: map[string]string{"rev-parse --is-inside-work-tree": "true\n"}}
	if !NewGit(yes).IsRepo(context.Background(), "/work") {
		t.Error("IsRepo() = false")
	}
	no := &scriptedRunner{
		outputs: map[string]string{"rev-parse --is-inside-work-tree": "fatal: not a git repository"},
		fail:    map[string]bool{"rev-parse --is-inside-work-tree": true},
	}
	if NewGit(no).IsRepo(context.Background(), "/work") {
		t.Error("IsRepo() = true outside a repository")
	}
}

func gitAvailable(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for _, args := range [][]string{
		{"init", "-q"},
		{"config", "user.email", "agent@example.com"},
		{"config", "user.name", "Agent"},
		{"config", "commit.gpgsign", "false"},
	} {
		if out, err := exec.Command("git", append([]string{"-C", dir}, args...)...).CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	return dir
}

func TestGit_RealRepository(t *testing.T) {
	gitAvailable(t)
	ctx := context.Background()
	dir := initRepo(t)
	g := NewGit(nil)

	if !g.IsRepo(ctx, dir) {
		t.Fatal("IsRepo() = false for initialised repository")
	}
	if head, err := g.CurrentCommit(ctx, dir); err != nil || head != "" {
		t.Fatalf("CurrentCommit() on empty repo = %q, %v", head, err)
	}

	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	base, err := g.Commit(ctx, dir, "initial")
	if err != nil || base == "" {
		t.Fatalf("Commit() = %q, %v", base, err)
	}

	if err := os.WriteFile(filepath.Join(dir, "new.go"), []byte("package main\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	diff, err := g.DiffSince(ctx, dir, base)
	if err != nil {
		t.Fatalf("DiffSince() error = %v", err)
	}
	if !strings.Contains(diff, "new.go") {
		t.Errorf("DiffSince() missing untracked file:\n%s", diff)
	}

	next, err := g.Commit(ctx, dir, "agent changes")
	if err != nil || next == "" || next == base {
		t.Fatalf("Commit() = %q, %v", next, err)
	}
	if again, err := g.Commit(ctx, dir, "nothing"); err != nil || again != "" {
		t.Errorf("Commit() with clean tree = %q, %v", again, err)
	}

	log, err := g.CommitLog(ctx, dir, base)
	if err != nil || len(log) != 1 || log[0].Subject != "agent changes" {
		t.Errorf("CommitLog() = %+v, %v", log, err)
	}

	if err := g.Sync(ctx, dir); err != nil {
		t.Errorf("Sync() without origin error = %v", err)
	}
}

func TestGit_NotARepository(t *testing.T) {
	gitAvailable(t)
	dir := t.TempDir()
	if NewGit(nil).IsRepo(context.Background(), dir) {
		t.Error("IsRepo() = true for plain directory")
	}
}
