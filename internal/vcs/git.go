// Package vcs wraps the git operations the orchestrator performs around an
// execution: sync before, diff and optional commit after. A work directory
// that is not a repository is a normal condition, not an error.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// Command is one external command invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
	Env  []string
}

// CommandRunner runs commands and returns their combined output.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) ([]byte, error)
}

// ExecCommandRunner runs commands with os/exec.
type ExecCommandRunner struct{}

// Run implements CommandRunner.
func (ExecCommandRunner) Run(ctx context.Context, cmd Command) ([]byte, error) {
	command := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	if cmd.Dir != "" {
		command.Dir = cmd.Dir
	}
	if len(cmd.Env) > 0 {
		command.Env = append(os.Environ(), cmd.Env...)
	}
	return command.CombinedOutput()
}

// CommitInfo is one entry of a commit log.
type CommitInfo struct {
	Hash    string `json:"hash"`
	Author  string `json:"author"`
	Subject string `json:"subject"`
}

// maxDiffBytes caps the diff kept for a job.
const maxDiffBytes = 256 * 1024

// Git runs git commands through a CommandRunner.
type Git struct {
	runner CommandRunner
	env    []string
	logger *slog.Logger
}

// NewGit creates a Git collaborator. A nil runner uses ExecCommandRunner.
func NewGit(runner CommandRunner) *Git {
	if runner == nil {
		runner = ExecCommandRunner{}
	}
	return &Git{
		runner: runner,
		// Never block on credential prompts.
		env:    []string{"GIT_TERMINAL_PROMPT=0"},
		logger: slog.With("component", "vcs"),
	}
}

func (g *Git) git(ctx context.Context, dir string, args ...string) (string, error) {
	out, err := g.runner.Run(ctx, Command{Name: "git", Args: args, Dir: dir, Env: g.env})
	text := strings.TrimSpace(string(out))
	if err != nil {
		if text == "" {
			return "", fmt.Errorf("git %s: %w", args[0], err)
		}
		return text, fmt.Errorf("git %s: %s: %w", args[0], text, err)
	}
	return text, nil
}

// IsRepo reports whether dir is inside a git work tree.
func (g *Git) IsRepo(ctx context.Context, dir string) bool {
	out, err := g.git(ctx, dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// CurrentCommit returns HEAD. It returns "" without error for a repository
// that has no commits yet.
func (g *Git) CurrentCommit(ctx context.Context, dir string) (string, error) {
	out, err := g.git(ctx, dir, "rev-parse", "--verify", "--quiet", "HEAD")
	if err != nil {
		if out == "" {
			return "", nil
		}
		return "", err
	}
	return out, nil
}

// HasRemote reports whether dir has an origin remote.
func (g *Git) HasRemote(ctx context.Context, dir string) bool {
	_, err := g.git(ctx, dir, "remote", "get-url", "origin")
	return err == nil
}

// Sync fast-forwards the current branch from origin. Repositories without
// an origin are left alone.
func (g *Git) Sync(ctx context.Context, dir string) error {
	if !g.HasRemote(ctx, dir) {
		return nil
	}
	if _, err := g.git(ctx, dir, "pull", "--ff-only", "origin"); err != nil {
		return err
	}
	return nil
}

// DiffSince returns the diff of the work tree, including untracked files,
// against commit. The result is truncated to maxDiffBytes.
func (g *Git) DiffSince(ctx context.Context, dir, commit string) (string, error) {
	if commit == "" {
		return "", errors.New("no base commit")
	}
	// Intent-to-add makes untracked files show up in the diff without staging content.
	if _, err := g.git(ctx, dir, "add", "--intent-to-add", "--all"); err != nil {
		g.logger.Debug("Could not mark untracked files", "dir", dir, "error", err)
	}
	out, err := g.git(ctx, dir, "diff", commit)
	if err != nil {
		return "", err
	}
	if len(out) > maxDiffBytes {
		out = out[:maxDiffBytes] + "\n... diff truncated ..."
	}
	return out, nil
}

// CommitLog returns commits reachable from HEAD but not from since, newest first.
func (g *Git) CommitLog(ctx context.Context, dir, since string) ([]CommitInfo, error) {
	args := []string{"log", "--format=%H%x1f%an%x1f%s"}
	if since != "" {
		args = append(args, since+"..HEAD")
	}
	out, err := g.git(ctx, dir, args...)
	if err != nil {
		return nil, err
	}
	var commits []CommitInfo
	for _, line := range strings.Split(out, "\n") {
		parts := strings.SplitN(line, "\x1f", 3)
		if len(parts) != 3 {
			continue
		}
		commits = append(commits, CommitInfo{Hash: parts[0], Author: parts[1], Subject: parts[2]})
	}
	return commits, nil
}

// Commit stages everything and commits it. It returns the new commit hash,
// or "" when there was nothing to commit.
func (g *Git) Commit(ctx context.Context, dir, message string) (string, error) {
	if _, err := g.git(ctx, dir, "add", "--all"); err != nil {
		return "", err
	}
	status, err := g.git(ctx, dir, "status", "--porcelain")
	if err != nil {
		return "", err
	}
	if status == "" {
		return "", nil
	}
	if _, err := g.git(ctx, dir, "commit", "--no-verify", "-m", message); err != nil {
		return "", err
	}
	return g.CurrentCommit(ctx, dir)
}

// Push pushes the current branch to origin.
func (g *Git) Push(ctx context.Context, dir string) error {
	_, err := g.git(ctx, dir, "push", "origin", "HEAD")
	return err
}
