// Package worktree coordinates the git side of an agent's life: a
// dedicated worktree and branch per agent, a local-merge protocol with
// conflict reporting, and the push-and-open-PR path. All operations
// serialize their shell invocations; git is always invoked with an
// argv array, never through a shell.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

var (
	// ErrNotGitRepository reports a source path without a git repo.
	ErrNotGitRepository = errors.New("not a git repository")
	// ErrTargetBranchUnknown reports that no merge target could be
	// determined (no origin/HEAD, no local main or master).
	ErrTargetBranchUnknown = errors.New("cannot determine target branch")
)

const autoCommitMessage = "Auto-commit agent changes before merge"

// MergeResult reports the outcome of TryLocalMerge.
type MergeResult struct {
	Success      bool     `json:"success"`
	Branch       string   `json:"branch"`
	TargetBranch string   `json:"targetBranch"`
	Conflicts    []string `json:"conflicts,omitempty"`
	Message      string   `json:"message,omitempty"`
}

// Coordinator creates and removes per-agent worktrees under a base
// directory and runs merges against the source repository.
type Coordinator struct {
	baseDir string
	mu      sync.Mutex
}

// NewCoordinator creates a Coordinator rooted at baseDir.
func NewCoordinator(baseDir string) *Coordinator {
	return &Coordinator{baseDir: baseDir}
}

// DefaultBaseDir returns <home>/.aiagent-console/worktrees.
func DefaultBaseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".aiagent-console", "worktrees")
	}
	return filepath.Join(home, ".aiagent-console", "worktrees")
}

// WorkDir returns the worktree path assigned to an agent.
func (c *Coordinator) WorkDir(agentID string) string {
	return filepath.Join(c.baseDir, agentID)
}

// Create adds a worktree for the agent, creating branchName if it does
// not exist yet. Returns the worktree path and the branch it tracks.
func (c *Coordinator) Create(sourceRepo, agentID, branchName string) (string, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := gitOut(sourceRepo, "rev-parse", "--git-dir"); err != nil {
		return "", "", fmt.Errorf("%w: %s", ErrNotGitRepository, sourceRepo)
	}

	workDir := c.WorkDir(agentID)
	if err := os.MkdirAll(c.baseDir, 0o755); err != nil {
		return "", "", fmt.Errorf("create worktree base dir: %w", err)
	}

	// Attach to the branch when it exists, otherwise create it.
	if _, err := gitOut(sourceRepo, "rev-parse", "--verify", "refs/heads/"+branchName); err == nil {
		if err := gitRun(sourceRepo, "worktree", "add", workDir, branchName); err != nil {
			return "", "", err
		}
	} else {
		if err := gitRun(sourceRepo, "worktree", "add", "-b", branchName, workDir); err != nil {
			return "", "", err
		}
	}

	return workDir, branchName, nil
}

// Remove force-removes the agent's worktree. When git refuses, it falls
// back to a recursive filesystem delete followed by a prune. Idempotent;
// residual failures are logged and swallowed.
func (c *Coordinator) Remove(sourceRepo, agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	workDir := c.WorkDir(agentID)
	if err := gitRun(sourceRepo, "worktree", "remove", workDir, "--force"); err != nil {
		if rmErr := os.RemoveAll(workDir); rmErr != nil {
			slog.Warn("failed to remove worktree directory", "workdir", workDir, "error", rmErr)
		}
		if pruneErr := gitRun(sourceRepo, "worktree", "prune"); pruneErr != nil {
			slog.Warn("worktree prune failed", "repo", sourceRepo, "error", pruneErr)
		}
	}
}

// TryLocalMerge merges the worktree's branch into the target branch of
// the source repository. Uncommitted worktree changes are auto-committed
// first. On conflict the merge is aborted and the source repo's original
// branch restored; the source repo ends on the target branch only after
// a successful merge.
func (c *Coordinator) TryLocalMerge(workDir, targetOverride string) (*MergeResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	branch, err := gitOut(workDir, "branch", "--show-current")
	if err != nil {
		return nil, fmt.Errorf("resolve worktree branch: %w", err)
	}

	sourceRepo, err := mainWorktreePath(workDir)
	if err != nil {
		return nil, err
	}

	target := targetOverride
	if target == "" {
		target, err = defaultTargetBranch(sourceRepo)
		if err != nil {
			return nil, err
		}
	}

	// Auto-commit anything loose in the worktree so the merge sees it.
	dirty, err := gitOut(workDir, "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("worktree status: %w", err)
	}
	if strings.TrimSpace(dirty) != "" {
		if err := gitRun(workDir, "add", "-A"); err != nil {
			return nil, err
		}
		if err := gitRun(workDir, "commit", "-m", autoCommitMessage); err != nil {
			return nil, err
		}
	}

	originalBranch, err := gitOut(sourceRepo, "branch", "--show-current")
	if err != nil {
		return nil, fmt.Errorf("resolve source branch: %w", err)
	}

	// Whatever happens from here, a failed merge must leave the source
	// repo back on its original branch.
	merged := false
	defer func() {
		if !merged && originalBranch != "" {
			if err := gitRun(sourceRepo, "checkout", originalBranch); err != nil {
				slog.Error("failed to restore source branch", "repo", sourceRepo, "branch", originalBranch, "error", err)
			}
		}
	}()

	if err := gitRun(sourceRepo, "checkout", target); err != nil {
		return nil, err
	}

	if mergeErr := gitRun(sourceRepo, "merge", "--no-edit", branch); mergeErr != nil {
		conflicts := unmergedFiles(sourceRepo)
		if err := gitRun(sourceRepo, "merge", "--abort"); err != nil {
			slog.Warn("merge abort failed", "repo", sourceRepo, "error", err)
		}
		return &MergeResult{
			Success:      false,
			Branch:       branch,
			TargetBranch: target,
			Conflicts:    conflicts,
			Message:      mergeErr.Error(),
		}, nil
	}

	merged = true
	return &MergeResult{Success: true, Branch: branch, TargetBranch: target}, nil
}

// CreatePullRequest pushes the worktree's branch (with upstream, retried
// with backoff on transient failures) and opens a PR via the gh CLI.
// Returns the CLI's stdout, trimmed — the PR URL.
func (c *Coordinator) CreatePullRequest(ctx context.Context, workDir, title, body string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	branch, err := gitOut(workDir, "branch", "--show-current")
	if err != nil {
		return "", fmt.Errorf("resolve worktree branch: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 1 * time.Second
	bo.MaxInterval = 5 * time.Second
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, gitRun(workDir, "push", "-u", "origin", branch)
	}, backoff.WithBackOff(bo), backoff.WithMaxElapsedTime(15*time.Second))
	if err != nil {
		return "", fmt.Errorf("push branch: %w", err)
	}

	cmd := exec.Command("gh", "pr", "create", "--title", title, "--body", body)
	cmd.Dir = workDir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("gh pr create: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Status returns the porcelain status of the worktree.
func (c *Coordinator) Status(workDir string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gitOutRaw(workDir, "status", "--porcelain")
}

// Diff returns the unstaged diff of the worktree.
func (c *Coordinator) Diff(workDir string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gitOutRaw(workDir, "diff")
}

// mainWorktreePath resolves the source repository of a linked worktree:
// the first entry of `git worktree list --porcelain` is the main one.
func mainWorktreePath(workDir string) (string, error) {
	out, err := gitOut(workDir, "worktree", "list", "--porcelain")
	if err != nil {
		return "", fmt.Errorf("worktree list: %w", err)
	}
	for _, line := range strings.Split(out, "\n") {
		if path, ok := strings.CutPrefix(line, "worktree "); ok {
			return path, nil
		}
	}
	return "", fmt.Errorf("no main worktree entry for %s", workDir)
}

// defaultTargetBranch picks origin/HEAD when available, then the first
// of main, master that exists locally.
func defaultTargetBranch(sourceRepo string) (string, error) {
	if ref, err := gitOut(sourceRepo, "symbolic-ref", "refs/remotes/origin/HEAD"); err == nil {
		if name, ok := strings.CutPrefix(ref, "refs/remotes/origin/"); ok && name != "" {
			return name, nil
		}
	}
	for _, name := range []string{"main", "master"} {
		if _, err := gitOut(sourceRepo, "rev-parse", "--verify", "refs/heads/"+name); err == nil {
			return name, nil
		}
	}
	return "", ErrTargetBranchUnknown
}

func unmergedFiles(repo string) []string {
	out, err := gitOut(repo, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files
}

// gitOut runs git in dir and returns trimmed stdout.
func gitOut(dir string, args ...string) (string, error) {
	out, err := gitOutRaw(dir, args...)
	return strings.TrimSpace(out), err
}

// gitOutRaw runs git in dir and returns raw stdout.
func gitOutRaw(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
	}
	return string(out), nil
}

// gitRun runs a mutating git command, folding stderr into the error.
func gitRun(dir string, args ...string) error {
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(string(out)))
	}
	return nil
}
