package worktree

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return strings.TrimSpace(string(out))
}

// initRepo creates a git repository on branch main with one commit
// containing x.txt.
func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init")
	runGit(t, dir, "config", "user.email", "console@test.invalid")
	runGit(t, dir, "config", "user.name", "Console Test")
	runGit(t, dir, "config", "commit.gpgsign", "false")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x.txt"), []byte("line1\n"), 0o644))
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "initial")
	runGit(t, dir, "branch", "-M", "main")
	return dir
}

func newCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	return NewCoordinator(filepath.Join(t.TempDir(), "worktrees"))
}

func TestCreate_NewBranch(t *testing.T) {
	repo := initRepo(t)
	c := newCoordinator(t)

	workDir, branch, err := c.Create(repo, "ag1", "agent/ag1")
	require.NoError(t, err)
	assert.Equal(t, "agent/ag1", branch)
	assert.DirExists(t, workDir)
	assert.FileExists(t, filepath.Join(workDir, "x.txt"))

	// The branch now exists in the source repo.
	runGit(t, repo, "rev-parse", "--verify", "refs/heads/agent/ag1")
}

func TestCreate_ExistingBranchAttaches(t *testing.T) {
	repo := initRepo(t)
	runGit(t, repo, "branch", "feature")
	c := newCoordinator(t)

	workDir, branch, err := c.Create(repo, "ag1", "feature")
	require.NoError(t, err)
	assert.Equal(t, "feature", branch)

	got := runGit(t, workDir, "branch", "--show-current")
	assert.Equal(t, "feature", got)
}

func TestCreate_NotGitRepository(t *testing.T) {
	c := newCoordinator(t)

	_, _, err := c.Create(t.TempDir(), "ag1", "agent/ag1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotGitRepository)
}

func TestRemove_Idempotent(t *testing.T) {
	repo := initRepo(t)
	c := newCoordinator(t)

	workDir, _, err := c.Create(repo, "ag1", "agent/ag1")
	require.NoError(t, err)

	c.Remove(repo, "ag1")
	assert.NoDirExists(t, workDir)

	// Removing again must not blow up.
	c.Remove(repo, "ag1")
}

func TestTryLocalMerge_Success(t *testing.T) {
	repo := initRepo(t)
	c := newCoordinator(t)

	workDir, _, err := c.Create(repo, "ag1", "agent/ag1")
	require.NoError(t, err)

	// Leave an uncommitted change in the worktree; the merge
	// auto-commits it.
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "new.txt"), []byte("agent work\n"), 0o644))

	res, err := c.TryLocalMerge(workDir, "")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "agent/ag1", res.Branch)
	assert.Equal(t, "main", res.TargetBranch)
	assert.Empty(t, res.Conflicts)

	// The merge landed on main in the source repo.
	assert.Equal(t, "main", runGit(t, repo, "branch", "--show-current"))
	assert.FileExists(t, filepath.Join(repo, "new.txt"))
}

func TestTryLocalMerge_Conflict(t *testing.T) {
	repo := initRepo(t)
	c := newCoordinator(t)

	workDir, _, err := c.Create(repo, "ag1", "agent/ag1")
	require.NoError(t, err)

	// Both sides rewrite line 1 of x.txt.
	require.NoError(t, os.WriteFile(filepath.Join(repo, "x.txt"), []byte("main change\n"), 0o644))
	runGit(t, repo, "commit", "-am", "main side")
	headBefore := runGit(t, repo, "rev-parse", "HEAD")

	require.NoError(t, os.WriteFile(filepath.Join(workDir, "x.txt"), []byte("agent change\n"), 0o644))

	res, err := c.TryLocalMerge(workDir, "")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, []string{"x.txt"}, res.Conflicts)
	assert.Equal(t, "agent/ag1", res.Branch)
	assert.Equal(t, "main", res.TargetBranch)
	assert.NotEmpty(t, res.Message)

	// The source repo is back where it started.
	assert.Equal(t, "main", runGit(t, repo, "branch", "--show-current"))
	assert.Equal(t, headBefore, runGit(t, repo, "rev-parse", "HEAD"))

	data, err := os.ReadFile(filepath.Join(repo, "x.txt"))
	require.NoError(t, err)
	assert.Equal(t, "main change\n", string(data))
}

func TestTryLocalMerge_TargetOverride(t *testing.T) {
	repo := initRepo(t)
	runGit(t, repo, "branch", "release")
	c := newCoordinator(t)

	workDir, _, err := c.Create(repo, "ag1", "agent/ag1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "r.txt"), []byte("for release\n"), 0o644))

	res, err := c.TryLocalMerge(workDir, "release")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "release", res.TargetBranch)
	assert.Equal(t, "release", runGit(t, repo, "branch", "--show-current"))
}

func TestTryLocalMerge_TargetBranchUnknown(t *testing.T) {
	repo := initRepo(t)
	// No origin/HEAD, and neither main nor master exists.
	runGit(t, repo, "branch", "-M", "trunk")
	c := newCoordinator(t)

	workDir, _, err := c.Create(repo, "ag1", "agent/ag1")
	require.NoError(t, err)

	_, err = c.TryLocalMerge(workDir, "")
	assert.ErrorIs(t, err, ErrTargetBranchUnknown)
}

func TestDefaultTargetBranch_MasterFallback(t *testing.T) {
	repo := initRepo(t)
	runGit(t, repo, "branch", "-M", "master")

	target, err := defaultTargetBranch(repo)
	require.NoError(t, err)
	assert.Equal(t, "master", target)
}

func TestStatusAndDiff(t *testing.T) {
	repo := initRepo(t)
	c := newCoordinator(t)

	workDir, _, err := c.Create(repo, "ag1", "agent/ag1")
	require.NoError(t, err)

	status, err := c.Status(workDir)
	require.NoError(t, err)
	assert.Empty(t, strings.TrimSpace(status), "fresh worktree is clean")

	require.NoError(t, os.WriteFile(filepath.Join(workDir, "x.txt"), []byte("line1\nline2\n"), 0o644))

	status, err = c.Status(workDir)
	require.NoError(t, err)
	assert.Contains(t, status, "x.txt")

	diff, err := c.Diff(workDir)
	require.NoError(t, err)
	assert.Contains(t, diff, "+line2")
}

func TestMainWorktreePath(t *testing.T) {
	repo := initRepo(t)
	c := newCoordinator(t)

	workDir, _, err := c.Create(repo, "ag1", "agent/ag1")
	require.NoError(t, err)

	main, err := mainWorktreePath(workDir)
	require.NoError(t, err)

	// Compare resolved paths (tmp dirs may involve symlinks).
	wantResolved, _ := filepath.EvalSymlinks(repo)
	gotResolved, _ := filepath.EvalSymlinks(main)
	assert.Equal(t, wantResolved, gotResolved)
}
