package git

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/conductor-sh/conductor/internal/model"
)

var (
	// ErrNotGitRepo indicates the path is not a git repository.
	ErrNotGitRepo = errors.New("not a git repository")

	// ErrWorktreeExists indicates a worktree already exists for the branch.
	ErrWorktreeExists = errors.New("worktree already exists for this branch")

	// ErrNothingToCommit indicates there are no changes to commit.
	ErrNothingToCommit = errors.New("nothing to commit")

	// ErrConflict indicates a merge stopped on conflicts. The index holds
	// the conflicted paths until AbortMerge or a resolving commit.
	ErrConflict = errors.New("merge conflict")
)

// Repo manages one project repository.
type Repo struct {
	path        string
	baseBranch  string
	worktreeDir string
	runner      CommandRunner
}

// Option configures a Repo.
type Option func(*Repo)

// WithRunner injects a command runner, used by tests.
func WithRunner(r CommandRunner) Option {
	return func(repo *Repo) { repo.runner = r }
}

// WithBaseBranch overrides the branch ticket branches are cut from.
// Default is "main".
func WithBaseBranch(branch string) Option {
	return func(repo *Repo) { repo.baseBranch = branch }
}

// WithWorktreeDir overrides where worktrees are created. Default is
// ".conductor/worktrees" under the repository root.
func WithWorktreeDir(dir string) Option {
	return func(repo *Repo) { repo.worktreeDir = dir }
}

// NewRepo opens the repository at path.
func NewRepo(path string, opts ...Option) (*Repo, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve path: %w", err)
	}

	repo := &Repo{
		path:        abs,
		baseBranch:  "main",
		worktreeDir: ".conductor/worktrees",
		runner:      ExecRunner{},
	}
	for _, opt := range opts {
		opt(repo)
	}

	if _, ok := repo.runner.(ExecRunner); ok {
		cmd := exec.Command("git", "rev-parse", "--git-dir")
		cmd.Dir = abs
		if err := cmd.Run(); err != nil {
			return nil, ErrNotGitRepo
		}
	}
	return repo, nil
}

// Path returns the repository root.
func (r *Repo) Path() string { return r.path }

// BaseBranch returns the branch ticket branches are cut from.
func (r *Repo) BaseBranch() string { return r.baseBranch }

func (r *Repo) git(workDir string, args ...string) (string, error) {
	if workDir == "" {
		workDir = r.path
	}
	return r.runner.Run(workDir, "git", args...)
}

// BranchExists reports whether a local branch exists.
func (r *Repo) BranchExists(branch string) bool {
	_, err := r.git("", "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// EnsureTicketBranch creates ticket/<id> from the base branch if missing.
// Idempotent.
func (r *Repo) EnsureTicketBranch(ticketID string) (string, error) {
	branch := model.TicketBranchName(ticketID)
	if r.BranchExists(branch) {
		return branch, nil
	}
	if _, err := r.git("", "branch", branch, r.baseBranch); err != nil {
		return "", fmt.Errorf("create ticket branch %s: %w", branch, err)
	}
	return branch, nil
}

// worktreePathFor maps a branch to its worktree directory.
func (r *Repo) worktreePathFor(branch string) string {
	dir := r.worktreeDir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(r.path, dir)
	}
	return filepath.Join(dir, sanitizeBranchName(branch))
}

// CreateTaskWorktree cuts task/<id> from the ticket branch and checks it
// out in a fresh worktree. The main checkout is never touched.
func (r *Repo) CreateTaskWorktree(taskID, ticketID string) (string, error) {
	if _, err := r.EnsureTicketBranch(ticketID); err != nil {
		return "", err
	}
	return r.CreateWorktree(model.TaskBranchName(taskID), model.TicketBranchName(ticketID))
}

// CreateWorktree creates a worktree for branch, cutting it from base when
// the branch does not exist yet.
func (r *Repo) CreateWorktree(branch, base string) (string, error) {
	path := r.worktreePathFor(branch)
	if _, err := os.Stat(path); err == nil {
		return "", ErrWorktreeExists
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create worktrees dir: %w", err)
	}

	_, err := r.git("", "worktree", "add", "-b", branch, path, base)
	if err != nil {
		// Branch may already exist from a previous attempt.
		if _, err = r.git("", "worktree", "add", path, branch); err != nil {
			return "", fmt.Errorf("create worktree for %s: %w", branch, err)
		}
	}
	return path, nil
}

// RemoveWorktree removes a worktree, forcing if the tree is dirty.
func (r *Repo) RemoveWorktree(path string) error {
	if _, err := r.git("", "worktree", "remove", path); err != nil {
		if _, err = r.git("", "worktree", "remove", "--force", path); err != nil {
			return fmt.Errorf("remove worktree %s: %w", path, err)
		}
	}
	return nil
}

// PruneWorktrees drops stale worktree registrations, for crash recovery.
func (r *Repo) PruneWorktrees() error {
	_, err := r.git("", "worktree", "prune")
	return err
}

// MergeBranch merges branch into the checkout at workDir. Conflicts return
// ErrConflict with the merge left in progress for inspection.
func (r *Repo) MergeBranch(workDir, branch, message string) error {
	out, err := r.git(workDir, "merge", "--no-ff", "-m", message, branch)
	if err != nil {
		if strings.Contains(out, "CONFLICT") || strings.Contains(err.Error(), "CONFLICT") {
			return fmt.Errorf("merge %s: %w", branch, ErrConflict)
		}
		return fmt.Errorf("merge %s: %w", branch, err)
	}
	return nil
}

// AbortMerge discards an in-progress merge.
func (r *Repo) AbortMerge(workDir string) error {
	_, err := r.git(workDir, "merge", "--abort")
	return err
}

// ConflictedFiles lists paths with unresolved conflicts in workDir.
func (r *Repo) ConflictedFiles(workDir string) ([]string, error) {
	out, err := r.git(workDir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// CommitAll stages everything in workDir and commits.
func (r *Repo) CommitAll(workDir, message string) error {
	if _, err := r.git(workDir, "add", "-A"); err != nil {
		return fmt.Errorf("stage: %w", err)
	}
	out, err := r.git(workDir, "commit", "-m", message)
	if err != nil {
		if strings.Contains(out, "nothing to commit") {
			return ErrNothingToCommit
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// HeadCommit returns the HEAD SHA of the checkout at workDir.
func (r *Repo) HeadCommit(workDir string) (string, error) {
	return r.git(workDir, "rev-parse", "HEAD")
}

// IsClean reports whether workDir has no uncommitted changes.
func (r *Repo) IsClean(workDir string) (bool, error) {
	out, err := r.git(workDir, "status", "--short")
	if err != nil {
		return false, err
	}
	return out == "", nil
}

// DeleteBranch deletes a local branch after its work has merged.
func (r *Repo) DeleteBranch(branch string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	_, err := r.git("", "branch", flag, branch)
	return err
}

var branchNameUnsafe = regexp.MustCompile(`[^a-z0-9-]+`)

// sanitizeBranchName converts a branch name to a safe directory name.
func sanitizeBranchName(branch string) string {
	safe := strings.ToLower(strings.ReplaceAll(branch, "/", "-"))
	safe = branchNameUnsafe.ReplaceAllString(safe, "")
	return strings.Trim(safe, "-")
}
