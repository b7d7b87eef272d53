// Package git is the version-control collaborator. It wraps the git CLI
// behind a small executor abstraction so the cleanup protocol and the
// coordinator can be tested against fakes without a repository.
package git

import (
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/stagehand-dev/stagehand/internal/errors"
)

// -----------------------------------------------------------------------------
// Command Executor
// -----------------------------------------------------------------------------

// CommandExecutor abstracts command execution for testability.
type CommandExecutor interface {
	// Run executes a command in dir and returns combined output.
	Run(dir string, name string, args ...string) ([]byte, error)

	// RunQuiet executes a command and returns only the error.
	RunQuiet(dir string, name string, args ...string) error
}

// CLICommandExecutor executes commands using os/exec.
type CLICommandExecutor struct{}

// NewCLICommandExecutor creates a new CLI command executor.
func NewCLICommandExecutor() *CLICommandExecutor {
	return &CLICommandExecutor{}
}

// Run executes a command and returns combined output.
func (e *CLICommandExecutor) Run(dir string, name string, args ...string) ([]byte, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// RunQuiet executes a command and returns only the error.
func (e *CLICommandExecutor) RunQuiet(dir string, name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	return cmd.Run()
}

// -----------------------------------------------------------------------------
// Client
// -----------------------------------------------------------------------------

// Client exposes the logical version-control operations the pipeline needs.
type Client struct {
	repoDir  string
	executor CommandExecutor
}

// NewClient creates a Client backed by the real git CLI.
func NewClient(repoDir string) *Client {
	return &Client{
		repoDir:  repoDir,
		executor: NewCLICommandExecutor(),
	}
}

// NewClientWithExecutor creates a Client with a custom executor. This is
// primarily useful for testing.
func NewClientWithExecutor(repoDir string, executor CommandExecutor) *Client {
	return &Client{
		repoDir:  repoDir,
		executor: executor,
	}
}

// RepoDir returns the repository root directory.
func (c *Client) RepoDir() string {
	return c.repoDir
}

// FindMainBranch returns the name of the main branch (main or master).
func (c *Client) FindMainBranch() string {
	err := c.executor.RunQuiet(c.repoDir, "git", "rev-parse", "--verify", "main")
	if err == nil {
		return "main"
	}
	return "master"
}

// IsBranchMerged reports whether branch appears in main's merged-branch
// list. A fast-forward listing can be stale, so callers wanting certainty
// should also check DiffEmpty.
func (c *Client) IsBranchMerged(branch, main string) (bool, error) {
	output, err := c.executor.Run(c.repoDir, "git", "branch", "--merged", main, "--format=%(refname:short)")
	if err != nil {
		return false, errors.NewGitError("failed to list merged branches", err).
			WithBranch(main).
			WithGitOutput(string(output))
	}

	for _, line := range strings.Split(string(output), "\n") {
		if strings.TrimSpace(line) == branch {
			return true, nil
		}
	}
	return false, nil
}

// DiffEmpty reports whether main..branch contains no changes.
func (c *Client) DiffEmpty(main, branch string) (bool, error) {
	output, err := c.executor.Run(c.repoDir, "git", "diff", "--name-only", main+".."+branch)
	if err != nil {
		return false, errors.NewGitError("failed to diff branches", err).
			WithBranch(main + ".." + branch).
			WithGitOutput(string(output))
	}
	return strings.TrimSpace(string(output)) == "", nil
}

// ListUnmergedCommits returns a one-line summary per commit on branch that
// main does not have, oldest first.
func (c *Client) ListUnmergedCommits(main, branch string) ([]string, error) {
	output, err := c.executor.Run(c.repoDir, "git", "log", "--reverse", "--pretty=format:%h %s", main+".."+branch)
	if err != nil {
		return nil, errors.NewGitError("failed to list unmerged commits", err).
			WithBranch(main + ".." + branch).
			WithGitOutput(string(output))
	}

	trimmed := strings.TrimSpace(string(output))
	if trimmed == "" {
		return []string{}, nil
	}
	return strings.Split(trimmed, "\n"), nil
}

// CountCommitsBetween returns the number of commits on head that base does
// not have.
func (c *Client) CountCommitsBetween(base, head string) (int, error) {
	output, err := c.executor.Run(c.repoDir, "git", "rev-list", "--count", base+".."+head)
	if err != nil {
		return 0, errors.NewGitError("failed to count commits between branches", err).
			WithBranch(base + ".." + head).
			WithGitOutput(string(output))
	}

	count, err := strconv.Atoi(strings.TrimSpace(string(output)))
	if err != nil {
		return 0, errors.NewGitError("failed to parse commit count", err).
			WithBranch(base + ".." + head)
	}
	return count, nil
}

// CreateWorktree creates a worktree with a new branch at the given path.
func (c *Client) CreateWorktree(path, branch string) error {
	output, err := c.executor.Run(c.repoDir, "git", "worktree", "add", "-b", branch, path)
	if err != nil {
		return errors.NewGitError("failed to create worktree", err).
			WithWorktree(path).
			WithBranch(branch).
			WithGitOutput(string(output))
	}
	return nil
}

// RemoveWorktree removes a worktree at the given path. If git refuses, the
// directory is removed manually and worktree references are pruned.
func (c *Client) RemoveWorktree(path string) error {
	output, err := c.executor.Run(c.repoDir, "git", "worktree", "remove", "--force", path)
	if err != nil {
		_ = os.RemoveAll(path)
		_, _ = c.executor.Run(c.repoDir, "git", "worktree", "prune")

		return errors.NewGitError("failed to remove worktree cleanly", err).
			WithWorktree(path).
			WithGitOutput(string(output))
	}
	return nil
}

// DeleteBranch deletes a local branch. With force false a branch with
// unmerged commits is refused by git; callers that have verified the merge
// independently may retry with force true.
func (c *Client) DeleteBranch(branch string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}

	output, err := c.executor.Run(c.repoDir, "git", "branch", flag, branch)
	if err != nil {
		if strings.Contains(string(output), "not found") {
			return errors.NewGitError("branch not found", errors.ErrBranchNotFound).
				WithBranch(branch).
				WithGitOutput(string(output))
		}
		return errors.NewGitError("failed to delete branch", err).
			WithBranch(branch).
			WithGitOutput(string(output))
	}
	return nil
}

// DeleteRemoteBranch deletes branch on origin. A branch that is already gone
// from the remote is not an error.
func (c *Client) DeleteRemoteBranch(branch string) error {
	output, err := c.executor.Run(c.repoDir, "git", "push", "origin", "--delete", branch)
	if err != nil {
		out := string(output)
		if strings.Contains(out, "remote ref does not exist") || strings.Contains(out, "not found") {
			return nil
		}
		return errors.NewGitError("failed to delete remote branch", err).
			WithBranch(branch).
			WithGitOutput(out)
	}
	return nil
}

// HasUncommittedChanges reports whether the worktree at path has uncommitted
// or staged changes.
func (c *Client) HasUncommittedChanges(path string) (bool, error) {
	output, err := c.executor.Run(path, "git", "status", "--porcelain")
	if err != nil {
		return false, errors.NewGitError("failed to check git status", err).
			WithWorktree(path).
			WithGitOutput(string(output))
	}
	return len(strings.TrimSpace(string(output))) > 0, nil
}

// IsRepository reports whether dir is inside a git work tree.
func (c *Client) IsRepository(dir string) bool {
	return c.executor.RunQuiet(dir, "git", "rev-parse", "--is-inside-work-tree") == nil
}

var _ CommandExecutor = (*CLICommandExecutor)(nil)
