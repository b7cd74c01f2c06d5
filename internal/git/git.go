// Package git enumerates the working directories (git worktrees) that
// crewdeck sessions are opened in.
package git

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrNotRepository is returned when a directory is not inside a git repository.
var ErrNotRepository = errors.New("not a git repository")

// Worktree represents a git worktree
type Worktree struct {
	Path   string // Filesystem path to the worktree
	Branch string // Branch name checked out in this worktree
	Commit string // HEAD commit SHA
	Bare   bool   // Whether this is the bare repository
}

// Name is the label shown for the worktree: its branch, or the directory
// name when HEAD is detached.
func (w Worktree) Name() string {
	if w.Branch != "" {
		return w.Branch
	}
	return filepath.Base(w.Path)
}

// IsGitRepo checks if the given directory is inside a git repository
func IsGitRepo(ctx context.Context, dir string) bool {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "--git-dir")
	return cmd.Run() == nil
}

// GetRepoRoot returns the root directory of the git repository containing dir
func GetRepoRoot(ctx context.Context, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "--show-toplevel")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotRepository, err)
	}
	return strings.TrimSpace(string(output)), nil
}

// GetCommonDir returns the absolute path of the repository's shared git
// directory. For a linked worktree this is the main checkout's .git.
func GetCommonDir(ctx context.Context, dir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "--git-common-dir")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("failed to get common git dir: %w", err)
	}
	commonDir := strings.TrimSpace(string(output))
	// --git-common-dir may be relative to dir
	if !filepath.IsAbs(commonDir) {
		commonDir = filepath.Clean(filepath.Join(dir, commonDir))
	}
	return commonDir, nil
}

// BranchExists checks if a branch exists in the repository
func BranchExists(ctx context.Context, repoDir, branchName string) bool {
	cmd := exec.CommandContext(ctx, "git", "-C", repoDir, "show-ref", "--verify", "--quiet", "refs/heads/"+branchName)
	return cmd.Run() == nil
}

// GetDefaultBranch returns the default branch name (e.g. "main" or "master") for the repo
func GetDefaultBranch(ctx context.Context, repoDir string) (string, error) {
	// symbolic-ref works when the remote HEAD is set
	cmd := exec.CommandContext(ctx, "git", "-C", repoDir, "symbolic-ref", "refs/remotes/origin/HEAD")
	output, err := cmd.Output()
	if err == nil {
		ref := strings.TrimSpace(string(output))
		branch := strings.TrimPrefix(ref, "refs/remotes/origin/")
		if branch != ref && branch != "" {
			return branch, nil
		}
	}

	if BranchExists(ctx, repoDir, "main") {
		return "main", nil
	}
	if BranchExists(ctx, repoDir, "master") {
		return "master", nil
	}

	return "", errors.New("could not determine default branch (no origin/HEAD, no main or master branch)")
}

// ListWorktrees returns all worktrees for the repository at repoDir
func ListWorktrees(ctx context.Context, repoDir string) ([]Worktree, error) {
	if !IsGitRepo(ctx, repoDir) {
		return nil, ErrNotRepository
	}

	cmd := exec.CommandContext(ctx, "git", "-C", repoDir, "worktree", "list", "--porcelain")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to list worktrees: %w", err)
	}

	return parseWorktreeList(string(output)), nil
}

// parseWorktreeList parses the output of `git worktree list --porcelain`
func parseWorktreeList(output string) []Worktree {
	var worktrees []Worktree
	var current Worktree

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			// Empty line marks end of worktree entry
			if current.Path != "" {
				worktrees = append(worktrees, current)
			}
			current = Worktree{}
			continue
		}

		switch {
		case strings.HasPrefix(line, "worktree "):
			current.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			current.Commit = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		case line == "bare":
			current.Bare = true
		case line == "detached":
			current.Branch = ""
		}
	}

	if current.Path != "" {
		worktrees = append(worktrees, current)
	}

	return worktrees
}
