// Package git reads branch, commit and history information through the git CLI.
package git

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	perrors "github.com/p-blackswan/specboard/internal/errors"
	"github.com/p-blackswan/specboard/internal/models"
)

// Reader runs read-only git commands. The zero value is not usable; use NewReader.
type Reader struct {
	timeout time.Duration

	once    sync.Once
	gitPath string
	lookErr error
}

// NewReader creates a Reader. timeout bounds each git invocation (0 = 5s).
func NewReader(timeout time.Duration) *Reader {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Reader{timeout: timeout}
}

// Available reports whether a git executable was found on PATH.
func (r *Reader) Available() bool {
	_, err := r.binary()
	return err == nil
}

func (r *Reader) binary() (string, error) {
	r.once.Do(func() {
		r.gitPath, r.lookErr = exec.LookPath("git")
	})
	if r.lookErr != nil {
		return "", fmt.Errorf("%w: %v", perrors.ErrGitUnavailable, r.lookErr)
	}
	return r.gitPath, nil
}

// IsRepository reports whether root has a .git entry (directory or worktree file).
func IsRepository(root string) bool {
	_, err := os.Stat(filepath.Join(root, ".git"))
	return err == nil
}

// Info returns the current branch and short commit of the repository at root.
// A detached HEAD yields an empty branch.
func (r *Reader) Info(ctx context.Context, root string) (models.GitInfo, error) {
	if !IsRepository(root) {
		return models.GitInfo{}, fmt.Errorf("%w: %s is not a repository", perrors.ErrGitUnavailable, root)
	}

	var info models.GitInfo
	branch, err := r.run(ctx, root, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return info, err
	}
	if branch != "HEAD" {
		info.Branch = branch
	}

	commit, err := r.run(ctx, root, "rev-parse", "--short", "HEAD")
	if err != nil {
		// Unborn branch: no commits yet.
		return info, nil
	}
	info.Commit = commit
	return info, nil
}

// LastCommitTime returns the commit time of the last commit touching path
// (relative to root or absolute). A path with no history returns a zero time.
func (r *Reader) LastCommitTime(ctx context.Context, root, path string) (time.Time, error) {
	if !IsRepository(root) {
		return time.Time{}, fmt.Errorf("%w: %s is not a repository", perrors.ErrGitUnavailable, root)
	}
	out, err := r.run(ctx, root, "log", "-1", "--format=%ct", "--", path)
	if err != nil {
		return time.Time{}, err
	}
	if out == "" {
		return time.Time{}, nil
	}
	secs, err := strconv.ParseInt(out, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse commit time %q: %w", out, err)
	}
	return time.Unix(secs, 0).UTC(), nil
}

func (r *Reader) run(ctx context.Context, root string, args ...string) (string, error) {
	bin, err := r.binary()
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin, append([]string{"-C", root}, args...)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s in %s: %w: %s", strings.Join(args, " "), root, err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(string(out)), nil
}
