package git

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/specboard/internal/errors"
)

func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	for _, args := range [][]string{
		{"init", "-q", "-b", "main"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "Test"},
	} {
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	return dir
}

func commitFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	for _, args := range [][]string{{"add", "."}, {"commit", "-q", "-m", "add " + rel}} {
		out, err := exec.Command("git", append([]string{"-C", dir}, args...)...).CombinedOutput()
		require.NoError(t, err, string(out))
	}
}

func TestReader_NotARepository(t *testing.T) {
	r := NewReader(0)
	_, err := r.Info(context.Background(), t.TempDir())
	assert.ErrorIs(t, err, perrors.ErrGitUnavailable)

	_, err = r.LastCommitTime(context.Background(), t.TempDir(), "x.md")
	assert.ErrorIs(t, err, perrors.ErrGitUnavailable)
}

func TestReader_Info(t *testing.T) {
	dir := initRepo(t)
	commitFile(t, dir, "README.md", "hello")

	info, err := NewReader(0).Info(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "main", info.Branch)
	assert.NotEmpty(t, info.Commit)
}

func TestReader_InfoUnbornBranch(t *testing.T) {
	dir := initRepo(t)

	info, err := NewReader(0).Info(context.Background(), dir)
	if err != nil {
		// Older git versions fail rev-parse on an unborn HEAD.
		return
	}
	assert.Empty(t, info.Commit)
}

func TestReader_LastCommitTime(t *testing.T) {
	dir := initRepo(t)
	commitFile(t, dir, ".claude/specs/alpha/requirements.md", "# Requirements")

	r := NewReader(0)
	ts, err := r.LastCommitTime(context.Background(), dir, ".claude/specs/alpha")
	require.NoError(t, err)
	assert.False(t, ts.IsZero())

	ts, err = r.LastCommitTime(context.Background(), dir, ".claude/specs/never")
	require.NoError(t, err)
	assert.True(t, ts.IsZero())
}
