package discovery

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/specboard/internal/models"
)

type fakeLister struct {
	procs []Process
	err   error
	name  string
}

func (f *fakeLister) List(_ context.Context, name string) ([]Process, error) {
	f.name = name
	return f.procs, f.err
}

type fakeGit map[string]models.GitInfo

func (f fakeGit) Info(_ context.Context, root string) (models.GitInfo, error) {
	info, ok := f[root]
	if !ok {
		return models.GitInfo{}, errors.New("not a repository")
	}
	return info, nil
}

// mkProject creates dir/.claude below base and returns the canonical path.
func mkProject(t *testing.T, base string, rel ...string) string {
	t.Helper()
	dir := filepath.Join(append([]string{base}, rel...)...)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".claude"), 0o755))
	resolved, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	return resolved
}

func paths(projects []Project) []string {
	out := make([]string, 0, len(projects))
	for _, p := range projects {
		out = append(out, p.Path)
	}
	return out
}

func TestDiscover_WalkBounds(t *testing.T) {
	base := t.TempDir()
	shallow := mkProject(t, base, "alpha")
	deep := mkProject(t, base, "group", "team", "beta")
	tooDeep := mkProject(t, base, "group", "team", "sub", "gamma")
	skipped := mkProject(t, base, "node_modules", "pkg")
	hidden := mkProject(t, base, ".cache", "delta")

	d := New(Options{SearchRoots: []string{base}}, nil, nil, zerolog.Nop())
	projects, err := d.Discover(context.Background())
	require.NoError(t, err)

	got := paths(projects)
	assert.Contains(t, got, shallow)
	assert.Contains(t, got, deep)
	assert.NotContains(t, got, tooDeep)
	assert.NotContains(t, got, skipped)
	assert.NotContains(t, got, hidden)
}

func TestDiscover_SortedAndDeduplicated(t *testing.T) {
	base := t.TempDir()
	mkProject(t, base, "zeta")
	mkProject(t, base, "alpha")

	d := New(Options{SearchRoots: []string{base, base}}, nil, nil, zerolog.Nop())
	projects, err := d.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, projects, 2)
	assert.Equal(t, "alpha", projects[0].Name)
	assert.Equal(t, "zeta", projects[1].Name)
}

func TestDiscover_ActiveSessions(t *testing.T) {
	base := t.TempDir()
	active := mkProject(t, base, "active")
	idle := mkProject(t, base, "active-two")
	require.NoError(t, os.MkdirAll(filepath.Join(active, "src", "pkg"), 0o755))

	lister := &fakeLister{procs: []Process{{PID: 42, Cwd: filepath.Join(active, "src", "pkg")}}}
	d := New(Options{SearchRoots: []string{base}}, lister, nil, zerolog.Nop())
	projects, err := d.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "claude", lister.name)

	byPath := map[string]Project{}
	for _, p := range projects {
		byPath[p.Path] = p
	}
	assert.True(t, byPath[active].HasActiveSession)
	// Sibling sharing a name prefix must not match.
	assert.False(t, byPath[idle].HasActiveSession)
}

func TestDiscover_SessionOutsideSearchRoots(t *testing.T) {
	searched := t.TempDir()
	elsewhere := mkProject(t, t.TempDir(), "remote")

	lister := &fakeLister{procs: []Process{{PID: 7, Cwd: elsewhere}}}
	d := New(Options{SearchRoots: []string{searched}}, lister, nil, zerolog.Nop())
	projects, err := d.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, elsewhere, projects[0].Path)
	assert.True(t, projects[0].HasActiveSession)
}

func TestDiscover_ListerFailureIsNotFatal(t *testing.T) {
	base := t.TempDir()
	mkProject(t, base, "alpha")

	lister := &fakeLister{err: errors.New("ps: not found")}
	d := New(Options{SearchRoots: []string{base}}, lister, nil, zerolog.Nop())
	projects, err := d.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.False(t, projects[0].HasActiveSession)
}

func TestDiscover_GitInfo(t *testing.T) {
	base := t.TempDir()
	repo := mkProject(t, base, "repo")
	plain := mkProject(t, base, "plain")

	git := fakeGit{repo: {Branch: "main", Commit: "abc1234"}}
	d := New(Options{SearchRoots: []string{base}}, nil, git, zerolog.Nop())
	projects, err := d.Discover(context.Background())
	require.NoError(t, err)

	for _, p := range projects {
		switch p.Path {
		case repo:
			assert.Equal(t, "main", p.Git.Branch)
		case plain:
			assert.True(t, p.Git.Empty())
		}
	}
}

func TestDiscover_MissingRoot(t *testing.T) {
	d := New(Options{SearchRoots: []string{filepath.Join(t.TempDir(), "missing")}}, nil, nil, zerolog.Nop())
	projects, err := d.Discover(context.Background())
	require.NoError(t, err)
	assert.Empty(t, projects)
}

func TestContains(t *testing.T) {
	sep := string(filepath.Separator)
	dir := sep + filepath.Join("p", "proj")
	assert.True(t, Contains(dir, dir))
	assert.True(t, Contains(dir, dir+sep+"src"))
	assert.False(t, Contains(dir, dir+"-other"))
	assert.False(t, Contains(dir, sep+"p"))
}

func TestMatchesProcess(t *testing.T) {
	assert.True(t, matchesProcess("claude", nil, "claude"))
	assert.True(t, matchesProcess("node", []string{"node", "/usr/local/bin/claude", "--resume"}, "claude"))
	assert.True(t, matchesProcess("", []string{"/opt/claude/claude"}, "claude"))
	assert.False(t, matchesProcess("node", []string{"node", "server.js", "claude"}, "claude"))
	assert.False(t, matchesProcess("claude-helper", nil, "claude"))
}

func TestParseLsofCwd(t *testing.T) {
	out := []byte("p4242\nfcwd\nn/Users/dev/project\n")
	assert.Equal(t, "/Users/dev/project", parseLsofCwd(out))
	assert.Equal(t, "", parseLsofCwd([]byte("p1\n")))
}

func TestProcFSLister(t *testing.T) {
	l, err := NewProcFSLister("/proc")
	if err != nil {
		t.Skip("procfs not available")
	}
	// The test binary is not the host agent, so nothing should match a random name.
	procs, err := l.List(context.Background(), "specboard-no-such-process")
	require.NoError(t, err)
	assert.Empty(t, procs)
}
