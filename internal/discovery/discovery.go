// Package discovery finds project roots on disk and flags the ones with a
// live host-agent session.
package discovery

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/p-blackswan/specboard/internal/models"
	"github.com/p-blackswan/specboard/internal/parser"
)

// DefaultSkipDirs are directory names never descended into.
var DefaultSkipDirs = []string{
	"node_modules", "vendor", "dist", "build", "target", "out", "bin", "obj",
	"venv", "__pycache__", "Library", "Applications", "Pictures", "Music", "Movies",
}

// Project is one discovered project root.
type Project struct {
	Path             string
	Name             string
	HasActiveSession bool
	Git              models.GitInfo
}

// GitReader reads branch and commit for a repository root.
type GitReader interface {
	Info(ctx context.Context, root string) (models.GitInfo, error)
}

// Options configures discovery.
type Options struct {
	// SearchRoots are walked for projects (empty = DefaultSearchRoots()).
	SearchRoots []string
	// MaxDepth bounds the walk below each search root (0 = 3).
	MaxDepth int
	// ProcessName is the host agent executable name (empty = "claude").
	ProcessName string
	// SkipDirs replaces DefaultSkipDirs when non-nil.
	SkipDirs []string
	// GitConcurrency bounds parallel git probes (0 = 8).
	GitConcurrency int
}

// DefaultSearchRoots returns the conventional development directories under
// the home directory that exist, plus the working directory.
func DefaultSearchRoots() []string {
	var roots []string
	if home, err := os.UserHomeDir(); err == nil {
		for _, d := range []string{"Projects", "projects", "dev", "Developer", "code", "src", "workspace", "repos", "git", "work"} {
			p := filepath.Join(home, d)
			if info, err := os.Stat(p); err == nil && info.IsDir() {
				roots = append(roots, p)
			}
		}
	}
	if cwd, err := os.Getwd(); err == nil {
		roots = append(roots, cwd)
	}
	return roots
}

// Discoverer scans for projects. It is safe for concurrent use.
type Discoverer struct {
	opts   Options
	skip   map[string]bool
	procs  ProcessLister
	git    GitReader
	home   string
	logger zerolog.Logger
}

// New creates a Discoverer. procs and git may be nil.
func New(opts Options, procs ProcessLister, git GitReader, logger zerolog.Logger) *Discoverer {
	if len(opts.SearchRoots) == 0 {
		opts.SearchRoots = DefaultSearchRoots()
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 3
	}
	if opts.ProcessName == "" {
		opts.ProcessName = "claude"
	}
	if opts.SkipDirs == nil {
		opts.SkipDirs = DefaultSkipDirs
	}
	if opts.GitConcurrency <= 0 {
		opts.GitConcurrency = 8
	}
	skip := make(map[string]bool, len(opts.SkipDirs))
	for _, d := range opts.SkipDirs {
		skip[d] = true
	}
	home, _ := os.UserHomeDir()
	return &Discoverer{
		opts:   opts,
		skip:   skip,
		procs:  procs,
		git:    git,
		home:   canonical(home),
		logger: logger.With().Str("component", "discovery").Logger(),
	}
}

// Discover walks the search roots and returns every project found, sorted by
// name then path. Projects that host a live session but lie outside the
// search roots are included as well. Process listing and git failures only
// drop the corresponding annotations.
func (d *Discoverer) Discover(ctx context.Context) ([]Project, error) {
	found := make(map[string]bool)
	for _, root := range d.opts.SearchRoots {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, p := range d.walk(root) {
			found[p] = true
		}
	}

	cwds := d.sessionDirs(ctx)
	for _, cwd := range cwds {
		if p, ok := d.enclosingProject(cwd); ok {
			found[p] = true
		}
	}

	projects := make([]Project, 0, len(found))
	for path := range found {
		projects = append(projects, Project{
			Path:             path,
			Name:             filepath.Base(path),
			HasActiveSession: hasSession(path, cwds),
		})
	}

	d.readGit(ctx, projects)

	sort.Slice(projects, func(i, j int) bool {
		if projects[i].Name != projects[j].Name {
			return projects[i].Name < projects[j].Name
		}
		return projects[i].Path < projects[j].Path
	})
	return projects, nil
}

// ActiveDirs returns the working directories of live host-agent processes.
func (d *Discoverer) ActiveDirs(ctx context.Context) []string {
	return d.sessionDirs(ctx)
}

func (d *Discoverer) walk(root string) []string {
	root = canonical(root)
	if root == "" {
		return nil
	}
	baseDepth := strings.Count(root, string(filepath.Separator))
	var projects []string

	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if entry != nil && entry.IsDir() && path != root {
				return fs.SkipDir
			}
			return nil
		}
		if !entry.IsDir() {
			return nil
		}
		name := entry.Name()
		if path != root && (strings.HasPrefix(name, ".") || d.skip[name]) {
			return fs.SkipDir
		}
		if d.isProject(path) {
			projects = append(projects, path)
		}
		if strings.Count(path, string(filepath.Separator))-baseDepth >= d.opts.MaxDepth {
			return fs.SkipDir
		}
		return nil
	})
	if err != nil {
		d.logger.Debug().Err(err).Str("root", root).Msg("search root walk failed")
	}
	return projects
}

// isProject reports whether dir carries the marker directory. The home
// directory's marker holds agent configuration, not project documents.
func (d *Discoverer) isProject(dir string) bool {
	if dir == d.home {
		return false
	}
	info, err := os.Stat(filepath.Join(dir, parser.MarkerDir))
	return err == nil && info.IsDir()
}

// enclosingProject finds the nearest ancestor of dir (inclusive) that is a project.
func (d *Discoverer) enclosingProject(dir string) (string, bool) {
	dir = canonical(dir)
	for dir != "" {
		if d.isProject(dir) {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

func (d *Discoverer) sessionDirs(ctx context.Context) []string {
	if d.procs == nil {
		return nil
	}
	procs, err := d.procs.List(ctx, d.opts.ProcessName)
	if err != nil {
		d.logger.Debug().Err(err).Msg("process listing unavailable")
	}
	dirs := make([]string, 0, len(procs))
	for _, p := range procs {
		if c := canonical(p.Cwd); c != "" {
			dirs = append(dirs, c)
		}
	}
	return dirs
}

// hasSession reports whether any cwd lies inside project.
func hasSession(project string, cwds []string) bool {
	for _, cwd := range cwds {
		if Contains(project, cwd) {
			return true
		}
	}
	return false
}

// Contains reports whether path equals dir or lies beneath it.
func Contains(dir, path string) bool {
	if path == dir {
		return true
	}
	if !strings.HasSuffix(dir, string(filepath.Separator)) {
		dir += string(filepath.Separator)
	}
	return strings.HasPrefix(path, dir)
}

func (d *Discoverer) readGit(ctx context.Context, projects []Project) {
	if d.git == nil {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.GitConcurrency)
	for i := range projects {
		i := i
		g.Go(func() error {
			info, err := d.git.Info(gctx, projects[i].Path)
			if err != nil {
				return nil
			}
			projects[i].Git = info
			return nil
		})
	}
	_ = g.Wait()
}

// canonical returns the absolute, symlink-resolved form of path, or "" when
// it does not exist.
func canonical(path string) string {
	if path == "" {
		return ""
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return ""
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return ""
	}
	return resolved
}
