// Package parser derives spec and bug status records from the Markdown
// documents of a project's .claude directory.
//
// The parser is defensive by construction: unreadable documents are logged
// and treated as absent, and a missing directory yields an empty collection.
// It never writes to disk.
package parser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/adrg/frontmatter"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/specboard/internal/errors"
	"github.com/p-blackswan/specboard/internal/models"
	"github.com/p-blackswan/specboard/lru"
)

// Kind selects a document family under the .claude directory.
type Kind string

const (
	KindSpecs    Kind = "specs"
	KindBugs     Kind = "bugs"
	KindSteering Kind = "steering"
)

// Document basenames, in precedence order.
var (
	SpecDocuments     = []string{"requirements.md", "design.md", "tasks.md"}
	BugDocuments      = []string{"report.md", "analysis.md", "fix.md", "verification.md"}
	SteeringDocuments = []string{"product.md", "tech.md", "structure.md"}
)

// MarkerDir is the directory that identifies a project root.
const MarkerDir = ".claude"

var entityNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidName reports whether name is acceptable as a spec or bug directory name.
func ValidName(name string) bool {
	return entityNameRe.MatchString(name) && name != "." && name != ".."
}

// GitSource provides history lookups for lastModified resolution.
type GitSource interface {
	LastCommitTime(ctx context.Context, root, path string) (time.Time, error)
}

// Options configures a Parser.
type Options struct {
	// Git is optional; without it lastModified falls back to file times.
	Git GitSource
	// CacheSize bounds the git history cache (0 = 256 entries).
	CacheSize int
	// CacheTTL expires git history lookups (0 = 1 minute).
	CacheTTL time.Duration
}

// Parser reads one project root.
type Parser struct {
	root     string
	claude   string
	git      GitSource
	gitCache *lru.Cache[string, time.Time]
	logger   zerolog.Logger
}

// New creates a parser for the project at root.
func New(root string, opts Options, logger zerolog.Logger) *Parser {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 256
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Minute
	}
	return &Parser{
		root:     root,
		claude:   filepath.Join(root, MarkerDir),
		git:      opts.Git,
		gitCache: lru.New[string, time.Time](opts.CacheSize, lru.WithTTL(opts.CacheTTL)),
		logger:   logger.With().Str("component", "parser").Str("root", root).Logger(),
	}
}

// Root returns the project root.
func (p *Parser) Root() string { return p.root }

// Dir returns the directory holding documents of the given kind.
func (p *Parser) Dir(kind Kind) string {
	return filepath.Join(p.claude, string(kind))
}

// InvalidateHistory drops cached git lookups, e.g. after HEAD moved.
func (p *Parser) InvalidateHistory() {
	p.gitCache.DeleteFunc(func(string) bool { return true })
}

// Specs parses every spec directory. A missing specs directory yields nil.
func (p *Parser) Specs(ctx context.Context) []*models.Spec {
	var specs []*models.Spec
	for _, name := range p.entityNames(KindSpecs) {
		if ctx.Err() != nil {
			return specs
		}
		if spec := p.Spec(ctx, name); spec != nil {
			specs = append(specs, spec)
		}
	}
	return specs
}

// Spec parses one spec. It returns nil when the directory does not exist.
func (p *Parser) Spec(ctx context.Context, name string) *models.Spec {
	dir, ok := p.entityDir(KindSpecs, name)
	if !ok {
		return nil
	}
	docs := p.readDocs(dir, SpecDocuments)
	spec := buildSpec(name, docs)
	spec.LastModified = p.lastModified(ctx, dir, docs)
	return spec
}

// Bugs parses every bug directory. A missing bugs directory yields nil.
func (p *Parser) Bugs(ctx context.Context) []*models.Bug {
	var bugs []*models.Bug
	for _, name := range p.entityNames(KindBugs) {
		if ctx.Err() != nil {
			return bugs
		}
		if bug := p.Bug(ctx, name); bug != nil {
			bugs = append(bugs, bug)
		}
	}
	return bugs
}

// Bug parses one bug. It returns nil when the directory does not exist.
func (p *Parser) Bug(ctx context.Context, name string) *models.Bug {
	dir, ok := p.entityDir(KindBugs, name)
	if !ok {
		return nil
	}
	docs := p.readDocs(dir, BugDocuments)
	bug := buildBug(name, docs)
	bug.LastModified = p.lastModified(ctx, dir, docs)
	return bug
}

// Steering reports which steering documents exist.
func (p *Parser) Steering(_ context.Context) models.SteeringStatus {
	dir := p.Dir(KindSteering)
	var st models.SteeringStatus
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return st
	}
	st.Exists = true
	st.HasProduct = fileExists(filepath.Join(dir, "product.md"))
	st.HasTech = fileExists(filepath.Join(dir, "tech.md"))
	st.HasStructure = fileExists(filepath.Join(dir, "structure.md"))
	return st
}

// ReadDocument returns the raw text of one allow-listed document. name is
// ignored for steering documents. Anything outside the allow-list is
// rejected with ErrInvalidInput before the filesystem is touched.
func (p *Parser) ReadDocument(kind Kind, name, doc string) (string, error) {
	var allowed []string
	var dir string
	switch kind {
	case KindSpecs:
		allowed = SpecDocuments
	case KindBugs:
		allowed = BugDocuments
	case KindSteering:
		allowed = SteeringDocuments
	default:
		return "", fmt.Errorf("%w: unknown document kind %q", perrors.ErrInvalidInput, kind)
	}

	base, ok := allowedBasename(doc, allowed)
	if !ok {
		return "", fmt.Errorf("%w: document %q is not allowed", perrors.ErrInvalidInput, doc)
	}

	if kind == KindSteering {
		dir = p.Dir(KindSteering)
	} else {
		if !ValidName(name) {
			return "", fmt.Errorf("%w: invalid name %q", perrors.ErrInvalidInput, name)
		}
		dir = filepath.Join(p.Dir(kind), name)
	}

	data, err := os.ReadFile(filepath.Join(dir, base))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s/%s", perrors.ErrNotFound, name, base)
		}
		return "", &perrors.ParseError{Path: filepath.Join(dir, base), Err: err}
	}
	return string(data), nil
}

// allowedBasename accepts "design" or "design.md" and maps it onto the allow-list.
func allowedBasename(doc string, allowed []string) (string, bool) {
	for _, a := range allowed {
		if doc == a || doc+".md" == a {
			return a, true
		}
	}
	return "", false
}

func (p *Parser) entityDir(kind Kind, name string) (string, bool) {
	if !ValidName(name) {
		return "", false
	}
	dir := filepath.Join(p.Dir(kind), name)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", false
	}
	return dir, true
}

func (p *Parser) entityNames(kind Kind) []string {
	entries, err := os.ReadDir(p.Dir(kind))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			p.logger.Warn().Err(err).Str("kind", string(kind)).Msg("cannot list documents directory")
		}
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && ValidName(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names
}

// document is one read Markdown file with frontmatter removed.
type document struct {
	name    string
	body    string
	title   string
	modTime time.Time
}

type docSet map[string]*document

func (d docSet) get(name string) (*document, bool) {
	doc, ok := d[name]
	return doc, ok
}

type frontMatter struct {
	Title string `yaml:"title"`
}

func (p *Parser) readDocs(dir string, names []string) docSet {
	docs := make(docSet, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				p.logger.Warn().Err(&perrors.ParseError{Path: path, Err: err}).Msg("document treated as absent")
			}
			continue
		}
		if info.IsDir() {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			p.logger.Warn().Err(&perrors.ParseError{Path: path, Err: err}).Msg("document treated as absent")
			continue
		}

		var meta frontMatter
		body, err := frontmatter.Parse(bytes.NewReader(data), &meta)
		if err != nil {
			p.logger.Debug().Err(err).Str("path", path).Msg("malformed frontmatter ignored")
			body = data
			meta = frontMatter{}
		}
		docs[name] = &document{
			name:    name,
			body:    string(body),
			title:   meta.Title,
			modTime: info.ModTime(),
		}
	}
	return docs
}

// lastModified prefers git history for dir, then the newest document mtime.
func (p *Parser) lastModified(ctx context.Context, dir string, docs docSet) time.Time {
	var newest time.Time
	for _, d := range docs {
		if d.modTime.After(newest) {
			newest = d.modTime
		}
	}

	if p.git != nil {
		rel, err := filepath.Rel(p.root, dir)
		if err == nil {
			key := fmt.Sprintf("%s@%d", rel, newest.UnixNano())
			ts, err := p.gitCache.GetOrLoad(key, func() (time.Time, error) {
				return p.git.LastCommitTime(ctx, p.root, filepath.ToSlash(rel))
			})
			switch {
			case err != nil:
				p.logger.Debug().Err(err).Str("dir", rel).Msg("git history unavailable, using file times")
			case !ts.IsZero():
				return ts
			}
		}
	}

	if !newest.IsZero() {
		return newest.UTC()
	}
	return time.Time{}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
