// Package watcher turns filesystem notifications under a project root into
// debounced spec, bug, steering and git change events.
package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/specboard/internal/errors"
	"github.com/p-blackswan/specboard/internal/models"
	"github.com/p-blackswan/specboard/internal/parser"
)

// EventType names the family of a change event.
type EventType string

const (
	EventSpec     EventType = "spec"
	EventBug      EventType = "bug"
	EventSteering EventType = "steering"
	EventGit      EventType = "git"
)

// Action is the lifecycle transition of a spec or bug.
type Action string

const (
	ActionAdded   Action = "added"
	ActionChanged Action = "changed"
	ActionRemoved Action = "removed"
)

// Event is one domain-level change. Spec or Bug is nil when Action is removed.
type Event struct {
	Type     EventType
	Action   Action
	Name     string
	Spec     *models.Spec
	Bug      *models.Bug
	Steering models.SteeringStatus
	Git      models.GitInfo
}

// Handler receives events. Calls for one Watcher never overlap.
type Handler func(Event)

// Parser is the subset of *parser.Parser the watcher re-invokes.
type Parser interface {
	Root() string
	Dir(kind parser.Kind) string
	Spec(ctx context.Context, name string) *models.Spec
	Bug(ctx context.Context, name string) *models.Bug
	Steering(ctx context.Context) models.SteeringStatus
	InvalidateHistory()
}

// GitReader reads repository HEAD state.
type GitReader interface {
	Available() bool
	Info(ctx context.Context, root string) (models.GitInfo, error)
}

// Options configures a Watcher.
type Options struct {
	// Debounce is the settle window per entity (0 = 250ms).
	Debounce time.Duration
	// Git is optional; nil disables the git sub-watcher.
	Git GitReader
}

type keyKind int

const (
	keySpec keyKind = iota
	keyBug
	keySteering
	keyGit
)

type key struct {
	kind keyKind
	name string
}

// Watcher watches one project root.
type Watcher struct {
	root     string
	claude   string
	specs    string
	bugs     string
	steering string
	gitDir   string
	gitHeads string

	parser   Parser
	git      GitReader
	handler  Handler
	debounce time.Duration
	logger   zerolog.Logger

	fs *fsnotify.Watcher

	mu      sync.Mutex
	timers  map[key]*time.Timer
	queue   []key
	queued  map[key]bool
	watched map[string]bool
	closed  bool
	notify  chan struct{}

	// owned by the worker goroutine
	knownSpecs map[string]bool
	knownBugs  map[string]bool
	lastGit    models.GitInfo

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a watcher for the project parsed by p. handler is invoked from a
// single goroutine, so events for one project are delivered in order.
func New(p Parser, handler Handler, opts Options, logger zerolog.Logger) *Watcher {
	if opts.Debounce <= 0 {
		opts.Debounce = 250 * time.Millisecond
	}
	root := p.Root()
	git := opts.Git
	if git != nil && !git.Available() {
		git = nil
	}
	return &Watcher{
		root:       root,
		claude:     filepath.Join(root, parser.MarkerDir),
		specs:      p.Dir(parser.KindSpecs),
		bugs:       p.Dir(parser.KindBugs),
		steering:   p.Dir(parser.KindSteering),
		gitDir:     filepath.Join(root, ".git"),
		gitHeads:   filepath.Join(root, ".git", "refs", "heads"),
		parser:     p,
		git:        git,
		handler:    handler,
		debounce:   opts.Debounce,
		logger:     logger.With().Str("component", "watcher").Str("root", root).Logger(),
		timers:     make(map[key]*time.Timer),
		queued:     make(map[key]bool),
		watched:    make(map[string]bool),
		notify:     make(chan struct{}, 1),
		knownSpecs: make(map[string]bool),
		knownBugs:  make(map[string]bool),
	}
}

// Start arms the notification watches and begins delivering events. Existing
// specs and bugs are recorded as known without emitting events for them.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return &perrors.WatchSetupError{Path: w.root, Err: err}
	}
	w.fs = fsw

	for _, name := range listEntities(w.specs) {
		w.knownSpecs[name] = true
	}
	for _, name := range listEntities(w.bugs) {
		w.knownBugs[name] = true
	}
	if w.git != nil {
		if info, err := w.git.Info(ctx, w.root); err == nil {
			w.lastGit = info
		}
	}

	w.arm()

	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(2)
	go w.eventLoop(ctx)
	go w.worker(ctx)

	w.logger.Debug().Int("watched", w.watchCount()).Msg("watcher started")
	return nil
}

// Close stops the watcher and waits for in-flight handler calls to return.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for k, t := range w.timers {
		t.Stop()
		delete(w.timers, k)
	}
	w.mu.Unlock()

	if w.cancel != nil {
		w.cancel()
	}
	var err error
	if w.fs != nil {
		err = w.fs.Close()
	}
	w.wg.Wait()
	return err
}

// arm adds watches for every target directory that exists. A missing target
// is covered by watching its nearest existing ancestor inside the root, and
// arm runs again whenever a directory is created.
func (w *Watcher) arm() {
	w.add(w.root)
	targets := []string{w.claude, w.specs, w.bugs, w.steering}
	if w.git != nil {
		targets = append(targets, w.gitDir, filepath.Join(w.gitDir, "refs"), w.gitHeads)
	}
	for _, dir := range targets {
		if isDir(dir) {
			w.add(dir)
		}
	}
	for _, parent := range []string{w.specs, w.bugs} {
		if !w.isWatched(parent) {
			continue
		}
		for _, name := range listEntities(parent) {
			w.add(filepath.Join(parent, name))
		}
	}
}

func (w *Watcher) add(dir string) {
	w.mu.Lock()
	if w.watched[dir] || w.closed {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	if err := w.fs.Add(dir); err != nil {
		w.logger.Debug().Err(&perrors.WatchSetupError{Path: dir, Err: err}).Msg("directory not watched yet")
		return
	}
	w.mu.Lock()
	w.watched[dir] = true
	w.mu.Unlock()
}

func (w *Watcher) forget(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for dir := range w.watched {
		if dir == path || strings.HasPrefix(dir, path+string(filepath.Separator)) {
			delete(w.watched, dir)
		}
	}
}

func (w *Watcher) isWatched(dir string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.watched[dir]
}

func (w *Watcher) watchCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.watched)
}

func (w *Watcher) eventLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handleFSEvent(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				w.logger.Warn().Msg("event queue overflowed, resynchronizing")
				w.scheduleAll()
				continue
			}
			w.logger.Warn().Err(err).Msg("fsnotify error")
		}
	}
}

func (w *Watcher) handleFSEvent(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)

	if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		w.forget(path)
		if path == w.specs || path == w.bugs || path == w.claude {
			w.scheduleAll()
		}
	}
	if ev.Op&fsnotify.Create != 0 && isDir(path) {
		w.arm()
		// A freshly created specs or bugs directory may already hold entities.
		if path == w.specs || path == w.bugs || path == w.claude {
			w.scheduleAll()
		}
	}

	for _, k := range w.classify(path) {
		w.schedule(k)
	}
}

// classify maps a changed path onto the entities it affects.
func (w *Watcher) classify(path string) []key {
	if k, ok := entityKey(w.specs, path, keySpec); ok {
		return []key{k}
	}
	if k, ok := entityKey(w.bugs, path, keyBug); ok {
		return []key{k}
	}
	if path == w.steering || path == w.claude {
		return []key{{kind: keySteering}}
	}
	if filepath.Dir(path) == w.steering {
		base := filepath.Base(path)
		for _, doc := range parser.SteeringDocuments {
			if base == doc {
				return []key{{kind: keySteering}}
			}
		}
		return nil
	}
	if w.git != nil {
		switch {
		case path == w.gitDir:
			return []key{{kind: keyGit}}
		case filepath.Dir(path) == w.gitDir:
			switch filepath.Base(path) {
			case "HEAD", "packed-refs":
				return []key{{kind: keyGit}}
			}
		case strings.HasPrefix(path, w.gitHeads+string(filepath.Separator)):
			if !strings.HasSuffix(path, ".lock") {
				return []key{{kind: keyGit}}
			}
		}
	}
	return nil
}

// entityKey resolves <parent>/<name>[/...] to the entity name, validating it.
func entityKey(parent, path string, kind keyKind) (key, bool) {
	rel, err := filepath.Rel(parent, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return key{}, false
	}
	name := strings.Split(filepath.ToSlash(rel), "/")[0]
	if !parser.ValidName(name) {
		return key{}, false
	}
	return key{kind: kind, name: name}, true
}

// schedule (re)starts the settle timer for k.
func (w *Watcher) schedule(k key) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if t, ok := w.timers[k]; ok {
		t.Stop()
	}
	w.timers[k] = time.AfterFunc(w.debounce, func() { w.enqueue(k) })
}

// scheduleAll queues every entity on disk plus every previously known one.
func (w *Watcher) scheduleAll() {
	keys := []key{{kind: keySteering}}
	if w.git != nil {
		keys = append(keys, key{kind: keyGit})
	}
	for _, name := range listEntities(w.specs) {
		keys = append(keys, key{kind: keySpec, name: name})
	}
	for _, name := range listEntities(w.bugs) {
		keys = append(keys, key{kind: keyBug, name: name})
	}
	// Empty names reconcile removals of known entities.
	keys = append(keys, key{kind: keySpec}, key{kind: keyBug})
	for _, k := range keys {
		w.schedule(k)
	}
}

func (w *Watcher) enqueue(k key) {
	w.mu.Lock()
	delete(w.timers, k)
	if w.closed || w.queued[k] {
		w.mu.Unlock()
		return
	}
	w.queued[k] = true
	w.queue = append(w.queue, k)
	w.mu.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *Watcher) worker(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.notify:
		}
		for {
			w.mu.Lock()
			if len(w.queue) == 0 || w.closed {
				w.mu.Unlock()
				break
			}
			k := w.queue[0]
			w.queue = w.queue[1:]
			delete(w.queued, k)
			w.mu.Unlock()

			w.process(ctx, k)
		}
	}
}

// process re-parses one entity and emits the resulting event, if any.
func (w *Watcher) process(ctx context.Context, k key) {
	switch k.kind {
	case keySpec:
		if k.name == "" {
			w.reconcileRemoved(w.knownSpecs, w.specs, EventSpec)
			return
		}
		spec := w.parser.Spec(ctx, k.name)
		action, ok := transition(w.knownSpecs, k.name, spec != nil)
		if ok {
			w.emit(Event{Type: EventSpec, Action: action, Name: k.name, Spec: spec})
		}
	case keyBug:
		if k.name == "" {
			w.reconcileRemoved(w.knownBugs, w.bugs, EventBug)
			return
		}
		bug := w.parser.Bug(ctx, k.name)
		action, ok := transition(w.knownBugs, k.name, bug != nil)
		if ok {
			w.emit(Event{Type: EventBug, Action: action, Name: k.name, Bug: bug})
		}
	case keySteering:
		w.emit(Event{Type: EventSteering, Steering: w.parser.Steering(ctx)})
	case keyGit:
		w.parser.InvalidateHistory()
		info, err := w.git.Info(ctx, w.root)
		if err != nil {
			w.logger.Debug().Err(err).Msg("git state unreadable")
			return
		}
		if info == w.lastGit {
			return
		}
		w.lastGit = info
		w.emit(Event{Type: EventGit, Git: info})
	}
}

// reconcileRemoved emits removals for known entities whose directory vanished.
func (w *Watcher) reconcileRemoved(known map[string]bool, parent string, typ EventType) {
	for name := range known {
		if isDir(filepath.Join(parent, name)) {
			continue
		}
		delete(known, name)
		w.emit(Event{Type: typ, Action: ActionRemoved, Name: name})
	}
}

// transition updates the known set and reports the action to emit.
func transition(known map[string]bool, name string, exists bool) (Action, bool) {
	was := known[name]
	switch {
	case exists && !was:
		known[name] = true
		return ActionAdded, true
	case exists:
		return ActionChanged, true
	case was:
		delete(known, name)
		return ActionRemoved, true
	default:
		return "", false
	}
}

func (w *Watcher) emit(ev Event) {
	w.logger.Debug().Str("type", string(ev.Type)).Str("action", string(ev.Action)).Str("name", ev.Name).Msg("change detected")
	if w.handler != nil {
		w.handler(ev)
	}
}

func listEntities(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && parser.ValidName(e.Name()) {
			names = append(names, e.Name())
		}
	}
	return names
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
