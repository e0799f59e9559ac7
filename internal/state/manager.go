// Package state owns the authoritative in-memory snapshot of every tracked
// project and publishes its changes.
package state

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/specboard/internal/discovery"
	perrors "github.com/p-blackswan/specboard/internal/errors"
	"github.com/p-blackswan/specboard/internal/metrics"
	"github.com/p-blackswan/specboard/internal/models"
	"github.com/p-blackswan/specboard/internal/parser"
	"github.com/p-blackswan/specboard/internal/watcher"
)

// Message types published through the Broadcaster.
const (
	MsgUpdate               = "update"
	MsgBugUpdate            = "bug-update"
	MsgSteeringUpdate       = "steering-update"
	MsgGitUpdate            = "git-update"
	MsgProjectsUpdate       = "projects-update"
	MsgActiveSessionsUpdate = "active-sessions-update"
)

// ProjectSource finds candidate projects.
type ProjectSource interface {
	Discover(ctx context.Context) ([]discovery.Project, error)
}

// Broadcaster fans a message out to every connected client. It must not
// call back into the Manager while holding its own locks.
type Broadcaster interface {
	Broadcast(msgType string, data any)
}

// ProjectParser derives a project's records from disk.
type ProjectParser interface {
	Specs(ctx context.Context) []*models.Spec
	Bugs(ctx context.Context) []*models.Bug
	Steering(ctx context.Context) models.SteeringStatus
	ReadDocument(kind parser.Kind, name, doc string) (string, error)
}

// Tracker watches one project and reports through the handler it was built with.
type Tracker interface {
	Start(ctx context.Context) error
	Close() error
}

// Factory builds the parser and change tracker for a project root.
type Factory interface {
	New(root string, handler watcher.Handler) (ProjectParser, Tracker)
}

// Options configures a Manager.
type Options struct {
	// RescanInterval is the period of rediscovery (0 = 30s).
	RescanInterval time.Duration
	Metrics        *metrics.Metrics
}

type entry struct {
	state   *models.ProjectState
	parser  ProjectParser
	tracker Tracker
}

// Manager maintains one entry per tracked project.
type Manager struct {
	source   ProjectSource
	factory  Factory
	hub      Broadcaster
	interval time.Duration
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	rescanMu sync.Mutex // serializes Rescan

	mu       sync.RWMutex
	projects map[string]*entry
	sessions []models.ActiveSession
	seq      uint64 // bumped on every change of sessions

	publishMu sync.Mutex // orders active-sessions-update broadcasts
	published uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a Manager. hub may be nil.
func NewManager(source ProjectSource, factory Factory, hub Broadcaster, opts Options, logger zerolog.Logger) *Manager {
	if opts.RescanInterval <= 0 {
		opts.RescanInterval = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		source:   source,
		factory:  factory,
		hub:      hub,
		interval: opts.RescanInterval,
		metrics:  opts.Metrics,
		logger:   logger.With().Str("component", "state").Logger(),
		projects: make(map[string]*entry),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetBroadcaster wires the distribution hub after construction.
func (m *Manager) SetBroadcaster(b Broadcaster) {
	m.mu.Lock()
	m.hub = b
	m.mu.Unlock()
}

// Start performs the initial discovery and begins periodic rescans.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.Rescan(ctx); err != nil {
		return fmt.Errorf("initial discovery: %w", err)
	}
	m.wg.Add(1)
	go m.loop()
	return nil
}

func (m *Manager) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if err := m.Rescan(m.ctx); err != nil && m.ctx.Err() == nil {
				m.logger.Warn().Err(err).Msg("rescan failed")
			}
		}
	}
}

// Close stops rescanning and every project watcher.
func (m *Manager) Close() error {
	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	entries := make([]*entry, 0, len(m.projects))
	for id, e := range m.projects {
		entries = append(entries, e)
		delete(m.projects, id)
	}
	m.sessions = nil
	m.mu.Unlock()

	for _, e := range entries {
		if err := e.tracker.Close(); err != nil {
			m.logger.Debug().Err(err).Str("project", e.state.Path).Msg("watcher close failed")
		}
	}
	return nil
}

// Rescan rediscovers projects, starts tracking new ones and drops the ones
// that vanished or no longer carry a session, spec or bug.
func (m *Manager) Rescan(ctx context.Context) error {
	m.rescanMu.Lock()
	defer m.rescanMu.Unlock()

	start := time.Now()
	found, err := m.source.Discover(ctx)
	if err != nil {
		m.metrics.ObserveRescan("error", time.Since(start).Seconds())
		return err
	}

	m.mu.RLock()
	known := make(map[string]bool, len(m.projects))
	for id := range m.projects {
		known[id] = true
	}
	m.mu.RUnlock()

	// Parse new projects before taking the write lock.
	fresh := make(map[string]*entry)
	seen := make(map[string]discovery.Project, len(found))
	for _, p := range found {
		id := models.ProjectID(p.Path)
		seen[id] = p
		if known[id] {
			continue
		}
		e := m.build(ctx, p)
		if !hasPresence(e.state) {
			continue
		}
		fresh[id] = e
	}

	m.mu.Lock()
	changed := len(fresh) > 0
	for id, e := range fresh {
		m.projects[id] = e
	}
	var dropped []*entry
	for id, e := range m.projects {
		if _, isFresh := fresh[id]; isFresh {
			continue
		}
		if p, ok := seen[id]; ok {
			if e.state.HasActiveSession != p.HasActiveSession || e.state.Git != p.Git {
				e.state = cloneState(e.state)
				e.state.HasActiveSession = p.HasActiveSession
				e.state.Git = p.Git
				changed = true
			}
		} else if e.state.HasActiveSession {
			e.state = cloneState(e.state)
			e.state.HasActiveSession = false
			changed = true
		}
		if !rootExists(e.state.Path) || !hasPresence(e.state) {
			dropped = append(dropped, e)
			delete(m.projects, id)
			changed = true
		}
	}
	sessions, seq := m.refreshSessionsLocked()
	count := len(m.projects)
	hub := m.hub
	m.mu.Unlock()

	for _, e := range dropped {
		m.logger.Info().Str("project", e.state.Path).Msg("project no longer tracked")
		_ = e.tracker.Close()
	}
	for _, e := range fresh {
		m.logger.Info().Str("project", e.state.Path).Int("specs", len(e.state.Specs)).Int("bugs", len(e.state.Bugs)).Msg("project tracked")
	}

	m.metrics.SetProjects(count)
	m.metrics.ObserveRescan("ok", time.Since(start).Seconds())

	if hub != nil && changed {
		hub.Broadcast(MsgProjectsUpdate, map[string]any{"projects": m.Snapshot()})
	}
	if hub != nil && seq > 0 {
		m.publishSessions(hub, sessions, seq)
	}

	// Trackers start once their entries are visible, so no early event is lost.
	for _, e := range fresh {
		if m.ctx.Err() != nil {
			break
		}
		if err := e.tracker.Start(m.ctx); err != nil {
			m.logger.Warn().Err(err).Str("project", e.state.Path).Msg("watcher unavailable, project tracked without live updates")
		}
	}
	return nil
}

// build creates the parser and tracker for p and takes the initial snapshot.
func (m *Manager) build(ctx context.Context, p discovery.Project) *entry {
	id := models.ProjectID(p.Path)
	prs, tracker := m.factory.New(p.Path, func(ev watcher.Event) { m.handle(id, ev) })
	st := &models.ProjectState{
		ID:               id,
		Path:             p.Path,
		Name:             p.Name,
		HasActiveSession: p.HasActiveSession,
		Git:              p.Git,
		Steering:         prs.Steering(ctx),
		Specs:            orEmpty(prs.Specs(ctx)),
		Bugs:             orEmpty(prs.Bugs(ctx)),
	}
	return &entry{state: st, parser: prs, tracker: tracker}
}

// handle applies one watcher event. It runs on the project's watcher
// goroutine, so events for a project are applied in order.
func (m *Manager) handle(id string, ev watcher.Event) {
	m.metrics.RecordWatchEvent(string(ev.Type), string(ev.Action))

	// Git moves can change lastModified of every entity: re-derive outside the lock.
	var specs []*models.Spec
	var bugs []*models.Bug
	if ev.Type == watcher.EventGit {
		m.mu.RLock()
		e, ok := m.projects[id]
		m.mu.RUnlock()
		if !ok {
			return
		}
		specs, bugs = e.parser.Specs(m.ctx), e.parser.Bugs(m.ctx)
	}

	m.mu.Lock()
	e, ok := m.projects[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	st := cloneState(e.state)
	var msgType string
	var payload map[string]any
	switch ev.Type {
	case watcher.EventSpec:
		st.Specs = upsertSpec(st.Specs, ev.Name, ev.Spec)
		msgType = MsgUpdate
		payload = map[string]any{"projectId": id, "action": ev.Action, "name": ev.Name, "spec": ev.Spec}
	case watcher.EventBug:
		st.Bugs = upsertBug(st.Bugs, ev.Name, ev.Bug)
		msgType = MsgBugUpdate
		payload = map[string]any{"projectId": id, "action": ev.Action, "name": ev.Name, "bug": ev.Bug}
	case watcher.EventSteering:
		st.Steering = ev.Steering
		msgType = MsgSteeringUpdate
		payload = map[string]any{"projectId": id, "steering": ev.Steering}
	case watcher.EventGit:
		st.Git = ev.Git
		st.Specs, st.Bugs = orEmpty(specs), orEmpty(bugs)
		msgType = MsgGitUpdate
		payload = map[string]any{"projectId": id, "git": ev.Git}
	default:
		m.mu.Unlock()
		return
	}
	e.state = st
	sessions, seq := m.refreshSessionsLocked()
	hub := m.hub
	m.mu.Unlock()

	if hub == nil {
		return
	}
	hub.Broadcast(msgType, payload)
	if seq > 0 {
		m.publishSessions(hub, sessions, seq)
	}
}

// refreshSessionsLocked recomputes the session aggregate. When it changed it
// returns a copy and its sequence number, otherwise seq is 0. m.mu must be
// held for writing.
func (m *Manager) refreshSessionsLocked() ([]models.ActiveSession, uint64) {
	states := make([]*models.ProjectState, 0, len(m.projects))
	for _, e := range m.projects {
		states = append(states, e.state)
	}
	next := AggregateSessions(states)
	if reflect.DeepEqual(next, m.sessions) {
		return nil, 0
	}
	m.sessions = next
	m.seq++
	m.metrics.SetActiveSessions(len(next))
	return append(make([]models.ActiveSession, 0, len(next)), next...), m.seq
}

// publishSessions broadcasts the aggregate numbered seq unless a newer one
// has already gone out.
func (m *Manager) publishSessions(hub Broadcaster, sessions []models.ActiveSession, seq uint64) {
	m.publishMu.Lock()
	defer m.publishMu.Unlock()
	if seq <= m.published {
		return
	}
	m.published = seq
	hub.Broadcast(MsgActiveSessionsUpdate, map[string]any{"activeSessions": sessions})
}

// Snapshot returns every tracked project sorted by name then path. The
// returned records are shared and must be treated as read-only.
func (m *Manager) Snapshot() []models.ProjectState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.ProjectState, 0, len(m.projects))
	for _, e := range m.projects {
		out = append(out, *e.state)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Path < out[j].Path
	})
	return out
}

// Project returns one project by id.
func (m *Manager) Project(id string) (models.ProjectState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.projects[id]
	if !ok {
		return models.ProjectState{}, false
	}
	return *e.state, true
}

// ActiveSessions returns the current aggregate.
func (m *Manager) ActiveSessions() []models.ActiveSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.ActiveSession, len(m.sessions))
	copy(out, m.sessions)
	return out
}

// ReadDocument returns the raw text of an allow-listed document of a project.
func (m *Manager) ReadDocument(id string, kind parser.Kind, name, doc string) (string, error) {
	m.mu.RLock()
	e, ok := m.projects[id]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: project %s", perrors.ErrNotFound, id)
	}
	return e.parser.ReadDocument(kind, name, doc)
}

func hasPresence(st *models.ProjectState) bool {
	return st.HasActiveSession || len(st.Specs) > 0 || len(st.Bugs) > 0
}

func rootExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// cloneState copies the top-level record so published snapshots stay immutable.
func cloneState(st *models.ProjectState) *models.ProjectState {
	c := *st
	c.Specs = append(make([]*models.Spec, 0, len(st.Specs)), st.Specs...)
	c.Bugs = append(make([]*models.Bug, 0, len(st.Bugs)), st.Bugs...)
	return &c
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func upsertSpec(specs []*models.Spec, name string, spec *models.Spec) []*models.Spec {
	out := make([]*models.Spec, 0, len(specs)+1)
	for _, s := range specs {
		if s.Name != name {
			out = append(out, s)
		}
	}
	if spec != nil {
		out = append(out, spec)
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	}
	return out
}

func upsertBug(bugs []*models.Bug, name string, bug *models.Bug) []*models.Bug {
	out := make([]*models.Bug, 0, len(bugs)+1)
	for _, b := range bugs {
		if b.Name != name {
			out = append(out, b)
		}
	}
	if bug != nil {
		out = append(out, bug)
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	}
	return out
}
