package tunnel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	perrors "github.com/p-blackswan/specboard/internal/errors"
	"github.com/p-blackswan/specboard/internal/metrics"
)

// Event types published by the Manager.
const (
	EventStarted        = "tunnel:started"
	EventStopped        = "tunnel:stopped"
	EventMetricsUpdated = "tunnel:metrics:updated"
	EventVisitorNew     = "tunnel:visitor:new"
)

// Broadcaster receives tunnel events.
type Broadcaster interface {
	Broadcast(msgType string, data any)
}

// StartRequest selects a provider ("auto" or a name/alias) and optionally
// protects the tunnel with a password.
type StartRequest struct {
	Provider string `json:"provider"`
	Password string `json:"password,omitempty"`
}

// VisitorMetrics summarizes traffic through the active tunnel.
type VisitorMetrics struct {
	UniqueVisitors int       `json:"uniqueVisitors"`
	TotalRequests  int       `json:"totalRequests"`
	LastVisitAt    time.Time `json:"lastVisitAt,omitempty"`
}

// Status is the public state of the Manager.
type Status struct {
	Active            bool           `json:"active"`
	Tunnel            *Info          `json:"tunnel,omitempty"`
	PasswordProtected bool           `json:"passwordProtected"`
	Providers         []string       `json:"providers"`
	Metrics           VisitorMetrics `json:"metrics"`
}

// Visitor is one distinct client seen through the tunnel.
type Visitor struct {
	IP        string    `json:"ip"`
	UserAgent string    `json:"userAgent"`
	FirstSeen time.Time `json:"firstSeen"`
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Port int
	Host string
	// Grace is the SIGTERM to SIGKILL window on stop (0 = 5s).
	Grace time.Duration
	// URLTimeout bounds URL discovery per attempt (0 = 30s).
	URLTimeout time.Duration
	AuthToken  string
	Subdomain  string
	// MetricsInterval throttles tunnel:metrics:updated events (0 = 1s).
	MetricsInterval time.Duration
	Metrics         *metrics.Metrics
	Events          Broadcaster
}

// Manager holds the ordered provider registry and at most one active tunnel.
type Manager struct {
	opts    ManagerOptions
	logger  zerolog.Logger
	limiter *rate.Limiter

	startMu sync.Mutex // serializes Start and Stop

	mu        sync.Mutex
	order     []string
	providers map[string]Provider
	active    *Instance
	password  string
	visitors  map[string]Visitor
	requests  int
	lastVisit time.Time
	events    Broadcaster
}

// NewManager creates a Manager with no providers registered.
func NewManager(opts ManagerOptions, logger zerolog.Logger) *Manager {
	if opts.Grace <= 0 {
		opts.Grace = 5 * time.Second
	}
	if opts.MetricsInterval <= 0 {
		opts.MetricsInterval = time.Second
	}
	return &Manager{
		opts:      opts,
		logger:    logger.With().Str("component", "tunnel-manager").Logger(),
		limiter:   rate.NewLimiter(rate.Every(opts.MetricsInterval), 1),
		providers: make(map[string]Provider),
		visitors:  make(map[string]Visitor),
		events:    opts.Events,
	}
}

// SetBroadcaster wires the event sink after construction.
func (m *Manager) SetBroadcaster(b Broadcaster) {
	m.mu.Lock()
	m.events = b
	m.mu.Unlock()
}

// Register appends p to the auto-selection order.
func (m *Manager) Register(p Provider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := CanonicalName(p.Name())
	if _, exists := m.providers[name]; exists {
		return fmt.Errorf("tunnel: provider %q already registered", name)
	}
	m.providers[name] = p
	m.order = append(m.order, name)
	return nil
}

// Providers lists registered provider names in selection order.
func (m *Manager) Providers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

// Start opens a tunnel. If one is already active its info is returned and
// no new process is started.
func (m *Manager) Start(ctx context.Context, req StartRequest) (Info, error) {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	m.mu.Lock()
	if m.active != nil && m.active.State() == StateActive {
		info := m.active.Info()
		m.mu.Unlock()
		return info, nil
	}
	m.mu.Unlock()

	opts := Options{
		Port:       m.opts.Port,
		Host:       m.opts.Host,
		Subdomain:  m.opts.Subdomain,
		AuthToken:  m.opts.AuthToken,
		URLTimeout: m.opts.URLTimeout,
	}

	name := CanonicalName(req.Provider)
	var (
		inst *Instance
		err  error
	)
	if name == Auto {
		inst, err = m.startAuto(ctx, opts)
	} else {
		inst, err = m.startNamed(ctx, name, opts)
	}
	if err != nil {
		m.opts.Metrics.RecordError("tunnel", "start")
		return Info{}, err
	}

	info := inst.Info()
	m.mu.Lock()
	m.active = inst
	m.password = req.Password
	m.visitors = make(map[string]Visitor)
	m.requests = 0
	m.lastVisit = time.Time{}
	events := m.events
	m.mu.Unlock()

	m.opts.Metrics.SetTunnelActive(info.Provider, true)
	go m.watch(inst)

	if events != nil {
		events.Broadcast(EventStarted, map[string]any{
			"url":               info.URL,
			"provider":          info.Provider,
			"startedAt":         info.StartedAt,
			"passwordProtected": req.Password != "",
		})
	}
	return info, nil
}

func (m *Manager) provider(name string) (Provider, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[name]
	return p, ok
}

func (m *Manager) startNamed(ctx context.Context, name string, opts Options) (*Instance, error) {
	p, ok := m.provider(name)
	if !ok {
		return nil, perrors.NewTunnelError(perrors.CodeProviderUnknown, name,
			"unknown tunnel provider",
			fmt.Sprintf("Choose one of: %v, or %q.", m.Providers(), Auto))
	}
	if !p.IsAvailable(ctx) {
		var remediation []string
		if cp, ok := p.(*CommandProvider); ok {
			remediation = cp.Remediation
		}
		e := perrors.NewTunnelError(perrors.CodeProviderUnavailable, name,
			"tunnel provider is not installed", remediation...)
		e.Attempted = []string{name}
		return nil, e
	}
	if err := p.ValidateConfig(opts); err != nil {
		return nil, err
	}
	return p.CreateTunnel(ctx, opts)
}

func (m *Manager) startAuto(ctx context.Context, opts Options) (*Instance, error) {
	var (
		attempted []string
		lastErr   error
	)
	for _, name := range m.Providers() {
		p, ok := m.provider(name)
		if !ok {
			continue
		}
		attempted = append(attempted, name)
		if !p.IsAvailable(ctx) {
			m.logger.Debug().Str("provider", name).Msg("provider unavailable, trying next")
			continue
		}
		if err := p.ValidateConfig(opts); err != nil {
			lastErr = err
			continue
		}
		inst, err := p.CreateTunnel(ctx, opts)
		if err == nil {
			return inst, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		if !perrors.IsFallbackable(err) {
			return nil, err
		}
		m.logger.Warn().Err(err).Str("provider", name).Msg("tunnel provider failed, trying next")
	}

	e := perrors.NewTunnelError(perrors.CodeNoProvider, "", "no tunnel provider available",
		"Install one of: cloudflared, ngrok, localtunnel (lt) or an ssh client.")
	e.Attempted = attempted
	e.Err = lastErr
	return nil, e
}

// watch clears the active tunnel when its process exits on its own.
func (m *Manager) watch(inst *Instance) {
	<-inst.Exited()
	m.mu.Lock()
	if m.active != inst {
		m.mu.Unlock()
		return
	}
	m.active = nil
	m.password = ""
	events := m.events
	m.mu.Unlock()

	m.logger.Warn().Strs("output", inst.Diagnostics()).Msg("tunnel process exited unexpectedly")
	m.opts.Metrics.SetTunnelActive(inst.provider, false)
	if events != nil {
		events.Broadcast(EventStopped, map[string]any{"provider": inst.provider, "reason": "exited"})
	}
}

// Stop closes the active tunnel, if any.
func (m *Manager) Stop(_ context.Context) error {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	m.mu.Lock()
	inst := m.active
	m.active = nil
	m.password = ""
	events := m.events
	m.mu.Unlock()

	if inst == nil {
		return nil
	}
	err := inst.Close(m.opts.Grace)
	m.opts.Metrics.SetTunnelActive(inst.provider, false)
	if events != nil {
		events.Broadcast(EventStopped, map[string]any{"provider": inst.provider, "reason": "stopped"})
	}
	return err
}

// Status reports the active tunnel and visitor metrics.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		Providers:         append([]string(nil), m.order...),
		PasswordProtected: m.active != nil && m.password != "",
		Metrics:           m.metricsLocked(),
	}
	if m.active != nil {
		info := m.active.Info()
		st.Active = info.State == StateActive
		st.Tunnel = &info
	}
	return st
}

// Active reports whether a tunnel is up.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil
}

// Password returns the password of the active tunnel, or "".
func (m *Manager) Password() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.password
}

// URL returns the public URL of the active tunnel, or "".
func (m *Manager) URL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return ""
	}
	return m.active.Info().URL
}

// RecordVisitor counts one request arriving through the tunnel.
func (m *Manager) RecordVisitor(ip, userAgent string) {
	now := time.Now()
	m.mu.Lock()
	if m.active == nil {
		m.mu.Unlock()
		return
	}
	m.requests++
	m.lastVisit = now
	key := ip + "|" + userAgent
	_, seen := m.visitors[key]
	var v Visitor
	if !seen {
		v = Visitor{IP: ip, UserAgent: userAgent, FirstSeen: now}
		m.visitors[key] = v
	}
	snapshot := m.metricsLocked()
	events := m.events
	m.mu.Unlock()

	if !seen {
		m.opts.Metrics.RecordVisitor()
	}
	if events == nil {
		return
	}
	if !seen {
		events.Broadcast(EventVisitorNew, v)
	}
	if !seen || m.limiter.Allow() {
		events.Broadcast(EventMetricsUpdated, snapshot)
	}
}

func (m *Manager) metricsLocked() VisitorMetrics {
	return VisitorMetrics{
		UniqueVisitors: len(m.visitors),
		TotalRequests:  m.requests,
		LastVisitAt:    m.lastVisit,
	}
}

// Close stops the active tunnel.
func (m *Manager) Close() error {
	err := m.Stop(context.Background())
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
