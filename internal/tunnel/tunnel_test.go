package tunnel

import (
	"context"
	"errors"
	"os/exec"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/p-blackswan/specboard/internal/errors"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

// shellProvider runs script through sh and recognizes trycloudflare URLs.
func shellProvider(name, script string) *CommandProvider {
	return &CommandProvider{
		ProviderName: name,
		Binary:       "sh",
		Args:         func(Options) []string { return []string{"-c", script} },
		URLPattern:   regexp.MustCompile(`(https://[a-z0-9-]+\.trycloudflare\.com)`),
		Remediation:  []string{"install it"},
		Logger:       zerolog.Nop(),
	}
}

func missingProvider(name string) *CommandProvider {
	p := shellProvider(name, "")
	p.LookPath = func(string) (string, error) { return "", exec.ErrNotFound }
	return p
}

type recorder struct {
	mu   sync.Mutex
	msgs []string
	data []any
}

func (r *recorder) Broadcast(msgType string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msgType)
	r.data = append(r.data, data)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func TestCommandProvider_DiscoversURL(t *testing.T) {
	requireShell(t)
	p := shellProvider("cloudflare", "echo 'connecting'; echo 'INF | https://quiet-river-42.trycloudflare.com |'; exec sleep 30")

	inst, err := p.CreateTunnel(context.Background(), Options{Port: 3000, URLTimeout: 5 * time.Second})
	require.NoError(t, err)

	info := inst.Info()
	assert.Equal(t, "https://quiet-river-42.trycloudflare.com", info.URL)
	assert.Equal(t, StateActive, info.State)
	assert.NotZero(t, info.PID)
	assert.Contains(t, inst.Diagnostics(), "connecting")

	require.NoError(t, inst.Close(2*time.Second))
	assert.Equal(t, StateClosed, inst.State())
	select {
	case <-inst.Exited():
	default:
		t.Fatal("process still running after Close")
	}
}

func TestCommandProvider_EarlyExit(t *testing.T) {
	requireShell(t)
	p := shellProvider("cloudflare", "echo 'login required'; exit 3")

	_, err := p.CreateTunnel(context.Background(), Options{Port: 3000, URLTimeout: 5 * time.Second})
	var tErr *perrors.TunnelProviderError
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, perrors.CodeEarlyExit, tErr.Code)
	assert.Contains(t, tErr.Output, "login required")
	assert.Equal(t, []string{"install it"}, tErr.Remediation)
}

func TestCommandProvider_URLThenImmediateExit(t *testing.T) {
	requireShell(t)
	p := shellProvider("cloudflare", "echo 'https://brief-cloud.trycloudflare.com'; exit 0")

	for i := 0; i < 20; i++ {
		inst, err := p.CreateTunnel(context.Background(), Options{Port: 3000, URLTimeout: 5 * time.Second})
		require.NoError(t, err, "attempt %d", i)
		assert.Equal(t, "https://brief-cloud.trycloudflare.com", inst.Info().URL)
		<-inst.Exited()
		assert.NotEqual(t, StateActive, inst.State())
	}
}

func TestCommandProvider_URLTimeout(t *testing.T) {
	requireShell(t)
	p := shellProvider("cloudflare", "echo 'still waiting'; exec sleep 30")

	start := time.Now()
	_, err := p.CreateTunnel(context.Background(), Options{Port: 3000, URLTimeout: 200 * time.Millisecond})
	var tErr *perrors.TunnelProviderError
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, perrors.CodeURLTimeout, tErr.Code)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCommandProvider_Unavailable(t *testing.T) {
	p := missingProvider("ngrok")
	assert.False(t, p.IsAvailable(context.Background()))

	_, err := p.CreateTunnel(context.Background(), Options{Port: 3000})
	var tErr *perrors.TunnelProviderError
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, perrors.CodeProviderUnavailable, tErr.Code)
	assert.True(t, perrors.IsFallbackable(err))
}

func TestCommandProvider_ValidateConfig(t *testing.T) {
	p := shellProvider("x", "")
	var tErr *perrors.TunnelProviderError
	require.ErrorAs(t, p.ValidateConfig(Options{Port: 0}), &tErr)
	assert.Equal(t, perrors.CodeInvalidConfig, tErr.Code)

	lt := LocalTunnel(zerolog.Nop())
	assert.NoError(t, lt.ValidateConfig(Options{Port: 8080, Subdomain: "my-board"}))
	assert.Error(t, lt.ValidateConfig(Options{Port: 8080, Subdomain: "Bad_Name"}))
}

func TestBuiltins(t *testing.T) {
	names := []string{}
	for _, p := range Builtins(zerolog.Nop()) {
		names = append(names, p.Name())
	}
	assert.Equal(t, []string{ProviderCloudflare, ProviderNgrok, ProviderLocalTunnel, ProviderPinggy}, names)

	opts := Options{Port: 4000}
	assert.Equal(t, []string{"tunnel", "--no-autoupdate", "--url", "http://localhost:4000"}, Cloudflare(zerolog.Nop()).Args(opts))
	assert.Equal(t, []string{"--port", "4000", "--local-host", "localhost"}, LocalTunnel(zerolog.Nop()).Args(opts))
	assert.Contains(t, Pinggy(zerolog.Nop()).Args(opts), "-R0:localhost:4000")
}

func TestURLPatterns(t *testing.T) {
	cases := []struct {
		provider *CommandProvider
		line     string
		want     string
	}{
		{Cloudflare(zerolog.Nop()), "2024 INF |  https://abc-def.trycloudflare.com  |", "https://abc-def.trycloudflare.com"},
		{Ngrok(zerolog.Nop()), `t=2024 lvl=info msg="started tunnel" url=https://1a2b.ngrok-free.app`, "https://1a2b.ngrok-free.app"},
		{LocalTunnel(zerolog.Nop()), "your url is: https://odd-cat-12.loca.lt", "https://odd-cat-12.loca.lt"},
		{Pinggy(zerolog.Nop()), "https://rnxyz-1-2-3-4.a.free.pinggy.link", "https://rnxyz-1-2-3-4.a.free.pinggy.link"},
	}
	for _, tc := range cases {
		t.Run(tc.provider.Name(), func(t *testing.T) {
			assert.Equal(t, tc.want, matchURL(tc.provider.URLPattern, tc.line))
		})
	}
	assert.Empty(t, matchURL(Cloudflare(zerolog.Nop()).URLPattern, "http://localhost:3000"))
}

func TestCanonicalName(t *testing.T) {
	assert.Equal(t, ProviderCloudflare, CanonicalName("cf"))
	assert.Equal(t, ProviderCloudflare, CanonicalName("Cloudflared"))
	assert.Equal(t, ProviderLocalTunnel, CanonicalName("lt"))
	assert.Equal(t, Auto, CanonicalName(""))
	assert.Equal(t, "ngrok", CanonicalName("ngrok"))
}

func TestRing(t *testing.T) {
	r := newRing(3)
	r.add("a")
	r.add("b")
	assert.Equal(t, []string{"a", "b"}, r.lines())
	r.add("c")
	r.add("d")
	assert.Equal(t, []string{"b", "c", "d"}, r.lines())
}

func newTestManager(t *testing.T, events Broadcaster, providers ...Provider) *Manager {
	t.Helper()
	m := NewManager(ManagerOptions{Port: 3000, Grace: 2 * time.Second, URLTimeout: 5 * time.Second, Events: events}, zerolog.Nop())
	for _, p := range providers {
		require.NoError(t, m.Register(p))
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestManager_AutoFailover(t *testing.T) {
	requireShell(t)
	rec := &recorder{}
	m := newTestManager(t, rec,
		missingProvider("cloudflare"),
		shellProvider("ngrok", "echo https://second-choice.trycloudflare.com; exec sleep 30"),
	)

	info, err := m.Start(context.Background(), StartRequest{Provider: "auto"})
	require.NoError(t, err)
	assert.Equal(t, "ngrok", info.Provider)
	assert.Equal(t, "https://second-choice.trycloudflare.com", info.URL)
	assert.Equal(t, []string{EventStarted}, rec.types())

	st := m.Status()
	assert.True(t, st.Active)
	require.NotNil(t, st.Tunnel)
	assert.Equal(t, info.URL, st.Tunnel.URL)
}

func TestManager_AutoFailoverPastBrokenProvider(t *testing.T) {
	requireShell(t)
	m := newTestManager(t, nil,
		shellProvider("cloudflare", "echo 'error: quota'; exit 1"),
		shellProvider("ngrok", "echo https://fallback.trycloudflare.com; exec sleep 30"),
	)

	info, err := m.Start(context.Background(), StartRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ngrok", info.Provider)
}

func TestManager_NoProviderAvailable(t *testing.T) {
	m := newTestManager(t, nil, missingProvider("cloudflare"), missingProvider("ngrok"))

	_, err := m.Start(context.Background(), StartRequest{Provider: "auto"})
	var tErr *perrors.TunnelProviderError
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, perrors.CodeNoProvider, tErr.Code)
	assert.Equal(t, []string{"cloudflare", "ngrok"}, tErr.Attempted)
	assert.NotEmpty(t, tErr.Remediation)
	assert.False(t, m.Active())
}

func TestManager_ExplicitProviderErrors(t *testing.T) {
	m := newTestManager(t, nil, missingProvider("cloudflare"))

	_, err := m.Start(context.Background(), StartRequest{Provider: "cf"})
	var tErr *perrors.TunnelProviderError
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, perrors.CodeProviderUnavailable, tErr.Code)
	assert.Equal(t, []string{"install it"}, tErr.Remediation)

	_, err = m.Start(context.Background(), StartRequest{Provider: "carrier-pigeon"})
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, perrors.CodeProviderUnknown, tErr.Code)
}

func TestManager_StartIsIdempotentWhileActive(t *testing.T) {
	requireShell(t)
	rec := &recorder{}
	m := newTestManager(t, rec, shellProvider("cloudflare", "echo https://only-one.trycloudflare.com; exec sleep 30"))

	first, err := m.Start(context.Background(), StartRequest{Provider: "cloudflare", Password: "s3cret"})
	require.NoError(t, err)
	second, err := m.Start(context.Background(), StartRequest{Provider: "cloudflare"})
	require.NoError(t, err)

	assert.Equal(t, first.PID, second.PID)
	assert.Equal(t, "s3cret", m.Password())
	assert.Equal(t, []string{EventStarted}, rec.types())

	require.NoError(t, m.Stop(context.Background()))
	assert.False(t, m.Active())
	assert.Empty(t, m.Password())
	assert.Equal(t, []string{EventStarted, EventStopped}, rec.types())
}

func TestManager_UnexpectedExitClearsTunnel(t *testing.T) {
	requireShell(t)
	rec := &recorder{}
	m := newTestManager(t, rec, shellProvider("cloudflare", "echo https://short-lived.trycloudflare.com; sleep 0.3"))

	_, err := m.Start(context.Background(), StartRequest{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !m.Active() }, 5*time.Second, 20*time.Millisecond)
	assert.Contains(t, rec.types(), EventStopped)
}

func TestManager_RecordVisitor(t *testing.T) {
	requireShell(t)
	rec := &recorder{}
	m := newTestManager(t, rec, shellProvider("cloudflare", "echo https://visits.trycloudflare.com; exec sleep 30"))

	m.RecordVisitor("1.2.3.4", "curl") // ignored while no tunnel is up
	assert.Empty(t, rec.types())

	_, err := m.Start(context.Background(), StartRequest{})
	require.NoError(t, err)

	m.RecordVisitor("1.2.3.4", "curl")
	m.RecordVisitor("1.2.3.4", "curl")
	m.RecordVisitor("5.6.7.8", "firefox")

	st := m.Status()
	assert.Equal(t, 2, st.Metrics.UniqueVisitors)
	assert.Equal(t, 3, st.Metrics.TotalRequests)

	newVisitors := 0
	for _, typ := range rec.types() {
		if typ == EventVisitorNew {
			newVisitors++
		}
	}
	assert.Equal(t, 2, newVisitors)
	assert.Contains(t, rec.types(), EventMetricsUpdated)
}

func TestManager_RegisterDuplicate(t *testing.T) {
	m := NewManager(ManagerOptions{}, zerolog.Nop())
	require.NoError(t, m.Register(missingProvider("ngrok")))
	assert.Error(t, m.Register(missingProvider("ngrok")))
	assert.Equal(t, []string{"ngrok"}, m.Providers())
}

func TestManager_CanceledStart(t *testing.T) {
	requireShell(t)
	m := newTestManager(t, nil, shellProvider("cloudflare", "exec sleep 30"))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	_, err := m.Start(ctx, StartRequest{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}
