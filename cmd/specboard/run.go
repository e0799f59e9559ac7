package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"os/user"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/p-blackswan/specboard/internal/config"
	"github.com/p-blackswan/specboard/internal/discovery"
	perrors "github.com/p-blackswan/specboard/internal/errors"
	"github.com/p-blackswan/specboard/internal/git"
	"github.com/p-blackswan/specboard/internal/health"
	"github.com/p-blackswan/specboard/internal/hub"
	"github.com/p-blackswan/specboard/internal/metrics"
	"github.com/p-blackswan/specboard/internal/server"
	"github.com/p-blackswan/specboard/internal/state"
	"github.com/p-blackswan/specboard/internal/tunnel"
)

const (
	listenHost    = "127.0.0.1"
	portAttempts  = 20
	shutdownGrace = 10 * time.Second
)

func run(cmd *cobra.Command, opts options) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	applyFlags(cmd, opts, cfg)

	logger := newLogger(cfg, os.Stderr)
	log.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	checker := health.NewChecker(logger)
	gitReader := git.NewReader(cfg.GitTimeout)
	if !gitReader.Available() {
		logger.Info().Msg("git not found; falling back to file modification times")
	}

	disc := discovery.New(discovery.Options{
		SearchRoots: cfg.SearchRoots,
		MaxDepth:    cfg.MaxDepth,
		ProcessName: cfg.ProcessName,
	}, discovery.DefaultProcessLister(), gitReader, logger)

	mgr := state.NewManager(disc, state.DefaultFactory{
		Git:      gitReader,
		Debounce: cfg.Debounce,
		Logger:   logger,
	}, nil, state.Options{RescanInterval: cfg.RescanInterval, Metrics: m}, logger)

	h := hub.New(mgr, hub.Options{
		QueueSize: cfg.ClientQueueSize,
		Username:  currentUsername(),
		Metrics:   m,
	}, logger)
	mgr.SetBroadcaster(h)

	checker.Register("projects", func(context.Context) health.Status {
		if len(mgr.Snapshot()) == 0 {
			return health.StatusDegraded
		}
		return health.StatusOK
	})
	checker.Register("git", func(context.Context) health.Status {
		if !gitReader.Available() {
			return health.StatusDegraded
		}
		return health.StatusOK
	})

	if err := mgr.Start(ctx); err != nil {
		return err
	}

	ln, port, err := listenWithFallback(listenHost, cfg.Port, portAttempts, logger)
	if err != nil {
		_ = mgr.Close()
		return err
	}

	tun := tunnel.NewManager(tunnel.ManagerOptions{
		Port:       port,
		URLTimeout: cfg.Tunnel.URLTimeout,
		AuthToken:  cfg.Tunnel.AuthToken,
		Subdomain:  cfg.Tunnel.Subdomain,
		Metrics:    m,
		Events:     h,
	}, logger)
	if err := registerProviders(tun, tunnel.Builtins(logger)); err != nil {
		_ = ln.Close()
		_ = mgr.Close()
		return err
	}

	srv, err := server.New(server.Config{
		RateLimit: server.RateLimitConfig{
			RPS:   cfg.RateLimitRPS,
			Burst: cfg.RateLimitBurst,
		},
		CORSOrigins:   cfg.CORSOrigins,
		SessionSecret: []byte(cfg.SessionSecret),
	}, server.Deps{
		State:   mgr,
		Hub:     h,
		Tunnel:  tun,
		Checker: checker,
		Metrics: m,
	}, logger)
	if err != nil {
		_ = ln.Close()
		_ = mgr.Close()
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Listen(ln)
	}()

	localURL := fmt.Sprintf("http://localhost:%d", port)
	out := cmd.OutOrStdout()
	green := color.New(color.FgGreen, color.Bold).SprintFunc()
	fmt.Fprintf(out, "%s dashboard running at %s\n", green("✓"), localURL)
	fmt.Fprintf(out, "  tracking %d project(s)\n", len(mgr.Snapshot()))

	if opts.open {
		if err := openBrowser(localURL); err != nil {
			logger.Warn().Err(err).Msg("could not open browser")
		}
	}

	if cfg.Tunnel.Enabled {
		startTunnel(ctx, out, tun, cfg.Tunnel, logger)
	}

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("server stopped")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := tun.Close(); err != nil {
		logger.Warn().Err(err).Msg("tunnel close failed")
	}
	h.Close()
	if err := mgr.Close(); err != nil {
		logger.Warn().Err(err).Msg("state manager close failed")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("specboard stopped")
	return nil
}

// applyFlags lets explicitly set flags override file and environment values.
func applyFlags(cmd *cobra.Command, opts options, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Port = opts.port
	}
	if flags.Changed("tunnel") {
		cfg.Tunnel.Enabled = opts.tunnel
	}
	if flags.Changed("tunnel-password") {
		cfg.Tunnel.Password = opts.tunnelPassword
		cfg.Tunnel.Enabled = true
	}
	if flags.Changed("tunnel-provider") {
		cfg.Tunnel.Provider = opts.tunnelProvider
		cfg.Tunnel.Enabled = true
	}
	switch {
	case opts.cloudflare:
		cfg.Tunnel.Provider = "cloudflare"
		cfg.Tunnel.Enabled = true
	case opts.ngrok:
		cfg.Tunnel.Provider = "ngrok"
		cfg.Tunnel.Enabled = true
	}
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return zerolog.New(out).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()
}

// listenWithFallback binds host:port, moving to the next port while the
// address is in use. Port 0 asks the kernel for any free port.
func listenWithFallback(host string, port, attempts int, logger zerolog.Logger) (net.Listener, int, error) {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		candidate := port + i
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(candidate)))
		if err == nil {
			return ln, ln.Addr().(*net.TCPAddr).Port, nil
		}
		if port == 0 || !errors.Is(err, syscall.EADDRINUSE) {
			return nil, 0, fmt.Errorf("listen on %s:%d: %w", host, candidate, err)
		}
		lastErr = &perrors.PortInUseError{Port: candidate, Err: err}
		logger.Info().Err(lastErr).Int("next", candidate+1).Msg("port in use, trying next")
	}
	return nil, 0, fmt.Errorf("no free port in %d-%d: %w", port, port+attempts-1, lastErr)
}

func registerProviders(tun *tunnel.Manager, providers []tunnel.Provider) error {
	for _, p := range providers {
		if err := tun.Register(p); err != nil {
			return err
		}
	}
	return nil
}

func startTunnel(ctx context.Context, out io.Writer, tun *tunnel.Manager, cfg config.TunnelConfig, logger zerolog.Logger) {
	info, err := tun.Start(ctx, tunnel.StartRequest{Provider: cfg.Provider, Password: cfg.Password})
	if err != nil {
		yellow := color.New(color.FgYellow).SprintFunc()
		fmt.Fprintf(out, "%s tunnel not started: %v\n", yellow("!"), err)
		for _, step := range perrors.RemediationOf(err) {
			fmt.Fprintf(out, "    - %s\n", step)
		}
		logger.Warn().Err(err).Msg("continuing without tunnel")
		return
	}
	cyan := color.New(color.FgCyan).SprintFunc()
	fmt.Fprintf(out, "%s public URL via %s: %s\n", cyan("↗"), info.Provider, info.URL)
	if cfg.Password != "" {
		fmt.Fprintln(out, "  visitors must enter the tunnel password")
	}
}

func currentUsername() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}

func openBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() { _ = cmd.Wait() }()
	return nil
}
