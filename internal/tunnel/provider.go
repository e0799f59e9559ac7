// Package tunnel exposes the local listener through an external tunnel
// executable (cloudflared, ngrok, localtunnel or ssh to pinggy).
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/specboard/internal/errors"
)

// Options describes the tunnel to open.
type Options struct {
	Port      int
	Host      string // local host to forward to (default localhost)
	Subdomain string // requested subdomain, where the provider supports it
	AuthToken string // provider account token, where the provider supports it

	// URLTimeout bounds URL discovery (0 = 30s).
	URLTimeout time.Duration
}

func (o Options) host() string {
	if o.Host == "" {
		return "localhost"
	}
	return o.Host
}

func (o Options) localURL() string {
	return fmt.Sprintf("http://%s:%d", o.host(), o.Port)
}

// Provider opens tunnels through one external tool.
type Provider interface {
	Name() string
	IsAvailable(ctx context.Context) bool
	ValidateConfig(opts Options) error
	CreateTunnel(ctx context.Context, opts Options) (*Instance, error)
}

// CommandProvider wraps one executable whose combined output announces the
// public URL.
type CommandProvider struct {
	ProviderName string
	Binary       string
	// Args builds the command line for opts.
	Args func(opts Options) []string
	// URLPattern finds the public URL in an output line. When it has a
	// capture group the first group is used.
	URLPattern *regexp.Regexp
	// Validate adds provider-specific checks to the common ones.
	Validate    func(opts Options) error
	Remediation []string

	// LookPath resolves Binary (default exec.LookPath).
	LookPath func(file string) (string, error)
	Logger   zerolog.Logger
}

// Name implements Provider.
func (p *CommandProvider) Name() string { return p.ProviderName }

func (p *CommandProvider) lookPath() (string, error) {
	if p.LookPath != nil {
		return p.LookPath(p.Binary)
	}
	return exec.LookPath(p.Binary)
}

// IsAvailable reports whether the executable can be found.
func (p *CommandProvider) IsAvailable(_ context.Context) bool {
	_, err := p.lookPath()
	return err == nil
}

// ValidateConfig implements Provider.
func (p *CommandProvider) ValidateConfig(opts Options) error {
	if opts.Port <= 0 || opts.Port > 65535 {
		return perrors.NewTunnelError(perrors.CodeInvalidConfig, p.ProviderName,
			fmt.Sprintf("invalid local port %d", opts.Port),
			"Start the server on a port between 1 and 65535.")
	}
	if p.Validate != nil {
		return p.Validate(opts)
	}
	return nil
}

// CreateTunnel starts the executable and waits until it reports a URL.
func (p *CommandProvider) CreateTunnel(ctx context.Context, opts Options) (*Instance, error) {
	if err := p.ValidateConfig(opts); err != nil {
		return nil, err
	}
	bin, err := p.lookPath()
	if err != nil {
		e := perrors.NewTunnelError(perrors.CodeProviderUnavailable, p.ProviderName,
			fmt.Sprintf("%s executable not found", p.Binary), p.Remediation...)
		e.Err = err
		return nil, e
	}

	inst := newInstance(p.ProviderName, p.URLPattern, p.Logger)
	if err := inst.start(bin, p.Args(opts)); err != nil {
		return nil, err
	}

	timeout := opts.URLTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if err := inst.awaitURL(ctx, timeout); err != nil {
		var tErr *perrors.TunnelProviderError
		if errors.As(err, &tErr) && len(tErr.Remediation) == 0 {
			tErr.Remediation = p.Remediation
		}
		return nil, err
	}
	return inst, nil
}
