package tunnel

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/specboard/internal/errors"
)

// Built-in provider names.
const (
	ProviderCloudflare  = "cloudflare"
	ProviderNgrok       = "ngrok"
	ProviderLocalTunnel = "localtunnel"
	ProviderPinggy      = "pinggy"

	// Auto selects the first available provider.
	Auto = "auto"
)

var aliases = map[string]string{
	"cf":          ProviderCloudflare,
	"cloudflared": ProviderCloudflare,
	"lt":          ProviderLocalTunnel,
}

// CanonicalName resolves provider aliases. Unknown names are returned lower-cased.
func CanonicalName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return Auto
	}
	if canonical, ok := aliases[name]; ok {
		return canonical
	}
	return name
}

var subdomainRe = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?$`)

// Cloudflare opens a quick tunnel through cloudflared.
func Cloudflare(logger zerolog.Logger) *CommandProvider {
	return &CommandProvider{
		ProviderName: ProviderCloudflare,
		Binary:       "cloudflared",
		Args: func(o Options) []string {
			return []string{"tunnel", "--no-autoupdate", "--url", o.localURL()}
		},
		URLPattern: regexp.MustCompile(`(https://[a-z0-9-]+\.trycloudflare\.com)`),
		Remediation: []string{
			"Install cloudflared: https://developers.cloudflare.com/cloudflare-one/connections/connect-networks/downloads/",
			"macOS: brew install cloudflared",
		},
		Logger: logger,
	}
}

// Ngrok opens an HTTP tunnel through the ngrok agent.
func Ngrok(logger zerolog.Logger) *CommandProvider {
	return &CommandProvider{
		ProviderName: ProviderNgrok,
		Binary:       "ngrok",
		Args: func(o Options) []string {
			args := []string{"http", fmt.Sprintf("%s:%d", o.host(), o.Port), "--log", "stdout", "--log-format", "logfmt"}
			if o.AuthToken != "" {
				args = append(args, "--authtoken", o.AuthToken)
			}
			if o.Subdomain != "" {
				args = append(args, "--domain", o.Subdomain)
			}
			return args
		},
		URLPattern: regexp.MustCompile(`url=(https://[A-Za-z0-9.-]+)`),
		Validate: func(o Options) error {
			if strings.ContainsAny(o.AuthToken, " \t\n") {
				return perrors.NewTunnelError(perrors.CodeInvalidConfig, ProviderNgrok,
					"ngrok auth token must not contain whitespace",
					"Copy the token from https://dashboard.ngrok.com/get-started/your-authtoken.")
			}
			return nil
		},
		Remediation: []string{
			"Install ngrok: https://ngrok.com/download",
			"Run: ngrok config add-authtoken <token>",
		},
		Logger: logger,
	}
}

// LocalTunnel opens a tunnel through the lt client.
func LocalTunnel(logger zerolog.Logger) *CommandProvider {
	return &CommandProvider{
		ProviderName: ProviderLocalTunnel,
		Binary:       "lt",
		Args: func(o Options) []string {
			args := []string{"--port", strconv.Itoa(o.Port), "--local-host", o.host()}
			if o.Subdomain != "" {
				args = append(args, "--subdomain", o.Subdomain)
			}
			return args
		},
		URLPattern: regexp.MustCompile(`(https://[a-z0-9-]+\.loca\.lt)`),
		Validate: func(o Options) error {
			if o.Subdomain != "" && !subdomainRe.MatchString(o.Subdomain) {
				return perrors.NewTunnelError(perrors.CodeInvalidConfig, ProviderLocalTunnel,
					fmt.Sprintf("invalid subdomain %q", o.Subdomain),
					"Use lowercase letters, digits and hyphens only.")
			}
			return nil
		},
		Remediation: []string{"Install localtunnel: npm install -g localtunnel"},
		Logger:      logger,
	}
}

// Pinggy opens a reverse SSH tunnel to a.pinggy.io.
func Pinggy(logger zerolog.Logger) *CommandProvider {
	return &CommandProvider{
		ProviderName: ProviderPinggy,
		Binary:       "ssh",
		Args: func(o Options) []string {
			return []string{
				"-p", "443",
				"-o", "StrictHostKeyChecking=no",
				"-o", "ServerAliveInterval=30",
				"-R0:" + fmt.Sprintf("%s:%d", o.host(), o.Port),
				"a.pinggy.io",
			}
		},
		URLPattern:  regexp.MustCompile(`(https://[a-z0-9.-]+\.pinggy\.(?:link|online|io))`),
		Remediation: []string{"Install an OpenSSH client and make sure ssh is on PATH."},
		Logger:      logger,
	}
}

// Builtins returns the built-in providers in auto-selection order.
func Builtins(logger zerolog.Logger) []Provider {
	return []Provider{
		Cloudflare(logger),
		Ngrok(logger),
		LocalTunnel(logger),
		Pinggy(logger),
	}
}
