// Command specboard serves a live dashboard of spec and bug workflows for
// the projects on this machine.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

type options struct {
	configPath     string
	port           int
	open           bool
	tunnel         bool
	tunnelPassword string
	tunnelProvider string
	cloudflare     bool
	ngrok          bool
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "specboard",
		Short: "Live dashboard for spec and bug workflows",
		Long: `Discover projects with a .claude directory, watch their spec, bug and
steering documents, and push status changes to browsers over WebSocket.

Example:
  $ specboard --port 3000 --open
  $ specboard --tunnel --tunnel-password s3cret
  $ specboard --ngrok`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "Path to a YAML config file")
	f.IntVarP(&opts.port, "port", "p", 0, "Port to listen on; the next free port is used if taken")
	f.BoolVar(&opts.open, "open", false, "Open the dashboard in a browser")
	f.BoolVar(&opts.tunnel, "tunnel", false, "Expose the dashboard through a public tunnel")
	f.StringVar(&opts.tunnelPassword, "tunnel-password", "", "Require this password from tunnel visitors")
	f.StringVar(&opts.tunnelProvider, "tunnel-provider", "", "Tunnel provider: auto, cloudflare, ngrok, localtunnel or pinggy")
	f.BoolVar(&opts.cloudflare, "cloudflare", false, "Shorthand for --tunnel --tunnel-provider cloudflare")
	f.BoolVar(&opts.ngrok, "ngrok", false, "Shorthand for --tunnel --tunnel-provider ngrok")
	cmd.MarkFlagsMutuallyExclusive("cloudflare", "ngrok", "tunnel-provider")
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		red := color.New(color.FgRed).SprintFunc()
		fmt.Fprintf(os.Stderr, "%s %v\n", red("Error:"), err)
		os.Exit(1)
	}
}
