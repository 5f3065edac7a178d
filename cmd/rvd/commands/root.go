// Package commands implements rvd's CLI tree, mirroring cmd/np/commands'
// and cmd/npd/commands' one-file-per-subcommand cobra layout, generalized
// to the relay's flag set (spec.md §6).
package commands

import (
	"github.com/spf13/cobra"

	"github.com/sshnp-go/sshnp/internal/config"
	"github.com/sshnp-go/sshnp/internal/nplog"
)

var (
	cfg        config.RelayConfig
	log        nplog.Logger
	verbose    bool
	gatewayURL string
	debugAddr  string
)

// Execute builds and runs rvd's root command.
func Execute() error {
	root := &cobra.Command{
		Use:   "rvd",
		Short: "Broker rendezvous connections between np and npd",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := nplog.LogLevelInfo
			if verbose {
				level = nplog.LogLevelDebug
			}
			log = nplog.New("rvd", level, nplog.StderrIsTerminal())
			return cfg.Validate()
		},
		RunE: runRelay,
	}

	flags := root.Flags()
	flags.StringVar(&cfg.Address, "atsign", "", "this relay's address (@rvd)")
	flags.StringVar(&cfg.IP, "ip", "", "public IP address advertised to clients")
	flags.BoolVar(&cfg.Snoop, "snoop", false, "hex-dump spliced traffic at trace log level")
	flags.BoolVar(&cfg.Debug, "debug", false, "serve /health and /stats over HTTP")
	flags.StringVar(&debugAddr, "debug-addr", "127.0.0.1:8080", "address for the debug HTTP server")
	flags.StringVar(&cfg.Seed, "seed", "", "deterministic seed for the relay's signing identity (testing only)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	flags.StringVar(&gatewayURL, "gateway", "", "substrate gateway websocket URL (unset uses an in-process bus for local testing)")

	return root.Execute()
}
