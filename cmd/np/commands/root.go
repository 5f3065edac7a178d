// Package commands implements np's CLI tree. Grounded on the pack's
// one-file-per-subcommand cobra layout
// (wbd2023-Ciphera/cmd/ciphera/commands), generalized from ciphera's
// multi-command chat CLI to np's single-purpose root command plus its
// flag set (spec.md §6).
package commands

import (
	"github.com/spf13/cobra"

	"github.com/sshnp-go/sshnp/internal/config"
	"github.com/sshnp-go/sshnp/internal/nplog"
	"github.com/sshnp-go/sshnp/internal/sshkeys"
)

var (
	cfg         config.ClientConfig
	log         nplog.Logger
	sshAlgoFlag string
	gatewayURL  string
)

// Execute builds and runs np's root command.
func Execute() error {
	root := &cobra.Command{
		Use:   "np",
		Short: "Request SSH access to a device behind NAT via npd/rvd",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := nplog.LogLevelInfo
			if cfg.Verbose {
				level = nplog.LogLevelDebug
			}
			log = nplog.New("np", level, nplog.StderrIsTerminal())
			cfg.SSHAlgo = sshkeys.Algo(sshAlgoFlag)
			return cfg.Validate()
		},
		RunE: runSession,
	}

	flags := root.Flags()
	flags.StringVarP(&cfg.ClientAddress, "from", "f", "", "client address (@alice)")
	flags.StringVarP(&cfg.DaemonAddress, "to", "t", "", "daemon address (@bob)")
	flags.StringVarP(&cfg.Device, "device", "d", "", "device name")
	// No shorthand: cobra's own --help flag claims "-h" when Execute runs,
	// and pflag panics on a duplicate shorthand registration.
	flags.StringVar(&cfg.Host, "host", "", "rendezvous address (@rvd) or public IP")
	flags.IntVarP(&cfg.Port, "port", "p", 22, "remote side's SSH port for reverse mode")
	flags.IntVarP(&cfg.LocalPort, "local-port", "l", 0, "local port to bind (0 = ephemeral)")
	flags.StringVarP(&cfg.IdentityFile, "identity-file", "i", "", "existing SSH identity file")
	flags.BoolVarP(&cfg.SendSSHPublicKey, "send-ssh-public-key", "s", false, "send an existing public key instead of generating one")
	flags.StringSliceVarP(&cfg.LocalSSHOptions, "local-ssh-options", "o", nil, "extra options for the printed ssh command")
	flags.BoolVar(&cfg.ListDevices, "list-devices", false, "list reachable devices and exit")
	flags.BoolVarP(&cfg.Verbose, "verbose", "v", false, "verbose logging")
	flags.BoolVar(&cfg.LegacyDaemon, "legacy-daemon", false, "target a pre-v5 daemon")
	flags.BoolVar(&cfg.AddForwardsToTunnel, "add-forwards-to-tunnel", false, "also expose a local SOCKS5 front end over the tunnel")
	flags.StringVar(&cfg.SSHClient, "ssh-client", "exec", "ssh client mode: exec or dart")
	flags.StringVar(&sshAlgoFlag, "ssh-algo", string(sshkeys.AlgoEd25519), "ephemeral key algorithm: ed25519 or rsa")
	flags.StringVar(&cfg.RemoteUsername, "remote-username", "", "remote ssh username (overrides the daemon's username share)")
	flags.StringVar(&gatewayURL, "gateway", "", "substrate gateway websocket URL (unset uses an in-process bus for local testing)")

	return root.Execute()
}

// ExitCodeFor maps an error to np's exit code contract (spec.md §6).
func ExitCodeFor(err error) int {
	return exitCodeFor(err)
}
