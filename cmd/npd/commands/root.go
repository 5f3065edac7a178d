// Package commands implements npd's CLI tree, grounded on the pack's
// one-file-per-subcommand cobra layout (see cmd/np/commands), generalized
// to the daemon's flag set (spec.md §6).
package commands

import (
	"github.com/spf13/cobra"

	"github.com/sshnp-go/sshnp/internal/config"
	"github.com/sshnp-go/sshnp/internal/nplog"
)

var (
	cfg        config.DaemonConfig
	log        nplog.Logger
	unhide     bool
	verbose    bool
	managerFile string
	gatewayURL string
)

// Execute builds and runs npd's root command.
func Execute() error {
	root := &cobra.Command{
		Use:   "npd",
		Short: "Accept authorised SSH session requests for a device behind NAT",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := nplog.LogLevelInfo
			if verbose {
				level = nplog.LogLevelDebug
			}
			log = nplog.New("npd", level, nplog.StderrIsTerminal())
			if unhide {
				cfg.Hide = false
			}
			return cfg.Validate()
		},
		RunE: runDaemon,
	}

	flags := root.Flags()
	flags.StringVar(&cfg.Address, "atsign", "", "this daemon's address (@bob)")
	flags.StringSliceVar(&cfg.AllowList, "manager", nil, "addresses allowed to request sessions (empty = allow all)")
	flags.StringVar(&managerFile, "manager-file", "", "path to a hot-reloadable allow-list file, one address per line")
	flags.StringVarP(&cfg.Device, "device", "d", "", "device name")
	flags.StringVar(&cfg.SSHPublicKey, "sshpublickey", "", "user:key to permanently authorize for direct SSH access")
	flags.BoolVar(&cfg.Hide, "hide", false, "suppress device_info/heartbeat broadcast")
	flags.BoolVar(&unhide, "un-hide", false, "force device_info/heartbeat broadcast on, overriding --hide")
	flags.IntVar(&cfg.SSHDPort, "sshd-port", 22, "local sshd port to forward sessions to")
	flags.BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	flags.StringVar(&gatewayURL, "gateway", "", "substrate gateway websocket URL (unset uses an in-process bus for local testing)")

	return root.Execute()
}
