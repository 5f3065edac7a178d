package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sshnp-go/sshnp/internal/config"
	"github.com/sshnp-go/sshnp/internal/daemonctl"
	"github.com/sshnp-go/sshnp/internal/nperrors"
	"github.com/sshnp-go/sshnp/internal/sshkeys"
	"github.com/sshnp-go/sshnp/internal/substrate"
)

// runDaemon is root's RunE: it establishes the substrate connection,
// loads (or creates) this device's persisted identity and host key, wires
// up the allow-list, and runs the controller loop until interrupted
// (spec.md §4.2).
func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	bus, identity, err := dialSubstrate(ctx)
	if err != nil {
		return nperrors.NewConfigError("connect to substrate", err)
	}
	defer bus.Close()

	hostKey, err := config.LoadOrCreateHostKey(cfg.Device)
	if err != nil {
		return nperrors.NewConfigError("load host key", err)
	}

	allowList := daemonctl.NewAllowList(cfg.AllowList)
	if managerFile != "" {
		if err := config.WatchAllowListFile(ctx, log, managerFile, allowList); err != nil {
			return nperrors.NewConfigError("watch manager file", err)
		}
	}

	controller := daemonctl.NewController(log, bus, identity, hostKey, cfg.Device, cfg.SSHDPort, allowList, cfg.Hide)

	if cfg.SSHPublicKey != "" {
		if err := installStaticKey(controller, cfg.SSHPublicKey); err != nil {
			return nperrors.NewConfigError("--sshpublickey", err)
		}
	}

	log.ILogf("npd listening for %s as device %q", identity.Address, cfg.Device)
	err = controller.Run(ctx)
	if err != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// installStaticKey parses npd's --sshpublickey=user:key flag and installs
// it as a standing authorized_keys entry (spec.md §6), letting an operator
// reach the device directly without going through session establishment.
func installStaticKey(c *daemonctl.Controller, spec string) error {
	_, keyLine := daemonctl.ParseAuth(spec)
	if keyLine == "" {
		return fmt.Errorf("expected user:key, got %q", spec)
	}
	pub, err := sshkeys.ParsePublicLine(keyLine)
	if err != nil {
		return err
	}
	c.AuthSet.AddPermanent(pub)
	return nil
}

// dialSubstrate builds this run's Substrate and loads npd's persisted
// long-term signing identity (spec.md §6: the daemon keeps a stable
// address across restarts so peers resolve one verification key for it).
func dialSubstrate(ctx context.Context) (substrate.Substrate, *substrate.Identity, error) {
	identity, err := config.LoadOrCreateIdentity(cfg.Address)
	if err != nil {
		return nil, nil, fmt.Errorf("load identity: %w", err)
	}

	if gatewayURL == "" {
		bus := substrate.NewMemoryBus()
		bus.Register(identity.Address, identity.PublicKey)
		return bus, identity, nil
	}

	bus, err := substrate.DialWS(ctx, log, gatewayURL, nil)
	if err != nil {
		return nil, nil, err
	}
	return bus, identity, nil
}

// ExitCodeFor maps an error to npd's exit code contract: 0 clean
// shutdown, 1 usage/config error, otherwise a bare failure.
func ExitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	var cfgErr *nperrors.ConfigError
	if errors.As(err, &cfgErr) {
		return 1
	}
	return 1
}
