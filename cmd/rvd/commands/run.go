package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sshnp-go/sshnp/internal/nperrors"
	"github.com/sshnp-go/sshnp/internal/nplog"
	"github.com/sshnp-go/sshnp/internal/rendezvous"
	"github.com/sshnp-go/sshnp/internal/sshkeys"
	"github.com/sshnp-go/sshnp/internal/substrate"
)

// runRelay is root's RunE: it establishes the substrate connection, wires
// a Registry to the relay's advertised IP, starts the optional debug HTTP
// server, and runs the allocation service loop until interrupted (spec.md
// §4.1).
func runRelay(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	bus, err := dialSubstrate(ctx)
	if err != nil {
		return nperrors.NewConfigError("connect to substrate", err)
	}
	defer bus.Close()

	var snoop nplog.Logger
	if cfg.Snoop {
		snoop = log.Fork("snoop")
		snoop.SetLogLevel(nplog.LogLevelTrace)
	}

	registry := rendezvous.NewRegistry(log, cfg.IP, bus, snoop)
	service := rendezvous.NewService(log, bus, cfg.Address, registry)

	if cfg.Debug {
		debug := rendezvous.NewDebugServer(log, registry)
		if err := debug.ListenAndServe(ctx, debugAddr); err != nil {
			return nperrors.NewConfigError("start debug server", err)
		}
		log.ILogf("debug server listening on %s", debugAddr)
	}

	log.ILogf("rvd listening for %s at %s", cfg.Address, cfg.IP)
	err = service.Run(ctx)
	if err != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// dialSubstrate builds this run's Substrate and identity. --seed derives a
// reproducible signing identity from sshkeys' deterministic byte stream
// instead of persisting a key file, letting integration tests spin up a
// relay with a stable address across runs.
func dialSubstrate(ctx context.Context) (substrate.Substrate, error) {
	var identity *substrate.Identity
	var err error
	if cfg.Seed != "" {
		identity, err = substrate.NewEd25519IdentityFrom(cfg.Address, sshkeys.NewDetermRand([]byte(cfg.Seed)))
	} else {
		identity, err = substrate.NewEd25519Identity(cfg.Address)
	}
	if err != nil {
		return nil, fmt.Errorf("generate relay identity: %w", err)
	}

	if gatewayURL == "" {
		bus := substrate.NewMemoryBus()
		bus.Register(identity.Address, identity.PublicKey)
		return bus, nil
	}

	return substrate.DialWS(ctx, log, gatewayURL, nil)
}

// ExitCodeFor maps an error to rvd's exit code contract: 0 clean
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
