package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sshnp-go/sshnp/internal/nperrors"
	"github.com/sshnp-go/sshnp/internal/orchestrator"
	"github.com/sshnp-go/sshnp/internal/substrate"
)

// runSession is root's RunE: it establishes the substrate connection,
// either lists devices (--list-devices) or runs one session-establishment
// round (spec.md §4.3). With --ssh-client exec (the default) it then runs
// the system ssh binary against the tunnel; with dart it prints the ssh
// command line and waits until interrupted.
func runSession(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	bus, identity, err := dialSubstrate(ctx)
	if err != nil {
		return nperrors.NewConfigError("connect to substrate", err)
	}
	defer bus.Close()

	if cfg.ListDevices {
		return listDevices(ctx, bus)
	}

	session := orchestrator.NewSession(log, bus, identity, &cfg)
	result, err := session.Run(ctx)
	if err != nil {
		return err
	}
	defer result.Close()

	if cfg.SSHClient == "exec" {
		return execSSH(ctx, result)
	}

	fmt.Println(result.SSHCommand)
	if len(cfg.LocalSSHOptions) > 0 {
		fmt.Println(strings.Join(cfg.LocalSSHOptions, " "))
	}

	<-ctx.Done()
	return nil
}

// execSSH shells out to the system ssh binary pointed at the tunnel's local
// port (spec.md §4.3's sshClient=exec, runSession's default; dart mode
// only prints the command line and waits). Stdin/stdout/stderr are wired
// straight to np's own so the user
// gets the same interactive session they'd get running the printed command
// by hand.
func execSSH(ctx context.Context, result *orchestrator.Result) error {
	localPort := cfg.LocalPort
	if tcpAddr, ok := result.LocalAddr.(*net.TCPAddr); ok {
		localPort = tcpAddr.Port
	}

	args := []string{"-p", strconv.Itoa(localPort)}
	if cfg.IdentityFile != "" {
		args = append(args, "-i", cfg.IdentityFile)
	}
	args = append(args, cfg.LocalSSHOptions...)
	args = append(args, fmt.Sprintf("%s@localhost", result.RemoteUser))

	cmd := exec.CommandContext(ctx, "ssh", args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func listDevices(ctx context.Context, bus substrate.Substrate) error {
	result, err := orchestrator.Discover(ctx, bus, cfg.DaemonAddress)
	if err != nil {
		return err
	}
	for _, name := range result.Active {
		fmt.Printf("%s\tactive\n", name)
	}
	for _, name := range result.Inactive {
		fmt.Printf("%s\tinactive\n", name)
	}
	return nil
}

// dialSubstrate builds this run's Substrate: a websocket-backed WSBus when
// --gateway is set, or an in-process MemoryBus pre-registered with a fresh
// identity otherwise (useful for exercising np against a local npd/rvd in
// the same process tree, e.g. during integration testing).
func dialSubstrate(ctx context.Context) (substrate.Substrate, *substrate.Identity, error) {
	identity, err := substrate.NewEd25519Identity(cfg.ClientAddress)
	if err != nil {
		return nil, nil, fmt.Errorf("generate client identity: %w", err)
	}

	if gatewayURL == "" {
		bus := substrate.NewMemoryBus()
		bus.Register(identity.Address, identity.PublicKey)
		return bus, identity, nil
	}

	// Key records are served out-of-band by the gateway deployment; a real
	// deployment wires a KeyFetchFunc here once that side channel exists.
	bus, err := substrate.DialWS(ctx, log, gatewayURL, nil)
	if err != nil {
		return nil, nil, err
	}
	return bus, identity, nil
}

// exitCodeFor maps an error to np's exit code contract (spec.md §6):
// 0 success, 1 usage/config error, 2 timeout, 3 remote error.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	var cfgErr *nperrors.ConfigError
	if errors.As(err, &cfgErr) {
		return 1
	}
	var timeoutErr *nperrors.TimeoutError
	if errors.As(err, &timeoutErr) {
		return 2
	}
	var remoteErr *nperrors.RemoteError
	if errors.As(err, &remoteErr) {
		return 3
	}
	var authErr *nperrors.AuthError
	if errors.As(err, &authErr) {
		return 3
	}
	return 1
}
