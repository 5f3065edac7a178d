// Package config validates the CLI-facing configuration shared across
// np, npd and rvd, and drives the daemon's allow-list hot reload.
package config

import (
	"fmt"

	"github.com/sshnp-go/sshnp/internal/session"
	"github.com/sshnp-go/sshnp/internal/sshkeys"
)

// ClientConfig mirrors np's flags (spec.md §6, §4.3).
type ClientConfig struct {
	ClientAddress       string
	DaemonAddress       string
	Device              string
	Host                string // "@rvdAddress" or a public IP
	Port                int
	LocalPort           int
	IdentityFile        string
	SendSSHPublicKey    bool
	LocalSSHOptions     []string
	ListDevices         bool
	Verbose             bool
	LegacyDaemon        bool
	AddForwardsToTunnel bool
	SSHClient           string // "exec" | "dart"
	SSHAlgo             sshkeys.Algo
	RemoteUsername      string
}

// Validate checks ClientConfig against spec.md §3/§6/§8's boundary rules.
func (c *ClientConfig) Validate() error {
	if c.ClientAddress == "" {
		return fmt.Errorf("--from is required")
	}
	if c.DaemonAddress == "" {
		return fmt.Errorf("--to is required")
	}
	if err := session.ValidateDeviceName(c.Device); err != nil {
		return err
	}
	if c.Host == "" {
		return fmt.Errorf("--host is required")
	}
	if c.LocalPort < 0 || c.LocalPort > 65535 {
		return fmt.Errorf("--local-port out of range: %d", c.LocalPort)
	}
	switch c.SSHClient {
	case "", "exec", "dart":
	default:
		return fmt.Errorf("--ssh-client must be exec or dart, got %q", c.SSHClient)
	}
	switch c.SSHAlgo {
	case "", sshkeys.AlgoEd25519, sshkeys.AlgoRSA:
	default:
		return fmt.Errorf("unsupported ssh key algorithm %q", c.SSHAlgo)
	}
	return nil
}

// DaemonConfig mirrors npd's flags (spec.md §6, §4.2).
type DaemonConfig struct {
	Address      string
	AllowList    []string
	Device       string
	SSHPublicKey string
	Hide         bool
	SSHDPort     int
}

// Validate checks DaemonConfig against spec.md §3's device-name rule.
func (d *DaemonConfig) Validate() error {
	if d.Address == "" {
		return fmt.Errorf("--atsign is required")
	}
	if err := session.ValidateDeviceName(d.Device); err != nil {
		return err
	}
	if d.SSHDPort <= 0 || d.SSHDPort > 65535 {
		return fmt.Errorf("invalid sshd port: %d", d.SSHDPort)
	}
	return nil
}

// RelayConfig mirrors rvd's flags (spec.md §6, §4.1).
type RelayConfig struct {
	Address string
	IP      string
	Snoop   bool
	Debug   bool
	Seed    string
}

// Validate checks RelayConfig.
func (r *RelayConfig) Validate() error {
	if r.Address == "" {
		return fmt.Errorf("--atsign is required")
	}
	if r.IP == "" {
		return fmt.Errorf("--ip is required")
	}
	return nil
}
