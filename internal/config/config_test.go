package config

import "testing"

func TestClientConfigValidate(t *testing.T) {
	base := func() ClientConfig {
		return ClientConfig{
			ClientAddress: "@alice",
			DaemonAddress: "@bob",
			Device:        "laptop",
			Host:          "@rvd",
			LocalPort:     0,
		}
	}

	if err := func() error { c := base(); return c.Validate() }(); err != nil {
		t.Fatalf("valid config rejected: %s", err)
	}

	cases := []struct {
		name   string
		modify func(*ClientConfig)
	}{
		{"missing client address", func(c *ClientConfig) { c.ClientAddress = "" }},
		{"missing daemon address", func(c *ClientConfig) { c.DaemonAddress = "" }},
		{"invalid device name", func(c *ClientConfig) { c.Device = "" }},
		{"missing host", func(c *ClientConfig) { c.Host = "" }},
		{"negative local port", func(c *ClientConfig) { c.LocalPort = -1 }},
		{"local port out of range", func(c *ClientConfig) { c.LocalPort = 70000 }},
		{"invalid ssh client", func(c *ClientConfig) { c.SSHClient = "bogus" }},
		{"invalid ssh algo", func(c *ClientConfig) { c.SSHAlgo = "bogus" }},
	}
	for _, tc := range cases {
		c := base()
		tc.modify(&c)
		if err := c.Validate(); err == nil {
			t.Errorf("%s: expected Validate to reject config", tc.name)
		}
	}
}

func TestDaemonConfigValidate(t *testing.T) {
	base := func() DaemonConfig {
		return DaemonConfig{Address: "@bob", Device: "laptop", SSHDPort: 22}
	}

	if err := func() error { d := base(); return d.Validate() }(); err != nil {
		t.Fatalf("valid config rejected: %s", err)
	}

	cases := []struct {
		name   string
		modify func(*DaemonConfig)
	}{
		{"missing address", func(d *DaemonConfig) { d.Address = "" }},
		{"invalid device name", func(d *DaemonConfig) { d.Device = "toolongdevicenamehere" }},
		{"zero sshd port", func(d *DaemonConfig) { d.SSHDPort = 0 }},
		{"negative sshd port", func(d *DaemonConfig) { d.SSHDPort = -1 }},
		{"sshd port too large", func(d *DaemonConfig) { d.SSHDPort = 70000 }},
	}
	for _, tc := range cases {
		d := base()
		tc.modify(&d)
		if err := d.Validate(); err == nil {
			t.Errorf("%s: expected Validate to reject config", tc.name)
		}
	}
}

func TestRelayConfigValidate(t *testing.T) {
	base := func() RelayConfig {
		return RelayConfig{Address: "@rvd", IP: "203.0.113.10"}
	}

	if err := func() error { r := base(); return r.Validate() }(); err != nil {
		t.Fatalf("valid config rejected: %s", err)
	}

	cases := []struct {
		name   string
		modify func(*RelayConfig)
	}{
		{"missing address", func(r *RelayConfig) { r.Address = "" }},
		{"missing ip", func(r *RelayConfig) { r.IP = "" }},
	}
	for _, tc := range cases {
		r := base()
		tc.modify(&r)
		if err := r.Validate(); err == nil {
			t.Errorf("%s: expected Validate to reject config", tc.name)
		}
	}
}
