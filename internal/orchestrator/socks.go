package orchestrator

import (
	"context"
	"net"

	socks5 "github.com/armon/go-socks5"

	"github.com/sshnp-go/sshnp/internal/nplog"
)

// SocksFrontend is the client's optional addForwardsToTunnel front end
// (spec.md §4.3): a local SOCKS5 proxy whose outbound dials are routed
// through the established SSH tunnel instead of the local network. The
// daemon's embedded SSH server accepts only channels addressed to
// localhost and connects every one of them to the device's sshd port, so
// whatever destination a SOCKS client names, it reaches that sshd.
//
// Adapted from the teacher's share/socks_skeleton_endpoint.go, which
// wired armon/go-socks5 through a socketpair to fit chisel's generic
// ChannelConn abstraction; that hop is unnecessary here since
// armon/go-socks5's own Config.Dial hook can route outbound dials through
// f.sshClient.Dial directly.
type SocksFrontend struct {
	log      nplog.Logger
	server   *socks5.Server
	listener net.Listener
}

// NewSocksFrontend builds a SOCKS5 server whose outbound connections are
// dialed through f's SSH tunnel.
func NewSocksFrontend(log nplog.Logger, f *Forwarder) (*SocksFrontend, error) {
	cfg := &socks5.Config{
		Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return f.sshClient.Dial(network, addr)
		},
	}
	server, err := socks5.New(cfg)
	if err != nil {
		return nil, err
	}
	return &SocksFrontend{log: log, server: server}, nil
}

// Serve adopts ln (already bound by BindLocal, ahead of the session
// request being published) as this front end's local endpoint and serves
// SOCKS5 on it until ln closes or ctx is cancelled.
func (s *SocksFrontend) Serve(ctx context.Context, ln net.Listener) error {
	s.listener = ln
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	s.log.ILogf("SOCKS5 front end listening on %s", ln.Addr())
	return s.server.Serve(ln)
}

// Close stops accepting new SOCKS5 connections.
func (s *SocksFrontend) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}
