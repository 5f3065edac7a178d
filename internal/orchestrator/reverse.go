package orchestrator

import (
	"context"
	"fmt"
	"io"
	"net"

	"golang.org/x/crypto/ssh"

	"github.com/sshnp-go/sshnp/internal/nplog"
)

// ReverseListener is np's passive side of the legacy reverse path
// (spec.md §4.1 "Alternatively (legacy reverse path)"): the client binds
// host:port and waits for the daemon to dial in as an SSH client, then
// services the daemon's "tcpip-forward" global request the way a real
// sshd would for `ssh -R`, binding LocalPort and forwarding every
// accepted connection back over the SSH connection to the daemon (which
// in turn bridges it to the device's sshd).
//
// This path predates the signed-envelope handshake (spec.md §9's open
// design note on the legacy reverse source varying its auth story): the
// SSH server side accepts the daemon with NoClientAuth, so the key the
// daemon presents is neither checked nor logged.
type ReverseListener struct {
	log       nplog.Logger
	hostKey   ssh.Signer
	localPort int

	listener net.Listener
}

// NewReverseListener builds a ReverseListener that will bind localPort
// once the daemon's SSH connection requests a forward for it.
func NewReverseListener(log nplog.Logger, hostKey ssh.Signer, localPort int) *ReverseListener {
	return &ReverseListener{log: log, hostKey: hostKey, localPort: localPort}
}

// Serve binds bindAddr, accepts exactly one incoming SSH connection (the
// daemon), and services its forward requests until ctx is cancelled or
// the connection closes.
func (r *ReverseListener) Serve(ctx context.Context, bindAddr string) error {
	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return fmt.Errorf("listen for reverse daemon connection on %s: %w", bindAddr, err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	conn, err := ln.Accept()
	ln.Close()
	if err != nil {
		return err
	}

	serverConfig := &ssh.ServerConfig{
		NoClientAuth: true, // legacy path: no signed-envelope auth handshake precedes this SSH connection
	}
	serverConfig.AddHostKey(r.hostKey)

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, serverConfig)
	if err != nil {
		conn.Close()
		return fmt.Errorf("ssh handshake with daemon failed: %w", err)
	}
	defer sshConn.Close()

	go func() {
		for ch := range chans {
			ch.Reject(ssh.UnknownChannelType, "client does not accept inbound channels on the reverse path")
		}
	}()

	for req := range reqs {
		if req.Type != "tcpip-forward" {
			if req.WantReply {
				req.Reply(false, nil)
			}
			continue
		}
		r.handleForwardRequest(sshConn, req)
	}
	return nil
}

type forwardRequestPayload struct {
	Addr string
	Port uint32
}

type forwardedChannelPayload struct {
	ConnectedAddr string
	ConnectedPort uint32
	OriginAddr    string
	OriginPort    uint32
}

func (r *ReverseListener) handleForwardRequest(conn *ssh.ServerConn, req *ssh.Request) {
	var payload forwardRequestPayload
	if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
		req.Reply(false, nil)
		return
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", r.localPort))
	if err != nil {
		r.log.WLogf("bind reverse forward port %d: %s", r.localPort, err)
		req.Reply(false, nil)
		return
	}
	r.listener = ln

	boundPort := uint32(ln.Addr().(*net.TCPAddr).Port)
	req.Reply(true, ssh.Marshal(struct{ Port uint32 }{boundPort}))

	go r.acceptLoop(conn, ln, payload.Addr, boundPort)
}

func (r *ReverseListener) acceptLoop(conn *ssh.ServerConn, ln net.Listener, addr string, port uint32) {
	for {
		local, err := ln.Accept()
		if err != nil {
			return
		}
		go r.serveForwardedConn(conn, local, addr, port)
	}
}

func (r *ReverseListener) serveForwardedConn(conn *ssh.ServerConn, local net.Conn, addr string, port uint32) {
	defer local.Close()

	originAddr, originPortStr, _ := net.SplitHostPort(local.RemoteAddr().String())
	var originPort uint32
	fmt.Sscanf(originPortStr, "%d", &originPort)

	payload := ssh.Marshal(forwardedChannelPayload{
		ConnectedAddr: addr,
		ConnectedPort: port,
		OriginAddr:    originAddr,
		OriginPort:    originPort,
	})

	channel, reqs, err := conn.OpenChannel("forwarded-tcpip", payload)
	if err != nil {
		r.log.WLogf("open forwarded-tcpip channel: %s", err)
		return
	}
	defer channel.Close()
	go ssh.DiscardRequests(reqs)

	done := make(chan struct{}, 2)
	go func() { io.Copy(channel, local); done <- struct{}{} }()
	go func() { io.Copy(local, channel); done <- struct{}{} }()
	<-done
}

// Close releases the bound forward listener, if any.
func (r *ReverseListener) Close() error {
	if r.listener == nil {
		return nil
	}
	return r.listener.Close()
}
