// Package orchestrator implements np: generating the session ID and
// ephemeral key, requesting a rendezvous allocation if needed, publishing
// the request to the daemon, awaiting its signed response, and bridging
// a local TCP listener to the device's sshd through the now-established
// tunnel (spec.md §4.3).
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/sshnp-go/sshnp/internal/nperrors"
	"github.com/sshnp-go/sshnp/internal/nplog"
)

// HandshakeTimeout bounds the SSH handshake over the rendezvous or
// reverse-dialed socket.
const HandshakeTimeout = 10 * time.Second

// Forwarder binds a local TCP listener and, for every accepted connection,
// opens a fresh "direct-tcpip" channel on the established ssh.Client to
// reach the device's sshd (spec.md §4.3 step 5). Adapted from the
// teacher's share/client.go connection loop, generalized from chisel's
// multi-endpoint reverse/forward descriptor machinery (which this
// protocol has no use for — there's exactly one forward, decided by the
// daemon's response) down to a single local-port-forward loop built
// directly on golang.org/x/crypto/ssh.Client.Dial.
type Forwarder struct {
	log nplog.Logger

	sshClient  *ssh.Client
	remoteAddr string // the device's sshd, typically "localhost:22"

	listener net.Listener
}

// Dial performs the SSH client handshake over conn (already authenticated
// at the transport layer by the rendezvous/reverse-path auth envelope)
// using the ephemeral private key, and returns a Forwarder ready to
// Attach.
func Dial(ctx context.Context, log nplog.Logger, conn net.Conn, signer ssh.Signer, remoteAddr string) (*Forwarder, error) {
	clientConfig := &ssh.ClientConfig{
		User:            "sshnp",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // the daemon's identity was already proven by the signed-envelope auth handshake
		Timeout:         HandshakeTimeout,
	}

	type result struct {
		client *ssh.Client
		err    error
	}
	done := make(chan result, 1)
	go func() {
		sshConn, chans, reqs, err := ssh.NewClientConn(conn, remoteAddr, clientConfig)
		if err != nil {
			done <- result{nil, err}
			return
		}
		done <- result{ssh.NewClient(sshConn, chans, reqs), nil}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, nperrors.NewTimeoutError("ssh handshake", r.err.Error())
		}
		return &Forwarder{log: log, sshClient: r.client, remoteAddr: remoteAddr}, nil
	case <-ctx.Done():
		conn.Close()
		return nil, nperrors.NewTimeoutError("ssh handshake", "cancelled")
	case <-time.After(HandshakeTimeout):
		conn.Close()
		return nil, nperrors.NewTimeoutError("ssh handshake", "no handshake within "+HandshakeTimeout.String())
	}
}

// BindLocal binds a local TCP listener on localPort (0 selects an
// ephemeral port, spec.md §8) ahead of the SSH handshake, so the local
// port is reserved and known before the session request is even
// published to the daemon.
func BindLocal(localPort int) (net.Listener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", localPort))
	if err != nil {
		return nil, nperrors.NewResourceError("bind local forwarder port: %s", err)
	}
	return ln, nil
}

// Attach adopts ln (see BindLocal) as this Forwarder's local endpoint and
// returns its bound address.
func (f *Forwarder) Attach(ln net.Listener) net.Addr {
	f.listener = ln
	return ln.Addr()
}

// Serve accepts local connections until ctx is cancelled or the listener
// closes, bridging each to a fresh direct-tcpip channel.
func (f *Forwarder) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		f.listener.Close()
	}()
	for {
		local, err := f.listener.Accept()
		if err != nil {
			return err
		}
		go f.bridge(local)
	}
}

func (f *Forwarder) bridge(local net.Conn) {
	defer local.Close()
	remote, err := f.sshClient.Dial("tcp", f.remoteAddr)
	if err != nil {
		f.log.WLogf("dial %s over tunnel: %s", f.remoteAddr, err)
		return
	}
	defer remote.Close()

	done := make(chan struct{}, 2)
	go func() { io.Copy(remote, local); done <- struct{}{} }()
	go func() { io.Copy(local, remote); done <- struct{}{} }()
	<-done
}

// Close tears down the local listener and the underlying SSH connection.
func (f *Forwarder) Close() error {
	if f.listener != nil {
		f.listener.Close()
	}
	return f.sshClient.Close()
}
