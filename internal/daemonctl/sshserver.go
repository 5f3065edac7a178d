package daemonctl

import (
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/sshnp-go/sshnp/internal/nplog"
)

// SSHServer is the daemon's embedded SSH server: it accepts the one SSH
// connection that arrives over a session's rendezvous or reverse-dialed
// socket, authenticates the presented ephemeral public key against
// AuthSet, and permits only a direct-tcpip channel to localhost:sshdPort
// (spec.md §4.2 step 3's forwarding restriction — enforced here in code
// since, unlike a real sshd, this server never touches an
// authorized_keys file). Adapted from the teacher's
// share/server.go/share/server_ssh_session.go ssh.ServerConfig plus
// handshake loop, generalized from password auth to ephemeral
// public-key auth.
type SSHServer struct {
	log       nplog.Logger
	sshdPort  int
	hostKey   ssh.Signer
	authSet   *AuthSet
	sshConfig *ssh.ServerConfig
}

// NewSSHServer builds an SSHServer that forwards only to
// localhost:sshdPort and authenticates against authSet.
func NewSSHServer(log nplog.Logger, hostKey ssh.Signer, sshdPort int, authSet *AuthSet) *SSHServer {
	s := &SSHServer{log: log, sshdPort: sshdPort, hostKey: hostKey, authSet: authSet}
	s.sshConfig = &ssh.ServerConfig{
		PublicKeyCallback: s.publicKeyCallback,
	}
	s.sshConfig.AddHostKey(hostKey)
	return s
}

func (s *SSHServer) publicKeyCallback(conn ssh.ConnMetadata, pub ssh.PublicKey) (*ssh.Permissions, error) {
	entry, ok := s.authSet.Authorized(pub)
	if !ok {
		return nil, fmt.Errorf("unauthorized key")
	}
	return &ssh.Permissions{Extensions: map[string]string{
		"sessionId": string(entry.SessionID),
		"publicKey": base64.StdEncoding.EncodeToString(pub.Marshal()),
	}}, nil
}

// Serve runs one SSH server handshake to completion over conn, then
// services channel requests until conn closes. Blocks until the session
// ends.
func (s *SSHServer) Serve(conn net.Conn) error {
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.sshConfig)
	if err != nil {
		return fmt.Errorf("ssh handshake failed: %w", err)
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		go s.handleChannel(sshConn, newChan)
	}
	return sshConn.Wait()
}

func (s *SSHServer) handleChannel(sshConn *ssh.ServerConn, newChan ssh.NewChannel) {
	if newChan.ChannelType() != "direct-tcpip" {
		newChan.Reject(ssh.UnknownChannelType, "only direct-tcpip is permitted")
		return
	}

	var payload struct {
		DestAddr string
		DestPort uint32
		SrcAddr  string
		SrcPort  uint32
	}
	if err := ssh.Unmarshal(newChan.ExtraData(), &payload); err != nil {
		newChan.Reject(ssh.ConnectionFailed, "malformed direct-tcpip request")
		return
	}

	target := fmt.Sprintf("localhost:%d", s.sshdPort)
	if fmt.Sprintf("%s:%d", payload.DestAddr, payload.DestPort) != target &&
		payload.DestAddr != "localhost" && payload.DestAddr != "127.0.0.1" {
		newChan.Reject(ssh.Prohibited, fmt.Sprintf("forwarding is restricted to %s", target))
		return
	}

	local, err := net.DialTimeout("tcp", target, 10*time.Second)
	if err != nil {
		newChan.Reject(ssh.ConnectionFailed, err.Error())
		return
	}

	channel, requests, err := newChan.Accept()
	if err != nil {
		local.Close()
		return
	}
	go ssh.DiscardRequests(requests)

	if perms := sshConn.Permissions; perms != nil {
		if sid, ok := perms.Extensions["sessionId"]; ok {
			s.log.TLogf("session %s: direct-tcpip opened to %s", sid, target)
		}
		if enc, ok := perms.Extensions["publicKey"]; ok {
			if raw, err := base64.StdEncoding.DecodeString(enc); err == nil {
				if pub, err := ssh.ParsePublicKey(raw); err == nil {
					s.authSet.Touch(pub)
				}
			}
		}
	}

	done := make(chan struct{}, 2)
	go func() { io.Copy(local, channel); done <- struct{}{} }()
	go func() { io.Copy(channel, local); done <- struct{}{} }()
	<-done
	channel.Close()
	local.Close()
}
