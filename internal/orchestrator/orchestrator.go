package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"regexp"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/sshnp-go/sshnp/internal/config"
	"github.com/sshnp-go/sshnp/internal/envelope"
	"github.com/sshnp-go/sshnp/internal/lifecycle"
	"github.com/sshnp-go/sshnp/internal/nperrors"
	"github.com/sshnp-go/sshnp/internal/nplog"
	"github.com/sshnp-go/sshnp/internal/session"
	"github.com/sshnp-go/sshnp/internal/sshkeys"
	"github.com/sshnp-go/sshnp/internal/substrate"
)

// ResponseTimeout bounds the wait for the daemon's signed response
// (spec.md §5).
const ResponseTimeout = 10 * time.Second

// RendezvousTimeout bounds the wait for a rendezvous allocation reply
// (spec.md §4.3 step 2).
const RendezvousTimeout = 10 * time.Second

// AuthWriteTimeout bounds writing the client auth envelope once connected
// to the rendezvous client-facing port.
const AuthWriteTimeout = 10 * time.Second

// UsernameFetchTimeout bounds how long Run waits for the daemon's username
// share before falling back to the default. The wait happens before the
// session request is published, the daemon publishes its share only after
// it receives a request, and a subscription does not replay shares
// published before it, so without ClientConfig.RemoteUsername Run ends up
// with DefaultRemoteUsername.
const UsernameFetchTimeout = 2 * time.Second

// DefaultRemoteUsername is used when no override is configured and no
// share has been observed yet.
const DefaultRemoteUsername = "user"

// Result is what a successful Session leaves the caller with: a local
// port ready to dial, and an ssh command line to print (spec.md §4.3
// step 6). It embeds lifecycle.Tracker as the session's cleanup base
// (spec.md §4.5): whatever the session accumulated on its way to success
// — the outbound SSH connection, the SOCKS5 front end, the reverse
// listener — is registered as a child, so a caller's single Close tears
// all of it down within ChildStepTimeout of each other, best-effort.
type Result struct {
	lifecycle.Tracker

	LocalAddr  net.Addr
	SSHCommand string
	RemoteUser string
}

// HandleOnceCleanup implements lifecycle.OnceCleanupHandler. Result has
// no resource of its own to close; everything it owns is registered as a
// tracked child instead.
func (r *Result) HandleOnceCleanup(completionErr error) error {
	return completionErr
}

// newResult builds a Result with its Tracker initialized and ready to
// accept tracked children.
func newResult(log nplog.Logger, addr net.Addr, sshCommand, remoteUser string) *Result {
	r := &Result{LocalAddr: addr, SSHCommand: sshCommand, RemoteUser: remoteUser}
	r.Tracker.Init(log, r)
	return r
}

// Close starts (or joins) shutdown of every resource tracked by this
// Result and waits for it to complete.
func (r *Result) Close() error {
	return r.Tracker.Close()
}

// Session drives one end-to-end client session establishment (spec.md
// §4.3's algorithm). Grounded in the teacher's share/client.go connection
// loop, generalized from chisel's persistent reconnect-forever client to
// a single-shot, explicitly-timed-out session matching this protocol's
// one-sessionId-per-tunnel model.
type Session struct {
	log      nplog.Logger
	bus      substrate.Substrate
	identity *substrate.Identity
	cfg      *config.ClientConfig

	remoteUsername string
}

// NewSession builds a Session for cfg, using identity to sign the request
// and auth envelopes.
func NewSession(log nplog.Logger, bus substrate.Substrate, identity *substrate.Identity, cfg *config.ClientConfig) *Session {
	return &Session{log: log, bus: bus, identity: identity, cfg: cfg}
}

// Run executes spec.md §4.3's algorithm to completion and returns a
// Result the caller can use (and must Close when done).
func (s *Session) Run(ctx context.Context) (*Result, error) {
	id := session.NewID()
	s.log.ILogf("session %s: starting", id)

	responsePattern := fmt.Sprintf("^%s$", session.ResponseKey(s.cfg.DaemonAddress, s.cfg.ClientAddress, id, s.cfg.Device))
	responses, err := s.bus.Subscribe(ctx, responsePattern)
	if err != nil {
		return nil, fmt.Errorf("subscribe for response: %w", err)
	}

	s.remoteUsername = s.resolveRemoteUsername(ctx)

	// A pre-v5 daemon (--legacy-daemon) predates the rendezvous relay
	// entirely, so it always gets the legacy reverse handshake regardless
	// of how host is spelled.
	mode := session.ModeDirect
	var rvdNonce, rvdHost, rvdDaemonHost string
	if !s.cfg.LegacyDaemon && len(s.cfg.Host) > 0 && s.cfg.Host[0] == '@' {
		rvdHost, rvdDaemonHost, rvdNonce, err = s.allocateRendezvous(ctx, id)
		if err != nil {
			return nil, err
		}
	} else {
		mode = session.ModeReverse
	}

	// --send-ssh-public-key sends the client's own identity's public half
	// instead of generating a fresh ephemeral pair for this session.
	var ephemeral *sshkeys.KeyPair
	if s.cfg.SendSSHPublicKey && s.cfg.IdentityFile != "" {
		ephemeral, err = sshkeys.LoadIdentityFile(s.cfg.IdentityFile)
		if err != nil {
			return nil, nperrors.NewConfigError("load identity file", err)
		}
	} else {
		algo := s.cfg.SSHAlgo
		if algo == "" {
			algo = sshkeys.AlgoEd25519
		}
		ephemeral, err = sshkeys.Generate(algo)
		if err != nil {
			return nil, fmt.Errorf("generate ephemeral key: %w", err)
		}
	}

	// The local forwarding port is bound now, before the request is even
	// published, so it is already reserved (and its address is final) by
	// the time the daemon's response arrives (spec.md §8).
	var localListener net.Listener
	if mode == session.ModeDirect {
		localListener, err = BindLocal(s.cfg.LocalPort)
		if err != nil {
			return nil, err
		}
	}
	closeLocalListener := func() {
		if localListener != nil {
			localListener.Close()
		}
	}

	req := session.Request{
		SessionID: id,
		Mode:      mode,
		Host:      rvdDaemonHost,
		Port:      s.cfg.Port,
		RvdNonce:  rvdNonce,
	}
	if mode == session.ModeReverse {
		req.Host = s.cfg.Host
		req.EphemeralPublicKey = ephemeral.PublicLine
		req.RemoteForwardPort = s.cfg.Port
	}

	if err := s.publishRequest(ctx, id, req); err != nil {
		closeLocalListener()
		return nil, err
	}

	resp, err := s.awaitResponse(ctx, responses)
	if err != nil {
		closeLocalListener()
		return nil, err
	}
	if resp.Discriminate() != session.StatusOK && resp.Discriminate() != session.StatusConnected {
		closeLocalListener()
		if resp.Message != "" {
			return nil, nperrors.NewRemoteError(resp.Message)
		}
		return nil, nperrors.NewRemoteError(fmt.Sprintf("daemon returned status %q", resp.Status))
	}

	if mode == session.ModeReverse {
		return s.runReverse(ctx, ephemeral)
	}

	signer := ephemeral.Signer
	if resp.EphemeralPrivateKey != "" {
		parsed, err := ssh.ParsePrivateKey([]byte(resp.EphemeralPrivateKey))
		if err != nil {
			closeLocalListener()
			return nil, fmt.Errorf("parse ephemeral private key from daemon: %w", err)
		}
		signer = parsed
	}

	conn, err := s.dialRendezvous(ctx, rvdHost, id, rvdNonce)
	if err != nil {
		closeLocalListener()
		return nil, err
	}

	forwarder, err := Dial(ctx, s.log, conn, signer, fmt.Sprintf("localhost:%d", s.cfg.Port))
	if err != nil {
		closeLocalListener()
		return nil, err
	}

	if s.cfg.AddForwardsToTunnel {
		socksFrontend, err := NewSocksFrontend(s.log, forwarder)
		if err != nil {
			closeLocalListener()
			forwarder.Close()
			return nil, err
		}
		addr := localListener.Addr()
		go socksFrontend.Serve(ctx, localListener)
		result := newResult(s.log, addr, s.sshCommand(addr), remoteUser(s))
		result.TrackFunc("close socks front end", func(context.Context) error { return socksFrontend.Close() })
		result.TrackFunc("close ssh tunnel", func(context.Context) error { return forwarder.Close() })
		return result, nil
	}

	addr := forwarder.Attach(localListener)
	go forwarder.Serve(ctx)

	result := newResult(s.log, addr, s.sshCommand(addr), remoteUser(s))
	result.TrackFunc("close ssh tunnel", func(context.Context) error { return forwarder.Close() })
	return result, nil
}

// runReverse services spec.md §4.1's legacy path: np listens for the
// daemon to dial in and request a remote forward, rather than dialing
// out itself.
func (s *Session) runReverse(ctx context.Context, ephemeral *sshkeys.KeyPair) (*Result, error) {
	rl := NewReverseListener(s.log, ephemeral.Signer, s.cfg.LocalPort)
	bindAddr := fmt.Sprintf("0.0.0.0:%d", s.cfg.Port)
	go func() {
		if err := rl.Serve(ctx, bindAddr); err != nil {
			s.log.WLogf("reverse listener exited: %s", err)
		}
	}()

	addr := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: s.cfg.LocalPort}
	result := newResult(s.log, addr, s.sshCommand(addr), remoteUser(s))
	result.TrackFunc("close reverse listener", func(context.Context) error { return rl.Close() })
	return result, nil
}

func (s *Session) sshCommand(addr net.Addr) string {
	localPort := s.cfg.LocalPort
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		localPort = tcpAddr.Port
	}
	identity := ""
	if s.cfg.IdentityFile != "" {
		identity = fmt.Sprintf(" -i %s", s.cfg.IdentityFile)
	}
	return fmt.Sprintf("ssh -p %d%s %s@localhost", localPort, identity, remoteUser(s))
}

func remoteUser(s *Session) string {
	if s.remoteUsername != "" {
		return s.remoteUsername
	}
	return DefaultRemoteUsername
}

// resolveRemoteUsername implements spec.md §4.3 step 1's remoteUsername
// resolution: an explicit --remote-username override wins outright,
// otherwise wait up to UsernameFetchTimeout for a username share
// (session.UsernameShareKey) published during that wait, falling back to
// DefaultRemoteUsername if none arrives in time. Shares published before
// the wait began are not seen.
func (s *Session) resolveRemoteUsername(ctx context.Context) string {
	if s.cfg.RemoteUsername != "" {
		return s.cfg.RemoteUsername
	}
	key := session.UsernameShareKey(s.cfg.ClientAddress, s.cfg.DaemonAddress, s.cfg.Device)
	pattern := fmt.Sprintf("^%s$", regexp.QuoteMeta(key))
	shares, err := s.bus.Subscribe(ctx, pattern)
	if err != nil {
		return ""
	}
	waitCtx, cancel := context.WithTimeout(ctx, UsernameFetchTimeout)
	defer cancel()
	select {
	case n := <-shares:
		return string(n.Value)
	case <-waitCtx.Done():
		return ""
	}
}

func (s *Session) allocateRendezvous(ctx context.Context, id session.ID) (clientHostPort, daemonHostPort, nonce string, err error) {
	rvdAddr := s.cfg.Host[1:]
	key := session.RvdRequestKey(rvdAddr, s.cfg.ClientAddress, s.cfg.Device)

	replyKey := session.RvdReplyKey(key)
	replyPattern := fmt.Sprintf("^%s$", regexp.QuoteMeta(replyKey))
	replies, err := s.bus.Subscribe(ctx, replyPattern)
	if err != nil {
		return "", "", "", err
	}

	value, err := json.Marshal(session.RvdAllocationRequest{SessionID: id, DaemonAddress: s.cfg.DaemonAddress})
	if err != nil {
		return "", "", "", err
	}
	if err := s.bus.Notify(ctx, key, value); err != nil {
		return "", "", "", fmt.Errorf("request rendezvous allocation: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, RendezvousTimeout)
	defer cancel()
	select {
	case n := <-replies:
		ip, portA, portB, allocNonce, err := parseAllocationReply(string(n.Value))
		if err != nil {
			return "", "", "", err
		}
		return fmt.Sprintf("%s:%s", ip, portA), fmt.Sprintf("%s:%s", ip, portB), allocNonce, nil
	case <-ctx.Done():
		return "", "", "", nperrors.NewTimeoutError("rendezvous allocation", "rvd never replied")
	}
}

// parseAllocationReply parses "<ip>,<portA>,<portB>,<nonce>" (spec.md §3).
func parseAllocationReply(s string) (ip, portA, portB, nonce string, err error) {
	parts := splitComma(s)
	if len(parts) != 4 {
		return "", "", "", "", fmt.Errorf("malformed rendezvous allocation reply %q", s)
	}
	return parts[0], parts[1], parts[2], parts[3], nil
}

func splitComma(s string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}

func (s *Session) publishRequest(ctx context.Context, id session.ID, req session.Request) error {
	env, err := s.identity.Sign(req)
	if err != nil {
		return fmt.Errorf("sign request: %w", err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	key := session.RequestKey(s.cfg.ClientAddress, s.cfg.DaemonAddress, id, s.cfg.Device)
	return s.bus.Notify(ctx, key, data)
}

func (s *Session) awaitResponse(ctx context.Context, responses <-chan substrate.Notification) (session.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, ResponseTimeout)
	defer cancel()
	select {
	case n := <-responses:
		var env envelope.Envelope
		if err := json.Unmarshal(n.Value, &env); err != nil {
			return session.Response{}, fmt.Errorf("decode response envelope: %w", err)
		}
		pub, err := s.bus.PublicKey(ctx, s.cfg.DaemonAddress)
		if err != nil {
			return session.Response{}, fmt.Errorf("resolve daemon public key: %w", err)
		}
		if err := envelope.Verify(&env, pub); err != nil {
			return session.Response{}, nperrors.NewAuthError("response signature: %s", err)
		}
		var resp session.Response
		if err := env.Unmarshal(&resp); err != nil {
			return session.Response{}, fmt.Errorf("decode response payload: %w", err)
		}
		return resp, nil
	case <-ctx.Done():
		return session.Response{}, nperrors.NewTimeoutError("daemon response", "no response within "+ResponseTimeout.String())
	}
}

func (s *Session) dialRendezvous(ctx context.Context, hostPort string, id session.ID, nonce string) (net.Conn, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", hostPort)
	if err != nil {
		return nil, fmt.Errorf("dial rendezvous %s: %w", hostPort, err)
	}

	auth := session.AuthPayload{RvdNonce: nonce, SessionID: id}
	env, err := s.identity.Sign(auth)
	if err != nil {
		conn.Close()
		return nil, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		conn.Close()
		return nil, err
	}
	data = append(data, '\n')
	conn.SetWriteDeadline(time.Now().Add(AuthWriteTimeout))
	if _, err := conn.Write(data); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write auth envelope: %w", err)
	}
	conn.SetWriteDeadline(time.Time{})
	return conn, nil
}
