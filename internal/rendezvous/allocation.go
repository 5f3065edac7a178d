// Package rendezvous implements the relay's per-request allocation state
// machine, auth handshake and splice (spec.md §4.1). Adapted from the
// teacher's TCPStubEndpoint accept-once listener pattern
// (share/tcp_stub_endpoint.go) generalized to the spec's two-listener,
// signed-handshake-then-splice allocation instead of a persistent
// forwarding endpoint.
package rendezvous

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sshnp-go/sshnp/internal/envelope"
	"github.com/sshnp-go/sshnp/internal/nperrors"
	"github.com/sshnp-go/sshnp/internal/nplog"
	"github.com/sshnp-go/sshnp/internal/session"
)

// State is the allocation lifecycle from spec.md §4.1.
type State int

const (
	StateAllocated State = iota
	StateOneSideAuthed
	StateBothAuthed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAllocated:
		return "ALLOCATED"
	case StateOneSideAuthed:
		return "ONE_SIDE_AUTHED"
	case StateBothAuthed:
		return "BOTH_AUTHED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// AuthTimeout bounds ALLOCATED -> BOTH_AUTHED (spec.md §4.1).
const AuthTimeout = 30 * time.Second

// Side identifies which listener a connection arrived on.
type Side int

const (
	SideClient Side = iota
	SideDaemon
)

// KeyFetcher resolves a principal address to its verification public key,
// fetched from (and cached by) the identity substrate (spec.md §4.4).
type KeyFetcher interface {
	PublicKey(ctx context.Context, address string) (envelope.PublicKey, error)
}

// Allocation tracks one rendezvous session: two one-shot TCP listeners,
// their expected peer addresses, and the auth/splice state machine.
type Allocation struct {
	log nplog.Logger

	SessionID  session.ID
	ClientAddr string
	DaemonAddr string
	Nonce      string

	clientListener net.Listener
	daemonListener net.Listener

	keys  KeyFetcher
	stats *Stats
	snoop nplog.Logger // non-nil enables hex-dump tee on the splice

	mu    sync.Mutex
	state State

	clientConn net.Conn
	daemonConn net.Conn

	closeOnce sync.Once
	closed    chan struct{}
}

// NewAllocation binds two ephemeral TCP listeners on ip and returns an
// Allocation ready to accept both sides (spec.md §4.1
// REQUEST_SESSION). Returns nperrors.ResourceError if no port is
// allocatable.
func NewAllocation(log nplog.Logger, ip string, id session.ID, clientAddr, daemonAddr string, keys KeyFetcher, stats *Stats, snoop nplog.Logger) (*Allocation, error) {
	clientLn, err := net.Listen("tcp4", ip+":0")
	if err != nil {
		return nil, nperrors.NewResourceError("allocate client-facing port: %s", err)
	}
	daemonLn, err := net.Listen("tcp4", ip+":0")
	if err != nil {
		clientLn.Close()
		return nil, nperrors.NewResourceError("allocate daemon-facing port: %s", err)
	}
	nonce, err := randomNonce()
	if err != nil {
		clientLn.Close()
		daemonLn.Close()
		return nil, fmt.Errorf("generate rvdNonce: %w", err)
	}
	a := &Allocation{
		log:            log,
		SessionID:      id,
		ClientAddr:     clientAddr,
		DaemonAddr:     daemonAddr,
		Nonce:          nonce,
		clientListener: clientLn,
		daemonListener: daemonLn,
		keys:           keys,
		stats:          stats,
		snoop:          snoop,
		state:          StateAllocated,
		closed:         make(chan struct{}),
	}
	if stats != nil {
		stats.New()
		stats.Open()
	}
	return a, nil
}

func randomNonce() (string, error) {
	buf := make([]byte, 16) // 128 bits, spec.md §4.1
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// ClientAddrPort returns the client-facing listener's address ("portA").
func (a *Allocation) ClientAddrPort() string { return a.clientListener.Addr().String() }

// DaemonAddrPort returns the daemon-facing listener's address ("portB").
func (a *Allocation) DaemonAddrPort() string { return a.daemonListener.Addr().String() }

// Run accepts exactly one connection on each listener, authenticates both,
// splices them once both are authenticated, and tears the allocation down
// on completion, error, or the 30s auth timeout. Blocks until the
// allocation is fully closed.
func (a *Allocation) Run(ctx context.Context) {
	defer a.close()

	ctx, cancel := context.WithTimeout(ctx, AuthTimeout)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.acceptAndAuth(ctx, a.clientListener, SideClient, a.ClientAddr)
	}()
	go func() {
		defer wg.Done()
		a.acceptAndAuth(ctx, a.daemonListener, SideDaemon, a.DaemonAddr)
	}()
	wg.Wait()

	a.mu.Lock()
	ready := a.state == StateBothAuthed
	clientConn, daemonConn := a.clientConn, a.daemonConn
	a.mu.Unlock()

	if !ready {
		a.log.DLogf("session %s: timed out before both sides authenticated", a.SessionID)
		return
	}
	Splice(clientConn, daemonConn, a.snoop)
}

func (a *Allocation) acceptAndAuth(ctx context.Context, ln net.Listener, side Side, expectedAddr string) {
	conn, err := acceptWithContext(ctx, ln)
	ln.Close() // each listener accepts exactly one connection, then closes (spec.md §4.1)
	if err != nil {
		return
	}

	auth, conn, err := readAuthEnvelope(conn)
	if err != nil {
		a.log.WLogf("session %s: %s side: %s", a.SessionID, sideName(side), err)
		conn.Close()
		return
	}

	pub, err := a.keys.PublicKey(ctx, expectedAddr)
	if err != nil {
		a.log.WLogf("session %s: %s side: resolve public key for %s: %s", a.SessionID, sideName(side), expectedAddr, err)
		conn.Close()
		return
	}

	if err := a.verifyAuth(auth, pub); err != nil {
		a.log.WLogf("session %s: %s side: %s", a.SessionID, sideName(side), nperrors.NewAuthError("%s", err))
		conn.Close()
		return
	}

	a.mu.Lock()
	switch side {
	case SideClient:
		a.clientConn = conn
	case SideDaemon:
		a.daemonConn = conn
	}
	switch a.state {
	case StateAllocated:
		a.state = StateOneSideAuthed
	case StateOneSideAuthed:
		a.state = StateBothAuthed
	}
	a.mu.Unlock()
}

func sideName(s Side) string {
	if s == SideClient {
		return "client"
	}
	return "daemon"
}

// readAuthEnvelope reads one LF-terminated JSON line from conn and decodes
// it as an envelope carrying session.AuthPayload (spec.md §4.1 step 1). The
// bufio.Reader used to find the line's end may pull more than the line off
// the wire if the peer writes its splice payload right behind the auth
// line; readAuthEnvelope returns a conn that replays those leftover bytes
// first so Splice never loses them.
func readAuthEnvelope(conn net.Conn) (*signedAuth, net.Conn, error) {
	conn.SetReadDeadline(time.Now().Add(AuthTimeout))
	br := bufio.NewReader(conn)
	line, err := br.ReadBytes('\n')
	if err != nil {
		return nil, conn, fmt.Errorf("read auth line: %w", err)
	}
	var env envelope.Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, conn, fmt.Errorf("decode auth envelope: %w", err)
	}
	var payload session.AuthPayload
	if err := env.Unmarshal(&payload); err != nil {
		return nil, conn, fmt.Errorf("decode auth payload: %w", err)
	}

	out := conn
	if n := br.Buffered(); n > 0 {
		leftover := make([]byte, n)
		if _, err := io.ReadFull(br, leftover); err != nil {
			return nil, conn, fmt.Errorf("drain buffered auth reader: %w", err)
		}
		out = &prefixedConn{Conn: conn, prefix: leftover}
	}
	return &signedAuth{env: &env, payload: payload}, out, nil
}

// prefixedConn replays bytes already pulled off the wire by a bufio.Reader
// before falling through to the underlying connection's own Read.
type prefixedConn struct {
	net.Conn
	prefix []byte
}

func (c *prefixedConn) Read(p []byte) (int, error) {
	if len(c.prefix) == 0 {
		return c.Conn.Read(p)
	}
	n := copy(p, c.prefix)
	c.prefix = c.prefix[n:]
	return n, nil
}

// CloseWrite forwards to the embedded connection's own CloseWrite when it
// has one. net.Conn's interface doesn't declare CloseWrite, so embedding it
// alone wouldn't promote *net.TCPConn's method; Splice's half-close
// type-assertion needs this explicit forward to still work through the
// wrapper.
func (c *prefixedConn) CloseWrite() error {
	if whc, ok := c.Conn.(WriteHalfCloser); ok {
		return whc.CloseWrite()
	}
	return nil
}

type signedAuth struct {
	env     *envelope.Envelope
	payload session.AuthPayload
}

// verifyAuth checks nonce, sessionId and signature per spec.md §4.1
// steps 2-3.
func (a *Allocation) verifyAuth(auth *signedAuth, pub envelope.PublicKey) error {
	if auth.payload.RvdNonce != a.Nonce {
		return fmt.Errorf("rvdNonce mismatch")
	}
	if auth.payload.SessionID != a.SessionID {
		return fmt.Errorf("sessionId mismatch")
	}
	if err := envelope.Verify(auth.env, pub); err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}
	return nil
}

func acceptWithContext(ctx context.Context, ln net.Listener) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := ln.Accept()
		ch <- result{conn, err}
	}()
	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Allocation) close() {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.state = StateClosed
		clientConn, daemonConn := a.clientConn, a.daemonConn
		a.mu.Unlock()
		a.clientListener.Close()
		a.daemonListener.Close()
		if clientConn != nil {
			clientConn.Close()
		}
		if daemonConn != nil {
			daemonConn.Close()
		}
		if a.stats != nil {
			a.stats.Close()
		}
		close(a.closed)
	})
}

// Done returns a channel closed once the allocation has fully torn down.
func (a *Allocation) Done() <-chan struct{} { return a.closed }

// CurrentState reports the allocation's state machine position.
func (a *Allocation) CurrentState() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}
