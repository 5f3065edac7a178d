package rendezvous

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/sshnp-go/sshnp/internal/envelope"
	"github.com/sshnp-go/sshnp/internal/nplog"
	"github.com/sshnp-go/sshnp/internal/session"
	"github.com/sshnp-go/sshnp/internal/substrate"
)

func newTestLog() nplog.Logger {
	return nplog.New("test", nplog.LogLevelError, false)
}

// dialAndAuth connects to ln's address, writes a signed auth line for
// sessionID/nonce, and returns the raw connection for the caller to keep
// writing/reading on, exactly as np's and npd's rendezvous clients do.
func dialAndAuth(t *testing.T, addr string, priv ed25519.PrivateKey, id session.ID, nonce string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp4", addr)
	if err != nil {
		t.Fatalf("dial %s: %s", addr, err)
	}
	payload := session.AuthPayload{RvdNonce: nonce, SessionID: id}
	env, err := envelope.Sign(payload, envelope.HashSHA256, envelope.SignEd25519, priv)
	if err != nil {
		t.Fatalf("sign auth payload: %s", err)
	}
	line, err := envToJSONLine(env)
	if err != nil {
		t.Fatalf("marshal envelope: %s", err)
	}
	if _, err := conn.Write(line); err != nil {
		t.Fatalf("write auth line: %s", err)
	}
	return conn
}

func TestAllocationHappyPathSplicesBothDirections(t *testing.T) {
	bus := substrate.NewMemoryBus()
	clientPub, clientPriv, _ := ed25519.GenerateKey(nil)
	daemonPub, daemonPriv, _ := ed25519.GenerateKey(nil)
	bus.Register("@alice", clientPub)
	bus.Register("@bob", daemonPub)

	id := session.NewID()
	a, err := NewAllocation(newTestLog(), "127.0.0.1", id, "@alice", "@bob", bus, &Stats{}, nil)
	if err != nil {
		t.Fatalf("NewAllocation: %s", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	clientConn := dialAndAuth(t, a.ClientAddrPort(), clientPriv, id, a.Nonce)
	defer clientConn.Close()
	daemonConn := dialAndAuth(t, a.DaemonAddrPort(), daemonPriv, id, a.Nonce)
	defer daemonConn.Close()

	// Write a payload chunk immediately behind the auth line, on the same
	// connection, to exercise the buffered-bytes handoff into Splice.
	if _, err := clientConn.Write([]byte("hello-daemon")); err != nil {
		t.Fatalf("write client payload: %s", err)
	}

	buf := make([]byte, len("hello-daemon"))
	daemonConn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := readFull(daemonConn, buf); err != nil {
		t.Fatalf("read spliced payload on daemon side: %s", err)
	}
	if string(buf) != "hello-daemon" {
		t.Fatalf("daemon side read %q, want %q", buf, "hello-daemon")
	}

	if _, err := daemonConn.Write([]byte("hello-client")); err != nil {
		t.Fatalf("write daemon payload: %s", err)
	}
	buf2 := make([]byte, len("hello-client"))
	clientConn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := readFull(clientConn, buf2); err != nil {
		t.Fatalf("read spliced payload on client side: %s", err)
	}
	if string(buf2) != "hello-client" {
		t.Fatalf("client side read %q, want %q", buf2, "hello-client")
	}

	clientConn.Close()
	daemonConn.Close()

	select {
	case <-a.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("allocation did not close after both sides closed")
	}
	<-done

	if got := a.CurrentState(); got != StateClosed {
		t.Errorf("CurrentState() = %s, want CLOSED", got)
	}
}

func TestAllocationBadSignatureNeverReachesBothAuthed(t *testing.T) {
	bus := substrate.NewMemoryBus()
	clientPub, _, _ := ed25519.GenerateKey(nil)
	daemonPub, daemonPriv, _ := ed25519.GenerateKey(nil)
	bus.Register("@alice", clientPub)
	bus.Register("@bob", daemonPub)

	// Sign the client's auth line with the wrong key so verification fails.
	_, wrongPriv, _ := ed25519.GenerateKey(nil)

	id := session.NewID()
	a, err := NewAllocation(newTestLog(), "127.0.0.1", id, "@alice", "@bob", bus, &Stats{}, nil)
	if err != nil {
		t.Fatalf("NewAllocation: %s", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	badConn := dialAndAuth(t, a.ClientAddrPort(), wrongPriv, id, a.Nonce)
	// A bad signature should get the connection closed by the relay.
	badConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	one := make([]byte, 1)
	if _, err := badConn.Read(one); err == nil {
		t.Error("expected relay to close the connection after a bad signature")
	}
	badConn.Close()

	goodConn := dialAndAuth(t, a.DaemonAddrPort(), daemonPriv, id, a.Nonce)
	defer goodConn.Close()

	<-done
	if got := a.CurrentState(); got == StateBothAuthed {
		t.Errorf("CurrentState() = %s, want anything but BOTH_AUTHED", got)
	}
}

func envToJSONLine(env *envelope.Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	r := bufio.NewReader(conn)
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
