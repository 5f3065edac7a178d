package substrate

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sshnp-go/sshnp/internal/envelope"
	"github.com/sshnp-go/sshnp/internal/nperrors"
	"github.com/sshnp-go/sshnp/internal/nplog"
)

// wireFrame is the JSON frame exchanged with a substrate gateway.
type wireFrame struct {
	From  string          `json:"from"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// WSBus is a Substrate backed by a websocket connection to a substrate
// gateway, grounded in the teacher's own websocket client/server pairing
// (share/client.go's websocket.Dialer loop, server.go's
// websocket.Upgrader) — generalized from chisel's single SSH-over-
// websocket tunnel to a many-subscriber notify/subscribe multiplexer,
// since this substrate carries discrete key/value records rather than a
// raw byte stream.
type WSBus struct {
	log  nplog.Logger
	conn *websocket.Conn

	writeMu sync.Mutex

	mu       sync.Mutex
	subs     []*memorySub
	keyMu    sync.Mutex
	keys     map[string]envelope.PublicKey
	keyFetch KeyFetchFunc
}

// KeyFetchFunc resolves a public-key record out-of-band (e.g. over the
// same gateway's REST side), since the spec treats key onboarding as
// external (spec.md §1 Out of scope).
type KeyFetchFunc func(ctx context.Context, address string) (envelope.PublicKey, error)

// DialWS connects to a substrate gateway over websocket at url and starts
// its read pump in the background.
func DialWS(ctx context.Context, log nplog.Logger, rawURL string, keyFetch KeyFetchFunc) (*WSBus, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse gateway url: %w", err)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 45 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), http.Header{})
	if err != nil {
		return nil, fmt.Errorf("dial substrate gateway: %w", err)
	}
	bus := &WSBus{
		log:      log,
		conn:     conn,
		keys:     make(map[string]envelope.PublicKey),
		keyFetch: keyFetch,
	}
	go bus.readPump()
	return bus, nil
}

// readPump reads frames until the connection is permanently lost. A read
// timeout is treated as transient and retried per nperrors.RetryPolicy
// (spec.md §7); any other read error (closed connection, protocol error)
// is permanent and ends the pump.
func (b *WSBus) readPump() {
	for {
		var data []byte
		err := nperrors.Retry(context.Background(), func() error {
			b.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, d, err := b.conn.ReadMessage()
			if err != nil {
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					return nperrors.NewTransientError(err)
				}
				return err
			}
			data = d
			return nil
		})
		if err != nil {
			b.log.DLogf("substrate gateway read pump exiting: %s", err)
			b.mu.Lock()
			for _, s := range b.subs {
				close(s.ch)
			}
			b.subs = nil
			b.mu.Unlock()
			return
		}
		var frame wireFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			b.log.WLogf("substrate gateway sent malformed frame, ignoring: %s", err)
			continue
		}
		n := Notification{From: frame.From, Key: frame.Key, Value: frame.Value, At: time.Now()}

		b.mu.Lock()
		subs := make([]*memorySub, len(b.subs))
		copy(subs, b.subs)
		b.mu.Unlock()

		for _, s := range subs {
			if s.pattern.MatchString(frame.Key) {
				select {
				case s.ch <- n:
				default:
					b.log.WLogf("subscriber channel full, dropping notification for %s", frame.Key)
				}
			}
		}
	}
}

// Notify implements Substrate. The write to the gateway is retried per
// nperrors.RetryPolicy (spec.md §7) since a websocket write failure is
// ordinarily a transient network hiccup, not a permanent one.
func (b *WSBus) Notify(ctx context.Context, key string, value []byte) error {
	from, _, _ := splitKey(key)
	frame := wireFrame{From: from, Key: key, Value: value}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return nperrors.Retry(ctx, func() error {
		b.writeMu.Lock()
		defer b.writeMu.Unlock()
		b.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := b.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return nperrors.NewTransientError(err)
		}
		return nil
	})
}

// Subscribe implements Substrate.
func (b *WSBus) Subscribe(ctx context.Context, pattern string) (<-chan Notification, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile subscription pattern %q: %w", pattern, err)
	}
	sub := &memorySub{pattern: re, ch: make(chan Notification, 16)}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		for i, s := range b.subs {
			if s == sub {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
	}()

	return sub.ch, nil
}

// PublicKey implements Substrate, caching each resolved key per address
// (spec.md §4.4: "fetch ... cached per address").
func (b *WSBus) PublicKey(ctx context.Context, address string) (envelope.PublicKey, error) {
	b.keyMu.Lock()
	if pub, ok := b.keys[address]; ok {
		b.keyMu.Unlock()
		return pub, nil
	}
	b.keyMu.Unlock()

	if b.keyFetch == nil {
		return nil, fmt.Errorf("no key-fetch function configured for address %q", address)
	}
	var pub envelope.PublicKey
	err := nperrors.Retry(ctx, func() error {
		p, err := b.keyFetch(ctx, address)
		if err != nil {
			return nperrors.NewTransientError(err)
		}
		pub = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	b.keyMu.Lock()
	b.keys[address] = pub
	b.keyMu.Unlock()
	return pub, nil
}

// Close implements Substrate.
func (b *WSBus) Close() error {
	return b.conn.Close()
}

// WSGateway is a minimal broadcast hub usable in tests as the other end
// of WSBus's websocket connection: every frame any client sends is
// rebroadcast to every other connected client, letting Subscribe's
// regex filtering happen entirely client-side — exactly the pattern
// share/server.go's websocket.Upgrader established for chisel's single
// tunnel, generalized here to many concurrent readers/writers.
type WSGateway struct {
	log      nplog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

// NewWSGateway builds an empty WSGateway.
func NewWSGateway(log nplog.Logger) *WSGateway {
	return &WSGateway{
		log:      log,
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024, CheckOrigin: func(r *http.Request) bool { return true }},
		clients:  make(map[*websocket.Conn]bool),
	}
}

// ServeHTTP implements http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.WLogf("substrate gateway upgrade failed: %s", err)
		return
	}
	g.mu.Lock()
	g.clients[conn] = true
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.clients, conn)
		g.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		g.broadcast(conn, data)
	}
}

func (g *WSGateway) broadcast(from *websocket.Conn, data []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for c := range g.clients {
		if c == from {
			continue
		}
		c.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
			g.log.DLogf("substrate gateway broadcast write failed, dropping client: %s", err)
		}
	}
}
