package daemonctl

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os/user"
	"regexp"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/sshnp-go/sshnp/internal/envelope"
	"github.com/sshnp-go/sshnp/internal/nperrors"
	"github.com/sshnp-go/sshnp/internal/nplog"
	"github.com/sshnp-go/sshnp/internal/session"
	"github.com/sshnp-go/sshnp/internal/sshkeys"
	"github.com/sshnp-go/sshnp/internal/substrate"
)

// HeartbeatInterval is how often the daemon republishes device_info
// (spec.md §4.2).
const HeartbeatInterval = 30 * time.Second

// ResponseTimeout bounds how long the daemon spends establishing the
// outbound leg of a session before giving up (spec.md §5's 10s control
// response budget, mirrored on the daemon side of the handshake).
const ResponseTimeout = 10 * time.Second

// Controller runs npd's main loop: subscribe to request notifications,
// authorize the sender, pick a mode, establish the outbound leg, and
// reply with a signed response (spec.md §4.2).
type Controller struct {
	log      nplog.Logger
	bus      substrate.Substrate
	identity *substrate.Identity
	hostKey  ssh.Signer // the embedded SSH server/client's own key, distinct from identity's envelope-signing key
	device   string
	sshdPort int

	AllowList *AllowList
	AuthSet   *AuthSet

	hide bool

	version            string
	corePackageVersion string
	features           []string
}

// NewController builds a Controller bound to identity's address. hostKey
// authenticates the embedded SSH server (direct mode) and SSH client
// (reverse mode); it is a separate key from identity's envelope-signing
// key (spec.md §3 draws this same line between the signed-envelope
// long-term key and the per-session SSH key material). hide suppresses
// the periodic device_info/heartbeat broadcast (npd's --hide flag,
// spec.md §6) while still servicing authorized requests.
func NewController(log nplog.Logger, bus substrate.Substrate, identity *substrate.Identity, hostKey ssh.Signer, device string, sshdPort int, allowList *AllowList, hide bool) *Controller {
	return &Controller{
		log:                log,
		bus:                bus,
		identity:           identity,
		hostKey:            hostKey,
		device:             device,
		sshdPort:           sshdPort,
		AllowList:          allowList,
		AuthSet:            NewAuthSet(log, sshdPort),
		hide:               hide,
		version:            "5.1.0",
		corePackageVersion: "5.1.0",
		features:           []string{"direct", "reverse"},
	}
}

// Run subscribes to session requests, discovery pings and heartbeats
// until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	pattern := session.SubscriptionPattern(c.device, c.identity.Address)
	notifications, err := c.bus.Subscribe(ctx, pattern)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", pattern, err)
	}

	pingPattern := fmt.Sprintf("^%s$", regexp.QuoteMeta(session.PingKey(c.device)))
	pings, err := c.bus.Subscribe(ctx, pingPattern)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", pingPattern, err)
	}

	if !c.hide {
		go c.heartbeatLoop(ctx)
	}
	go c.idleSweepLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-notifications:
			if !ok {
				return nil
			}
			go c.handleRequest(ctx, n)
		case _, ok := <-pings:
			if !ok {
				return nil
			}
			go c.publishHeartbeat(ctx)
		}
	}
}

func (c *Controller) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	c.publishHeartbeat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.publishHeartbeat(ctx)
		}
	}
}

// publishHeartbeat publishes both the daemon's device_info record
// (spec.md §4.3 Discovery: "collects all device_info.<name>.sshnp keys
// shared by the daemon address") and its heartbeat liveness notification
// (spec.md §4.2), both carrying the same DeviceInfo payload. Discovery
// treats a device as active only once both have been observed.
func (c *Controller) publishHeartbeat(ctx context.Context) {
	info := session.DeviceInfo{
		DeviceName:         c.device,
		Version:            c.version,
		CorePackageVersion: c.corePackageVersion,
		SupportedFeatures:  c.features,
	}
	data, err := json.Marshal(info)
	if err != nil {
		c.log.ELogf("marshal device_info: %s", err)
		return
	}
	infoKey := session.DeviceInfoKey(c.identity.Address, c.device)
	if err := c.bus.Notify(ctx, infoKey, data); err != nil {
		c.log.WLogf("publish device_info: %s", err)
	}
	heartbeatKey := session.HeartbeatKey(c.identity.Address, c.device)
	if err := c.bus.Notify(ctx, heartbeatKey, data); err != nil {
		c.log.WLogf("publish heartbeat: %s", err)
	}
}

// publishUsernameShare answers spec.md §4.3's `remoteUsername` resolution
// step: the sshd account ephemeral keys forward into, addressed to the
// specific client that just requested a session. np listens for this
// share only before it sends its request, so it does not see this
// notification and uses --remote-username or its default instead.
func (c *Controller) publishUsernameShare(ctx context.Context, clientAddr string) {
	u, err := user.Current()
	if err != nil {
		c.log.DLogf("resolve local username for sharing: %s", err)
		return
	}
	key := session.UsernameShareKey(clientAddr, c.identity.Address, c.device)
	if err := c.bus.Notify(ctx, key, []byte(u.Username)); err != nil {
		c.log.WLogf("publish username share: %s", err)
	}
}

func (c *Controller) idleSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(IdleTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.AuthSet.SweepExpired(); n > 0 {
				c.log.DLogf("swept %d idle authorized-key entries", n)
			}
		}
	}
}

// handleRequest implements spec.md §4.2 steps 1-5 for a single
// notification.
func (c *Controller) handleRequest(ctx context.Context, n substrate.Notification) {
	if !c.AllowList.Allows(n.From) {
		c.log.DLogf("dropping request from unauthorized sender %s", n.From)
		return
	}

	var env envelope.Envelope
	if err := json.Unmarshal(n.Value, &env); err != nil {
		c.log.WLogf("malformed request envelope from %s: %s", n.From, err)
		return
	}
	var req session.Request
	if err := env.Unmarshal(&req); err != nil {
		c.log.WLogf("malformed request payload from %s: %s", n.From, err)
		return
	}

	go c.publishUsernameShare(ctx, n.From)

	resp := c.establish(ctx, n.From, req)
	c.reply(ctx, n.From, req.SessionID, resp)
}

func (c *Controller) establish(ctx context.Context, clientAddr string, req session.Request) session.Response {
	ctx, cancel := context.WithTimeout(ctx, ResponseTimeout)
	defer cancel()

	switch req.Mode {
	case session.ModeReverse:
		return c.establishReverse(ctx, clientAddr, req)
	default:
		return c.establishDirect(ctx, clientAddr, req)
	}
}

// establishDirect implements spec.md §4.2's preferred mode: generate an
// ephemeral key, authorize it, dial the rendezvous daemon-facing port,
// and hand the private key back to the client.
func (c *Controller) establishDirect(ctx context.Context, clientAddr string, req session.Request) session.Response {
	algo := sshkeys.AlgoEd25519
	keyPair, err := sshkeys.Generate(algo)
	if err != nil {
		return errorResponse(req.SessionID, fmt.Errorf("generate ephemeral key: %w", err))
	}
	pub, err := sshkeys.ParsePublicLine(keyPair.PublicLine)
	if err != nil {
		return errorResponse(req.SessionID, err)
	}
	c.AuthSet.Add(req.SessionID, pub)

	if req.Host == "" {
		return errorResponse(req.SessionID, fmt.Errorf("direct mode requires a rendezvous host"))
	}

	conn, err := net.DialTimeout("tcp", req.Host, ResponseTimeout)
	if err != nil {
		c.AuthSet.Remove(pub)
		return errorResponse(req.SessionID, nperrors.NewTimeoutError("rendezvous dial", err.Error()))
	}

	authPayload := session.AuthPayload{RvdNonce: req.RvdNonce, SessionID: req.SessionID}
	authEnv, err := c.identity.Sign(authPayload)
	if err != nil {
		conn.Close()
		c.AuthSet.Remove(pub)
		return errorResponse(req.SessionID, err)
	}
	data, _ := json.Marshal(authEnv)
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		conn.Close()
		c.AuthSet.Remove(pub)
		return errorResponse(req.SessionID, err)
	}

	go func() {
		res := newSessionResources(c.log, conn.Close)
		res.TrackFunc("revoke authorized key", func(context.Context) error {
			c.AuthSet.Remove(pub)
			return nil
		})
		server := NewSSHServer(c.log, c.hostKey, c.sshdPort, c.AuthSet)
		err := server.Serve(conn)
		if err != nil {
			c.log.DLogf("session %s: ssh server exited: %s", req.SessionID, err)
		}
		res.Shutdown(err)
	}()

	return session.Response{
		SessionID:           req.SessionID,
		Status:              session.StatusOK,
		EphemeralPrivateKey: string(keyPair.PrivatePEM),
	}
}

// establishReverse implements spec.md §4.2's legacy path: accept the
// client's public key and dial back to it with a reverse port forward.
func (c *Controller) establishReverse(ctx context.Context, clientAddr string, req session.Request) session.Response {
	pub, err := sshkeys.ParsePublicLine(req.EphemeralPublicKey)
	if err != nil {
		return errorResponse(req.SessionID, fmt.Errorf("invalid client public key: %w", err))
	}
	c.AuthSet.Add(req.SessionID, pub)

	target := fmt.Sprintf("%s:%d", req.Host, req.Port)
	clientConn, err := ssh.Dial("tcp", target, &ssh.ClientConfig{
		User:            "sshnp",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(c.hostKey)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         ResponseTimeout,
	})
	if err != nil {
		c.AuthSet.Remove(pub)
		return errorResponse(req.SessionID, nperrors.NewTimeoutError("reverse ssh dial", err.Error()))
	}

	listenAddr := fmt.Sprintf("127.0.0.1:%d", req.RemoteForwardPort)
	remoteLn, err := clientConn.Listen("tcp", listenAddr)
	if err != nil {
		clientConn.Close()
		c.AuthSet.Remove(pub)
		return errorResponse(req.SessionID, err)
	}

	go c.serveReverseForward(req.SessionID, remoteLn, pub, clientConn)

	return session.Response{SessionID: req.SessionID, Status: session.StatusConnected}
}

func (c *Controller) serveReverseForward(id session.ID, ln net.Listener, pub ssh.PublicKey, clientConn *ssh.Client) {
	res := newSessionResources(c.log, clientConn.Close)
	res.TrackFunc("close remote listener", func(context.Context) error {
		return ln.Close()
	})
	res.TrackFunc("revoke authorized key", func(context.Context) error {
		c.AuthSet.Remove(pub)
		return nil
	})

	var acceptErr error
	for {
		remote, err := ln.Accept()
		if err != nil {
			acceptErr = err
			break
		}
		local, err := net.DialTimeout("tcp", fmt.Sprintf("localhost:%d", c.sshdPort), 10*time.Second)
		if err != nil {
			remote.Close()
			continue
		}
		go bridge(remote, local)
	}
	res.Shutdown(acceptErr)
}

func bridge(a, b net.Conn) {
	done := make(chan struct{}, 2)
	go func() { copyAndSignal(a, b, done) }()
	go func() { copyAndSignal(b, a, done) }()
	<-done
	a.Close()
	b.Close()
}

func copyAndSignal(dst, src net.Conn, done chan struct{}) {
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				break
			}
		}
		if err != nil {
			break
		}
	}
	done <- struct{}{}
}

func (c *Controller) reply(ctx context.Context, clientAddr string, id session.ID, resp session.Response) {
	env, err := c.identity.Sign(resp)
	if err != nil {
		c.log.ELogf("sign response for session %s: %s", id, err)
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		c.log.ELogf("marshal response envelope for session %s: %s", id, err)
		return
	}
	key := session.ResponseKey(c.identity.Address, clientAddr, id, c.device)
	if err := c.bus.Notify(ctx, key, data); err != nil {
		c.log.WLogf("publish response for session %s: %s", id, err)
	}
}

func errorResponse(id session.ID, err error) session.Response {
	return session.Response{SessionID: id, Status: session.StatusError, Message: err.Error()}
}
