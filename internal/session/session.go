// Package session defines the session identifier, the request/response
// records exchanged between client and daemon (spec.md §3), and the
// notification-key builders that address the substrate (spec.md §6).
// Field names follow the teacher's share/session_config.go layout,
// generalized from wstunnel's single tunnel-spec struct to the spec's
// three-record wire model.
package session

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// ID is a session's UUIDv4 identifier (spec.md §3).
type ID string

// NewID generates a fresh session ID.
func NewID() ID {
	return ID(uuid.New().String())
}

func (id ID) String() string { return string(id) }

// deviceNamePattern is the boundary rule from spec.md §3 and §8: ASCII
// [A-Za-z0-9_]{1,15}.
var deviceNamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,15}$`)

// ValidateDeviceName rejects device names outside spec.md §3's pattern.
func ValidateDeviceName(name string) error {
	if !deviceNamePattern.MatchString(name) {
		return fmt.Errorf("invalid device name %q: want ASCII [A-Za-z0-9_]{1,15}", name)
	}
	return nil
}

// Mode selects how the daemon satisfies a session request (spec.md §4.2).
type Mode string

const (
	ModeDirect  Mode = "direct"
	ModeReverse Mode = "reverse"
)

// Request is the client->daemon record from spec.md §3.
type Request struct {
	SessionID          ID     `json:"sessionId"`
	Mode               Mode   `json:"mode"`
	Host               string `json:"host,omitempty"`
	Port               int    `json:"port,omitempty"`
	EphemeralPublicKey string `json:"ephemeralPublicKey,omitempty"`
	RemoteForwardPort  int    `json:"remoteForwardPort,omitempty"`
	AuthHint           string `json:"authHint,omitempty"`
	RvdNonce           string `json:"rvdNonce,omitempty"`
}

// Status is the response payload's discriminant (spec.md §9's "tagged
// variant for envelope payloads" design note). Unknown values decode fine
// (Status is just a string) but are mapped to StatusUnsupported by
// Response.Discriminate so callers can't silently mishandle a value added
// by a newer daemon.
type Status string

const (
	StatusOK          Status = "ok"
	StatusError       Status = "error"
	StatusConnected   Status = "connected"
	StatusUnsupported Status = "unsupported"
)

var knownStatuses = map[Status]bool{
	StatusOK:        true,
	StatusError:     true,
	StatusConnected: true,
}

// Response is the daemon->client payload carried inside a signed envelope
// (spec.md §3).
type Response struct {
	SessionID           ID     `json:"sessionId"`
	Status              Status `json:"status"`
	EphemeralPrivateKey string `json:"ephemeralPrivateKey,omitempty"`
	Message             string `json:"message,omitempty"`
}

// Discriminate normalizes an unrecognized Status to StatusUnsupported, per
// spec.md §9's design note on dynamic/duck-typed envelope payloads.
func (r Response) Discriminate() Status {
	if knownStatuses[r.Status] {
		return r.Status
	}
	return StatusUnsupported
}

// RvdAllocationRequest is the value carried by an rvd allocation request
// notification (spec.md §6's rvd request key). spec.md §4.1's
// REQUEST_SESSION signature also takes daemonAddr, alongside sessionId,
// so the relay can resolve a verification key for the daemon-facing
// listener; this struct is the JSON encoding of that pair. See DESIGN.md
// for why this is a deliberate extension of §6's literal
// "value = sessionId" wire sketch.
type RvdAllocationRequest struct {
	SessionID     ID     `json:"sessionId"`
	DaemonAddress string `json:"daemonAddress"`
}

// AuthPayload is the body of the auth envelope exchanged on each
// rendezvous socket (spec.md §3).
type AuthPayload struct {
	RvdNonce    string `json:"rvdNonce"`
	SessionID   ID     `json:"sessionId"`
	ClientNonce string `json:"clientNonce,omitempty"`
}

// DeviceInfo is the periodic payload a daemon shares under
// device_info.<device>.sshnp<daemon> (spec.md §4.2, §4.3).
type DeviceInfo struct {
	DeviceName         string   `json:"devicename"`
	Version            string   `json:"version"`
	CorePackageVersion string   `json:"corePackageVersion"`
	SupportedFeatures  []string `json:"supportedFeatures"`
}

// HasFeature reports whether a feature name appears in SupportedFeatures.
// The orchestrator does not consult it; session establishment is the
// same whatever features a device reports.
func (d DeviceInfo) HasFeature(name string) bool {
	for _, f := range d.SupportedFeatures {
		if f == name {
			return true
		}
	}
	return false
}

// --- Notification key builders (spec.md §6) ---

// RequestKey addresses the client->daemon request notification:
// "<client>:<sessionId>.<device>.sshnp<daemon>". The client is the
// sender (key prefix, per splitKey) and the daemon is the recipient
// (key suffix), matching SubscriptionPattern's "...sshnp<daemonAddress>"
// suffix so the daemon's subscription actually matches this key.
func RequestKey(client, daemon string, id ID, device string) string {
	return fmt.Sprintf("%s:%s.%s.sshnp%s", client, id, device, daemon)
}

// ResponseKey addresses the daemon->client response notification:
// "<daemon>:<sessionId>.<device>.sshnp<client>". Same "sender prefix,
// recipient suffix" convention as RequestKey, with the roles reversed
// since this notification flows the other way — keeping the two
// distinct so a response can never collide with the request it answers.
func ResponseKey(daemon, client string, id ID, device string) string {
	return fmt.Sprintf("%s:%s.%s.sshnp%s", daemon, id, device, client)
}

// UsernameShareKey addresses the remote-username share:
// "<client>:username.<device>.sshnp<daemon>".
func UsernameShareKey(client, daemon, device string) string {
	return fmt.Sprintf("%s:username.%s.sshnp%s", client, device, daemon)
}

// DeviceInfoKey addresses a daemon's publicly-shared device_info record:
// "<*>:device_info.<device>.sshnp<daemon>".
func DeviceInfoKey(daemon, device string) string {
	return fmt.Sprintf("*:device_info.%s.sshnp%s", device, daemon)
}

// HeartbeatKey addresses a daemon's heartbeat record:
// "<*>:heartbeat.<device>.sshnp<daemon>".
func HeartbeatKey(daemon, device string) string {
	return fmt.Sprintf("*:heartbeat.%s.sshnp%s", device, daemon)
}

// RvdRequestKey addresses a rendezvous allocation request:
// "<rvd>:<device>.sshrvd<client>".
func RvdRequestKey(rvd, client, device string) string {
	return fmt.Sprintf("%s:%s.sshrvd%s", rvd, device, client)
}

// PingKey addresses a device discovery ping: "<*>:ping.<device>".
func PingKey(device string) string {
	return fmt.Sprintf("*:ping.%s", device)
}

// RvdReplyKey addresses rvd's reply to an allocation request built with
// RvdRequestKey: the same key with a "-reply" suffix.
func RvdReplyKey(requestKey string) string {
	return requestKey + "-reply"
}

// RvdSubscriptionPattern builds the regex rvd subscribes with to receive
// allocation requests addressed to it (spec.md §6):
// "^<rvd>:.*\.sshrvd.*$".
func RvdSubscriptionPattern(rvdAddress string) string {
	return fmt.Sprintf(`^%s:.*\.sshrvd.*$`, regexp.QuoteMeta(rvdAddress))
}

// ParseRvdRequestKey splits a "<rvd>:<device>.sshrvd<client>" notification
// key into its device and client components.
func ParseRvdRequestKey(key string) (device, client string, err error) {
	idx := strings.IndexByte(key, ':')
	if idx < 0 {
		return "", "", fmt.Errorf("malformed rvd request key %q: missing ':'", key)
	}
	rest := key[idx+1:]
	const sep = ".sshrvd"
	si := strings.Index(rest, sep)
	if si < 0 {
		return "", "", fmt.Errorf("malformed rvd request key %q: missing %q", key, sep)
	}
	device = rest[:si]
	client = rest[si+len(sep):]
	if device == "" || client == "" {
		return "", "", fmt.Errorf("malformed rvd request key %q", key)
	}
	return device, client, nil
}

// SubscriptionPattern builds the regex a daemon subscribes with to
// receive request notifications addressed to it (spec.md §4.2):
// "^.*\.<device>\.sshnp<daemonAddress>$".
func SubscriptionPattern(device, daemonAddress string) string {
	return fmt.Sprintf(`^.*\.%s\.sshnp%s$`, regexp.QuoteMeta(device), regexp.QuoteMeta(daemonAddress))
}
