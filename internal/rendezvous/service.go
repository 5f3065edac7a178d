package rendezvous

import (
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/sshnp-go/sshnp/internal/nplog"
	"github.com/sshnp-go/sshnp/internal/session"
	"github.com/sshnp-go/sshnp/internal/substrate"
)

// Service is rvd's main loop: subscribe to allocation requests addressed
// to this relay's own address, allocate a Registry entry per request, and
// publish the wire reply (spec.md §4.1 REQUEST_SESSION, §6's rvd request
// key). Grounded in the daemon controller's same
// subscribe-parse-act-reply shape (internal/daemonctl/controller.go),
// generalized from session establishment to port allocation.
type Service struct {
	log      nplog.Logger
	bus      substrate.Substrate
	address  string
	Registry *Registry
}

// NewService builds a Service bound to address, allocating via registry.
func NewService(log nplog.Logger, bus substrate.Substrate, address string, registry *Registry) *Service {
	return &Service{log: log, bus: bus, address: address, Registry: registry}
}

// Run subscribes and services allocation requests until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	pattern := session.RvdSubscriptionPattern(s.address)
	requests, err := s.bus.Subscribe(ctx, pattern)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", pattern, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-requests:
			if !ok {
				return nil
			}
			go s.handleRequest(ctx, n)
		}
	}
}

func (s *Service) handleRequest(ctx context.Context, n substrate.Notification) {
	device, clientAddr, err := session.ParseRvdRequestKey(n.Key)
	if err != nil {
		s.log.WLogf("rvd request: %s", err)
		return
	}

	var req session.RvdAllocationRequest
	if err := json.Unmarshal(n.Value, &req); err != nil {
		s.log.WLogf("rvd request for device %s from %s: malformed value: %s", device, clientAddr, err)
		return
	}
	if req.DaemonAddress == "" {
		s.log.WLogf("rvd request %s: missing daemonAddress", req.SessionID)
		return
	}

	alloc, err := s.Registry.Allocate(ctx, req.SessionID, clientAddr, req.DaemonAddress)
	if err != nil {
		s.log.WLogf("rvd request %s: allocation failed: %s", req.SessionID, err)
		return
	}
	s.log.ILogf("session %s: allocated %s (client) / %s (daemon)", req.SessionID, alloc.ClientAddrPort(), alloc.DaemonAddrPort())

	reply, err := allocationReply(alloc)
	if err != nil {
		s.log.WLogf("session %s: %s", req.SessionID, err)
		return
	}
	replyKey := session.RvdReplyKey(n.Key)
	if err := s.bus.Notify(ctx, replyKey, []byte(reply)); err != nil {
		s.log.WLogf("session %s: publish allocation reply: %s", req.SessionID, err)
	}
}

// allocationReply builds the literal "<ip>,<portA>,<portB>,<rvdNonce>"
// wire string from spec.md §3.
func allocationReply(alloc *Allocation) (string, error) {
	ip, portA, err := net.SplitHostPort(alloc.ClientAddrPort())
	if err != nil {
		return "", fmt.Errorf("split client-facing listener address: %w", err)
	}
	_, portB, err := net.SplitHostPort(alloc.DaemonAddrPort())
	if err != nil {
		return "", fmt.Errorf("split daemon-facing listener address: %w", err)
	}
	return fmt.Sprintf("%s,%s,%s,%s", ip, portA, portB, alloc.Nonce), nil
}
