package daemonctl

import (
	"github.com/sshnp-go/sshnp/internal/lifecycle"
	"github.com/sshnp-go/sshnp/internal/nplog"
)

// sessionResources is the per-session cleanup tracker embedded by both
// establishDirect's SSH server goroutine and establishReverse's forward
// loop (spec.md §4.5): the primary resource (the rendezvous connection or
// the reverse ssh.Client) is closed by HandleOnceCleanup, and everything
// else the session accumulates along the way — its AuthSet entry, its
// remote listener — is registered as a child so it is torn down within
// ChildStepTimeout of the primary resource closing, without a stuck
// child blocking the rest.
type sessionResources struct {
	lifecycle.Tracker

	closeFn func() error
}

// newSessionResources builds a sessionResources whose primary teardown
// step is closeFn.
func newSessionResources(log nplog.Logger, closeFn func() error) *sessionResources {
	r := &sessionResources{closeFn: closeFn}
	r.Tracker.Init(log, r)
	return r
}

// HandleOnceCleanup implements lifecycle.OnceCleanupHandler.
func (r *sessionResources) HandleOnceCleanup(completionErr error) error {
	if r.closeFn == nil {
		return completionErr
	}
	if err := r.closeFn(); err != nil && completionErr == nil {
		completionErr = err
	}
	return completionErr
}
