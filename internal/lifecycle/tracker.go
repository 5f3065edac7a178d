// Package lifecycle provides the per-session cleanup base used across np,
// npd and rvd: a Tracker manages one-time, idempotent, asynchronous
// teardown of an object and any children registered with it (generated
// keyfiles, authorised-key entries, listening sockets, subprocesses,
// pending timers — spec.md §4.5). Every teardown step is bounded so a
// stuck child cannot block the rest of cleanup (spec.md §4.5's "any
// single teardown step is bounded at 2s; remaining steps continue on
// best-effort").
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/sshnp-go/sshnp/internal/nplog"
)

// ChildStepTimeout bounds how long Tracker waits for any single child to
// finish shutting down before moving on to the next one.
const ChildStepTimeout = 2 * time.Second

// OnceCleanupHandler is implemented by the object a Tracker manages. It is
// called exactly once, in its own goroutine, to perform synchronous
// teardown of that object's own resources (not its children).
type OnceCleanupHandler interface {
	HandleOnceCleanup(completionError error) error
}

// AsyncCloser is implemented by anything a Tracker can register as a
// child: a nested Tracker, a listener wrapper, a subprocess handle.
type AsyncCloser interface {
	StartShutdown(completionErr error)
	ShutdownDoneChan() <-chan struct{}
	IsDoneShutdown() bool
	WaitShutdown() error
}

// Tracker is the embeddable base that gives any session-scoped object
// idempotent, asynchronous, cancellation-aware cleanup.
type Tracker struct {
	nplog.Logger

	Lock sync.Mutex

	handler OnceCleanupHandler

	pauseCount   int
	isActivated  bool
	isScheduled  bool
	isStarted    bool
	isDone       bool
	completedErr error

	startedChan     chan struct{}
	handlerDoneChan chan struct{}
	doneChan        chan struct{}

	wg sync.WaitGroup
}

// Init initializes a Tracker in place. Call once, before use.
func (t *Tracker) Init(logger nplog.Logger, handler OnceCleanupHandler) {
	t.Logger = logger
	t.handler = handler
	t.startedChan = make(chan struct{})
	t.handlerDoneChan = make(chan struct{})
	t.doneChan = make(chan struct{})
}

// Activate marks the tracker as active. A no-op if already active; fails
// if shutdown has already begun.
func (t *Tracker) Activate() error {
	t.Lock.Lock()
	defer t.Lock.Unlock()
	if t.isActivated {
		return nil
	}
	if t.isStarted {
		return t.Errorf("cannot activate: shutdown already started")
	}
	t.isActivated = true
	return nil
}

// PauseShutdown defers the actual start of shutdown processing until a
// matching ResumeShutdown is called. Used to keep initialization atomic.
func (t *Tracker) PauseShutdown() error {
	t.Lock.Lock()
	defer t.Lock.Unlock()
	if t.isStarted {
		return t.Errorf("cannot pause: shutdown already started")
	}
	t.pauseCount++
	return nil
}

// ResumeShutdown undoes one PauseShutdown, starting shutdown now if it was
// scheduled while paused and this was the last pause.
func (t *Tracker) ResumeShutdown() {
	t.Lock.Lock()
	if t.pauseCount < 1 {
		t.Lock.Unlock()
		t.Panic("ResumeShutdown called without matching PauseShutdown")
		return
	}
	t.pauseCount--
	startNow := t.pauseCount == 0 && t.isScheduled && !t.isStarted
	if startNow {
		t.isStarted = true
	}
	t.Lock.Unlock()
	if startNow {
		t.runShutdown()
	}
}

// ShutdownOnContext starts asynchronous shutdown if ctx is cancelled
// before shutdown begins on its own.
func (t *Tracker) ShutdownOnContext(ctx context.Context) {
	go func() {
		select {
		case <-t.startedChan:
		case <-ctx.Done():
			t.StartShutdown(ctx.Err())
		}
	}()
}

// StartShutdown schedules asynchronous shutdown. Idempotent: subsequent
// calls are no-ops.
func (t *Tracker) StartShutdown(completionErr error) {
	var startNow bool
	t.Lock.Lock()
	if !t.isScheduled {
		t.completedErr = completionErr
		t.isScheduled = true
		startNow = t.pauseCount == 0
		t.isStarted = startNow
	}
	t.Lock.Unlock()
	if startNow {
		t.runShutdown()
	}
}

func (t *Tracker) runShutdown() {
	t.DLogf("shutdown started")
	close(t.startedChan)
	go func() {
		t.completedErr = t.handler.HandleOnceCleanup(t.completedErr)
		close(t.handlerDoneChan)
		t.waitChildren()
		t.Lock.Lock()
		t.isDone = true
		t.Lock.Unlock()
		t.DLogf("shutdown done")
		close(t.doneChan)
	}()
}

// waitChildren waits for the WaitGroup of registered children, but the
// per-child goroutines registered by Track already bound their own wait
// at ChildStepTimeout, so this simply rendezvouses with them.
func (t *Tracker) waitChildren() {
	t.wg.Wait()
}

// IsActivated reports whether Activate has been called.
func (t *Tracker) IsActivated() bool { return t.isActivated }

// IsStartedShutdown reports whether shutdown has begun.
func (t *Tracker) IsStartedShutdown() bool {
	t.Lock.Lock()
	defer t.Lock.Unlock()
	return t.isStarted
}

// IsDoneShutdown reports whether shutdown has completed.
func (t *Tracker) IsDoneShutdown() bool {
	t.Lock.Lock()
	defer t.Lock.Unlock()
	return t.isDone
}

// ShutdownDoneChan returns a channel closed once shutdown is complete.
func (t *Tracker) ShutdownDoneChan() <-chan struct{} { return t.doneChan }

// WaitShutdown blocks until shutdown completes and returns the final status.
func (t *Tracker) WaitShutdown() error {
	<-t.doneChan
	return t.completedErr
}

// Shutdown starts shutdown (if not already) and waits for it to complete.
func (t *Tracker) Shutdown(completionErr error) error {
	t.StartShutdown(completionErr)
	return t.WaitShutdown()
}

// Close is a default io.Closer: shuts down with a nil advisory status.
func (t *Tracker) Close() error {
	return t.Shutdown(nil)
}

// Track registers a child whose shutdown this Tracker will drive once its
// own HandleOnceCleanup returns. Each child is given ChildStepTimeout to
// finish; a child that overruns is abandoned (best-effort) rather than
// blocking the rest of cleanup — spec.md §4.5.
func (t *Tracker) Track(child AsyncCloser) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		select {
		case <-child.ShutdownDoneChan():
			return
		case <-t.handlerDoneChan:
		}
		child.StartShutdown(t.completedErr)
		select {
		case <-child.ShutdownDoneChan():
		case <-time.After(ChildStepTimeout):
			t.DLogf("cleanup step for %v exceeded %s, continuing best-effort", child, ChildStepTimeout)
		}
	}()
}

// TrackFunc registers a plain cleanup function as a child, run (and
// bounded the same way as Track) once the tracker's own handler has run.
func (t *Tracker) TrackFunc(name string, fn func(ctx context.Context) error) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		<-t.handlerDoneChan
		ctx, cancel := context.WithTimeout(context.Background(), ChildStepTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			t.DLogf("cleanup step %q failed, continuing best-effort: %s", name, err)
		}
	}()
}
