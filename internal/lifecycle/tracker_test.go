package lifecycle

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sshnp-go/sshnp/internal/nplog"
)

type countingHandler struct {
	calls int32
	err   error
}

func (h *countingHandler) HandleOnceCleanup(completionErr error) error {
	atomic.AddInt32(&h.calls, 1)
	if h.err != nil {
		return h.err
	}
	return completionErr
}

func newTestTracker(handler OnceCleanupHandler) *Tracker {
	var t Tracker
	t.Init(nplog.New("test", nplog.LogLevelError, false), handler)
	return &t
}

func TestTrackerShutdownIsIdempotent(t *testing.T) {
	h := &countingHandler{}
	tr := newTestTracker(h)

	err1 := tr.Shutdown(nil)
	err2 := tr.Shutdown(errors.New("ignored, shutdown already ran"))

	if err1 != nil || err2 != nil {
		t.Fatalf("Shutdown returned errors: %v, %v", err1, err2)
	}
	if calls := atomic.LoadInt32(&h.calls); calls != 1 {
		t.Fatalf("handler called %d times, want exactly 1", calls)
	}
	if !tr.IsDoneShutdown() {
		t.Error("IsDoneShutdown() = false after Shutdown returned")
	}
}

func TestTrackerShutdownPropagatesCompletionError(t *testing.T) {
	h := &countingHandler{}
	tr := newTestTracker(h)

	want := errors.New("boom")
	if err := tr.Shutdown(want); !errors.Is(err, want) {
		t.Errorf("Shutdown(want) = %v, want %v", err, want)
	}
}

func TestTrackerPauseResumeDefersShutdown(t *testing.T) {
	h := &countingHandler{}
	tr := newTestTracker(h)

	if err := tr.PauseShutdown(); err != nil {
		t.Fatalf("PauseShutdown: %s", err)
	}
	tr.StartShutdown(nil)

	select {
	case <-tr.ShutdownDoneChan():
		t.Fatal("shutdown completed while paused")
	case <-time.After(50 * time.Millisecond):
	}

	tr.ResumeShutdown()
	select {
	case <-tr.ShutdownDoneChan():
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown never completed after ResumeShutdown")
	}
}

type fakeChild struct {
	done chan struct{}
}

func newFakeChild() *fakeChild { return &fakeChild{done: make(chan struct{})} }

func (c *fakeChild) StartShutdown(completionErr error) { close(c.done) }
func (c *fakeChild) ShutdownDoneChan() <-chan struct{} { return c.done }
func (c *fakeChild) IsDoneShutdown() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
func (c *fakeChild) WaitShutdown() error { <-c.done; return nil }

func TestTrackerWaitsForTrackedChildren(t *testing.T) {
	h := &countingHandler{}
	tr := newTestTracker(h)
	child := newFakeChild()
	tr.Track(child)

	if err := tr.Shutdown(nil); err != nil {
		t.Fatalf("Shutdown: %s", err)
	}
	if !child.IsDoneShutdown() {
		t.Error("tracked child was never told to shut down")
	}
}

// slowChild never signals ShutdownDoneChan on its own, exercising Track's
// ChildStepTimeout best-effort abandonment.
type slowChild struct {
	started chan struct{}
	done    chan struct{}
}

func newSlowChild() *slowChild {
	return &slowChild{started: make(chan struct{}, 1), done: make(chan struct{})}
}

func (c *slowChild) StartShutdown(completionErr error) {
	select {
	case c.started <- struct{}{}:
	default:
	}
}
func (c *slowChild) ShutdownDoneChan() <-chan struct{} { return c.done }
func (c *slowChild) IsDoneShutdown() bool              { return false }
func (c *slowChild) WaitShutdown() error               { <-c.done; return nil }

func TestTrackerAbandonsSlowChildAfterStepTimeout(t *testing.T) {
	h := &countingHandler{}
	tr := newTestTracker(h)
	child := newSlowChild()
	tr.Track(child)

	start := time.Now()
	if err := tr.Shutdown(nil); err != nil {
		t.Fatalf("Shutdown: %s", err)
	}
	if elapsed := time.Since(start); elapsed < ChildStepTimeout {
		t.Errorf("Shutdown returned after %s, want at least ChildStepTimeout (%s)", elapsed, ChildStepTimeout)
	}
	select {
	case <-child.started:
	default:
		t.Error("slow child was never told to start shutdown")
	}
}

func TestTrackerShutdownOnContext(t *testing.T) {
	h := &countingHandler{}
	tr := newTestTracker(h)

	ctx, cancel := context.WithCancel(context.Background())
	tr.ShutdownOnContext(ctx)
	cancel()

	select {
	case <-tr.ShutdownDoneChan():
	case <-time.After(2 * time.Second):
		t.Fatal("ShutdownOnContext never triggered shutdown after cancel")
	}
}
