package rendezvous

import (
	"context"
	"encoding/json"
	"net"
	"net/http"

	"github.com/jpillora/requestlog"
	"github.com/tomasen/realip"

	"github.com/sshnp-go/sshnp/internal/lifecycle"
	"github.com/sshnp-go/sshnp/internal/nplog"
)

// DebugServer exposes the relay's optional /health and /stats surface.
// Adapted from the teacher's share/http_server.go graceful-shutdown
// wrapper, generalized to a fixed mux instead of an arbitrary handler, and
// decorated with the teacher's own requestlog access-log middleware
// (cmd/chisel already pairs an http.Server with jpillora/requestlog for
// this exact purpose).
type DebugServer struct {
	lifecycle.Tracker

	log      nplog.Logger
	registry *Registry
	server   *http.Server
	listener net.Listener
}

// NewDebugServer builds a DebugServer backed by registry's live allocation
// stats.
func NewDebugServer(log nplog.Logger, registry *Registry) *DebugServer {
	d := &DebugServer{log: log, registry: registry}
	d.Tracker.Init(log, d)
	return d
}

// HandleOnceCleanup implements lifecycle.OnceCleanupHandler.
func (d *DebugServer) HandleOnceCleanup(completionErr error) error {
	if d.listener != nil {
		if err := d.listener.Close(); err != nil && completionErr == nil {
			completionErr = err
		}
	}
	return completionErr
}

// ListenAndServe starts serving /health and /stats on addr. Returns once
// the listener is bound; serving continues in the background until
// shutdown.
func (d *DebugServer) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(d.registry.StatsSnapshot())
	})

	logged := requestlog.Wrap(mux)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	d.listener = ln
	d.server = &http.Server{Handler: remoteAddrFromRealIP(logged)}

	d.Tracker.ShutdownOnContext(ctx)
	go func() {
		d.Tracker.Shutdown(d.server.Serve(ln))
	}()
	return nil
}

// remoteAddrFromRealIP rewrites r.RemoteAddr using the teacher-grounded
// tomasen/realip resolver, so requestlog's access log reflects the real
// client when the relay sits behind a proxy.
func remoteAddrFromRealIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.RemoteAddr = realip.FromRequest(r)
		next.ServeHTTP(w, r)
	})
}
