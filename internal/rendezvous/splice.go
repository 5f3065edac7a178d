package rendezvous

import (
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/jpillora/sizestr"

	"github.com/sshnp-go/sshnp/internal/nplog"
)

// SpliceBufferSize is the per-direction copy buffer, bounded at spec.md
// §4.1's >=64KiB backpressure floor: io.CopyBuffer blocks its goroutine on
// Write until the mirrored reader drains, so a buffer this size is also
// the in-flight backpressure bound per direction.
const SpliceBufferSize = 64 * 1024

// Splice copies bytes between a and b in both directions. When one
// direction's source EOFs or errors, its destination is half-closed
// (CloseWrite, where supported); once both directions have finished,
// Splice closes both conns. Adapted from the teacher's
// share/pipe.go: generalized from an unbounded io.Copy to an explicit
// bounded buffer (spec.md §4.1), and optionally tees each direction
// through a hex-dump logger when snoop is non-nil (rvd --snoop).
func Splice(a, b net.Conn, snoop nplog.Logger) (sent, received int64) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		received = copyDirection(a, b, "daemon->client", snoop)
	}()
	go func() {
		defer wg.Done()
		sent = copyDirection(b, a, "client->daemon", snoop)
	}()
	wg.Wait()
	a.Close()
	b.Close()
	return sent, received
}

func copyDirection(dst, src net.Conn, label string, snoop nplog.Logger) int64 {
	buf := make([]byte, SpliceBufferSize)
	var w io.Writer = dst
	if snoop != nil {
		w = io.MultiWriter(dst, &hexDumpWriter{label: label, logger: snoop})
	}
	n, _ := io.CopyBuffer(w, src, buf)
	if whc, ok := dst.(WriteHalfCloser); ok {
		whc.CloseWrite()
	}
	return n
}

// hexDumpWriter logs a hex dump of every chunk written through it without
// altering the bytes that continue on to the real destination
// (spec.md §4.1: "optional packet snooping toggles hex-dump logging but
// never alters bytes").
type hexDumpWriter struct {
	label  string
	logger nplog.Logger
}

func (h *hexDumpWriter) Write(p []byte) (int, error) {
	h.logger.TLogf("%s %s\n%s", h.label, sizestr.ToString(int64(len(p))), hexDump(p))
	return len(p), nil
}

func hexDump(p []byte) string {
	const width = 16
	var out []byte
	for i := 0; i < len(p); i += width {
		end := i + width
		if end > len(p) {
			end = len(p)
		}
		row := p[i:end]
		out = append(out, fmt.Sprintf("%08x  ", i)...)
		for j := 0; j < width; j++ {
			if j < len(row) {
				out = append(out, fmt.Sprintf("%02x ", row[j])...)
			} else {
				out = append(out, "   "...)
			}
		}
		out = append(out, ' ')
		for _, b := range row {
			if b >= 0x20 && b < 0x7f {
				out = append(out, b)
			} else {
				out = append(out, '.')
			}
		}
		out = append(out, '\n')
	}
	return string(out)
}
