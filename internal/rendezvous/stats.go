package rendezvous

import (
	"fmt"
	"sync/atomic"
)

// Stats tracks allocation counts for the relay's debug HTTP surface.
// Kept verbatim from the teacher's share/connstats.go, renamed from
// connection counts to allocation counts.
type Stats struct {
	total int32
	open  int32
}

// New adds one to the total allocation count and returns the new total.
func (s *Stats) New() int32 {
	return atomic.AddInt32(&s.total, 1)
}

// Open adds one to the current open allocation count.
func (s *Stats) Open() {
	atomic.AddInt32(&s.open, 1)
}

// Close subtracts one from the current open allocation count.
func (s *Stats) Close() {
	atomic.AddInt32(&s.open, -1)
}

func (s *Stats) String() string {
	return fmt.Sprintf("[%d/%d]", atomic.LoadInt32(&s.open), atomic.LoadInt32(&s.total))
}
