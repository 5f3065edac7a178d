package nplog

import (
	"os"

	"github.com/andrew-d/go-termutil"
)

// StderrIsTerminal reports whether stderr is attached to a terminal, used
// by cmd/np, cmd/npd and cmd/rvd to decide whether New's color argument
// should be on: ANSI codes piped into a log file or CI runner just add
// noise.
func StderrIsTerminal() bool {
	return termutil.Isatty(os.Stderr.Fd())
}
