package sshkeys

// Deterministic crypto.Reader, kept verbatim from the teacher's
// share/determ_rand.go: half the result is used as output
// [a|...] -> sha512(a) -> [b|output] -> sha512(b)
//
// Used by rvd's --seed flag to generate a reproducible relay signing
// identity across restarts during testing, without persisting a private
// key file.

import (
	"crypto/sha512"
	"io"
)

// determRandIter is the number of times a seed is hashed with SHA-512 to
// produce the starting state of a pseudo-random stream.
const determRandIter = 2048

// NewDetermRand returns an io.Reader producing a pseudo-random byte
// stream that is deterministic given seed.
func NewDetermRand(seed []byte) io.Reader {
	next := seed
	for i := 0; i < determRandIter; i++ {
		next, _ = hashSplit(next)
	}
	return &determRand{next: next}
}

type determRand struct {
	next []byte
}

func (d *determRand) Read(b []byte) (int, error) {
	n := 0
	for n < len(b) {
		next, out := hashSplit(d.next)
		n += copy(b[n:], out)
		d.next = next
	}
	return n, nil
}

func hashSplit(input []byte) (next []byte, output []byte) {
	sum := sha512.Sum512(input)
	return sum[:sha512.Size/2], sum[sha512.Size/2:]
}
