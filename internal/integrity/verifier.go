package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
)

// Result is the outcome of verifying an artifact against its expected
// digest.
type Result int

const (
	// Skipped means no expected hash was configured. Not an error.
	Skipped Result = iota
	Match
	Mismatch
)

func (r Result) String() string {
	switch r {
	case Match:
		return "match"
	case Mismatch:
		return "mismatch"
	default:
		return "skipped"
	}
}

// Sink accumulates a sha256 digest as bytes stream through the transfer
// engine's write chain, so large artifacts are never read a second time.
type Sink struct {
	h hash.Hash
	n int64
}

func NewSink() *Sink {
	return &Sink{h: sha256.New()}
}

func (s *Sink) Write(p []byte) (int, error) {
	n, err := s.h.Write(p)
	s.n += int64(n)

	return n, err
}

// Reset discards all accumulated state. Called when a transfer restarts
// from zero because the server ignored the range request.
func (s *Sink) Reset() {
	s.h.Reset()
	s.n = 0
}

// Bytes returns how many bytes have been hashed.
func (s *Sink) Bytes() int64 {
	return s.n
}

// Sum returns the hex digest of everything written so far.
func (s *Sink) Sum() string {
	return hex.EncodeToString(s.h.Sum(nil))
}

// Compare matches an actual hex digest against an expected one. An empty
// expected digest yields Skipped.
func Compare(actual, expected string) Result {
	if strings.TrimSpace(expected) == "" {
		return Skipped
	}

	if strings.EqualFold(actual, strings.TrimSpace(expected)) {
		return Match
	}

	return Mismatch
}

// MismatchError is the hard failure raised when an artifact's digest does
// not match the record. The artifact has been removed from its final path
// by the time this error is observed.
type MismatchError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", e.Path, e.Expected, e.Actual)
}
