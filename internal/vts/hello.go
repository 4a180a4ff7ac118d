package vts

import (
	"bytes"
	"fmt"

	"github.com/halvorsen/vtsd/internal/verr"
)

// protocolVersion is the exact version string both sides must present
// as the first ciphertext bytes (spec.md §4.8 "Protocol hello").
const protocolVersion = "0.8"

const helloPrefix = "VTS_DRAFT-"

// maxHelloLen bounds the bytes consumed looking for the hello
// terminator, defending against a peer that never sends '\n'.
const maxHelloLen = 32

var helloLine = []byte(helloPrefix + protocolVersion + "\n")

// helloScanner accumulates bytes until a full hello line is seen or
// the channel gives up (spec.md §4.8: "Maximum 32 bytes consumed
// before the line must terminate").
type helloScanner struct {
	buf  []byte
	done bool
}

// helloOutcome reports scan progress.
type helloOutcome int

const (
	helloNeedMore helloOutcome = iota
	helloMatched
	helloMismatch
)

func (s *helloScanner) feed(data []byte) (helloOutcome, int) {
	for i, b := range data {
		s.buf = append(s.buf, b)
		if len(s.buf) > maxHelloLen {
			return helloMismatch, i + 1
		}
		if b == '\n' {
			if bytes.Equal(s.buf, helloLine) {
				return helloMatched, i + 1
			}
			return helloMismatch, i + 1
		}
	}
	return helloNeedMore, len(data)
}

func helloMismatchErr() error {
	return fmt.Errorf("%w: vts protocol hello mismatch, want %q", verr.ErrProtocol, string(helloLine))
}
