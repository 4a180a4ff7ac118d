// Package vts implements the C8 VTS channel bridge of spec.md §4.8: a
// secure transport negotiated over two producer/consumer endpoint
// pairs (plaintext and ciphertext), grounded on the teacher's
// session_manager.go command-driven handshake and internal/vcrypto's
// abstract transform/PRF primitives.
package vts

import (
	"fmt"
	"math/big"

	"github.com/halvorsen/vtsd/internal/intcodec"
	"github.com/halvorsen/vtsd/internal/verr"
)

// tuple is a length-delimited handshake payload: netbytes(fieldCount)
// followed by netbytes(len)+bytes per field (spec.md §6 "length-
// delimited serialized tuples"; netbytes is the self-delimiting prefix
// of §4.2, reused here rather than inventing a second wire format).
type tuple [][]byte

// encodeTuple serializes fields into the wire form described above.
func encodeTuple(fields ...[]byte) []byte {
	out := intcodec.PosIntToNetbytes(big.NewInt(int64(len(fields))))
	for _, f := range fields {
		out = append(out, intcodec.PosIntToNetbytes(big.NewInt(int64(len(f))))...)
		out = append(out, f...)
	}
	return out
}

// decodeTuple parses one tuple from the head of data, reporting the
// number of bytes consumed. It fails closed: any field whose declared
// length would exceed the remaining buffer is an incomplete parse, not
// an error, so callers can keep buffering.
type tupleResult struct {
	fields   tuple
	consumed int
	complete bool
}

func decodeTuple(data []byte) tupleResult {
	countR := intcodec.NetbytesToPosInt(data)
	if !countR.Complete {
		return tupleResult{}
	}
	n := int(countR.Value.Int64())
	if n < 0 || n > 64 {
		return tupleResult{}
	}
	pos := countR.Read
	fields := make(tuple, 0, n)
	for i := 0; i < n; i++ {
		if pos > len(data) {
			return tupleResult{}
		}
		lenR := intcodec.NetbytesToPosInt(data[pos:])
		if !lenR.Complete {
			return tupleResult{}
		}
		flen := int(lenR.Value.Int64())
		pos += lenR.Read
		if flen < 0 || pos+flen > len(data) {
			return tupleResult{}
		}
		fields = append(fields, data[pos:pos+flen])
		pos += flen
	}
	return tupleResult{fields: fields, consumed: pos, complete: true}
}

func tupleField(t tuple, i int) ([]byte, error) {
	if i < 0 || i >= len(t) {
		return nil, fmt.Errorf("%w: handshake tuple missing field %d", verr.ErrProtocol, i)
	}
	return t[i], nil
}

// optionalTupleField returns nil, false when the tuple does not carry
// that many fields, used for the trailing optional max_keylen/
// hshake_lim negotiation fields (spec.md §4.8).
func optionalTupleField(t tuple, i int) ([]byte, bool) {
	if i < 0 || i >= len(t) {
		return nil, false
	}
	return t[i], true
}

func joinNames(names []string, sep byte) []byte {
	out := make([]byte, 0)
	for i, n := range names {
		if i > 0 {
			out = append(out, sep)
		}
		out = append(out, n...)
	}
	return out
}

func splitNames(data []byte, sep byte) []string {
	if len(data) == 0 {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(data); i++ {
		if i == len(data) || data[i] == sep {
			out = append(out, string(data[start:i]))
			start = i + 1
		}
	}
	return out
}
