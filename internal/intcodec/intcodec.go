// Package intcodec implements positive/signed integer byte codecs and
// the netbytes self-delimiting length prefix (spec.md §4.2).
package intcodec

import (
	"fmt"
	"math/big"

	"github.com/halvorsen/vtsd/internal/verr"
)

// PosIntToBytes returns the minimal big-endian unsigned encoding of a
// non-negative integer. Zero encodes as a single 0x00 byte.
func PosIntToBytes(n *big.Int) []byte {
	if n.Sign() < 0 {
		panic("intcodec: PosIntToBytes requires a non-negative integer")
	}
	if n.Sign() == 0 {
		return []byte{0x00}
	}
	return n.Bytes()
}

// BytesToPosInt is the inverse of PosIntToBytes.
func BytesToPosInt(b []byte) *big.Int {
	return new(big.Int).SetBytes(b)
}

// SignedIntToBytes encodes abs(2n) if n >= 0, else abs(2n)+1, as the
// minimal big-endian unsigned representation of that value.
func SignedIntToBytes(n *big.Int) []byte {
	two := big.NewInt(2)
	if n.Sign() >= 0 {
		return PosIntToBytes(new(big.Int).Mul(n, two))
	}
	doubled := new(big.Int).Mul(n, two)
	doubled.Neg(doubled)
	doubled.Add(doubled, big.NewInt(1))
	return PosIntToBytes(doubled)
}

// BytesToSignedInt is the inverse of SignedIntToBytes.
func BytesToSignedInt(b []byte) *big.Int {
	v := BytesToPosInt(b)
	lsb := new(big.Int).And(v, big.NewInt(1)).Int64()
	half := new(big.Int).Rsh(v, 1)
	if lsb == 0 {
		return half
	}
	return half.Neg(half)
}

// PosIntToNetbytes encodes n using the self-delimiting VP netbytes
// format described in spec.md §4.2.
func PosIntToNetbytes(n *big.Int) []byte {
	if n.Sign() < 0 {
		panic("intcodec: PosIntToNetbytes requires a non-negative integer")
	}
	if n.Cmp(big.NewInt(246)) <= 0 {
		return []byte{byte(n.Int64())}
	}
	m := new(big.Int).Sub(n, big.NewInt(247))
	data := PosIntToBytes(m)
	k := len(data)
	if k <= 8 {
		out := make([]byte, 0, 1+k)
		out = append(out, byte(246+k))
		out = append(out, data...)
		return out
	}
	prefix := PosIntToNetbytes(big.NewInt(int64(k - 9)))
	out := make([]byte, 0, 1+len(prefix)+k)
	out = append(out, 0xFF)
	out = append(out, prefix...)
	out = append(out, data...)
	return out
}

// NetbytesResult is the outcome of decoding a netbytes prefix.
type NetbytesResult struct {
	// Value is the decoded integer, valid only when Complete is true.
	Value *big.Int
	// Read is the number of input bytes the encoding occupied, valid
	// only when Complete is true.
	Read int
	// Complete is true if data held a full netbytes encoding.
	Complete bool
	// MinBytes/MaxBytes bound the encoding length when Complete is
	// false, so callers can reject oversize values without a full
	// decode. Either may be -1 if no bound could be established.
	MinBytes, MaxBytes int
}

// NetbytesToPosInt decodes a netbytes-encoded non-negative integer
// from the head of data.
func NetbytesToPosInt(data []byte) NetbytesResult {
	if len(data) == 0 {
		return NetbytesResult{MinBytes: -1, MaxBytes: -1}
	}
	first := data[0]
	if first <= 246 {
		return NetbytesResult{Value: big.NewInt(int64(first)), Read: 1, Complete: true}
	}
	if first < 255 {
		numBytes := int(first) - 246
		if len(data) >= numBytes+1 {
			v := BytesToPosInt(data[1 : numBytes+1])
			v.Add(v, big.NewInt(247))
			return NetbytesResult{Value: v, Read: numBytes + 1, Complete: true}
		}
		return NetbytesResult{MinBytes: numBytes, MaxBytes: numBytes}
	}
	inner := NetbytesToPosInt(data[1:])
	if !inner.Complete {
		min, max := inner.MinBytes, inner.MaxBytes
		if min >= 0 {
			min += 1
		}
		if max >= 0 {
			max += 1
		}
		return NetbytesResult{MinBytes: min, MaxBytes: max}
	}
	numBytes := int(inner.Value.Int64()) + 9
	total := 1 + inner.Read + numBytes
	if len(data) < total {
		return NetbytesResult{MinBytes: numBytes, MaxBytes: numBytes}
	}
	v := BytesToPosInt(data[1+inner.Read : total])
	v.Add(v, big.NewInt(247))
	return NetbytesResult{Value: v, Read: total, Complete: true}
}

// ErrInsufficientBytes formats a verr.ErrParse-wrapped error carrying
// the (min, max) byte-length estimate for an incomplete netbytes read.
func ErrInsufficientBytes(r NetbytesResult) error {
	return fmt.Errorf("%w: insufficient netbytes data (need %d..%d more bytes)", verr.ErrParse, r.MinBytes, r.MaxBytes)
}
