package asn1

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/halvorsen/vtsd/internal/verr"
)

// OID is an ASN.1 object identifier: a sequence of non-negative
// sub-identifiers.
type OID []int

// ParseOIDString parses a dotted-decimal string ("1.2.840.113549.1.1.1").
func ParseOIDString(s string) (OID, error) {
	parts := strings.Split(s, ".")
	if len(parts) < 2 {
		return nil, fmt.Errorf("%w: bad object identifier %q", verr.ErrParse, s)
	}
	oid := make(OID, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: bad object identifier %q", verr.ErrParse, s)
		}
		oid[i] = n
	}
	return oid, nil
}

// String renders the OID in dotted-decimal form.
func (o OID) String() string {
	parts := make([]string, len(o))
	for i, n := range o {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ".")
}

// Equal reports whether o and other name the same identifier.
func (o OID) Equal(other OID) bool {
	if len(o) != len(other) {
		return false
	}
	for i := range o {
		if o[i] != other[i] {
			return false
		}
	}
	return true
}

func (o OID) encode() ([]byte, error) {
	if len(o) < 2 {
		return nil, fmt.Errorf("%w: bad object identifier (need at least 2 arcs)", verr.ErrValidation)
	}
	first := 40*o[0] + o[1]
	out := encodeBase128(first)
	for _, arc := range o[2:] {
		out = append(out, encodeBase128(arc)...)
	}
	return out, nil
}

func decodeOID(content []byte) (OID, error) {
	if len(content) == 0 {
		return nil, fmt.Errorf("%w: bad object identifier (empty)", verr.ErrParse)
	}
	var arcs []int
	n := 0
	for i, b := range content {
		n = (n << 7) | int(b&0x7F)
		if b&0x80 == 0 {
			arcs = append(arcs, n)
			n = 0
		}
		if b&0x80 != 0 && i == len(content)-1 {
			return nil, fmt.Errorf("%w: bad object identifier (truncated arc)", verr.ErrParse)
		}
	}
	if len(arcs) == 0 {
		return nil, fmt.Errorf("%w: bad object identifier", verr.ErrParse)
	}
	first := arcs[0]
	var a, b int
	if first < 80 {
		a, b = first/40, first%40
	} else {
		a, b = 2, first-80
	}
	oid := make(OID, 0, len(arcs)+1)
	oid = append(oid, a, b)
	oid = append(oid, arcs[1:]...)
	return oid, nil
}
