package asn1

import (
	"fmt"
	"math/big"
	"sort"
	"unicode/utf8"

	"github.com/halvorsen/vtsd/internal/verr"
)

// Encode produces the canonical DER encoding of v.
func Encode(v *Value) ([]byte, error) {
	content, constructed, err := encodeContent(v)
	if err != nil {
		return nil, err
	}
	id := encodeIdentifier(v.Tag, constructed)
	out := make([]byte, 0, len(id)+10+len(content))
	out = append(out, id...)
	out = append(out, encodeLength(len(content))...)
	out = append(out, content...)
	return out, nil
}

func encodeContent(v *Value) (content []byte, constructed bool, err error) {
	switch v.Kind {
	case KindNull:
		return nil, false, nil
	case KindBoolean:
		if v.Bool {
			return []byte{0xFF}, false, nil
		}
		return []byte{0x00}, false, nil
	case KindInteger, KindEnumerated:
		return encodeDERInt(v.Int), false, nil
	case KindBitString:
		out := make([]byte, 0, 1+len(v.Bits.Bytes))
		out = append(out, byte(v.Bits.PadBits))
		out = append(out, v.Bits.Bytes...)
		return out, false, nil
	case KindOctetString:
		return append([]byte(nil), v.Octets...), false, nil
	case KindOID:
		c, err := v.OID.encode()
		return c, false, err
	case KindUTF8String:
		return []byte(v.Str), false, nil
	case KindNumericString:
		if err := validateCharset(v.Str, isNumericChar); err != nil {
			return nil, false, err
		}
		return []byte(v.Str), false, nil
	case KindPrintableString:
		if err := validateCharset(v.Str, isPrintableChar); err != nil {
			return nil, false, err
		}
		return []byte(v.Str), false, nil
	case KindIA5String:
		if err := validateCharset(v.Str, isIA5Char); err != nil {
			return nil, false, err
		}
		return []byte(v.Str), false, nil
	case KindVisibleString:
		if err := validateCharset(v.Str, isVisibleChar); err != nil {
			return nil, false, err
		}
		return []byte(v.Str), false, nil
	case KindUniversalString:
		return encodeUTF32(v.Str), false, nil
	case KindUTCTime:
		return []byte(v.Time.UTC().Format("060102150405") + "Z"), false, nil
	case KindGeneralizedTime:
		base := v.Time.UTC().Format("20060102150405")
		if v.FracDigits != "" {
			base += "." + v.FracDigits
		}
		return []byte(base + "Z"), false, nil
	case KindSequence, KindSequenceOf:
		var buf []byte
		for _, child := range v.Children {
			if child.WasDefault {
				continue
			}
			enc, err := Encode(child)
			if err != nil {
				return nil, false, err
			}
			buf = append(buf, enc...)
		}
		return buf, true, nil
	case KindSet, KindSetOf:
		parts := make([][]byte, 0, len(v.Children))
		for _, child := range v.Children {
			if child.WasDefault {
				continue
			}
			enc, err := Encode(child)
			if err != nil {
				return nil, false, err
			}
			parts = append(parts, enc)
		}
		sort.Slice(parts, func(i, j int) bool {
			return lessLexicographic(parts[i], parts[j])
		})
		var buf []byte
		for _, p := range parts {
			buf = append(buf, p...)
		}
		return buf, true, nil
	case KindTagged:
		return encodeTagged(v)
	case KindUnknown:
		// RawDER already includes identifier+length+content; callers
		// that embed an Unknown value must splice RawDER directly,
		// so Encode on a bare Unknown returns its content unchanged.
		_, _, consumed, derr := decodeIdentifier(v.RawDER)
		if derr != nil {
			return nil, false, derr
		}
		_, _, lconsumed, derr := decodeLength(v.RawDER[consumed:])
		if derr != nil {
			return nil, false, derr
		}
		return v.RawDER[consumed+lconsumed:], false, nil
	}
	return nil, false, fmt.Errorf("%w: unencodable kind %v", verr.ErrValidation, v.Kind)
}

func encodeTagged(v *Value) ([]byte, bool, error) {
	innerDER, err := Encode(v.Inner)
	if err != nil {
		return nil, false, err
	}
	if v.Explicit {
		return innerDER, true, nil
	}
	_, innerConstructed, consumed, derr := decodeIdentifier(innerDER)
	if derr != nil {
		return nil, false, derr
	}
	_, _, lconsumed, derr := decodeLength(innerDER[consumed:])
	if derr != nil {
		return nil, false, derr
	}
	return innerDER[consumed+lconsumed:], innerConstructed, nil
}

func lessLexicographic(a, b []byte) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

// encodeDERInt returns the minimal two's-complement big-endian
// encoding of n (spec.md §4.3 "Integer/Enumerated").
func encodeDERInt(n *big.Int) []byte {
	if n.Sign() == 0 {
		return []byte{0x00}
	}
	if n.Sign() > 0 {
		b := n.Bytes()
		if b[0]&0x80 != 0 {
			b = append([]byte{0x00}, b...)
		}
		return b
	}
	absN := new(big.Int).Neg(n)
	k := 1
	for {
		threshold := new(big.Int).Lsh(big.NewInt(1), uint(8*k-1))
		if absN.Cmp(threshold) <= 0 {
			break
		}
		k++
	}
	mod := new(big.Int).Lsh(big.NewInt(1), uint(8*k))
	val := new(big.Int).Sub(mod, absN)
	buf := make([]byte, k)
	val.FillBytes(buf)
	return buf
}

func decodeDERInt(content []byte) *big.Int {
	v := new(big.Int).SetBytes(content)
	if len(content) > 0 && content[0]&0x80 != 0 {
		mod := new(big.Int).Lsh(big.NewInt(1), uint(8*len(content)))
		v.Sub(v, mod)
	}
	return v
}

func encodeUTF32(s string) []byte {
	out := make([]byte, 0, utf8.RuneCountInString(s)*4)
	for _, r := range s {
		out = append(out, byte(r>>24), byte(r>>16), byte(r>>8), byte(r))
	}
	return out
}

func decodeUTF32(b []byte) (string, error) {
	if len(b)%4 != 0 {
		return "", fmt.Errorf("%w: UniversalString length not a multiple of 4", verr.ErrParse)
	}
	runes := make([]rune, 0, len(b)/4)
	for i := 0; i < len(b); i += 4 {
		r := rune(uint32(b[i])<<24 | uint32(b[i+1])<<16 | uint32(b[i+2])<<8 | uint32(b[i+3]))
		runes = append(runes, r)
	}
	return string(runes), nil
}

func isNumericChar(r rune) bool    { return (r >= '0' && r <= '9') || r == ' ' }
func isIA5Char(r rune) bool        { return r < 128 }
func isVisibleChar(r rune) bool    { return r >= 0x20 && r <= 0x7E }
func isPrintableChar(r rune) bool {
	switch {
	case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		return true
	}
	switch r {
	case ' ', '\'', '(', ')', '+', ',', '-', '.', '/', ':', '=', '?':
		return true
	}
	return false
}

func validateCharset(s string, ok func(rune) bool) error {
	for _, r := range s {
		if !ok(r) {
			return fmt.Errorf("%w: character %q not allowed in this string type", verr.ErrParse, r)
		}
	}
	return nil
}
