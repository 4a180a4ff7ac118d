package asn1

import (
	"fmt"
	"time"

	"github.com/halvorsen/vtsd/internal/verr"
)

// ParseOptions controls the universal-type parser (spec.md §4.3).
type ParseOptions struct {
	// AllowUnknown makes unrecognized tags decode to a KindUnknown
	// value carrying the raw DER instead of failing.
	AllowUnknown bool
}

// Parse decodes a single TLV from the head of data, returning the
// value and the number of bytes consumed.
func Parse(data []byte, opts ParseOptions) (*Value, int, error) {
	tag, constructed, idLen, err := decodeIdentifier(data)
	if err != nil {
		return nil, 0, err
	}
	length, indefinite, lenLen, err := decodeLength(data[idLen:])
	if err != nil {
		return nil, 0, err
	}
	headerLen := idLen + lenLen

	var content []byte
	var totalLen int
	if indefinite {
		if !constructed {
			return nil, 0, fmt.Errorf("%w: indefinite length not supported for primitive types", verr.ErrParse)
		}
		end, found := findEOC(data[headerLen:])
		if !found {
			return nil, 0, fmt.Errorf("%w: incomplete data (no end-of-contents)", verr.ErrParse)
		}
		content = data[headerLen : headerLen+end]
		totalLen = headerLen + end + 2
	} else {
		if len(data) < headerLen+length {
			return nil, 0, fmt.Errorf("%w: incomplete data (content)", verr.ErrParse)
		}
		content = data[headerLen : headerLen+length]
		totalLen = headerLen + length
	}

	v, err := parseByTag(tag, constructed, content, opts)
	if err != nil {
		return nil, 0, err
	}
	return v, totalLen, nil
}

func findEOC(data []byte) (int, bool) {
	depth := 0
	i := 0
	for i < len(data) {
		if depth == 0 && i+1 < len(data) && data[i] == 0 && data[i+1] == 0 {
			return i, true
		}
		tag, constructed, idLen, err := decodeIdentifier(data[i:])
		if err != nil {
			return 0, false
		}
		_ = tag
		length, indef, lenLen, err := decodeLength(data[i+idLen:])
		if err != nil {
			return 0, false
		}
		if indef {
			depth++
			i += idLen + lenLen
			continue
		}
		if constructed {
			i += idLen + lenLen + length
			continue
		}
		i += idLen + lenLen + length
	}
	return 0, false
}

func parseByTag(tag Tag, constructed bool, content []byte, opts ParseOptions) (*Value, error) {
	if tag.Class != ClassUniversal {
		return parseTaggedGuess(tag, constructed, content, opts)
	}
	switch tag.Number {
	case TagNull:
		return &Value{Kind: KindNull, Tag: tag, TypeName: "NULL"}, nil
	case TagBoolean:
		if len(content) != 1 {
			return nil, fmt.Errorf("%w: invalid coding (BOOLEAN)", verr.ErrParse)
		}
		return &Value{Kind: KindBoolean, Tag: tag, TypeName: "BOOLEAN", Bool: content[0] != 0}, nil
	case TagInteger:
		return &Value{Kind: KindInteger, Tag: tag, TypeName: "INTEGER", Int: decodeDERInt(content)}, nil
	case TagEnumerated:
		return &Value{Kind: KindEnumerated, Tag: tag, TypeName: "ENUMERATED", Int: decodeDERInt(content)}, nil
	case TagBitString:
		if len(content) == 0 {
			return nil, fmt.Errorf("%w: invalid coding (BIT STRING)", verr.ErrParse)
		}
		pad := int(content[0])
		if pad > 7 {
			return nil, fmt.Errorf("%w: invalid coding (BIT STRING pad bits)", verr.ErrParse)
		}
		return &Value{Kind: KindBitString, Tag: tag, TypeName: "BIT STRING",
			Bits: BitString{PadBits: pad, Bytes: append([]byte(nil), content[1:]...)}}, nil
	case TagOctetString:
		return &Value{Kind: KindOctetString, Tag: tag, TypeName: "OCTET STRING", Octets: append([]byte(nil), content...)}, nil
	case TagOID:
		oid, err := decodeOID(content)
		if err != nil {
			return nil, err
		}
		return &Value{Kind: KindOID, Tag: tag, TypeName: "OBJECT IDENTIFIER", OID: oid}, nil
	case TagUTF8String:
		return &Value{Kind: KindUTF8String, Tag: tag, TypeName: "UTF8String", Str: string(content)}, nil
	case TagNumericString:
		if err := validateCharset(string(content), isNumericChar); err != nil {
			return nil, err
		}
		return &Value{Kind: KindNumericString, Tag: tag, TypeName: "NumericString", Str: string(content)}, nil
	case TagPrintableString:
		if err := validateCharset(string(content), isPrintableChar); err != nil {
			return nil, err
		}
		return &Value{Kind: KindPrintableString, Tag: tag, TypeName: "PrintableString", Str: string(content)}, nil
	case TagIA5String:
		if err := validateCharset(string(content), isIA5Char); err != nil {
			return nil, err
		}
		return &Value{Kind: KindIA5String, Tag: tag, TypeName: "IA5String", Str: string(content)}, nil
	case TagVisibleString:
		if err := validateCharset(string(content), isVisibleChar); err != nil {
			return nil, err
		}
		return &Value{Kind: KindVisibleString, Tag: tag, TypeName: "VisibleString", Str: string(content)}, nil
	case TagUniversalString:
		s, err := decodeUTF32(content)
		if err != nil {
			return nil, err
		}
		return &Value{Kind: KindUniversalString, Tag: tag, TypeName: "UniversalString", Str: s}, nil
	case TagUTCTime:
		t, err := parseUTCTime(content)
		if err != nil {
			return nil, err
		}
		return &Value{Kind: KindUTCTime, Tag: tag, TypeName: "UTCTime", Time: t}, nil
	case TagGeneralizedTime:
		t, frac, err := parseGeneralizedTime(content)
		if err != nil {
			return nil, err
		}
		return &Value{Kind: KindGeneralizedTime, Tag: tag, TypeName: "GeneralizedTime", Time: t, FracDigits: frac}, nil
	case TagSequence:
		children, err := parseChildren(content, opts)
		if err != nil {
			return nil, err
		}
		return &Value{Kind: KindSequence, Tag: tag, TypeName: "SEQUENCE", Children: children}, nil
	case TagSet:
		children, err := parseChildren(content, opts)
		if err != nil {
			return nil, err
		}
		return &Value{Kind: KindSet, Tag: tag, TypeName: "SET", Children: children}, nil
	default:
		if opts.AllowUnknown {
			return &Value{Kind: KindUnknown, Tag: tag, TypeName: "UNKNOWN", RawDER: rebuildDER(tag, constructed, content)}, nil
		}
		return nil, fmt.Errorf("%w: invalid coding (unknown universal tag %d)", verr.ErrParse, tag.Number)
	}
}

func parseTaggedGuess(tag Tag, constructed bool, content []byte, opts ParseOptions) (*Value, error) {
	if constructed {
		if len(content) == 0 {
			// A genuine EXPLICIT wrapper always carries an inner TLV, which
			// needs at least 2 bytes (tag + length); zero-length constructed
			// content can only be IMPLICIT tagging of an empty SET/SEQUENCE.
			return &Value{Kind: KindTagged, Tag: tag, TypeName: "[tagged]", Explicit: false,
				Inner: &Value{Kind: KindUnknown, TypeName: "UNKNOWN", RawDER: nil}}, nil
		}
		inner, consumed, err := Parse(content, opts)
		if err != nil {
			return nil, err
		}
		if consumed != len(content) {
			return nil, fmt.Errorf("%w: explicit tag mismatch (trailing data)", verr.ErrParse)
		}
		return &Value{Kind: KindTagged, Tag: tag, TypeName: "[tagged]", Inner: inner, Explicit: true}, nil
	}
	return &Value{Kind: KindTagged, Tag: tag, TypeName: "[tagged]", Explicit: false,
		Inner: &Value{Kind: KindOctetString, Tag: univ(TagOctetString), TypeName: "OCTET STRING", Octets: append([]byte(nil), content...)}}, nil
}

func rebuildDER(tag Tag, constructed bool, content []byte) []byte {
	id := encodeIdentifier(tag, constructed)
	out := make([]byte, 0, len(id)+8+len(content))
	out = append(out, id...)
	out = append(out, encodeLength(len(content))...)
	out = append(out, content...)
	return out
}

func parseChildren(content []byte, opts ParseOptions) ([]*Value, error) {
	var children []*Value
	i := 0
	for i < len(content) {
		v, n, err := Parse(content[i:], opts)
		if err != nil {
			return nil, err
		}
		children = append(children, v)
		i += n
	}
	return children, nil
}

func parseUTCTime(content []byte) (time.Time, error) {
	s := string(content)
	if len(s) != 13 || s[12] != 'Z' {
		return time.Time{}, fmt.Errorf("%w: invalid coding (UTCTime)", verr.ErrParse)
	}
	return time.Parse("060102150405Z", s)
}

func parseGeneralizedTime(content []byte) (time.Time, string, error) {
	s := string(content)
	if len(s) < 15 || s[len(s)-1] != 'Z' {
		return time.Time{}, "", fmt.Errorf("%w: invalid coding (GeneralizedTime)", verr.ErrParse)
	}
	body := s[:len(s)-1]
	base := body[:14]
	frac := ""
	if len(body) > 14 {
		if body[14] != '.' {
			return time.Time{}, "", fmt.Errorf("%w: invalid coding (GeneralizedTime fraction)", verr.ErrParse)
		}
		frac = body[15:]
		if len(frac) == 0 {
			return time.Time{}, "", fmt.Errorf("%w: invalid coding (GeneralizedTime empty fraction)", verr.ErrParse)
		}
		if len(frac) > 6 {
			return time.Time{}, "", fmt.Errorf("%w: sub-microsecond GeneralizedTime precision not supported", verr.ErrParse)
		}
	}
	t, err := time.Parse("20060102150405", base)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: invalid coding (GeneralizedTime)", verr.ErrParse)
	}
	if frac != "" {
		padded := frac
		for len(padded) < 6 {
			padded += "0"
		}
		var micros int
		fmt.Sscanf(padded, "%d", &micros)
		t = t.Add(time.Duration(micros) * time.Microsecond)
	}
	return t.UTC(), frac, nil
}
