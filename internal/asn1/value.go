package asn1

import (
	"fmt"
	"math/big"
	"time"
)

// Kind is the closed set of value variants this package understands
// (spec.md §3). Constructed Sequence/Set variants carry children;
// Tagged carries an inner value; Unknown carries raw DER for values
// whose tag the caller chose not to interpret.
type Kind int

const (
	KindNull Kind = iota
	KindBoolean
	KindInteger
	KindBitString
	KindOctetString
	KindOID
	KindEnumerated
	KindUTF8String
	KindNumericString
	KindPrintableString
	KindIA5String
	KindVisibleString
	KindUTCTime
	KindGeneralizedTime
	KindUniversalString
	KindSequence
	KindSequenceOf
	KindSet
	KindSetOf
	KindTagged
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "NULL"
	case KindBoolean:
		return "BOOLEAN"
	case KindInteger:
		return "INTEGER"
	case KindBitString:
		return "BIT STRING"
	case KindOctetString:
		return "OCTET STRING"
	case KindOID:
		return "OBJECT IDENTIFIER"
	case KindEnumerated:
		return "ENUMERATED"
	case KindUTF8String:
		return "UTF8String"
	case KindNumericString:
		return "NumericString"
	case KindPrintableString:
		return "PrintableString"
	case KindIA5String:
		return "IA5String"
	case KindVisibleString:
		return "VisibleString"
	case KindUTCTime:
		return "UTCTime"
	case KindGeneralizedTime:
		return "GeneralizedTime"
	case KindUniversalString:
		return "UniversalString"
	case KindSequence:
		return "SEQUENCE"
	case KindSequenceOf:
		return "SEQUENCE OF"
	case KindSet:
		return "SET"
	case KindSetOf:
		return "SET OF"
	case KindTagged:
		return "[tagged]"
	case KindUnknown:
		return "UNKNOWN"
	}
	return "?"
}

// BitString is a DER bit string: pad_bits in [0,7] followed by
// MSB-first packed bits.
type BitString struct {
	PadBits int
	Bytes   []byte
}

// BitLen returns the number of meaningful bits.
func (b BitString) BitLen() int {
	return len(b.Bytes)*8 - b.PadBits
}

// Value is a tagged ASN.1 value. Exactly the fields relevant to Kind
// are meaningful; it carries an optional Definition (structural
// template) it was parsed against and a human-readable TypeName.
type Value struct {
	Kind     Kind
	Tag      Tag
	TypeName string

	Bool   bool
	Int    *big.Int
	Bits   BitString
	Octets []byte // OctetString / restricted-string raw bytes
	OID    OID
	Str    string // decoded string content
	Time   time.Time
	// FracDigits holds the GeneralizedTime fractional-second digits
	// (trailing zeros stripped), empty if there is no fraction.
	FracDigits string

	// Constructed (Sequence/SequenceOf/Set/SetOf) children, in
	// declaration/encounter order, plus a name->index lookup for
	// values parsed against a named Definition.
	Children  []*Value
	NameIndex map[string]int

	// Tagged
	Inner    *Value
	Explicit bool

	// Unknown
	RawDER []byte

	// WasDefault marks a Sequence/Set child that was filled in from a
	// Definition default rather than parsed from the wire (so DER
	// re-encoding can elide it again).
	WasDefault bool
}

// Named returns the child of a constructed value by declared name, or
// nil if no such child was indexed.
func (v *Value) Named(name string) *Value {
	if v.NameIndex == nil {
		return nil
	}
	idx, ok := v.NameIndex[name]
	if !ok {
		return nil
	}
	return v.Children[idx]
}

func NewNull() *Value { return &Value{Kind: KindNull, Tag: univ(TagNull), TypeName: "NULL"} }

func NewBoolean(b bool) *Value {
	return &Value{Kind: KindBoolean, Tag: univ(TagBoolean), TypeName: "BOOLEAN", Bool: b}
}

func NewInteger(n *big.Int) *Value {
	return &Value{Kind: KindInteger, Tag: univ(TagInteger), TypeName: "INTEGER", Int: new(big.Int).Set(n)}
}

func NewEnumerated(n *big.Int) *Value {
	return &Value{Kind: KindEnumerated, Tag: univ(TagEnumerated), TypeName: "ENUMERATED", Int: new(big.Int).Set(n)}
}

func NewBitString(bits BitString) *Value {
	return &Value{Kind: KindBitString, Tag: univ(TagBitString), TypeName: "BIT STRING", Bits: bits}
}

func NewOctetString(b []byte) *Value {
	return &Value{Kind: KindOctetString, Tag: univ(TagOctetString), TypeName: "OCTET STRING", Octets: append([]byte(nil), b...)}
}

func NewOID(oid OID) *Value {
	return &Value{Kind: KindOID, Tag: univ(TagOID), TypeName: "OBJECT IDENTIFIER", OID: oid}
}

func newStringValue(kind Kind, tagNum int, typeName, s string) *Value {
	return &Value{Kind: kind, Tag: univ(tagNum), TypeName: typeName, Str: s}
}

func NewUTF8String(s string) *Value { return newStringValue(KindUTF8String, TagUTF8String, "UTF8String", s) }
func NewNumericString(s string) *Value {
	return newStringValue(KindNumericString, TagNumericString, "NumericString", s)
}
func NewPrintableString(s string) *Value {
	return newStringValue(KindPrintableString, TagPrintableString, "PrintableString", s)
}
func NewIA5String(s string) *Value { return newStringValue(KindIA5String, TagIA5String, "IA5String", s) }
func NewVisibleString(s string) *Value {
	return newStringValue(KindVisibleString, TagVisibleString, "VisibleString", s)
}
func NewUniversalString(s string) *Value {
	return newStringValue(KindUniversalString, TagUniversalString, "UniversalString", s)
}

func NewUTCTime(t time.Time) *Value {
	return &Value{Kind: KindUTCTime, Tag: univ(TagUTCTime), TypeName: "UTCTime", Time: t.UTC()}
}

func NewGeneralizedTime(t time.Time) *Value {
	return &Value{Kind: KindGeneralizedTime, Tag: univ(TagGeneralizedTime), TypeName: "GeneralizedTime", Time: t.UTC()}
}

// NewGeneralizedTimeFrac builds a GeneralizedTime value whose
// fractional-second part is sub, which must be a whole number of
// microseconds (spec.md §3 invariant: "at most microsecond fractional
// precision, trailing zeros stripped").
func NewGeneralizedTimeFrac(t time.Time, sub time.Duration) (*Value, error) {
	if sub < 0 || sub >= time.Second {
		return nil, fmt.Errorf("asn1: fractional seconds out of range")
	}
	if sub%time.Microsecond != 0 {
		return nil, fmt.Errorf("asn1: sub-microsecond GeneralizedTime precision not supported")
	}
	v := NewGeneralizedTime(t)
	micros := sub / time.Microsecond
	if micros == 0 {
		return v, nil
	}
	digits := fmt.Sprintf("%06d", micros)
	for len(digits) > 1 && digits[len(digits)-1] == '0' {
		digits = digits[:len(digits)-1]
	}
	v.FracDigits = digits
	return v, nil
}

func newConstructed(kind Kind, tagNum int, typeName string, children []*Value) *Value {
	return &Value{Kind: kind, Tag: Tag{Class: ClassUniversal, Number: tagNum}, TypeName: typeName, Children: children}
}

func NewSequence(children ...*Value) *Value {
	return newConstructed(KindSequence, TagSequence, "SEQUENCE", children)
}
func NewSequenceOf(children ...*Value) *Value {
	return newConstructed(KindSequenceOf, TagSequence, "SEQUENCE OF", children)
}
func NewSet(children ...*Value) *Value { return newConstructed(KindSet, TagSet, "SET", children) }
func NewSetOf(children ...*Value) *Value {
	return newConstructed(KindSetOf, TagSet, "SET OF", children)
}

// NewTagged wraps inner under an explicit or implicit outer tag.
func NewTagged(tag Tag, explicit bool, inner *Value) *Value {
	return &Value{Kind: KindTagged, Tag: tag, TypeName: "[tagged]", Inner: inner, Explicit: explicit}
}

// NewUnknown wraps raw DER bytes for a tag this package was not asked
// to interpret (allow_unknown mode, spec.md §4.3).
func NewUnknown(tag Tag, raw []byte) *Value {
	return &Value{Kind: KindUnknown, Tag: tag, TypeName: "UNKNOWN", RawDER: append([]byte(nil), raw...)}
}

// Equal reports deep structural equality, used by DER round-trip
// property tests (spec.md §8 property 4).
func (v *Value) Equal(o *Value) bool {
	if v == nil || o == nil {
		return v == o
	}
	if v.Kind != o.Kind || v.Tag != o.Tag {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindBoolean:
		return v.Bool == o.Bool
	case KindInteger, KindEnumerated:
		return v.Int.Cmp(o.Int) == 0
	case KindBitString:
		return v.Bits.PadBits == o.Bits.PadBits && string(v.Bits.Bytes) == string(o.Bits.Bytes)
	case KindOctetString:
		return string(v.Octets) == string(o.Octets)
	case KindOID:
		return v.OID.Equal(o.OID)
	case KindUTF8String, KindNumericString, KindPrintableString, KindIA5String, KindVisibleString, KindUniversalString:
		return v.Str == o.Str
	case KindUTCTime, KindGeneralizedTime:
		return v.Time.Equal(o.Time) && v.FracDigits == o.FracDigits
	case KindSequence, KindSequenceOf, KindSet, KindSetOf:
		if len(v.Children) != len(o.Children) {
			return false
		}
		for i := range v.Children {
			if !v.Children[i].Equal(o.Children[i]) {
				return false
			}
		}
		return true
	case KindTagged:
		return v.Explicit == o.Explicit && v.Inner.Equal(o.Inner)
	case KindUnknown:
		return string(v.RawDER) == string(o.RawDER)
	}
	return false
}
