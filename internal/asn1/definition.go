package asn1

import (
	"fmt"

	"github.com/halvorsen/vtsd/internal/verr"
)

// Definition is a parse/instantiate template (spec.md §3 "ASN.1
// definition"). Sequence/Set definitions carry an ordered list of
// (child_def, name, optional, default); Choice dispatch is handled by
// ChoiceDef; Tagged definitions carry an inner def, tag and explicit
// flag.
type Definition struct {
	Kind     Kind
	TypeName string
	Tag      Tag
	Fields   []FieldDef // Sequence / Set

	Inner    *Definition // Tagged
	Explicit bool

	Default *Value // instantiable default for a bare (non-field) definition
}

// FieldDef declares one member of a Sequence/Set definition.
type FieldDef struct {
	Def      *Definition
	Name     string
	Optional bool
	Default  *Value
}

// Instantiate returns this definition's canned default value. It
// panics if none was configured; callers should only call it on
// definitions known to carry one (spec.md §3 "can instantiate a
// default value").
func (d *Definition) Instantiate() *Value {
	if d.Default == nil {
		panic("asn1: definition has no default to instantiate")
	}
	v := *d.Default
	return &v
}

// SequenceDef builds a Definition for a SEQUENCE with the given field
// declarations, in wire order.
func SequenceDef(typeName string, fields ...FieldDef) *Definition {
	return &Definition{Kind: KindSequence, TypeName: typeName, Tag: univ(TagSequence), Fields: fields}
}

// SetDef builds a Definition for a SET with the given field
// declarations.
func SetDef(typeName string, fields ...FieldDef) *Definition {
	return &Definition{Kind: KindSet, TypeName: typeName, Tag: univ(TagSet), Fields: fields}
}

// SequenceOfDef builds a Definition for a SEQUENCE OF element (its
// only "field" is the repeated element type, matched greedily).
func SequenceOfDef(typeName string, element *Definition) *Definition {
	return &Definition{Kind: KindSequenceOf, TypeName: typeName, Tag: univ(TagSequence),
		Fields: []FieldDef{{Def: element, Name: "element", Optional: true}}}
}

// TaggedDef builds a Definition for an explicitly or implicitly
// tagged value wrapping inner.
func TaggedDef(tag Tag, explicit bool, inner *Definition) *Definition {
	return &Definition{Kind: KindTagged, TypeName: "[tagged]", Tag: tag, Inner: inner, Explicit: explicit}
}

// PrimitiveDef builds a Definition matching a bare universal-type tag
// (used as a FieldDef.Def for INTEGER/OCTET STRING/etc. members).
func PrimitiveDef(kind Kind, tagNumber int, typeName string) *Definition {
	return &Definition{Kind: kind, TypeName: typeName, Tag: univ(tagNumber)}
}

// Parse decodes raw against d, returning the value and bytes consumed.
func (d *Definition) Parse(raw []byte, opts ParseOptions) (*Value, int, error) {
	switch d.Kind {
	case KindSequence:
		return d.parseOrdered(raw, opts, false)
	case KindSequenceOf:
		return d.parseRepeated(raw, opts)
	case KindSet:
		return d.parseOrdered(raw, opts, true)
	case KindTagged:
		return d.parseTagged(raw, opts)
	default:
		return Parse(raw, opts)
	}
}

func (d *Definition) headerAndContent(raw []byte) (content []byte, totalLen int, err error) {
	tag, constructed, idLen, err := decodeIdentifier(raw)
	if err != nil {
		return nil, 0, err
	}
	if tag != d.Tag || !constructed {
		return nil, 0, fmt.Errorf("%w: tag mismatch parsing %s", verr.ErrParse, d.TypeName)
	}
	length, indefinite, lenLen, err := decodeLength(raw[idLen:])
	if err != nil {
		return nil, 0, err
	}
	headerLen := idLen + lenLen
	if indefinite {
		end, found := findEOC(raw[headerLen:])
		if !found {
			return nil, 0, fmt.Errorf("%w: incomplete data (no end-of-contents)", verr.ErrParse)
		}
		return raw[headerLen : headerLen+end], headerLen + end + 2, nil
	}
	if len(raw) < headerLen+length {
		return nil, 0, fmt.Errorf("%w: incomplete data (%s content)", verr.ErrParse, d.TypeName)
	}
	return raw[headerLen : headerLen+length], headerLen + length, nil
}

func (d *Definition) parseRepeated(raw []byte, opts ParseOptions) (*Value, int, error) {
	content, totalLen, err := d.headerAndContent(raw)
	if err != nil {
		return nil, 0, err
	}
	var children []*Value
	i := 0
	for i < len(content) {
		v, n, err := Parse(content[i:], opts)
		if err != nil {
			return nil, 0, err
		}
		children = append(children, v)
		i += n
	}
	return &Value{Kind: KindSequenceOf, Tag: d.Tag, TypeName: d.TypeName, Children: children}, totalLen, nil
}

func (d *Definition) parseTagged(raw []byte, opts ParseOptions) (*Value, int, error) {
	tag, constructed, idLen, err := decodeIdentifier(raw)
	if err != nil {
		return nil, 0, err
	}
	if tag != d.Tag {
		return nil, 0, fmt.Errorf("%w: explicit tag mismatch for %s", verr.ErrParse, d.TypeName)
	}
	length, indefinite, lenLen, err := decodeLength(raw[idLen:])
	if err != nil {
		return nil, 0, err
	}
	headerLen := idLen + lenLen
	var content []byte
	var totalLen int
	if indefinite {
		end, found := findEOC(raw[headerLen:])
		if !found {
			return nil, 0, fmt.Errorf("%w: incomplete data (no end-of-contents)", verr.ErrParse)
		}
		content = raw[headerLen : headerLen+end]
		totalLen = headerLen + end + 2
	} else {
		if len(raw) < headerLen+length {
			return nil, 0, fmt.Errorf("%w: incomplete data (%s content)", verr.ErrParse, d.TypeName)
		}
		content = raw[headerLen : headerLen+length]
		totalLen = headerLen + length
	}
	if d.Explicit {
		if !constructed {
			return nil, 0, fmt.Errorf("%w: explicit tag mismatch (not constructed)", verr.ErrParse)
		}
		inner, n, err := d.Inner.Parse(content, opts)
		if err != nil {
			return nil, 0, err
		}
		if n != len(content) {
			return nil, 0, fmt.Errorf("%w: explicit tag mismatch (trailing data)", verr.ErrParse)
		}
		return &Value{Kind: KindTagged, Tag: tag, TypeName: d.TypeName, Inner: inner, Explicit: true}, totalLen, nil
	}
	inner, err := parseByTag(d.Inner.Tag, constructed, content, opts)
	if err != nil {
		return nil, 0, err
	}
	return &Value{Kind: KindTagged, Tag: tag, TypeName: d.TypeName, Inner: inner, Explicit: false}, totalLen, nil
}

func (d *Definition) parseOrdered(raw []byte, opts ParseOptions, isSet bool) (*Value, int, error) {
	content, totalLen, err := d.headerAndContent(raw)
	if err != nil {
		return nil, 0, err
	}
	children, err := parseChildren(content, opts)
	if err != nil {
		return nil, 0, err
	}
	var result []*Value
	nameIndex := map[string]int{}
	if isSet {
		byTag := map[Tag]FieldDef{}
		for _, f := range d.Fields {
			byTag[f.Def.Tag] = f
		}
		used := map[string]bool{}
		for _, child := range children {
			f, ok := byTag[child.Tag]
			if !ok {
				return nil, 0, fmt.Errorf("%w: unrecognized tag in SET %s", verr.ErrParse, d.TypeName)
			}
			if used[f.Name] {
				return nil, 0, fmt.Errorf("%w: duplicate tag in SET %s", verr.ErrParse, d.TypeName)
			}
			result = append(result, child)
			nameIndex[f.Name] = len(result) - 1
			used[f.Name] = true
		}
		for _, f := range d.Fields {
			if used[f.Name] {
				continue
			}
			if v, ok := fillDefaultOrSkip(f); ok {
				if v != nil {
					result = append(result, v)
					nameIndex[f.Name] = len(result) - 1
				}
				continue
			}
			return nil, 0, fmt.Errorf("%w: missing required tag %q in SET %s", verr.ErrParse, f.Name, d.TypeName)
		}
	} else {
		idx := 0
		for _, f := range d.Fields {
			if idx < len(children) && children[idx].Tag == f.Def.Tag {
				result = append(result, children[idx])
				nameIndex[f.Name] = len(result) - 1
				idx++
				continue
			}
			if v, ok := fillDefaultOrSkip(f); ok {
				if v != nil {
					result = append(result, v)
					nameIndex[f.Name] = len(result) - 1
				}
				continue
			}
			return nil, 0, fmt.Errorf("%w: missing required field %q in SEQUENCE %s", verr.ErrParse, f.Name, d.TypeName)
		}
		if idx != len(children) {
			return nil, 0, fmt.Errorf("%w: unexpected trailing elements in SEQUENCE %s", verr.ErrParse, d.TypeName)
		}
	}
	kind := KindSequence
	if isSet {
		kind = KindSet
	}
	return &Value{Kind: kind, Tag: d.Tag, TypeName: d.TypeName, Children: result, NameIndex: nameIndex}, totalLen, nil
}

// fillDefaultOrSkip reports (value, true) if f has a default or is
// optional (value nil meaning "no slot"), or (nil, false) if f is
// required and unmatched.
func fillDefaultOrSkip(f FieldDef) (*Value, bool) {
	if f.Default != nil {
		dv := *f.Default
		dv.WasDefault = true
		return &dv, true
	}
	if f.Optional {
		return nil, true
	}
	return nil, false
}
