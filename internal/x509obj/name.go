// Package x509obj implements the certificate/CSR object model of
// spec.md §4.6: X.509 certificates and PKCS#10 certification requests
// signed with RSASSA-PKCS1-v1_5, built directly on internal/asn1 and
// internal/vcrypto rather than the standard library's crypto/x509 (the
// spec's "issuer certified this subject" semantics need the bespoke
// abstract-transform key model of internal/vcrypto, which crypto/x509
// cannot be handed).
package x509obj

import (
	"fmt"

	"github.com/halvorsen/vtsd/internal/asn1"
	"github.com/halvorsen/vtsd/internal/verr"
)

// Name attribute keys recognized by the (issuer, subject) object
// model, grounded on original_source versile/crypto/x509/cert.py's
// VX509Name.oid table.
const (
	AttrCommonName         = "commonName"
	AttrSerialNumber       = "serialNumber"
	AttrOrganizationName   = "organizationName"
	AttrStateOrProvince    = "stateOrProvinceName"
	AttrStreetAddress      = "streetAddress"
	AttrCountryName        = "countryName"
)

var nameOIDs = map[string]asn1.OID{
	AttrCommonName:       {2, 5, 4, 3},
	AttrSerialNumber:     {2, 5, 4, 5},
	AttrOrganizationName: {2, 5, 4, 10},
	AttrStateOrProvince:  {2, 5, 4, 8},
	AttrStreetAddress:    {2, 5, 4, 9},
	AttrCountryName:      {2, 5, 4, 6},
}

var oidNames map[string]string

func init() {
	oidNames = make(map[string]string, len(nameOIDs))
	for name, oid := range nameOIDs {
		oidNames[oid.String()] = name
	}
}

// Name is an RDNSequence: an ordered set of (attribute, value) pairs
// identifying a certificate issuer or subject.
type Name struct {
	attrs map[string]string
	order []string
}

// NewName builds a Name from attribute keys recognized above
// (AttrCommonName, etc.); unrecognized keys are rejected.
func NewName(kv map[string]string) (*Name, error) {
	n := &Name{attrs: map[string]string{}}
	for _, k := range []string{AttrCountryName, AttrStateOrProvince, AttrOrganizationName, AttrStreetAddress, AttrCommonName, AttrSerialNumber} {
		if v, ok := kv[k]; ok {
			n.attrs[k] = v
			n.order = append(n.order, k)
		}
	}
	if len(n.attrs) != len(kv) {
		return nil, fmt.Errorf("%w: name attribute not recognized", verr.ErrValidation)
	}
	return n, nil
}

// Get returns the named attribute's value, or "" if unset.
func (n *Name) Get(attr string) string { return n.attrs[attr] }

// ToValue encodes the Name as an RDNSequence (SEQUENCE OF SET OF
// AttributeTypeAndValue), one RDN per attribute, in insertion order.
func (n *Name) ToValue() *asn1.Value {
	var rdns []*asn1.Value
	for _, attr := range n.order {
		pair := asn1.NewSequence(asn1.NewOID(nameOIDs[attr]), asn1.NewUTF8String(n.attrs[attr]))
		rdns = append(rdns, asn1.NewSet(pair))
	}
	return asn1.NewSequenceOf(rdns...)
}

// NameFromValue decodes an RDNSequence parsed generically (Kind
// Sequence of Kind Set of Kind Sequence{OID, value}).
func NameFromValue(v *asn1.Value) (*Name, error) {
	if v == nil || (v.Kind != asn1.KindSequence && v.Kind != asn1.KindSequenceOf) {
		return nil, fmt.Errorf("%w: name is not an RDNSequence", verr.ErrParse)
	}
	n := &Name{attrs: map[string]string{}}
	for _, rdn := range v.Children {
		if rdn.Kind != asn1.KindSet && rdn.Kind != asn1.KindSetOf {
			return nil, fmt.Errorf("%w: RDN is not a SET", verr.ErrParse)
		}
		if len(rdn.Children) != 1 {
			return nil, fmt.Errorf("%w: multi-valued RDN not supported", verr.ErrParse)
		}
		pair := rdn.Children[0]
		if pair.Kind != asn1.KindSequence || len(pair.Children) != 2 {
			return nil, fmt.Errorf("%w: malformed AttributeTypeAndValue", verr.ErrParse)
		}
		oidVal, strVal := pair.Children[0], pair.Children[1]
		if oidVal.Kind != asn1.KindOID {
			return nil, fmt.Errorf("%w: AttributeType is not an OID", verr.ErrParse)
		}
		attr, ok := oidNames[oidVal.OID.String()]
		if !ok {
			return nil, fmt.Errorf("%w: unrecognized name attribute OID %s", verr.ErrParse, oidVal.OID.String())
		}
		n.attrs[attr] = strVal.Str
		n.order = append(n.order, attr)
	}
	return n, nil
}

// Equal reports whether two Names carry the same attribute set,
// regardless of order (spec.md §4.6 "issuer/subject match").
func (n *Name) Equal(o *Name) bool {
	if len(n.attrs) != len(o.attrs) {
		return false
	}
	for k, v := range n.attrs {
		if o.attrs[k] != v {
			return false
		}
	}
	return true
}
