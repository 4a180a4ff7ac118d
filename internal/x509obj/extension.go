package x509obj

import (
	"crypto/sha1"
	"fmt"
	"math/big"

	"github.com/halvorsen/vtsd/internal/asn1"
	"github.com/halvorsen/vtsd/internal/vcrypto"
	"github.com/halvorsen/vtsd/internal/verr"
)

// id-ce object identifiers (RFC 5280 §4.2), grounded on
// original_source versile/crypto/x509/asn1def/cert.py.
var (
	oidBasicConstraints     = asn1.OID{2, 5, 29, 19}
	oidKeyUsage             = asn1.OID{2, 5, 29, 15}
	oidSubjectKeyIdentifier = asn1.OID{2, 5, 29, 14}
	oidAuthorityKeyID       = asn1.OID{2, 5, 29, 35}
)

// KeyUsage bit flags (RFC 5280 §4.2.1.3), MSB-first within the
// extension's BIT STRING.
const (
	KeyUsageDigitalSignature = 1 << iota
	KeyUsageNonRepudiation
	KeyUsageKeyEncipherment
	KeyUsageDataEncipherment
	KeyUsageKeyAgreement
	KeyUsageKeyCertSign
	KeyUsageCRLSign
	KeyUsageEncipherOnly
	KeyUsageDecipherOnly
)

// Extension is a parsed or to-be-encoded X.509 certificate extension.
type Extension struct {
	OID      asn1.OID
	Critical bool
	Value    []byte // DER content of the extension-specific ASN.1 type
}

// ToValue encodes one Extension entry (SEQUENCE{OID, BOOLEAN DEFAULT
// FALSE, OCTET STRING}).
func (e Extension) ToValue() *asn1.Value {
	crit := asn1.NewBoolean(e.Critical)
	if !e.Critical {
		crit.WasDefault = true
	}
	return asn1.NewSequence(asn1.NewOID(e.OID), crit, asn1.NewOctetString(e.Value))
}

// ExtensionFromValue decodes one Extension entry.
func ExtensionFromValue(v *asn1.Value) (Extension, error) {
	if v.Kind != asn1.KindSequence || len(v.Children) < 2 {
		return Extension{}, fmt.Errorf("%w: malformed Extension", verr.ErrParse)
	}
	oidVal := v.Children[0]
	if oidVal.Kind != asn1.KindOID {
		return Extension{}, fmt.Errorf("%w: malformed Extension OID", verr.ErrParse)
	}
	idx := 1
	critical := false
	if v.Children[idx].Kind == asn1.KindBoolean {
		critical = v.Children[idx].Bool
		idx++
	}
	if idx >= len(v.Children) || v.Children[idx].Kind != asn1.KindOctetString {
		return Extension{}, fmt.Errorf("%w: malformed Extension value", verr.ErrParse)
	}
	return Extension{OID: oidVal.OID, Critical: critical, Value: v.Children[idx].Octets}, nil
}

// BasicConstraints builds the BasicConstraints extension value.
func BasicConstraints(isCA bool, critical bool, pathLen *int) Extension {
	children := []*asn1.Value{asn1.NewBoolean(isCA)}
	if !isCA {
		children[0].WasDefault = true
	}
	if pathLen != nil {
		children = append(children, asn1.NewInteger(big.NewInt(int64(*pathLen))))
	}
	der, _ := asn1.Encode(asn1.NewSequence(children...))
	return Extension{OID: oidBasicConstraints, Critical: critical, Value: der}
}

// ParseBasicConstraints decodes a BasicConstraints extension value.
func ParseBasicConstraints(value []byte) (isCA bool, pathLen *int, err error) {
	v, n, err := asn1.Parse(value, asn1.ParseOptions{})
	if err != nil {
		return false, nil, err
	}
	if n != len(value) || v.Kind != asn1.KindSequence || len(v.Children) == 0 {
		return false, nil, fmt.Errorf("%w: malformed BasicConstraints", verr.ErrParse)
	}
	isCA = v.Children[0].Bool
	if len(v.Children) > 1 {
		pl := int(v.Children[1].Int.Int64())
		pathLen = &pl
	}
	return isCA, pathLen, nil
}

// SubjectKeyIdentifier builds the SubjectKeyIdentifier extension
// (never critical, per RFC 5280 §4.2.1.2).
func SubjectKeyIdentifier(identifier []byte) Extension {
	der, _ := asn1.Encode(asn1.NewOctetString(identifier))
	return Extension{OID: oidSubjectKeyIdentifier, Critical: false, Value: der}
}

// ParseSubjectKeyIdentifier decodes a SubjectKeyIdentifier value.
func ParseSubjectKeyIdentifier(value []byte) ([]byte, error) {
	v, n, err := asn1.Parse(value, asn1.ParseOptions{})
	if err != nil {
		return nil, err
	}
	if n != len(value) || v.Kind != asn1.KindOctetString {
		return nil, fmt.Errorf("%w: malformed SubjectKeyIdentifier", verr.ErrParse)
	}
	return v.Octets, nil
}

// AuthorityKeyIdentifier builds the AuthorityKeyIdentifier extension
// carrying only the [0] keyIdentifier field.
func AuthorityKeyIdentifier(identifier []byte) Extension {
	inner := asn1.NewTagged(asn1.Tag{Class: asn1.ClassContext, Number: 0}, false, asn1.NewOctetString(identifier))
	der, _ := asn1.Encode(asn1.NewSequence(inner))
	return Extension{OID: oidAuthorityKeyID, Critical: false, Value: der}
}

// ParseAuthorityKeyIdentifier decodes the [0] keyIdentifier field.
func ParseAuthorityKeyIdentifier(value []byte) ([]byte, error) {
	v, n, err := asn1.Parse(value, asn1.ParseOptions{AllowUnknown: true})
	if err != nil {
		return nil, err
	}
	if n != len(value) || v.Kind != asn1.KindSequence || len(v.Children) == 0 {
		return nil, fmt.Errorf("%w: malformed AuthorityKeyIdentifier", verr.ErrParse)
	}
	tagged := v.Children[0]
	if tagged.Kind != asn1.KindTagged || tagged.Tag.Number != 0 {
		return nil, fmt.Errorf("%w: AuthorityKeyIdentifier missing keyIdentifier", verr.ErrParse)
	}
	return tagged.Inner.Octets, nil
}

// KeyUsage builds the KeyUsage extension value (always critical, per
// RFC 5280 §4.2.1.3).
func KeyUsage(bits int) Extension {
	nbits := 9
	for nbits > 1 && bits&(1<<(nbits-1)) == 0 {
		nbits--
	}
	byteLen := (nbits + 7) / 8
	packed := make([]byte, byteLen)
	for i := 0; i < nbits; i++ {
		if bits&(1<<i) != 0 {
			packed[i/8] |= 1 << (7 - uint(i%8))
		}
	}
	padBits := byteLen*8 - nbits
	der, _ := asn1.Encode(asn1.NewBitString(asn1.BitString{PadBits: padBits, Bytes: packed}))
	return Extension{OID: oidKeyUsage, Critical: true, Value: der}
}

// ParseKeyUsage decodes a KeyUsage extension value back to bit flags.
func ParseKeyUsage(value []byte) (int, error) {
	v, n, err := asn1.Parse(value, asn1.ParseOptions{})
	if err != nil {
		return 0, err
	}
	if n != len(value) || v.Kind != asn1.KindBitString {
		return 0, fmt.Errorf("%w: malformed KeyUsage", verr.ErrParse)
	}
	bits := 0
	for i := 0; i < v.Bits.BitLen(); i++ {
		if v.Bits.Bytes[i/8]&(1<<(7-uint(i%8))) != 0 {
			bits |= 1 << i
		}
	}
	return bits, nil
}

// KeyToIdentifier implements RFC 5280 §4.2.1.2 key identifier method
// (1): the SHA-1 hash of the subjectPublicKey BIT STRING's content
// octets (the raw RSAPublicKey DER, not including the unused-bits
// count byte).
func KeyToIdentifier(key *vcrypto.RSAKey) ([]byte, error) {
	der, err := asn1.Encode(rsaPublicKeyToValue(key))
	if err != nil {
		return nil, err
	}
	h := sha1.Sum(der)
	return h[:], nil
}

// CAExtensions builds the standard extension set for a CA certificate
// (spec.md §4.6): critical BasicConstraints{cA: true}, a
// SubjectKeyIdentifier derived from caPubKey, and KeyUsage (default
// keyCertSign|cRLSign if usageBits is 0).
func CAExtensions(caPubKey *vcrypto.RSAKey, pathLen *int, usageBits int) ([]Extension, error) {
	ski, err := KeyToIdentifier(caPubKey)
	if err != nil {
		return nil, err
	}
	if usageBits == 0 {
		usageBits = KeyUsageKeyCertSign | KeyUsageCRLSign
	}
	return []Extension{
		BasicConstraints(true, true, pathLen),
		SubjectKeyIdentifier(ski),
		KeyUsage(usageBits),
	}, nil
}
