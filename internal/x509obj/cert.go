package x509obj

import (
	"encoding/pem"
	"fmt"
	"math/big"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/halvorsen/vtsd/internal/asn1"
	"github.com/halvorsen/vtsd/internal/vcrypto"
	"github.com/halvorsen/vtsd/internal/verr"
)

// digestInfoPrefixSHA1 is the DER encoding of
// SEQUENCE{SEQUENCE{OID sha1, NULL}, OCTET STRING} up to the digest
// bytes (RFC 3447 §9.2 DigestInfo for SHA-1).
var digestInfoPrefixSHA1 = []byte{
	0x30, 0x21, 0x30, 0x09, 0x06, 0x05, 0x2b, 0x0e, 0x03, 0x02, 0x1a,
	0x05, 0x00, 0x04, 0x14,
}

// TBSCertificate is the to-be-signed body of a Certificate
// (spec.md §4.6, RFC 5280 §4.1.2).
type TBSCertificate struct {
	Version         int // 0, 1, or 2
	Serial          *big.Int
	SignatureAlg    asn1.OID // always rsaSignatureAlg once populated by CreateTBS/tbsFromValue
	Issuer          *Name
	NotBefore       time.Time
	NotAfter        time.Time
	Subject         *Name
	SubjectKey      *vcrypto.RSAKey
	IssuerUniqueID  []byte
	SubjectUniqueID []byte
	Extensions      []Extension
}

// CreateTBS builds a TBSCertificate, autoselecting the version the way
// the original implementation does when version is nil: 2 if there
// are extensions, 1 if either unique id is set, 0 otherwise.
func CreateTBS(serial *big.Int, issuer *Name, notBefore, notAfter time.Time, subject *Name,
	subjectKey *vcrypto.RSAKey, extensions []Extension, issuerUnique, subjectUnique []byte, version *int) *TBSCertificate {
	v := 0
	if version != nil {
		v = *version
	} else if len(extensions) > 0 {
		v = 2
	} else if len(issuerUnique) > 0 || len(subjectUnique) > 0 {
		v = 1
	}
	return &TBSCertificate{
		Version: v, Serial: serial, SignatureAlg: rsaSignatureAlg, Issuer: issuer,
		NotBefore: notBefore, NotAfter: notAfter,
		Subject: subject, SubjectKey: subjectKey, IssuerUniqueID: issuerUnique,
		SubjectUniqueID: subjectUnique, Extensions: extensions,
	}
}

func algorithmIdentifier(oid asn1.OID) *asn1.Value {
	return asn1.NewSequence(asn1.NewOID(oid), asn1.NewNull())
}

func (t *TBSCertificate) subjectPublicKeyInfo() (*asn1.Value, error) {
	der, err := asn1.Encode(rsaPublicKeyToValue(t.SubjectKey))
	if err != nil {
		return nil, err
	}
	return asn1.NewSequence(algorithmIdentifier(rsaEncryption), asn1.NewBitString(asn1.BitString{Bytes: der})), nil
}

// ToValue encodes the TBSCertificate body to its ASN.1 tree.
func (t *TBSCertificate) ToValue() (*asn1.Value, error) {
	version := asn1.NewTagged(asn1.Tag{Class: asn1.ClassContext, Number: 0}, true, asn1.NewInteger(big.NewInt(int64(t.Version))))
	if t.Version == 0 {
		version.WasDefault = true
	}
	spki, err := t.subjectPublicKeyInfo()
	if err != nil {
		return nil, err
	}
	children := []*asn1.Value{
		version,
		asn1.NewInteger(t.Serial),
		algorithmIdentifier(rsaSignatureAlg),
		t.Issuer.ToValue(),
		asn1.NewSequence(timeValue(t.NotBefore), timeValue(t.NotAfter)),
		t.Subject.ToValue(),
		spki,
	}
	if len(t.IssuerUniqueID) > 0 {
		children = append(children, asn1.NewTagged(asn1.Tag{Class: asn1.ClassContext, Number: 1}, false,
			asn1.NewBitString(asn1.BitString{Bytes: t.IssuerUniqueID})))
	}
	if len(t.SubjectUniqueID) > 0 {
		children = append(children, asn1.NewTagged(asn1.Tag{Class: asn1.ClassContext, Number: 2}, false,
			asn1.NewBitString(asn1.BitString{Bytes: t.SubjectUniqueID})))
	}
	if len(t.Extensions) > 0 {
		var extVals []*asn1.Value
		for _, e := range t.Extensions {
			extVals = append(extVals, e.ToValue())
		}
		children = append(children, asn1.NewTagged(asn1.Tag{Class: asn1.ClassContext, Number: 3}, true,
			asn1.NewSequenceOf(extVals...)))
	}
	return asn1.NewSequence(children...), nil
}

// timeValue encodes t as UTCTime if it fits the 1950-2049 range X.509
// requires for UTCTime, else GeneralizedTime (RFC 5280 §4.1.2.5).
func timeValue(t time.Time) *asn1.Value {
	u := t.UTC()
	if u.Year() >= 1950 && u.Year() < 2050 {
		return asn1.NewUTCTime(u)
	}
	return asn1.NewGeneralizedTime(u)
}

func tbsFromValue(v *asn1.Value) (*TBSCertificate, error) {
	if v.Kind != asn1.KindSequence || len(v.Children) < 6 {
		return nil, fmt.Errorf("%w: malformed TBSCertificate", verr.ErrParse)
	}
	t := &TBSCertificate{}
	idx := 0
	t.Version = 0
	if v.Children[idx].Kind == asn1.KindTagged && v.Children[idx].Tag.Number == 0 {
		t.Version = int(v.Children[idx].Inner.Int.Int64())
		idx++
	}
	if v.Children[idx].Kind != asn1.KindInteger {
		return nil, fmt.Errorf("%w: missing serialNumber", verr.ErrParse)
	}
	t.Serial = v.Children[idx].Int
	idx++
	sigAlgField := v.Children[idx]
	if sigAlgField.Kind != asn1.KindSequence || len(sigAlgField.Children) == 0 || sigAlgField.Children[0].Kind != asn1.KindOID {
		return nil, fmt.Errorf("%w: malformed TBSCertificate.signature", verr.ErrParse)
	}
	t.SignatureAlg = sigAlgField.Children[0].OID
	idx++
	issuer, err := NameFromValue(v.Children[idx])
	if err != nil {
		return nil, err
	}
	t.Issuer = issuer
	idx++
	validity := v.Children[idx]
	if validity.Kind != asn1.KindSequence || len(validity.Children) != 2 {
		return nil, fmt.Errorf("%w: malformed Validity", verr.ErrParse)
	}
	t.NotBefore = validity.Children[0].Time
	t.NotAfter = validity.Children[1].Time
	idx++
	subject, err := NameFromValue(v.Children[idx])
	if err != nil {
		return nil, err
	}
	t.Subject = subject
	idx++
	spki := v.Children[idx]
	if spki.Kind != asn1.KindSequence || len(spki.Children) != 2 {
		return nil, fmt.Errorf("%w: malformed SubjectPublicKeyInfo", verr.ErrParse)
	}
	if !spki.Children[0].Children[0].OID.Equal(rsaEncryption) {
		return nil, fmt.Errorf("%w: unsupported subject key algorithm", verr.ErrValidation)
	}
	inner, n, err := asn1.Parse(spki.Children[1].Bits.Bytes, asn1.ParseOptions{})
	if err != nil || n != len(spki.Children[1].Bits.Bytes) {
		return nil, fmt.Errorf("%w: malformed RSAPublicKey in certificate", verr.ErrParse)
	}
	subjectKey, err := rsaPublicKeyFromValue(inner)
	if err != nil {
		return nil, err
	}
	t.SubjectKey = subjectKey
	idx++
	for idx < len(v.Children) {
		c := v.Children[idx]
		switch {
		case c.Kind == asn1.KindTagged && c.Tag.Number == 1:
			// implicit-tagged BIT STRING decodes generically as an
			// OctetString whose content is [pad-count byte, bits...].
			if len(c.Inner.Octets) > 0 {
				t.IssuerUniqueID = c.Inner.Octets[1:]
			}
		case c.Kind == asn1.KindTagged && c.Tag.Number == 2:
			if len(c.Inner.Octets) > 0 {
				t.SubjectUniqueID = c.Inner.Octets[1:]
			}
		case c.Kind == asn1.KindTagged && c.Tag.Number == 3:
			for _, extVal := range c.Inner.Children {
				ext, err := ExtensionFromValue(extVal)
				if err != nil {
					return nil, err
				}
				t.Extensions = append(t.Extensions, ext)
			}
		}
		idx++
	}
	return t, nil
}

// Certificate is a signed X.509 certificate.
type Certificate struct {
	TBS            *TBSCertificate
	SignatureValue []byte
}

// signDigest computes the RSASSA-PKCS1-v1_5/SHA-1 signature over msg
// with signKey's private exponent.
func signDigest(signKey *vcrypto.RSAKey, msg []byte) ([]byte, error) {
	sha1Alg, _ := vcrypto.Hash(vcrypto.HashSHA1)
	digest := sha1Alg.Digest(msg)
	k := signKey.Size()
	em, err := vcrypto.EMSAEncode(sha1Alg, digestInfoPrefixSHA1, digest, k)
	if err != nil {
		return nil, err
	}
	m := new(big.Int).SetBytes(em)
	s, err := signKey.DecryptInt(m)
	if err != nil {
		return nil, err
	}
	out := make([]byte, k)
	s.FillBytes(out)
	return out, nil
}

// verifyDigest reports whether signature validates msg against
// verifyKey's public exponent.
func verifyDigest(verifyKey *vcrypto.RSAKey, msg []byte, signature []byte) (bool, error) {
	sha1Alg, _ := vcrypto.Hash(vcrypto.HashSHA1)
	digest := sha1Alg.Digest(msg)
	k := verifyKey.Size()
	want, err := vcrypto.EMSAEncode(sha1Alg, digestInfoPrefixSHA1, digest, k)
	if err != nil {
		return false, err
	}
	s := new(big.Int).SetBytes(signature)
	m, err := verifyKey.EncryptInt(s)
	if err != nil {
		return false, err
	}
	got := make([]byte, k)
	m.FillBytes(got)
	if len(got) != len(want) {
		return false, nil
	}
	for i := range got {
		if got[i] != want[i] {
			return false, nil
		}
	}
	return true, nil
}

// CreateCertificate signs tbs with signKey, producing a Certificate.
func CreateCertificate(tbs *TBSCertificate, signKey *vcrypto.RSAKey) (*Certificate, error) {
	tbsVal, err := tbs.ToValue()
	if err != nil {
		return nil, err
	}
	der, err := asn1.Encode(tbsVal)
	if err != nil {
		return nil, err
	}
	sig, err := signDigest(signKey, der)
	if err != nil {
		return nil, err
	}
	return &Certificate{TBS: tbs, SignatureValue: sig}, nil
}

// ToValue encodes the full Certificate (TBSCertificate, signatureAlgorithm,
// signatureValue).
func (c *Certificate) ToValue() (*asn1.Value, error) {
	tbsVal, err := c.TBS.ToValue()
	if err != nil {
		return nil, err
	}
	return asn1.NewSequence(
		tbsVal,
		algorithmIdentifier(rsaSignatureAlg),
		asn1.NewBitString(asn1.BitString{Bytes: c.SignatureValue}),
	), nil
}

// ExportDER encodes the certificate to DER.
func (c *Certificate) ExportDER() ([]byte, error) {
	v, err := c.ToValue()
	if err != nil {
		return nil, err
	}
	return asn1.Encode(v)
}

// ExportPEM wraps ExportDER as a "CERTIFICATE" PEM block.
func (c *Certificate) ExportPEM() ([]byte, error) {
	der, err := c.ExportDER()
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), nil
}

// ImportCertificateDER parses a Certificate from DER.
func ImportCertificateDER(der []byte) (*Certificate, error) {
	v, n, err := asn1.Parse(der, asn1.ParseOptions{})
	if err != nil {
		return nil, err
	}
	if n != len(der) {
		return nil, fmt.Errorf("%w: trailing data after certificate", verr.ErrParse)
	}
	if v.Kind != asn1.KindSequence || len(v.Children) != 3 {
		return nil, fmt.Errorf("%w: malformed Certificate", verr.ErrParse)
	}
	tbs, err := tbsFromValue(v.Children[0])
	if err != nil {
		return nil, err
	}
	sigAlg := v.Children[1]
	if sigAlg.Kind != asn1.KindSequence || !sigAlg.Children[0].OID.Equal(rsaSignatureAlg) {
		return nil, fmt.Errorf("%w: unsupported signature algorithm", verr.ErrValidation)
	}
	if !sigAlg.Children[0].OID.Equal(tbs.SignatureAlg) {
		return nil, fmt.Errorf("%w: certificate signature algorithm mismatch", verr.ErrValidation)
	}
	sigVal := v.Children[2]
	if sigVal.Kind != asn1.KindBitString {
		return nil, fmt.Errorf("%w: malformed signatureValue", verr.ErrParse)
	}
	return &Certificate{TBS: tbs, SignatureValue: sigVal.Bits.Bytes}, nil
}

// ImportCertificatePEM decodes a "CERTIFICATE" PEM block.
func ImportCertificatePEM(data []byte) (*Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("%w: expected CERTIFICATE PEM block", verr.ErrParse)
	}
	return ImportCertificateDER(block.Bytes)
}

// VerifyKey reports whether the certificate was signed with key, and
// (if issuer is non-nil) that its issuer name matches.
func (c *Certificate) VerifyKey(key *vcrypto.RSAKey, issuer *Name) (bool, error) {
	tbsVal, err := c.TBS.ToValue()
	if err != nil {
		return false, err
	}
	der, err := asn1.Encode(tbsVal)
	if err != nil {
		return false, err
	}
	ok, err := verifyDigest(key, der, c.SignatureValue)
	if err != nil || !ok {
		return false, err
	}
	if issuer != nil && !issuer.Equal(c.TBS.Issuer) {
		return false, nil
	}
	return true, nil
}

func extByOID(exts []Extension, oid asn1.OID) (Extension, bool) {
	for _, e := range exts {
		if e.OID.Equal(oid) {
			return e, true
		}
	}
	return Extension{}, false
}

// CertifiedBy validates that issuerCert certifies c (spec.md §4.6):
// the issuer's subject key signed c, subject/authority key
// identifiers match when present, c is within its validity window at
// tstamp (system time if zero), and — when strict — the issuer
// carries CA extensions granting certificate-signing rights. All
// failure reasons are aggregated via go-multierror rather than
// short-circuiting on the first one, so a caller can report every
// defect in a rejected chain at once.
func (c *Certificate) CertifiedBy(issuerCert *Certificate, tstamp time.Time, strict bool) error {
	var result *multierror.Error

	ok, err := c.VerifyKey(issuerCert.TBS.SubjectKey, issuerCert.TBS.Subject)
	if err != nil {
		result = multierror.Append(result, fmt.Errorf("%w: signature check failed: %v", verr.ErrCrypto, err))
	} else if !ok {
		result = multierror.Append(result, fmt.Errorf("%w: signature does not verify against issuer key", verr.ErrValidation))
	}

	issuerExts := issuerCert.TBS.Extensions
	subjExts := c.TBS.Extensions
	ski, hasSKI := extByOID(issuerExts, oidSubjectKeyIdentifier)
	aki, hasAKI := extByOID(subjExts, oidAuthorityKeyID)
	if hasSKI && hasAKI {
		skiID, err1 := ParseSubjectKeyIdentifier(ski.Value)
		akiID, err2 := ParseAuthorityKeyIdentifier(aki.Value)
		if err1 != nil || err2 != nil || string(skiID) != string(akiID) {
			result = multierror.Append(result, fmt.Errorf("%w: authority/subject key identifier mismatch", verr.ErrValidation))
		}
	}

	if tstamp.IsZero() {
		tstamp = time.Now().UTC()
	}
	if tstamp.Before(c.TBS.NotBefore) || tstamp.After(c.TBS.NotAfter) {
		result = multierror.Append(result, fmt.Errorf("%w: certificate not valid at %s", verr.ErrValidation, tstamp))
	}

	if strict {
		basic, hasBasic := extByOID(issuerExts, oidBasicConstraints)
		_, hasSKI := extByOID(issuerExts, oidSubjectKeyIdentifier)
		usage, hasUsage := extByOID(issuerExts, oidKeyUsage)
		if !hasBasic || !hasSKI || !hasUsage {
			result = multierror.Append(result, fmt.Errorf("%w: issuer lacks required CA extensions", verr.ErrValidation))
		} else {
			isCA, _, err := ParseBasicConstraints(basic.Value)
			if err != nil || !isCA {
				result = multierror.Append(result, fmt.Errorf("%w: issuer is not a CA", verr.ErrValidation))
			}
			bits, err := ParseKeyUsage(usage.Value)
			if err != nil || bits&KeyUsageKeyCertSign == 0 {
				result = multierror.Append(result, fmt.Errorf("%w: issuer lacks keyCertSign usage", verr.ErrValidation))
			}
		}
	}

	return result.ErrorOrNil()
}

// SignCSR signs a certification request as the issuer of issuerCert,
// mirroring original_source's VX509Certificate.sign: the signing key
// must match issuerCert's subject key, and an AuthorityKeyIdentifier
// derived from the issuer's SubjectKeyIdentifier is attached
// automatically unless the caller already supplied one.
func (issuerCert *Certificate) SignCSR(csr *CertificationRequest, serial *big.Int, notAfter time.Time,
	signKey *vcrypto.RSAKey, extensions []Extension, notBefore time.Time, strict bool) (*Certificate, error) {
	if issuerCert.TBS.SubjectKey.N.Cmp(signKey.N) != 0 {
		return nil, fmt.Errorf("%w: sign key does not match issuer public key", verr.ErrValidation)
	}
	issuerExts := issuerCert.TBS.Extensions
	if strict {
		basic, hasBasic := extByOID(issuerExts, oidBasicConstraints)
		_, hasSKI := extByOID(issuerExts, oidSubjectKeyIdentifier)
		usage, hasUsage := extByOID(issuerExts, oidKeyUsage)
		if !hasBasic || !hasSKI || !hasUsage {
			return nil, fmt.Errorf("%w: issuer lacks required CA extensions", verr.ErrValidation)
		}
		isCA, _, err := ParseBasicConstraints(basic.Value)
		if err != nil || !isCA {
			return nil, fmt.Errorf("%w: issuer is not a CA", verr.ErrValidation)
		}
		bits, err := ParseKeyUsage(usage.Value)
		if err != nil || bits&KeyUsageKeyCertSign == 0 {
			return nil, fmt.Errorf("%w: issuer does not have sign permission", verr.ErrValidation)
		}
	}
	if ski, ok := extByOID(issuerExts, oidSubjectKeyIdentifier); ok {
		if _, hasAKI := extByOID(extensions, oidAuthorityKeyID); !hasAKI {
			skiID, err := ParseSubjectKeyIdentifier(ski.Value)
			if err != nil {
				return nil, err
			}
			extensions = append(extensions, AuthorityKeyIdentifier(skiID))
		}
	}
	if notBefore.IsZero() {
		notBefore = time.Now().UTC().Add(-5 * time.Minute)
	}
	tbs := CreateTBS(serial, issuerCert.TBS.Subject, notBefore, notAfter, csr.Subject, csr.SubjectKey,
		extensions, issuerCert.TBS.SubjectUniqueID, nil, nil)
	return CreateCertificate(tbs, signKey)
}
