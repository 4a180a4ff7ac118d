package x509obj

import (
	"encoding/pem"
	"fmt"
	"math/big"
	"time"

	"github.com/halvorsen/vtsd/internal/asn1"
	"github.com/halvorsen/vtsd/internal/vcrypto"
	"github.com/halvorsen/vtsd/internal/verr"
)

// CertificationRequest is a PKCS#10 certificate signing request.
type CertificationRequest struct {
	Subject        *Name
	SubjectKey     *vcrypto.RSAKey
	SignatureValue []byte
}

func (c *CertificationRequest) reqInfoValue() (*asn1.Value, error) {
	der, err := asn1.Encode(rsaPublicKeyToValue(c.SubjectKey))
	if err != nil {
		return nil, err
	}
	spki := asn1.NewSequence(algorithmIdentifier(rsaEncryption), asn1.NewBitString(asn1.BitString{Bytes: der}))
	return asn1.NewSequence(
		asn1.NewInteger(big.NewInt(0)),
		c.Subject.ToValue(),
		spki,
		asn1.NewTagged(asn1.Tag{Class: asn1.ClassContext, Number: 0}, false, asn1.NewSet()),
	), nil
}

// CreateCSR builds and signs a certification request for subject,
// using subjectKeypair both as the request's public key and to sign it
// (spec.md §4.6: "the subject proves possession of the private key by
// signing its own request").
func CreateCSR(subject *Name, subjectKeypair *vcrypto.RSAKey) (*CertificationRequest, error) {
	c := &CertificationRequest{Subject: subject, SubjectKey: subjectKeypair}
	reqInfo, err := c.reqInfoValue()
	if err != nil {
		return nil, err
	}
	der, err := asn1.Encode(reqInfo)
	if err != nil {
		return nil, err
	}
	sig, err := signDigest(subjectKeypair, der)
	if err != nil {
		return nil, err
	}
	c.SignatureValue = sig
	return c, nil
}

// ToValue encodes the full CertificationRequest.
func (c *CertificationRequest) ToValue() (*asn1.Value, error) {
	reqInfo, err := c.reqInfoValue()
	if err != nil {
		return nil, err
	}
	return asn1.NewSequence(
		reqInfo,
		algorithmIdentifier(rsaSignatureAlg),
		asn1.NewBitString(asn1.BitString{Bytes: c.SignatureValue}),
	), nil
}

// ExportDER encodes the CSR to DER.
func (c *CertificationRequest) ExportDER() ([]byte, error) {
	v, err := c.ToValue()
	if err != nil {
		return nil, err
	}
	return asn1.Encode(v)
}

// ExportPEM wraps ExportDER as a "CERTIFICATE REQUEST" PEM block.
func (c *CertificationRequest) ExportPEM() ([]byte, error) {
	der, err := c.ExportDER()
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}), nil
}

// ImportCSRDER parses a CertificationRequest from DER.
func ImportCSRDER(der []byte) (*CertificationRequest, error) {
	v, n, err := asn1.Parse(der, asn1.ParseOptions{AllowUnknown: true})
	if err != nil {
		return nil, err
	}
	if n != len(der) {
		return nil, fmt.Errorf("%w: trailing data after CSR", verr.ErrParse)
	}
	if v.Kind != asn1.KindSequence || len(v.Children) != 3 {
		return nil, fmt.Errorf("%w: malformed CertificationRequest", verr.ErrParse)
	}
	reqInfo := v.Children[0]
	if reqInfo.Kind != asn1.KindSequence || len(reqInfo.Children) < 3 {
		return nil, fmt.Errorf("%w: malformed CertificationRequestInfo", verr.ErrParse)
	}
	if reqInfo.Children[0].Kind != asn1.KindInteger || reqInfo.Children[0].Int.Int64() != 0 {
		return nil, fmt.Errorf("%w: unsupported CSR version", verr.ErrValidation)
	}
	subject, err := NameFromValue(reqInfo.Children[1])
	if err != nil {
		return nil, err
	}
	spki := reqInfo.Children[2]
	if spki.Kind != asn1.KindSequence || len(spki.Children) != 2 || !spki.Children[0].Children[0].OID.Equal(rsaEncryption) {
		return nil, fmt.Errorf("%w: unsupported CSR subject key algorithm", verr.ErrValidation)
	}
	inner, n2, err := asn1.Parse(spki.Children[1].Bits.Bytes, asn1.ParseOptions{})
	if err != nil || n2 != len(spki.Children[1].Bits.Bytes) {
		return nil, fmt.Errorf("%w: malformed RSAPublicKey in CSR", verr.ErrParse)
	}
	subjectKey, err := rsaPublicKeyFromValue(inner)
	if err != nil {
		return nil, err
	}
	sigAlg := v.Children[1]
	if sigAlg.Kind != asn1.KindSequence || !sigAlg.Children[0].OID.Equal(rsaSignatureAlg) {
		return nil, fmt.Errorf("%w: unsupported CSR signature algorithm", verr.ErrValidation)
	}
	sigVal := v.Children[2]
	if sigVal.Kind != asn1.KindBitString {
		return nil, fmt.Errorf("%w: malformed CSR signature", verr.ErrParse)
	}
	return &CertificationRequest{Subject: subject, SubjectKey: subjectKey, SignatureValue: sigVal.Bits.Bytes}, nil
}

// ImportCSRPEM decodes a "CERTIFICATE REQUEST" PEM block.
func ImportCSRPEM(data []byte) (*CertificationRequest, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return nil, fmt.Errorf("%w: expected CERTIFICATE REQUEST PEM block", verr.ErrParse)
	}
	return ImportCSRDER(block.Bytes)
}

// Verify validates the CSR's self-signature, proving the requester
// holds the subject key's private half.
func (c *CertificationRequest) Verify() (bool, error) {
	reqInfo, err := c.reqInfoValue()
	if err != nil {
		return false, err
	}
	der, err := asn1.Encode(reqInfo)
	if err != nil {
		return false, err
	}
	return verifyDigest(c.SubjectKey, der, c.SignatureValue)
}

// SelfSign creates a self-signed certificate for this request: issuer
// and subject are both the request's subject.
func (c *CertificationRequest) SelfSign(serial *big.Int, notAfter time.Time, signKey *vcrypto.RSAKey,
	extensions []Extension, notBefore time.Time) (*Certificate, error) {
	if notBefore.IsZero() {
		notBefore = time.Now().UTC().Add(-5 * time.Minute)
	}
	tbs := CreateTBS(serial, c.Subject, notBefore, notAfter, c.Subject, c.SubjectKey, extensions, nil, nil, nil)
	return CreateCertificate(tbs, signKey)
}

// SelfSignCA is SelfSign plus the standard CA extension set
// (spec.md §4.6 "root CA bootstrap").
func (c *CertificationRequest) SelfSignCA(serial *big.Int, notAfter time.Time, signKey *vcrypto.RSAKey,
	extensions []Extension, notBefore time.Time, pathLen *int, usageBits int) (*Certificate, error) {
	caExt, err := CAExtensions(c.SubjectKey, pathLen, usageBits)
	if err != nil {
		return nil, err
	}
	return c.SelfSign(serial, notAfter, signKey, append(caExt, extensions...), notBefore)
}
