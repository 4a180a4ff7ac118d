package x509obj

import (
	"encoding/pem"
	"fmt"
	"math/big"

	"github.com/halvorsen/vtsd/internal/asn1"
	"github.com/halvorsen/vtsd/internal/vcrypto"
	"github.com/halvorsen/vtsd/internal/verr"
)

// rsaEncryption is the PKCS#1 Key Transport Algorithm OID
// (1.2.840.113549.1.1.1) used in SubjectPublicKeyInfo.algorithm.
var rsaEncryption = asn1.OID{1, 2, 840, 113549, 1, 1, 1}

// rsaSignatureAlg is the RSASSA-PKCS1-v1_5/SHA-1 signature algorithm
// OID (1.2.840.113549.1.1.5), the only signature method spec.md §4.6
// requires.
var rsaSignatureAlg = asn1.OID{1, 2, 840, 113549, 1, 1, 5}

// rsaPublicKeyToValue encodes the RSAPublicKey DER body (SEQUENCE{
// INTEGER n, INTEGER e}) carried inside a SubjectPublicKeyInfo bit
// string.
func rsaPublicKeyToValue(key *vcrypto.RSAKey) *asn1.Value {
	return asn1.NewSequence(asn1.NewInteger(key.N), asn1.NewInteger(key.E))
}

func rsaPublicKeyFromValue(v *asn1.Value) (*vcrypto.RSAKey, error) {
	if v.Kind != asn1.KindSequence || len(v.Children) != 2 {
		return nil, fmt.Errorf("%w: malformed RSAPublicKey", verr.ErrParse)
	}
	n, e := v.Children[0], v.Children[1]
	if n.Kind != asn1.KindInteger || e.Kind != asn1.KindInteger {
		return nil, fmt.Errorf("%w: malformed RSAPublicKey fields", verr.ErrParse)
	}
	key := &vcrypto.RSAKey{N: new(big.Int).Set(n.Int), E: new(big.Int).Set(e.Int)}
	return key, key.Validate()
}

// ExportPublicKeyDER builds a SubjectPublicKeyInfo DER blob for key.
func ExportPublicKeyDER(key *vcrypto.RSAKey) ([]byte, error) {
	rsaDER, err := asn1.Encode(rsaPublicKeyToValue(key))
	if err != nil {
		return nil, err
	}
	spki := asn1.NewSequence(
		asn1.NewSequence(asn1.NewOID(rsaEncryption), asn1.NewNull()),
		asn1.NewBitString(asn1.BitString{Bytes: rsaDER}),
	)
	return asn1.Encode(spki)
}

// ExportPublicKeyPEM wraps ExportPublicKeyDER in a "PUBLIC KEY" PEM block.
func ExportPublicKeyPEM(key *vcrypto.RSAKey) ([]byte, error) {
	der, err := ExportPublicKeyDER(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// ImportPublicKeyDER parses a SubjectPublicKeyInfo DER blob.
func ImportPublicKeyDER(der []byte) (*vcrypto.RSAKey, error) {
	v, n, err := asn1.Parse(der, asn1.ParseOptions{})
	if err != nil {
		return nil, err
	}
	if n != len(der) {
		return nil, fmt.Errorf("%w: trailing data after public key", verr.ErrParse)
	}
	if v.Kind != asn1.KindSequence || len(v.Children) != 2 {
		return nil, fmt.Errorf("%w: malformed SubjectPublicKeyInfo", verr.ErrParse)
	}
	alg, bits := v.Children[0], v.Children[1]
	if alg.Kind != asn1.KindSequence || len(alg.Children) == 0 || alg.Children[0].Kind != asn1.KindOID {
		return nil, fmt.Errorf("%w: malformed AlgorithmIdentifier", verr.ErrParse)
	}
	if !alg.Children[0].OID.Equal(rsaEncryption) {
		return nil, fmt.Errorf("%w: unsupported public key algorithm", verr.ErrValidation)
	}
	if bits.Kind != asn1.KindBitString || bits.Bits.PadBits != 0 {
		return nil, fmt.Errorf("%w: malformed subjectPublicKey bit string", verr.ErrParse)
	}
	inner, n2, err := asn1.Parse(bits.Bits.Bytes, asn1.ParseOptions{})
	if err != nil {
		return nil, err
	}
	if n2 != len(bits.Bits.Bytes) {
		return nil, fmt.Errorf("%w: trailing data in RSAPublicKey", verr.ErrParse)
	}
	return rsaPublicKeyFromValue(inner)
}

// ImportPublicKeyPEM decodes a "PUBLIC KEY" PEM block and parses it.
func ImportPublicKeyPEM(data []byte) (*vcrypto.RSAKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, fmt.Errorf("%w: expected PUBLIC KEY PEM block", verr.ErrParse)
	}
	return ImportPublicKeyDER(block.Bytes)
}

// ExportPublicKeyPKCS1DER encodes the bare PKCS#1 RSAPublicKey DER
// body (SEQUENCE{INTEGER n, INTEGER e}), without the SubjectPublicKeyInfo
// wrapper ExportPublicKeyDER adds (spec.md §6 "RSA PUBLIC KEY").
func ExportPublicKeyPKCS1DER(key *vcrypto.RSAKey) ([]byte, error) {
	return asn1.Encode(rsaPublicKeyToValue(key))
}

// ExportPublicKeyPKCS1PEM wraps ExportPublicKeyPKCS1DER as "RSA PUBLIC KEY".
func ExportPublicKeyPKCS1PEM(key *vcrypto.RSAKey) ([]byte, error) {
	der, err := ExportPublicKeyPKCS1DER(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: der}), nil
}

// ImportPublicKeyPKCS1DER parses a bare PKCS#1 RSAPublicKey DER blob.
func ImportPublicKeyPKCS1DER(der []byte) (*vcrypto.RSAKey, error) {
	v, n, err := asn1.Parse(der, asn1.ParseOptions{})
	if err != nil {
		return nil, err
	}
	if n != len(der) {
		return nil, fmt.Errorf("%w: trailing data after public key", verr.ErrParse)
	}
	return rsaPublicKeyFromValue(v)
}

// ImportPublicKeyPKCS1PEM decodes an "RSA PUBLIC KEY" PEM block and parses it.
func ImportPublicKeyPKCS1PEM(data []byte) (*vcrypto.RSAKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "RSA PUBLIC KEY" {
		return nil, fmt.Errorf("%w: expected RSA PUBLIC KEY PEM block", verr.ErrParse)
	}
	return ImportPublicKeyPKCS1DER(block.Bytes)
}

// ExportPrivateKeyDER encodes the RSAPrivateKey PKCS#1 structure
// (version, n, e, d, p, q, d mod(p-1), d mod(q-1), qInv), filling the
// CRT fields with 0 when the key was not built with P/Q.
func ExportPrivateKeyDER(key *vcrypto.RSAKey) ([]byte, error) {
	if !key.HasPrivate() {
		return nil, fmt.Errorf("%w: key has no private exponent", verr.ErrValidation)
	}
	zero := big.NewInt(0)
	p, q, dp, dq, qInv := zero, zero, zero, zero, zero
	if key.HasCRT() {
		p, q = key.P, key.Q
		dp = new(big.Int).Mod(key.D, new(big.Int).Sub(p, big.NewInt(1)))
		dq = new(big.Int).Mod(key.D, new(big.Int).Sub(q, big.NewInt(1)))
		if inv := new(big.Int).ModInverse(q, p); inv != nil {
			qInv = inv
		}
	}
	seq := asn1.NewSequence(
		asn1.NewInteger(zero),
		asn1.NewInteger(key.N),
		asn1.NewInteger(key.E),
		asn1.NewInteger(key.D),
		asn1.NewInteger(p),
		asn1.NewInteger(q),
		asn1.NewInteger(dp),
		asn1.NewInteger(dq),
		asn1.NewInteger(qInv),
	)
	return asn1.Encode(seq)
}

// ExportPrivateKeyPEM wraps ExportPrivateKeyDER as "RSA PRIVATE KEY".
func ExportPrivateKeyPEM(key *vcrypto.RSAKey) ([]byte, error) {
	der, err := ExportPrivateKeyDER(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}), nil
}

// ImportPrivateKeyDER parses a PKCS#1 RSAPrivateKey DER blob.
func ImportPrivateKeyDER(der []byte) (*vcrypto.RSAKey, error) {
	v, n, err := asn1.Parse(der, asn1.ParseOptions{})
	if err != nil {
		return nil, err
	}
	if n != len(der) {
		return nil, fmt.Errorf("%w: trailing data after private key", verr.ErrParse)
	}
	if v.Kind != asn1.KindSequence || len(v.Children) != 9 {
		return nil, fmt.Errorf("%w: malformed RSAPrivateKey", verr.ErrParse)
	}
	ints := make([]*big.Int, 9)
	for i, c := range v.Children {
		if c.Kind != asn1.KindInteger {
			return nil, fmt.Errorf("%w: malformed RSAPrivateKey field %d", verr.ErrParse, i)
		}
		ints[i] = c.Int
	}
	key := &vcrypto.RSAKey{N: ints[1], E: ints[2], D: ints[3]}
	if ints[4].Sign() != 0 && ints[5].Sign() != 0 {
		key.P, key.Q = ints[4], ints[5]
	}
	return key, key.Validate()
}

// ImportPrivateKeyPEM decodes an "RSA PRIVATE KEY" PEM block and parses it.
func ImportPrivateKeyPEM(data []byte) (*vcrypto.RSAKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "RSA PRIVATE KEY" {
		return nil, fmt.Errorf("%w: expected RSA PRIVATE KEY PEM block", verr.ErrParse)
	}
	return ImportPrivateKeyDER(block.Bytes)
}
