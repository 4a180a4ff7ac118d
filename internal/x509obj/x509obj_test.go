package x509obj

import (
	"crypto/rand"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halvorsen/vtsd/internal/vcrypto"
)

// genTestRSAKey builds a fresh RSA half-key large enough to carry a
// SHA-1 EMSA-PKCS1-v1_5 encoding (minimum modulus ~46 bytes), used only
// to exercise the object model above without depending on fixed test
// vectors too small to sign with.
func genTestRSAKey(t *testing.T, bits int) *vcrypto.RSAKey {
	t.Helper()
	p, err := rand.Prime(rand.Reader, bits/2)
	require.NoError(t, err)
	q, err := rand.Prime(rand.Reader, bits/2)
	require.NoError(t, err)
	for p.Cmp(q) == 0 {
		q, err = rand.Prime(rand.Reader, bits/2)
		require.NoError(t, err)
	}
	n := new(big.Int).Mul(p, q)
	pMinus1 := new(big.Int).Sub(p, big.NewInt(1))
	qMinus1 := new(big.Int).Sub(q, big.NewInt(1))
	totient := new(big.Int).Mul(pMinus1, qMinus1)
	e := big.NewInt(65537)
	d := new(big.Int).ModInverse(e, totient)
	require.NotNil(t, d)
	key := &vcrypto.RSAKey{N: n, E: e, D: d, P: p, Q: q}
	require.NoError(t, key.Validate())
	return key
}

func testName(t *testing.T, cn string) *Name {
	t.Helper()
	n, err := NewName(map[string]string{AttrCommonName: cn, AttrCountryName: "NO"})
	require.NoError(t, err)
	return n
}

func TestNameRoundTrip(t *testing.T) {
	n := testName(t, "example.test")
	v := n.ToValue()
	back, err := NameFromValue(v)
	require.NoError(t, err)
	assert.True(t, n.Equal(back))
	assert.Equal(t, "example.test", back.Get(AttrCommonName))
}

func TestPublicKeyDERRoundTrip(t *testing.T) {
	key := genTestRSAKey(t, 512)
	der, err := ExportPublicKeyDER(key)
	require.NoError(t, err)
	back, err := ImportPublicKeyDER(der)
	require.NoError(t, err)
	assert.Equal(t, key.N, back.N)
	assert.Equal(t, key.E, back.E)
}

func TestPublicKeyPEMRoundTrip(t *testing.T) {
	key := genTestRSAKey(t, 512)
	pemBytes, err := ExportPublicKeyPEM(key)
	require.NoError(t, err)
	back, err := ImportPublicKeyPEM(pemBytes)
	require.NoError(t, err)
	assert.Equal(t, key.N, back.N)
}

func TestPublicKeyPKCS1DERRoundTrip(t *testing.T) {
	key := genTestRSAKey(t, 512)
	der, err := ExportPublicKeyPKCS1DER(key)
	require.NoError(t, err)
	back, err := ImportPublicKeyPKCS1DER(der)
	require.NoError(t, err)
	assert.Equal(t, key.N, back.N)
	assert.Equal(t, key.E, back.E)
}

func TestPublicKeyPKCS1PEMRoundTrip(t *testing.T) {
	key := genTestRSAKey(t, 512)
	pemBytes, err := ExportPublicKeyPKCS1PEM(key)
	require.NoError(t, err)
	back, err := ImportPublicKeyPKCS1PEM(pemBytes)
	require.NoError(t, err)
	assert.Equal(t, key.N, back.N)

	_, err = ImportPublicKeyPKCS1PEM([]byte("not pem"))
	assert.Error(t, err)
}

func TestPrivateKeyDERRoundTrip(t *testing.T) {
	key := genTestRSAKey(t, 512)
	der, err := ExportPrivateKeyDER(key)
	require.NoError(t, err)
	back, err := ImportPrivateKeyDER(der)
	require.NoError(t, err)
	assert.Equal(t, key.N, back.N)
	assert.Equal(t, key.D, back.D)
	assert.Equal(t, key.P, back.P)
	assert.Equal(t, key.Q, back.Q)
}

func TestPrivateKeyPEMRoundTrip(t *testing.T) {
	key := genTestRSAKey(t, 512)
	pemBytes, err := ExportPrivateKeyPEM(key)
	require.NoError(t, err)
	back, err := ImportPrivateKeyPEM(pemBytes)
	require.NoError(t, err)
	assert.Equal(t, key.D, back.D)
}

func TestCAExtensionsRoundTrip(t *testing.T) {
	key := genTestRSAKey(t, 512)
	pathLen := 1
	exts, err := CAExtensions(key, &pathLen, 0)
	require.NoError(t, err)
	require.Len(t, exts, 3)

	isCA, pl, err := ParseBasicConstraints(exts[0].Value)
	require.NoError(t, err)
	assert.True(t, isCA)
	require.NotNil(t, pl)
	assert.Equal(t, 1, *pl)
	assert.True(t, exts[0].Critical)

	ski, err := ParseSubjectKeyIdentifier(exts[1].Value)
	require.NoError(t, err)
	want, err := KeyToIdentifier(key)
	require.NoError(t, err)
	assert.Equal(t, want, ski)

	bits, err := ParseKeyUsage(exts[2].Value)
	require.NoError(t, err)
	assert.Equal(t, KeyUsageKeyCertSign|KeyUsageCRLSign, bits)
}

func TestSelfSignedCertificateVerifies(t *testing.T) {
	caKey := genTestRSAKey(t, 512)
	subject := testName(t, "root-ca")
	caExts, err := CAExtensions(caKey, nil, 0)
	require.NoError(t, err)

	notBefore := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	notAfter := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	tbs := CreateTBS(big.NewInt(1), subject, notBefore, notAfter, subject, caKey, caExts, nil, nil, nil)
	assert.Equal(t, 2, tbs.Version)

	cert, err := CreateCertificate(tbs, caKey)
	require.NoError(t, err)

	ok, err := cert.VerifyKey(caKey, subject)
	require.NoError(t, err)
	assert.True(t, ok)

	der, err := cert.ExportDER()
	require.NoError(t, err)
	back, err := ImportCertificateDER(der)
	require.NoError(t, err)
	ok, err = back.VerifyKey(caKey, subject)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, cert.CertifiedBy(cert, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), true))
}

func TestCertifiedByRejectsWrongIssuer(t *testing.T) {
	caKey := genTestRSAKey(t, 512)
	otherKey := genTestRSAKey(t, 512)
	subject := testName(t, "root-ca")
	caExts, _ := CAExtensions(caKey, nil, 0)
	notBefore := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	notAfter := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	tbs := CreateTBS(big.NewInt(1), subject, notBefore, notAfter, subject, caKey, caExts, nil, nil, nil)
	cert, err := CreateCertificate(tbs, caKey)
	require.NoError(t, err)

	otherExts, _ := CAExtensions(otherKey, nil, 0)
	otherSubject := testName(t, "impostor-ca")
	otherTBS := CreateTBS(big.NewInt(2), otherSubject, notBefore, notAfter, otherSubject, otherKey, otherExts, nil, nil, nil)
	otherCert, err := CreateCertificate(otherTBS, otherKey)
	require.NoError(t, err)

	err = cert.CertifiedBy(otherCert, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), true)
	assert.Error(t, err)
}

func TestCertifiedByRejectsExpired(t *testing.T) {
	caKey := genTestRSAKey(t, 512)
	subject := testName(t, "root-ca")
	caExts, _ := CAExtensions(caKey, nil, 0)
	notBefore := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	notAfter := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	tbs := CreateTBS(big.NewInt(1), subject, notBefore, notAfter, subject, caKey, caExts, nil, nil, nil)
	cert, err := CreateCertificate(tbs, caKey)
	require.NoError(t, err)

	err = cert.CertifiedBy(cert, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC), true)
	assert.Error(t, err)
}

func TestCSRCreateAndVerify(t *testing.T) {
	key := genTestRSAKey(t, 512)
	subject := testName(t, "leaf.example.test")
	csr, err := CreateCSR(subject, key)
	require.NoError(t, err)

	ok, err := csr.Verify()
	require.NoError(t, err)
	assert.True(t, ok)

	der, err := csr.ExportDER()
	require.NoError(t, err)
	back, err := ImportCSRDER(der)
	require.NoError(t, err)
	ok, err = back.Verify()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, subject.Equal(back.Subject))
}

func TestCSRPEMRoundTrip(t *testing.T) {
	key := genTestRSAKey(t, 512)
	subject := testName(t, "leaf.example.test")
	csr, err := CreateCSR(subject, key)
	require.NoError(t, err)

	pemBytes, err := csr.ExportPEM()
	require.NoError(t, err)
	back, err := ImportCSRPEM(pemBytes)
	require.NoError(t, err)
	ok, err := back.Verify()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCSRSelfSignCA(t *testing.T) {
	key := genTestRSAKey(t, 512)
	subject := testName(t, "root-ca")
	csr, err := CreateCSR(subject, key)
	require.NoError(t, err)

	notAfter := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	cert, err := csr.SelfSignCA(big.NewInt(1), notAfter, key, nil, time.Time{}, nil, 0)
	require.NoError(t, err)

	ok, err := cert.VerifyKey(key, subject)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NotEmpty(t, cert.TBS.Extensions)
}

func TestIssuerSignCSRChainValidates(t *testing.T) {
	caKey := genTestRSAKey(t, 512)
	caSubject := testName(t, "root-ca")
	caCSR, err := CreateCSR(caSubject, caKey)
	require.NoError(t, err)
	notAfter := time.Date(2035, 1, 1, 0, 0, 0, 0, time.UTC)
	caCert, err := caCSR.SelfSignCA(big.NewInt(1), notAfter, caKey, nil, time.Time{}, nil, 0)
	require.NoError(t, err)

	leafKey := genTestRSAKey(t, 512)
	leafSubject := testName(t, "leaf.example.test")
	leafCSR, err := CreateCSR(leafSubject, leafKey)
	require.NoError(t, err)
	ok, err := leafCSR.Verify()
	require.NoError(t, err)
	require.True(t, ok)

	leafCert, err := caCert.SignCSR(leafCSR, big.NewInt(2), notAfter, caKey, nil, time.Time{}, true)
	require.NoError(t, err)

	ok, err = leafCert.VerifyKey(caKey, caSubject)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, leafCert.CertifiedBy(caCert, time.Now().UTC(), true))

	aki, found := extByOID(leafCert.TBS.Extensions, oidAuthorityKeyID)
	require.True(t, found)
	akiID, err := ParseAuthorityKeyIdentifier(aki.Value)
	require.NoError(t, err)
	caSKI, err := KeyToIdentifier(caKey)
	require.NoError(t, err)
	assert.Equal(t, caSKI, akiID)
}

func TestSignCSRRejectsWrongSignKey(t *testing.T) {
	caKey := genTestRSAKey(t, 512)
	wrongKey := genTestRSAKey(t, 512)
	caSubject := testName(t, "root-ca")
	caCSR, err := CreateCSR(caSubject, caKey)
	require.NoError(t, err)
	notAfter := time.Date(2035, 1, 1, 0, 0, 0, 0, time.UTC)
	caCert, err := caCSR.SelfSignCA(big.NewInt(1), notAfter, caKey, nil, time.Time{}, nil, 0)
	require.NoError(t, err)

	leafKey := genTestRSAKey(t, 512)
	leafCSR, err := CreateCSR(testName(t, "leaf"), leafKey)
	require.NoError(t, err)

	_, err = caCert.SignCSR(leafCSR, big.NewInt(2), notAfter, wrongKey, nil, time.Time{}, true)
	assert.Error(t, err)
}
