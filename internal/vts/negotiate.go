package vts

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/halvorsen/vtsd/internal/asn1"
	"github.com/halvorsen/vtsd/internal/intcodec"
	"github.com/halvorsen/vtsd/internal/vcrypto"
	"github.com/halvorsen/vtsd/internal/verr"
	"github.com/halvorsen/vtsd/internal/x509obj"
)

// minRandLen is the minimum size of the client/server handshake
// nonces (spec.md §4.8 "rand_c (≥32B)").
const minRandLen = 32

// credentials carries the optional identity or certificate chain a
// peer presents during the handshake (spec.md §4.8 "parse
// credentials = (is_cert, payload)").
type credentials struct {
	isCert  bool
	name    *x509obj.Name         // set when !isCert
	chain   []*x509obj.Certificate // set when isCert, leaf first
}

func encodeCredentials(c *credentials) ([]byte, error) {
	if c == nil {
		return nil, nil
	}
	if c.isCert {
		parts := make([][]byte, len(c.chain))
		for i, cert := range c.chain {
			der, err := cert.ExportDER()
			if err != nil {
				return nil, err
			}
			parts[i] = der
		}
		return encodeTuple(append([][]byte{{1}}, parts...)...), nil
	}
	v := c.name.ToValue()
	der, err := asn1.Encode(v)
	if err != nil {
		return nil, err
	}
	return encodeTuple([]byte{0}, der), nil
}

func decodeCredentials(data []byte) (*credentials, error) {
	if len(data) == 0 {
		return nil, nil
	}
	r := decodeTuple(data)
	if !r.complete || len(r.fields) < 2 {
		return nil, fmt.Errorf("%w: malformed credentials tuple", verr.ErrProtocol)
	}
	if len(r.fields[0]) != 1 {
		return nil, fmt.Errorf("%w: malformed credentials flag", verr.ErrProtocol)
	}
	isCert := r.fields[0][0] != 0
	if !isCert {
		v, _, err := asn1.Parse(r.fields[1], asn1.ParseOptions{})
		if err != nil {
			return nil, fmt.Errorf("%w: credentials name: %v", verr.ErrProtocol, err)
		}
		name, err := x509obj.NameFromValue(v)
		if err != nil {
			return nil, err
		}
		return &credentials{isCert: false, name: name}, nil
	}
	chain := make([]*x509obj.Certificate, 0, len(r.fields)-1)
	for _, der := range r.fields[1:] {
		cert, err := x509obj.ImportCertificateDER(der)
		if err != nil {
			return nil, fmt.Errorf("%w: credentials cert: %v", verr.ErrProtocol, err)
		}
		chain = append(chain, cert)
	}
	return &credentials{isCert: true, chain: chain}, nil
}

// clientHello is the first handshake message sent by the client
// (spec.md §4.8 "ClientHello = (hmac_hashes, ciphers_with_modes,
// hashes, rand_c (≥32B), max_keylen?, hshake_lim?)").
type clientHello struct {
	hmacHashes []string
	ciphers    []string
	hashes     []string
	randC      []byte
	maxKeylen  int // 0 means absent
	hshakeLim  int // 0 means absent
}

func newClientHello(offer Offer, randC []byte) *clientHello {
	return &clientHello{
		hmacHashes: offer.HMACHashes,
		ciphers:    offer.Ciphers,
		hashes:     offer.Hashes,
		randC:      randC,
		maxKeylen:  offer.MaxKeyLen,
		hshakeLim:  offer.HandshakeLimit,
	}
}

func (h *clientHello) encode() []byte {
	fields := [][]byte{
		joinNames(h.hmacHashes, ','),
		joinNames(h.ciphers, ','),
		joinNames(h.hashes, ','),
		h.randC,
	}
	if h.maxKeylen > 0 {
		fields = append(fields, intcodec.PosIntToBytes(big.NewInt(int64(h.maxKeylen))))
	}
	if h.hshakeLim > 0 {
		fields = append(fields, intcodec.PosIntToBytes(big.NewInt(int64(h.hshakeLim))))
	}
	return encodeTuple(fields...)
}

// serverHello is the response the server sends after negotiating one
// value from each of the client's offer sets (spec.md §4.8
// "ServerHello = (hmac_name, cipher_name, cipher_mode, hash_name,
// rand_s, (pk_alg, pk_keydata), credentials?, max_keylen?,
// hshake_lim?)"). cipher_name/cipher_mode are carried together as one
// registered vcrypto cipher name (e.g. "aes256-cbc"); splitting name
// from mode buys nothing since the registry already keys on the pair.
type serverHello struct {
	hmacName    string
	cipherName  string
	hashName    string
	randS       []byte
	pkAlg       string
	pkKeydata   []byte
	credentials *credentials
	maxKeylen   int
	hshakeLim   int
}

func newServerHello(hmacName, cipherName, hashName string, randS []byte, serverKey *vcrypto.RSAKey, creds *credentials, maxKeylen, hshakeLim int) (*serverHello, error) {
	keydata, err := x509obj.ExportPublicKeyDER(serverKey)
	if err != nil {
		return nil, err
	}
	return &serverHello{
		hmacName: hmacName, cipherName: cipherName, hashName: hashName,
		randS: randS, pkAlg: "rsa", pkKeydata: keydata,
		credentials: creds, maxKeylen: maxKeylen, hshakeLim: hshakeLim,
	}, nil
}

func (h *serverHello) encode() ([]byte, error) {
	credBytes, err := encodeCredentials(h.credentials)
	if err != nil {
		return nil, err
	}
	fields := [][]byte{
		[]byte(h.hmacName),
		[]byte(h.cipherName),
		[]byte(h.hashName),
		h.randS,
		[]byte(h.pkAlg),
		h.pkKeydata,
	}
	if credBytes != nil || h.maxKeylen > 0 || h.hshakeLim > 0 {
		fields = append(fields, credBytes)
	}
	if h.maxKeylen > 0 {
		fields = append(fields, intcodec.PosIntToBytes(big.NewInt(int64(h.maxKeylen))))
	}
	if h.hshakeLim > 0 {
		fields = append(fields, intcodec.PosIntToBytes(big.NewInt(int64(h.hshakeLim))))
	}
	return encodeTuple(fields...), nil
}

func freshRand(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("%w: %v", verr.ErrCrypto, err)
	}
	return b, nil
}

// negotiateFirst picks the first offered value also present in own,
// preserving the picker's preference order (spec.md §4.8 "negotiate by
// first match in own preference order").
func negotiateFirst(own, offered []string) (string, bool) {
	offeredSet := make(map[string]bool, len(offered))
	for _, o := range offered {
		offeredSet[o] = true
	}
	for _, want := range own {
		if offeredSet[want] {
			return want, true
		}
	}
	return "", false
}
