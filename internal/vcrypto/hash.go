// Package vcrypto implements the abstract crypto primitives of
// spec.md §4.5/§9: a registry of block ciphers, hashes, and the RSA
// asymmetric transform, plus HMAC-PRF key expansion and the framed
// message encrypter/decrypter. Concrete algorithms are registered by
// name rather than threaded through a global default-provider
// singleton, per spec.md §9's "explicit context object" design note.
package vcrypto

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"hash"

	"golang.org/x/crypto/blake2b"

	"github.com/halvorsen/vtsd/internal/asn1"
	"github.com/halvorsen/vtsd/internal/verr"
)

// Hash names known signature/transport hashes can be negotiated by.
const (
	HashSHA1      = "sha-1"
	HashSHA256    = "sha-256"
	HashBlake2b256 = "blake2b-256"
)

// HashAlgo names one registered hash algorithm.
type HashAlgo struct {
	name string
	oid  asn1.OID // nil if the algorithm has no well-known OID
	size int
	new  func() hash.Hash
}

// Name returns the registered name.
func (h HashAlgo) Name() string { return h.name }

// OID returns the algorithm's object identifier, or nil if unassigned.
func (h HashAlgo) OID() asn1.OID { return h.oid }

// Size returns the digest size in bytes.
func (h HashAlgo) Size() int { return h.size }

// New returns a fresh incremental hash.Hash for this algorithm.
func (h HashAlgo) New() hash.Hash { return h.new() }

// Digest is a convenience one-shot hash over msg.
func (h HashAlgo) Digest(msg []byte) []byte {
	d := h.New()
	d.Write(msg)
	return d.Sum(nil)
}

// HMAC computes RFC 2104 HMAC(key, msg) using this hash.
func (h HashAlgo) HMAC(key, msg []byte) []byte {
	mac := hmac.New(h.new, key)
	mac.Write(msg)
	return mac.Sum(nil)
}

// sha1OID is the object identifier for SHA-1 (spec.md §6).
var sha1OID = asn1.OID{1, 3, 14, 3, 2, 26}

var hashRegistry = map[string]HashAlgo{
	HashSHA1:   {name: HashSHA1, oid: sha1OID, size: sha1.Size, new: sha1.New},
	HashSHA256: {name: HashSHA256, size: sha256.Size, new: sha256.New},
	HashBlake2b256: {name: HashBlake2b256, size: 32, new: func() hash.Hash {
		h, err := blake2b.New256(nil)
		if err != nil {
			panic("vcrypto: blake2b-256 construction failed: " + err.Error())
		}
		return h
	}},
}

// Hash looks up a registered hash algorithm by name.
func Hash(name string) (HashAlgo, error) {
	h, ok := hashRegistry[name]
	if !ok {
		return HashAlgo{}, fmt.Errorf("%w: unknown hash %q", verr.ErrCrypto, name)
	}
	return h, nil
}

// HashNames lists all registered hash algorithm names, in the order
// they should be offered when negotiating (signature-suitable hashes
// first).
func HashNames() []string {
	return []string{HashSHA1, HashSHA256, HashBlake2b256}
}
