package vcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"golang.org/x/crypto/salsa20/salsa"

	"github.com/halvorsen/vtsd/internal/verr"
)

// Cipher names known symmetric ciphers can be negotiated by
// (spec.md §4.5 "cipher+mode name").
const (
	CipherAES128CBC = "aes128-cbc"
	CipherAES256CBC = "aes256-cbc"
	CipherAES128OFB = "aes128-ofb"
	CipherAES256OFB = "aes256-ofb"
	CipherSalsa20   = "salsa20"
)

// Transform processes a stream of ciphertext/plaintext blocks in
// sequence, threading IV/keystream state across calls (spec.md §4.5
// "block cipher transform ... consumed sequentially").
type Transform interface {
	// BlockSize is the padding granularity the framed-message layer
	// must align to.
	BlockSize() int
	// Process transforms src in place semantics and returns the
	// result; len(src) must be a multiple of BlockSize().
	Process(src []byte) ([]byte, error)
}

// BlockCipher describes one registered cipher+mode combination.
type BlockCipher struct {
	name      string
	keySize   int
	ivSize    int
	blockSize int
	encrypter func(key, iv []byte) (Transform, error)
	decrypter func(key, iv []byte) (Transform, error)
}

func (c BlockCipher) Name() string    { return c.name }
func (c BlockCipher) KeySize() int    { return c.keySize }
func (c BlockCipher) IVSize() int     { return c.ivSize }
func (c BlockCipher) BlockSize() int  { return c.blockSize }

func (c BlockCipher) Encrypter(key, iv []byte) (Transform, error) {
	if len(key) != c.keySize || len(iv) != c.ivSize {
		return nil, fmt.Errorf("%w: bad key/iv size for %s", verr.ErrCrypto, c.name)
	}
	return c.encrypter(key, iv)
}

func (c BlockCipher) Decrypter(key, iv []byte) (Transform, error) {
	if len(key) != c.keySize || len(iv) != c.ivSize {
		return nil, fmt.Errorf("%w: bad key/iv size for %s", verr.ErrCrypto, c.name)
	}
	return c.decrypter(key, iv)
}

type cbcTransform struct {
	mode      cipher.BlockMode
	blockSize int
}

func (t *cbcTransform) BlockSize() int { return t.blockSize }

func (t *cbcTransform) Process(src []byte) ([]byte, error) {
	if len(src)%t.blockSize != 0 {
		return nil, fmt.Errorf("%w: input not a multiple of block size", verr.ErrCrypto)
	}
	dst := make([]byte, len(src))
	t.mode.CryptBlocks(dst, src)
	return dst, nil
}

type ofbTransform struct {
	stream    cipher.Stream
	blockSize int
}

func (t *ofbTransform) BlockSize() int { return t.blockSize }

func (t *ofbTransform) Process(src []byte) ([]byte, error) {
	dst := make([]byte, len(src))
	t.stream.XORKeyStream(dst, src)
	return dst, nil
}

func aesCBC(keyLen int) (func(key, iv []byte) (Transform, error), func(key, iv []byte) (Transform, error)) {
	enc := func(key, iv []byte) (Transform, error) {
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return &cbcTransform{mode: cipher.NewCBCEncrypter(block, iv), blockSize: block.BlockSize()}, nil
	}
	dec := func(key, iv []byte) (Transform, error) {
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return &cbcTransform{mode: cipher.NewCBCDecrypter(block, iv), blockSize: block.BlockSize()}, nil
	}
	return enc, dec
}

func aesOFB(keyLen int) (func(key, iv []byte) (Transform, error), func(key, iv []byte) (Transform, error)) {
	mk := func(key, iv []byte) (Transform, error) {
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return &ofbTransform{stream: cipher.NewOFB(block, iv), blockSize: block.BlockSize()}, nil
	}
	return mk, mk
}

// salsa20Transform applies the salsa20 stream over data starting at a
// running 64-byte-block counter, so repeated Process calls on
// sequential chunks produce the same keystream as one call over the
// concatenation (required for the framed-message decoder, which feeds
// ciphertext as it arrives).
type salsa20Transform struct {
	key     [32]byte
	nonce   [8]byte
	counter uint64
	carry   []byte // leftover keystream bytes from a non-64-aligned chunk
}

func (t *salsa20Transform) BlockSize() int { return 1 }

func (t *salsa20Transform) Process(src []byte) ([]byte, error) {
	dst := make([]byte, len(src))
	i := 0
	for i < len(src) {
		if len(t.carry) > 0 {
			n := len(t.carry)
			if n > len(src)-i {
				n = len(src) - i
			}
			for j := 0; j < n; j++ {
				dst[i+j] = src[i+j] ^ t.carry[j]
			}
			t.carry = t.carry[n:]
			i += n
			continue
		}
		var block [64]byte
		nonce := t.nonceAndCounter()
		salsa.XORKeyStream(block[:], block[:], nonce, &t.key)
		t.counter++
		n := 64
		if n > len(src)-i {
			n = len(src) - i
		}
		for j := 0; j < n; j++ {
			dst[i+j] = src[i+j] ^ block[j]
		}
		if n < 64 {
			t.carry = append([]byte(nil), block[n:]...)
		}
		i += n
	}
	return dst, nil
}

// nonceAndCounter builds the 16-byte salsa20 nonce from the
// transform's fixed 8-byte nonce and its running 64-byte-block
// counter, little-endian, matching the x/crypto/salsa20/salsa
// convention.
func (t *salsa20Transform) nonceAndCounter() *[16]byte {
	var n [16]byte
	copy(n[:8], t.nonce[:])
	for i := 0; i < 8; i++ {
		n[8+i] = byte(t.counter >> (8 * i))
	}
	return &n
}

func newSalsa20(key, iv []byte) (Transform, error) {
	t := &salsa20Transform{}
	copy(t.key[:], key)
	copy(t.nonce[:], iv)
	return t, nil
}

func cbcCipher(name string, keySize int) BlockCipher {
	enc, dec := aesCBC(keySize)
	return BlockCipher{name: name, keySize: keySize, ivSize: 16, blockSize: 16, encrypter: enc, decrypter: dec}
}

func ofbCipher(name string, keySize int) BlockCipher {
	enc, dec := aesOFB(keySize)
	return BlockCipher{name: name, keySize: keySize, ivSize: 16, blockSize: 16, encrypter: enc, decrypter: dec}
}

var blockCipherRegistry = map[string]BlockCipher{
	CipherAES128CBC: cbcCipher(CipherAES128CBC, 16),
	CipherAES256CBC: cbcCipher(CipherAES256CBC, 32),
	CipherAES128OFB: ofbCipher(CipherAES128OFB, 16),
	CipherAES256OFB: ofbCipher(CipherAES256OFB, 32),
	CipherSalsa20: {name: CipherSalsa20, keySize: 32, ivSize: 8, blockSize: 1,
		encrypter: newSalsa20, decrypter: newSalsa20},
}

// Cipher looks up a registered block cipher by name.
func Cipher(name string) (BlockCipher, error) {
	c, ok := blockCipherRegistry[name]
	if !ok {
		return BlockCipher{}, fmt.Errorf("%w: unknown cipher %q", verr.ErrCrypto, name)
	}
	return c, nil
}

// CipherNames lists all registered cipher names.
func CipherNames() []string {
	return []string{CipherAES256CBC, CipherAES128CBC, CipherAES256OFB, CipherAES128OFB, CipherSalsa20}
}
