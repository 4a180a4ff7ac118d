package vcrypto

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashRegistryRoundTrip(t *testing.T) {
	for _, name := range HashNames() {
		alg, err := Hash(name)
		require.NoError(t, err)
		d := alg.Digest([]byte("hello"))
		assert.Equal(t, alg.Size(), len(d))
	}
	_, err := Hash("md5")
	assert.Error(t, err)
}

func TestHMACPRFDeterministic(t *testing.T) {
	alg, _ := Hash(HashSHA256)
	out1 := PRF(alg, []byte("secret"), []byte("seed"), 48)
	out2 := PRF(alg, []byte("secret"), []byte("seed"), 48)
	assert.Equal(t, out1, out2)
	assert.Len(t, out1, 48)

	shorter := PRF(alg, []byte("secret"), []byte("seed"), 16)
	assert.Equal(t, out1[:16], shorter)
}

func TestAESCBCRoundTrip(t *testing.T) {
	c, err := Cipher(CipherAES256CBC)
	require.NoError(t, err)
	key := bytes.Repeat([]byte{0x11}, 32)
	iv := bytes.Repeat([]byte{0x22}, 16)

	enc, err := c.Encrypter(key, iv)
	require.NoError(t, err)
	dec, err := c.Decrypter(key, iv)
	require.NoError(t, err)

	plain := bytes.Repeat([]byte("A"), 32)
	ct, err := enc.Process(plain)
	require.NoError(t, err)
	pt, err := dec.Process(ct)
	require.NoError(t, err)
	assert.Equal(t, plain, pt)
}

func TestSalsa20StreamChaining(t *testing.T) {
	c, _ := Cipher(CipherSalsa20)
	key := bytes.Repeat([]byte{0x05}, 32)
	iv := bytes.Repeat([]byte{0x09}, 8)

	whole, err := func() (Transform, error) { return c.Encrypter(key, iv) }()
	require.NoError(t, err)
	plain := bytes.Repeat([]byte{0xAB}, 200)
	oneShot, err := whole.Process(plain)
	require.NoError(t, err)

	chunked, err := c.Encrypter(key, iv)
	require.NoError(t, err)
	var got []byte
	for _, n := range []int{10, 54, 1, 135} {
		out, err := chunked.Process(plain[len(got) : len(got)+n])
		require.NoError(t, err)
		got = append(got, out...)
	}
	assert.Equal(t, oneShot, got)
}

func TestRSAEncryptDecryptInt(t *testing.T) {
	// Small toy key: p=61, q=53 (RFC 3447-style illustration, not secure).
	p := big.NewInt(61)
	q := big.NewInt(53)
	n := new(big.Int).Mul(p, q)
	key := &RSAKey{N: n, E: big.NewInt(17), D: big.NewInt(2753), P: p, Q: q}
	require.NoError(t, key.Validate())

	m := big.NewInt(65)
	c, err := key.EncryptInt(m)
	require.NoError(t, err)
	back, err := key.DecryptInt(c)
	require.NoError(t, err)
	assert.Equal(t, m.Int64(), back.Int64())
}

func TestRSAESEncryptRejectsKeyTooSmall(t *testing.T) {
	p := big.NewInt(61)
	q := big.NewInt(53)
	n := new(big.Int).Mul(p, q)
	key := &RSAKey{N: n, E: big.NewInt(17), D: big.NewInt(2753), P: p, Q: q}
	// key.Size() is tiny here (2 bytes) so RSAES padding can't fit;
	// validate the padding-overflow error path instead of a real round trip.
	_, err := RSAESEncrypt(key, []byte("x"))
	assert.Error(t, err)
}

func TestGenerateKeyProducesValidKeyUsableForRSAES(t *testing.T) {
	key, err := GenerateKey(512)
	require.NoError(t, err)
	require.NoError(t, key.Validate())
	assert.True(t, key.HasPrivate())
	assert.True(t, key.HasCRT())

	ciphertext, err := RSAESEncrypt(key, []byte("hello"))
	require.NoError(t, err)
	plaintext, err := RSAESDecrypt(key, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), plaintext)
}

func TestFramedMessageRoundTrip(t *testing.T) {
	c, _ := Cipher(CipherAES128CBC)
	key := bytes.Repeat([]byte{0x01}, 16)
	iv := bytes.Repeat([]byte{0x02}, 16)
	macAlg, _ := Hash(HashSHA256)
	macKey := []byte("mac-secret")

	encT, _ := c.Encrypter(key, iv)
	decT, _ := c.Decrypter(key, iv)

	enc := NewMessageEncrypter(encT, macAlg, macKey)
	enc.SetPadProvider(func(n int) ([]byte, error) { return make([]byte, n), nil })
	dec := NewMessageDecrypter(decT, macAlg, macKey)

	messages := [][]byte{
		[]byte("hello"),
		bytes.Repeat([]byte{0x7A}, 3),
		bytes.Repeat([]byte{0x00}, 500),
	}
	for _, msg := range messages {
		frame, err := enc.Encrypt(msg)
		require.NoError(t, err)

		require.NoError(t, dec.Feed(frame))
		require.True(t, dec.Done())
		assert.Equal(t, msg, dec.Result())
	}
}

func TestFramedMessageFragmentedDelivery(t *testing.T) {
	c, _ := Cipher(CipherAES128CBC)
	key := bytes.Repeat([]byte{0x03}, 16)
	iv := bytes.Repeat([]byte{0x04}, 16)
	macAlg, _ := Hash(HashSHA1)
	macKey := []byte("k")

	encT, _ := c.Encrypter(key, iv)
	decT, _ := c.Decrypter(key, iv)
	enc := NewMessageEncrypter(encT, macAlg, macKey)
	dec := NewMessageDecrypter(decT, macAlg, macKey)

	frame, err := enc.Encrypt([]byte("fragmented payload"))
	require.NoError(t, err)

	for i := 0; i < len(frame); i++ {
		require.NoError(t, dec.Feed(frame[i:i+1]))
		if i < len(frame)-1 {
			assert.False(t, dec.Done())
		}
	}
	require.True(t, dec.Done())
	assert.Equal(t, []byte("fragmented payload"), dec.Result())
}

func TestFramedMessageRejectsBadMAC(t *testing.T) {
	c, _ := Cipher(CipherAES128CBC)
	key := bytes.Repeat([]byte{0x05}, 16)
	iv := bytes.Repeat([]byte{0x06}, 16)
	macAlg, _ := Hash(HashSHA256)

	encT, _ := c.Encrypter(key, iv)
	decT, _ := c.Decrypter(key, iv)
	enc := NewMessageEncrypter(encT, macAlg, []byte("key-a"))
	dec := NewMessageDecrypter(decT, macAlg, []byte("key-b"))

	frame, err := enc.Encrypt([]byte("tampered-secret"))
	require.NoError(t, err)
	err = dec.Feed(frame)
	assert.Error(t, err)
	assert.True(t, dec.Failed())
}

func TestFramedMessageRejectsEmptyOrOversize(t *testing.T) {
	c, _ := Cipher(CipherAES128CBC)
	key := bytes.Repeat([]byte{0x07}, 16)
	iv := bytes.Repeat([]byte{0x08}, 16)
	macAlg, _ := Hash(HashSHA256)
	encT, _ := c.Encrypter(key, iv)
	enc := NewMessageEncrypter(encT, macAlg, []byte("k"))

	_, err := enc.Encrypt(nil)
	assert.Error(t, err)

	_, err = enc.Encrypt(make([]byte, MaxPlaintextLen+1))
	assert.Error(t, err)
}
