package vts

import (
	"fmt"

	"github.com/halvorsen/vtsd/internal/vcrypto"
	"github.com/halvorsen/vtsd/internal/verr"
)

// blockRandLen is the size of the random block used alongside srand_c
// to derive the ClientKeyX body's keyseed.
const blockRandLen = 32
const srandLen = 32

// clientKeyX is the client's key-exchange message (spec.md §4.8
// "compose ClientKeyX"): an RSA-enciphered header (srand_c, block_rand,
// msg_hash) plus a symmetrically-enciphered body carrying the client's
// optional own key/credentials.
type clientKeyX struct {
	encHeader []byte
	encMsg    []byte
}

// clientKeyXBody is the plaintext wrapped by encMsg: the client's own
// public key (for mutual auth) and/or credentials, if any, plus
// padding to round out the frame. A channel acting purely as a client
// without its own key sends an empty body (the "NO_KEY_FAST_PATH").
type clientKeyXBody struct {
	ownPK          []byte // DER SubjectPublicKeyInfo of the client's RSA public key, or nil
	ownCredentials *credentials
	hasKey         bool
}

func encodeClientKeyXBody(b *clientKeyXBody) ([]byte, error) {
	credBytes, err := encodeCredentials(b.ownCredentials)
	if err != nil {
		return nil, err
	}
	flag := byte(0)
	if b.hasKey {
		flag = 1
	}
	return encodeTuple([]byte{flag}, b.ownPK, credBytes), nil
}

func decodeClientKeyXBody(data []byte) (*clientKeyXBody, error) {
	if len(data) == 0 {
		return &clientKeyXBody{}, nil
	}
	r := decodeTuple(data)
	if !r.complete || len(r.fields) < 1 {
		return nil, fmt.Errorf("%w: malformed ClientKeyX body", verr.ErrProtocol)
	}
	b := &clientKeyXBody{}
	if len(r.fields[0]) == 1 && r.fields[0][0] != 0 {
		b.hasKey = true
	}
	if f, ok := optionalTupleField(r.fields, 1); ok && len(f) > 0 {
		b.ownPK = append([]byte(nil), f...)
	}
	if f, ok := optionalTupleField(r.fields, 2); ok && len(f) > 0 {
		creds, err := decodeCredentials(f)
		if err != nil {
			return nil, err
		}
		b.ownCredentials = creds
	}
	return b, nil
}

// clientKeyXHeader is RSA-enciphered under the server's public key
// (spec.md §4.8 "header = (srand_c, block_rand, msg_hash)").
type clientKeyXHeader struct {
	srandC   []byte
	blockRand []byte
	msgHash  []byte
}

func encodeClientKeyXHeader(h *clientKeyXHeader) []byte {
	return encodeTuple(h.srandC, h.blockRand, h.msgHash)
}

func decodeClientKeyXHeader(data []byte) (*clientKeyXHeader, error) {
	r := decodeTuple(data)
	if !r.complete || len(r.fields) < 3 {
		return nil, fmt.Errorf("%w: malformed ClientKeyX header", verr.ErrProtocol)
	}
	return &clientKeyXHeader{
		srandC:    append([]byte(nil), r.fields[0]...),
		blockRand: append([]byte(nil), r.fields[1]...),
		msgHash:   append([]byte(nil), r.fields[2]...),
	}, nil
}

// clientSendkeyLabel is the fixed label prefixed to the ClientKeyX
// body's keyseed (spec.md §4.8 "keyseed = \"vts client sendkey\" ‖
// block_rand ‖ srand_c").
const clientSendkeyLabel = "vts client sendkey"

func clientKeyXBodySeed(blockRand, srandC []byte) []byte {
	seed := make([]byte, 0, len(clientSendkeyLabel)+len(blockRand)+len(srandC))
	seed = append(seed, clientSendkeyLabel...)
	seed = append(seed, blockRand...)
	seed = append(seed, srandC...)
	return seed
}

// buildClientKeyX assembles and enciphers a ClientKeyX message.
func buildClientKeyX(hash vcrypto.HashAlgo, cipher vcrypto.BlockCipher, serverKey *vcrypto.RSAKey, srandC []byte, body *clientKeyXBody) (*clientKeyX, []byte, error) {
	msg, err := encodeClientKeyXBody(body)
	if err != nil {
		return nil, nil, err
	}
	blockRand, err := freshRand(blockRandLen)
	if err != nil {
		return nil, nil, err
	}
	seed := clientKeyXBodySeed(blockRand, srandC)
	encMsg, err := symmetricSeal(cipher, hash, seed, msg)
	if err != nil {
		return nil, nil, err
	}
	msgHash := hash.Digest(msg)
	header := encodeClientKeyXHeader(&clientKeyXHeader{srandC: srandC, blockRand: blockRand, msgHash: msgHash})
	encHeader, err := vcrypto.RSAESEncrypt(serverKey, header)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", verr.ErrCrypto, err)
	}
	return &clientKeyX{encHeader: encHeader, encMsg: encMsg}, srandC, nil
}

// openClientKeyX reverses buildClientKeyX on the server side.
func openClientKeyX(hash vcrypto.HashAlgo, cipher vcrypto.BlockCipher, serverKey *vcrypto.RSAKey, kx *clientKeyX) (*clientKeyXBody, []byte, error) {
	headerBytes, err := vcrypto.RSAESDecrypt(serverKey, kx.encHeader)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", verr.ErrCrypto, err)
	}
	header, err := decodeClientKeyXHeader(headerBytes)
	if err != nil {
		return nil, nil, err
	}
	seed := clientKeyXBodySeed(header.blockRand, header.srandC)
	msg, err := symmetricOpen(cipher, hash, seed, kx.encMsg)
	if err != nil {
		return nil, nil, err
	}
	gotHash := hash.Digest(msg)
	if !hmacEqualVts(gotHash, header.msgHash) {
		return nil, nil, fmt.Errorf("%w: ClientKeyX message hash mismatch", verr.ErrCrypto)
	}
	body, err := decodeClientKeyXBody(msg)
	if err != nil {
		return nil, nil, err
	}
	return body, header.srandC, nil
}

// symmetricSeal derives a one-shot (key, iv) pair from seed via the
// channel's negotiated PRF/cipher and encrypts msg, padding to the
// cipher's block size. Used only for the ClientKeyX body, which is a
// single self-contained frame rather than the streaming §4.5 framed
// transform.
func symmetricSeal(cipher vcrypto.BlockCipher, hash vcrypto.HashAlgo, seed, msg []byte) ([]byte, error) {
	material := vcrypto.PRF(hash, []byte{}, seed, cipher.KeySize()+cipher.IVSize())
	key, iv := material[:cipher.KeySize()], material[cipher.KeySize():]
	padded := padToBlock(msg, cipher.BlockSize())
	enc, err := cipher.Encrypter(key, iv)
	if err != nil {
		return nil, err
	}
	return enc.Process(padded)
}

func symmetricOpen(cipher vcrypto.BlockCipher, hash vcrypto.HashAlgo, seed, ciphertext []byte) ([]byte, error) {
	material := vcrypto.PRF(hash, []byte{}, seed, cipher.KeySize()+cipher.IVSize())
	key, iv := material[:cipher.KeySize()], material[cipher.KeySize():]
	dec, err := cipher.Decrypter(key, iv)
	if err != nil {
		return nil, err
	}
	padded, err := dec.Process(ciphertext)
	if err != nil {
		return nil, err
	}
	return unpadBlock(padded)
}

func padToBlock(msg []byte, bs int) []byte {
	if bs <= 1 {
		return append([]byte{0}, msg...)
	}
	total := 1 + len(msg)
	padLen := 0
	if rem := total % bs; rem != 0 {
		padLen = bs - rem
	}
	out := make([]byte, 0, total+padLen)
	out = append(out, byte(padLen))
	out = append(out, msg...)
	out = append(out, make([]byte, padLen)...)
	return out
}

func unpadBlock(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty padded frame", verr.ErrCrypto)
	}
	padLen := int(data[0])
	if 1+padLen > len(data) {
		return nil, fmt.Errorf("%w: invalid padding length", verr.ErrCrypto)
	}
	return data[1 : len(data)-padLen], nil
}

func hmacEqualVts(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}

// keyMaterial is the per-direction (key, iv, mac) triple derived from
// the client/server keyseeds (spec.md §4.8 "Key expansion").
type keyMaterial struct {
	clientKey, serverKey []byte
	clientIV, serverIV   []byte
	clientMAC, serverMAC []byte
}

const keyExpansionLabel = "vts key expansion"

// expandKeys runs the HMAC-PRF described in spec.md §4.8 over the
// label and the two keyseeds, splitting the output into the six
// fields in the specified order: client key, server key, client iv,
// server iv, client mac, server mac.
func expandKeys(hash vcrypto.HashAlgo, cipher vcrypto.BlockCipher, macHash vcrypto.HashAlgo, sSeed, cSeed []byte) keyMaterial {
	label := []byte(keyExpansionLabel)
	seed := make([]byte, 0, len(label)+len(sSeed)+len(cSeed))
	seed = append(seed, label...)
	seed = append(seed, sSeed...)
	seed = append(seed, cSeed...)

	ks, ivs, ms := cipher.KeySize(), cipher.IVSize(), macHash.Size()
	total := 2*ks + 2*ivs + 2*ms
	material := vcrypto.PRF(hash, []byte{}, seed, total)

	i := 0
	next := func(n int) []byte {
		b := material[i : i+n]
		i += n
		return b
	}
	return keyMaterial{
		clientKey: next(ks), serverKey: next(ks),
		clientIV: next(ivs), serverIV: next(ivs),
		clientMAC: next(ms), serverMAC: next(ms),
	}
}
