package vcrypto

// PRF is the HMAC-based pseudo-random function spec.md §4.5 uses for
// VTS key expansion: a single-hash P_hash construction in the style of
// RFC 5246 §5 (that RFC XORs two such functions across MD5 and SHA-1;
// VTS instead negotiates one hash and uses P_hash directly).
//
//	A(0) = seed
//	A(i) = HMAC(secret, A(i-1))
//	P_hash(secret, seed) = HMAC(secret, A(1)+seed) || HMAC(secret, A(2)+seed) || ...
func PRF(alg HashAlgo, secret, seed []byte, length int) []byte {
	out := make([]byte, 0, length+alg.Size())
	a := seed
	for len(out) < length {
		a = alg.HMAC(secret, a)
		chunk := alg.HMAC(secret, append(append([]byte(nil), a...), seed...))
		out = append(out, chunk...)
	}
	return out[:length]
}
