package vts

import (
	"fmt"

	"github.com/halvorsen/vtsd/internal/intcodec"
	"github.com/halvorsen/vtsd/internal/metrics"
	"github.com/halvorsen/vtsd/internal/vcrypto"
	"github.com/halvorsen/vtsd/internal/verr"
	"github.com/halvorsen/vtsd/internal/x509obj"
)

// clientHelloFromFields/serverHelloFromFields re-home an already-parsed
// top-level tuple into the typed hello structs of negotiate.go,
// without re-parsing the wire bytes a second time.

func clientHelloFromFields(fields tuple) (*clientHello, error) {
	if len(fields) < 4 {
		return nil, fmt.Errorf("%w: malformed ClientHello", verr.ErrProtocol)
	}
	h := &clientHello{
		hmacHashes: splitNames(fields[0], ','),
		ciphers:    splitNames(fields[1], ','),
		hashes:     splitNames(fields[2], ','),
		randC:      append([]byte(nil), fields[3]...),
	}
	if len(h.randC) < minRandLen {
		return nil, fmt.Errorf("%w: ClientHello rand_c too short", verr.ErrProtocol)
	}
	if f, ok := optionalTupleField(fields, 4); ok {
		h.maxKeylen = int(intcodec.BytesToPosInt(f).Int64())
	}
	if f, ok := optionalTupleField(fields, 5); ok {
		h.hshakeLim = int(intcodec.BytesToPosInt(f).Int64())
	}
	return h, nil
}

func serverHelloFromFields(fields tuple) (*serverHello, error) {
	if len(fields) < 6 {
		return nil, fmt.Errorf("%w: malformed ServerHello", verr.ErrProtocol)
	}
	h := &serverHello{
		hmacName:   string(fields[0]),
		cipherName: string(fields[1]),
		hashName:   string(fields[2]),
		randS:      append([]byte(nil), fields[3]...),
		pkAlg:      string(fields[4]),
		pkKeydata:  append([]byte(nil), fields[5]...),
	}
	if len(h.randS) < minRandLen {
		return nil, fmt.Errorf("%w: ServerHello rand_s too short", verr.ErrProtocol)
	}
	if h.pkAlg != "rsa" {
		return nil, fmt.Errorf("%w: unsupported server public key algorithm %q", verr.ErrProtocol, h.pkAlg)
	}
	if f, ok := optionalTupleField(fields, 6); ok && len(f) > 0 {
		creds, err := decodeCredentials(f)
		if err != nil {
			return nil, err
		}
		h.credentials = creds
	}
	if f, ok := optionalTupleField(fields, 7); ok {
		h.maxKeylen = int(intcodec.BytesToPosInt(f).Int64())
	}
	if f, ok := optionalTupleField(fields, 8); ok {
		h.hshakeLim = int(intcodec.BytesToPosInt(f).Int64())
	}
	return h, nil
}

// clientHandleServerHelloLocked processes S2 GOT_SERVER_HELLO (spec.md
// §4.8): validates negotiated selections, authorizes the server's
// credentials, and sends ClientKeyX.
func (c *Channel) clientHandleServerHelloLocked(fields tuple) error {
	sh, err := serverHelloFromFields(fields)
	if err != nil {
		return err
	}
	if !contains(c.cfg.Offer.HMACHashes, sh.hmacName) {
		return fmt.Errorf("%w: server selected hmac hash outside offer", verr.ErrProtocol)
	}
	if !contains(c.cfg.Offer.Ciphers, sh.cipherName) {
		return fmt.Errorf("%w: server selected cipher outside offer", verr.ErrProtocol)
	}
	if !contains(c.cfg.Offer.Hashes, sh.hashName) {
		return fmt.Errorf("%w: server selected hash outside offer", verr.ErrProtocol)
	}
	serverKey, err := x509obj.ImportPublicKeyDER(sh.pkKeydata)
	if err != nil {
		return fmt.Errorf("%w: server public key: %v", verr.ErrProtocol, err)
	}
	if c.cfg.Offer.MaxKeyLen > 0 && serverKey.N.BitLen() > c.cfg.Offer.MaxKeyLen {
		return fmt.Errorf("%w: server public key exceeds max_keylen", verr.ErrProtocol)
	}
	if err := c.authorizeLocked(nil, sh.credentials); err != nil {
		return err
	}

	c.hmacName, c.cipherName, c.hashName = sh.hmacName, sh.cipherName, sh.hashName
	c.peerServerPK = serverKey
	c.peerRandS = sh.randS
	c.peerCredentials = sh.credentials

	cipher, err := vcrypto.Cipher(c.cipherName)
	if err != nil {
		return err
	}
	hash, err := vcrypto.Hash(c.hashName)
	if err != nil {
		return err
	}

	body := &clientKeyXBody{}
	if c.cfg.OwnKey != nil {
		body.hasKey = true
		pkDER, err := x509obj.ExportPublicKeyDER(c.cfg.OwnKey)
		if err != nil {
			return err
		}
		body.ownPK = pkDER
		body.ownCredentials = c.cfg.OwnCredentials
	}
	ownSrandC, err := freshRand(srandLen)
	if err != nil {
		return err
	}
	kx, srandC, err := buildClientKeyX(hash, cipher, serverKey, ownSrandC, body)
	if err != nil {
		return err
	}
	c.srandC = srandC
	c.hasClientKey = body.hasKey
	c.sendWireLocked(encodeTuple(kx.encHeader, kx.encMsg))

	if c.hasClientKey {
		c.state = stateSentKeyX
		return nil
	}
	return c.clientInstallNoKeyLocked()
}

// clientHandleServerFinishedLocked processes S3 SENT_KEYX's expected
// reply once the client itself supplied a key (spec.md §4.8
// "ServerFinished: asymmetric_enc(srand_s, own_private_key)").
func (c *Channel) clientHandleServerFinishedLocked(fields tuple) error {
	if len(fields) < 1 {
		return fmt.Errorf("%w: malformed ServerFinished", verr.ErrProtocol)
	}
	srandS, err := vcrypto.RSAESDecrypt(c.cfg.OwnKey, fields[0])
	if err != nil {
		return fmt.Errorf("%w: %v", verr.ErrCrypto, err)
	}
	c.srandS = srandS

	sSeed := concatAll(c.peerRandS, c.ownRandC, c.srandS, c.srandC)
	cSeed := concatAll(c.ownRandC, c.peerRandS, c.srandC, c.srandS)
	return c.installKeysLocked(sSeed, cSeed)
}

// clientInstallNoKeyLocked takes the S4' NO_KEY_FAST_PATH (spec.md
// §4.8): no ServerFinished is expected since the client offered no key
// of its own to confirm possession of.
func (c *Channel) clientInstallNoKeyLocked() error {
	sSeed := concatAll(c.peerRandS, c.ownRandC, c.srandC)
	cSeed := concatAll(c.ownRandC, c.peerRandS, c.srandC)
	return c.installKeysLocked(sSeed, cSeed)
}

// serverHandleClientHelloLocked processes S1 GOT_HELLO (spec.md §4.8):
// negotiates one value per offer set and replies with ServerHello.
func (c *Channel) serverHandleClientHelloLocked(fields tuple) error {
	ch, err := clientHelloFromFields(fields)
	if err != nil {
		return err
	}
	hmacName, ok := negotiateFirst(c.cfg.Offer.HMACHashes, ch.hmacHashes)
	if !ok {
		return fmt.Errorf("%w: no hmac hash overlap", verr.ErrProtocol)
	}
	cipherName, ok := negotiateFirst(c.cfg.Offer.Ciphers, ch.ciphers)
	if !ok {
		return fmt.Errorf("%w: no cipher overlap", verr.ErrProtocol)
	}
	hashName, ok := negotiateFirst(c.cfg.Offer.Hashes, ch.hashes)
	if !ok {
		return fmt.Errorf("%w: no hash overlap", verr.ErrProtocol)
	}
	c.hmacName, c.cipherName, c.hashName = hmacName, cipherName, hashName
	c.peerRandC = ch.randC

	randS, err := freshRand(minRandLen)
	if err != nil {
		return err
	}
	c.ownRandS = randS

	maxKeylen := c.cfg.Offer.MaxKeyLen
	if ch.maxKeylen > 0 && (maxKeylen == 0 || ch.maxKeylen < maxKeylen) {
		maxKeylen = ch.maxKeylen
	}

	sh, err := newServerHello(hmacName, cipherName, hashName, randS, c.cfg.OwnKey, c.cfg.OwnCredentials, maxKeylen, c.cfg.Offer.HandshakeLimit)
	if err != nil {
		return err
	}
	encoded, err := sh.encode()
	if err != nil {
		return err
	}
	c.sendWireLocked(encoded)
	c.state = stateSentServerHello
	return nil
}

// serverHandleClientKeyXLocked processes S2 SENT_SERVER_HELLO's
// expected reply (spec.md §4.8 "receive (enc_header, enc_msg) ...").
func (c *Channel) serverHandleClientKeyXLocked(fields tuple) error {
	if len(fields) < 2 {
		return fmt.Errorf("%w: malformed ClientKeyX", verr.ErrProtocol)
	}
	kx := &clientKeyX{encHeader: fields[0], encMsg: fields[1]}

	cipher, err := vcrypto.Cipher(c.cipherName)
	if err != nil {
		return err
	}
	hash, err := vcrypto.Hash(c.hashName)
	if err != nil {
		return err
	}
	body, srandC, err := openClientKeyX(hash, cipher, c.cfg.OwnKey, kx)
	if err != nil {
		return err
	}
	c.srandC = srandC

	var clientKey *vcrypto.RSAKey
	if body.hasKey {
		if len(body.ownPK) == 0 {
			return fmt.Errorf("%w: client signalled a key but sent none", verr.ErrProtocol)
		}
		clientKey, err = x509obj.ImportPublicKeyDER(body.ownPK)
		if err != nil {
			return fmt.Errorf("%w: client public key: %v", verr.ErrProtocol, err)
		}
		if c.cfg.Offer.MaxKeyLen > 0 && clientKey.N.BitLen() > c.cfg.Offer.MaxKeyLen {
			return fmt.Errorf("%w: client public key exceeds max_keylen", verr.ErrProtocol)
		}
	} else if body.ownCredentials != nil {
		return fmt.Errorf("%w: client presented credentials without a key", verr.ErrProtocol)
	}
	if err := c.authorizeLocked(clientKey, body.ownCredentials); err != nil {
		return err
	}
	c.peerClientPK = clientKey
	c.peerCredentials = body.ownCredentials
	c.hasClientKey = body.hasKey

	if body.hasKey {
		srandS, err := freshRand(srandLen)
		if err != nil {
			return err
		}
		c.srandS = srandS
		payload, err := vcrypto.RSAESEncrypt(clientKey, srandS)
		if err != nil {
			return fmt.Errorf("%w: %v", verr.ErrCrypto, err)
		}
		c.sendWireLocked(encodeTuple(payload))

		sSeed := concatAll(c.ownRandS, c.peerRandC, c.srandS, c.srandC)
		cSeed := concatAll(c.peerRandC, c.ownRandS, c.srandC, c.srandS)
		return c.installKeysLocked(sSeed, cSeed)
	}

	sSeed := concatAll(c.ownRandS, c.peerRandC, c.srandC)
	cSeed := concatAll(c.peerRandC, c.ownRandS, c.srandC)
	return c.installKeysLocked(sSeed, cSeed)
}

// installKeysLocked expands the two keyseeds into per-direction
// (key, iv, mac) material and wires up the framed-message
// encrypter/decrypter for RUN (spec.md §4.8 "Key expansion").
func (c *Channel) installKeysLocked(sSeed, cSeed []byte) error {
	hmacHash, err := vcrypto.Hash(c.hmacName)
	if err != nil {
		return err
	}
	hash, err := vcrypto.Hash(c.hashName)
	if err != nil {
		return err
	}
	cipher, err := vcrypto.Cipher(c.cipherName)
	if err != nil {
		return err
	}
	km := expandKeys(hash, cipher, hmacHash, sSeed, cSeed)

	var sendKey, sendIV, sendMAC, recvKey, recvIV, recvMAC []byte
	if c.cfg.Role == RoleClient {
		sendKey, sendIV, sendMAC = km.clientKey, km.clientIV, km.clientMAC
		recvKey, recvIV, recvMAC = km.serverKey, km.serverIV, km.serverMAC
	} else {
		sendKey, sendIV, sendMAC = km.serverKey, km.serverIV, km.serverMAC
		recvKey, recvIV, recvMAC = km.clientKey, km.clientIV, km.clientMAC
	}

	encT, err := cipher.Encrypter(sendKey, sendIV)
	if err != nil {
		return err
	}
	decT, err := cipher.Decrypter(recvKey, recvIV)
	if err != nil {
		return err
	}
	c.enc = vcrypto.NewMessageEncrypter(encT, hmacHash, sendMAC)
	c.dec = vcrypto.NewMessageDecrypter(decT, hmacHash, recvMAC)
	c.state = stateRun
	metrics.VTSHandshakes.WithLabelValues("ok").Inc()
	c.log.Infof("vts: channel %s entered RUN (cipher=%s hash=%s hmac=%s client-key=%v)",
		c.id, c.cipherName, c.hashName, c.hmacName, c.hasClientKey)
	return nil
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func concatAll(parts ...[]byte) []byte {
	var total int
	for _, p := range parts {
		total += len(p)
	}
	out := make([]byte, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
