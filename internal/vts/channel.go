package vts

import (
	"fmt"
	"sync"
	"time"

	"github.com/halvorsen/vtsd/internal/bytebuf"
	"github.com/halvorsen/vtsd/internal/flow"
	"github.com/halvorsen/vtsd/internal/ident"
	"github.com/halvorsen/vtsd/internal/metrics"
	"github.com/halvorsen/vtsd/internal/vcrypto"
	"github.com/halvorsen/vtsd/internal/verr"
	"github.com/halvorsen/vtsd/internal/vlog"
	"github.com/halvorsen/vtsd/internal/x509obj"
)

// Role distinguishes which half of the handshake a Channel drives
// (spec.md §4.8 "State machine (client)" / "State machine (server)").
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// Offer lists the algorithms one side is willing to negotiate, in
// preference order, plus its own size limits (spec.md §4.8
// "ClientHello = (hmac_hashes, ciphers_with_modes, hashes, ...)").
type Offer struct {
	HMACHashes     []string
	Ciphers        []string
	Hashes         []string
	MaxKeyLen      int
	HandshakeLimit int
}

// DefaultHandshakeLimit is hshake_lim's default (spec.md §4.8).
const DefaultHandshakeLimit = 16384

// Authorizer is consulted before a channel leaves the handshake and
// enters RUN (spec.md §4.8 "Authorization"). A nil Authorizer accepts
// unconditionally subject only to the Policy checks below.
type Authorizer interface {
	AcceptCredentials(key *vcrypto.RSAKey, identity *x509obj.Name, certificates []*x509obj.Certificate) bool
}

// Policy encodes the require_key/require_cert/require_root knobs of
// spec.md §4.8 "Authorization".
type Policy struct {
	RequireKey  bool
	RequireCert bool
	RequireRoot bool
	TrustRoots  []*x509obj.Certificate
}

// Config parameterizes one Channel instance.
type Config struct {
	Role           Role
	Offer          Offer
	OwnKey         *vcrypto.RSAKey // required for RoleServer; optional mutual-auth key for RoleClient
	OwnCredentials *credentials    // identity or certificate chain presented to the peer, if any
	Authorizer     Authorizer
	Policy         Policy
	Log            vlog.Logger
}

type state int

const (
	stateInit state = iota
	stateSentHello
	stateGotServerHello // client only
	stateSentKeyX       // client only
	stateGotHello       // server only
	stateSentServerHello
	stateRun
	stateAborted
)

// endpointKind names one of the four flow endpoints a Channel exposes
// (spec.md §4.8 "Four endpoints per bridge").
type endpointKind int

const (
	kindPlainConsume endpointKind = iota
	kindPlainProduce
	kindCipherConsume
	kindCipherProduce
)

// Channel implements the C8 secure transport bridge: four
// producer/consumer endpoints sharing one mutex-protected handshake
// and framed-cipher state machine. Splitting the four roles into thin
// adapter types around this shared struct avoids the method-set clash
// of one type needing a plaintext-side Consume and a ciphertext-side
// Consume with different bodies.
type Channel struct {
	mu    sync.Mutex
	id    ident.ID // correlation id, logged around handshake/abort events
	cfg   Config
	log   vlog.Logger
	state state

	hello     helloScanner
	helloSent bool
	hsBuf     *bytebuf.Buffer // raw handshake bytes accumulated post-hello

	ownRandC, ownRandS   []byte
	peerRandC, peerRandS []byte
	srandC, srandS       []byte
	hasClientKey         bool

	hmacName, cipherName, hashName string
	peerServerPK                   *vcrypto.RSAKey // client: server's pk; server: nil (uses OwnKey)
	peerClientPK                   *vcrypto.RSAKey // server: client's own pk, if sent
	peerCredentials                *credentials

	enc *vcrypto.MessageEncrypter
	dec *vcrypto.MessageDecrypter

	// wireCapacity/appCapacity are the last clim values the wire
	// consumer and application consumer granted us via CanProduce;
	// they gate the clim we in turn grant our own consumers (spec.md
	// §4.8 "Back-pressure coupling").
	wireCapacity int64
	appCapacity  int64

	plainConsumeEp  *endpointConsumer
	plainProduceEp  *endpointProducer
	cipherConsumeEp *endpointConsumer
	cipherProduceEp *endpointProducer

	aborted bool
	err     error

	outbox []pendingSend
}

// NewChannel builds an unstarted Channel; call Start to send the
// initial hello (or await the peer's, for a server).
func NewChannel(cfg Config) *Channel {
	log := cfg.Log
	if log == nil {
		log = vlog.Default()
	}
	if cfg.Offer.HandshakeLimit == 0 {
		cfg.Offer.HandshakeLimit = DefaultHandshakeLimit
	}
	ch := &Channel{
		id:           ident.New(),
		cfg:          cfg,
		log:          log,
		hsBuf:        bytebuf.New(),
		wireCapacity: flow.Unbounded,
		appCapacity:  flow.Unbounded,
	}
	ch.plainConsumeEp = &endpointConsumer{ch: ch, kind: kindPlainConsume}
	ch.plainProduceEp = &endpointProducer{ch: ch, kind: kindPlainProduce}
	ch.cipherConsumeEp = &endpointConsumer{ch: ch, kind: kindCipherConsume}
	ch.cipherProduceEp = &endpointProducer{ch: ch, kind: kindCipherProduce}
	return ch
}

// PlainConsume is the endpoint the application attaches its Producer
// to, feeding plaintext for encryption.
func (c *Channel) PlainConsume() flow.Consumer { return c.plainConsumeEp }

// PlainProduce is the endpoint the application attaches its Consumer
// to, receiving decrypted plaintext.
func (c *Channel) PlainProduce() flow.Producer { return c.plainProduceEp }

// CipherConsume is the endpoint the wire transport attaches its
// Producer to, feeding raw incoming bytes.
func (c *Channel) CipherConsume() flow.Consumer { return c.cipherConsumeEp }

// CipherProduce is the endpoint the wire transport attaches its
// Consumer to, receiving raw outgoing bytes.
func (c *Channel) CipherProduce() flow.Producer { return c.cipherProduceEp }

// pendingSend is one outbound delivery queued while c.mu is held and
// flushed once it is released. Calling a peer's Consume synchronously
// from inside a locked section would deadlock a loopback pair (the
// peer may call straight back into this Channel before the first call
// returns); queueing and flushing unlocked breaks that cycle.
type pendingSend struct {
	to   flow.Consumer
	data []byte
}

func (c *Channel) takeOutboxLocked() []pendingSend {
	out := c.outbox
	c.outbox = nil
	return out
}

func (c *Channel) flush(items []pendingSend) {
	for _, item := range items {
		if item.to == nil {
			continue
		}
		if _, err := item.to.Consume(item.data, flow.Unbounded); err != nil {
			c.mu.Lock()
			c.abortLocked(err)
			c.mu.Unlock()
		}
	}
}

// Start sends the protocol hello and, for a client, the ClientHello
// that follows it immediately (spec.md §4.8 "S0 INIT -> send hello").
func (c *Channel) Start() error {
	c.mu.Lock()
	err := c.startLocked()
	out := c.takeOutboxLocked()
	c.mu.Unlock()
	c.flush(out)
	return err
}

func (c *Channel) startLocked() error {
	if c.state != stateInit {
		return nil
	}
	c.sendWireLocked(helloLine)
	c.helloSent = true
	if c.cfg.Role == RoleClient {
		c.state = stateSentHello
		randC, err := freshRand(minRandLen)
		if err != nil {
			return c.abortLocked(err)
		}
		c.ownRandC = randC
		hello := newClientHello(c.cfg.Offer, randC)
		c.sendWireLocked(hello.encode())
	}
	return nil
}

// sendWireLocked queues data for delivery to whatever is attached to
// the ciphertext-producing endpoint.
func (c *Channel) sendWireLocked(data []byte) {
	c.outbox = append(c.outbox, pendingSend{to: c.cipherProduceEp.Peer(), data: data})
}

// deliverPlaintextLocked queues decrypted plaintext for delivery to
// whatever is attached to the plaintext-producing endpoint.
func (c *Channel) deliverPlaintextLocked(data []byte) {
	c.outbox = append(c.outbox, pendingSend{to: c.plainProduceEp.Peer(), data: data})
}

// onConsume dispatches a Consume call on whichever endpoint it
// arrived on to the shared handshake/framed-cipher state machine.
func (c *Channel) onConsume(kind endpointKind, buf []byte, clim int64) (int64, error) {
	c.mu.Lock()
	var newClim int64
	var err error
	if c.aborted {
		newClim, err = 0, c.err
	} else {
		switch kind {
		case kindCipherConsume:
			newClim, err = c.onCipherBytesLocked(buf)
		case kindPlainConsume:
			newClim, err = c.onPlaintextLocked(buf)
		default:
			err = fmt.Errorf("%w: consume on a producer-only endpoint", verr.ErrProtocol)
		}
	}
	out := c.takeOutboxLocked()
	c.mu.Unlock()
	c.flush(out)
	return newClim, err
}

func (c *Channel) onEndConsume(kind endpointKind, clean bool) {
	c.mu.Lock()
	if c.aborted {
		c.mu.Unlock()
		return
	}
	var peer flow.Consumer
	switch kind {
	case kindCipherConsume:
		peer = c.plainProduceEp.Peer()
	case kindPlainConsume:
		peer = c.cipherProduceEp.Peer()
	}
	c.mu.Unlock()
	if peer != nil {
		peer.EndConsume(clean)
	}
}

func (c *Channel) onCanProduce(kind endpointKind, limit int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch kind {
	case kindCipherProduce:
		c.wireCapacity = limit
	case kindPlainProduce:
		c.appCapacity = limit
	}
}

// onCipherBytesLocked feeds newly arrived wire bytes through whichever
// phase the channel is in: hello scan, handshake tuple parsing, or (in
// RUN) the framed-message decrypter (spec.md §4.8 "Back-pressure
// coupling": only advance the producer's limit as fast as the
// plaintext side can drain).
func (c *Channel) onCipherBytesLocked(buf []byte) (int64, error) {
	if !c.hello.done {
		outcome, n := c.hello.feed(buf)
		switch outcome {
		case helloMismatch:
			return 0, c.abortLocked(helloMismatchErr())
		case helloNeedMore:
			return flow.Unbounded, nil
		case helloMatched:
			c.hello.done = true
			buf = buf[n:]
			if c.cfg.Role == RoleServer && c.state == stateInit {
				c.state = stateGotHello
			}
		}
	}
	if c.state == stateRun {
		return c.feedCiphertextLocked(buf)
	}
	return c.feedHandshakeLocked(buf)
}

func (c *Channel) feedHandshakeLocked(buf []byte) (int64, error) {
	c.hsBuf.Append(buf)
	if c.hsBuf.Len() > c.cfg.Offer.HandshakeLimit {
		return 0, c.abortLocked(fmt.Errorf("%w: handshake exceeded hshake_lim", verr.ErrProtocol))
	}
	for {
		peek := c.hsBuf.Peek(c.hsBuf.Len())
		r := decodeTuple(peek)
		if !r.complete {
			return flow.Unbounded, nil
		}
		c.hsBuf.Remove(r.consumed)
		if err := c.handleHandshakeMessageLocked(r.fields); err != nil {
			return 0, c.abortLocked(err)
		}
		if c.state == stateRun || c.aborted {
			return flow.Unbounded, nil
		}
	}
}

func (c *Channel) handleHandshakeMessageLocked(fields tuple) error {
	switch {
	case c.cfg.Role == RoleClient && c.state == stateSentHello:
		return c.clientHandleServerHelloLocked(fields)
	case c.cfg.Role == RoleClient && c.state == stateSentKeyX:
		return c.clientHandleServerFinishedLocked(fields)
	case c.cfg.Role == RoleServer && c.state == stateGotHello:
		return c.serverHandleClientHelloLocked(fields)
	case c.cfg.Role == RoleServer && c.state == stateSentServerHello:
		return c.serverHandleClientKeyXLocked(fields)
	}
	return fmt.Errorf("%w: unexpected handshake message in state %d", verr.ErrProtocol, c.state)
}

// feedCiphertextLocked decrypts as many complete frames as buf
// contains and delivers each to the attached plaintext consumer,
// returning the clim the wire producer may now use: unbounded while
// the application consumer has announced readiness, zero (pause) once
// it has signalled it is full (spec.md §4.8 "Back-pressure coupling").
func (c *Channel) feedCiphertextLocked(buf []byte) (int64, error) {
	if err := c.dec.Feed(buf); err != nil {
		return 0, c.abortLocked(err)
	}
	for c.dec.Done() {
		msg := c.dec.Result()
		metrics.VTSFrames.WithLabelValues("in").Inc()
		metrics.FlowBytes.WithLabelValues("in").Add(float64(len(msg)))
		c.deliverPlaintextLocked(msg)
	}
	if c.dec.Failed() {
		return 0, c.abortLocked(fmt.Errorf("%w: ciphertext decode failed", verr.ErrCrypto))
	}
	if c.appCapacity == 0 {
		return 0, nil
	}
	return flow.Unbounded, nil
}

// onPlaintextLocked encrypts application-supplied plaintext and pushes
// it to the wire producer; only legal once RUN is reached. The
// returned clim mirrors the wire side's announced capacity, per the
// same coupling.
func (c *Channel) onPlaintextLocked(buf []byte) (int64, error) {
	if c.state != stateRun {
		return 0, fmt.Errorf("%w: plaintext write before handshake completion", verr.ErrProtocol)
	}
	frame, err := c.enc.Encrypt(buf)
	if err != nil {
		return 0, c.abortLocked(err)
	}
	if c.cipherProduceEp.Peer() == nil {
		return 0, fmt.Errorf("%w: no wire transport attached", verr.ErrResource)
	}
	metrics.VTSFrames.WithLabelValues("out").Inc()
	metrics.FlowBytes.WithLabelValues("out").Add(float64(len(buf)))
	c.sendWireLocked(frame)
	if c.wireCapacity == 0 {
		return 0, nil
	}
	return flow.Unbounded, nil
}

func (c *Channel) abortLocked(err error) error {
	if c.aborted {
		return c.err
	}
	wasHandshaking := c.state != stateRun
	c.aborted = true
	c.err = err
	c.state = stateAborted
	c.log.Errorf("vts: channel %s aborted: %v", c.id, err)
	if wasHandshaking {
		metrics.VTSHandshakes.WithLabelValues("aborted").Inc()
	}
	c.plainConsumeEp.Detach()
	c.plainProduceEp.Detach()
	c.cipherConsumeEp.Detach()
	c.cipherProduceEp.Detach()
	return err
}

func (c *Channel) authorizeLocked(key *vcrypto.RSAKey, creds *credentials) error {
	var identity *x509obj.Name
	var chain []*x509obj.Certificate
	if creds != nil {
		if creds.isCert {
			chain = creds.chain
			if len(chain) > 0 {
				identity = chain[0].TBS.Subject
			}
		} else {
			identity = creds.name
		}
	}
	if c.cfg.Policy.RequireKey && key == nil {
		return fmt.Errorf("%w: peer presented no key", verr.ErrAuth)
	}
	if c.cfg.Policy.RequireCert && (creds == nil || !creds.isCert) {
		return fmt.Errorf("%w: peer presented no certificate chain", verr.ErrAuth)
	}
	if c.cfg.Policy.RequireRoot {
		if len(chain) == 0 {
			return fmt.Errorf("%w: require_root set but no certificate chain presented", verr.ErrAuth)
		}
		if !c.chainRootedLocked(chain) {
			return fmt.Errorf("%w: certificate chain does not root in a trusted CA", verr.ErrAuth)
		}
	}
	if c.cfg.Authorizer != nil {
		if !c.cfg.Authorizer.AcceptCredentials(key, identity, chain) {
			return fmt.Errorf("%w: credentials rejected by authorizer", verr.ErrAuth)
		}
	}
	return nil
}

func (c *Channel) chainRootedLocked(chain []*x509obj.Certificate) bool {
	top := chain[len(chain)-1]
	for _, root := range c.cfg.Policy.TrustRoots {
		if top == root {
			return true
		}
		if err := top.CertifiedBy(root, time.Now(), false); err == nil {
			return true
		}
	}
	return false
}
