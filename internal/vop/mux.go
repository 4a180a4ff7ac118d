// Package vop implements C10, the early-byte multiplexer that sits in
// front of an inbound connection and dispatches it to one of {VTS,
// TLS, insecure plaintext} by inspecting the first bytes it sees
// (spec.md §4.9). Grounded on the teacher's notary.go httpHandler,
// which dispatches a request to one of a small fixed set of handlers
// by matching a leading token (`command`) against
// `session_manager.CommandList`; here the leading token is a handful
// of wire bytes instead of a URL path segment, and a YES match
// constructs and starts a delegate transport rather than calling a
// method directly.
package vop

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/halvorsen/vtsd/internal/bytebuf"
	"github.com/halvorsen/vtsd/internal/flow"
	"github.com/halvorsen/vtsd/internal/tlsbridge"
	"github.com/halvorsen/vtsd/internal/verr"
	"github.com/halvorsen/vtsd/internal/vlog"
	"github.com/halvorsen/vtsd/internal/vts"
)

// Kind names which delegate transport a connection was classified as.
type Kind int

const (
	KindVTS Kind = iota
	KindTLS
	KindPlain
)

func (k Kind) String() string {
	switch k {
	case KindVTS:
		return "vts"
	case KindTLS:
		return "tls"
	case KindPlain:
		return "plain"
	default:
		return "unknown"
	}
}

// maxPeek bounds how many leading bytes the multiplexer will buffer
// before giving up on classifying the connection; the VTS hello prefix
// is the longest signature it needs to confirm and is ten bytes.
const maxPeek = 10

var vtsHelloPrefix = []byte("VTS_DRAFT-")

// tlsHandshakeRecordType is the first byte of every TLS record
// carrying a handshake message (RFC 8446 §5.1).
const tlsHandshakeRecordType = 0x16

// Backend is the four-endpoint contract common to internal/vts.Channel,
// internal/tlsbridge.Bridge, and this package's plaintext passthrough.
type Backend interface {
	Start() error
	PlainConsume() flow.Consumer
	PlainProduce() flow.Producer
	CipherConsume() flow.Consumer
	CipherProduce() flow.Producer
}

// Policy enables or disables each candidate transport (spec.md §4.9
// "Selection policy is bitmask of enabled transports from
// configuration; insecure plaintext is off by default").
type Policy struct {
	EnableVTS   bool
	EnableTLS   bool
	EnablePlain bool
}

// Config parameterizes one Mux. VTSTemplate/TLSTemplate are copied and
// have Role forced to server for every connection Mux classifies as
// that transport (the multiplexer only runs on inbound connections).
type Config struct {
	Policy      Policy
	VTSTemplate vts.Config
	TLSTemplate tlsbridge.Config
	Log         vlog.Logger
}

// Endpoints is delivered once classification completes, exposing the
// selected backend's application-facing plaintext pair.
type Endpoints struct {
	Kind         Kind
	PlainConsume flow.Consumer
	PlainProduce flow.Producer
}

// Mux is the wire-side endpoint pair one inbound connection is wired
// to; once enough leading bytes have arrived to classify the
// connection, it constructs and starts the matching Backend and
// forwards all further cipher-side traffic to it.
type Mux struct {
	cfg Config
	log vlog.Logger

	wireConsumeEp *wireConsumer
	wireProduceEp *wireProducer

	mu              sync.Mutex
	buf             *bytebuf.Buffer
	decided         bool
	backend         Backend
	selected        chan Endpoints
	pendingCanLimit int64
	haveCanLimit    bool
	aborted         bool
	err             error
}

// NewMux builds an unstarted Mux for one inbound connection.
func NewMux(cfg Config) *Mux {
	log := cfg.Log
	if log == nil {
		log = vlog.Default()
	}
	m := &Mux{
		cfg:      cfg,
		log:      log,
		buf:      bytebuf.New(),
		selected: make(chan Endpoints, 1),
	}
	m.wireConsumeEp = &wireConsumer{m: m}
	m.wireProduceEp = &wireProducer{m: m}
	return m
}

// WireConsume is the endpoint the real transport (a TCP connection's
// reader, driven by the reactor) attaches its Producer to, feeding raw
// inbound bytes.
func (m *Mux) WireConsume() flow.Consumer { return m.wireConsumeEp }

// WireProduce is the endpoint the real transport attaches its
// Consumer to, receiving raw outbound bytes once a backend is chosen.
func (m *Mux) WireProduce() flow.Producer { return m.wireProduceEp }

// Selected yields exactly one Endpoints value once classification
// completes; callers block on it to learn which plaintext pair to
// wire their application handler to.
func (m *Mux) Selected() <-chan Endpoints { return m.selected }

func classify(peek []byte) (kind Kind, ok bool) {
	if len(peek) == 0 {
		return 0, false
	}
	if peek[0] == tlsHandshakeRecordType {
		return KindTLS, true
	}
	n := len(peek)
	if n > len(vtsHelloPrefix) {
		n = len(vtsHelloPrefix)
	}
	if !bytes.Equal(peek[:n], vtsHelloPrefix[:n]) {
		return KindPlain, true
	}
	if n < len(vtsHelloPrefix) {
		return 0, false // matches so far, but need more bytes to be sure
	}
	return KindVTS, true
}

func (m *Mux) enabled(kind Kind) bool {
	switch kind {
	case KindVTS:
		return m.cfg.Policy.EnableVTS
	case KindTLS:
		return m.cfg.Policy.EnableTLS
	case KindPlain:
		return m.cfg.Policy.EnablePlain
	}
	return false
}

func (m *Mux) construct(kind Kind) (Backend, error) {
	switch kind {
	case KindVTS:
		cfg := m.cfg.VTSTemplate
		cfg.Role = vts.RoleServer
		if cfg.Log == nil {
			cfg.Log = m.log
		}
		return vts.NewChannel(cfg), nil
	case KindTLS:
		cfg := m.cfg.TLSTemplate
		cfg.Role = tlsbridge.RoleServer
		if cfg.Log == nil {
			cfg.Log = m.log
		}
		return tlsbridge.NewBridge(cfg), nil
	case KindPlain:
		return newPlainBackend(), nil
	}
	return nil, fmt.Errorf("%w: unknown transport kind", verr.ErrProtocol)
}

// onWireConsume implements the classify-then-forward dispatch: every
// call before a decision is made accumulates into buf and retries
// classification; every call after simply forwards to the chosen
// backend's cipher-side consumer.
func (m *Mux) onWireConsume(buf []byte, clim int64) (int64, error) {
	m.mu.Lock()
	if m.aborted {
		err := m.err
		m.mu.Unlock()
		return 0, err
	}
	if m.decided {
		backend := m.backend
		m.mu.Unlock()
		return backend.CipherConsume().Consume(buf, clim)
	}

	m.buf.Append(buf)
	peek := m.buf.Peek(m.buf.Len())
	kind, ok := classify(peek)
	if !ok {
		if m.buf.Len() > maxPeek {
			err := fmt.Errorf("%w: could not classify transport after %d bytes", verr.ErrProtocol, maxPeek)
			m.abortLocked(err)
			m.mu.Unlock()
			return 0, err
		}
		m.mu.Unlock()
		return flow.Unbounded, nil
	}
	if !m.enabled(kind) {
		err := fmt.Errorf("%w: transport %s not enabled", verr.ErrProtocol, kind)
		m.abortLocked(err)
		m.mu.Unlock()
		return 0, err
	}
	backend, err := m.construct(kind)
	if err != nil {
		m.abortLocked(err)
		m.mu.Unlock()
		return 0, err
	}
	wirePeer := m.wireProduceEp.Peer()
	if wirePeer == nil {
		err := fmt.Errorf("%w: no wire transport attached to WireProduce", verr.ErrResource)
		m.abortLocked(err)
		m.mu.Unlock()
		return 0, err
	}
	if linkErr := flow.Link(backend.CipherProduce(), wirePeer); linkErr != nil {
		m.abortLocked(linkErr)
		m.mu.Unlock()
		return 0, linkErr
	}
	if startErr := backend.Start(); startErr != nil {
		m.abortLocked(startErr)
		m.mu.Unlock()
		return 0, startErr
	}
	m.backend = backend
	m.decided = true
	buffered := m.buf.Remove(m.buf.Len())
	m.log.Infof("vop: connection classified as %s", kind)
	if m.haveCanLimit {
		backend.CipherProduce().CanProduce(m.pendingCanLimit)
	}
	m.mu.Unlock()

	m.selected <- Endpoints{Kind: kind, PlainConsume: backend.PlainConsume(), PlainProduce: backend.PlainProduce()}
	return backend.CipherConsume().Consume(buffered, clim)
}

func (m *Mux) onEndConsume(clean bool) {
	m.mu.Lock()
	backend := m.backend
	m.mu.Unlock()
	if backend != nil {
		backend.CipherConsume().EndConsume(clean)
	}
}

func (m *Mux) abortLocked(err error) {
	if m.aborted {
		return
	}
	m.aborted = true
	m.err = err
	m.log.Errorf("vop: connection aborted: %v", err)
}

func (m *Mux) onWireCanProduce(limit int64) {
	m.mu.Lock()
	m.pendingCanLimit = limit
	m.haveCanLimit = true
	backend := m.backend
	m.mu.Unlock()
	if backend != nil {
		backend.CipherProduce().CanProduce(limit)
	}
}

func (m *Mux) onWireAbort(err error) {
	m.mu.Lock()
	m.abortLocked(err)
	backend := m.backend
	m.mu.Unlock()
	if backend != nil {
		backend.CipherProduce().Abort(err)
	}
}

// wireConsumer backs WireConsume.
type wireConsumer struct {
	flow.BaseConsumer
	flow.NoControl
	m *Mux
}

func (w *wireConsumer) Consume(buf []byte, clim int64) (int64, error) { return w.m.onWireConsume(buf, clim) }
func (w *wireConsumer) EndConsume(clean bool)                         { w.m.onEndConsume(clean) }
func (w *wireConsumer) Abort(err error) {
	w.m.mu.Lock()
	w.m.abortLocked(err)
	w.m.mu.Unlock()
}

// wireProducer backs WireProduce. Once a backend is chosen, its
// CipherProduce is Linked directly to whatever Consumer is attached
// here so that outgoing bytes bypass the Mux entirely; this type only
// needs to forward the capacity/abort signals the real transport
// sends back upstream to that same backend.
type wireProducer struct {
	flow.BaseProducer
	flow.NoControl
	m *Mux
}

func (w *wireProducer) CanProduce(limit int64) { w.m.onWireCanProduce(limit) }
func (w *wireProducer) Abort(err error)        { w.m.onWireAbort(err) }
