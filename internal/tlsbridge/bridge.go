// Package tlsbridge implements C9: the same four-endpoint
// producer/consumer contract as internal/vts, here terminated by a
// real crypto/tls handshake instead of the VTS draft protocol.
//
// Grounded on the teacher's notary.go pattern of delegating transport
// security entirely to a standard library implementation (there
// net/http's built-in TLS termination via http.Server.ListenAndServeTLS)
// rather than hand-rolling a second handshake state machine: the
// bridge hands the raw ciphertext side of an in-memory net.Pipe to
// crypto/tls and only pumps bytes between that pipe and the four flow
// endpoints.
package tlsbridge

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/halvorsen/vtsd/internal/flow"
	"github.com/halvorsen/vtsd/internal/verr"
	"github.com/halvorsen/vtsd/internal/vlog"
)

// Role selects which half of the TLS handshake this Bridge drives.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// Config parameterizes one Bridge.
type Config struct {
	Role Role
	TLS  *tls.Config
	Log  vlog.Logger
}

// inboxBacklog bounds how many unconsumed chunks a pump goroutine may
// fall behind by before a Consume call blocks; generous enough that a
// burst never blocks the caller in practice.
const inboxBacklog = 64

// Bridge owns the four producer/consumer endpoints and the goroutines
// pumping bytes between them and a crypto/tls.Conn.
type Bridge struct {
	cfg Config
	log vlog.Logger

	netSide, appSide net.Conn
	tlsConn          *tls.Conn

	plainConsumeEp  *inboxConsumer
	plainProduceEp  *forwardProducer
	cipherConsumeEp *inboxConsumer
	cipherProduceEp *forwardProducer

	cipherInbox chan []byte
	plainInbox  chan []byte
	done        chan struct{}
	closeOnce   sync.Once

	mu      sync.Mutex
	started bool
	aborted bool
	err     error
}

// NewBridge builds an unstarted Bridge; call Start to begin pumping.
func NewBridge(cfg Config) *Bridge {
	log := cfg.Log
	if log == nil {
		log = vlog.Default()
	}
	b := &Bridge{
		cfg:         cfg,
		log:         log,
		cipherInbox: make(chan []byte, inboxBacklog),
		plainInbox:  make(chan []byte, inboxBacklog),
		done:        make(chan struct{}),
	}
	b.plainConsumeEp = &inboxConsumer{b: b, inbox: b.plainInbox}
	b.cipherConsumeEp = &inboxConsumer{b: b, inbox: b.cipherInbox, isCipher: true}
	b.plainProduceEp = &forwardProducer{b: b}
	b.cipherProduceEp = &forwardProducer{b: b}
	return b
}

// PlainConsume is the endpoint the application attaches its Producer
// to, feeding plaintext for encryption.
func (b *Bridge) PlainConsume() flow.Consumer { return b.plainConsumeEp }

// PlainProduce is the endpoint the application attaches its Consumer
// to, receiving decrypted plaintext.
func (b *Bridge) PlainProduce() flow.Producer { return b.plainProduceEp }

// CipherConsume is the endpoint the wire transport attaches its
// Producer to, feeding raw incoming bytes.
func (b *Bridge) CipherConsume() flow.Consumer { return b.cipherConsumeEp }

// CipherProduce is the endpoint the wire transport attaches its
// Consumer to, receiving raw outgoing bytes.
func (b *Bridge) CipherProduce() flow.Producer { return b.cipherProduceEp }

// Start wires the internal net.Pipe to a crypto/tls.Conn and launches
// the four pump goroutines. Safe to call once; later calls are no-ops.
func (b *Bridge) Start() error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	netSide, appSide := net.Pipe()
	b.netSide, b.appSide = netSide, appSide
	if b.cfg.Role == RoleServer {
		b.tlsConn = tls.Server(netSide, b.cfg.TLS)
	} else {
		b.tlsConn = tls.Client(netSide, b.cfg.TLS)
	}
	b.mu.Unlock()

	go b.pumpCipherOut()
	go b.pumpCipherIn()
	go b.pumpPlainOut()
	go b.pumpPlainIn()
	return nil
}

// pumpCipherOut drains bytes the wire transport fed into CipherConsume
// and writes them into the raw side of the pipe, where the tls.Conn
// reads them as incoming ciphertext.
func (b *Bridge) pumpCipherOut() {
	for {
		select {
		case data, ok := <-b.cipherInbox:
			if !ok {
				return
			}
			if _, err := b.appSide.Write(data); err != nil {
				b.abort(fmt.Errorf("%w: tls bridge wire write: %v", verr.ErrResource, err))
				return
			}
		case <-b.done:
			return
		}
	}
}

// pumpCipherIn reads the ciphertext tls.Conn produced on its write
// side and forwards it to whatever is attached to CipherProduce.
func (b *Bridge) pumpCipherIn() {
	buf := make([]byte, 16384)
	for {
		n, err := b.appSide.Read(buf)
		if n > 0 {
			if peer := b.cipherProduceEp.Peer(); peer != nil {
				if _, cerr := peer.Consume(append([]byte(nil), buf[:n]...), flow.Unbounded); cerr != nil {
					b.abort(cerr)
					return
				}
			}
		}
		if err != nil {
			b.endOrAbort(b.cipherProduceEp, err, verr.ErrResource)
			return
		}
	}
}

// pumpPlainOut drains application plaintext fed into PlainConsume and
// writes it through the tls.Conn, which encrypts and frames it onto
// the raw pipe.
func (b *Bridge) pumpPlainOut() {
	for {
		select {
		case data, ok := <-b.plainInbox:
			if !ok {
				return
			}
			if _, err := b.tlsConn.Write(data); err != nil {
				b.abort(fmt.Errorf("%w: tls write: %v", verr.ErrCrypto, err))
				return
			}
		case <-b.done:
			return
		}
	}
}

// pumpPlainIn reads decrypted plaintext from the tls.Conn and forwards
// it to whatever is attached to PlainProduce.
func (b *Bridge) pumpPlainIn() {
	buf := make([]byte, 16384)
	for {
		n, err := b.tlsConn.Read(buf)
		if n > 0 {
			if peer := b.plainProduceEp.Peer(); peer != nil {
				if _, cerr := peer.Consume(append([]byte(nil), buf[:n]...), flow.Unbounded); cerr != nil {
					b.abort(cerr)
					return
				}
			}
		}
		if err != nil {
			b.endOrAbort(b.plainProduceEp, err, verr.ErrCrypto)
			return
		}
	}
}

func (b *Bridge) endOrAbort(ep *forwardProducer, err error, kind error) {
	if err == io.EOF {
		if peer := ep.Peer(); peer != nil {
			peer.EndConsume(true)
		}
		return
	}
	b.abort(fmt.Errorf("%w: %v", kind, err))
}

func (b *Bridge) abort(err error) {
	b.mu.Lock()
	if b.aborted {
		b.mu.Unlock()
		return
	}
	b.aborted = true
	b.err = err
	b.mu.Unlock()

	b.closeOnce.Do(func() { close(b.done) })
	if b.netSide != nil {
		b.netSide.Close()
	}
	if b.appSide != nil {
		b.appSide.Close()
	}
	b.log.Errorf("tlsbridge: aborted: %v", err)
	b.plainConsumeEp.Detach()
	b.plainProduceEp.Detach()
	b.cipherConsumeEp.Detach()
	b.cipherProduceEp.Detach()
}

func (b *Bridge) loadErr() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	return verr.ErrResource
}

// inboxConsumer backs plain_consume and cipher_consume: Consume just
// queues the chunk for the matching pump goroutine, since the actual
// I/O (a pipe Write, or a tls.Conn Write which may block on the
// handshake) must not happen on the caller's goroutine.
type inboxConsumer struct {
	flow.BaseConsumer
	flow.NoControl
	b        *Bridge
	inbox    chan []byte
	isCipher bool
}

func (e *inboxConsumer) Consume(buf []byte, clim int64) (int64, error) {
	cp := append([]byte(nil), buf...)
	select {
	case e.inbox <- cp:
		return flow.Unbounded, nil
	case <-e.b.done:
		return 0, e.b.loadErr()
	}
}

func (e *inboxConsumer) EndConsume(clean bool) {
	if e.isCipher {
		if e.b.appSide != nil {
			e.b.appSide.Close()
		}
		return
	}
	if e.b.tlsConn != nil {
		e.b.tlsConn.Close()
	}
}

func (e *inboxConsumer) Abort(err error) { e.b.abort(err) }

// forwardProducer backs plain_produce and cipher_produce: the
// matching pump goroutine pushes decoded bytes straight to whatever
// Consumer is attached via BaseProducer.Peer.
type forwardProducer struct {
	flow.BaseProducer
	flow.NoControl
	b *Bridge
}

func (e *forwardProducer) CanProduce(limit int64) {}
func (e *forwardProducer) Abort(err error)        { e.b.abort(err) }
