// Package netio is the "socket producer/consumer in C6" spec.md's
// data-flow line describes: it plugs a raw network file descriptor
// into internal/reactor's non-blocking read/write dispatch and
// exposes the result as an internal/flow Producer/Consumer pair, the
// same way internal/vts.Channel's cipher-side endpoints and
// internal/tlsbridge.Bridge's are the network-facing half of their
// respective bridges. Socket is the thing a vts.Channel's
// CipherConsume/CipherProduce, a tlsbridge.Bridge's, or a vop.Mux's
// wire endpoints Link to in order to actually reach the network.
//
// The fd is taken over entirely by the reactor: Socket detaches it
// from Go's runtime netpoller (via (*os.File).Fd on a dup'd,
// already-connected *net.TCPConn) and drives it with syscall.Read/
// Write gated on AddReader/AddWriter's readiness callbacks, mirroring
// the self-pipe's own non-blocking read loop in reactor.go.
package netio

import (
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/halvorsen/vtsd/internal/flow"
	"github.com/halvorsen/vtsd/internal/metrics"
	"github.com/halvorsen/vtsd/internal/reactor"
	"github.com/halvorsen/vtsd/internal/verr"
	"github.com/halvorsen/vtsd/internal/vlog"
)

const readChunk = 16384

// Socket bridges one accepted connection's file descriptor into the
// reactor and exposes it as a flow.Producer/flow.Consumer pair.
type Socket struct {
	r    *reactor.Reactor
	log  vlog.Logger
	fd   int
	file *os.File // keeps the dup'd fd alive; closing it closes fd

	produceEp *socketProducer
	consumeEp *socketConsumer

	mu       sync.Mutex
	writeBuf []byte
	reading  bool
	closed   bool
	err      error
}

// New detaches conn's file descriptor from Go's runtime netpoller and
// registers it with r. conn is closed by New (its fd has been dup'd
// into the returned Socket); callers must not use conn afterward.
func New(r *reactor.Reactor, log vlog.Logger, conn interface {
	net.Conn
	File() (*os.File, error)
}) (*Socket, error) {
	if log == nil {
		log = vlog.Default()
	}
	file, err := conn.File()
	if err != nil {
		return nil, fmt.Errorf("%w: socket: dup fd: %v", verr.ErrResource, err)
	}
	conn.Close()

	fd := int(file.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: socket: set nonblock: %v", verr.ErrResource, err)
	}

	s := &Socket{r: r, log: log, fd: fd, file: file}
	s.produceEp = &socketProducer{s: s}
	s.consumeEp = &socketConsumer{s: s}
	s.r.AddReader(s.fd, s.onReadable)
	s.reading = true
	return s, nil
}

// Produce is the endpoint the application Links to whatever should
// receive bytes read off the wire (e.g. a vts.Channel's CipherConsume).
func (s *Socket) Produce() flow.Producer { return s.produceEp }

// Consume is the endpoint the application Links its outbound byte
// source to (e.g. a vts.Channel's CipherProduce).
func (s *Socket) Consume() flow.Consumer { return s.consumeEp }

func (s *Socket) onReadable() error {
	buf := make([]byte, readChunk)
	for {
		n, err := syscall.Read(s.fd, buf)
		if n > 0 {
			peer := s.produceEp.Peer()
			if peer != nil {
				clim, cerr := peer.Consume(append([]byte(nil), buf[:n]...), flow.Unbounded)
				metrics.FlowBytes.WithLabelValues("in").Add(float64(n))
				if cerr != nil {
					s.abort(cerr)
					return nil
				}
				if clim == 0 {
					s.pauseReading()
					return nil
				}
			}
		}
		if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
			return nil
		}
		if err != nil {
			s.endOrAbort(err)
			return nil
		}
		if n == 0 {
			s.endOrAbort(nil)
			return nil
		}
	}
}

func (s *Socket) pauseReading() {
	s.mu.Lock()
	if !s.reading {
		s.mu.Unlock()
		return
	}
	s.reading = false
	s.mu.Unlock()
	s.r.RemoveReader(s.fd)
}

func (s *Socket) resumeReading() {
	s.mu.Lock()
	if s.reading || s.closed {
		s.mu.Unlock()
		return
	}
	s.reading = true
	s.mu.Unlock()
	s.r.AddReader(s.fd, s.onReadable)
}

func (s *Socket) onWritable() error {
	s.mu.Lock()
	buf := s.writeBuf
	s.mu.Unlock()

	for len(buf) > 0 {
		n, err := syscall.Write(s.fd, buf)
		if n > 0 {
			buf = buf[n:]
			metrics.FlowBytes.WithLabelValues("out").Add(float64(n))
		}
		if err == syscall.EAGAIN || err == syscall.EWOULDBLOCK {
			break
		}
		if err != nil {
			s.abort(fmt.Errorf("%w: socket write: %v", verr.ErrResource, err))
			return nil
		}
	}

	s.mu.Lock()
	s.writeBuf = buf
	drained := len(s.writeBuf) == 0
	s.mu.Unlock()
	if drained {
		s.r.RemoveWriter(s.fd)
	}
	return nil
}

func (s *Socket) queueWrite(data []byte) {
	s.mu.Lock()
	empty := len(s.writeBuf) == 0
	s.writeBuf = append(s.writeBuf, data...)
	s.mu.Unlock()
	if empty {
		s.r.AddWriter(s.fd, s.onWritable)
	}
}

func (s *Socket) endOrAbort(err error) {
	if err == nil {
		s.closeLocked(nil)
		if peer := s.produceEp.Peer(); peer != nil {
			peer.EndConsume(true)
		}
		return
	}
	s.abort(fmt.Errorf("%w: socket read: %v", verr.ErrResource, err))
}

func (s *Socket) abort(err error) {
	s.closeLocked(err)
	if peer := s.produceEp.Peer(); peer != nil {
		peer.Abort(err)
	}
}

func (s *Socket) closeLocked(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.err = err
	s.mu.Unlock()
	s.r.RemoveReader(s.fd)
	s.r.RemoveWriter(s.fd)
	s.file.Close()
	if err != nil {
		s.log.Errorf("netio: socket fd %d aborted: %v", s.fd, err)
	}
}

type socketProducer struct {
	flow.BaseProducer
	flow.NoControl
	s *Socket
}

func (p *socketProducer) CanProduce(limit int64) {
	if limit == 0 {
		p.s.pauseReading()
	} else {
		p.s.resumeReading()
	}
}

func (p *socketProducer) Abort(err error) { p.s.abort(err) }

type socketConsumer struct {
	flow.BaseConsumer
	flow.NoControl
	s *Socket
}

func (c *socketConsumer) Consume(buf []byte, clim int64) (int64, error) {
	c.s.mu.Lock()
	closed := c.s.closed
	err := c.s.err
	c.s.mu.Unlock()
	if closed {
		return 0, err
	}
	c.s.queueWrite(buf)
	return flow.Unbounded, nil
}

func (c *socketConsumer) EndConsume(clean bool) {
	unix.Shutdown(c.s.fd, unix.SHUT_WR)
}

func (c *socketConsumer) Abort(err error) { c.s.abort(err) }
