package vts

import (
	"github.com/halvorsen/vtsd/internal/flow"
)

// endpointConsumer backs the plain_consume and cipher_consume
// endpoints: the peer's Producer pushes bytes in via Consume, which
// the Channel's shared state machine interprets according to which
// kind this is.
type endpointConsumer struct {
	flow.BaseConsumer
	flow.NoControl
	ch   *Channel
	kind endpointKind
}

func (e *endpointConsumer) Consume(buf []byte, clim int64) (int64, error) {
	return e.ch.onConsume(e.kind, buf, clim)
}

func (e *endpointConsumer) EndConsume(clean bool) {
	e.ch.onEndConsume(e.kind, clean)
}

func (e *endpointConsumer) Abort(err error) {
	e.ch.mu.Lock()
	defer e.ch.mu.Unlock()
	e.ch.abortLocked(err)
}

// endpointProducer backs the plain_produce and cipher_produce
// endpoints: the Channel pushes bytes out to whatever Consumer is
// attached here.
type endpointProducer struct {
	flow.BaseProducer
	flow.NoControl
	ch   *Channel
	kind endpointKind
}

func (e *endpointProducer) CanProduce(limit int64) {
	e.ch.onCanProduce(e.kind, limit)
}

func (e *endpointProducer) Abort(err error) {
	e.ch.mu.Lock()
	defer e.ch.mu.Unlock()
	e.ch.abortLocked(err)
}

// peerEndConsume forwards end-of-data to whatever Consumer is
// currently attached, if any.
func (e *endpointProducer) peerEndConsume(clean bool) {
	if peer := e.Peer(); peer != nil {
		peer.EndConsume(clean)
	}
}
