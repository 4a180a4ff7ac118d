package vop

import "github.com/halvorsen/vtsd/internal/flow"

// plainBackend is the insecure-passthrough Backend selected when a
// connection's leading bytes match neither the VTS hello nor a TLS
// record header and plaintext is enabled by policy (spec.md §4.9:
// "insecure plaintext is off by default"). Plaintext and ciphertext
// are the same bytes here, so each endpoint just forwards to whatever
// is attached on the opposite side.
type plainBackend struct {
	plainConsumeEp  *passConsumer
	plainProduceEp  *passProducer
	cipherConsumeEp *passConsumer
	cipherProduceEp *passProducer
}

func newPlainBackend() *plainBackend {
	b := &plainBackend{
		plainProduceEp:  &passProducer{},
		cipherProduceEp: &passProducer{},
	}
	b.plainConsumeEp = &passConsumer{target: b.cipherProduceEp}
	b.cipherConsumeEp = &passConsumer{target: b.plainProduceEp}
	return b
}

func (b *plainBackend) Start() error                { return nil }
func (b *plainBackend) PlainConsume() flow.Consumer  { return b.plainConsumeEp }
func (b *plainBackend) PlainProduce() flow.Producer  { return b.plainProduceEp }
func (b *plainBackend) CipherConsume() flow.Consumer { return b.cipherConsumeEp }
func (b *plainBackend) CipherProduce() flow.Producer { return b.cipherProduceEp }

// passConsumer forwards whatever it is handed straight to target's
// currently attached peer.
type passConsumer struct {
	flow.BaseConsumer
	flow.NoControl
	target *passProducer
}

func (p *passConsumer) Consume(buf []byte, clim int64) (int64, error) {
	peer := p.target.Peer()
	if peer == nil {
		return flow.Unbounded, nil
	}
	return peer.Consume(buf, clim)
}

func (p *passConsumer) EndConsume(clean bool) {
	if peer := p.target.Peer(); peer != nil {
		peer.EndConsume(clean)
	}
}

func (p *passConsumer) Abort(err error) {
	if peer := p.target.Peer(); peer != nil {
		peer.Abort(err)
	}
}

// passProducer is a bare attach point: bytes only reach its peer via
// the opposite passConsumer's forwarding.
type passProducer struct {
	flow.BaseProducer
	flow.NoControl
}

func (p *passProducer) CanProduce(limit int64) {}
func (p *passProducer) Abort(err error)        {}
