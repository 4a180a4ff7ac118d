// Package flow implements the producer/consumer contract of spec.md
// §4.7: symmetric attach/detach, byte-count back-pressure, graceful or
// aborted end-of-data, and a small control-message facility where an
// unrecognized message type is a no-op rather than an error.
//
// The contract itself has no teacher analog (the teacher drives a
// fixed TLSNotary step sequence instead of a general producer/consumer
// fabric), so this package is grounded on the teacher's channel-based
// signaling idiom (session_manager.go's DestroyChan/OtReleaseChan: a
// small set of named signals delivered to a long-lived goroutine)
// generalized into typed interfaces that C8/C9 implement.
package flow

import (
	"errors"
	"fmt"
	"sync"
)

// ErrNoSuchControl is returned by Control for an unrecognized message
// type. Callers are expected to treat it as a no-op, not a failure.
var ErrNoSuchControl = errors.New("flow: no such control")

// Unbounded is the clim value meaning "no byte-count limit currently
// applies".
const Unbounded int64 = -1

// Producer delivers bytes to an attached Consumer.
type Producer interface {
	// Attach binds c as this producer's consumer. Returns an error if
	// already attached to a different consumer.
	Attach(c Consumer) error
	// Detach releases this producer's reference to its consumer
	// without affecting the consumer's own state.
	Detach()
	// CanProduce informs the producer of newly available downstream
	// capacity (an absolute byte-count limit, mirroring the clim
	// returned from Consume).
	CanProduce(limit int64)
	// Abort terminates production immediately and unrecoverably.
	Abort(err error)
	// Control delivers an out-of-band signal; unrecognized kinds
	// return ErrNoSuchControl.
	Control(kind string, payload interface{}) (interface{}, error)
}

// Consumer accepts bytes pushed by an attached Producer.
type Consumer interface {
	// Attach binds p as this consumer's producer. Returns an error if
	// already attached to a different producer.
	Attach(p Producer) error
	// Detach releases this consumer's reference to its producer
	// without affecting the producer's own state.
	Detach()
	// Consume accepts buf, returning a new absolute byte-count limit
	// (Unbounded for no limit) the producer may deliver up to next.
	Consume(buf []byte, clim int64) (newClim int64, err error)
	// EndConsume signals producer-side termination: clean=true for a
	// graceful end-of-data, false for an unclean one.
	EndConsume(clean bool)
	// Abort terminates consumption immediately and unrecoverably.
	Abort(err error)
	// Control delivers an out-of-band signal; unrecognized kinds
	// return ErrNoSuchControl.
	Control(kind string, payload interface{}) (interface{}, error)
}

// Link performs the symmetric attach of spec.md §4.7.1: p.Attach(c)
// and c.Attach(p) both succeed, or neither does.
func Link(p Producer, c Consumer) error {
	if err := p.Attach(c); err != nil {
		return fmt.Errorf("flow: producer attach: %w", err)
	}
	if err := c.Attach(p); err != nil {
		p.Detach()
		return fmt.Errorf("flow: consumer attach: %w", err)
	}
	return nil
}

// Unlink detaches both sides of a link. Each Detach call only clears
// that side's own reference, per spec.md §4.7.1.
func Unlink(p Producer, c Consumer) {
	p.Detach()
	c.Detach()
}

// ClimTracker enforces the back-pressure invariant of spec.md §4.7.2:
// a producer embedding one never reports more bytes delivered than the
// consumer's last-returned clim allows.
type ClimTracker struct {
	mu        sync.Mutex
	delivered int64
	clim      int64
}

// NewClimTracker returns a tracker that starts unbounded.
func NewClimTracker() *ClimTracker {
	return &ClimTracker{clim: Unbounded}
}

// SetLimit installs a new absolute limit (as returned by Consume or
// CanProduce).
func (t *ClimTracker) SetLimit(clim int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clim = clim
}

// Reserve reports whether n additional bytes may be delivered without
// exceeding the current limit, and if so accounts for them.
func (t *ClimTracker) Reserve(n int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.clim < 0 {
		t.delivered += int64(n)
		return true
	}
	if t.delivered+int64(n) > t.clim {
		return false
	}
	t.delivered += int64(n)
	return true
}

// Delivered returns the running total of reserved bytes.
func (t *ClimTracker) Delivered() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.delivered
}

// BaseProducer implements the attach/detach bookkeeping shared by
// every concrete Producer (C8's cipher/plain producers, C9's TLS
// producer); embedders still implement CanProduce, Abort, and Control.
type BaseProducer struct {
	mu       sync.Mutex
	consumer Consumer
}

// Attach implements Producer.Attach.
func (b *BaseProducer) Attach(c Consumer) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.consumer != nil && b.consumer != c {
		return fmt.Errorf("flow: producer already attached")
	}
	b.consumer = c
	return nil
}

// Detach implements Producer.Detach.
func (b *BaseProducer) Detach() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consumer = nil
}

// Peer returns the currently attached consumer, or nil.
func (b *BaseProducer) Peer() Consumer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consumer
}

// BaseConsumer implements the attach/detach bookkeeping shared by
// every concrete Consumer; embedders still implement Consume,
// EndConsume, Abort, and Control.
type BaseConsumer struct {
	mu       sync.Mutex
	producer Producer
}

// Attach implements Consumer.Attach.
func (b *BaseConsumer) Attach(p Producer) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.producer != nil && b.producer != p {
		return fmt.Errorf("flow: consumer already attached")
	}
	b.producer = p
	return nil
}

// Detach implements Consumer.Detach.
func (b *BaseConsumer) Detach() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.producer = nil
}

// Peer returns the currently attached producer, or nil.
func (b *BaseConsumer) Peer() Producer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.producer
}

// NoControl is embeddable by producers/consumers that expose no
// control messages of their own: every kind is "no such control".
type NoControl struct{}

// Control implements the Producer/Consumer Control method.
func (NoControl) Control(kind string, _ interface{}) (interface{}, error) {
	return nil, fmt.Errorf("%w: %q", ErrNoSuchControl, kind)
}
