package flow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProducer struct {
	BaseProducer
	NoControl
	aborted bool
	limit   int64
}

func (p *fakeProducer) CanProduce(limit int64) { p.limit = limit }
func (p *fakeProducer) Abort(error)            { p.aborted = true }

type fakeConsumer struct {
	BaseConsumer
	NoControl
	received []byte
	ended    bool
	clean    bool
	aborted  bool
	nextClim int64
}

func (c *fakeConsumer) Consume(buf []byte, clim int64) (int64, error) {
	c.received = append(c.received, buf...)
	return c.nextClim, nil
}
func (c *fakeConsumer) EndConsume(clean bool) { c.ended = true; c.clean = clean }
func (c *fakeConsumer) Abort(error)           { c.aborted = true }

func TestLinkIsSymmetric(t *testing.T) {
	p := &fakeProducer{}
	c := &fakeConsumer{nextClim: Unbounded}
	require.NoError(t, Link(p, c))
	assert.Equal(t, Consumer(c), p.Peer())
	assert.Equal(t, Producer(p), c.Peer())
}

func TestLinkRejectsDoubleAttachToDifferentPeer(t *testing.T) {
	p := &fakeProducer{}
	c1 := &fakeConsumer{nextClim: Unbounded}
	c2 := &fakeConsumer{nextClim: Unbounded}
	require.NoError(t, Link(p, c1))
	err := p.Attach(c2)
	assert.Error(t, err)
}

func TestUnlinkOnlyDetachesOwnSide(t *testing.T) {
	p := &fakeProducer{}
	c := &fakeConsumer{nextClim: Unbounded}
	require.NoError(t, Link(p, c))
	p.Detach()
	assert.Nil(t, p.Peer())
	assert.NotNil(t, c.Peer())
}

func TestNoControlReturnsSentinel(t *testing.T) {
	var nc NoControl
	_, err := nc.Control("anything", nil)
	assert.True(t, errors.Is(err, ErrNoSuchControl))
}

func TestClimTrackerEnforcesLimit(t *testing.T) {
	tr := NewClimTracker()
	tr.SetLimit(10)
	assert.True(t, tr.Reserve(6))
	assert.True(t, tr.Reserve(4))
	assert.False(t, tr.Reserve(1))
	assert.Equal(t, int64(10), tr.Delivered())
}

func TestClimTrackerUnboundedAllowsAnything(t *testing.T) {
	tr := NewClimTracker()
	assert.True(t, tr.Reserve(1<<20))
	assert.True(t, tr.Reserve(1<<20))
}

func TestEndConsumeCarriesCleanFlag(t *testing.T) {
	c := &fakeConsumer{}
	c.EndConsume(true)
	assert.True(t, c.ended)
	assert.True(t, c.clean)
}
