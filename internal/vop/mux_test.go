package vop

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halvorsen/vtsd/internal/flow"
)

type fakeSink struct {
	flow.BaseConsumer
	flow.NoControl

	mu     sync.Mutex
	chunks [][]byte
}

func (f *fakeSink) Consume(buf []byte, clim int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, append([]byte(nil), buf...))
	return flow.Unbounded, nil
}

func (f *fakeSink) EndConsume(clean bool) {}
func (f *fakeSink) Abort(err error)       {}

func (f *fakeSink) joined() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []byte
	for _, c := range f.chunks {
		out = append(out, c...)
	}
	return string(out)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		peek []byte
		kind Kind
		ok   bool
	}{
		{"tls record byte alone", []byte{0x16}, KindTLS, true},
		{"tls record with more bytes", []byte{0x16, 0x03, 0x01}, KindTLS, true},
		{"plain http request", []byte("GET / HTTP/1.1"), KindPlain, true},
		{"plain single divergent byte", []byte("G"), KindPlain, true},
		{"no bytes yet", nil, 0, false},
		{"vts prefix partial", []byte("VTS_DR"), 0, false},
		{"vts prefix complete", []byte("VTS_DRAFT-0.8\n"), KindVTS, true},
		{"vts-looking but diverges", []byte("VTS_XRAFT-"), KindPlain, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			kind, ok := classify(tc.peek)
			assert.Equal(t, tc.ok, ok)
			if tc.ok {
				assert.Equal(t, tc.kind, kind)
			}
		})
	}
}

func TestMuxPlainPassthroughBothDirections(t *testing.T) {
	mux := NewMux(Config{Policy: Policy{EnablePlain: true}})

	wireSink := &fakeSink{}
	require.NoError(t, flow.Link(mux.WireProduce(), wireSink))

	// A single byte that cannot be a TLS record or a VTS hello prefix
	// byte decides the connection immediately.
	_, err := mux.WireConsume().Consume([]byte("G"), flow.Unbounded)
	require.NoError(t, err)

	sel := <-mux.Selected()
	assert.Equal(t, KindPlain, sel.Kind)

	appSink := &fakeSink{}
	require.NoError(t, flow.Link(sel.PlainProduce, appSink))

	_, err = mux.WireConsume().Consume([]byte("ET / HTTP/1.1\r\n"), flow.Unbounded)
	require.NoError(t, err)
	assert.Equal(t, "ET / HTTP/1.1\r\n", appSink.joined())

	_, err = sel.PlainConsume.Consume([]byte("HTTP/1.1 200 OK\r\n"), flow.Unbounded)
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 200 OK\r\n", wireSink.joined())
}

func TestMuxRejectsDisabledTransport(t *testing.T) {
	mux := NewMux(Config{Policy: Policy{EnablePlain: false}})

	wireSink := &fakeSink{}
	require.NoError(t, flow.Link(mux.WireProduce(), wireSink))

	_, err := mux.WireConsume().Consume([]byte("G"), flow.Unbounded)
	assert.Error(t, err)
}
