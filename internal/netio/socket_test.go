package netio_test

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halvorsen/vtsd/internal/flow"
	"github.com/halvorsen/vtsd/internal/netio"
	"github.com/halvorsen/vtsd/internal/reactor"
)

func newTestReactor(t *testing.T) *reactor.Reactor {
	t.Helper()
	r, err := reactor.New(nil)
	require.NoError(t, err)
	go func() {
		if err := r.Run(); err != nil {
			t.Logf("reactor exited: %v", err)
		}
	}()
	t.Cleanup(r.Stop)
	return r
}

type fakeSink struct {
	flow.BaseConsumer
	flow.NoControl

	mu      sync.Mutex
	chunks  [][]byte
	ended   bool
	endedOK bool
}

func (f *fakeSink) Consume(buf []byte, clim int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, append([]byte(nil), buf...))
	return flow.Unbounded, nil
}

func (f *fakeSink) EndConsume(clean bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = true
	f.endedOK = clean
}

func (f *fakeSink) Abort(err error) {}

func (f *fakeSink) waitForEnd(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		ended := f.ended
		f.mu.Unlock()
		if ended {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for EndConsume")
}

func (f *fakeSink) waitFor(t *testing.T, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		var got []byte
		for _, c := range f.chunks {
			got = append(got, c...)
		}
		match := string(got) == want
		f.mu.Unlock()
		if match {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %q", want)
}

func tcpPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		require.NoError(t, err)
		acceptCh <- conn
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server := <-acceptCh

	return client.(*net.TCPConn), server.(*net.TCPConn)
}

func TestSocketRoundTrip(t *testing.T) {
	r := newTestReactor(t)
	clientConn, serverConn := tcpPair(t)

	clientSock, err := netio.New(r, nil, clientConn)
	require.NoError(t, err)
	serverSock, err := netio.New(r, nil, serverConn)
	require.NoError(t, err)

	clientSink := &fakeSink{}
	serverSink := &fakeSink{}
	require.NoError(t, flow.Link(clientSock.Produce(), clientSink))
	require.NoError(t, flow.Link(serverSock.Produce(), serverSink))

	_, err = clientSock.Consume().Consume([]byte("hello server"), flow.Unbounded)
	require.NoError(t, err)
	serverSink.waitFor(t, "hello server")

	_, err = serverSock.Consume().Consume([]byte("hello client"), flow.Unbounded)
	require.NoError(t, err)
	clientSink.waitFor(t, "hello client")
}

func TestSocketEndConsumeHalfClosesWrite(t *testing.T) {
	r := newTestReactor(t)
	clientConn, serverConn := tcpPair(t)

	clientSock, err := netio.New(r, nil, clientConn)
	require.NoError(t, err)
	serverSock, err := netio.New(r, nil, serverConn)
	require.NoError(t, err)

	serverSink := &fakeSink{}
	require.NoError(t, flow.Link(serverSock.Produce(), serverSink))

	clientSock.Consume().EndConsume(true)

	serverSink.waitForEnd(t)
	serverSink.mu.Lock()
	endedOK := serverSink.endedOK
	chunks := len(serverSink.chunks)
	serverSink.mu.Unlock()
	assert.True(t, endedOK)
	assert.Zero(t, chunks)
}
