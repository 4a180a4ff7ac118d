package tlsbridge_test

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/halvorsen/vtsd/internal/flow"
	"github.com/halvorsen/vtsd/internal/tlsbridge"
)

func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "vtsd-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}
}

// fakeSink is a flow.Consumer that records every chunk handed to it.
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

func (f *fakeSink) waitFor(t *testing.T, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		var got bytes.Buffer
		for _, c := range f.chunks {
			got.Write(c)
		}
		match := got.String() == want
		f.mu.Unlock()
		if match {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %q", want)
}

func TestBridgeRoundTrip(t *testing.T) {
	cert := selfSignedCert(t)

	server := tlsbridge.NewBridge(tlsbridge.Config{
		Role: tlsbridge.RoleServer,
		TLS:  &tls.Config{Certificates: []tls.Certificate{cert}},
	})
	client := tlsbridge.NewBridge(tlsbridge.Config{
		Role: tlsbridge.RoleClient,
		TLS:  &tls.Config{InsecureSkipVerify: true},
	})

	serverSink := &fakeSink{}
	clientSink := &fakeSink{}
	require.NoError(t, flow.Link(server.PlainProduce(), serverSink))
	require.NoError(t, flow.Link(client.PlainProduce(), clientSink))

	require.NoError(t, flow.Link(client.CipherProduce(), server.CipherConsume()))
	require.NoError(t, flow.Link(server.CipherProduce(), client.CipherConsume()))

	require.NoError(t, server.Start())
	require.NoError(t, client.Start())

	_, err := client.PlainConsume().Consume([]byte("hello server"), flow.Unbounded)
	require.NoError(t, err)
	serverSink.waitFor(t, "hello server")

	_, err = server.PlainConsume().Consume([]byte("hello client"), flow.Unbounded)
	require.NoError(t, err)
	clientSink.waitFor(t, "hello client")
}

func TestBridgeClientRejectsUntrustedCertWithoutSkipVerify(t *testing.T) {
	cert := selfSignedCert(t)

	server := tlsbridge.NewBridge(tlsbridge.Config{
		Role: tlsbridge.RoleServer,
		TLS:  &tls.Config{Certificates: []tls.Certificate{cert}},
	})
	client := tlsbridge.NewBridge(tlsbridge.Config{
		Role: tlsbridge.RoleClient,
		TLS:  &tls.Config{ServerName: "localhost"}, // no InsecureSkipVerify, no trusted roots
	})

	serverSink := &fakeSink{}
	require.NoError(t, flow.Link(server.PlainProduce(), serverSink))

	require.NoError(t, flow.Link(client.CipherProduce(), server.CipherConsume()))
	require.NoError(t, flow.Link(server.CipherProduce(), client.CipherConsume()))

	require.NoError(t, server.Start())
	require.NoError(t, client.Start())

	_, _ = client.PlainConsume().Consume([]byte("should never arrive"), flow.Unbounded)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		serverSink.mu.Lock()
		n := len(serverSink.chunks)
		serverSink.mu.Unlock()
		if n > 0 {
			t.Fatal("plaintext must never be delivered over an untrusted TLS handshake")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
