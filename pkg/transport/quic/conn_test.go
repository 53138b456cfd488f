package quic

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QYUbit/cosync/pkg/transport"
)

var (
	_ transport.Transport = (*Conn)(nil)
	_ transport.Receiver  = (*Conn)(nil)
)

const alpn = "cosync-test"

func testTLS(t *testing.T) (server, client *tls.Config) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		DNSNames:     []string{"localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	server = &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		NextProtos:   []string{alpn},
	}
	client = &tls.Config{InsecureSkipVerify: true, NextProtos: []string{alpn}}
	return server, client
}

func TestConn_FramesBothWays(t *testing.T) {
	serverTLS, clientTLS := testTLS(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ln := NewListener("127.0.0.1:0", serverTLS, nil, transport.LinkConfig{})
	require.NoError(t, ln.Listen())
	defer ln.Close()

	accepted := make(chan *Conn, 1)
	go func() {
		c, err := ln.Accept(ctx)
		if err == nil {
			accepted <- c
		}
	}()

	client, err := Dial(ctx, ln.Addr().String(), clientTLS, nil, transport.LinkConfig{})
	require.NoError(t, err)
	defer client.Close()

	var server *Conn
	select {
	case server = <-accepted:
	case <-ctx.Done():
		t.Fatal("no connection accepted")
	}
	defer server.Close()

	fromClient := make(chan []byte, 1)
	server.OnMessage(func(b []byte) { fromClient <- b })
	fromServer := make(chan []byte, 1)
	client.OnMessage(func(b []byte) { fromServer <- b })

	require.NoError(t, client.Send(ctx, []byte{1, 2, 3}))
	require.NoError(t, server.Send(ctx, []byte{4}))

	assert.Equal(t, []byte{1, 2, 3}, <-fromClient)
	assert.Equal(t, []byte{4}, <-fromServer)
	assert.NotEqual(t, client.Type(), server.Type())
	assert.True(t, server.Networked())
}

func TestListener_NotStarted(t *testing.T) {
	ln := NewListener("127.0.0.1:0", nil, nil, transport.LinkConfig{})
	_, err := ln.Accept(context.Background())
	assert.ErrorIs(t, err, ErrListenerNotStarted)
	assert.ErrorIs(t, ln.Close(), ErrListenerNotStarted)
}
