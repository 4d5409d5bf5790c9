package vnet

import (
	"context"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pgavlin/wharf/wasi"
)

func TestLoopbackStream(t *testing.T) {
	ctx := context.Background()
	lb := NewLoopback()

	l, err := lb.ListenTCP(ctx, &net.TCPAddr{Port: 0})
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NotZero(t, port)

	client, err := lb.ConnectTCP(ctx, nil, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	require.NoError(t, err)

	server, err := l.Accept(ctx)
	require.NoError(t, err)

	_, err = client.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 16)
	n, err := server.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))

	// Writer close surfaces as EOF on the peer once buffered data drains.
	require.NoError(t, client.CloseWrite())
	_, err = server.Read(buf)
	require.ErrorIs(t, err, io.EOF)
}

func TestLoopbackConnectRefused(t *testing.T) {
	lb := NewLoopback()
	_, err := lb.ConnectTCP(context.Background(), nil, &net.TCPAddr{Port: 1})
	require.ErrorIs(t, err, wasi.ErrnoConnrefused)
}

func TestLoopbackListenerClose(t *testing.T) {
	ctx := context.Background()
	lb := NewLoopback()

	l, err := lb.ListenTCP(ctx, &net.TCPAddr{Port: 7000})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	_, err = l.Accept(ctx)
	require.ErrorIs(t, err, net.ErrClosed)

	// The port is free again.
	_, err = lb.ListenTCP(ctx, &net.TCPAddr{Port: 7000})
	require.NoError(t, err)
}

func TestLoopbackAcceptContext(t *testing.T) {
	lb := NewLoopback()
	l, err := lb.ListenTCP(context.Background(), &net.TCPAddr{Port: 0})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Accept(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLoopbackReadDeadline(t *testing.T) {
	ctx := context.Background()
	lb := NewLoopback()

	l, err := lb.ListenTCP(ctx, &net.TCPAddr{Port: 0})
	require.NoError(t, err)
	client, err := lb.ConnectTCP(ctx, nil, l.Addr().(*net.TCPAddr))
	require.NoError(t, err)

	require.NoError(t, client.SetReadDeadline(time.Now().Add(10*time.Millisecond)))
	_, err = client.Read(make([]byte, 1))
	require.ErrorIs(t, err, os.ErrDeadlineExceeded)
}

func TestLoopbackDatagrams(t *testing.T) {
	ctx := context.Background()
	lb := NewLoopback()

	a, err := lb.BindUDP(ctx, &net.UDPAddr{Port: 0})
	require.NoError(t, err)
	b, err := lb.BindUDP(ctx, &net.UDPAddr{Port: 0})
	require.NoError(t, err)

	_, err = a.SendTo([]byte("first message"), b.LocalAddr())
	require.NoError(t, err)
	_, err = a.SendTo([]byte("second"), b.LocalAddr())
	require.NoError(t, err)

	// Message boundaries survive; a short read truncates one datagram.
	buf := make([]byte, 5)
	n, from, err := b.RecvFrom(buf)
	require.NoError(t, err)
	require.Equal(t, "first", string(buf[:n]))
	require.Equal(t, a.LocalAddr().String(), from.String())

	big := make([]byte, 64)
	n, _, err = b.RecvFrom(big)
	require.NoError(t, err)
	require.Equal(t, "second", string(big[:n]))

	// Datagrams to an unbound port vanish silently.
	_, err = a.SendTo([]byte("void"), &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1})
	require.NoError(t, err)
}

func TestDeniedProviderRefusesEverything(t *testing.T) {
	ctx := context.Background()
	p := Denied()

	_, err := p.ListenTCP(ctx, &net.TCPAddr{})
	require.ErrorIs(t, err, ErrDenied)
	_, err = p.ConnectTCP(ctx, nil, &net.TCPAddr{})
	require.ErrorIs(t, err, ErrDenied)
	_, err = p.BindUDP(ctx, &net.UDPAddr{})
	require.ErrorIs(t, err, ErrDenied)

	// The denial carries its errno through the error chain.
	require.ErrorIs(t, err, wasi.ErrnoNotsup)
	require.Equal(t, wasi.ErrnoNotsup, wasi.NetErrno(err))
}
