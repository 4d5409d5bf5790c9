package socket

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pgavlin/wharf/wasi"
)

func TestHTTPExchange(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		w.Header().Set("X-Echo-Len", "5")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(strings.ToUpper(string(body))))
	}))
	defer server.Close()

	ctx := context.Background()
	req, err := NewHTTPRequest(ctx, server.Client(), http.MethodPost, server.URL, http.Header{"Content-Type": []string{"text/plain"}})
	require.NoError(t, err)
	defer req.Close()

	resp, errno := req.HTTPChannelSocket(HTTPChannelResponse)
	require.Equal(t, wasi.ErrnoSuccess, errno)
	headers, errno := req.HTTPChannelSocket(HTTPChannelHeaders)
	require.Equal(t, wasi.ErrnoSuccess, errno)

	n, errno := req.Send(ctx, []byte("hello"))
	require.Equal(t, wasi.ErrnoSuccess, errno)
	require.Equal(t, 5, n)
	require.Equal(t, wasi.ErrnoSuccess, req.Shutdown(wasi.ShutdownWrite))

	status, errno := req.HTTPStatus()
	require.Equal(t, wasi.ErrnoSuccess, errno)
	require.Equal(t, http.StatusAccepted, status)

	var body strings.Builder
	buf := make([]byte, 4)
	for {
		n, errno := resp.Recv(ctx, buf)
		require.Equal(t, wasi.ErrnoSuccess, errno)
		if n == 0 {
			break
		}
		body.Write(buf[:n])
	}
	require.Equal(t, "HELLO", body.String())

	// Each response header arrives as one discrete message.
	var lines []string
	line := make([]byte, 256)
	for {
		n, errno := headers.Recv(ctx, line)
		require.Equal(t, wasi.ErrnoSuccess, errno)
		if n == 0 {
			break
		}
		lines = append(lines, string(line[:n]))
	}
	require.Contains(t, lines, "X-Echo-Len: 5")
	for i := 1; i < len(lines); i++ {
		require.LessOrEqual(t, lines[i-1], lines[i])
	}
}

func TestHTTPChannelDirections(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	ctx := context.Background()
	req, err := NewHTTPRequest(ctx, server.Client(), http.MethodGet, server.URL, nil)
	require.NoError(t, err)
	defer req.Close()

	resp, errno := req.HTTPChannelSocket(HTTPChannelResponse)
	require.Equal(t, wasi.ErrnoSuccess, errno)
	headers, errno := req.HTTPChannelSocket(HTTPChannelHeaders)
	require.Equal(t, wasi.ErrnoSuccess, errno)

	// Response and Headers are receive-only.
	_, errno = resp.Send(ctx, []byte("x"))
	require.Equal(t, wasi.ErrnoIo, errno)
	_, errno = headers.Send(ctx, []byte("x"))
	require.Equal(t, wasi.ErrnoIo, errno)

	// The Request channel never produces data.
	_, errno = req.Recv(ctx, make([]byte, 8))
	require.Equal(t, wasi.ErrnoIo, errno)

	status, errno := req.HTTPStatus()
	require.Equal(t, wasi.ErrnoSuccess, errno)
	require.Equal(t, http.StatusOK, status)
}

func TestHTTPShutdownRead(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("payload"))
	}))
	defer server.Close()

	ctx := context.Background()
	req, err := NewHTTPRequest(ctx, server.Client(), http.MethodGet, server.URL, nil)
	require.NoError(t, err)
	defer req.Close()

	resp, errno := req.HTTPChannelSocket(HTTPChannelResponse)
	require.Equal(t, wasi.ErrnoSuccess, errno)

	// Wait for the response before tearing down the read side.
	_, errno = req.HTTPStatus()
	require.Equal(t, wasi.ErrnoSuccess, errno)

	require.Equal(t, wasi.ErrnoSuccess, resp.Shutdown(wasi.ShutdownRead))
	_, errno = resp.Recv(ctx, make([]byte, 8))
	require.Equal(t, wasi.ErrnoIo, errno)

	headers, errno := req.HTTPChannelSocket(HTTPChannelHeaders)
	require.Equal(t, wasi.ErrnoSuccess, errno)
	_, errno = headers.Recv(ctx, make([]byte, 64))
	require.Equal(t, wasi.ErrnoIo, errno)
}

func TestHTTPChannelSocketWrongKind(t *testing.T) {
	sock := New(wasi.AddressFamilyInet4, wasi.SocketTypeStream, wasi.ProtocolTCP)

	_, errno := sock.HTTPChannelSocket(HTTPChannelResponse)
	require.Equal(t, wasi.ErrnoNotsup, errno)
	_, errno = sock.HTTPStatus()
	require.Equal(t, wasi.ErrnoNotsup, errno)

	require.NoError(t, sock.Close())
	_, errno = sock.HTTPChannelSocket(HTTPChannelResponse)
	require.Equal(t, wasi.ErrnoIo, errno)
}

func TestHTTPRequestFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	ctx := context.Background()
	req, err := NewHTTPRequest(ctx, nil, http.MethodGet, server.URL, nil)
	require.NoError(t, err)
	defer req.Close()

	_, errno := req.HTTPStatus()
	require.Equal(t, wasi.ErrnoIo, errno)

	resp, errno := req.HTTPChannelSocket(HTTPChannelResponse)
	require.Equal(t, wasi.ErrnoSuccess, errno)
	_, errno = resp.Recv(ctx, make([]byte, 8))
	require.Equal(t, wasi.ErrnoIo, errno)
}
