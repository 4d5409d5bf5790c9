package socket

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"

	"github.com/pgavlin/wharf/wasi"
)

// HTTPChannel distinguishes the three unidirectional channels multiplexed
// under one HTTP-shaped socket identity.
type HTTPChannel uint8

const (
	// HTTPChannelRequest carries the outbound request body. Write-only.
	HTTPChannelRequest HTTPChannel = iota
	// HTTPChannelResponse carries the response body. Receive-only.
	HTTPChannelResponse
	// HTTPChannelHeaders carries response headers, one message per header.
	// Receive-only.
	HTTPChannelHeaders
)

// httpExchange is the shared state of one in-flight HTTP request. All
// channel sockets derived from the same request point at the same
// exchange.
type httpExchange struct {
	mu sync.Mutex

	reqBody *io.PipeWriter

	respReady chan struct{}
	respBody  io.ReadCloser
	respErr   error

	// headerQueue holds response headers as discrete messages.
	headerQueue [][]byte

	status int

	readShut  bool
	writeShut bool
}

// httpSocket is one channel view of an exchange.
type httpSocket struct {
	ex *httpExchange
	ch HTTPChannel
}

func (*httpSocket) isKind() {}
func (*webSocket) isKind()  {}

// NewHTTPRequest starts an HTTP request whose body is streamed from the
// returned socket. The request fires immediately; the guest writes the
// body through the Request channel and shuts down the write side to
// finish it. Response and Headers channel sockets are derived with
// HTTPChannelSocket.
func NewHTTPRequest(ctx context.Context, client *http.Client, method, url string, headers http.Header) (*InodeSocket, error) {
	if client == nil {
		client = http.DefaultClient
	}

	pr, pw := io.Pipe()
	var body io.Reader
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodDelete:
		// No request body; release the guest's writer immediately.
		_ = pr.Close()
	default:
		body = pr
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		_ = pw.Close()
		return nil, err
	}
	for key, values := range headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	ex := &httpExchange{
		reqBody:   pw,
		respReady: make(chan struct{}),
	}

	go func() {
		resp, err := client.Do(req)
		ex.mu.Lock()
		if err != nil {
			ex.respErr = err
		} else {
			ex.respBody = resp.Body
			ex.status = resp.StatusCode
			keys := make([]string, 0, len(resp.Header))
			for key := range resp.Header {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			for _, key := range keys {
				for _, v := range resp.Header[key] {
					ex.headerQueue = append(ex.headerQueue, []byte(fmt.Sprintf("%s: %s", key, v)))
				}
			}
		}
		ex.mu.Unlock()
		close(ex.respReady)
	}()

	return &InodeSocket{kind: &httpSocket{ex: ex, ch: HTTPChannelRequest}}, nil
}

// HTTPChannelSocket derives a sibling socket for another channel of the
// same HTTP exchange. Fails with Notsup on non-HTTP sockets.
func (s *InodeSocket) HTTPChannelSocket(ch HTTPChannel) (*InodeSocket, wasi.Errno) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.kind.(*httpSocket)
	if !ok {
		if _, closed := s.kind.(*closedSocket); closed {
			return nil, wasi.ErrnoIo
		}
		return nil, wasi.ErrnoNotsup
	}
	return &InodeSocket{kind: &httpSocket{ex: h.ex, ch: ch}}, wasi.ErrnoSuccess
}

// HTTPStatus reports the response status once the response has arrived.
func (s *InodeSocket) HTTPStatus() (int, wasi.Errno) {
	s.mu.RLock()
	h, ok := s.kind.(*httpSocket)
	s.mu.RUnlock()
	if !ok {
		return 0, wasi.ErrnoNotsup
	}
	<-h.ex.respReady
	h.ex.mu.Lock()
	defer h.ex.mu.Unlock()
	if h.ex.respErr != nil {
		return 0, wasi.ErrnoIo
	}
	return h.ex.status, wasi.ErrnoSuccess
}

func (h *httpSocket) send(data []byte) (int, wasi.Errno) {
	// Response and Headers are receive-only channels.
	if h.ch != HTTPChannelRequest {
		return 0, wasi.ErrnoIo
	}
	h.ex.mu.Lock()
	shut := h.ex.writeShut
	h.ex.mu.Unlock()
	if shut {
		return 0, wasi.ErrnoIo
	}
	n, err := h.ex.reqBody.Write(data)
	if err != nil {
		return n, wasi.ErrnoIo
	}
	return n, wasi.ErrnoSuccess
}

func (h *httpSocket) fill() ([]byte, wasi.Errno) {
	switch h.ch {
	case HTTPChannelRequest:
		return nil, wasi.ErrnoIo
	case HTTPChannelResponse:
		<-h.ex.respReady
		h.ex.mu.Lock()
		body, err, shut := h.ex.respBody, h.ex.respErr, h.ex.readShut
		h.ex.mu.Unlock()
		if err != nil || shut || body == nil {
			return nil, wasi.ErrnoIo
		}
		buf := make([]byte, readScratch)
		n, rerr := body.Read(buf)
		if n > 0 {
			return buf[:n], wasi.ErrnoSuccess
		}
		if rerr == io.EOF {
			return nil, wasi.ErrnoSuccess
		}
		return nil, wasi.ErrnoIo
	case HTTPChannelHeaders:
		<-h.ex.respReady
		h.ex.mu.Lock()
		defer h.ex.mu.Unlock()
		if h.ex.respErr != nil || h.ex.readShut {
			return nil, wasi.ErrnoIo
		}
		if len(h.ex.headerQueue) == 0 {
			return nil, wasi.ErrnoSuccess
		}
		msg := h.ex.headerQueue[0]
		h.ex.headerQueue = h.ex.headerQueue[1:]
		return msg, wasi.ErrnoSuccess
	default:
		return nil, wasi.ErrnoInval
	}
}

// shutdown tears down channels by direction: read kills Response and
// Headers, write kills Request.
func (h *httpSocket) shutdown(how wasi.Shutdown) wasi.Errno {
	h.ex.mu.Lock()
	defer h.ex.mu.Unlock()
	if how&wasi.ShutdownWrite != 0 && !h.ex.writeShut {
		h.ex.writeShut = true
		_ = h.ex.reqBody.Close()
	}
	if how&wasi.ShutdownRead != 0 && !h.ex.readShut {
		h.ex.readShut = true
		if h.ex.respBody != nil {
			_ = h.ex.respBody.Close()
		}
		h.ex.headerQueue = nil
	}
	return wasi.ErrnoSuccess
}

func (h *httpSocket) teardown() {
	_ = h.shutdown(wasi.ShutdownBoth)
}
