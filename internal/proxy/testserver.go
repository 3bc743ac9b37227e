package proxy

import (
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
)

// TestOrigin is a stub origin server for proxy tests. It counts requests
// so tests can tell a cache hit from a second origin fetch.
type TestOrigin struct {
	*httptest.Server
	requestCount int64
}

// NewTestOrigin creates an origin with a few predefined endpoints.
func NewTestOrigin() *TestOrigin {
	ts := &TestOrigin{}

	mux := http.NewServeMux()
	mux.HandleFunc("/static", ts.handleStatic)
	mux.HandleFunc("/large", ts.handleLarge)
	mux.HandleFunc("/headers", ts.handleHeaders)

	ts.Server = httptest.NewServer(mux)
	return ts
}

// GetRequestCount returns the total number of requests received.
func (ts *TestOrigin) GetRequestCount() int64 {
	return atomic.LoadInt64(&ts.requestCount)
}

// Host returns the origin's host:port.
func (ts *TestOrigin) Host() string {
	return ts.Listener.Addr().String()
}

func (ts *TestOrigin) handleStatic(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&ts.requestCount, 1)
	w.Header().Set("Content-Type", "text/html")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("<html><body>static origin content</body></html>"))
}

func (ts *TestOrigin) handleLarge(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&ts.requestCount, 1)

	size := 1024 * 1024
	if s, err := strconv.Atoi(r.URL.Query().Get("size")); err == nil && s > 0 {
		size = s
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)

	chunk := strings.Repeat("A", 1024)
	for remaining := size; remaining > 0; {
		if remaining < len(chunk) {
			w.Write([]byte(chunk[:remaining]))
			break
		}
		w.Write([]byte(chunk))
		remaining -= len(chunk)
	}
}

func (ts *TestOrigin) handleHeaders(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&ts.requestCount, 1)
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "host=%s connection=%s x-custom=%s",
		r.Host, r.Header.Get("Connection"), r.Header.Get("X-Custom"))
}

// EchoOrigin is a raw TCP server that echoes every byte back, for
// exercising CONNECT tunnels without TLS.
type EchoOrigin struct {
	listener net.Listener
	// Closed receives one value per connection when the peer disconnects.
	Closed chan struct{}
}

// NewEchoOrigin starts an echo server on an ephemeral loopback port.
func NewEchoOrigin() (*EchoOrigin, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	e := &EchoOrigin{
		listener: l,
		Closed:   make(chan struct{}, 16),
	}
	go e.serve()
	return e, nil
}

// Host returns the echo server's host:port.
func (e *EchoOrigin) Host() string {
	return e.listener.Addr().String()
}

// Close stops the listener.
func (e *EchoOrigin) Close() {
	e.listener.Close()
}

func (e *EchoOrigin) serve() {
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			return
		}
		go func(c net.Conn) {
			defer c.Close()
			buf := make([]byte, 4096)
			for {
				n, err := c.Read(buf)
				if n > 0 {
					if _, werr := c.Write(buf[:n]); werr != nil {
						break
					}
				}
				if err != nil {
					break
				}
			}
			e.Closed <- struct{}{}
		}(conn)
	}
}
