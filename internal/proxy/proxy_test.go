package proxy

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/lmercer/proxycache/internal/cache"
	"github.com/lmercer/proxycache/internal/config"
	"github.com/lmercer/proxycache/internal/logging"
	"github.com/lmercer/proxycache/internal/request"
)

// newBareServer builds a Server without a listener, for unit tests of
// connection-level helpers.
func newBareServer(cfg *config.Config) *Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	events := logging.NewEventLogger(logging.EventLoggerConfig{StdoutEnabled: false})
	store := cache.NewMemoryCache(cfg.Cache.CapacityBytes(), cfg.Cache.MaxEntryBytes())
	return NewServer(logger, events, store, cfg)
}

func testConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.Server.BindAddress = "127.0.0.1"
	cfg.Server.ProxyPort = 0
	cfg.Server.MaxConnections = 32
	cfg.Timeouts.Socket = "5s"
	cfg.Timeouts.TunnelIdle = "5s"
	return cfg
}

func TestBuildOriginRequest(t *testing.T) {
	t.Run("rewrites request line and leading headers", func(t *testing.T) {
		req := &request.Request{
			Method: "GET",
			URL:    "http://www.example.com/page.html",
			Host:   "www.example.com",
			Port:   80,
			Path:   "/page.html",
		}
		header := []byte("GET http://www.example.com/page.html HTTP/1.1\r\n" +
			"Host: www.example.com\r\n" +
			"User-Agent: test-agent\r\n" +
			"Connection: keep-alive\r\n" +
			"Accept: */*\r\n" +
			"\r\n")

		got := string(buildOriginRequest(req, header))
		want := "GET /page.html HTTP/1.1\r\n" +
			"Host: www.example.com\r\n" +
			"Connection: close\r\n" +
			"User-Agent: test-agent\r\n" +
			"Accept: */*\r\n" +
			"\r\n"
		if got != want {
			t.Errorf("origin request mismatch:\ngot:\n%q\nwant:\n%q", got, want)
		}
	})

	t.Run("header filtering is case-insensitive", func(t *testing.T) {
		req := &request.Request{Method: "GET", Host: "example.com", Port: 80, Path: "/"}
		header := []byte("GET http://example.com/ HTTP/1.1\r\n" +
			"HOST: example.com\r\n" +
			"connection: upgrade\r\n" +
			"X-Keep: yes\r\n" +
			"\r\n")

		got := string(buildOriginRequest(req, header))
		if strings.Contains(got, "HOST:") || strings.Contains(got, "connection: upgrade") {
			t.Errorf("client Host/Connection lines leaked into origin request:\n%q", got)
		}
		if !strings.Contains(got, "X-Keep: yes\r\n") {
			t.Errorf("unrelated header was dropped:\n%q", got)
		}
	})

	t.Run("no extra headers", func(t *testing.T) {
		req := &request.Request{Method: "GET", Host: "example.com", Port: 80, Path: "/"}
		header := []byte("GET http://example.com/ HTTP/1.1\r\n\r\n")

		got := string(buildOriginRequest(req, header))
		want := "GET / HTTP/1.1\r\nHost: example.com\r\nConnection: close\r\n\r\n"
		if got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	})
}

func TestReadHeaders(t *testing.T) {
	t.Run("returns header block and residual", func(t *testing.T) {
		s := newBareServer(testConfig())
		client, server := net.Pipe()
		defer client.Close()
		defer server.Close()

		go func() {
			client.Write([]byte("GET http://example.com/ HTTP/1.1\r\nAccept: */*\r\n\r\nBODY"))
		}()

		header, residual, err := s.readHeaders(server)
		if err != nil {
			t.Fatalf("readHeaders returned error: %v", err)
		}
		if !bytes.HasSuffix(header, []byte("\r\n\r\n")) {
			t.Errorf("header does not end with terminator: %q", header)
		}
		if string(residual) != "BODY" {
			t.Errorf("residual = %q, want BODY", residual)
		}
	})

	t.Run("assembles header from multiple reads", func(t *testing.T) {
		s := newBareServer(testConfig())
		client, server := net.Pipe()
		defer client.Close()
		defer server.Close()

		go func() {
			client.Write([]byte("GET http://example.com/ HTT"))
			client.Write([]byte("P/1.1\r\nAccept: "))
			client.Write([]byte("*/*\r\n\r\n"))
		}()

		header, residual, err := s.readHeaders(server)
		if err != nil {
			t.Fatalf("readHeaders returned error: %v", err)
		}
		if !strings.Contains(string(header), "Accept: */*") {
			t.Errorf("header incomplete: %q", header)
		}
		if len(residual) != 0 {
			t.Errorf("residual = %q, want empty", residual)
		}
	})

	t.Run("rejects oversized headers", func(t *testing.T) {
		cfg := testConfig()
		cfg.Server.MaxHeaderBytes = 256
		s := newBareServer(cfg)

		client, server := net.Pipe()
		defer client.Close()
		defer server.Close()

		go func() {
			client.Write([]byte("GET http://example.com/ HTTP/1.1\r\nX-Filler: " +
				strings.Repeat("a", 300)))
		}()

		_, _, err := s.readHeaders(server)
		if !errors.Is(err, errHeaderTooLarge) {
			t.Fatalf("error = %v, want errHeaderTooLarge", err)
		}
	})

	t.Run("disconnect before terminator reports the read error", func(t *testing.T) {
		s := newBareServer(testConfig())
		client, server := net.Pipe()
		defer server.Close()

		go func() {
			client.Write([]byte("GET http://example.com/ HTTP/1.1\r\n"))
			client.Close()
		}()

		_, _, err := s.readHeaders(server)
		if err == nil {
			t.Fatal("expected error for disconnect mid-headers")
		}
		if errors.Is(err, errHeaderTooLarge) {
			t.Fatal("disconnect must not be reported as oversized headers")
		}
	})
}

func TestSendErrorResponse(t *testing.T) {
	s := newBareServer(testConfig())
	client, server := net.Pipe()
	defer client.Close()

	go func() {
		s.sendErrorResponse(server, 502, "Bad Gateway")
		server.Close()
	}()

	data, _ := io.ReadAll(client)
	response := string(data)

	if !strings.HasPrefix(response, "HTTP/1.1 502 Bad Gateway\r\n") {
		t.Errorf("unexpected status line: %q", response)
	}
	if !strings.Contains(response, "Connection: close\r\n") {
		t.Error("error response missing Connection: close")
	}
	if !strings.Contains(response, "<H1>502 Bad Gateway</H1>") {
		t.Error("error response missing HTML body")
	}
}

func TestDialerRefusedPort(t *testing.T) {
	d := NewDialer(2*time.Second, time.Minute, time.Second)

	// Grab a port that nothing is listening on.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve port: %v", err)
	}
	addr := l.Addr().(*net.TCPAddr)
	l.Close()

	if _, err := d.Dial("127.0.0.1", addr.Port); err == nil {
		t.Fatal("expected connection to closed port to fail")
	}
}

func TestDialerCachesLookupFailures(t *testing.T) {
	d := NewDialer(2*time.Second, time.Minute, time.Minute)

	host := "definitely-not-a-real-host.invalid"
	if _, err := d.Dial(host, 80); err == nil {
		t.Fatal("expected resolution failure")
	}

	// The negative entry short-circuits the second attempt.
	start := time.Now()
	if _, err := d.Dial(host, 80); err == nil {
		t.Fatal("expected cached resolution failure")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("second lookup took %v, expected the cached failure to return quickly", elapsed)
	}
}
