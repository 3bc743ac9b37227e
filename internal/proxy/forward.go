package proxy

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/lmercer/proxycache/internal/logging"
	"github.com/lmercer/proxycache/internal/request"
)

// forward serves one plain-HTTP exchange: probe the cache, otherwise
// rewrite the request to origin form, relay it upstream and stream the
// response back while feeding the cache accumulator.
func (s *Server) forward(client net.Conn, id uint64, connID uuid.UUID, req *request.Request, header, body []byte) {
	s.events.Client(logging.LevelInfo, id, connID, "HTTP", "Request received.")

	if req.Cacheable() {
		if payload, ok := s.store.Get(req.URL); ok {
			s.events.Client(logging.LevelInfo, id, connID, "CACHE_HIT", "%s", req.URL)
			if err := s.writeAll(client, payload); err != nil {
				s.events.Client(logging.LevelError, id, connID, "CLIENT", "send of cached response failed: %v", err)
			}
			return
		}
		s.events.Client(logging.LevelInfo, id, connID, "CACHE_MISS", "%s", req.URL)
	}

	s.events.Client(logging.LevelInfo, id, connID, "REMOTE", "Connecting to %s:%d", req.Host, req.Port)
	origin, err := s.dialer.Dial(req.Host, req.Port)
	if err != nil {
		s.events.Client(logging.LevelError, id, connID, "REMOTE", "Failed to connect to %s: %v", req.Host, err)
		s.sendErrorResponse(client, 502, "Bad Gateway")
		return
	}
	defer origin.Close()

	out := buildOriginRequest(req, header)
	// Any bytes the client sent past the header terminator travel with
	// the rewritten headers; no body framing is attempted.
	out = append(out, body...)

	s.events.Client(logging.LevelInfo, id, connID, "REMOTE", "Forwarding: %s %s", req.Method, req.Path)
	if err := s.writeAll(origin, out); err != nil {
		s.events.Client(logging.LevelError, id, connID, "REMOTE", "send failed: %v", err)
		return
	}

	s.streamResponse(client, origin, id, connID, req)
}

// streamResponse relays the origin's bytes to the client until the origin
// closes, accumulating a copy for the cache while the response stays
// within the per-entry bound. The cache is only written after a clean
// origin close; any mid-stream error discards the accumulator.
func (s *Server) streamResponse(client, origin net.Conn, id uint64, connID uuid.UUID, req *request.Request) {
	timeout := s.cfg.Timeouts.GetSocket()
	maxEntry := s.cfg.Cache.MaxEntryBytes()

	caching := req.Cacheable()
	var accumulated []byte
	buf := make([]byte, chunkSize)

	for {
		origin.SetReadDeadline(time.Now().Add(timeout))
		n, err := origin.Read(buf)
		if n > 0 {
			if werr := s.writeAll(client, buf[:n]); werr != nil {
				s.events.Client(logging.LevelError, id, connID, "CLIENT", "send to client failed: %v", werr)
				return
			}
			if caching {
				if int64(len(accumulated)+n) > maxEntry {
					s.events.Client(logging.LevelWarn, id, connID, "CACHE", "Response too large to cache.")
					caching = false
					accumulated = nil
				} else {
					accumulated = append(accumulated, buf[:n]...)
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			s.events.Client(logging.LevelError, id, connID, "REMOTE", "recv failed: %v", err)
			return
		}
	}

	if caching && len(accumulated) > 0 {
		s.events.Client(logging.LevelInfo, id, connID, "CACHE_ADD", "Storing %d bytes for: %s", len(accumulated), req.URL)
		s.store.Put(req.URL, accumulated)
	}
}

// buildOriginRequest rewrites the client's absolute-form request into
// origin form: the request line carries only the path, Host and
// Connection: close lead the header block, and the client's remaining
// headers follow in their original order minus any Host or Connection
// lines.
func buildOriginRequest(req *request.Request, header []byte) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", req.Method, req.Path)
	fmt.Fprintf(&b, "Host: %s\r\n", req.Host)
	b.WriteString("Connection: close\r\n")

	rest := header
	if i := bytes.Index(rest, []byte("\r\n")); i >= 0 {
		rest = rest[i+2:]
	}
	for len(rest) > 0 {
		i := bytes.Index(rest, []byte("\r\n"))
		if i < 0 {
			break
		}
		line := rest[:i]
		rest = rest[i+2:]
		if len(line) == 0 {
			break
		}
		if hasHeaderName(line, "Host:") || hasHeaderName(line, "Connection:") {
			continue
		}
		b.Write(line)
		b.WriteString("\r\n")
	}

	b.WriteString("\r\n")
	return b.Bytes()
}

// hasHeaderName reports whether line starts with name, compared
// case-insensitively.
func hasHeaderName(line []byte, name string) bool {
	if len(line) < len(name) {
		return false
	}
	return bytes.EqualFold(line[:len(name)], []byte(name))
}
