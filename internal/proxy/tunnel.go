package proxy

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/lmercer/proxycache/internal/logging"
	"github.com/lmercer/proxycache/internal/request"
)

// tunnelBufferSize is the per-direction relay buffer.
const tunnelBufferSize = 8192

// tunnel serves a CONNECT request: connect to the origin, confirm with
// 200 OK, then relay opaque bytes in both directions until either side
// closes or the tunnel goes idle. Nothing is inspected or cached.
func (s *Server) tunnel(client net.Conn, id uint64, connID uuid.UUID, req *request.Request, early []byte) {
	s.events.Client(logging.LevelInfo, id, connID, "CONNECT", "HTTPS tunnel request.")
	s.events.Client(logging.LevelInfo, id, connID, "CONNECT", "Tunneling to %s:%d", req.Host, req.Port)

	origin, err := s.dialer.Dial(req.Host, req.Port)
	if err != nil {
		// No response for failed tunnels; the client just sees the close.
		s.events.Client(logging.LevelError, id, connID, "CONNECT", "Failed to connect to %s: %v", req.Host, err)
		return
	}
	defer origin.Close()

	if err := s.writeAll(client, []byte("HTTP/1.1 200 OK\r\n\r\n")); err != nil {
		s.events.Client(logging.LevelError, id, connID, "CONNECT", "send of 200 OK failed: %v", err)
		return
	}
	if len(early) > 0 {
		if err := s.writeAll(origin, early); err != nil {
			s.events.Client(logging.LevelError, id, connID, "CONNECT", "send failed: %v", err)
			return
		}
	}

	s.events.Client(logging.LevelInfo, id, connID, "CONNECT", "Tunnel established to %s:%d", req.Host, req.Port)
	s.relay(client, origin)
	s.events.Client(logging.LevelInfo, id, connID, "CONNECT", "Tunnel closed for %s:%d", req.Host, req.Port)
}

// relay moves bytes between the two sockets until one side closes, an
// I/O error occurs, or no byte has moved in either direction for the
// idle timeout. The first direction to finish closes both sockets, which
// unblocks the other.
func (s *Server) relay(client, origin net.Conn) {
	idle := s.cfg.Timeouts.GetTunnelIdle()
	timeout := s.cfg.Timeouts.GetSocket()

	var lastActive atomic.Int64
	lastActive.Store(time.Now().UnixNano())

	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			client.Close()
			origin.Close()
		})
	}

	copyLoop := func(dst, src net.Conn, wg *sync.WaitGroup) {
		defer wg.Done()
		defer closeBoth()

		buf := make([]byte, tunnelBufferSize)
		for {
			// The read deadline tracks tunnel-wide activity: a direction
			// may sit quiet indefinitely as long as the other still
			// moves bytes.
			last := lastActive.Load()
			src.SetReadDeadline(time.Unix(0, last).Add(idle))

			n, err := src.Read(buf)
			if n > 0 {
				lastActive.Store(time.Now().UnixNano())
				dst.SetWriteDeadline(time.Now().Add(timeout))
				if _, werr := dst.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() && lastActive.Load() > last {
					continue
				}
				return
			}
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go copyLoop(origin, client, &wg)
	go copyLoop(client, origin, &wg)
	wg.Wait()
}
