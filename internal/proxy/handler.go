package proxy

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/lmercer/proxycache/internal/logging"
	"github.com/lmercer/proxycache/internal/request"
)

// chunkSize is the read unit for origin responses and client headers.
const chunkSize = 4096

var (
	headerTerminator  = []byte("\r\n\r\n")
	errHeaderTooLarge = errors.New("request headers exceed limit")
)

// handleConn is the per-connection entry point. It owns both sockets for
// the lifetime of the exchange and guarantees the admission permit is
// returned exactly once, whatever path the handler leaves through.
func (s *Server) handleConn(conn net.Conn, id uint64, connID uuid.UUID) {
	s.active.Add(1)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("connection handler panic", "client", id, "panic", r)
		}
		conn.Close()
		s.active.Add(-1)
		s.events.Client(logging.LevelInfo, id, connID, "", "Connection closed.")
		<-s.sem
	}()

	header, residual, err := s.readHeaders(conn)
	if err != nil {
		if errors.Is(err, errHeaderTooLarge) {
			s.events.Client(logging.LevelWarn, id, connID, "HTTP", "Header too large.")
			s.sendErrorResponse(conn, 400, "Bad Request")
		} else {
			// Disconnect or timeout before the headers completed.
			s.events.Client(logging.LevelInfo, id, connID, "", "Client disconnected before headers complete.")
		}
		return
	}

	req, mode, err := request.Parse(header)
	if err != nil {
		s.events.Client(logging.LevelError, id, connID, "HTTP", "Failed to parse request: %v", err)
		s.sendErrorResponse(conn, 400, "Bad Request")
		return
	}

	switch mode {
	case request.ModeTunnel:
		s.tunnel(conn, id, connID, req, residual)
	case request.ModeHTTP:
		s.forward(conn, id, connID, req, header, residual)
	}
}

// readHeaders reads from the client until the blank line ending the
// header block, capped at the configured header limit. It returns the
// bytes through the terminator and whatever the client already sent
// beyond it.
func (s *Server) readHeaders(conn net.Conn) (header, residual []byte, err error) {
	timeout := s.cfg.Timeouts.GetSocket()
	limit := s.cfg.Server.MaxHeaderBytes

	buf := make([]byte, 0, chunkSize)
	chunk := make([]byte, chunkSize)
	for {
		if i := bytes.Index(buf, headerTerminator); i >= 0 {
			end := i + len(headerTerminator)
			if end > limit {
				return nil, nil, errHeaderTooLarge
			}
			return buf[:end], buf[end:], nil
		}
		if len(buf) >= limit {
			return nil, nil, errHeaderTooLarge
		}

		conn.SetReadDeadline(time.Now().Add(timeout))
		n, rerr := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if rerr != nil {
			if i := bytes.Index(buf, headerTerminator); i >= 0 {
				end := i + len(headerTerminator)
				if end > limit {
					return nil, nil, errHeaderTooLarge
				}
				return buf[:end], buf[end:], nil
			}
			return nil, nil, rerr
		}
	}
}

// sendErrorResponse writes a minimal HTML error page so clients always
// see a valid HTTP response when the proxy gives up.
func (s *Server) sendErrorResponse(conn net.Conn, status int, reason string) {
	body := fmt.Sprintf("<HTML><HEAD><TITLE>%d %s</TITLE></HEAD><BODY><H1>%d %s</H1></BODY></HTML>",
		status, reason, status, reason)
	response := fmt.Sprintf(
		"HTTP/1.1 %d %s\r\nConnection: close\r\nContent-Type: text/html\r\nContent-Length: %d\r\n\r\n%s",
		status, reason, len(body), body)
	s.writeAll(conn, []byte(response))
}

// writeAll writes b under the socket timeout. net.Conn.Write already
// loops until the buffer is flushed or the connection fails.
func (s *Server) writeAll(conn net.Conn, b []byte) error {
	conn.SetWriteDeadline(time.Now().Add(s.cfg.Timeouts.GetSocket()))
	_, err := conn.Write(b)
	return err
}
