// Package server implements the Listener / Session Layer (spec §4.2):
// a TCP acceptor that spawns one worker per connection, each reading
// newline-delimited requests and writing one JSON response per
// request until the client disconnects or SHUTDOWN is received.
package server

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"replikv/protocol"
)

// readBufferSize is the generous read buffer spec §4.2 calls for
// ("Read buffer is generous (>=4 KiB)").
const readBufferSize = 64 * 1024

// Server is the TCP acceptor.
type Server struct {
	addr       string
	handler    *protocol.Handler
	log        *logrus.Logger
	onShutdown func()

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

// New builds a Server bound to addr once Serve is called. onShutdown is
// invoked, once, after a SHUTDOWN command's response has been flushed
// to its caller; wiring it to stop the process is main.go's job so this
// package stays free of os.Exit calls.
func New(addr string, handler *protocol.Handler, log *logrus.Logger, onShutdown func()) *Server {
	return &Server{addr: addr, handler: handler, log: log, onShutdown: onShutdown}
}

// Listen binds the TCP listener. Splitting this out from Serve lets the
// caller detect a fatal bind error (spec §6: "non-zero on fatal bind
// error") before committing to a background accept loop.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return nil
}

// Serve accepts connections until Close is called. If Listen has not
// been called yet, Serve binds first. It returns nil on an orderly close.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
		s.mu.Lock()
		ln = s.listener
		s.mu.Unlock()
	}

	s.log.WithField("addr", ln.Addr().String()).Info("listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			s.log.WithField("err", err).Warn("accept error")
			continue
		}
		go s.session(conn)
	}
}

// Close stops accepting new connections. Sessions that are already open
// are not closed by it; they keep serving until their client disconnects.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

// Addr returns the resolved listen address, useful for tests that bind
// to port 0.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) session(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, readBufferSize), readBufferSize)
	writer := bufio.NewWriter(conn)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		resp, shutdown := s.handler.Handle(line)

		payload, err := json.Marshal(resp)
		if err != nil {
			s.log.WithField("err", err).Error("failed to marshal response")
			continue
		}
		if _, err := writer.Write(payload); err != nil {
			return
		}
		if _, err := writer.WriteString("\n"); err != nil {
			return
		}
		if err := writer.Flush(); err != nil {
			return
		}

		if shutdown {
			if s.onShutdown != nil {
				s.onShutdown()
			}
			return
		}
	}
	// Client disconnect or I/O error: close quietly (spec §4.2).
}
