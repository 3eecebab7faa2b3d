package network

import (
	"errors"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
)

// Server accepts TCP peers and runs the responder side of the hello exchange.
type Server struct {
	*acceptQueue

	listener net.Listener
	options  HandshakeOptions
}

// Listen starts a TCP listener. An empty address picks a free port on all interfaces.
func Listen(address string, options HandshakeOptions) (*Server, error) {
	opts := options.withDefaults()
	if err := opts.validateIdentity(); err != nil {
		return nil, err
	}
	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := &Server{
		acceptQueue: newAcceptQueue(),
		listener:    listener,
		options:     opts,
	}
	server.begin()
	go server.acceptLoop()
	return server, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Endpoint returns the host:port peers dial.
func (s *Server) Endpoint() string {
	return s.listener.Addr().String()
}

// Close stops accepting and closes peers nobody accepted.
func (s *Server) Close() error {
	return s.shutdown(s.listener.Close)
}

func (s *Server) acceptLoop() {
	defer s.end()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.report(fmt.Errorf("accept connection: %w", err))
			continue
		}
		if !s.begin() {
			_ = conn.Close()
			return
		}
		go s.handshake(conn)
	}
}

func (s *Server) handshake(conn net.Conn) {
	defer s.end()

	remote, err := exchangeHello(conn, s.options, false)
	if err != nil {
		_ = conn.Close()
		s.report(fmt.Errorf("hello from %s: %w", conn.RemoteAddr(), err))
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "handshake",
		"peer_id":  remote.DeviceID,
		"remote":   conn.RemoteAddr().String(),
	}).Debug("Accepted TCP peer")
	s.offer(NewPeerConnection(conn, s.options.connectionOptions(remote)))
}
