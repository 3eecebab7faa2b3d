package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// WebSocketPath is the HTTP path the websocket transport is served on.
const WebSocketPath = "/nebulasend"

const wsWriteWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// WSConn is a Channel carried over a websocket. Each message travels as one text frame
// holding the encoded envelope.
type WSConn struct {
	conn *websocket.Conn

	peerDeviceID   string
	peerDeviceName string
	idleTimeout    time.Duration

	writeMu sync.Mutex
	inbound chan Message

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

var _ Channel = (*WSConn)(nil)

func newWSConn(conn *websocket.Conn, remote Hello, options HandshakeOptions) *WSConn {
	c := &WSConn{
		conn:           conn,
		peerDeviceID:   remote.DeviceID,
		peerDeviceName: remote.DeviceName,
		idleTimeout:    options.KeepAliveInterval + options.KeepAliveTimeout,
		inbound:        make(chan Message, 64),
		closed:         make(chan struct{}),
	}
	conn.SetReadLimit(MaxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
	})

	go c.readLoop()
	go c.pingLoop(options.KeepAliveInterval)
	return c
}

// PeerID returns the remote device id learned during the hello exchange.
func (c *WSConn) PeerID() string {
	return c.peerDeviceID
}

// PeerName returns the remote device's display name.
func (c *WSConn) PeerName() string {
	return c.peerDeviceName
}

// IsOpen reports whether the websocket is still usable.
func (c *WSConn) IsOpen() bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

// Done is closed once the websocket is closed.
func (c *WSConn) Done() <-chan struct{} {
	return c.closed
}

// Send writes message as one text frame.
func (c *WSConn) Send(message Message) error {
	if !c.IsOpen() {
		return c.terminalError()
	}
	payload, err := EncodeMessage(message)
	if err != nil {
		return err
	}
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.closeWithError(fmt.Errorf("write message: %w", err))
		return err
	}
	return nil
}

// Receive waits for the next inbound message.
func (c *WSConn) Receive(ctx context.Context) (Message, error) {
	select {
	case message := <-c.inbound:
		return message, nil
	case <-c.closed:
		select {
		case message := <-c.inbound:
			return message, nil
		default:
		}
		return nil, c.terminalError()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close sends a close frame and tears the websocket down.
func (c *WSConn) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	c.writeMu.Unlock()
	c.closeWithError(nil)
	return nil
}

func (c *WSConn) readLoop() {
	for {
		messageType, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.closeWithError(fmt.Errorf("read message: %w", err))
				return
			}
			c.closeWithError(nil)
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))

		if messageType != websocket.TextMessage {
			continue
		}

		message, err := DecodeMessage(payload)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "readLoop",
				"peer_id":  c.peerDeviceID,
				"error":    err.Error(),
			}).Warn("Dropping undecodable websocket message")
			continue
		}
		switch message.(type) {
		case Hello, Ping, Pong:
			continue
		}

		select {
		case c.inbound <- message:
		case <-c.closed:
			return
		}
	}
}

func (c *WSConn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			c.writeMu.Unlock()
			if err != nil {
				c.closeWithError(fmt.Errorf("write ping: %w", err))
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *WSConn) terminalError() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	if c.closeErr != nil {
		return fmt.Errorf("%w: %v", ErrChannelClosed, c.closeErr)
	}
	return ErrChannelClosed
}

func (c *WSConn) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.closeErr = err
		c.errMu.Unlock()
		_ = c.conn.Close()
		close(c.closed)
	})
}

// exchangeWSHello swaps Hello messages over a fresh websocket; the dialer writes first.
func exchangeWSHello(conn *websocket.Conn, options HandshakeOptions, initiator bool) (Hello, error) {
	deadline := time.Now().Add(options.ConnectionTimeout)
	_ = conn.SetReadDeadline(deadline)
	_ = conn.SetWriteDeadline(deadline)

	writeHello := func() error {
		payload, err := EncodeMessage(options.hello())
		if err != nil {
			return err
		}
		return conn.WriteMessage(websocket.TextMessage, payload)
	}

	if initiator {
		if err := writeHello(); err != nil {
			return Hello{}, fmt.Errorf("write hello: %w", err)
		}
	}

	_, payload, err := conn.ReadMessage()
	if err != nil {
		return Hello{}, fmt.Errorf("read hello: %w", err)
	}
	message, err := DecodeMessage(payload)
	if err != nil {
		return Hello{}, err
	}
	remote, err := validateHello(message, options.DeviceID)
	if err != nil {
		return Hello{}, err
	}

	if !initiator {
		if err := writeHello(); err != nil {
			return Hello{}, fmt.Errorf("write hello: %w", err)
		}
	}

	_ = conn.SetWriteDeadline(time.Time{})
	return remote, nil
}

// DialWebSocket opens a websocket to url, exchanges hellos, and returns a ready channel.
func DialWebSocket(ctx context.Context, url string, options HandshakeOptions) (*WSConn, error) {
	opts := options.withDefaults()
	if err := opts.validateIdentity(); err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: opts.ConnectionTimeout}
	conn, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket upgrade failed (%d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("websocket upgrade failed (%d)", resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %q: %w", url, err)
	}

	remote, err := exchangeWSHello(conn, opts, true)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return newWSConn(conn, remote, opts), nil
}

// WSServer accepts websocket peers over HTTP.
type WSServer struct {
	*acceptQueue

	listener net.Listener
	http     *http.Server
	options  HandshakeOptions
}

// ListenWebSocket serves the websocket transport on address at WebSocketPath.
func ListenWebSocket(address string, options HandshakeOptions) (*WSServer, error) {
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

	s := &WSServer{
		acceptQueue: newAcceptQueue(),
		listener:    listener,
		options:     opts,
	}
	mux := http.NewServeMux()
	mux.Handle(WebSocketPath, s)
	s.http = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: opts.ConnectionTimeout,
	}

	s.begin()
	go func() {
		defer s.end()
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.report(fmt.Errorf("serve websocket: %w", err))
		}
	}()
	return s, nil
}

// Addr returns the listening address.
func (s *WSServer) Addr() net.Addr {
	return s.listener.Addr()
}

// URL returns the ws:// URL peers should dial.
func (s *WSServer) URL() string {
	return "ws://" + s.listener.Addr().String() + WebSocketPath
}

// Endpoint is the same as URL.
func (s *WSServer) Endpoint() string {
	return s.URL()
}

// ServeHTTP upgrades the request and runs the hello exchange.
func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.begin() {
		http.Error(w, "server closing", http.StatusServiceUnavailable)
		return
	}
	defer s.end()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.report(fmt.Errorf("upgrade %s: %w", r.RemoteAddr, err))
		return
	}

	remote, err := exchangeWSHello(conn, s.options, false)
	if err != nil {
		_ = conn.Close()
		s.report(fmt.Errorf("hello from %s: %w", r.RemoteAddr, err))
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "ServeHTTP",
		"peer_id":  remote.DeviceID,
		"remote":   r.RemoteAddr,
	}).Debug("Accepted websocket peer")
	s.offer(newWSConn(conn, remote, s.options))
}

// Close stops the HTTP server and closes peers nobody accepted.
func (s *WSServer) Close() error {
	return s.shutdown(s.http.Close)
}
