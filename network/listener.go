package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
)

const (
	// TransportTCP carries length-prefixed frames over a TCP stream.
	TransportTCP = "tcp"
	// TransportWebSocket carries one envelope per websocket message.
	TransportWebSocket = "websocket"
)

// ErrListenerClosed is returned by Accept once the listener has shut down.
var ErrListenerClosed = errors.New("listener closed")

// Listener hands out peers that completed the hello exchange, whatever the transport.
type Listener interface {
	Addr() net.Addr
	// Endpoint is what a peer passes to DialTransport to reach this listener.
	Endpoint() string
	Accept(ctx context.Context) (Channel, error)
	// Errors reports rejected connections. It is closed by Close.
	Errors() <-chan error
	Close() error
}

var (
	_ Listener = (*Server)(nil)
	_ Listener = (*WSServer)(nil)
)

// ListenTransport starts a TCP or websocket listener on address.
func ListenTransport(transport, address string, options HandshakeOptions) (Listener, error) {
	switch transport {
	case TransportTCP, "":
		server, err := Listen(address, options)
		if err != nil {
			return nil, err
		}
		return server, nil
	case TransportWebSocket:
		server, err := ListenWebSocket(address, options)
		if err != nil {
			return nil, err
		}
		return server, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", transport)
	}
}

// DialTransport connects to address over transport. ws:// and wss:// addresses always use
// the websocket transport; a bare host:port gets WebSocketPath appended.
func DialTransport(ctx context.Context, transport, address string, options HandshakeOptions) (Channel, error) {
	if strings.HasPrefix(address, "ws://") || strings.HasPrefix(address, "wss://") {
		transport = TransportWebSocket
	}

	switch transport {
	case TransportTCP, "":
		conn, err := DialContext(ctx, address, options)
		if err != nil {
			return nil, err
		}
		return conn, nil
	case TransportWebSocket:
		url := address
		if !strings.Contains(url, "://") {
			url = "ws://" + address + WebSocketPath
		}
		conn, err := DialWebSocket(ctx, url, options)
		if err != nil {
			return nil, err
		}
		return conn, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", transport)
	}
}

// acceptQueue is the accept side shared by Server and WSServer: handshaken channels wait
// here for Accept, and Close drains whatever nobody took.
type acceptQueue struct {
	accepted chan Channel
	errs     chan error

	mu        sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newAcceptQueue() *acceptQueue {
	return &acceptQueue{
		accepted: make(chan Channel, 16),
		errs:     make(chan error, 16),
		closed:   make(chan struct{}),
	}
}

// begin registers an in-flight handshake; false once the queue is shutting down.
func (q *acceptQueue) begin() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	select {
	case <-q.closed:
		return false
	default:
	}
	q.wg.Add(1)
	return true
}

func (q *acceptQueue) end() {
	q.wg.Done()
}

func (q *acceptQueue) isClosed() bool {
	select {
	case <-q.closed:
		return true
	default:
		return false
	}
}

func (q *acceptQueue) offer(ch Channel) {
	select {
	case q.accepted <- ch:
	case <-q.closed:
		_ = ch.Close()
	}
}

func (q *acceptQueue) report(err error) {
	if err == nil || errors.Is(err, net.ErrClosed) || q.isClosed() {
		return
	}
	select {
	case q.errs <- err:
	default:
	}
}

// Accept waits for the next peer.
func (q *acceptQueue) Accept(ctx context.Context) (Channel, error) {
	select {
	case ch, ok := <-q.accepted:
		if !ok {
			return nil, ErrListenerClosed
		}
		return ch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Errors returns asynchronous accept errors.
func (q *acceptQueue) Errors() <-chan error {
	return q.errs
}

func (q *acceptQueue) shutdown(stop func() error) error {
	var err error
	q.closeOnce.Do(func() {
		q.mu.Lock()
		close(q.closed)
		q.mu.Unlock()

		err = stop()
		q.wg.Wait()

		close(q.accepted)
		for ch := range q.accepted {
			_ = ch.Close()
		}
		close(q.errs)
	})
	return err
}
