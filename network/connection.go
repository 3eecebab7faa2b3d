package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrPongTimeout closes a connection whose peer stayed silent through a keep-alive ping.
var ErrPongTimeout = errors.New("network: pong timeout")

// ConnectionOptions names both ends of a handshaken stream and tunes keep-alive.
type ConnectionOptions struct {
	LocalDeviceID     string
	PeerDeviceID      string
	PeerDeviceName    string
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
}

// PeerConnection is a Channel over a length-prefixed frame stream. Keep-alive frames
// never reach Receive; any inbound frame counts as proof of life.
type PeerConnection struct {
	conn net.Conn
	opts ConnectionOptions

	writeMu sync.Mutex
	inbound chan Message

	// unix nanos of the last frame read and of the last ping sent
	lastRead atomic.Int64
	lastPing atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
	cause     error
}

var _ Channel = (*PeerConnection)(nil)

// NewPeerConnection starts the read and keep-alive loops on a stream that already
// completed the hello exchange.
func NewPeerConnection(conn net.Conn, options ConnectionOptions) *PeerConnection {
	if options.KeepAliveInterval <= 0 {
		options.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if options.KeepAliveTimeout <= 0 {
		options.KeepAliveTimeout = DefaultKeepAliveTimeout
	}

	pc := &PeerConnection{
		conn:    conn,
		opts:    options,
		inbound: make(chan Message, 64),
		done:    make(chan struct{}),
	}
	pc.lastRead.Store(time.Now().UnixNano())

	go pc.readLoop()
	go pc.keepAlive()
	return pc
}

// PeerID is the device id the remote side announced in its hello.
func (pc *PeerConnection) PeerID() string { return pc.opts.PeerDeviceID }

// PeerName is the remote device's display name, possibly empty.
func (pc *PeerConnection) PeerName() string { return pc.opts.PeerDeviceName }

// RemoteAddr is the address of the underlying stream.
func (pc *PeerConnection) RemoteAddr() net.Addr {
	return pc.conn.RemoteAddr()
}

// Done is closed once the connection has shut down for any reason.
func (pc *PeerConnection) Done() <-chan struct{} {
	return pc.done
}

// IsOpen reports whether Done is still open.
func (pc *PeerConnection) IsOpen() bool {
	select {
	case <-pc.done:
		return false
	default:
		return true
	}
}

// Err is why the connection closed: nil while open or after a clean close.
func (pc *PeerConnection) Err() error {
	if pc.IsOpen() {
		return nil
	}
	return pc.cause
}

// Send writes message as one frame. Concurrent senders are serialized.
func (pc *PeerConnection) Send(message Message) error {
	if !pc.IsOpen() {
		return pc.closedError()
	}
	payload, err := EncodeMessage(message)
	if err != nil {
		return err
	}

	pc.writeMu.Lock()
	err = WriteFrame(pc.conn, payload)
	pc.writeMu.Unlock()
	if err != nil {
		pc.shutdown(fmt.Errorf("write frame: %w", err))
		return pc.closedError()
	}
	return nil
}

// Receive returns the next message, draining what arrived before a close.
func (pc *PeerConnection) Receive(ctx context.Context) (Message, error) {
	select {
	case message := <-pc.inbound:
		return message, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-pc.done:
	}

	select {
	case message := <-pc.inbound:
		return message, nil
	default:
		return nil, pc.closedError()
	}
}

// Close shuts the stream. The remote side sees its channel close.
func (pc *PeerConnection) Close() error {
	pc.shutdown(nil)
	return nil
}

func (pc *PeerConnection) closedError() error {
	if err := pc.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrChannelClosed, err)
	}
	return ErrChannelClosed
}

func (pc *PeerConnection) readLoop() {
	for {
		payload, err := ReadFrame(pc.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				err = nil
			} else {
				err = fmt.Errorf("read frame: %w", err)
			}
			pc.shutdown(err)
			return
		}
		pc.lastRead.Store(time.Now().UnixNano())

		message, err := DecodeMessage(payload)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "readLoop",
				"peer_id":  pc.PeerID(),
				"error":    err,
			}).Warn("Dropping undecodable frame")
			continue
		}

		switch message.(type) {
		case Ping:
			// Answer off the read loop so a blocked writer cannot stall reads.
			go func() { _ = pc.Send(Pong{Timestamp: time.Now().UnixMilli()}) }()
		case Pong, Hello:
		default:
			select {
			case pc.inbound <- message:
			case <-pc.done:
				return
			}
		}
	}
}

// keepAlive pings after KeepAliveInterval of silence and gives up when nothing at all
// is read for KeepAliveTimeout after that ping.
func (pc *PeerConnection) keepAlive() {
	ticker := time.NewTicker(max(pc.opts.KeepAliveInterval/4, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-pc.done:
			return
		case now := <-ticker.C:
			lastRead := time.Unix(0, pc.lastRead.Load())
			lastPing := time.Unix(0, pc.lastPing.Load())
			pinged := lastPing.After(lastRead)

			switch {
			case pinged && now.Sub(lastPing) >= pc.opts.KeepAliveTimeout:
				logrus.WithFields(logrus.Fields{
					"function": "keepAlive",
					"peer_id":  pc.PeerID(),
					"silent":   now.Sub(lastRead).Round(time.Millisecond).String(),
				}).Warn("Peer missed keep-alive")
				pc.shutdown(ErrPongTimeout)
				return
			case !pinged && now.Sub(lastRead) >= pc.opts.KeepAliveInterval:
				pc.lastPing.Store(now.UnixNano())
				if err := pc.Send(Ping{Timestamp: now.UnixMilli()}); err != nil {
					return
				}
			}
		}
	}
}

func (pc *PeerConnection) shutdown(cause error) {
	pc.closeOnce.Do(func() {
		pc.cause = cause
		_ = pc.conn.Close()
		close(pc.done)
	})
}
