package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// HandshakeOptions configures the hello exchange and connection behavior.
type HandshakeOptions struct {
	DeviceID   string
	DeviceName string

	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
}

func (o HandshakeOptions) withDefaults() HandshakeOptions {
	out := o
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	if out.KeepAliveInterval <= 0 {
		out.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if out.KeepAliveTimeout <= 0 {
		out.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	return out
}

func (o HandshakeOptions) validateIdentity() error {
	if strings.TrimSpace(o.DeviceID) == "" {
		return errors.New("device ID is required")
	}
	return nil
}

func (o HandshakeOptions) hello() Hello {
	return Hello{
		DeviceID:        o.DeviceID,
		DeviceName:      o.DeviceName,
		ProtocolVersion: ProtocolVersion,
	}
}

func (o HandshakeOptions) connectionOptions(remote Hello) ConnectionOptions {
	return ConnectionOptions{
		LocalDeviceID:     o.DeviceID,
		PeerDeviceID:      remote.DeviceID,
		PeerDeviceName:    remote.DeviceName,
		KeepAliveInterval: o.KeepAliveInterval,
		KeepAliveTimeout:  o.KeepAliveTimeout,
	}
}

// exchangeHello swaps Hello frames; the initiator writes first.
func exchangeHello(conn net.Conn, options HandshakeOptions, initiator bool) (Hello, error) {
	if err := conn.SetDeadline(time.Now().Add(options.ConnectionTimeout)); err != nil {
		return Hello{}, fmt.Errorf("set hello deadline: %w", err)
	}

	if initiator {
		if err := WriteMessageFrame(conn, options.hello()); err != nil {
			return Hello{}, fmt.Errorf("write hello: %w", err)
		}
	}

	message, err := ReadMessageFrameWithTimeout(conn, options.ConnectionTimeout)
	if err != nil {
		return Hello{}, fmt.Errorf("read hello: %w", err)
	}
	remote, err := validateHello(message, options.DeviceID)
	if err != nil {
		return Hello{}, err
	}

	if !initiator {
		if err := WriteMessageFrame(conn, options.hello()); err != nil {
			return Hello{}, fmt.Errorf("write hello: %w", err)
		}
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return Hello{}, fmt.Errorf("clear hello deadline: %w", err)
	}
	return remote, nil
}

func validateHello(message Message, localDeviceID string) (Hello, error) {
	hello, ok := message.(Hello)
	if !ok {
		return Hello{}, fmt.Errorf("expected %q, got %q", TypeHello, message.MessageType())
	}
	if hello.ProtocolVersion != ProtocolVersion {
		return Hello{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, hello.ProtocolVersion)
	}
	if strings.TrimSpace(hello.DeviceID) == "" {
		return Hello{}, errors.New("hello is missing device ID")
	}
	if hello.DeviceID == localDeviceID {
		return Hello{}, errors.New("refusing connection to self")
	}
	return hello, nil
}

// Dial connects over TCP and runs the hello exchange as the initiator.
func Dial(address string, options HandshakeOptions) (*PeerConnection, error) {
	return DialContext(context.Background(), address, options)
}

// DialContext is Dial with ctx bounding the connect. The hello exchange is bounded by
// ConnectionTimeout.
func DialContext(ctx context.Context, address string, options HandshakeOptions) (*PeerConnection, error) {
	opts := options.withDefaults()
	if err := opts.validateIdentity(); err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: opts.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	return Handshake(conn, opts, true)
}

// Handshake runs the hello exchange on conn and wraps it. conn is closed on failure.
func Handshake(conn net.Conn, options HandshakeOptions, initiator bool) (*PeerConnection, error) {
	opts := options.withDefaults()
	err := opts.validateIdentity()
	var remote Hello
	if err == nil {
		remote, err = exchangeHello(conn, opts, initiator)
	}
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return NewPeerConnection(conn, opts.connectionOptions(remote)), nil
}
