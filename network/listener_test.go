package network

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenTransportAndDialTransport(t *testing.T) {
	for _, transport := range []string{TransportTCP, TransportWebSocket} {
		t.Run(transport, func(t *testing.T) {
			listener, err := ListenTransport(transport, "127.0.0.1:0", HandshakeOptions{DeviceID: "listener"})
			require.NoError(t, err)
			defer func() {
				_ = listener.Close()
			}()

			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()

			address := listener.Endpoint()
			if transport == TransportWebSocket {
				assert.True(t, strings.HasPrefix(address, "ws://"), address)
			}

			client, err := DialTransport(ctx, transport, address, HandshakeOptions{DeviceID: "dialer"})
			require.NoError(t, err)
			defer func() {
				_ = client.Close()
			}()

			accepted, err := listener.Accept(ctx)
			require.NoError(t, err)
			defer func() {
				_ = accepted.Close()
			}()

			assert.Equal(t, "listener", client.PeerID())
			assert.Equal(t, "dialer", accepted.PeerID())

			require.NoError(t, accepted.Send(PinReject{TransferID: "t-1"}))
			message, err := client.Receive(ctx)
			require.NoError(t, err)
			assert.Equal(t, PinReject{TransferID: "t-1"}, message)
		})
	}
}

func TestDialTransportAddsWebSocketPath(t *testing.T) {
	listener, err := ListenTransport(TransportWebSocket, "127.0.0.1:0", HandshakeOptions{DeviceID: "listener"})
	require.NoError(t, err)
	defer func() {
		_ = listener.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	client, err := DialTransport(ctx, TransportWebSocket, listener.Addr().String(), HandshakeOptions{DeviceID: "dialer"})
	require.NoError(t, err)
	_ = client.Close()
}

func TestUnknownTransport(t *testing.T) {
	_, err := ListenTransport("carrier-pigeon", "127.0.0.1:0", HandshakeOptions{DeviceID: "x"})
	require.Error(t, err)
	_, err = DialTransport(context.Background(), "carrier-pigeon", "127.0.0.1:1", HandshakeOptions{DeviceID: "x"})
	require.Error(t, err)
}

func TestAcceptAfterCloseReturnsErrListenerClosed(t *testing.T) {
	listener, err := ListenTransport(TransportTCP, "127.0.0.1:0", HandshakeOptions{DeviceID: "listener"})
	require.NoError(t, err)
	require.NoError(t, listener.Close())
	require.NoError(t, listener.Close())

	_, err = listener.Accept(context.Background())
	require.ErrorIs(t, err, ErrListenerClosed)

	_, open := <-listener.Errors()
	assert.False(t, open)
}

func TestAcceptHonoursContext(t *testing.T) {
	listener, err := ListenTransport(TransportTCP, "127.0.0.1:0", HandshakeOptions{DeviceID: "listener"})
	require.NoError(t, err)
	defer func() {
		_ = listener.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = listener.Accept(ctx)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestCloseClosesUnacceptedPeers(t *testing.T) {
	listener, err := ListenTransport(TransportTCP, "127.0.0.1:0", HandshakeOptions{DeviceID: "listener"})
	require.NoError(t, err)

	client, err := DialTransport(context.Background(), TransportTCP, listener.Endpoint(), HandshakeOptions{DeviceID: "dialer"})
	require.NoError(t, err)
	defer func() {
		_ = client.Close()
	}()

	// Let the responder finish its hello before shutting down.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, listener.Close())

	select {
	case <-client.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("expected unaccepted peer to be closed")
	}
}
