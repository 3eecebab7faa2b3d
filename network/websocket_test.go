package network

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebSocketTransportExchangesMessages(t *testing.T) {
	server, err := ListenWebSocket("127.0.0.1:0", HandshakeOptions{DeviceID: "ws-server", DeviceName: "WS Server"})
	require.NoError(t, err)
	defer func() {
		_ = server.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	client, err := DialWebSocket(ctx, server.URL(), HandshakeOptions{DeviceID: "ws-client", DeviceName: "WS Client"})
	require.NoError(t, err)
	defer func() {
		_ = client.Close()
	}()

	ch, err := server.Accept(ctx)
	require.NoError(t, err)
	accepted, ok := ch.(*WSConn)
	require.True(t, ok)
	defer func() {
		_ = accepted.Close()
	}()

	assert.Equal(t, "ws-server", client.PeerID())
	assert.Equal(t, "ws-client", accepted.PeerID())
	assert.Equal(t, "WS Client", accepted.PeerName())

	require.NoError(t, client.Send(FileChunk{TransferID: "t", Index: 1, ChunkCount: 2, Data: []byte("payload")}))
	message, err := accepted.Receive(ctx)
	require.NoError(t, err)
	chunk, isChunk := message.(FileChunk)
	require.True(t, isChunk)
	assert.Equal(t, []byte("payload"), chunk.Data)

	require.NoError(t, client.Close())
	select {
	case <-accepted.Done():
	case <-ctx.Done():
		t.Fatalf("expected accepted side to observe close")
	}
}
