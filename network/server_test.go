package network

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForServerConn(t *testing.T, server *Server) *PeerConnection {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	ch, err := server.Accept(ctx)
	require.NoError(t, err)
	conn, ok := ch.(*PeerConnection)
	require.True(t, ok, "accepted %T", ch)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func listenAndDial(t *testing.T, opts HandshakeOptions) (*Server, *PeerConnection, *PeerConnection) {
	t.Helper()
	serverOpts := opts
	serverOpts.DeviceID, serverOpts.DeviceName = "server-device", "Server"
	server, err := Listen("127.0.0.1:0", serverOpts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Close() })

	clientOpts := opts
	clientOpts.DeviceID, clientOpts.DeviceName = "client-device", "Client"
	client, err := Dial(server.Addr().String(), clientOpts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return server, client, waitForServerConn(t, server)
}

func TestListenAndDialExchangeMessages(t *testing.T) {
	server, client, accepted := listenAndDial(t, HandshakeOptions{})

	assert.Equal(t, "server-device", client.PeerID())
	assert.Equal(t, "client-device", accepted.PeerID())
	assert.Equal(t, server.Addr().String(), server.Endpoint())

	require.NoError(t, client.Send(FileComplete{TransferID: "t", FileName: "a.bin"}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	message, err := accepted.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, FileComplete{TransferID: "t", FileName: "a.bin"}, message)
}

func TestListenRequiresDeviceID(t *testing.T) {
	_, err := Listen("127.0.0.1:0", HandshakeOptions{})
	require.Error(t, err)
}

func TestServerReportsFailedHello(t *testing.T) {
	server, err := Listen("127.0.0.1:0", HandshakeOptions{
		DeviceID:          "server-device",
		ConnectionTimeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	defer func() { _ = server.Close() }()

	// A client that connects and says nothing times out during the hello.
	conn, err := net.Dial("tcp", server.Addr().String())
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	select {
	case err := <-server.Errors():
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatalf("expected a hello failure on Errors")
	}
}

func TestKeepAliveMaintainsIdleConnections(t *testing.T) {
	_, client, accepted := listenAndDial(t, HandshakeOptions{
		KeepAliveInterval: 80 * time.Millisecond,
		KeepAliveTimeout:  200 * time.Millisecond,
	})

	time.Sleep(500 * time.Millisecond)
	assert.True(t, client.IsOpen(), "client closed")
	assert.True(t, accepted.IsOpen(), "server side closed")
}
