package network

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func pipePair(t *testing.T) (*PeerConnection, *PeerConnection) {
	t.Helper()

	left, right := net.Pipe()
	type result struct {
		conn *PeerConnection
		err  error
	}
	accepted := make(chan result, 1)
	go func() {
		conn, err := Handshake(right, HandshakeOptions{DeviceID: "server", DeviceName: "Server"}, false)
		accepted <- result{conn: conn, err: err}
	}()

	client, err := Handshake(left, HandshakeOptions{DeviceID: "client", DeviceName: "Client"}, true)
	if err != nil {
		t.Fatalf("client Handshake failed: %v", err)
	}
	res := <-accepted
	if res.err != nil {
		t.Fatalf("server Handshake failed: %v", res.err)
	}

	t.Cleanup(func() {
		_ = client.Close()
		_ = res.conn.Close()
	})
	return client, res.conn
}

func TestHandshakeExchangesIdentity(t *testing.T) {
	client, server := pipePair(t)

	if client.PeerID() != "server" || client.PeerName() != "Server" {
		t.Fatalf("client learned wrong identity: %q %q", client.PeerID(), client.PeerName())
	}
	if server.PeerID() != "client" || server.PeerName() != "Client" {
		t.Fatalf("server learned wrong identity: %q %q", server.PeerID(), server.PeerName())
	}
	if !client.IsOpen() || !server.IsOpen() {
		t.Fatalf("expected both connections open")
	}
}

func TestHandshakeRejectsSelf(t *testing.T) {
	left, right := net.Pipe()
	defer func() {
		_ = right.Close()
	}()

	go func() {
		_ = WriteMessageFrame(right, Hello{DeviceID: "me", ProtocolVersion: ProtocolVersion})
	}()

	if _, err := Handshake(left, HandshakeOptions{DeviceID: "me"}, false); err == nil {
		t.Fatalf("expected self connection to be refused")
	}
}

func TestHandshakeRejectsVersionMismatch(t *testing.T) {
	left, right := net.Pipe()
	defer func() {
		_ = right.Close()
	}()

	go func() {
		_ = WriteMessageFrame(right, Hello{DeviceID: "other", ProtocolVersion: ProtocolVersion + 1})
	}()

	_, err := Handshake(left, HandshakeOptions{DeviceID: "me"}, false)
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestPeerConnectionDeliversMessagesInOrder(t *testing.T) {
	client, server := pipePair(t)

	go func() {
		for i := 0; i < 5; i++ {
			_ = client.Send(FileChunk{TransferID: "t", Index: i, ChunkCount: 5, Data: []byte{byte(i)}})
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < 5; i++ {
		message, err := server.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive failed: %v", err)
		}
		chunk, ok := message.(FileChunk)
		if !ok {
			t.Fatalf("expected FileChunk, got %T", message)
		}
		if chunk.Index != i {
			t.Fatalf("out of order delivery: got %d want %d", chunk.Index, i)
		}
	}
}

func TestPeerConnectionCloseSignalsRemote(t *testing.T) {
	client, server := pipePair(t)

	if err := client.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	select {
	case <-server.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("expected remote side to observe close")
	}
	if server.IsOpen() {
		t.Fatalf("expected server connection closed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := server.Receive(ctx); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed, got %v", err)
	}
	if err := client.Send(PinReject{TransferID: "t"}); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("expected send on closed connection to fail, got %v", err)
	}
}

func TestKeepAliveAnswersPing(t *testing.T) {
	left, right := net.Pipe()
	pc := NewPeerConnection(left, ConnectionOptions{
		LocalDeviceID:     "local",
		PeerDeviceID:      "peer",
		KeepAliveInterval: time.Hour,
		KeepAliveTimeout:  time.Hour,
	})
	defer func() {
		_ = pc.Close()
	}()

	go func() {
		_ = WriteMessageFrame(right, Ping{Timestamp: 1})
	}()

	if err := right.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline failed: %v", err)
	}
	payload, err := ReadFrame(right)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	message, err := DecodeMessage(payload)
	if err != nil {
		t.Fatalf("DecodeMessage failed: %v", err)
	}
	if _, ok := message.(Pong); !ok {
		t.Fatalf("expected pong, got %T", message)
	}
}

func TestKeepAliveClosesSilentPeer(t *testing.T) {
	left, right := net.Pipe()
	defer func() {
		_ = right.Close()
	}()
	// Read and discard pings without ever answering.
	go func() {
		for {
			if _, err := ReadFrame(right); err != nil {
				return
			}
		}
	}()

	pc := NewPeerConnection(left, ConnectionOptions{
		PeerDeviceID:      "silent",
		KeepAliveInterval: 40 * time.Millisecond,
		KeepAliveTimeout:  40 * time.Millisecond,
	})

	select {
	case <-pc.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("expected keep-alive to close a silent peer")
	}
	if !errors.Is(pc.Err(), ErrPongTimeout) {
		t.Fatalf("expected ErrPongTimeout, got %v", pc.Err())
	}

	_, err := pc.Receive(context.Background())
	if !errors.Is(err, ErrChannelClosed) || !errors.Is(err, ErrPongTimeout) {
		t.Fatalf("expected closed channel caused by pong timeout, got %v", err)
	}
}
