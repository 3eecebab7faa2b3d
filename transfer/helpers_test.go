package transfer

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nebulasend/network"
	"nebulasend/storage"
)

const waitTimeout = 5 * time.Second

type failure struct {
	snapshot Snapshot
	err      error
}

type harness struct {
	id       string
	engine   *Engine
	store    *storage.Store
	registry *network.Registry

	pins     chan string
	ready    chan Snapshot
	failed   chan failure
	rejected chan Snapshot
}

func newHarness(t *testing.T, id string, opts Options) *harness {
	t.Helper()

	store, err := storage.OpenPath(filepath.Join(t.TempDir(), storage.DefaultDBFileName))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})

	h := &harness{
		id:       id,
		store:    store,
		registry: network.NewRegistry(),
		pins:     make(chan string, 8),
		ready:    make(chan Snapshot, 8),
		failed:   make(chan failure, 8),
		rejected: make(chan Snapshot, 8),
	}

	opts.Registry = h.registry
	opts.Store = store
	opts.OnPIN = func(_ Snapshot, pin string) { h.pins <- pin }
	opts.OnFileReady = func(s Snapshot) { h.ready <- s }
	opts.OnTransferFailed = func(s Snapshot, err error) { h.failed <- failure{snapshot: s, err: err} }
	opts.OnTransferRejected = func(s Snapshot) { h.rejected <- s }

	h.engine, err = NewEngine(opts)
	require.NoError(t, err)
	return h
}

// handshakePair joins two fresh stream ends with the hello exchange.
func handshakePair(t *testing.T, leftID, rightID string) (*network.PeerConnection, *network.PeerConnection) {
	t.Helper()

	left, right := net.Pipe()
	type result struct {
		conn *network.PeerConnection
		err  error
	}
	accepted := make(chan result, 1)
	go func() {
		conn, err := network.Handshake(right, network.HandshakeOptions{DeviceID: rightID}, false)
		accepted <- result{conn: conn, err: err}
	}()

	leftConn, err := network.Handshake(left, network.HandshakeOptions{DeviceID: leftID}, true)
	require.NoError(t, err)
	res := <-accepted
	require.NoError(t, res.err)

	t.Cleanup(func() {
		_ = leftConn.Close()
		_ = res.conn.Close()
	})
	return leftConn, res.conn
}

// serve registers ch with h and runs the engine's dispatch loop until the test ends.
func (h *harness) serve(t *testing.T, ch network.Channel) {
	t.Helper()

	require.NoError(t, h.registry.Track(ch))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.engine.Serve(ctx, ch)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// connect links two engines over an in-memory stream.
func connect(t *testing.T, a, b *harness) {
	t.Helper()

	aSide, bSide := handshakePair(t, a.id, b.id)
	a.serve(t, aSide)
	b.serve(t, bSide)
}

// rawPeer links h to a hand-driven peer so tests can script the wire exchange.
func (h *harness) rawPeer(t *testing.T, peerID string) *network.PeerConnection {
	t.Helper()

	engineSide, rawSide := handshakePair(t, h.id, peerID)
	h.serve(t, engineSide)
	return rawSide
}

type scriptedPrompter struct {
	accept bool
	pin    string
	pins   <-chan string
	block  bool
}

func (p *scriptedPrompter) Decide(ctx context.Context, _ Offer) (bool, string, error) {
	if p.block {
		<-ctx.Done()
		return false, "", ctx.Err()
	}
	if !p.accept {
		return false, "", nil
	}
	if p.pins == nil {
		return true, p.pin, nil
	}
	select {
	case pin := <-p.pins:
		return true, pin, nil
	case <-ctx.Done():
		return true, "", ctx.Err()
	}
}

func expectMessage[T network.Message](t *testing.T, ch network.Channel) T {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	message, err := ch.Receive(ctx)
	require.NoError(t, err)
	typed, ok := message.(T)
	require.Truef(t, ok, "unexpected message %T (%s)", message, message.MessageType())
	return typed
}

func waitFor[T any](t *testing.T, events <-chan T) T {
	t.Helper()

	select {
	case event := <-events:
		return event
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %T", *new(T))
	}
	var zero T
	return zero
}

func requestMessage(t *testing.T, transferID string, size int64, chunkCount int, pin string) network.FileRequest {
	t.Helper()

	metadata, err := network.EncodeMetadata(network.RequestMetadata{Size: size, PIN: pin})
	require.NoError(t, err)
	return network.FileRequest{
		TransferID: transferID,
		FileName:   transferID + ".bin",
		MimeType:   "application/octet-stream",
		ChunkCount: chunkCount,
		Metadata:   metadata,
	}
}

func metaMessage(t *testing.T, transferID string, chunkCount int, startedAt time.Time) network.FileMeta {
	t.Helper()

	metadata, err := network.EncodeMetadata(network.MetaMetadata{StartedAt: startedAt.UnixMilli()})
	require.NoError(t, err)
	return network.FileMeta{
		TransferID: transferID,
		FileName:   transferID + ".bin",
		MimeType:   "application/octet-stream",
		ChunkCount: chunkCount,
		Metadata:   metadata,
	}
}

// chunkOf slices data into chunkSize pieces the way a sender would.
func chunkOf(data []byte, chunkSize, index int) []byte {
	start := index * chunkSize
	end := start + chunkSize
	if end > len(data) {
		end = len(data)
	}
	return data[start:end]
}

// acceptOffer drives a raw sender through FILE_REQUEST and expects PIN_ACCEPT.
func acceptOffer(t *testing.T, raw network.Channel, transferID string, size int64, chunkCount int, pin string) {
	t.Helper()

	require.NoError(t, raw.Send(requestMessage(t, transferID, size, chunkCount, pin)))
	accept := expectMessage[network.PinAccept](t, raw)
	require.Equal(t, transferID, accept.TransferID)
	require.Equal(t, pin, accept.PIN)
	require.NoError(t, raw.Send(metaMessage(t, transferID, chunkCount, time.Now())))
}
