package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nebulasend/config"
	"nebulasend/discovery"
	"nebulasend/models"
	"nebulasend/progress"
	"nebulasend/storage"
	"nebulasend/transfer"
)

const waitTimeout = 10 * time.Second

// syncBuffer is a bytes.Buffer safe for a writer and a polling reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitForOutput(t *testing.T, buf *syncBuffer, pattern *regexp.Regexp) []string {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if match := pattern.FindStringSubmatch(buf.String()); match != nil {
			return match
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("output never matched %s:\n%s", pattern, buf.String())
	return nil
}

func testApp(t *testing.T) *app {
	t.Helper()
	dir := t.TempDir()
	cfg, cfgPath, err := config.LoadOrCreate(dir)
	require.NoError(t, err)
	cfg.PortMode = config.PortModeAutomatic
	cfg.ListeningPort = 0
	cfg.DisableDiscovery = true
	cfg.ChunkSize = 1024
	cfg.ConsentTimeoutSeconds = 5
	require.NoError(t, cfg.Validate())
	return &app{cfg: cfg, cfgPath: cfgPath, dataDir: dir}
}

func seedReceived(t *testing.T, a *app, id, name, state string, chunks ...string) {
	t.Helper()
	store, err := a.openStore()
	require.NoError(t, err)
	defer store.Close()

	var size int64
	for i, chunk := range chunks {
		require.NoError(t, store.PutChunk(id, i, []byte(chunk)))
		size += int64(len(chunk))
	}
	require.NoError(t, store.SaveTransfer(storage.TransferRecord{
		TransferID:    id,
		Direction:     storage.DirectionInbound,
		PeerID:        "peer-1",
		FileName:      name,
		MimeType:      "text/plain",
		SizeBytes:     size,
		ChunkCount:    len(chunks),
		State:         state,
		ReceivedCount: len(chunks),
	}))
}

func TestTerminalPrompterAcceptsAndReadsPIN(t *testing.T) {
	var out syncBuffer
	prompter := newTerminalPrompter(strings.NewReader("yes\n 123456 \n"), &out)
	offer := transfer.Offer{PeerID: "peer-1", FileName: "a.txt", SizeBytes: 2048, MimeType: "text/plain"}

	ok, pin, err := prompter.Decide(context.Background(), offer)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "123456", pin)

	assert.Contains(t, out.String(), "peer-1 wants to send a.txt (2 KB, text/plain)")
	assert.Contains(t, out.String(), "Enter the PIN shown on the sender for a.txt")
}

func TestTerminalPrompterDefaultsToDecline(t *testing.T) {
	var out syncBuffer
	prompter := newTerminalPrompter(strings.NewReader("\n"), &out)
	ok, pin, err := prompter.Decide(context.Background(), transfer.Offer{FileName: "a.txt"})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, pin)
	assert.NotContains(t, out.String(), "Enter the PIN")
}

func TestTerminalPrompterHonoursContext(t *testing.T) {
	reader, writer := io.Pipe()
	defer writer.Close()
	prompter := newTerminalPrompter(reader, io.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err := prompter.Decide(ctx, transfer.Offer{FileName: "a.txt"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTerminalPrompterEOF(t *testing.T) {
	prompter := newTerminalPrompter(strings.NewReader("y\n"), io.Discard)
	accepted, _, err := prompter.Decide(context.Background(), transfer.Offer{FileName: "a.txt"})
	require.ErrorIs(t, err, io.EOF)
	assert.True(t, accepted)
}

func TestTerminalPrompterKeepsOneOfferOnTheTerminal(t *testing.T) {
	reader, typist := io.Pipe()
	defer typist.Close()
	var out syncBuffer
	prompter := newTerminalPrompter(reader, &out)

	type result struct {
		accepted bool
		pin      string
		err      error
	}
	decide := func(name string) <-chan result {
		done := make(chan result, 1)
		go func() {
			accepted, pin, err := prompter.Decide(context.Background(), transfer.Offer{PeerID: name, FileName: name + ".bin"})
			done <- result{accepted, pin, err}
		}()
		return done
	}
	answer := func(line string) {
		_, err := io.WriteString(typist, line+"\n")
		require.NoError(t, err)
	}

	first := decide("alice")
	waitForOutput(t, &out, regexp.MustCompile(`alice wants to send .*Accept\? \[y/N\]: `))
	second := decide("bob")

	answer("y")
	waitForOutput(t, &out, regexp.MustCompile(`Enter the PIN shown on the sender for alice\.bin: `))
	assert.NotContains(t, out.String(), "bob wants to send")
	answer("111111")
	waitForOutput(t, &out, regexp.MustCompile(`(?s)Enter the PIN.*Accept\? \[y/N\]: `))
	answer("y")
	answer("222222")

	for _, want := range []struct {
		done <-chan result
		pin  string
	}{{first, "111111"}, {second, "222222"}} {
		select {
		case got := <-want.done:
			require.NoError(t, got.err)
			assert.Equal(t, result{accepted: true, pin: want.pin}, got)
		case <-time.After(waitTimeout):
			t.Fatalf("decision for PIN %s never finished", want.pin)
		}
	}
}

func TestProgressRendererLifecycle(t *testing.T) {
	var out syncBuffer
	renderer := newProgressRenderer(&out)
	snapshot := transfer.Snapshot{ID: "t-1", FileName: "a.bin", SizeBytes: 100, Direction: transfer.Inbound}

	renderer.Update(snapshot, progress.Stats{BytesDone: 40, Total: 100})
	renderer.Update(snapshot, progress.Stats{BytesDone: 100, Total: 100})
	assert.Equal(t, 1, renderer.Active())

	renderer.Finish(snapshot)
	assert.Equal(t, 0, renderer.Active())

	renderer.Update(transfer.Snapshot{ID: "t-2", FileName: "b.bin", SizeBytes: 10}, progress.Stats{BytesDone: 1, Total: 10})
	renderer.Abort(transfer.Snapshot{ID: "t-2"})
	renderer.Abort(transfer.Snapshot{ID: "unknown"})
	assert.Equal(t, 0, renderer.Active())
}

func TestDescribeShowsDirectionAndETA(t *testing.T) {
	line := describe(transfer.Snapshot{FileName: "a.bin", Direction: transfer.Outbound},
		progress.Stats{SpeedBps: 2048, Remaining: 90 * time.Second})
	assert.True(t, strings.HasPrefix(line, "-> a.bin"), line)
	assert.Contains(t, line, "ETA 1m 30s")

	line = describe(transfer.Snapshot{FileName: "a.bin", Direction: transfer.Inbound}, progress.Stats{})
	assert.True(t, strings.HasPrefix(line, "<- a.bin"), line)
	assert.Contains(t, line, "ETA --")
}

func TestListReceivedTableAndJSON(t *testing.T) {
	a := testApp(t)
	seedReceived(t, a, "t-1", "notes.txt", storage.StateCompleted, "hello ", "world")

	store, err := a.openStore()
	require.NoError(t, err)
	defer store.Close()
	engine, err := offlineEngine(store)
	require.NoError(t, err)

	var table bytes.Buffer
	require.NoError(t, listReceived(engine, &table, false))
	assert.Contains(t, table.String(), "notes.txt")
	assert.Contains(t, table.String(), "2/2")

	var raw bytes.Buffer
	require.NoError(t, listReceived(engine, &raw, true))
	var entries []models.Transfer
	require.NoError(t, json.Unmarshal(raw.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "t-1", entries[0].TransferID)
	assert.Equal(t, int64(11), entries[0].SizeBytes)
}

func TestListReceivedEmpty(t *testing.T) {
	a := testApp(t)
	store, err := a.openStore()
	require.NoError(t, err)
	defer store.Close()
	engine, err := offlineEngine(store)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, listReceived(engine, &out, false))
	assert.Contains(t, out.String(), "No received transfers.")
}

func TestExportReceived(t *testing.T) {
	a := testApp(t)
	seedReceived(t, a, "t-1", "../notes.txt", storage.StateCompleted, "hello ", "world")
	seedReceived(t, a, "t-2", "partial.txt", storage.StateFailed, "hel")

	store, err := a.openStore()
	require.NoError(t, err)
	defer store.Close()
	engine, err := offlineEngine(store)
	require.NoError(t, err)

	path, n, err := exportReceived(engine, a.dataDir, "t-1", "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(a.dataDir, config.ReceivedDirName, "notes.txt"), path)
	assert.Equal(t, int64(11), n)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	_, _, err = exportReceived(engine, a.dataDir, "t-1", "")
	require.Error(t, err, "existing files are not overwritten")

	explicit := filepath.Join(t.TempDir(), "copy.txt")
	_, _, err = exportReceived(engine, a.dataDir, "t-1", explicit)
	require.NoError(t, err)

	_, _, err = exportReceived(engine, a.dataDir, "t-2", "")
	require.Error(t, err)
	_, _, err = exportReceived(engine, a.dataDir, "missing", "")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPrintPeers(t *testing.T) {
	peers := []discovery.DiscoveredPeer{{
		DeviceID:   "peer-1",
		DeviceName: "Bob",
		Transport:  "tcp",
		Port:       9999,
		Addresses:  []string{"10.0.0.2"},
	}}

	var table bytes.Buffer
	require.NoError(t, printPeers(&table, peers, false))
	assert.Contains(t, table.String(), "10.0.0.2:9999")

	var raw bytes.Buffer
	require.NoError(t, printPeers(&raw, peers, true))
	var views []models.Peer
	require.NoError(t, json.Unmarshal(raw.Bytes(), &views))
	require.Len(t, views, 1)
	assert.Equal(t, "Bob", views[0].DeviceName)

	var empty bytes.Buffer
	require.NoError(t, printPeers(&empty, nil, false))
	assert.Contains(t, empty.String(), "No peers found.")
}

type fakePeerEvents struct {
	events chan discovery.Event
	queued []discovery.Event
}

func (f *fakePeerEvents) Run(ctx context.Context) error {
	defer close(f.events)
	for _, event := range f.queued {
		f.events <- event
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakePeerEvents) Events() <-chan discovery.Event {
	return f.events
}

func TestWatchPeersPrintsChanges(t *testing.T) {
	bob := discovery.DiscoveredPeer{DeviceID: "peer-1", DeviceName: "Bob", Transport: "tcp", Port: 9999, Addresses: []string{"10.0.0.2"}}
	source := &fakePeerEvents{
		events: make(chan discovery.Event),
		queued: []discovery.Event{
			{Kind: discovery.PeerJoined, Peer: bob},
			{Kind: discovery.PeerLeft, Peer: bob},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	var out syncBuffer
	done := make(chan error, 1)
	go func() { done <- watchPeers(ctx, &out, source) }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "- Bob (peer-1)")
	}, waitTimeout, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Contains(t, out.String(), "+ Bob (peer-1) 10.0.0.2:9999 tcp\n")
}

func TestListenAndSend(t *testing.T) {
	content := bytes.Repeat([]byte("nebula"), 700)
	for _, transport := range []string{config.TransportTCP, config.TransportWebSocket} {
		t.Run(transport, func(t *testing.T) {
			blob := testListenAndSend(t, transport, "payload.txt", content, 1024)
			assert.True(t, strings.HasPrefix(blob.MimeType, "text/plain"), blob.MimeType)
		})
	}
}

// The sender must not drop the connection while the receiver is still
// acknowledging chunks of a large file.
func TestListenAndSendLargeFile(t *testing.T) {
	content := make([]byte, 8<<20)
	_, err := rand.New(rand.NewSource(7)).Read(content)
	require.NoError(t, err)

	testListenAndSend(t, config.TransportTCP, "large.bin", content, 64<<10)
}

func testListenAndSend(t *testing.T, transport, name string, content []byte, chunkSize int) *storage.Blob {
	t.Helper()
	receiver := testApp(t)
	receiver.cfg.Transport = transport
	sender := testApp(t)
	sender.cfg.ChunkSize = chunkSize

	source := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(source, content, 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	input, typist := io.Pipe()
	defer typist.Close()
	var listenOut syncBuffer
	listenDone := make(chan error, 1)
	go func() {
		listenDone <- runListen(ctx, receiver, input, &listenOut, io.Discard)
	}()

	match := waitForOutput(t, &listenOut, regexp.MustCompile(`listening on \S*?:(\d+)(/\S*)?\n`))
	address := "127.0.0.1:" + match[1]

	senderOut := &pinRelay{typist: typist}
	require.NoError(t, runSend(ctx, sender, transport, address, source, senderOut, io.Discard))

	received := waitForOutput(t, &listenOut, regexp.MustCompile(`Export with: nebulasend received export (\S+)\n`))

	cancel()
	select {
	case err := <-listenDone:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatalf("listen did not stop")
	}

	store, err := receiver.openStore()
	require.NoError(t, err)
	defer store.Close()
	engine, err := offlineEngine(store)
	require.NoError(t, err)

	blob, err := engine.Materialize(received[1])
	require.NoError(t, err)
	require.Equal(t, len(content), len(blob.Data))
	assert.True(t, bytes.Equal(content, blob.Data), "materialized bytes differ")
	return blob
}

// pinRelay plays the receiving user: it accepts the offer and types the PIN the
// sender prints.
type pinRelay struct {
	syncBuffer
	typist *io.PipeWriter
	once   sync.Once
}

var pinLine = regexp.MustCompile(`PIN for .*: (\d+)\n`)

func (r *pinRelay) Write(p []byte) (int, error) {
	n, err := r.syncBuffer.Write(p)
	if match := pinLine.FindStringSubmatch(r.String()); match != nil {
		r.once.Do(func() {
			go func() {
				_, _ = io.WriteString(r.typist, "y\n"+match[1]+"\n")
			}()
		})
	}
	return n, err
}
