// Package transfer drives single-file transfers between peers: the consent handshake,
// chunked payload delivery, optional per-chunk encryption and receiver-side persistence.
package transfer

import (
	"io"
	"sync"
	"time"

	"nebulasend/progress"
	"nebulasend/storage"
)

// DefaultChunkSize is the payload size of every chunk but the last.
const DefaultChunkSize = 4 * 1024 * 1024

// Direction tells whether this device is sending or receiving.
type Direction string

const (
	Outbound Direction = storage.DirectionOutbound
	Inbound  Direction = storage.DirectionInbound
)

// State is a transfer lifecycle state.
type State string

const (
	StateRequested       State = storage.StateRequested
	StateAwaitingConsent State = storage.StateAwaitingConsent
	StateAccepted        State = storage.StateAccepted
	StateRejected        State = storage.StateRejected
	StateTransferring    State = storage.StateTransferring
	StateCompleted       State = storage.StateCompleted
	StateFailed          State = storage.StateFailed
)

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateRejected || s == StateFailed
}

// Source is the byte stream of an outbound file with its declared attributes.
type Source struct {
	Name     string
	MimeType string
	Size     int64
	Reader   io.Reader
}

// Snapshot is a read-only copy of a transfer handed to callers.
type Snapshot struct {
	ID            string
	PeerID        string
	Direction     Direction
	FileName      string
	MimeType      string
	SizeBytes     int64
	ChunkCount    int
	State         State
	StartedAt     time.Time
	ReceivedCount int
	BytesMoved    int64
	AverageSpeed  float64
	Elapsed       time.Duration
}

// Transfer is the engine-owned record of one file movement. Exactly one goroutine
// drives a record; the mutex only guards snapshots taken from other goroutines.
type Transfer struct {
	mu sync.Mutex

	id         string
	peerID     string
	direction  Direction
	fileName   string
	mimeType   string
	size       int64
	chunkCount int
	state      State
	startedAt  time.Time

	received     map[int]struct{}
	bytesMoved   int64
	completeSeen bool

	averageSpeed float64
	elapsed      time.Duration

	pin       string
	persisted bool
}

func newTransfer(id, peerID string, direction Direction, fileName, mimeType string, size int64, chunkCount int) *Transfer {
	return &Transfer{
		id:         id,
		peerID:     peerID,
		direction:  direction,
		fileName:   fileName,
		mimeType:   mimeType,
		size:       size,
		chunkCount: chunkCount,
		state:      StateRequested,
		received:   make(map[int]struct{}),
	}
}

// ChunkCount returns ceil(size / chunkSize).
func ChunkCount(size int64, chunkSize int) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((size + int64(chunkSize) - 1) / int64(chunkSize))
}

// Snapshot copies the transfer's current progress under its lock.
func (t *Transfer) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		ID:            t.id,
		PeerID:        t.peerID,
		Direction:     t.direction,
		FileName:      t.fileName,
		MimeType:      t.mimeType,
		SizeBytes:     t.size,
		ChunkCount:    t.chunkCount,
		State:         t.state,
		StartedAt:     t.startedAt,
		ReceivedCount: len(t.received),
		BytesMoved:    t.bytesMoved,
		AverageSpeed:  t.averageSpeed,
		Elapsed:       t.elapsed,
	}
}

// State reports where the transfer is in its lifecycle.
func (t *Transfer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transfer) setState(state State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = state
}

func (t *Transfer) start(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startedAt = at
	t.state = StateTransferring
}

func (t *Transfer) started() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startedAt, !t.startedAt.IsZero()
}

// markReceived records index and reports whether it was new.
func (t *Transfer) markReceived(index int, n int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.received[index]; ok {
		return false
	}
	t.received[index] = struct{}{}
	t.bytesMoved += n
	return true
}

func (t *Transfer) markCompleteSeen() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completeSeen = true
}

// ready reports whether FILE_COMPLETE arrived and every index is persisted.
func (t *Transfer) ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completeSeen && len(t.received) == t.chunkCount
}

func (t *Transfer) finish(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.elapsed = progress.Elapsed(t.startedAt, now)
	t.averageSpeed = progress.AverageSpeed(t.size, t.elapsed)
	t.state = StateCompleted
}

func (t *Transfer) stats(now time.Time) progress.Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return progress.Estimate(t.bytesMoved, t.size, progress.Elapsed(t.startedAt, now))
}

func (t *Transfer) record() storage.TransferRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := storage.TransferRecord{
		TransferID:    t.id,
		Direction:     string(t.direction),
		PeerID:        t.peerID,
		FileName:      t.fileName,
		MimeType:      t.mimeType,
		SizeBytes:     t.size,
		ChunkCount:    t.chunkCount,
		State:         string(t.state),
		ReceivedCount: len(t.received),
		AverageSpeed:  t.averageSpeed,
		ElapsedMillis: t.elapsed.Milliseconds(),
	}
	if !t.startedAt.IsZero() {
		started := t.startedAt.UnixMilli()
		rec.StartedAt = &started
	}
	return rec
}
