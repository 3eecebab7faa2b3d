package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"nebulasend/crypto"
	"nebulasend/network"
	"nebulasend/progress"
	"nebulasend/storage"
)

// MaxChunkSize keeps an encoded chunk frame under network.MaxFrameSize.
const MaxChunkSize = 8 * 1024 * 1024

// ChunkStore persists chunk bytes keyed by transfer id and index.
type ChunkStore interface {
	PutChunk(transferID string, index int, data []byte) error
	Assemble(transferID string, chunkCount int, mimeType string) (*storage.Blob, error)
	WriteAssembled(w io.Writer, transferID string, chunkCount int) (int64, error)
}

// HistoryStore keeps one row per transfer and direction.
type HistoryStore interface {
	SaveTransfer(record storage.TransferRecord) error
	UpdateTransferState(transferID, direction, state string) error
	UpdateTransferStart(transferID, direction string, startedAt int64) error
	UpdateTransferProgress(transferID, direction string, receivedCount int) error
	CompleteTransfer(transferID, direction string, averageSpeed float64, elapsedMillis int64) error
	GetTransfer(transferID, direction string) (*storage.TransferRecord, error)
	ListTransfers(direction string) ([]storage.TransferRecord, error)
	DeleteTransfer(transferID, direction string) error
	ClearReceived() (int64, error)
}

// Store is everything the engine persists. *storage.Store implements it.
type Store interface {
	ChunkStore
	HistoryStore
}

// Offer describes an inbound FILE_REQUEST to the user deciding on it.
type Offer struct {
	TransferID string
	PeerID     string
	FileName   string
	MimeType   string
	SizeBytes  int64
	ChunkCount int
}

// Prompter collects the receiver-side decision on an offer: accept it, then enter the PIN
// the sending user read out. Both answers for one offer come from one Decide call, and
// pin is only meaningful when accepted is true. Implementations must return once ctx is
// done.
type Prompter interface {
	Decide(ctx context.Context, offer Offer) (accepted bool, pin string, err error)
}

// ProgressFunc observes per-chunk progress.
type ProgressFunc func(snapshot Snapshot, stats progress.Stats)

// Options configures an Engine. Registry and Store are required.
type Options struct {
	Registry *network.Registry
	Store    Store
	// Cipher seals outbound and opens inbound chunks; nil sends chunks in the clear.
	Cipher    *crypto.ChunkCipher
	ChunkSize int
	// ConsentTimeout bounds the receiver prompt; an expired prompt rejects the offer.
	// Zero waits for as long as the channel stays open.
	ConsentTimeout time.Duration
	// AckWindow caps chunks sent but not yet acknowledged; zero never waits for acks.
	AckWindow int
	// AwaitCompleteAck makes Send wait for the receiver's FILE_COMPLETE_ACK before it
	// reports the transfer Completed. A channel that closes first fails the send.
	AwaitCompleteAck bool
	Prompter         Prompter

	// OnPIN hands the sending user the PIN to read out to the receiver.
	OnPIN              func(snapshot Snapshot, pin string)
	OnProgress         ProgressFunc
	OnFileReady        func(snapshot Snapshot)
	OnTransferFailed   func(snapshot Snapshot, err error)
	OnTransferRejected func(snapshot Snapshot)

	Now func() time.Time
}

// Engine runs the transfer state machine for every peer in its registry.
type Engine struct {
	registry         *network.Registry
	store            Store
	cipher           *crypto.ChunkCipher
	chunkSize        int
	consentTimeout   time.Duration
	ackWindow        int
	awaitCompleteAck bool
	prompter         Prompter

	onPIN      func(Snapshot, string)
	onProgress ProgressFunc
	onReady    func(Snapshot)
	onFailed   func(Snapshot, error)
	onRejected func(Snapshot)
	now        func() time.Time

	mu       sync.Mutex
	active   map[string]*Transfer
	outbound map[string]*outboundSend
}

// NewEngine validates options and builds an engine.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}

	chunkSize := opts.ChunkSize
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkSize < 0 || chunkSize > MaxChunkSize {
		return nil, fmt.Errorf("chunk size must be in (0, %d], got %d", MaxChunkSize, chunkSize)
	}
	if opts.AckWindow < 0 {
		return nil, fmt.Errorf("ack window must be >= 0, got %d", opts.AckWindow)
	}
	if opts.ConsentTimeout < 0 {
		return nil, fmt.Errorf("consent timeout must be >= 0, got %s", opts.ConsentTimeout)
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Engine{
		registry:         opts.Registry,
		store:            opts.Store,
		cipher:           opts.Cipher,
		chunkSize:        chunkSize,
		consentTimeout:   opts.ConsentTimeout,
		ackWindow:        opts.AckWindow,
		awaitCompleteAck: opts.AwaitCompleteAck,
		prompter:         opts.Prompter,
		onPIN:            opts.OnPIN,
		onProgress:       opts.OnProgress,
		onReady:          opts.OnFileReady,
		onFailed:         opts.OnTransferFailed,
		onRejected:       opts.OnTransferRejected,
		now:              now,
		active:           make(map[string]*Transfer),
		outbound:         make(map[string]*outboundSend),
	}, nil
}

// ChunkSize returns the payload size used for outbound chunks.
func (e *Engine) ChunkSize() int {
	return e.chunkSize
}

// Transfers returns snapshots of every transfer that has not reached a terminal state.
func (e *Engine) Transfers() []Snapshot {
	e.mu.Lock()
	transfers := make([]*Transfer, 0, len(e.active))
	for _, t := range e.active {
		transfers = append(transfers, t)
	}
	e.mu.Unlock()

	snapshots := make([]Snapshot, 0, len(transfers))
	for _, t := range transfers {
		snapshots = append(snapshots, t.Snapshot())
	}
	sort.Slice(snapshots, func(i, j int) bool {
		if snapshots[i].Direction != snapshots[j].Direction {
			return snapshots[i].Direction < snapshots[j].Direction
		}
		return snapshots[i].ID < snapshots[j].ID
	})
	return snapshots
}

// History lists persisted transfer rows for direction, or both directions when empty.
func (e *Engine) History(direction Direction) ([]storage.TransferRecord, error) {
	records, err := e.store.ListTransfers(string(direction))
	if err != nil {
		return nil, newError(ErrStorageFailure, "", "", err)
	}
	return records, nil
}

// Materialize concatenates a received transfer's chunks into one blob. A transfer that
// never completed yields whatever chunks were persisted.
func (e *Engine) Materialize(transferID string) (*storage.Blob, error) {
	record, err := e.store.GetTransfer(transferID, storage.DirectionInbound)
	if err != nil {
		return nil, newError(ErrStorageFailure, "", transferID, err)
	}
	blob, err := e.store.Assemble(transferID, record.ChunkCount, record.MimeType)
	if err != nil {
		return nil, newError(ErrStorageFailure, record.PeerID, transferID, err)
	}
	return blob, nil
}

// Export streams a received transfer's chunks to w in index order.
func (e *Engine) Export(transferID string, w io.Writer) (int64, error) {
	record, err := e.store.GetTransfer(transferID, storage.DirectionInbound)
	if err != nil {
		return 0, newError(ErrStorageFailure, "", transferID, err)
	}
	n, err := e.store.WriteAssembled(w, transferID, record.ChunkCount)
	if err != nil {
		return n, newError(ErrStorageFailure, record.PeerID, transferID, err)
	}
	return n, nil
}

// ClearReceived deletes all received-file history and chunk bytes.
func (e *Engine) ClearReceived() (int64, error) {
	n, err := e.store.ClearReceived()
	if err != nil {
		return 0, newError(ErrStorageFailure, "", "", err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "ClearReceived",
		"removed":  n,
	}).Info("Cleared received files")
	return n, nil
}

// Forget removes one transfer's history in both directions, plus its chunks if received.
func (e *Engine) Forget(transferID string) error {
	removed := false
	for _, direction := range []string{storage.DirectionInbound, storage.DirectionOutbound} {
		err := e.store.DeleteTransfer(transferID, direction)
		switch {
		case err == nil:
			removed = true
		case errors.Is(err, storage.ErrNotFound):
		default:
			return newError(ErrStorageFailure, "", transferID, err)
		}
	}
	if !removed {
		return newError(ErrStorageFailure, "", transferID, storage.ErrNotFound)
	}
	return nil
}

func (e *Engine) cipherSuite() string {
	if e.cipher == nil {
		return ""
	}
	return e.cipher.Suite()
}

func activeKey(direction Direction, transferID string) string {
	return string(direction) + ":" + transferID
}

func (e *Engine) track(t *Transfer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active[activeKey(t.direction, t.id)] = t
}

func (e *Engine) untrack(t *Transfer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if current, ok := e.active[activeKey(t.direction, t.id)]; ok && current == t {
		delete(e.active, activeKey(t.direction, t.id))
	}
}

// saveRecord writes the full history row and marks the transfer as persisted.
func (e *Engine) saveRecord(t *Transfer) error {
	if err := e.store.SaveTransfer(t.record()); err != nil {
		return err
	}
	t.persisted = true
	return nil
}

// recordHistory applies a best-effort history update; failures are logged, not fatal.
func (e *Engine) recordHistory(t *Transfer, action string, update func() error) {
	if !t.persisted {
		return
	}
	if err := update(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    action,
			"peer_id":     t.peerID,
			"transfer_id": t.id,
			"error":       err.Error(),
		}).Warn("Failed to update transfer history")
	}
}

func (e *Engine) emitProgress(t *Transfer, extra ProgressFunc) {
	if e.onProgress == nil && extra == nil {
		return
	}
	snapshot := t.Snapshot()
	stats := t.stats(e.now())
	if extra != nil {
		extra(snapshot, stats)
	}
	if e.onProgress != nil {
		e.onProgress(snapshot, stats)
	}
}

// failTransfer moves t to its terminal failure state, logs the one user-visible message
// and notifies the caller. It returns err for convenient propagation.
func (e *Engine) failTransfer(t *Transfer, err *Error) *Error {
	state := StateFailed
	if errors.Is(err.Kind, ErrConsentDenied) {
		state = StateRejected
	}
	t.setState(state)
	e.recordHistory(t, "failTransfer", func() error {
		return e.store.UpdateTransferState(t.id, string(t.direction), string(state))
	})
	e.untrack(t)

	entry := logrus.WithFields(logrus.Fields{
		"function":    "failTransfer",
		"peer_id":     t.peerID,
		"transfer_id": t.id,
		"direction":   string(t.direction),
		"kind":        err.Kind.Error(),
	})
	snapshot := t.Snapshot()
	if state == StateRejected {
		entry.Warn(err.Error())
		if e.onRejected != nil {
			e.onRejected(snapshot)
		}
		return err
	}

	entry.Error(err.Error())
	if e.onFailed != nil {
		e.onFailed(snapshot, err)
	}
	return err
}
