package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"nebulasend/network"
)

// DefaultMimeType is declared for files whose type cannot be guessed.
const DefaultMimeType = "application/octet-stream"

// outboundSend routes consent replies and acks from the peer's Serve loop to Send.
type outboundSend struct {
	transfer  *Transfer
	replies   chan network.Message
	acks      chan struct{}
	delivered chan struct{}

	mu    sync.Mutex
	acked map[int]struct{}
}

// ack records index and reports whether it had not been acknowledged before.
func (o *outboundSend) ack(index int) bool {
	if index < 0 || index >= o.transfer.chunkCount {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, seen := o.acked[index]; seen {
		return false
	}
	o.acked[index] = struct{}{}
	return true
}

func (o *outboundSend) ackedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.acked)
}

// OpenFileSource opens path for sending. The caller closes the returned file.
func OpenFileSource(path string) (Source, *os.File, error) {
	file, err := os.Open(path)
	if err != nil {
		return Source{}, nil, fmt.Errorf("open %q: %w", path, err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return Source{}, nil, fmt.Errorf("stat %q: %w", path, err)
	}
	if info.IsDir() {
		_ = file.Close()
		return Source{}, nil, fmt.Errorf("%q is a directory", path)
	}

	name := filepath.Base(path)
	mimeType := mime.TypeByExtension(filepath.Ext(name))
	if mimeType == "" {
		mimeType = DefaultMimeType
	}
	return Source{
		Name:     name,
		MimeType: mimeType,
		Size:     info.Size(),
		Reader:   file,
	}, file, nil
}

// Send offers src to peerID and, once the receiver accepts with the right PIN, streams
// it in index order. It returns after FILE_COMPLETE is written, or with
// Options.AwaitCompleteAck after the receiver confirms it stored every chunk. Replies are routed by
// Serve, so Serve must be running on the peer's channel. Concurrent sends to the same
// peer are the caller's to prevent.
func (e *Engine) Send(ctx context.Context, peerID string, src Source, onProgress ProgressFunc) (Snapshot, error) {
	if src.Reader == nil {
		return Snapshot{}, errors.New("source reader is required")
	}
	if src.Name == "" {
		return Snapshot{}, errors.New("source name is required")
	}
	if src.Size <= 0 {
		return Snapshot{}, fmt.Errorf("source %q must have a positive size", src.Name)
	}
	mimeType := src.MimeType
	if mimeType == "" {
		mimeType = DefaultMimeType
	}

	t := newTransfer(uuid.NewString(), peerID, Outbound, src.Name, mimeType, src.Size, ChunkCount(src.Size, e.chunkSize))

	ch, ok := e.registry.Lookup(peerID)
	if !ok || !ch.IsOpen() {
		return e.abortSend(t, newError(ErrConnectionUnavailable, peerID, t.id, errors.New("no open channel to peer")))
	}

	pin, err := GeneratePIN()
	if err != nil {
		return e.abortSend(t, newError(ErrCryptoFailure, peerID, t.id, err))
	}
	metadata, err := network.EncodeMetadata(network.RequestMetadata{
		Size:   src.Size,
		PIN:    pin,
		Cipher: e.cipherSuite(),
	})
	if err != nil {
		return e.abortSend(t, newError(ErrChannelSendFailure, peerID, t.id, err))
	}

	out := &outboundSend{
		transfer:  t,
		replies:   make(chan network.Message, 1),
		acks:      make(chan struct{}, 1),
		delivered: make(chan struct{}),
		acked:     make(map[int]struct{}),
	}
	e.trackOutbound(out)
	defer e.untrackOutbound(out)
	e.track(t)

	logger := logrus.WithFields(logrus.Fields{
		"function":    "Send",
		"peer_id":     peerID,
		"transfer_id": t.id,
		"file_name":   src.Name,
	})

	if err := e.saveRecord(t); err != nil {
		logger.WithField("error", err.Error()).Warn("Failed to record outbound transfer")
	}
	if e.onPIN != nil {
		e.onPIN(t.Snapshot(), pin)
	}

	if err := ch.Send(network.FileRequest{
		TransferID: t.id,
		FileName:   src.Name,
		MimeType:   mimeType,
		ChunkCount: t.chunkCount,
		Metadata:   metadata,
	}); err != nil {
		return e.abortSend(t, newError(ErrChannelSendFailure, peerID, t.id, err))
	}
	logger.WithField("chunk_count", t.chunkCount).Info("File offered, waiting for consent")

	reply, failure := e.awaitReply(ctx, ch, out)
	if failure != nil {
		return e.abortSend(t, failure)
	}
	switch r := reply.(type) {
	case network.PinReject:
		return e.abortSend(t, newError(ErrConsentDenied, peerID, t.id, errors.New("receiver rejected the offer")))
	case network.PinAccept:
		if !PINsEqual(pin, r.PIN) {
			return e.abortSend(t, newError(ErrConsentDenied, peerID, t.id, errors.New("receiver entered a different PIN")))
		}
	}

	t.setState(StateAccepted)
	startedAt := e.now()
	t.start(startedAt)
	e.recordHistory(t, "Send", func() error {
		return e.store.UpdateTransferStart(t.id, string(Outbound), startedAt.UnixMilli())
	})

	meta, err := network.EncodeMetadata(network.MetaMetadata{StartedAt: startedAt.UnixMilli()})
	if err != nil {
		return e.abortSend(t, newError(ErrChannelSendFailure, peerID, t.id, err))
	}
	if err := ch.Send(network.FileMeta{
		TransferID: t.id,
		FileName:   src.Name,
		MimeType:   mimeType,
		ChunkCount: t.chunkCount,
		Metadata:   meta,
	}); err != nil {
		return e.abortSend(t, newError(ErrChannelSendFailure, peerID, t.id, err))
	}
	logger.Info("Consent granted, sending chunks")

	if failure := e.sendChunks(ctx, ch, out, src.Reader, onProgress); failure != nil {
		return e.abortSend(t, failure)
	}

	if err := ch.Send(network.FileComplete{TransferID: t.id, FileName: src.Name}); err != nil {
		return e.abortSend(t, newError(ErrChannelSendFailure, peerID, t.id, err))
	}
	if e.awaitCompleteAck {
		logger.Debug("File sent, waiting for the receiver to confirm")
		if failure := e.awaitDelivery(ctx, ch, out); failure != nil {
			return e.abortSend(t, failure)
		}
	}

	t.finish(e.now())
	snapshot := t.Snapshot()
	e.recordHistory(t, "Send", func() error {
		return e.store.CompleteTransfer(t.id, string(Outbound), snapshot.AverageSpeed, snapshot.Elapsed.Milliseconds())
	})
	e.untrack(t)

	logger.WithFields(logrus.Fields{
		"bytes":         snapshot.SizeBytes,
		"average_speed": snapshot.AverageSpeed,
	}).Info("File sent")
	return snapshot, nil
}

// abortSend fails t and returns its final snapshot with the error.
func (e *Engine) abortSend(t *Transfer, err *Error) (Snapshot, error) {
	e.failTransfer(t, err)
	return t.Snapshot(), err
}

func (e *Engine) sendChunks(ctx context.Context, ch network.Channel, out *outboundSend, r io.Reader, onProgress ProgressFunc) *Error {
	t := out.transfer
	buf := make([]byte, e.chunkSize)
	remaining := t.size

	for index := 0; index < t.chunkCount; index++ {
		if err := ctx.Err(); err != nil {
			return newError(ErrCanceled, t.peerID, t.id, err)
		}
		if failure := e.waitForWindow(ctx, ch, out, index); failure != nil {
			return failure
		}

		n := int64(e.chunkSize)
		if remaining < n {
			n = remaining
		}
		chunk := buf[:n]
		if _, err := io.ReadFull(r, chunk); err != nil {
			return newError(ErrStorageFailure, t.peerID, t.id, fmt.Errorf("read chunk %d: %w", index, err))
		}

		payload := chunk
		if e.cipher != nil {
			sealed, err := e.cipher.Seal(chunk)
			if err != nil {
				return newError(ErrCryptoFailure, t.peerID, t.id, fmt.Errorf("seal chunk %d: %w", index, err))
			}
			payload = sealed
		}

		if err := ch.Send(network.FileChunk{
			TransferID: t.id,
			Index:      index,
			ChunkCount: t.chunkCount,
			Data:       payload,
		}); err != nil {
			return newError(ErrChannelSendFailure, t.peerID, t.id, fmt.Errorf("send chunk %d: %w", index, err))
		}

		remaining -= n
		t.markReceived(index, n)
		sent := index + 1
		e.recordHistory(t, "sendChunks", func() error {
			return e.store.UpdateTransferProgress(t.id, string(Outbound), sent)
		})
		logrus.WithFields(logrus.Fields{
			"function":    "sendChunks",
			"peer_id":     t.peerID,
			"transfer_id": t.id,
			"index":       index,
			"bytes":       n,
		}).Debug("Chunk sent")
		e.emitProgress(t, onProgress)
	}
	return nil
}

func (e *Engine) awaitReply(ctx context.Context, ch network.Channel, out *outboundSend) (network.Message, *Error) {
	t := out.transfer
	select {
	case reply := <-out.replies:
		return reply, nil
	case <-ch.Done():
		return nil, newError(ErrConnectionUnavailable, t.peerID, t.id, errors.New("channel closed while awaiting consent"))
	case <-ctx.Done():
		return nil, newError(ErrCanceled, t.peerID, t.id, ctx.Err())
	}
}

// awaitDelivery blocks until the receiver's FILE_COMPLETE_ACK for out arrives.
func (e *Engine) awaitDelivery(ctx context.Context, ch network.Channel, out *outboundSend) *Error {
	t := out.transfer
	select {
	case <-out.delivered:
		return nil
	case <-ch.Done():
		select {
		case <-out.delivered:
			return nil
		default:
		}
		return newError(ErrConnectionUnavailable, t.peerID, t.id, errors.New("channel closed before the receiver confirmed completion"))
	case <-ctx.Done():
		return newError(ErrCanceled, t.peerID, t.id, ctx.Err())
	}
}

// waitForWindow blocks until fewer than ackWindow distinct chunks are unacknowledged.
func (e *Engine) waitForWindow(ctx context.Context, ch network.Channel, out *outboundSend, index int) *Error {
	if e.ackWindow <= 0 {
		return nil
	}
	t := out.transfer
	for index-out.ackedCount() >= e.ackWindow {
		select {
		case <-out.acks:
		case <-ch.Done():
			return newError(ErrConnectionUnavailable, t.peerID, t.id, errors.New("channel closed while awaiting chunk acks"))
		case <-ctx.Done():
			return newError(ErrCanceled, t.peerID, t.id, ctx.Err())
		}
	}
	return nil
}

func (e *Engine) trackOutbound(out *outboundSend) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outbound[out.transfer.id] = out
}

func (e *Engine) untrackOutbound(out *outboundSend) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if current, ok := e.outbound[out.transfer.id]; ok && current == out {
		delete(e.outbound, out.transfer.id)
	}
}

func (e *Engine) lookupOutbound(peerID, transferID string) *outboundSend {
	e.mu.Lock()
	defer e.mu.Unlock()
	out, ok := e.outbound[transferID]
	if !ok || out.transfer.peerID != peerID {
		return nil
	}
	return out
}

// deliverReply hands a PIN_ACCEPT or PIN_REJECT to the waiting Send.
func (e *Engine) deliverReply(peerID, transferID string, reply network.Message) {
	logger := logrus.WithFields(logrus.Fields{
		"function":    "deliverReply",
		"peer_id":     peerID,
		"transfer_id": transferID,
		"type":        reply.MessageType(),
	})
	out := e.lookupOutbound(peerID, transferID)
	if out == nil {
		logger.Warn("Consent reply for unknown transfer")
		return
	}
	select {
	case out.replies <- reply:
	default:
		logger.Warn("Duplicate consent reply ignored")
	}
}

func (e *Engine) ackChunk(peerID string, ack network.ChunkAck) {
	out := e.lookupOutbound(peerID, ack.TransferID)
	if out == nil {
		return
	}
	if !out.ack(ack.Index) {
		logrus.WithFields(logrus.Fields{
			"function":    "ackChunk",
			"peer_id":     peerID,
			"transfer_id": ack.TransferID,
			"index":       ack.Index,
		}).Debug("Repeated or out-of-range chunk ack ignored")
		return
	}
	select {
	case out.acks <- struct{}{}:
	default:
	}
}

// completeAcked releases a Send waiting in awaitDelivery.
func (e *Engine) completeAcked(peerID string, ack network.CompleteAck) {
	logger := logrus.WithFields(logrus.Fields{
		"function":    "completeAcked",
		"peer_id":     peerID,
		"transfer_id": ack.TransferID,
	})
	out := e.lookupOutbound(peerID, ack.TransferID)
	if out == nil {
		logger.Debug("Completion ack for a finished send")
		return
	}
	out.mu.Lock()
	defer out.mu.Unlock()
	select {
	case <-out.delivered:
		logger.Debug("Duplicate completion ack ignored")
	default:
		close(out.delivered)
		logger.Debug("Receiver confirmed completion")
	}
}
