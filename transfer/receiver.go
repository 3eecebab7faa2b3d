package transfer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"nebulasend/network"
)

// peerSession is the receiver-side state for one channel. It is only touched by the
// Serve loop that owns it.
type peerSession struct {
	ch        network.Channel
	inbound   map[string]*Transfer
	decisions chan consentDecision
}

type consentDecision struct {
	transfer *Transfer
	accepted bool
	pin      string
	err      error
}

// Serve consumes ch's inbound messages one at a time until the channel closes or ctx
// ends, then closes ch. Active inbound transfers on the channel are failed; their
// persisted chunks stay in the store until cleared. A plain channel close returns nil.
func (e *Engine) Serve(ctx context.Context, ch network.Channel) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() {
		_ = ch.Close()
	}()

	session := &peerSession{
		ch:        ch,
		inbound:   make(map[string]*Transfer),
		decisions: make(chan consentDecision),
	}

	messages := make(chan network.Message)
	recvErr := make(chan error, 1)
	go func() {
		defer close(messages)
		for {
			message, err := ch.Receive(ctx)
			if err != nil {
				recvErr <- err
				return
			}
			select {
			case messages <- message:
			case <-ctx.Done():
				recvErr <- ctx.Err()
				return
			}
		}
	}()

	logrus.WithFields(logrus.Fields{
		"function": "Serve",
		"peer_id":  ch.PeerID(),
	}).Debug("Serving peer channel")

	var cause error
loop:
	for {
		select {
		case message, ok := <-messages:
			if !ok {
				cause = <-recvErr
				break loop
			}
			e.dispatch(ctx, session, message)
		case decision := <-session.decisions:
			e.resolveConsent(session, decision)
		}
	}

	e.abortSession(session, cause)
	if errors.Is(cause, network.ErrChannelClosed) {
		return nil
	}
	return cause
}

func (e *Engine) dispatch(ctx context.Context, s *peerSession, message network.Message) {
	peerID := s.ch.PeerID()
	switch m := message.(type) {
	case network.FileRequest:
		e.handleFileRequest(ctx, s, m)
	case network.FileMeta:
		e.handleFileMeta(s, m)
	case network.FileChunk:
		e.handleFileChunk(s, m)
	case network.FileComplete:
		e.handleFileComplete(s, m)
	case network.PinAccept:
		e.deliverReply(peerID, m.TransferID, m)
	case network.PinReject:
		e.deliverReply(peerID, m.TransferID, m)
	case network.ChunkAck:
		e.ackChunk(peerID, m)
	case network.CompleteAck:
		e.completeAcked(peerID, m)
	default:
		logrus.WithFields(logrus.Fields{
			"function": "dispatch",
			"peer_id":  peerID,
			"type":     message.MessageType(),
		}).Warn("Unexpected message ignored")
	}
}

func (e *Engine) handleFileRequest(ctx context.Context, s *peerSession, m network.FileRequest) {
	peerID := s.ch.PeerID()
	logger := logrus.WithFields(logrus.Fields{
		"function":    "handleFileRequest",
		"peer_id":     peerID,
		"transfer_id": m.TransferID,
		"file_name":   m.FileName,
	})

	refuse := func(reason string) {
		logger.WithField("reason", reason).Warn("Refusing file request")
		if err := s.ch.Send(network.PinReject{TransferID: m.TransferID}); err != nil {
			logger.WithField("error", err.Error()).Warn("Failed to send PIN_REJECT")
		}
	}

	if m.TransferID == "" || strings.TrimSpace(m.FileName) == "" || m.ChunkCount <= 0 {
		refuse("malformed request")
		return
	}
	if _, exists := s.inbound[m.TransferID]; exists {
		refuse("duplicate transfer id")
		return
	}
	meta, err := network.DecodeRequestMetadata(m.Metadata)
	if err != nil {
		refuse(err.Error())
		return
	}
	if meta.Size <= 0 {
		refuse("non-positive size")
		return
	}
	if int64(m.ChunkCount) > meta.Size {
		refuse(fmt.Sprintf("%d chunks cannot hold %d bytes", m.ChunkCount, meta.Size))
		return
	}
	if meta.Cipher != e.cipherSuite() {
		refuse(fmt.Sprintf("cipher mismatch: peer uses %q, local uses %q", meta.Cipher, e.cipherSuite()))
		return
	}

	t := newTransfer(m.TransferID, peerID, Inbound, m.FileName, m.MimeType, meta.Size, m.ChunkCount)
	t.pin = meta.PIN
	t.setState(StateAwaitingConsent)
	s.inbound[t.id] = t
	e.track(t)
	logger.WithField("size", meta.Size).Info("File offered, awaiting consent")

	if e.prompter == nil {
		e.resolveConsent(s, consentDecision{transfer: t, err: errors.New("no consent prompter configured")})
		return
	}
	go e.askConsent(ctx, s, t)
}

// askConsent runs the prompt off the Serve loop and posts the outcome back to it.
func (e *Engine) askConsent(ctx context.Context, s *peerSession, t *Transfer) {
	snapshot := t.Snapshot()
	offer := Offer{
		TransferID: snapshot.ID,
		PeerID:     snapshot.PeerID,
		FileName:   snapshot.FileName,
		MimeType:   snapshot.MimeType,
		SizeBytes:  snapshot.SizeBytes,
		ChunkCount: snapshot.ChunkCount,
	}

	promptCtx := ctx
	if e.consentTimeout > 0 {
		var cancel context.CancelFunc
		promptCtx, cancel = context.WithTimeout(ctx, e.consentTimeout)
		defer cancel()
	}

	decision := consentDecision{transfer: t}
	decision.accepted, decision.pin, decision.err = e.prompter.Decide(promptCtx, offer)
	if decision.err == nil && promptCtx.Err() != nil {
		decision.err = promptCtx.Err()
	}

	select {
	case s.decisions <- decision:
	case <-ctx.Done():
	}
}

func (e *Engine) resolveConsent(s *peerSession, d consentDecision) {
	t := d.transfer
	if current, ok := s.inbound[t.id]; !ok || current != t {
		return
	}
	logger := logrus.WithFields(logrus.Fields{
		"function":    "resolveConsent",
		"peer_id":     t.peerID,
		"transfer_id": t.id,
	})

	var reason string
	switch {
	case errors.Is(d.err, context.DeadlineExceeded):
		reason = "consent prompt timed out"
	case d.err != nil:
		reason = "consent prompt failed: " + d.err.Error()
	case !d.accepted:
		reason = "offer declined"
	case !PINsEqual(t.pin, d.pin):
		reason = "PIN mismatch"
	}

	if reason != "" {
		if err := s.ch.Send(network.PinReject{TransferID: t.id}); err != nil {
			logger.WithField("error", err.Error()).Warn("Failed to send PIN_REJECT")
		}
		t.setState(StateRejected)
		delete(s.inbound, t.id)
		e.untrack(t)
		logger.WithField("reason", reason).Info("File offer rejected")
		if e.onRejected != nil {
			e.onRejected(t.Snapshot())
		}
		return
	}

	t.setState(StateAccepted)
	if err := e.saveRecord(t); err != nil {
		_ = s.ch.Send(network.PinReject{TransferID: t.id})
		delete(s.inbound, t.id)
		e.failTransfer(t, newError(ErrStorageFailure, t.peerID, t.id, err))
		return
	}
	if err := s.ch.Send(network.PinAccept{TransferID: t.id, PIN: strings.TrimSpace(d.pin)}); err != nil {
		delete(s.inbound, t.id)
		e.failTransfer(t, newError(ErrChannelSendFailure, t.peerID, t.id, err))
		return
	}
	logger.Info("File offer accepted")
}

func (e *Engine) handleFileMeta(s *peerSession, m network.FileMeta) {
	logger := logrus.WithFields(logrus.Fields{
		"function":    "handleFileMeta",
		"peer_id":     s.ch.PeerID(),
		"transfer_id": m.TransferID,
	})
	t, ok := s.inbound[m.TransferID]
	if !ok {
		logger.Warn("FILE_META for unknown transfer dropped")
		return
	}
	if t.State() != StateAccepted {
		logger.WithField("state", string(t.State())).Warn("FILE_META out of sequence dropped")
		return
	}

	startedAt := e.now()
	if meta, err := network.DecodeMetaMetadata(m.Metadata); err == nil && meta.StartedAt > 0 {
		startedAt = time.UnixMilli(meta.StartedAt)
	} else if err != nil {
		logger.WithField("error", err.Error()).Warn("Unreadable FILE_META metadata, anchoring at local time")
	}
	e.startInbound(t, startedAt)
}

func (e *Engine) startInbound(t *Transfer, startedAt time.Time) {
	t.start(startedAt)
	e.recordHistory(t, "startInbound", func() error {
		return e.store.UpdateTransferStart(t.id, string(Inbound), startedAt.UnixMilli())
	})
}

func (e *Engine) handleFileChunk(s *peerSession, m network.FileChunk) {
	logger := logrus.WithFields(logrus.Fields{
		"function":    "handleFileChunk",
		"peer_id":     s.ch.PeerID(),
		"transfer_id": m.TransferID,
		"index":       m.Index,
	})
	t, ok := s.inbound[m.TransferID]
	if !ok {
		logger.Warn("Chunk for unknown transfer dropped")
		return
	}
	if state := t.State(); state != StateAccepted && state != StateTransferring {
		logger.WithField("state", string(state)).Warn("Chunk before consent dropped")
		return
	}
	if m.Index < 0 || m.Index >= t.chunkCount {
		logger.WithField("chunk_count", t.chunkCount).Warn("Chunk index out of range dropped")
		return
	}
	if _, started := t.started(); !started {
		e.startInbound(t, e.now())
	}

	data := m.Data
	if e.cipher != nil {
		plaintext, err := e.cipher.Open(data)
		if err != nil {
			logger.WithFields(logrus.Fields{
				"kind":  ErrCryptoFailure.Error(),
				"error": err.Error(),
			}).Warn("Chunk dropped")
			return
		}
		data = plaintext
	}

	if err := e.store.PutChunk(t.id, m.Index, data); err != nil {
		logger.WithFields(logrus.Fields{
			"kind":  ErrStorageFailure.Error(),
			"error": err.Error(),
		}).Warn("Chunk dropped")
		return
	}

	if t.markReceived(m.Index, int64(len(data))) {
		count := t.Snapshot().ReceivedCount
		e.recordHistory(t, "handleFileChunk", func() error {
			return e.store.UpdateTransferProgress(t.id, string(Inbound), count)
		})
		logger.Debug("Chunk stored")
	} else {
		logger.Debug("Duplicate chunk overwritten")
	}

	if err := s.ch.Send(network.ChunkAck{TransferID: t.id, Index: m.Index}); err != nil {
		logger.WithField("error", err.Error()).Warn("Failed to acknowledge chunk")
	}
	e.emitProgress(t, nil)

	if t.ready() {
		e.completeInbound(s, t)
	}
}

func (e *Engine) handleFileComplete(s *peerSession, m network.FileComplete) {
	logger := logrus.WithFields(logrus.Fields{
		"function":    "handleFileComplete",
		"peer_id":     s.ch.PeerID(),
		"transfer_id": m.TransferID,
	})
	t, ok := s.inbound[m.TransferID]
	if !ok {
		logger.Warn("FILE_COMPLETE for unknown transfer dropped")
		return
	}
	if state := t.State(); state != StateAccepted && state != StateTransferring {
		logger.WithField("state", string(state)).Warn("FILE_COMPLETE out of sequence dropped")
		return
	}

	t.markCompleteSeen()
	if t.ready() {
		e.completeInbound(s, t)
		return
	}
	snapshot := t.Snapshot()
	logger.WithField("missing", snapshot.ChunkCount-snapshot.ReceivedCount).Info("Sender finished, waiting for remaining chunks")
}

// completeInbound declares the transfer complete: every chunk is persisted. The file
// itself is only built on Materialize or Export.
func (e *Engine) completeInbound(s *peerSession, t *Transfer) {
	t.finish(e.now())
	snapshot := t.Snapshot()
	e.recordHistory(t, "completeInbound", func() error {
		return e.store.CompleteTransfer(t.id, string(Inbound), snapshot.AverageSpeed, snapshot.Elapsed.Milliseconds())
	})
	delete(s.inbound, t.id)
	e.untrack(t)

	logger := logrus.WithFields(logrus.Fields{
		"function":      "completeInbound",
		"peer_id":       t.peerID,
		"transfer_id":   t.id,
		"file_name":     snapshot.FileName,
		"bytes":         snapshot.SizeBytes,
		"average_speed": snapshot.AverageSpeed,
	})
	if err := s.ch.Send(network.CompleteAck{TransferID: t.id, FileName: snapshot.FileName}); err != nil {
		logger.WithField("error", err.Error()).Warn("Failed to acknowledge completion")
	}
	logger.Info("File received")

	if e.onReady != nil {
		e.onReady(snapshot)
	}
}

// abortSession fails whatever was still in flight when the channel went away.
func (e *Engine) abortSession(s *peerSession, cause error) {
	if cause == nil {
		cause = network.ErrChannelClosed
	}
	for id, t := range s.inbound {
		delete(s.inbound, id)
		e.failTransfer(t, newError(ErrConnectionUnavailable, t.peerID, t.id, fmt.Errorf("channel closed mid-transfer: %w", cause)))
	}
}
