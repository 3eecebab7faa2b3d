package transfer

import (
	"errors"
	"fmt"
)

// Failure kinds. Match them with errors.Is against any error returned by the engine.
var (
	// ErrConnectionUnavailable means no open channel reaches the peer.
	ErrConnectionUnavailable = errors.New("connection unavailable")
	// ErrConsentDenied means the receiver rejected the offer or entered a different PIN.
	ErrConsentDenied = errors.New("consent denied")
	// ErrCryptoFailure covers key derivation and per-chunk seal/open failures.
	ErrCryptoFailure = errors.New("crypto failure")
	// ErrChannelSendFailure means a send on the peer channel failed.
	ErrChannelSendFailure = errors.New("channel send failure")
	// ErrStorageFailure covers chunk persistence and source reads.
	ErrStorageFailure = errors.New("storage failure")
	// ErrCanceled means the caller's context ended before the transfer finished.
	ErrCanceled = errors.New("canceled")
)

// Error is a transfer failure tagged with its kind and the peer involved.
type Error struct {
	Kind       error
	PeerID     string
	TransferID string
	Err        error
}

func newError(kind error, peerID, transferID string, err error) *Error {
	return &Error{Kind: kind, PeerID: peerID, TransferID: transferID, Err: err}
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("transfer with peer %q failed: %v", e.PeerID, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// KindOf returns the failure kind carried by err, or nil.
func KindOf(err error) error {
	var transferErr *Error
	if errors.As(err, &transferErr) {
		return transferErr.Kind
	}
	return nil
}
