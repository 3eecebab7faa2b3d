package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// DirectionOutbound marks transfers this device sent.
	DirectionOutbound = "outbound"
	// DirectionInbound marks transfers this device received.
	DirectionInbound = "inbound"
)

const (
	StateRequested       = "requested"
	StateAwaitingConsent = "awaiting_consent"
	StateAccepted        = "accepted"
	StateRejected        = "rejected"
	StateTransferring    = "transferring"
	StateCompleted       = "completed"
	StateFailed          = "failed"
)

// TransferRecord is the SQLite representation of one transfer's history row.
type TransferRecord struct {
	TransferID    string
	Direction     string
	PeerID        string
	FileName      string
	MimeType      string
	SizeBytes     int64
	ChunkCount    int
	State         string
	StartedAt     *int64
	ReceivedCount int
	AverageSpeed  float64
	ElapsedMillis int64
	CreatedAt     int64
	UpdatedAt     int64
}

// Blob is a materialized file: the concatenation of a transfer's chunks plus its declared type.
type Blob struct {
	MimeType string
	Data     []byte
}

// Size returns the blob length in bytes.
func (b *Blob) Size() int64 {
	if b == nil {
		return 0
	}
	return int64(len(b.Data))
}

func validateDirection(direction string) error {
	switch direction {
	case DirectionOutbound, DirectionInbound:
		return nil
	default:
		return fmt.Errorf("invalid transfer direction %q", direction)
	}
}

func validateState(state string) error {
	switch state {
	case StateRequested, StateAwaitingConsent, StateAccepted, StateRejected,
		StateTransferring, StateCompleted, StateFailed:
		return nil
	default:
		return fmt.Errorf("invalid transfer state %q", state)
	}
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
