package models

import (
	"time"

	"nebulasend/storage"
)

// Transfer is the JSON view of one transfer history row.
type Transfer struct {
	TransferID      string  `json:"transfer_id"`
	Direction       string  `json:"direction"`
	PeerID          string  `json:"peer_id"`
	FileName        string  `json:"file_name"`
	MimeType        string  `json:"mime_type"`
	SizeBytes       int64   `json:"size_bytes"`
	ChunkCount      int     `json:"chunk_count"`
	ReceivedChunks  int     `json:"received_chunks"`
	State           string  `json:"state"`
	StartedAt       string  `json:"started_at,omitempty"`
	AverageSpeedBps float64 `json:"average_speed_bps"`
	ElapsedMillis   int64   `json:"elapsed_ms"`
	UpdatedAt       string  `json:"updated_at"`
}

// NewTransfer converts a stored history row into its JSON view.
func NewTransfer(record storage.TransferRecord) Transfer {
	out := Transfer{
		TransferID:      record.TransferID,
		Direction:       record.Direction,
		PeerID:          record.PeerID,
		FileName:        record.FileName,
		MimeType:        record.MimeType,
		SizeBytes:       record.SizeBytes,
		ChunkCount:      record.ChunkCount,
		ReceivedChunks:  record.ReceivedCount,
		State:           record.State,
		AverageSpeedBps: record.AverageSpeed,
		ElapsedMillis:   record.ElapsedMillis,
		UpdatedAt:       formatMillis(record.UpdatedAt),
	}
	if record.StartedAt != nil {
		out.StartedAt = formatMillis(*record.StartedAt)
	}
	return out
}

// NewTransfers converts a slice of history rows, preserving order.
func NewTransfers(records []storage.TransferRecord) []Transfer {
	out := make([]Transfer, 0, len(records))
	for _, record := range records {
		out = append(out, NewTransfer(record))
	}
	return out
}

func formatMillis(ms int64) string {
	if ms <= 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
