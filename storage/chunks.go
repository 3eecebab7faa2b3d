package storage

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"io"
)

// PutChunk stores chunk bytes at (transferID, index). Re-putting an index overwrites it.
func (s *Store) PutChunk(transferID string, index int, data []byte) error {
	if transferID == "" {
		return errors.New("transfer_id is required")
	}
	if index < 0 {
		return fmt.Errorf("invalid chunk index %d", index)
	}
	if data == nil {
		data = []byte{}
	}

	_, err := s.db.Exec(
		`INSERT INTO chunks (transfer_id, chunk_index, data, stored_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(transfer_id, chunk_index) DO UPDATE SET
			data = excluded.data,
			stored_at = excluded.stored_at`,
		transferID,
		index,
		data,
		nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put chunk %q/%d: %w", transferID, index, err)
	}
	return nil
}

// GetChunk reads the bytes stored at (transferID, index), or ErrNotFound.
func (s *Store) GetChunk(transferID string, index int) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow(
		`SELECT data FROM chunks WHERE transfer_id = ? AND chunk_index = ?`,
		transferID,
		index,
	).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get chunk %q/%d: %w", transferID, index, err)
	}
	return data, nil
}

// CountChunks returns how many distinct indices are stored for a transfer.
func (s *Store) CountChunks(transferID string) (int, error) {
	var count int
	if err := s.db.QueryRow(
		`SELECT COUNT(1) FROM chunks WHERE transfer_id = ?`,
		transferID,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("count chunks %q: %w", transferID, err)
	}
	return count, nil
}

// DeleteChunks removes every stored chunk of one transfer.
func (s *Store) DeleteChunks(transferID string) error {
	if _, err := s.db.Exec(`DELETE FROM chunks WHERE transfer_id = ?`, transferID); err != nil {
		return fmt.Errorf("delete chunks %q: %w", transferID, err)
	}
	return nil
}

// WriteAssembled streams chunks 0..chunkCount-1 to w in index order, skipping absent indices.
// Completeness is not checked here.
func (s *Store) WriteAssembled(w io.Writer, transferID string, chunkCount int) (int64, error) {
	var written int64
	for i := 0; i < chunkCount; i++ {
		data, err := s.GetChunk(transferID, i)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return written, err
		}
		n, err := w.Write(data)
		written += int64(n)
		if err != nil {
			return written, fmt.Errorf("write chunk %q/%d: %w", transferID, i, err)
		}
	}
	return written, nil
}

// Assemble concatenates a transfer's stored chunks into one typed blob.
func (s *Store) Assemble(transferID string, chunkCount int, mimeType string) (*Blob, error) {
	var buffer bytes.Buffer
	if _, err := s.WriteAssembled(&buffer, transferID, chunkCount); err != nil {
		return nil, err
	}
	return &Blob{MimeType: mimeType, Data: buffer.Bytes()}, nil
}
