package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

const transferColumns = `
	transfer_id,
	direction,
	peer_id,
	file_name,
	mime_type,
	size_bytes,
	chunk_count,
	state,
	started_at,
	received_count,
	average_speed,
	elapsed_ms,
	created_at,
	updated_at`

// SaveTransfer inserts a transfer row or replaces the descriptive fields of an existing one.
func (s *Store) SaveTransfer(record TransferRecord) error {
	if record.TransferID == "" {
		return errors.New("transfer_id is required")
	}
	if record.PeerID == "" {
		return errors.New("peer_id is required")
	}
	if record.FileName == "" {
		return errors.New("file_name is required")
	}
	if record.SizeBytes < 0 {
		return errors.New("size_bytes must be >= 0")
	}
	if record.ChunkCount < 0 {
		return errors.New("chunk_count must be >= 0")
	}
	if err := validateDirection(record.Direction); err != nil {
		return err
	}
	if record.State == "" {
		record.State = StateRequested
	}
	if err := validateState(record.State); err != nil {
		return err
	}
	now := nowUnixMilli()
	if record.CreatedAt == 0 {
		record.CreatedAt = now
	}
	if record.UpdatedAt == 0 {
		record.UpdatedAt = now
	}

	_, err := s.db.Exec(
		`INSERT INTO transfers (`+transferColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transfer_id, direction) DO UPDATE SET
			peer_id = excluded.peer_id,
			file_name = excluded.file_name,
			mime_type = excluded.mime_type,
			size_bytes = excluded.size_bytes,
			chunk_count = excluded.chunk_count,
			state = excluded.state,
			started_at = excluded.started_at,
			received_count = excluded.received_count,
			average_speed = excluded.average_speed,
			elapsed_ms = excluded.elapsed_ms,
			updated_at = excluded.updated_at`,
		record.TransferID,
		record.Direction,
		record.PeerID,
		record.FileName,
		record.MimeType,
		record.SizeBytes,
		record.ChunkCount,
		record.State,
		nullInt64(record.StartedAt),
		record.ReceivedCount,
		record.AverageSpeed,
		record.ElapsedMillis,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save transfer %q/%q: %w", record.TransferID, record.Direction, err)
	}
	return nil
}

// UpdateTransferState sets the lifecycle state of a transfer row.
func (s *Store) UpdateTransferState(transferID, direction, state string) error {
	if err := validateState(state); err != nil {
		return err
	}
	return s.updateTransfer(transferID, direction,
		`UPDATE transfers SET state = ?, updated_at = ? WHERE transfer_id = ? AND direction = ?`,
		state, nowUnixMilli(), transferID, direction,
	)
}

// UpdateTransferStart records the shared start anchor and moves the row to transferring.
func (s *Store) UpdateTransferStart(transferID, direction string, startedAt int64) error {
	return s.updateTransfer(transferID, direction,
		`UPDATE transfers SET started_at = ?, state = ?, updated_at = ? WHERE transfer_id = ? AND direction = ?`,
		startedAt, StateTransferring, nowUnixMilli(), transferID, direction,
	)
}

// UpdateTransferProgress records how many distinct chunks have been moved.
func (s *Store) UpdateTransferProgress(transferID, direction string, receivedCount int) error {
	if receivedCount < 0 {
		return errors.New("received_count must be >= 0")
	}
	return s.updateTransfer(transferID, direction,
		`UPDATE transfers SET received_count = ?, updated_at = ? WHERE transfer_id = ? AND direction = ?`,
		receivedCount, nowUnixMilli(), transferID, direction,
	)
}

// CompleteTransfer marks a transfer completed with its final statistics.
func (s *Store) CompleteTransfer(transferID, direction string, averageSpeed float64, elapsedMillis int64) error {
	return s.updateTransfer(transferID, direction,
		`UPDATE transfers
		SET state = ?, average_speed = ?, elapsed_ms = ?, updated_at = ?
		WHERE transfer_id = ? AND direction = ?`,
		StateCompleted, averageSpeed, elapsedMillis, nowUnixMilli(), transferID, direction,
	)
}

func (s *Store) updateTransfer(transferID, direction, query string, args ...any) error {
	if transferID == "" {
		return errors.New("transfer_id is required")
	}
	if err := validateDirection(direction); err != nil {
		return err
	}

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("update transfer %q/%q: %w", transferID, direction, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for transfer %q/%q: %w", transferID, direction, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetTransfer fetches one transfer row.
func (s *Store) GetTransfer(transferID, direction string) (*TransferRecord, error) {
	row := s.db.QueryRow(
		`SELECT`+transferColumns+`
		FROM transfers
		WHERE transfer_id = ? AND direction = ?`,
		transferID,
		direction,
	)

	record, err := scanTransfer(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get transfer %q/%q: %w", transferID, direction, err)
	}
	return record, nil
}

// ListTransfers returns rows for one direction, newest first. An empty direction lists all.
func (s *Store) ListTransfers(direction string) ([]TransferRecord, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if direction == "" {
		rows, err = s.db.Query(`SELECT` + transferColumns + ` FROM transfers ORDER BY updated_at DESC, transfer_id`)
	} else {
		if err := validateDirection(direction); err != nil {
			return nil, err
		}
		rows, err = s.db.Query(
			`SELECT`+transferColumns+` FROM transfers WHERE direction = ? ORDER BY updated_at DESC, transfer_id`,
			direction,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var records []TransferRecord
	for rows.Next() {
		record, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfers: %w", err)
	}
	return records, nil
}

// DeleteTransfer removes a history row and, for inbound rows, its chunk bytes.
func (s *Store) DeleteTransfer(transferID, direction string) error {
	if err := validateDirection(direction); err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin delete transfer: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.Exec(`DELETE FROM transfers WHERE transfer_id = ? AND direction = ?`, transferID, direction)
	if err != nil {
		return fmt.Errorf("delete transfer %q/%q: %w", transferID, direction, err)
	}
	if direction == DirectionInbound {
		if _, err := tx.Exec(`DELETE FROM chunks WHERE transfer_id = ?`, transferID); err != nil {
			return fmt.Errorf("delete chunks for %q: %w", transferID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete transfer: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearReceived deletes every inbound history row and all stored chunk bytes.
func (s *Store) ClearReceived() (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin clear received: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	res, err := tx.Exec(`DELETE FROM transfers WHERE direction = ?`, DirectionInbound)
	if err != nil {
		return 0, fmt.Errorf("clear received transfers: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM chunks`); err != nil {
		return 0, fmt.Errorf("clear chunks: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit clear received: %w", err)
	}

	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for clear received: %w", err)
	}
	return removed, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransfer(row rowScanner) (*TransferRecord, error) {
	var (
		record    TransferRecord
		startedAt sql.NullInt64
	)
	if err := row.Scan(
		&record.TransferID,
		&record.Direction,
		&record.PeerID,
		&record.FileName,
		&record.MimeType,
		&record.SizeBytes,
		&record.ChunkCount,
		&record.State,
		&startedAt,
		&record.ReceivedCount,
		&record.AverageSpeed,
		&record.ElapsedMillis,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		return nil, err
	}
	record.StartedAt = int64Ptr(startedAt)
	return &record, nil
}
