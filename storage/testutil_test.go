package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenPath(filepath.Join(t.TempDir(), DefaultDBFileName))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	return store
}

// mustSaveInbound records an accepted inbound transfer of chunkCount ten-byte chunks.
func mustSaveInbound(t *testing.T, store *Store, transferID string, chunkCount int) {
	t.Helper()
	require.NoError(t, store.SaveTransfer(TransferRecord{
		TransferID: transferID,
		Direction:  DirectionInbound,
		PeerID:     "peer-1",
		FileName:   transferID + ".bin",
		MimeType:   "application/octet-stream",
		SizeBytes:  int64(chunkCount) * 10,
		ChunkCount: chunkCount,
		State:      StateAccepted,
	}))
}
