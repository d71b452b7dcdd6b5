package storage

import (
	"context"
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pharmachain/internal/custody"
)

func collect(t *testing.T, j *Journal) []custody.JournalRecord {
	t.Helper()
	var out []custody.JournalRecord
	require.NoError(t, j.Replay(context.Background(), func(rec custody.JournalRecord) error {
		out = append(out, rec)
		return nil
	}))
	return out
}

func TestJournalSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	j, err := Open(dir)
	require.NoError(t, err)
	ledger := custody.NewLedger(custody.WithJournal(j))
	_, err = ledger.RegisterBatch(ctx, "BATCH001", "2025-01-01", "2026-01-01", "0xM")
	require.NoError(t, err)
	_, err = ledger.TransferBatch(ctx, "BATCH001", "0xD", "Hanoi", "0xM")
	require.NoError(t, err)
	_, err = ledger.ConfirmDelivery(ctx, "BATCH001", "0xD")
	require.NoError(t, err)
	seq, head := j.Head()
	require.EqualValues(t, 3, seq)
	require.NoError(t, j.Close())

	j, err = Open(dir)
	require.NoError(t, err)
	defer j.Close()
	reopenedSeq, reopenedHead := j.Head()
	assert.Equal(t, seq, reopenedSeq)
	assert.Equal(t, head, reopenedHead)

	restored := custody.NewLedger(custody.WithJournal(j))
	require.NoError(t, restored.Restore(ctx, j))
	b, err := restored.GetBatch(ctx, "BATCH001")
	require.NoError(t, err)
	assert.Equal(t, custody.StatusDelivered, b.Status)
	assert.Equal(t, custody.Identity("0xD"), b.CurrentOwner)

	// Appends continue the chain after a restart.
	_, err = restored.RegisterBatch(ctx, "BATCH002", "2025-01-01", "2026-01-01", "0xM")
	require.NoError(t, err)
	records := collect(t, j)
	require.Len(t, records, 4)
	assert.Equal(t, "BATCH002", records[3].BatchID)
}

func TestJournalRejectsVersionGaps(t *testing.T) {
	j, err := Open(t.TempDir())
	require.NoError(t, err)
	defer j.Close()

	rec := custody.JournalRecord{
		BatchID: "B1",
		Version: 2,
		Batch:   custody.Batch{BatchID: "B1"},
		Entry:   custody.HistoryEntry{Action: custody.ActionTransferred},
	}
	err = j.Append(context.Background(), rec)
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.Empty(t, collect(t, j))
}

func TestJournalDetectsTampering(t *testing.T) {
	ctx := context.Background()
	j, err := Open(t.TempDir())
	require.NoError(t, err)
	defer j.Close()

	ledger := custody.NewLedger(custody.WithJournal(j))
	_, err = ledger.RegisterBatch(ctx, "B1", "2025-01-01", "2026-01-01", "0xM")
	require.NoError(t, err)
	_, err = ledger.TransferBatch(ctx, "B1", "0xD", "Hanoi", "0xM")
	require.NoError(t, err)

	// Rewrite one byte of the first record.
	value, closer, err := j.db.Get(recordKey(1))
	require.NoError(t, err)
	forged := append([]byte(nil), value...)
	closer.Close()
	forged[len(forged)-2] = 'X'
	require.NoError(t, j.db.Set(recordKey(1), forged, pebble.Sync))

	err = j.Replay(ctx, func(custody.JournalRecord) error { return nil })
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestPrefixUpperBound(t *testing.T) {
	assert.Equal(t, []byte("j0"), prefixUpperBound([]byte("j/")))
	assert.Equal(t, []byte{0x02}, prefixUpperBound([]byte{0x01, 0xff}))
	assert.Nil(t, prefixUpperBound([]byte{0xff, 0xff}))
}
