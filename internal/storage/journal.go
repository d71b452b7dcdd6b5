// Package storage provides an embedded custody journal backed by Pebble.
package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/zeebo/blake3"

	"pharmachain/internal/custody"
)

var (
	// ErrVersionConflict is returned when a record is not the next version of its batch.
	ErrVersionConflict = errors.New("storage: version conflict")
	// ErrCorrupt is returned when the hash chain does not verify on replay.
	ErrCorrupt = errors.New("storage: journal corrupt")
)

// recordPrefix namespaces journal keys. Keys are recordPrefix + big-endian sequence.
var recordPrefix = []byte("j/")

const digestSize = 32

// Journal appends custody records to Pebble. Each value is the digest of the
// previous record followed by the JSON record; the digest of a record is
// blake3(prev || json), so replay detects any rewritten or removed record.
type Journal struct {
	db *pebble.DB

	mu       sync.Mutex
	seq      uint64
	last     [digestSize]byte
	versions map[string]int
}

// Open opens or creates the journal at path and recovers its tail.
func Open(path string) (*Journal, error) {
	opts := &pebble.Options{
		Cache:        pebble.NewCache(16 << 20), // 16 MB cache
		MemTableSize: 8 << 20,                   // 8 MB memtable
	}
	defer opts.Cache.Unref()

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}

	j := &Journal{db: db, versions: make(map[string]int)}
	err = j.scan(func(seq uint64, rec custody.JournalRecord, digest [digestSize]byte) error {
		j.seq = seq
		j.last = digest
		j.versions[rec.BatchID] = rec.Version
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// Append writes rec synchronously. rec must be the next version of its batch.
func (j *Journal) Append(ctx context.Context, rec custody.JournalRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal journal record: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if want := j.versions[rec.BatchID] + 1; rec.Version != want {
		return fmt.Errorf("%w: batch %q version %d, expected %d", ErrVersionConflict, rec.BatchID, rec.Version, want)
	}

	value := make([]byte, 0, digestSize+len(data))
	value = append(value, j.last[:]...)
	value = append(value, data...)

	seq := j.seq + 1
	if err := j.db.Set(recordKey(seq), value, pebble.Sync); err != nil {
		return fmt.Errorf("write record %d: %w", seq, err)
	}

	j.seq = seq
	j.last = blake3.Sum256(value)
	j.versions[rec.BatchID] = rec.Version
	return nil
}

// Replay calls fn for every record in append order, verifying the hash chain.
func (j *Journal) Replay(ctx context.Context, fn func(custody.JournalRecord) error) error {
	return j.scan(func(_ uint64, rec custody.JournalRecord, _ [digestSize]byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fn(rec)
	})
}

// Head returns the sequence number and digest of the last record.
func (j *Journal) Head() (uint64, [digestSize]byte) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq, j.last
}

// Close flushes and closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) scan(fn func(seq uint64, rec custody.JournalRecord, digest [digestSize]byte) error) error {
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: recordPrefix,
		UpperBound: prefixUpperBound(recordPrefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	var (
		prev    [digestSize]byte
		wantSeq uint64 = 1
	)
	for iter.First(); iter.Valid(); iter.Next() {
		seq := binary.BigEndian.Uint64(iter.Key()[len(recordPrefix):])
		if seq != wantSeq {
			return fmt.Errorf("%w: record %d missing", ErrCorrupt, wantSeq)
		}
		value, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		if len(value) < digestSize || !bytes.Equal(value[:digestSize], prev[:]) {
			return fmt.Errorf("%w: record %d breaks the hash chain", ErrCorrupt, seq)
		}

		var rec custody.JournalRecord
		if err := json.Unmarshal(value[digestSize:], &rec); err != nil {
			return fmt.Errorf("%w: record %d: %v", ErrCorrupt, seq, err)
		}
		prev = blake3.Sum256(value)
		if err := fn(seq, rec, prev); err != nil {
			return err
		}
		wantSeq++
	}
	return iter.Error()
}

func recordKey(seq uint64) []byte {
	key := make([]byte, len(recordPrefix)+8)
	copy(key, recordPrefix)
	binary.BigEndian.PutUint64(key[len(recordPrefix):], seq)
	return key
}

// prefixUpperBound returns the smallest key greater than every key with prefix.
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}
	return nil
}
