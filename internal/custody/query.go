// internal/custody/query.go
package custody

import (
	"context"
	"errors"
)

// GetBatch returns a copy of the batch.
func (l *Ledger) GetBatch(ctx context.Context, batchID string) (*Batch, error) {
	b, err := l.store.Get(batchID)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// GetBatchHistory returns the batch's history, registration first.
func (l *Ledger) GetBatchHistory(ctx context.Context, batchID string) ([]HistoryEntry, error) {
	var entries []HistoryEntry
	err := l.store.view(batchID, func(Batch) {
		entries = l.history.Get(batchID)
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// GetRecord returns the batch and its history as one consistent read.
func (l *Ledger) GetRecord(ctx context.Context, batchID string) (*Record, error) {
	var rec Record
	err := l.store.view(batchID, func(b Batch) {
		rec.Batch = b
		rec.History = l.history.Get(batchID)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListRecords returns every registered batch with its history, in index order.
func (l *Ledger) ListRecords(ctx context.Context) ([]Record, error) {
	ids := l.store.ids()
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := l.GetRecord(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

// GetTotalBatches returns the number of registered batches.
func (l *Ledger) GetTotalBatches(ctx context.Context) (int, error) {
	return l.store.Count(), nil
}

// GetBatchIDByIndex returns the id registered at position.
func (l *Ledger) GetBatchIDByIndex(ctx context.Context, position int) (string, error) {
	return l.store.IDAt(position)
}

// BatchExists reports whether batchID is registered.
func (l *Ledger) BatchExists(ctx context.Context, batchID string) (bool, error) {
	return l.store.Exists(batchID), nil
}
