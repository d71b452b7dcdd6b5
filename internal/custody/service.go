// internal/custody/service.go
package custody

import (
	"context"
)

// Service defines the interface for the custody ledger.
type Service interface {
	RegisterBatch(ctx context.Context, batchID, mfgDate, expDate string, caller Identity) (*Batch, error)
	TransferBatch(ctx context.Context, batchID string, to Identity, location string, caller Identity) (*Batch, error)
	ConfirmDelivery(ctx context.Context, batchID string, caller Identity) (*Batch, error)

	GetBatch(ctx context.Context, batchID string) (*Batch, error)
	GetBatchHistory(ctx context.Context, batchID string) ([]HistoryEntry, error)
	GetTotalBatches(ctx context.Context) (int, error)
	GetBatchIDByIndex(ctx context.Context, position int) (string, error)
	BatchExists(ctx context.Context, batchID string) (bool, error)
}

// Journal durably records applied mutations. Append is called while the
// batch is locked and before the mutation becomes visible; an error aborts it.
type Journal interface {
	Append(ctx context.Context, rec JournalRecord) error
}

// Replayer streams previously journaled records in their original append order.
type Replayer interface {
	Replay(ctx context.Context, fn func(JournalRecord) error) error
}
