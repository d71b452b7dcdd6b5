package eventstore

import (
	"context"
	"encoding/json"
	"fmt"

	"pharmachain/internal/custody"
)

const (
	batchAggregate  = "batch"
	defaultPageSize = 500
)

// Journal persists custody mutations as batch events.
type Journal struct {
	store    *EventStore
	pageSize int
}

// NewJournal returns a custody journal backed by store.
func NewJournal(store *EventStore) *Journal {
	return &Journal{store: store, pageSize: defaultPageSize}
}

// Append writes rec as the next event of its batch. The batch must be at
// rec.Version-1 in the store.
func (j *Journal) Append(ctx context.Context, rec custody.JournalRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal journal record: %w", err)
	}
	event := Event{
		AggregateID:   rec.BatchID,
		AggregateType: batchAggregate,
		EventType:     string(rec.Entry.Action),
		EventData:     data,
		Version:       rec.Version,
	}
	return j.store.AppendEvents(ctx, rec.BatchID, batchAggregate, rec.Version-1, []Event{event})
}

// Replay streams every batch event in append order.
func (j *Journal) Replay(ctx context.Context, fn func(custody.JournalRecord) error) error {
	var from int64
	for {
		events, err := j.store.StreamEvents(ctx, from, j.pageSize)
		if err != nil {
			return err
		}
		for _, event := range events {
			from = event.ID
			if event.AggregateType != batchAggregate {
				continue
			}
			var rec custody.JournalRecord
			if err := json.Unmarshal(event.EventData, &rec); err != nil {
				return fmt.Errorf("decode event %d: %w", event.ID, err)
			}
			if rec.Version != event.Version {
				return fmt.Errorf("event %d: record version %d, stored version %d", event.ID, rec.Version, event.Version)
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		if len(events) < j.pageSize {
			return nil
		}
	}
}
