package custody

import (
	"context"
	"errors"
	"testing"

	"pgregory.net/rapid"
)

// ledgerModel is the reference model the ledger is checked against.
type ledgerModel struct {
	order   []string
	batches map[string]Batch
	history map[string][]Action
}

var (
	rapidIDs        = []string{"B1", "B2", "B3", "B4"}
	rapidIdentities = []Identity{"0xA", "0xB", "0xC", "0xD"}
)

func TestLedgerMatchesModel(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		l := NewLedger(WithClock(fixedClock()))
		m := &ledgerModel{
			batches: make(map[string]Batch),
			history: make(map[string][]Action),
		}

		t.Repeat(map[string]func(*rapid.T){
			"register": func(t *rapid.T) {
				id := rapid.SampledFrom(rapidIDs).Draw(t, "id")
				caller := rapid.SampledFrom(rapidIdentities).Draw(t, "caller")
				_, err := l.RegisterBatch(ctx, id, "2025-01-01", "2026-01-01", caller)
				if _, ok := m.batches[id]; ok {
					expectKind(t, err, ErrAlreadyExists)
					return
				}
				expectKind(t, err, nil)
				m.order = append(m.order, id)
				m.batches[id] = Batch{BatchID: id, Manufacturer: caller, CurrentOwner: caller, Status: StatusCreated}
				m.history[id] = []Action{ActionRegistered}
			},
			"transfer": func(t *rapid.T) {
				id := rapid.SampledFrom(rapidIDs).Draw(t, "id")
				caller := rapid.SampledFrom(rapidIdentities).Draw(t, "caller")
				to := rapid.SampledFrom(rapidIdentities).Draw(t, "to")
				_, err := l.TransferBatch(ctx, id, to, "Hanoi", caller)
				b, ok := m.batches[id]
				switch {
				case !ok:
					expectKind(t, err, ErrNotFound)
				case caller != b.CurrentOwner:
					expectKind(t, err, ErrUnauthorized)
				case b.Status == StatusDelivered:
					expectKind(t, err, ErrInvalidState)
				case to == b.CurrentOwner:
					expectKind(t, err, ErrInvalidArgument)
				default:
					expectKind(t, err, nil)
					b.CurrentOwner = to
					b.Status = StatusInTransit
					m.batches[id] = b
					m.history[id] = append(m.history[id], ActionTransferred)
				}
			},
			"deliver": func(t *rapid.T) {
				id := rapid.SampledFrom(rapidIDs).Draw(t, "id")
				caller := rapid.SampledFrom(rapidIdentities).Draw(t, "caller")
				_, err := l.ConfirmDelivery(ctx, id, caller)
				b, ok := m.batches[id]
				switch {
				case !ok:
					expectKind(t, err, ErrNotFound)
				case caller != b.CurrentOwner:
					expectKind(t, err, ErrUnauthorized)
				case b.Status != StatusInTransit:
					expectKind(t, err, ErrInvalidState)
				default:
					expectKind(t, err, nil)
					b.Status = StatusDelivered
					m.batches[id] = b
					m.history[id] = append(m.history[id], ActionDelivered)
				}
			},
			"": func(t *rapid.T) {
				total, _ := l.GetTotalBatches(ctx)
				if total != len(m.order) {
					t.Fatalf("total %d, model %d", total, len(m.order))
				}
				for i, want := range m.order {
					got, err := l.GetBatchIDByIndex(ctx, i)
					if err != nil || got != want {
						t.Fatalf("index %d: got %q (%v), want %q", i, got, err, want)
					}
				}
				for id, want := range m.batches {
					rec, err := l.GetRecord(ctx, id)
					if err != nil {
						t.Fatalf("get %s: %v", id, err)
					}
					b := rec.Batch
					if b.Manufacturer != want.Manufacturer || b.CurrentOwner != want.CurrentOwner || b.Status != want.Status {
						t.Fatalf("batch %s: got %+v, want %+v", id, b, want)
					}
					actions := m.history[id]
					if len(rec.History) != len(actions) {
						t.Fatalf("batch %s: history length %d, want %d", id, len(rec.History), len(actions))
					}
					for i, e := range rec.History {
						if e.Action != actions[i] {
							t.Fatalf("batch %s entry %d: %s, want %s", id, i, e.Action, actions[i])
						}
					}
					if last := rec.History[len(rec.History)-1]; last.To != b.CurrentOwner {
						t.Fatalf("batch %s: last entry to %q, owner %q", id, last.To, b.CurrentOwner)
					}
				}
			},
		})
	})
}

func expectKind(t *rapid.T, err, want error) {
	if want == nil {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return
	}
	if !errors.Is(err, want) {
		t.Fatalf("got %v, want %v", err, want)
	}
}
