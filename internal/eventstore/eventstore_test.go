package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pharmachain/internal/custody"
)

// setupTestDB connects to a PostgreSQL database for testing.
// It skips the test if the connection cannot be established.
func setupTestDB(t testing.TB) *sql.DB {
	t.Helper()

	connStr := os.Getenv("PHARMA_TEST_DATABASE_URL")
	if connStr == "" {
		pgHost := getEnv("PGHOST", "localhost")
		pgPort := getEnv("PGPORT", "5432")
		pgUser := getEnv("PGUSER", "user")
		pgPassword := getEnv("PGPASSWORD", "password")
		pgDB := getEnv("PGDATABASE", "testdb")
		connStr = fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
			pgHost, pgPort, pgUser, pgPassword, pgDB)
	}

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		t.Fatalf("failed to open database connection: %v", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		t.Skipf("skipping postgres tests: could not connect to postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	require.NoError(t, NewEventStore(db).EnsureSchema(context.Background()))
	return db
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

type testEvent struct {
	Message string `json:"message"`
}

func TestAppendEventsEnforcesVersion(t *testing.T) {
	ctx := context.Background()
	store := NewEventStore(setupTestDB(t))
	aggregateID := "agg-" + uuid.NewString()

	data, _ := json.Marshal(testEvent{Message: "first"})
	require.NoError(t, store.AppendEvents(ctx, aggregateID, "test", 0, []Event{{EventType: "Test", EventData: data}}))

	err := store.AppendEvents(ctx, aggregateID, "test", 0, []Event{{EventType: "Test", EventData: data}})
	assert.ErrorIs(t, err, ErrConcurrencyConflict)

	err = store.AppendEvents(ctx, aggregateID, "test", -1, nil)
	assert.ErrorIs(t, err, ErrInvalidVersion)

	require.NoError(t, store.AppendEvents(ctx, aggregateID, "test", 1, []Event{{EventType: "Test", EventData: data}}))
}

func TestJournalRoundTripsLedger(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	_, err := db.Exec("TRUNCATE TABLE events")
	require.NoError(t, err)

	journal := NewJournal(NewEventStore(db))
	journal.pageSize = 2
	ledger := custody.NewLedger(custody.WithJournal(journal))

	_, err = ledger.RegisterBatch(ctx, "BATCH001", "2025-01-01", "2026-01-01", "0xM")
	require.NoError(t, err)
	_, err = ledger.RegisterBatch(ctx, "BATCH002", "2025-01-01", "2026-01-01", "0xM")
	require.NoError(t, err)
	_, err = ledger.TransferBatch(ctx, "BATCH001", "0xD", "Hanoi", "0xM")
	require.NoError(t, err)
	_, err = ledger.ConfirmDelivery(ctx, "BATCH001", "0xD")
	require.NoError(t, err)

	restored := custody.NewLedger()
	require.NoError(t, restored.Restore(ctx, journal))

	want, err := ledger.ListRecords(ctx)
	require.NoError(t, err)
	got, err := restored.ListRecords(ctx)
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].Batch.BatchID, got[i].Batch.BatchID)
		assert.Equal(t, want[i].Batch.Status, got[i].Batch.Status)
		assert.Equal(t, want[i].Batch.CurrentOwner, got[i].Batch.CurrentOwner)
		assert.True(t, want[i].Batch.CreatedAt.Equal(got[i].Batch.CreatedAt))
		assert.Len(t, got[i].History, len(want[i].History))
	}

	// A second writer that missed the transfer cannot append behind it.
	err = journal.Append(ctx, custody.JournalRecord{
		BatchID: "BATCH001",
		Version: 2,
		Batch:   custody.Batch{BatchID: "BATCH001"},
		Entry:   custody.HistoryEntry{Action: custody.ActionTransferred},
	})
	assert.ErrorIs(t, err, ErrConcurrencyConflict)
}

func BenchmarkAppendEvents(b *testing.B) {
	db := setupTestDB(b)
	store := NewEventStore(db)

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		b.StopTimer()
		aggregateID := "bench-" + uuid.NewString()
		eventData, _ := json.Marshal(testEvent{Message: fmt.Sprintf("event %d", i)})
		events := []Event{{EventType: "TestEvent", EventData: eventData}}
		b.StartTimer()

		if err := store.AppendEvents(context.Background(), aggregateID, "test_aggregate", 0, events); err != nil {
			b.Fatalf("AppendEvents failed: %v", err)
		}
	}
}
