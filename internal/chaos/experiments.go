package chaos

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"pharmachain/internal/custody"
)

// RegisterExperiments registers all predefined chaos experiments with the engine.
func (e *Engine) RegisterExperiments() {
	e.RegisterExperiment(e.ConcurrentTransferRace(5, 10*time.Second))
	e.RegisterExperiment(e.DuplicateRegistrationStorm(10 * time.Second))
	e.RegisterExperiment(e.IndexConsistency(10 * time.Second))
}

func (e *Engine) batchID(experiment string, n int) string {
	return fmt.Sprintf("CHAOS-%s-%s-%03d", e.runID, experiment, n)
}

func (e *Engine) identity(role string, n int) custody.Identity {
	return custody.Identity(fmt.Sprintf("0xchaos-%s-%s-%d", e.runID, role, n))
}

// fanOut runs fn concurrently for 0..n-1 and waits for all of them.
func fanOut(n int, fn func(i int)) {
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fn(i)
		}(i)
	}
	wg.Wait()
}

// outcomes tallies the results of concurrent calls.
type outcomes struct {
	mu         sync.Mutex
	successes  map[string]int
	winners    map[string]custody.Identity
	unexpected []error
}

func newOutcomes() *outcomes {
	return &outcomes{successes: make(map[string]int), winners: make(map[string]custody.Identity)}
}

func (o *outcomes) record(batchID string, who custody.Identity, err, expected error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch {
	case err == nil:
		o.successes[batchID]++
		o.winners[batchID] = who
	case !errors.Is(err, expected):
		o.unexpected = append(o.unexpected, err)
	}
}

func (o *outcomes) err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.unexpected) == 0 {
		return nil
	}
	return fmt.Errorf("%d unexpected errors, first: %w", len(o.unexpected), o.unexpected[0])
}

// winnerAnomalies is the distance of every batch from exactly one success.
func (o *outcomes) winnerAnomalies(ids []string) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	var total float64
	for _, id := range ids {
		total += math.Abs(float64(o.successes[id] - 1))
	}
	return total
}

// ConcurrentTransferRace has many callers transfer the same freshly registered
// batches at once. Only the manufacturer holds custody, so exactly one
// transfer per batch may succeed and the rest must be rejected as unauthorized.
func (e *Engine) ConcurrentTransferRace(batches int, duration time.Duration) Experiment {
	manufacturer := e.identity("manufacturer", 0)
	var (
		mu  sync.Mutex
		ids []string
	)
	results := newOutcomes()
	registered := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), ids...)
	}

	return Experiment{
		Name:       "concurrent-transfer-race",
		Hypothesis: "Exactly one of many simultaneous transfers of a batch wins and custody never diverges from history",
		SteadyState: []Metric{
			{
				Name: "transfer_winner_anomalies",
				Query: func(ctx context.Context) (float64, error) {
					return results.winnerAnomalies(registered()), nil
				},
				Threshold: Threshold{Operator: "==", Value: 0},
			},
			{
				Name: "custody_divergence",
				Query: func(ctx context.Context) (float64, error) {
					var divergent float64
					for _, id := range registered() {
						ok, err := e.custodyConsistent(ctx, id, 2)
						if err != nil {
							return 0, err
						}
						if !ok {
							divergent++
						}
					}
					return divergent, nil
				},
				Threshold: Threshold{Operator: "==", Value: 0},
			},
		},
		Method: []Action{
			{
				Type:   "concurrent-requests",
				Target: "custody.TransferBatch",
				Execute: func(ctx context.Context) error {
					for n := 0; n < batches; n++ {
						id := e.batchID("race", n)
						if _, err := e.service.RegisterBatch(ctx, id, "2025-01-01", "2027-01-01", manufacturer); err != nil {
							return fmt.Errorf("register %s: %w", id, err)
						}
						mu.Lock()
						ids = append(ids, id)
						mu.Unlock()
					}
					for _, id := range registered() {
						fanOut(e.concurrency, func(i int) {
							to := e.identity("distributor", i)
							_, err := e.service.TransferBatch(ctx, id, to, fmt.Sprintf("dock-%d", i), manufacturer)
							results.record(id, to, err, custody.ErrUnauthorized)
						})
					}
					return results.err()
				},
			},
		},
		Validation: []Assertion{
			{
				Metric:    "transfer_winner_anomalies",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "Every batch should have exactly one successful transfer",
			},
			{
				Metric:    "custody_divergence",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "Current owner should match the last history entry",
			},
		},
		Duration: duration,
	}
}

// custodyConsistent checks that batchID has wantEntries history entries and
// that its current owner is the recipient of the last one.
func (e *Engine) custodyConsistent(ctx context.Context, batchID string, wantEntries int) (bool, error) {
	b, err := e.service.GetBatch(ctx, batchID)
	if err != nil {
		return false, err
	}
	history, err := e.service.GetBatchHistory(ctx, batchID)
	if err != nil {
		return false, err
	}
	if len(history) != wantEntries {
		return false, nil
	}
	return history[len(history)-1].To == b.CurrentOwner, nil
}

// DuplicateRegistrationStorm has many manufacturers register the same batch id
// at once. Exactly one must succeed and the stored manufacturer must be it.
func (e *Engine) DuplicateRegistrationStorm(duration time.Duration) Experiment {
	id := e.batchID("storm", 0)
	results := newOutcomes()
	var started bool
	var mu sync.Mutex

	return Experiment{
		Name:       "duplicate-registration-storm",
		Hypothesis: "Simultaneous registrations of one batch id produce exactly one batch owned by the winner",
		SteadyState: []Metric{
			{
				Name: "registration_anomalies",
				Query: func(ctx context.Context) (float64, error) {
					mu.Lock()
					defer mu.Unlock()
					if !started {
						return 0, nil
					}
					anomalies := results.winnerAnomalies([]string{id})
					b, err := e.service.GetBatch(ctx, id)
					if err != nil {
						return 0, err
					}
					results.mu.Lock()
					winner := results.winners[id]
					results.mu.Unlock()
					if b.Manufacturer != winner || b.CurrentOwner != winner {
						anomalies++
					}
					return anomalies, nil
				},
				Threshold: Threshold{Operator: "==", Value: 0},
			},
		},
		Method: []Action{
			{
				Type:   "concurrent-requests",
				Target: "custody.RegisterBatch",
				Execute: func(ctx context.Context) error {
					fanOut(e.concurrency, func(i int) {
						caller := e.identity("manufacturer", i)
						_, err := e.service.RegisterBatch(ctx, id, "2025-01-01", "2027-01-01", caller)
						results.record(id, caller, err, custody.ErrAlreadyExists)
					})
					mu.Lock()
					started = true
					mu.Unlock()
					return results.err()
				},
			},
		},
		Validation: []Assertion{
			{
				Metric:    "registration_anomalies",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "Exactly one registration should succeed and own the batch",
			},
		},
		Duration: duration,
	}
}

// IndexConsistency registers batches concurrently and then walks the
// enumeration index: every position below the total must resolve to a distinct
// existing batch and every registered batch must be reachable.
func (e *Engine) IndexConsistency(duration time.Duration) Experiment {
	manufacturer := e.identity("manufacturer", 0)
	var (
		mu         sync.Mutex
		registered []string
	)

	return Experiment{
		Name:       "index-consistency",
		Hypothesis: "Concurrent registrations leave no gaps or duplicates in the enumeration index",
		SteadyState: []Metric{
			{
				Name: "index_anomalies",
				Query: func(ctx context.Context) (float64, error) {
					total, err := e.service.GetTotalBatches(ctx)
					if err != nil {
						return 0, err
					}
					var anomalies float64
					seen := make(map[string]bool, total)
					for i := 0; i < total; i++ {
						id, err := e.service.GetBatchIDByIndex(ctx, i)
						if err != nil {
							if errors.Is(err, custody.ErrOutOfRange) {
								anomalies++
								continue
							}
							return 0, err
						}
						if seen[id] {
							anomalies++
						}
						seen[id] = true
					}
					if _, err := e.service.GetBatchIDByIndex(ctx, total); !errors.Is(err, custody.ErrOutOfRange) {
						anomalies++
					}

					mu.Lock()
					defer mu.Unlock()
					for _, id := range registered {
						if !seen[id] {
							anomalies++
						}
					}
					return anomalies, nil
				},
				Threshold: Threshold{Operator: "==", Value: 0},
			},
		},
		Method: []Action{
			{
				Type:   "concurrent-requests",
				Target: "custody.RegisterBatch",
				Execute: func(ctx context.Context) error {
					results := newOutcomes()
					fanOut(e.concurrency, func(i int) {
						id := e.batchID("index", i)
						_, err := e.service.RegisterBatch(ctx, id, "2025-01-01", "2027-01-01", manufacturer)
						if err == nil {
							mu.Lock()
							registered = append(registered, id)
							mu.Unlock()
						}
						results.record(id, manufacturer, err, nil)
					})
					return results.err()
				},
			},
		},
		Validation: []Assertion{
			{
				Metric:    "index_anomalies",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "Every index position should resolve to a distinct registered batch",
			},
		},
		Duration: duration,
	}
}
