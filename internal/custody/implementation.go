// internal/custody/implementation.go
package custody

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

// Ledger is the authoritative custody state machine. It implements Service.
type Ledger struct {
	store   *BatchStore
	history *HistoryLog
	bus     *bus
	journal Journal
	now     func() time.Time
	logger  *slog.Logger

	tracer     trace.Tracer
	operations metric.Int64Counter
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithJournal makes every mutation durable through j before it is applied.
func WithJournal(j Journal) Option {
	return func(l *Ledger) { l.journal = j }
}

// WithClock overrides the time source used for createdAt and history timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// NewLedger creates an empty ledger.
func NewLedger(opts ...Option) *Ledger {
	l := &Ledger{
		store:   NewBatchStore(),
		history: NewHistoryLog(),
		bus:     newBus(),
		now:     func() time.Time { return time.Now().UTC() },
		tracer:  otel.Tracer("pharmachain/custody"),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}

	counter, err := otel.Meter("pharmachain/custody").Int64Counter("custody.operations",
		metric.WithDescription("Ledger operations by name and outcome"))
	if err != nil {
		l.logger.Warn("custody: operations counter unavailable", "error", err)
		counter = noop.Int64Counter{}
	}
	l.operations = counter
	return l
}

// Subscribe returns a subscription to BatchRegistered, BatchTransferred and
// BatchDelivered notifications. buffer sizes the delivery channel.
func (l *Ledger) Subscribe(buffer int) *Subscription {
	return l.bus.subscribe(buffer)
}

// RegisterBatch creates a batch owned by its manufacturer, the caller.
func (l *Ledger) RegisterBatch(ctx context.Context, batchID, mfgDate, expDate string, caller Identity) (*Batch, error) {
	ctx, span := l.tracer.Start(ctx, "custody.register_batch",
		trace.WithAttributes(
			attribute.String("batch.id", batchID),
			attribute.String("caller", string(caller)),
		),
	)
	defer span.End()

	b, err := l.registerBatch(ctx, batchID, mfgDate, expDate, caller)
	l.finish(ctx, span, "register_batch", batchID, err)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (l *Ledger) registerBatch(ctx context.Context, batchID, mfgDate, expDate string, caller Identity) (Batch, error) {
	switch {
	case batchID == "":
		return Batch{}, fmt.Errorf("%w: batch id is required", ErrInvalidArgument)
	case mfgDate == "":
		return Batch{}, fmt.Errorf("%w: manufacturing date is required", ErrInvalidArgument)
	case expDate == "":
		return Batch{}, fmt.Errorf("%w: expiry date is required", ErrInvalidArgument)
	case caller == NoIdentity:
		return Batch{}, fmt.Errorf("%w: no caller identity", ErrUnauthorized)
	}

	now := l.now()
	entry := HistoryEntry{
		Action:    ActionRegistered,
		From:      NoIdentity,
		To:        caller,
		Timestamp: now,
	}
	commit := func(b Batch, position int) error {
		if err := l.record(ctx, JournalRecord{BatchID: batchID, Version: 1, Position: position, Batch: b, Entry: entry}); err != nil {
			return err
		}
		l.history.append(batchID, entry)
		return nil
	}
	published := func(b Batch) {
		l.bus.publish(Notification{
			ID:           uuid.New(),
			Kind:         BatchRegistered,
			BatchID:      batchID,
			Manufacturer: caller,
			MfgDate:      mfgDate,
			ExpDate:      expDate,
			To:           caller,
			Timestamp:    now,
		})
	}
	return l.store.create(batchID, caller, mfgDate, expDate, now, commit, published)
}

// TransferBatch hands custody of a batch from its current owner to another identity.
// Repeated transfers while in transit are allowed.
func (l *Ledger) TransferBatch(ctx context.Context, batchID string, to Identity, location string, caller Identity) (*Batch, error) {
	ctx, span := l.tracer.Start(ctx, "custody.transfer_batch",
		trace.WithAttributes(
			attribute.String("batch.id", batchID),
			attribute.String("caller", string(caller)),
			attribute.String("to", string(to)),
		),
	)
	defer span.End()

	b, err := l.transferBatch(ctx, batchID, to, location, caller)
	l.finish(ctx, span, "transfer_batch", batchID, err)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (l *Ledger) transferBatch(ctx context.Context, batchID string, to Identity, location string, caller Identity) (Batch, error) {
	e, err := l.store.acquire(batchID)
	if err != nil {
		return Batch{}, err
	}
	defer e.mu.Unlock()

	cur := e.batch
	if err := authorize(cur, caller, RoleCurrentOwner); err != nil {
		return Batch{}, err
	}
	if cur.Status == StatusDelivered {
		return Batch{}, fmt.Errorf("%w: batch %q is already delivered", ErrInvalidState, batchID)
	}
	if to == NoIdentity {
		return Batch{}, fmt.Errorf("%w: recipient is required", ErrInvalidArgument)
	}
	if to == cur.CurrentOwner {
		return Batch{}, fmt.Errorf("%w: batch %q is already held by %q", ErrInvalidArgument, batchID, to)
	}

	now := l.now()
	next := cur
	next.CurrentOwner = to
	next.Status = StatusInTransit
	entry := HistoryEntry{
		Action:    ActionTransferred,
		From:      caller,
		To:        to,
		Location:  location,
		Timestamp: now,
	}
	if err := l.record(ctx, JournalRecord{BatchID: batchID, Version: l.history.Len(batchID) + 1, Batch: next, Entry: entry}); err != nil {
		return Batch{}, err
	}
	l.history.append(batchID, entry)
	l.store.setOwnerAndStatus(batchID, next.CurrentOwner, next.Status)
	l.bus.publish(Notification{
		ID:        uuid.New(),
		Kind:      BatchTransferred,
		BatchID:   batchID,
		From:      caller,
		To:        to,
		Location:  location,
		Timestamp: now,
	})
	return next, nil
}

// ConfirmDelivery marks an in-transit batch delivered to its current holder.
func (l *Ledger) ConfirmDelivery(ctx context.Context, batchID string, caller Identity) (*Batch, error) {
	ctx, span := l.tracer.Start(ctx, "custody.confirm_delivery",
		trace.WithAttributes(
			attribute.String("batch.id", batchID),
			attribute.String("caller", string(caller)),
		),
	)
	defer span.End()

	b, err := l.confirmDelivery(ctx, batchID, caller)
	l.finish(ctx, span, "confirm_delivery", batchID, err)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (l *Ledger) confirmDelivery(ctx context.Context, batchID string, caller Identity) (Batch, error) {
	e, err := l.store.acquire(batchID)
	if err != nil {
		return Batch{}, err
	}
	defer e.mu.Unlock()

	cur := e.batch
	if err := authorize(cur, caller, RoleCurrentOwner); err != nil {
		return Batch{}, err
	}
	switch cur.Status {
	case StatusDelivered:
		return Batch{}, fmt.Errorf("%w: batch %q is already delivered", ErrInvalidState, batchID)
	case StatusCreated:
		return Batch{}, fmt.Errorf("%w: batch %q has not been transferred", ErrInvalidState, batchID)
	}

	now := l.now()
	next := cur
	next.Status = StatusDelivered
	entry := HistoryEntry{
		Action:    ActionDelivered,
		From:      cur.CurrentOwner,
		To:        cur.CurrentOwner,
		Timestamp: now,
	}
	if err := l.record(ctx, JournalRecord{BatchID: batchID, Version: l.history.Len(batchID) + 1, Batch: next, Entry: entry}); err != nil {
		return Batch{}, err
	}
	l.history.append(batchID, entry)
	l.store.setOwnerAndStatus(batchID, next.CurrentOwner, next.Status)
	l.bus.publish(Notification{
		ID:        uuid.New(),
		Kind:      BatchDelivered,
		BatchID:   batchID,
		To:        cur.CurrentOwner,
		Timestamp: now,
	})
	return next, nil
}

// record hands the mutation to the journal, if any.
func (l *Ledger) record(ctx context.Context, rec JournalRecord) error {
	if l.journal == nil {
		return nil
	}
	if err := l.journal.Append(ctx, rec); err != nil {
		return fmt.Errorf("journal append: %w", err)
	}
	return nil
}

// Restore rebuilds ledger state from previously journaled records. It must run
// before the ledger serves requests. Restored mutations are neither journaled
// again nor published.
func (l *Ledger) Restore(ctx context.Context, r Replayer) error {
	restored := 0
	err := r.Replay(ctx, func(rec JournalRecord) error {
		if rec.BatchID == "" || rec.Batch.BatchID != rec.BatchID {
			return fmt.Errorf("restore: malformed record for batch %q", rec.BatchID)
		}
		if !rec.Batch.Status.Valid() {
			return fmt.Errorf("restore: batch %q has invalid status %d", rec.BatchID, uint8(rec.Batch.Status))
		}
		if got := l.history.Len(rec.BatchID) + 1; rec.Version != got {
			return fmt.Errorf("restore: batch %q version %d out of order, expected %d", rec.BatchID, rec.Version, got)
		}
		if (rec.Version == 1) != (rec.Entry.Action == ActionRegistered) {
			return fmt.Errorf("restore: batch %q version %d has action %s", rec.BatchID, rec.Version, rec.Entry.Action)
		}
		if rec.Version == 1 && rec.Position != l.store.Count() {
			return fmt.Errorf("restore: batch %q registered at position %d, expected %d", rec.BatchID, rec.Position, l.store.Count())
		}
		l.store.restore(rec.Batch)
		l.history.append(rec.BatchID, rec.Entry)
		restored++
		return nil
	})
	if err != nil {
		return err
	}
	l.logger.Info("custody: ledger restored", "records", restored, "batches", l.store.Count())
	return nil
}

func (l *Ledger) finish(ctx context.Context, span trace.Span, op, batchID string, err error) {
	outcome := errorKind(err)
	l.operations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("outcome", outcome),
	))
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, outcome)
	if outcome == "internal" {
		l.logger.Error("custody: operation failed", "op", op, "batch_id", batchID, "error", err)
		return
	}
	l.logger.Debug("custody: operation rejected", "op", op, "batch_id", batchID, "error", err)
}

// errorKind names the sentinel err wraps, "ok" for nil and "internal" otherwise.
func errorKind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrOutOfRange):
		return "out_of_range"
	default:
		return "internal"
	}
}
