// internal/custody/domain.go
package custody

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrAlreadyExists   = errors.New("batch already exists")
	ErrNotFound        = errors.New("batch not found")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrInvalidState    = errors.New("invalid state")
	ErrOutOfRange      = errors.New("index out of range")
)

// Identity is an opaque caller token such as an address derived from a public key.
// Identities compare byte for byte.
type Identity string

// NoIdentity is the "from" side of a Registered history entry.
const NoIdentity Identity = ""

// Status is the lifecycle state of a batch.
type Status uint8

const (
	StatusCreated Status = iota
	StatusInTransit
	StatusDelivered
)

var statusNames = [...]string{"Created", "InTransit", "Delivered"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// Valid reports whether s is one of the three lifecycle states.
func (s Status) Valid() bool {
	return int(s) < len(statusNames)
}

func (s Status) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: status %d", ErrInvalidArgument, uint8(s))
	}
	return []byte(statusNames[s]), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	for i, name := range statusNames {
		if string(text) == name {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, text)
}

// Action names a lifecycle event in a batch's history.
type Action string

const (
	ActionRegistered  Action = "Registered"
	ActionTransferred Action = "Transferred"
	ActionDelivered   Action = "Delivered"
)

// Batch is a tracked unit of product.
type Batch struct {
	BatchID      string    `json:"batch_id"`
	Manufacturer Identity  `json:"manufacturer"`
	CurrentOwner Identity  `json:"current_owner"`
	MfgDate      string    `json:"mfg_date"`
	ExpDate      string    `json:"exp_date"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

// HistoryEntry is one immutable lifecycle event of a batch.
type HistoryEntry struct {
	Action    Action    `json:"action"`
	From      Identity  `json:"from"`
	To        Identity  `json:"to"`
	Location  string    `json:"location"`
	Timestamp time.Time `json:"timestamp"`
}

// Record is a batch together with its full history, read atomically.
type Record struct {
	Batch   Batch          `json:"batch"`
	History []HistoryEntry `json:"history"`
}

// NotificationKind identifies the lifecycle event a Notification reports.
type NotificationKind string

const (
	BatchRegistered  NotificationKind = "BatchRegistered"
	BatchTransferred NotificationKind = "BatchTransferred"
	BatchDelivered   NotificationKind = "BatchDelivered"
)

// Notification is published to subscribers after a mutation is applied.
// ID is stable across redelivery and may be used to drop duplicates.
type Notification struct {
	ID           uuid.UUID        `json:"id"`
	Kind         NotificationKind `json:"kind"`
	BatchID      string           `json:"batch_id"`
	Manufacturer Identity         `json:"manufacturer,omitempty"`
	MfgDate      string           `json:"mfg_date,omitempty"`
	ExpDate      string           `json:"exp_date,omitempty"`
	From         Identity         `json:"from,omitempty"`
	To           Identity         `json:"to,omitempty"`
	Location     string           `json:"location,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
}

// JournalRecord is the durable form of one applied mutation. Version is the
// length of the batch's history after the mutation. Position is the batch's
// index position and is only meaningful on the Registered record.
type JournalRecord struct {
	BatchID  string       `json:"batch_id"`
	Version  int          `json:"version"`
	Position int          `json:"position"`
	Batch    Batch        `json:"batch"`
	Entry    HistoryEntry `json:"entry"`
}
