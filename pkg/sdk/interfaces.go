package sdk

import (
	"context"
	"errors"

	"github.com/celerix-dev/ussd-whisperer/pkg/schema"
)

var (
	// ErrRecordNotFound is returned when a requested USSD record does not exist.
	ErrRecordNotFound = errors.New("record not found")
	// ErrRecordExists is returned when a record is inserted with an id already in use.
	ErrRecordExists = errors.New("record already exists")
	// ErrSimExists is returned when a SIM card is inserted with an id already in use.
	ErrSimExists = errors.New("sim card already exists")
	// ErrSimNotFound is returned when a requested SIM card does not exist.
	ErrSimNotFound = errors.New("sim card not found")
	// ErrSimDisabled is returned when an activation is charged to a disabled SIM card.
	ErrSimDisabled = errors.New("sim card disabled")
	// ErrActivationLimit is returned when a SIM card reached its daily activation limit.
	ErrActivationLimit = errors.New("daily activation limit reached")
	// ErrAlreadyRunning is returned when a record with an attempt in progress is triggered.
	ErrAlreadyRunning = errors.New("record is already running")
)

// --- Functional Interfaces (Interface Segregation) ---

// RecordReader defines the read operations on USSD records.
type RecordReader interface {
	GetRecord(ctx context.Context, id string) (schema.UssdRecord, error)
	ListRecords(ctx context.Context, order schema.Order) ([]schema.UssdRecord, error)
}

// RecordWriter defines creation, update and deletion of USSD records.
// UpdateRecord on an unknown id is a no-op and returns nil.
type RecordWriter interface {
	InsertRecord(ctx context.Context, in schema.NewRecord) (schema.UssdRecord, error)
	UpdateRecord(ctx context.Context, id string, patch schema.RecordPatch) error
	DeleteRecord(ctx context.Context, id string) error
}

// Subscription cancels a change subscription.
type Subscription interface {
	Unsubscribe()
}

// ChangeNotifier delivers a Change after every successful mutation.
// Callbacks must not block.
type ChangeNotifier interface {
	Subscribe(fn func(schema.Change)) Subscription
}

// SimRegistry manages SIM cards and their daily activation counters.
type SimRegistry interface {
	ListSims(ctx context.Context) ([]schema.SimCard, error)
	InsertSim(ctx context.Context, in schema.NewSim) (schema.SimCard, error)
	SetSimEnabled(ctx context.Context, id string, enabled bool) (schema.SimCard, error)
	DeleteSim(ctx context.Context, id string) error
	// RecordActivation charges one activation to the SIM card for the current day.
	RecordActivation(ctx context.Context, id string) (schema.SimCard, error)
}

// Runner accepts manual execution requests.
type Runner interface {
	Trigger(ctx context.Context, id string) error
}

// --- Composite Interfaces ---

// RecordStore is the full storage contract implemented by every backend.
type RecordStore interface {
	RecordReader
	RecordWriter
	ChangeNotifier
	SimRegistry

	Close() error
}

// RecordService is what a remote client can do with the daemon.
type RecordService interface {
	RecordReader
	InsertRecord(ctx context.Context, in schema.NewRecord) (schema.UssdRecord, error)
	DeleteRecord(ctx context.Context, id string) error
	Runner
}
