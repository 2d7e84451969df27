// Package engine implements the record store backends of the USSD daemon.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/celerix-dev/ussd-whisperer/pkg/schema"
	"github.com/celerix-dev/ussd-whisperer/pkg/sdk"
	"go.uber.org/zap"
)

// Standard errors for the engine, shared with the SDK so callers can match
// either with errors.Is.
var (
	ErrRecordNotFound  = sdk.ErrRecordNotFound
	ErrRecordExists    = sdk.ErrRecordExists
	ErrSimExists       = sdk.ErrSimExists
	ErrSimNotFound     = sdk.ErrSimNotFound
	ErrSimDisabled     = sdk.ErrSimDisabled
	ErrActivationLimit = sdk.ErrActivationLimit
)

// Store drivers.
const (
	DriverFile     = "file"
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// Config selects and configures a backend.
type Config struct {
	Driver   string         `mapstructure:"driver" validate:"oneof=file memory postgres"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// Open returns the backend selected by cfg. For the file driver, dataDir holds
// the JSON snapshots.
func Open(ctx context.Context, cfg Config, dataDir string, log *zap.Logger) (sdk.RecordStore, error) {
	switch cfg.Driver {
	case DriverMemory:
		return NewMemStore(nil, nil), nil

	case DriverFile, "":
		p, err := NewPersistence(dataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize persistence: %w", err)
		}
		snapshot, err := p.LoadAll()
		if err != nil {
			// Readable tables are kept; unreadable ones start empty and are
			// not written back until repaired.
			log.Warn("could not load existing data", zap.Error(err))
		}
		return NewMemStore(snapshot, p), nil

	case DriverPostgres:
		return OpenPostgres(ctx, cfg.Postgres, log)

	default:
		return nil, errors.New("unknown store driver: " + cfg.Driver)
	}
}

// sortSims orders SIM cards newest first, as the registry lists them.
func sortSims(sims []schema.SimCard) {
	sort.SliceStable(sims, func(i, j int) bool {
		if !sims[i].CreatedAt.Equal(sims[j].CreatedAt) {
			return sims[i].CreatedAt.After(sims[j].CreatedAt)
		}
		return sims[i].ID < sims[j].ID
	})
}
