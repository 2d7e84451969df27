package engine

import (
	"context"
	"fmt"

	"github.com/celerix-dev/ussd-whisperer/pkg/schema"
	"github.com/celerix-dev/ussd-whisperer/pkg/sdk"
)

// MigrationSource is what Migrate reads from.
type MigrationSource interface {
	sdk.RecordReader
	ListSims(ctx context.Context) ([]schema.SimCard, error)
}

// MigrationTarget is what Migrate writes to.
type MigrationTarget interface {
	sdk.RecordWriter
	InsertSim(ctx context.Context, in schema.NewSim) (schema.SimCard, error)
	SetSimEnabled(ctx context.Context, id string, enabled bool) (schema.SimCard, error)
}

// Migrate copies SIM cards and records from a source store to a destination store,
// keeping their ids. This works for:
// - File -> Postgres (The "Upgrade")
// - Postgres -> File (The "Backup/Offline")
//
// The outcome of the last execution is carried over. A record caught mid-run is
// copied as idle since no attempt is running against the destination.
func Migrate(ctx context.Context, src MigrationSource, dst MigrationTarget) (int, error) {
	// 1. SIM cards first so records can keep their references
	sims, err := src.ListSims(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list sims: %w", err)
	}
	for _, s := range sims {
		if _, err := dst.InsertSim(ctx, schema.NewSim{ID: s.ID, Name: s.Name, Operator: s.Operator}); err != nil {
			return 0, fmt.Errorf("failed to copy sim %s: %w", s.ID, err)
		}
		if !s.Enabled {
			if _, err := dst.SetSimEnabled(ctx, s.ID, false); err != nil {
				return 0, fmt.Errorf("failed to disable sim %s: %w", s.ID, err)
			}
		}
	}

	// 2. Records, oldest first so the destination keeps a similar insertion order
	records, err := src.ListRecords(ctx, schema.OrderCreatedAsc)
	if err != nil {
		return 0, fmt.Errorf("failed to list records: %w", err)
	}

	copied := 0
	for _, r := range records {
		if _, err := dst.InsertRecord(ctx, schema.FromRecord(r)); err != nil {
			return copied, fmt.Errorf("failed to copy record %s: %w", r.ID, err)
		}

		// 3. Carry over the last outcome
		status := r.Status.Normalize()
		if status == schema.StatusRunning {
			status = schema.StatusIdle
		}
		patch := schema.RecordPatch{Status: &status}
		if r.LastExecutedAt != nil {
			patch.LastExecutedAt = r.LastExecutedAt
		}
		if r.LastResult != "" {
			result := r.LastResult
			patch.LastResult = &result
		}
		if err := dst.UpdateRecord(ctx, r.ID, patch); err != nil {
			return copied, fmt.Errorf("failed to restore state of record %s: %w", r.ID, err)
		}
		copied++
	}

	return copied, nil
}
