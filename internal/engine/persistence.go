package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/celerix-dev/ussd-whisperer/pkg/schema"
)

// Snapshot is the on-disk content of the file backend.
type Snapshot struct {
	Records []schema.UssdRecord
	Sims    []schema.SimCard
}

// ErrTableUnreadable is returned by SaveTable for a table whose file could not
// be loaded. The file is left in place for repair.
var ErrTableUnreadable = errors.New("table file is unreadable")

// Persistence handles the disk I/O for the MemStore
type Persistence struct {
	DataDir string
	mu      sync.Mutex // Protects concurrent writes to the filesystem
	written map[string]uint64
	broken  map[string]error
}

// NewPersistence initializes a persistence handler.
func NewPersistence(dir string) (*Persistence, error) {
	// Ensure the data directory exists
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &Persistence{
		DataDir: dir,
		written: make(map[string]uint64),
		broken:  make(map[string]error),
	}, nil
}

// SaveTable writes one table to <table>.json atomically. seq is the store
// version the rows were copied at; a write older than the last one saved for
// the same table is dropped, since background saves may finish out of order.
func (p *Persistence) SaveTable(table string, seq uint64, rows any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err, ok := p.broken[table]; ok {
		return fmt.Errorf("%w: %s: %v", ErrTableUnreadable, table, err)
	}
	if seq != 0 && seq <= p.written[table] {
		return nil
	}

	filePath := filepath.Join(p.DataDir, table+".json")
	tempPath := filePath + ".tmp"

	bytes, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return err
	}

	if err := os.WriteFile(tempPath, bytes, 0644); err != nil {
		return err
	}

	// Readers see either the old file or the new one, never a partial write.
	if err := os.Rename(tempPath, filePath); err != nil {
		return err
	}
	p.written[table] = seq
	return nil
}

// LoadAll reads every table found in the data directory. Missing tables load
// as empty. A table that cannot be read is skipped and reported in the
// returned error; the other tables are still returned, and SaveTable refuses
// to overwrite the unreadable file.
func (p *Persistence) LoadAll() (*Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	snapshot := &Snapshot{}
	var errs []error
	for table, into := range map[string]any{
		schema.TableRecords: &snapshot.Records,
		schema.TableSims:    &snapshot.Sims,
	} {
		if err := p.load(table, into); err != nil {
			p.broken[table] = err
			errs = append(errs, err)
			continue
		}
		delete(p.broken, table)
	}
	return snapshot, errors.Join(errs...)
}

func (p *Persistence) load(table string, into any) error {
	content, err := os.ReadFile(filepath.Join(p.DataDir, table+".json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", table, err)
	}
	if err := json.Unmarshal(content, into); err != nil {
		// Keep nothing from a partially decoded file.
		reset(into)
		return fmt.Errorf("failed to unmarshal %s: %w", table, err)
	}
	return nil
}

func reset(into any) {
	switch v := into.(type) {
	case *[]schema.UssdRecord:
		*v = nil
	case *[]schema.SimCard:
		*v = nil
	}
}
