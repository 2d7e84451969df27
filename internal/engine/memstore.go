package engine

import (
	"context"
	"sync"
	"time"

	"github.com/celerix-dev/ussd-whisperer/pkg/schema"
	"github.com/celerix-dev/ussd-whisperer/pkg/sdk"
	"github.com/google/uuid"
)

// MemStore is the embedded, thread-safe record store. When a Persistence is
// attached, every mutation is written to disk in the background.
type MemStore struct {
	mu      sync.RWMutex
	records map[string]schema.UssdRecord
	sims    map[string]schema.SimCard
	seq     uint64

	persister *Persistence
	wg        sync.WaitGroup
	feed      changeFeed

	now func() time.Time
}

var _ sdk.RecordStore = (*MemStore)(nil)

// NewMemStore initializes a store.
// It accepts existing data (from LoadAll) and a persister; both may be nil.
func NewMemStore(initial *Snapshot, p *Persistence) *MemStore {
	m := &MemStore{
		records:   make(map[string]schema.UssdRecord),
		sims:      make(map[string]schema.SimCard),
		persister: p,
		now:       time.Now,
	}
	if initial != nil {
		for _, r := range initial.Records {
			m.records[r.ID] = r
		}
		for _, s := range initial.Sims {
			m.sims[s.ID] = s
		}
	}
	return m
}

// Wait waits for all background persistence tasks to complete.
func (m *MemStore) Wait() {
	m.wg.Wait()
}

// Close flushes pending writes.
func (m *MemStore) Close() error {
	m.Wait()
	return nil
}

// Subscribe registers fn for every change.
func (m *MemStore) Subscribe(fn func(schema.Change)) sdk.Subscription {
	return m.feed.subscribe(fn)
}

// --- Records ---

func (m *MemStore) GetRecord(_ context.Context, id string) (schema.UssdRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[id]
	if !ok {
		return schema.UssdRecord{}, ErrRecordNotFound
	}
	return cloneRecord(r), nil
}

func (m *MemStore) ListRecords(_ context.Context, order schema.Order) ([]schema.UssdRecord, error) {
	m.mu.RLock()
	list := make([]schema.UssdRecord, 0, len(m.records))
	for _, r := range m.records {
		list = append(list, cloneRecord(r))
	}
	m.mu.RUnlock()

	schema.SortRecords(list, order)
	return list, nil
}

func (m *MemStore) InsertRecord(_ context.Context, in schema.NewRecord) (schema.UssdRecord, error) {
	in = in.Normalize()
	if err := in.Validate(); err != nil {
		return schema.UssdRecord{}, err
	}

	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	r := schema.UssdRecord{
		ID:          id,
		Name:        in.Name,
		Code:        in.Code,
		Description: in.Description,
		Category:    in.Category,
		Operator:    in.Operator,
		SimID:       in.SimID,
		Status:      schema.StatusIdle,
		Levels:      in.Levels,
		CreatedAt:   m.now().UTC(),
	}

	m.mu.Lock()
	// Only migrations supply ids; an existing record is never replaced.
	if _, ok := m.records[id]; ok {
		m.mu.Unlock()
		return schema.UssdRecord{}, ErrRecordExists
	}
	m.records[id] = cloneRecord(r)
	seq, rows := m.snapshotRecords()
	m.mu.Unlock()

	m.persist(schema.TableRecords, seq, rows)
	m.feed.publish(schema.Change{Table: schema.TableRecords, Op: schema.OpInsert, ID: id})
	return r, nil
}

func (m *MemStore) UpdateRecord(_ context.Context, id string, patch schema.RecordPatch) error {
	if patch.Empty() {
		return nil
	}

	m.mu.Lock()
	r, ok := m.records[id]
	if !ok {
		// The record was deleted; late workflow updates are dropped.
		m.mu.Unlock()
		return nil
	}
	m.records[id] = patch.Apply(r)
	seq, rows := m.snapshotRecords()
	m.mu.Unlock()

	m.persist(schema.TableRecords, seq, rows)
	m.feed.publish(schema.Change{Table: schema.TableRecords, Op: schema.OpUpdate, ID: id})
	return nil
}

func (m *MemStore) DeleteRecord(_ context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.records[id]; !ok {
		m.mu.Unlock()
		return ErrRecordNotFound
	}
	delete(m.records, id)
	seq, rows := m.snapshotRecords()
	m.mu.Unlock()

	m.persist(schema.TableRecords, seq, rows)
	m.feed.publish(schema.Change{Table: schema.TableRecords, Op: schema.OpDelete, ID: id})
	return nil
}

// --- SIM cards ---

func (m *MemStore) ListSims(_ context.Context) ([]schema.SimCard, error) {
	m.mu.RLock()
	list := make([]schema.SimCard, 0, len(m.sims))
	for _, s := range m.sims {
		list = append(list, s)
	}
	m.mu.RUnlock()

	sortSims(list)
	return list, nil
}

func (m *MemStore) InsertSim(_ context.Context, in schema.NewSim) (schema.SimCard, error) {
	if err := in.Validate(); err != nil {
		return schema.SimCard{}, err
	}
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	s := schema.SimCard{
		ID:        id,
		Name:      in.Name,
		Operator:  in.Operator,
		Enabled:   true,
		CreatedAt: m.now().UTC(),
	}

	m.mu.Lock()
	if _, ok := m.sims[id]; ok {
		m.mu.Unlock()
		return schema.SimCard{}, ErrSimExists
	}
	m.sims[id] = s
	seq, rows := m.snapshotSims()
	m.mu.Unlock()

	m.persist(schema.TableSims, seq, rows)
	m.feed.publish(schema.Change{Table: schema.TableSims, Op: schema.OpInsert, ID: id})
	return s, nil
}

func (m *MemStore) SetSimEnabled(_ context.Context, id string, enabled bool) (schema.SimCard, error) {
	m.mu.Lock()
	s, ok := m.sims[id]
	if !ok {
		m.mu.Unlock()
		return schema.SimCard{}, ErrSimNotFound
	}
	s.Enabled = enabled
	m.sims[id] = s
	seq, rows := m.snapshotSims()
	m.mu.Unlock()

	m.persist(schema.TableSims, seq, rows)
	m.feed.publish(schema.Change{Table: schema.TableSims, Op: schema.OpUpdate, ID: id})
	return s, nil
}

func (m *MemStore) DeleteSim(_ context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.sims[id]; !ok {
		m.mu.Unlock()
		return ErrSimNotFound
	}
	delete(m.sims, id)
	seq, rows := m.snapshotSims()
	m.mu.Unlock()

	m.persist(schema.TableSims, seq, rows)
	m.feed.publish(schema.Change{Table: schema.TableSims, Op: schema.OpDelete, ID: id})
	return nil
}

func (m *MemStore) RecordActivation(_ context.Context, id string) (schema.SimCard, error) {
	day := m.now().UTC().Format(time.DateOnly)

	m.mu.Lock()
	s, ok := m.sims[id]
	if !ok {
		m.mu.Unlock()
		return schema.SimCard{}, ErrSimNotFound
	}
	if !s.Enabled {
		m.mu.Unlock()
		return schema.SimCard{}, ErrSimDisabled
	}
	count := s.ActivationsToday(day)
	if count >= schema.DailyActivationLimit {
		m.mu.Unlock()
		return schema.SimCard{}, ErrActivationLimit
	}
	s.DailyActivationCount = count + 1
	s.ActivationDay = day
	m.sims[id] = s
	seq, rows := m.snapshotSims()
	m.mu.Unlock()

	m.persist(schema.TableSims, seq, rows)
	m.feed.publish(schema.Change{Table: schema.TableSims, Op: schema.OpUpdate, ID: id})
	return s, nil
}

// --- Internal helpers ---

// snapshotRecords bumps the version and copies the records table.
// It MUST be called while holding m.mu.Lock.
func (m *MemStore) snapshotRecords() (uint64, []schema.UssdRecord) {
	m.seq++
	if m.persister == nil {
		return m.seq, nil
	}
	rows := make([]schema.UssdRecord, 0, len(m.records))
	for _, r := range m.records {
		rows = append(rows, cloneRecord(r))
	}
	schema.SortRecords(rows, schema.OrderCreatedAsc)
	return m.seq, rows
}

// snapshotSims bumps the version and copies the SIM table.
// It MUST be called while holding m.mu.Lock.
func (m *MemStore) snapshotSims() (uint64, []schema.SimCard) {
	m.seq++
	if m.persister == nil {
		return m.seq, nil
	}
	rows := make([]schema.SimCard, 0, len(m.sims))
	for _, s := range m.sims {
		rows = append(rows, s)
	}
	sortSims(rows)
	return m.seq, rows
}

func (m *MemStore) persist(table string, seq uint64, rows any) {
	if m.persister == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.persister.SaveTable(table, seq, rows)
	}()
}

// cloneRecord copies the slices and pointers of r so callers cannot mutate
// the stored value.
func cloneRecord(r schema.UssdRecord) schema.UssdRecord {
	if r.Levels != nil {
		levels := make([]schema.Level, len(r.Levels))
		copy(levels, r.Levels)
		r.Levels = levels
	}
	if r.LastExecutedAt != nil {
		t := *r.LastExecutedAt
		r.LastExecutedAt = &t
	}
	return r
}
