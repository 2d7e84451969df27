// Package dispatch runs USSD records one at a time from a work queue.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/celerix-dev/ussd-whisperer/internal/workflow"
	"github.com/celerix-dev/ussd-whisperer/pkg/schema"
	"github.com/celerix-dev/ussd-whisperer/pkg/sdk"
	"go.uber.org/zap"
)

// ErrAlreadyRunning is returned by Trigger for a record with an attempt in progress.
var ErrAlreadyRunning = sdk.ErrAlreadyRunning

// DefaultRecordDelay separates two consecutive executions.
const DefaultRecordDelay = 3 * time.Second

// Executor performs one attempt on a record.
type Executor interface {
	Execute(ctx context.Context, rec schema.UssdRecord)
	Abandon(ctx context.Context, rec schema.UssdRecord)
}

// Source is the part of the record store the dispatcher reads.
type Source interface {
	sdk.RecordReader
	sdk.ChangeNotifier
}

// Config tunes the dispatcher.
type Config struct {
	// AutoRun enqueues eligible records at start and every inserted record.
	AutoRun      bool          `mapstructure:"auto_run"`
	RecordDelay  time.Duration `mapstructure:"record_delay" validate:"gte=0"`
	StepDelay    time.Duration `mapstructure:"step_delay" validate:"gte=0"`
	RecoverStale bool          `mapstructure:"recover_stale"`
	Order        string        `mapstructure:"order" validate:"omitempty,oneof=created_at_desc created_at_asc name_asc"`
}

// Dispatcher consumes a FIFO of record ids on a single goroutine. An id is
// queued at most once; a record is executed only if it is not running when
// its turn comes.
type Dispatcher struct {
	source   Source
	executor Executor
	cfg      Config
	log      *zap.Logger

	mu       sync.Mutex
	queue    []string
	queued   map[string]struct{}
	wake     chan struct{}
	lastDone time.Time

	// scheduled is popped and waiting for its pacing delay; active is executing.
	scheduled string
	active    string

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

var _ sdk.Runner = (*Dispatcher)(nil)

// New creates a dispatcher. Run must be called to start processing.
func New(source Source, executor Executor, cfg Config, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		source:   source,
		executor: executor,
		cfg:      cfg,
		log:      log,
		queued:   make(map[string]struct{}),
		wake:     make(chan struct{}, 1),
		sleep:    workflow.Sleep,
		now:      time.Now,
	}
}

// Run subscribes to store changes, enqueues the initial work and processes
// the queue until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	sub := d.source.Subscribe(d.handleChange)
	defer sub.Unsubscribe()

	if err := d.bootstrap(ctx); err != nil {
		return err
	}

	for {
		id, ok := d.next()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-d.wake:
				continue
			}
		}
		if err := d.pace(ctx); err != nil {
			d.finish(id)
			return nil
		}
		d.activate(id)
		d.dispatch(ctx, id)
		if ctx.Err() != nil {
			return nil
		}
	}
}

// Trigger enqueues a manual execution of id. Triggering a record that is
// already queued or waiting for its turn is a no-op.
func (d *Dispatcher) Trigger(ctx context.Context, id string) error {
	rec, err := d.source.GetRecord(ctx, id)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active == id || !workflow.CanStart(rec.Status) {
		return ErrAlreadyRunning
	}
	if d.scheduled == id {
		return nil
	}
	d.enqueueLocked(id)
	return nil
}

// Pending returns the queued ids in order.
func (d *Dispatcher) Pending() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.queue...)
}

func (d *Dispatcher) bootstrap(ctx context.Context) error {
	records, err := d.source.ListRecords(ctx, schema.ParseOrder(d.cfg.Order))
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec.Status == schema.StatusRunning && d.cfg.RecoverStale {
			d.executor.Abandon(ctx, rec)
			continue
		}
		if d.cfg.AutoRun && workflow.CanStart(rec.Status) {
			d.enqueue(rec.ID)
		}
	}
	d.log.Info("dispatcher started",
		zap.Int("records", len(records)),
		zap.Int("queued", len(d.Pending())),
		zap.Bool("auto_run", d.cfg.AutoRun))
	return nil
}

// handleChange is the store subscription. Only inserts feed the queue; updates
// are the dispatcher's own writes and must not re-trigger executions.
func (d *Dispatcher) handleChange(ch schema.Change) {
	if ch.Table != schema.TableRecords {
		return
	}
	switch ch.Op {
	case schema.OpInsert:
		if d.cfg.AutoRun {
			d.enqueue(ch.ID)
		}
	case schema.OpDelete:
		d.remove(ch.ID)
	}
}

func (d *Dispatcher) enqueue(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enqueueLocked(id)
}

// enqueueLocked MUST be called while holding d.mu.
func (d *Dispatcher) enqueueLocked(id string) {
	if _, ok := d.queued[id]; ok {
		return
	}
	d.queued[id] = struct{}{}
	d.queue = append(d.queue, id)
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.queued[id]; !ok {
		return
	}
	delete(d.queued, id)
	for i, q := range d.queue {
		if q == id {
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			break
		}
	}
}

// next pops the head of the queue and marks it scheduled.
func (d *Dispatcher) next() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return "", false
	}
	id := d.queue[0]
	d.queue = d.queue[1:]
	delete(d.queued, id)
	d.scheduled = id
	return id, true
}

// activate moves id from scheduled to active once its delay has elapsed.
func (d *Dispatcher) activate(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.scheduled == id {
		d.scheduled = ""
	}
	d.active = id
}

func (d *Dispatcher) finish(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active == id {
		d.active = ""
	}
	if d.scheduled == id {
		d.scheduled = ""
	}
	d.lastDone = d.now()
}

// pace waits until RecordDelay has elapsed since the previous execution ended.
func (d *Dispatcher) pace(ctx context.Context) error {
	d.mu.Lock()
	last := d.lastDone
	d.mu.Unlock()
	if last.IsZero() {
		return ctx.Err()
	}
	wait := d.cfg.RecordDelay - d.now().Sub(last)
	if wait <= 0 {
		return ctx.Err()
	}
	return d.sleep(ctx, wait)
}

func (d *Dispatcher) dispatch(ctx context.Context, id string) {
	// Re-read: the record may have been deleted or started elsewhere.
	rec, err := d.source.GetRecord(ctx, id)
	if err != nil {
		d.mu.Lock()
		d.active = ""
		d.mu.Unlock()
		if !errors.Is(err, sdk.ErrRecordNotFound) {
			d.log.Warn("failed to load queued record", zap.String("record_id", id), zap.Error(err))
		}
		return
	}
	if !workflow.CanStart(rec.Status) {
		d.mu.Lock()
		d.active = ""
		d.mu.Unlock()
		d.log.Debug("skipping record", zap.String("record_id", id), zap.String("status", string(rec.Status)))
		return
	}

	d.log.Info("executing record", zap.String("record_id", id), zap.String("name", rec.Name))
	d.executor.Execute(ctx, rec)
	d.finish(id)
}
