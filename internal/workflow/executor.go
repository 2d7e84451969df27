package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/celerix-dev/ussd-whisperer/internal/bridge"
	"github.com/celerix-dev/ussd-whisperer/internal/notify"
	"github.com/celerix-dev/ussd-whisperer/pkg/schema"
	"go.uber.org/zap"
)

// Persisted outcome texts.
const (
	ResultSuccess     = "✓ USSD code sent to device"
	ResultFailure     = "✗ USSD execution failed"
	ResultInterrupted = "✗ Execution interrupted"
)

// DefaultStepDelay separates two levels of a multi-step code.
const DefaultStepDelay = 2 * time.Second

// Store is the part of the record store the executor writes to.
type Store interface {
	UpdateRecord(ctx context.Context, id string, patch schema.RecordPatch) error
	RecordActivation(ctx context.Context, simID string) (schema.SimCard, error)
}

// Executor runs one attempt at a time for the caller. It does not check
// whether the record is already running; callers must.
type Executor struct {
	store     Store
	dialer    bridge.Dialer
	notifier  notify.Notifier
	log       *zap.Logger
	stepDelay time.Duration

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// Option customizes an Executor.
type Option func(*Executor)

// WithStepDelay sets the pause between two levels.
func WithStepDelay(d time.Duration) Option {
	return func(e *Executor) { e.stepDelay = d }
}

// WithSleeper replaces the timed pause between levels.
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = fn }
}

// WithClock replaces the clock used for last_executed_at.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// NewExecutor builds an executor. notifier and log may be nil.
func NewExecutor(store Store, dialer bridge.Dialer, notifier notify.Notifier, log *zap.Logger, opts ...Option) *Executor {
	if notifier == nil {
		notifier = notify.Discard
	}
	if log == nil {
		log = zap.NewNop()
	}
	e := &Executor{
		store:     store,
		dialer:    dialer,
		notifier:  notifier,
		log:       log,
		stepDelay: DefaultStepDelay,
		sleep:     Sleep,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute performs one attempt on rec and records its outcome. Every failure
// ends the attempt in the error status; nothing is returned to the caller.
func (e *Executor) Execute(ctx context.Context, rec schema.UssdRecord) {
	log := e.log.With(zap.String("record_id", rec.ID), zap.String("code", rec.Code))

	lc := NewLifecycle(rec.Status)
	if _, err := lc.Fire(ctx, EventStart); err != nil {
		log.Warn("unexpected start transition", zap.String("status", string(rec.Status)), zap.Error(err))
		lc = NewLifecycle(schema.StatusRunning)
	}

	running := schema.StatusRunning
	e.persist(ctx, log, rec.ID, schema.RecordPatch{Status: &running, CurrentLevel: intPtr(0)})

	err := e.run(ctx, log, rec)

	// The outcome is recorded even when ctx was cancelled mid-attempt.
	final := context.WithoutCancel(ctx)
	event, result := EventSucceed, ResultSuccess
	if err != nil {
		event, result = EventFail, ResultFailure
		log.Warn("execution failed", zap.Error(err))
	}
	status, ferr := lc.Fire(final, event)
	if ferr != nil {
		log.Error("invalid final transition", zap.String("event", event), zap.Error(ferr))
	}

	now := e.now().UTC()
	e.persist(final, log, rec.ID, schema.RecordPatch{
		Status:         &status,
		LastExecutedAt: &now,
		LastResult:     &result,
		CurrentLevel:   intPtr(0),
	})

	if err != nil {
		e.notify(final, notify.Notification{RecordID: rec.ID, Kind: notify.KindFailure, Message: rec.Name + " execution failed"})
		return
	}
	log.Info("execution succeeded")
	e.notify(final, notify.Notification{RecordID: rec.ID, Kind: notify.KindSuccess, Message: rec.Name + " executed successfully"})
}

// run dials the plan of rec. A panic in the dialer is returned as an error.
func (e *Executor) run(ctx context.Context, log *zap.Logger, rec schema.UssdRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dialer panic: %v", r)
		}
	}()

	if rec.SimID != "" {
		sim, err := e.store.RecordActivation(ctx, rec.SimID)
		if err != nil {
			return fmt.Errorf("sim %s: %w", rec.SimID, err)
		}
		log.Debug("activation recorded", zap.String("sim_id", sim.ID), zap.Int("count", sim.DailyActivationCount))
	}

	switch plan := rec.Plan().(type) {
	case schema.SingleStep:
		e.notify(ctx, notify.Notification{RecordID: rec.ID, Kind: notify.KindProgress, Message: "Executing " + plan.Code + "..."})
		out, err := e.dialer.Dial(ctx, plan.Code)
		if err != nil {
			return err
		}
		log.Debug("dialed", zap.String("outcome", out.Text), zap.Bool("simulated", out.Simulated))

	case schema.MultiStep:
		total := len(plan.Steps)
		for i, step := range plan.Steps {
			e.persist(ctx, log, rec.ID, schema.RecordPatch{CurrentLevel: intPtr(i)})
			e.notify(ctx, notify.Notification{
				RecordID: rec.ID,
				Kind:     notify.KindProgress,
				Message:  fmt.Sprintf("Level %d/%d: %s", i+1, total, step.Prompt),
				Level:    i + 1,
				Total:    total,
			})

			out, err := e.dialer.Dial(ctx, step.Code)
			if err != nil {
				return fmt.Errorf("level %d/%d: %w", i+1, total, err)
			}
			log.Debug("dialed level", zap.Int("level", i), zap.String("outcome", out.Text))

			if i < total-1 {
				if err := e.sleep(ctx, e.stepDelay); err != nil {
					return err
				}
			}
		}

	default:
		return fmt.Errorf("unsupported execution plan %T", plan)
	}
	return nil
}

// Abandon closes an attempt left running by a previous process.
func (e *Executor) Abandon(ctx context.Context, rec schema.UssdRecord) {
	log := e.log.With(zap.String("record_id", rec.ID))

	status, err := NewLifecycle(rec.Status).Fire(ctx, EventAbandon)
	if err != nil {
		log.Debug("nothing to abandon", zap.String("status", string(rec.Status)))
		return
	}
	now := e.now().UTC()
	result := ResultInterrupted
	e.persist(ctx, log, rec.ID, schema.RecordPatch{
		Status:         &status,
		LastExecutedAt: &now,
		LastResult:     &result,
		CurrentLevel:   intPtr(0),
	})
	log.Info("stale execution abandoned")
	e.notify(ctx, notify.Notification{RecordID: rec.ID, Kind: notify.KindFailure, Message: rec.Name + " execution interrupted"})
}

// persist logs store failures; the attempt goes on regardless.
func (e *Executor) persist(ctx context.Context, log *zap.Logger, id string, patch schema.RecordPatch) {
	if err := e.store.UpdateRecord(ctx, id, patch); err != nil {
		log.Error("failed to persist progress", zap.Error(err))
	}
}

func (e *Executor) notify(ctx context.Context, n notify.Notification) {
	if n.At.IsZero() {
		n.At = e.now().UTC()
	}
	e.notifier.Notify(ctx, n)
}

// Sleep pauses for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func intPtr(v int) *int { return &v }
