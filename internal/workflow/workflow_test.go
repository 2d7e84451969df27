package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/celerix-dev/ussd-whisperer/internal/bridge"
	"github.com/celerix-dev/ussd-whisperer/internal/engine"
	"github.com/celerix-dev/ussd-whisperer/internal/notify"
	"github.com/celerix-dev/ussd-whisperer/pkg/schema"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// scriptedDialer records each call with the level persisted at that moment.
type scriptedDialer struct {
	store  *engine.MemStore
	id     string
	failAt int // index of the failing call, -1 for none
	before func(call int)

	mu     sync.Mutex
	codes  []string
	levels []int
}

func (d *scriptedDialer) Dial(ctx context.Context, code string) (bridge.Outcome, error) {
	d.mu.Lock()
	call := len(d.codes)
	d.codes = append(d.codes, code)
	if rec, err := d.store.GetRecord(ctx, d.id); err == nil {
		d.levels = append(d.levels, rec.CurrentLevel)
	}
	d.mu.Unlock()

	if d.before != nil {
		d.before(call)
	}
	if call == d.failAt {
		return bridge.Outcome{}, errors.New("dial failed")
	}
	return bridge.Outcome{Text: "ok", Simulated: true}, nil
}

type sleepRecorder struct {
	mu    sync.Mutex
	calls []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.calls = append(s.calls, d)
	s.mu.Unlock()
	return ctx.Err()
}

type notifications struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (n *notifications) Notify(_ context.Context, msg notify.Notification) {
	n.mu.Lock()
	n.got = append(n.got, msg)
	n.mu.Unlock()
}

func (n *notifications) kinds() []notify.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notify.Kind, len(n.got))
	for i, msg := range n.got {
		out[i] = msg.Kind
	}
	return out
}

type fixture struct {
	store    *engine.MemStore
	dialer   *scriptedDialer
	sleeper  *sleepRecorder
	notes    *notifications
	executor *Executor
	clock    time.Time
}

func newFixture(t *testing.T, in schema.NewRecord) (*fixture, schema.UssdRecord) {
	t.Helper()
	store := engine.NewMemStore(nil, nil)
	rec, err := store.InsertRecord(context.Background(), in)
	require.NoError(t, err)

	f := &fixture{
		store:   store,
		dialer:  &scriptedDialer{store: store, id: rec.ID, failAt: -1},
		sleeper: &sleepRecorder{},
		notes:   &notifications{},
		clock:   time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC),
	}
	f.executor = NewExecutor(store, f.dialer, f.notes, zap.NewNop(),
		WithSleeper(f.sleeper.sleep),
		WithClock(func() time.Time { return f.clock }),
	)
	return f, rec
}

func (f *fixture) record(t *testing.T, id string) schema.UssdRecord {
	t.Helper()
	rec, err := f.store.GetRecord(context.Background(), id)
	require.NoError(t, err)
	return rec
}

func TestExecute_SingleStep(t *testing.T) {
	f, rec := newFixture(t, schema.NewRecord{Name: "Balance", Code: "*123#"})

	f.executor.Execute(context.Background(), rec)

	require.Equal(t, []string{"*123#"}, f.dialer.codes)
	require.Empty(t, f.sleeper.calls)

	got := f.record(t, rec.ID)
	require.Equal(t, schema.StatusSuccess, got.Status)
	require.Equal(t, "✓ USSD code sent to device", got.LastResult)
	require.Equal(t, 0, got.CurrentLevel)
	require.NotNil(t, got.LastExecutedAt)
	require.True(t, f.clock.Equal(*got.LastExecutedAt))

	require.Equal(t, []notify.Kind{notify.KindProgress, notify.KindSuccess}, f.notes.kinds())
	require.Equal(t, "Executing *123#...", f.notes.got[0].Message)
	require.Equal(t, "Balance executed successfully", f.notes.got[1].Message)
}

func TestExecute_MultiStep(t *testing.T) {
	f, rec := newFixture(t, schema.NewRecord{
		Name: "Data bundle",
		Code: "*100#",
		// Deliberately out of order; execution follows step.
		Levels: []schema.Level{
			{Step: 1, Code: "1", Prompt: "select"},
			{Step: 0, Code: "*100#", Prompt: "menu"},
		},
	})

	f.executor.Execute(context.Background(), rec)

	require.Equal(t, []string{"*100#", "1"}, f.dialer.codes)
	require.Equal(t, []int{0, 1}, f.dialer.levels)
	require.Equal(t, []time.Duration{DefaultStepDelay}, f.sleeper.calls)

	got := f.record(t, rec.ID)
	require.Equal(t, schema.StatusSuccess, got.Status)
	require.Equal(t, 0, got.CurrentLevel)
	require.Equal(t, ResultSuccess, got.LastResult)

	require.Equal(t, []notify.Kind{notify.KindProgress, notify.KindProgress, notify.KindSuccess}, f.notes.kinds())
	require.Equal(t, "Level 1/2: menu", f.notes.got[0].Message)
	require.Equal(t, "Level 2/2: select", f.notes.got[1].Message)
	require.Equal(t, 2, f.notes.got[1].Total)
}

func TestExecute_LevelsObservedInOrder(t *testing.T) {
	levels := []schema.Level{
		{Step: 0, Code: "*555#"},
		{Step: 1, Code: "2"},
		{Step: 2, Code: "1"},
		{Step: 5, Code: "3"},
	}
	f, rec := newFixture(t, schema.NewRecord{Name: "Menu", Code: "*555#", Levels: levels})

	var statuses []schema.Status
	f.dialer.before = func(int) { statuses = append(statuses, f.record(t, rec.ID).Status) }

	f.executor.Execute(context.Background(), rec)

	require.Equal(t, []string{"*555#", "2", "1", "3"}, f.dialer.codes)
	require.Equal(t, []int{0, 1, 2, 3}, f.dialer.levels)
	require.Len(t, f.sleeper.calls, 3)
	for _, s := range statuses {
		require.Equal(t, schema.StatusRunning, s)
	}
}

func TestExecute_FailureAbortsRemainingLevels(t *testing.T) {
	f, rec := newFixture(t, schema.NewRecord{
		Name: "Menu",
		Code: "*100#",
		Levels: []schema.Level{
			{Step: 0, Code: "*100#"},
			{Step: 1, Code: "1"},
			{Step: 2, Code: "4"},
		},
	})
	f.dialer.failAt = 1

	f.executor.Execute(context.Background(), rec)

	require.Equal(t, []string{"*100#", "1"}, f.dialer.codes)
	require.Len(t, f.sleeper.calls, 1)

	got := f.record(t, rec.ID)
	require.Equal(t, schema.StatusError, got.Status)
	require.Equal(t, "✗ USSD execution failed", got.LastResult)
	require.Equal(t, 0, got.CurrentLevel)
	require.NotNil(t, got.LastExecutedAt)

	kinds := f.notes.kinds()
	require.Equal(t, notify.KindFailure, kinds[len(kinds)-1])
	require.Equal(t, "Menu execution failed", f.notes.got[len(f.notes.got)-1].Message)
}

func TestExecute_SingleStepFailure(t *testing.T) {
	f, rec := newFixture(t, schema.NewRecord{Name: "Balance", Code: "*123#"})
	f.dialer.failAt = 0

	f.executor.Execute(context.Background(), rec)

	got := f.record(t, rec.ID)
	require.Equal(t, schema.StatusError, got.Status)
	require.Equal(t, ResultFailure, got.LastResult)
}

func TestExecute_DialerPanicIsContained(t *testing.T) {
	f, rec := newFixture(t, schema.NewRecord{Name: "Balance", Code: "*123#"})
	f.dialer.before = func(int) { panic("bridge exploded") }

	require.NotPanics(t, func() { f.executor.Execute(context.Background(), rec) })
	require.Equal(t, schema.StatusError, f.record(t, rec.ID).Status)
}

func TestExecute_DeletedMidRun(t *testing.T) {
	f, rec := newFixture(t, schema.NewRecord{
		Name: "Menu",
		Code: "*100#",
		Levels: []schema.Level{
			{Step: 0, Code: "*100#"},
			{Step: 1, Code: "1"},
		},
	})
	f.dialer.before = func(call int) {
		if call == 0 {
			require.NoError(t, f.store.DeleteRecord(context.Background(), rec.ID))
		}
	}

	require.NotPanics(t, func() { f.executor.Execute(context.Background(), rec) })

	// The in-flight attempt still completes its dials.
	require.Equal(t, []string{"*100#", "1"}, f.dialer.codes)
	_, err := f.store.GetRecord(context.Background(), rec.ID)
	require.ErrorIs(t, err, engine.ErrRecordNotFound)
	list, _ := f.store.ListRecords(context.Background(), schema.OrderCreatedDesc)
	require.Empty(t, list)
}

func TestExecute_CancelledDuringPause(t *testing.T) {
	f, rec := newFixture(t, schema.NewRecord{
		Name:   "Menu",
		Code:   "*100#",
		Levels: []schema.Level{{Step: 0, Code: "*100#"}, {Step: 1, Code: "1"}},
	})
	ctx, cancel := context.WithCancel(context.Background())
	f.dialer.before = func(int) { cancel() }

	f.executor.Execute(ctx, rec)

	require.Equal(t, []string{"*100#"}, f.dialer.codes)
	got := f.record(t, rec.ID)
	require.Equal(t, schema.StatusError, got.Status, "the outcome is persisted after cancellation")
	require.Equal(t, 0, got.CurrentLevel)
}

func TestExecute_RetriggerAfterCompletion(t *testing.T) {
	f, rec := newFixture(t, schema.NewRecord{Name: "Balance", Code: "*123#"})
	f.dialer.failAt = 0

	f.executor.Execute(context.Background(), rec)
	failed := f.record(t, rec.ID)
	require.Equal(t, schema.StatusError, failed.Status)

	f.dialer.failAt = -1
	f.executor.Execute(context.Background(), failed)
	require.Equal(t, schema.StatusSuccess, f.record(t, rec.ID).Status)
}

func TestExecute_SimActivation(t *testing.T) {
	ctx := context.Background()
	store := engine.NewMemStore(nil, nil)
	sim, err := store.InsertSim(ctx, schema.NewSim{Name: "Main", Operator: schema.OperatorInwi})
	require.NoError(t, err)
	rec, err := store.InsertRecord(ctx, schema.NewRecord{Name: "Balance", Code: "*123#", SimID: sim.ID})
	require.NoError(t, err)

	dialer := &scriptedDialer{store: store, id: rec.ID, failAt: -1}
	ex := NewExecutor(store, dialer, nil, nil)

	ex.Execute(ctx, rec)
	sims, _ := store.ListSims(ctx)
	require.Equal(t, 1, sims[0].DailyActivationCount)

	_, err = store.SetSimEnabled(ctx, sim.ID, false)
	require.NoError(t, err)
	ex.Execute(ctx, rec)

	got, _ := store.GetRecord(ctx, rec.ID)
	require.Equal(t, schema.StatusError, got.Status)
	require.Len(t, dialer.codes, 1, "a disabled sim must not dial")
}

func TestAbandon(t *testing.T) {
	f, rec := newFixture(t, schema.NewRecord{Name: "Balance", Code: "*123#"})
	running := schema.StatusRunning
	level := 1
	require.NoError(t, f.store.UpdateRecord(context.Background(), rec.ID, schema.RecordPatch{Status: &running, CurrentLevel: &level}))

	f.executor.Abandon(context.Background(), f.record(t, rec.ID))

	got := f.record(t, rec.ID)
	require.Equal(t, schema.StatusError, got.Status)
	require.Equal(t, "✗ Execution interrupted", got.LastResult)
	require.Equal(t, 0, got.CurrentLevel)

	// Records that are not running are left alone.
	f.executor.Abandon(context.Background(), got)
	require.Len(t, f.notes.got, 1)
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	require.True(t, CanStart(schema.StatusIdle))
	require.True(t, CanStart(""))
	require.True(t, CanStart(schema.StatusSuccess))
	require.True(t, CanStart(schema.StatusError))
	require.False(t, CanStart(schema.StatusRunning))
	require.False(t, CanStart("unknown"))

	lc := NewLifecycle(schema.StatusIdle)
	status, err := lc.Fire(ctx, EventStart)
	require.NoError(t, err)
	require.Equal(t, schema.StatusRunning, status)

	_, err = lc.Fire(ctx, EventStart)
	require.Error(t, err)

	status, err = lc.Fire(ctx, EventSucceed)
	require.NoError(t, err)
	require.Equal(t, schema.StatusSuccess, status)

	_, err = lc.Fire(ctx, EventFail)
	require.Error(t, err)
}

func TestSleep(t *testing.T) {
	require.NoError(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}
