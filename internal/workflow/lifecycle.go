// Package workflow drives a USSD record through one execution attempt.
package workflow

import (
	"context"

	"github.com/celerix-dev/ussd-whisperer/pkg/schema"
	"github.com/looplab/fsm"
)

// Lifecycle events.
const (
	EventStart   = "start"
	EventSucceed = "succeed"
	EventFail    = "fail"
	EventAbandon = "abandon"
)

var lifecycleEvents = fsm.Events{
	{Name: EventStart, Src: []string{string(schema.StatusIdle), string(schema.StatusSuccess), string(schema.StatusError)}, Dst: string(schema.StatusRunning)},
	{Name: EventSucceed, Src: []string{string(schema.StatusRunning)}, Dst: string(schema.StatusSuccess)},
	{Name: EventFail, Src: []string{string(schema.StatusRunning)}, Dst: string(schema.StatusError)},
	{Name: EventAbandon, Src: []string{string(schema.StatusRunning)}, Dst: string(schema.StatusError)},
}

// Lifecycle tracks the status of one record during an attempt.
type Lifecycle struct {
	machine *fsm.FSM
}

// NewLifecycle starts a lifecycle at status; an unset status reads as idle.
func NewLifecycle(status schema.Status) *Lifecycle {
	return &Lifecycle{machine: fsm.NewFSM(string(status.Normalize()), lifecycleEvents, fsm.Callbacks{})}
}

// Status returns the current status.
func (l *Lifecycle) Status() schema.Status {
	return schema.Status(l.machine.Current())
}

// Can reports whether event is allowed from the current status.
func (l *Lifecycle) Can(event string) bool {
	return l.machine.Can(event)
}

// Fire applies event and returns the new status.
func (l *Lifecycle) Fire(ctx context.Context, event string) (schema.Status, error) {
	if err := l.machine.Event(ctx, event); err != nil {
		return l.Status(), err
	}
	return l.Status(), nil
}

// CanStart reports whether a record in status may begin a new attempt.
func CanStart(status schema.Status) bool {
	return NewLifecycle(status).Can(EventStart)
}
