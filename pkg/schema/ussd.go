// Package schema defines the data structures shared by the store, the workflow
// and every client of the USSD daemon.
package schema

import (
	"sort"
	"time"
)

// Table names, used in change notifications and by the SQL backend.
const (
	TableRecords = "ussd_codes"
	TableSims    = "sim_cards"
)

// Status is the execution state of a UssdRecord.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Normalize maps an unset status to idle.
func (s Status) Normalize() Status {
	if s == "" {
		return StatusIdle
	}
	return s
}

// Level is one scripted stage of a nested USSD menu.
type Level struct {
	Step   int    `json:"step" yaml:"step" validate:"gte=0"`
	Prompt string `json:"prompt" yaml:"prompt"`
	Code   string `json:"code" yaml:"code" validate:"required,dialstring"`
}

// UssdRecord is a stored USSD code together with its last execution outcome.
type UssdRecord struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Code           string     `json:"code"`
	Description    string     `json:"description,omitempty"`
	Category       string     `json:"category,omitempty"`
	Operator       string     `json:"operator,omitempty"`
	SimID          string     `json:"sim_id,omitempty"`
	Status         Status     `json:"status"`
	LastExecutedAt *time.Time `json:"last_executed_at,omitempty"`
	LastResult     string     `json:"last_result,omitempty"`
	Levels         []Level    `json:"levels,omitempty"`
	CurrentLevel   int        `json:"current_level"`
	CreatedAt      time.Time  `json:"created_at"`
}

// HasLevels reports whether the record is a multi-step code.
func (r UssdRecord) HasLevels() bool {
	return len(r.Levels) > 0
}

// Plan returns the execution plan of the record. Levels are returned sorted by
// ascending step; the record's own slice is left untouched.
func (r UssdRecord) Plan() ExecutionPlan {
	if !r.HasLevels() {
		return SingleStep{Code: r.Code}
	}
	steps := make([]Level, len(r.Levels))
	copy(steps, r.Levels)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Step < steps[j].Step })
	return MultiStep{Steps: steps}
}

// ExecutionPlan is either a SingleStep or a MultiStep.
type ExecutionPlan interface {
	isExecutionPlan()
}

// SingleStep dials one code.
type SingleStep struct {
	Code string
}

// MultiStep dials each step in order.
type MultiStep struct {
	Steps []Level
}

func (SingleStep) isExecutionPlan() {}
func (MultiStep) isExecutionPlan()  {}

// RecordPatch carries the fields the workflow is allowed to change.
// Nil fields are left as they are.
type RecordPatch struct {
	Status         *Status    `json:"status,omitempty"`
	CurrentLevel   *int       `json:"current_level,omitempty"`
	LastExecutedAt *time.Time `json:"last_executed_at,omitempty"`
	LastResult     *string    `json:"last_result,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p RecordPatch) Empty() bool {
	return p.Status == nil && p.CurrentLevel == nil && p.LastExecutedAt == nil && p.LastResult == nil
}

// Apply returns r with the patch applied.
func (p RecordPatch) Apply(r UssdRecord) UssdRecord {
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.CurrentLevel != nil {
		r.CurrentLevel = *p.CurrentLevel
	}
	if p.LastExecutedAt != nil {
		t := *p.LastExecutedAt
		r.LastExecutedAt = &t
	}
	if p.LastResult != nil {
		r.LastResult = *p.LastResult
	}
	return r
}

// ChangeOp is the kind of mutation reported by a store.
type ChangeOp string

const (
	OpInsert ChangeOp = "insert"
	OpUpdate ChangeOp = "update"
	OpDelete ChangeOp = "delete"
)

// Change is delivered to store subscribers after every successful mutation.
type Change struct {
	Table string   `json:"table"`
	Op    ChangeOp `json:"op"`
	ID    string   `json:"id"`
}

// Order selects the ordering of ListRecords.
type Order string

const (
	OrderCreatedDesc Order = "created_at_desc"
	OrderCreatedAsc  Order = "created_at_asc"
	OrderNameAsc     Order = "name_asc"
)

// ParseOrder accepts the known orderings; anything else yields the default.
func ParseOrder(s string) Order {
	switch Order(s) {
	case OrderCreatedAsc, OrderNameAsc:
		return Order(s)
	default:
		return OrderCreatedDesc
	}
}

// SortRecords orders records in place.
func SortRecords(records []UssdRecord, order Order) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		switch order {
		case OrderNameAsc:
			if a.Name != b.Name {
				return a.Name < b.Name
			}
		case OrderCreatedAsc:
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
		default:
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.After(b.CreatedAt)
			}
		}
		return a.ID < b.ID
	})
}
