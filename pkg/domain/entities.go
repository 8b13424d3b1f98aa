// Package domain holds the persistence contracts shared by the reconciliation
// engine, the stores and the rules engine.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// EntityType names a registered schema type.
type EntityType string

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Row is one persisted record. Rows of every concrete type in an inheritance
// chain share the table of the chain's root; Type holds the concrete type.
// Fields hold normalized scalar values, foreign keys included.
type Row struct {
	ID        int64          `json:"id"`
	Type      string         `json:"type"`
	Version   int64          `json:"version"`
	Fields    map[string]any `json:"fields"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Field returns a field value and whether it is present on the row.
func (r Row) Field(name string) (any, bool) {
	v, ok := r.Fields[name]
	return v, ok
}

// ForeignKey returns the row id stored in an int field, if any.
func (r Row) ForeignKey(name string) (int64, bool) {
	v, ok := r.Fields[name].(int64)
	return v, ok
}

// Clone returns a copy whose field map can be mutated independently.
func (r Row) Clone() Row {
	cp := r
	if r.Fields != nil {
		cp.Fields = make(map[string]any, len(r.Fields))
		for k, v := range r.Fields {
			cp.Fields[k] = v
		}
	}
	return cp
}

// Change records a row mutation captured within a transaction.
type Change struct {
	Entity EntityType
	Action Action
	Before any
	After  any
}

// Action describes the type of change recorded in a transaction.
type Action string

// Change actions enumerate the mutations captured in a transaction.
const (
	// ActionCreate indicates a row was created.
	ActionCreate Action = "create"
	// ActionUpdate indicates scalar fields of a row were updated.
	ActionUpdate Action = "update"
	// ActionRelink indicates a foreign key of a row was rewired.
	ActionRelink Action = "relink"
	ActionDelete Action = "delete"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   EntityType
	EntityID int64
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if any violation blocks persistence.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	var blocking []string
	for _, v := range e.Result.Violations {
		if v.Severity == SeverityBlock {
			blocking = append(blocking, v.Rule+": "+v.Message)
		}
	}
	if len(blocking) == 0 {
		return "transaction blocked by rules"
	}
	return "transaction blocked by rules: " + strings.Join(blocking, "; ")
}

// ErrNotFound is returned when a row lookup fails.
type ErrNotFound struct {
	Entity EntityType
	ID     int64
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
}

// ConflictError reports an optimistic concurrency failure: the row changed
// after the plan was built.
type ConflictError struct {
	Entity   EntityType
	ID       int64
	Expected int64
	Actual   int64
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("%s %d was modified concurrently: planned against version %d, found %d", e.Entity, e.ID, e.Expected, e.Actual)
}

// ExecutionError wraps an executor failure with the operation that caused it.
type ExecutionError struct {
	Op  Operation
	Err error
}

func (e ExecutionError) Error() string {
	return fmt.Sprintf("execute %s: %v", e.Op, e.Err)
}

func (e ExecutionError) Unwrap() error { return e.Err }
