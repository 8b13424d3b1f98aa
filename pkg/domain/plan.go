package domain

import (
	"fmt"
	"sort"
)

// OpKind enumerates reconciliation plan operations.
type OpKind string

const (
	OpInsert OpKind = "insert"
	OpUpdate OpKind = "update"
	OpRelink OpKind = "relink"
	OpDelete OpKind = "delete"
)

// Ref identifies the row an operation acts on or links to. Rows that do not
// exist yet carry a plan-local Temp number instead of an ID; the executor
// reports the assigned IDs in Applied.Assigned.
type Ref struct {
	Type string `json:"type"`
	ID   int64  `json:"id,omitempty"`
	Temp int    `json:"temp,omitempty"`
}

// IsTemp reports whether the ref names a row inserted by the same plan.
func (r Ref) IsTemp() bool { return r.Temp != 0 }

func (r Ref) String() string {
	if r.Temp != 0 {
		return fmt.Sprintf("%s#new%d", r.Type, r.Temp)
	}
	return fmt.Sprintf("%s#%d", r.Type, r.ID)
}

// Operation is a single step of a reconciliation plan.
//
//   - insert: Fields holds the scalar values, Links the foreign keys.
//   - update: Fields holds changed values, Before the persisted ones.
//   - relink: Field is the foreign key, Link the new target (nil unlinks).
//   - delete: only Target and Version are set.
//
// Version is the row version observed while planning; zero for inserts.
type Operation struct {
	Kind    OpKind         `json:"kind"`
	Target  Ref            `json:"target"`
	Fields  map[string]any `json:"fields,omitempty"`
	Before  map[string]any `json:"before,omitempty"`
	Links   map[string]Ref `json:"links,omitempty"`
	Field   string         `json:"field,omitempty"`
	Link    *Ref           `json:"link,omitempty"`
	Version int64          `json:"version,omitempty"`
}

func (o Operation) String() string {
	switch o.Kind {
	case OpUpdate:
		return fmt.Sprintf("update %s %v", o.Target, sortedFieldNames(o.Fields))
	case OpRelink:
		if o.Link == nil {
			return fmt.Sprintf("relink %s.%s -> null", o.Target, o.Field)
		}
		return fmt.Sprintf("relink %s.%s -> %s", o.Target, o.Field, o.Link)
	default:
		return fmt.Sprintf("%s %s", o.Kind, o.Target)
	}
}

// Plan is an ordered list of operations: inserts, then updates, then
// relinks, then deletes. A plan is built per request and never reused.
type Plan struct {
	Root       Ref         `json:"root"`
	Operations []Operation `json:"operations"`
}

// Empty reports whether the plan has nothing to apply.
func (p Plan) Empty() bool { return len(p.Operations) == 0 }

// Count returns the number of operations of the given kind.
func (p Plan) Count(kind OpKind) int {
	n := 0
	for _, op := range p.Operations {
		if op.Kind == kind {
			n++
		}
	}
	return n
}

// Of returns the operations of the given kind in plan order.
func (p Plan) Of(kind OpKind) []Operation {
	var out []Operation
	for _, op := range p.Operations {
		if op.Kind == kind {
			out = append(out, op)
		}
	}
	return out
}

// Applied reports the outcome of executing a plan.
type Applied struct {
	// Assigned maps plan-local temp numbers to the IDs given to new rows.
	Assigned map[int]int64
	Changes  []Change
}

// Resolve returns the persisted ID for a ref after the plan was applied.
func (a Applied) Resolve(ref Ref) (int64, bool) {
	if !ref.IsTemp() {
		return ref.ID, ref.ID != 0
	}
	id, ok := a.Assigned[ref.Temp]
	return id, ok
}

func sortedFieldNames(fields map[string]any) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
