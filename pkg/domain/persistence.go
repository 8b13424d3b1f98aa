package domain

import (
	"context"

	"graphmerge/pkg/graph"
	"graphmerge/pkg/schema"
)

// Transaction exposes the operations a persistence implementation must
// support within an atomic scope. It doubles as the persisted source the
// reconciliation walker reads from.
type Transaction interface {
	Snapshot() TransactionView
	// Find materializes the persisted graph rooted at the row, including owned
	// compositions and the shallow children of hierarchies.
	Find(typeName string, id int64) (*graph.Node, bool)
	// Apply executes a reconciliation plan. Failures are ExecutionErrors.
	Apply(plan Plan) (Applied, error)
	CreateRow(typeName string, row Row) (Row, error)
	UpdateRow(typeName string, id int64, mutator func(*Row) error) (Row, error)
	DeleteRow(typeName string, id int64) error
	FindRow(typeName string, id int64) (Row, bool)
}

// TransactionView provides read-only access to snapshot data for rules and
// dry-run planning.
type TransactionView interface {
	Registry() *schema.Registry
	ListRows(table string) []Row
	FindRow(typeName string, id int64) (Row, bool)
	Find(typeName string, id int64) (*graph.Node, bool)
}

// PersistentStore is a minimal abstraction over durable backends. It mirrors
// the subset of store capabilities used directly by higher layers.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	Registry() *schema.Registry
}
