// Package memory provides an in-memory implementation of the core persistence
// store used for tests and ephemeral environments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"graphmerge/pkg/domain"
	"graphmerge/pkg/schema"
)

// Compile-time contract assertions ensuring memory.Store adheres to the domain persistence interfaces.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// Row aliases domain.Row for in-memory persistence operations.
	Row = domain.Row
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
	// PersistentStore aliases domain.PersistentStore abstraction.
	PersistentStore = domain.PersistentStore
)

type memoryState struct {
	tables    map[string]map[int64]Row
	sequences map[string]int64
}

// Snapshot captures a point-in-time clone of the store state. Tables are keyed
// by table name, then by row identity. Sequences hold the last identity handed
// out per table.
type Snapshot struct {
	Tables    map[string]map[int64]Row `json:"tables"`
	Sequences map[string]int64         `json:"sequences"`
}

func newMemoryState(reg *schema.Registry) memoryState {
	s := memoryState{
		tables:    make(map[string]map[int64]Row),
		sequences: make(map[string]int64),
	}
	for _, table := range reg.Tables() {
		s.tables[table] = make(map[int64]Row)
	}
	return s
}

func (s memoryState) clone() memoryState {
	cloned := memoryState{
		tables:    make(map[string]map[int64]Row, len(s.tables)),
		sequences: make(map[string]int64, len(s.sequences)),
	}
	for table, rows := range s.tables {
		cp := make(map[int64]Row, len(rows))
		for id, row := range rows {
			cp[id] = row.Clone()
		}
		cloned.tables[table] = cp
	}
	for table, seq := range s.sequences {
		cloned.sequences[table] = seq
	}
	return cloned
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	cloned := state.clone()
	return Snapshot{Tables: cloned.tables, Sequences: cloned.sequences}
}

// migrateSnapshot brings a decoded snapshot in line with the registry. JSON
// decoding turns every number into float64, so field values are normalized
// again against their declared types. Rows of unregistered types, unknown
// fields and values that no longer fit are dropped, and sequences are raised
// to the highest identity present.
func migrateSnapshot(reg *schema.Registry, snapshot Snapshot) memoryState {
	state := newMemoryState(reg)
	for table, seq := range snapshot.Sequences {
		if _, ok := state.tables[table]; ok {
			state.sequences[table] = seq
		}
	}
	for table, rows := range snapshot.Tables {
		target, ok := state.tables[table]
		if !ok {
			continue
		}
		for id, row := range rows {
			d, err := reg.Describe(row.Type)
			if err != nil || d.Table != table || d.Abstract {
				continue
			}
			row.ID = id
			fields := make(map[string]any, len(row.Fields))
			for name, raw := range row.Fields {
				f, ok := d.Field(name)
				if !ok {
					continue
				}
				value, err := f.Normalize(raw)
				if err != nil {
					continue
				}
				fields[name] = value
			}
			if d.Polymorphic() {
				fields[d.Discriminator] = d.DiscriminatorValue
			}
			row.Fields = fields
			if row.Version <= 0 {
				row.Version = 1
			}
			target[id] = row
			if id > state.sequences[table] {
				state.sequences[table] = id
			}
		}
	}
	return state
}

// Store provides an in-memory transactional row store for the registered schema.
type Store struct {
	mu     sync.RWMutex
	reg    *schema.Registry
	state  memoryState
	engine *RulesEngine
	nowFn  func() time.Time
	commit CommitHook
}

// CommitHook receives the state a transaction is about to commit. An error
// aborts the commit and leaves the committed state untouched. The snapshot
// shares its rows with the transaction and must not be modified.
type CommitHook func(ctx context.Context, snapshot Snapshot) error

// NewStore constructs an in-memory store for reg backed by the provided rules engine.
func NewStore(reg *schema.Registry, engine *RulesEngine) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	return &Store{
		reg:    reg,
		state:  newMemoryState(reg),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// Registry returns the schema the store was built for.
func (s *Store) Registry() *schema.Registry { return s.reg }

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = migrateSnapshot(s.reg, snapshot)
}

// SetCommitHook installs hook to run after rule evaluation and before the
// transactional state replaces the committed state. A nil hook removes it.
func (s *Store) SetCommitHook(hook CommitHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commit = hook
}

// RulesEngine exposes the currently configured engine.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// NowFunc returns the time provider used by the in-memory store.
func (s *Store) NowFunc() func() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowFn
}

// SetNowFunc replaces the time provider.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFn = fn
}

// transaction represents a mutation set applied to the store state.
type transaction struct {
	store   *Store
	state   memoryState
	changes []Change
	now     time.Time
}

// RunInTransaction executes fn within a transactional copy of the store state.
// The copy replaces the committed state only when fn succeeds, no rule
// reports a blocking violation and the commit hook, if any, accepts it.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{
		store: s,
		state: s.state.clone(),
		now:   s.nowFn(),
	}

	if err := fn(tx); err != nil {
		return Result{}, err
	}

	var result Result
	if s.engine != nil {
		view := newTransactionView(s.reg, &tx.state)
		res, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	if s.commit != nil {
		if err := s.commit(ctx, Snapshot{Tables: tx.state.tables, Sequences: tx.state.sequences}); err != nil {
			return result, err
		}
	}
	s.state = tx.state
	return result, nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := s.state.clone()
	return fn(newTransactionView(s.reg, &snapshot))
}

// ListRows returns the committed rows of a table ordered by identity.
func (s *Store) ListRows(table string) []Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listRows(&s.state, table)
}

// FindRow returns a committed row of typeName or one of its subtypes.
func (s *Store) FindRow(typeName string, id int64) (Row, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return findRow(s.reg, &s.state, typeName, id)
}

func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

// Snapshot returns a read-only view over the transactional state.
func (tx *transaction) Snapshot() TransactionView {
	return newTransactionView(tx.store.reg, &tx.state)
}

func listRows(state *memoryState, table string) []Row {
	rows := state.tables[table]
	out := make([]Row, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func findRow(reg *schema.Registry, state *memoryState, typeName string, id int64) (Row, bool) {
	d, err := reg.Describe(typeName)
	if err != nil {
		return Row{}, false
	}
	row, ok := state.tables[d.Table][id]
	if !ok || !reg.IsA(row.Type, typeName) {
		return Row{}, false
	}
	return row.Clone(), true
}

// referrers lists the rows whose foreign keys point at the row id of table.
func referrers(reg *schema.Registry, state *memoryState, table string, id int64) []string {
	var out []string
	for _, fk := range reg.ForeignKeys() {
		target, err := reg.Describe(fk.Target)
		if err != nil || target.Table != table {
			continue
		}
		holder, err := reg.Describe(fk.Holder)
		if err != nil {
			continue
		}
		for _, row := range listRows(state, holder.Table) {
			if !reg.IsA(row.Type, fk.Holder) {
				continue
			}
			if ref, ok := row.ForeignKey(fk.Field); ok && ref == id {
				out = append(out, fmt.Sprintf("%s#%d.%s", row.Type, row.ID, fk.Field))
			}
		}
	}
	return out
}
