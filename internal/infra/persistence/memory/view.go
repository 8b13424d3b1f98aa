package memory

import (
	"strconv"

	"graphmerge/pkg/graph"
	"graphmerge/pkg/schema"
)

// transactionView exposes a read-only snapshot of the transactional state to
// rules and dry-run planning.
type transactionView struct {
	reg   *schema.Registry
	state *memoryState
}

func newTransactionView(reg *schema.Registry, state *memoryState) TransactionView {
	return transactionView{reg: reg, state: state}
}

// Registry returns the schema the rows conform to.
func (v transactionView) Registry() *schema.Registry { return v.reg }

// ListRows returns all rows of a table ordered by identity.
func (v transactionView) ListRows(table string) []Row {
	return listRows(v.state, table)
}

// FindRow returns a row of typeName or one of its subtypes.
func (v transactionView) FindRow(typeName string, id int64) (Row, bool) {
	return findRow(v.reg, v.state, typeName, id)
}

// Find materializes the persisted graph rooted at a row.
func (v transactionView) Find(typeName string, id int64) (*graph.Node, bool) {
	return materialize(v.reg, v.state, typeName, id)
}

// Find materializes the persisted graph rooted at a row within the
// transaction scope.
func (tx *transaction) Find(typeName string, id int64) (*graph.Node, bool) {
	return materialize(tx.store.reg, &tx.state, typeName, id)
}

// materialize loads a row as a node. Owned compositions are loaded in full,
// hierarchy children only with their own scalars. Aggregation targets and the
// hierarchy parent are left to the foreign-key scalars.
func materialize(reg *schema.Registry, state *memoryState, typeName string, id int64) (*graph.Node, bool) {
	row, ok := findRow(reg, state, typeName, id)
	if !ok {
		return nil, false
	}
	return loadNode(reg, state, row, make(map[string]bool)), true
}

func loadNode(reg *schema.Registry, state *memoryState, row Row, path map[string]bool) *graph.Node {
	d, err := reg.Describe(row.Type)
	if err != nil {
		return graph.New(row.Type, row.ID)
	}
	n := shallowNode(reg, state, d, row)
	key := d.Table + ":" + strconv.FormatInt(row.ID, 10)
	if path[key] {
		return n
	}
	path[key] = true
	defer delete(path, key)

	for _, nav := range d.Navigations {
		switch {
		case nav.Kind == schema.Composition && !nav.Collection:
			targetID, linked := row.ForeignKey(nav.ForeignKey)
			if !linked {
				n.SetRef(nav.Name, nil)
				continue
			}
			target, ok := findRow(reg, state, nav.Target, targetID)
			if !ok {
				n.SetRef(nav.Name, nil)
				continue
			}
			n.SetRef(nav.Name, loadNode(reg, state, target, path))
		case nav.Kind == schema.Composition:
			n.SetCollection(nav.Name)
			for _, member := range members(reg, state, nav, row.ID) {
				n.Add(nav.Name, loadNode(reg, state, member, path))
			}
		case nav.Kind == schema.SelfHierarchy && nav.Collection:
			n.SetCollection(nav.Name)
			for _, child := range members(reg, state, nav, row.ID) {
				cd, err := reg.Describe(child.Type)
				if err != nil {
					continue
				}
				n.Add(nav.Name, shallowNode(reg, state, cd, child))
			}
		}
	}
	return n
}

func shallowNode(reg *schema.Registry, state *memoryState, d schema.Descriptor, row Row) *graph.Node {
	n := graph.New(row.Type, row.ID)
	n.Version = row.Version
	n.Referrers = len(referrers(reg, state, d.Table, row.ID))
	for _, f := range d.Fields {
		if v, ok := row.Fields[f.Name]; ok {
			n.Set(f.Name, v)
		}
	}
	return n
}

// members returns the rows whose collection foreign key points at ownerID.
func members(reg *schema.Registry, state *memoryState, nav schema.Navigation, ownerID int64) []Row {
	d, err := reg.Describe(nav.Target)
	if err != nil {
		return nil
	}
	var out []Row
	for _, row := range listRows(state, d.Table) {
		if !reg.IsA(row.Type, nav.Target) {
			continue
		}
		if ref, ok := row.ForeignKey(nav.ForeignKey); ok && ref == ownerID {
			out = append(out, row)
		}
	}
	return out
}
