package memory

import (
	"errors"
	"fmt"

	"graphmerge/pkg/domain"
)

var errUnresolvedTemp = errors.New("link to a row the plan has not inserted yet")

// Apply executes a reconciliation plan against the transaction state. Each
// row's version is checked against the plan the first time the plan touches
// it; later operations on the same row see the versions this plan produced.
// The first failing operation aborts the plan and is reported as an
// ExecutionError. The caller's transaction discards any partial effect.
func (tx *transaction) Apply(plan domain.Plan) (domain.Applied, error) {
	x := &execution{
		tx:      tx,
		applied: domain.Applied{Assigned: make(map[int]int64)},
		touched: make(map[string]bool),
	}
	for _, op := range plan.Operations {
		var err error
		switch op.Kind {
		case domain.OpInsert:
			err = x.insert(op)
		case domain.OpUpdate:
			err = x.update(op)
		case domain.OpRelink:
			err = x.relink(op)
		case domain.OpDelete:
			err = x.delete(op)
		default:
			err = fmt.Errorf("unknown operation kind %q", op.Kind)
		}
		if err != nil {
			return domain.Applied{}, domain.ExecutionError{Op: op, Err: err}
		}
	}
	return x.applied, nil
}

type execution struct {
	tx      *transaction
	applied domain.Applied
	touched map[string]bool
}

func (x *execution) record(change Change) {
	x.tx.recordChange(change)
	x.applied.Changes = append(x.applied.Changes, change)
}

// resolve returns the identity a ref names, checking that the row exists.
func (x *execution) resolve(ref domain.Ref) (int64, error) {
	id, ok := x.applied.Resolve(ref)
	if !ok {
		return 0, errUnresolvedTemp
	}
	if _, exists := x.tx.FindRow(ref.Type, id); !exists {
		return 0, fmt.Errorf("link target %s does not exist", ref)
	}
	return id, nil
}

// load fetches the target row and performs the optimistic version check.
func (x *execution) load(op domain.Operation) (Row, string, error) {
	id, ok := x.applied.Resolve(op.Target)
	if !ok {
		return Row{}, "", errUnresolvedTemp
	}
	row, found := x.tx.FindRow(op.Target.Type, id)
	if !found {
		return Row{}, "", domain.ErrNotFound{Entity: domain.EntityType(op.Target.Type), ID: id}
	}
	d, err := x.tx.store.reg.Describe(row.Type)
	if err != nil {
		return Row{}, "", err
	}
	key := fmt.Sprintf("%s:%d", d.Table, id)
	if !x.touched[key] && op.Version != 0 && op.Version != row.Version {
		return Row{}, "", domain.ConflictError{Entity: domain.EntityType(row.Type), ID: id, Expected: op.Version, Actual: row.Version}
	}
	x.touched[key] = true
	return row, d.Table, nil
}

func (x *execution) insert(op domain.Operation) error {
	d, err := x.tx.store.reg.Describe(op.Target.Type)
	if err != nil {
		return err
	}
	fields := make(map[string]any, len(op.Fields)+len(op.Links))
	for name, v := range op.Fields {
		fields[name] = v
	}
	for name, ref := range op.Links {
		id, err := x.resolve(ref)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		fields[name] = id
	}
	row, err := x.tx.insertRow(op.Target.Type, Row{Fields: fields})
	if err != nil {
		return err
	}
	if op.Target.IsTemp() {
		x.applied.Assigned[op.Target.Temp] = row.ID
	}
	x.touched[fmt.Sprintf("%s:%d", d.Table, row.ID)] = true
	x.record(Change{Entity: domain.EntityType(row.Type), Action: domain.ActionCreate, After: row})
	return nil
}

func (x *execution) update(op domain.Operation) error {
	row, table, err := x.load(op)
	if err != nil {
		return err
	}
	before := row.Clone()
	for name, v := range op.Fields {
		row.Fields[name] = v
	}
	return x.store(table, before, row, domain.ActionUpdate)
}

func (x *execution) relink(op domain.Operation) error {
	row, table, err := x.load(op)
	if err != nil {
		return err
	}
	before := row.Clone()
	if op.Link == nil {
		row.Fields[op.Field] = nil
	} else {
		id, err := x.resolve(*op.Link)
		if err != nil {
			return err
		}
		row.Fields[op.Field] = id
	}
	return x.store(table, before, row, domain.ActionRelink)
}

func (x *execution) store(table string, before, row Row, action domain.Action) error {
	d, err := x.tx.store.reg.Describe(row.Type)
	if err != nil {
		return err
	}
	fields, err := normalizeFields(d, row.Fields)
	if err != nil {
		return err
	}
	row.Fields = fields
	row.Version++
	row.UpdatedAt = x.tx.now
	x.tx.state.tables[table][row.ID] = row.Clone()
	x.record(Change{Entity: domain.EntityType(row.Type), Action: action, Before: before, After: row.Clone()})
	return nil
}

func (x *execution) delete(op domain.Operation) error {
	row, table, err := x.load(op)
	if err != nil {
		return err
	}
	if refs := referrers(x.tx.store.reg, &x.tx.state, table, row.ID); len(refs) > 0 {
		return fmt.Errorf("%s %d still referenced by %s", row.Type, row.ID, refs[0])
	}
	delete(x.tx.state.tables[table], row.ID)
	x.record(Change{Entity: domain.EntityType(row.Type), Action: domain.ActionDelete, Before: row})
	return nil
}
