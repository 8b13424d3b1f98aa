package memory

import (
	"fmt"

	"graphmerge/pkg/domain"
	"graphmerge/pkg/schema"
)

// normalizeFields validates raw field values against d and returns them in
// canonical form with the discriminator set for polymorphic types.
func normalizeFields(d schema.Descriptor, raw map[string]any) (map[string]any, error) {
	fields := make(map[string]any, len(raw)+1)
	for name, value := range raw {
		if name == d.Discriminator {
			continue
		}
		f, ok := d.Field(name)
		if !ok {
			return nil, fmt.Errorf("%s has no field %s", d.Name, name)
		}
		v, err := f.Normalize(value)
		if err != nil {
			return nil, err
		}
		fields[name] = v
	}
	if d.Polymorphic() {
		fields[d.Discriminator] = d.DiscriminatorValue
	}
	return fields, nil
}

// nextID hands out the next identity of a table.
func (tx *transaction) nextID(table string) int64 {
	tx.state.sequences[table]++
	return tx.state.sequences[table]
}

// FindRow exposes row lookup within the transaction scope.
func (tx *transaction) FindRow(typeName string, id int64) (Row, bool) {
	return findRow(tx.store.reg, &tx.state, typeName, id)
}

// CreateRow stores a new row of a concrete type. A zero ID is assigned from
// the table sequence; an explicit ID is kept and advances the sequence.
func (tx *transaction) CreateRow(typeName string, row Row) (Row, error) {
	created, err := tx.insertRow(typeName, row)
	if err != nil {
		return Row{}, err
	}
	tx.recordChange(Change{Entity: domain.EntityType(typeName), Action: domain.ActionCreate, After: created.Clone()})
	return created, nil
}

func (tx *transaction) insertRow(typeName string, row Row) (Row, error) {
	d, err := tx.store.reg.Describe(typeName)
	if err != nil {
		return Row{}, err
	}
	if d.Abstract {
		return Row{}, fmt.Errorf("cannot create row of abstract type %s", typeName)
	}
	fields, err := normalizeFields(d, row.Fields)
	if err != nil {
		return Row{}, err
	}
	if row.ID == 0 {
		row.ID = tx.nextID(d.Table)
	} else if row.ID > tx.state.sequences[d.Table] {
		tx.state.sequences[d.Table] = row.ID
	}
	if _, exists := tx.state.tables[d.Table][row.ID]; exists {
		return Row{}, fmt.Errorf("%s %d already exists", typeName, row.ID)
	}
	row.Type = typeName
	row.Fields = fields
	row.Version = 1
	row.CreatedAt = tx.now
	row.UpdatedAt = tx.now
	tx.state.tables[d.Table][row.ID] = row.Clone()
	return row.Clone(), nil
}

// UpdateRow mutates a row using the provided mutator function. The identity
// and concrete type cannot be changed by the mutator.
func (tx *transaction) UpdateRow(typeName string, id int64, mutator func(*Row) error) (Row, error) {
	current, ok := tx.FindRow(typeName, id)
	if !ok {
		return Row{}, domain.ErrNotFound{Entity: domain.EntityType(typeName), ID: id}
	}
	d, err := tx.store.reg.Describe(current.Type)
	if err != nil {
		return Row{}, err
	}
	before := current.Clone()
	if err := mutator(&current); err != nil {
		return Row{}, err
	}
	fields, err := normalizeFields(d, current.Fields)
	if err != nil {
		return Row{}, err
	}
	current.ID = id
	current.Type = before.Type
	current.Fields = fields
	current.Version = before.Version + 1
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	tx.state.tables[d.Table][id] = current.Clone()
	tx.recordChange(Change{Entity: domain.EntityType(current.Type), Action: domain.ActionUpdate, Before: before, After: current.Clone()})
	return current.Clone(), nil
}

// DeleteRow removes a row from the transaction state. Rows still referenced
// by a foreign key cannot be deleted.
func (tx *transaction) DeleteRow(typeName string, id int64) error {
	current, ok := tx.FindRow(typeName, id)
	if !ok {
		return domain.ErrNotFound{Entity: domain.EntityType(typeName), ID: id}
	}
	d, err := tx.store.reg.Describe(current.Type)
	if err != nil {
		return err
	}
	if refs := referrers(tx.store.reg, &tx.state, d.Table, id); len(refs) > 0 {
		return fmt.Errorf("%s %d still referenced by %s", current.Type, id, refs[0])
	}
	delete(tx.state.tables[d.Table], id)
	tx.recordChange(Change{Entity: domain.EntityType(current.Type), Action: domain.ActionDelete, Before: current})
	return nil
}
