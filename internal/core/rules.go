package core

import (
	"context"
	"fmt"

	"graphmerge/pkg/domain"
	"graphmerge/pkg/schema"
)

// NewDefaultRulesEngine builds a rules engine with the built-in policy set.
func NewDefaultRulesEngine() *RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(ReferentialIntegrityRule())
	engine.Register(HierarchyAcyclicRule())
	return engine
}

// changedRows returns the current state of every row created or modified in
// the transaction, once per row. Rows deleted later in the same transaction
// are skipped.
func changedRows(view domain.RuleView, changes []domain.Change) []domain.Row {
	seen := make(map[string]bool)
	var out []domain.Row
	for _, change := range changes {
		row, ok := change.After.(domain.Row)
		if !ok {
			continue
		}
		key := fmt.Sprintf("%s:%d", row.Type, row.ID)
		if seen[key] {
			continue
		}
		seen[key] = true
		if current, ok := view.FindRow(row.Type, row.ID); ok {
			out = append(out, current)
		}
	}
	return out
}

// ReferentialIntegrityRule blocks commits that leave a foreign key pointing at
// a missing row or a required foreign key unset.
func ReferentialIntegrityRule() domain.Rule {
	return referentialIntegrityRule{}
}

type referentialIntegrityRule struct{}

func (referentialIntegrityRule) Name() string { return "referential_integrity" }

func (r referentialIntegrityRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	reg := view.Registry()

	for _, row := range changedRows(view, changes) {
		for _, fk := range reg.ForeignKeysOf(row.Type) {
			raw, present := row.Fields[fk.Field]
			id, linked := raw.(int64)
			switch {
			case linked:
				if _, ok := view.FindRow(fk.Target, id); !ok {
					res.Violations = append(res.Violations, r.violation(row, fmt.Sprintf("%s#%d.%s points at missing %s %d", row.Type, row.ID, fk.Field, fk.Target, id)))
				}
			case fk.Required:
				reason := "is not set"
				if present {
					reason = "is null"
				}
				res.Violations = append(res.Violations, r.violation(row, fmt.Sprintf("%s#%d.%s %s but is required", row.Type, row.ID, fk.Field, reason)))
			}
		}
	}

	for _, change := range changes {
		if change.Action != domain.ActionDelete {
			continue
		}
		gone, ok := change.Before.(domain.Row)
		if !ok {
			continue
		}
		if _, back := view.FindRow(gone.Type, gone.ID); back {
			continue
		}
		for _, holder := range referencing(reg, view, gone) {
			res.Violations = append(res.Violations, r.violation(gone, fmt.Sprintf("deleted %s#%d is still referenced by %s", gone.Type, gone.ID, holder)))
		}
	}
	return res, nil
}

func (referentialIntegrityRule) violation(row domain.Row, msg string) domain.Violation {
	return domain.Violation{
		Rule:     "referential_integrity",
		Severity: domain.SeverityBlock,
		Message:  msg,
		Entity:   domain.EntityType(row.Type),
		EntityID: row.ID,
	}
}

// referencing lists the rows whose foreign keys still hold target's identity.
func referencing(reg *schema.Registry, view domain.RuleView, target domain.Row) []string {
	var out []string
	for _, fk := range reg.ForeignKeys() {
		if !reg.IsA(target.Type, fk.Target) {
			continue
		}
		holder, err := reg.Describe(fk.Holder)
		if err != nil {
			continue
		}
		for _, row := range view.ListRows(holder.Table) {
			if !reg.IsA(row.Type, fk.Holder) {
				continue
			}
			if id, ok := row.ForeignKey(fk.Field); ok && id == target.ID {
				out = append(out, fmt.Sprintf("%s#%d.%s", row.Type, row.ID, fk.Field))
			}
		}
	}
	return out
}

// HierarchyAcyclicRule blocks commits in which a parent chain of a self
// hierarchy loops back on itself.
func HierarchyAcyclicRule() domain.Rule {
	return hierarchyAcyclicRule{}
}

type hierarchyAcyclicRule struct{}

func (hierarchyAcyclicRule) Name() string { return "hierarchy_acyclic" }

func (hierarchyAcyclicRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	reg := view.Registry()
	reported := make(map[string]bool)

	for _, row := range changedRows(view, changes) {
		d, err := reg.Describe(row.Type)
		if err != nil {
			continue
		}
		for _, nav := range d.Navigations {
			if nav.Kind != schema.SelfHierarchy || nav.Collection {
				continue
			}
			cycle := parentCycle(view, nav, row)
			if len(cycle) == 0 {
				continue
			}
			key := d.Table + ":" + cycle[0]
			if reported[key] {
				continue
			}
			reported[key] = true
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     "hierarchy_acyclic",
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("%s.%s forms a cycle through %v", row.Type, nav.Name, cycle),
				Entity:   domain.EntityType(row.Type),
				EntityID: row.ID,
			})
		}
	}
	return res, nil
}

// parentCycle follows the parent foreign key upwards from start. It returns
// the rows on the loop, lowest identity first, or nil when the chain ends.
func parentCycle(view domain.RuleView, nav schema.Navigation, start domain.Row) []string {
	var chain []domain.Row
	index := make(map[int64]int)
	row := start
	for {
		if at, ok := index[row.ID]; ok {
			loop := chain[at:]
			lowest := 0
			for i, r := range loop {
				if r.ID < loop[lowest].ID {
					lowest = i
				}
			}
			out := make([]string, 0, len(loop))
			for i := range loop {
				r := loop[(lowest+i)%len(loop)]
				out = append(out, fmt.Sprintf("%s#%d", r.Type, r.ID))
			}
			return out
		}
		index[row.ID] = len(chain)
		chain = append(chain, row)

		parentID, ok := row.ForeignKey(nav.ForeignKey)
		if !ok {
			return nil
		}
		parent, ok := view.FindRow(nav.Target, parentID)
		if !ok {
			return nil
		}
		row = parent
	}
}
