package reconcile

import (
	"sort"

	"graphmerge/pkg/domain"
	"graphmerge/pkg/graph"
	"graphmerge/pkg/schema"
)

// link is the effective value of a single-reference foreign key on an
// incoming node.
type link struct {
	set  bool
	null bool
	id   int64
	// node is the incoming target when the link came from the navigation.
	node *graph.Node
}

// singleLink resolves a single navigation against its foreign-key scalar. A
// navigation carrying an identity wins over the scalar. A navigation
// specified as null unlinks only when the scalar is absent or null. An
// aggregation target without identity is ignored.
func singleLink(p *Pair, nav schema.Navigation) link {
	target, navSet := p.Incoming.Ref(nav.Name)
	if navSet && target != nil {
		if !target.IsNew() || nav.Kind != schema.Aggregation {
			return link{set: true, id: target.ID, node: target}
		}
		navSet = false
	}
	raw, fkSet := p.Values[nav.ForeignKey]
	if fkSet && raw != nil {
		if id, ok := raw.(int64); ok {
			return link{set: true, id: id}
		}
	}
	if navSet || fkSet {
		return link{set: true, null: true}
	}
	return link{}
}

// Planner turns matched pairs into an ordered reconciliation plan.
type Planner struct {
	reg   *schema.Registry
	scope Source
}

// NewPlanner returns a planner reading persisted state from scope. The scope
// is only consulted to follow hierarchy parents outside the incoming graph.
func NewPlanner(reg *schema.Registry, scope Source) *Planner {
	return &Planner{reg: reg, scope: scope}
}

type builder struct {
	reg    *schema.Registry
	scope  Source
	refs   map[*Pair]domain.Ref
	byNode map[*graph.Node]*Pair
	byKey  map[string]*Pair
}

// Plan computes the operations for pairs produced by Walk. Updates and
// relinks that would not change the persisted row are omitted, so an
// incoming graph equal to the persisted state yields an empty plan.
func (pl *Planner) Plan(pairs []*Pair) (domain.Plan, error) {
	if len(pairs) == 0 {
		return domain.Plan{}, nil
	}
	b := &builder{
		reg:    pl.reg,
		scope:  pl.scope,
		refs:   make(map[*Pair]domain.Ref, len(pairs)),
		byNode: make(map[*graph.Node]*Pair, len(pairs)),
		byKey:  make(map[string]*Pair, len(pairs)),
	}
	temp := 0
	for _, p := range pairs {
		if p.IsInsert() {
			temp++
			b.refs[p] = domain.Ref{Type: p.Type.Name, Temp: temp}
		} else {
			b.refs[p] = domain.Ref{Type: p.Type.Name, ID: p.Persisted.ID}
			b.byKey[rowKey(p.Type.Table, p.Persisted.ID)] = p
		}
		if p.Incoming != nil {
			b.byNode[p.Incoming] = p
		}
	}

	h, err := b.deriveHierarchy(pairs)
	if err != nil {
		return domain.Plan{}, err
	}

	var inserts, updates, relinks, deletes []domain.Operation
	for _, p := range pairs {
		switch {
		case p.IsDelete():
			deletes = append(deletes, domain.Operation{Kind: domain.OpDelete, Target: b.refs[p], Version: p.Persisted.Version})
		case p.IsInsert():
			op, err := b.insert(p, h)
			if err != nil {
				return domain.Plan{}, err
			}
			inserts = append(inserts, op)
		default:
			upd, rel, err := b.update(p)
			if err != nil {
				return domain.Plan{}, err
			}
			updates = append(updates, upd...)
			relinks = append(relinks, rel...)
		}
	}
	relinks = append(relinks, h.relinks()...)

	ordered, err := b.orderInserts(inserts)
	if err != nil {
		return domain.Plan{}, err
	}
	ops := make([]domain.Operation, 0, len(inserts)+len(updates)+len(relinks)+len(deletes))
	ops = append(ops, ordered...)
	ops = append(ops, updates...)
	ops = append(ops, relinks...)
	ops = append(ops, b.orderDeletes(pairs, deletes)...)
	return domain.Plan{Root: b.refs[pairs[0]], Operations: ops}, nil
}

// pairOf finds the pair an incoming node was matched to. Nodes repeating an
// identity that was already visited share that identity's pair.
func (b *builder) pairOf(n *graph.Node, typeName string) (*Pair, bool) {
	if p, ok := b.byNode[n]; ok {
		return p, true
	}
	if n.IsNew() {
		return nil, false
	}
	d, err := b.reg.Describe(typeName)
	if err != nil {
		return nil, false
	}
	p, ok := b.byKey[rowKey(d.Table, n.ID)]
	return p, ok
}

// refOf returns the plan ref for a link target.
func (b *builder) refOf(l link, targetType string) domain.Ref {
	if l.node != nil {
		if p, ok := b.pairOf(l.node, targetType); ok {
			return b.refs[p]
		}
	}
	if d, err := b.reg.Describe(targetType); err == nil {
		if p, ok := b.byKey[rowKey(d.Table, l.id)]; ok {
			return b.refs[p]
		}
	}
	return domain.Ref{Type: targetType, ID: l.id}
}

// linkOf resolves the foreign key fk for an incoming pair. Hierarchy keys are
// resolved by the hierarchy pass and are not handled here.
func (b *builder) linkOf(p *Pair, fk schema.ForeignKey) (link, domain.Ref) {
	if fk.Derived {
		if p.Via != nil && p.Via.Kind == schema.Composition && p.Via.Collection && p.Via.ForeignKey == fk.Field {
			return link{set: true}, b.refs[p.Owner]
		}
		raw, ok := p.Values[fk.Field]
		if !ok {
			return link{}, domain.Ref{}
		}
		id, isID := raw.(int64)
		if !isID {
			return link{set: true, null: true}, domain.Ref{}
		}
		l := link{set: true, id: id}
		return l, b.refOf(l, fk.Target)
	}
	l := singleLink(p, fk.Navigation)
	if !l.set || l.null {
		return l, domain.Ref{}
	}
	return l, b.refOf(l, fk.Target)
}

func (b *builder) foreignKeys(p *Pair) ([]schema.ForeignKey, map[string]bool) {
	fks := b.reg.ForeignKeysOf(p.Type.Name)
	fields := make(map[string]bool, len(fks))
	for _, fk := range fks {
		fields[fk.Field] = true
	}
	return fks, fields
}

func (b *builder) insert(p *Pair, h *hierarchy) (domain.Operation, error) {
	fks, fkFields := b.foreignKeys(p)
	op := domain.Operation{
		Kind:   domain.OpInsert,
		Target: b.refs[p],
		Fields: make(map[string]any, len(p.Values)+1),
		Links:  make(map[string]domain.Ref),
	}
	for name, v := range p.Values {
		if !fkFields[name] {
			op.Fields[name] = v
		}
	}
	if p.Type.Polymorphic() {
		op.Fields[p.Type.Discriminator] = p.Type.DiscriminatorValue
	}
	for _, fk := range fks {
		if fk.Navigation.Kind == schema.SelfHierarchy {
			if parent := h.parentOf(p); parent != nil {
				op.Links[fk.Field] = *parent
			}
			continue
		}
		l, ref := b.linkOf(p, fk)
		if l.set && !l.null {
			op.Links[fk.Field] = ref
			continue
		}
		if fk.Required {
			return domain.Operation{}, reject(p, "required reference %s is missing", fk.Field)
		}
	}
	return op, nil
}

func (b *builder) update(p *Pair) ([]domain.Operation, []domain.Operation, error) {
	fks, fkFields := b.foreignKeys(p)
	target := b.refs[p]
	var updates, relinks []domain.Operation

	changed := make(map[string]any)
	before := make(map[string]any)
	for name, v := range p.Values {
		if fkFields[name] {
			continue
		}
		current, _ := p.Persisted.Field(name)
		if current == v {
			continue
		}
		changed[name] = v
		before[name] = current
	}
	if len(changed) > 0 {
		updates = append(updates, domain.Operation{Kind: domain.OpUpdate, Target: target, Fields: changed, Before: before, Version: p.Persisted.Version})
	}

	for _, fk := range fks {
		if fk.Navigation.Kind == schema.SelfHierarchy {
			continue
		}
		l, ref := b.linkOf(p, fk)
		if !l.set {
			continue
		}
		current, _ := p.Persisted.Field(fk.Field)
		currentID, linked := current.(int64)
		if l.null {
			if !linked {
				continue
			}
			if fk.Required {
				return nil, nil, reject(p, "required reference %s cannot be unlinked", fk.Field)
			}
			relinks = append(relinks, domain.Operation{Kind: domain.OpRelink, Target: target, Field: fk.Field, Version: p.Persisted.Version})
			continue
		}
		if !ref.IsTemp() && linked && currentID == ref.ID {
			continue
		}
		to := ref
		relinks = append(relinks, domain.Operation{Kind: domain.OpRelink, Target: target, Field: fk.Field, Link: &to, Version: p.Persisted.Version})
	}
	return updates, relinks, nil
}

// orderInserts sorts inserts so that every temp link target is inserted
// before the row linking to it. Ties keep walk order.
func (b *builder) orderInserts(inserts []domain.Operation) ([]domain.Operation, error) {
	index := make(map[int]int, len(inserts))
	for i, op := range inserts {
		index[op.Target.Temp] = i
	}
	deps := make([][]int, len(inserts))
	for i, op := range inserts {
		for _, field := range sortedKeys(op.Links) {
			ref := op.Links[field]
			if j, ok := index[ref.Temp]; ok && ref.IsTemp() {
				deps[i] = append(deps[i], j)
			}
		}
	}
	order, ok := topoOrder(len(inserts), deps)
	if !ok {
		return nil, ReconciliationError{Type: inserts[0].Target.Type, Reason: "new rows reference each other in a cycle"}
	}
	out := make([]domain.Operation, len(order))
	for i, j := range order {
		out[i] = inserts[j]
	}
	return out, nil
}

// orderDeletes puts rows holding a foreign key before the rows they point
// at, so that no delete leaves a dangling reference.
func (b *builder) orderDeletes(pairs []*Pair, deletes []domain.Operation) []domain.Operation {
	if len(deletes) < 2 {
		return deletes
	}
	index := make(map[string]int, len(deletes))
	byIndex := make([]*Pair, 0, len(deletes))
	for _, p := range pairs {
		if p.IsDelete() {
			index[rowKey(p.Type.Table, p.Persisted.ID)] = len(byIndex)
			byIndex = append(byIndex, p)
		}
	}
	// deps[target] lists the holders that must be deleted first.
	deps := make([][]int, len(deletes))
	for i, p := range byIndex {
		for _, fk := range b.reg.ForeignKeysOf(p.Type.Name) {
			raw, _ := p.Persisted.Field(fk.Field)
			id, ok := raw.(int64)
			if !ok {
				continue
			}
			d, err := b.reg.Describe(fk.Target)
			if err != nil {
				continue
			}
			if j, ok := index[rowKey(d.Table, id)]; ok && j != i {
				deps[j] = append(deps[j], i)
			}
		}
	}
	order, ok := topoOrder(len(deletes), deps)
	if !ok {
		return deletes
	}
	out := make([]domain.Operation, len(order))
	for i, j := range order {
		out[i] = deletes[j]
	}
	return out
}

// topoOrder returns indexes such that every deps[i] entry precedes i. Among
// ready nodes the lowest index goes first.
func topoOrder(n int, deps [][]int) ([]int, bool) {
	pending := make([]int, n)
	dependents := make([][]int, n)
	for i, ds := range deps {
		pending[i] = len(ds)
		for _, d := range ds {
			dependents[d] = append(dependents[d], i)
		}
	}
	done := make([]bool, n)
	order := make([]int, 0, n)
	for len(order) < n {
		next := -1
		for i := 0; i < n; i++ {
			if !done[i] && pending[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			return nil, false
		}
		done[next] = true
		order = append(order, next)
		for _, dep := range dependents[next] {
			pending[dep]--
		}
	}
	return order, true
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func refString(r *domain.Ref) string {
	if r == nil {
		return "null"
	}
	return r.String()
}
