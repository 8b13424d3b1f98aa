package reconcile

import (
	"fmt"

	"graphmerge/pkg/graph"
	"graphmerge/pkg/schema"
)

// Source is the persisted state visible to a single reconciliation, usually
// the caller's transaction or read view. Find returns the concrete persisted
// node for a row of typeName or one of its subtypes.
type Source interface {
	Find(typeName string, id int64) (*graph.Node, bool)
}

// Pair links one incoming node to at most one persisted node. A pair without
// an incoming node is a persisted row reached through a composition that the
// incoming graph no longer contains.
type Pair struct {
	Path      string
	Type      schema.Descriptor
	Incoming  *graph.Node
	Persisted *graph.Node
	Owner     *Pair
	Via       *schema.Navigation
	// Values holds the incoming scalars, normalized to their field types.
	Values map[string]any
}

// IsInsert reports whether the pair describes a new row.
func (p *Pair) IsInsert() bool { return p.Incoming != nil && p.Persisted == nil }

// IsDelete reports whether the pair describes a removed composition member.
func (p *Pair) IsDelete() bool { return p.Incoming == nil }

func (p *Pair) node() *graph.Node {
	if p.Persisted != nil {
		return p.Persisted
	}
	return p.Incoming
}

type walker struct {
	reg     *schema.Registry
	scope   Source
	pairs   []*Pair
	byKey   map[string]*Pair
	byNode  map[*graph.Node]*Pair
	deletes []*Pair
	// released counts, per persisted row, the references to it that this
	// walk drops.
	released map[string]int
}

// Walk traverses the incoming graph depth first alongside the persisted state
// read from scope and returns the matched pairs in visiting order.
//
// Fields and navigations absent from the incoming nodes are not visited.
// Aggregation targets are never visited. Each persisted identity is entered at
// most once, which bounds the walk on self-referencing hierarchies.
func Walk(reg *schema.Registry, scope Source, declaredType string, incoming *graph.Node) ([]*Pair, error) {
	d, err := reg.Describe(declaredType)
	if err != nil {
		return nil, err
	}
	if incoming == nil {
		return nil, ReconciliationError{Type: declaredType, Reason: "incoming graph is nil"}
	}
	w := &walker{
		reg:      reg,
		scope:    scope,
		byKey:    make(map[string]*Pair),
		byNode:   make(map[*graph.Node]*Pair),
		released: make(map[string]int),
	}
	var persisted *graph.Node
	if !incoming.IsNew() {
		found, ok := w.find(d, incoming.ID)
		if !ok {
			return nil, ReconciliationError{Type: d.Name, ID: incoming.ID, Path: declaredType, Reason: "no persisted row with this identity"}
		}
		persisted = found
	}
	if _, err := w.enter(declaredType, incoming, persisted, nil, nil, declaredType); err != nil {
		return nil, err
	}
	if err := w.flushDeletes(); err != nil {
		return nil, err
	}
	return w.pairs, nil
}

// find looks id up under d and falls back to the root of its hierarchy, so a
// row of a sibling type reaches CheckNode and fails there with a type mismatch
// instead of looking absent.
func (w *walker) find(d schema.Descriptor, id int64) (*graph.Node, bool) {
	if n, ok := w.scope.Find(d.Name, id); ok {
		return n, true
	}
	if d.Root == "" || d.Root == d.Name {
		return nil, false
	}
	return w.scope.Find(d.Root, id)
}

func rowKey(table string, id int64) string {
	return fmt.Sprintf("%s:%d", table, id)
}

func (w *walker) seen(declaredType string, n *graph.Node) (*Pair, bool) {
	if p, ok := w.byNode[n]; ok {
		return p, true
	}
	if n.IsNew() {
		return nil, false
	}
	d, err := w.reg.Describe(declaredType)
	if err != nil {
		return nil, false
	}
	p, ok := w.byKey[rowKey(d.Table, n.ID)]
	if ok {
		w.byNode[n] = p
	}
	return p, ok
}

func (w *walker) register(p *Pair) {
	w.pairs = append(w.pairs, p)
	if p.Incoming != nil {
		w.byNode[p.Incoming] = p
	}
	if p.Persisted != nil {
		w.byKey[rowKey(p.Type.Table, p.Persisted.ID)] = p
	}
}

func (w *walker) enter(declaredType string, incoming, persisted *graph.Node, owner *Pair, via *schema.Navigation, path string) (*Pair, error) {
	if p, ok := w.seen(declaredType, incoming); ok {
		return p, nil
	}
	d, err := w.reg.CheckNode(declaredType, incoming, persisted)
	if err != nil {
		return nil, err
	}
	p := &Pair{Path: path, Type: d, Incoming: incoming, Persisted: persisted, Owner: owner, Via: via}
	w.register(p)
	if err := w.visit(p); err != nil {
		return nil, err
	}
	return p, nil
}

func (w *walker) visit(p *Pair) error {
	in := p.Incoming
	p.Values = make(map[string]any)
	for _, name := range in.Fields() {
		if name == p.Type.Discriminator {
			continue
		}
		f, ok := p.Type.Field(name)
		if !ok {
			if _, isNav := p.Type.Navigation(name); isNav {
				return reject(p, "%s is a navigation, not a scalar field", name)
			}
			return reject(p, "unknown field %s", name)
		}
		if p.Via != nil && p.Via.Kind == schema.Composition && p.Via.Collection && p.Via.ForeignKey == name {
			return reject(p, "back-reference %s is derived from the owning %s and must not be supplied", name, p.Owner.Type.Name)
		}
		raw, _ := in.Field(name)
		value, err := f.Normalize(raw)
		if err != nil {
			return reject(p, "%v", err)
		}
		p.Values[name] = value
	}

	for _, name := range in.Refs() {
		nav, ok := p.Type.Navigation(name)
		if !ok {
			return reject(p, "unknown navigation %s", name)
		}
		if nav.Collection {
			return reject(p, "navigation %s is a collection", name)
		}
		target, _ := in.Ref(name)
		if err := w.visitRef(p, nav, target); err != nil {
			return err
		}
	}
	for _, nav := range p.Type.Navigations {
		if nav.Kind != schema.Composition || nav.Collection {
			continue
		}
		if _, refSet := in.Ref(nav.Name); refSet {
			continue
		}
		if _, fkSet := p.Values[nav.ForeignKey]; fkSet {
			w.releaseOwned(p, nav)
		}
	}

	for _, name := range in.Collections() {
		nav, ok := p.Type.Navigation(name)
		if !ok {
			return reject(p, "unknown navigation %s", name)
		}
		if !nav.Collection {
			return reject(p, "navigation %s is a single reference", name)
		}
		members, _ := in.Collection(name)
		var err error
		switch nav.Kind {
		case schema.Composition:
			err = w.visitComposition(p, nav, members)
		case schema.SelfHierarchy:
			err = w.visitChildren(p, nav, members)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (w *walker) visitRef(p *Pair, nav schema.Navigation, target *graph.Node) error {
	path := p.Path + "." + nav.Name
	switch nav.Kind {
	case schema.SelfHierarchy:
		if target == nil {
			return nil
		}
		_, err := w.visitRelated(p, nav, target, path)
		return err
	case schema.Composition:
		var old *graph.Node
		if p.Persisted != nil {
			old, _ = p.Persisted.Ref(nav.Name)
		}
		if target != nil {
			if old != nil && target.ID == old.ID {
				_, err := w.enter(nav.Target, target, old, p, &nav, path)
				return err
			}
			if _, err := w.visitRelated(p, nav, target, path); err != nil {
				return err
			}
		}
		w.releaseOwned(p, nav)
	}
	return nil
}

// releaseOwned queues the previous target of a single composition for
// deletion when the owner links elsewhere. flushDeletes keeps it while other
// references to it survive the walk.
func (w *walker) releaseOwned(p *Pair, nav schema.Navigation) {
	if p.Persisted == nil {
		return
	}
	old, _ := p.Persisted.Ref(nav.Name)
	if old == nil {
		return
	}
	link := singleLink(p, nav)
	if link.set && (link.null || link.id != old.ID) {
		w.release(&Pair{Path: p.Path + "." + nav.Name, Persisted: old, Owner: p, Via: &nav})
	}
}

func (w *walker) release(c *Pair) {
	w.released[releaseKey(c.Persisted)]++
	w.deletes = append(w.deletes, c)
}

func releaseKey(n *graph.Node) string {
	return fmt.Sprintf("%s#%d", n.Type, n.ID)
}

// visitRelated enters a node reached through a single composition or a
// hierarchy edge. Non-zero identities must exist in scope.
func (w *walker) visitRelated(p *Pair, nav schema.Navigation, target *graph.Node, path string) (*Pair, error) {
	if seen, ok := w.seen(nav.Target, target); ok {
		return seen, nil
	}
	var persisted *graph.Node
	if !target.IsNew() {
		td, err := w.reg.Describe(nav.Target)
		if err != nil {
			return nil, err
		}
		found, ok := w.find(td, target.ID)
		if !ok {
			return nil, reject(p, "%s references %s#%d which does not exist", nav.Name, nav.Target, target.ID)
		}
		persisted = found
	}
	return w.enter(nav.Target, target, persisted, p, &nav, path)
}

func (w *walker) visitComposition(p *Pair, nav schema.Navigation, members []*graph.Node) error {
	current := make(map[int64]*graph.Node)
	var order []*graph.Node
	if p.Persisted != nil {
		existing, _ := p.Persisted.Collection(nav.Name)
		for _, m := range existing {
			current[m.ID] = m
			order = append(order, m)
		}
	}
	kept := make(map[int64]bool, len(members))
	for i, m := range members {
		path := fmt.Sprintf("%s.%s[%d]", p.Path, nav.Name, i)
		if m == nil {
			return reject(p, "%s[%d] is null", nav.Name, i)
		}
		var persisted *graph.Node
		if !m.IsNew() {
			pm, ok := current[m.ID]
			if !ok {
				return reject(p, "%s member %s#%d is not a persisted member of this collection", nav.Name, nav.Target, m.ID)
			}
			if kept[m.ID] {
				return reject(p, "%s member %s#%d appears more than once", nav.Name, nav.Target, m.ID)
			}
			persisted = pm
			kept[m.ID] = true
		}
		if _, err := w.enter(nav.Target, m, persisted, p, &nav, path); err != nil {
			return err
		}
	}
	for _, pm := range order {
		if !kept[pm.ID] {
			w.deletes = append(w.deletes, &Pair{Path: p.Path + "." + nav.Name, Persisted: pm, Owner: p, Via: &nav})
		}
	}
	return nil
}

func (w *walker) visitChildren(p *Pair, nav schema.Navigation, members []*graph.Node) error {
	for i, m := range members {
		if m == nil {
			return reject(p, "%s[%d] is null", nav.Name, i)
		}
		if _, err := w.visitRelated(p, nav, m, fmt.Sprintf("%s.%s[%d]", p.Path, nav.Name, i)); err != nil {
			return err
		}
	}
	return nil
}

// flushDeletes registers the delete candidates that no incoming node claimed
// and cascades through their own compositions. A released single composition
// target is kept while it has more referrers than the walk released.
func (w *walker) flushDeletes() error {
	for len(w.deletes) > 0 {
		c := w.deletes[0]
		w.deletes = w.deletes[1:]
		d, err := w.reg.Describe(c.Persisted.Type)
		if err != nil {
			return err
		}
		if _, claimed := w.byKey[rowKey(d.Table, c.Persisted.ID)]; claimed {
			continue
		}
		if !c.Via.Collection && c.Persisted.Referrers > w.released[releaseKey(c.Persisted)] {
			continue
		}
		c.Type = d
		w.register(c)
		for _, nav := range d.Navigations {
			if nav.Kind != schema.Composition {
				continue
			}
			path := c.Path + "." + nav.Name
			if nav.Collection {
				members, _ := c.Persisted.Collection(nav.Name)
				for _, m := range members {
					w.deletes = append(w.deletes, &Pair{Path: path, Persisted: m, Owner: c, Via: &nav})
				}
				continue
			}
			if t, _ := c.Persisted.Ref(nav.Name); t != nil {
				w.release(&Pair{Path: path, Persisted: t, Owner: c, Via: &nav})
			}
		}
	}
	return nil
}
