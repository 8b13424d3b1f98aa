package reconcile

import (
	"fmt"

	"graphmerge/pkg/domain"
	"graphmerge/pkg/graph"
	"graphmerge/pkg/schema"
)

// parentEdge is the derived parent of one hierarchy node.
type parentEdge struct {
	child   domain.Ref
	pair    *Pair
	node    *graph.Node
	fk      string
	parent  *domain.Ref
	source  string
	// weak edges come from a node dropped out of a children collection or
	// orphaned by a delete. Any explicit edge overrides them.
	weak bool
}

// hierarchy holds the final parent of every hierarchy node the incoming graph
// touches, keyed by row (or temp) identity.
type hierarchy struct {
	b     *builder
	edges map[string]*parentEdge
	order []string
}

func hierarchyNavs(d schema.Descriptor) (parent, children schema.Navigation, ok bool) {
	var hasParent, hasChildren bool
	for _, nav := range d.Navigations {
		if nav.Kind != schema.SelfHierarchy {
			continue
		}
		if nav.Collection {
			children, hasChildren = nav, true
		} else {
			parent, hasParent = nav, true
		}
	}
	return parent, children, hasParent && hasChildren
}

// deriveHierarchy computes each touched node's parent from three sources:
// the node's own parent reference or foreign key, its membership in another
// node's children collection, and its removal from the children collection
// it used to belong to. Explicit sources that disagree are rejected.
func (b *builder) deriveHierarchy(pairs []*Pair) (*hierarchy, error) {
	h := &hierarchy{b: b, edges: make(map[string]*parentEdge)}
	for _, p := range pairs {
		parentNav, childrenNav, ok := hierarchyNavs(p.Type)
		if !ok {
			continue
		}
		if p.IsDelete() {
			orphans, _ := p.Persisted.Collection(childrenNav.Name)
			for _, o := range orphans {
				if err := h.decide(h.edgeFor(o, parentNav.ForeignKey), nil, true, "delete of "+b.refs[p].String()); err != nil {
					return nil, err
				}
			}
			continue
		}

		if l := singleLink(p, parentNav); l.set {
			var parent *domain.Ref
			if !l.null {
				ref := b.refOf(l, parentNav.Target)
				parent = &ref
			}
			source := "parent reference of " + b.refs[p].String()
			if l.node == nil {
				source = parentNav.ForeignKey + " of " + b.refs[p].String()
			}
			if err := h.decide(h.edgeForPair(p, parentNav.ForeignKey), parent, false, source); err != nil {
				return nil, err
			}
		}

		members, specified := p.Incoming.Collection(childrenNav.Name)
		if !specified {
			continue
		}
		owner := b.refs[p]
		kept := make(map[int64]bool, len(members))
		for _, m := range members {
			child, ok := b.pairOf(m, childrenNav.Target)
			if !ok {
				return nil, reject(p, "%s member %s was not matched", childrenNav.Name, m)
			}
			if !m.IsNew() {
				kept[m.ID] = true
			}
			parent := owner
			if err := h.decide(h.edgeForPair(child, parentNav.ForeignKey), &parent, false, childrenNav.Name+" of "+owner.String()); err != nil {
				return nil, err
			}
		}
		if p.Persisted == nil {
			continue
		}
		current, _ := p.Persisted.Collection(childrenNav.Name)
		for _, c := range current {
			if kept[c.ID] {
				continue
			}
			if err := h.decide(h.edgeFor(c, parentNav.ForeignKey), nil, true, "removal from "+childrenNav.Name+" of "+owner.String()); err != nil {
				return nil, err
			}
		}
	}
	if err := h.checkAcyclic(); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *hierarchy) key(ref domain.Ref) string {
	if ref.IsTemp() {
		return fmt.Sprintf("temp:%d", ref.Temp)
	}
	d, err := h.b.reg.Describe(ref.Type)
	if err != nil {
		return rowKey(ref.Type, ref.ID)
	}
	return rowKey(d.Table, ref.ID)
}

func (h *hierarchy) edgeForPair(p *Pair, fk string) *parentEdge {
	return &parentEdge{child: h.b.refs[p], pair: p, node: p.Persisted, fk: fk}
}

// edgeFor builds an edge for a persisted node that may not have a pair.
func (h *hierarchy) edgeFor(n *graph.Node, fk string) *parentEdge {
	d, err := h.b.reg.Describe(n.Type)
	if err == nil {
		if p, ok := h.b.byKey[rowKey(d.Table, n.ID)]; ok {
			return h.edgeForPair(p, fk)
		}
	}
	return &parentEdge{child: domain.Ref{Type: n.Type, ID: n.ID}, node: n, fk: fk}
}

func (h *hierarchy) decide(e *parentEdge, parent *domain.Ref, weak bool, source string) error {
	e.parent, e.weak, e.source = parent, weak, source
	k := h.key(e.child)
	prev, ok := h.edges[k]
	switch {
	case !ok:
		h.edges[k] = e
		h.order = append(h.order, k)
		return nil
	case weak:
		return nil
	case prev.weak:
		h.edges[k] = e
		return nil
	case sameRef(prev.parent, parent):
		return nil
	}
	return ReconciliationError{
		Type:   e.child.Type,
		ID:     e.child.ID,
		Reason: fmt.Sprintf("asymmetric hierarchy edit: %s sets parent %s but %s sets %s", prev.source, refString(prev.parent), source, refString(parent)),
	}
}

func sameRef(a, b *domain.Ref) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// checkAcyclic follows every derived parent chain, through persisted rows
// where the chain leaves the incoming graph, and rejects any that returns to
// its start.
func (h *hierarchy) checkAcyclic() error {
	for _, k := range h.order {
		start := h.edges[k]
		seen := map[string]bool{k: true}
		cur := start.parent
		fk := start.fk
		for cur != nil {
			ck := h.key(*cur)
			if ck == k {
				return ReconciliationError{Type: start.child.Type, ID: start.child.ID, Reason: "hierarchy edit creates a cycle through " + cur.String()}
			}
			if seen[ck] {
				break
			}
			seen[ck] = true
			if e, ok := h.edges[ck]; ok {
				cur = e.parent
				continue
			}
			if cur.IsTemp() || h.b.scope == nil {
				break
			}
			n, ok := h.b.scope.Find(cur.Type, cur.ID)
			if !ok {
				break
			}
			raw, _ := n.Field(fk)
			id, ok := raw.(int64)
			if !ok {
				break
			}
			cur = &domain.Ref{Type: n.Type, ID: id}
		}
	}
	return nil
}

// parentOf returns the derived parent of an inserted pair.
func (h *hierarchy) parentOf(p *Pair) *domain.Ref {
	e, ok := h.edges[h.key(h.b.refs[p])]
	if !ok {
		return nil
	}
	return e.parent
}

// relinks emits the parent changes for persisted nodes, in derivation order.
func (h *hierarchy) relinks() []domain.Operation {
	var ops []domain.Operation
	for _, k := range h.order {
		e := h.edges[k]
		if e.pair != nil && (e.pair.IsDelete() || e.pair.IsInsert()) {
			continue
		}
		if e.node == nil {
			continue
		}
		raw, _ := e.node.Field(e.fk)
		currentID, linked := raw.(int64)
		if e.parent == nil {
			if !linked {
				continue
			}
			ops = append(ops, domain.Operation{Kind: domain.OpRelink, Target: e.child, Field: e.fk, Version: e.node.Version})
			continue
		}
		if !e.parent.IsTemp() && linked && currentID == e.parent.ID {
			continue
		}
		to := *e.parent
		ops = append(ops, domain.Operation{Kind: domain.OpRelink, Target: e.child, Field: e.fk, Link: &to, Version: e.node.Version})
	}
	return ops
}
