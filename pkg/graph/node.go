// Package graph defines the presence-aware node used to carry detached and
// persisted object graphs through reconciliation.
//
// A Node records which fields and navigations were specified. A key that was
// never set is "not specified". A key set to nil, or a collection set to zero
// members, is "specified as null/empty". Reconciliation depends on that
// distinction, not on the values themselves.
package graph

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Node is one entity in an object graph.
type Node struct {
	// Type is the declared type name. For polymorphic entities it may name
	// an abstract base; the discriminator field selects the concrete type.
	Type string
	// ID is the identity key. Zero means the node has not been persisted.
	ID int64
	// Version is the persisted row revision. It is only set on nodes loaded
	// from storage.
	Version int64
	// Referrers counts persisted rows whose foreign keys point at this node.
	// It is only set on nodes loaded from storage.
	Referrers int

	fields map[string]any
	refs   map[string]*Node
	colls  map[string][]*Node
}

// New returns an empty node of the given type and identity.
func New(typeName string, id int64) *Node {
	return &Node{Type: typeName, ID: id}
}

// IsNew reports whether the node has no identity yet.
func (n *Node) IsNew() bool { return n.ID == 0 }

func (n *Node) String() string {
	if n == nil {
		return "<nil>"
	}
	if n.ID == 0 {
		return n.Type + "#new"
	}
	return fmt.Sprintf("%s#%d", n.Type, n.ID)
}

// Set marks a scalar field as specified with the given value.
func (n *Node) Set(name string, value any) *Node {
	if n.fields == nil {
		n.fields = make(map[string]any)
	}
	n.fields[name] = value
	return n
}

// Unset removes a scalar field so that it is no longer specified.
func (n *Node) Unset(name string) {
	delete(n.fields, name)
}

// Field returns a scalar value and whether it was specified.
func (n *Node) Field(name string) (any, bool) {
	v, ok := n.fields[name]
	return v, ok
}

// Fields returns the specified scalar field names in sorted order.
func (n *Node) Fields() []string {
	return sortedKeys(n.fields)
}

// SetRef marks a single navigation as specified. A nil target means the
// navigation was specified as null.
func (n *Node) SetRef(name string, target *Node) *Node {
	if n.refs == nil {
		n.refs = make(map[string]*Node)
	}
	n.refs[name] = target
	return n
}

// Ref returns a single navigation target and whether it was specified.
func (n *Node) Ref(name string) (*Node, bool) {
	target, ok := n.refs[name]
	return target, ok
}

// Refs returns the specified single navigation names in sorted order.
func (n *Node) Refs() []string {
	return sortedKeys(n.refs)
}

// SetCollection marks a collection navigation as specified with exactly the
// given members. Calling it without members specifies an empty collection.
func (n *Node) SetCollection(name string, members ...*Node) *Node {
	if n.colls == nil {
		n.colls = make(map[string][]*Node)
	}
	n.colls[name] = append(make([]*Node, 0, len(members)), members...)
	return n
}

// Add appends a member to a collection, specifying the collection if needed.
func (n *Node) Add(name string, member *Node) *Node {
	if n.colls == nil {
		n.colls = make(map[string][]*Node)
	}
	n.colls[name] = append(n.colls[name], member)
	return n
}

// Collection returns the members of a collection and whether it was specified.
func (n *Node) Collection(name string) ([]*Node, bool) {
	members, ok := n.colls[name]
	return members, ok
}

// Collections returns the specified collection names in sorted order.
func (n *Node) Collections() []string {
	return sortedKeys(n.colls)
}

// Specified reports whether name was specified as a field, reference or
// collection.
func (n *Node) Specified(name string) bool {
	if _, ok := n.fields[name]; ok {
		return true
	}
	if _, ok := n.refs[name]; ok {
		return true
	}
	_, ok := n.colls[name]
	return ok
}

// Clone returns a deep copy of the node graph. Shared nodes stay shared in
// the copy and cycles are preserved.
func (n *Node) Clone() *Node {
	return n.clone(make(map[*Node]*Node))
}

func (n *Node) clone(seen map[*Node]*Node) *Node {
	if n == nil {
		return nil
	}
	if cp, ok := seen[n]; ok {
		return cp
	}
	cp := &Node{Type: n.Type, ID: n.ID, Version: n.Version, Referrers: n.Referrers}
	seen[n] = cp
	if n.fields != nil {
		cp.fields = make(map[string]any, len(n.fields))
		for k, v := range n.fields {
			cp.fields[k] = v
		}
	}
	if n.refs != nil {
		cp.refs = make(map[string]*Node, len(n.refs))
		for k, v := range n.refs {
			cp.refs[k] = v.clone(seen)
		}
	}
	if n.colls != nil {
		cp.colls = make(map[string][]*Node, len(n.colls))
		for k, members := range n.colls {
			out := make([]*Node, len(members))
			for i, m := range members {
				out[i] = m.clone(seen)
			}
			cp.colls[k] = out
		}
	}
	return cp
}

// MarshalJSON renders the node as a flat object of its specified members.
// The identity is written under "id" when non-zero.
func (n *Node) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(n.fields)+len(n.refs)+len(n.colls)+1)
	for k, v := range n.fields {
		out[k] = v
	}
	for k, v := range n.refs {
		out[k] = v
	}
	for k, v := range n.colls {
		out[k] = v
	}
	if n.ID != 0 {
		out["id"] = n.ID
	}
	return json.Marshal(out)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
