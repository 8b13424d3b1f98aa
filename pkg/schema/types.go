// Package schema declares entity types, their identity, scalar fields and
// navigation kinds, and resolves discriminated subtypes.
//
// A Registry is built once at process start from TypeSpecs, either in Go or
// from an HCL file, and is read-only afterwards.
package schema

import (
	"fmt"
	"strings"
)

// NavigationKind fixes how a navigation property participates in
// reconciliation.
type NavigationKind int

const (
	// Aggregation references an independently owned entity. Only the foreign
	// key may change; nothing is cascaded through it.
	Aggregation NavigationKind = iota + 1
	// Composition owns its target. Collections are replaced as sent.
	Composition
	// SelfHierarchy is one half of a parent/children pair on the same type.
	SelfHierarchy
)

func (k NavigationKind) String() string {
	switch k {
	case Aggregation:
		return "aggregation"
	case Composition:
		return "composition"
	case SelfHierarchy:
		return "hierarchy"
	default:
		return fmt.Sprintf("NavigationKind(%d)", int(k))
	}
}

// ParseNavigationKind maps the textual kind used in schema files.
func ParseNavigationKind(s string) (NavigationKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "aggregation":
		return Aggregation, nil
	case "composition":
		return Composition, nil
	case "hierarchy", "self_hierarchy":
		return SelfHierarchy, nil
	default:
		return 0, fmt.Errorf("unknown navigation kind %q", s)
	}
}

// Field declares a scalar field.
type Field struct {
	Name     string
	Type     FieldType
	Nullable bool
}

// Navigation declares a navigation property.
//
// ForeignKey names the scalar that stores the link. For single references it
// lives on the declaring type; for collections it lives on the target type and
// points back at the owner.
type Navigation struct {
	Name       string
	Kind       NavigationKind
	Target     string
	ForeignKey string
	Collection bool
	Required   bool
	// Inverse names the opposite side of a SelfHierarchy pair.
	Inverse string
}

// TypeSpec is the registration input for one entity type.
type TypeSpec struct {
	Name     string
	Base     string
	Table    string
	Abstract bool
	Identity string
	// Discriminator names the field that selects the concrete subtype. It is
	// declared on the root of an inheritance chain.
	Discriminator      string
	DiscriminatorValue string
	Fields             []Field
	Navigations        []Navigation
}

// Descriptor is the resolved view of a type with inherited members flattened.
type Descriptor struct {
	Name               string
	Root               string
	Table              string
	Abstract           bool
	IdentityField      string
	Discriminator      string
	DiscriminatorValue string
	Fields             []Field
	Navigations        []Navigation

	fieldIndex map[string]int
	navIndex   map[string]int
}

// ScalarFields returns the scalar field names in declaration order.
func (d Descriptor) ScalarFields() []string {
	names := make([]string, len(d.Fields))
	for i, f := range d.Fields {
		names[i] = f.Name
	}
	return names
}

// Field looks up a scalar field.
func (d Descriptor) Field(name string) (Field, bool) {
	i, ok := d.fieldIndex[name]
	if !ok {
		return Field{}, false
	}
	return d.Fields[i], true
}

// Navigation looks up a navigation property.
func (d Descriptor) Navigation(name string) (Navigation, bool) {
	i, ok := d.navIndex[name]
	if !ok {
		return Navigation{}, false
	}
	return d.Navigations[i], true
}

// Polymorphic reports whether rows of this type carry a discriminator.
func (d Descriptor) Polymorphic() bool { return d.Discriminator != "" }

// ForeignKey describes one foreign-key column implied by a navigation.
type ForeignKey struct {
	// Holder is the type whose rows store the column.
	Holder string
	Field  string
	// Target is the type the column points at.
	Target     string
	Required   bool
	Navigation Navigation
	// Derived marks the back-reference of a composition collection. Callers
	// never supply it; the planner sets it from the owner.
	Derived bool
}
