package schema

import (
	"fmt"
	"sort"
)

// Registry holds validated type descriptors. It is safe for concurrent reads.
type Registry struct {
	specs       map[string]TypeSpec
	descriptors map[string]Descriptor
	// discriminators maps root type -> discriminator value -> concrete type.
	discriminators map[string]map[string]string
	foreignKeys    []ForeignKey
}

// NewRegistry validates the specs and builds a registry. Any problem is
// reported as a ConfigurationError.
func NewRegistry(specs ...TypeSpec) (*Registry, error) {
	r := &Registry{
		specs:          make(map[string]TypeSpec, len(specs)),
		descriptors:    make(map[string]Descriptor, len(specs)),
		discriminators: make(map[string]map[string]string),
	}
	for _, spec := range specs {
		if spec.Name == "" {
			return nil, ConfigurationError{Reason: "type name is required"}
		}
		if _, dup := r.specs[spec.Name]; dup {
			return nil, ConfigurationError{Type: spec.Name, Reason: "registered twice"}
		}
		r.specs[spec.Name] = spec
	}
	for _, name := range r.sortedSpecNames() {
		d, err := r.flatten(name)
		if err != nil {
			return nil, err
		}
		r.descriptors[name] = d
	}
	for _, name := range r.sortedSpecNames() {
		if err := r.validateNavigations(r.descriptors[name]); err != nil {
			return nil, err
		}
	}
	if err := r.indexDiscriminators(); err != nil {
		return nil, err
	}
	r.collectForeignKeys()
	return r, nil
}

// MustRegistry is NewRegistry for package-level schema declarations.
func MustRegistry(specs ...TypeSpec) *Registry {
	r, err := NewRegistry(specs...)
	if err != nil {
		panic(err)
	}
	return r
}

// Describe returns the flattened descriptor of a registered type.
func (r *Registry) Describe(typeName string) (Descriptor, error) {
	d, ok := r.descriptors[typeName]
	if !ok {
		return Descriptor{}, ConfigurationError{Type: typeName, Reason: "type not registered"}
	}
	return d, nil
}

// Types returns all registered type names in sorted order.
func (r *Registry) Types() []string {
	return r.sortedSpecNames()
}

// Tables returns the distinct table names in sorted order.
func (r *Registry) Tables() []string {
	seen := make(map[string]struct{})
	for _, d := range r.descriptors {
		seen[d.Table] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// IsA reports whether typeName is ancestor or inherits from it.
func (r *Registry) IsA(typeName, ancestor string) bool {
	for name := typeName; name != ""; name = r.specs[name].Base {
		if name == ancestor {
			return true
		}
	}
	return false
}

// ForeignKeys returns every foreign-key column implied by the registered
// navigations, deduplicated per holder table and field.
func (r *Registry) ForeignKeys() []ForeignKey {
	return append([]ForeignKey(nil), r.foreignKeys...)
}

// ForeignKeysOf returns the foreign keys whose column is stored on rows of
// typeName, including those inherited from base types.
func (r *Registry) ForeignKeysOf(typeName string) []ForeignKey {
	var out []ForeignKey
	for _, fk := range r.foreignKeys {
		if r.IsA(typeName, fk.Holder) {
			out = append(out, fk)
		}
	}
	return out
}

func (r *Registry) sortedSpecNames() []string {
	names := make([]string, 0, len(r.specs))
	for name := range r.specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// chain returns the inheritance chain from the root down to typeName.
func (r *Registry) chain(typeName string) ([]TypeSpec, error) {
	var chain []TypeSpec
	seen := make(map[string]bool)
	for name := typeName; name != ""; {
		if seen[name] {
			return nil, ConfigurationError{Type: typeName, Reason: "inheritance cycle through " + name}
		}
		seen[name] = true
		spec, ok := r.specs[name]
		if !ok {
			return nil, ConfigurationError{Type: typeName, Reason: "unknown base type " + name}
		}
		chain = append([]TypeSpec{spec}, chain...)
		name = spec.Base
	}
	return chain, nil
}

func (r *Registry) flatten(typeName string) (Descriptor, error) {
	chain, err := r.chain(typeName)
	if err != nil {
		return Descriptor{}, err
	}
	root := chain[0]
	self := chain[len(chain)-1]
	d := Descriptor{
		Name:               typeName,
		Root:               root.Name,
		Table:              root.Table,
		Abstract:           self.Abstract,
		Discriminator:      root.Discriminator,
		DiscriminatorValue: self.DiscriminatorValue,
		fieldIndex:         make(map[string]int),
		navIndex:           make(map[string]int),
	}
	if d.Table == "" {
		d.Table = root.Name
	}
	for _, spec := range chain {
		if spec.Identity != "" {
			if d.IdentityField != "" && d.IdentityField != spec.Identity {
				return Descriptor{}, ConfigurationError{Type: typeName, Reason: "identity redeclared as " + spec.Identity}
			}
			d.IdentityField = spec.Identity
		}
		if spec.Table != "" && spec.Table != d.Table {
			return Descriptor{}, ConfigurationError{Type: typeName, Reason: "subtypes must share the table of " + root.Name}
		}
		if spec.Name != root.Name && spec.Discriminator != "" {
			return Descriptor{}, ConfigurationError{Type: typeName, Reason: "discriminator must be declared on the root type " + root.Name}
		}
		for _, f := range spec.Fields {
			if !f.Type.Valid() {
				return Descriptor{}, ConfigurationError{Type: typeName, Reason: fmt.Sprintf("field %s has unsupported type %q", f.Name, f.Type)}
			}
			if err := d.claim(f.Name); err != nil {
				return Descriptor{}, err
			}
			d.fieldIndex[f.Name] = len(d.Fields)
			d.Fields = append(d.Fields, f)
		}
		for _, n := range spec.Navigations {
			if err := d.claim(n.Name); err != nil {
				return Descriptor{}, err
			}
			d.navIndex[n.Name] = len(d.Navigations)
			d.Navigations = append(d.Navigations, n)
		}
	}
	if d.IdentityField == "" {
		return Descriptor{}, ConfigurationError{Type: typeName, Reason: "no identity field"}
	}
	if _, clash := d.fieldIndex[d.IdentityField]; clash {
		return Descriptor{}, ConfigurationError{Type: typeName, Reason: "identity " + d.IdentityField + " must not be declared as a field"}
	}
	return d, nil
}

func (d *Descriptor) claim(name string) error {
	if name == "" {
		return ConfigurationError{Type: d.Name, Reason: "member name is required"}
	}
	_, isField := d.fieldIndex[name]
	_, isNav := d.navIndex[name]
	if isField || isNav {
		return ConfigurationError{Type: d.Name, Reason: "member " + name + " declared twice"}
	}
	return nil
}

func (r *Registry) validateNavigations(d Descriptor) error {
	fail := func(n Navigation, reason string) error {
		return ConfigurationError{Type: d.Name, Reason: fmt.Sprintf("navigation %s: %s", n.Name, reason)}
	}
	for _, n := range d.Navigations {
		target, ok := r.descriptors[n.Target]
		if !ok {
			return fail(n, "unknown target type "+n.Target)
		}
		if n.ForeignKey == "" {
			return fail(n, "foreign key is required")
		}
		holder := d
		if n.Collection {
			holder = target
		}
		fk, ok := holder.Field(n.ForeignKey)
		if !ok {
			return fail(n, fmt.Sprintf("foreign key %s is not a field of %s", n.ForeignKey, holder.Name))
		}
		if fk.Type != TypeInt {
			return fail(n, "foreign key "+n.ForeignKey+" must be an int field")
		}
		switch n.Kind {
		case Aggregation:
			if n.Collection {
				return fail(n, "aggregation collections are not supported")
			}
		case Composition:
		case SelfHierarchy:
			if err := r.validateHierarchy(d, n); err != nil {
				return err
			}
		default:
			return fail(n, "kind is required")
		}
	}
	return nil
}

func (r *Registry) validateHierarchy(d Descriptor, n Navigation) error {
	fail := func(reason string) error {
		return ConfigurationError{Type: d.Name, Reason: fmt.Sprintf("hierarchy %s: %s", n.Name, reason)}
	}
	declaring := r.declaringType(d.Name, n.Name)
	if n.Target != declaring {
		return fail(fmt.Sprintf("target %s must equal declaring type %s", n.Target, declaring))
	}
	inverse, ok := d.Navigation(n.Inverse)
	if !ok || inverse.Kind != SelfHierarchy {
		return fail("inverse " + n.Inverse + " must be a hierarchy navigation on the same type")
	}
	if inverse.Inverse != n.Name {
		return fail("inverse " + n.Inverse + " does not point back")
	}
	if inverse.Collection == n.Collection {
		return fail("one side must be the parent reference and the other the children collection")
	}
	if inverse.ForeignKey != n.ForeignKey || inverse.Target != n.Target {
		return fail("parent and children must share target and foreign key")
	}
	if n.Required {
		return fail("hierarchy links cannot be required")
	}
	return nil
}

// declaringType finds the type in the chain of typeName that declares nav.
func (r *Registry) declaringType(typeName, nav string) string {
	for name := typeName; name != ""; name = r.specs[name].Base {
		for _, n := range r.specs[name].Navigations {
			if n.Name == nav {
				return name
			}
		}
	}
	return typeName
}

func (r *Registry) indexDiscriminators() error {
	hasSubtypes := make(map[string]bool)
	for _, spec := range r.specs {
		if spec.Base != "" {
			hasSubtypes[r.descriptors[spec.Name].Root] = true
		}
	}
	for _, name := range r.sortedSpecNames() {
		d := r.descriptors[name]
		root := r.descriptors[d.Root]
		if !root.Polymorphic() {
			if hasSubtypes[d.Root] {
				return ConfigurationError{Type: d.Root, Reason: "base type with subtypes must declare a discriminator"}
			}
			if d.DiscriminatorValue != "" {
				return ConfigurationError{Type: name, Reason: "discriminator value without a discriminator on " + d.Root}
			}
			continue
		}
		if name == d.Root {
			f, ok := d.Field(d.Discriminator)
			if !ok || f.Type != TypeString {
				return ConfigurationError{Type: name, Reason: "discriminator " + d.Discriminator + " must be a string field"}
			}
		}
		if d.Abstract {
			if d.DiscriminatorValue != "" {
				return ConfigurationError{Type: name, Reason: "abstract types cannot register a discriminator value"}
			}
			continue
		}
		if d.DiscriminatorValue == "" {
			return ConfigurationError{Type: name, Reason: "concrete subtype must register a discriminator value"}
		}
		values := r.discriminators[d.Root]
		if values == nil {
			values = make(map[string]string)
			r.discriminators[d.Root] = values
		}
		if other, dup := values[d.DiscriminatorValue]; dup {
			return ConfigurationError{Type: name, Reason: fmt.Sprintf("discriminator value %q already registered by %s", d.DiscriminatorValue, other)}
		}
		values[d.DiscriminatorValue] = name
	}
	return nil
}

func (r *Registry) collectForeignKeys() {
	seen := make(map[string]bool)
	for _, name := range r.sortedSpecNames() {
		spec := r.specs[name]
		for _, n := range spec.Navigations {
			fk := ForeignKey{Holder: name, Field: n.ForeignKey, Target: n.Target, Required: n.Required, Navigation: n}
			if n.Collection {
				fk = ForeignKey{Holder: n.Target, Field: n.ForeignKey, Target: name, Navigation: n, Derived: n.Kind == Composition}
				fk.Required = n.Kind == Composition
			}
			key := r.descriptors[fk.Holder].Table + "." + fk.Field
			if seen[key] {
				continue
			}
			seen[key] = true
			r.foreignKeys = append(r.foreignKeys, fk)
		}
	}
}
