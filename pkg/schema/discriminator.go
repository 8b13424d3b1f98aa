package schema

import (
	"fmt"

	"graphmerge/pkg/graph"
)

// Resolve maps a discriminator value to the concrete type registered under
// baseType's inheritance root.
func (r *Registry) Resolve(baseType, value string) (string, error) {
	d, err := r.Describe(baseType)
	if err != nil {
		return "", err
	}
	concrete, ok := r.discriminators[d.Root][value]
	if !ok || !r.IsA(concrete, baseType) {
		return "", UnknownDiscriminatorError{Base: baseType, Value: value}
	}
	return concrete, nil
}

// DiscriminatorFor returns the value registered for a concrete type.
func (r *Registry) DiscriminatorFor(concreteType string) (string, error) {
	d, err := r.Describe(concreteType)
	if err != nil {
		return "", err
	}
	if !d.Polymorphic() {
		return "", ConfigurationError{Type: concreteType, Reason: "type has no discriminator"}
	}
	if d.Abstract || d.DiscriminatorValue == "" {
		return "", UnknownDiscriminatorError{Base: concreteType}
	}
	return d.DiscriminatorValue, nil
}

// Variants lists the concrete types registered under baseType, sorted by name.
func (r *Registry) Variants(baseType string) []string {
	var out []string
	for _, name := range r.sortedSpecNames() {
		d := r.descriptors[name]
		if !d.Abstract && r.IsA(name, baseType) {
			out = append(out, name)
		}
	}
	return out
}

// CheckNode resolves the concrete descriptor for an incoming node that was
// declared as declaredType. persisted is the stored counterpart, if any.
//
// The node is never retyped: a discriminator naming a type outside the
// declared type, a discriminator differing from the persisted row, or a
// persisted row of a different concrete type all fail with TypeMismatchError.
func (r *Registry) CheckNode(declaredType string, incoming, persisted *graph.Node) (Descriptor, error) {
	d, err := r.Describe(declaredType)
	if err != nil {
		return Descriptor{}, err
	}
	if !d.Polymorphic() {
		if persisted != nil && persisted.Type != declaredType {
			return Descriptor{}, TypeMismatchError{Declared: declaredType, Actual: persisted.Type, ID: persisted.ID, Reason: "persisted row is"}
		}
		return d, nil
	}

	var concrete string
	if raw, ok := incoming.Field(d.Discriminator); ok && raw != nil {
		value, isString := raw.(string)
		if !isString {
			return Descriptor{}, UnknownDiscriminatorError{Base: declaredType, Value: fmt.Sprint(raw)}
		}
		resolved, ok := r.discriminators[d.Root][value]
		if !ok {
			return Descriptor{}, UnknownDiscriminatorError{Base: declaredType, Value: value}
		}
		if !r.IsA(resolved, declaredType) {
			return Descriptor{}, TypeMismatchError{Declared: declaredType, Actual: resolved, ID: incoming.ID, Reason: "discriminator names"}
		}
		concrete = resolved
	}

	if persisted != nil {
		if concrete != "" && concrete != persisted.Type {
			return Descriptor{}, TypeMismatchError{Declared: concrete, Actual: persisted.Type, ID: persisted.ID, Reason: "persisted row is"}
		}
		if !r.IsA(persisted.Type, declaredType) {
			return Descriptor{}, TypeMismatchError{Declared: declaredType, Actual: persisted.Type, ID: persisted.ID, Reason: "persisted row is"}
		}
		concrete = persisted.Type
	}

	if concrete == "" {
		if d.Abstract {
			return Descriptor{}, UnknownDiscriminatorError{Base: declaredType}
		}
		concrete = declaredType
	}
	return r.Describe(concrete)
}
