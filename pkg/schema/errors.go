package schema

import "fmt"

// ConfigurationError reports an invalid schema registration. It is fatal at
// startup.
type ConfigurationError struct {
	Type   string
	Reason string
}

func (e ConfigurationError) Error() string {
	if e.Type == "" {
		return "schema configuration: " + e.Reason
	}
	return fmt.Sprintf("schema configuration: type %s: %s", e.Type, e.Reason)
}

// UnknownDiscriminatorError is returned when a discriminator value has no
// registered concrete type under the base type.
type UnknownDiscriminatorError struct {
	Base  string
	Value string
}

func (e UnknownDiscriminatorError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("missing discriminator value for %s", e.Base)
	}
	return fmt.Sprintf("unknown discriminator %q for %s", e.Value, e.Base)
}

// TypeMismatchError is returned when a node's declared type disagrees with the
// concrete type implied by its discriminator or by the persisted row.
type TypeMismatchError struct {
	Declared string
	Actual   string
	ID       int64
	Reason   string
}

func (e TypeMismatchError) Error() string {
	if e.ID != 0 {
		return fmt.Sprintf("type mismatch for %s#%d: declared %s, %s %s", e.Declared, e.ID, e.Declared, e.Reason, e.Actual)
	}
	return fmt.Sprintf("type mismatch: declared %s, %s %s", e.Declared, e.Reason, e.Actual)
}

// DecodeError reports input that cannot be turned into a graph node.
type DecodeError struct {
	Path   string
	Reason string
}

func (e DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %s", e.Path, e.Reason)
}
