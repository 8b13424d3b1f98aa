package schema

import (
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/gocty"
)

// FieldType is the declared type of a scalar field.
type FieldType string

// Supported scalar field types.
const (
	TypeString    FieldType = "string"
	TypeInt       FieldType = "int"
	TypeNumber    FieldType = "number"
	TypeBool      FieldType = "bool"
	TypeTimestamp FieldType = "timestamp"
)

var errNotInteger = errors.New("value is not an integer")

// Valid reports whether t is a known field type.
func (t FieldType) Valid() bool {
	switch t {
	case TypeString, TypeInt, TypeNumber, TypeBool, TypeTimestamp:
		return true
	}
	return false
}

// CtyType returns the cty type values of t are converted through.
func (t FieldType) CtyType() cty.Type {
	switch t {
	case TypeInt, TypeNumber:
		return cty.Number
	case TypeBool:
		return cty.Bool
	default:
		return cty.String
	}
}

// Normalize converts an incoming value to the canonical Go representation of
// the field: string, int64, float64 or bool. Timestamps become RFC 3339 UTC
// strings. A nil value is accepted only for nullable fields.
func (f Field) Normalize(value any) (any, error) {
	value = deref(value)
	if value == nil {
		if f.Nullable {
			return nil, nil
		}
		return nil, fmt.Errorf("field %s is not nullable", f.Name)
	}
	if ts, ok := value.(time.Time); ok {
		if f.Type != TypeTimestamp {
			return nil, fmt.Errorf("field %s: timestamp given for %s field", f.Name, f.Type)
		}
		return ts.UTC().Format(time.RFC3339), nil
	}

	impliedType, err := gocty.ImpliedType(value)
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", f.Name, err)
	}
	raw, err := gocty.ToCtyValue(value, impliedType)
	if err != nil {
		return nil, fmt.Errorf("field %s: %w", f.Name, err)
	}
	converted, err := convert.Convert(raw, f.Type.CtyType())
	if err != nil {
		return nil, fmt.Errorf("field %s: cannot use %s as %s", f.Name, impliedType.FriendlyName(), f.Type)
	}

	switch f.Type {
	case TypeInt:
		if !converted.AsBigFloat().IsInt() {
			return nil, fmt.Errorf("field %s: %w", f.Name, errNotInteger)
		}
		var i int64
		if err := gocty.FromCtyValue(converted, &i); err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		return i, nil
	case TypeNumber:
		var n float64
		if err := gocty.FromCtyValue(converted, &n); err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		return n, nil
	case TypeBool:
		return converted.True(), nil
	case TypeTimestamp:
		return normalizeTimestamp(f.Name, converted.AsString())
	default:
		return converted.AsString(), nil
	}
}

func normalizeTimestamp(field, s string) (any, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, time.DateOnly} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC().Format(time.RFC3339), nil
		}
	}
	return nil, fmt.Errorf("field %s: %q is not a timestamp", field, s)
}

func deref(value any) any {
	if value == nil {
		return nil
	}
	rv := reflect.ValueOf(value)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	return rv.Interface()
}
