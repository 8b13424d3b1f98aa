package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"graphmerge/pkg/graph"
)

// DecodeJSON decodes a JSON object into a node of typeName. Keys present in
// the object are specified; keys absent from it are not.
func (r *Registry) DecodeJSON(typeName string, data []byte) (*graph.Node, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, DecodeError{Path: typeName, Reason: err.Error()}
	}
	if obj == nil {
		return nil, DecodeError{Path: typeName, Reason: "expected a JSON object"}
	}
	return r.Decode(typeName, obj)
}

// DecodeValue decodes any JSON-encodable value, typically a full entity
// struct. Fields the value's encoding omits are not specified.
func (r *Registry) DecodeValue(typeName string, value any) (*graph.Node, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, DecodeError{Path: typeName, Reason: err.Error()}
	}
	return r.DecodeJSON(typeName, data)
}

// Decode turns a generic object (for example an anonymous projection) into a
// node. Navigations are recognised from the schema; every other key becomes
// a scalar field, including keys the schema does not know, which the walker
// later rejects.
func (r *Registry) Decode(typeName string, obj map[string]any) (*graph.Node, error) {
	return r.decode(typeName, obj, typeName)
}

func (r *Registry) decode(typeName string, obj map[string]any, path string) (*graph.Node, error) {
	d, err := r.decodingDescriptor(typeName, obj)
	if err != nil {
		return nil, err
	}
	node := graph.New(typeName, 0)
	for key, value := range obj {
		if key == d.IdentityField {
			id, err := toIdentity(value)
			if err != nil {
				return nil, DecodeError{Path: path + "." + key, Reason: err.Error()}
			}
			node.ID = id
			continue
		}
		nav, isNav := d.Navigation(key)
		if !isNav {
			node.Set(key, value)
			continue
		}
		childPath := path + "." + key
		if !nav.Collection {
			if value == nil {
				node.SetRef(key, nil)
				continue
			}
			m, ok := value.(map[string]any)
			if !ok {
				return nil, DecodeError{Path: childPath, Reason: "expected an object"}
			}
			child, err := r.decode(nav.Target, m, childPath)
			if err != nil {
				return nil, err
			}
			node.SetRef(key, child)
			continue
		}
		if value == nil {
			node.SetCollection(key)
			continue
		}
		items, ok := value.([]any)
		if !ok {
			return nil, DecodeError{Path: childPath, Reason: "expected an array"}
		}
		node.SetCollection(key)
		for i, item := range items {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, DecodeError{Path: fmt.Sprintf("%s[%d]", childPath, i), Reason: "expected an object"}
			}
			child, err := r.decode(nav.Target, m, fmt.Sprintf("%s[%d]", childPath, i))
			if err != nil {
				return nil, err
			}
			node.Add(key, child)
		}
	}
	return node, nil
}

// decodingDescriptor picks the descriptor whose members are used to classify
// keys. A discriminator naming a subtype of typeName widens the member set to
// that subtype; anything else is left for the walker to reject.
func (r *Registry) decodingDescriptor(typeName string, obj map[string]any) (Descriptor, error) {
	d, err := r.Describe(typeName)
	if err != nil {
		return Descriptor{}, err
	}
	if !d.Polymorphic() {
		return d, nil
	}
	value, ok := obj[d.Discriminator].(string)
	if !ok {
		return d, nil
	}
	concrete, ok := r.discriminators[d.Root][value]
	if !ok || !r.IsA(concrete, typeName) {
		return d, nil
	}
	return r.Describe(concrete)
}

func toIdentity(value any) (int64, error) {
	switch v := value.(type) {
	case nil:
		return 0, nil
	case json.Number:
		return strconv.ParseInt(v.String(), 10, 64)
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("identity %v is not an integer", v)
		}
		return int64(v), nil
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case int32:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("identity must be an integer, got %T", value)
	}
}
