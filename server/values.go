package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/chazu/fable/vm"
)

// ValueFromJSON converts a JSON document into a VM value, allocating
// heap objects in the given VM. Integral numbers become ints, others
// floats; object keys are inserted in sorted order so the result is
// deterministic.
func ValueFromJSON(v *vm.VM, raw json.RawMessage) (vm.Value, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var decoded interface{}
	if err := decoder.Decode(&decoded); err != nil {
		return vm.Null, fmt.Errorf("decoding argument: %w", err)
	}
	return valueFromDecoded(v, decoded)
}

func valueFromDecoded(v *vm.VM, decoded interface{}) (vm.Value, error) {
	switch value := decoded.(type) {
	case nil:
		return vm.Null, nil

	case bool:
		return vm.FromBool(value), nil

	case json.Number:
		if !strings.ContainsAny(value.String(), ".eE") {
			i, err := value.Int64()
			if err == nil {
				return vm.FromInt(i), nil
			}
		}
		f, err := value.Float64()
		if err != nil {
			return vm.Null, fmt.Errorf("invalid number %q: %w", value.String(), err)
		}
		return vm.FromFloat(f), nil

	case string:
		return v.AllocString(value), nil

	case []interface{}:
		elements := make([]vm.Value, len(value))
		for i, elem := range value {
			converted, err := valueFromDecoded(v, elem)
			if err != nil {
				return vm.Null, err
			}
			elements[i] = converted
		}
		return v.AllocArray(elements), nil

	case map[string]interface{}:
		keys := make([]string, 0, len(value))
		for key := range value {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		m := vm.NewMapObject()
		for _, key := range keys {
			converted, err := valueFromDecoded(v, value[key])
			if err != nil {
				return vm.Null, err
			}
			m.Set(key, converted)
		}
		return v.AllocMap(m), nil

	default:
		return vm.Null, fmt.Errorf("unsupported argument type %T", decoded)
	}
}

// ValueToJSON renders a VM value as JSON. Compound objects without a
// natural JSON shape (functions, futures, media) are rendered through
// the VM's display formatting as strings.
func ValueToJSON(v *vm.VM, value vm.Value) (json.RawMessage, error) {
	converted, err := jsonFromValue(v, value, 0)
	if err != nil {
		return nil, err
	}
	return json.Marshal(converted)
}

func jsonFromValue(v *vm.VM, value vm.Value, depth int) (interface{}, error) {
	if depth > 64 {
		return nil, fmt.Errorf("value nesting too deep")
	}

	switch value.Kind() {
	case vm.KindNull:
		return nil, nil
	case vm.KindBool:
		return value.Bool(), nil
	case vm.KindInt:
		return value.Int(), nil
	case vm.KindFloat:
		return value.Float(), nil
	}

	pool := v.Objects()
	switch pool.TypeOf(value) {
	case vm.TypeString:
		s, err := pool.AsString(value)
		if err != nil {
			return nil, err
		}
		return s, nil

	case vm.TypeArray:
		array, err := pool.AsArray(value)
		if err != nil {
			return nil, err
		}
		elements := make([]interface{}, len(array.Elements))
		for i, elem := range array.Elements {
			converted, err := jsonFromValue(v, elem, depth+1)
			if err != nil {
				return nil, err
			}
			elements[i] = converted
		}
		return elements, nil

	case vm.TypeMap:
		m, err := pool.AsMap(value)
		if err != nil {
			return nil, err
		}
		entries := make(map[string]interface{}, m.Len())
		for _, key := range m.Keys {
			converted, err := jsonFromValue(v, m.Entries[key], depth+1)
			if err != nil {
				return nil, err
			}
			entries[key] = converted
		}
		return entries, nil

	default:
		formatted, err := v.FormatValue(value)
		if err != nil {
			return nil, err
		}
		return formatted, nil
	}
}
