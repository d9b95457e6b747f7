package codec

import (
	"bytes"
	"encoding"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
)

var (
	timeType          = reflect.TypeOf(time.Time{})
	bigIntType        = reflect.TypeOf(big.Int{})
	jsonMarshalerType = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
	textMarshalerType = reflect.TypeOf((*encoding.TextMarshaler)(nil)).Elem()
)

// Normalize converts an arbitrary Go value into a value tree. Numbers become float64,
// structs become maps keyed by their JSON field names, typed maps and slices become
// map[string]any and []any. Rich leaves are kept as-is. Normalize is idempotent.
func Normalize(v any) (any, error) {
	switch x := v.(type) {
	case nil, bool, string, float64, time.Time, []byte:
		return x, nil
	case *big.Int:
		if x == nil {
			return nil, nil
		}
		return x, nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case float32:
		return float64(x), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("codec: normalize number %q: %w", x, err)
		}
		return f, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, elem := range x {
			n, err := Normalize(elem)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, elem := range x {
			n, err := Normalize(elem)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	}
	return normalizeValue(reflect.ValueOf(v))
}

func normalizeValue(rv reflect.Value) (any, error) {
	if !rv.IsValid() {
		return nil, nil
	}

	switch rv.Type() {
	case timeType:
		return rv.Interface().(time.Time), nil
	case bigIntType:
		b := rv.Interface().(big.Int)
		return new(big.Int).Set(&b), nil
	}
	if rv.Kind() == reflect.Pointer && rv.Type().Elem() == bigIntType {
		if rv.IsNil() {
			return nil, nil
		}
		return new(big.Int).Set(rv.Interface().(*big.Int)), nil
	}

	// Types that control their own JSON form go through encoding/json once.
	if rv.Kind() != reflect.Pointer && rv.Kind() != reflect.Interface &&
		(rv.Type().Implements(jsonMarshalerType) || rv.Type().Implements(textMarshalerType)) {
		return normalizeViaJSON(rv.Interface())
	}

	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return normalizeValue(rv.Elem())
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.String:
		return rv.String(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.Slice:
		if rv.IsNil() {
			return nil, nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return bytes.Clone(rv.Bytes()), nil
		}
		return normalizeList(rv)
	case reflect.Array:
		return normalizeList(rv)
	case reflect.Map:
		if rv.IsNil() {
			return nil, nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			key, err := mapKey(iter.Key())
			if err != nil {
				return nil, err
			}
			n, err := normalizeValue(iter.Value())
			if err != nil {
				return nil, err
			}
			out[key] = n
		}
		return out, nil
	case reflect.Struct:
		out := make(map[string]any)
		if err := normalizeStruct(rv, out); err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("codec: cannot normalize value of type %s", rv.Type())
}

func normalizeList(rv reflect.Value) (any, error) {
	out := make([]any, rv.Len())
	for i := range out {
		n, err := normalizeValue(rv.Index(i))
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

func normalizeViaJSON(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: normalize %T: %w", v, err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("codec: normalize %T: %w", v, err)
	}
	return out, nil
}

func mapKey(k reflect.Value) (string, error) {
	switch k.Kind() {
	case reflect.String:
		return k.String(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(k.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(k.Uint(), 10), nil
	}
	return "", fmt.Errorf("codec: unsupported map key type %s", k.Type())
}

// normalizeStruct follows encoding/json field naming: json tags, "-", omitempty and
// promotion of untagged embedded structs.
func normalizeStruct(rv reflect.Value, out map[string]any) error {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		tag := field.Tag.Get("json")
		if tag == "-" {
			continue
		}
		name, opts, _ := strings.Cut(tag, ",")
		fv := rv.Field(i)

		if field.Anonymous && name == "" {
			ft := field.Type
			if ft.Kind() == reflect.Pointer {
				if fv.IsNil() {
					continue
				}
				ft, fv = ft.Elem(), fv.Elem()
			}
			if ft.Kind() == reflect.Struct && ft != timeType {
				if err := normalizeStruct(fv, out); err != nil {
					return err
				}
				continue
			}
		}
		if !field.IsExported() {
			continue
		}
		if name == "" {
			name = field.Name
		}
		if strings.Contains(opts, "omitempty") && isEmptyValue(fv) {
			continue
		}
		n, err := normalizeValue(fv)
		if err != nil {
			return fmt.Errorf("field %s: %w", field.Name, err)
		}
		out[name] = n
	}
	return nil
}

func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64,
		reflect.Interface, reflect.Pointer:
		return v.IsZero()
	}
	return false
}

// Clone deep-copies a normalized tree.
func Clone(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, elem := range x {
			out[k] = Clone(elem)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, elem := range x {
			out[i] = Clone(elem)
		}
		return out
	case []byte:
		return bytes.Clone(x)
	case *big.Int:
		if x == nil {
			return nil
		}
		return new(big.Int).Set(x)
	}
	return v
}

// Equal reports whether two normalized trees are structurally equal. Rich leaves compare
// by value (time.Time.Equal, bytes.Equal, big.Int.Cmp) and NaN equals NaN.
func Equal(a, b any) bool {
	switch x := a.(type) {
	case map[string]any:
		y, ok := b.(map[string]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for k, xv := range x {
			yv, ok := y[k]
			if !ok || !Equal(xv, yv) {
				return false
			}
		}
		return true
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !Equal(x[i], y[i]) {
				return false
			}
		}
		return true
	case time.Time:
		y, ok := b.(time.Time)
		return ok && x.Equal(y)
	case []byte:
		y, ok := b.([]byte)
		return ok && bytes.Equal(x, y)
	case *big.Int:
		y, ok := b.(*big.Int)
		if !ok || x == nil || y == nil {
			return ok && x == nil && y == nil
		}
		return x.Cmp(y) == 0
	case float64:
		y, ok := b.(float64)
		return ok && (x == y || (math.IsNaN(x) && math.IsNaN(y)))
	}
	return reflect.DeepEqual(a, b)
}

// Convert decodes a tree into the Go value pointed to by into, using the same field
// mapping as encoding/json. Rich leaves map onto time.Time, []byte and *big.Int fields.
func Convert(v any, into any) error {
	if p, ok := into.(*any); ok {
		*p = Clone(v)
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("codec: convert: %w", err)
	}
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("codec: convert into %T: %w", into, err)
	}
	return nil
}

// SortedKeys returns the keys of m in lexical order.
func SortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
