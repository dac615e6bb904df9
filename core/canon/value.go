package canon

import (
	"fmt"
	"math"

	coreerrors "github.com/davidahmann/weft/core/errors"
)

// Value is the closed set of JSON values accepted by the canonicalizer.
// Building documents as Values rather than raw maps makes duplicate
// object keys unrepresentable and pins the numeric domain to IEEE 754
// doubles before any bytes exist.
type Value interface {
	isValue()
}

// Null is the JSON null value.
type Null struct{}

// Bool is a JSON boolean.
type Bool bool

// String is a JSON string. Content must be valid UTF-8; canonicalization
// rejects anything else.
type String string

// Number is a JSON number as an IEEE 754 double. NaN and infinities have
// no JSON form and are rejected during canonicalization.
type Number float64

// Array is an ordered JSON array. Element order is significant and is
// preserved byte-for-byte.
type Array []Value

// Object is a JSON object. Key order is irrelevant: canonical output
// always sorts keys, so two Objects with equal entries produce equal
// bytes no matter how they were built.
type Object map[string]Value

func (Null) isValue()   {}
func (Bool) isValue()   {}
func (String) isValue() {}
func (Number) isValue() {}
func (Array) isValue()  {}
func (Object) isValue() {}

// maxSafeInt is the largest integer magnitude an IEEE 754 double holds
// exactly (2^53).
const maxSafeInt = int64(1) << 53

// FromAny converts plain Go data (as produced by encoding/json or built
// by hand) into a Value. Supported inputs: nil, bool, string, floats,
// signed and unsigned integers, []any, map[string]any, and Value itself.
// Integers whose double conversion would lose precision are rejected.
func FromAny(x any) (Value, error) {
	switch v := x.(type) {
	case Value:
		return v, nil
	case nil:
		return Null{}, nil
	case bool:
		return Bool(v), nil
	case string:
		return String(v), nil
	case float64:
		return numberFromFloat(v)
	case float32:
		return numberFromFloat(float64(v))
	case int:
		return numberFromInt(int64(v))
	case int8:
		return numberFromInt(int64(v))
	case int16:
		return numberFromInt(int64(v))
	case int32:
		return numberFromInt(int64(v))
	case int64:
		return numberFromInt(v)
	case uint:
		return numberFromUint(uint64(v))
	case uint8:
		return numberFromUint(uint64(v))
	case uint16:
		return numberFromUint(uint64(v))
	case uint32:
		return numberFromUint(uint64(v))
	case uint64:
		return numberFromUint(v)
	case []any:
		arr := make(Array, 0, len(v))
		for i, elem := range v {
			converted, err := FromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("array index %d: %w", i, err)
			}
			arr = append(arr, converted)
		}
		return arr, nil
	case map[string]any:
		obj := make(Object, len(v))
		for key, elem := range v {
			converted, err := FromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("object key %q: %w", key, err)
			}
			obj[key] = converted
		}
		return obj, nil
	default:
		return nil, coreerrors.Wrap(
			fmt.Errorf("unsupported value type %T", x),
			coreerrors.CategoryInvalidInput,
			"canon_type_unsupported",
			"convert the value to JSON-compatible Go types before canonicalizing",
			false,
		)
	}
}

func numberFromFloat(f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, coreerrors.Wrap(
			fmt.Errorf("number %v has no JSON representation", f),
			coreerrors.CategoryFormatInvalid,
			"canon_number_invalid",
			"NaN and infinite values cannot appear in canonical JSON",
			false,
		)
	}
	if f == 0 {
		// Negative zero collapses to zero.
		f = 0
	}
	return Number(f), nil
}

func numberFromInt(i int64) (Value, error) {
	if i > maxSafeInt || i < -maxSafeInt {
		return nil, coreerrors.Wrap(
			fmt.Errorf("integer %d exceeds the exact double range", i),
			coreerrors.CategoryFormatInvalid,
			"canon_number_imprecise",
			"integers beyond 2^53 lose precision as JSON numbers; encode them as strings",
			false,
		)
	}
	return Number(float64(i)), nil
}

func numberFromUint(u uint64) (Value, error) {
	if u > uint64(maxSafeInt) {
		return nil, coreerrors.Wrap(
			fmt.Errorf("integer %d exceeds the exact double range", u),
			coreerrors.CategoryFormatInvalid,
			"canon_number_imprecise",
			"integers beyond 2^53 lose precision as JSON numbers; encode them as strings",
			false,
		)
	}
	return Number(float64(u)), nil
}
