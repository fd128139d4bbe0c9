package capability

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

var (
	errTypeMismatch = errors.New("type mismatch")
	errValueInvalid = errors.New("invalid value")
)

// Coerce converts v to the declared type of p. A nil v is returned as is;
// callers decide between the default and a missing-parameter error.
func Coerce(p ParamSpec, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if n, ok := v.(json.Number); ok {
		v = jsonNumber(n)
	}

	switch p.Type {
	case TypeAny, "":
		return v, nil
	case TypeString:
		return toString(v)
	case TypeInt:
		return toInt(v)
	case TypeFloat:
		return toFloat(v)
	case TypeBool:
		return toBool(v)
	case TypeEnum:
		s, err := toString(v)
		if err != nil {
			return nil, err
		}
		for _, allowed := range p.Enum {
			if strings.EqualFold(strings.TrimSpace(s), allowed) {
				return allowed, nil
			}
		}
		return nil, fmt.Errorf("%w: %q is not one of %s", errValueInvalid, s, strings.Join(p.Enum, ", "))
	case TypeList:
		return toList(v)
	case TypeObject:
		return toObject(v, p.Prototype)
	case TypeDuration:
		return toDuration(v)
	}
	return nil, fmt.Errorf("%w: unknown declared type %q", errTypeMismatch, p.Type)
}

func jsonNumber(n json.Number) any {
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

func toString(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	case bool:
		return strconv.FormatBool(t), nil
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case time.Duration:
		return t.String(), nil
	case fmt.Stringer:
		return t.String(), nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(rv.Uint(), 10), nil
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		b, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("%w: %v", errTypeMismatch, err)
		}
		return string(b), nil
	}
	return "", fmt.Errorf("%w: cannot use %T as string", errTypeMismatch, v)
}

func toInt(v any) (int64, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return 0, fmt.Errorf("%w: %d overflows int64", errValueInvalid, u)
		}
		return int64(u), nil
	case reflect.Float32, reflect.Float64:
		return wholeFloat(rv.Float())
	case reflect.String:
		s := strings.TrimSpace(rv.String())
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, nil
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil && f == math.Trunc(f) {
			return wholeFloat(f)
		}
		return 0, fmt.Errorf("%w: %q is not an integer", errTypeMismatch, s)
	}
	return 0, fmt.Errorf("%w: cannot use %T as int", errTypeMismatch, v)
}

// wholeFloat converts f to int64 when it is integral and in range.
// MaxInt64 itself rounds up to 2^63 as a float64, so the upper bound is
// exclusive.
func wholeFloat(f float64) (int64, error) {
	if f != math.Trunc(f) || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, fmt.Errorf("%w: %v is not a whole number", errValueInvalid, f)
	}
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, fmt.Errorf("%w: %v overflows int64", errValueInvalid, f)
	}
	return int64(f), nil
}

func toFloat(v any) (float64, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.String:
		f, err := strconv.ParseFloat(strings.TrimSpace(rv.String()), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q is not a number", errTypeMismatch, rv.String())
		}
		return f, nil
	}
	return 0, fmt.Errorf("%w: cannot use %T as float", errTypeMismatch, v)
}

func toBool(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "yes", "1":
			return true, nil
		case "false", "no", "0":
			return false, nil
		}
		return false, fmt.Errorf("%w: %q is not a boolean", errValueInvalid, t)
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		switch rv.Int() {
		case 0:
			return false, nil
		case 1:
			return true, nil
		}
		return false, fmt.Errorf("%w: %d is not a boolean", errValueInvalid, rv.Int())
	}
	return false, fmt.Errorf("%w: cannot use %T as bool", errTypeMismatch, v)
}

func toList(v any) ([]any, error) {
	if s, ok := v.(string); ok {
		var out []any
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return nil, fmt.Errorf("%w: string is not a JSON array", errTypeMismatch)
		}
		return out, nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return []any{}, nil
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: cannot use %T as list", errTypeMismatch, v)
}

func toObject(v any, prototype any) (any, error) {
	var obj any
	switch t := v.(type) {
	case string:
		var m map[string]any
		if err := json.Unmarshal([]byte(t), &m); err != nil {
			return nil, fmt.Errorf("%w: string is not a JSON object", errTypeMismatch)
		}
		obj = m
	default:
		rv := reflect.ValueOf(v)
		for rv.Kind() == reflect.Pointer && !rv.IsNil() {
			rv = rv.Elem()
		}
		switch rv.Kind() {
		case reflect.Map:
			if rv.Type().Key().Kind() != reflect.String {
				return nil, fmt.Errorf("%w: map keys must be strings", errTypeMismatch)
			}
		case reflect.Struct:
		default:
			return nil, fmt.Errorf("%w: cannot use %T as object", errTypeMismatch, v)
		}
		obj = rv.Interface()
	}

	if prototype == nil {
		return obj, nil
	}
	pt := reflect.TypeOf(prototype)
	if reflect.TypeOf(obj) == pt {
		return obj, nil
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errTypeMismatch, err)
	}
	target := reflect.New(pt)
	if err := json.Unmarshal(raw, target.Interface()); err != nil {
		return nil, fmt.Errorf("%w: does not fit %s: %v", errValueInvalid, pt.Name(), err)
	}
	return target.Elem().Interface(), nil
}

func toDuration(v any) (time.Duration, error) {
	switch t := v.(type) {
	case time.Duration:
		return t, nil
	case string:
		s := strings.TrimSpace(t)
		if d, err := time.ParseDuration(s); err == nil {
			return d, nil
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return time.Duration(f * float64(time.Second)), nil
		}
		return 0, fmt.Errorf("%w: %q is not a duration", errValueInvalid, t)
	}
	f, err := toFloat(v)
	if err != nil {
		return 0, fmt.Errorf("%w: cannot use %T as duration", errTypeMismatch, v)
	}
	return time.Duration(f * float64(time.Second)), nil
}
