package gofetchdata

import (
	"encoding/json"
	"fmt"
	"net/url"
	"reflect"
	"strconv"
	"time"
)

// isoTime is the layout of JavaScript's Date.prototype.toISOString.
const isoTime = "2006-01-02T15:04:05.000Z07:00"

// Params are query-string parameters.
//
// Values are encoded as follows: nil values are dropped, slices and arrays
// become repeated "key[]" parameters, maps and structs are sent as JSON,
// times use ISO 8601 in UTC and fmt.Stringer values use String.
type Params map[string]any

// Merge returns a new Params holding p overlaid with over. Keys present in
// both take the value from over. Neither input is modified.
func (p Params) Merge(over Params) Params {
	if len(p) == 0 && len(over) == 0 {
		return nil
	}

	merged := make(Params, len(p)+len(over))
	for k, v := range p {
		merged[k] = v
	}
	for k, v := range over {
		merged[k] = v
	}
	return merged
}

// Values encodes p as url.Values.
func (p Params) Values() (url.Values, error) {
	vs := make(url.Values, len(p))
	for k, v := range p {
		if err := addValue(vs, k, v, true); err != nil {
			return nil, fmt.Errorf("param %q: %w", k, err)
		}
	}
	return vs, nil
}

func addValue(vs url.Values, key string, v any, top bool) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer && rv.IsNil() {
		return nil
	}

	switch val := v.(type) {
	case nil:
		return nil
	case string:
		vs.Add(key, val)
		return nil
	case bool:
		vs.Add(key, strconv.FormatBool(val))
		return nil
	case time.Time:
		vs.Add(key, val.UTC().Format(isoTime))
		return nil
	case fmt.Stringer:
		vs.Add(key, val.String())
		return nil
	}

	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return addValue(vs, key, rv.Elem().Interface(), top)
	case reflect.String:
		vs.Add(key, rv.String())
	case reflect.Bool:
		vs.Add(key, strconv.FormatBool(rv.Bool()))
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		vs.Add(key, strconv.FormatInt(rv.Int(), 10))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		vs.Add(key, strconv.FormatUint(rv.Uint(), 10))
	case reflect.Float32:
		vs.Add(key, strconv.FormatFloat(rv.Float(), 'f', -1, 32))
	case reflect.Float64:
		vs.Add(key, strconv.FormatFloat(rv.Float(), 'f', -1, 64))
	case reflect.Slice, reflect.Array:
		if !top {
			return addJSON(vs, key, v)
		}
		for i := 0; i < rv.Len(); i++ {
			if err := addValue(vs, key+"[]", rv.Index(i).Interface(), false); err != nil {
				return err
			}
		}
	case reflect.Map, reflect.Struct:
		return addJSON(vs, key, v)
	default:
		return fmt.Errorf("unsupported kind %s", rv.Kind())
	}

	return nil
}

func addJSON(vs url.Values, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	vs.Add(key, string(b))
	return nil
}
