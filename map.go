package synceddb

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
)

// M is a JSON object: record data, diffs and the fields of a Put
type M map[string]interface{}

const keyField = "key"

// toM turns user data (M, map, struct or raw JSON) into a JSON object.
// Numbers are kept as json.Number so that large integers survive.
func toM(data interface{}) (M, error) {
	var b []byte
	switch typed := data.(type) {
	case nil:
		return nil, errors.Wrap(ErrInvalidRecord, "nil data")
	case []byte:
		b = typed
	case json.RawMessage:
		b = typed
	case string:
		b = []byte(typed)
	default:
		var err error
		b, err = json.Marshal(data)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidRecord, "could not marshal %T: %s", data, err.Error())
		}
	}

	return decodeM(b)
}

func decodeM(b []byte) (M, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()

	var m M
	if err := dec.Decode(&m); err != nil {
		return nil, errors.Wrapf(ErrInvalidRecord, "not a json object: %s", err.Error())
	}

	if m == nil {
		return nil, errors.Wrap(ErrInvalidRecord, "null is not a json object")
	}

	return m, nil
}

func (m M) encode() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidRecord, "could not encode record: %s", err.Error())
	}
	return b, nil
}

// key resolves the key field, numbers are accepted like any other scalar
func (m M) key() (string, bool) {
	switch k := m[keyField].(type) {
	case string:
		return k, k != ""
	case json.Number:
		return k.String(), true
	case float64:
		return strconv.FormatFloat(k, 'f', -1, 64), true
	case int:
		return strconv.Itoa(k), true
	case int64:
		return strconv.FormatInt(k, 10), true
	}
	return "", false
}

// merge applies a shallow diff, a null value removes the field
func (m M) merge(diff M) M {
	result := make(M, len(m)+len(diff))
	for k, v := range m {
		result[k] = v
	}

	for k, v := range diff {
		if v == nil {
			delete(result, k)
			continue
		}
		result[k] = v
	}

	return result
}

// overlay combines two diffs, later values win and nulls are kept
func (m M) overlay(diff M) M {
	result := make(M, len(m)+len(diff))
	for k, v := range m {
		result[k] = v
	}
	for k, v := range diff {
		result[k] = v
	}
	return result
}

// diffTo is the diff that turns m into next: changed fields plus nulls for removed ones
func (m M) diffTo(next M) M {
	diff := make(M, len(next))
	for k, v := range next {
		diff[k] = v
	}

	for k := range m {
		if _, ok := next[k]; !ok {
			diff[k] = nil
		}
	}

	return diff
}

func (m M) String(k string) string {
	v, ok := m[k].(string)
	if !ok {
		return ""
	}
	return v
}

func (m M) HasString(k string) bool {
	_, ok := m[k].(string)
	return ok
}

func (m M) Int(k string) int {
	switch v := m[k].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0
		}
		return int(n)
	}
	return 0
}

func (m M) Bool(k string) bool {
	v, ok := m[k].(bool)
	if !ok {
		return false
	}
	return v
}

func (m M) Float(k string) float64 {
	switch v := m[k].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0
		}
		return f
	}
	return 0
}
