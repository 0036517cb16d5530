package synceddb

import (
	"encoding/json"

	"github.com/jinzhu/copier"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

// recordEnvelope is the stored form of a record: sync metadata next to the value
type recordEnvelope struct {
	Key     string          `json:"key"`
	Version int64           `json:"version"`
	Dirty   int             `json:"dirty"`
	Synced  bool            `json:"synced"`
	Deleted bool            `json:"deleted,omitempty"`
	Diff    json.RawMessage `json:"diff,omitempty"`
	Value   json.RawMessage `json:"value"`
}

// Record is an immutable snapshot of a stored record
type Record struct {
	env recordEnvelope
}

func decodeRecord(b []byte) (*Record, error) {
	var env recordEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, errors.Wrap(ErrJsonCouldNotBeUnmarshalled, err.Error())
	}

	if env.Key == "" {
		return nil, errors.Wrap(ErrInvalidRecord, "stored record has no key")
	}

	return &Record{env: env}, nil
}

func (r *Record) encode() ([]byte, error) {
	b, err := json.Marshal(&r.env)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidRecord, "could not encode record %s: %s", r.env.Key, err.Error())
	}
	return b, nil
}

func (r *Record) clone() *Record {
	var cp recordEnvelope
	if err := copier.CopyWithOption(&cp, &r.env, copier.Option{DeepCopy: true}); err != nil {
		panic("could not copy record " + r.env.Key + ": " + err.Error())
	}

	return &Record{env: cp}
}

func (r *Record) Key() string {
	return r.env.Key
}

// Version stays 0 until the relay has acknowledged the record once, local
// updates before that fold into the pending create. After that every local
// update or delete adds one.
func (r *Record) Version() int64 {
	return r.env.Version
}

// DirtyCount is the number of local mutations the relay has not acknowledged yet
func (r *Record) DirtyCount() int {
	return r.env.Dirty
}

// Synced reports whether the relay has ever acknowledged the record
func (r *Record) Synced() bool {
	return r.env.Synced
}

func (r *Record) Deleted() bool {
	return r.env.Deleted
}

// Raw is the JSON value of the record including its key field
func (r *Record) Raw() []byte {
	return r.env.Value
}

func (r *Record) RawString() string {
	return string(r.env.Value)
}

func (r *Record) Map() (M, error) {
	return decodeM(r.env.Value)
}

func (r *Record) pendingDiff() (M, error) {
	if len(r.env.Diff) == 0 {
		return M{}, nil
	}
	return decodeM(r.env.Diff)
}

func (r *Record) Unmarshal(dest interface{}) error {
	if err := json.Unmarshal(r.env.Value, dest); err != nil {
		return errors.Wrap(ErrJsonCouldNotBeUnmarshalled, err.Error())
	}

	return nil
}

func (r *Record) Get(path string) gjson.Result {
	return gjson.GetBytes(r.env.Value, path)
}

func (r *Record) String(path string) (string, error) {
	raw := gjson.GetBytes(r.env.Value, path)
	if !raw.Exists() {
		return "", errors.Wrapf(ErrJsonPathInvalid, "%s in %s", path, r.env.Key)
	}
	return raw.String(), nil
}

func (r *Record) StringOrDefault(path, def string) string {
	if v, err := r.String(path); err != nil {
		return def
	} else {
		return v
	}
}

func (r *Record) Int(path string) (int, error) {
	get := gjson.GetBytes(r.env.Value, path)
	if !get.Exists() {
		return 0, errors.Wrapf(ErrJsonPathInvalid, "%s in %s", path, r.env.Key)
	}
	return int(get.Int()), nil
}

func (r *Record) IntOrDefault(path string, def int) int {
	if v, err := r.Int(path); err != nil {
		return def
	} else {
		return v
	}
}

func (r *Record) Float(path string) (float64, error) {
	get := gjson.GetBytes(r.env.Value, path)
	if !get.Exists() {
		return 0, errors.Wrapf(ErrJsonPathInvalid, "%s in %s", path, r.env.Key)
	}
	return get.Float(), nil
}

func (r *Record) FloatOrDefault(path string, def float64) float64 {
	if v, err := r.Float(path); err != nil {
		return def
	} else {
		return v
	}
}

func (r *Record) Bool(path string) (bool, error) {
	get := gjson.GetBytes(r.env.Value, path)
	if !get.Exists() {
		return false, errors.Wrapf(ErrJsonPathInvalid, "%s in %s", path, r.env.Key)
	}
	return get.Bool(), nil
}

func (r *Record) BoolOrDefault(path string, def bool) bool {
	if v, err := r.Bool(path); err != nil {
		return def
	} else {
		return v
	}
}
