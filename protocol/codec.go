package protocol

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

var ErrMalformedMessage = errors.New("malformed message")
var ErrUnknownMessageType = errors.New("unknown message type")

func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, errors.Wrap(ErrMalformedMessage, "nil message")
	}

	b, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrapf(err, "could not encode %s message", m.Type())
	}

	return b, nil
}

// Decode resolves the variant from the "type" field and unmarshals
// the frame into it. Frames that are not JSON objects are malformed.
func Decode(b []byte) (Message, error) {
	if !gjson.ValidBytes(b) {
		return nil, errors.Wrapf(ErrMalformedMessage, "invalid json %q", truncate(b))
	}

	root := gjson.ParseBytes(b)
	if !root.IsObject() {
		return nil, errors.Wrapf(ErrMalformedMessage, "not an object %q", truncate(b))
	}

	t := root.Get("type")
	if !t.Exists() {
		return nil, errors.Wrap(ErrMalformedMessage, "type is missing")
	}

	switch Type(t.String()) {
	case TypeCreate:
		var m Create
		if err := unmarshal(b, &m); err != nil {
			return nil, err
		}
		return m, nil
	case TypeUpdate:
		var m Update
		if err := unmarshal(b, &m); err != nil {
			return nil, err
		}
		return m, nil
	case TypeDelete:
		var m Delete
		if err := unmarshal(b, &m); err != nil {
			return nil, err
		}
		return m, nil
	case TypeReset:
		return Reset{}, nil
	case TypeGetChanges:
		var m GetChanges
		if err := unmarshal(b, &m); err != nil {
			return nil, err
		}
		return m, nil
	case TypeOK:
		var m OK
		if err := unmarshal(b, &m); err != nil {
			return nil, err
		}
		return m, nil
	case TypeSendingChanges:
		var m SendingChanges
		if err := unmarshal(b, &m); err != nil {
			return nil, err
		}
		return m, nil
	}

	return nil, errors.Wrapf(ErrUnknownMessageType, "%q", t.String())
}

// DecodeChange decodes a frame that must hold a create, update or delete.
func DecodeChange(b []byte) (Change, error) {
	m, err := Decode(b)
	if err != nil {
		return nil, err
	}

	c, ok := m.(Change)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownMessageType, "%s is not a change", m.Type())
	}

	return c, nil
}

func unmarshal(b []byte, dest interface{}) error {
	if err := json.Unmarshal(b, dest); err != nil {
		return errors.Wrap(ErrMalformedMessage, err.Error())
	}
	return nil
}

func truncate(b []byte) string {
	if len(b) > 64 {
		return string(b[:64]) + "..."
	}
	return string(b)
}
