// Package protocol holds the messages exchanged between a synceddb client and a relay.
// Every message kind is its own type; Message is the closed union of all of them.
package protocol

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

type Type string

const (
	TypeCreate         Type = "create"
	TypeUpdate         Type = "update"
	TypeDelete         Type = "delete"
	TypeReset          Type = "reset"
	TypeGetChanges     Type = "get-changes"
	TypeOK             Type = "ok"
	TypeSendingChanges Type = "sending-changes"
)

type Message interface {
	Type() Type
	message()
}

// Change is a single create, update or delete of a record,
// the unit of replication between clients and the relay.
type Change interface {
	Message
	Store() string
	RecordKey() string
	RecordVersion() int64
	Client() string
}

type Create struct {
	StoreName string          `json:"storeName"`
	Key       string          `json:"key,omitempty"`
	Record    json.RawMessage `json:"record"`
	Version   int64           `json:"version"`
	ClientID  string          `json:"clientId,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

type Update struct {
	StoreName string          `json:"storeName"`
	Key       string          `json:"key"`
	Diff      json.RawMessage `json:"diff"`
	Version   int64           `json:"version"`
	ClientID  string          `json:"clientId,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

type Delete struct {
	StoreName string `json:"storeName"`
	Key       string `json:"key"`
	Version   int64  `json:"version"`
	ClientID  string `json:"clientId,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type Reset struct{}

type GetChanges struct {
	StoreNames []string `json:"storeNames"`
}

type OK struct {
	StoreName  string `json:"storeName"`
	Key        string `json:"key"`
	NewVersion int64  `json:"newVersion"`
}

type SendingChanges struct {
	NrOfRecordsToSync int `json:"nrOfRecordsToSync"`
}

func (Create) Type() Type         { return TypeCreate }
func (Update) Type() Type         { return TypeUpdate }
func (Delete) Type() Type         { return TypeDelete }
func (Reset) Type() Type          { return TypeReset }
func (GetChanges) Type() Type     { return TypeGetChanges }
func (OK) Type() Type             { return TypeOK }
func (SendingChanges) Type() Type { return TypeSendingChanges }

func (Create) message()         {}
func (Update) message()         {}
func (Delete) message()         {}
func (Reset) message()          {}
func (GetChanges) message()     {}
func (OK) message()             {}
func (SendingChanges) message() {}

func (m Create) Store() string { return m.StoreName }
func (m Update) Store() string { return m.StoreName }
func (m Delete) Store() string { return m.StoreName }

// RecordKey falls back to the key field of the record itself,
// which is where clients put it when creating.
func (m Create) RecordKey() string {
	if m.Key != "" {
		return m.Key
	}
	return gjson.GetBytes(m.Record, "key").String()
}
func (m Update) RecordKey() string { return m.Key }
func (m Delete) RecordKey() string { return m.Key }

func (m Create) RecordVersion() int64 { return m.Version }
func (m Update) RecordVersion() int64 { return m.Version }
func (m Delete) RecordVersion() int64 { return m.Version }

func (m Create) Client() string { return m.ClientID }
func (m Update) Client() string { return m.ClientID }
func (m Delete) Client() string { return m.ClientID }

// every message is written with its "type" discriminator next to its own fields

func (m Create) MarshalJSON() ([]byte, error) {
	type alias Create
	return json.Marshal(struct {
		Type Type `json:"type"`
		alias
	}{TypeCreate, alias(m)})
}

func (m Update) MarshalJSON() ([]byte, error) {
	type alias Update
	return json.Marshal(struct {
		Type Type `json:"type"`
		alias
	}{TypeUpdate, alias(m)})
}

func (m Delete) MarshalJSON() ([]byte, error) {
	type alias Delete
	return json.Marshal(struct {
		Type Type `json:"type"`
		alias
	}{TypeDelete, alias(m)})
}

func (m Reset) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type Type `json:"type"`
	}{TypeReset})
}

func (m GetChanges) MarshalJSON() ([]byte, error) {
	type alias GetChanges
	if m.StoreNames == nil {
		m.StoreNames = []string{}
	}
	return json.Marshal(struct {
		Type Type `json:"type"`
		alias
	}{TypeGetChanges, alias(m)})
}

func (m OK) MarshalJSON() ([]byte, error) {
	type alias OK
	return json.Marshal(struct {
		Type Type `json:"type"`
		alias
	}{TypeOK, alias(m)})
}

func (m SendingChanges) MarshalJSON() ([]byte, error) {
	type alias SendingChanges
	return json.Marshal(struct {
		Type Type `json:"type"`
		alias
	}{TypeSendingChanges, alias(m)})
}
