package model

import (
	"encoding/json"
	"fmt"
)

// Kind names a mutating operation. The string form is what the state store
// persists in the history table.
type Kind string

const (
	KindSetItem    Kind = "setItem"
	KindRemoveItem Kind = "removeItem"
	KindClear      Kind = "clear"
)

// Op is a mutating operation recorded in the history log. The set of
// implementations is closed: [SetItem], [RemoveItem], [Clear].
type Op interface {
	Kind() Kind
	op()
}

// SetItem writes Value under Key.
type SetItem struct {
	Key   string
	Value json.RawMessage
}

// RemoveItem deletes Key.
type RemoveItem struct {
	Key string
}

// Clear deletes every item in the collection.
type Clear struct{}

func (SetItem) Kind() Kind    { return KindSetItem }
func (RemoveItem) Kind() Kind { return KindRemoveItem }
func (Clear) Kind() Kind      { return KindClear }

func (SetItem) op()    {}
func (RemoveItem) op() {}
func (Clear) op()      {}

// OpKey returns the item key an operation touches, or "" for [Clear].
func OpKey(o Op) string {
	switch v := o.(type) {
	case SetItem:
		return v.Key
	case RemoveItem:
		return v.Key
	default:
		return ""
	}
}

// DecodeOp rebuilds an Op from its persisted columns.
func DecodeOp(kind Kind, key string, value []byte) (Op, error) {
	switch kind {
	case KindSetItem:
		return SetItem{Key: key, Value: json.RawMessage(value)}, nil
	case KindRemoveItem:
		return RemoveItem{Key: key}, nil
	case KindClear:
		return Clear{}, nil
	}
	return nil, fmt.Errorf("unknown history kind %q", kind)
}

// HistoryItem is one pending local mutation awaiting remote replay. Items are
// ordered by Timestamp with ties broken by ID (insertion order).
type HistoryItem struct {
	ID         int64
	Database   string
	Collection string
	Timestamp  Stamp
	Op         Op
}

// Address returns the item address for set/remove and the collection address
// for clear.
func (h *HistoryItem) Address() Address {
	return Address{Database: h.Database, Collection: h.Collection, Item: OpKey(h.Op)}
}

// SupersededBy reports whether newer targets exactly the same address, so
// applying h remotely would be overwritten anyway.
func (h *HistoryItem) SupersededBy(newer *HistoryItem) bool {
	if newer.ID == h.ID {
		return false
	}
	return h.Address() == newer.Address()
}
