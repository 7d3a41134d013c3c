// Package model defines shared types used across the sync engine, the local
// state store, and the remote providers.
package model

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidAddress is returned when an [Address] has an empty or unsafe
// segment. It is a programmer error and is never retried.
var ErrInvalidAddress = errors.New("invalid address")

// Address identifies one unit of synced data: a whole database, a collection
// within it, or a single item. Item is empty when addressing a collection;
// Collection and Item are both empty when addressing a database.
type Address struct {
	Database   string
	Collection string
	Item       string
}

// CollectionAddress returns the address of a collection in db.
func CollectionAddress(db, collection string) Address {
	return Address{Database: db, Collection: collection}
}

// ItemAddress returns the address of a single item.
func ItemAddress(db, collection, item string) Address {
	return Address{Database: db, Collection: collection, Item: item}
}

// IsItem reports whether a addresses a single item.
func (a Address) IsItem() bool { return a.Item != "" }

// IsDatabase reports whether a addresses a whole database.
func (a Address) IsDatabase() bool { return a.Collection == "" && a.Item == "" }

// Parent returns the collection address for an item, or the database address
// for a collection.
func (a Address) Parent() Address {
	if a.Item != "" {
		return Address{Database: a.Database, Collection: a.Collection}
	}
	return Address{Database: a.Database}
}

// String renders the address as db/collection/item for logs.
func (a Address) String() string {
	parts := []string{a.Database}
	if a.Collection != "" {
		parts = append(parts, a.Collection)
	}
	if a.Item != "" {
		parts = append(parts, a.Item)
	}
	return strings.Join(parts, "/")
}

// Validate checks that every present segment is path-safe. The database name
// is always required; an item requires a collection.
func (a Address) Validate() error {
	if err := ValidateSegment(a.Database); err != nil {
		return fmt.Errorf("%w: database: %v", ErrInvalidAddress, err)
	}
	if a.Collection == "" {
		if a.Item != "" {
			return fmt.Errorf("%w: item %q without collection", ErrInvalidAddress, a.Item)
		}
		return nil
	}
	if err := ValidateSegment(a.Collection); err != nil {
		return fmt.Errorf("%w: collection: %v", ErrInvalidAddress, err)
	}
	if a.Item == "" {
		return nil
	}
	if err := ValidateSegment(a.Item); err != nil {
		return fmt.Errorf("%w: item: %v", ErrInvalidAddress, err)
	}
	return nil
}

// Names the remote layout reserves for its own bookkeeping. A database or
// collection called MarkerName would share a path with a stamp marker.
const (
	MarkerName = "changed.stamp"
	TempPrefix = ".flatsync-tmp-"
)

// ValidateSegment rejects empty names, relative path components, names
// containing separators or NUL bytes, and reserved names.
func ValidateSegment(s string) error {
	switch {
	case s == "":
		return errors.New("empty segment")
	case s == "." || s == "..":
		return fmt.Errorf("segment %q is a relative path component", s)
	case strings.ContainsAny(s, `/\`):
		return fmt.Errorf("segment %q contains a path separator", s)
	case strings.ContainsRune(s, 0):
		return fmt.Errorf("segment %q contains a NUL byte", s)
	case s == MarkerName, strings.HasPrefix(s, TempPrefix):
		return fmt.Errorf("segment %q is a reserved name", s)
	}
	return nil
}

// Stamp is a change-stamp in epoch milliseconds. Zero means "no stamp".
//
// Two writes within the same millisecond produce equal stamps and are
// indistinguishable to the consistency checker.
type Stamp int64

// StampOf converts a wall-clock time into a Stamp.
func StampOf(t time.Time) Stamp {
	if t.IsZero() {
		return 0
	}
	return Stamp(t.UnixMilli())
}

// Now returns the current time as a Stamp.
func Now() Stamp { return StampOf(time.Now()) }

// Newer reports whether s is strictly greater than other.
func (s Stamp) Newer(other Stamp) bool { return s > other }

// Time converts the stamp back to a UTC time.
func (s Stamp) Time() time.Time { return time.UnixMilli(int64(s)).UTC() }

// Item is a single key/value pair held in a collection. Value is the JSON
// document stored locally and mirrored remotely as <Key>.json.
type Item struct {
	Key   string
	Value json.RawMessage
}

// Canonical returns the compact encoding of a JSON value so that documents
// differing only in whitespace compare equal. Invalid JSON is returned as-is.
func Canonical(v json.RawMessage) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, v); err != nil {
		return v
	}
	return buf.Bytes()
}

// ContentHash returns a SHA-256 hex digest of the canonical value. It is used
// to decide whether a fetched remote blob differs from the cached local copy.
func ContentHash(v json.RawMessage) string {
	sum := sha256.Sum256(Canonical(v))
	return hex.EncodeToString(sum[:])
}
