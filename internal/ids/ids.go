// Package ids provides the opaque 128-bit identifiers used throughout
// the engine for auctions, bids, events, transactions, and phantom
// bids.
package ids

import (
	"encoding/hex"
	"encoding/json"

	"github.com/google/uuid"
)

// ID is a 128-bit identifier, globally unique within a process
// lifetime. It wraps uuid.UUID so callers get a stable, hex-formatted
// value without depending on a specific UUID version.
type ID uuid.UUID

// Nil is the zero-value ID, returned alongside a parse error and used
// for similar absent-reference cases.
var Nil ID

// New generates a fresh random ID.
func New() ID {
	return ID(uuid.New())
}

// String renders the canonical hyphenated hex form.
func (id ID) String() string {
	return uuid.UUID(id).String()
}

// Bytes returns the 16 raw bytes of the identifier, used when feeding
// the event log's hash chain.
func (id ID) Bytes() []byte {
	b := uuid.UUID(id)
	return b[:]
}

// Hex renders the identifier as a flat 32-character hex string, the
// form used in the event log's canonical JSON export.
func (id ID) Hex() string {
	return hex.EncodeToString(id.Bytes())
}

// IsNil reports whether id is the zero value.
func (id ID) IsNil() bool {
	return id == Nil
}

// Parse parses an ID from either its hyphenated String form or its
// flat 32-character Hex form.
func Parse(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return Nil, err
	}
	return ID(u), nil
}

// MarshalJSON renders the ID as a JSON string.
func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(uuid.UUID(id).String())
}

// UnmarshalJSON parses the ID from a JSON string.
func (id *ID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	var u uuid.UUID
	if err := u.UnmarshalText([]byte(s)); err != nil {
		return err
	}
	*id = ID(u)
	return nil
}
