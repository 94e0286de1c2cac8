package types

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ID addresses one machine instance: every agent run, eval case, and eval
// run owns exactly one. The value is a canonical UUID v4 string, which
// keeps snapshot rows, journal keys, and signals greppable in the store.
type ID string

// ErrEmptyID is returned when an operation requires a non-zero ID.
var ErrEmptyID = errors.New("id must not be empty")

// NewID mints a random machine ID.
func NewID() ID {
	return ID(uuid.NewString())
}

// ParseID validates s as a UUID and normalizes it to canonical lowercase
// form, so two spellings of the same UUID compare equal as IDs.
func ParseID(s string) (ID, error) {
	if s == "" {
		return "", ErrEmptyID
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("malformed id %q: %w", s, err)
	}
	return ID(u.String()), nil
}

// Validate reports whether the ID holds a well-formed UUID.
func (id ID) Validate() error {
	_, err := ParseID(string(id))
	return err
}

// String returns the ID as a plain string.
func (id ID) String() string {
	return string(id)
}

// IsZero reports whether the ID is unset.
func (id ID) IsZero() bool {
	return id == ""
}

// MarshalText implements encoding.TextMarshaler. IDs round-trip through
// JSON both as document values and as map keys in their string form.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, rejecting malformed
// UUIDs so a corrupted snapshot fails on decode instead of propagating a
// bad machine address.
func (id *ID) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*id = ""
		return nil
	}
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
