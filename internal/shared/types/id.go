package types

import (
	"database/sql/driver"
	"fmt"

	"github.com/google/uuid"
)

// ID is a UUID-backed identifier used for tenants, entities, ledger entries and tokens.
type ID string

// evidenceNamespace scopes deterministic IDs derived by NewDeterministicID.
var evidenceNamespace = uuid.MustParse("3f1c7a52-8d0e-4b7a-9a55-0c6f3e1d2b11")

// NewID generates a new random ID
func NewID() ID {
	return ID(uuid.New().String())
}

// NewDeterministicID derives a stable ID from a namespace and a name (UUID v5).
func NewDeterministicID(namespace, name string) ID {
	return ID(uuid.NewSHA1(evidenceNamespace, []byte(namespace+":"+name)).String())
}

// ParseID parses a string into an ID
func ParseID(s string) (ID, error) {
	parsed, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid ID %q: %w", s, err)
	}
	return ID(parsed.String()), nil
}

// MustParseID parses a string into an ID, panics on error
func MustParseID(s string) ID {
	id, err := ParseID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// String returns the string representation
func (id ID) String() string {
	return string(id)
}

// IsZero checks if the ID is empty
func (id ID) IsZero() bool {
	return id == ""
}

// Validate reports whether the ID is a well-formed UUID
func (id ID) Validate() error {
	if id.IsZero() {
		return fmt.Errorf("ID is empty")
	}
	if _, err := uuid.Parse(string(id)); err != nil {
		return fmt.Errorf("invalid ID %q: %w", string(id), err)
	}
	return nil
}

// UUID returns the parsed UUID, or uuid.Nil when the ID is malformed
func (id ID) UUID() uuid.UUID {
	parsed, err := uuid.Parse(string(id))
	if err != nil {
		return uuid.Nil
	}
	return parsed
}

// Value implements driver.Valuer for database serialization
func (id ID) Value() (driver.Value, error) {
	if id.IsZero() {
		return nil, nil
	}
	return string(id), nil
}

// Scan implements sql.Scanner for database deserialization
func (id *ID) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*id = ""
	case string:
		*id = ID(v)
	case []byte:
		*id = ID(string(v))
	case [16]byte:
		*id = ID(uuid.UUID(v).String())
	default:
		return fmt.Errorf("cannot scan %T into ID", value)
	}
	return nil
}
