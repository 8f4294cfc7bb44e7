// Package canonical computes the deterministic hashes every piece of evidence
// is anchored to.
//
// Structured data is serialized as JSON with map keys sorted recursively,
// unicode and forward slashes written literally and HTML escaping disabled,
// then digested with SHA-256 into a 64-character lowercase hex string. The
// serialization must stay byte-for-byte stable: historical chains are
// re-verified against it.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/trustseal/evidence/internal/shared/errors"
)

// Algorithm names the digest used for every canonical hash
const Algorithm = "sha256"

// HashLength is the hex length of a canonical hash
const HashLength = sha256.Size * 2

// GenesisHash is the previous hash of the first entry of every chain
var GenesisHash = strings.Repeat("0", HashLength)

// HashBytes returns the hex SHA-256 digest of content
func HashBytes(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// HashString returns the hex SHA-256 digest of s
func HashString(s string) string {
	return HashBytes([]byte(s))
}

// HashReader streams r through SHA-256
func HashReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("failed to hash content: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashStructured hashes the canonical serialization of v
func HashStructured(v any) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(data), nil
}

// Marshal produces the canonical JSON form of v
func Marshal(v any) ([]byte, error) {
	parsed, err := roundTrip(v)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, parsed); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Normalize converts a payload into the exact shape it will be hashed in, so
// the stored form and the hashed form cannot drift apart. A nil payload
// becomes an empty map.
func Normalize(payload map[string]any) (map[string]any, error) {
	if payload == nil {
		return map[string]any{}, nil
	}

	parsed, err := roundTrip(payload)
	if err != nil {
		return nil, err
	}

	normalized, ok := parsed.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("payload is not an object")
	}
	return normalized, nil
}

// Equal compares two hashes in constant time
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// IsHash reports whether h is a well-formed lowercase hex SHA-256 value
func IsHash(h string) bool {
	if len(h) != HashLength {
		return false
	}
	for _, c := range h {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// DecodeHex validates a hex SHA-256 value and returns its raw bytes
func DecodeHex(h string) ([]byte, error) {
	if h == "" {
		return nil, errors.Validation("hash is empty", map[string]string{"hash": "required"})
	}

	h = strings.ToLower(strings.TrimSpace(h))
	if !IsHash(h) {
		return nil, errors.Validation("hash must be 64 hexadecimal characters", map[string]string{"hash": h})
	}

	raw, err := hex.DecodeString(h)
	if err != nil {
		return nil, errors.Validation("hash is not valid hex", map[string]string{"hash": h})
	}
	return raw, nil
}

// roundTrip re-decodes v from JSON so maps become map[string]any and numbers
// keep their literal text.
func roundTrip(v any) (any, error) {
	raw, err := encode(v)
	if err != nil {
		return nil, fmt.Errorf("value is not serializable: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var parsed any
	if err := dec.Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode canonical value: %w", err)
	}
	return parsed, nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeScalar(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil

	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil

	case json.Number:
		buf.WriteString(val.String())
		return nil

	default:
		return writeScalar(buf, val)
	}
}

func writeScalar(buf *bytes.Buffer, v any) error {
	raw, err := encode(v)
	if err != nil {
		return err
	}
	buf.Write(raw)
	return nil
}

// encode marshals v without HTML escaping and without the encoder's trailing newline
func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}
