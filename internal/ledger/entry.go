package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/trustseal/evidence/internal/canonical"
	"github.com/trustseal/evidence/internal/shared/types"
)

// CreatedAtFormat is the layout of created_at inside the entry hash
const CreatedAtFormat = "2006-01-02 15:04:05.000000"

// ActorKind classifies who performed a recorded action
type ActorKind string

const (
	ActorUser      ActorKind = "user"
	ActorSigner    ActorKind = "signer"
	ActorAPIClient ActorKind = "api_client"
	ActorSystem    ActorKind = "system"
)

func (k ActorKind) valid() bool {
	switch k {
	case ActorUser, ActorSigner, ActorAPIClient, ActorSystem:
		return true
	}
	return false
}

// Actor is the resolved performer of an action
type Actor struct {
	Kind ActorKind `json:"actor_type"`
	ID   string    `json:"actor_id"`
}

// SystemActor is recorded when no caller or session identifies the actor
var SystemActor = Actor{Kind: ActorSystem}

// Provenance describes the request an event originated from
type Provenance struct {
	IPAddress string `json:"ip_address"`
	UserAgent string `json:"user_agent"`
}

// Entry is one immutable record of a hash chain.
type Entry struct {
	ID           types.ID       `json:"id"`
	TenantID     types.ID       `json:"tenant_id"`
	EntityType   EntityKind     `json:"entity_type"`
	EntityID     types.ID       `json:"entity_id"`
	Sequence     int64          `json:"sequence"`
	EventType    string         `json:"event_type"`
	Payload      map[string]any `json:"payload"`
	ActorType    ActorKind      `json:"actor_type"`
	ActorID      string         `json:"actor_id"`
	IPAddress    string         `json:"ip_address"`
	UserAgent    string         `json:"user_agent"`
	Hash         string         `json:"hash"`
	PreviousHash string         `json:"previous_hash"`
	CreatedAt    time.Time      `json:"created_at"`

	// TimestampTokenID links a qualified timestamp over Hash; set at most once
	TimestampTokenID types.ID `json:"timestamp_token_id,omitempty"`
}

// Ref returns the entity the entry belongs to
func (e *Entry) Ref() EntityRef {
	return EntityRef{Kind: e.EntityType, ID: e.EntityID}
}

// Category is derived from the event type and never stored
func (e *Entry) Category() string {
	return CategoryFor(e.EventType)
}

// Anchored reports whether a timestamp token is linked to the entry
func (e *Entry) Anchored() bool {
	return !e.TimestampTokenID.IsZero()
}

// HashFields returns exactly the fields covered by the entry hash.
func (e *Entry) HashFields() map[string]any {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return map[string]any{
		"previous_hash":  e.PreviousHash,
		"tenant_id":      e.TenantID.String(),
		"entity_type":    string(e.EntityType),
		"entity_id":      e.EntityID.String(),
		"event_type":     e.EventType,
		"event_category": e.Category(),
		"payload":        payload,
		"actor_type":     string(e.ActorType),
		"actor_id":       e.ActorID,
		"ip_address":     e.IPAddress,
		"user_agent":     e.UserAgent,
		"sequence":       e.Sequence,
		"created_at":     e.CreatedAt.UTC().Format(CreatedAtFormat),
	}
}

// ComputeHash recomputes the entry hash from its fields. Text fields must
// be valid UTF-8: distinct invalid byte sequences would otherwise encode
// to the same replacement character and share a hash.
func (e *Entry) ComputeHash() (string, error) {
	for field, value := range map[string]string{
		"previous_hash": e.PreviousHash,
		"event_type":    e.EventType,
		"actor_id":      e.ActorID,
		"ip_address":    e.IPAddress,
		"user_agent":    e.UserAgent,
	} {
		if !utf8.ValidString(value) {
			return "", fmt.Errorf("failed to hash entry %d: %s is not valid UTF-8", e.Sequence, field)
		}
	}
	hash, err := canonical.HashStructured(e.HashFields())
	if err != nil {
		return "", fmt.Errorf("failed to hash entry %d: %w", e.Sequence, err)
	}
	return hash, nil
}

// Clone returns a deep copy of the entry
func (e *Entry) Clone() *Entry {
	out := *e
	if e.Payload != nil {
		// payloads are normalized JSON values, so a JSON round trip is exact
		data, err := json.Marshal(e.Payload)
		if err == nil {
			if payload, err := decodePayload(data); err == nil {
				out.Payload = payload
			}
		}
	}
	return &out
}

func encodeEntry(e *Entry) ([]byte, error) {
	return json.Marshal(e)
}

// decodeEntry decodes a stored entry keeping payload numbers as literals
func decodeEntry(data []byte) (*Entry, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var e Entry
	if err := dec.Decode(&e); err != nil {
		return nil, fmt.Errorf("failed to decode ledger entry: %w", err)
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

func decodePayload(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return payload, nil
}
