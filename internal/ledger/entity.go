package ledger

import (
	"context"
	"fmt"

	"github.com/trustseal/evidence/internal/shared/errors"
	"github.com/trustseal/evidence/internal/shared/types"
)

// EntityKind is the closed set of things a chain can be kept for
type EntityKind string

const (
	KindDocument         EntityKind = "document"
	KindSignatureRequest EntityKind = "signature_request"
	KindSigner           EntityKind = "signer"
	KindDossier          EntityKind = "dossier"
	KindTenant           EntityKind = "tenant"
	KindUser             EntityKind = "user"
)

var entityKinds = map[EntityKind]bool{
	KindDocument:         true,
	KindSignatureRequest: true,
	KindSigner:           true,
	KindDossier:          true,
	KindTenant:           true,
	KindUser:             true,
}

// ParseEntityKind validates an entity kind name
func ParseEntityKind(s string) (EntityKind, error) {
	kind := EntityKind(s)
	if !entityKinds[kind] {
		return "", errors.Validation(fmt.Sprintf("unknown entity kind %q", s), map[string]string{"entity_type": s})
	}
	return kind, nil
}

// EntityRef identifies the entity a chain belongs to
type EntityRef struct {
	Kind EntityKind `json:"entity_type"`
	ID   types.ID   `json:"entity_id"`
}

func Document(id types.ID) EntityRef         { return EntityRef{Kind: KindDocument, ID: id} }
func SignatureRequest(id types.ID) EntityRef { return EntityRef{Kind: KindSignatureRequest, ID: id} }
func SignerRef(id types.ID) EntityRef        { return EntityRef{Kind: KindSigner, ID: id} }
func Dossier(id types.ID) EntityRef          { return EntityRef{Kind: KindDossier, ID: id} }
func Tenant(id types.ID) EntityRef           { return EntityRef{Kind: KindTenant, ID: id} }
func User(id types.ID) EntityRef             { return EntityRef{Kind: KindUser, ID: id} }

// Validate reports whether the reference names a known kind and a well-formed id
func (r EntityRef) Validate() error {
	if !entityKinds[r.Kind] {
		return errors.Validation(fmt.Sprintf("unknown entity kind %q", r.Kind), map[string]string{"entity_type": string(r.Kind)})
	}
	if err := r.ID.Validate(); err != nil {
		return errors.Validation("invalid entity id", map[string]string{"entity_id": err.Error()})
	}
	return nil
}

func (r EntityRef) String() string {
	return string(r.Kind) + "/" + r.ID.String()
}

// EntityResolver confirms that a referenced entity exists before events are
// recorded against it.
type EntityResolver interface {
	Exists(ctx context.Context, ref EntityRef) (bool, error)
}

// EntityResolverFunc adapts a function to EntityResolver
type EntityResolverFunc func(ctx context.Context, ref EntityRef) (bool, error)

func (f EntityResolverFunc) Exists(ctx context.Context, ref EntityRef) (bool, error) {
	return f(ctx, ref)
}
