package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/trustseal/evidence/internal/ledger"
	"github.com/trustseal/evidence/internal/shared/auth"
	"github.com/trustseal/evidence/internal/shared/errors"
	"github.com/trustseal/evidence/internal/shared/middleware"
	"github.com/trustseal/evidence/internal/shared/types"
	"github.com/trustseal/evidence/internal/signature"
)

// EventSignatureCreated is recorded on the document chain for every envelope
const EventSignatureCreated = "signature.created"

// EnvelopeSigner produces detached signature envelopes over content hashes
type EnvelopeSigner interface {
	Sign(ctx context.Context, tenantID types.ID, hashHex string, md signature.Metadata) (*signature.Envelope, error)
}

type createSignatureRequest struct {
	TenantID    types.ID `json:"tenant_id"`
	DocumentID  types.ID `json:"document_id,omitempty"`
	ContentHash string   `json:"content_hash"`
	Reason      string   `json:"reason,omitempty"`
	Location    string   `json:"location,omitempty"`
	Contact     string   `json:"contact,omitempty"`
}

type signatureResponse struct {
	Envelope *signature.Envelope `json:"envelope"`
	DER      string              `json:"der"`
	PEM      string              `json:"pem"`
	Entry    *ledger.Entry       `json:"ledger_entry,omitempty"`
}

// CreateSignature signs a content hash. With a document id the signature
// is also recorded on the document's chain.
func (h *Handler) CreateSignature(w http.ResponseWriter, r *http.Request) {
	var req createSignatureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	tenantID := req.TenantID
	if user := auth.GetUser(r.Context()); user != nil && !user.TenantID.IsZero() {
		tenantID = user.TenantID
	}
	if err := tenantID.Validate(); err != nil {
		writeError(w, errors.Validation("invalid tenant id", map[string]string{"tenant_id": err.Error()}))
		return
	}

	var ref ledger.EntityRef
	if !req.DocumentID.IsZero() {
		ref = ledger.Document(req.DocumentID)
		if err := ref.Validate(); err != nil {
			writeError(w, err)
			return
		}
	}

	env, err := h.signer.Sign(r.Context(), tenantID, req.ContentHash, signature.Metadata{
		SigningTime: time.Now().UTC(),
		Reason:      req.Reason,
		Location:    req.Location,
		Contact:     req.Contact,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	resp := signatureResponse{
		Envelope: env,
		DER:      base64.StdEncoding.EncodeToString(env.DER),
		PEM:      string(env.PEM()),
	}

	if !req.DocumentID.IsZero() {
		entry, err := h.ledger.Append(r.Context(), ledger.AppendRequest{
			Entity:    ref,
			TenantID:  tenantID,
			EventType: EventSignatureCreated,
			Payload: map[string]any{
				"content_hash":       env.ContentHash,
				"signer_fingerprint": env.Signer.Fingerprint,
				"signer_subject":     env.Signer.Subject,
				"timestamp_token_id": env.TimestampTokenID.String(),
				"timestamp_embedded": env.TimestampEmbedded,
			},
			Provenance: ledger.Provenance{
				IPAddress: middleware.ClientIP(r),
				UserAgent: r.UserAgent(),
			},
		})
		if err != nil && entry == nil {
			writeError(w, err)
			return
		}
		resp.Entry = entry
	}

	writeJSON(w, http.StatusCreated, resp)
}
