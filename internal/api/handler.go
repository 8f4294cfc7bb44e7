// Package api exposes the evidence core over HTTP for operators and
// auditors: reading and verifying ledger chains, recording events, and
// checking timestamp tokens.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/trustseal/evidence/internal/ledger"
	"github.com/trustseal/evidence/internal/shared/auth"
	"github.com/trustseal/evidence/internal/shared/errors"
	"github.com/trustseal/evidence/internal/shared/logging"
	"github.com/trustseal/evidence/internal/shared/middleware"
	"github.com/trustseal/evidence/internal/shared/types"
)

// Handler provides HTTP handlers for the ledger and timestamp tokens
type Handler struct {
	ledger  *ledger.Ledger
	tokens  ledger.TokenVerifier
	signer  EnvelopeSigner
	devMode bool
	logger  *logrus.Logger
}

// NewHandler creates a new handler. tokens may be nil, which disables the
// timestamp routes. Outside devMode the ledger and timestamp routes require an
// admin session.
func NewHandler(l *ledger.Ledger, tokens ledger.TokenVerifier, devMode bool, logger *logrus.Logger) *Handler {
	return &Handler{
		ledger:  l,
		tokens:  tokens,
		devMode: devMode,
		logger:  logging.OrDiscard(logger),
	}
}

// WithSigner enables the signature route
func (h *Handler) WithSigner(s EnvelopeSigner) *Handler {
	h.signer = s
	return h
}

// Routes registers the routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	if h.signer != nil {
		r.Post("/signatures", h.CreateSignature)
	}

	r.Group(func(r chi.Router) {
		r.Use(h.requireAdmin)

		r.Route("/ledger/{kind}/{id}", func(r chi.Router) {
			r.Get("/entries", h.ListEntries)
			r.Post("/entries", h.AppendEntry)
			r.Get("/last", h.LastEntry)
			r.Get("/verify", h.VerifyChain)
			r.Post("/entries/{sequence}/anchor", h.AnchorEntry)
		})

		if h.tokens != nil {
			r.Get("/timestamps/{tokenID}", h.GetToken)
			r.Post("/timestamps/{tokenID}/verify", h.VerifyToken)
		}
	})

	return r
}

func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.devMode {
			user := auth.GetUser(r.Context())
			if user == nil {
				writeError(w, errors.Unauthorized("authentication required"))
				return
			}
			if !user.IsAdmin() {
				writeError(w, errors.Forbidden("admin access required"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func entityRef(r *http.Request) (ledger.EntityRef, error) {
	kind, err := ledger.ParseEntityKind(chi.URLParam(r, "kind"))
	if err != nil {
		return ledger.EntityRef{}, err
	}
	id, err := types.ParseID(chi.URLParam(r, "id"))
	if err != nil {
		return ledger.EntityRef{}, errors.Validation("invalid entity id", map[string]string{"entity_id": chi.URLParam(r, "id")})
	}
	return ledger.EntityRef{Kind: kind, ID: id}, nil
}

// ListEntries returns the entity's chain in sequence order
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	ref, err := entityRef(r)
	if err != nil {
		writeError(w, err)
		return
	}

	entries, err := h.ledger.Entries(r.Context(), ref)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []*ledger.Entry{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"data":  entries,
		"total": len(entries),
	})
}

// LastEntry returns the newest entry of the chain
func (h *Handler) LastEntry(w http.ResponseWriter, r *http.Request) {
	ref, err := entityRef(r)
	if err != nil {
		writeError(w, err)
		return
	}

	entry, err := h.ledger.LastEntry(r.Context(), ref)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// VerifyChain re-derives the chain and reports every deviation
func (h *Handler) VerifyChain(w http.ResponseWriter, r *http.Request) {
	ref, err := entityRef(r)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := h.ledger.VerifyChain(r.Context(), ref)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type appendEntryRequest struct {
	TenantID  types.ID       `json:"tenant_id"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
}

// AppendEntry records an event. The actor is the authenticated session,
// or the system actor without one.
func (h *Handler) AppendEntry(w http.ResponseWriter, r *http.Request) {
	ref, err := entityRef(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req appendEntryRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		writeError(w, errors.BadRequest("invalid request body"))
		return
	}

	tenantID := req.TenantID
	if user := auth.GetUser(r.Context()); user != nil && !user.TenantID.IsZero() {
		tenantID = user.TenantID
	}

	entry, err := h.ledger.Append(r.Context(), ledger.AppendRequest{
		Entity:    ref,
		TenantID:  tenantID,
		EventType: req.EventType,
		Payload:   req.Payload,
		Provenance: ledger.Provenance{
			IPAddress: middleware.ClientIP(r),
			UserAgent: r.UserAgent(),
		},
	})
	if err != nil && entry == nil {
		writeError(w, err)
		return
	}
	if err != nil {
		// persisted but not anchored
		h.logger.WithError(err).WithField("entity", ref.String()).Warn("Entry recorded without timestamp")
		writeJSON(w, http.StatusAccepted, map[string]any{
			"data":    entry,
			"warning": err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusCreated, entry)
}

// AnchorEntry timestamps an entry that has no token yet
func (h *Handler) AnchorEntry(w http.ResponseWriter, r *http.Request) {
	ref, err := entityRef(r)
	if err != nil {
		writeError(w, err)
		return
	}

	sequence, err := strconv.ParseInt(chi.URLParam(r, "sequence"), 10, 64)
	if err != nil || sequence < 1 {
		writeError(w, errors.Validation("invalid sequence", map[string]string{"sequence": chi.URLParam(r, "sequence")}))
		return
	}

	entry, err := h.ledger.AnchorEntry(r.Context(), ref, sequence)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// GetToken returns a stored timestamp token
func (h *Handler) GetToken(w http.ResponseWriter, r *http.Request) {
	id, err := types.ParseID(chi.URLParam(r, "tokenID"))
	if err != nil {
		writeError(w, errors.Validation("invalid token id", nil))
		return
	}

	token, err := h.tokens.Token(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

// VerifyToken re-verifies a timestamp token and records the outcome
func (h *Handler) VerifyToken(w http.ResponseWriter, r *http.Request) {
	id, err := types.ParseID(chi.URLParam(r, "tokenID"))
	if err != nil {
		writeError(w, errors.Validation("invalid token id", nil))
		return
	}

	token, err := h.tokens.Token(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	valid, err := h.tokens.Verify(r.Context(), token)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"valid":       valid,
		"status":      token.Status,
		"verified_at": token.VerifiedAt,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")

	var appErr *errors.AppError
	if errors.As(err, &appErr) {
		w.WriteHeader(errors.HTTPStatus(err))
		json.NewEncoder(w).Encode(map[string]any{
			"error":   appErr.Message,
			"code":    appErr.Code,
			"details": appErr.Details,
		})
		return
	}

	w.WriteHeader(http.StatusInternalServerError)
	json.NewEncoder(w).Encode(map[string]string{"error": "internal server error"})
}
