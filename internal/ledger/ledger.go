// Package ledger keeps the append-only, hash-chained evidence trail.
//
// Every entity (document, signature request, signer, ...) owns its own
// chain. Entry n records the hash of entry n-1, and its own hash covers
// its fields plus that link, so altering any stored entry is detectable
// from the entry itself and from every later one. Entries of critical
// event types are additionally anchored to a qualified RFC 3161 timestamp.
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/trustseal/evidence/internal/canonical"
	"github.com/trustseal/evidence/internal/shared/auth"
	"github.com/trustseal/evidence/internal/shared/config"
	"github.com/trustseal/evidence/internal/shared/errors"
	"github.com/trustseal/evidence/internal/shared/logging"
	"github.com/trustseal/evidence/internal/shared/metrics"
	"github.com/trustseal/evidence/internal/shared/types"
	"github.com/trustseal/evidence/internal/tsa"
)

// Config controls append behaviour
type Config struct {
	// CriticalEvents are anchored to a qualified timestamp after append
	CriticalEvents []string
	// AppendTimeout bounds lock acquisition plus persistence; zero means none
	AppendTimeout time.Duration
	// BlockOnTimestampFailure reports a failed anchor as an error
	BlockOnTimestampFailure bool
}

// ConfigFrom converts the process configuration section
func ConfigFrom(cfg config.LedgerConfig) Config {
	return Config{
		CriticalEvents:          cfg.CriticalEvents,
		AppendTimeout:           cfg.AppendTimeout,
		BlockOnTimestampFailure: cfg.BlockOnTimestampFailure,
	}
}

// Timestamper obtains a qualified timestamp over a hex SHA-256 value
type Timestamper interface {
	Timestamp(ctx context.Context, tenantID types.ID, hashHex string) (*tsa.Token, error)
}

// TokenVerifier looks up and verifies timestamp tokens linked to entries
type TokenVerifier interface {
	Token(ctx context.Context, id types.ID) (*tsa.Token, error)
	Verify(ctx context.Context, token *tsa.Token) (bool, error)
}

// Option configures a Ledger
type Option func(*Ledger)

// WithTimestamper sets the timestamp source for critical events
func WithTimestamper(t Timestamper) Option {
	return func(l *Ledger) { l.timestamper = t }
}

// WithTokenVerifier makes VerifyChain verify linked timestamp tokens
func WithTokenVerifier(v TokenVerifier) Option {
	return func(l *Ledger) { l.verifier = v }
}

// WithResolver makes Append confirm the entity exists
func WithResolver(r EntityResolver) Option {
	return func(l *Ledger) { l.resolver = r }
}

// WithLogger sets the logger for append, anchoring and verification events
func WithLogger(logger *logrus.Logger) Option {
	return func(l *Ledger) { l.logger = logging.OrDiscard(logger) }
}

// WithClock replaces the wall clock used for created_at
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// Ledger appends and verifies per-entity hash chains.
type Ledger struct {
	store       Store
	cfg         Config
	critical    map[string]bool
	timestamper Timestamper
	verifier    TokenVerifier
	resolver    EntityResolver
	logger      *logrus.Logger
	now         func() time.Time
}

// New creates a ledger over store. Critical events without a timestamper
// are a configuration error.
func New(store Store, cfg Config, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		store:    store,
		cfg:      cfg,
		critical: make(map[string]bool),
		logger:   logging.Discard(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}

	for _, eventType := range cfg.CriticalEvents {
		if eventType = strings.TrimSpace(eventType); eventType != "" {
			l.critical[eventType] = true
		}
	}
	if len(l.critical) > 0 && l.timestamper == nil {
		return nil, errors.Configuration("critical ledger events require a timestamp client", nil)
	}
	return l, nil
}

// IsCritical reports whether entries of eventType are timestamped
func (l *Ledger) IsCritical(eventType string) bool {
	return l.critical[eventType]
}

// AppendRequest describes one event to record
type AppendRequest struct {
	Entity    EntityRef
	TenantID  types.ID
	EventType string
	Payload   map[string]any
	// Actor overrides the session actor when set
	Actor      *Actor
	Provenance Provenance
}

func (r AppendRequest) validate() error {
	if err := r.Entity.Validate(); err != nil {
		return err
	}
	if err := r.TenantID.Validate(); err != nil {
		return errors.Validation("invalid tenant id", map[string]string{"tenant_id": err.Error()})
	}
	if strings.TrimSpace(r.EventType) == "" {
		return errors.Validation("event type is required", map[string]string{"event_type": "required"})
	}
	if !utf8.ValidString(r.EventType) {
		return errors.Validation("event type is not valid UTF-8", map[string]string{"event_type": "invalid encoding"})
	}
	if r.Actor != nil && !r.Actor.Kind.valid() {
		return errors.Validation(fmt.Sprintf("unknown actor kind %q", r.Actor.Kind), map[string]string{"actor_type": string(r.Actor.Kind)})
	}
	return nil
}

// Append records an event as the next entry of the entity's chain and
// returns the persisted entry.
//
// For critical event types the entry is timestamped once the entity lock
// is released. If that fails the entry stays persisted; with
// BlockOnTimestampFailure the entry is returned together with an
// Unavailable error and can be re-anchored with AnchorEntry.
func (l *Ledger) Append(ctx context.Context, req AppendRequest) (*Entry, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	if l.resolver != nil {
		exists, err := l.resolver.Exists(ctx, req.Entity)
		if err != nil {
			return nil, errors.Wrap(err, "failed to resolve entity")
		}
		if !exists {
			return nil, errors.NotFound(string(req.Entity.Kind), req.Entity.ID.String())
		}
	}

	payload, err := canonical.Normalize(req.Payload)
	if err != nil {
		return nil, errors.Validation("payload is not serializable", map[string]string{"payload": err.Error()})
	}

	actor := l.resolveActor(ctx, req.Actor)

	appendCtx := ctx
	if l.cfg.AppendTimeout > 0 {
		var cancel context.CancelFunc
		appendCtx, cancel = context.WithTimeout(ctx, l.cfg.AppendTimeout)
		defer cancel()
	}

	start := time.Now()
	entry, err := l.store.Append(appendCtx, req.Entity, func(last *Entry) (*Entry, error) {
		return l.buildEntry(last, req, payload, actor)
	})
	if err != nil {
		return nil, err
	}
	metrics.RecordLedgerAppend(entry.Category(), time.Since(start))

	log := l.logger.WithFields(logrus.Fields{
		"entity":     req.Entity.String(),
		"tenant_id":  entry.TenantID,
		"event_type": entry.EventType,
		"sequence":   entry.Sequence,
	})
	log.Debug("Ledger entry appended")

	if !l.IsCritical(entry.EventType) {
		return entry, nil
	}

	if err := l.anchor(ctx, entry); err != nil {
		if l.cfg.BlockOnTimestampFailure {
			log.WithError(err).Error("Critical ledger entry could not be timestamped")
			return entry, errors.Unavailable("critical event recorded without a qualified timestamp", err)
		}
		log.WithError(err).Warn("Critical ledger entry could not be timestamped")
	}
	return entry, nil
}

func (l *Ledger) buildEntry(last *Entry, req AppendRequest, payload map[string]any, actor Actor) (*Entry, error) {
	entry := &Entry{
		ID:           types.NewID(),
		TenantID:     req.TenantID,
		EntityType:   req.Entity.Kind,
		EntityID:     req.Entity.ID,
		Sequence:     1,
		EventType:    req.EventType,
		Payload:      payload,
		ActorType:    actor.Kind,
		ActorID:      validText(actor.ID),
		IPAddress:    validText(req.Provenance.IPAddress),
		UserAgent:    validText(req.Provenance.UserAgent),
		PreviousHash: canonical.GenesisHash,
		CreatedAt:    l.now().UTC().Truncate(time.Microsecond),
	}

	if last != nil {
		if last.TenantID != req.TenantID {
			return nil, errors.Forbidden("entity belongs to another tenant")
		}
		entry.Sequence = last.Sequence + 1
		entry.PreviousHash = last.Hash
	}

	hash, err := entry.ComputeHash()
	if err != nil {
		return nil, errors.Internal(err)
	}
	entry.Hash = hash
	return entry, nil
}

// resolveActor falls back from the explicit actor to the authenticated
// session and finally to the system actor.
func (l *Ledger) resolveActor(ctx context.Context, explicit *Actor) Actor {
	if explicit != nil {
		return *explicit
	}
	if kind, id, ok := auth.SessionActor(ctx); ok {
		if k := ActorKind(kind); k.valid() {
			return Actor{Kind: k, ID: id}
		}
		return Actor{Kind: ActorUser, ID: id}
	}
	return SystemActor
}

func (l *Ledger) anchor(ctx context.Context, entry *Entry) error {
	if l.timestamper == nil {
		return errors.Configuration("no timestamp client configured", nil)
	}

	token, err := l.timestamper.Timestamp(ctx, entry.TenantID, entry.Hash)
	if err != nil {
		return err
	}

	if err := l.store.AttachTimestamp(ctx, entry.Ref(), entry.Sequence, token.ID); err != nil {
		return errors.Wrap(err, "failed to link timestamp token")
	}
	entry.TimestampTokenID = token.ID

	l.logger.WithFields(logrus.Fields{
		"entity":   entry.Ref().String(),
		"sequence": entry.Sequence,
		"token_id": token.ID,
		"provider": token.Provider,
	}).Info("Ledger entry timestamped")
	return nil
}

// AnchorEntry timestamps an existing entry that has no token yet, such as
// a critical entry whose first anchoring attempt failed.
func (l *Ledger) AnchorEntry(ctx context.Context, ref EntityRef, sequence int64) (*Entry, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}

	entries, err := l.store.Entries(ctx, ref)
	if err != nil {
		return nil, err
	}

	for _, entry := range entries {
		if entry.Sequence != sequence {
			continue
		}
		if entry.Anchored() {
			return nil, errors.Conflict("ledger entry already carries a timestamp token")
		}
		if err := l.anchor(ctx, entry); err != nil {
			return nil, err
		}
		return entry, nil
	}
	return nil, errors.NotFound("ledger entry", fmt.Sprintf("%s#%d", ref, sequence))
}

// LastEntry returns the newest entry of the entity's chain
func (l *Ledger) LastEntry(ctx context.Context, ref EntityRef) (*Entry, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	last, err := l.store.Last(ctx, ref)
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, errors.NotFound("ledger entry", ref.String())
	}
	return last, nil
}

// Entries returns the entity's chain in sequence order
func (l *Ledger) Entries(ctx context.Context, ref EntityRef) ([]*Entry, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	return l.store.Entries(ctx, ref)
}

// validText replaces invalid UTF-8 sequences so the stored value is the
// one the entry hash covers.
func validText(s string) string {
	return strings.ToValidUTF8(s, "\uFFFD")
}
