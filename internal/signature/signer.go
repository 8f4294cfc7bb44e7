package signature

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/trustseal/evidence/internal/shared/errors"
	"github.com/trustseal/evidence/internal/shared/logging"
	"github.com/trustseal/evidence/internal/shared/types"
	"github.com/trustseal/evidence/internal/tsa"
)

// Timestamper acquires a qualified timestamp over a hex SHA-256 hash
type Timestamper interface {
	Timestamp(ctx context.Context, tenantID types.ID, hashHex string) (*tsa.Token, error)
}

// Metadata is the optional signer-supplied context of a signature
type Metadata struct {
	// SigningTime is zero or within SigningTimeTolerance of now
	SigningTime time.Time
	Reason      string
	Location    string
	Contact     string
}

// Signer runs the signing workflow: build the envelope, then timestamp its
// signature value.
type Signer struct {
	creds       *Credentials
	timestamper Timestamper
	logger      *logrus.Logger
}

// NewSigner creates a signer. A nil timestamper produces envelopes without
// signature timestamps.
func NewSigner(creds *Credentials, timestamper Timestamper, logger *logrus.Logger) *Signer {
	return &Signer{creds: creds, timestamper: timestamper, logger: logging.OrDiscard(logger)}
}

// Certificate returns the signing certificate
func (s *Signer) Certificate() CertificateInfo {
	return s.creds.Info()
}

// Sign produces a detached envelope over hashHex. Tokens from real
// providers are embedded in the envelope; mock tokens are only referenced
// by id. A timestamp failure fails the whole signature.
func (s *Signer) Sign(ctx context.Context, tenantID types.ID, hashHex string, md Metadata) (*Envelope, error) {
	env, err := NewBuilder().
		WithCredentials(s.creds).
		WithContentHash(hashHex).
		WithSigningTime(md.SigningTime).
		WithReason(md.Reason).
		WithLocation(md.Location).
		WithContact(md.Contact).
		Build()
	if err != nil {
		return nil, err
	}

	log := s.logger.WithFields(logrus.Fields{
		"tenant_id":    tenantID,
		"content_hash": env.ContentHash,
		"signer":       env.Signer.Fingerprint,
	})

	if s.timestamper == nil {
		log.Info("signature created without timestamp")
		return env, nil
	}

	imprint, err := SignatureValueHash(env.DER)
	if err != nil {
		return nil, err
	}

	token, err := s.timestamper.Timestamp(ctx, tenantID, imprint)
	if err != nil {
		log.WithError(err).Error("signature timestamp failed")
		return nil, errors.Wrap(err, "failed to timestamp signature")
	}
	env.TimestampTokenID = token.ID

	if !token.IsMock() {
		embedded, err := EmbedTimestamp(env.DER, token.Token)
		if err != nil {
			return nil, err
		}
		env.DER = embedded
		env.TimestampEmbedded = true
	}

	log.WithFields(logrus.Fields{
		"token_id": token.ID,
		"provider": token.Provider,
	}).Info("signature created")

	return env, nil
}
