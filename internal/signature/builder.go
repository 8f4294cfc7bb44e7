// Package signature builds and verifies detached CMS/PKCS#7 signature
// envelopes over content hashes.
package signature

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/digitorus/pkcs7"

	"github.com/trustseal/evidence/internal/canonical"
	"github.com/trustseal/evidence/internal/shared/errors"
	"github.com/trustseal/evidence/internal/shared/metrics"
)

// SigningTimeTolerance bounds how far a requested signing time may be from
// the clock. The CMS signingTime attribute is always stamped by the signing
// library at build time.
const SigningTimeTolerance = 2 * time.Minute

// Builder assembles a detached SignedData envelope. The signed message is
// the raw SHA-256 digest, not the document content.
//
// Only the digest and the signing time are bound by the signature. Reason,
// location and contact are carried on the returned Envelope as unsigned
// metadata and are not CMS attributes.
type Builder struct {
	creds       *Credentials
	hashHex     string
	hashSet     bool
	signingTime time.Time
	reason      string
	location    string
	contact     string
}

// NewBuilder starts an empty builder
func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) WithCredentials(creds *Credentials) *Builder {
	b.creds = creds
	return b
}

// WithContentHash sets the hex SHA-256 hash to sign
func (b *Builder) WithContentHash(hashHex string) *Builder {
	b.hashHex = hashHex
	b.hashSet = true
	return b
}

// WithSigningTime sets the expected signing time. Build rejects values more
// than SigningTimeTolerance away from now.
func (b *Builder) WithSigningTime(t time.Time) *Builder {
	b.signingTime = t
	return b
}

func (b *Builder) WithReason(reason string) *Builder {
	b.reason = reason
	return b
}

func (b *Builder) WithLocation(location string) *Builder {
	b.location = location
	return b
}

func (b *Builder) WithContact(contact string) *Builder {
	b.contact = contact
	return b
}

// Build signs the content hash. Calling Build without credentials or a
// content hash is a programming error and panics.
func (b *Builder) Build() (*Envelope, error) {
	if b.creds == nil || b.creds.Certificate == nil || b.creds.PrivateKey == nil {
		panic("signature: Build called without certificate and private key")
	}
	if !b.hashSet {
		panic("signature: Build called without content hash")
	}

	digest, err := canonical.DecodeHex(b.hashHex)
	if err != nil {
		return nil, err
	}

	if !b.signingTime.IsZero() {
		drift := time.Since(b.signingTime)
		if drift < -SigningTimeTolerance || drift > SigningTimeTolerance {
			return nil, errors.Validation("signing time too far from the current time", map[string]string{
				"signing_time": b.signingTime.UTC().Format(time.RFC3339),
			})
		}
	}

	cert := b.creds.Certificate

	sd, err := pkcs7.NewSignedData(digest)
	if err != nil {
		return nil, errors.Internal(fmt.Errorf("failed to initialise signed data: %w", err))
	}
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)

	if err := sd.AddSignerChain(cert, b.creds.PrivateKey, b.creds.Chain, pkcs7.SignerInfoConfig{}); err != nil {
		return nil, errors.Internal(fmt.Errorf("failed to add signer: %w", err))
	}
	sd.Detach()

	der, err := sd.Finish()
	if err != nil {
		return nil, errors.Internal(fmt.Errorf("failed to encode signed data: %w", err))
	}

	signingTime, err := SignedSigningTime(der)
	if err != nil {
		return nil, errors.Internal(err)
	}
	if signingTime.Before(cert.NotBefore) || signingTime.After(cert.NotAfter) {
		return nil, errors.Configuration("signing time outside certificate validity", nil)
	}

	metrics.RecordSignature()

	return &Envelope{
		DER:           der,
		ContentHash:   hex.EncodeToString(digest),
		HashAlgorithm: canonical.Algorithm,
		Signer:        InfoFor(cert),
		SigningTime:   signingTime,
		Reason:        b.reason,
		Location:      b.location,
		Contact:       b.contact,
	}, nil
}

// SignedSigningTime decodes the signingTime attribute bound into the
// first signer of der.
func SignedSigningTime(der []byte) (time.Time, error) {
	p7, err := pkcs7.Parse(der)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse signed data: %w", err)
	}

	var signingTime time.Time
	if err := p7.UnmarshalSignedAttribute(pkcs7.OIDAttributeSigningTime, &signingTime); err != nil {
		return time.Time{}, fmt.Errorf("failed to decode signing time: %w", err)
	}
	return signingTime.UTC(), nil
}
