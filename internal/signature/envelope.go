package signature

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	"github.com/digitorus/pkcs7"
	"github.com/digitorus/timestamp"

	"github.com/trustseal/evidence/internal/canonical"
	"github.com/trustseal/evidence/internal/shared/errors"
	"github.com/trustseal/evidence/internal/shared/types"
)

// Envelope is a built signature with the facts needed to store and audit it.
type Envelope struct {
	DER           []byte          `json:"-"`
	ContentHash   string          `json:"content_hash"`
	HashAlgorithm string          `json:"hash_algorithm"`
	Signer        CertificateInfo `json:"signer"`
	SigningTime   time.Time       `json:"signing_time"`
	Reason        string          `json:"reason,omitempty"`
	Location      string          `json:"location,omitempty"`
	Contact       string          `json:"contact,omitempty"`

	// TimestampTokenID references the token over the signature value
	TimestampTokenID types.ID `json:"timestamp_token_id,omitempty"`
	// TimestampEmbedded is set when the token is carried inside DER
	TimestampEmbedded bool `json:"timestamp_embedded"`
}

// PEM wraps the envelope for tooling that expects PEM input
func (e *Envelope) PEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "PKCS7", Bytes: e.DER})
}

// SignatureValue returns the signer's raw signature octets
func (e *Envelope) SignatureValue() ([]byte, error) {
	return SignatureValue(e.DER)
}

// SignatureValue returns the first signer's raw signature octets
func SignatureValue(der []byte) ([]byte, error) {
	layout, err := parseLayout(der)
	if err != nil {
		return nil, errors.Validation("malformed signature envelope", map[string]string{"envelope": err.Error()})
	}
	return layout.signatureValue()
}

// SignatureValueHash is the hex SHA-256 of the signature value, the
// message imprint of a signature timestamp.
func SignatureValueHash(der []byte) (string, error) {
	value, err := SignatureValue(der)
	if err != nil {
		return "", err
	}
	return canonical.HashBytes(value), nil
}

// EmbedTimestamp adds tokenDER as the signature timestamp of the first
// signer, producing an envelope suitable for long-term validation.
func EmbedTimestamp(der, tokenDER []byte) ([]byte, error) {
	layout, err := parseLayout(der)
	if err != nil {
		return nil, errors.Validation("malformed signature envelope", map[string]string{"envelope": err.Error()})
	}

	if _, present, err := layout.attributeValue(OIDSignatureTimeStampToken); err != nil {
		return nil, errors.Validation("malformed unsigned attributes", map[string]string{"envelope": err.Error()})
	} else if present {
		return nil, errors.Conflict("signature envelope already carries a timestamp")
	}

	if _, err := pkcs7.Parse(tokenDER); err != nil {
		return nil, errors.Validation("timestamp token is not a CMS structure", map[string]string{"token": err.Error()})
	}

	out, err := layout.withUnsignedAttribute(OIDSignatureTimeStampToken, tokenDER)
	if err != nil {
		return nil, errors.Internal(fmt.Errorf("failed to re-encode envelope: %w", err))
	}
	return out, nil
}

// ExtractTimestampToken returns the embedded signature timestamp, if any.
func ExtractTimestampToken(der []byte) ([]byte, bool, error) {
	layout, err := parseLayout(der)
	if err != nil {
		return nil, false, errors.Validation("malformed signature envelope", map[string]string{"envelope": err.Error()})
	}
	token, ok, err := layout.attributeValue(OIDSignatureTimeStampToken)
	if err != nil {
		return nil, false, errors.Validation("malformed unsigned attributes", map[string]string{"envelope": err.Error()})
	}
	return token, ok, nil
}

// VerificationResult reports each envelope check separately.
type VerificationResult struct {
	Valid              bool       `json:"valid"`
	SignatureValid     bool       `json:"signature_valid"`
	CertificateMatches bool       `json:"certificate_matches"`
	CertificateValid   bool       `json:"certificate_valid"`
	TimestampPresent   bool       `json:"timestamp_present"`
	TimestampValid     bool       `json:"timestamp_valid"`
	TimestampTime      *time.Time `json:"timestamp_time,omitempty"`
	Errors             []string   `json:"errors,omitempty"`
}

// Verify reports whether der is a valid signature by cert over hashHex
func Verify(der []byte, hashHex string, cert *x509.Certificate) bool {
	return VerifyDetailed(der, hashHex, cert).Valid
}

// VerifyDetailed checks the signature over the content hash, that cert is
// the signer, that cert was valid at the trusted time, and any embedded
// timestamp. The trusted time is the timestamp's time when one verifies,
// otherwise now.
func VerifyDetailed(der []byte, hashHex string, cert *x509.Certificate) *VerificationResult {
	result := &VerificationResult{}
	fail := func(format string, args ...any) {
		result.Errors = append(result.Errors, fmt.Sprintf(format, args...))
	}

	digest, err := canonical.DecodeHex(hashHex)
	if err != nil {
		fail("content hash: %v", err)
		return result
	}
	if cert == nil {
		fail("certificate: none supplied")
		return result
	}

	p7, err := pkcs7.Parse(der)
	if err != nil {
		fail("envelope: %v", err)
		return result
	}
	p7.Content = digest

	if err := p7.Verify(); err != nil {
		fail("signature: %v", err)
	} else {
		result.SignatureValid = true
	}

	if signer := p7.GetOnlySigner(); signer != nil && bytes.Equal(signer.Raw, cert.Raw) {
		result.CertificateMatches = true
	} else {
		fail("certificate: envelope was not signed by the supplied certificate")
	}

	trustedTime := time.Now()
	if token, present, err := ExtractTimestampToken(der); err != nil {
		fail("timestamp: %v", err)
	} else if present {
		result.TimestampPresent = true
		if ts, err := verifySignatureTimestamp(der, token); err != nil {
			fail("timestamp: %v", err)
		} else {
			result.TimestampValid = true
			t := ts.Time.UTC()
			result.TimestampTime = &t
			trustedTime = t
		}
	}

	if trustedTime.Before(cert.NotBefore) || trustedTime.After(cert.NotAfter) {
		fail("certificate: not valid at %s", trustedTime.UTC().Format(time.RFC3339))
	} else {
		result.CertificateValid = true
	}

	result.Valid = result.SignatureValid &&
		result.CertificateMatches &&
		result.CertificateValid &&
		(!result.TimestampPresent || result.TimestampValid)
	return result
}

func verifySignatureTimestamp(der, token []byte) (*timestamp.Timestamp, error) {
	value, err := SignatureValue(der)
	if err != nil {
		return nil, err
	}
	ts, err := timestamp.Parse(token)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(value)
	if !bytes.Equal(ts.HashedMessage, sum[:]) {
		return nil, fmt.Errorf("token does not cover the signature value")
	}
	return ts, nil
}
