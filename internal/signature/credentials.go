package signature

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/pkcs12"

	"github.com/trustseal/evidence/internal/shared/config"
	"github.com/trustseal/evidence/internal/shared/errors"
	"github.com/trustseal/evidence/internal/shared/logging"
)

const (
	// DefaultMinRSABits is the smallest RSA modulus accepted for signing
	DefaultMinRSABits = 2048
	// MinECDSABits is the smallest ECDSA curve accepted for signing
	MinECDSABits = 256
)

// Credentials is a validated signing certificate with its private key.
type Credentials struct {
	Certificate *x509.Certificate
	Chain       []*x509.Certificate
	PrivateKey  crypto.Signer

	// ExpiresSoon is set when the certificate expires within the warning window
	ExpiresSoon bool
}

// LoadOptions controls load-time validation
type LoadOptions struct {
	MinRSABits    int
	ExpiryWarning time.Duration
	Revocation    RevocationChecker
	Logger        *logrus.Logger

	// Now overrides the clock used for the validity window check
	Now func() time.Time
}

func (o LoadOptions) withDefaults() LoadOptions {
	if o.MinRSABits <= 0 {
		o.MinRSABits = DefaultMinRSABits
	}
	if o.ExpiryWarning <= 0 {
		o.ExpiryWarning = 30 * 24 * time.Hour
	}
	if o.Revocation == nil {
		o.Revocation = NoopRevocationChecker{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	o.Logger = logging.OrDiscard(o.Logger)
	return o
}

// OptionsFromConfig maps the signing configuration onto load options
func OptionsFromConfig(cfg config.SigningConfig, logger *logrus.Logger) LoadOptions {
	opts := LoadOptions{
		MinRSABits:    cfg.MinRSABits,
		ExpiryWarning: time.Duration(cfg.ExpiryWarningDays) * 24 * time.Hour,
		Logger:        logger,
	}
	if cfg.OCSPEnabled {
		opts.Revocation = NewOCSPChecker(cfg.OCSPTimeout, logger)
	}
	return opts
}

// LoadFromConfig loads credentials from PKCS#12 or PEM files, whichever is configured.
func LoadFromConfig(cfg config.SigningConfig, logger *logrus.Logger) (*Credentials, error) {
	opts := OptionsFromConfig(cfg, logger)
	if cfg.PKCS12Path != "" {
		data, err := os.ReadFile(cfg.PKCS12Path)
		if err != nil {
			return nil, errors.Configuration("failed to read PKCS#12 bundle", err)
		}
		return LoadPKCS12(data, cfg.PKCS12Password, opts)
	}
	return LoadFiles(cfg.CertPath, cfg.KeyPath, opts)
}

// LoadFiles reads PEM certificate (optionally followed by its chain) and key files.
func LoadFiles(certPath, keyPath string, opts LoadOptions) (*Credentials, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, errors.Configuration("failed to read signing certificate", err)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, errors.Configuration("failed to read signing key", err)
	}
	return Load(certPEM, keyPEM, opts)
}

// Load parses PEM material and validates it for signing. The first
// certificate block is the signing certificate; further blocks form the chain.
func Load(certPEM, keyPEM []byte, opts LoadOptions) (*Credentials, error) {
	certs, err := parseCertificates(certPEM)
	if err != nil {
		return nil, err
	}

	key, err := parsePrivateKey(keyPEM)
	if err != nil {
		return nil, err
	}

	return newCredentials(certs[0], certs[1:], key, opts)
}

// LoadPKCS12 decodes a PKCS#12 bundle holding one certificate and key.
func LoadPKCS12(data []byte, password string, opts LoadOptions) (*Credentials, error) {
	key, cert, err := pkcs12.Decode(data, password)
	if err != nil {
		return nil, errors.Configuration("failed to decode PKCS#12 bundle", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, errors.Configuration(fmt.Sprintf("unsupported private key type %T", key), nil)
	}
	return newCredentials(cert, nil, signer, opts)
}

func newCredentials(cert *x509.Certificate, chain []*x509.Certificate, key crypto.Signer, opts LoadOptions) (*Credentials, error) {
	opts = opts.withDefaults()

	if err := checkKeyMatches(cert, key); err != nil {
		return nil, err
	}
	if err := checkKeyStrength(key, opts.MinRSABits); err != nil {
		return nil, err
	}

	now := opts.Now()
	if now.Before(cert.NotBefore) {
		return nil, errors.Configuration(
			fmt.Sprintf("signing certificate not valid before %s", cert.NotBefore.UTC().Format(time.RFC3339)), nil)
	}
	if now.After(cert.NotAfter) {
		return nil, errors.Configuration(
			fmt.Sprintf("signing certificate expired at %s", cert.NotAfter.UTC().Format(time.RFC3339)), nil)
	}

	creds := &Credentials{Certificate: cert, Chain: chain, PrivateKey: key}
	info := InfoFor(cert)

	if cert.NotAfter.Sub(now) < opts.ExpiryWarning {
		creds.ExpiresSoon = true
		opts.Logger.WithFields(logrus.Fields{
			"subject":   info.Subject,
			"not_after": cert.NotAfter,
		}).Warn("signing certificate expires soon")
	}

	status, err := opts.Revocation.Check(context.Background(), cert, creds.issuer())
	if err != nil {
		opts.Logger.WithFields(logrus.Fields{
			"subject": info.Subject,
			"error":   err,
		}).Warn("revocation status unavailable")
	}
	if status == RevocationRevoked {
		return nil, errors.Configuration("signing certificate has been revoked", nil)
	}

	return creds, nil
}

// issuer returns the certificate that issued the signing certificate, or
// the certificate itself when it is self-signed or no chain is present.
func (c *Credentials) issuer() *x509.Certificate {
	for _, candidate := range c.Chain {
		if c.Certificate.CheckSignatureFrom(candidate) == nil {
			return candidate
		}
	}
	return c.Certificate
}

// Info describes the signing certificate
func (c *Credentials) Info() CertificateInfo {
	return InfoFor(c.Certificate)
}

func parseCertificates(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, errors.Configuration("failed to parse signing certificate", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, errors.Configuration("no certificate found in PEM data", nil)
	}
	return certs, nil
}

func parsePrivateKey(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.Configuration("no private key found in PEM data", nil)
	}

	var (
		key any
		err error
	)
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	default:
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	}
	if err != nil {
		return nil, errors.Configuration("failed to parse signing key", err)
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, errors.Configuration(fmt.Sprintf("unsupported private key type %T", key), nil)
	}
	return signer, nil
}

func checkKeyMatches(cert *x509.Certificate, key crypto.Signer) error {
	pub, ok := key.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(cert.PublicKey) {
		return errors.Configuration("private key does not match signing certificate", nil)
	}
	return nil
}

func checkKeyStrength(key crypto.Signer, minRSABits int) error {
	switch k := key.Public().(type) {
	case *rsa.PublicKey:
		if bits := k.N.BitLen(); bits < minRSABits {
			return errors.Configuration(fmt.Sprintf("RSA key too small: %d bits, need at least %d", bits, minRSABits), nil)
		}
	case *ecdsa.PublicKey:
		if bits := k.Curve.Params().BitSize; bits < MinECDSABits {
			return errors.Configuration(fmt.Sprintf("ECDSA key too small: %d bits, need at least %d", bits, MinECDSABits), nil)
		}
	default:
		return errors.Configuration(fmt.Sprintf("unsupported signing key type %T", k), nil)
	}
	return nil
}

// CertificateInfo identifies a certificate in envelopes and reports
type CertificateInfo struct {
	Subject      string    `json:"subject"`
	Issuer       string    `json:"issuer"`
	SerialNumber string    `json:"serial_number"`
	Fingerprint  string    `json:"fingerprint"`
	NotBefore    time.Time `json:"not_before"`
	NotAfter     time.Time `json:"not_after"`
}

// InfoFor describes cert. The fingerprint is the SHA-256 of its DER encoding.
func InfoFor(cert *x509.Certificate) CertificateInfo {
	sum := sha256.Sum256(cert.Raw)
	return CertificateInfo{
		Subject:      cert.Subject.String(),
		Issuer:       cert.Issuer.String(),
		SerialNumber: cert.SerialNumber.Text(16),
		Fingerprint:  hex.EncodeToString(sum[:]),
		NotBefore:    cert.NotBefore,
		NotAfter:     cert.NotAfter,
	}
}
