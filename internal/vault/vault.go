// Package vault provides tenant-scoped authenticated encryption for data at rest.
//
// Every tenant key is derived statelessly from one master secret with
// HKDF-SHA256, so no per-tenant key material is ever stored. Blobs use
// AES-256-GCM with the layout nonce(12) || ciphertext || tag(16).
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/hkdf"

	"github.com/trustseal/evidence/internal/shared/errors"
	"github.com/trustseal/evidence/internal/shared/logging"
	"github.com/trustseal/evidence/internal/shared/metrics"
	"github.com/trustseal/evidence/internal/shared/types"
)

const (
	// KeySize is the size of the master secret and of every derived key
	KeySize = 32
	// NonceSize is the GCM nonce length at the head of every blob
	NonceSize = 12
	// TagSize is the GCM authentication tag length at the tail of every blob
	TagSize = 16
	// MinBlobSize is the size of a blob carrying an empty plaintext
	MinBlobSize = NonceSize + TagSize

	infoPrefix = "tenant:"
)

// Vault encrypts and decrypts blobs on behalf of tenants.
type Vault struct {
	master   []byte
	cache    *ristretto.Cache
	cacheTTL time.Duration
	logger   *logrus.Logger
}

// Option configures a Vault
type Option func(*Vault)

// WithKeyCacheTTL bounds how long derived keys stay cached. Zero disables caching.
func WithKeyCacheTTL(ttl time.Duration) Option {
	return func(v *Vault) { v.cacheTTL = ttl }
}

// WithLogger sets the logger
func WithLogger(logger *logrus.Logger) Option {
	return func(v *Vault) { v.logger = logger }
}

// New creates a vault from a base64-encoded 256-bit master secret.
func New(masterKeyB64 string, opts ...Option) (*Vault, error) {
	if masterKeyB64 == "" {
		return nil, errors.Configuration("vault master key is not configured", nil)
	}

	master, err := base64.StdEncoding.DecodeString(masterKeyB64)
	if err != nil {
		return nil, errors.Configuration("vault master key is not valid base64", err)
	}
	if len(master) != KeySize {
		return nil, errors.Configuration(fmt.Sprintf("vault master key must be %d bytes (got %d)", KeySize, len(master)), nil)
	}

	v := &Vault{
		master:   master,
		cacheTTL: 10 * time.Minute,
	}
	for _, opt := range opts {
		opt(v)
	}
	v.logger = logging.OrDiscard(v.logger)

	if v.cacheTTL > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: 10_000,
			MaxCost:     1_000,
			BufferItems: 64,
		})
		if err != nil {
			return nil, errors.Configuration("failed to create key cache", err)
		}
		v.cache = cache
	}

	return v, nil
}

// Close releases the key cache
func (v *Vault) Close() {
	if v.cache != nil {
		v.cache.Close()
	}
}

// Encrypt seals plaintext for the tenant under a fresh random nonce.
func (v *Vault) Encrypt(tenantID types.ID, plaintext []byte) ([]byte, error) {
	aead, err := v.aeadFor(tenantID)
	if err != nil {
		metrics.RecordVaultOperation("encrypt", false)
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		metrics.RecordVaultOperation("encrypt", false)
		return nil, errors.Internal(fmt.Errorf("failed to generate nonce: %w", err))
	}

	blob := aead.Seal(nonce, nonce, plaintext, nil)
	metrics.RecordVaultOperation("encrypt", true)
	return blob, nil
}

// Decrypt opens a blob produced by Encrypt for the same tenant. A blob that
// fails authentication yields an integrity error and no plaintext.
func (v *Vault) Decrypt(tenantID types.ID, blob []byte) ([]byte, error) {
	if len(blob) < MinBlobSize {
		metrics.RecordVaultOperation("decrypt", false)
		return nil, errors.Validation(
			fmt.Sprintf("encrypted blob too short: %d bytes, need at least %d", len(blob), MinBlobSize),
			map[string]string{"blob": "too_short"},
		)
	}

	aead, err := v.aeadFor(tenantID)
	if err != nil {
		metrics.RecordVaultOperation("decrypt", false)
		return nil, err
	}

	nonce, sealed := blob[:NonceSize], blob[NonceSize:]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		metrics.RecordVaultOperation("decrypt", false)
		v.logger.WithField("tenant_id", tenantID).Warn("vault blob failed authentication")
		return nil, errors.Integrity("encrypted blob failed authentication (tampered or wrong key)",
			map[string]string{"tenant_id": tenantID.String()})
	}

	metrics.RecordVaultOperation("decrypt", true)
	return plaintext, nil
}

// EncryptString encrypts s and returns the blob base64-encoded.
func (v *Vault) EncryptString(tenantID types.ID, s string) (string, error) {
	blob, err := v.Encrypt(tenantID, []byte(s))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(blob), nil
}

// DecryptString decrypts a base64-encoded blob.
func (v *Vault) DecryptString(tenantID types.ID, encoded string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", errors.Validation("encrypted value is not valid base64", map[string]string{"blob": "encoding"})
	}
	plaintext, err := v.Decrypt(tenantID, blob)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// IsEncrypted guesses whether data is a blob of this tenant by size and trial
// decryption. It is a migration aid only and never a security boundary.
func (v *Vault) IsEncrypted(tenantID types.ID, data []byte) bool {
	if len(data) < MinBlobSize {
		return false
	}
	aead, err := v.aeadFor(tenantID)
	if err != nil {
		return false
	}
	_, err = aead.Open(nil, data[:NonceSize], data[NonceSize:], nil)
	return err == nil
}

func (v *Vault) aeadFor(tenantID types.ID) (cipher.AEAD, error) {
	key, err := v.tenantKey(tenantID)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Internal(fmt.Errorf("failed to create cipher: %w", err))
	}

	aead, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, errors.Internal(fmt.Errorf("failed to create GCM: %w", err))
	}
	return aead, nil
}

// tenantKey returns the derived key, consulting the cache first. Populating
// the cache is idempotent, so concurrent writers need no lock.
func (v *Vault) tenantKey(tenantID types.ID) ([]byte, error) {
	if tenantID.IsZero() {
		return nil, errors.Validation("tenant id is required", map[string]string{"tenant_id": "required"})
	}

	if v.cache != nil {
		if cached, ok := v.cache.Get(tenantID.String()); ok {
			if key, ok := cached.([]byte); ok {
				return key, nil
			}
		}
	}

	key, err := deriveKey(v.master, tenantID)
	if err != nil {
		return nil, err
	}

	if v.cache != nil {
		v.cache.SetWithTTL(tenantID.String(), key, 1, v.cacheTTL)
	}
	return key, nil
}

// deriveKey expands the master secret into the tenant's 256-bit key
func deriveKey(master []byte, tenantID types.ID) ([]byte, error) {
	reader := hkdf.New(sha256.New, master, nil, []byte(infoPrefix+tenantID.String()))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, errors.Internal(fmt.Errorf("failed to derive tenant key: %w", err))
	}
	return key, nil
}

// GenerateMasterKey returns a random base64-encoded master secret.
func GenerateMasterKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
