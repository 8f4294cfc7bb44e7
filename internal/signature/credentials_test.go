package signature

import (
	"bytes"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustseal/evidence/internal/shared/config"
	"github.com/trustseal/evidence/internal/shared/errors"
)

func TestLoadValidCredentials(t *testing.T) {
	key := testRSAKey(t)
	cert := issueCert(t, key, certSpec{commonName: "Alice"})

	creds, err := Load(certPEM(cert), keyPEM(t, key), LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, cert.Raw, creds.Certificate.Raw)
	assert.Empty(t, creds.Chain)
	assert.False(t, creds.ExpiresSoon)

	info := creds.Info()
	sum := sha256.Sum256(cert.Raw)
	assert.Equal(t, hex.EncodeToString(sum[:]), info.Fingerprint)
	assert.Contains(t, info.Subject, "CN=Alice")
	assert.Equal(t, cert.SerialNumber.Text(16), info.SerialNumber)
}

func TestLoadAcceptsPKCS1Key(t *testing.T) {
	key := testRSAKey(t)
	cert := issueCert(t, key, certSpec{commonName: "PKCS1"})
	pkcs1 := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	_, err := Load(certPEM(cert), pkcs1, LoadOptions{})
	assert.NoError(t, err)
}

func TestLoadWithChain(t *testing.T) {
	caKey := ecKey(t, elliptic.P256())
	ca := issueCert(t, caKey, certSpec{commonName: "CA", isCA: true})
	key := testRSAKey(t)
	leaf := issueCert(t, key, certSpec{commonName: "Leaf", parent: ca, parentKey: caKey})

	creds, err := Load(certPEM(leaf, ca), keyPEM(t, key), LoadOptions{})
	require.NoError(t, err)
	require.Len(t, creds.Chain, 1)
	assert.Equal(t, ca.Raw, creds.issuer().Raw)
}

func TestLoadRejections(t *testing.T) {
	key := testRSAKey(t)
	valid := issueCert(t, key, certSpec{commonName: "Valid"})

	otherKey := ecKey(t, elliptic.P256())

	smallKey, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	smallCert := issueCert(t, smallKey, certSpec{commonName: "Small"})

	ca := issueCert(t, key, certSpec{commonName: "CA", isCA: true})
	p224 := ecKey(t, elliptic.P224())
	p224Cert := issueCert(t, p224, certSpec{commonName: "P224", parent: ca, parentKey: key})

	_, edKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	edCert := issueCert(t, edKey, certSpec{commonName: "Ed25519"})

	expired := issueCert(t, key, certSpec{
		commonName: "Expired",
		notBefore:  time.Now().AddDate(-2, 0, 0),
		notAfter:   time.Now().AddDate(-1, 0, 0),
	})
	future := issueCert(t, key, certSpec{
		commonName: "Future",
		notBefore:  time.Now().AddDate(0, 1, 0),
		notAfter:   time.Now().AddDate(1, 0, 0),
	})

	tests := []struct {
		name    string
		certPEM []byte
		keyPEM  []byte
	}{
		{"no certificate", []byte("nothing here"), keyPEM(t, key)},
		{"no key", certPEM(valid), []byte("nothing here")},
		{"mismatched key", certPEM(valid), keyPEM(t, otherKey)},
		{"rsa below minimum", certPEM(smallCert), keyPEM(t, smallKey)},
		{"ecdsa below minimum", certPEM(p224Cert), keyPEM(t, p224)},
		{"unsupported key type", certPEM(edCert), keyPEM(t, edKey)},
		{"expired", certPEM(expired), keyPEM(t, key)},
		{"not yet valid", certPEM(future), keyPEM(t, key)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.certPEM, tt.keyPEM, LoadOptions{})
			require.Error(t, err)
			assert.True(t, errors.IsConfiguration(err), "expected configuration error, got %v", err)
		})
	}
}

func TestLoadAcceptsECDSAP256(t *testing.T) {
	key := ecKey(t, elliptic.P256())
	cert := issueCert(t, key, certSpec{commonName: "EC"})

	_, err := Load(certPEM(cert), keyPEM(t, key), LoadOptions{})
	assert.NoError(t, err)
}

func TestExpiringSoonIsAWarning(t *testing.T) {
	key := testRSAKey(t)
	cert := issueCert(t, key, certSpec{commonName: "Soon", notAfter: time.Now().Add(48 * time.Hour)})

	logger, hook := test.NewNullLogger()
	creds, err := Load(certPEM(cert), keyPEM(t, key), LoadOptions{
		ExpiryWarning: 7 * 24 * time.Hour,
		Logger:        logger,
	})
	require.NoError(t, err)
	assert.True(t, creds.ExpiresSoon)

	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestMinRSABitsIsConfigurable(t *testing.T) {
	key := testRSAKey(t)
	cert := issueCert(t, key, certSpec{commonName: "Strict"})

	_, err := Load(certPEM(cert), keyPEM(t, key), LoadOptions{MinRSABits: 3072})
	assert.True(t, errors.IsConfiguration(err))
}

func TestLoadFiles(t *testing.T) {
	key := testRSAKey(t)
	cert := issueCert(t, key, certSpec{commonName: "Files"})

	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certPath, certPEM(cert), 0o600))
	require.NoError(t, os.WriteFile(keyPath, keyPEM(t, key), 0o600))

	creds, err := LoadFromConfig(config.SigningConfig{CertPath: certPath, KeyPath: keyPath}, nil)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(cert.Raw, creds.Certificate.Raw))

	_, err = LoadFiles(filepath.Join(dir, "missing.pem"), keyPath, LoadOptions{})
	assert.True(t, errors.IsConfiguration(err))
}

func TestLoadPKCS12RejectsGarbage(t *testing.T) {
	_, err := LoadPKCS12([]byte("not a pfx"), "secret", LoadOptions{})
	assert.True(t, errors.IsConfiguration(err))
}
