package vault

import (
	"bytes"
	"encoding/base64"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trustseal/evidence/internal/shared/errors"
	"github.com/trustseal/evidence/internal/shared/types"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	key, err := GenerateMasterKey()
	require.NoError(t, err)
	v, err := New(key)
	require.NoError(t, err)
	t.Cleanup(v.Close)
	return v
}

func TestNewRejectsBadMasterKey(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"missing", ""},
		{"not base64", "%%%not-base64%%%"},
		{"too short", base64.StdEncoding.EncodeToString([]byte("short"))},
		{"too long", base64.StdEncoding.EncodeToString(make([]byte, 64))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.key)
			require.Error(t, err)
			assert.True(t, errors.IsConfiguration(err), "expected configuration error, got %v", err)
		})
	}
}

func TestRoundTrip(t *testing.T) {
	v := newTestVault(t)
	tenant := types.NewID()

	plaintexts := [][]byte{
		{},
		[]byte("a"),
		[]byte("signed contract payload"),
		bytes.Repeat([]byte{0xAB}, 1<<16),
	}

	for _, p := range plaintexts {
		blob, err := v.Encrypt(tenant, p)
		require.NoError(t, err)
		assert.Len(t, blob, NonceSize+len(p)+TagSize)

		got, err := v.Decrypt(tenant, blob)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(p, got))
	}
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	v := newTestVault(t)
	tenant := types.NewID()
	p := []byte("same input")

	a, err := v.Encrypt(tenant, p)
	require.NoError(t, err)
	b, err := v.Encrypt(tenant, p)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a[:NonceSize], b[:NonceSize])

	for _, blob := range [][]byte{a, b} {
		got, err := v.Decrypt(tenant, blob)
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
}

func TestDecryptFailsOnAnyBitFlip(t *testing.T) {
	v := newTestVault(t)
	tenant := types.NewID()

	blob, err := v.Encrypt(tenant, []byte("tamper me"))
	require.NoError(t, err)

	for i := 0; i < len(blob); i++ {
		for bit := 0; bit < 8; bit++ {
			tampered := append([]byte(nil), blob...)
			tampered[i] ^= 1 << bit

			got, err := v.Decrypt(tenant, tampered)
			require.Error(t, err, "byte %d bit %d", i, bit)
			assert.Nil(t, got)
			assert.True(t, errors.IsIntegrity(err))
		}
	}
}

func TestDecryptWithOtherTenantFails(t *testing.T) {
	v := newTestVault(t)

	blob, err := v.Encrypt(types.NewID(), []byte("tenant A data"))
	require.NoError(t, err)

	_, err = v.Decrypt(types.NewID(), blob)
	assert.True(t, errors.IsIntegrity(err))
}

func TestDecryptRejectsShortBlob(t *testing.T) {
	v := newTestVault(t)
	_, err := v.Decrypt(types.NewID(), make([]byte, MinBlobSize-1))
	assert.True(t, errors.IsValidation(err))
}

func TestTenantIDRequired(t *testing.T) {
	v := newTestVault(t)
	_, err := v.Encrypt("", []byte("x"))
	assert.True(t, errors.IsValidation(err))
}

func TestDerivationIsStatelessAcrossInstances(t *testing.T) {
	key, err := GenerateMasterKey()
	require.NoError(t, err)

	v1, err := New(key)
	require.NoError(t, err)
	defer v1.Close()
	v2, err := New(key, WithKeyCacheTTL(0))
	require.NoError(t, err)

	tenant := types.NewID()
	blob, err := v1.Encrypt(tenant, []byte("portable"))
	require.NoError(t, err)

	got, err := v2.Decrypt(tenant, blob)
	require.NoError(t, err)
	assert.Equal(t, "portable", string(got))
}

func TestDerivedKeysDifferPerTenant(t *testing.T) {
	master := make([]byte, KeySize)
	a, err := deriveKey(master, types.NewID())
	require.NoError(t, err)
	b, err := deriveKey(master, types.NewID())
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	tenant := types.NewID()
	c1, err := deriveKey(master, tenant)
	require.NoError(t, err)
	c2, err := deriveKey(master, tenant)
	require.NoError(t, err)
	assert.Equal(t, c1, c2)
}

func TestStringHelpers(t *testing.T) {
	v := newTestVault(t)
	tenant := types.NewID()

	enc, err := v.EncryptString(tenant, "iban: RS35 1234")
	require.NoError(t, err)

	dec, err := v.DecryptString(tenant, enc)
	require.NoError(t, err)
	assert.Equal(t, "iban: RS35 1234", dec)

	_, err = v.DecryptString(tenant, "***")
	assert.True(t, errors.IsValidation(err))
}

func TestIsEncrypted(t *testing.T) {
	v := newTestVault(t)
	tenant := types.NewID()

	blob, err := v.Encrypt(tenant, []byte("x"))
	require.NoError(t, err)

	assert.True(t, v.IsEncrypted(tenant, blob))
	assert.False(t, v.IsEncrypted(tenant, []byte("plain text that is long enough to pass")))
	assert.False(t, v.IsEncrypted(tenant, []byte("short")))
}

func TestConcurrentUse(t *testing.T) {
	v := newTestVault(t)
	tenant := types.NewID()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			blob, err := v.Encrypt(tenant, []byte("parallel"))
			if !assert.NoError(t, err) {
				return
			}
			got, err := v.Decrypt(tenant, blob)
			assert.NoError(t, err)
			assert.Equal(t, "parallel", string(got))
		}()
	}
	wg.Wait()
}
