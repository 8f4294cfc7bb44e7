package tsa

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/digitorus/timestamp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustseal/evidence/internal/canonical"
	"github.com/trustseal/evidence/internal/shared/errors"
	"github.com/trustseal/evidence/internal/shared/types"
)

var (
	testAuthorityOnce sync.Once
	testAuthority     *Authority
	testAuthorityErr  error
)

// sharedAuthority returns one authority per test binary; RSA key
// generation dominates test time otherwise.
func sharedAuthority(t *testing.T) *Authority {
	t.Helper()
	testAuthorityOnce.Do(func() {
		testAuthority, testAuthorityErr = NewAuthorityWithGeneratedCert("Test")
	})
	require.NoError(t, testAuthorityErr)
	return testAuthority
}

func newAuthorityServer(t *testing.T) (*Authority, *httptest.Server) {
	t.Helper()
	shared := sharedAuthority(t)
	authority, err := NewAuthority(shared.cert, shared.key, nil)
	require.NoError(t, err)

	srv := httptest.NewServer(authority)
	t.Cleanup(srv.Close)
	return authority, srv
}

func newRealClient(t *testing.T, primary, fallback string) (*Client, *MemoryTokenStore) {
	t.Helper()
	store := NewMemoryTokenStore()
	c, err := NewClient(Config{
		Primary:  Provider{Name: "primary", URL: primary},
		Fallback: Provider{Name: "fallback", URL: fallback},
		Timeout:  5 * time.Second,
	}, store, nil)
	require.NoError(t, err)
	return c, store
}

func TestMockTimestampAlwaysVerifies(t *testing.T) {
	store := NewMemoryTokenStore()
	c, err := NewClient(Config{Mock: true}, store, nil)
	require.NoError(t, err)

	ctx := context.Background()
	tenant := types.NewID()
	hash := canonical.HashString("document body")

	token, err := c.Timestamp(ctx, tenant, hash)
	require.NoError(t, err)

	assert.Equal(t, ProviderMock, token.Provider)
	assert.Equal(t, hash, token.HashedData)
	assert.Equal(t, "sha256", token.HashAlgorithm)
	assert.Equal(t, StatusPending, token.Status)
	assert.NotEmpty(t, token.SerialNumber)
	assert.Contains(t, string(token.Token), hash)

	ok, err := c.Verify(ctx, token)
	require.NoError(t, err)
	assert.True(t, ok)

	stored, err := c.Token(ctx, token.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusValid, stored.Status)
	assert.NotNil(t, stored.VerifiedAt)
}

func TestMockSerialsAreUnique(t *testing.T) {
	c, err := NewClient(Config{Mock: true}, nil, nil)
	require.NoError(t, err)

	hash := canonical.HashString("x")
	a, err := c.Timestamp(context.Background(), types.NewID(), hash)
	require.NoError(t, err)
	b, err := c.Timestamp(context.Background(), types.NewID(), hash)
	require.NoError(t, err)

	assert.NotEqual(t, a.SerialNumber, b.SerialNumber)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestTimestampRejectsBadInput(t *testing.T) {
	c, err := NewClient(Config{Mock: true}, nil, nil)
	require.NoError(t, err)

	_, err = c.Timestamp(context.Background(), types.NewID(), "")
	assert.True(t, errors.IsValidation(err))

	_, err = c.Timestamp(context.Background(), types.NewID(), "not-a-hash")
	assert.True(t, errors.IsValidation(err))

	_, err = c.Timestamp(context.Background(), "", canonical.HashString("x"))
	assert.True(t, errors.IsValidation(err))
}

func TestNewClientRequiresPrimary(t *testing.T) {
	_, err := NewClient(Config{}, nil, nil)
	assert.True(t, errors.IsConfiguration(err))
}

func TestPrimaryProvider(t *testing.T) {
	_, srv := newAuthorityServer(t)
	c, _ := newRealClient(t, srv.URL, "")

	ctx := context.Background()
	hash := canonical.HashString("contract.pdf")

	token, err := c.Timestamp(ctx, types.NewID(), hash)
	require.NoError(t, err)
	assert.Equal(t, "primary", token.Provider)
	assert.Equal(t, hash, token.HashedData)
	assert.NotEmpty(t, token.SerialNumber)
	assert.WithinDuration(t, time.Now(), token.IssuedAt, time.Minute)

	ts, err := timestamp.Parse(token.Token)
	require.NoError(t, err)
	assert.Equal(t, crypto.SHA256, ts.HashAlgorithm)

	ok, err := c.Verify(ctx, token)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, StatusValid, token.Status)
}

func TestFallbackWhenPrimaryUnreachable(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	_, srv := newAuthorityServer(t)
	c, _ := newRealClient(t, deadURL, srv.URL)

	token, err := c.Timestamp(context.Background(), types.NewID(), canonical.HashString("a"))
	require.NoError(t, err)
	assert.Equal(t, "fallback", token.Provider)
}

func TestFallbackWhenPrimaryRejects(t *testing.T) {
	rejecting, primary := newAuthorityServer(t)
	rejecting.Reject(true)
	_, fallback := newAuthorityServer(t)

	c, _ := newRealClient(t, primary.URL, fallback.URL)

	token, err := c.Timestamp(context.Background(), types.NewID(), canonical.HashString("b"))
	require.NoError(t, err)
	assert.Equal(t, "fallback", token.Provider)
}

func TestAllProvidersFailing(t *testing.T) {
	a, primary := newAuthorityServer(t)
	a.Reject(true)
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer failing.Close()

	c, store := newRealClient(t, primary.URL, failing.URL)

	token, err := c.Timestamp(context.Background(), types.NewID(), canonical.HashString("c"))
	require.Error(t, err)
	assert.Nil(t, token)
	assert.True(t, errors.IsUnavailable(err))
	assert.Empty(t, store.tokens)
}

func TestReplayedResponseIsRejected(t *testing.T) {
	authority := sharedAuthority(t)
	hash := canonical.HashString("replay")
	digest, err := canonical.DecodeHex(hash)
	require.NoError(t, err)

	nonce, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	require.NoError(t, err)
	req := timestamp.Request{HashAlgorithm: crypto.SHA256, HashedMessage: digest, Certificates: true, Nonce: nonce}
	reqDER, err := req.Marshal()
	require.NoError(t, err)
	captured, err := authority.Respond(reqDER)
	require.NoError(t, err)

	replay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Type", replyContentType)
		_, _ = w.Write(captured)
	}))
	defer replay.Close()

	c, _ := newRealClient(t, replay.URL, "")
	_, err = c.Timestamp(context.Background(), types.NewID(), hash)
	assert.True(t, errors.IsUnavailable(err))
}

func TestVerifyDetectsWrongImprint(t *testing.T) {
	_, srv := newAuthorityServer(t)
	c, store := newRealClient(t, srv.URL, "")
	ctx := context.Background()

	token, err := c.Timestamp(ctx, types.NewID(), canonical.HashString("original"))
	require.NoError(t, err)

	token.HashedData = canonical.HashString("substituted")
	ok, err := c.Verify(ctx, token)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, StatusInvalid, token.Status)

	stored, err := store.Get(ctx, token.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInvalid, stored.Status)

	// status is not sticky
	token.HashedData = canonical.HashString("original")
	ok, err = c.Verify(ctx, token)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyDetectsCorruptToken(t *testing.T) {
	_, srv := newAuthorityServer(t)
	c, _ := newRealClient(t, srv.URL, "")
	ctx := context.Background()

	token, err := c.Timestamp(ctx, types.NewID(), canonical.HashString("x"))
	require.NoError(t, err)

	token.Token = bytes.Repeat([]byte{0x30}, 8)
	ok, err := c.Verify(ctx, token)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRealClientRejectsMockTokens(t *testing.T) {
	_, srv := newAuthorityServer(t)
	c, store := newRealClient(t, srv.URL, "")
	ctx := context.Background()

	forged := &Token{
		ID:            types.NewID(),
		HashedData:    canonical.HashString("forged"),
		HashAlgorithm: canonical.Algorithm,
		Token:         []byte("not a timestamp at all"),
		Provider:      ProviderMock,
		Status:        StatusPending,
	}
	require.NoError(t, store.Save(ctx, forged))

	ok, err := c.Verify(ctx, forged)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, StatusInvalid, forged.Status)

	stored, err := store.Get(ctx, forged.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInvalid, stored.Status)

	// a genuine mock-mode token is just as invalid to a real client
	mock, err := NewClient(Config{Mock: true}, nil, nil)
	require.NoError(t, err)
	token, err := mock.Timestamp(ctx, types.NewID(), canonical.HashString("offline"))
	require.NoError(t, err)

	ok, err = c.Verify(ctx, token)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyReportsExpiredAuthorityCertificate(t *testing.T) {
	_, srv := newAuthorityServer(t)
	c, _ := newRealClient(t, srv.URL, "")
	ctx := context.Background()

	token, err := c.Timestamp(ctx, types.NewID(), canonical.HashString("long ago"))
	require.NoError(t, err)

	c.now = func() time.Time { return time.Now().AddDate(50, 0, 0) }
	ok, err := c.Verify(ctx, token)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, StatusExpired, token.Status)
}

func TestBasicAuthIsSent(t *testing.T) {
	authority := sharedAuthority(t)
	var gotUser, gotPass string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, gotPass, _ = r.BasicAuth()
		authority.ServeHTTP(w, r)
	}))
	defer srv.Close()

	c, err := NewClient(Config{
		Primary:  Provider{URL: srv.URL},
		Username: "tsa-user",
		Password: "tsa-pass",
	}, nil, nil)
	require.NoError(t, err)

	token, err := c.Timestamp(context.Background(), types.NewID(), canonical.HashString("auth"))
	require.NoError(t, err)
	assert.Equal(t, "primary", token.Provider)
	assert.Equal(t, "tsa-user", gotUser)
	assert.Equal(t, "tsa-pass", gotPass)
}
