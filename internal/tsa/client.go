// Package tsa acquires and verifies RFC 3161 qualified timestamps.
//
// A Client talks to a primary and an optional fallback Time Stamping
// Authority, or synthesizes tokens locally in mock mode. Authority is an
// in-process RFC 3161 responder used for development and tests.
package tsa

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"encoding/asn1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/digitorus/timestamp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/trustseal/evidence/internal/canonical"
	"github.com/trustseal/evidence/internal/shared/config"
	"github.com/trustseal/evidence/internal/shared/errors"
	"github.com/trustseal/evidence/internal/shared/logging"
	"github.com/trustseal/evidence/internal/shared/metrics"
	"github.com/trustseal/evidence/internal/shared/types"
)

// Provider is one remote Time Stamping Authority
type Provider struct {
	Name string
	URL  string
}

// Config holds client configuration
type Config struct {
	// Mock synthesizes tokens locally without network I/O
	Mock bool

	Primary  Provider
	Fallback Provider

	// Username and Password enable HTTP basic auth against providers
	Username string
	Password string

	// Timeout bounds a single provider round trip
	Timeout time.Duration

	// RequestsPerSecond limits calls per provider (0 = unlimited)
	RequestsPerSecond float64

	HTTPClient *http.Client
}

// ConfigFromEnv maps the process configuration onto a client configuration
func ConfigFromEnv(cfg config.TSAConfig) Config {
	return Config{
		Mock:              cfg.Mock,
		Primary:           Provider{Name: cfg.PrimaryName, URL: cfg.PrimaryURL},
		Fallback:          Provider{Name: cfg.FallbackName, URL: cfg.FallbackURL},
		Username:          cfg.Username,
		Password:          cfg.Password,
		Timeout:           cfg.Timeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
	}
}

type provider struct {
	Provider
	limiter *rate.Limiter
}

// Client acquires timestamps with primary to fallback failover.
type Client struct {
	cfg       Config
	providers []provider
	store     TokenStore
	http      *http.Client
	logger    *logrus.Logger
	now       func() time.Time
}

// NewClient creates a timestamp client. A nil store keeps tokens in memory.
func NewClient(cfg Config, store TokenStore, logger *logrus.Logger) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if store == nil {
		store = NewMemoryTokenStore()
	}

	c := &Client{
		cfg:    cfg,
		store:  store,
		http:   cfg.HTTPClient,
		logger: logging.OrDiscard(logger),
		now:    func() time.Time { return time.Now().UTC() },
	}
	if c.http == nil {
		c.http = &http.Client{}
	}

	if cfg.Mock {
		return c, nil
	}

	if cfg.Primary.URL == "" {
		return nil, errors.Configuration("primary timestamp provider URL is required", nil)
	}
	c.providers = append(c.providers, newProvider(cfg.Primary, "primary", cfg.RequestsPerSecond))
	if cfg.Fallback.URL != "" {
		c.providers = append(c.providers, newProvider(cfg.Fallback, "fallback", cfg.RequestsPerSecond))
	}

	return c, nil
}

func newProvider(p Provider, defaultName string, rps float64) provider {
	if p.Name == "" {
		p.Name = defaultName
	}
	limit := rate.Inf
	burst := 1
	if rps > 0 {
		limit = rate.Limit(rps)
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	return provider{Provider: p, limiter: rate.NewLimiter(limit, burst)}
}

// IsMock reports whether the client synthesizes tokens locally
func (c *Client) IsMock() bool {
	return c.cfg.Mock
}

// Timestamp obtains and stores a token over the given hex SHA-256 hash.
// Failure of every provider yields an Unavailable error; there is no
// further retry or degradation.
func (c *Client) Timestamp(ctx context.Context, tenantID types.ID, hashHex string) (*Token, error) {
	if tenantID.IsZero() {
		return nil, errors.Validation("tenant id is required", map[string]string{"tenant_id": "required"})
	}
	digest, err := canonical.DecodeHex(hashHex)
	if err != nil {
		return nil, err
	}

	var token *Token
	if c.cfg.Mock {
		token, err = c.mockToken(digest)
	} else {
		token, err = c.withFailover(ctx, digest)
	}
	if err != nil {
		return nil, err
	}

	token.ID = types.NewID()
	token.TenantID = tenantID
	token.HashedData = hex.EncodeToString(digest)
	token.HashAlgorithm = canonical.Algorithm
	token.Status = StatusPending

	if err := c.store.Save(ctx, token); err != nil {
		return nil, errors.Wrap(err, "failed to store timestamp token")
	}

	c.logger.WithFields(logrus.Fields{
		"token_id":  token.ID,
		"tenant_id": tenantID,
		"provider":  token.Provider,
		"serial":    token.SerialNumber,
	}).Debug("timestamp acquired")

	return token, nil
}

func (c *Client) withFailover(ctx context.Context, digest []byte) (*Token, error) {
	var failures []error
	for _, p := range c.providers {
		start := time.Now()
		token, err := c.request(ctx, p, digest)
		metrics.RecordTSARequest(p.Name, err == nil, time.Since(start))
		if err == nil {
			return token, nil
		}

		c.logger.WithFields(logrus.Fields{
			"provider": p.Name,
			"error":    err,
		}).Warn("timestamp provider failed")
		failures = append(failures, fmt.Errorf("%s: %w", p.Name, err))
	}
	return nil, errors.Unavailable("all timestamp providers failed", errors.Join(failures...))
}

// request performs one RFC 3161 round trip against a single provider
func (c *Client) request(ctx context.Context, p provider, digest []byte) (*Token, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	nonce, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	tsReq := timestamp.Request{
		HashAlgorithm: crypto.SHA256,
		HashedMessage: digest,
		Certificates:  true,
		Nonce:         nonce,
	}
	reqDER, err := tsReq.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to encode timestamp request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(reqDER))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", queryContentType)
	httpReq.Header.Set("Accept", replyContentType)
	if c.cfg.Username != "" {
		httpReq.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected HTTP status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMessageSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	// ParseResponse decodes the PKIStatus and fails on anything but granted
	ts, err := timestamp.ParseResponse(body)
	if err != nil {
		return nil, fmt.Errorf("timestamp response rejected: %w", err)
	}
	if ts.HashAlgorithm != crypto.SHA256 || !bytes.Equal(ts.HashedMessage, digest) {
		return nil, fmt.Errorf("timestamp covers a different message imprint")
	}
	if ts.Nonce == nil || ts.Nonce.Cmp(nonce) != 0 {
		return nil, fmt.Errorf("timestamp nonce does not match request")
	}

	tokenDER, err := extractToken(body)
	if err != nil {
		return nil, err
	}

	serial := ""
	if ts.SerialNumber != nil {
		serial = ts.SerialNumber.String()
	}

	return &Token{
		Token:        tokenDER,
		Provider:     p.Name,
		SerialNumber: serial,
		IssuedAt:     ts.Time.UTC(),
	}, nil
}

type timeStampResp struct {
	Status         asn1.RawValue
	TimeStampToken asn1.RawValue `asn1:"optional"`
}

// extractToken returns the DER TimeStampToken carried by a TimeStampResp
func extractToken(respDER []byte) ([]byte, error) {
	var resp timeStampResp
	if _, err := asn1.Unmarshal(respDER, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode timestamp response: %w", err)
	}
	if len(resp.TimeStampToken.FullBytes) == 0 {
		return nil, fmt.Errorf("timestamp response carries no token")
	}
	return resp.TimeStampToken.FullBytes, nil
}

func (c *Client) mockToken(digest []byte) (*Token, error) {
	serial := make([]byte, 16)
	if _, err := rand.Read(serial); err != nil {
		return nil, errors.Internal(fmt.Errorf("failed to generate serial: %w", err))
	}

	now := c.now()
	body, err := json.Marshal(mockToken{
		Hash:      hex.EncodeToString(digest),
		Algorithm: canonical.Algorithm,
		Time:      now,
		Serial:    hex.EncodeToString(serial),
		Provider:  ProviderMock,
	})
	if err != nil {
		return nil, errors.Internal(err)
	}

	metrics.RecordTSARequest(ProviderMock, true, 0)

	return &Token{
		Token:        body,
		Provider:     ProviderMock,
		SerialNumber: hex.EncodeToString(serial),
		IssuedAt:     now,
	}, nil
}

// Token loads a stored token
func (c *Client) Token(ctx context.Context, id types.ID) (*Token, error) {
	return c.store.Get(ctx, id)
}

// Verify checks a token and records the outcome. Mock tokens always verify.
// Real tokens are decoded, their CMS signature is checked against the
// embedded TSA certificate, and the imprint must equal the token's hashed
// data. The resulting status is persisted; a later call may change it.
func (c *Client) Verify(ctx context.Context, token *Token) (bool, error) {
	if token == nil {
		return false, errors.Validation("timestamp token is required", nil)
	}

	status := c.check(token)
	verifiedAt := c.now()

	if err := c.store.UpdateStatus(ctx, token.ID, status, verifiedAt); err != nil && !errors.IsNotFound(err) {
		return false, errors.Wrap(err, "failed to record timestamp verification")
	}
	token.Status = status
	token.VerifiedAt = &verifiedAt

	return status == StatusValid, nil
}

// check decides a token's status. Mock tokens are only honoured by a
// client running in mock mode.
func (c *Client) check(token *Token) TokenStatus {
	if token.IsMock() {
		if c.cfg.Mock {
			return StatusValid
		}
		c.logger.WithField("token_id", token.ID).Warn("mock timestamp token presented to a real-mode client")
		return StatusInvalid
	}

	digest, err := canonical.DecodeHex(token.HashedData)
	if err != nil {
		return StatusInvalid
	}

	ts, err := timestamp.Parse(token.Token)
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"token_id": token.ID,
			"error":    err,
		}).Warn("timestamp token failed verification")
		return StatusInvalid
	}
	if ts.HashAlgorithm != crypto.SHA256 || !bytes.Equal(ts.HashedMessage, digest) {
		return StatusInvalid
	}

	now := c.now()
	for _, cert := range ts.Certificates {
		if now.After(cert.NotAfter) {
			return StatusExpired
		}
	}
	return StatusValid
}
