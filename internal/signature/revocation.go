package signature

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ocsp"

	"github.com/trustseal/evidence/internal/shared/logging"
)

// RevocationStatus is the outcome of a revocation check
type RevocationStatus int

const (
	RevocationUnknown RevocationStatus = iota
	RevocationGood
	RevocationRevoked
)

func (s RevocationStatus) String() string {
	switch s {
	case RevocationGood:
		return "good"
	case RevocationRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// RevocationChecker reports whether a certificate has been revoked by its issuer.
type RevocationChecker interface {
	Check(ctx context.Context, cert, issuer *x509.Certificate) (RevocationStatus, error)
}

// NoopRevocationChecker never consults a responder and reports unknown
type NoopRevocationChecker struct{}

func (NoopRevocationChecker) Check(context.Context, *x509.Certificate, *x509.Certificate) (RevocationStatus, error) {
	return RevocationUnknown, nil
}

// OCSPChecker queries the OCSP responder named in the certificate's AIA extension.
type OCSPChecker struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	logger     *logrus.Logger
}

// NewOCSPChecker creates an OCSP checker with the given per-request timeout
func NewOCSPChecker(timeout time.Duration, logger *logrus.Logger) *OCSPChecker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &OCSPChecker{
		HTTPClient: &http.Client{},
		Timeout:    timeout,
		logger:     logging.OrDiscard(logger),
	}
}

func (c *OCSPChecker) Check(ctx context.Context, cert, issuer *x509.Certificate) (RevocationStatus, error) {
	if len(cert.OCSPServer) == 0 {
		return RevocationUnknown, nil
	}

	reqDER, err := ocsp.CreateRequest(cert, issuer, &ocsp.RequestOptions{Hash: crypto.SHA256})
	if err != nil {
		return RevocationUnknown, fmt.Errorf("failed to create OCSP request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	var lastErr error
	for _, server := range cert.OCSPServer {
		status, err := c.query(ctx, server, reqDER, cert, issuer)
		if err == nil {
			logging.OrDiscard(c.logger).WithFields(logrus.Fields{
				"responder": server,
				"status":    status.String(),
			}).Debug("OCSP status received")
			return status, nil
		}
		lastErr = err
	}
	return RevocationUnknown, lastErr
}

func (c *OCSPChecker) query(ctx context.Context, server string, reqDER []byte, cert, issuer *x509.Certificate) (RevocationStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, server, bytes.NewReader(reqDER))
	if err != nil {
		return RevocationUnknown, err
	}
	req.Header.Set("Content-Type", "application/ocsp-request")
	req.Header.Set("Accept", "application/ocsp-response")

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return RevocationUnknown, fmt.Errorf("OCSP request to %s failed: %w", server, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return RevocationUnknown, fmt.Errorf("OCSP responder %s returned HTTP %d", server, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return RevocationUnknown, fmt.Errorf("failed to read OCSP response: %w", err)
	}

	parsed, err := ocsp.ParseResponseForCert(body, cert, issuer)
	if err != nil {
		return RevocationUnknown, fmt.Errorf("failed to parse OCSP response: %w", err)
	}

	switch parsed.Status {
	case ocsp.Good:
		return RevocationGood, nil
	case ocsp.Revoked:
		return RevocationRevoked, nil
	default:
		return RevocationUnknown, nil
	}
}
