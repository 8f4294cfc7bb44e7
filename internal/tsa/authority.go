package tsa

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/digitorus/timestamp"
)

const (
	queryContentType = "application/timestamp-query"
	replyContentType = "application/timestamp-reply"

	maxMessageSize = 1 << 20
)

// DefaultPolicyOID is the policy under which the in-process authority issues tokens
var DefaultPolicyOID = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 57264, 1, 1}

// Authority is an in-process RFC 3161 Time Stamping Authority. It answers
// DER TimeStampReq messages and serves as the development TSA and as the
// provider behind test servers.
type Authority struct {
	cert      *x509.Certificate
	key       crypto.Signer
	policy    asn1.ObjectIdentifier
	accuracy  time.Duration
	serial    uint64
	rejecting atomic.Bool
	now       func() time.Time
}

// NewAuthority creates an authority signing with the given certificate and key.
func NewAuthority(cert *x509.Certificate, key crypto.Signer, policy asn1.ObjectIdentifier) (*Authority, error) {
	if cert == nil || key == nil {
		return nil, fmt.Errorf("TSA certificate or private key not configured")
	}
	if len(policy) == 0 {
		policy = DefaultPolicyOID
	}
	return &Authority{
		cert:     cert,
		key:      key,
		policy:   policy,
		accuracy: time.Second,
		serial:   uint64(time.Now().UnixNano()),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// NewAuthorityWithGeneratedCert creates an authority with a self-signed
// timestamping certificate. Development and tests only.
func NewAuthorityWithGeneratedCert(orgName string) (*Authority, error) {
	cert, key, err := GenerateCertificate(orgName, time.Now().Add(-time.Hour), time.Now().AddDate(10, 0, 0))
	if err != nil {
		return nil, err
	}
	return NewAuthority(cert, key, nil)
}

// GenerateCertificate creates a self-signed certificate carrying the
// timestamping extended key usage.
func GenerateCertificate(orgName string, notBefore, notAfter time.Time) (*x509.Certificate, *rsa.PrivateKey, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization:       []string{orgName},
			OrganizationalUnit: []string{"Time Stamping Authority"},
			CommonName:         fmt.Sprintf("%s TSA", orgName),
		},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageTimeStamping},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, privateKey, nil
}

// Certificate returns the authority's signing certificate
func (a *Authority) Certificate() *x509.Certificate {
	return a.cert
}

// Reject switches the authority into answering every request with a
// rejection status. Used to exercise provider failover.
func (a *Authority) Reject(reject bool) {
	a.rejecting.Store(reject)
}

// Respond answers one DER TimeStampReq with a DER TimeStampResp.
func (a *Authority) Respond(reqDER []byte) ([]byte, error) {
	if a.rejecting.Load() {
		return rejectionResponse()
	}

	req, err := timestamp.ParseRequest(reqDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse timestamp request: %w", err)
	}
	if req.HashAlgorithm != crypto.SHA256 {
		return rejectionResponse()
	}

	serial := atomic.AddUint64(&a.serial, 1)

	ts := timestamp.Timestamp{
		HashAlgorithm:     req.HashAlgorithm,
		HashedMessage:     req.HashedMessage,
		Time:              a.now(),
		Accuracy:          a.accuracy,
		SerialNumber:      new(big.Int).SetUint64(serial),
		Policy:            a.policy,
		Nonce:             req.Nonce,
		AddTSACertificate: req.Certificates,
	}

	resp, err := ts.CreateResponse(a.cert, a.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create timestamp response: %w", err)
	}
	return resp, nil
}

// ServeHTTP implements the RFC 3161 HTTP transport
func (a *Authority) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !strings.HasPrefix(r.Header.Get("Content-Type"), queryContentType) {
		http.Error(w, "unsupported content type", http.StatusUnsupportedMediaType)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize))
	if err != nil {
		http.Error(w, "failed to read request", http.StatusBadRequest)
		return
	}

	resp, err := a.Respond(body)
	if err != nil {
		http.Error(w, "malformed timestamp request", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", replyContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(resp)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp)
}

// pkiStatusRejection is the RFC 3161 PKIStatus for a refused request
const pkiStatusRejection = 2

type pkiStatusInfo struct {
	Status int
}

type rejectResponse struct {
	Status pkiStatusInfo
}

func rejectionResponse() ([]byte, error) {
	return asn1.Marshal(rejectResponse{Status: pkiStatusInfo{Status: pkiStatusRejection}})
}
