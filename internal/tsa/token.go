package tsa

import (
	"time"

	"github.com/trustseal/evidence/internal/shared/types"
)

// ProviderMock identifies tokens synthesized locally in mock mode
const ProviderMock = "mock"

// TokenStatus is the verification state of a timestamp token
type TokenStatus string

const (
	StatusPending TokenStatus = "pending"
	StatusValid   TokenStatus = "valid"
	StatusInvalid TokenStatus = "invalid"
	StatusExpired TokenStatus = "expired"
)

// Token is one qualified-timestamp assertion over a hash.
//
// For real providers Token holds the DER TimeStampToken (a CMS ContentInfo)
// extracted from the provider's TimeStampResp. Mock tokens hold JSON.
type Token struct {
	ID            types.ID    `json:"id"`
	TenantID      types.ID    `json:"tenant_id"`
	HashedData    string      `json:"hashed_data"`
	HashAlgorithm string      `json:"hash_algorithm"`
	Token         []byte      `json:"token"`
	Provider      string      `json:"provider"`
	SerialNumber  string      `json:"serial_number"`
	Status        TokenStatus `json:"status"`
	IssuedAt      time.Time   `json:"issued_at"`
	VerifiedAt    *time.Time  `json:"verified_at,omitempty"`
}

// IsMock reports whether the token was synthesized in mock mode
func (t *Token) IsMock() bool {
	return t.Provider == ProviderMock
}

// mockToken is the JSON body of a mock token
type mockToken struct {
	Hash      string    `json:"hash"`
	Algorithm string    `json:"algorithm"`
	Time      time.Time `json:"time"`
	Serial    string    `json:"serial"`
	Provider  string    `json:"provider"`
}
