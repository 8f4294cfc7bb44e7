package tsa

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/trustseal/evidence/internal/shared/errors"
	"github.com/trustseal/evidence/internal/shared/types"
)

// PostgresTokenStore persists tokens in tsa.tokens
type PostgresTokenStore struct {
	pool *pgxpool.Pool
}

// NewPostgresTokenStore creates a token store backed by Postgres
func NewPostgresTokenStore(pool *pgxpool.Pool) *PostgresTokenStore {
	return &PostgresTokenStore{pool: pool}
}

func (s *PostgresTokenStore) Save(ctx context.Context, token *Token) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tsa.tokens (
			id, tenant_id, hashed_data, hash_algorithm, token,
			provider, serial_number, status, issued_at, verified_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		token.ID, token.TenantID, token.HashedData, token.HashAlgorithm, token.Token,
		token.Provider, token.SerialNumber, string(token.Status), token.IssuedAt, token.VerifiedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to save timestamp token")
	}
	return nil
}

func (s *PostgresTokenStore) Get(ctx context.Context, id types.ID) (*Token, error) {
	var (
		token  Token
		status string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, hashed_data, hash_algorithm, token,
		       provider, serial_number, status, issued_at, verified_at
		FROM tsa.tokens
		WHERE id = $1`, id,
	).Scan(
		&token.ID, &token.TenantID, &token.HashedData, &token.HashAlgorithm, &token.Token,
		&token.Provider, &token.SerialNumber, &status, &token.IssuedAt, &token.VerifiedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("timestamp token", id.String())
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load timestamp token")
	}
	token.Status = TokenStatus(status)
	return &token, nil
}

func (s *PostgresTokenStore) UpdateStatus(ctx context.Context, id types.ID, status TokenStatus, verifiedAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tsa.tokens SET status = $2, verified_at = $3 WHERE id = $1`,
		id, string(status), verifiedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update timestamp token status")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("timestamp token", id.String())
	}
	return nil
}
