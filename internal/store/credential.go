package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/outreachly/outreachly/internal/model"
)

type CredentialStore struct {
	pool *pgxpool.Pool
}

// Get returns the credential for a (user, provider) pair, or (nil, nil) when
// no row exists.
func (s *CredentialStore) Get(ctx context.Context, userID string, provider model.Provider) (*model.ProviderCredential, error) {
	var c model.ProviderCredential
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, provider, access_token, refresh_token, expires_at, connected, updated_at
		 FROM provider_credentials WHERE user_id = $1 AND provider = $2`,
		userID, provider,
	).Scan(&c.UserID, &c.Provider, &c.AccessToken, &c.RefreshToken, &c.ExpiresAt, &c.Connected, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return &c, nil
}

func (s *CredentialStore) List(ctx context.Context, userID string) ([]model.ProviderCredential, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, provider, access_token, refresh_token, expires_at, connected, updated_at
		 FROM provider_credentials WHERE user_id = $1 ORDER BY provider`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var creds []model.ProviderCredential
	for rows.Next() {
		var c model.ProviderCredential
		if err := rows.Scan(&c.UserID, &c.Provider, &c.AccessToken, &c.RefreshToken, &c.ExpiresAt, &c.Connected, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

// Upsert writes the full token set for a (user, provider) pair, replacing any
// existing row. The write is a single statement so readers never observe a
// half-updated credential.
func (s *CredentialStore) Upsert(ctx context.Context, c *model.ProviderCredential) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO provider_credentials (user_id, provider, access_token, refresh_token, expires_at, connected, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (user_id, provider) DO UPDATE SET
			access_token  = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at    = EXCLUDED.expires_at,
			connected     = EXCLUDED.connected,
			updated_at    = EXCLUDED.updated_at`,
		c.UserID, c.Provider, c.AccessToken, c.RefreshToken, c.ExpiresAt, c.Connected, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("upsert credential: %w", err)
	}
	return nil
}

// Disconnect clears the stored tokens and marks the pair disconnected.
// A missing row is not an error.
func (s *CredentialStore) Disconnect(ctx context.Context, userID string, provider model.Provider) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE provider_credentials SET
			access_token  = '',
			refresh_token = NULL,
			expires_at    = NULL,
			connected     = false,
			updated_at    = $3
		 WHERE user_id = $1 AND provider = $2`,
		userID, provider, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("disconnect credential: %w", err)
	}
	return nil
}
