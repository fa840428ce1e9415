package store

import "github.com/jackc/pgx/v5/pgxpool"

type Store struct {
	Credentials   *CredentialStore
	Subscriptions *SubscriptionStore
	Attempts      *AttemptStore
	Events        *EventStore
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{
		Credentials:   &CredentialStore{pool: pool},
		Subscriptions: &SubscriptionStore{pool: pool},
		Attempts:      &AttemptStore{pool: pool},
		Events:        &EventStore{pool: pool},
	}
}
