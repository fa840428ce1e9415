package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/outreachly/outreachly/internal/model"
)

// ErrSubscriptionNotFound is returned when no subscription exists for an id.
var ErrSubscriptionNotFound = errors.New("subscription not found")

type SubscriptionStore struct {
	pool *pgxpool.Pool
}

const subscriptionCols = `id, url, event_kinds, secret, active, transform, last_triggered, created_at, updated_at`

func scanSubscription(row pgx.Row) (*model.WebhookSubscription, error) {
	var sub model.WebhookSubscription
	var kinds []string
	err := row.Scan(&sub.ID, &sub.URL, &kinds, &sub.Secret, &sub.Active, &sub.Transform, &sub.LastTriggered, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sub.EventKinds = make([]model.EventKind, len(kinds))
	for i, k := range kinds {
		sub.EventKinds[i] = model.EventKind(k)
	}
	return &sub, nil
}

func kindStrings(kinds []model.EventKind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}

func (s *SubscriptionStore) Create(ctx context.Context, url string, kinds []model.EventKind, secret string, transform *string) (*model.WebhookSubscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`INSERT INTO webhook_subscriptions (url, event_kinds, secret, transform)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+subscriptionCols,
		url, kindStrings(kinds), secret, transform,
	))
	if err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	return sub, nil
}

func (s *SubscriptionStore) GetByID(ctx context.Context, id uuid.UUID) (*model.WebhookSubscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionCols+` FROM webhook_subscriptions WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

func (s *SubscriptionStore) List(ctx context.Context) ([]model.WebhookSubscription, error) {
	return s.collect(ctx,
		`SELECT `+subscriptionCols+` FROM webhook_subscriptions ORDER BY created_at DESC`)
}

// ListActiveByKind returns every active subscription whose event set contains kind.
func (s *SubscriptionStore) ListActiveByKind(ctx context.Context, kind model.EventKind) ([]model.WebhookSubscription, error) {
	return s.collect(ctx,
		`SELECT `+subscriptionCols+` FROM webhook_subscriptions
		 WHERE active = true AND $1 = ANY(event_kinds)`,
		string(kind))
}

func (s *SubscriptionStore) collect(ctx context.Context, query string, args ...any) ([]model.WebhookSubscription, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []model.WebhookSubscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

// Update changes URL, event set, active flag and transform only. The secret is
// immutable after creation.
func (s *SubscriptionStore) Update(ctx context.Context, id uuid.UUID, url *string, kinds []model.EventKind, active *bool, transform *string) (*model.WebhookSubscription, error) {
	var kindArg any
	if kinds != nil {
		kindArg = kindStrings(kinds)
	}
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`UPDATE webhook_subscriptions SET
			url         = COALESCE($2, url),
			event_kinds = COALESCE($3, event_kinds),
			active      = COALESCE($4, active),
			transform   = COALESCE($5, transform),
			updated_at  = $6
		 WHERE id = $1
		 RETURNING `+subscriptionCols,
		id, url, kindArg, active, transform, time.Now(),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("update subscription: %w", err)
	}
	return sub, nil
}

func (s *SubscriptionStore) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM webhook_subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

// MarkTriggered records a successful delivery timestamp.
func (s *SubscriptionStore) MarkTriggered(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE webhook_subscriptions SET last_triggered = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("mark triggered: %w", err)
	}
	return nil
}
