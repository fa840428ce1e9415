package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/outreachly/outreachly/internal/model"
)

// AttemptStore is the append-only delivery audit trail. Rows are never
// updated or deleted here; retention is an operational concern.
type AttemptStore struct {
	pool *pgxpool.Pool
}

func (s *AttemptStore) Append(ctx context.Context, subscriptionID uuid.UUID, kind model.EventKind, payload json.RawMessage, responseStatus int, responseBody string, success bool, attempt int) (*model.DeliveryAttempt, error) {
	var a model.DeliveryAttempt
	err := s.pool.QueryRow(ctx,
		`INSERT INTO delivery_attempts (subscription_id, event_kind, payload, response_status, response_body, success, attempt)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, subscription_id, event_kind, payload, response_status, response_body, success, attempt, created_at`,
		subscriptionID, kind, payload, responseStatus, responseBody, success, attempt,
	).Scan(&a.ID, &a.SubscriptionID, &a.EventKind, &a.Payload, &a.ResponseStatus, &a.ResponseBody, &a.Success, &a.Attempt, &a.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("append attempt: %w", err)
	}
	return &a, nil
}

func (s *AttemptStore) ListBySubscription(ctx context.Context, subscriptionID uuid.UUID, limit int) ([]model.DeliveryAttempt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, subscription_id, event_kind, payload, response_status, response_body, success, attempt, created_at
		 FROM delivery_attempts WHERE subscription_id = $1
		 ORDER BY created_at DESC LIMIT $2`,
		subscriptionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []model.DeliveryAttempt
	for rows.Next() {
		var a model.DeliveryAttempt
		if err := rows.Scan(&a.ID, &a.SubscriptionID, &a.EventKind, &a.Payload, &a.ResponseStatus, &a.ResponseBody, &a.Success, &a.Attempt, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}
