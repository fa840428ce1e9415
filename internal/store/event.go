package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/outreachly/outreachly/internal/model"
)

// ErrEventNotFound is returned when no event exists for an id.
var ErrEventNotFound = errors.New("event not found")

type EventStore struct {
	pool *pgxpool.Pool
}

func (s *EventStore) Create(ctx context.Context, kind model.EventKind, payload json.RawMessage) (*model.Event, error) {
	var e model.Event
	err := s.pool.QueryRow(ctx,
		`INSERT INTO events (kind, payload)
		 VALUES ($1, $2)
		 RETURNING id, kind, payload, status, created_at`,
		kind, payload,
	).Scan(&e.ID, &e.Kind, &e.Payload, &e.Status, &e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create event: %w", err)
	}
	return &e, nil
}

func (s *EventStore) GetByID(ctx context.Context, id uuid.UUID) (*model.Event, error) {
	var e model.Event
	err := s.pool.QueryRow(ctx,
		`SELECT id, kind, payload, status, created_at FROM events WHERE id = $1`, id,
	).Scan(&e.ID, &e.Kind, &e.Payload, &e.Status, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("get event: %w", err)
	}
	return &e, nil
}

// Claim atomically moves a pending event to processing. It reports false when
// the event is missing or another dispatcher already claimed it, so an event
// reaching both the stream consumer and the catch-up poll is still fanned out
// exactly once.
func (s *EventStore) Claim(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE events SET status = 'processing' WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return false, fmt.Errorf("claim event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *EventStore) UpdateStatus(ctx context.Context, id uuid.UUID, status model.EventStatus) error {
	_, err := s.pool.Exec(ctx, `UPDATE events SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update event status: %w", err)
	}
	return nil
}

// ListPending returns events that were stored but never made it onto the
// stream, oldest first. The worker's catch-up poll drains these.
func (s *EventStore) ListPending(ctx context.Context, limit int) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, payload, status, created_at
		 FROM events WHERE status = 'pending' ORDER BY created_at ASC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var e model.Event
		if err := rows.Scan(&e.ID, &e.Kind, &e.Payload, &e.Status, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
