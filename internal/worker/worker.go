package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/outreachly/outreachly/internal/dispatch"
	"github.com/outreachly/outreachly/internal/model"
)

const (
	streamName    = "events"
	consumerGroup = "dispatchers"
)

// RedisQueue enqueues event IDs onto the dispatch stream.
type RedisQueue struct {
	rdb *redis.Client
}

func NewRedisQueue(rdb *redis.Client) *RedisQueue {
	return &RedisQueue{rdb: rdb}
}

func (q *RedisQueue) Enqueue(ctx context.Context, eventID uuid.UUID) error {
	return q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamName,
		Values: map[string]any{"event_id": eventID.String()},
	}).Err()
}

// PendingEvents lists stored events that never made it onto the stream.
type PendingEvents interface {
	ListPending(ctx context.Context, limit int) ([]model.Event, error)
}

// Worker consumes the event stream through a consumer group and drives the
// dispatcher. A catch-up poll re-dispatches events whose enqueue failed.
type Worker struct {
	dispatcher   *dispatch.Dispatcher
	pending      PendingEvents
	rdb          *redis.Client
	concurrency  int
	pollInterval time.Duration
	logger       *zap.Logger
}

func New(d *dispatch.Dispatcher, pending PendingEvents, rdb *redis.Client, concurrency int, pollInterval time.Duration, logger *zap.Logger) *Worker {
	return &Worker{
		dispatcher:   d,
		pending:      pending,
		rdb:          rdb,
		concurrency:  concurrency,
		pollInterval: pollInterval,
		logger:       logger,
	}
}

func (w *Worker) Start(ctx context.Context) error {
	err := w.rdb.XGroupCreateMkStream(ctx, streamName, consumerGroup, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("create consumer group: %w", err)
	}

	for i := range w.concurrency {
		consumer := fmt.Sprintf("dispatcher-%d", i)
		go w.consumeStream(ctx, consumer)
	}

	go w.pollPending(ctx)

	return nil
}

func (w *Worker) consumeStream(ctx context.Context, consumer string) {
	for {
		if ctx.Err() != nil {
			return
		}

		streams, err := w.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: consumer,
			Streams:  []string{streamName, ">"},
			Count:    1,
			Block:    5 * time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			w.logger.Error("xreadgroup error", zap.Error(err), zap.String("consumer", consumer))
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				eventIDStr, ok := msg.Values["event_id"].(string)
				if !ok {
					w.logger.Error("invalid event_id in stream message", zap.String("msg_id", msg.ID))
					w.rdb.XAck(ctx, streamName, consumerGroup, msg.ID)
					continue
				}

				eventID, err := uuid.Parse(eventIDStr)
				if err != nil {
					w.logger.Error("failed to parse event_id", zap.Error(err), zap.String("value", eventIDStr))
					w.rdb.XAck(ctx, streamName, consumerGroup, msg.ID)
					continue
				}

				if err := w.dispatcher.Dispatch(ctx, eventID); err != nil {
					w.logger.Error("dispatch failed", zap.Error(err), zap.String("event_id", eventIDStr))
				}
				w.rdb.XAck(ctx, streamName, consumerGroup, msg.ID)
			}
		}
	}
}

func (w *Worker) pollPending(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			events, err := w.pending.ListPending(ctx, 100)
			if err != nil {
				w.logger.Error("poll pending error", zap.Error(err))
				continue
			}
			for _, e := range events {
				w.logger.Info("catch-up: dispatching pending event", zap.String("event_id", e.ID.String()))
				if err := w.dispatcher.Dispatch(ctx, e.ID); err != nil {
					w.logger.Error("catch-up dispatch failed", zap.Error(err), zap.String("event_id", e.ID.String()))
				}
			}
		}
	}
}
