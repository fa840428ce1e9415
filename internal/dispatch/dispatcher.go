package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/outreachly/outreachly/internal/model"
	"github.com/outreachly/outreachly/internal/script"
	"github.com/outreachly/outreachly/internal/signing"
)

var (
	// ErrInvalidSubscription signals a malformed registration or update.
	ErrInvalidSubscription = errors.New("dispatch: invalid subscription")
	// ErrInvalidEvent signals an event kind outside the fixed enumeration.
	ErrInvalidEvent = errors.New("dispatch: invalid event")
)

const maxResponseBodyLen = 1000

// SubscriptionStore persists webhook subscriptions.
type SubscriptionStore interface {
	Create(ctx context.Context, url string, kinds []model.EventKind, secret string, transform *string) (*model.WebhookSubscription, error)
	GetByID(ctx context.Context, id uuid.UUID) (*model.WebhookSubscription, error)
	List(ctx context.Context) ([]model.WebhookSubscription, error)
	ListActiveByKind(ctx context.Context, kind model.EventKind) ([]model.WebhookSubscription, error)
	Update(ctx context.Context, id uuid.UUID, url *string, kinds []model.EventKind, active *bool, transform *string) (*model.WebhookSubscription, error)
	Delete(ctx context.Context, id uuid.UUID) error
	MarkTriggered(ctx context.Context, id uuid.UUID, at time.Time) error
}

// AttemptStore is the append-only delivery log.
type AttemptStore interface {
	Append(ctx context.Context, subscriptionID uuid.UUID, kind model.EventKind, payload json.RawMessage, responseStatus int, responseBody string, success bool, attempt int) (*model.DeliveryAttempt, error)
}

// EventStore persists published events. Claim must atomically move a pending
// event to processing and report false when another dispatcher got there
// first.
type EventStore interface {
	Create(ctx context.Context, kind model.EventKind, payload json.RawMessage) (*model.Event, error)
	GetByID(ctx context.Context, id uuid.UUID) (*model.Event, error)
	Claim(ctx context.Context, id uuid.UUID) (bool, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status model.EventStatus) error
}

// Queue hands event IDs to the out-of-process worker. A nil Queue makes the
// dispatcher fan out in-process instead.
type Queue interface {
	Enqueue(ctx context.Context, eventID uuid.UUID) error
}

// Envelope is the signed unit of data POSTed to a subscriber.
type Envelope struct {
	Event     string          `json:"event"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	WebhookID uuid.UUID       `json:"webhookId"`
}

// Dispatcher registers subscriptions and delivers signed event notifications
// with bounded retry. Delivery failures never reach the publisher; they are
// only visible in the attempt log.
type Dispatcher struct {
	subs       SubscriptionStore
	attempts   AttemptStore
	events     EventStore
	queue      Queue
	httpClient *http.Client
	logger     *zap.Logger

	maxAttempts    int
	retryBaseDelay time.Duration
}

type Options struct {
	MaxAttempts     int
	RetryBaseDelay  time.Duration
	DeliveryTimeout time.Duration
}

func New(subs SubscriptionStore, attempts AttemptStore, events EventStore, queue Queue, logger *zap.Logger, opts Options) *Dispatcher {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = time.Second
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = 10 * time.Second
	}
	return &Dispatcher{
		subs:           subs,
		attempts:       attempts,
		events:         events,
		queue:          queue,
		httpClient:     &http.Client{Timeout: opts.DeliveryTimeout},
		logger:         logger,
		maxAttempts:    opts.MaxAttempts,
		retryBaseDelay: opts.RetryBaseDelay,
	}
}

// Register creates a subscription with a freshly generated secret. The secret
// is returned on the subscription exactly once; later reads omit it.
func (d *Dispatcher) Register(ctx context.Context, rawURL string, kinds []model.EventKind, transform *string) (*model.WebhookSubscription, error) {
	if err := validateTarget(rawURL); err != nil {
		return nil, err
	}
	if err := validateKinds(kinds); err != nil {
		return nil, err
	}
	if transform != nil {
		if err := script.Validate(*transform); err != nil {
			return nil, fmt.Errorf("%w: transform: %v", ErrInvalidSubscription, err)
		}
	}

	secret, err := signing.NewSecret()
	if err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	return d.subs.Create(ctx, rawURL, kinds, secret, transform)
}

// Update changes URL, event set, active flag or transform. The secret is
// never regenerated.
func (d *Dispatcher) Update(ctx context.Context, id uuid.UUID, rawURL *string, kinds []model.EventKind, active *bool, transform *string) (*model.WebhookSubscription, error) {
	if rawURL != nil {
		if err := validateTarget(*rawURL); err != nil {
			return nil, err
		}
	}
	if kinds != nil {
		if err := validateKinds(kinds); err != nil {
			return nil, err
		}
	}
	if transform != nil && *transform != "" {
		if err := script.Validate(*transform); err != nil {
			return nil, fmt.Errorf("%w: transform: %v", ErrInvalidSubscription, err)
		}
	}
	return d.subs.Update(ctx, id, rawURL, kinds, active, transform)
}

// Publish records an event and hands it off for asynchronous fan-out. It
// returns once the event is durable; delivery happens in the background and
// its failures are never surfaced here.
func (d *Dispatcher) Publish(ctx context.Context, kind model.EventKind, payload json.RawMessage) (*model.Event, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, kind)
	}
	if payload == nil {
		payload = json.RawMessage("{}")
	}

	event, err := d.events.Create(ctx, kind, payload)
	if err != nil {
		return nil, fmt.Errorf("persist event: %w", err)
	}

	if d.queue != nil {
		if err := d.queue.Enqueue(ctx, event.ID); err != nil {
			// Event is durable with status=pending; the worker's catch-up
			// poll will pick it up.
			d.logger.Error("enqueue event failed", zap.Error(err), zap.String("event_id", event.ID.String()))
		}
		return event, nil
	}

	go func(ctx context.Context) {
		if err := d.Dispatch(ctx, event.ID); err != nil {
			d.logger.Error("in-process dispatch failed", zap.Error(err), zap.String("event_id", event.ID.String()))
		}
	}(context.WithoutCancel(ctx))
	return event, nil
}

// Dispatch fans an event out to every interested active subscription and
// marks it dispatched. Each subscription is delivered independently; one dead
// endpoint cannot delay the others. Dispatch blocks until every delivery has
// succeeded or exhausted its retries.
func (d *Dispatcher) Dispatch(ctx context.Context, eventID uuid.UUID) error {
	event, err := d.events.GetByID(ctx, eventID)
	if err != nil {
		return fmt.Errorf("load event: %w", err)
	}
	// Fan-out can take seconds of backoff, long enough for the catch-up poll
	// or a concurrent consumer to see the event again. Claiming it up front
	// keeps the delivery (and its 3-attempt cap) single-shot.
	claimed, err := d.events.Claim(ctx, eventID)
	if err != nil {
		return fmt.Errorf("claim event: %w", err)
	}
	if !claimed {
		return nil
	}

	subs, err := d.subs.ListActiveByKind(ctx, event.Kind)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}

	var wg sync.WaitGroup
	for i := range subs {
		sub := subs[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.deliver(ctx, &sub, event)
		}()
	}
	wg.Wait()

	if err := d.events.UpdateStatus(ctx, eventID, model.EventDispatched); err != nil {
		return fmt.Errorf("mark dispatched: %w", err)
	}
	return nil
}

// deliver runs the bounded retry loop for one subscription. Every attempt is
// appended to the log; a 2xx response ends the loop and stamps last_triggered.
func (d *Dispatcher) deliver(ctx context.Context, sub *model.WebhookSubscription, event *model.Event) {
	data := event.Payload
	if sub.Transform != nil && *sub.Transform != "" {
		transformed, drop, err := d.applyTransform(*sub.Transform, data)
		if err != nil {
			d.logger.Warn("transform failed, delivering original payload",
				zap.Error(err), zap.String("subscription_id", sub.ID.String()))
		} else if drop {
			d.logger.Info("delivery dropped by transform",
				zap.String("subscription_id", sub.ID.String()),
				zap.String("event_kind", string(event.Kind)))
			return
		} else {
			data = transformed
		}
	}

	envelope := Envelope{
		Event:     string(event.Kind),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
		WebhookID: sub.ID,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		d.logger.Error("marshal envelope", zap.Error(err))
		return
	}
	sig := signing.Sign(body, sub.Secret)

	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		status, respBody := d.post(ctx, sub.URL, body, sig, event.Kind)
		success := status >= 200 && status < 300

		if _, err := d.attempts.Append(ctx, sub.ID, event.Kind, body, status, respBody, success, attempt); err != nil {
			d.logger.Error("append delivery attempt", zap.Error(err),
				zap.String("subscription_id", sub.ID.String()))
		}

		if success {
			if err := d.subs.MarkTriggered(ctx, sub.ID, time.Now()); err != nil {
				d.logger.Error("mark triggered", zap.Error(err))
			}
			return
		}

		d.logger.Warn("webhook delivery failed",
			zap.String("subscription_id", sub.ID.String()),
			zap.String("event_kind", string(event.Kind)),
			zap.Int("attempt", attempt),
			zap.Int("status", status))

		if attempt == d.maxAttempts {
			return
		}
		// Backoff doubles per attempt: base 1s gives 2s then 4s.
		delay := d.retryBaseDelay * time.Duration(1<<attempt)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (d *Dispatcher) applyTransform(transform string, payload json.RawMessage) (json.RawMessage, bool, error) {
	var in map[string]any
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, false, fmt.Errorf("payload not an object: %w", err)
	}
	res, err := script.Run(transform, in)
	if err != nil {
		return nil, false, err
	}
	if res.Dropped {
		return nil, true, nil
	}
	out, err := json.Marshal(res.Payload)
	if err != nil {
		return nil, false, err
	}
	return out, false, nil
}

// post sends one signed envelope. It returns status 0 and the error text when
// the request never produced a response.
func (d *Dispatcher) post(ctx context.Context, targetURL string, body []byte, signature string, kind model.EventKind) (int, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(body))
	if err != nil {
		return 0, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", signature)
	req.Header.Set("X-Webhook-Event", string(kind))

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, err.Error()
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyLen))
	return resp.StatusCode, string(respBody)
}

// TestResult reports the outcome of a diagnostic ping.
type TestResult struct {
	OK     bool   `json:"ok"`
	Status int    `json:"status"`
	Error  string `json:"error,omitempty"`
}

// TestEndpoint sends a single test.ping envelope to url without touching the
// subscription or attempt tables. Used to validate a URL before registering.
func (d *Dispatcher) TestEndpoint(ctx context.Context, rawURL string) (*TestResult, error) {
	if err := validateTarget(rawURL); err != nil {
		return nil, err
	}

	// No subscription exists yet, so sign with a throwaway secret to keep the
	// request shape identical to a real delivery.
	secret, err := signing.NewSecret()
	if err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}

	envelope := Envelope{
		Event:     string(model.EventTestPing),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      json.RawMessage(`{"message":"outreachly webhook test"}`),
		WebhookID: uuid.Nil,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	status, respBody := d.post(ctx, rawURL, body, signing.Sign(body, secret), model.EventTestPing)
	res := &TestResult{Status: status, OK: status >= 200 && status < 300}
	if status == 0 {
		res.Error = respBody
	}
	return res, nil
}

func validateTarget(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("%w: url must be absolute", ErrInvalidSubscription)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: url scheme must be http or https", ErrInvalidSubscription)
	}
	return nil
}

func validateKinds(kinds []model.EventKind) error {
	if len(kinds) == 0 {
		return fmt.Errorf("%w: event kinds must not be empty", ErrInvalidSubscription)
	}
	for _, k := range kinds {
		if !k.Valid() {
			return fmt.Errorf("%w: unknown event kind %q", ErrInvalidSubscription, k)
		}
	}
	return nil
}
