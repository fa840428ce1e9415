package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Provider identifies one of the supported third-party identity providers.
type Provider string

const (
	ProviderGoogle   Provider = "google"
	ProviderLinkedIn Provider = "linkedin"
	ProviderTwitter  Provider = "twitter"
	ProviderFacebook Provider = "facebook"
)

// Providers lists every supported provider in a stable order.
var Providers = []Provider{ProviderGoogle, ProviderLinkedIn, ProviderTwitter, ProviderFacebook}

func (p Provider) Valid() bool {
	switch p {
	case ProviderGoogle, ProviderLinkedIn, ProviderTwitter, ProviderFacebook:
		return true
	}
	return false
}

// ProviderCredential holds the OAuth tokens for one (user, provider) pair.
// At most one row exists per pair; exchanges upsert on that identity.
type ProviderCredential struct {
	UserID       string     `json:"user_id"`
	Provider     Provider   `json:"provider"`
	AccessToken  string     `json:"-"`
	RefreshToken *string    `json:"-"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Connected    bool       `json:"connected"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// EventKind is the fixed enumeration of application events subscribers can register for.
type EventKind string

const (
	EventLeadCreated         EventKind = "lead.created"
	EventLeadUpdated         EventKind = "lead.updated"
	EventLeadConverted       EventKind = "lead.converted"
	EventEmailSent           EventKind = "email.sent"
	EventEmailOpened         EventKind = "email.opened"
	EventEmailReplied        EventKind = "email.replied"
	EventSocialPostPublished EventKind = "social.post.published"
	EventCampaignCompleted   EventKind = "campaign.completed"
	EventTestPing            EventKind = "test.ping"
)

func (k EventKind) Valid() bool {
	switch k {
	case EventLeadCreated, EventLeadUpdated, EventLeadConverted,
		EventEmailSent, EventEmailOpened, EventEmailReplied,
		EventSocialPostPublished, EventCampaignCompleted, EventTestPing:
		return true
	}
	return false
}

// WebhookSubscription is a registered external endpoint. The secret is
// generated once at registration and never changes afterwards.
type WebhookSubscription struct {
	ID            uuid.UUID   `json:"id"`
	URL           string      `json:"url"`
	EventKinds    []EventKind `json:"event_kinds"`
	Secret        string      `json:"-"`
	Active        bool        `json:"active"`
	Transform     *string     `json:"transform,omitempty"`
	LastTriggered *time.Time  `json:"last_triggered,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// SubscribedTo reports whether the subscription's event set contains kind.
func (s *WebhookSubscription) SubscribedTo(kind EventKind) bool {
	for _, k := range s.EventKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// DeliveryAttempt is one append-only row of the delivery audit trail.
// ResponseStatus 0 means the request never produced a response.
type DeliveryAttempt struct {
	ID             uuid.UUID       `json:"id"`
	SubscriptionID uuid.UUID       `json:"subscription_id"`
	EventKind      EventKind       `json:"event_kind"`
	Payload        json.RawMessage `json:"payload"`
	ResponseStatus int             `json:"response_status"`
	ResponseBody   string          `json:"response_body"`
	Success        bool            `json:"success"`
	Attempt        int             `json:"attempt"`
	CreatedAt      time.Time       `json:"created_at"`
}

type EventStatus string

const (
	EventPending    EventStatus = "pending"
	EventProcessing EventStatus = "processing"
	EventDispatched EventStatus = "dispatched"
)

// Event is a published application event awaiting (or done with) fan-out.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Kind      EventKind       `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Status    EventStatus     `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}
