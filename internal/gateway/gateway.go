// Package gateway declares the external collaborators the sync core talks
// to: the durable message store, the reply generation service, the push
// channel, and the credit ledger. Implementations live in subpackages.
package gateway

import (
	"context"
	"time"

	"chatsync/internal/message"
)

// Store is the persistence gateway. Create/read only; the sync core never
// updates or deletes durable rows.
type Store interface {
	// CreateMessage persists one turn and returns its durable id and the
	// server-side creation timestamp used as the ordering key.
	CreateMessage(ctx context.Context, convID, authorID, content string, assistant bool) (id string, createdAt time.Time, err error)

	// RecentMessages returns the newest page in ascending order.
	RecentMessages(ctx context.Context, convID string, limit int) (message.Page, error)

	// EarlierMessages returns the next-older page before the cursor,
	// ascending. Repeated calls with the same cursor return the same rows.
	EarlierMessages(ctx context.Context, convID string, before message.Cursor, limit int) (message.Page, error)
}

// GenerationRequest carries everything the generation service needs to
// produce an assistant reply for one user turn.
type GenerationRequest struct {
	CharacterID    string                  `json:"character_id"`
	ConversationID string                  `json:"conversation_id"`
	Model          string                  `json:"model"`
	UserMessage    string                  `json:"user_message"`
	TrackedContext *message.TrackedContext `json:"tracked_context,omitempty"`
	AddonSettings  map[string]bool         `json:"addon_settings,omitempty"`
	PersonaID      string                  `json:"persona_id"`

	// SessionToken authenticates the request. An expired or malformed token
	// surfaces as an AuthError before anything is dispatched.
	SessionToken string `json:"-"`

	// IdempotencyKey suppresses duplicate jobs for the same logical send.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// GenerationAck is the acceptance receipt for an asynchronous generation
// request. The reply itself is persisted by the service and arrives through
// the push channel (or the polling fallback).
type GenerationAck struct {
	JobID string
}

// Generator dispatches reply generation. Implementations must not return
// partial content: a failure is a propagated error, nothing else.
type Generator interface {
	Invoke(ctx context.Context, req GenerationRequest) (GenerationAck, error)
}

// ConnState is the lifecycle of one push subscription.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateSubscribed
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	default:
		return "closed"
	}
}

// EventKind discriminates push payloads.
type EventKind string

const (
	// EventMessage delivers a full freshly-persisted row.
	EventMessage EventKind = "message"
	// EventGenerationFailed reports that a reply could not be produced.
	EventGenerationFailed EventKind = "generation_failed"
)

// PushEvent is one delivery on a conversation's push channel.
type PushEvent struct {
	Kind           EventKind        `json:"kind"`
	ConversationID string           `json:"conversation_id"`
	Message        *message.Message `json:"message,omitempty"`

	// JobID identifies the generation job a failure event refers to, so
	// redelivered events collapse to one user-visible marker.
	JobID  string `json:"job_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Subscription is one live channel for one conversation. Events is closed
// when the subscription ends, whatever state it ends from.
type Subscription interface {
	Events() <-chan PushEvent
	State() ConnState
	// Connected is true only while the subscription is confirmed live.
	Connected() bool
	Close() error
}

// PushChannel opens subscriptions, one per active conversation.
type PushChannel interface {
	Subscribe(ctx context.Context, convID string) (Subscription, error)
}

// Ledger tracks the consumable balance gating generation requests.
type Ledger interface {
	Balance(ctx context.Context, userID string) (int64, error)
	// Consume decrements and returns the new balance, or
	// errs.ErrInsufficientCredits when amount exceeds the balance.
	Consume(ctx context.Context, userID string, amount int64) (int64, error)
}
