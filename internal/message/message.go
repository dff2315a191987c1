// Package message defines the conversation data model shared by the cache,
// the persistence gateway, and the transports.
package message

import (
	"strings"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type DeliveryStatus string

const (
	StatusPending DeliveryStatus = "pending"
	StatusSent    DeliveryStatus = "sent"
	StatusFailed  DeliveryStatus = "failed"
)

// PendingIDPrefix marks client-generated temporary ids. A message keeps such
// an id only until the persistence gateway acknowledges it with a durable one.
const PendingIDPrefix = "pending-"

// Message is a single conversation turn. Content is immutable after creation;
// only DeliveryStatus moves, and only forward (pending -> sent | failed).
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Role           Role            `json:"role"`
	Content        string          `json:"content"`
	CreatedAt      time.Time       `json:"created_at"`
	DeliveryStatus DeliveryStatus  `json:"delivery_status"`
	TrackedContext *TrackedContext `json:"tracked_context,omitempty"`
	FailureReason  string          `json:"failure_reason,omitempty"`

	// Seq is the cache-local arrival counter, assigned on insert. It breaks
	// CreatedAt ties so display order is stable across re-sorts.
	Seq uint64 `json:"-"`
}

// IsPending reports whether the message still carries a client-generated id.
func (m Message) IsPending() bool {
	return strings.HasPrefix(m.ID, PendingIDPrefix)
}

// Cursor is an opaque backward-pagination boundary. The gorm store encodes
// the numeric row id of the oldest returned message.
type Cursor string

// Page is a contiguous ordered run of messages. HasMore is heuristic: true
// iff the fetch returned exactly the requested limit.
type Page struct {
	Messages       []Message `json:"messages"`
	HasMore        bool      `json:"has_more"`
	OldestBoundary Cursor    `json:"oldest_boundary,omitempty"`
}
