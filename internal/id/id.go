// Package id generates the identifiers the sync core mints locally.
package id

import (
	"github.com/oklog/ulid/v2"

	"chatsync/internal/message"
)

// NewULID returns a sortable unique id for job rows.
func NewULID() string {
	return ulid.Make().String()
}

// NewPendingID returns a temporary client-side message id. The prefix is
// what distinguishes optimistic placeholders from durable rows.
func NewPendingID() string {
	return message.PendingIDPrefix + ulid.Make().String()
}
