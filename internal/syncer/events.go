package syncer

import (
	"time"

	"chatsync/internal/message"
)

type eventKind int

const (
	evMerge eventKind = iota
	evConfirm
	evFail
	evReset
	evRecent
	evEarlier
	evPollBatch
	evGenFailed
	evDrop
)

// event is the single unit of work processed by the run loop. Every
// cache mutation, whatever its origin, travels through one of these so
// that merges are applied strictly one at a time.
type event struct {
	kind   eventKind
	convID string

	// epoch guards page-shaped results (evRecent, evEarlier,
	// evPollBatch) against applying after a conversation switch.
	// Zero means the event is not epoch-scoped.
	epoch uint64

	msg    message.Message
	msgs   []message.Message
	page   message.Page
	source string

	tempID    string
	durableID string
	createdAt time.Time
	reason    string

	// addedOut, when non-nil, receives the number of messages the
	// event actually introduced before done is closed.
	addedOut *int

	// done, when non-nil, is closed once the event has been applied
	// (or dropped). Callers that need their mutation visible before
	// returning wait on it.
	done chan struct{}
}
