package conv

import (
	"chatsync/internal/message"
)

// MergeOutcome says what Merge did with an incoming message.
type MergeOutcome int

const (
	// MergeDuplicate: the id was already cached, nothing changed.
	MergeDuplicate MergeOutcome = iota
	// MergeAdopted: a pending placeholder was replaced in place and now
	// carries the durable id.
	MergeAdopted
	// MergeAppended: the message was appended to the newest page.
	MergeAppended
)

func (o MergeOutcome) String() string {
	switch o {
	case MergeDuplicate:
		return "duplicate"
	case MergeAdopted:
		return "adopted"
	default:
		return "appended"
	}
}

// Merge is the sole write path for rows arriving from any source: the
// optimistic writer, the push channel, the poller, and pagination acks all
// feed through here, which is what makes their arrival order irrelevant.
//
//  1. Known id: no-op. Applying the same row twice equals applying it once.
//  2. Durable user row matching an unresolved placeholder's content: the
//     placeholder is replaced in place and adopts the durable id. With several
//     identical rapid-fire sends, placeholders are consumed oldest-first, one
//     per durable row.
//  3. Otherwise: append to the newest page.
func (c *Cache) Merge(convID string, in message.Message) MergeOutcome {
	t := c.thread(convID)

	if in.ID != "" && c.Contains(convID, in.ID) {
		return MergeDuplicate
	}

	if !in.IsPending() && in.Role == message.RoleUser {
		if ph := c.oldestPlaceholder(t, in); ph != nil {
			ph.ID = in.ID
			ph.DeliveryStatus = message.StatusSent
			if !in.CreatedAt.IsZero() {
				ph.CreatedAt = in.CreatedAt
			}
			if in.TrackedContext != nil {
				ph.TrackedContext = in.TrackedContext
			}
			return MergeAdopted
		}
	}

	if in.DeliveryStatus == "" {
		// Server-delivered rows are always sent.
		in.DeliveryStatus = message.StatusSent
	}
	in.Seq = c.nextSeq()

	if len(t.pages) == 0 {
		t.pages = []message.Page{{}}
	}
	last := &t.pages[len(t.pages)-1]
	last.Messages = append(last.Messages, in)
	return MergeAppended
}

// oldestPlaceholder finds the first still-pending placeholder whose content
// and role match the incoming durable row.
func (c *Cache) oldestPlaceholder(t *thread, in message.Message) *message.Message {
	for pi := range t.pages {
		msgs := t.pages[pi].Messages
		for mi := range msgs {
			m := &msgs[mi]
			if m.IsPending() &&
				m.DeliveryStatus == message.StatusPending &&
				m.Role == in.Role &&
				m.Content == in.Content {
				return m
			}
		}
	}
	return nil
}
