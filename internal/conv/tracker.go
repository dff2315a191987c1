package conv

import (
	"chatsync/internal/message"
)

// LatestContext derives the current tracked addon state from a merged,
// ordered message sequence: the most recent assistant turn that carries a
// snapshot wins. Pure function; the syncer recomputes it on every cache
// change instead of mutating tracked state directly.
func LatestContext(msgs []message.Message) message.TrackedContext {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Role == message.RoleAssistant && m.TrackedContext != nil {
			return m.TrackedContext.Clone()
		}
	}
	return message.EmptyTrackedContext()
}
