// Package conv holds the in-memory conversation cache and the merge function
// that is the single mutation authority over it.
//
// The cache itself is not locked: the syncer applies every mutation from one
// goroutine and guards reads separately. Keeping the cache free of its own
// synchronization is what makes Merge testable without any transport.
package conv

import (
	"sort"
	"time"

	"chatsync/internal/message"
)

type thread struct {
	pages       []message.Page
	lastTouched time.Time
}

// Cache maps conversation id -> ordered pages, logically flattened to one
// ascending sequence for display.
type Cache struct {
	threads map[string]*thread
	seq     uint64
	now     func() time.Time
}

func NewCache() *Cache {
	return &Cache{
		threads: make(map[string]*thread),
		now:     time.Now,
	}
}

func (c *Cache) nextSeq() uint64 {
	c.seq++
	return c.seq
}

func (c *Cache) thread(convID string) *thread {
	t, ok := c.threads[convID]
	if !ok {
		t = &thread{}
		c.threads[convID] = t
	}
	t.lastTouched = c.now()
	return t
}

// SetRecent installs the newest page as the only cached page. Used when a
// conversation is first opened; later rows arrive through Merge.
func (c *Cache) SetRecent(convID string, p message.Page) {
	t := c.thread(convID)
	for i := range p.Messages {
		p.Messages[i].Seq = c.nextSeq()
		if p.Messages[i].DeliveryStatus == "" {
			p.Messages[i].DeliveryStatus = message.StatusSent
		}
	}
	t.pages = []message.Page{p}
}

// PrependEarlier inserts an older page before everything already cached,
// dropping any row whose id is already present. Repeated calls with the same
// cursor are therefore safe. Returns the number of rows actually added.
func (c *Cache) PrependEarlier(convID string, p message.Page) int {
	t := c.thread(convID)
	seen := make(map[string]struct{})
	for _, pg := range t.pages {
		for _, m := range pg.Messages {
			seen[m.ID] = struct{}{}
		}
	}
	kept := p.Messages[:0]
	for _, m := range p.Messages {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		m.Seq = c.nextSeq()
		if m.DeliveryStatus == "" {
			m.DeliveryStatus = message.StatusSent
		}
		kept = append(kept, m)
	}
	p.Messages = kept
	t.pages = append([]message.Page{p}, t.pages...)
	return len(kept)
}

// Messages returns the flattened view: CreatedAt ascending, ties broken by
// arrival order. The slice is a copy; entries are safe to hand to callers.
func (c *Cache) Messages(convID string) []message.Message {
	t, ok := c.threads[convID]
	if !ok {
		return nil
	}
	var out []message.Message
	for _, pg := range t.pages {
		out = append(out, pg.Messages...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Seq < out[j].Seq
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Contains reports whether any cached entry carries the given id.
func (c *Cache) Contains(convID, id string) bool {
	t, ok := c.threads[convID]
	if !ok {
		return false
	}
	for _, pg := range t.pages {
		for _, m := range pg.Messages {
			if m.ID == id {
				return true
			}
		}
	}
	return false
}

// HasMore reports whether the oldest cached page believes older history
// exists, and the cursor to fetch it with.
func (c *Cache) HasMore(convID string) (message.Cursor, bool) {
	t, ok := c.threads[convID]
	if !ok || len(t.pages) == 0 {
		return "", false
	}
	oldest := t.pages[0]
	return oldest.OldestBoundary, oldest.HasMore
}

// Confirm transitions a pending entry to sent by temporary-id lookup,
// adopting the durable id and server timestamp without changing position.
func (c *Cache) Confirm(convID, tempID, durableID string, createdAt time.Time) bool {
	m := c.find(convID, tempID)
	if m == nil || m.DeliveryStatus != message.StatusPending {
		return false
	}
	m.ID = durableID
	m.DeliveryStatus = message.StatusSent
	if !createdAt.IsZero() {
		m.CreatedAt = createdAt
	}
	return true
}

// Fail transitions a pending entry to failed. The entry stays visible.
func (c *Cache) Fail(convID, tempID, reason string) bool {
	m := c.find(convID, tempID)
	if m == nil || m.DeliveryStatus != message.StatusPending {
		return false
	}
	m.DeliveryStatus = message.StatusFailed
	m.FailureReason = reason
	return true
}

// Reset moves a failed entry back to pending for a user-initiated retry.
func (c *Cache) Reset(convID, tempID string) bool {
	m := c.find(convID, tempID)
	if m == nil || m.DeliveryStatus != message.StatusFailed {
		return false
	}
	m.DeliveryStatus = message.StatusPending
	m.FailureReason = ""
	return true
}

// Get returns a copy of the entry with the given id, if cached.
func (c *Cache) Get(convID, id string) (message.Message, bool) {
	m := c.find(convID, id)
	if m == nil {
		return message.Message{}, false
	}
	return *m, true
}

func (c *Cache) find(convID, id string) *message.Message {
	t, ok := c.threads[convID]
	if !ok {
		return nil
	}
	for pi := range t.pages {
		msgs := t.pages[pi].Messages
		for mi := range msgs {
			if msgs[mi].ID == id {
				return &msgs[mi]
			}
		}
	}
	return nil
}

// Drop discards a conversation outright.
func (c *Cache) Drop(convID string) {
	delete(c.threads, convID)
}

// EvictStale garbage-collects conversations untouched for longer than the
// retention window. Returns how many were evicted.
func (c *Cache) EvictStale(retention time.Duration) int {
	cutoff := c.now().Add(-retention)
	n := 0
	for id, t := range c.threads {
		if t.lastTouched.Before(cutoff) {
			delete(c.threads, id)
			n++
		}
	}
	return n
}
