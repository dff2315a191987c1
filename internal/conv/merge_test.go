package conv

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/internal/message"
)

func durable(id, convID string, role message.Role, content string, at time.Time) message.Message {
	return message.Message{
		ID:             id,
		ConversationID: convID,
		Role:           role,
		Content:        content,
		CreatedAt:      at,
	}
}

func pending(tempID, convID, content string, at time.Time) message.Message {
	return message.Message{
		ID:             tempID,
		ConversationID: convID,
		Role:           message.RoleUser,
		Content:        content,
		CreatedAt:      at,
		DeliveryStatus: message.StatusPending,
	}
}

func TestMergeDuplicateDeliveryAddsOne(t *testing.T) {
	c := NewCache()
	now := time.Now()

	row := durable("m1", "conv1", message.RoleAssistant, "hi there", now)
	assert.Equal(t, MergeAppended, c.Merge("conv1", row))
	assert.Equal(t, MergeDuplicate, c.Merge("conv1", row))
	assert.Equal(t, MergeDuplicate, c.Merge("conv1", row))

	require.Len(t, c.Messages("conv1"), 1)
}

func TestMergeIdempotent(t *testing.T) {
	c1 := NewCache()
	c2 := NewCache()
	now := time.Now()

	rows := []message.Message{
		durable("m1", "c", message.RoleUser, "a", now),
		durable("m2", "c", message.RoleAssistant, "b", now.Add(time.Second)),
	}
	for _, r := range rows {
		c1.Merge("c", r)
		c2.Merge("c", r)
		c2.Merge("c", r) // applied twice
	}

	ids := func(msgs []message.Message) []string {
		out := make([]string, len(msgs))
		for i, m := range msgs {
			out[i] = m.ID
		}
		return out
	}
	assert.Equal(t, ids(c1.Messages("c")), ids(c2.Messages("c")))
}

func TestMergeAdoptsPlaceholder(t *testing.T) {
	c := NewCache()
	now := time.Now()

	c.Merge("c", pending("pending-01", "c", "Hello", now))
	out := c.Merge("c", durable("srv-9", "c", message.RoleUser, "Hello", now.Add(50*time.Millisecond)))
	assert.Equal(t, MergeAdopted, out)

	msgs := c.Messages("c")
	require.Len(t, msgs, 1)
	assert.Equal(t, "srv-9", msgs[0].ID)
	assert.Equal(t, message.StatusSent, msgs[0].DeliveryStatus)
}

func TestMergeRapidFireIdenticalSends(t *testing.T) {
	c := NewCache()
	now := time.Now()

	// Two identical optimistic sends, then two durable rows.
	c.Merge("c", pending("pending-01", "c", "hey", now))
	c.Merge("c", pending("pending-02", "c", "hey", now.Add(10*time.Millisecond)))

	assert.Equal(t, MergeAdopted, c.Merge("c", durable("srv-1", "c", message.RoleUser, "hey", now)))
	assert.Equal(t, MergeAdopted, c.Merge("c", durable("srv-2", "c", message.RoleUser, "hey", now.Add(10*time.Millisecond))))

	msgs := c.Messages("c")
	require.Len(t, msgs, 2)
	// Oldest placeholder consumed first.
	assert.Equal(t, "srv-1", msgs[0].ID)
	assert.Equal(t, "srv-2", msgs[1].ID)
}

func TestMergeAssistantNeverAdopts(t *testing.T) {
	c := NewCache()
	now := time.Now()

	c.Merge("c", pending("pending-01", "c", "same words", now))
	out := c.Merge("c", durable("srv-1", "c", message.RoleAssistant, "same words", now))
	assert.Equal(t, MergeAppended, out)
	assert.Len(t, c.Messages("c"), 2)
}

func TestMergeFailedPlaceholderNotAdopted(t *testing.T) {
	c := NewCache()
	now := time.Now()

	c.Merge("c", pending("pending-01", "c", "oops", now))
	require.True(t, c.Fail("c", "pending-01", "write refused"))

	out := c.Merge("c", durable("srv-1", "c", message.RoleUser, "oops", now))
	assert.Equal(t, MergeAppended, out)

	msgs := c.Messages("c")
	require.Len(t, msgs, 2)
	assert.Equal(t, message.StatusFailed, msgs[0].DeliveryStatus)
	assert.Equal(t, "write refused", msgs[0].FailureReason)
}

func TestMergeNoDuplicateIDsEver(t *testing.T) {
	c := NewCache()
	base := time.Now()

	// Interleave pushes, poll repeats and placeholder adoptions.
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("srv-%d", i%10) // every row delivered twice
		role := message.RoleUser
		if i%2 == 1 {
			role = message.RoleAssistant
		}
		c.Merge("c", durable(id, "c", role, fmt.Sprintf("m%d", i%10), base.Add(time.Duration(i)*time.Second)))
	}

	seen := map[string]bool{}
	for _, m := range c.Messages("c") {
		require.False(t, seen[m.ID], "duplicate id %s", m.ID)
		seen[m.ID] = true
	}
	assert.Len(t, seen, 10)
}

func TestMergeOrderingStable(t *testing.T) {
	c := NewCache()
	at := time.Unix(1000, 0)

	// Same CreatedAt: arrival order must win and stay put.
	c.Merge("c", durable("a", "c", message.RoleUser, "1", at))
	c.Merge("c", durable("b", "c", message.RoleAssistant, "2", at))
	c.Merge("c", durable("early", "c", message.RoleUser, "0", at.Add(-time.Minute)))

	msgs := c.Messages("c")
	require.Len(t, msgs, 3)
	assert.Equal(t, "early", msgs[0].ID)
	assert.Equal(t, "a", msgs[1].ID)
	assert.Equal(t, "b", msgs[2].ID)
}
