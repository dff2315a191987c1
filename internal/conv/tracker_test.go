package conv

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"chatsync/internal/message"
)

func TestLatestContextDefaultsWhenEmpty(t *testing.T) {
	got := LatestContext(nil)
	assert.Equal(t, message.EmptyTrackedContext(), got)

	// User turns never carry tracked state.
	msgs := []message.Message{
		durable("m1", "c", message.RoleUser, "hi", time.Now()),
	}
	assert.Equal(t, message.EmptyTrackedContext(), LatestContext(msgs))
}

func TestLatestContextTakesMostRecentAssistantTurn(t *testing.T) {
	now := time.Now()
	first := &message.TrackedContext{Mood: "curious", Location: "tavern"}
	second := &message.TrackedContext{Mood: "wary", Location: "forest"}

	msgs := []message.Message{
		durable("m1", "c", message.RoleUser, "hi", now),
		{ID: "m2", Role: message.RoleAssistant, Content: "a", CreatedAt: now.Add(time.Second), TrackedContext: first},
		durable("m3", "c", message.RoleUser, "go on", now.Add(2*time.Second)),
		{ID: "m4", Role: message.RoleAssistant, Content: "b", CreatedAt: now.Add(3*time.Second), TrackedContext: second},
	}

	got := LatestContext(msgs)
	assert.Equal(t, "wary", got.Mood)
	assert.Equal(t, "forest", got.Location)

	// The returned snapshot is a copy.
	got.Mood = "mutated"
	assert.Equal(t, "wary", second.Mood)
}

func TestLatestContextSkipsAssistantTurnsWithoutSnapshot(t *testing.T) {
	now := time.Now()
	ctx := &message.TrackedContext{Mood: "calm", Location: "shore"}

	msgs := []message.Message{
		{ID: "m1", Role: message.RoleAssistant, Content: "a", CreatedAt: now, TrackedContext: ctx},
		{ID: "m2", Role: message.RoleAssistant, Content: "b", CreatedAt: now.Add(time.Second)},
	}
	assert.Equal(t, "calm", LatestContext(msgs).Mood)
}
