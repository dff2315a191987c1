package syncer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"chatsync/internal/errs"
	"chatsync/internal/gateway"
	"chatsync/internal/message"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type harness struct {
	store  *fakeStore
	gen    *fakeGen
	push   *fakePush
	ledger *fakeLedger
	s      *Syncer
}

func newHarness(t *testing.T, opts ...func(*harness)) *harness {
	t.Helper()
	h := &harness{
		store:  newFakeStore(),
		gen:    &fakeGen{},
		push:   &fakePush{connected: true},
		ledger: &fakeLedger{balance: 100},
	}
	for _, opt := range opts {
		opt(h)
	}
	h.s = New(h.store, h.gen, h.push, h.ledger, Config{
		UserID:       "user-1",
		CharacterID:  "char-1",
		Model:        "test-model",
		SessionToken: "token",
		PageSize:     5,
		PollInterval: 10 * time.Millisecond,
		SendCost:     1,
	}, zerolog.Nop(), nil)
	t.Cleanup(func() { _ = h.s.Close() })
	return h
}

func (h *harness) messages(convID string) []message.Message {
	return h.s.Messages(convID)
}

func countAssistant(msgs []message.Message, content string) int {
	n := 0
	for _, m := range msgs {
		if m.Role == message.RoleAssistant && m.Content == content {
			n++
		}
	}
	return n
}

func TestOpenLoadsRecentHistory(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 3; i++ {
		h.store.add("c1", message.RoleUser, "hello")
		h.store.add("c1", message.RoleAssistant, "hi there")
	}

	require.NoError(t, h.s.Open(context.Background(), "c1"))

	msgs := h.messages("c1")
	require.Len(t, msgs, 5)
	for i := 1; i < len(msgs); i++ {
		require.False(t, msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt))
	}
	_, more := h.s.HasMore("c1")
	require.True(t, more)
	require.True(t, h.s.Connected())
}

func TestSendOptimisticThenConfirmed(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.s.Open(context.Background(), "c1"))

	// Slow the durable write down so the pending row is observable.
	h.store.setDelay(50 * time.Millisecond)

	tempID, err := h.s.Send(context.Background(), "c1", "first question")
	require.NoError(t, err)

	// The pending row is visible before the durable write resolves.
	msgs := h.messages("c1")
	require.Len(t, msgs, 1)
	require.Equal(t, tempID, msgs[0].ID)
	require.Equal(t, message.StatusPending, msgs[0].DeliveryStatus)

	require.Eventually(t, func() bool {
		msgs := h.messages("c1")
		return len(msgs) == 1 && msgs[0].DeliveryStatus == message.StatusSent
	}, waitFor, tick)

	msgs = h.messages("c1")
	require.False(t, msgs[0].IsPending())
	require.NotEqual(t, tempID, msgs[0].ID)

	require.Eventually(t, func() bool { return len(h.gen.requests()) == 1 }, waitFor, tick)
	req := h.gen.requests()[0]
	require.Equal(t, "first question", req.UserMessage)
	require.Equal(t, "c1", req.ConversationID)
	require.NotEmpty(t, req.IdempotencyKey)
	require.Equal(t, message.NoContext, req.TrackedContext.Mood)
}

func TestSendPersistFailureThenRetry(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.s.Open(context.Background(), "c1"))
	h.store.failOne = true

	tempID, err := h.s.Send(context.Background(), "c1", "will fail")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		m := h.messages("c1")
		return len(m) == 1 && m[0].DeliveryStatus == message.StatusFailed
	}, waitFor, tick)

	msgs := h.messages("c1")
	require.Equal(t, tempID, msgs[0].ID)
	require.NotEmpty(t, msgs[0].FailureReason)

	// The store healed; retry flips the row back and lands it.
	require.NoError(t, h.s.RetrySend(context.Background(), "c1", tempID))
	require.Eventually(t, func() bool {
		m := h.messages("c1")
		return len(m) == 1 && m[0].DeliveryStatus == message.StatusSent
	}, waitFor, tick)
}

func TestRetryRejectsNonFailedMessage(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.s.Open(context.Background(), "c1"))

	tempID, err := h.s.Send(context.Background(), "c1", "fine")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		m := h.messages("c1")
		return len(m) == 1 && m[0].DeliveryStatus == message.StatusSent
	}, waitFor, tick)

	require.Error(t, h.s.RetrySend(context.Background(), "c1", tempID))
	require.Error(t, h.s.RetrySend(context.Background(), "c1", "no-such-id"))
}

func TestSendRejectedWithoutCredits(t *testing.T) {
	h := newHarness(t, func(h *harness) { h.ledger.balance = 0 })
	require.NoError(t, h.s.Open(context.Background(), "c1"))

	_, err := h.s.Send(context.Background(), "c1", "too poor")
	require.ErrorIs(t, err, errs.ErrInsufficientCredits)

	// Nothing reached the network: no row, no job, no cache entry.
	require.Empty(t, h.messages("c1"))
	require.Empty(t, h.gen.requests())
	require.EqualValues(t, 0, atomic.LoadInt64(&h.store.creates))
}

func TestBalanceRefreshedAfterSend(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.s.Open(context.Background(), "c1"))

	_, err := h.s.Send(context.Background(), "c1", "spend one")
	require.NoError(t, err)

	// One fetch for the guard, at least one more for the refresh.
	require.Eventually(t, func() bool { return h.ledger.calls() >= 2 }, waitFor, tick)
}

func TestReplyArrivesViaPollingExactlyOnce(t *testing.T) {
	h := newHarness(t, func(h *harness) { h.push.connected = false })
	require.NoError(t, h.s.Open(context.Background(), "c1"))
	require.False(t, h.s.Connected())

	_, err := h.s.Send(context.Background(), "c1", "a question")
	require.NoError(t, err)

	// The reply lands in the store out of band, as the generation
	// worker would write it.
	h.store.add("c1", message.RoleAssistant, "an answer")

	require.Eventually(t, func() bool {
		return countAssistant(h.messages("c1"), "an answer") == 1
	}, waitFor, tick)

	// Several more poll rounds must not duplicate it.
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, countAssistant(h.messages("c1"), "an answer"))
}

func TestPushDeliveryMergesOnce(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.s.Open(context.Background(), "c1"))

	reply := h.store.add("c1", message.RoleAssistant, "pushed reply")
	sub := h.push.last()
	require.NotNil(t, sub)
	sub.emit(gateway.PushEvent{Kind: gateway.EventMessage, ConversationID: "c1", Message: &reply})
	sub.emit(gateway.PushEvent{Kind: gateway.EventMessage, ConversationID: "c1", Message: &reply})

	require.Eventually(t, func() bool {
		return countAssistant(h.messages("c1"), "pushed reply") == 1
	}, waitFor, tick)
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, 1, countAssistant(h.messages("c1"), "pushed reply"))
}

func TestPushAdoptsOwnPendingSend(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.s.Open(context.Background(), "c1"))

	_, err := h.s.Send(context.Background(), "c1", "echoed back")
	require.NoError(t, err)

	// The durable row also comes back over push; whichever of the
	// confirm and the push merge lands second must be a no-op.
	require.Eventually(t, func() bool {
		rows, _ := h.store.RecentMessages(context.Background(), "c1", 5)
		return len(rows.Messages) == 1
	}, waitFor, tick)
	rows, _ := h.store.RecentMessages(context.Background(), "c1", 5)
	sub := h.push.last()
	sub.emit(gateway.PushEvent{Kind: gateway.EventMessage, ConversationID: "c1", Message: &rows.Messages[0]})

	require.Eventually(t, func() bool {
		m := h.messages("c1")
		return len(m) == 1 && m[0].DeliveryStatus == message.StatusSent
	}, waitFor, tick)
	time.Sleep(30 * time.Millisecond)
	require.Len(t, h.messages("c1"), 1)
}

func TestGenerationDispatchFailureLeavesMarker(t *testing.T) {
	h := newHarness(t)
	h.gen.err = &errs.GenerationError{ConversationID: "c1", Err: errors.New("model offline")}
	require.NoError(t, h.s.Open(context.Background(), "c1"))

	_, err := h.s.Send(context.Background(), "c1", "doomed")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, m := range h.messages("c1") {
			if m.Role == message.RoleAssistant && m.DeliveryStatus == message.StatusFailed {
				return true
			}
		}
		return false
	}, waitFor, tick)

	failed := 0
	for _, m := range h.messages("c1") {
		if m.Role == message.RoleAssistant && m.DeliveryStatus == message.StatusFailed {
			failed++
			require.Contains(t, m.FailureReason, "model offline")
		}
	}
	require.Equal(t, 1, failed)
}

func TestGenerationFailedPushEvent(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.s.Open(context.Background(), "c1"))

	sub := h.push.last()
	sub.emit(gateway.PushEvent{Kind: gateway.EventGenerationFailed, ConversationID: "c1", Reason: "worker crashed"})

	require.Eventually(t, func() bool {
		for _, m := range h.messages("c1") {
			if m.Role == message.RoleAssistant && m.DeliveryStatus == message.StatusFailed && m.FailureReason == "worker crashed" {
				return true
			}
		}
		return false
	}, waitFor, tick)
}

func TestGenerationFailedEventRedeliveredOnce(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.s.Open(context.Background(), "c1"))

	failure := gateway.PushEvent{
		Kind:           gateway.EventGenerationFailed,
		ConversationID: "c1",
		JobID:          "01REDELIVEREDJOB0000000000",
		Reason:         "worker crashed",
	}
	sub := h.push.last()
	sub.emit(failure)
	sub.emit(failure)

	failedMarkers := func() int {
		n := 0
		for _, m := range h.messages("c1") {
			if m.Role == message.RoleAssistant && m.DeliveryStatus == message.StatusFailed {
				n++
			}
		}
		return n
	}
	require.Eventually(t, func() bool { return failedMarkers() == 1 }, waitFor, tick)
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, 1, failedMarkers())
}

func TestLoadEarlierPrepends(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 12; i++ {
		h.store.add("c1", message.RoleUser, "old talk")
	}
	require.NoError(t, h.s.Open(context.Background(), "c1"))
	require.Len(t, h.messages("c1"), 5)

	added, err := h.s.LoadEarlier(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, 5, added)
	require.Len(t, h.messages("c1"), 10)

	added, err = h.s.LoadEarlier(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, 2, added)
	require.Len(t, h.messages("c1"), 12)

	// Top of history: no cursor left, no fetch issued.
	added, err = h.s.LoadEarlier(context.Background(), "c1")
	require.NoError(t, err)
	require.Zero(t, added)
}

func TestSwitchDropsInFlightPagination(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 12; i++ {
		h.store.add("c1", message.RoleUser, "old talk")
	}
	h.store.add("c2", message.RoleUser, "other room")
	require.NoError(t, h.s.Open(context.Background(), "c1"))

	release := make(chan struct{})
	h.store.mu.Lock()
	h.store.block = release
	h.store.mu.Unlock()

	done := make(chan int, 1)
	go func() {
		added, _ := h.s.LoadEarlier(context.Background(), "c1")
		done <- added
	}()

	// Switch conversations while the page fetch is still in flight,
	// then let it complete. The stale result must not apply.
	time.Sleep(20 * time.Millisecond)
	h.store.mu.Lock()
	h.store.block = nil
	h.store.mu.Unlock()
	require.NoError(t, h.s.Open(context.Background(), "c2"))
	close(release)

	require.Zero(t, <-done)
	require.Len(t, h.messages("c1"), 5)
	require.Equal(t, "c2", h.s.Active())
}

func TestSwitchClosesPreviousSubscription(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.s.Open(context.Background(), "c1"))
	first := h.push.last()
	require.True(t, first.Connected())

	require.NoError(t, h.s.Open(context.Background(), "c2"))
	require.Equal(t, gateway.StateClosed, first.State())
	require.True(t, h.s.Connected())
}

func TestSubscriptionDropFlipsConnected(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.s.Open(context.Background(), "c1"))
	require.True(t, h.s.Connected())

	h.push.last().Close()
	require.False(t, h.s.Connected())

	// With push gone, polling picks up new rows again.
	h.store.add("c1", message.RoleAssistant, "late reply")
	require.Eventually(t, func() bool {
		return countAssistant(h.messages("c1"), "late reply") == 1
	}, waitFor, tick)
}

func TestObserverNotifiedOnChange(t *testing.T) {
	h := newHarness(t)
	changes := make(chan string, 32)
	unsub := h.s.OnChange(func(convID string) { changes <- convID })
	defer unsub()

	require.NoError(t, h.s.Open(context.Background(), "c1"))
	select {
	case got := <-changes:
		require.Equal(t, "c1", got)
	case <-time.After(waitFor):
		t.Fatal("no change notification after open")
	}
}

func TestTrackedContextFollowsLatestReply(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.s.Open(context.Background(), "c1"))

	reply := h.store.add("c1", message.RoleAssistant, "contextual reply")
	reply.TrackedContext = &message.TrackedContext{Mood: "cheerful", Location: "harbor"}
	sub := h.push.last()
	sub.emit(gateway.PushEvent{Kind: gateway.EventMessage, ConversationID: "c1", Message: &reply})

	require.Eventually(t, func() bool {
		return h.s.TrackedContext("c1").Mood == "cheerful"
	}, waitFor, tick)
	require.Equal(t, "harbor", h.s.TrackedContext("c1").Location)
}
