package syncer

import (
	"context"
	"fmt"
	"time"

	"chatsync/internal/gateway"
)

// Open makes convID the active conversation: it loads the most recent
// history page, subscribes to the push channel, and starts the polling
// fallback. Opening a conversation invalidates any in-flight page
// results for the previous one.
func (s *Syncer) Open(ctx context.Context, convID string) error {
	epoch := s.epoch.Add(1)

	s.activeMu.Lock()
	prevSub, prevCancel := s.sub, s.subCancel
	s.activeID = convID
	s.sub, s.subCancel = nil, nil
	s.activeMu.Unlock()
	if prevCancel != nil {
		prevCancel()
	}
	if prevSub != nil {
		prevSub.Close()
	}

	if err := s.loadRecent(ctx, convID, epoch); err != nil {
		return fmt.Errorf("open %s: %w", convID, err)
	}

	subCtx, subCancel := context.WithCancel(s.runCtx)
	sub, err := s.push.Subscribe(subCtx, convID)
	if err != nil {
		// Polling covers delivery until the next open succeeds in
		// subscribing.
		s.log.Warn().Err(err).
			Str("conversation_id", convID).
			Msg("push subscribe failed, polling only")
		sub = nil
	}

	s.activeMu.Lock()
	if s.epoch.Load() != epoch {
		// Another Open raced us; let it own the subscription.
		s.activeMu.Unlock()
		subCancel()
		if sub != nil {
			sub.Close()
		}
		return nil
	}
	s.sub, s.subCancel = sub, subCancel
	s.activeMu.Unlock()

	if sub != nil {
		go s.pump(convID, sub)
	}
	go s.pollLoop(subCtx, convID, epoch)
	return nil
}

// LoadRecent replaces the cached window with the newest page from the
// store. Open calls it once; callers can use it to force a refresh.
func (s *Syncer) LoadRecent(ctx context.Context, convID string) error {
	return s.loadRecent(ctx, convID, s.epoch.Load())
}

func (s *Syncer) loadRecent(ctx context.Context, convID string, epoch uint64) error {
	page, err := s.store.RecentMessages(ctx, convID, s.cfg.PageSize)
	if err != nil {
		return fmt.Errorf("load recent %s: %w", convID, err)
	}
	return s.postWait(ctx, event{kind: evRecent, convID: convID, epoch: epoch, page: page})
}

// LoadEarlier fetches the page of history older than what is currently
// cached and prepends it. It returns the number of messages added; zero
// with a nil error means the top of history was already reached. A
// result arriving after the conversation was switched is discarded.
func (s *Syncer) LoadEarlier(ctx context.Context, convID string) (int, error) {
	epoch := s.epoch.Load()

	s.mu.RLock()
	cursor, more := s.cache.HasMore(convID)
	s.mu.RUnlock()
	if !more {
		return 0, nil
	}

	page, err := s.store.EarlierMessages(ctx, convID, cursor, s.cfg.PageSize)
	if err != nil {
		return 0, fmt.Errorf("load earlier %s: %w", convID, err)
	}

	added := 0
	ev := event{kind: evEarlier, convID: convID, epoch: epoch, page: page, addedOut: &added}
	if err := s.postWait(ctx, ev); err != nil {
		return 0, err
	}
	return added, nil
}

// pump forwards push events into the run loop until the subscription's
// event channel closes. Events for the conversation are merged exactly
// like rows read from the store; a duplicate of something polling
// already delivered is a no-op.
func (s *Syncer) pump(convID string, sub gateway.Subscription) {
	for ev := range sub.Events() {
		s.rec.ObservePushEvent(string(ev.Kind))
		switch ev.Kind {
		case gateway.EventMessage:
			if ev.Message == nil {
				continue
			}
			s.post(event{kind: evMerge, convID: ev.ConversationID, msg: *ev.Message, source: "push"})
		case gateway.EventGenerationFailed:
			s.post(event{
				kind:   evGenFailed,
				convID: ev.ConversationID,
				msg:    s.failedMarker(ev.ConversationID, ev.JobID, ev.Reason),
				source: "push",
			})
		}
	}
	s.log.Debug().Str("conversation_id", convID).Msg("push subscription closed")
}

// pollLoop re-reads the newest page on a fixed interval while the push
// channel is not connected. Each returned row goes through the same
// merge as a push delivery, so switching between the two sources never
// duplicates a message.
func (s *Syncer) pollLoop(ctx context.Context, convID string, epoch uint64) {
	t := time.NewTicker(s.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if s.Connected() {
				continue
			}
			s.rec.ObservePollTick()
			page, err := s.store.RecentMessages(ctx, convID, s.cfg.PageSize)
			if err != nil {
				s.log.Debug().Err(err).
					Str("conversation_id", convID).
					Msg("poll read failed")
				continue
			}
			s.post(event{kind: evPollBatch, convID: convID, epoch: epoch, msgs: page.Messages, source: "poll"})
		}
	}
}
