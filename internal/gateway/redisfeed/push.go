// Package redisfeed carries the push channel and the credit ledger over
// Redis. Each active conversation maps to one pub/sub channel; newly
// persisted rows are published as full message payloads.
package redisfeed

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"chatsync/internal/errs"
	"chatsync/internal/gateway"
)

type Feed struct {
	rdb *redis.Client
	log zerolog.Logger
}

func NewFeed(rdb *redis.Client, log zerolog.Logger) *Feed {
	return &Feed{rdb: rdb, log: log}
}

func channelName(convID string) string { return "conv:" + convID }

// Publish fans one event out to every subscriber of the conversation.
func (f *Feed) Publish(ctx context.Context, ev gateway.PushEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := f.rdb.Publish(ctx, channelName(ev.ConversationID), body).Err(); err != nil {
		return &errs.TransportError{Err: err}
	}
	return nil
}

func (f *Feed) Subscribe(ctx context.Context, convID string) (gateway.Subscription, error) {
	ps := f.rdb.Subscribe(ctx, channelName(convID))
	s := &subscription{
		ps:     ps,
		events: make(chan gateway.PushEvent, 16),
		log:    f.log.With().Str("conversation_id", convID).Logger(),
	}
	s.state.Store(int32(gateway.StateConnecting))
	go s.run(ctx)
	return s, nil
}

type subscription struct {
	ps     *redis.PubSub
	events chan gateway.PushEvent
	state  atomic.Int32
	log    zerolog.Logger
}

func (s *subscription) Events() <-chan gateway.PushEvent { return s.events }

func (s *subscription) State() gateway.ConnState {
	return gateway.ConnState(s.state.Load())
}

func (s *subscription) Connected() bool {
	return s.State() == gateway.StateSubscribed
}

// Close may be called from any state; it deterministically drives the
// subscription to closed and unblocks the event loop.
func (s *subscription) Close() error {
	err := s.ps.Close()
	s.state.Store(int32(gateway.StateClosed))
	return err
}

func (s *subscription) run(ctx context.Context) {
	defer func() {
		s.state.Store(int32(gateway.StateClosed))
		close(s.events)
	}()

	// Receive blocks until the server confirms the subscription.
	if _, err := s.ps.Receive(ctx); err != nil {
		s.log.Warn().Err(err).Msg("push subscribe failed")
		return
	}
	s.state.Store(int32(gateway.StateSubscribed))

	ch := s.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			_ = s.ps.Close()
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev gateway.PushEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				s.log.Warn().Err(err).Msg("bad push payload")
				continue
			}
			select {
			case s.events <- ev:
			case <-ctx.Done():
				_ = s.ps.Close()
				return
			}
		}
	}
}
