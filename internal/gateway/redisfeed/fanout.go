package redisfeed

import (
	"context"
	"time"

	"chatsync/internal/gateway"
	"chatsync/internal/message"
)

// FanoutStore decorates a persistence gateway so every created row is also
// published on the conversation's push channel, the way the hosted
// persistence service behaves. Reads pass straight through.
type FanoutStore struct {
	gateway.Store
	feed *Feed
}

func NewFanoutStore(store gateway.Store, feed *Feed) *FanoutStore {
	return &FanoutStore{Store: store, feed: feed}
}

func (s *FanoutStore) CreateMessage(ctx context.Context, convID, authorID, content string, assistant bool) (string, time.Time, error) {
	id, createdAt, err := s.Store.CreateMessage(ctx, convID, authorID, content, assistant)
	if err != nil {
		return "", time.Time{}, err
	}
	role := message.RoleUser
	if assistant {
		role = message.RoleAssistant
	}
	s.publish(ctx, convID, id, role, content, createdAt)
	return id, createdAt, nil
}

// CreateUserMessageIdempotent forwards to the wrapped store when it
// supports keyed writes, keeping the fanout behavior on the way out.
func (s *FanoutStore) CreateUserMessageIdempotent(ctx context.Context, convID, authorID, content, key string) (string, time.Time, error) {
	type keyed interface {
		CreateUserMessageIdempotent(ctx context.Context, convID, authorID, content, key string) (string, time.Time, error)
	}
	ks, ok := s.Store.(keyed)
	if !ok {
		return s.CreateMessage(ctx, convID, authorID, content, false)
	}
	id, createdAt, err := ks.CreateUserMessageIdempotent(ctx, convID, authorID, content, key)
	if err != nil {
		return "", time.Time{}, err
	}
	s.publish(ctx, convID, id, message.RoleUser, content, createdAt)
	return id, createdAt, nil
}

func (s *FanoutStore) publish(ctx context.Context, convID, id string, role message.Role, content string, createdAt time.Time) {
	ev := gateway.PushEvent{
		Kind:           gateway.EventMessage,
		ConversationID: convID,
		Message: &message.Message{
			ID:             id,
			ConversationID: convID,
			Role:           role,
			Content:        content,
			CreatedAt:      createdAt,
			DeliveryStatus: message.StatusSent,
		},
	}
	// Delivery is best effort; subscribers recover through polling.
	if err := s.feed.Publish(ctx, ev); err != nil {
		s.feed.log.Warn().Err(err).Str("conversation_id", convID).Msg("fanout publish failed")
	}
}
