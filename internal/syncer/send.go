package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"chatsync/internal/errs"
	"chatsync/internal/gateway"
	"chatsync/internal/id"
	"chatsync/internal/message"
)

const (
	persistTimeout  = 15 * time.Second
	generateTimeout = 30 * time.Second
)

// CanSend reports whether a balance covers one send. It is the only
// credit rule and is checked before any network work happens.
func CanSend(balance, cost int64) bool {
	return balance >= cost
}

// Send inserts an optimistic pending row for content, then persists it
// and requests an assistant reply in parallel. It returns the temporary
// id of the pending row; the row flips to sent or failed as the
// persistence write resolves.
func (s *Syncer) Send(ctx context.Context, convID, content string) (string, error) {
	if content == "" {
		return "", fmt.Errorf("send: empty content")
	}

	bal, err := s.currentBalance(ctx)
	if err != nil {
		return "", err
	}
	if !CanSend(bal, s.cfg.SendCost) {
		s.rec.ObserveSend("rejected")
		return "", errs.ErrInsufficientCredits
	}

	tempID := id.NewPendingID()
	pendingMsg := message.Message{
		ID:             tempID,
		ConversationID: convID,
		Role:           message.RoleUser,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
		DeliveryStatus: message.StatusPending,
	}
	if err := s.postWait(ctx, event{kind: evMerge, convID: convID, msg: pendingMsg, source: "optimistic"}); err != nil {
		return "", err
	}

	// The tracked context travels with the generation request, so it
	// is captured from the view as it stood at send time.
	tc := s.TrackedContext(convID)
	key := uuid.NewString()
	go s.persist(convID, tempID, content, key)
	go s.generate(convID, content, key, tc)
	return tempID, nil
}

// RetrySend re-runs the persistence and generation legs for a message
// that previously failed. The row flips back to pending first so the
// durable write can adopt it again.
func (s *Syncer) RetrySend(ctx context.Context, convID, tempID string) error {
	s.mu.RLock()
	m, ok := s.cache.Get(convID, tempID)
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("retry: no message %s in conversation %s", tempID, convID)
	}
	if m.DeliveryStatus != message.StatusFailed {
		return fmt.Errorf("retry: message %s is %s, not failed", tempID, m.DeliveryStatus)
	}

	bal, err := s.currentBalance(ctx)
	if err != nil {
		return err
	}
	if !CanSend(bal, s.cfg.SendCost) {
		s.rec.ObserveSend("rejected")
		return errs.ErrInsufficientCredits
	}

	if err := s.postWait(ctx, event{kind: evReset, convID: convID, tempID: tempID}); err != nil {
		return err
	}

	tc := s.TrackedContext(convID)
	key := uuid.NewString()
	go s.persist(convID, tempID, m.Content, key)
	go s.generate(convID, m.Content, key, tc)
	return nil
}

func (s *Syncer) persist(convID, tempID, content, key string) {
	ctx, cancel := context.WithTimeout(s.runCtx, persistTimeout)
	defer cancel()

	start := time.Now()
	var durableID string
	var createdAt time.Time
	var err error
	if is, ok := s.store.(idempotentStore); ok {
		durableID, createdAt, err = is.CreateUserMessageIdempotent(ctx, convID, s.cfg.UserID, content, key)
	} else {
		durableID, createdAt, err = s.store.CreateMessage(ctx, convID, s.cfg.UserID, content, false)
	}
	s.rec.ObservePersist(time.Since(start))

	if err != nil {
		s.rec.ObserveSend("failed")
		s.log.Error().Err(err).
			Str("conversation_id", convID).
			Str("temp_id", tempID).
			Msg("persistence write failed")
		s.post(event{kind: evFail, convID: convID, tempID: tempID, reason: err.Error()})
		return
	}

	s.rec.ObserveSend("sent")
	s.post(event{
		kind:      evConfirm,
		convID:    convID,
		tempID:    tempID,
		durableID: durableID,
		createdAt: createdAt,
	})
	s.refreshBalance()
}

func (s *Syncer) generate(convID, content, key string, tc message.TrackedContext) {
	ctx, cancel := context.WithTimeout(s.runCtx, generateTimeout)
	defer cancel()

	req := gateway.GenerationRequest{
		CharacterID:    s.cfg.CharacterID,
		ConversationID: convID,
		Model:          s.cfg.Model,
		UserMessage:    content,
		TrackedContext: &tc,
		AddonSettings:  s.cfg.AddonSettings,
		PersonaID:      s.cfg.PersonaID,
		SessionToken:   s.cfg.SessionToken,
		IdempotencyKey: key,
	}
	ack, err := s.gen.Invoke(ctx, req)
	if err != nil {
		s.log.Error().Err(err).
			Str("conversation_id", convID).
			Msg("generation dispatch failed")
		s.post(event{
			kind:   evGenFailed,
			convID: convID,
			msg:    s.failedMarker(convID, key, err.Error()),
			source: "generation",
		})
		return
	}
	s.log.Debug().
		Str("conversation_id", convID).
		Str("job_id", ack.JobID).
		Msg("generation dispatched")
}

// currentBalance returns the cached credit balance, fetching it from
// the ledger with backoff when the cache is cold.
func (s *Syncer) currentBalance(ctx context.Context) (int64, error) {
	if s.balanceOK.Load() {
		return s.balance.Load(), nil
	}
	err := errs.DefaultBackoff.Do(ctx, func(ctx context.Context) error {
		b, err := s.ledger.Balance(ctx, s.cfg.UserID)
		if err != nil {
			return err
		}
		s.balance.Store(b)
		s.balanceOK.Store(true)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return s.balance.Load(), nil
}

// refreshBalance invalidates the cached balance and re-fetches it in
// the background. A send deducted credits server-side, so the cached
// figure is stale the moment the write lands.
func (s *Syncer) refreshBalance() {
	s.balanceOK.Store(false)
	go func() {
		ctx, cancel := context.WithTimeout(s.runCtx, persistTimeout)
		defer cancel()
		if _, err := s.currentBalance(ctx); err != nil {
			s.log.Warn().Err(err).Msg("balance refresh failed")
		}
	}()
}
