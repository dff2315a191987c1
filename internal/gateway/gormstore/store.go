// Package gormstore implements the persistence gateway on GORM: MySQL in
// production, in-memory sqlite in tests and the demo daemon.
package gormstore

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"gorm.io/gorm"

	"chatsync/internal/errs"
	"chatsync/internal/message"
)

type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates the message table and its indexes.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Row{})
}

func (s *Store) CreateMessage(ctx context.Context, convID, authorID, content string, assistant bool) (string, time.Time, error) {
	return s.create(ctx, convID, authorID, content, assistant, nil, nil)
}

// CreateAssistantMessage persists a reply together with its tracked-context
// snapshot. Used by the generation worker, not by the client core.
func (s *Store) CreateAssistantMessage(ctx context.Context, convID, authorID, content string, tc *message.TrackedContext) (string, time.Time, error) {
	return s.create(ctx, convID, authorID, content, true, tc, nil)
}

// CreateUserMessageIdempotent persists a user turn under an idempotency key;
// re-sends with the same key return the originally created row.
func (s *Store) CreateUserMessageIdempotent(ctx context.Context, convID, authorID, content, key string) (string, time.Time, error) {
	if key == "" {
		return s.create(ctx, convID, authorID, content, false, nil, nil)
	}
	id, at, err := s.create(ctx, convID, authorID, content, false, nil, &key)
	if err == nil {
		return id, at, nil
	}
	var existing Row
	getErr := s.db.WithContext(ctx).
		Where("conversation_id = ? AND idempotency_key = ?", convID, key).
		First(&existing).Error
	if getErr == nil {
		return strconv.FormatUint(existing.ID, 10), existing.CreatedAt, nil
	}
	return "", time.Time{}, err
}

func (s *Store) create(ctx context.Context, convID, authorID, content string, assistant bool, tc *message.TrackedContext, key *string) (string, time.Time, error) {
	role := string(message.RoleUser)
	if assistant {
		role = string(message.RoleAssistant)
	}
	row := Row{
		ConversationID: convID,
		AuthorID:       authorID,
		Role:           role,
		Content:        content,
		IdempotencyKey: key,
	}
	if tc != nil {
		b, err := json.Marshal(tc)
		if err != nil {
			return "", time.Time{}, &errs.PersistenceError{Op: "create", Err: err}
		}
		enc := string(b)
		row.TrackedContext = &enc
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return "", time.Time{}, &errs.PersistenceError{Op: "create", Err: err}
	}
	return strconv.FormatUint(row.ID, 10), row.CreatedAt, nil
}

func (s *Store) RecentMessages(ctx context.Context, convID string, limit int) (message.Page, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var rows []Row
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ?", convID).
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return message.Page{}, &errs.PersistenceError{Op: "recent", Err: err}
	}
	return pageFromDesc(rows, limit), nil
}

func (s *Store) EarlierMessages(ctx context.Context, convID string, before message.Cursor, limit int) (message.Page, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	beforeID, err := strconv.ParseUint(string(before), 10, 64)
	if err != nil {
		return message.Page{}, &errs.PersistenceError{Op: "earlier", Err: err}
	}
	var rows []Row
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND id < ?", convID, beforeID).
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return message.Page{}, &errs.PersistenceError{Op: "earlier", Err: err}
	}
	return pageFromDesc(rows, limit), nil
}

// pageFromDesc reverses a newest-first query result into the ascending page
// the cache expects.
func pageFromDesc(rows []Row, limit int) message.Page {
	p := message.Page{HasMore: len(rows) == limit}
	for i := len(rows) - 1; i >= 0; i-- {
		p.Messages = append(p.Messages, rows[i].toMessage())
	}
	if len(rows) > 0 {
		oldest := rows[len(rows)-1]
		p.OldestBoundary = message.Cursor(strconv.FormatUint(oldest.ID, 10))
	}
	return p
}
