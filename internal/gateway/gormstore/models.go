package gormstore

import (
	"encoding/json"
	"strconv"
	"time"

	"chatsync/internal/message"
)

// Row is the durable message record. The auto-increment id doubles as the
// backward-pagination cursor.
type Row struct {
	ID             uint64  `gorm:"primaryKey;autoIncrement"`
	ConversationID string  `gorm:"type:varchar(64);not null;index:idx_msg_conv_id,priority:1;index:uniq_msg_idempo,unique,priority:1"`
	AuthorID       string  `gorm:"type:varchar(64);not null"`
	Role           string  `gorm:"type:varchar(16);index;not null"`
	Content        string  `gorm:"type:text;not null"`
	TrackedContext *string `gorm:"type:text"`
	IdempotencyKey *string `gorm:"type:varchar(128);index:uniq_msg_idempo,unique,priority:2"`
	CreatedAt      time.Time
}

func (Row) TableName() string { return "chat_messages" }

func (r Row) toMessage() message.Message {
	m := message.Message{
		ID:             strconv.FormatUint(r.ID, 10),
		ConversationID: r.ConversationID,
		Role:           message.Role(r.Role),
		Content:        r.Content,
		CreatedAt:      r.CreatedAt,
		DeliveryStatus: message.StatusSent,
	}
	if r.TrackedContext != nil && *r.TrackedContext != "" {
		var tc message.TrackedContext
		if err := json.Unmarshal([]byte(*r.TrackedContext), &tc); err == nil {
			m.TrackedContext = &tc
		}
	}
	return m
}
