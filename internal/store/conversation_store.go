package store

import (
	"context"

	"securechat/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ConversationStore struct{ db *gorm.DB }

func (s *Store) Conversations() *ConversationStore { return &ConversationStore{db: s.DB} }

func (c *ConversationStore) Create(ctx context.Context, conv domain.Conversation) error {
	return c.db.WithContext(ctx).Create(&conv).Error
}

func (c *ConversationStore) Get(ctx context.Context, id uuid.UUID) (*domain.Conversation, error) {
	var conv domain.Conversation
	if err := c.db.WithContext(ctx).First(&conv, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &conv, nil
}
