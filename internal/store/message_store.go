package store

import (
	"context"
	"time"

	"securechat/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type MessageStore struct{ db *gorm.DB }

func (s *Store) Messages() *MessageStore { return &MessageStore{db: s.DB} }

func (m *MessageStore) Create(ctx context.Context, msg *domain.Message) error {
	return m.db.WithContext(ctx).Create(msg).Error
}

func (m *MessageStore) Get(ctx context.Context, id uuid.UUID) (*domain.Message, error) {
	var msg domain.Message
	if err := m.db.WithContext(ctx).First(&msg, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &msg, nil
}

// History returns conversation messages in creation order, starting strictly
// after `after` when it is non-zero. Pagination policy is the caller's.
func (m *MessageStore) History(ctx context.Context, convID uuid.UUID, after time.Time, limit int) ([]domain.Message, error) {
	tx := m.db.WithContext(ctx).
		Where("conversation_id = ?", convID).
		Order("created_at asc, id asc")
	if !after.IsZero() {
		tx = tx.Where("created_at > ?", after)
	}
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	var msgs []domain.Message
	if err := tx.Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// Page walks all messages in keyset order; used by the recovery scan.
func (m *MessageStore) Page(ctx context.Context, afterCreated time.Time, afterID uuid.UUID, limit int) ([]domain.Message, error) {
	tx := m.db.WithContext(ctx).Order("created_at asc, id asc")
	if !afterCreated.IsZero() {
		tx = tx.Where("(created_at > ?) OR (created_at = ? AND id > ?)", afterCreated, afterCreated, afterID)
	}
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	var msgs []domain.Message
	if err := tx.Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}
