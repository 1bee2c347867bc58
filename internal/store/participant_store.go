package store

import (
	"context"
	"time"

	"securechat/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ParticipantStore struct{ db *gorm.DB }

func (s *Store) Participants() *ParticipantStore { return &ParticipantStore{db: s.DB} }

// Add inserts a membership row. If a row for the pair already exists:
// active -> ErrDuplicate; left -> the row is revived (LeftAt cleared,
// JoinedAt and Role reset), since the composite key forbids a second row.
func (p *ParticipantStore) Add(ctx context.Context, participant domain.Participant) error {
	res := p.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&participant)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	revive := p.db.WithContext(ctx).
		Model(&domain.Participant{}).
		Where("conversation_id = ? AND user_id = ? AND left_at IS NOT NULL",
			participant.ConversationID, participant.UserID).
		Updates(map[string]any{
			"left_at":   nil,
			"joined_at": participant.JoinedAt,
			"role":      participant.Role,
		})
	if revive.Error != nil {
		return revive.Error
	}
	if revive.RowsAffected == 0 {
		return ErrDuplicate
	}
	return nil
}

// Leave closes an active membership; the row is kept for the audit trail.
func (p *ParticipantStore) Leave(ctx context.Context, convID, userID uuid.UUID, at time.Time) error {
	res := p.db.WithContext(ctx).
		Model(&domain.Participant{}).
		Where("conversation_id = ? AND user_id = ? AND left_at IS NULL", convID, userID).
		Update("left_at", at)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (p *ParticipantStore) Active(ctx context.Context, convID, userID uuid.UUID) (*domain.Participant, error) {
	var participant domain.Participant
	err := p.db.WithContext(ctx).
		First(&participant, "conversation_id = ? AND user_id = ? AND left_at IS NULL", convID, userID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &participant, nil
}

func (p *ParticipantStore) ActiveUserIDs(ctx context.Context, convID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := p.db.WithContext(ctx).
		Model(&domain.Participant{}).
		Where("conversation_id = ? AND left_at IS NULL", convID).
		Order("joined_at asc").
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}
