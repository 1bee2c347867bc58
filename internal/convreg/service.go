// Package convreg is the conversation registry: conversation identity, type,
// membership, and roles. It owns the fan-out target computation: which
// devices should receive a message published to a conversation.
package convreg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"securechat/internal/domain"
	"securechat/internal/store"

	"github.com/google/uuid"
)

type Service struct {
	store *store.Store
	now   func() time.Time
}

func New(st *store.Store) *Service {
	return &Service{store: st, now: time.Now}
}

// Create starts a conversation. A creator, when given, becomes its owner
// participant in the same transaction. Direct conversations are expected to
// end up with exactly two participants; that is the caller's contract, not
// enforced here.
func (s *Service) Create(ctx context.Context, typ domain.ConversationType, title string, creatorID *uuid.UUID) (domain.Conversation, error) {
	if !typ.Valid() {
		return domain.Conversation{}, fmt.Errorf("%w: unknown conversation type %q", ErrInvalidRequest, typ)
	}
	now := s.now().UTC()
	conv := domain.Conversation{
		ID:              uuid.New(),
		Type:            typ,
		Title:           title,
		CreatedByUserID: creatorID,
		CreatedAt:       now,
	}
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		if creatorID != nil {
			if _, err := tx.Users().Get(ctx, *creatorID); err != nil {
				if errors.Is(err, store.ErrRecordNotFound) {
					return ErrUserNotFound
				}
				return err
			}
		}
		if err := tx.Conversations().Create(ctx, conv); err != nil {
			return err
		}
		if creatorID != nil {
			return tx.Participants().Add(ctx, domain.Participant{
				ConversationID: conv.ID,
				UserID:         *creatorID,
				Role:           domain.RoleOwner,
				JoinedAt:       now,
			})
		}
		return nil
	})
	if err != nil {
		return domain.Conversation{}, err
	}
	return conv, nil
}

func (s *Service) Get(ctx context.Context, convID uuid.UUID) (*domain.Conversation, error) {
	conv, err := s.store.Conversations().Get(ctx, convID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	return conv, nil
}

// AddParticipant joins a user to a conversation. A user who previously left
// is revived on the same row; an already-active membership is a conflict.
func (s *Service) AddParticipant(ctx context.Context, convID, userID uuid.UUID, role domain.ParticipantRole) (domain.Participant, error) {
	if !role.Valid() {
		return domain.Participant{}, fmt.Errorf("%w: unknown role %q", ErrInvalidRequest, role)
	}
	participant := domain.Participant{
		ConversationID: convID,
		UserID:         userID,
		Role:           role,
		JoinedAt:       s.now().UTC(),
	}
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		if _, err := tx.Conversations().Get(ctx, convID); err != nil {
			if errors.Is(err, store.ErrRecordNotFound) {
				return ErrConversationNotFound
			}
			return err
		}
		if _, err := tx.Users().Get(ctx, userID); err != nil {
			if errors.Is(err, store.ErrRecordNotFound) {
				return ErrUserNotFound
			}
			return err
		}
		if err := tx.Participants().Add(ctx, participant); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return ErrParticipantExists
			}
			return err
		}
		return nil
	})
	if err != nil {
		return domain.Participant{}, err
	}
	return participant, nil
}

// RemoveParticipant sets the leave time; the row stays for audit.
func (s *Service) RemoveParticipant(ctx context.Context, convID, userID uuid.UUID) error {
	err := s.store.Participants().Leave(ctx, convID, userID, s.now().UTC())
	if errors.Is(err, store.ErrRecordNotFound) {
		return ErrNotAParticipant
	}
	return err
}

// ActiveParticipant is the membership gate used before accepting a message.
func (s *Service) ActiveParticipant(ctx context.Context, convID, userID uuid.UUID) (*domain.Participant, error) {
	participant, err := s.store.Participants().Active(ctx, convID, userID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, ErrNotAParticipant
		}
		return nil, err
	}
	return participant, nil
}

// ActiveRecipientDevices resolves the fan-out target set: every device of
// every active participant, optionally minus one user's devices (the
// sender's, so a sender's own devices are excluded from its fan-out).
func (s *Service) ActiveRecipientDevices(ctx context.Context, convID uuid.UUID, excludeUserID *uuid.UUID) ([]domain.Device, error) {
	if _, err := s.store.Conversations().Get(ctx, convID); err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	userIDs, err := s.store.Participants().ActiveUserIDs(ctx, convID)
	if err != nil {
		return nil, err
	}
	if excludeUserID != nil {
		filtered := userIDs[:0]
		for _, id := range userIDs {
			if id != *excludeUserID {
				filtered = append(filtered, id)
			}
		}
		userIDs = filtered
	}
	return s.store.Devices().ListByUsers(ctx, userIDs)
}
