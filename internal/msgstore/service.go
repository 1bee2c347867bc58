// Package msgstore is the append-only ciphertext log. Messages are immutable
// once stored; each carries a content-integrity hash computed at append time.
package msgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"securechat/internal/domain"
	"securechat/internal/store"

	"github.com/google/uuid"
)

type Service struct {
	store  *store.Store
	hasher *Hasher
	now    func() time.Time
}

func New(st *store.Store, hasher *Hasher) *Service {
	return &Service{store: st, hasher: hasher, now: time.Now}
}

type AppendInput struct {
	ConversationID uuid.UUID
	SenderDeviceID uuid.UUID
	Ciphertext     []byte
	Header         json.RawMessage
}

// Append validates sender membership, computes the integrity hash, and
// persists the message. The returned message includes the hash so callers
// can verify write integrity.
func (s *Service) Append(ctx context.Context, in AppendInput) (domain.Message, error) {
	var msg domain.Message
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		var err error
		msg, err = s.AppendTx(ctx, tx, in)
		return err
	})
	if err != nil {
		return domain.Message{}, err
	}
	return msg, nil
}

// AppendTx is Append running inside a caller-owned transaction; the fan-out
// router uses it to make the message write atomic with delivery creation.
func (s *Service) AppendTx(ctx context.Context, tx *store.Store, in AppendInput) (domain.Message, error) {
	if in.ConversationID == uuid.Nil || in.SenderDeviceID == uuid.Nil {
		return domain.Message{}, fmt.Errorf("%w: missing conversation or sender device", ErrInvalidRequest)
	}
	if len(in.Ciphertext) == 0 {
		return domain.Message{}, fmt.Errorf("%w: empty ciphertext", ErrInvalidRequest)
	}
	if len(in.Header) > 0 && !json.Valid(in.Header) {
		return domain.Message{}, fmt.Errorf("%w: header is not valid JSON", ErrInvalidRequest)
	}

	device, err := tx.Devices().Get(ctx, in.SenderDeviceID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return domain.Message{}, ErrDeviceNotFound
		}
		return domain.Message{}, err
	}
	if _, err := tx.Conversations().Get(ctx, in.ConversationID); err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return domain.Message{}, ErrConversationNotFound
		}
		return domain.Message{}, err
	}
	if _, err := tx.Participants().Active(ctx, in.ConversationID, device.UserID); err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return domain.Message{}, ErrNotAParticipant
		}
		return domain.Message{}, err
	}

	msg := domain.Message{
		ID:             uuid.New(),
		ConversationID: in.ConversationID,
		SenderDeviceID: in.SenderDeviceID,
		Ciphertext:     append([]byte(nil), in.Ciphertext...),
		Header:         append([]byte(nil), in.Header...),
		CiphertextHash: s.hasher.Sum(in.Ciphertext),
		HashAlgo:       s.hasher.Algo(),
		CreatedAt:      s.now().UTC(),
	}
	if err := tx.Messages().Create(ctx, &msg); err != nil {
		return domain.Message{}, err
	}
	return msg, nil
}

// History returns conversation messages ordered by creation time, starting
// after `after` when non-zero.
func (s *Service) History(ctx context.Context, convID uuid.UUID, after time.Time, limit int) ([]domain.Message, error) {
	if convID == uuid.Nil {
		return nil, fmt.Errorf("%w: missing conversation", ErrInvalidRequest)
	}
	if _, err := s.store.Conversations().Get(ctx, convID); err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	return s.store.Messages().History(ctx, convID, after, limit)
}
