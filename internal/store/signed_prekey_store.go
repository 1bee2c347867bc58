package store

import (
	"context"
	"time"

	"securechat/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type SignedPrekeyStore struct{ db *gorm.DB }

func (s *Store) SignedPrekeys() *SignedPrekeyStore { return &SignedPrekeyStore{db: s.DB} }

// Add appends a new signed prekey. Earlier keys stay valid until they
// expire, so clients can rotate without a gap.
func (s *SignedPrekeyStore) Add(ctx context.Context, key domain.SignedPrekey) error {
	return s.db.WithContext(ctx).Create(&key).Error
}

// NewestUnexpired returns the most recently published signed prekey that has
// not expired at `now`.
func (s *SignedPrekeyStore) NewestUnexpired(ctx context.Context, deviceID uuid.UUID, now time.Time) (*domain.SignedPrekey, error) {
	var key domain.SignedPrekey
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND (expires_at IS NULL OR expires_at > ?)", deviceID, now).
		Order("created_at desc, id desc").
		First(&key).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &key, nil
}
