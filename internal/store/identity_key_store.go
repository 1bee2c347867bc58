package store

import (
	"context"

	"securechat/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type IdentityKeyStore struct{ db *gorm.DB }

func (s *Store) IdentityKeys() *IdentityKeyStore { return &IdentityKeyStore{db: s.DB} }

// Create inserts the key; ErrDuplicate if the device already has one.
// Identity keys are immutable once set, so there is no update path.
func (i *IdentityKeyStore) Create(ctx context.Context, key domain.IdentityKey) error {
	res := i.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&key)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrDuplicate
	}
	return nil
}

func (i *IdentityKeyStore) GetByDevice(ctx context.Context, deviceID uuid.UUID) (*domain.IdentityKey, error) {
	var key domain.IdentityKey
	if err := i.db.WithContext(ctx).First(&key, "device_id = ?", deviceID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &key, nil
}
