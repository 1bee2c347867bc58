package store

import (
	"context"
	"time"

	"securechat/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type OneTimePrekeyStore struct{ db *gorm.DB }

func (s *Store) OneTimePrekeys() *OneTimePrekeyStore { return &OneTimePrekeyStore{db: s.DB} }

func (o *OneTimePrekeyStore) AddBatch(ctx context.Context, keys []domain.OneTimePrekey) error {
	if len(keys) == 0 {
		return nil
	}
	return o.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&keys).Error
}

// Claim marks one unconsumed prekey consumed and returns it, or (nil, nil)
// when the pool is empty. The guarded update (consumed_at IS NULL) is the
// at-most-once guarantee; if a concurrent caller wins the row, the loop
// moves on to the next candidate.
func (o *OneTimePrekeyStore) Claim(ctx context.Context, deviceID uuid.UUID, now time.Time) (*domain.OneTimePrekey, error) {
	for {
		var key domain.OneTimePrekey
		err := o.db.WithContext(ctx).
			Where("device_id = ? AND consumed_at IS NULL", deviceID).
			Order("published_at asc, id asc").
			First(&key).Error
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				return nil, nil
			}
			return nil, err
		}
		res := o.db.WithContext(ctx).
			Model(&domain.OneTimePrekey{}).
			Where("id = ? AND consumed_at IS NULL", key.ID).
			Update("consumed_at", now)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 1 {
			key.ConsumedAt = &now
			return &key, nil
		}
	}
}

func (o *OneTimePrekeyStore) CountUnconsumed(ctx context.Context, deviceID uuid.UUID) (int64, error) {
	var total int64
	err := o.db.WithContext(ctx).
		Model(&domain.OneTimePrekey{}).
		Where("device_id = ? AND consumed_at IS NULL", deviceID).
		Count(&total).Error
	return total, err
}
