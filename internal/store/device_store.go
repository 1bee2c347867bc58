package store

import (
	"context"
	"time"

	"securechat/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type DeviceStore struct{ db *gorm.DB }

func (s *Store) Devices() *DeviceStore { return &DeviceStore{db: s.DB} }

func (d *DeviceStore) Create(ctx context.Context, device domain.Device) error {
	return d.db.WithContext(ctx).Create(&device).Error
}

func (d *DeviceStore) Get(ctx context.Context, id uuid.UUID) (*domain.Device, error) {
	var device domain.Device
	if err := d.db.WithContext(ctx).First(&device, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &device, nil
}

func (d *DeviceStore) ListByUser(ctx context.Context, userID uuid.UUID) ([]domain.Device, error) {
	var devices []domain.Device
	if err := d.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at asc").
		Find(&devices).Error; err != nil {
		return nil, err
	}
	return devices, nil
}

func (d *DeviceStore) ListByUsers(ctx context.Context, userIDs []uuid.UUID) ([]domain.Device, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	var devices []domain.Device
	if err := d.db.WithContext(ctx).
		Where("user_id IN ?", userIDs).
		Order("created_at asc").
		Find(&devices).Error; err != nil {
		return nil, err
	}
	return devices, nil
}

// Touch records presence: last-seen time and, when known, the remote address.
func (d *DeviceStore) Touch(ctx context.Context, id uuid.UUID, addr string, at time.Time) error {
	updates := map[string]any{"last_seen_at": at}
	if addr != "" {
		updates["last_seen_addr"] = addr
	}
	return d.db.WithContext(ctx).
		Model(&domain.Device{}).
		Where("id = ?", id).
		Updates(updates).Error
}
