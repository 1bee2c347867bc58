package store

import (
	"context"
	"time"

	"securechat/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type DeliveryStore struct{ db *gorm.DB }

func (s *Store) Deliveries() *DeliveryStore { return &DeliveryStore{db: s.DB} }

// CreateBatch inserts delivery rows, silently skipping pairs that already
// exist. Rows-affected tells callers how many were actually created, which
// is what the recovery backfill reports.
func (d *DeliveryStore) CreateBatch(ctx context.Context, deliveries []domain.Delivery) (int64, error) {
	if len(deliveries) == 0 {
		return 0, nil
	}
	res := d.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&deliveries)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (d *DeliveryStore) Get(ctx context.Context, id uuid.UUID) (*domain.Delivery, error) {
	var delivery domain.Delivery
	if err := d.db.WithContext(ctx).First(&delivery, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &delivery, nil
}

// Every transition below is a guarded UPDATE: the WHERE clause checks the
// current status, so a row is only advanced when the stored stage is earlier
// in the lattice. Rows-affected zero means the signal lost the race (or was
// a repeat) and the caller decides whether that is a no-op or an error.

func (d *DeliveryStore) MarkSent(ctx context.Context, id uuid.UUID, at time.Time) (int64, error) {
	res := d.db.WithContext(ctx).
		Model(&domain.Delivery{}).
		Where("id = ? AND status = ?", id, domain.DeliveryQueued).
		Updates(map[string]any{
			"status":  domain.DeliverySent,
			"sent_at": at,
		})
	return res.RowsAffected, res.Error
}

// MarkDelivered is legal from queued as well as sent: a receipt racing ahead
// of the send confirmation implies the send happened, so sent_at is
// backfilled when empty.
func (d *DeliveryStore) MarkDelivered(ctx context.Context, id uuid.UUID, at time.Time) (int64, error) {
	res := d.db.WithContext(ctx).
		Model(&domain.Delivery{}).
		Where("id = ? AND status IN ?", id, []domain.DeliveryStatus{domain.DeliveryQueued, domain.DeliverySent}).
		Updates(map[string]any{
			"status":       domain.DeliveryDelivered,
			"delivered_at": at,
			"sent_at":      gorm.Expr("COALESCE(sent_at, ?)", at),
		})
	return res.RowsAffected, res.Error
}

func (d *DeliveryStore) MarkRead(ctx context.Context, id uuid.UUID, at time.Time) (int64, error) {
	res := d.db.WithContext(ctx).
		Model(&domain.Delivery{}).
		Where("id = ? AND status IN ?", id,
			[]domain.DeliveryStatus{domain.DeliveryQueued, domain.DeliverySent, domain.DeliveryDelivered}).
		Updates(map[string]any{
			"status":       domain.DeliveryRead,
			"read_at":      at,
			"delivered_at": gorm.Expr("COALESCE(delivered_at, ?)", at),
			"sent_at":      gorm.Expr("COALESCE(sent_at, ?)", at),
		})
	return res.RowsAffected, res.Error
}

// SetAck records the protocol ack once; it does not touch status.
func (d *DeliveryStore) SetAck(ctx context.Context, id uuid.UUID, at time.Time) (int64, error) {
	res := d.db.WithContext(ctx).
		Model(&domain.Delivery{}).
		Where("id = ? AND ack_at IS NULL AND status <> ?", id, domain.DeliveryFailed).
		Update("ack_at", at)
	return res.RowsAffected, res.Error
}

func (d *DeliveryStore) Fail(ctx context.Context, id uuid.UUID, reason string) (int64, error) {
	res := d.db.WithContext(ctx).
		Model(&domain.Delivery{}).
		Where("id = ? AND status IN ?", id,
			[]domain.DeliveryStatus{domain.DeliveryQueued, domain.DeliverySent, domain.DeliveryDelivered}).
		Updates(map[string]any{
			"status":        domain.DeliveryFailed,
			"fail_reason":   reason,
			"next_retry_at": nil,
		})
	return res.RowsAffected, res.Error
}

// DueForRetry returns rows still waiting on transport confirmation whose
// retry deadline has passed, oldest deadline first.
func (d *DeliveryStore) DueForRetry(ctx context.Context, now time.Time, limit int) ([]domain.Delivery, error) {
	tx := d.db.WithContext(ctx).
		Where("status IN ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?",
			[]domain.DeliveryStatus{domain.DeliveryQueued, domain.DeliverySent}, now).
		Order("next_retry_at asc")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	var deliveries []domain.Delivery
	if err := tx.Find(&deliveries).Error; err != nil {
		return nil, err
	}
	return deliveries, nil
}

func (d *DeliveryStore) NoteAttempt(ctx context.Context, id uuid.UUID, attempts int, nextRetryAt time.Time) error {
	return d.db.WithContext(ctx).
		Model(&domain.Delivery{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"attempt_count": attempts,
			"next_retry_at": nextRetryAt,
		}).Error
}

// PendingForDevice lists a device's deliveries in any of the given statuses,
// oldest first. Drives the websocket flush on connect (queued+sent) and the
// steady-state tick (queued only).
func (d *DeliveryStore) PendingForDevice(ctx context.Context, deviceID uuid.UUID, statuses []domain.DeliveryStatus, limit int) ([]domain.Delivery, error) {
	tx := d.db.WithContext(ctx).
		Where("recipient_device_id = ? AND status IN ?", deviceID, statuses).
		Order("queued_at asc")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	var deliveries []domain.Delivery
	if err := tx.Find(&deliveries).Error; err != nil {
		return nil, err
	}
	return deliveries, nil
}

func (d *DeliveryStore) ListByMessage(ctx context.Context, messageID uuid.UUID) ([]domain.Delivery, error) {
	var deliveries []domain.Delivery
	if err := d.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("queued_at asc, id asc").
		Find(&deliveries).Error; err != nil {
		return nil, err
	}
	return deliveries, nil
}
