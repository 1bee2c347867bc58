package store

import (
	"context"
	"errors"

	"securechat/internal/domain"

	"gorm.io/gorm"
)

// ErrRecordNotFound is returned by lookups when no row matches. Services map
// it onto their own sentinels.
var ErrRecordNotFound = errors.New("store: record not found")

// ErrDuplicate is returned by inserts that hit an existing row where the
// caller required a fresh one.
var ErrDuplicate = errors.New("store: duplicate record")

// Store is the root handle; per-table stores hang off it so transactional
// code can reuse one *gorm.DB.
type Store struct {
	DB *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{DB: db}
}

// WithTx runs fn inside a transaction, handing it a Store bound to the tx.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(New(tx))
	})
}

func (s *Store) AutoMigrate(ctx context.Context) error {
	return s.DB.WithContext(ctx).AutoMigrate(
		&domain.User{},
		&domain.Device{},
		&domain.IdentityKey{},
		&domain.SignedPrekey{},
		&domain.OneTimePrekey{},
		&domain.Conversation{},
		&domain.Participant{},
		&domain.Message{},
		&domain.Delivery{},
	)
}
