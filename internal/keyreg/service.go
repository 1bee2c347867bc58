// Package keyreg is the key registry: it stores per-device identity keys,
// signed prekeys, and the one-time prekey pool, and assembles session
// bundles. All key material is opaque bytes; the server performs no
// cryptographic validation.
package keyreg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"securechat/internal/domain"
	"securechat/internal/observability/metrics"
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

// PublishIdentityKey sets the device's identity key. It is immutable once
// set; rotation means registering a new device.
func (s *Service) PublishIdentityKey(ctx context.Context, deviceID uuid.UUID, publicKey []byte) (domain.IdentityKey, error) {
	if deviceID == uuid.Nil || len(publicKey) == 0 {
		return domain.IdentityKey{}, fmt.Errorf("%w: missing device or key", ErrInvalidRequest)
	}
	key := domain.IdentityKey{
		DeviceID:  deviceID,
		PublicKey: append([]byte(nil), publicKey...),
		CreatedAt: s.now().UTC(),
	}
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		if _, err := tx.Devices().Get(ctx, deviceID); err != nil {
			if errors.Is(err, store.ErrRecordNotFound) {
				return ErrDeviceNotFound
			}
			return err
		}
		if err := tx.IdentityKeys().Create(ctx, key); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return ErrIdentityKeyExists
			}
			return err
		}
		return nil
	})
	if err != nil {
		return domain.IdentityKey{}, err
	}
	return key, nil
}

// PublishSignedPrekey appends a signed prekey; prior ones remain valid until
// expiry so clients can keep several live during rotation.
func (s *Service) PublishSignedPrekey(ctx context.Context, deviceID uuid.UUID, publicKey, signature []byte, expiresAt *time.Time) (domain.SignedPrekey, error) {
	if deviceID == uuid.Nil || len(publicKey) == 0 || len(signature) == 0 {
		return domain.SignedPrekey{}, fmt.Errorf("%w: missing key material", ErrInvalidRequest)
	}
	key := domain.SignedPrekey{
		ID:        uuid.New(),
		DeviceID:  deviceID,
		PublicKey: append([]byte(nil), publicKey...),
		Signature: append([]byte(nil), signature...),
		CreatedAt: s.now().UTC(),
		ExpiresAt: expiresAt,
	}
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		if _, err := tx.Devices().Get(ctx, deviceID); err != nil {
			if errors.Is(err, store.ErrRecordNotFound) {
				return ErrDeviceNotFound
			}
			return err
		}
		return tx.SignedPrekeys().Add(ctx, key)
	})
	if err != nil {
		return domain.SignedPrekey{}, err
	}
	return key, nil
}

// PublishOneTimePrekeys bulk-appends unconsumed prekeys and returns how many
// were stored.
func (s *Service) PublishOneTimePrekeys(ctx context.Context, deviceID uuid.UUID, publicKeys [][]byte) (int, error) {
	if deviceID == uuid.Nil || len(publicKeys) == 0 {
		return 0, fmt.Errorf("%w: no prekeys", ErrInvalidRequest)
	}
	now := s.now().UTC()
	keys := make([]domain.OneTimePrekey, 0, len(publicKeys))
	for i, pk := range publicKeys {
		if len(pk) == 0 {
			return 0, fmt.Errorf("%w: empty prekey at index %d", ErrInvalidRequest, i)
		}
		keys = append(keys, domain.OneTimePrekey{
			ID:          uuid.New(),
			DeviceID:    deviceID,
			PublicKey:   append([]byte(nil), pk...),
			PublishedAt: now,
		})
	}
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		if _, err := tx.Devices().Get(ctx, deviceID); err != nil {
			if errors.Is(err, store.ErrRecordNotFound) {
				return ErrDeviceNotFound
			}
			return err
		}
		return tx.OneTimePrekeys().AddBatch(ctx, keys)
	})
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// ClaimOneTimePrekey hands out one unconsumed prekey at most once across
// concurrent callers.
func (s *Service) ClaimOneTimePrekey(ctx context.Context, deviceID uuid.UUID) (*domain.OneTimePrekey, error) {
	if deviceID == uuid.Nil {
		return nil, fmt.Errorf("%w: missing device", ErrInvalidRequest)
	}
	key, err := s.store.OneTimePrekeys().Claim(ctx, deviceID, s.now().UTC())
	if err != nil {
		metrics.OneTimePrekeysClaimedTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if key == nil {
		metrics.OneTimePrekeysClaimedTotal.WithLabelValues("empty").Inc()
		return nil, ErrNoPrekeyAvailable
	}
	metrics.OneTimePrekeysClaimedTotal.WithLabelValues("claimed").Inc()
	return key, nil
}

// Bundle is the material a client needs to establish a session with a
// device. OneTimePrekey is nil when the pool was empty at fetch time.
type Bundle struct {
	DeviceID      uuid.UUID
	IdentityKey   domain.IdentityKey
	SignedPrekey  domain.SignedPrekey
	OneTimePrekey *domain.OneTimePrekey
}

// GetBundle returns the identity key, the newest unexpired signed prekey,
// and, when available, one claimed one-time prekey. Claiming is the side
// effect: the returned one-time prekey is consumed.
func (s *Service) GetBundle(ctx context.Context, deviceID uuid.UUID) (Bundle, error) {
	if deviceID == uuid.Nil {
		return Bundle{}, fmt.Errorf("%w: missing device", ErrInvalidRequest)
	}
	now := s.now().UTC()
	var bundle Bundle
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		identity, err := tx.IdentityKeys().GetByDevice(ctx, deviceID)
		if err != nil {
			if errors.Is(err, store.ErrRecordNotFound) {
				return ErrDeviceNotFound
			}
			return err
		}
		signed, err := tx.SignedPrekeys().NewestUnexpired(ctx, deviceID, now)
		if err != nil {
			if errors.Is(err, store.ErrRecordNotFound) {
				return ErrNoSignedPrekey
			}
			return err
		}
		otk, err := tx.OneTimePrekeys().Claim(ctx, deviceID, now)
		if err != nil {
			return err
		}
		bundle = Bundle{
			DeviceID:      deviceID,
			IdentityKey:   *identity,
			SignedPrekey:  *signed,
			OneTimePrekey: otk,
		}
		return nil
	})
	if err != nil {
		return Bundle{}, err
	}
	if bundle.OneTimePrekey != nil {
		metrics.OneTimePrekeysClaimedTotal.WithLabelValues("claimed").Inc()
	}
	return bundle, nil
}
