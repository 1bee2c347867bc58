// Package directory provisions users and devices. Login itself happens in
// the external auth layer; the directory only creates records and hashes
// credentials at rest.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"securechat/internal/domain"
	"securechat/internal/store"

	"github.com/google/uuid"
)

var (
	ErrInvalidRequest = errors.New("directory: invalid request")
	ErrUsernameTaken  = errors.New("directory: username taken")
	ErrUserNotFound   = errors.New("directory: user not found")
)

type Service struct {
	store  *store.Store
	hasher *passwordHasher
	now    func() time.Time
}

func New(st *store.Store) *Service {
	return &Service{store: st, hasher: newPasswordHasher(), now: time.Now}
}

// RegisterUser creates a user. Usernames are case-insensitive: they are
// stored lowercase and the unique index enforces that "Alice" and "alice"
// collide. Password is optional (some deployments authenticate elsewhere).
func (s *Service) RegisterUser(ctx context.Context, username, password string) (domain.User, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" {
		return domain.User{}, fmt.Errorf("%w: empty username", ErrInvalidRequest)
	}
	user := domain.User{
		ID:        uuid.New(),
		Username:  username,
		Status:    "active",
		CreatedAt: s.now().UTC(),
	}
	if password != "" {
		hash, salt, params, algo, err := s.hasher.hash(password)
		if err != nil {
			return domain.User{}, err
		}
		user.CredentialHash = hash
		user.CredentialSalt = salt
		user.CredentialParams = params
		user.CredentialAlgo = algo
	}
	if err := s.store.Users().Create(ctx, user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return domain.User{}, ErrUsernameTaken
		}
		return domain.User{}, err
	}
	return user, nil
}

// VerifyCredential checks a password against the stored hash. Used by the
// external auth layer; kept here so the hash format stays private to the
// directory.
func (s *Service) VerifyCredential(ctx context.Context, username, password string) (*domain.User, bool, error) {
	user, err := s.store.Users().GetByUsername(ctx, strings.ToLower(strings.TrimSpace(username)))
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, false, ErrUserNotFound
		}
		return nil, false, err
	}
	if len(user.CredentialHash) == 0 {
		return user, false, nil
	}
	ok := s.hasher.verify(password, user.CredentialAlgo, user.CredentialHash, user.CredentialSalt, user.CredentialParams)
	return user, ok, nil
}

// RegisterDevice provisions a device for an existing user.
func (s *Service) RegisterDevice(ctx context.Context, userID uuid.UUID, label string) (domain.Device, error) {
	if userID == uuid.Nil {
		return domain.Device{}, fmt.Errorf("%w: missing user", ErrInvalidRequest)
	}
	device := domain.Device{
		ID:        uuid.New(),
		UserID:    userID,
		Label:     label,
		CreatedAt: s.now().UTC(),
	}
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		if _, err := tx.Users().Get(ctx, userID); err != nil {
			if errors.Is(err, store.ErrRecordNotFound) {
				return ErrUserNotFound
			}
			return err
		}
		return tx.Devices().Create(ctx, device)
	})
	if err != nil {
		return domain.Device{}, err
	}
	return device, nil
}

// Touch records device presence (last seen time and remote address).
func (s *Service) Touch(ctx context.Context, deviceID uuid.UUID, addr string) error {
	return s.store.Devices().Touch(ctx, deviceID, addr, s.now().UTC())
}
