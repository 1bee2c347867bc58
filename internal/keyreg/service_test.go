package keyreg_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"securechat/internal/domain"
	"securechat/internal/keyreg"
	"securechat/internal/store"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupService(t *testing.T) (*keyreg.Service, *store.Store) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	st := store.New(db)
	if err := st.AutoMigrate(context.Background()); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return keyreg.New(st), st
}

func newDevice(t *testing.T, st *store.Store) domain.Device {
	t.Helper()
	ctx := context.Background()
	user := domain.User{ID: uuid.New(), Username: uuid.New().String(), CreatedAt: time.Now().UTC()}
	if err := st.Users().Create(ctx, user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	device := domain.Device{ID: uuid.New(), UserID: user.ID, CreatedAt: time.Now().UTC()}
	if err := st.Devices().Create(ctx, device); err != nil {
		t.Fatalf("create device: %v", err)
	}
	return device
}

func TestIdentityKeyIsImmutable(t *testing.T) {
	svc, st := setupService(t)
	ctx := context.Background()
	device := newDevice(t, st)

	key, err := svc.PublishIdentityKey(ctx, device.ID, []byte("identity-1"))
	if err != nil {
		t.Fatalf("publish identity: %v", err)
	}
	if key.DeviceID != device.ID {
		t.Fatalf("unexpected device on key: %+v", key)
	}

	if _, err := svc.PublishIdentityKey(ctx, device.ID, []byte("identity-2")); !errors.Is(err, keyreg.ErrIdentityKeyExists) {
		t.Fatalf("expected ErrIdentityKeyExists, got %v", err)
	}

	stored, err := st.IdentityKeys().GetByDevice(ctx, device.ID)
	if err != nil {
		t.Fatalf("get identity: %v", err)
	}
	if string(stored.PublicKey) != "identity-1" {
		t.Fatalf("identity key was replaced: %q", stored.PublicKey)
	}
}

func TestPublishIdentityKeyUnknownDevice(t *testing.T) {
	svc, _ := setupService(t)

	if _, err := svc.PublishIdentityKey(context.Background(), uuid.New(), []byte("k")); !errors.Is(err, keyreg.ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}
}

func TestBundleDrainsOneTimePrekeys(t *testing.T) {
	svc, st := setupService(t)
	ctx := context.Background()
	device := newDevice(t, st)

	if _, err := svc.PublishIdentityKey(ctx, device.ID, []byte("identity")); err != nil {
		t.Fatalf("publish identity: %v", err)
	}
	if _, err := svc.PublishSignedPrekey(ctx, device.ID, []byte("signed"), []byte("sig"), nil); err != nil {
		t.Fatalf("publish signed prekey: %v", err)
	}
	n, err := svc.PublishOneTimePrekeys(ctx, device.ID, [][]byte{[]byte("otk-1"), []byte("otk-2")})
	if err != nil {
		t.Fatalf("publish one-time prekeys: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 prekeys stored, got %d", n)
	}

	bundle1, err := svc.GetBundle(ctx, device.ID)
	if err != nil {
		t.Fatalf("bundle1: %v", err)
	}
	if string(bundle1.IdentityKey.PublicKey) != "identity" {
		t.Fatalf("wrong identity key: %q", bundle1.IdentityKey.PublicKey)
	}
	if bundle1.OneTimePrekey == nil {
		t.Fatalf("expected a one-time prekey in first bundle")
	}

	bundle2, err := svc.GetBundle(ctx, device.ID)
	if err != nil {
		t.Fatalf("bundle2: %v", err)
	}
	if bundle2.OneTimePrekey == nil {
		t.Fatalf("expected a one-time prekey in second bundle")
	}
	if bundle2.OneTimePrekey.ID == bundle1.OneTimePrekey.ID {
		t.Fatalf("same one-time prekey handed out twice")
	}

	bundle3, err := svc.GetBundle(ctx, device.ID)
	if err != nil {
		t.Fatalf("bundle3: %v", err)
	}
	if bundle3.OneTimePrekey != nil {
		t.Fatalf("expected empty pool on third bundle")
	}

	remaining, err := st.OneTimePrekeys().CountUnconsumed(ctx, device.ID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("expected 0 unconsumed, got %d", remaining)
	}
}

func TestBundleWithoutSignedPrekey(t *testing.T) {
	svc, st := setupService(t)
	ctx := context.Background()
	device := newDevice(t, st)

	if _, err := svc.PublishIdentityKey(ctx, device.ID, []byte("identity")); err != nil {
		t.Fatalf("publish identity: %v", err)
	}

	if _, err := svc.GetBundle(ctx, device.ID); !errors.Is(err, keyreg.ErrNoSignedPrekey) {
		t.Fatalf("expected ErrNoSignedPrekey, got %v", err)
	}
}

func TestBundleSkipsExpiredSignedPrekey(t *testing.T) {
	svc, st := setupService(t)
	ctx := context.Background()
	device := newDevice(t, st)

	if _, err := svc.PublishIdentityKey(ctx, device.ID, []byte("identity")); err != nil {
		t.Fatalf("publish identity: %v", err)
	}
	expired := time.Now().UTC().Add(-time.Hour)
	if _, err := svc.PublishSignedPrekey(ctx, device.ID, []byte("stale"), []byte("sig"), &expired); err != nil {
		t.Fatalf("publish expired prekey: %v", err)
	}
	if _, err := svc.GetBundle(ctx, device.ID); !errors.Is(err, keyreg.ErrNoSignedPrekey) {
		t.Fatalf("expected ErrNoSignedPrekey with only an expired key, got %v", err)
	}

	fresh := time.Now().UTC().Add(24 * time.Hour)
	if _, err := svc.PublishSignedPrekey(ctx, device.ID, []byte("fresh"), []byte("sig"), &fresh); err != nil {
		t.Fatalf("publish fresh prekey: %v", err)
	}
	bundle, err := svc.GetBundle(ctx, device.ID)
	if err != nil {
		t.Fatalf("bundle: %v", err)
	}
	if string(bundle.SignedPrekey.PublicKey) != "fresh" {
		t.Fatalf("expected the unexpired prekey, got %q", bundle.SignedPrekey.PublicKey)
	}
}

func TestClaimOneTimePrekeyEmptyPool(t *testing.T) {
	svc, st := setupService(t)
	device := newDevice(t, st)

	if _, err := svc.ClaimOneTimePrekey(context.Background(), device.ID); !errors.Is(err, keyreg.ErrNoPrekeyAvailable) {
		t.Fatalf("expected ErrNoPrekeyAvailable, got %v", err)
	}
}

func TestClaimOneTimePrekeyOldestFirst(t *testing.T) {
	svc, st := setupService(t)
	ctx := context.Background()
	device := newDevice(t, st)

	old := domain.OneTimePrekey{
		ID:          uuid.New(),
		DeviceID:    device.ID,
		PublicKey:   []byte("old"),
		PublishedAt: time.Now().UTC().Add(-time.Hour),
	}
	if err := st.OneTimePrekeys().AddBatch(ctx, []domain.OneTimePrekey{old}); err != nil {
		t.Fatalf("add old: %v", err)
	}
	if _, err := svc.PublishOneTimePrekeys(ctx, device.ID, [][]byte{[]byte("new")}); err != nil {
		t.Fatalf("publish new: %v", err)
	}

	claimed, err := svc.ClaimOneTimePrekey(ctx, device.ID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if string(claimed.PublicKey) != "old" {
		t.Fatalf("expected oldest prekey claimed first, got %q", claimed.PublicKey)
	}
	if claimed.ConsumedAt == nil {
		t.Fatalf("expected ConsumedAt to be set")
	}
}
