package directory_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"securechat/internal/directory"
	"securechat/internal/store"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupService(t *testing.T) (*directory.Service, *store.Store) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	st := store.New(db)
	if err := st.AutoMigrate(context.Background()); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return directory.New(st), st
}

func TestRegisterUserNormalizesAndConflicts(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	user, err := svc.RegisterUser(ctx, "  Alice ", "hunter2")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if user.Username != "alice" {
		t.Fatalf("expected lowercase username, got %q", user.Username)
	}
	if len(user.CredentialHash) == 0 || len(user.CredentialSalt) == 0 {
		t.Fatalf("expected credential hash and salt to be set")
	}

	if _, err := svc.RegisterUser(ctx, "ALICE", ""); !errors.Is(err, directory.ErrUsernameTaken) {
		t.Fatalf("expected ErrUsernameTaken, got %v", err)
	}

	if _, err := svc.RegisterUser(ctx, "   ", ""); !errors.Is(err, directory.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for empty username, got %v", err)
	}
}

func TestVerifyCredential(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	if _, err := svc.RegisterUser(ctx, "bob", "correct horse"); err != nil {
		t.Fatalf("register: %v", err)
	}

	_, ok, err := svc.VerifyCredential(ctx, "Bob", "correct horse")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatalf("expected password to verify")
	}

	_, ok, err = svc.VerifyCredential(ctx, "bob", "wrong")
	if err != nil {
		t.Fatalf("verify wrong: %v", err)
	}
	if ok {
		t.Fatalf("expected wrong password to fail")
	}

	if _, _, err := svc.VerifyCredential(ctx, "nobody", "x"); !errors.Is(err, directory.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestVerifyCredentialPasswordless(t *testing.T) {
	svc, _ := setupService(t)
	ctx := context.Background()

	if _, err := svc.RegisterUser(ctx, "carol", ""); err != nil {
		t.Fatalf("register: %v", err)
	}

	user, ok, err := svc.VerifyCredential(ctx, "carol", "anything")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Fatalf("passwordless account must never verify")
	}
	if user == nil {
		t.Fatalf("expected the user record back")
	}
}

func TestRegisterDevice(t *testing.T) {
	svc, st := setupService(t)
	ctx := context.Background()

	user, err := svc.RegisterUser(ctx, "dave", "")
	if err != nil {
		t.Fatalf("register user: %v", err)
	}

	device, err := svc.RegisterDevice(ctx, user.ID, "phone")
	if err != nil {
		t.Fatalf("register device: %v", err)
	}
	if device.UserID != user.ID || device.Label != "phone" {
		t.Fatalf("unexpected device: %+v", device)
	}

	if _, err := svc.RegisterDevice(ctx, uuid.New(), "ghost"); !errors.Is(err, directory.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}

	if err := svc.Touch(ctx, device.ID, "203.0.113.7"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	got, err := st.Devices().Get(ctx, device.ID)
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if got.LastSeenAt == nil || got.LastSeenAddr != "203.0.113.7" {
		t.Fatalf("expected presence recorded, got %+v", got)
	}
}
