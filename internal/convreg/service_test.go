package convreg_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"securechat/internal/convreg"
	"securechat/internal/domain"
	"securechat/internal/store"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupService(t *testing.T) (*convreg.Service, *store.Store) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	st := store.New(db)
	if err := st.AutoMigrate(context.Background()); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return convreg.New(st), st
}

func newUser(t *testing.T, st *store.Store) domain.User {
	t.Helper()
	user := domain.User{ID: uuid.New(), Username: uuid.New().String(), CreatedAt: time.Now().UTC()}
	if err := st.Users().Create(context.Background(), user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return user
}

func newDeviceFor(t *testing.T, st *store.Store, userID uuid.UUID) domain.Device {
	t.Helper()
	device := domain.Device{ID: uuid.New(), UserID: userID, CreatedAt: time.Now().UTC()}
	if err := st.Devices().Create(context.Background(), device); err != nil {
		t.Fatalf("create device: %v", err)
	}
	return device
}

func TestCreateWithOwner(t *testing.T) {
	svc, st := setupService(t)
	ctx := context.Background()
	creator := newUser(t, st)

	conv, err := svc.Create(ctx, domain.ConversationGroup, "standup", &creator.ID)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	participant, err := svc.ActiveParticipant(ctx, conv.ID, creator.ID)
	if err != nil {
		t.Fatalf("active participant: %v", err)
	}
	if participant.Role != domain.RoleOwner {
		t.Fatalf("expected creator to be owner, got %s", participant.Role)
	}
}

func TestCreateRejectsUnknownType(t *testing.T) {
	svc, _ := setupService(t)

	if _, err := svc.Create(context.Background(), "channel", "", nil); !errors.Is(err, convreg.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestAddParticipantConflictsAndRevives(t *testing.T) {
	svc, st := setupService(t)
	ctx := context.Background()
	owner := newUser(t, st)
	member := newUser(t, st)

	conv, err := svc.Create(ctx, domain.ConversationGroup, "", &owner.ID)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := svc.AddParticipant(ctx, conv.ID, member.ID, domain.RoleMember); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := svc.AddParticipant(ctx, conv.ID, member.ID, domain.RoleMember); !errors.Is(err, convreg.ErrParticipantExists) {
		t.Fatalf("expected ErrParticipantExists, got %v", err)
	}

	if err := svc.RemoveParticipant(ctx, conv.ID, member.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := svc.ActiveParticipant(ctx, conv.ID, member.ID); !errors.Is(err, convreg.ErrNotAParticipant) {
		t.Fatalf("expected membership gone after leave, got %v", err)
	}
	if err := svc.RemoveParticipant(ctx, conv.ID, member.ID); !errors.Is(err, convreg.ErrNotAParticipant) {
		t.Fatalf("expected ErrNotAParticipant on double leave, got %v", err)
	}

	// Rejoining revives the same row with the new role.
	if _, err := svc.AddParticipant(ctx, conv.ID, member.ID, domain.RoleAdmin); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	participant, err := svc.ActiveParticipant(ctx, conv.ID, member.ID)
	if err != nil {
		t.Fatalf("active after rejoin: %v", err)
	}
	if participant.Role != domain.RoleAdmin {
		t.Fatalf("expected role refreshed on rejoin, got %s", participant.Role)
	}
	if participant.LeftAt != nil {
		t.Fatalf("expected LeftAt cleared on rejoin")
	}
}

func TestActiveRecipientDevices(t *testing.T) {
	svc, st := setupService(t)
	ctx := context.Background()

	sender := newUser(t, st)
	peer := newUser(t, st)
	gone := newUser(t, st)

	newDeviceFor(t, st, sender.ID)
	peerPhone := newDeviceFor(t, st, peer.ID)
	peerLaptop := newDeviceFor(t, st, peer.ID)
	newDeviceFor(t, st, gone.ID)

	conv, err := svc.Create(ctx, domain.ConversationGroup, "", &sender.ID)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for _, u := range []uuid.UUID{peer.ID, gone.ID} {
		if _, err := svc.AddParticipant(ctx, conv.ID, u, domain.RoleMember); err != nil {
			t.Fatalf("add %s: %v", u, err)
		}
	}
	if err := svc.RemoveParticipant(ctx, conv.ID, gone.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}

	devices, err := svc.ActiveRecipientDevices(ctx, conv.ID, &sender.ID)
	if err != nil {
		t.Fatalf("recipients: %v", err)
	}
	got := make(map[uuid.UUID]bool, len(devices))
	for _, d := range devices {
		got[d.ID] = true
	}
	if len(got) != 2 || !got[peerPhone.ID] || !got[peerLaptop.ID] {
		t.Fatalf("expected exactly peer's devices, got %v", got)
	}
}

func TestActiveRecipientDevicesUnknownConversation(t *testing.T) {
	svc, _ := setupService(t)

	if _, err := svc.ActiveRecipientDevices(context.Background(), uuid.New(), nil); !errors.Is(err, convreg.ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}
}
