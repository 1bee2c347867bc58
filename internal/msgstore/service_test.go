package msgstore_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"securechat/internal/domain"
	"securechat/internal/msgstore"
	"securechat/internal/store"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type fixture struct {
	svc    *msgstore.Service
	st     *store.Store
	conv   domain.Conversation
	device domain.Device
}

func setup(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()

	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	st := store.New(db)
	if err := st.AutoMigrate(ctx); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	hasher, err := msgstore.NewHasher("sha256")
	if err != nil {
		t.Fatalf("hasher: %v", err)
	}
	svc := msgstore.New(st, hasher)

	user := domain.User{ID: uuid.New(), Username: "sender", CreatedAt: time.Now().UTC()}
	if err := st.Users().Create(ctx, user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	device := domain.Device{ID: uuid.New(), UserID: user.ID, CreatedAt: time.Now().UTC()}
	if err := st.Devices().Create(ctx, device); err != nil {
		t.Fatalf("create device: %v", err)
	}
	conv := domain.Conversation{ID: uuid.New(), Type: domain.ConversationGroup, CreatedAt: time.Now().UTC()}
	if err := st.Conversations().Create(ctx, conv); err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if err := st.Participants().Add(ctx, domain.Participant{
		ConversationID: conv.ID,
		UserID:         user.ID,
		Role:           domain.RoleMember,
		JoinedAt:       time.Now().UTC(),
	}); err != nil {
		t.Fatalf("add participant: %v", err)
	}

	return fixture{svc: svc, st: st, conv: conv, device: device}
}

func TestAppendComputesHash(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	ciphertext := []byte("opaque bytes")
	msg, err := f.svc.Append(ctx, msgstore.AppendInput{
		ConversationID: f.conv.ID,
		SenderDeviceID: f.device.ID,
		Ciphertext:     ciphertext,
		Header:         []byte(`{"ratchet":1}`),
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	sum := sha256.Sum256(ciphertext)
	if msg.CiphertextHash != hex.EncodeToString(sum[:]) {
		t.Fatalf("wrong hash: %s", msg.CiphertextHash)
	}
	if msg.HashAlgo != "sha256" {
		t.Fatalf("wrong algo: %s", msg.HashAlgo)
	}

	stored, err := f.st.Messages().Get(ctx, msg.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(stored.Ciphertext) != string(ciphertext) {
		t.Fatalf("ciphertext mangled")
	}
	if stored.CiphertextHash != msg.CiphertextHash {
		t.Fatalf("stored hash differs")
	}
}

func TestAppendRejectsNonParticipant(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	outsider := domain.User{ID: uuid.New(), Username: "outsider", CreatedAt: time.Now().UTC()}
	if err := f.st.Users().Create(ctx, outsider); err != nil {
		t.Fatalf("create user: %v", err)
	}
	device := domain.Device{ID: uuid.New(), UserID: outsider.ID, CreatedAt: time.Now().UTC()}
	if err := f.st.Devices().Create(ctx, device); err != nil {
		t.Fatalf("create device: %v", err)
	}

	_, err := f.svc.Append(ctx, msgstore.AppendInput{
		ConversationID: f.conv.ID,
		SenderDeviceID: device.ID,
		Ciphertext:     []byte("x"),
	})
	if !errors.Is(err, msgstore.ErrNotAParticipant) {
		t.Fatalf("expected ErrNotAParticipant, got %v", err)
	}
}

func TestAppendValidation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	if _, err := f.svc.Append(ctx, msgstore.AppendInput{
		ConversationID: f.conv.ID,
		SenderDeviceID: f.device.ID,
	}); !errors.Is(err, msgstore.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for empty ciphertext, got %v", err)
	}

	if _, err := f.svc.Append(ctx, msgstore.AppendInput{
		ConversationID: f.conv.ID,
		SenderDeviceID: f.device.ID,
		Ciphertext:     []byte("x"),
		Header:         []byte("{not json"),
	}); !errors.Is(err, msgstore.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for bad header, got %v", err)
	}

	if _, err := f.svc.Append(ctx, msgstore.AppendInput{
		ConversationID: uuid.New(),
		SenderDeviceID: f.device.ID,
		Ciphertext:     []byte("x"),
	}); !errors.Is(err, msgstore.ErrConversationNotFound) {
		t.Fatalf("expected ErrConversationNotFound, got %v", err)
	}

	if _, err := f.svc.Append(ctx, msgstore.AppendInput{
		ConversationID: f.conv.ID,
		SenderDeviceID: uuid.New(),
		Ciphertext:     []byte("x"),
	}); !errors.Is(err, msgstore.ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}
}

func TestHistoryOrderAndCursor(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	var ids []uuid.UUID
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		msg := domain.Message{
			ID:             uuid.New(),
			ConversationID: f.conv.ID,
			SenderDeviceID: f.device.ID,
			Ciphertext:     []byte{byte(i)},
			CiphertextHash: "h",
			HashAlgo:       "sha256",
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		}
		if err := f.st.Messages().Create(ctx, &msg); err != nil {
			t.Fatalf("create msg %d: %v", i, err)
		}
		ids = append(ids, msg.ID)
	}

	all, err := f.svc.History(ctx, f.conv.ID, time.Time{}, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(all))
	}
	for i, msg := range all {
		if msg.ID != ids[i] {
			t.Fatalf("wrong order at %d: %s", i, msg.ID)
		}
	}

	tail, err := f.svc.History(ctx, f.conv.ID, all[0].CreatedAt, 10)
	if err != nil {
		t.Fatalf("history after: %v", err)
	}
	if len(tail) != 2 || tail[0].ID != ids[1] {
		t.Fatalf("cursor did not skip the first message: %v", tail)
	}
}

func TestHasherBlake2b(t *testing.T) {
	h, err := msgstore.NewHasher("blake2b-256")
	if err != nil {
		t.Fatalf("hasher: %v", err)
	}
	sum := h.Sum([]byte("payload"))
	if len(sum) != 64 {
		t.Fatalf("expected 32-byte hex digest, got %d chars", len(sum))
	}
	if h.Algo() != "blake2b-256" {
		t.Fatalf("wrong algo name: %s", h.Algo())
	}

	if _, err := msgstore.NewHasher("md5"); err == nil {
		t.Fatalf("expected unsupported algo to be rejected")
	}
}
