package domain

import (
	"time"

	"github.com/google/uuid"
)

// ConversationType distinguishes one-to-one, group, and broadcast channels.
type ConversationType string

const (
	ConversationDirect    ConversationType = "direct"
	ConversationGroup     ConversationType = "group"
	ConversationBroadcast ConversationType = "broadcast"
)

func (t ConversationType) Valid() bool {
	switch t {
	case ConversationDirect, ConversationGroup, ConversationBroadcast:
		return true
	}
	return false
}

// ParticipantRole is an authorization level only; it has no bearing on key
// material, which is per device.
type ParticipantRole string

const (
	RoleOwner  ParticipantRole = "owner"
	RoleAdmin  ParticipantRole = "admin"
	RoleMember ParticipantRole = "member"
)

func (r ParticipantRole) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleMember:
		return true
	}
	return false
}

type User struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	Username         string    `gorm:"type:text;not null;uniqueIndex"`
	CredentialHash   []byte    `gorm:"type:bytea"`
	CredentialSalt   []byte    `gorm:"type:bytea"`
	CredentialParams []byte    `gorm:"type:bytea"`
	CredentialAlgo   string    `gorm:"type:text"`
	Status           string    `gorm:"type:text;not null;default:active"`
	CreatedAt        time.Time `gorm:"not null"`
}

// Device is the unit of E2EE identity: one owning user, at most one
// identity key.
type Device struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID       uuid.UUID `gorm:"type:uuid;not null;index"`
	Label        string    `gorm:"type:text"`
	CreatedAt    time.Time `gorm:"not null"`
	LastSeenAt   *time.Time
	LastSeenAddr string `gorm:"type:text"`
}

// IdentityKey is created once per device and never updated; rotating an
// identity means provisioning a new device.
type IdentityKey struct {
	DeviceID  uuid.UUID `gorm:"type:uuid;primaryKey"`
	PublicKey []byte    `gorm:"type:bytea;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

// SignedPrekey signatures are produced and verified by clients against the
// device identity key; the server stores them opaquely.
type SignedPrekey struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	DeviceID  uuid.UUID `gorm:"type:uuid;not null;index"`
	PublicKey []byte    `gorm:"type:bytea;not null"`
	Signature []byte    `gorm:"type:bytea;not null"`
	CreatedAt time.Time `gorm:"not null"`
	ExpiresAt *time.Time
}

// OneTimePrekey transitions published -> consumed exactly once; ConsumedAt is
// set by a compare-and-set update so a record is handed out at most once.
type OneTimePrekey struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	DeviceID    uuid.UUID `gorm:"type:uuid;not null;index"`
	PublicKey   []byte    `gorm:"type:bytea;not null"`
	PublishedAt time.Time `gorm:"not null"`
	ConsumedAt  *time.Time
}

type Conversation struct {
	ID              uuid.UUID        `gorm:"type:uuid;primaryKey"`
	Type            ConversationType `gorm:"type:text;not null"`
	Title           string           `gorm:"type:text"`
	CreatedByUserID *uuid.UUID       `gorm:"type:uuid"`
	CreatedAt       time.Time        `gorm:"not null"`
}

// Participant rows are kept after leave for the audit trail; LeftAt null
// means the membership is active.
type Participant struct {
	ConversationID uuid.UUID       `gorm:"type:uuid;primaryKey"`
	UserID         uuid.UUID       `gorm:"type:uuid;primaryKey"`
	Role           ParticipantRole `gorm:"type:text;not null"`
	JoinedAt       time.Time       `gorm:"not null"`
	LeftAt         *time.Time
}

// Message holds ciphertext only; the server never sees plaintext. The hash
// covers the ciphertext bytes and is kept for integrity auditing.
type Message struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	ConversationID uuid.UUID `gorm:"type:uuid;not null;index:idx_messages_conv_created,priority:1"`
	SenderDeviceID uuid.UUID `gorm:"type:uuid;not null"`
	Ciphertext     []byte    `gorm:"type:bytea;not null"`
	Header         []byte    `gorm:"type:jsonb"`
	CiphertextHash string    `gorm:"type:text;not null"`
	HashAlgo       string    `gorm:"type:text;not null"`
	CreatedAt      time.Time `gorm:"not null;index:idx_messages_conv_created,priority:2"`
}

// Delivery is the per-(message, recipient device) tracking row. Exactly one
// exists per pair, enforced by the unique index, which also makes the
// recovery backfill idempotent.
type Delivery struct {
	ID                uuid.UUID      `gorm:"type:uuid;primaryKey"`
	MessageID         uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:idx_deliveries_message_device,priority:1"`
	RecipientDeviceID uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:idx_deliveries_message_device,priority:2;index:idx_deliveries_device_status"`
	Status            DeliveryStatus `gorm:"type:text;not null"`
	QueuedAt          time.Time      `gorm:"not null"`
	SentAt            *time.Time
	DeliveredAt       *time.Time
	ReadAt            *time.Time
	AckAt             *time.Time
	FailReason        string     `gorm:"type:text"`
	NextRetryAt       *time.Time `gorm:"index"`
	AttemptCount      int        `gorm:"not null;default:0"`
}
