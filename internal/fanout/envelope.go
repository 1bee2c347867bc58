package fanout

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"securechat/internal/domain"
)

// Envelope is the wire form of a message pushed to a live device. The
// delivery id lets the client report receipts for exactly this row.
type Envelope struct {
	DeliveryID   string          `json:"delivery_id"`
	MessageID    string          `json:"message_id"`
	ConvID       string          `json:"conv_id"`
	FromDeviceID string          `json:"from_device_id"`
	Ciphertext   string          `json:"ciphertext"`
	Header       json.RawMessage `json:"header,omitempty"`
	Hash         string          `json:"hash"`
	HashAlgo     string          `json:"hash_algo"`
	CreatedAt    time.Time       `json:"created_at"`
}

func encodeEnvelope(d domain.Delivery, m domain.Message) ([]byte, error) {
	env := Envelope{
		DeliveryID:   d.ID.String(),
		MessageID:    m.ID.String(),
		ConvID:       m.ConversationID.String(),
		FromDeviceID: m.SenderDeviceID.String(),
		Ciphertext:   base64.StdEncoding.EncodeToString(m.Ciphertext),
		Header:       append(json.RawMessage(nil), m.Header...),
		Hash:         m.CiphertextHash,
		HashAlgo:     m.HashAlgo,
		CreatedAt:    m.CreatedAt,
	}
	return json.Marshal(env)
}
