package http

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"securechat/internal/authz"
	"securechat/internal/convreg"
	"securechat/internal/delivery"
	"securechat/internal/directory"
	"securechat/internal/domain"
	"securechat/internal/keyreg"
	"securechat/internal/msgstore"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

type registerUserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type userResponse struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

func (h *Handler) handleRegisterUser(w http.ResponseWriter, r *http.Request) {
	var req registerUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	user, err := h.directory.RegisterUser(r.Context(), req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, directory.ErrInvalidRequest):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, directory.ErrUsernameTaken):
			http.Error(w, "username taken", http.StatusConflict)
		default:
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusCreated, userResponse{
		ID:        user.ID.String(),
		Username:  user.Username,
		CreatedAt: user.CreatedAt,
	})
}

type registerDeviceRequest struct {
	UserID string `json:"user_id"`
	Label  string `json:"label"`
}

type deviceResponse struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Label     string    `json:"label,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (h *Handler) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req registerDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		http.Error(w, "invalid user_id", http.StatusBadRequest)
		return
	}
	device, err := h.directory.RegisterDevice(r.Context(), userID, req.Label)
	if err != nil {
		if errors.Is(err, directory.ErrUserNotFound) {
			http.Error(w, "user not found", http.StatusNotFound)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, deviceResponse{
		ID:        device.ID.String(),
		UserID:    device.UserID.String(),
		Label:     device.Label,
		CreatedAt: device.CreatedAt,
	})
}

type publishIdentityKeyRequest struct {
	PublicKey string `json:"public_key"`
}

func (h *Handler) handlePublishIdentityKey(w http.ResponseWriter, r *http.Request) {
	id, _ := authz.IdentityFrom(r.Context())
	var req publishIdentityKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	publicKey, err := base64.StdEncoding.DecodeString(req.PublicKey)
	if err != nil {
		http.Error(w, "invalid public_key", http.StatusBadRequest)
		return
	}
	key, err := h.keys.PublishIdentityKey(r.Context(), id.DeviceID, publicKey)
	if err != nil {
		writeKeyregError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"device_id":  key.DeviceID.String(),
		"created_at": key.CreatedAt,
	})
}

type publishSignedPrekeyRequest struct {
	PublicKey string     `json:"public_key"`
	Signature string     `json:"signature"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (h *Handler) handlePublishSignedPrekey(w http.ResponseWriter, r *http.Request) {
	id, _ := authz.IdentityFrom(r.Context())
	var req publishSignedPrekeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	publicKey, err := base64.StdEncoding.DecodeString(req.PublicKey)
	if err != nil {
		http.Error(w, "invalid public_key", http.StatusBadRequest)
		return
	}
	signature, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil {
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}
	key, err := h.keys.PublishSignedPrekey(r.Context(), id.DeviceID, publicKey, signature, req.ExpiresAt)
	if err != nil {
		writeKeyregError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":         key.ID.String(),
		"device_id":  key.DeviceID.String(),
		"created_at": key.CreatedAt,
		"expires_at": key.ExpiresAt,
	})
}

type publishOneTimePrekeysRequest struct {
	PublicKeys []string `json:"public_keys"`
}

func (h *Handler) handlePublishOneTimePrekeys(w http.ResponseWriter, r *http.Request) {
	id, _ := authz.IdentityFrom(r.Context())
	var req publishOneTimePrekeysRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	keys := make([][]byte, 0, len(req.PublicKeys))
	for _, k := range req.PublicKeys {
		decoded, err := base64.StdEncoding.DecodeString(k)
		if err != nil {
			http.Error(w, "invalid public_keys entry", http.StatusBadRequest)
			return
		}
		keys = append(keys, decoded)
	}
	added, err := h.keys.PublishOneTimePrekeys(r.Context(), id.DeviceID, keys)
	if err != nil {
		writeKeyregError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"added": added})
}

type bundleResponse struct {
	DeviceID     string           `json:"device_id"`
	IdentityKey  string           `json:"identity_key"`
	SignedPrekey signedPrekeyJSON `json:"signed_prekey"`
	OneTimeKey   *oneTimeKeyJSON  `json:"one_time_prekey,omitempty"`
}

type signedPrekeyJSON struct {
	ID        string     `json:"id"`
	PublicKey string     `json:"public_key"`
	Signature string     `json:"signature"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type oneTimeKeyJSON struct {
	ID        string `json:"id"`
	PublicKey string `json:"public_key"`
}

func (h *Handler) handleGetBundle(w http.ResponseWriter, r *http.Request) {
	deviceParam := r.URL.Query().Get("device_id")
	deviceID, err := uuid.Parse(deviceParam)
	if err != nil {
		http.Error(w, "invalid device_id", http.StatusBadRequest)
		return
	}
	bundle, err := h.keys.GetBundle(r.Context(), deviceID)
	if err != nil {
		writeKeyregError(w, err)
		return
	}
	resp := bundleResponse{
		DeviceID:    bundle.DeviceID.String(),
		IdentityKey: base64.StdEncoding.EncodeToString(bundle.IdentityKey.PublicKey),
		SignedPrekey: signedPrekeyJSON{
			ID:        bundle.SignedPrekey.ID.String(),
			PublicKey: base64.StdEncoding.EncodeToString(bundle.SignedPrekey.PublicKey),
			Signature: base64.StdEncoding.EncodeToString(bundle.SignedPrekey.Signature),
			CreatedAt: bundle.SignedPrekey.CreatedAt,
			ExpiresAt: bundle.SignedPrekey.ExpiresAt,
		},
	}
	if bundle.OneTimePrekey != nil {
		resp.OneTimeKey = &oneTimeKeyJSON{
			ID:        bundle.OneTimePrekey.ID.String(),
			PublicKey: base64.StdEncoding.EncodeToString(bundle.OneTimePrekey.PublicKey),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type createConversationRequest struct {
	Type  string `json:"type"`
	Title string `json:"title"`
}

func (h *Handler) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	id, _ := authz.IdentityFrom(r.Context())
	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	conv, err := h.conv.Create(r.Context(), domain.ConversationType(req.Type), req.Title, &id.UserID)
	if err != nil {
		writeConvregError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":         conv.ID.String(),
		"type":       conv.Type,
		"title":      conv.Title,
		"created_at": conv.CreatedAt,
	})
}

type addParticipantRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

func (h *Handler) handleAddParticipant(w http.ResponseWriter, r *http.Request) {
	convID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid conversation id", http.StatusBadRequest)
		return
	}
	var req addParticipantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		http.Error(w, "invalid user_id", http.StatusBadRequest)
		return
	}
	role := domain.ParticipantRole(req.Role)
	if req.Role == "" {
		role = domain.RoleMember
	}
	participant, err := h.conv.AddParticipant(r.Context(), convID, userID, role)
	if err != nil {
		writeConvregError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"conversation_id": participant.ConversationID.String(),
		"user_id":         participant.UserID.String(),
		"role":            participant.Role,
		"joined_at":       participant.JoinedAt,
	})
}

func (h *Handler) handleRemoveParticipant(w http.ResponseWriter, r *http.Request) {
	convID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid conversation id", http.StatusBadRequest)
		return
	}
	userID, err := uuid.Parse(chi.URLParam(r, "userID"))
	if err != nil {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return
	}
	if err := h.conv.RemoveParticipant(r.Context(), convID, userID); err != nil {
		writeConvregError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type messageJSON struct {
	ID           string          `json:"id"`
	ConvID       string          `json:"conv_id"`
	FromDeviceID string          `json:"from_device_id"`
	Ciphertext   string          `json:"ciphertext"`
	Header       json.RawMessage `json:"header,omitempty"`
	Hash         string          `json:"hash"`
	HashAlgo     string          `json:"hash_algo"`
	CreatedAt    time.Time       `json:"created_at"`
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	convID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid conversation id", http.StatusBadRequest)
		return
	}
	var after time.Time
	if v := r.URL.Query().Get("after"); v != "" {
		after, err = time.Parse(time.RFC3339Nano, v)
		if err != nil {
			http.Error(w, "invalid after", http.StatusBadRequest)
			return
		}
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil || limit <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
	}
	msgs, err := h.messages.History(r.Context(), convID, after, limit)
	if err != nil {
		writeMsgstoreError(w, err)
		return
	}
	out := make([]messageJSON, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessageJSON(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

type publishRequest struct {
	ConvID     string          `json:"conv_id"`
	Ciphertext string          `json:"ciphertext"`
	Header     json.RawMessage `json:"header,omitempty"`
}

type publishResponse struct {
	Message    messageJSON `json:"message"`
	Dispatched int         `json:"dispatched"`
	Queued     int         `json:"queued"`
}

// handlePublish accepts ciphertext for fan-out. Acceptance means stored and
// queued; it does not depend on any recipient being reachable.
func (h *Handler) handlePublish(w http.ResponseWriter, r *http.Request) {
	id, _ := authz.IdentityFrom(r.Context())
	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	convID, err := uuid.Parse(req.ConvID)
	if err != nil {
		http.Error(w, "invalid conv_id", http.StatusBadRequest)
		return
	}
	ciphertext, err := base64.StdEncoding.DecodeString(req.Ciphertext)
	if err != nil {
		http.Error(w, "invalid ciphertext", http.StatusBadRequest)
		return
	}
	result, err := h.router.Publish(r.Context(), msgstore.AppendInput{
		ConversationID: convID,
		SenderDeviceID: id.DeviceID,
		Ciphertext:     ciphertext,
		Header:         req.Header,
	})
	if err != nil {
		writeMsgstoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, publishResponse{
		Message:    toMessageJSON(result.Message),
		Dispatched: result.Dispatched,
		Queued:     result.Queued,
	})
}

type receiptRequest struct {
	DeliveryID string `json:"delivery_id"`
	Kind       string `json:"kind"`
}

func (h *Handler) handleReceipt(w http.ResponseWriter, r *http.Request) {
	var req receiptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	deliveryID, err := uuid.Parse(req.DeliveryID)
	if err != nil {
		http.Error(w, "invalid delivery_id", http.StatusBadRequest)
		return
	}
	err = h.tracker.ApplyReceipt(r.Context(), deliveryID, delivery.ReceiptKind(req.Kind))
	if err != nil {
		switch {
		case errors.Is(err, delivery.ErrInvalidReceipt):
			http.Error(w, "unknown receipt kind", http.StatusBadRequest)
		case errors.Is(err, delivery.ErrDeliveryNotFound):
			http.Error(w, "delivery not found", http.StatusNotFound)
		default:
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func toMessageJSON(m domain.Message) messageJSON {
	return messageJSON{
		ID:           m.ID.String(),
		ConvID:       m.ConversationID.String(),
		FromDeviceID: m.SenderDeviceID.String(),
		Ciphertext:   base64.StdEncoding.EncodeToString(m.Ciphertext),
		Header:       append(json.RawMessage(nil), m.Header...),
		Hash:         m.CiphertextHash,
		HashAlgo:     m.HashAlgo,
		CreatedAt:    m.CreatedAt,
	}
}

func writeKeyregError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, keyreg.ErrInvalidRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, keyreg.ErrDeviceNotFound):
		http.Error(w, "device not found", http.StatusNotFound)
	case errors.Is(err, keyreg.ErrIdentityKeyExists):
		http.Error(w, "identity key already published", http.StatusConflict)
	case errors.Is(err, keyreg.ErrNoSignedPrekey):
		http.Error(w, "no signed prekey published", http.StatusNotFound)
	case errors.Is(err, keyreg.ErrNoPrekeyAvailable):
		http.Error(w, "one-time prekey pool empty", http.StatusNotFound)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeConvregError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, convreg.ErrInvalidRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, convreg.ErrConversationNotFound):
		http.Error(w, "conversation not found", http.StatusNotFound)
	case errors.Is(err, convreg.ErrUserNotFound):
		http.Error(w, "user not found", http.StatusNotFound)
	case errors.Is(err, convreg.ErrParticipantExists):
		http.Error(w, "participant already active", http.StatusConflict)
	case errors.Is(err, convreg.ErrNotAParticipant):
		http.Error(w, "no active participation", http.StatusNotFound)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeMsgstoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, msgstore.ErrInvalidRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, msgstore.ErrDeviceNotFound):
		http.Error(w, "sender device not found", http.StatusNotFound)
	case errors.Is(err, msgstore.ErrConversationNotFound):
		http.Error(w, "conversation not found", http.StatusNotFound)
	case errors.Is(err, msgstore.ErrNotAParticipant):
		http.Error(w, "sender has no active participation", http.StatusForbidden)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
