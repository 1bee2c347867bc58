// Package delivery owns the per-(message, recipient device) delivery state
// machine. Statuses form the lattice queued < sent < delivered < read with
// failed absorbing; every transition is a compare-and-set against the stored
// status, so concurrent signals cannot move a row backwards. Stale signals
// are ignored locally, never surfaced as fatal.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"securechat/internal/domain"
	"securechat/internal/observability/metrics"
	"securechat/internal/store"

	"github.com/google/uuid"
)

// ReceiptKind is a client-reported delivery signal fed in by the connection
// layer.
type ReceiptKind string

const (
	ReceiptDelivered ReceiptKind = "delivered"
	ReceiptRead      ReceiptKind = "read"
	ReceiptAck       ReceiptKind = "ack"
)

// RetryPolicy controls redispatch of deliveries stuck in queued/sent.
// NextRetryAt doubles per attempt from Base up to Cap; after MaxAttempts the
// row fails with ReasonRetryLimit.
type RetryPolicy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base:        30 * time.Second,
		Cap:         time.Hour,
		MaxAttempts: 5,
	}
}

// Backoff returns the wait before the given (1-based) attempt number.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Cap {
			return p.Cap
		}
	}
	if d > p.Cap {
		return p.Cap
	}
	return d
}

type Tracker struct {
	store  *store.Store
	policy RetryPolicy
	log    *slog.Logger
	now    func() time.Time
}

func NewTracker(st *store.Store, policy RetryPolicy, log *slog.Logger) *Tracker {
	if policy.Base <= 0 {
		policy = DefaultRetryPolicy()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{store: st, policy: policy, log: log, now: time.Now}
}

// CreateBatchTx creates one queued delivery row per recipient device inside
// the caller's transaction, so fan-out is atomic with the message write.
// Pairs that already exist are skipped; the count of rows actually created
// is returned.
func (t *Tracker) CreateBatchTx(ctx context.Context, tx *store.Store, messageID uuid.UUID, deviceIDs []uuid.UUID) ([]domain.Delivery, int64, error) {
	now := t.now().UTC()
	firstRetry := now.Add(t.policy.Base)
	rows := make([]domain.Delivery, 0, len(deviceIDs))
	for _, deviceID := range deviceIDs {
		rows = append(rows, domain.Delivery{
			ID:                uuid.New(),
			MessageID:         messageID,
			RecipientDeviceID: deviceID,
			Status:            domain.DeliveryQueued,
			QueuedAt:          now,
			NextRetryAt:       &firstRetry,
		})
	}
	created, err := tx.Deliveries().CreateBatch(ctx, rows)
	if err != nil {
		return nil, 0, err
	}
	return rows, created, nil
}

// MarkSent confirms the transport accepted the bytes for the device.
// Idempotent: repeats and late arrivals after a later stage are no-ops.
func (t *Tracker) MarkSent(ctx context.Context, id uuid.UUID) error {
	affected, err := t.store.Deliveries().MarkSent(ctx, id, t.now().UTC())
	if err != nil {
		return err
	}
	if affected == 0 {
		return t.ignoreStale(ctx, id, domain.DeliverySent)
	}
	return nil
}

// ApplyReceipt applies a client-reported signal. Delivered is legal from
// queued or sent (implicitly passing through sent); read from any
// non-terminal state; ack only sets the orthogonal AckAt timestamp.
func (t *Tracker) ApplyReceipt(ctx context.Context, id uuid.UUID, kind ReceiptKind) error {
	now := t.now().UTC()
	var (
		affected int64
		err      error
	)
	switch kind {
	case ReceiptDelivered:
		affected, err = t.store.Deliveries().MarkDelivered(ctx, id, now)
	case ReceiptRead:
		affected, err = t.store.Deliveries().MarkRead(ctx, id, now)
	case ReceiptAck:
		affected, err = t.store.Deliveries().SetAck(ctx, id, now)
	default:
		return fmt.Errorf("%w: %q", ErrInvalidReceipt, kind)
	}
	if err != nil {
		return err
	}
	metrics.DeliveryReceiptsTotal.WithLabelValues(string(kind)).Inc()
	if affected == 0 {
		if kind == ReceiptAck {
			// Already acked or failed; nothing to record.
			return t.exists(ctx, id)
		}
		target := domain.DeliveryDelivered
		if kind == ReceiptRead {
			target = domain.DeliveryRead
		}
		return t.ignoreStale(ctx, id, target)
	}
	return nil
}

// Fail marks a delivery permanently undeliverable.
func (t *Tracker) Fail(ctx context.Context, id uuid.UUID, reason string) error {
	affected, err := t.store.Deliveries().Fail(ctx, id, reason)
	if err != nil {
		return err
	}
	if affected == 0 {
		return t.exists(ctx, id)
	}
	metrics.DeliveriesDispatchedTotal.WithLabelValues("failed").Inc()
	return nil
}

// DueForRetry returns deliveries eligible for redispatch at `now`.
func (t *Tracker) DueForRetry(ctx context.Context, now time.Time, limit int) ([]domain.Delivery, error) {
	return t.store.Deliveries().DueForRetry(ctx, now, limit)
}

// NoteAttempt records one redispatch attempt: it bumps the attempt count and
// reschedules with exponential backoff, or fails the row once the attempt
// limit is reached. Reports whether the row was failed.
func (t *Tracker) NoteAttempt(ctx context.Context, d domain.Delivery) (bool, error) {
	attempts := d.AttemptCount + 1
	if attempts >= t.policy.MaxAttempts {
		if err := t.Fail(ctx, d.ID, ReasonRetryLimit); err != nil {
			return false, err
		}
		t.log.Warn("delivery failed after retry limit",
			"delivery_id", d.ID, "message_id", d.MessageID, "attempts", attempts)
		return true, nil
	}
	next := t.now().UTC().Add(t.policy.Backoff(attempts + 1))
	return false, t.store.Deliveries().NoteAttempt(ctx, d.ID, attempts, next)
}

// Pending pairs a delivery row with its message for dispatch.
type Pending struct {
	Delivery domain.Delivery
	Message  domain.Message
}

// PendingForDevice returns unconfirmed deliveries (queued and sent) for a
// device with their messages, oldest first. A sent-but-undelivered row is
// included because the earlier push was never confirmed received.
func (t *Tracker) PendingForDevice(ctx context.Context, deviceID uuid.UUID, limit int) ([]Pending, error) {
	return t.pendingForDevice(ctx, deviceID,
		[]domain.DeliveryStatus{domain.DeliveryQueued, domain.DeliverySent}, limit)
}

// QueuedForDevice returns only rows never handed to the transport.
func (t *Tracker) QueuedForDevice(ctx context.Context, deviceID uuid.UUID, limit int) ([]Pending, error) {
	return t.pendingForDevice(ctx, deviceID,
		[]domain.DeliveryStatus{domain.DeliveryQueued}, limit)
}

func (t *Tracker) pendingForDevice(ctx context.Context, deviceID uuid.UUID, statuses []domain.DeliveryStatus, limit int) ([]Pending, error) {
	rows, err := t.store.Deliveries().PendingForDevice(ctx, deviceID, statuses, limit)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	pending := make([]Pending, 0, len(rows))
	for _, row := range rows {
		msg, err := t.store.Messages().Get(ctx, row.MessageID)
		if err != nil {
			if errors.Is(err, store.ErrRecordNotFound) {
				continue
			}
			return nil, err
		}
		pending = append(pending, Pending{Delivery: row, Message: *msg})
	}
	return pending, nil
}

func (t *Tracker) Get(ctx context.Context, id uuid.UUID) (*domain.Delivery, error) {
	d, err := t.store.Deliveries().Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, ErrDeliveryNotFound
		}
		return nil, err
	}
	return d, nil
}

// ignoreStale resolves a lost CAS: unknown rows are an error for the caller,
// everything else means a later (or equal) stage already won and the signal
// is dropped.
func (t *Tracker) ignoreStale(ctx context.Context, id uuid.UUID, attempted domain.DeliveryStatus) error {
	current, err := t.store.Deliveries().Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return ErrDeliveryNotFound
		}
		return err
	}
	t.log.Debug("ignoring stale delivery transition",
		"delivery_id", id,
		"attempted", string(attempted),
		"current", string(current.Status),
	)
	return nil
}

func (t *Tracker) exists(ctx context.Context, id uuid.UUID) error {
	if _, err := t.store.Deliveries().Get(ctx, id); err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return ErrDeliveryNotFound
		}
		return err
	}
	return nil
}
