// Package fanout turns one stored message into per-device delivery rows and
// pushes to whichever recipients are connected, leaving the rest queued. It
// also owns the startup reconciliation scan and the retry loop.
package fanout

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"securechat/internal/convreg"
	"securechat/internal/delivery"
	"securechat/internal/domain"
	"securechat/internal/msgstore"
	"securechat/internal/observability/metrics"
	"securechat/internal/store"

	"github.com/google/uuid"
)

type Router struct {
	store    *store.Store
	messages *msgstore.Service
	conv     *convreg.Service
	tracker  *delivery.Tracker
	registry *Registry
	log      *slog.Logger
	now      func() time.Time
}

func NewRouter(st *store.Store, messages *msgstore.Service, conv *convreg.Service, tracker *delivery.Tracker, registry *Registry, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		store:    st,
		messages: messages,
		conv:     conv,
		tracker:  tracker,
		registry: registry,
		log:      log,
		now:      time.Now,
	}
}

// PublishResult reports what happened to a published message: how many
// deliveries were pushed to live devices immediately and how many stayed
// queued. Queuing is success; acceptance never depends on reachability.
type PublishResult struct {
	Message    domain.Message
	Dispatched int
	Queued     int
}

// Publish appends the message and creates its delivery rows in one
// transaction, then attempts live dispatch outside it. A crash between the
// two leaves a consistent store either way: the message plus all rows, or
// nothing (and Reconcile covers rows lost to partial historic writes).
func (r *Router) Publish(ctx context.Context, in msgstore.AppendInput) (PublishResult, error) {
	sender, err := r.store.Devices().Get(ctx, in.SenderDeviceID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			return PublishResult{}, msgstore.ErrDeviceNotFound
		}
		return PublishResult{}, err
	}

	devices, err := r.conv.ActiveRecipientDevices(ctx, in.ConversationID, &sender.UserID)
	if err != nil {
		if errors.Is(err, convreg.ErrConversationNotFound) {
			return PublishResult{}, msgstore.ErrConversationNotFound
		}
		return PublishResult{}, err
	}
	deviceIDs := make([]uuid.UUID, len(devices))
	for i, d := range devices {
		deviceIDs[i] = d.ID
	}

	var (
		msg  domain.Message
		rows []domain.Delivery
	)
	err = r.store.WithTx(ctx, func(tx *store.Store) error {
		var err error
		msg, err = r.messages.AppendTx(ctx, tx, in)
		if err != nil {
			return err
		}
		rows, _, err = r.tracker.CreateBatchTx(ctx, tx, msg.ID, deviceIDs)
		return err
	})
	if err != nil {
		return PublishResult{}, err
	}
	metrics.MessagesPublishedTotal.Inc()

	result := PublishResult{Message: msg}
	for _, row := range rows {
		if r.dispatch(ctx, row, msg) {
			result.Dispatched++
		} else {
			result.Queued++
		}
	}
	r.log.Info("message published",
		"message_id", msg.ID,
		"conversation_id", msg.ConversationID,
		"dispatched", result.Dispatched,
		"queued", result.Queued,
	)
	return result, nil
}

// dispatch pushes one delivery to its device if a connection is live and
// advances the row to sent on success. Misses and send errors leave the row
// queued; the retry loop picks it up later.
func (r *Router) dispatch(ctx context.Context, row domain.Delivery, msg domain.Message) bool {
	conn, ok := r.registry.Lookup(row.RecipientDeviceID)
	if !ok {
		metrics.DeliveriesDispatchedTotal.WithLabelValues("queued").Inc()
		return false
	}
	payload, err := encodeEnvelope(row, msg)
	if err != nil {
		r.log.Error("encode envelope", "delivery_id", row.ID, "error", err)
		return false
	}
	if err := conn.Send(payload); err != nil {
		r.log.Warn("live dispatch failed, leaving queued",
			"delivery_id", row.ID, "device_id", row.RecipientDeviceID, "error", err)
		metrics.DeliveriesDispatchedTotal.WithLabelValues("queued").Inc()
		return false
	}
	if err := r.tracker.MarkSent(ctx, row.ID); err != nil {
		r.log.Warn("mark sent", "delivery_id", row.ID, "error", err)
		return false
	}
	metrics.DeliveriesDispatchedTotal.WithLabelValues("sent").Inc()
	return true
}

// DispatchPending flushes queued/sent deliveries to a device that just
// connected. Sent rows are re-pushed too: a sent-but-undelivered row means
// the previous push was never confirmed received.
func (r *Router) DispatchPending(ctx context.Context, deviceID uuid.UUID, limit int) (int, error) {
	pending, err := r.tracker.PendingForDevice(ctx, deviceID, limit)
	if err != nil {
		return 0, err
	}
	return r.dispatchAll(ctx, pending), nil
}

// DispatchQueued flushes only never-sent rows; the websocket tick uses it so
// already-sent rows wait for their backoff instead of being re-pushed every
// poll.
func (r *Router) DispatchQueued(ctx context.Context, deviceID uuid.UUID, limit int) (int, error) {
	pending, err := r.tracker.QueuedForDevice(ctx, deviceID, limit)
	if err != nil {
		return 0, err
	}
	return r.dispatchAll(ctx, pending), nil
}

func (r *Router) dispatchAll(ctx context.Context, pending []delivery.Pending) int {
	sent := 0
	for _, p := range pending {
		if r.dispatch(ctx, p.Delivery, p.Message) {
			sent++
		}
	}
	return sent
}

// Reconcile is the startup recovery scan: for every message it recreates
// delivery rows missing for currently-active recipient devices. Insertion
// goes through the unique (message, device) index, so rows that already
// exist are untouched and no duplicates can appear.
func (r *Router) Reconcile(ctx context.Context, batch int) (int64, error) {
	if batch <= 0 {
		batch = 200
	}
	var (
		created      int64
		afterCreated time.Time
		afterID      uuid.UUID
	)
	for {
		msgs, err := r.store.Messages().Page(ctx, afterCreated, afterID, batch)
		if err != nil {
			return created, err
		}
		if len(msgs) == 0 {
			break
		}
		for _, msg := range msgs {
			n, err := r.reconcileMessage(ctx, msg)
			if err != nil {
				return created, err
			}
			created += n
		}
		last := msgs[len(msgs)-1]
		afterCreated, afterID = last.CreatedAt, last.ID
	}
	if created > 0 {
		r.log.Info("reconciliation backfilled deliveries", "created", created)
	}
	return created, nil
}

func (r *Router) reconcileMessage(ctx context.Context, msg domain.Message) (int64, error) {
	sender, err := r.store.Devices().Get(ctx, msg.SenderDeviceID)
	if err != nil {
		if errors.Is(err, store.ErrRecordNotFound) {
			// Sender device gone; recipients are still resolvable.
			sender = &domain.Device{}
		} else {
			return 0, err
		}
	}
	var exclude *uuid.UUID
	if sender.UserID != uuid.Nil {
		exclude = &sender.UserID
	}
	devices, err := r.conv.ActiveRecipientDevices(ctx, msg.ConversationID, exclude)
	if err != nil {
		if errors.Is(err, convreg.ErrConversationNotFound) {
			return 0, nil
		}
		return 0, err
	}
	deviceIDs := make([]uuid.UUID, len(devices))
	for i, d := range devices {
		deviceIDs[i] = d.ID
	}
	var created int64
	err = r.store.WithTx(ctx, func(tx *store.Store) error {
		var err error
		_, created, err = r.tracker.CreateBatchTx(ctx, tx, msg.ID, deviceIDs)
		return err
	})
	return created, err
}

// RunRetry drives redispatch until ctx is cancelled: every tick it collects
// due deliveries, re-pushes the ones whose devices are live, and applies the
// backoff/attempt-limit policy to each.
func (r *Router) RunRetry(ctx context.Context, tick time.Duration, batch int) {
	if tick <= 0 {
		tick = 10 * time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.RetryPass(ctx, batch); err != nil {
				r.log.Error("retry pass", "error", err)
			}
		}
	}
}

// RetryPass runs one redispatch sweep.
func (r *Router) RetryPass(ctx context.Context, batch int) error {
	due, err := r.tracker.DueForRetry(ctx, r.now().UTC(), batch)
	if err != nil {
		return err
	}
	for _, row := range due {
		msg, err := r.store.Messages().Get(ctx, row.MessageID)
		if err != nil {
			if errors.Is(err, store.ErrRecordNotFound) {
				continue
			}
			return err
		}
		r.dispatch(ctx, row, *msg)
		if _, err := r.tracker.NoteAttempt(ctx, row); err != nil {
			return err
		}
	}
	return nil
}
