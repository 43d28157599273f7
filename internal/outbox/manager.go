// Package outbox tracks locally-created messages until the remote confirms
// them, retrying uploads with backoff and a bounded attempt count.
package outbox

import (
	"context"
	"errors"
	"strings"
	"time"

	gosync "sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/offgridchat/syncd/internal/bus"
	"github.com/offgridchat/syncd/internal/metrics"
	"github.com/offgridchat/syncd/internal/remote"
	"github.com/offgridchat/syncd/internal/store"
	"go.uber.org/zap"
)

// ErrEmptyText rejects a send synchronously; an invalid payload never enters
// the outbox.
var ErrEmptyText = errors.New("message text is empty")

// Reconciler is the surface the manager needs from the reconciler: optimistic
// inserts join the authoritative list at enqueue time, and abandoned sends are
// failed through the single status writer.
type Reconciler interface {
	TrackLocal(m *store.Message)
	MapServerID(localID, serverID string)
	FailLocal(conversationID, localID, reason string) error
}

// Options tunes the retry policy.
type Options struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	PollInterval   time.Duration
	UploadTimeout  time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 2 * time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 5 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.UploadTimeout <= 0 {
		o.UploadTimeout = 30 * time.Second
	}
	return o
}

// Manager drives outbox uploads. Independent entries upload concurrently;
// the pending→in-flight compare-and-set on each entry is the overlap guard,
// not a global lock.
type Manager struct {
	db      *store.DB
	channel remote.Channel
	rec     Reconciler
	bus     *bus.Bus
	logger  *zap.Logger
	metrics *metrics.Metrics
	opts    Options

	mu       gosync.Mutex
	backoffs map[string]*backoff.ExponentialBackOff
	nextTry  map[string]time.Time

	kick   chan struct{}
	cancel context.CancelFunc
}

// NewManager creates an outbox manager.
func NewManager(db *store.DB, channel remote.Channel, rec Reconciler, b *bus.Bus, logger *zap.Logger, m *metrics.Metrics, opts Options) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		db:       db,
		channel:  channel,
		rec:      rec,
		bus:      b,
		logger:   logger,
		metrics:  m,
		opts:     opts.withDefaults(),
		backoffs: make(map[string]*backoff.ExponentialBackOff),
		nextTry:  make(map[string]time.Time),
		kick:     make(chan struct{}, 1),
	}
}

// Send accepts a message optimistically: the message and its outbox entry are
// persisted in one transaction, the message joins the authoritative list, and
// the upload happens asynchronously.
func (m *Manager) Send(_ context.Context, conversationID, senderID, text, imageRef string) (*store.OutboxEntry, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}

	msg := &store.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		ImageRef:       imageRef,
		SentAt:         time.Now().UnixMilli(),
		Status:         store.StatusQueued,
	}

	entry, err := m.db.EnqueueSend(msg)
	if err != nil {
		return nil, err
	}
	m.rec.TrackLocal(msg)
	m.Kick()
	return entry, nil
}

// Resend clones an abandoned entry into a fresh message and outbox entry with
// a new local id. The failed copy stays in the conversation history.
func (m *Manager) Resend(_ context.Context, localID string) (*store.OutboxEntry, error) {
	old, err := m.db.GetOutbox(localID)
	if err != nil {
		return nil, err
	}
	if old == nil {
		return nil, errors.New("outbox entry not found")
	}
	if old.State != store.OutboxAbandoned {
		return nil, errors.New("only abandoned entries can be resent")
	}

	msg := old.Payload.Clone()
	msg.ID = uuid.NewString()
	msg.SentAt = time.Now().UnixMilli()
	msg.Status = store.StatusQueued
	msg.DeliveredAt, msg.ReadAt = 0, 0
	msg.DeliveredTo, msg.ReadBy = nil, nil

	entry, err := m.db.EnqueueSend(msg)
	if err != nil {
		return nil, err
	}
	m.rec.TrackLocal(msg)
	m.Kick()
	return entry, nil
}

// Kick schedules an upload pass without waiting for the poll interval.
func (m *Manager) Kick() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Start recovers entries from a previous run and begins the retry loop.
// Retries also trigger on every offline→online transition.
func (m *Manager) Start(ctx context.Context) error {
	requeued, err := m.db.RequeueInFlight()
	if err != nil {
		return err
	}
	if requeued > 0 {
		m.logger.Info("requeued interrupted uploads", zap.Int("count", requeued))
	}

	// Surviving entries rejoin the pending-match set so their echoes still
	// collapse and retire them.
	entries, err := m.db.ListUnconfirmed()
	if err != nil {
		return err
	}
	for i := range entries {
		m.rec.TrackLocal(&entries[i].Payload)
	}

	ctx, m.cancel = context.WithCancel(ctx)
	netCh, netUnsub := m.bus.Subscribe("net.", 16)
	confirmedCh, confirmedUnsub := m.bus.Subscribe(bus.KindOutboxConfirmed, 64)

	go func() {
		defer netUnsub()
		defer confirmedUnsub()
		ticker := time.NewTicker(m.opts.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.processPending(ctx)
			case <-m.kick:
				m.processPending(ctx)
			case evt := <-netCh:
				if evt.Kind == bus.KindNetUp {
					m.resetSchedule()
					m.processPending(ctx)
				}
			case evt := <-confirmedCh:
				if localID, ok := evt.Payload.(string); ok {
					m.clearEntry(localID)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	if len(entries) > 0 {
		m.Kick()
	}
	return nil
}

// Stop stops the retry loop. Uploads already in flight run to completion;
// cancelling one mid-flight risks sending the message twice on retry.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

// processPending walks pending entries in creation order and launches an
// upload attempt for each one that is due.
func (m *Manager) processPending(ctx context.Context) {
	entries, err := m.db.ListUnconfirmed()
	if err != nil {
		m.logger.Error("read outbox failed", zap.Error(err))
		return
	}

	now := time.Now()
	for i := range entries {
		e := entries[i]
		if e.State != store.OutboxPending {
			continue
		}
		if due, ok := m.dueAt(e.LocalID); ok && now.Before(due) {
			continue
		}

		claimed, err := m.db.MarkOutboxInFlight(e.LocalID)
		if err != nil {
			m.logger.Error("claim outbox entry failed", zap.Error(err), zap.String("local_id", e.LocalID))
			continue
		}
		if !claimed {
			continue
		}

		m.metrics.OutboxAttempt()
		go m.attempt(ctx, e)
	}
}

// attempt performs one upload. Detached from the caller's cancellation: an
// attempt that has started runs to its own timeout.
func (m *Manager) attempt(ctx context.Context, e store.OutboxEntry) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.UploadTimeout)
	defer cancel()

	serverID, err := m.channel.Upsert(ctx, &e.Payload)
	if err == nil {
		if serverID != "" && serverID != e.LocalID {
			m.rec.MapServerID(e.LocalID, serverID)
		}
		// The entry stays in-flight; only the reconciler retires it, once
		// the echo arrives. Deleting here would race the match machinery.
		m.logger.Info("upload accepted",
			zap.String("local_id", e.LocalID),
			zap.String("server_id", serverID))
		return
	}

	if remote.Classify(err) == remote.ErrorTerminal {
		m.abandon(e, err)
		return
	}

	attempts, dbErr := m.db.OutboxFailure(e.LocalID, err.Error())
	if dbErr != nil {
		m.logger.Error("record outbox failure failed", zap.Error(dbErr), zap.String("local_id", e.LocalID))
		return
	}
	if attempts >= m.opts.MaxAttempts {
		m.abandon(e, err)
		return
	}

	delay := m.nextDelay(e.LocalID)
	m.logger.Warn("upload failed, will retry",
		zap.String("local_id", e.LocalID),
		zap.Int("attempts", attempts),
		zap.Duration("retry_in", delay),
		zap.Error(err))
}

func (m *Manager) abandon(e store.OutboxEntry, cause error) {
	if err := m.db.AbandonOutbox(e.LocalID, cause.Error()); err != nil {
		m.logger.Error("abandon outbox entry failed", zap.Error(err), zap.String("local_id", e.LocalID))
		return
	}
	if err := m.rec.FailLocal(e.Payload.ConversationID, e.LocalID, cause.Error()); err != nil {
		m.logger.Error("fail local message failed", zap.Error(err), zap.String("local_id", e.LocalID))
	}
	m.clearEntry(e.LocalID)
	m.metrics.OutboxAbandoned()

	failure := bus.SendFailure{
		ConversationID: e.Payload.ConversationID,
		LocalID:        e.LocalID,
		Reason:         cause.Error(),
	}
	m.bus.Publish(bus.Event{Kind: bus.KindOutboxAbandoned, Timestamp: time.Now(), Payload: failure})
	m.bus.Publish(bus.Event{Kind: bus.KindMessageSendFailed, Timestamp: time.Now(), Payload: failure})
}

// nextDelay advances the per-entry backoff and schedules the next attempt.
func (m *Manager) nextDelay(localID string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.backoffs[localID]
	if !ok {
		b = backoff.NewExponentialBackOff()
		b.InitialInterval = m.opts.InitialBackoff
		b.MaxInterval = m.opts.MaxBackoff
		b.MaxElapsedTime = 0
		b.Reset()
		m.backoffs[localID] = b
	}
	delay := b.NextBackOff()
	m.nextTry[localID] = time.Now().Add(delay)
	return delay
}

func (m *Manager) dueAt(localID string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.nextTry[localID]
	return t, ok
}

// resetSchedule clears per-entry delays so a reconnect retries immediately.
func (m *Manager) resetSchedule() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextTry = make(map[string]time.Time)
	for _, b := range m.backoffs {
		b.Reset()
	}
}

func (m *Manager) clearEntry(localID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.backoffs, localID)
	delete(m.nextTry, localID)
}
